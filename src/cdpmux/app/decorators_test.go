package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/cdpmux/src/cdpmux/internal/core"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func TestEnv(t *testing.T) {
	tests := []struct {
		name      string
		setEnvVal string
		expectVal string
	}{
		{
			name:      "local",
			expectVal: EnvLocal,
		},
		{
			name:      "development",
			setEnvVal: "development",
			expectVal: EnvDevelopment,
		},
		{
			name:      "unknown value",
			setEnvVal: "staging",
			expectVal: EnvLocal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(_envCdpmuxEnvironment, tt.setEnvVal)

			fxtest.New(
				t,
				fx.Provide(func() Context {
					return Context{
						Environment:        "local",
						RuntimeEnvironment: "local",
					}
				}),
				fx.Decorate(decorateEnvContext),
				fx.Invoke(func(ctx Context) {
					require.Equal(t, tt.expectVal, ctx.Environment, "unexpected environment")
					require.Equal(t, tt.expectVal, ctx.RuntimeEnvironment, "unexpected runtime environment")
				}),
			).RequireStart().RequireStop()
		})
	}
}

func loggingProvider(t *testing.T, outputPaths ...string) config.Provider {
	p, err := config.NewStaticProvider(map[string]interface{}{
		"logging": map[string]interface{}{
			"level":       "info",
			"encoding":    "json",
			"outputPaths": outputPaths,
		},
	})
	require.NoError(t, err)
	return p
}

func TestDecorateConfigProvider(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "logs", "cdpmux.log")

		fxtest.New(
			t,
			fx.Provide(func() config.Provider { return loggingProvider(t, logFile) }),
			fx.Provide(func() Context { return Context{RuntimeEnvironment: EnvLocal} }),
			fx.Decorate(decorateConfigProvider),
			fx.Invoke(func(cfg config.Provider) {
				var logging core.LoggingConfig
				require.NoError(t, cfg.Get("logging").Populate(&logging))
				assert.False(t, logging.Development)
				assert.Equal(t, "info", logging.Level)
			}),
		).RequireStart().RequireStop()

		info, err := os.Stat(filepath.Join(dir, "logs"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("development", func(t *testing.T) {
		fxtest.New(
			t,
			fx.Provide(func() config.Provider { return loggingProvider(t, "stdout") }),
			fx.Provide(func() Context { return Context{RuntimeEnvironment: EnvDevelopment} }),
			fx.Decorate(decorateConfigProvider),
			fx.Invoke(func(cfg config.Provider) {
				var logging core.LoggingConfig
				require.NoError(t, cfg.Get("logging").Populate(&logging))
				assert.True(t, logging.Development)
				assert.Equal(t, "debug", logging.Level)
				assert.Equal(t, "console", logging.Encoding)
				assert.Equal(t, []string{"stdout"}, logging.OutputPaths)
			}),
		).RequireStart().RequireStop()
	})
}

func TestEnsureLogFolder(t *testing.T) {
	t.Run("creates every directory", func(t *testing.T) {
		dir := t.TempDir()
		p := loggingProvider(t,
			filepath.Join(dir, "foo", "myfile1.log"),
			filepath.Join(dir, "bar", "myfile2.log"),
			"stderr",
		)

		_, err := ensureLogFolder(p)
		require.NoError(t, err)
		assert.DirExists(t, filepath.Join(dir, "foo"))
		assert.DirExists(t, filepath.Join(dir, "bar"))
	})

	t.Run("error creating directory", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0o644))

		_, err := ensureLogFolder(loggingProvider(t, filepath.Join(blocker, "sub", "cdpmux.log")))
		assert.Error(t, err)
	})

	t.Run("invalid logging block", func(t *testing.T) {
		p, err := config.NewStaticProvider(map[string]interface{}{"logging": "nope"})
		require.NoError(t, err)
		_, err = ensureLogFolder(p)
		assert.Error(t, err)
	})
}
