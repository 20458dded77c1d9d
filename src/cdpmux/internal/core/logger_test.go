package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/config"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name          string
		loggingConfig string
		expectedLevel zapcore.Level
		expectError   bool
	}{
		{
			name: "info level json encoding",
			loggingConfig: `
logging:
  level: info
  encoding: json
  outputPaths:
    - stdout
`,
			expectedLevel: zapcore.InfoLevel,
		},
		{
			name: "debug level console encoding",
			loggingConfig: `
logging:
  level: debug
  development: true
  encoding: console
`,
			expectedLevel: zapcore.DebugLevel,
		},
		{
			name: "invalid level",
			loggingConfig: `
logging:
  level: invalid
`,
			expectError: true,
		},
		{
			name: "unopenable output",
			loggingConfig: `
logging:
  level: info
  outputPaths:
    - /nonexistent/dir/cdpmux.log
`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := config.NewYAML(config.Source(strings.NewReader(tt.loggingConfig)))
			require.NoError(t, err)

			sugared, err := NewSugaredLogger(provider)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			logger := NewLogger(sugared)
			assert.True(t, logger.Core().Enabled(tt.expectedLevel))
			assert.False(t, logger.Core().Enabled(tt.expectedLevel-1))
		})
	}
}

func TestLoggerWritesToOutputPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cdpmux.log")
	provider, err := config.NewStaticProvider(map[string]interface{}{
		"logging": map[string]interface{}{
			"level":       "info",
			"encoding":    "json",
			"outputPaths": []string{path},
		},
	})
	require.NoError(t, err)

	logger, err := NewSugaredLogger(provider)
	require.NoError(t, err)
	logger.Infow("session created", "caller", "alice")
	require.NoError(t, logger.Sync())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"session created"`)
	assert.Contains(t, string(b), `"caller":"alice"`)
}
