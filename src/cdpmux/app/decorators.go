package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/uber/cdpmux/src/cdpmux/internal/core"
	"go.uber.org/config"
	"go.uber.org/fx"
)

// Context describes where the daemon is running.
type Context struct {
	Environment        string `yaml:"environment"`
	RuntimeEnvironment string `yaml:"runtimeEnvironment"`
}

const (
	// EnvLocal indicates that the service is running locally.
	EnvLocal = "local"

	// EnvDevelopment indicates that the service is running in a development environment.
	EnvDevelopment = "development"

	// Environment variables
	_envCdpmuxEnvironment = "CDPMUX_ENVIRONMENT"
)

func decorateEnvContext(env Context) Context {
	envValue := EnvLocal
	if os.Getenv(_envCdpmuxEnvironment) == EnvDevelopment {
		envValue = EnvDevelopment
	}

	env.Environment = envValue
	env.RuntimeEnvironment = envValue
	return env
}

// DecorateConfigParams is the set of dependencies required to decorate the config.Provider.
type DecorateConfigParams struct {
	fx.In

	Env Context
	Cfg config.Provider
}

// decorateConfigProvider includes any steps that modify the config.Provider before it is used, or use its data for any startup related activities.
func decorateConfigProvider(p DecorateConfigParams) (config.Provider, error) {
	cfg := p.Cfg
	if p.Env.RuntimeEnvironment == EnvDevelopment {
		var err error
		if cfg, err = withDevelopmentLogging(cfg); err != nil {
			return nil, fmt.Errorf("applying development overrides: %v", err)
		}
	}

	combined, err := ensureLogFolder(cfg)
	if err != nil {
		return nil, fmt.Errorf("ensuring log folder: %v", err)
	}

	return combined, nil
}

// withDevelopmentLogging layers human-readable debug logging over the loaded configuration.
func withDevelopmentLogging(cfg config.Provider) (config.Provider, error) {
	overrides, err := config.NewStaticProvider(map[string]interface{}{
		"logging": map[string]interface{}{
			"level":       "debug",
			"development": true,
			"encoding":    "console",
		},
	})
	if err != nil {
		return nil, err
	}
	return config.NewProviderGroup("development", cfg, overrides)
}

// Ensure that all configured logging output directories exist or create if necessary.
func ensureLogFolder(cfg config.Provider) (config.Provider, error) {
	var c core.LoggingConfig
	if err := cfg.Get("logging").Populate(&c); err != nil {
		return nil, fmt.Errorf("loading logging config: %v", err)
	}

	for _, outputPath := range c.OutputPaths {
		if outputPath == "stdout" || outputPath == "stderr" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating logging directory: %v", err)
		}
	}

	return cfg, nil
}
