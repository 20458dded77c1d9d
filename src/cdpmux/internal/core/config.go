package core

import (
	"fmt"
	"os"
	"path/filepath"

	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

const (
	_configDirEnv     = "CDPMUX_CONFIG_DIR"
	_defaultConfigDir = "src/cdpmux/config"
	_metaFile         = "meta.yaml"
)

// ConfigModule provides the layered YAML configuration.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

// Config is a named config.Provider.
type Config struct {
	provider uber_config.Provider
}

// Get returns the value at path.
func (c Config) Get(path string) uber_config.Value {
	return c.provider.Get(path)
}

// Name implements config.Provider.
func (c Config) Name() string {
	return "config"
}

// NewConfig loads the files listed by meta.yaml from the config directory.
// Later files override earlier ones; files that do not exist are skipped.
func NewConfig() (uber_config.Provider, error) {
	configDir := getConfigDir()

	files, err := configFiles(configDir)
	if err != nil {
		return nil, err
	}

	options := make([]uber_config.YAMLOption, 0, len(files)+1)
	for _, file := range files {
		options = append(options, uber_config.File(file))
	}
	options = append(options, uber_config.Expand(os.LookupEnv))

	provider, err := uber_config.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return Config{provider: provider}, nil
}

// configFiles returns the existing files named by meta.yaml, in order.
func configFiles(configDir string) ([]string, error) {
	meta, err := uber_config.NewYAML(
		uber_config.File(filepath.Join(configDir, _metaFile)),
		uber_config.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load meta configuration: %w", err)
	}

	var names []string
	if err := meta.Get("files").Populate(&names); err != nil {
		return nil, fmt.Errorf("failed to read files list from %s: %w", _metaFile, err)
	}

	var found []string
	for _, name := range names {
		fullPath := filepath.Join(configDir, name)
		if _, err := os.Stat(fullPath); err == nil {
			found = append(found, fullPath)
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no configuration files found in %s", configDir)
	}
	return found, nil
}

// getConfigDir returns the path to the configuration directory.
// The default assumes the binary runs from the repository root.
func getConfigDir() string {
	if configDir := os.Getenv(_configDirEnv); configDir != "" {
		return configDir
	}
	return _defaultConfigDir
}
