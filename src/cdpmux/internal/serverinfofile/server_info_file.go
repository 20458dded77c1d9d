// Package serverinfofile publishes the addresses the running daemon listens on, so local tooling can find it.
package serverinfofile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyInfoFile = "serverInfoFilePath"
	_pidKey            = "pid"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// ServerInfoFile manages the contents of a single server info file.
type ServerInfoFile interface {
	UpdateField(key string, value string) error
}

type module struct {
	infofile     string
	logger       *zap.SugaredLogger
	fileContents map[string]string
	mu           sync.Mutex
}

// Params define values to be used by ServerInfoFile.
type Params struct {
	fx.In

	Config    config.Provider
	Lifecycle fx.Lifecycle
	Logger    *zap.SugaredLogger
}

// New creates a ServerInfoFile. An empty path disables the file.
func New(p Params) (ServerInfoFile, error) {
	m := module{
		logger:       p.Logger,
		fileContents: map[string]string{_pidKey: strconv.Itoa(os.Getpid())},
	}

	if err := m.processConfig(p.Config); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: m.OnStop,
	})

	return &m, nil
}

// OnStop removes the file so stale addresses are not picked up after exit.
func (m *module) OnStop(ctx context.Context) error {
	if m.infofile == "" {
		return nil
	}
	if err := os.Remove(m.infofile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// UpdateField sets key to value and rewrites the file.
func (m *module) UpdateField(key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileContents[key] = value
	if m.infofile == "" {
		return nil
	}

	jsonOutput, err := json.Marshal(m.fileContents)
	if err != nil {
		return fmt.Errorf("marshalling json: %w", err)
	}

	// Readers never observe a partially written file.
	tmp := m.infofile + ".tmp"
	if err := os.WriteFile(tmp, jsonOutput, 0o644); err != nil {
		return fmt.Errorf("creating info file: %w", err)
	}
	if err := os.Rename(tmp, m.infofile); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing info file: %w", err)
	}
	m.logger.Infow("connection info saved", zap.String("file", m.infofile), zap.String(key, value))
	return nil
}

func (m *module) processConfig(cfg config.Provider) error {
	val := cfg.Get(_configKeyInfoFile)
	if err := val.Populate(&m.infofile); err != nil {
		return fmt.Errorf("getting config field %q: %w", _configKeyInfoFile, err)
	}
	if m.infofile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.infofile), 0o755); err != nil {
		return fmt.Errorf("creating directory for %q: %w", m.infofile, err)
	}
	return nil
}
