package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKey   = "browser"
	_versionPath = "/json/version"
)

// Config holds the settings of the browser connection.
type Config struct {
	// Endpoint is the remote debugging address, e.g. http://127.0.0.1:9222. A ws:// URL skips discovery.
	Endpoint         string        `yaml:"endpoint"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	WriteTimeout     time.Duration `yaml:"writeTimeout"`
	ProbeInterval    time.Duration `yaml:"probeInterval"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout"`
	MinBackoff       time.Duration `yaml:"minBackoff"`
	MaxBackoff       time.Duration `yaml:"maxBackoff"`
	ConnectOnStart   bool          `yaml:"connectOnStart"`
}

// DefaultConfig returns the settings used for any key missing from the config file.
func DefaultConfig() Config {
	return Config{
		Endpoint:         "http://127.0.0.1:9222",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ProbeInterval:    10 * time.Second,
		ProbeTimeout:     2 * time.Second,
		MinBackoff:       250 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
	}
}

// LoadConfig reads the browser block from the config provider.
func LoadConfig(cfg config.Provider) (Config, error) {
	c := DefaultConfig()
	if err := cfg.Get(_configKey).Populate(&c); err != nil {
		return Config{}, fmt.Errorf("getting config field %q: %w", _configKey, err)
	}
	if c.Endpoint == "" {
		return Config{}, fmt.Errorf("missing field %q in config", _configKey+".endpoint")
	}
	if _, err := url.Parse(c.Endpoint); err != nil {
		return Config{}, fmt.Errorf("parsing %s.endpoint: %w", _configKey, err)
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = DefaultConfig().MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	return c, nil
}

// Version is the browser metadata served by the remote debugging HTTP endpoint.
type Version struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Dialer opens websocket connections to the configured browser and checks that it is alive.
type Dialer interface {
	// Dial discovers the websocket URL, connects, and starts the connection's reader.
	Dial(ctx context.Context, generation uint64, sink EventSink) (*Connection, error)
	// Version fetches the browser metadata. It is the liveness probe.
	Version(ctx context.Context) (Version, error)
	Config() Config
}

// DialerParams define values to be used by the Dialer.
type DialerParams struct {
	fx.In

	Config config.Provider
	Logger *zap.SugaredLogger
	Stats  tally.Scope
	Clock  clock.Clock
}

type dialer struct {
	cfg    Config
	ws     *websocket.Dialer
	http   *http.Client
	clock  clock.Clock
	logger *zap.SugaredLogger
	stats  tally.Scope
}

// NewDialer creates a Dialer for the configured endpoint.
func NewDialer(p DialerParams) (Dialer, error) {
	cfg, err := LoadConfig(p.Config)
	if err != nil {
		return nil, err
	}
	return newDialer(cfg, p.Clock, p.Logger, p.Stats.SubScope("browser")), nil
}

func newDialer(cfg Config, clk clock.Clock, logger *zap.SugaredLogger, stats tally.Scope) *dialer {
	return &dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		// No idle connection outlives a probe.
		http: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		clock:  clk,
		logger: logger,
		stats:  stats,
	}
}

func (d *dialer) Config() Config {
	return d.cfg
}

func (d *dialer) Dial(ctx context.Context, generation uint64, sink EventSink) (*Connection, error) {
	wsURL, err := d.discover(ctx)
	if err != nil {
		return nil, err
	}

	ws, resp, err := d.ws.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	d.logger.Infow("connected to browser", "url", wsURL, "generation", generation)
	return newConnection(ws, connectionOptions{
		generation:   generation,
		writeTimeout: d.cfg.WriteTimeout,
		sink:         sink,
		clock:        d.clock,
		logger:       d.logger,
		stats:        d.stats,
	}), nil
}

func (d *dialer) Version(ctx context.Context) (Version, error) {
	base, err := httpBase(d.cfg.Endpoint)
	if err != nil {
		return Version{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+_versionPath, nil)
	if err != nil {
		return Version{}, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return Version{}, fmt.Errorf("fetching %s: %w", _versionPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Version{}, fmt.Errorf("fetching %s: unexpected status %d", _versionPath, resp.StatusCode)
	}

	var v Version
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Version{}, fmt.Errorf("decoding %s: %w", _versionPath, err)
	}
	return v, nil
}

func (d *dialer) discover(ctx context.Context) (string, error) {
	if strings.HasPrefix(d.cfg.Endpoint, "ws://") || strings.HasPrefix(d.cfg.Endpoint, "wss://") {
		return d.cfg.Endpoint, nil
	}
	v, err := d.Version(ctx)
	if err != nil {
		return "", err
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("%s has no webSocketDebuggerUrl", _versionPath)
	}
	return v.WebSocketDebuggerURL, nil
}

// httpBase returns the scheme and host of the endpoint as an http(s) URL.
func httpBase(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return u.Scheme + "://" + u.Host, nil
}
