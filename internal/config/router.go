package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/routerd/internal/router"
	"github.com/danmuck/routerd/internal/transport"
)

// routerFile is the routerd serve config.toml key mapping.
type routerFile struct {
	Realms           []string `toml:"realms"`
	AutoCreateRealms bool     `toml:"auto_create_realms"`
	Agent            string   `toml:"agent"`
	SessionQueueSize int      `toml:"session_queue_size"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	Listen           []string `toml:"listen"`
	MetricsAddr      string   `toml:"metrics_addr"`
	transportFile
}

// RouterSettings is everything routerd serve needs to start.
type RouterSettings struct {
	Router      router.Config
	Listen      []string
	MetricsAddr string
	Transport   TransportSettings
}

func DefaultRouterSettings() RouterSettings {
	rc := router.DefaultConfig()
	rc.Realms = []string{"realm1"}
	return RouterSettings{
		Router:    rc,
		Listen:    []string{"ws://0.0.0.0:8080/ws1"},
		Transport: DefaultTransportSettings(),
	}
}

// LoadRouter reads a router TOML file and overlays it on the defaults.
func LoadRouter(path string) (RouterSettings, error) {
	cfg := DefaultRouterSettings()

	var raw routerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return RouterSettings{}, fmt.Errorf("load router config: %w", err)
	}
	if err := undecoded(meta); err != nil {
		return RouterSettings{}, fmt.Errorf("load router config: %w", err)
	}

	if meta.IsDefined("realms") {
		cfg.Router.Realms = trimAll(raw.Realms)
	}
	if meta.IsDefined("auto_create_realms") {
		cfg.Router.AutoCreateRealms = raw.AutoCreateRealms
	}
	if meta.IsDefined("agent") {
		cfg.Router.Agent = strings.TrimSpace(raw.Agent)
	}
	if meta.IsDefined("session_queue_size") {
		cfg.Router.SessionQueueSize = raw.SessionQueueSize
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := parseDuration("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return RouterSettings{}, fmt.Errorf("load router config: %w", err)
		}
		cfg.Router.HandshakeTimeout = d
	}
	if meta.IsDefined("listen") {
		cfg.Listen = trimAll(raw.Listen)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if err := overlayTransport(meta, raw.transportFile, &cfg.Transport); err != nil {
		return RouterSettings{}, fmt.Errorf("load router config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return RouterSettings{}, fmt.Errorf("load router config: %w", err)
	}
	cfg.Router.MaxFramePayloadLength = cfg.Transport.MaxFramePayloadLength
	cfg.Router = cfg.Router.WithDefaults()
	return cfg, nil
}

func (s RouterSettings) Validate() error {
	if len(s.Listen) == 0 {
		return fmt.Errorf("%w: at least one listen address is required", ErrInvalidConfig)
	}
	if len(s.Router.Realms) == 0 && !s.Router.AutoCreateRealms {
		return fmt.Errorf("%w: no realms configured and auto_create_realms is off", ErrInvalidConfig)
	}
	if s.Router.SessionQueueSize < 0 {
		return fmt.Errorf("%w: session_queue_size must not be negative", ErrInvalidConfig)
	}
	if s.Router.HandshakeTimeout < 0 {
		return fmt.Errorf("%w: handshake_timeout must not be negative", ErrInvalidConfig)
	}
	return s.Transport.TLS.ValidateServer()
}

// TransportConfig loads the listener TLS context and returns the transport
// configuration shared by every listener.
func (s RouterSettings) TransportConfig() (transport.Config, error) {
	return s.Transport.build(true)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
