package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/routerd/internal/client"
)

// clientFile is the client config.toml key mapping.
type clientFile struct {
	Realm                string  `toml:"realm"`
	Address              string  `toml:"address"`
	Agent                string  `toml:"agent"`
	HandshakeTimeout     string  `toml:"handshake_timeout"`
	GoodbyeTimeout       string  `toml:"goodbye_timeout"`
	ReconnectMaxAttempts int     `toml:"reconnect_max_attempts"`
	ReconnectInterval    string  `toml:"reconnect_interval"`
	ReconnectMultiplier  float64 `toml:"reconnect_multiplier"`
	ReconnectMaxInterval string  `toml:"reconnect_max_interval"`
	transportFile
}

// ClientSettings describes a network client. Build turns it into a
// client.Config with a dialer for Address.
type ClientSettings struct {
	Realm     string
	Address   string
	Client    client.Config
	Transport TransportSettings
}

func DefaultClientSettings() ClientSettings {
	return ClientSettings{
		Realm:     "realm1",
		Address:   "ws://127.0.0.1:8080/ws1",
		Transport: DefaultTransportSettings(),
	}
}

// LoadClient reads a client TOML file and overlays it on the defaults.
func LoadClient(path string) (ClientSettings, error) {
	cfg := DefaultClientSettings()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ClientSettings{}, fmt.Errorf("load client config: %w", err)
	}
	if err := undecoded(meta); err != nil {
		return ClientSettings{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("realm") {
		cfg.Realm = strings.TrimSpace(raw.Realm)
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("agent") {
		cfg.Client.Agent = strings.TrimSpace(raw.Agent)
	}
	if meta.IsDefined("reconnect_max_attempts") {
		cfg.Client.Reconnect.MaxAttempts = raw.ReconnectMaxAttempts
	}
	if meta.IsDefined("reconnect_multiplier") {
		cfg.Client.Reconnect.Multiplier = raw.ReconnectMultiplier
	}
	durations := []struct {
		key string
		raw string
		out *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Client.HandshakeTimeout},
		{"goodbye_timeout", raw.GoodbyeTimeout, &cfg.Client.GoodbyeTimeout},
		{"reconnect_interval", raw.ReconnectInterval, &cfg.Client.Reconnect.Interval},
		{"reconnect_max_interval", raw.ReconnectMaxInterval, &cfg.Client.Reconnect.MaxInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return ClientSettings{}, fmt.Errorf("load client config: %w", err)
		}
		*d.out = v
	}
	if err := overlayTransport(meta, raw.transportFile, &cfg.Transport); err != nil {
		return ClientSettings{}, fmt.Errorf("load client config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return ClientSettings{}, fmt.Errorf("load client config: %w", err)
	}
	return cfg, nil
}

func (s ClientSettings) Validate() error {
	if s.Realm == "" {
		return fmt.Errorf("%w: realm is required", ErrInvalidConfig)
	}
	if s.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	if err := s.Client.Reconnect.Validate(); err != nil {
		return err
	}
	return s.Transport.TLS.ValidateClient()
}

// Build loads the TLS context and returns a client.Config dialing Address.
func (s ClientSettings) Build() (client.Config, error) {
	if err := s.Validate(); err != nil {
		return client.Config{}, err
	}
	tc, err := s.Transport.build(false)
	if err != nil {
		return client.Config{}, err
	}
	cfg := s.Client
	cfg.Realm = s.Realm
	cfg.Dialer = client.NewNetworkDialer(s.Address, tc)
	return cfg, nil
}
