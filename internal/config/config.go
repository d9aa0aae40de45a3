package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/routerd/internal/transport"
)

var ErrInvalidConfig = errors.New("config: invalid")

// transportFile holds the keys shared by router and client files.
type transportFile struct {
	MaxFramePayloadLength int    `toml:"max_frame_payload_length"`
	KeepalivePeriod       string `toml:"keepalive_period"`
	KeepaliveTimeout      string `toml:"keepalive_timeout"`
	DialTimeout           string `toml:"dial_timeout"`
	WriteTimeout          string `toml:"write_timeout"`

	TLSSecurityMode       string `toml:"tls_security_mode"`
	TLSEnabled            bool   `toml:"tls_enabled"`
	TLSMutual             bool   `toml:"tls_mutual"`
	TLSCertFile           string `toml:"tls_cert_file"`
	TLSKeyFile            string `toml:"tls_key_file"`
	TLSCAFile             string `toml:"tls_ca_file"`
	TLSServerName         string `toml:"tls_server_name"`
	TLSInsecureSkipVerify bool   `toml:"tls_insecure_skip_verify"`
}

// TransportSettings is the file form of a transport.Config before the TLS
// context has been loaded.
type TransportSettings struct {
	MaxFramePayloadLength int
	KeepalivePeriod       time.Duration
	KeepaliveTimeout      time.Duration
	DialTimeout           time.Duration
	WriteTimeout          time.Duration
	TLS                   transport.TLSFiles
}

func DefaultTransportSettings() TransportSettings {
	d := transport.DefaultConfig()
	return TransportSettings{
		MaxFramePayloadLength: d.MaxFramePayloadLength,
		DialTimeout:           d.DialTimeout,
		WriteTimeout:          d.WriteTimeout,
		TLS:                   transport.TLSFiles{Mode: transport.SecurityModeDevelopment},
	}
}

// build validates the settings and produces a transport.Config with the
// server or client TLS context loaded.
func (s TransportSettings) build(server bool) (transport.Config, error) {
	var opts []transport.Option
	if s.MaxFramePayloadLength != 0 {
		opts = append(opts, transport.WithMaxFramePayloadLength(s.MaxFramePayloadLength))
	}
	if s.KeepalivePeriod != 0 || s.KeepaliveTimeout != 0 {
		opts = append(opts, transport.WithKeepAlive(s.KeepalivePeriod, s.KeepaliveTimeout))
	}
	if s.DialTimeout != 0 {
		opts = append(opts, transport.WithDialTimeout(s.DialTimeout))
	}
	var (
		tc  *tls.Config
		err error
	)
	if server {
		if err = s.TLS.ValidateServer(); err == nil {
			tc, err = s.TLS.ServerConfig()
		}
	} else {
		if err = s.TLS.ValidateClient(); err == nil {
			tc, err = s.TLS.ClientConfig()
		}
	}
	if err != nil {
		return transport.Config{}, err
	}
	opts = append(opts, transport.WithTLS(tc))
	cfg, err := transport.NewConfig(opts...)
	if err != nil {
		return transport.Config{}, err
	}
	if s.WriteTimeout > 0 {
		cfg.WriteTimeout = s.WriteTimeout
	}
	return cfg, nil
}

func overlayTransport(meta toml.MetaData, raw transportFile, cfg *TransportSettings) error {
	if meta.IsDefined("max_frame_payload_length") {
		cfg.MaxFramePayloadLength = raw.MaxFramePayloadLength
	}
	durations := []struct {
		key string
		raw string
		out *time.Duration
	}{
		{"keepalive_period", raw.KeepalivePeriod, &cfg.KeepalivePeriod},
		{"keepalive_timeout", raw.KeepaliveTimeout, &cfg.KeepaliveTimeout},
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.key, d.raw)
		if err != nil {
			return err
		}
		*d.out = v
	}

	if meta.IsDefined("tls_security_mode") {
		cfg.TLS.Mode = transport.SecurityMode(strings.TrimSpace(raw.TLSSecurityMode))
	}
	if meta.IsDefined("tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerify
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
	}
	return v, nil
}

// undecoded rejects keys the file format does not know.
func undecoded(meta toml.MetaData) error {
	keys := meta.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.String())
	}
	return fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(names, ", "))
}
