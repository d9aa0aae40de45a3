package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/routerd/internal/protocol/frame"
)

const DefaultMaxFramePayloadLength = frame.DefaultMaxPayloadBytes

var ErrInvalidConfiguration = errors.New("transport: invalid configuration")

// Config is the immutable transport configuration shared by connectors and
// listeners. Zero ping values disable keep-alive.
type Config struct {
	TLS                   *tls.Config
	MaxFramePayloadLength int
	PingPeriod            time.Duration
	PingTimeout           time.Duration
	DialTimeout           time.Duration
	WriteTimeout          time.Duration
}

// Option mutates a Config under construction and rejects invalid values.
type Option func(*Config) error

func DefaultConfig() Config {
	return Config{
		MaxFramePayloadLength: DefaultMaxFramePayloadLength,
		DialTimeout:           5 * time.Second,
		WriteTimeout:          15 * time.Second,
	}
}

// NewConfig builds a validated Config from defaults plus opts.
func NewConfig(opts ...Option) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithTLS sets the TLS context. A nil context on a client means an
// unauthenticated default is used for tls:// and wss:// addresses.
func WithTLS(tlsCfg *tls.Config) Option {
	return func(c *Config) error {
		c.TLS = tlsCfg
		return nil
	}
}

func WithMaxFramePayloadLength(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("%w: max frame payload length must be positive, got %d", ErrInvalidConfiguration, n)
		}
		c.MaxFramePayloadLength = n
		return nil
	}
}

func WithKeepAlive(period, timeout time.Duration) Option {
	return func(c *Config) error {
		if period <= 0 {
			return fmt.Errorf("%w: ping period must be positive, got %s", ErrInvalidConfiguration, period)
		}
		if timeout <= 0 {
			return fmt.Errorf("%w: ping timeout must be positive, got %s", ErrInvalidConfiguration, timeout)
		}
		c.PingPeriod = period
		c.PingTimeout = timeout
		return nil
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("%w: dial timeout must be positive, got %s", ErrInvalidConfiguration, d)
		}
		c.DialTimeout = d
		return nil
	}
}

func (c Config) Validate() error {
	if c.MaxFramePayloadLength <= 0 {
		return fmt.Errorf("%w: max frame payload length must be positive", ErrInvalidConfiguration)
	}
	if c.PingPeriod < 0 || c.PingTimeout < 0 {
		return fmt.Errorf("%w: keep-alive values cannot be negative", ErrInvalidConfiguration)
	}
	if (c.PingPeriod == 0) != (c.PingTimeout == 0) {
		return fmt.Errorf("%w: ping period and timeout must be set together", ErrInvalidConfiguration)
	}
	return nil
}

// WithDefaults fills zero values that have a sensible default.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxFramePayloadLength == 0 {
		c.MaxFramePayloadLength = d.MaxFramePayloadLength
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

func (c Config) KeepAliveEnabled() bool {
	return c.PingPeriod > 0 && c.PingTimeout > 0
}

func (c Config) Limits() frame.Limits {
	return frame.LimitsFor(c.MaxFramePayloadLength)
}

// idleDeadline is how long a keep-alive channel may stay silent.
func (c Config) idleDeadline() time.Duration {
	return c.PingPeriod + c.PingTimeout
}
