package router

import (
	"strings"
	"time"

	"github.com/danmuck/routerd/internal/transport"
)

// Config is the router build-time configuration.
type Config struct {
	// Realms are created up front and live until RemoveRealm or Close.
	Realms []string
	// AutoCreateRealms creates unknown realms on first Hello and tears them
	// down when their last session leaves.
	AutoCreateRealms bool
	Agent            string
	SessionQueueSize int
	HandshakeTimeout time.Duration
	// MaxFramePayloadLength bounds what the router writes to any session.
	// Publications and calls whose outbound Event or Invocation would
	// exceed it are refused at dispatch.
	MaxFramePayloadLength int
}

func DefaultConfig() Config {
	return Config{
		Agent:                 "routerd",
		SessionQueueSize:      256,
		HandshakeTimeout:      5 * time.Second,
		MaxFramePayloadLength: transport.DefaultMaxFramePayloadLength,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Agent) == "" {
		c.Agent = d.Agent
	}
	if c.SessionQueueSize <= 0 {
		c.SessionQueueSize = d.SessionQueueSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.MaxFramePayloadLength <= 0 {
		c.MaxFramePayloadLength = d.MaxFramePayloadLength
	}
	return c
}
