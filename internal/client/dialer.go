package client

import (
	"context"

	"github.com/danmuck/routerd/internal/transport"
)

// Dialer opens one channel toward the router per connection attempt.
type Dialer interface {
	Dial(ctx context.Context) (transport.Channel, error)
}

// Joined is implemented by channels that are already attached to a realm
// session, such as the router's in-process path. The Hello/Welcome
// handshake is skipped for them.
type Joined interface {
	SessionID() uint64
}

// NetworkDialer dials Address through a transport.Connector.
type NetworkDialer struct {
	Connector transport.Connector
	Address   string
	Transport transport.Config
}

// NewNetworkDialer returns a dialer using the stock tcp/tls/ws/wss connector.
func NewNetworkDialer(address string, cfg transport.Config) NetworkDialer {
	return NetworkDialer{Connector: transport.Dialer{}, Address: address, Transport: cfg}
}

func (d NetworkDialer) Dial(ctx context.Context) (transport.Channel, error) {
	connector := d.Connector
	if connector == nil {
		connector = transport.Dialer{}
	}
	return connector.Connect(ctx, d.Address, d.Transport)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (transport.Channel, error)

func (f DialerFunc) Dial(ctx context.Context) (transport.Channel, error) {
	return f(ctx)
}
