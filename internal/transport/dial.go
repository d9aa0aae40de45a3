package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	SchemeTCP = "tcp"
	SchemeTLS = "tls"
	SchemeWS  = "ws"
	SchemeWSS = "wss"
)

// Dialer is the network Connector for tcp, tls, ws and wss addresses.
type Dialer struct{}

var _ Connector = Dialer{}

func (Dialer) Connect(ctx context.Context, address string, cfg Config) (Channel, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeWS:
		return dialWebSocket(ctx, u.String(), cfg, false)
	case SchemeWSS:
		return dialWebSocket(ctx, u.String(), cfg, true)
	case SchemeTCP, SchemeTLS:
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	rawConn, err := d.DialContext(dialCtx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}
	if u.Scheme == SchemeTCP {
		return newStreamChannel(rawConn, cfg), nil
	}
	conn := tls.Client(rawConn, clientTLS(cfg.TLS, u.Host))
	if err := conn.HandshakeContext(dialCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return newStreamChannel(conn, cfg), nil
}

// Listen opens a router-side listener. tls:// and wss:// require cfg.TLS
// to carry a server certificate.
func Listen(address string, cfg Config) (Listener, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	secure := u.Scheme == SchemeTLS || u.Scheme == SchemeWSS
	if secure && (cfg.TLS == nil || len(cfg.TLS.Certificates) == 0) {
		return nil, fmt.Errorf("%w: %s listener needs a server certificate", ErrInvalidConfiguration, u.Scheme)
	}
	switch u.Scheme {
	case SchemeTCP, SchemeTLS, SchemeWS, SchemeWSS:
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	if secure {
		ln = tls.NewListener(ln, cfg.TLS)
	}
	if u.Scheme == SchemeWS || u.Scheme == SchemeWSS {
		return listenWebSocket(ln, u.Path, cfg), nil
	}
	return &streamListener{ln: ln, cfg: cfg}, nil
}

// parseAddress accepts scheme://host:port[/path]; a bare host:port is tcp.
func parseAddress(address string) (*url.URL, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", ErrUnsupportedURL)
	}
	if !strings.Contains(address, "://") {
		address = SchemeTCP + "://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrUnsupportedURL, address)
	}
	return u, nil
}

type streamListener struct {
	ln  net.Listener
	cfg Config
}

// Accept waits for the next connection. A cancelled ctx unblocks the
// wait by closing the listener.
func (l *streamListener) Accept(ctx context.Context) (Channel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	out := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		out <- result{conn: conn, err: err}
	}()
	select {
	case r := <-out:
		if r.err != nil {
			return nil, r.err
		}
		return newStreamChannel(r.conn, l.cfg), nil
	case <-ctx.Done():
		_ = l.ln.Close()
		if r := <-out; r.conn != nil {
			_ = r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

func (l *streamListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *streamListener) Close() error {
	return l.ln.Close()
}
