package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/routerd/internal/logging"
	"github.com/danmuck/routerd/internal/protocol"
	"github.com/danmuck/routerd/internal/protocol/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Subprotocol is negotiated on every websocket upgrade.
const Subprotocol = "routerd.frame.v1"

// wsChannel carries exactly one frame per binary websocket message.
type wsChannel struct {
	lifecycle
	conn    *websocket.Conn
	cfg     Config
	limits  frame.Limits
	writeMu sync.Mutex
	log     zerolog.Logger
}

func newWSChannel(conn *websocket.Conn, cfg Config) *wsChannel {
	c := &wsChannel{
		lifecycle: newLifecycle(receiveBuffer),
		conn:      conn,
		cfg:       cfg,
		limits:    cfg.Limits(),
		log:       logging.For("transport.wsChannel").With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	conn.SetReadLimit(int64(frame.FixedHeaderLen) + int64(cfg.MaxFramePayloadLength))
	if cfg.KeepAliveEnabled() {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.idleDeadline()))
		})
	}
	go c.readLoop()
	if cfg.KeepAliveEnabled() {
		go c.pingLoop()
	}
	return c
}

func (c *wsChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsChannel) Send(ctx context.Context, msg protocol.Message) error {
	if c.closed() {
		return ErrClosed
	}
	b, err := protocol.Marshal(msg, c.limits)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	err = c.conn.WriteMessage(websocket.BinaryMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *wsChannel) Close() error {
	if !c.finish(nil) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *wsChannel) fail(err error) {
	if c.finish(err) {
		c.log.Debug().Err(err).Msg("websocket channel failed")
		_ = c.conn.Close()
	}
}

func (c *wsChannel) readLoop() {
	defer close(c.in)
	for {
		if c.cfg.KeepAliveEnabled() {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.idleDeadline()))
		}
		kind, b, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(wsReadError(err))
			return
		}
		if kind != websocket.BinaryMessage {
			c.fail(errors.New("transport: unexpected websocket text message"))
			return
		}
		msg, err := protocol.Unmarshal(b, c.limits)
		if err != nil {
			c.fail(err)
			return
		}
		if !c.deliver(msg) {
			return
		}
	}
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PingTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func wsReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrPeerClosed
	}
	return readError(err)
}

func dialWebSocket(ctx context.Context, address string, cfg Config, secure bool) (Channel, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		Subprotocols:     []string{Subprotocol},
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if secure {
		u, err := parseAddress(address)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = clientTLS(cfg.TLS, u.Host)
	}
	conn, _, err := dialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, err
	}
	return newWSChannel(conn, cfg), nil
}

// wsListener upgrades HTTP requests on one path into channels.
type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	cfg      Config
	upgrader websocket.Upgrader
	accepted chan Channel
	done     chan struct{}
	once     sync.Once
	log      zerolog.Logger
}

func listenWebSocket(ln net.Listener, path string, cfg Config) *wsListener {
	if path == "" {
		path = "/"
	}
	l := &wsListener{
		ln:  ln,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{Subprotocol},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		accepted: make(chan Channel),
		done:     make(chan struct{}),
		log:      logging.For("transport.wsListener").With().Str("listen", ln.Addr().String()).Str("path", path).Logger(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Warn().Err(err).Msg("websocket listener stopped")
		}
	}()
	return l
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	ch := newWSChannel(conn, l.cfg)
	select {
	case l.accepted <- ch:
	case <-l.done:
		_ = ch.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.accepted:
		return ch, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}
