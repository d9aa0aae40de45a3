package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/routerd/internal/logging"
	"github.com/danmuck/routerd/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config is the client build-time configuration.
type Config struct {
	Realm            string
	Agent            string
	Dialer           Dialer
	Reconnect        ReconnectPolicy
	HandshakeTimeout time.Duration
	GoodbyeTimeout   time.Duration
	// Clock drives reconnect timers; tests inject clock.NewMock().
	Clock clock.Clock
}

func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Agent) == "" {
		c.Agent = "routerd-client"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.GoodbyeTimeout <= 0 {
		c.GoodbyeTimeout = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Realm) == "" {
		return fmt.Errorf("%w: realm is required", ErrInvalidConfiguration)
	}
	if c.Dialer == nil {
		return fmt.Errorf("%w: dialer is required", ErrInvalidConfiguration)
	}
	return c.Reconnect.Validate()
}

// Client is one realm member with a managed connection lifecycle.
type Client struct {
	cfg   Config
	clock clock.Clock
	id    uuid.UUID
	log   zerolog.Logger

	mu        sync.Mutex
	state     State
	sessionID uint64
	conn      *connection
	attempt   int
	running   bool
	cancelRun context.CancelFunc
	runDone   chan struct{}
	timer     *clock.Timer
	watchers  map[*Watcher]struct{}
	closed    chan struct{}
}

func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := uuid.New()
	return &Client{
		cfg:      cfg,
		clock:    cfg.Clock,
		id:       id,
		log:      logging.For("client.Client").With().Str("client", id.String()).Str("realm", cfg.Realm).Logger(),
		state:    StateDisconnected,
		watchers: make(map[*Watcher]struct{}),
		closed:   make(chan struct{}),
	}, nil
}

func (c *Client) ID() string {
	return c.id.String()
}

func (c *Client) Realm() string {
	return c.cfg.Realm
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID is the router-assigned id while Connected, else zero.
func (c *Client) SessionID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Done is closed once the client reaches Closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Watch returns a stream of every transition from now on.
func (c *Client) Watch() *Watcher {
	w := &Watcher{client: c, queue: newPump[Transition]()}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		w.queue.close()
		return w
	}
	c.watchers[w] = struct{}{}
	return w
}

// Open starts the state machine. It returns at once; watch for Connected.
// A client that fell back to Disconnected may be opened again.
func (c *Client) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateClosed || c.state == StateDisconnecting:
		return ErrConnectionClosed
	case c.running:
		return ErrAlreadyOpen
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.cancelRun = cancel
	c.runDone = make(chan struct{})
	c.attempt = 0
	go c.run(ctx, c.runDone)
	return nil
}

// Close shuts the client down from any state and blocks until Closed.
// Pending requests fail with ErrConnectionClosing. If ctx ends before the
// goodbye exchange completes the channel is cut and ctx.Err is returned.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateDisconnecting:
		c.mu.Unlock()
		select {
		case <-c.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	conn := c.conn
	c.conn = nil
	c.sessionID = 0
	var pending []*pendingRequest
	if conn != nil {
		pending = conn.pending.drain(ErrConnectionClosing)
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.setState(StateDisconnecting, nil)
	cancel := c.cancelRun
	runDone := c.runDone
	running := c.running
	c.mu.Unlock()

	failAll(pending, ErrConnectionClosing)

	var err error
	if conn != nil {
		conn.endStreams(ErrConnectionClosing)
		err = c.goodbye(ctx, conn)
	}
	if cancel != nil {
		cancel()
	}
	if running {
		<-runDone
	}

	c.mu.Lock()
	c.running = false
	c.setState(StateClosed, nil)
	for w := range c.watchers {
		w.queue.close()
		delete(c.watchers, w)
	}
	c.mu.Unlock()
	close(c.closed)
	c.log.Info().Msg("client closed")
	return err
}

// goodbye asks the router to end the session and waits for the channel to
// finish, bounded by GoodbyeTimeout and ctx.
func (c *Client) goodbye(ctx context.Context, conn *connection) error {
	defer conn.ch.Close()
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.GoodbyeTimeout)
	defer cancel()
	if err := conn.ch.Send(sendCtx, &protocol.Goodbye{Reason: protocol.URICloseNormal}); err != nil {
		return nil
	}
	select {
	case <-conn.ch.Done():
		return nil
	case <-sendCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
}

// run drives Connecting, Connected and Reconnecting until the client is
// closed or the reconnect policy gives up.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if !c.enter(StateConnecting, nil) {
			return
		}
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug().Err(err).Msg("connect failed")
			if !c.scheduleReconnect(ctx, nil, err) {
				return
			}
			continue
		}
		if !c.establish(conn) {
			_ = conn.ch.Close()
			return
		}
		cause := conn.serve()
		if !c.scheduleReconnect(ctx, conn, cause) {
			return
		}
	}
}

// enter moves to next unless the client is shutting down.
func (c *Client) enter(next State, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnecting || c.state == StateClosed {
		return false
	}
	c.setState(next, cause)
	return true
}

func (c *Client) establish(conn *connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return false
	}
	c.conn = conn
	c.sessionID = conn.sessionID
	c.attempt = 0
	c.setState(StateConnected, nil)
	return true
}

// scheduleReconnect leaves Connected (when conn is the live connection) or
// Connecting, then either arms the reconnect timer and waits for it or
// settles in Disconnected. It reports whether run should try again.
func (c *Client) scheduleReconnect(ctx context.Context, conn *connection, cause error) bool {
	c.mu.Lock()
	if c.state == StateDisconnecting || c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	var pending []*pendingRequest
	if conn != nil && c.conn == conn {
		c.conn = nil
		c.sessionID = 0
		pending = conn.pending.drain(ErrConnectionLost)
	}

	c.attempt++
	policy := c.cfg.Reconnect
	if !policy.Allows(c.attempt) {
		c.running = false
		c.setState(StateDisconnected, cause)
		c.mu.Unlock()
		c.release(conn, pending)
		c.log.Warn().Err(cause).Int("attempts", c.attempt-1).Msg("reconnect policy exhausted")
		return false
	}
	timer := c.clock.Timer(policy.Delay(c.attempt))
	c.timer = timer
	c.setState(StateReconnecting, cause)
	attempt := c.attempt
	c.mu.Unlock()
	c.release(conn, pending)

	c.log.Info().Err(cause).Int("attempt", attempt).Msg("reconnect scheduled")
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		timer.Stop()
		return false
	}
}

func (c *Client) release(conn *connection, pending []*pendingRequest) {
	failAll(pending, ErrConnectionLost)
	if conn != nil {
		conn.endStreams(ErrConnectionLost)
		_ = conn.ch.Close()
	}
}

// setState records and broadcasts a transition. Callers hold c.mu.
func (c *Client) setState(next State, cause error) {
	tr := Transition{
		From:    c.state,
		State:   next,
		Attempt: c.attempt,
		Err:     cause,
		At:      c.clock.Now(),
	}
	if next == StateConnected {
		tr.SessionID = c.sessionID
	}
	c.state = next
	for w := range c.watchers {
		w.queue.push(tr)
	}
	ev := c.log.Debug()
	if cause != nil {
		ev = c.log.Info().Err(cause)
	}
	ev.Str("from", tr.From.String()).Str("to", next.String()).Uint64("session", tr.SessionID).Msg("state transition")
}

// current returns the live connection or the error an operation issued
// now should fail with.
func (c *Client) current() (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnected:
		return c.conn, nil
	case StateClosed:
		return nil, ErrConnectionClosed
	case StateDisconnecting:
		return nil, ErrConnectionClosing
	default:
		return nil, ErrNotConnected
	}
}

// connect dials and joins the realm.
func (c *Client) connect(ctx context.Context) (*connection, error) {
	ch, err := c.cfg.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if joined, ok := ch.(Joined); ok {
		return newConnection(c, ch, joined.SessionID()), nil
	}

	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := ch.Send(hsCtx, &protocol.Hello{Realm: c.cfg.Realm, Agent: c.cfg.Agent}); err != nil {
		_ = ch.Close()
		return nil, err
	}
	select {
	case msg, ok := <-ch.Receive():
		if !ok {
			err := ch.Err()
			if err == nil {
				err = ErrConnectionLost
			}
			return nil, err
		}
		switch m := msg.(type) {
		case *protocol.Welcome:
			return newConnection(c, ch, m.SessionID), nil
		case *protocol.Abort:
			_ = ch.Close()
			return nil, fmt.Errorf("%w: %w", ErrJoinRejected, &protocol.RPCError{URI: m.Reason, Args: protocol.Args{m.Message}})
		default:
			_ = ch.Close()
			return nil, fmt.Errorf("%w: %s during handshake", ErrUnexpectedReply, protocol.TypeName(msg.Type()))
		}
	case <-hsCtx.Done():
		_ = ch.Close()
		return nil, hsCtx.Err()
	}
}
