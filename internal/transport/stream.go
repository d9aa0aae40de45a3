package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/routerd/internal/logging"
	"github.com/danmuck/routerd/internal/protocol"
	"github.com/danmuck/routerd/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// Control frame message types; only valid with frame.FlagControl set.
const (
	controlPing uint32 = 1
	controlPong uint32 = 2
)

const receiveBuffer = 64

// streamChannel carries frames over a net.Conn (plain TCP or TLS).
type streamChannel struct {
	lifecycle
	conn    net.Conn
	cfg     Config
	limits  frame.Limits
	writeMu sync.Mutex
	log     zerolog.Logger
}

func newStreamChannel(conn net.Conn, cfg Config) *streamChannel {
	c := &streamChannel{
		lifecycle: newLifecycle(receiveBuffer),
		conn:      conn,
		cfg:       cfg,
		limits:    cfg.Limits(),
		log:       logging.For("transport.streamChannel").With().Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	go c.readLoop()
	if cfg.KeepAliveEnabled() {
		go c.pingLoop()
	}
	return c
}

func (c *streamChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *streamChannel) Send(ctx context.Context, msg protocol.Message) error {
	if c.closed() {
		return ErrClosed
	}
	b, err := protocol.Marshal(msg, c.limits)
	if err != nil {
		return err
	}
	if err := c.write(ctx, b); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *streamChannel) Close() error {
	if c.finish(nil) {
		return c.conn.Close()
	}
	return nil
}

func (c *streamChannel) fail(err error) {
	if c.finish(err) {
		c.log.Debug().Err(err).Msg("stream channel failed")
		_ = c.conn.Close()
	}
}

func (c *streamChannel) write(ctx context.Context, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_, err := c.conn.Write(b)
	return err
}

func (c *streamChannel) writeControl(kind uint32) error {
	b, err := frame.Marshal(frame.Frame{
		Header: frame.Header{MessageType: kind, Flags: frame.FlagControl},
	}, c.limits)
	if err != nil {
		return err
	}
	return c.write(context.Background(), b)
}

func (c *streamChannel) readLoop() {
	defer close(c.in)
	for {
		if c.cfg.KeepAliveEnabled() {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.idleDeadline()))
		}
		f, err := frame.ReadFrame(c.conn, c.limits)
		if err != nil {
			c.fail(readError(err))
			return
		}
		if f.Header.Flags&frame.FlagControl != 0 {
			if f.Header.MessageType == controlPing {
				if err := c.writeControl(controlPong); err != nil {
					c.fail(err)
					return
				}
			}
			continue
		}
		msg, err := protocol.FromFrame(f)
		if err != nil {
			c.fail(err)
			return
		}
		if !c.deliver(msg) {
			return
		}
	}
}

func (c *streamChannel) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeControl(controlPing); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func readError(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrPeerClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKeepAliveTimeout
	}
	return err
}
