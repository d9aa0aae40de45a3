package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/routerd/internal/protocol"
	"github.com/danmuck/routerd/internal/protocol/frame"
	"github.com/danmuck/routerd/internal/protocol/schema"
	"github.com/danmuck/routerd/internal/testutil/testlog"
	"github.com/danmuck/routerd/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func nextTransition(t *testing.T, w *Watcher) Transition {
	t.Helper()
	select {
	case tr, ok := <-w.Transitions():
		require.True(t, ok, "watcher closed early")
		return tr
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for transition")
	}
	return Transition{}
}

func expectStates(t *testing.T, w *Watcher, states ...State) []Transition {
	t.Helper()
	out := make([]Transition, 0, len(states))
	for _, want := range states {
		tr := nextTransition(t, w)
		require.Equal(t, want, tr.State, "transition %s -> %s", tr.From, tr.State)
		out = append(out, tr)
	}
	return out
}

func wait[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future did not resolve")
	return v, err
}

func newTestClient(t *testing.T, f *fakeRouter, policy ReconnectPolicy, clk clock.Clock) *Client {
	t.Helper()
	c, err := New(Config{Realm: "realm1", Dialer: f, Reconnect: policy, Clock: clk, GoodbyeTimeout: 500 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func openConnected(t *testing.T, c *Client) *Watcher {
	t.Helper()
	w := c.Watch()
	require.NoError(t, c.Open())
	expectStates(t, w, StateConnecting, StateConnected)
	return w
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)

	_, err := New(Config{Dialer: newFakeRouter()})
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	_, err = New(Config{Realm: "realm1"})
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	_, err = New(Config{Realm: "realm1", Dialer: newFakeRouter(), Reconnect: ReconnectPolicy{Interval: -time.Second}})
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestOpenEmitsConnectingThenConnected(t *testing.T) {
	testlog.Start(t)

	f := newFakeRouter()
	c := newTestClient(t, f, NoReconnect(), nil)
	require.Equal(t, StateDisconnected, c.State())

	w := c.Watch()
	require.NoError(t, c.Open())
	trs := expectStates(t, w, StateConnecting, StateConnected)
	assert.Equal(t, StateDisconnected, trs[0].From)
	assert.Equal(t, StateConnecting, trs[1].From)
	assert.NotZero(t, trs[1].SessionID)
	assert.Equal(t, trs[1].SessionID, c.SessionID())
	assert.ErrorIs(t, c.Open(), ErrAlreadyOpen)
}

func TestWatchersSeeSameOrderedSuffix(t *testing.T) {
	testlog.Start(t)

	f := newFakeRouter()
	c := newTestClient(t, f, NoReconnect(), nil)
	early := c.Watch()
	require.NoError(t, c.Open())
	expectStates(t, early, StateConnecting, StateConnected)

	late := c.Watch()
	require.NoError(t, c.Close(context.Background()))

	for _, w := range []*Watcher{early, late} {
		expectStates(t, w, StateDisconnecting, StateClosed)
		_, ok := <-w.Transitions()
		assert.False(t, ok, "watcher should close after Closed")
	}
}

func TestOperationsOutsideConnected(t *testing.T) {
	testlog.Start(t)

	f := newFakeRouter()
	c := newTestClient(t, f, NoReconnect(), nil)

	_, err := wait(t, c.Call("echo", 1))
	require.ErrorIs(t, err, ErrNotConnected)
	sub := c.Subscribe("test.event")
	_, err = wait(t, sub.Ack())
	require.ErrorIs(t, err, ErrNotConnected)
	<-sub.Done()
	require.ErrorIs(t, sub.Err(), ErrNotConnected)

	require.NoError(t, c.Close(context.Background()))
	require.Equal(t, StateClosed, c.State())
	_, err = wait(t, c.Publish("test.event", "x"))
	require.ErrorIs(t, err, ErrConnectionClosed)
	_, err = wait(t, c.Register("proc", func(context.Context, *Invocation) (*Result, error) { return nil, nil }))
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.ErrorIs(t, c.Open(), ErrConnectionClosed)
	require.NoError(t, c.Close(context.Background()))
}

func TestCallRoundTripAndRouterErrors(t *testing.T) {
	testlog.Start(t)

	f := newFakeRouter()
	c := newTestClient(t, f, NoReconnect(), nil)
	openConnected(t, c)

	res, err := wait(t, c.Call("echo", int64(33), int64(66)))
	require.NoError(t, err)
	v, ok := res.Args.Int64(1)
	require.True(t, ok)
	assert.Equal(t, int64(66), v)

	_, err = wait(t, c.Call("missing"))
	require.ErrorIs(t, err, protocol.ErrNoSuchProcedure)
	_, err = wait(t, c.Register("taken", func(context.Context, *Invocation) (*Result, error) { return nil, nil }))
	require.ErrorIs(t, err, protocol.ErrProcedureAlreadyExists)
	assert.Equal(t, StateConnected, c.State())
}

func TestConnectionLossFailsPendingOnceAndReconnects(t *testing.T) {
	testlog.Start(t)

	mock := clock.NewMock()
	f := newFakeRouter()
	c := newTestClient(t, f, ReconnectUpTo(2, 3*time.Second), mock)
	w := openConnected(t, c)
	first := c.SessionID()

	hung := c.Call("hang")
	sub := c.Subscribe("test.event")
	_, err := wait(t, sub.Ack())
	require.NoError(t, err)

	f.drop()
	tr := expectStates(t, w, StateReconnecting)[0]
	assert.Equal(t, StateConnected, tr.From)
	assert.Error(t, tr.Err)
	assert.Equal(t, 1, tr.Attempt)

	_, err = wait(t, hung)
	require.ErrorIs(t, err, ErrConnectionLost)
	<-sub.Done()
	require.ErrorIs(t, sub.Err(), ErrConnectionLost)

	_, err = wait(t, c.Call("echo"))
	require.ErrorIs(t, err, ErrNotConnected)

	mock.Add(3 * time.Second)
	trs := expectStates(t, w, StateConnecting, StateConnected)
	assert.NotEqual(t, first, trs[1].SessionID)

	// the old stream stays ended; nothing is replayed
	_, ok := <-sub.Events()
	assert.False(t, ok)
	res, err := wait(t, c.Call("echo", "again"))
	require.NoError(t, err)
	s, _ := res.Args.String(0)
	assert.Equal(t, "again", s)
}

func TestReconnectPolicyExhaustion(t *testing.T) {
	testlog.Start(t)

	mock := clock.NewMock()
	f := newFakeRouter()
	c := newTestClient(t, f, ReconnectUpTo(1, time.Second), mock)
	w := openConnected(t, c)

	f.setDialErr(errDialRefused)
	f.drop()
	expectStates(t, w, StateReconnecting)
	mock.Add(time.Second)
	tr := expectStates(t, w, StateConnecting, StateDisconnected)[1]
	require.ErrorIs(t, tr.Err, errDialRefused)
	assert.Equal(t, StateDisconnected, c.State())

	// a settled client can be opened again
	f.setDialErr(nil)
	require.NoError(t, c.Open())
	expectStates(t, w, StateConnecting, StateConnected)
}

func TestNoReconnectSettlesDisconnected(t *testing.T) {
	testlog.Start(t)

	f := newFakeRouter()
	c := newTestClient(t, f, NoReconnect(), nil)
	w := openConnected(t, c)

	hung := c.Call("hang")
	f.drop()
	tr := expectStates(t, w, StateDisconnected)[0]
	assert.Equal(t, StateConnected, tr.From)
	_, err := wait(t, hung)
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.EqualValues(t, 1, f.dials.Load())
}

func TestInitialConnectFailureFollowsPolicy(t *testing.T) {
	testlog.Start(t)

	mock := clock.NewMock()
	f := newFakeRouter()
	f.setDialErr(errDialRefused)
	c := newTestClient(t, f, ReconnectForever(3*time.Second), mock)
	w := c.Watch()
	require.NoError(t, c.Open())

	expectStates(t, w, StateConnecting, StateReconnecting)
	mock.Add(3 * time.Second)
	expectStates(t, w, StateConnecting, StateReconnecting)
	f.setDialErr(nil)
	mock.Add(3 * time.Second)
	tr := expectStates(t, w, StateConnecting, StateConnected)[1]
	assert.Equal(t, 0, tr.Attempt, "attempt counter resets on connect")
}

func TestJoinRejected(t *testing.T) {
	testlog.Start(t)

	f := newFakeRouter()
	f.abort = protocol.URINoSuchRealm
	c := newTestClient(t, f, NoReconnect(), nil)
	w := c.Watch()
	require.NoError(t, c.Open())
	tr := expectStates(t, w, StateConnecting, StateDisconnected)[1]
	require.ErrorIs(t, tr.Err, ErrJoinRejected)
	require.ErrorIs(t, tr.Err, protocol.ErrNoSuchRealm)
}

func TestCloseWhileReconnecting(t *testing.T) {
	testlog.Start(t)

	mock := clock.NewMock()
	f := newFakeRouter()
	c := newTestClient(t, f, ReconnectForever(time.Minute), mock)
	w := openConnected(t, c)
	f.drop()
	expectStates(t, w, StateReconnecting)

	require.NoError(t, c.Close(context.Background()))
	expectStates(t, w, StateDisconnecting, StateClosed)
	mock.Add(time.Minute)
	assert.Equal(t, StateClosed, c.State())
	select {
	case <-c.Done():
	default:
		t.Fatalf("done should be closed")
	}
}

func TestCloseFromDisconnected(t *testing.T) {
	testlog.Start(t)

	c := newTestClient(t, newFakeRouter(), NoReconnect(), nil)
	w := c.Watch()
	require.NoError(t, c.Close(context.Background()))
	trs := expectStates(t, w, StateDisconnecting, StateClosed)
	assert.Equal(t, StateDisconnected, trs[0].From)
}

func TestCloseFailsPendingWithConnectionClosing(t *testing.T) {
	testlog.Start(t)

	f := newFakeRouter()
	c := newTestClient(t, f, ReconnectForever(time.Second), nil)
	w := openConnected(t, c)

	hung := c.Call("hang")
	sub := c.Subscribe("test.event")
	_, err := wait(t, sub.Ack())
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	expectStates(t, w, StateDisconnecting, StateClosed)
	_, err = wait(t, hung)
	require.ErrorIs(t, err, ErrConnectionClosing)
	require.ErrorIs(t, sub.Err(), ErrConnectionClosing)
	assert.EqualValues(t, 1, f.dials.Load(), "closing must not trigger a reconnect")
}

func TestSubscriptionStreams(t *testing.T) {
	testlog.Start(t)

	f := newFakeRouter()
	c := newTestClient(t, f, NoReconnect(), nil)
	openConnected(t, c)

	a := c.Subscribe("test.event")
	b := c.Subscribe("test.event")
	idA, err := wait(t, a.Ack())
	require.NoError(t, err)
	idB, err := wait(t, b.Ack())
	require.NoError(t, err)
	require.Equal(t, idA, idB, "streams on one topic share the router subscription")

	_, err = wait(t, c.Publish("test.event", "Hello 0"))
	require.NoError(t, err)
	for _, s := range []*Subscription{a, b} {
		select {
		case ev := <-s.Events():
			msg, _ := ev.Args.String(0)
			assert.Equal(t, "Hello 0", msg)
			assert.Equal(t, "test.event", ev.Topic)
		case <-time.After(waitFor):
			t.Fatalf("no event")
		}
	}

	_, err = wait(t, a.Unsubscribe())
	require.NoError(t, err)
	require.NoError(t, a.Err())
	_, ok := <-a.Events()
	assert.False(t, ok)

	_, err = wait(t, c.Publish("test.event", "Hello 1"))
	require.NoError(t, err)
	ev := <-b.Events()
	msg, _ := ev.Args.String(0)
	assert.Equal(t, "Hello 1", msg)

	_, err = wait(t, b.Unsubscribe())
	require.NoError(t, err)
	_, err = wait(t, c.Publish("test.event", "Hello 2"))
	require.NoError(t, err)
	_, ok = <-b.Events()
	assert.False(t, ok)
}

func TestInvocationHandlers(t *testing.T) {
	testlog.Start(t)

	f := newFakeRouter()
	c := newTestClient(t, f, NoReconnect(), nil)
	openConnected(t, c)

	add := func(_ context.Context, inv *Invocation) (*Result, error) {
		a, okA := inv.Args.Int64(0)
		b, okB := inv.Args.Int64(1)
		if !okA || !okB {
			return nil, protocol.NewApplicationError(protocol.URIInvalidArgument, "both arguments must be integers")
		}
		return &Result{Args: protocol.Args{a + b}}, nil
	}
	reg, err := wait(t, c.Register("com.example.add", add))
	require.NoError(t, err)
	boom, err := wait(t, c.Register("boom", func(context.Context, *Invocation) (*Result, error) { panic("boom") }))
	require.NoError(t, err)
	plain, err := wait(t, c.Register("plain", func(context.Context, *Invocation) (*Result, error) {
		return nil, errors.New("disk full")
	}))
	require.NoError(t, err)

	router := f.last()
	ctx := context.Background()
	send := func(req, registration uint64, args ...any) protocol.Message {
		require.NoError(t, router.Send(ctx, &protocol.Invocation{Request: req, Registration: registration, Args: protocol.Args(args)}))
		select {
		case msg := <-f.yields:
			return msg
		case <-time.After(waitFor):
			t.Fatalf("no reply for invocation %d", req)
		}
		return nil
	}

	y := send(1, reg.ID(), int64(33), int64(66)).(*protocol.Yield)
	assert.EqualValues(t, 1, y.Request)
	sum, _ := y.Args.Int64(0)
	assert.Equal(t, int64(99), sum)

	e := send(2, reg.ID(), int64(1), "dafs").(*protocol.Error)
	assert.Equal(t, schema.MsgInvocation, e.RequestType)
	assert.Equal(t, protocol.URIInvalidArgument, e.URI)

	e = send(3, boom.ID()).(*protocol.Error)
	assert.Equal(t, protocol.URIRuntimeError, e.URI)
	e = send(4, plain.ID()).(*protocol.Error)
	assert.Equal(t, protocol.URIRuntimeError, e.URI)
	e = send(5, 9999).(*protocol.Error)
	assert.Equal(t, protocol.URINoSuchRegistration, e.URI)

	_, err = wait(t, reg.Unregister())
	require.NoError(t, err)
	e = send(6, reg.ID(), int64(1), int64(2)).(*protocol.Error)
	assert.Equal(t, protocol.URINoSuchRegistration, e.URI)
}

func TestCloseWhileConnecting(t *testing.T) {
	testlog.Start(t)

	dialing := make(chan struct{})
	var once sync.Once
	dialer := DialerFunc(func(ctx context.Context) (transport.Channel, error) {
		once.Do(func() { close(dialing) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c, err := New(Config{Realm: "realm1", Dialer: dialer, Reconnect: ReconnectForever(time.Second)})
	require.NoError(t, err)
	w := c.Watch()
	require.NoError(t, c.Open())
	expectStates(t, w, StateConnecting)
	select {
	case <-dialing:
	case <-time.After(waitFor):
		t.Fatalf("dial never started")
	}

	require.NoError(t, c.Close(context.Background()))
	trs := expectStates(t, w, StateDisconnecting, StateClosed)
	assert.Equal(t, StateConnecting, trs[0].From)
	_, err = wait(t, c.Call("echo"))
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestSecondCloseWaitsForClosed(t *testing.T) {
	testlog.Start(t)

	f := newFakeRouter()
	c := newTestClient(t, f, NoReconnect(), nil)
	w := openConnected(t, c)
	f.setIgnoreGoodbye(true)

	first := make(chan error, 1)
	go func() { first <- c.Close(context.Background()) }()
	expectStates(t, w, StateDisconnecting)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Close(short), context.DeadlineExceeded)

	second := make(chan error, 1)
	go func() { second <- c.Close(context.Background()) }()
	select {
	case <-second:
		t.Fatalf("second Close returned while the first was still disconnecting")
	case <-time.After(100 * time.Millisecond):
	}

	for _, done := range []chan error{first, second} {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatalf("close did not return")
		}
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("done should be closed once every Close returned")
	}
	expectStates(t, w, StateClosed)
}

func TestOversizedRequestKeepsConnection(t *testing.T) {
	testlog.Start(t)

	cfg, err := transport.NewConfig(transport.WithMaxFramePayloadLength(256))
	require.NoError(t, err)
	ln, err := transport.Listen("tcp://127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	f := newFakeRouter()
	go func() {
		for {
			ch, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go f.serve(ch)
		}
	}()

	c, err := New(Config{Realm: "realm1", Dialer: NewNetworkDialer("tcp://"+ln.Addr(), cfg), Reconnect: NoReconnect()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	w := openConnected(t, c)

	_, err = wait(t, c.Call("echo", strings.Repeat("x", 1024)))
	require.ErrorIs(t, err, protocol.ErrPayloadSizeExceeded)
	require.ErrorIs(t, err, frame.ErrPayloadTooLarge)
	require.NotErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, StateConnected, c.State())

	res, err := wait(t, c.Call("echo", "small"))
	require.NoError(t, err)
	msg, _ := res.Args.String(0)
	assert.Equal(t, "small", msg)
	select {
	case tr := <-w.Transitions():
		t.Fatalf("unexpected transition %s -> %s: %v", tr.From, tr.State, tr.Err)
	default:
	}
}

func TestAbandonedGroupsOnOneTopicReleaseCleanly(t *testing.T) {
	testlog.Start(t)

	f := newFakeRouter()
	c := newTestClient(t, f, NoReconnect(), nil)
	openConnected(t, c)

	// Both groups leave before either ack, so both acks carry the same
	// router id and both try to release it.
	hold := make(chan struct{})
	f.setHoldSubscribe(hold)
	a := c.Subscribe("test.event")
	leftA := a.Unsubscribe()
	b := c.Subscribe("test.event")
	leftB := b.Unsubscribe()
	f.setHoldSubscribe(nil)
	close(hold)

	_, err := wait(t, leftA)
	require.NoError(t, err)
	_, err = wait(t, leftB)
	require.NoError(t, err)
	idA, err := wait(t, a.Ack())
	require.NoError(t, err)
	idB, err := wait(t, b.Ack())
	require.NoError(t, err)
	assert.Equal(t, idA, idB)

	fresh := c.Subscribe("test.event")
	_, err = wait(t, fresh.Ack())
	require.NoError(t, err)
	_, err = wait(t, c.Publish("test.event", "again"))
	require.NoError(t, err)
	select {
	case ev := <-fresh.Events():
		msg, _ := ev.Args.String(0)
		assert.Equal(t, "again", msg)
	case <-time.After(waitFor):
		t.Fatalf("no event on the fresh subscription")
	}
}
