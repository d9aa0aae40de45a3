package client

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/routerd/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectPolicyAllows(t *testing.T) {
	testlog.Start(t)

	assert.False(t, NoReconnect().Allows(1))

	upTo := ReconnectUpTo(3, time.Second)
	assert.True(t, upTo.Allows(1))
	assert.True(t, upTo.Allows(3))
	assert.False(t, upTo.Allows(4))

	forever := ReconnectForever(3 * time.Second)
	assert.True(t, forever.Infinite())
	assert.True(t, forever.Allows(1_000_000))
}

func TestReconnectPolicyDelay(t *testing.T) {
	testlog.Start(t)

	fixed := ReconnectForever(3 * time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 3*time.Second, fixed.Delay(attempt))
	}

	growing := ReconnectPolicy{MaxAttempts: -1, Interval: 250 * time.Millisecond, Multiplier: 2, MaxInterval: 5 * time.Second}
	assert.Equal(t, 250*time.Millisecond, growing.Delay(1))
	assert.Equal(t, 500*time.Millisecond, growing.Delay(2))
	assert.Equal(t, time.Second, growing.Delay(3))
	assert.Equal(t, 5*time.Second, growing.Delay(6))
}

func TestReconnectPolicyValidate(t *testing.T) {
	testlog.Start(t)

	require.NoError(t, ReconnectUpTo(2, 0).Validate())
	require.ErrorIs(t, ReconnectPolicy{Interval: -1}.Validate(), ErrInvalidConfiguration)
	require.ErrorIs(t, ReconnectPolicy{Multiplier: -2}.Validate(), ErrInvalidConfiguration)
	require.ErrorIs(t, ReconnectPolicy{MaxInterval: -1}.Validate(), ErrInvalidConfiguration)
}

func TestPendingTableDrainIsExactlyOnce(t *testing.T) {
	testlog.Start(t)

	table := newPendingTable()
	calls := make(map[uint64]int)
	for id := uint64(1); id <= 3; id++ {
		id := id
		require.NoError(t, table.add(id, &pendingRequest{onError: func(error) { calls[id]++ }}))
	}

	p, ok := table.take(2)
	require.True(t, ok)
	p.onError(errors.New("answered"))
	_, ok = table.take(2)
	assert.False(t, ok)

	failAll(table.drain(ErrConnectionLost), ErrConnectionLost)
	failAll(table.drain(ErrConnectionClosing), ErrConnectionClosing)
	assert.Equal(t, map[uint64]int{1: 1, 2: 1, 3: 1}, calls)
	assert.Zero(t, table.Len())

	err := table.add(4, &pendingRequest{onError: func(error) {}})
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestFutureResolvesOnce(t *testing.T) {
	testlog.Start(t)

	f := newFuture[int]()
	_, err := f.Result()
	require.ErrorIs(t, err, ErrPending)
	assert.True(t, f.resolve(7, nil))
	assert.False(t, f.resolve(8, errors.New("late")))
	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestPumpDeliversInOrderThenCloses(t *testing.T) {
	testlog.Start(t)

	p := newPump[int]()
	for i := 0; i < 100; i++ {
		require.True(t, p.push(i))
	}
	p.close()
	assert.False(t, p.push(100))

	got := make([]int, 0, 100)
	for v := range p.out {
		got = append(got, v)
	}
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestStateString(t *testing.T) {
	testlog.Start(t)

	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "state(42)", State(42).String())
}
