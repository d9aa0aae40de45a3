package client

import (
	"fmt"
	"math"
	"time"
)

// ReconnectPolicy bounds automatic reconnection. MaxAttempts of zero means
// no reconnect, a negative value means reconnect indefinitely. The delay is
// fixed at Interval unless Multiplier grows it, capped at MaxInterval.
type ReconnectPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
}

func NoReconnect() ReconnectPolicy {
	return ReconnectPolicy{}
}

func ReconnectUpTo(n int, interval time.Duration) ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: n, Interval: interval}
}

func ReconnectForever(interval time.Duration) ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: -1, Interval: interval}
}

func (p ReconnectPolicy) Validate() error {
	if p.Interval < 0 {
		return fmt.Errorf("%w: negative reconnect interval %s", ErrInvalidConfiguration, p.Interval)
	}
	if p.Multiplier < 0 {
		return fmt.Errorf("%w: negative reconnect multiplier %v", ErrInvalidConfiguration, p.Multiplier)
	}
	if p.MaxInterval < 0 {
		return fmt.Errorf("%w: negative max reconnect interval %s", ErrInvalidConfiguration, p.MaxInterval)
	}
	return nil
}

func (p ReconnectPolicy) Infinite() bool {
	return p.MaxAttempts < 0
}

// Allows reports whether reconnect attempt n (1-based) may run.
func (p ReconnectPolicy) Allows(attempt int) bool {
	if p.Infinite() {
		return true
	}
	return attempt <= p.MaxAttempts
}

// Delay returns the wait before reconnect attempt n (1-based).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.Interval <= 0 || p.Multiplier <= 1.0 {
		return p.Interval
	}
	delay := float64(p.Interval) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return time.Duration(delay)
}
