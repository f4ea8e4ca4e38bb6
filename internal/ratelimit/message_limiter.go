// Package ratelimit bounds how fast a signaling connection may send
// messages. Call setup is a short burst of offer/answer/candidate traffic
// followed by near silence, so the limiter grants a burst of one second's
// worth of messages and then refills continuously at the configured rate.
package ratelimit

import (
	"sync"
	"time"
)

// grainsPerMessage is the fixed-point scale: one message costs 1e9 grains,
// so a rate of N messages/sec refills exactly N grains per elapsed
// nanosecond. Integer arithmetic keeps refills exact under a fake Clock.
const grainsPerMessage = int64(time.Second)

// MessageLimiter admits one signaling message per Allow call. Capacity
// equals the per-second rate.
type MessageLimiter struct {
	mu sync.Mutex

	clock     Clock
	perSecond int64

	capacity  int64 // grains
	available int64 // grains
	last      time.Time
}

// NewMessageLimiter returns a limiter admitting perSecond messages per
// second. perSecond < 1 rejects everything.
func NewMessageLimiter(clock Clock, perSecond int) *MessageLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	rate := int64(perSecond)
	if rate < 0 {
		rate = 0
	}
	capacity := rate * grainsPerMessage
	return &MessageLimiter{
		clock:     clock,
		perSecond: rate,
		capacity:  capacity,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes one message's worth of budget, reporting whether the
// message may proceed.
func (l *MessageLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	// A clock that went backwards only moves the reference point; credit
	// resumes once time passes it again.
	if now.After(l.last) && l.perSecond > 0 && l.available < l.capacity {
		elapsed := now.Sub(l.last).Nanoseconds()
		// Enough time to fill the bucket also caps elapsed*perSecond before
		// it can overflow.
		if elapsed >= (l.capacity-l.available)/l.perSecond {
			l.available = l.capacity
		} else {
			l.available += elapsed * l.perSecond
		}
	}
	l.last = now

	if l.available < grainsPerMessage {
		return false
	}
	l.available -= grainsPerMessage
	return true
}
