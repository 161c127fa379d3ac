package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Backoff spaces reconnect attempts across every shard of a manager. Each
// failed attempt doubles the delay up to Max; a successful Ready on any
// shard resets it. Gap keeps concurrent reconnects apart.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	Gap  time.Duration

	mu          sync.Mutex
	attempt     int
	nextAllowed time.Time
}

func NewBackoff(base, max, gap time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, Gap: gap}
}

// Next reserves a reconnect slot and returns how long to wait for it. The
// wait is never shorter than floor.
func (b *Backoff) Next(floor time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.Base << min(b.attempt, 16)
	if d > b.Max || d < 0 {
		d = b.Max
	}
	b.attempt++
	// equal jitter
	if half := d / 2; half > 0 {
		d = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	d = max(d, floor)

	now := time.Now()
	at := now.Add(d)
	if at.Before(b.nextAllowed) {
		at = b.nextAllowed
	}
	b.nextAllowed = at.Add(b.Gap)
	return at.Sub(now)
}

// Wait sleeps for the next reconnect slot.
func (b *Backoff) Wait(ctx context.Context, floor time.Duration) error {
	timer := time.NewTimer(b.Next(floor))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
