package rest

import (
	"sync"
	"time"
)

// Bucket is the rate limit scope of one route key. Its counters are only
// changed by the bucket's dispatch goroutine; Submit only appends to
// pending.
type Bucket struct {
	Key string

	mu        sync.Mutex
	hash      string
	known     bool
	limit     int
	remaining int
	resetAt   time.Time
	// notBefore holds back the head of the queue after a 429 or between
	// retries of a failing command.
	notBefore time.Time
	pending   []*Command
	inFlight  *Command
	running   bool
	lastUsed  time.Time
}

func newBucket(key string) *Bucket {
	return &Bucket{Key: key, lastUsed: time.Now()}
}

// push appends cmd and reports whether a dispatch goroutine needs starting.
// Priority commands go after a command waiting to be retried and after the
// last queued priority command.
func (b *Bucket) push(cmd *Command) (start bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUsed = time.Now()
	if cmd.Priority {
		i := 0
		for i < len(b.pending) && b.pending[i].retrying {
			i++
		}
		for i < len(b.pending) && b.pending[i].Priority {
			i++
		}
		b.pending = append(b.pending, nil)
		copy(b.pending[i+1:], b.pending[i:])
		b.pending[i] = cmd
	} else {
		b.pending = append(b.pending, cmd)
	}

	if b.running {
		return false
	}
	b.running = true
	return true
}

// requeue puts the in-flight command back at the head for another attempt.
func (b *Bucket) requeue(cmd *Command) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inFlight = nil
	cmd.retrying = true
	b.pending = append([]*Command{cmd}, b.pending...)
}

// remove drops a still-pending command. It reports false if cmd was already
// taken for sending.
func (b *Bucket) remove(cmd *Command) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, c := range b.pending {
		if c == cmd {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return true
		}
	}
	return false
}

// next takes the head of the queue if the bucket has budget. With an empty
// queue it marks the bucket idle and returns ok == false. Otherwise either a
// command is returned or the time to wait before asking again.
func (b *Bucket) next(now time.Time) (cmd *Command, wait time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.running = false
		return nil, 0, false
	}

	if now.Before(b.notBefore) {
		return nil, b.notBefore.Sub(now), true
	}

	if b.known {
		if b.remaining <= 0 {
			if now.Before(b.resetAt) {
				return nil, b.resetAt.Sub(now), true
			}
			// the window rolled over; the response will correct this
			b.remaining = max(b.limit, 1)
		}
		b.remaining--
	}

	cmd = b.pending[0]
	b.pending[0] = nil
	b.pending = b.pending[1:]
	b.inFlight = cmd
	b.lastUsed = now
	return cmd, 0, true
}

// refund returns the budget taken by next for a command that was never sent.
func (b *Bucket) refund() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inFlight = nil
	if b.known && b.remaining < b.limit {
		b.remaining++
	}
}

// done clears the in-flight slot after a command was resolved.
func (b *Bucket) done() {
	b.mu.Lock()
	b.inFlight = nil
	b.mu.Unlock()
}

// update applies the limits reported by a response. Applying the same
// headers twice is a no-op.
func (b *Bucket) update(rl rateLimit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rl.bucket != "" {
		b.hash = rl.bucket
	}
	if !rl.hasLimit {
		return
	}
	b.known = true
	b.limit = rl.limit
	b.remaining = min(rl.remaining, rl.limit)
	if !rl.resetAt.IsZero() {
		b.resetAt = rl.resetAt
	}
}

// exhaust marks the bucket empty until until, as after a per-bucket 429.
func (b *Bucket) exhaust(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.known = true
	b.remaining = 0
	if until.After(b.resetAt) {
		b.resetAt = until
	}
	b.holdUntilLocked(until)
}

func (b *Bucket) holdUntil(until time.Time) {
	b.mu.Lock()
	b.holdUntilLocked(until)
	b.mu.Unlock()
}

func (b *Bucket) holdUntilLocked(until time.Time) {
	if until.After(b.notBefore) {
		b.notBefore = until
	}
}

// drain empties the queue and returns what was pending.
func (b *Bucket) drain() []*Command {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.pending
	b.pending = nil
	return out
}

func (b *Bucket) idleSince(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return !b.running && len(b.pending) == 0 && b.inFlight == nil && b.lastUsed.Before(cutoff)
}

// BucketState is a point-in-time copy of a bucket's counters.
type BucketState struct {
	Key       string
	Hash      string
	Limit     int
	Remaining int
	ResetAt   time.Time
	Pending   int
	InFlight  bool
}

func (b *Bucket) State() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BucketState{
		Key:       b.Key,
		Hash:      b.hash,
		Limit:     b.limit,
		Remaining: b.remaining,
		ResetAt:   b.resetAt,
		Pending:   len(b.pending),
		InFlight:  b.inFlight != nil,
	}
}
