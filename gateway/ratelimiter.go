package gateway

import (
	"context"
	"time"

	"github.com/sasha-s/go-csync"
)

// RateLimiter throttles user commands on one gateway connection. Wait holds
// the limiter until Unlock, so sends through it are serialized.
type RateLimiter interface {
	Reset()
	Wait(ctx context.Context) error
	Unlock()
}

func NewRateLimiter(opts ...RateLimiterConfigOpt) RateLimiter {
	config := DefaultRateLimiterConfig()
	config.Apply(opts)

	return &rateLimiterImpl{
		config: *config,
	}
}

type rateLimiterImpl struct {
	mu csync.Mutex

	reset     time.Time
	remaining int

	config RateLimiterConfig
}

func (l *rateLimiterImpl) Reset() {
	l.reset = time.Time{}
	l.remaining = 0
	l.mu = csync.Mutex{}
}

func (l *rateLimiterImpl) Wait(ctx context.Context) error {
	if err := l.mu.CLock(ctx); err != nil {
		return err
	}

	now := time.Now()
	if l.remaining > 0 || !l.reset.After(now) {
		return nil
	}

	timer := time.NewTimer(l.reset.Sub(now))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		l.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
	}
	return nil
}

// Unlock spends one command from the current window and releases the
// limiter. It must follow a successful Wait.
func (l *rateLimiterImpl) Unlock() {
	now := time.Now()
	if !l.reset.After(now) {
		l.reset = now.Add(l.config.Window)
		l.remaining = l.config.CommandsPerMinute
	}
	if l.remaining > 0 {
		l.remaining--
	}
	l.mu.Unlock()
}

func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		// 120 per minute minus room for heartbeats.
		CommandsPerMinute: 110,
		Window:            time.Minute,
	}
}

type RateLimiterConfig struct {
	CommandsPerMinute int
	Window            time.Duration
}

type RateLimiterConfigOpt func(config *RateLimiterConfig)

func (c *RateLimiterConfig) Apply(opts []RateLimiterConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithCommandsPerMinute(commandsPerMinute int) RateLimiterConfigOpt {
	return func(config *RateLimiterConfig) {
		config.CommandsPerMinute = commandsPerMinute
	}
}

func WithWindow(window time.Duration) RateLimiterConfigOpt {
	return func(config *RateLimiterConfig) {
		config.Window = window
	}
}
