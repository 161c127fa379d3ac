package rest

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/yonatandev1/cordkit/internal/metrics"
)

func DefaultLimiterConfig() *LimiterConfig {
	return &LimiterConfig{
		MaxAttempts:   5,
		MaxInFlight:   32,
		GlobalRate:    50,
		RetryBase:     500 * time.Millisecond,
		RetryMax:      10 * time.Second,
		BucketIdleTTL: 10 * time.Minute,
		Logger:        zap.NewNop(),
	}
}

type LimiterConfig struct {
	// MaxAttempts bounds sends of a command that keeps failing with a 5xx
	// or a transport error. 429s do not count; they only add latency.
	MaxAttempts int
	// MaxInFlight caps requests on the wire across all buckets.
	MaxInFlight int
	// GlobalRate is a proactive requests-per-second budget shared by all
	// buckets. Zero disables it.
	GlobalRate float64
	RetryBase  time.Duration
	RetryMax   time.Duration
	// BucketIdleTTL is how long an unused bucket is kept. Zero keeps all.
	BucketIdleTTL time.Duration
	Logger        *zap.Logger
}

type LimiterConfigOpt func(config *LimiterConfig)

func (c *LimiterConfig) Apply(opts []LimiterConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithMaxAttempts(n int) LimiterConfigOpt {
	return func(config *LimiterConfig) {
		config.MaxAttempts = n
	}
}

func WithMaxInFlight(n int) LimiterConfigOpt {
	return func(config *LimiterConfig) {
		config.MaxInFlight = n
	}
}

func WithGlobalRate(perSecond float64) LimiterConfigOpt {
	return func(config *LimiterConfig) {
		config.GlobalRate = perSecond
	}
}

func WithRetryBackoff(base, max time.Duration) LimiterConfigOpt {
	return func(config *LimiterConfig) {
		config.RetryBase = base
		config.RetryMax = max
	}
}

func WithBucketIdleTTL(ttl time.Duration) LimiterConfigOpt {
	return func(config *LimiterConfig) {
		config.BucketIdleTTL = ttl
	}
}

func WithLimiterLogger(lg *zap.Logger) LimiterConfigOpt {
	return func(config *LimiterConfig) {
		config.Logger = lg
	}
}

// Limiter is the dispatch queue in front of a Doer. Each bucket drains its
// queue in order on its own goroutine, one request at a time; different
// buckets run in parallel up to MaxInFlight.
type Limiter struct {
	config LimiterConfig
	doer   Doer
	log    *zap.Logger

	inflight *semaphore.Weighted
	global   *rate.Limiter

	mu          sync.Mutex
	buckets     map[string]*Bucket
	globalUntil time.Time
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLimiter(doer Doer, opts ...LimiterConfigOpt) *Limiter {
	config := DefaultLimiterConfig()
	config.Apply(opts)

	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.MaxInFlight < 1 {
		config.MaxInFlight = 1
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{
		config:   *config,
		doer:     doer,
		log:      config.Logger,
		inflight: semaphore.NewWeighted(int64(config.MaxInFlight)),
		buckets:  make(map[string]*Bucket),
		ctx:      ctx,
		cancel:   cancel,
	}
	if config.GlobalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(config.GlobalRate), max(int(config.GlobalRate), 1))
	}

	if config.BucketIdleTTL > 0 {
		l.wg.Add(1)
		go l.sweep(config.BucketIdleTTL)
	}
	return l
}

// Submit queues cmd on its bucket and returns immediately.
func (l *Limiter) Submit(cmd *Command) *Future {
	if err := cmd.ctx.Err(); err != nil {
		cmd.finish(nil, canceled(err))
		return cmd.future
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cmd.finish(nil, canceled(ErrClosed))
		return cmd.future
	}
	b, ok := l.buckets[cmd.Route]
	if !ok {
		b = newBucket(cmd.Route)
		l.buckets[cmd.Route] = b
		metrics.RESTBuckets(len(l.buckets))
	}

	// registered before the push so cleanup is never appended to a command
	// the dispatch goroutine may already be finishing
	stop := context.AfterFunc(cmd.ctx, func() {
		if b.remove(cmd) {
			l.log.Debug("rest: dropped canceled command from queue",
				zap.String("id", cmd.ID), zap.String("route", cmd.Route))
			cmd.finish(nil, canceled(context.Cause(cmd.ctx)))
		}
	})
	cmd.cleanup = append(cmd.cleanup, func() { stop() })

	start := b.push(cmd)
	if start {
		l.wg.Add(1)
	}
	l.mu.Unlock()

	if start {
		go l.run(b)
	}
	return cmd.future
}

// Bucket returns the bucket for a route key, if one exists.
func (l *Limiter) Bucket(route string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.buckets[route]
}

// Close stops every dispatch goroutine and resolves all pending commands
// with ErrCanceled. It is safe to call more than once.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	buckets := make([]*Bucket, 0, len(l.buckets))
	for _, b := range l.buckets {
		buckets = append(buckets, b)
	}
	l.mu.Unlock()

	for _, b := range buckets {
		for _, cmd := range b.drain() {
			cmd.finish(nil, canceled(ErrClosed))
		}
	}
}

func (l *Limiter) run(b *Bucket) {
	defer l.wg.Done()

	for {
		if l.ctx.Err() != nil {
			l.stopBucket(b)
			return
		}
		if wait := l.globalWait(time.Now()); wait > 0 {
			if !l.sleep(wait) {
				l.stopBucket(b)
				return
			}
			continue
		}

		cmd, wait, ok := b.next(time.Now())
		if !ok {
			return
		}
		if cmd == nil {
			if !l.sleep(wait) {
				l.stopBucket(b)
				return
			}
			continue
		}

		if err := cmd.ctx.Err(); err != nil {
			b.refund()
			cmd.finish(nil, canceled(context.Cause(cmd.ctx)))
			continue
		}

		if !l.dispatch(b, cmd) {
			l.stopBucket(b)
			return
		}
	}
}

// dispatch sends cmd once and decides its fate. It returns false when the
// limiter is shutting down.
func (l *Limiter) dispatch(b *Bucket, cmd *Command) bool {
	if err := l.inflight.Acquire(l.ctx, 1); err != nil {
		b.refund()
		cmd.finish(nil, canceled(ErrClosed))
		return false
	}
	if l.global != nil {
		if err := l.global.Wait(l.ctx); err != nil {
			l.inflight.Release(1)
			b.refund()
			cmd.finish(nil, canceled(ErrClosed))
			return false
		}
	}

	cmd.Attempts++
	metrics.RESTInFlight(1)
	// The command's own context is not passed down: once on the wire a
	// request is allowed to complete and only its result is discarded.
	resp, err := l.doer.Do(l.ctx, cmd.request())
	metrics.RESTInFlight(-1)
	l.inflight.Release(1)

	now := time.Now()

	if err != nil {
		if l.ctx.Err() != nil {
			cmd.finish(nil, canceled(ErrClosed))
			b.done()
			return false
		}
		l.log.Warn("rest: request failed",
			zap.String("id", cmd.ID), zap.String("route", cmd.Route),
			zap.Int("attempt", cmd.Attempts), zap.Error(err))
		l.retry(b, cmd, now, err, "transport")
		return true
	}

	metrics.RESTRequest(cmd.Method, resp.StatusCode)
	rl := parseRateLimit(resp.Header, now)
	b.update(rl)

	if ctxErr := cmd.ctx.Err(); ctxErr != nil {
		cmd.finish(nil, canceled(context.Cause(cmd.ctx)))
		b.done()
		return true
	}

	switch {
	case resp.StatusCode == 429:
		l.rateLimited(b, cmd, resp, rl, now)
	case resp.StatusCode >= 500:
		l.retry(b, cmd, now, newHTTPError(cmd, resp), "server_error")
	case resp.StatusCode >= 400:
		cmd.finish(nil, newHTTPError(cmd, resp))
		b.done()
	default:
		cmd.finish(resp, nil)
		b.done()
	}
	return true
}

func (l *Limiter) rateLimited(b *Bucket, cmd *Command, resp *Response, rl rateLimit, now time.Time) {
	retryAfter := rl.retryAfter
	global := rl.global

	var body tooManyRequests
	if json.Unmarshal(resp.Body, &body) == nil {
		if body.Global {
			global = true
		}
		if after := time.Duration(body.RetryAfter * float64(time.Second)); after > retryAfter {
			retryAfter = after
		}
	}
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	until := now.Add(retryAfter)

	scope := rl.scope
	if global {
		scope = "global"
		l.pauseGlobal(until)
	} else {
		b.exhaust(until)
	}
	metrics.RESTRateLimited(scope)
	metrics.RESTRetry("rate_limited")

	l.log.Info("rest: rate limited",
		zap.String("id", cmd.ID), zap.String("route", cmd.Route),
		zap.Bool("global", global), zap.Duration("retry_after", retryAfter))

	b.requeue(cmd)
}

// retry re-enqueues a failed command at the head of its bucket after a
// backoff, or resolves it with err once MaxAttempts is spent.
func (l *Limiter) retry(b *Bucket, cmd *Command, now time.Time, err error, reason string) {
	cmd.failures++
	if cmd.failures >= l.config.MaxAttempts {
		l.log.Warn("rest: giving up",
			zap.String("id", cmd.ID), zap.String("route", cmd.Route),
			zap.Int("attempts", cmd.Attempts), zap.Error(err))
		cmd.finish(nil, err)
		b.done()
		return
	}

	metrics.RESTRetry(reason)
	b.holdUntil(now.Add(l.backoff(cmd.failures)))
	b.requeue(cmd)
}

// backoff is exponential in the failure count with equal jitter.
func (l *Limiter) backoff(failures int) time.Duration {
	d := l.config.RetryBase
	for i := 1; i < failures && d < l.config.RetryMax; i++ {
		d *= 2
	}
	if l.config.RetryMax > 0 && d > l.config.RetryMax {
		d = l.config.RetryMax
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (l *Limiter) pauseGlobal(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if until.After(l.globalUntil) {
		l.globalUntil = until
	}
}

func (l *Limiter) globalWait(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.globalUntil) {
		return l.globalUntil.Sub(now)
	}
	return 0
}

func (l *Limiter) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-l.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// stopBucket marks a bucket's loop as gone during shutdown so its queue is
// left for Close to drain.
func (l *Limiter) stopBucket(b *Bucket) {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
}

func (l *Limiter) sweep(ttl time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.idleSince(now.Add(-ttl)) {
					delete(l.buckets, key)
				}
			}
			metrics.RESTBuckets(len(l.buckets))
			l.mu.Unlock()
		}
	}
}

// IsCanceled reports whether err resolved a command that was canceled or
// dropped at shutdown.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
