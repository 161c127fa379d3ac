// Package gateway keeps sharded gateway sessions connected: identify and
// resume, heartbeats, zombie detection, and shared reconnect backoff.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func DefaultConfig() *Config {
	return &Config{
		URL:                 "wss://gateway.discord.gg",
		Properties:          defaultProperties(),
		IdentifyInterval:    5 * time.Second,
		MaxConcurrency:      1,
		ShardStagger:        time.Second,
		BackoffBase:         time.Second,
		BackoffMax:          2 * time.Minute,
		BackoffGap:          250 * time.Millisecond,
		HelloTimeout:        20 * time.Second,
		WriteTimeout:        10 * time.Second,
		InvalidSessionDelay: 5 * time.Second,
		EventBuffer:         256,
		SendQueue:           64,
		Dialer:              websocket.DefaultDialer,
		Logger:              zap.NewNop(),
	}
}

type Config struct {
	URL            string
	Intents        int64
	Compress       bool
	LargeThreshold int
	Properties     IdentifyProperties
	Presence       *PresenceUpdate

	// At most MaxConcurrency identifies per IdentifyInterval, across shards.
	IdentifyInterval time.Duration
	MaxConcurrency   int
	ShardStagger     time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration
	BackoffGap  time.Duration

	HelloTimeout time.Duration
	WriteTimeout time.Duration
	// InvalidSessionDelay is the upper bound of the random wait before
	// identifying again after a non-resumable invalid session.
	InvalidSessionDelay time.Duration

	EventBuffer     int
	SendQueue       int
	RateLimiterOpts []RateLimiterConfigOpt

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

type ConfigOpt func(config *Config)

func (c *Config) Apply(opts []ConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

func WithURL(url string) ConfigOpt {
	return func(config *Config) {
		config.URL = url
	}
}

func WithIntents(intents int64) ConfigOpt {
	return func(config *Config) {
		config.Intents = intents
	}
}

func WithCompress(compress bool) ConfigOpt {
	return func(config *Config) {
		config.Compress = compress
	}
}

func WithLargeThreshold(threshold int) ConfigOpt {
	return func(config *Config) {
		config.LargeThreshold = threshold
	}
}

func WithProperties(properties IdentifyProperties) ConfigOpt {
	return func(config *Config) {
		config.Properties = properties
	}
}

func WithPresence(presence *PresenceUpdate) ConfigOpt {
	return func(config *Config) {
		config.Presence = presence
	}
}

func WithIdentifyLimit(interval time.Duration, maxConcurrency int) ConfigOpt {
	return func(config *Config) {
		config.IdentifyInterval = interval
		config.MaxConcurrency = maxConcurrency
	}
}

func WithShardStagger(stagger time.Duration) ConfigOpt {
	return func(config *Config) {
		config.ShardStagger = stagger
	}
}

func WithBackoff(base, max, gap time.Duration) ConfigOpt {
	return func(config *Config) {
		config.BackoffBase = base
		config.BackoffMax = max
		config.BackoffGap = gap
	}
}

func WithHelloTimeout(timeout time.Duration) ConfigOpt {
	return func(config *Config) {
		config.HelloTimeout = timeout
	}
}

func WithInvalidSessionDelay(delay time.Duration) ConfigOpt {
	return func(config *Config) {
		config.InvalidSessionDelay = delay
	}
}

func WithEventBuffer(size int) ConfigOpt {
	return func(config *Config) {
		config.EventBuffer = size
	}
}

func WithSendQueue(size int) ConfigOpt {
	return func(config *Config) {
		config.SendQueue = size
	}
}

func WithRateLimiterOpts(opts ...RateLimiterConfigOpt) ConfigOpt {
	return func(config *Config) {
		config.RateLimiterOpts = append(config.RateLimiterOpts, opts...)
	}
}

func WithDialer(dialer *websocket.Dialer) ConfigOpt {
	return func(config *Config) {
		config.Dialer = dialer
	}
}

func WithLogger(logger *zap.Logger) ConfigOpt {
	return func(config *Config) {
		config.Logger = logger
	}
}

// Manager runs one Session per shard and fans their events into a single
// channel.
type Manager struct {
	config Config
	log    *zap.Logger
	token  atomic.Pointer[string]

	events   chan Event
	backoff  *Backoff
	identify *rate.Limiter

	mu         sync.Mutex
	sessions   []*Session
	shardCount int
	opened     bool
	closed     bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewManager(token string, opts ...ConfigOpt) (*Manager, error) {
	config := DefaultConfig()
	config.Apply(opts)

	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: missing token", ErrInvalidConfig)
	}
	if config.Intents < 0 {
		return nil, fmt.Errorf("%w: negative intents %d", ErrInvalidConfig, config.Intents)
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = 1
	}
	if config.EventBuffer < 0 {
		config.EventBuffer = 0
	}
	if config.SendQueue < 1 {
		config.SendQueue = 1
	}

	m := &Manager{
		config:   *config,
		log:      config.Logger,
		events:   make(chan Event, config.EventBuffer),
		backoff:  NewBackoff(config.BackoffBase, config.BackoffMax, config.BackoffGap),
		identify: newIdentifyLimiter(config.IdentifyInterval, config.MaxConcurrency),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.SetToken(token)
	return m, nil
}

// SetToken changes the token used by later identifies and resumes.
func (m *Manager) SetToken(token string) {
	token = strings.TrimSpace(token)
	m.token.Store(&token)
}

func (m *Manager) gatewayToken() string {
	return strings.TrimPrefix(*m.token.Load(), "Bot ")
}

// UseGateway replaces the gateway URL and identify concurrency with the
// values the REST API recommends. It must be called before Open.
func (m *Manager) UseGateway(url string, maxConcurrency int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opened || m.closed {
		return fmt.Errorf("%w: gateway already opened", ErrInvalidConfig)
	}
	if url != "" {
		m.config.URL = url
	}
	if maxConcurrency > 0 {
		m.config.MaxConcurrency = maxConcurrency
		m.identify = newIdentifyLimiter(m.config.IdentifyInterval, maxConcurrency)
	}
	return nil
}

// Open starts shardCount sessions and returns once shard 0 is Ready. A
// fatal close on shard 0 is returned as an error wrapping ErrFatalClose.
// The manager must be closed even when Open fails.
func (m *Manager) Open(ctx context.Context, shardCount int) error {
	if shardCount < 1 {
		return fmt.Errorf("%w: shard count %d", ErrInvalidConfig, shardCount)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.opened {
		m.mu.Unlock()
		return fmt.Errorf("%w: already open", ErrInvalidConfig)
	}
	m.opened = true
	m.shardCount = shardCount
	m.sessions = make([]*Session, shardCount)
	for i := range m.sessions {
		m.sessions[i] = newSession(m, i)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("opening gateway", zap.Int("shards", shardCount), zap.String("url", m.config.URL))
	go m.launch()

	first := m.sessions[0]
	select {
	case <-first.ready:
		return nil
	case <-first.done:
		if err := first.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-m.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newIdentifyLimiter allows maxConcurrency identifies per interval.
func newIdentifyLimiter(interval time.Duration, maxConcurrency int) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, maxConcurrency)
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(maxConcurrency)), maxConcurrency)
}

func (m *Manager) launch() {
	defer m.wg.Done()

	for i, s := range m.sessions {
		if i > 0 && m.config.ShardStagger > 0 {
			timer := time.NewTimer(m.config.ShardStagger)
			select {
			case <-m.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			s.run(m.ctx)
		}()
	}
}

// Events delivers dispatches, state changes and fatal errors from every
// shard. It is closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Send queues a gateway command on a shard's connection.
func (m *Manager) Send(shard int, op Opcode, data any) error {
	s := m.Shard(shard)
	if s == nil {
		return fmt.Errorf("%w: no shard %d", ErrNotConnected, shard)
	}
	return s.Send(op, data)
}

func (m *Manager) Shard(i int) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.sessions) {
		return nil
	}
	return m.sessions[i]
}

func (m *Manager) ShardCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shardCount
}

// Close disconnects every shard, waits for all of their goroutines and then
// closes the event channel.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		m.cancel()
		m.wg.Wait()
		close(m.events)
		m.log.Info("gateway closed")
	})
	return nil
}

// emit delivers an event, blocking until the consumer takes it or the
// manager closes.
func (m *Manager) emit(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// emitState drops state changes when the buffer is full.
func (m *Manager) emitState(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Debug("event buffer full, dropping state change", zap.Int("shard", ev.Shard), zap.Stringer("state", ev.State))
	}
}
