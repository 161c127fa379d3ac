package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yonatandev1/cordkit/internal/metrics"
)

const apiVersion = "10"

var (
	errZombie             = errors.New("heartbeat not acknowledged")
	errReconnectRequested = errors.New("gateway requested reconnect")
	errInvalidSession     = errors.New("session invalidated")
	errShutdown           = errors.New("shutting down")
)

// resumeState is what a later connection needs to resume. It is replaced
// whole, never mutated.
type resumeState struct {
	sessionID string
	url       string
}

// Session is one shard's gateway connection. It reconnects by itself until
// its manager closes or the gateway sends a fatal close code.
type Session struct {
	m     *Manager
	shard int
	log   *zap.Logger

	state   atomic.Int32
	seq     atomic.Int64
	resume  atomic.Pointer[resumeState]
	conn    atomic.Pointer[connection]
	limiter RateLimiter

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error
}

func newSession(m *Manager, shard int) *Session {
	return &Session{
		m:       m,
		shard:   shard,
		log:     m.log.With(zap.Int("shard", shard)),
		limiter: NewRateLimiter(m.config.RateLimiterOpts...),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *Session) Shard() int {
	return s.shard
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Sequence is the last dispatch sequence delivered on this session.
func (s *Session) Sequence() int64 {
	return s.seq.Load()
}

// SessionID is empty until the first READY and after an invalidation.
func (s *Session) SessionID() string {
	if rs := s.resume.Load(); rs != nil {
		return rs.sessionID
	}
	return ""
}

// Err is the fatal error that stopped the session, if any. Only valid once
// the session has stopped.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.GatewayState(s.shard, int(to))
	s.log.Debug("gateway state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	s.m.emitState(Event{Kind: KindStateChange, Shard: s.shard, State: to, From: from})

	if to == StateReady {
		s.readyOnce.Do(func() { close(s.ready) })
	}
}

// Send queues a user command on the current connection. Commands are only
// accepted while the session is Ready.
func (s *Session) Send(op Opcode, data any) error {
	c := s.conn.Load()
	if c == nil || s.State() != StateReady {
		return ErrNotConnected
	}
	frame, err := encodeFrame(op, data)
	if err != nil {
		return err
	}

	select {
	case <-c.ctx.Done():
		return ErrNotConnected
	default:
	}
	select {
	case c.commands <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateClosed)

	for {
		d := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(d.err, ErrFatalClose) {
			s.log.Error("gateway session stopped", zap.Error(d.err))
			s.err = d.err
			s.m.emit(Event{Kind: KindFatal, Shard: s.shard, Err: d.err})
			return
		}

		if !d.resumable && s.resume.Swap(nil) != nil {
			s.log.Info("gateway session cannot be resumed, identifying next", zap.Error(d.err))
		}
		resuming := s.resume.Load() != nil

		s.setState(StateReconnecting)
		metrics.GatewayReconnect(s.shard, resuming)
		s.log.Warn("gateway connection lost", zap.Error(d.err), zap.Bool("resume", resuming))

		if err := s.m.backoff.Wait(ctx, d.wait); err != nil {
			return
		}
	}
}

// connect runs one connection from dial to teardown and reports why it
// ended.
func (s *Session) connect(ctx context.Context) disconnect {
	s.setState(StateConnecting)

	rs := s.resume.Load()
	target := s.m.config.URL
	if rs != nil && rs.url != "" {
		target = rs.url
	}
	target, err := gatewayURL(target)
	if err != nil {
		return disconnect{err: err, resumable: rs != nil}
	}

	header := http.Header{}
	if s.m.config.Compress {
		header.Add("accept-encoding", "zlib")
	}

	ws, _, err := s.m.config.Dialer.DialContext(ctx, target, header)
	if err != nil {
		return disconnect{err: fmt.Errorf("dial: %w", err), resumable: true}
	}

	hello, err := readHello(ws, s.m.config.HelloTimeout)
	if err != nil {
		_ = ws.Close()
		return classify(err)
	}

	if rs == nil {
		s.seq.Store(0)
	}
	s.limiter.Reset()

	c := newConnection(ctx, s, ws)
	s.conn.Store(c)
	defer s.conn.CompareAndSwap(c, nil)

	c.start(hello.interval())

	if rs != nil {
		s.setState(StateResuming)
		c.sendControl(OpResume, Resume{
			Token:     s.m.gatewayToken(),
			SessionID: rs.sessionID,
			Sequence:  s.seq.Load(),
		})
	} else {
		s.setState(StateIdentifying)
		if err := s.m.identify.Wait(c.ctx); err == nil {
			c.sendControl(OpIdentify, s.identify())
		}
	}

	<-c.ctx.Done()
	if ctx.Err() != nil {
		c.stop(disconnect{err: errShutdown, sendClose: true, code: websocket.CloseNormalClosure})
	}
	c.wg.Wait()
	return c.reason
}

func (s *Session) identify() Identify {
	config := s.m.config
	shard := [2]int{s.shard, s.m.shardCount}

	return Identify{
		Token:          s.m.gatewayToken(),
		Properties:     config.Properties,
		Compress:       config.Compress,
		LargeThreshold: config.LargeThreshold,
		Shard:          &shard,
		Presence:       config.Presence,
		Intents:        config.Intents,
	}
}

func (s *Session) invalidSessionWait() time.Duration {
	hi := s.m.config.InvalidSessionDelay
	if hi <= 0 {
		return 0
	}
	lo := hi / 5
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}

func readHello(ws *websocket.Conn, timeout time.Duration) (Hello, error) {
	var hello Hello

	if timeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(timeout))
		defer ws.SetReadDeadline(time.Time{})
	}

	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return hello, err
	}
	p, err := decodeFrame(messageType, message)
	if err != nil {
		return hello, err
	}
	if p.Op != OpHello {
		return hello, fmt.Errorf("expected hello, got op %d", p.Op)
	}
	if err := json.Unmarshal(p.Data, &hello); err != nil {
		return hello, fmt.Errorf("decode hello: %w", err)
	}
	if hello.HeartbeatInterval <= 0 {
		return hello, fmt.Errorf("hello without heartbeat interval")
	}
	return hello, nil
}

func gatewayURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	q := u.Query()
	q.Set("v", apiVersion)
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
