package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yonatandev1/cordkit/internal/metrics"
)

// disconnect is why a connection ended.
type disconnect struct {
	err       error
	resumable bool
	// wait is the minimum delay before the next attempt.
	wait time.Duration

	// close frame to send when we are the side closing
	sendClose bool
	code      int
}

func classify(err error) disconnect {
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		closeErr := &CloseError{Code: wsErr.Code, Reason: wsErr.Text}
		return disconnect{err: closeErr, resumable: closeErr.Resumable()}
	}
	return disconnect{err: err, resumable: true}
}

// connection is a single websocket between Hello and teardown. The read
// loop is the only writer of the session's sequence and resume state while
// the connection lives.
type connection struct {
	s   *Session
	ws  *websocket.Conn
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	control   chan []byte
	commands  chan []byte
	throttled chan []byte

	acked    atomic.Bool
	lastSent atomic.Int64

	stopOnce sync.Once
	reason   disconnect
}

func newConnection(parent context.Context, s *Session, ws *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(parent)
	return &connection{
		s:         s,
		ws:        ws,
		log:       s.log,
		ctx:       ctx,
		cancel:    cancel,
		control:   make(chan []byte, 4),
		commands:  make(chan []byte, s.m.config.SendQueue),
		throttled: make(chan []byte),
	}
}

func (c *connection) start(interval time.Duration) {
	c.wg.Add(4)
	go c.readLoop()
	go c.writeLoop()
	go c.commandLoop()
	go c.heartbeatLoop(interval)
}

// stop tears the connection down once. The first reason wins.
func (c *connection) stop(d disconnect) {
	c.stopOnce.Do(func() {
		c.reason = d
		if d.sendClose {
			msg := websocket.FormatCloseMessage(d.code, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		c.cancel()
		_ = c.ws.Close()
	})
}

func (c *connection) readLoop() {
	defer c.wg.Done()

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			c.stop(classify(err))
			return
		}

		p, err := decodeFrame(messageType, message)
		if err != nil {
			c.log.Warn("dropping undecodable gateway frame", zap.Error(err))
			continue
		}
		c.onPayload(p)
	}
}

func (c *connection) onPayload(p *Payload) {
	switch p.Op {
	case OpDispatch:
		c.onDispatch(p)

	case OpHeartbeat:
		c.heartbeat()

	case OpHeartbeatAck:
		c.acked.Store(true)
		if sent := c.lastSent.Load(); sent > 0 {
			metrics.GatewayHeartbeatLatency(c.s.shard, time.Since(time.Unix(0, sent)))
		}

	case OpReconnect:
		c.stop(disconnect{
			err:       errReconnectRequested,
			resumable: true,
			sendClose: true,
			code:      websocket.CloseServiceRestart,
		})

	case OpInvalidSession:
		var resumable bool
		if err := json.Unmarshal(p.Data, &resumable); err != nil {
			c.log.Debug("malformed invalid session payload, treating as not resumable", zap.Error(err))
		}

		d := disconnect{
			err:       errInvalidSession,
			resumable: resumable,
			sendClose: true,
			code:      websocket.CloseServiceRestart,
		}
		if !resumable {
			d.code = websocket.CloseNormalClosure
			d.wait = c.s.invalidSessionWait()
		}
		c.stop(d)

	default:
		c.log.Debug("ignoring gateway op", zap.Int("op", int(p.Op)))
	}
}

func (c *connection) onDispatch(p *Payload) {
	s := c.s

	if p.S > 0 && p.S <= s.seq.Load() {
		c.log.Debug("dropping replayed dispatch", zap.Int64("seq", p.S), zap.String("event", p.T))
		return
	}

	switch p.T {
	case "READY":
		var r Ready
		if err := json.Unmarshal(p.Data, &r); err != nil {
			c.log.Warn("malformed READY", zap.Error(err))
		} else {
			s.resume.Store(&resumeState{sessionID: r.SessionID, url: r.ResumeGatewayURL})
			c.log.Info("gateway session ready", zap.String("session", r.SessionID))
		}
		s.m.backoff.Reset()
		s.setState(StateReady)

	case "RESUMED":
		c.log.Info("gateway session resumed", zap.Int64("seq", s.seq.Load()))
		s.m.backoff.Reset()
		s.setState(StateReady)
	}

	ev := Event{
		Kind:     KindDispatch,
		Shard:    s.shard,
		Name:     p.T,
		Sequence: p.S,
		Data:     p.Data,
	}
	if !s.m.emit(ev) {
		return
	}
	if p.S > 0 {
		s.seq.Store(p.S)
	}
}

func (c *connection) heartbeatLoop(interval time.Duration) {
	defer c.wg.Done()

	c.acked.Store(true)
	timer := time.NewTimer(time.Duration(rand.Int63n(int64(interval))))
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}

		if !c.acked.Swap(false) {
			c.log.Warn("gateway heartbeat not acknowledged")
			c.stop(disconnect{
				err:       errZombie,
				resumable: true,
				sendClose: true,
				code:      websocket.CloseServiceRestart,
			})
			return
		}
		c.heartbeat()
		timer.Reset(interval)
	}
}

func (c *connection) heartbeat() {
	c.lastSent.Store(time.Now().UnixNano())
	c.queue(heartbeatFrame(c.s.seq.Load()))
}

func (c *connection) sendControl(op Opcode, data any) {
	frame, err := encodeFrame(op, data)
	if err != nil {
		c.log.Error("encoding gateway frame", zap.Error(err))
		return
	}
	c.queue(frame)
}

func (c *connection) queue(frame []byte) {
	select {
	case c.control <- frame:
	case <-c.ctx.Done():
	}
}

// commandLoop feeds user commands to the writer at the rate the limiter
// allows, so control frames never wait behind them.
func (c *connection) commandLoop() {
	defer c.wg.Done()

	for {
		var frame []byte
		select {
		case <-c.ctx.Done():
			return
		case frame = <-c.commands:
		}

		if err := c.s.limiter.Wait(c.ctx); err != nil {
			return
		}
		select {
		case c.throttled <- frame:
			c.s.limiter.Unlock()
		case <-c.ctx.Done():
			c.s.limiter.Unlock()
			return
		}
	}
}

func (c *connection) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case frame := <-c.control:
			if !c.write(frame) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.control:
			if !c.write(frame) {
				return
			}
		case frame := <-c.throttled:
			if !c.write(frame) {
				return
			}
		}
	}
}

func (c *connection) write(frame []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.s.m.config.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.stop(disconnect{err: fmt.Errorf("write: %w", err), resumable: true})
		return false
	}
	return true
}
