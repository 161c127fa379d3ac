package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

const waitTimeout = 5 * time.Second

// fakeGateway accepts websocket connections and hands them to the test.
type fakeGateway struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *fakeConn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	g := &fakeGateway{t: t, conns: make(chan *fakeConn, 8)}
	upgrader := websocket.Upgrader{}

	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := &fakeConn{
			t:      t,
			ws:     ws,
			query:  r.URL.Query(),
			frames: make(chan Payload, 64),
			closed: make(chan int, 1),
		}
		go c.readLoop()
		g.conns <- c
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) URL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) accept() *fakeConn {
	g.t.Helper()
	select {
	case c := <-g.conns:
		g.t.Cleanup(func() { c.ws.Close() })
		return c
	case <-time.After(waitTimeout):
		g.t.Fatal("client never connected")
		return nil
	}
}

func (g *fakeGateway) expectNoConnection(d time.Duration) {
	g.t.Helper()
	select {
	case <-g.conns:
		g.t.Fatal("client reconnected")
	case <-time.After(d):
	}
}

type fakeConn struct {
	t     *testing.T
	ws    *websocket.Conn
	query url.Values

	mu      sync.Mutex
	frames  chan Payload
	closed  chan int
	autoAck atomic.Bool
}

func (c *fakeConn) readLoop() {
	defer close(c.frames)

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			code := -1
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			c.closed <- code
			return
		}

		var p Payload
		if err := json.Unmarshal(msg, &p); err != nil {
			c.t.Errorf("client sent bad frame %s: %v", msg, err)
			continue
		}
		if p.Op == OpHeartbeat && c.autoAck.Load() {
			c.send(OpHeartbeatAck, nil)
		}
		c.frames <- p
	}
}

func (c *fakeConn) write(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteJSON(v)
}

func (c *fakeConn) send(op Opcode, data any) {
	c.write(map[string]any{"op": op, "d": data})
}

func (c *fakeConn) hello(interval time.Duration) {
	c.send(OpHello, Hello{HeartbeatInterval: interval.Milliseconds()})
}

func (c *fakeConn) dispatch(seq int64, name string, data any) {
	c.write(map[string]any{"op": OpDispatch, "s": seq, "t": name, "d": data})
}

func (c *fakeConn) ready(seq int64, sessionID string) {
	c.dispatch(seq, "READY", map[string]any{
		"v":          10,
		"session_id": sessionID,
		"user":       map[string]string{"id": "1", "username": "bot"},
	})
}

func (c *fakeConn) closeWith(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
}

// next returns the next frame with the given op, skipping heartbeats when
// looking for anything else.
func (c *fakeConn) next(op Opcode) Payload {
	c.t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case p, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed while waiting for op %d", op)
			}
			if p.Op == op {
				return p
			}
			if p.Op != OpHeartbeat {
				c.t.Fatalf("got op %d, want op %d", p.Op, op)
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for op %d", op)
		}
	}
}

// waitClosed returns the close code the client sent, or -1 when it dropped
// the connection without one.
func (c *fakeConn) waitClosed() int {
	c.t.Helper()
	select {
	case code := <-c.closed:
		return code
	case <-time.After(waitTimeout):
		c.t.Fatal("client never closed the connection")
		return 0
	}
}

func decodeData[T any](t *testing.T, p Payload) T {
	t.Helper()
	var v T
	if err := jsoniter.Unmarshal(p.Data, &v); err != nil {
		t.Fatalf("decode op %d data %s: %v", p.Op, p.Data, err)
	}
	return v
}

func newTestManager(t *testing.T, g *fakeGateway, opts ...ConfigOpt) *Manager {
	t.Helper()

	base := []ConfigOpt{
		WithURL(g.URL()),
		WithIdentifyLimit(0, 1),
		WithShardStagger(0),
		WithBackoff(5*time.Millisecond, 20*time.Millisecond, 0),
		WithInvalidSessionDelay(20 * time.Millisecond),
		WithHelloTimeout(2 * time.Second),
	}
	m, err := NewManager("Bot abc", append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func openAsync(m *Manager, shards int) <-chan error {
	errs := make(chan error, 1)
	go func() { errs <- m.Open(context.Background(), shards) }()
	return errs
}

func waitOpen(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("Open never returned")
		return nil
	}
}

// waitEvent returns the next event accepted by match.
func waitEvent(t *testing.T, m *Manager, match func(Event) bool) Event {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				t.Fatal("event channel closed")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func isDispatch(ev Event) bool {
	return ev.Kind == KindDispatch
}

func isState(shard int, state State) func(Event) bool {
	return func(ev Event) bool {
		return ev.Kind == KindStateChange && ev.Shard == shard && ev.State == state
	}
}

// connectReady walks a fresh connection through hello, identify and READY.
func connectReady(t *testing.T, g *fakeGateway, m *Manager, sessionID string) *fakeConn {
	t.Helper()

	errs := openAsync(m, 1)
	c := g.accept()
	c.hello(time.Minute)
	c.next(OpIdentify)
	c.ready(1, sessionID)
	if err := waitOpen(t, errs); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitEvent(t, m, isDispatch)
	return c
}
