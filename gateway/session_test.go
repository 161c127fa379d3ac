package gateway

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSessionIdentifiesAndDelivers(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g, WithIntents(513))

	errs := openAsync(m, 1)
	c := g.accept()
	if c.query.Get("v") != "10" || c.query.Get("encoding") != "json" {
		t.Fatalf("query = %v", c.query)
	}
	c.hello(time.Minute)

	id := decodeData[Identify](t, c.next(OpIdentify))
	if id.Token != "abc" {
		t.Fatalf("identify token = %q, want prefix stripped", id.Token)
	}
	if id.Intents != 513 || id.Shard == nil || *id.Shard != [2]int{0, 1} {
		t.Fatalf("identify = %+v", id)
	}

	c.ready(1, "sess-1")
	c.dispatch(2, "MESSAGE_CREATE", map[string]string{"content": "hi"})

	if err := waitOpen(t, errs); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ev := waitEvent(t, m, isDispatch)
	if ev.Name != "READY" || ev.Sequence != 1 {
		t.Fatalf("first dispatch = %s #%d", ev.Name, ev.Sequence)
	}
	ev = waitEvent(t, m, isDispatch)
	var msg struct {
		Content string `json:"content"`
	}
	if err := ev.Decode(&msg); err != nil || ev.Name != "MESSAGE_CREATE" || msg.Content != "hi" {
		t.Fatalf("second dispatch = %s %+v (%v)", ev.Name, msg, err)
	}

	s := m.Shard(0)
	if s.State() != StateReady || s.SessionID() != "sess-1" || s.Sequence() != 2 {
		t.Fatalf("session = %s %q #%d", s.State(), s.SessionID(), s.Sequence())
	}
}

func TestSessionZombieConnectionReconnects(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g)

	errs := openAsync(m, 1)
	c := g.accept()
	c.hello(100 * time.Millisecond)

	// never ack: exactly one heartbeat, then the client gives up
	heartbeats := 0
	deadline := time.After(waitTimeout)
collect:
	for {
		select {
		case p, ok := <-c.frames:
			if !ok {
				break collect
			}
			switch p.Op {
			case OpIdentify:
				c.ready(1, "sess-1")
			case OpHeartbeat:
				heartbeats++
			}
		case <-deadline:
			t.Fatal("client kept a zombie connection open")
		}
	}
	if heartbeats != 1 {
		t.Fatalf("heartbeats before giving up = %d, want 1", heartbeats)
	}
	if code := c.waitClosed(); code != websocket.CloseServiceRestart {
		t.Fatalf("close code = %d, want a resumable close", code)
	}
	if err := waitOpen(t, errs); err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitEvent(t, m, isState(0, StateReconnecting))

	c2 := g.accept()
	c2.hello(time.Minute)
	r := decodeData[Resume](t, c2.next(OpResume))
	if r.SessionID != "sess-1" || r.Sequence != 1 || r.Token != "abc" {
		t.Fatalf("resume = %+v", r)
	}
}

func TestSessionResumeSkipsReplayedDispatches(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g)
	c := connectReady(t, g, m, "sess-1")

	c.dispatch(116, "MESSAGE_CREATE", map[string]int{"n": 116})
	c.dispatch(117, "MESSAGE_CREATE", map[string]int{"n": 117})
	waitEvent(t, m, func(ev Event) bool { return ev.Kind == KindDispatch && ev.Sequence == 117 })

	c.closeWith(CloseUnknownError)
	waitEvent(t, m, isState(0, StateReconnecting))

	c2 := g.accept()
	c2.hello(time.Minute)
	r := decodeData[Resume](t, c2.next(OpResume))
	if r.SessionID != "sess-1" || r.Sequence != 117 {
		t.Fatalf("resume = %+v, want sess-1 at 117", r)
	}

	c2.dispatch(117, "MESSAGE_CREATE", map[string]int{"n": 117})
	c2.dispatch(118, "MESSAGE_CREATE", map[string]int{"n": 118})
	c2.dispatch(119, "RESUMED", nil)

	var seqs []int64
	for len(seqs) < 2 {
		seqs = append(seqs, waitEvent(t, m, isDispatch).Sequence)
	}
	if seqs[0] != 118 || seqs[1] != 119 {
		t.Fatalf("delivered after resume = %v, want [118 119]", seqs)
	}
	if s := m.Shard(0); s.State() != StateReady || s.Sequence() != 119 {
		t.Fatalf("session = %s #%d", s.State(), s.Sequence())
	}
}

func TestSessionInvalidSessionIdentifiesFresh(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g)
	c := connectReady(t, g, m, "sess-1")

	c.dispatch(5, "MESSAGE_CREATE", nil)
	waitEvent(t, m, isDispatch)

	c.send(OpInvalidSession, false)
	if code := c.waitClosed(); code != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d, want %d", code, websocket.CloseNormalClosure)
	}

	c2 := g.accept()
	c2.autoAck.Store(true)
	c2.hello(30 * time.Millisecond)
	c2.next(OpIdentify)

	hb := c2.next(OpHeartbeat)
	// a null d decodes to an empty RawMessage
	if len(hb.Data) != 0 && string(hb.Data) != "null" {
		t.Fatalf("heartbeat after re-identify carries %s, want null", hb.Data)
	}
	if id := m.Shard(0).SessionID(); id != "" {
		t.Fatalf("session id = %q after invalidation", id)
	}

	c2.ready(1, "sess-2")
	ev := waitEvent(t, m, isDispatch)
	if ev.Name != "READY" || ev.Sequence != 1 {
		t.Fatalf("dispatch = %s #%d, want fresh READY #1", ev.Name, ev.Sequence)
	}
	if id := m.Shard(0).SessionID(); id != "sess-2" {
		t.Fatalf("session id = %q", id)
	}
}

func TestSessionResumableInvalidSessionResumes(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g)
	c := connectReady(t, g, m, "sess-1")

	c.send(OpInvalidSession, true)
	if code := c.waitClosed(); code != websocket.CloseServiceRestart {
		t.Fatalf("close code = %d", code)
	}

	c2 := g.accept()
	c2.hello(time.Minute)
	if r := decodeData[Resume](t, c2.next(OpResume)); r.SessionID != "sess-1" {
		t.Fatalf("resume = %+v", r)
	}
}

func TestSessionReconnectRequest(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g)
	c := connectReady(t, g, m, "sess-1")

	c.send(OpReconnect, nil)
	if code := c.waitClosed(); code != websocket.CloseServiceRestart {
		t.Fatalf("close code = %d", code)
	}

	c2 := g.accept()
	c2.hello(time.Minute)
	c2.next(OpResume)
}

func TestSessionAnswersHeartbeatRequest(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g)
	c := connectReady(t, g, m, "sess-1")

	c.send(OpHeartbeat, nil)
	hb := c.next(OpHeartbeat)
	if string(hb.Data) != "1" {
		t.Fatalf("heartbeat = %s, want last sequence 1", hb.Data)
	}
}

func TestSessionFatalCloseStops(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g)

	errs := openAsync(m, 1)
	c := g.accept()
	c.hello(time.Minute)
	c.next(OpIdentify)
	c.closeWith(CloseAuthenticationFailed)

	err := waitOpen(t, errs)
	if !errors.Is(err, ErrFatalClose) {
		t.Fatalf("Open = %v, want ErrFatalClose", err)
	}
	var closeErr *CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != CloseAuthenticationFailed {
		t.Fatalf("Open = %v, want close code 4004", err)
	}

	ev := waitEvent(t, m, func(ev Event) bool { return ev.Kind == KindFatal })
	if !errors.Is(ev.Err, ErrFatalClose) {
		t.Fatalf("fatal event err = %v", ev.Err)
	}
	if s := m.Shard(0); s.State() != StateClosed || s.Err() == nil {
		t.Fatalf("session = %s, err %v", s.State(), s.Err())
	}
	g.expectNoConnection(100 * time.Millisecond)
}

func TestSessionNonResumableCloseIdentifies(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g)
	c := connectReady(t, g, m, "sess-1")

	c.closeWith(CloseSessionTimedOut)

	c2 := g.accept()
	c2.hello(time.Minute)
	c2.next(OpIdentify)
}

func TestSessionInflatesCompressedFrames(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g, WithCompress(true))

	errs := openAsync(m, 1)
	c := g.accept()
	c.hello(time.Minute)
	if id := decodeData[Identify](t, c.next(OpIdentify)); !id.Compress {
		t.Fatal("identify did not ask for compression")
	}

	var buf bytes.Buffer
	z := zlib.NewWriter(&buf)
	z.Write([]byte(`{"op":0,"s":1,"t":"READY","d":{"session_id":"zz"}}`))
	z.Close()
	c.mu.Lock()
	c.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes())
	c.mu.Unlock()

	if err := waitOpen(t, errs); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if id := m.Shard(0).SessionID(); id != "zz" {
		t.Fatalf("session id = %q", id)
	}
}

func TestSessionSendCommands(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g)

	if err := m.Send(0, OpPresenceUpdate, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before open = %v", err)
	}

	c := connectReady(t, g, m, "sess-1")

	channel := "20"
	if err := m.Send(0, OpVoiceStateUpdate, VoiceStateUpdate{GuildID: "10", ChannelID: &channel}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	vs := decodeData[VoiceStateUpdate](t, c.next(OpVoiceStateUpdate))
	if vs.GuildID != "10" || vs.ChannelID == nil || *vs.ChannelID != "20" {
		t.Fatalf("voice state = %+v", vs)
	}

	if err := m.Send(3, OpPresenceUpdate, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send to missing shard = %v", err)
	}
}

func TestSessionThrottlesCommands(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g, WithRateLimiterOpts(WithCommandsPerMinute(1), WithWindow(200*time.Millisecond)))
	c := connectReady(t, g, m, "sess-1")

	for i := 0; i < 2; i++ {
		if err := m.Send(0, OpPresenceUpdate, PresenceUpdate{Status: "online"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	c.next(OpPresenceUpdate)
	first := time.Now()
	c.next(OpPresenceUpdate)
	if gap := time.Since(first); gap < 150*time.Millisecond {
		t.Fatalf("second command after %v, want it held for the window", gap)
	}
}

func TestSessionSendQueueFull(t *testing.T) {
	g := newFakeGateway(t)
	m := newTestManager(t, g,
		WithSendQueue(1),
		WithRateLimiterOpts(WithCommandsPerMinute(1), WithWindow(time.Minute)),
	)
	connectReady(t, g, m, "sess-1")

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = m.Send(0, OpPresenceUpdate, PresenceUpdate{Status: "idle"})
	}
	if !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("err = %v, want ErrSendQueueFull", err)
	}
}

func TestSessionMalformedInvalidSessionIsNotResumable(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	g := newFakeGateway(t)
	m := newTestManager(t, g, WithLogger(zap.New(core)))
	c := connectReady(t, g, m, "sess-1")

	c.send(OpInvalidSession, "maybe")
	if code := c.waitClosed(); code != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d, want %d", code, websocket.CloseNormalClosure)
	}

	c2 := g.accept()
	c2.hello(time.Minute)
	c2.next(OpIdentify)

	if n := logs.FilterMessage("malformed invalid session payload, treating as not resumable").Len(); n != 1 {
		t.Fatalf("malformed payload logged %d times, want 1", n)
	}
}
