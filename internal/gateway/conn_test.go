package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"

	"github.com/zulandar/mjgate/internal/coord"
)

// clientMsg is one message the fake gateway received from the client.
type clientMsg struct {
	conn  int
	path  string
	query string
	op    Opcode
	d     json.RawMessage
}

type serverConn struct {
	ws  *websocket.Conn
	mu  sync.Mutex
	zw  *zlib.Writer
	buf bytes.Buffer
	seq int64
}

func (sc *serverConn) send(v any) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if sc.zw == nil {
		return sc.ws.WriteMessage(websocket.TextMessage, b)
	}
	sc.buf.Reset()
	if _, err := sc.zw.Write(b); err != nil {
		return err
	}
	if err := sc.zw.Flush(); err != nil {
		return err
	}
	return sc.ws.WriteMessage(websocket.BinaryMessage, append([]byte(nil), sc.buf.Bytes()...))
}

func (sc *serverConn) dispatch(t string, d any) error {
	sc.mu.Lock()
	sc.seq++
	seq := sc.seq
	sc.mu.Unlock()
	return sc.send(map[string]any{"op": OpDispatch, "t": t, "s": seq, "d": d})
}

func (sc *serverConn) closeWith(code int, text string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}

// fakeGateway speaks just enough of the protocol to drive a Conn.
type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	interval int64
	compress bool
	ackBeats atomic.Bool

	// closeOnIdentify, when set, answers Identify with this close code.
	closeOnIdentify atomic.Int32

	mu     sync.Mutex
	conns  []*serverConn
	events chan clientMsg
}

func newFakeGateway(t *testing.T, intervalMs int64, compress bool) *fakeGateway {
	t.Helper()
	g := &fakeGateway{t: t, interval: intervalMs, compress: compress, events: make(chan clientMsg, 256)}
	g.ackBeats.Store(true)
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) base() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) url() string {
	return g.base() + "/?encoding=json&v=9&compress=zlib-stream"
}

func (g *fakeGateway) conn(i int) *serverConn {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		if i < len(g.conns) {
			sc := g.conns[i]
			g.mu.Unlock()
			return sc
		}
		g.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	g.t.Fatalf("server connection %d never opened", i)
	return nil
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	sc := &serverConn{ws: ws}
	if g.compress {
		sc.zw = zlib.NewWriter(&sc.buf)
	}
	g.mu.Lock()
	idx := len(g.conns)
	g.conns = append(g.conns, sc)
	g.mu.Unlock()

	_ = sc.send(map[string]any{"op": OpHello, "d": map[string]any{"heartbeat_interval": g.interval}})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		g.events <- clientMsg{conn: idx, path: r.URL.Path, query: r.URL.RawQuery, op: p.Op, d: p.D}

		switch p.Op {
		case OpIdentify:
			if code := g.closeOnIdentify.Load(); code != 0 {
				sc.closeWith(int(code), "authentication failed")
				continue
			}
			_ = sc.dispatch(EventReady, map[string]any{
				"session_id":         "sess-1",
				"resume_gateway_url": g.base() + "/resume",
			})
		case OpResume:
			_ = sc.dispatch(EventResumed, map[string]any{})
		case OpHeartbeat:
			if g.ackBeats.Load() {
				_ = sc.send(map[string]any{"op": OpHeartbeatAck})
			}
		}
	}
}

// next returns the next non-heartbeat client message.
func (g *fakeGateway) next(t *testing.T) clientMsg {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m := <-g.events:
			if m.op == OpHeartbeat {
				continue
			}
			return m
		case <-timeout:
			t.Fatal("timed out waiting for client message")
		}
	}
}

// nextOp returns the next client message with the given opcode.
func (g *fakeGateway) nextOp(t *testing.T, op Opcode) clientMsg {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case m := <-g.events:
			if m.op == op {
				return m
			}
		case <-timeout:
			t.Fatalf("timed out waiting for op %d", op)
		}
	}
}

type recordingSink struct {
	ch chan Event
}

func (s *recordingSink) Enqueue(ev Event) { s.ch <- ev }

func newTestConn(t *testing.T, g *fakeGateway, co coord.Coordinator) (*Conn, *recordingSink) {
	t.Helper()
	sink := &recordingSink{ch: make(chan Event, 16)}
	c, err := NewConn(ConnOpts{
		AccountID:        "acct-1",
		Token:            "tok",
		URL:              g.url(),
		Coord:            co,
		Dispatcher:       sink,
		HandshakeTimeout: 3 * time.Second,
		JoinTimeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	t.Cleanup(func() { c.Close(false) })
	return c, sink
}

func TestNewConn_RequiresFields(t *testing.T) {
	if _, err := NewConn(ConnOpts{Token: "t", Coord: coord.NewMemory()}); err == nil {
		t.Error("expected error without account id")
	}
	if _, err := NewConn(ConnOpts{AccountID: "a", Coord: coord.NewMemory()}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := NewConn(ConnOpts{AccountID: "a", Token: "t"}); err == nil {
		t.Error("expected error without coordinator")
	}
}

func TestConn_IdentifyThenDispatch(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "text"
		if compress {
			name = "zlib-stream"
		}
		t.Run(name, func(t *testing.T) {
			g := newFakeGateway(t, 45000, compress)
			c, sink := newTestConn(t, g, coord.NewMemory())

			var running atomic.Int32
			c.OnRunning(func() { running.Add(1) })

			if err := c.Start(context.Background(), false); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if m := g.next(t); m.op != OpIdentify {
				t.Fatalf("first client op = %d, want Identify", m.op)
			}
			if c.State() != StateRunning {
				t.Errorf("state = %s, want running", c.State())
			}
			if running.Load() != 1 {
				t.Errorf("running hooks = %d, want 1", running.Load())
			}

			if err := g.conn(0).dispatch("MESSAGE_CREATE", map[string]any{"id": "m1"}); err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			select {
			case ev := <-sink.ch:
				if ev.Type != "MESSAGE_CREATE" || ev.Seq != 2 {
					t.Errorf("event = %s seq %d", ev.Type, ev.Seq)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("dispatch never reached the sink")
			}

			snap := c.Snapshot()
			if snap.SessionID != "sess-1" || snap.Sequence != 2 || snap.State != "running" {
				t.Errorf("snapshot = %+v", snap)
			}
		})
	}
}

func TestConn_ReadyAndResumedNeverQueued(t *testing.T) {
	g := newFakeGateway(t, 45000, false)
	c, sink := newTestConn(t, g, coord.NewMemory())
	if err := c.Start(context.Background(), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background(), true); err != nil {
		t.Fatalf("resume Start: %v", err)
	}
	select {
	case ev := <-sink.ch:
		t.Errorf("unexpected queued event %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConn_ResumeWithStoredSession(t *testing.T) {
	g := newFakeGateway(t, 45000, false)
	c, _ := newTestConn(t, g, coord.NewMemory())

	if err := c.Start(context.Background(), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.next(t)

	if err := c.Start(context.Background(), true); err != nil {
		t.Fatalf("resume Start: %v", err)
	}
	m := g.next(t)
	if m.op != OpResume {
		t.Fatalf("op after reconnect = %d, want Resume", m.op)
	}
	if m.path != "/resume" || !strings.Contains(m.query, "compress=zlib-stream") {
		t.Errorf("resume dialed %s?%s, want the session resume URL", m.path, m.query)
	}
	var d resumeData
	if err := json.Unmarshal(m.d, &d); err != nil {
		t.Fatalf("unmarshal resume: %v", err)
	}
	if d.Token != "tok" || d.SessionID != "sess-1" || d.Seq != 1 {
		t.Errorf("resume payload = %+v", d)
	}
}

func TestConn_ResumeWithoutSessionIdentifies(t *testing.T) {
	g := newFakeGateway(t, 45000, false)
	c, _ := newTestConn(t, g, coord.NewMemory())

	if err := c.Start(context.Background(), true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m := g.next(t); m.op != OpIdentify {
		t.Fatalf("op = %d, want Identify", m.op)
	}
}

func TestConn_FullCloseDiscardsSession(t *testing.T) {
	g := newFakeGateway(t, 45000, false)
	c, _ := newTestConn(t, g, coord.NewMemory())

	if err := c.Start(context.Background(), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.next(t)
	c.Close(false)
	c.Close(false)

	if err := c.Start(context.Background(), true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m := g.next(t); m.op != OpIdentify {
		t.Fatalf("op = %d, want Identify after full close", m.op)
	}
}

func TestConn_ConnectLockHeld(t *testing.T) {
	g := newFakeGateway(t, 45000, false)
	co := coord.NewMemory()
	held, err := co.AcquireConnectLock(context.Background(), "acct-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireConnectLock: %v", err)
	}

	c, _ := newTestConn(t, g, co)
	if err := c.Start(context.Background(), false); !errors.Is(err, ErrConnectionHeld) {
		t.Fatalf("Start err = %v, want ErrConnectionHeld", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s", c.State())
	}

	_ = held.Release(context.Background())
	if err := c.Start(context.Background(), false); err != nil {
		t.Fatalf("Start after release: %v", err)
	}
}

func TestConn_CloseReleasesConnectLock(t *testing.T) {
	g := newFakeGateway(t, 45000, false)
	co := coord.NewMemory()
	c, _ := newTestConn(t, g, co)

	if err := c.Start(context.Background(), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := co.AcquireConnectLock(context.Background(), "acct-1", time.Minute); !errors.Is(err, coord.ErrNotObtained) {
		t.Fatalf("lock should be held while running, got %v", err)
	}
	c.Close(true)
	l, err := co.AcquireConnectLock(context.Background(), "acct-1", time.Minute)
	if err != nil {
		t.Fatalf("lock should be free after close: %v", err)
	}
	_ = l.Release(context.Background())
}

func TestConn_ServerHeartbeatRequest(t *testing.T) {
	g := newFakeGateway(t, 45000, false)
	c, _ := newTestConn(t, g, coord.NewMemory())
	if err := c.Start(context.Background(), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := g.conn(0).send(map[string]any{"op": OpHeartbeat}); err != nil {
		t.Fatalf("send: %v", err)
	}
	m := g.nextOp(t, OpHeartbeat)
	if string(m.d) != "1" {
		t.Errorf("heartbeat d = %s, want last sequence 1", m.d)
	}
}

func TestConn_RepeatedHelloKeepsOneHeartbeatLoop(t *testing.T) {
	g := newFakeGateway(t, 400, false)
	c, _ := newTestConn(t, g, coord.NewMemory())
	if err := c.Start(context.Background(), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m := g.next(t); m.op != OpIdentify {
		t.Fatalf("first client op = %d, want Identify", m.op)
	}
	if err := g.conn(0).send(map[string]any{"op": OpHello, "d": map[string]any{"heartbeat_interval": 400}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	// One loop beats at most every 360ms, so three beats fit in the window.
	beats := 0
	window := time.After(1200 * time.Millisecond)
	for done := false; !done; {
		select {
		case m := <-g.events:
			switch m.op {
			case OpHeartbeat:
				beats++
			case OpIdentify:
				t.Errorf("repeated hello triggered a second Identify")
			}
		case <-window:
			done = true
		}
	}
	if beats == 0 || beats > 3 {
		t.Errorf("heartbeats = %d, want 1..3 from a single loop", beats)
	}
	if c.State() != StateRunning {
		t.Errorf("state = %s, want running", c.State())
	}
}

type failure struct {
	code   int
	reason string
}

func TestConn_InvalidSessionFailsWithInvalidate(t *testing.T) {
	g := newFakeGateway(t, 45000, false)
	c, _ := newTestConn(t, g, coord.NewMemory())

	failures := make(chan failure, 4)
	c.SetFailureHandler(func(code int, reason string) { failures <- failure{code, reason} })

	if err := c.Start(context.Background(), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = g.conn(0).send(map[string]any{"op": OpInvalidSession, "d": false})

	select {
	case f := <-failures:
		if f.code != CloseInvalidate {
			t.Errorf("code = %d, want %d", f.code, CloseInvalidate)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("failure handler not called")
	}
	if snap := c.Snapshot(); snap.SessionID != "" {
		t.Errorf("session should be discarded, got %+v", snap)
	}
}

func TestConn_ServerReconnectRequest(t *testing.T) {
	g := newFakeGateway(t, 45000, false)
	c, _ := newTestConn(t, g, coord.NewMemory())

	failures := make(chan failure, 4)
	c.SetFailureHandler(func(code int, reason string) { failures <- failure{code, reason} })
	if err := c.Start(context.Background(), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = g.conn(0).send(map[string]any{"op": OpReconnect})

	select {
	case f := <-failures:
		if f.code != CloseReconnect {
			t.Errorf("code = %d, want %d", f.code, CloseReconnect)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("failure handler not called")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected after failure", c.State())
	}
	if c.Snapshot().SessionID != "sess-1" {
		t.Error("session should survive a resume-style failure")
	}
}

func TestConn_HandshakeFailureReturnedFromStart(t *testing.T) {
	g := newFakeGateway(t, 45000, false)
	g.closeOnIdentify.Store(4004)
	c, _ := newTestConn(t, g, coord.NewMemory())

	err := c.Start(context.Background(), false)
	var ce *CloseError
	if !errors.As(err, &ce) || ce.Code != 4004 {
		t.Fatalf("Start err = %v, want close 4004", err)
	}
}

type fakeHooks struct {
	mu         sync.Mutex
	disabled   []string
	connecting []bool
}

func (h *fakeHooks) Disable(_ context.Context, _ string, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disabled = append(h.disabled, reason)
	return nil
}

func (h *fakeHooks) SetConnecting(_ context.Context, _ string, v bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connecting = append(h.connecting, v)
	return nil
}

func wireRecovery(t *testing.T, c *Conn, co coord.Coordinator, before func(code int)) (*Recovery, *fakeHooks) {
	t.Helper()
	hooks := &fakeHooks{}
	rec, err := NewRecovery(RecoveryOpts{
		AccountID:   "acct-1",
		Conn:        c,
		Coord:       co,
		Account:     hooks,
		Retries:     3,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRecovery: %v", err)
	}
	c.SetFailureHandler(func(code int, reason string) {
		if before != nil {
			before(code)
		}
		rec.HandleFailure(context.Background(), code, reason)
	})
	c.OnRunning(rec.MarkRunning)
	return rec, hooks
}

func TestConn_FatalCloseReidentifies(t *testing.T) {
	g := newFakeGateway(t, 45000, false)
	co := coord.NewMemory()
	c, _ := newTestConn(t, g, co)
	_, hooks := wireRecovery(t, c, co, nil)

	if err := c.Start(context.Background(), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.next(t)
	g.conn(0).closeWith(4000, "unknown error")

	m := g.next(t)
	if m.conn != 1 {
		t.Fatalf("message from conn %d, want reconnect on conn 1", m.conn)
	}
	if m.op != OpIdentify {
		t.Fatalf("op after fatal close = %d, want Identify", m.op)
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.disabled) != 0 {
		t.Errorf("account disabled: %v", hooks.disabled)
	}
}

func TestConn_HeartbeatTimeoutResumes(t *testing.T) {
	g := newFakeGateway(t, 100, false)
	g.ackBeats.Store(false)
	co := coord.NewMemory()
	c, _ := newTestConn(t, g, co)

	codes := make(chan int, 4)
	wireRecovery(t, c, co, func(code int) {
		codes <- code
		g.ackBeats.Store(true)
	})

	if err := c.Start(context.Background(), false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m := g.next(t); m.op != OpIdentify {
		t.Fatalf("op = %d", m.op)
	}

	select {
	case code := <-codes:
		if code != CloseReconnect {
			t.Errorf("code = %d, want %d", code, CloseReconnect)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("missed heartbeat did not fail the connection")
	}

	m := g.next(t)
	if m.conn != 1 || m.op != OpResume {
		t.Fatalf("after heartbeat timeout got op %d on conn %d, want Resume on conn 1", m.op, m.conn)
	}
}
