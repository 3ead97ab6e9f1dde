package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/coord"
	"github.com/zulandar/mjgate/internal/metrics"
)

const (
	defaultLockTTL          = 2 * time.Minute
	defaultHandshakeTimeout = 30 * time.Second
	defaultJoinTimeout      = 5 * time.Second
	writeTimeout            = 10 * time.Second
)

// State is the connection state machine position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateResuming
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateRunning:
		return "running"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Dispatcher receives dispatch events in arrival order. Enqueue must not
// block on event handling.
type Dispatcher interface {
	Enqueue(ev Event)
}

// ConnOpts holds parameters for creating a Conn.
type ConnOpts struct {
	AccountID  string
	Token      string
	UserAgent  string
	URL        string // defaults to DefaultURL
	Coord      coord.Coordinator
	Dispatcher Dispatcher

	LockTTL          time.Duration // connect lock TTL, refreshed each heartbeat
	HandshakeTimeout time.Duration // Start gives up after this long
	JoinTimeout      time.Duration // bounded wait for loops on teardown

	// For testing: inject a dialer that reaches a fake gateway.
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Conn owns one account's gateway socket and its session state. Start and
// Close may be called from any goroutine.
type Conn struct {
	accountID string
	token     string
	userAgent string
	url       string
	coord     coord.Coordinator
	sink      Dispatcher
	dialer    *websocket.Dialer
	log       zerolog.Logger
	now       func() time.Time

	lockTTL          time.Duration
	handshakeTimeout time.Duration
	joinTimeout      time.Duration

	startMu sync.Mutex // one handshake at a time

	mu        sync.Mutex
	state     State
	session   Session
	cur       *link
	onFailure func(code int, reason string)
	onRunning []func()
}

// link is one socket generation. Every reconnect builds a new link.
type link struct {
	ws      *websocket.Conn
	resume  bool
	lock    coord.Lock
	decoder *FrameDecoder
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	writeMu sync.Mutex

	acks    sync.Mutex
	tracker ackTracker
	recvAt  atomic.Int64

	running   atomic.Bool
	heartbeat atomic.Bool // set once the first Hello starts the heartbeat loop
	ready     chan struct{}
	handshake chan error
	done      chan struct{}
	failOnce  sync.Once
}

func (l *link) touch(t time.Time) { l.recvAt.Store(t.UnixNano()) }
func (l *link) lastRecv() time.Time { return time.Unix(0, l.recvAt.Load()) }
func (l *link) claimFailure() (first bool) {
	l.failOnce.Do(func() { first = true })
	return first
}

func (l *link) write(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.ws.WriteJSON(v)
}

// NewConn creates a disconnected Conn.
func NewConn(opts ConnOpts) (*Conn, error) {
	if opts.AccountID == "" {
		return nil, fmt.Errorf("gateway: account id is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("gateway: token is required")
	}
	if opts.Coord == nil {
		return nil, fmt.Errorf("gateway: coordinator is required")
	}
	c := &Conn{
		accountID:        opts.AccountID,
		token:            opts.Token,
		userAgent:        opts.UserAgent,
		url:              opts.URL,
		coord:            opts.Coord,
		sink:             opts.Dispatcher,
		dialer:           opts.Dialer,
		log:              opts.Logger,
		now:              time.Now,
		lockTTL:          opts.LockTTL,
		handshakeTimeout: opts.HandshakeTimeout,
		joinTimeout:      opts.JoinTimeout,
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.url == "" {
		c.url = DefaultURL
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
	}
	if c.lockTTL <= 0 {
		c.lockTTL = defaultLockTTL
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = defaultHandshakeTimeout
	}
	if c.joinTimeout <= 0 {
		c.joinTimeout = defaultJoinTimeout
	}
	return c, nil
}

// SetFailureHandler installs the callback run after a Running connection
// fails. It runs on its own goroutine once the failed link is torn down.
func (c *Conn) SetFailureHandler(fn func(code int, reason string)) {
	c.mu.Lock()
	c.onFailure = fn
	c.mu.Unlock()
}

// OnRunning registers a hook run once each time a handshake completes.
func (c *Conn) OnRunning(fn func()) {
	c.mu.Lock()
	c.onRunning = append(c.onRunning, fn)
	c.mu.Unlock()
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ResetSession discards the session identity so the next Start identifies.
func (c *Conn) ResetSession() {
	c.mu.Lock()
	c.session = Session{}
	c.mu.Unlock()
}

// Snapshot is a point-in-time view of a connection for status pages.
type Snapshot struct {
	AccountID         string        `json:"account_id"`
	State             string        `json:"state"`
	SessionID         string        `json:"session_id,omitempty"`
	Sequence          int64         `json:"sequence"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	Latency           time.Duration `json:"latency"`
}

// Snapshot reports state and session details.
func (c *Conn) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		AccountID:         c.accountID,
		State:             c.state.String(),
		SessionID:         c.session.ID,
		Sequence:          c.session.Sequence,
		HeartbeatInterval: c.session.HeartbeatInterval,
		Latency:           c.session.Latency,
	}
}

// Start tears down any existing link and opens a new one. With resume set
// and a stored session, it sends Resume to the session's resume URL;
// otherwise the session is discarded and it sends Identify. Start returns
// once the connection is Running, or with the reason it never got there.
func (c *Conn) Start(ctx context.Context, resume bool) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.Close(resume)

	c.mu.Lock()
	canResume := resume && c.session.CanResume()
	target := c.url
	if canResume && c.session.ResumeURL != "" {
		target = resumeEndpoint(c.session.ResumeURL, c.url)
	}
	if !canResume {
		c.session = Session{}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	lock, err := c.coord.AcquireConnectLock(ctx, c.accountID, c.lockTTL)
	if err != nil {
		c.setState(StateDisconnected)
		if errors.Is(err, coord.ErrNotObtained) {
			metrics.GatewayConnects.WithLabelValues("held").Inc()
			return ErrConnectionHeld
		}
		return fmt.Errorf("gateway: connect lock: %w", err)
	}

	header := http.Header{}
	header.Set("User-Agent", c.userAgent)
	ws, _, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		c.releaseLock(lock)
		c.setState(StateDisconnected)
		metrics.GatewayConnects.WithLabelValues("failed").Inc()
		return fmt.Errorf("gateway: dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l := &link{
		ws:        ws,
		resume:    canResume,
		lock:      lock,
		decoder:   NewFrameDecoder(),
		cancel:    cancel,
		ready:     make(chan struct{}),
		handshake: make(chan error, 1),
		done:      make(chan struct{}),
	}
	l.touch(c.now())

	c.mu.Lock()
	c.cur = l
	c.mu.Unlock()

	l.wg.Add(1)
	go c.readLoop(runCtx, l)

	timer := time.NewTimer(c.handshakeTimeout)
	defer timer.Stop()

	select {
	case <-l.ready:
		return nil
	case err := <-l.handshake:
		c.Close(true)
		metrics.GatewayConnects.WithLabelValues("failed").Inc()
		return err
	case <-l.done:
		return &CloseError{Code: CloseNormal, Reason: "closed during handshake"}
	case <-timer.C:
		c.Close(true)
		metrics.GatewayConnects.WithLabelValues("failed").Inc()
		return ErrHandshakeTimeout
	case <-ctx.Done():
		c.Close(true)
		return ctx.Err()
	}
}

// Close tears the current link down. A resume-style close aborts the socket
// and keeps the session for a later Resume; a full close sends a normal
// close frame and discards the session. Close is idempotent.
func (c *Conn) Close(resume bool) {
	c.mu.Lock()
	l := c.cur
	c.cur = nil
	c.state = StateDisconnected
	if !resume {
		c.session = Session{}
	}
	c.mu.Unlock()

	if l != nil {
		c.teardown(l, resume)
	}
}

// closeLink tears l down if it is still the current link.
func (c *Conn) closeLink(l *link, resume bool) {
	c.mu.Lock()
	if c.cur != l {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	c.teardown(l, resume)
}

func (c *Conn) teardown(l *link, resume bool) {
	l.cancel()
	_ = l.ws.SetReadDeadline(time.Now())

	joined := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(c.joinTimeout):
		c.log.Warn().Msg("gateway loops did not exit in time, aborting socket")
	}

	if !resume {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	_ = l.ws.Close()
	close(l.done)
	c.releaseLock(l.lock)
}

func (c *Conn) releaseLock(lock coord.Lock) {
	if lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		c.log.Warn().Err(err).Msg("release connect lock")
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) isCurrent(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur == l
}

// fail ends a link once. Before Running the reason goes back to Start;
// after, the link is torn down and the failure handler decides what next.
// Loops call fail and then return, so the teardown here never joins the
// goroutine that called it.
func (c *Conn) fail(l *link, code int, reason string) {
	if !l.claimFailure() || !c.isCurrent(l) {
		return
	}
	metrics.GatewayFailures.WithLabelValues(failureKind(code)).Inc()
	c.log.Warn().Int("code", code).Str("reason", reason).Bool("running", l.running.Load()).Msg("gateway connection failed")

	if !l.running.Load() {
		l.handshake <- &CloseError{Code: code, Reason: reason}
		return
	}

	c.mu.Lock()
	handler := c.onFailure
	c.mu.Unlock()
	go func() {
		c.closeLink(l, true)
		if handler != nil {
			handler(code, reason)
		}
	}()
}

// abandon drops a link without invoking the failure handler.
func (c *Conn) abandon(l *link) {
	if !l.claimFailure() {
		return
	}
	go c.closeLink(l, true)
}

func failureKind(code int) string {
	switch {
	case code >= CloseFatalMin:
		return "fatal"
	case code == CloseReconnect:
		return "resume"
	case code == CloseInvalidate:
		return "invalidated"
	}
	return "exception"
}

func (c *Conn) readLoop(ctx context.Context, l *link) {
	defer l.wg.Done()

	for {
		mt, data, err := l.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			code, reason := socketCloseCode(err)
			c.fail(l, code, reason)
			return
		}
		l.touch(c.now())

		msg, complete, err := l.decoder.Decode(mt, data)
		if err != nil {
			c.fail(l, CloseException, err.Error())
			return
		}
		if !complete {
			continue
		}

		var p payload
		if err := json.Unmarshal(msg, &p); err != nil {
			c.log.Warn().Err(err).Msg("malformed gateway payload")
			continue
		}
		c.handle(ctx, l, p)
	}
}

func socketCloseCode(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return CloseException, err.Error()
}

func (c *Conn) handle(ctx context.Context, l *link, p payload) {
	if p.S != nil {
		c.mu.Lock()
		c.session.Observe(*p.S)
		c.mu.Unlock()
	}

	switch p.Op {
	case OpHello:
		var h helloData
		if err := json.Unmarshal(p.D, &h); err != nil || h.HeartbeatInterval <= 0 {
			c.fail(l, CloseException, "malformed hello")
			return
		}
		if !l.heartbeat.CompareAndSwap(false, true) {
			c.log.Debug().Int64("interval_ms", h.HeartbeatInterval).Msg("repeated hello ignored")
			return
		}
		interval := time.Duration(h.HeartbeatInterval) * time.Millisecond
		c.mu.Lock()
		c.session.HeartbeatInterval = interval
		c.session.HeartbeatAcked = true
		c.mu.Unlock()

		l.wg.Add(1)
		go c.heartbeatLoop(ctx, l, interval)

		if err := c.sendHandshake(l); err != nil {
			c.fail(l, CloseException, "send handshake: "+err.Error())
		}

	case OpHeartbeatAck:
		c.handleAck(l)

	case OpHeartbeat:
		if err := c.sendHeartbeat(l); err != nil {
			c.fail(l, CloseReconnect, "send heartbeat: "+err.Error())
		}

	case OpReconnect:
		c.fail(l, CloseReconnect, "server requested reconnect")

	case OpInvalidSession:
		c.ResetSession()
		c.fail(l, CloseInvalidate, "session invalidated")

	case OpDispatch:
		c.dispatch(l, p)
	}
}

func (c *Conn) sendHandshake(l *link) error {
	if l.resume {
		c.mu.Lock()
		c.state = StateResuming
		d := resumeData{Token: c.token, SessionID: c.session.ID, Seq: c.session.Sequence}
		c.mu.Unlock()
		c.log.Info().Str("session", d.SessionID).Int64("seq", d.Seq).Msg("resuming gateway session")
		return l.write(outbound{Op: OpResume, D: d})
	}
	c.setState(StateIdentifying)
	c.log.Info().Msg("identifying")
	return l.write(outbound{Op: OpIdentify, D: buildIdentify(c.token, c.userAgent)})
}

func (c *Conn) dispatch(l *link, p payload) {
	switch p.T {
	case EventReady:
		var r readyData
		if err := json.Unmarshal(p.D, &r); err != nil {
			c.fail(l, CloseException, "malformed READY")
			return
		}
		c.mu.Lock()
		c.session.ID = r.SessionID
		c.session.ResumeURL = r.ResumeGatewayURL
		c.mu.Unlock()
		c.markRunning(l, "identify")

	case EventResumed:
		c.markRunning(l, "resume")

	default:
		if c.sink == nil {
			return
		}
		var seq int64
		if p.S != nil {
			seq = *p.S
		}
		c.sink.Enqueue(Event{Type: p.T, Seq: seq, Data: p.D})
	}
}

// markRunning moves the link to Running and runs the hooks, once per link.
func (c *Conn) markRunning(l *link, via string) {
	c.mu.Lock()
	if c.cur != l {
		c.mu.Unlock()
		return
	}
	c.state = StateRunning
	hooks := append([]func(){}, c.onRunning...)
	c.mu.Unlock()

	if !l.running.CompareAndSwap(false, true) {
		return
	}
	metrics.GatewayConnects.WithLabelValues(via).Inc()
	c.log.Info().Str("via", via).Msg("gateway running")
	for _, h := range hooks {
		h()
	}
	close(l.ready)
}
