// Package dispatch routes decoded gateway dispatches to their handlers. Each
// account owns one Router whose single worker drains an unbounded FIFO in
// arrival order, finishing one handler before starting the next.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/coord"
	"github.com/zulandar/mjgate/internal/gateway"
	"github.com/zulandar/mjgate/internal/metrics"
)

const defaultDedupTTL = 10 * time.Minute

// HandlerFunc processes one dispatch event.
type HandlerFunc func(ctx context.Context, ev gateway.Event) error

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	AccountID string
	Coord     coord.Coordinator // optional; nil disables cross-process de-duplication
	DedupTTL  time.Duration
	Logger    zerolog.Logger
}

// Router is a gateway.Dispatcher backed by an ordered queue.
type Router struct {
	accountID string
	coord     coord.Coordinator
	dedupTTL  time.Duration
	log       zerolog.Logger

	handlers map[string][]HandlerFunc

	mu      sync.Mutex
	queue   []gateway.Event
	closed  bool
	wakeup  chan struct{}
	pending sync.WaitGroup
}

// NewRouter creates a Router. Register handlers with Handle before Run.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.AccountID == "" {
		return nil, fmt.Errorf("dispatch: account id is required")
	}
	ttl := opts.DedupTTL
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &Router{
		accountID: opts.AccountID,
		coord:     opts.Coord,
		dedupTTL:  ttl,
		log:       opts.Logger,
		handlers:  make(map[string][]HandlerFunc),
		wakeup:    make(chan struct{}, 1),
	}, nil
}

// Handle registers fn for eventType. Handlers for the same type run in
// registration order.
func (r *Router) Handle(eventType string, fn HandlerFunc) {
	r.handlers[eventType] = append(r.handlers[eventType], fn)
}

// Enqueue appends ev to the queue. It never blocks. Events without a
// registered handler are counted and dropped.
func (r *Router) Enqueue(ev gateway.Event) {
	metrics.DispatchEvents.WithLabelValues(ev.Type).Inc()
	if len(r.handlers[ev.Type]) == 0 {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, ev)
	r.pending.Add(1)
	r.mu.Unlock()

	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

// Len returns the number of queued events.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Drain blocks until every event enqueued so far has been handled or ctx
// is done.
func (r *Router) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the queue worker. It returns when ctx is cancelled; events still
// queued at that point are discarded.
func (r *Router) Run(ctx context.Context) error {
	defer r.discard()
	for {
		ev, ok := r.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-r.wakeup:
			}
			continue
		}
		r.process(ctx, ev)
		r.pending.Done()
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *Router) pop() (gateway.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return gateway.Event{}, false
	}
	ev := r.queue[0]
	r.queue[0] = gateway.Event{}
	r.queue = r.queue[1:]
	return ev, true
}

func (r *Router) discard() {
	r.mu.Lock()
	n := len(r.queue)
	r.queue = nil
	r.closed = true
	r.mu.Unlock()
	for i := 0; i < n; i++ {
		r.pending.Done()
	}
}

// process runs every handler for ev. Handler errors and panics are logged
// and never reach the worker loop.
func (r *Router) process(ctx context.Context, ev gateway.Event) {
	if !r.firstSighting(ctx, ev) {
		r.log.Debug().Str("type", ev.Type).Msg("duplicate event skipped")
		return
	}
	for _, fn := range r.handlers[ev.Type] {
		r.invoke(ctx, fn, ev)
	}
}

func (r *Router) invoke(ctx context.Context, fn HandlerFunc, ev gateway.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("type", ev.Type).Int64("seq", ev.Seq).
				Interface("panic", p).Msg("dispatch handler panicked")
		}
	}()
	if err := fn(ctx, ev); err != nil {
		r.log.Error().Err(err).Str("type", ev.Type).Int64("seq", ev.Seq).Msg("dispatch handler failed")
	}
}

// firstSighting claims ev for this account in the cross-process de-dup
// store. Events carry no stable id of their own, so the key combines the
// account, the type, the object id and a hash of the payload: successive
// updates of one message stay distinct, two processes serving the same
// account handle an update once, and every account still sees it.
func (r *Router) firstSighting(ctx context.Context, ev gateway.Event) bool {
	if r.coord == nil {
		return true
	}
	key := EventKey(r.accountID, ev)
	if key == "" {
		return true
	}
	first, err := r.coord.Dedup(ctx, key, r.dedupTTL)
	if err != nil {
		r.log.Warn().Err(err).Str("type", ev.Type).Msg("event de-dup unavailable, processing anyway")
		return true
	}
	return first
}

// EventKey returns the de-duplication key for ev as received by accountID,
// or "" when the payload has no object id.
func EventKey(accountID string, ev gateway.Event) string {
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ev.Data, &obj); err != nil || obj.ID == "" {
		return ""
	}
	return accountID + ":" + ev.Type + ":" + obj.ID + ":" + strconv.FormatUint(xxhash.Sum64(ev.Data), 16)
}
