// ABOUTME: Event capture pipeline: enriches, persists and queues events for delivery
// ABOUTME: Flushes to an optional sink while online, re-queueing failed batches in order

package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/segmentio/ksuid"

	"github.com/2389/abkit/internal/kv"
	"github.com/2389/abkit/internal/visitor"
)

// EventsKey is the store key of the bounded event log
const EventsKey = "analytics_events"

// Defaults for the persisted event log
const (
	DefaultEventLimit  = 1000
	DefaultEventExpiry = 7 * 24 * time.Hour
)

// Sink receives batches of events. Implementations live in package sink.
type Sink interface {
	Deliver(ctx context.Context, events []Event) error
}

// PageContext describes the page events are captured on.
type PageContext struct {
	URL      string
	Referrer string
	Viewport Viewport
}

// scrollMilestones are the scroll depths reported once per page view
var scrollMilestones = []int{25, 50, 75, 90}

// Tracker captures events for one visitor lifetime.
type Tracker struct {
	mu       sync.Mutex // guards queue, online and page state
	flushMu  sync.Mutex // serializes deliveries
	identity visitor.Identity
	log      *kv.Log[Event]
	sink     Sink
	online   bool
	queue    []Event

	draining atomic.Bool    // a background delivery goroutine is running
	dirty    atomic.Bool    // events were queued since the drainer last looked
	inflight sync.WaitGroup // background deliveries

	page      PageContext
	pageLoad  time.Time
	fired     map[int]bool
	maxScroll int

	limit      int
	expiry     time.Duration
	attempts   uint
	retryDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithSink sets the outbound sink. Without one, flushed batches are discarded.
func WithSink(s Sink) TrackerOption {
	return func(t *Tracker) { t.sink = s }
}

// WithOnline sets the initial connectivity state (default online)
func WithOnline(online bool) TrackerOption {
	return func(t *Tracker) { t.online = online }
}

// WithDelivery sets how many attempts a flush makes before re-queueing, and the delay between them
func WithDelivery(attempts uint, delay time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.attempts = attempts
		t.retryDelay = delay
	}
}

// WithEventLog overrides the event log cap and envelope expiry
func WithEventLog(limit int, expiry time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.limit = limit
		t.expiry = expiry
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a Tracker persisting to store on behalf of identity.
func NewTracker(store *kv.Store, identity visitor.Identity, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		identity:   identity,
		online:     true,
		fired:      make(map[int]bool),
		limit:      DefaultEventLimit,
		expiry:     DefaultEventExpiry,
		attempts:   3,
		retryDelay: 250 * time.Millisecond,
		now:        time.Now,
		logger:     slog.Default().With("component", "tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.attempts == 0 {
		t.attempts = 1
	}

	t.pageLoad = t.now()
	t.log = kv.NewLog[Event](store, EventsKey, t.limit, kv.WithExpiry(t.expiry))
	return t
}

// Identity returns the visitor identity events are stamped with.
func (t *Tracker) Identity() visitor.Identity {
	return t.identity
}

// Track records an event and, when online, starts delivering the queue in
// the background. It never blocks on the sink and never fails from the
// caller's point of view.
func (t *Tracker) Track(ctx context.Context, name string, props Properties) {
	t.Emit(ctx, name, props)
}

// Emit is Track returning the recorded event. ok is false if the event could
// not be built.
func (t *Tracker) Emit(ctx context.Context, name string, props Properties) (Event, bool) {
	return t.emit(ctx, nil, name, props)
}

// TrackOn sets the page context and records an event on it in one step, so
// concurrent callers cannot interleave page and event.
func (t *Tracker) TrackOn(ctx context.Context, page PageContext, name string, props Properties) {
	t.emit(ctx, &page, name, props)
}

func (t *Tracker) emit(ctx context.Context, page *PageContext, name string, props Properties) (Event, bool) {
	evt, online, ok := t.record(ctx, page, name, props)
	if online {
		t.scheduleFlush(ctx)
	}
	return evt, ok
}

// scheduleFlush delivers the queue on a background goroutine. At most one
// runs per tracker; triggers that arrive while it is delivering make it go
// around again instead of starting another.
func (t *Tracker) scheduleFlush(ctx context.Context) {
	t.dirty.Store(true)
	if !t.draining.CompareAndSwap(false, true) {
		return
	}
	t.inflight.Add(1)
	go t.drain(context.WithoutCancel(ctx))
}

func (t *Tracker) drain(ctx context.Context) {
	defer t.inflight.Done()
	for {
		for t.dirty.Swap(false) {
			t.Flush(ctx)
		}
		t.draining.Store(false)
		// A trigger may have set dirty after the last swap but lost the
		// CompareAndSwap to us; pick it up rather than strand it.
		if !t.dirty.Load() || !t.draining.CompareAndSwap(false, true) {
			return
		}
	}
}

// Wait blocks until background deliveries started by Track have finished.
func (t *Tracker) Wait() {
	t.inflight.Wait()
}

// record persists and queues one event and reports whether the tracker is online.
// A non-nil page replaces the page context first.
func (t *Tracker) record(ctx context.Context, page *PageContext, name string, props Properties) (evt Event, online, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("tracking panicked", "event", name, "panic", r)
			evt, online, ok = Event{}, false, false
		}
	}()

	evt = t.enrich(page, name, props)

	if !t.log.Append(ctx, evt) {
		t.logger.Debug("event not persisted", "event", name)
	}

	t.mu.Lock()
	t.queue = append(t.queue, evt)
	online = t.online
	t.mu.Unlock()

	t.logger.Debug("tracked event", "event", name, "id", evt.ID)
	return evt, online, true
}

// Flush delivers every queued event to the sink. On failure the batch is put
// back at the front of the queue, ahead of events tracked meanwhile.
func (t *Tracker) Flush(ctx context.Context) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if t.sink == nil {
		t.logger.Debug("no sink configured, dropping delivered batch", "events", len(batch))
		return
	}

	err := retry.Do(
		func() error { return t.deliver(ctx, batch) },
		retry.Context(ctx),
		retry.Attempts(t.attempts),
		retry.Delay(t.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			t.logger.Debug("sink delivery retry", "attempt", attempt+1, "error", err)
		}),
	)
	if err != nil {
		t.mu.Lock()
		t.queue = append(batch, t.queue...)
		pending := len(t.queue)
		t.mu.Unlock()

		t.logger.Warn("sink delivery failed, batch re-queued",
			"events", len(batch),
			"pending", pending,
			"error", err,
		)
		return
	}

	t.logger.Debug("delivered batch", "events", len(batch))
}

// deliver hands one batch to the sink, converting panics into errors.
func (t *Tracker) deliver(ctx context.Context, batch []Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return t.sink.Deliver(ctx, batch)
}

// enrich builds an event stamped with identity, time and page context.
func (t *Tracker) enrich(page *PageContext, name string, props Properties) Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if page != nil {
		t.page = *page
	}
	return Event{
		ID:         ksuid.New().String(),
		Name:       name,
		Properties: props.Clone(),
		Timestamp:  t.now().UTC(),
		SessionID:  t.identity.SessionID,
		UserID:     t.identity.UserID,
		PageURL:    t.page.URL,
		Referrer:   t.page.Referrer,
		Device:     ClassifyDevice(t.page.Viewport.Width),
		Viewport:   t.page.Viewport,
	}
}

// SetOnline updates connectivity. Regaining connectivity triggers a flush.
func (t *Tracker) SetOnline(ctx context.Context, online bool) {
	t.mu.Lock()
	was := t.online
	t.online = online
	t.mu.Unlock()

	if online && !was {
		t.Flush(ctx)
	}
}

// Online reports the current connectivity state.
func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// Pending returns the number of events waiting for delivery.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Events returns the persisted event log, oldest first.
func (t *Tracker) Events(ctx context.Context) []Event {
	return t.log.Entries(ctx)
}

// StartPageView sets the page context, resets per-page instrumentation and
// records a page_view event.
func (t *Tracker) StartPageView(ctx context.Context, page PageContext, props Properties) {
	t.mu.Lock()
	t.page = page
	t.pageLoad = t.now()
	t.fired = make(map[int]bool)
	t.maxScroll = 0
	t.mu.Unlock()

	t.Track(ctx, EventPageView, props)
}

// SetPage updates the page context without starting a new page view.
func (t *Tracker) SetPage(page PageContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.page = page
}

// RecordScroll reports the current scroll depth in percent. Each milestone
// (25, 50, 75, 90) is tracked at most once per page view.
func (t *Tracker) RecordScroll(ctx context.Context, percent int) {
	percent = max(0, min(percent, 100))

	t.mu.Lock()
	if percent > t.maxScroll {
		t.maxScroll = percent
	}
	var reached []int
	for _, m := range scrollMilestones {
		if percent >= m && !t.fired[m] {
			t.fired[m] = true
			reached = append(reached, m)
		}
	}
	t.mu.Unlock()

	for _, m := range reached {
		t.Track(ctx, EventScrollDepth, Properties{PropDepth: m})
	}
}

// MaxScroll returns the deepest scroll observed on the current page view.
func (t *Tracker) MaxScroll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxScroll
}

// PageHide records time on page tagged with the maximum scroll depth, then
// makes a best-effort flush before returning.
func (t *Tracker) PageHide(ctx context.Context) {
	t.mu.Lock()
	elapsed := t.now().Sub(t.pageLoad)
	maxScroll := t.maxScroll
	t.mu.Unlock()

	_, online, _ := t.record(ctx, nil, EventTimeOnPage, Properties{
		PropTimeOnPage:     elapsed.Milliseconds(),
		PropMaxScrollDepth: maxScroll,
	})
	if online {
		t.Flush(ctx)
	}
}

// Clear drops the persisted event log and anything still queued.
func (t *Tracker) Clear(ctx context.Context) {
	t.mu.Lock()
	t.queue = nil
	t.mu.Unlock()
	t.log.Clear(ctx)
}
