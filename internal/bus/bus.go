// oreon/defense · watchthelight <wtl>

// Package bus routes named events from filters to triggers and delivers
// events scheduled for a future time.
//
// A Bus is built once, receives its subscriptions during start-up and is
// then driven exclusively from the daemon's writer goroutine. It does no
// locking of its own.
package bus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/oreonproject/logban/internal/metrics"
	"github.com/oreonproject/logban/internal/store"
)

// Event is a named occurrence carrying string fields and evidence lines.
// Subscribers must treat Fields and Lines as read-only.
type Event struct {
	Name   string            `json:"name"`
	Time   time.Time         `json:"time"`
	Fields map[string]string `json:"fields,omitempty"`
	Lines  []store.Line      `json:"lines,omitempty"`
}

// Field returns the named field and whether it was present.
func (e Event) Field(name string) (string, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// Handler consumes an event. A returned error is logged by the bus and
// does not stop delivery to other handlers.
type Handler func(ctx context.Context, ev Event) error

// Bus is the publish/subscribe router.
type Bus struct {
	store    *store.Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	handlers map[string][]Handler
	// silent records names that were published with no subscriber.
	silent    map[string]bool
	observers []func(Event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithMetrics records deliveries and handler failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// WithClock overrides time.Now for the scheduler.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// New creates a Bus persisting scheduled events in st.
func New(st *store.Store, opts ...Option) *Bus {
	b := &Bus{
		store:    st,
		logger:   slog.Default(),
		now:      time.Now,
		handlers: make(map[string][]Handler),
		silent:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bus")
	return b
}

// Subscribe appends h to the handlers of event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.handlers[name] = append(b.handlers[name], h)
}

// Subscribed reports whether name has at least one handler.
func (b *Bus) Subscribed(name string) bool {
	return len(b.handlers[name]) > 0
}

// Events returns the subscribed event names, sorted.
func (b *Bus) Events() []string {
	return slices.Sorted(maps.Keys(b.handlers))
}

// Observe registers a passive tap that sees every published event after
// its handlers ran. Observers do not count as subscribers.
func (b *Bus) Observe(fn func(Event)) {
	b.observers = append(b.observers, fn)
}

// Publish delivers ev synchronously to every handler of ev.Name in
// subscription order.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	handlers := b.handlers[ev.Name]
	if len(handlers) == 0 && !b.silent[ev.Name] {
		b.silent[ev.Name] = true
		b.logger.Warn("published event has no subscribers, this warning will not be repeated",
			"event", ev.Name)
	}

	b.logger.Debug("event", "event", ev.Name, "fields", ev.Fields)
	b.metrics.EventPublished(ev.Name)

	for i, h := range handlers {
		b.deliver(ctx, i, h, ev)
	}
	for _, fn := range b.observers {
		fn(ev)
	}
}

func (b *Bus) deliver(ctx context.Context, index int, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.HandlerError(ev.Name)
			b.logger.Error("event handler panicked", "event", ev.Name, "handler", index, "panic", r)
		}
	}()

	if err := h(ctx, ev); err != nil {
		b.metrics.HandlerError(ev.Name)
		b.logger.Error("event handler failed", "event", ev.Name, "handler", index, "error", err)
	}
}

// PublishAt persists ev for delivery at fireAt instead of delivering it.
func (b *Bus) PublishAt(ctx context.Context, ev Event, fireAt time.Time) error {
	return b.store.Update(ctx, func(tx *store.Tx) error {
		return ScheduleTx(tx, ev, fireAt)
	})
}

// ScheduleTx persists ev for delivery at fireAt inside an existing
// transaction. Scheduling an event with the same name and fields again
// replaces the earlier fire time.
func ScheduleTx(tx *store.Tx, ev Event, fireAt time.Time) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal scheduled event %s: %w", ev.Name, err)
	}
	return tx.ScheduleEvent(store.ScheduledEvent{
		Event:       ev.Name,
		PayloadHash: PayloadHash(ev.Fields),
		FireTime:    fireAt,
		Payload:     payload,
	})
}

// CancelTx drops the pending scheduled event with this name and fields.
func CancelTx(tx *store.Tx, name string, fields map[string]string) error {
	return tx.CancelScheduledEvent(name, PayloadHash(fields))
}

// PayloadHash identifies a scheduled event's fields. encoding/json sorts
// map keys, so equal maps hash equally.
func PayloadHash(fields map[string]string) string {
	if fields == nil {
		fields = map[string]string{}
	}
	data, _ := json.Marshal(fields) // map[string]string always marshals
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Tick delivers every scheduled event that is due, oldest first. Each
// entry is removed only after its delivery, so a crash mid-tick repeats
// rather than skips timers. It returns the number delivered.
func (b *Bus) Tick(ctx context.Context) (int, error) {
	now := b.now()

	var due []store.ScheduledEvent
	err := b.store.View(ctx, func(tx *store.Tx) error {
		var err error
		due, err = tx.DueEvents(now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("load due events: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	b.logger.Debug("tick", "due", len(due))

	fired := 0
	for _, sched := range due {
		if err := ctx.Err(); err != nil {
			return fired, err
		}

		var ev Event
		if err := json.Unmarshal(sched.Payload, &ev); err != nil {
			b.logger.Error("dropping undecodable scheduled event", "event", sched.Event, "error", err)
		} else {
			ev.Name = sched.Event
			ev.Time = sched.FireTime
			b.Publish(ctx, ev)
			b.metrics.ScheduledFired()
			fired++
		}

		err := b.store.Update(ctx, func(tx *store.Tx) error {
			_, err := tx.DeleteScheduledEvent(sched)
			return err
		})
		if err != nil {
			return fired, fmt.Errorf("delete scheduled event %s: %w", sched.Event, err)
		}
	}
	return fired, nil
}

// Pending returns every scheduled event still waiting, oldest first.
func (b *Bus) Pending(ctx context.Context) ([]store.ScheduledEvent, error) {
	var pending []store.ScheduledEvent
	err := b.store.View(ctx, func(tx *store.Tx) error {
		var err error
		pending, err = tx.ScheduledEvents()
		return err
	})
	return pending, err
}
