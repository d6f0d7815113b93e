// oreon/defense · watchthelight <wtl>

package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/oreonproject/logban/internal/bus"
	"github.com/oreonproject/logban/internal/store"
	"github.com/oreonproject/logban/pkg/config"
	"github.com/oreonproject/logban/pkg/events"
)

// GroupCounter counts trigger events per group within a sliding window
// and publishes its result event when the count reaches the threshold.
type GroupCounter struct {
	id          string
	groupOn     []string
	resultEvent string
	count       int
	timeout     time.Duration
	deps        Deps
	logger      *slog.Logger
}

func newGroupCounter(id string, cfg config.TriggerConfig, deps Deps) (Trigger, error) {
	g := &GroupCounter{
		id:          id,
		groupOn:     slices.Clone(cfg.GroupOn),
		resultEvent: cfg.ResultEvent,
		count:       cfg.Count,
		timeout:     cfg.TimeoutDuration(),
		deps:        deps,
		logger:      deps.Logger.With("component", "trigger", "trigger", id),
	}
	for _, name := range cfg.TriggerEvents {
		deps.Bus.Subscribe(name, g.Trigger)
	}
	for _, name := range cfg.ResetEvents {
		deps.Bus.Subscribe(name, g.Reset)
	}
	return g, nil
}

func (g *GroupCounter) ID() string   { return g.id }
func (g *GroupCounter) Type() string { return config.TypeGroupCounter }

// Start is a no-op; counter state needs no re-assertion.
func (g *GroupCounter) Start(ctx context.Context) error { return nil }

// group returns the configured grouping fields of ev and their scope.
func (g *GroupCounter) group(ev bus.Event) (map[string]string, string, error) {
	fields := make(map[string]string, len(g.groupOn))
	for _, name := range g.groupOn {
		v, ok := ev.Field(name)
		if !ok {
			return nil, "", fmt.Errorf("event %s has no field %q to group on", ev.Name, name)
		}
		fields[name] = v
	}
	scope, err := Scope(g.id, fields)
	return fields, scope, err
}

// Trigger records one occurrence and fires when the window holds count
// occurrences. Expired occurrences are evicted before the comparison.
func (g *GroupCounter) Trigger(ctx context.Context, ev bus.Event) error {
	fields, scope, err := g.group(ev)
	if err != nil {
		return err
	}

	var result *bus.Event
	err = g.deps.Store.Update(ctx, func(tx *store.Tx) error {
		result = nil

		st, err := tx.TriggerState(g.id, scope)
		if errors.Is(err, store.ErrNotFound) {
			st = &store.TriggerState{
				TriggerID: g.id,
				Scope:     scope,
				Fields:    fields,
				FirstTime: ev.Time,
				LastTime:  ev.Time,
			}
		} else if err != nil {
			return err
		}

		occ := store.Occurrence{Time: ev.Time, Lines: ev.Lines}
		at := slices.IndexFunc(st.Occurrences, func(o store.Occurrence) bool {
			return o.Time.After(ev.Time)
		})
		if at < 0 {
			st.Occurrences = append(st.Occurrences, occ)
		} else {
			st.Occurrences = slices.Insert(st.Occurrences, at, occ)
		}
		st.LastTime = maxTime(st.LastTime, ev.Time)

		cutoff := st.LastTime.Add(-g.timeout)
		st.Occurrences = slices.DeleteFunc(st.Occurrences, func(o store.Occurrence) bool {
			return o.Time.Before(cutoff)
		})
		st.Count = len(st.Occurrences)

		if st.Count >= g.count {
			if _, err := tx.DeleteTriggerState(g.id, scope); err != nil {
				return err
			}
			result = &bus.Event{
				Name:   g.resultEvent,
				Time:   ev.Time,
				Fields: maps.Clone(fields),
				Lines:  st.AllLines(),
			}
			return nil
		}

		if st.Count > 0 {
			st.FirstTime = st.Occurrences[0].Time
		}
		return tx.PutTriggerState(st)
	})
	if err != nil {
		return fmt.Errorf("group counter %s scope %s: %w", g.id, scope, err)
	}

	if result != nil {
		g.logger.Info("threshold reached", "scope", scope, "event", g.resultEvent, "count", g.count)
		g.deps.Metrics.TriggerFired(g.id)
		g.deps.Emitter.Emit(events.StartTriggerFired(g.id, g.resultEvent).
			Scope(scope).
			Evidence(len(result.Lines)).
			End())
		g.deps.Bus.Publish(ctx, *result)
	}
	return nil
}

// Reset forgets the occurrences of the event's group.
func (g *GroupCounter) Reset(ctx context.Context, ev bus.Event) error {
	_, scope, err := g.group(ev)
	if err != nil {
		return err
	}
	var deleted bool
	err = g.deps.Store.Update(ctx, func(tx *store.Tx) error {
		var err error
		deleted, err = tx.DeleteTriggerState(g.id, scope)
		return err
	})
	if err != nil {
		return fmt.Errorf("group counter %s reset %s: %w", g.id, scope, err)
	}
	if deleted {
		g.logger.Debug("counter reset", "scope", scope, "event", ev.Name)
	}
	return nil
}
