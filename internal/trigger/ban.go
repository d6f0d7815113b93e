// oreon/defense · watchthelight <wtl>

package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"strconv"
	"time"

	"github.com/oreonproject/logban/internal/action"
	"github.com/oreonproject/logban/internal/bus"
	"github.com/oreonproject/logban/internal/store"
	"github.com/oreonproject/logban/pkg/config"
	"github.com/oreonproject/logban/pkg/events"
)

// ErrNotBanned is returned by a manual unban of an offender on probation.
var ErrNotBanned = errors.New("offender is not banned")

// Fields carried by derived ban events besides the offender field.
const (
	FieldCount      = "count"
	FieldBanSeconds = "ban_seconds"
)

// timerField names the offender in the trigger's own timer events.
const timerField = "addr"

// maxBan bounds escalated ban durations.
const maxBan = 100 * 365 * 24 * time.Hour

// maxOccurrences bounds the evidence kept for one offender.
const maxOccurrences = 100

// Unbanner is implemented by triggers that support a manual unban.
type Unbanner interface {
	Unban(ctx context.Context, addr netip.Addr) error
}

// Ban tracks offenders through UNTRACKED -> BANNED -> PROBATION ->
// UNTRACKED. An offense on probation bans again with an escalated
// duration of ban_time * repeat_scale^(count-1).
type Ban struct {
	id          string
	ipField     string
	banTime     time.Duration
	probation   time.Duration
	repeatScale float64
	deps        Deps
	logger      *slog.Logger
}

func newBan(id string, cfg config.TriggerConfig, deps Deps) (Trigger, error) {
	if deps.Banner == nil {
		return nil, fmt.Errorf("trigger %s: no action backend", id)
	}
	b := &Ban{
		id:          id,
		ipField:     cfg.IPField,
		banTime:     cfg.BanDuration(),
		probation:   cfg.ProbationDuration(),
		repeatScale: cfg.RepeatScale,
		deps:        deps,
		logger:      deps.Logger.With("component", "trigger", "trigger", id),
	}
	for _, name := range cfg.TriggerEvents {
		deps.Bus.Subscribe(name, b.Trigger)
	}
	deps.Bus.Subscribe(b.timerEvent(), b.Timer)
	return b, nil
}

func (b *Ban) ID() string   { return b.id }
func (b *Ban) Type() string { return config.TypeIPBan }

// Derived event names.
func (b *Ban) BannedEvent() string   { return b.id + ".banned" }
func (b *Ban) UnbannedEvent() string { return b.id + ".unbanned" }
func (b *Ban) ClearedEvent() string  { return b.id + ".cleared" }

func (b *Ban) timerEvent() string { return b.id + ".timer" }

// Duration returns the ban length of an offender's count-th offense.
func (b *Ban) Duration(count int) time.Duration {
	if count < 1 {
		count = 1
	}
	d := float64(b.banTime) * math.Pow(b.repeatScale, float64(count-1))
	if d > float64(maxBan) || math.IsInf(d, 0) || math.IsNaN(d) {
		return maxBan
	}
	return time.Duration(d)
}

func (b *Ban) scope(addr netip.Addr) (string, error) {
	return Scope(b.id, addr.String())
}

func (b *Ban) scheduleTimer(tx *store.Tx, addr netip.Addr, at time.Time) error {
	return bus.ScheduleTx(tx, bus.Event{
		Name:   b.timerEvent(),
		Fields: map[string]string{timerField: addr.String()},
	}, at)
}

// outcome is the post-commit work of one transition.
type outcome int

const (
	outcomeNone outcome = iota
	outcomeBan
	outcomeUnban
	outcomeClear
)

// Trigger handles an offense by the address in the event's ip field.
func (b *Ban) Trigger(ctx context.Context, ev bus.Event) error {
	raw, ok := ev.Field(b.ipField)
	if !ok {
		return fmt.Errorf("event %s has no field %q", ev.Name, b.ipField)
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return fmt.Errorf("event %s: invalid offender %q: %w", ev.Name, raw, err)
	}
	addr = addr.Unmap()
	scope, err := b.scope(addr)
	if err != nil {
		return err
	}

	now := b.deps.Now()
	var (
		result outcome
		count  int
		until  time.Time
	)
	err = b.deps.Store.Update(ctx, func(tx *store.Tx) error {
		result = outcomeNone

		st, err := tx.TriggerState(b.id, scope)
		if errors.Is(err, store.ErrNotFound) {
			st = &store.TriggerState{
				TriggerID: b.id,
				Scope:     scope,
				Fields:    map[string]string{b.ipField: addr.String()},
				FirstTime: ev.Time,
				LastTime:  ev.Time,
			}
		} else if err != nil {
			return err
		}

		st.Count++
		st.LastTime = maxTime(st.LastTime, ev.Time)
		st.Occurrences = append(st.Occurrences, store.Occurrence{Time: ev.Time, Lines: ev.Lines})
		if n := len(st.Occurrences); n > maxOccurrences {
			st.Occurrences = st.Occurrences[n-maxOccurrences:]
		}
		count = st.Count

		if st.Status != store.StatusBanned {
			st.Status = store.StatusBanned
			st.Until = now.Add(b.Duration(st.Count))
			if err := b.scheduleTimer(tx, addr, st.Until); err != nil {
				return err
			}
			result = outcomeBan
		}
		until = st.Until
		return tx.PutTriggerState(st)
	})
	if err != nil {
		return fmt.Errorf("ip ban %s offender %s: %w", b.id, addr, err)
	}

	if result == outcomeBan {
		b.logger.Info("banning offender", "offender", addr.String(), "count", count, "until", until)
		b.apply(ctx, outcomeBan, addr, count, until.Sub(now))
		b.publish(ctx, b.BannedEvent(), addr, count, until.Sub(now), ev.Lines)
	} else {
		b.logger.Debug("offense while banned", "offender", addr.String(), "count", count)
	}
	return nil
}

// Timer handles the scheduled transition of one offender.
func (b *Ban) Timer(ctx context.Context, ev bus.Event) error {
	raw, ok := ev.Field(timerField)
	if !ok {
		return fmt.Errorf("timer event %s has no field %q", ev.Name, timerField)
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return fmt.Errorf("timer event %s: invalid offender %q: %w", ev.Name, raw, err)
	}
	scope, err := b.scope(addr)
	if err != nil {
		return err
	}

	now := b.deps.Now()
	var (
		result outcome
		count  int
	)
	err = b.deps.Store.Update(ctx, func(tx *store.Tx) error {
		result = outcomeNone

		st, err := tx.TriggerState(b.id, scope)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		if ev.Time.Before(st.Until) {
			return nil
		}
		count = st.Count

		switch st.Status {
		case store.StatusBanned:
			result = outcomeUnban
			return b.toProbation(tx, st, addr, now)
		case store.StatusProbation:
			result = outcomeClear
			_, err := tx.DeleteTriggerState(b.id, scope)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ip ban %s timer for %s: %w", b.id, addr, err)
	}

	switch result {
	case outcomeUnban:
		b.logger.Info("ban expired, offender on probation", "offender", addr.String(), "count", count)
		b.apply(ctx, outcomeUnban, addr, count, 0)
		b.publish(ctx, b.UnbannedEvent(), addr, count, 0, nil)
	case outcomeClear:
		b.logger.Info("probation over, offender cleared", "offender", addr.String(), "count", count)
		b.deps.Emitter.Emit(events.StartBanCleared(b.id, addr.String()).Episode(count).End())
		b.publish(ctx, b.ClearedEvent(), addr, count, 0, nil)
	default:
		b.logger.Debug("ignoring stale timer", "offender", addr.String(), "fire_time", ev.Time)
	}
	return nil
}

func (b *Ban) toProbation(tx *store.Tx, st *store.TriggerState, addr netip.Addr, now time.Time) error {
	st.Status = store.StatusProbation
	st.Until = now.Add(b.probation)
	if err := b.scheduleTimer(tx, addr, st.Until); err != nil {
		return err
	}
	return tx.PutTriggerState(st)
}

// Unban lifts a ban immediately and starts probation.
func (b *Ban) Unban(ctx context.Context, addr netip.Addr) error {
	addr = addr.Unmap()
	scope, err := b.scope(addr)
	if err != nil {
		return err
	}

	now := b.deps.Now()
	var count int
	err = b.deps.Store.Update(ctx, func(tx *store.Tx) error {
		st, err := tx.TriggerState(b.id, scope)
		if err != nil {
			return err
		}
		if st.Status != store.StatusBanned {
			return ErrNotBanned
		}
		count = st.Count
		return b.toProbation(tx, st, addr, now)
	})
	if err != nil {
		return fmt.Errorf("unban %s in %s: %w", addr, b.id, err)
	}

	b.logger.Info("manual unban, offender on probation", "offender", addr.String(), "count", count)
	b.apply(ctx, outcomeUnban, addr, count, 0)
	b.publish(ctx, b.UnbannedEvent(), addr, count, 0, nil)
	return nil
}

// Start re-applies the ban of every offender persisted as banned, so the
// firewall matches the store after a restart or a flushed ruleset.
func (b *Ban) Start(ctx context.Context) error {
	var banned []*store.TriggerState
	err := b.deps.Store.View(ctx, func(tx *store.Tx) error {
		var err error
		banned, err = tx.TriggerStates(b.id, store.StatusBanned)
		return err
	})
	if err != nil {
		return fmt.Errorf("ip ban %s: load bans: %w", b.id, err)
	}

	for _, st := range banned {
		raw, err := scopeValue(st.Scope)
		if err != nil {
			b.logger.Error("skipping unreadable ban", "scope", st.Scope, "error", err)
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			b.logger.Error("skipping unreadable ban", "scope", st.Scope, "error", err)
			continue
		}
		b.apply(ctx, outcomeBan, addr, st.Count, st.Until.Sub(b.deps.Now()))
	}
	if len(banned) > 0 {
		b.logger.Info("re-asserted bans", "count", len(banned))
	}
	return nil
}

// apply runs the firewall action after commit. Failures are logged and
// counted; the committed state stands.
func (b *Ban) apply(ctx context.Context, op outcome, addr netip.Addr, count int, d time.Duration) {
	banner := b.deps.Banner
	var (
		evt  *events.BanBuilder
		err  error
		name string
	)
	switch op {
	case outcomeBan:
		name = "ban"
		evt = events.StartBan(b.id, addr.String()).BanSeconds(int64(d.Seconds()))
		err = banner.Ban(ctx, addr)
		b.deps.Metrics.Ban(b.id)
	case outcomeUnban:
		name = "unban"
		evt = events.StartUnban(b.id, addr.String())
		err = banner.Unban(ctx, addr)
		b.deps.Metrics.Unban(b.id)
	default:
		return
	}
	evt.Episode(count).Backend(banner.Name())

	switch {
	case err == nil:
	case action.Tolerated(err):
		evt.Tolerated(err.Error())
		b.logger.Debug("action already in effect", "action", name, "offender", addr.String(), "backend", banner.Name())
	default:
		evt.SetError(err)
		b.deps.Metrics.ActionFailure(banner.Name(), name)
		b.logger.Error("action failed", "action", name, "offender", addr.String(), "backend", banner.Name(), "error", err)
	}
	b.deps.Emitter.Emit(evt.End())
}

func (b *Ban) publish(ctx context.Context, name string, addr netip.Addr, count int, d time.Duration, lines []store.Line) {
	fields := map[string]string{
		b.ipField:  addr.String(),
		FieldCount: strconv.Itoa(count),
	}
	if d > 0 {
		fields[FieldBanSeconds] = strconv.FormatInt(int64(d.Seconds()), 10)
	}
	b.deps.Bus.Publish(ctx, bus.Event{
		Name:   name,
		Time:   b.deps.Now(),
		Fields: fields,
		Lines:  lines,
	})
}

// Offender is one tracked ban-trigger key, as reported over IPC.
type Offender struct {
	Trigger   string    `json:"trigger"`
	Addr      string    `json:"addr"`
	Status    string    `json:"status"`
	Count     int       `json:"count"`
	FirstTime time.Time `json:"first_time"`
	LastTime  time.Time `json:"last_time"`
	Until     time.Time `json:"until"`
}

// Offenders lists every banned or probationary offender of every ban
// trigger, ordered by trigger id and scope.
func Offenders(ctx context.Context, st *store.Store) ([]Offender, error) {
	var states []*store.TriggerState
	err := st.View(ctx, func(tx *store.Tx) error {
		var err error
		states, err = tx.TriggerStates("", store.StatusNone)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load offenders: %w", err)
	}

	var out []Offender
	for _, s := range states {
		if s.Status == store.StatusNone {
			continue
		}
		addr, err := scopeValue(s.Scope)
		if err != nil {
			continue
		}
		out = append(out, Offender{
			Trigger:   s.TriggerID,
			Addr:      addr,
			Status:    string(s.Status),
			Count:     s.Count,
			FirstTime: s.FirstTime,
			LastTime:  s.LastTime,
			Until:     s.Until,
		})
	}
	return out, nil
}
