// oreon/defense · watchthelight <wtl>

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Tx is a single store transaction. It must not be used after the
// Update or View callback that received it returns.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// =====================
// Log positions
// =====================

// LogPosition returns the persisted read offset for path.
func (t *Tx) LogPosition(path string) (int64, bool, error) {
	var pos int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT position FROM log_position WHERE path = ?`, path).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get log position: %w", err)
	}
	return pos, true, nil
}

// SetLogPosition persists the read offset for path.
func (t *Tx) SetLogPosition(path string, pos int64) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO log_position (path, position) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET position = excluded.position`,
		path, pos)
	if err != nil {
		return fmt.Errorf("set log position: %w", err)
	}
	return nil
}

// =====================
// Trigger aggregates
// =====================

// TriggerState loads the aggregate for (triggerID, scope).
// It returns ErrNotFound when the key is not tracked.
func (t *Tx) TriggerState(triggerID, scope string) (*TriggerState, error) {
	var status, doc string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT status, doc FROM trigger_state
		WHERE trigger_id = ? AND scope = ?`, triggerID, scope).Scan(&status, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger state: %w", err)
	}
	return decodeState(triggerID, scope, status, doc)
}

// PutTriggerState inserts or replaces an aggregate.
func (t *Tx) PutTriggerState(st *TriggerState) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal trigger state: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO trigger_state (trigger_id, scope, status, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT(trigger_id, scope) DO UPDATE SET status = excluded.status, doc = excluded.doc`,
		st.TriggerID, st.Scope, string(st.Status), string(doc))
	if err != nil {
		return fmt.Errorf("put trigger state: %w", err)
	}
	return nil
}

// DeleteTriggerState removes an aggregate. It reports whether a row existed.
func (t *Tx) DeleteTriggerState(triggerID, scope string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM trigger_state WHERE trigger_id = ? AND scope = ?`, triggerID, scope)
	if err != nil {
		return false, fmt.Errorf("delete trigger state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete trigger state: %w", err)
	}
	return n > 0, nil
}

// TriggerStates lists the aggregates of a trigger. An empty triggerID
// matches every trigger and StatusNone matches every status.
func (t *Tx) TriggerStates(triggerID string, status Status) ([]*TriggerState, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT trigger_id, scope, status, doc FROM trigger_state
		WHERE (? = '' OR trigger_id = ?) AND (? = '' OR status = ?)
		ORDER BY trigger_id, scope`,
		triggerID, triggerID, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("list trigger states: %w", err)
	}
	defer rows.Close()

	var states []*TriggerState
	for rows.Next() {
		var id, scope, st, doc string
		if err := rows.Scan(&id, &scope, &st, &doc); err != nil {
			return nil, fmt.Errorf("scan trigger state: %w", err)
		}
		state, err := decodeState(id, scope, st, doc)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func decodeState(triggerID, scope, status, doc string) (*TriggerState, error) {
	st := &TriggerState{}
	if err := json.Unmarshal([]byte(doc), st); err != nil {
		return nil, fmt.Errorf("unmarshal trigger state %s/%s: %w", triggerID, scope, err)
	}
	st.TriggerID = triggerID
	st.Scope = scope
	st.Status = Status(status)
	return st, nil
}

// =====================
// Scheduled events
// =====================

// ScheduleEvent inserts ev, or moves the fire time and payload of the
// existing (Event, PayloadHash) entry.
func (t *Tx) ScheduleEvent(ev ScheduledEvent) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO scheduled_event (event, payload_hash, fire_time, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT(event, payload_hash) DO UPDATE SET
			fire_time = excluded.fire_time,
			payload = excluded.payload`,
		ev.Event, ev.PayloadHash, ev.FireTime.UnixNano(), string(ev.Payload))
	if err != nil {
		return fmt.Errorf("schedule event %s: %w", ev.Event, err)
	}
	return nil
}

// DueEvents returns every scheduled event with a fire time at or before now,
// oldest first.
func (t *Tx) DueEvents(now time.Time) ([]ScheduledEvent, error) {
	return t.queryScheduled(`
		SELECT id, event, payload_hash, fire_time, payload FROM scheduled_event
		WHERE fire_time <= ?
		ORDER BY fire_time, id`, now.UnixNano())
}

// ScheduledEvents returns every pending scheduled event, oldest first.
func (t *Tx) ScheduledEvents() ([]ScheduledEvent, error) {
	return t.queryScheduled(`
		SELECT id, event, payload_hash, fire_time, payload FROM scheduled_event
		ORDER BY fire_time, id`)
}

func (t *Tx) queryScheduled(query string, args ...any) ([]ScheduledEvent, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled events: %w", err)
	}
	defer rows.Close()

	var events []ScheduledEvent
	for rows.Next() {
		var ev ScheduledEvent
		var fire int64
		var payload string
		if err := rows.Scan(&ev.ID, &ev.Event, &ev.PayloadHash, &fire, &payload); err != nil {
			return nil, fmt.Errorf("scan scheduled event: %w", err)
		}
		ev.FireTime = time.Unix(0, fire)
		ev.Payload = []byte(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteScheduledEvent removes ev if it still has the fire time it was
// loaded with. An entry rescheduled in the meantime is kept.
func (t *Tx) DeleteScheduledEvent(ev ScheduledEvent) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM scheduled_event WHERE id = ? AND fire_time = ?`,
		ev.ID, ev.FireTime.UnixNano())
	if err != nil {
		return false, fmt.Errorf("delete scheduled event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete scheduled event: %w", err)
	}
	return n > 0, nil
}

// CancelScheduledEvent removes the pending (event, payloadHash) entry.
func (t *Tx) CancelScheduledEvent(event, payloadHash string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM scheduled_event WHERE event = ? AND payload_hash = ?`, event, payloadHash)
	if err != nil {
		return fmt.Errorf("cancel scheduled event: %w", err)
	}
	return nil
}
