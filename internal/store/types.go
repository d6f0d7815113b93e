// oreon/defense · watchthelight <wtl>

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// Status is the persisted state of a ban aggregate. Counter aggregates
// always carry StatusNone.
type Status string

const (
	StatusNone      Status = ""
	StatusBanned    Status = "banned"
	StatusProbation Status = "probation"
)

// Line is one piece of evidence: a raw log line with its origin and time.
type Line struct {
	Log  string    `json:"log"`
	Time time.Time `json:"time"`
	Text string    `json:"line"`
}

// Occurrence is one counted trigger event and the lines that caused it.
type Occurrence struct {
	Time  time.Time `json:"time"`
	Lines []Line    `json:"lines,omitempty"`
}

// TriggerState is the aggregate owned by one (trigger id, scope) key.
// It is stored as a single document so deleting it removes its
// occurrences and evidence in one statement.
type TriggerState struct {
	TriggerID string `json:"-"`
	Scope     string `json:"-"`
	Status    Status `json:"-"`

	// Fields holds the grouping or offender fields the scope was built from.
	Fields map[string]string `json:"fields,omitempty"`

	Count     int       `json:"count"`
	FirstTime time.Time `json:"first_time"`
	LastTime  time.Time `json:"last_time"`

	// Until is the fire time of the timer that drives the next transition.
	Until time.Time `json:"until"`

	Occurrences []Occurrence `json:"occurrences,omitempty"`
	Lines       []Line       `json:"lines,omitempty"`
}

// AllLines returns the evidence of every occurrence followed by the
// aggregate-level lines.
func (s *TriggerState) AllLines() []Line {
	var lines []Line
	for _, occ := range s.Occurrences {
		lines = append(lines, occ.Lines...)
	}
	return append(lines, s.Lines...)
}

// ScheduledEvent is a bus event persisted for delivery at FireTime.
// (Event, PayloadHash) is unique; scheduling the same pair again
// supersedes the earlier fire time.
type ScheduledEvent struct {
	ID          int64
	Event       string
	PayloadHash string
	FireTime    time.Time
	Payload     []byte
}
