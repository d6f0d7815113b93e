// oreon/defense · watchthelight <wtl>

package events

import (
	"time"
)

// EventType identifies the kind of operation being logged.
type EventType string

const (
	EventTypeLogBatch     EventType = "log_batch"
	EventTypeTriggerFired EventType = "trigger_fired"
	EventTypeBan          EventType = "ban"
	EventTypeUnban        EventType = "unban"
	EventTypeBanCleared   EventType = "ban_cleared"
	EventTypeIPCRequest   EventType = "ipc_request"
	EventTypeStateChange  EventType = "state_change"
)

// Event represents a wide event / canonical log line.
// One Event is emitted per logical operation, containing all relevant context.
type Event struct {
	// Core identification
	Type        EventType `json:"event_type"`
	OperationID string    `json:"operation_id"`
	Component   string    `json:"component"`

	// Timing
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`

	// Outcome
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// High-cardinality fields (operation-specific)
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Standard field names for consistency across events.
const (
	FieldPath          = "path"
	FieldLines         = "lines"
	FieldOffset        = "offset"
	FieldTriggerID     = "trigger_id"
	FieldEvent         = "event"
	FieldScope         = "scope"
	FieldEvidence      = "evidence_lines"
	FieldOffender      = "offender"
	FieldEpisode       = "episode"
	FieldBanSeconds    = "ban_seconds"
	FieldBackend       = "backend"
	FieldTolerated     = "tolerated"
	FieldCommand       = "command"
	FieldRequestID     = "request_id"
	FieldClientVersion = "client_version"
	FieldResponseSize  = "response_size_bytes"
	FieldFromState     = "from_state"
	FieldToState       = "to_state"
	FieldReason        = "reason"
)
