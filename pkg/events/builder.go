// oreon/defense · watchthelight <wtl>

package events

import (
	"time"

	"github.com/google/uuid"
)

// Builder accumulates context for one Event while an operation runs.
type Builder struct {
	evt Event
}

// Start begins a new event of the given type. The operation is assumed
// successful until SetError is called.
func Start(eventType EventType, component string) *Builder {
	return &Builder{
		evt: Event{
			Type:        eventType,
			OperationID: uuid.NewString(),
			Component:   component,
			StartedAt:   time.Now(),
			Success:     true,
			Fields:      make(map[string]interface{}),
		},
	}
}

// Set records a field on the event.
func (b *Builder) Set(key string, value interface{}) *Builder {
	b.evt.Fields[key] = value
	return b
}

// SetError marks the operation failed. A nil error is ignored.
func (b *Builder) SetError(err error) *Builder {
	if err == nil {
		return b
	}
	b.evt.Success = false
	b.evt.Error = err.Error()
	return b
}

// End stamps the duration and returns the finished event.
func (b *Builder) End() Event {
	b.evt.Duration = time.Since(b.evt.StartedAt)
	b.evt.DurationMs = b.evt.Duration.Milliseconds()
	return b.evt
}
