// oreon/defense · watchthelight <wtl>

package daemon

import (
	"sync"

	"github.com/oreonproject/logban/pkg/events"
)

// State is the daemon lifecycle state reported over IPC.
type State int

const (
	StateStarting State = iota
	StateCatchingUp
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateCatchingUp:
		return "catching_up"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StateTracker holds the current State and notifies listeners on change.
type StateTracker struct {
	mu        sync.RWMutex
	state     State
	listeners []func(old, new State)
	emitter   *events.Emitter
}

// NewStateTracker starts in StateStarting.
func NewStateTracker(emitter *events.Emitter) *StateTracker {
	return &StateTracker{state: StateStarting, emitter: emitter}
}

// State returns the current state.
func (t *StateTracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// SetState moves to s. Listeners run outside the lock, and only when the
// state actually changes.
func (t *StateTracker) SetState(s State) {
	t.mu.Lock()
	old := t.state
	if old == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	listeners := append([]func(old, new State){}, t.listeners...)
	t.mu.Unlock()

	t.emitter.Emit(events.StartStateChange(old.String(), s.String()).End())
	for _, fn := range listeners {
		fn(old, s)
	}
}

// OnStateChange registers fn for every subsequent transition.
func (t *StateTracker) OnStateChange(fn func(old, new State)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}
