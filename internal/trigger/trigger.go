// oreon/defense · watchthelight <wtl>

// Package trigger implements the stateful consumers of bus events: the
// sliding-window group counter and the ip ban state machine.
//
// Every trigger keeps its state in the store, keyed by (trigger id,
// scope), and mutates it in one transaction per event. Events derived
// from a transition are published only after that transaction commits.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/oreonproject/logban/internal/action"
	"github.com/oreonproject/logban/internal/bus"
	"github.com/oreonproject/logban/internal/metrics"
	"github.com/oreonproject/logban/internal/store"
	"github.com/oreonproject/logban/pkg/config"
	"github.com/oreonproject/logban/pkg/events"
)

// ErrUnknownType is returned by Build for an unregistered trigger type.
var ErrUnknownType = errors.New("unknown trigger type")

// Trigger is a configured trigger instance.
type Trigger interface {
	ID() string
	Type() string
	// Start runs once before the daemon accepts work.
	Start(ctx context.Context) error
}

// Deps are the collaborators shared by every trigger.
type Deps struct {
	Store   *store.Store
	Bus     *bus.Bus
	Banner  action.Banner
	Logger  *slog.Logger
	Emitter *events.Emitter
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Factory builds a trigger and subscribes it to the bus.
type Factory func(id string, cfg config.TriggerConfig, deps Deps) (Trigger, error)

var registry = map[string]Factory{
	config.TypeGroupCounter: newGroupCounter,
	config.TypeIPBan:        newBan,
}

// Types returns the registered trigger types, sorted.
func Types() []string {
	return slices.Sorted(maps.Keys(registry))
}

// Build validates cfg and constructs the trigger of its type.
func Build(id string, cfg config.TriggerConfig, deps Deps) (Trigger, error) {
	factory, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("trigger %s: %w %q", id, ErrUnknownType, cfg.Type)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("trigger %s: %w", id, err)
	}
	if deps.Store == nil || deps.Bus == nil {
		return nil, fmt.Errorf("trigger %s: store and bus are required", id)
	}
	return factory(id, cfg, deps.withDefaults())
}

// Scope is the canonical state key of trigger id for the value j: the
// JSON object {"i": id, "j": j} with map keys sorted.
func Scope(id string, j any) (string, error) {
	data, err := json.Marshal(struct {
		I string `json:"i"`
		J any    `json:"j"`
	}{I: id, J: j})
	if err != nil {
		return "", fmt.Errorf("encode scope of %s: %w", id, err)
	}
	return string(data), nil
}

// scopeValue extracts the string j of a scope built by Scope(id, string).
func scopeValue(scope string) (string, error) {
	var key struct {
		J string `json:"j"`
	}
	if err := json.Unmarshal([]byte(scope), &key); err != nil {
		return "", fmt.Errorf("decode scope %s: %w", scope, err)
	}
	return key.J, nil
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
