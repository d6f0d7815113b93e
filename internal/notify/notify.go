// oreon/defense · watchthelight <wtl>

// Package notify surfaces selected bus events, typically ban transitions,
// as desktop notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	desktop "github.com/esiqveland/notify"
	"github.com/godbus/dbus/v5"

	"github.com/oreonproject/logban/internal/bus"
)

const queueSize = 64

// Sender delivers one notification.
type Sender interface {
	Send(summary, body string) error
}

// DesktopSender sends through the freedesktop notification service on
// the session bus.
type DesktopSender struct {
	conn *dbus.Conn
}

// NewDesktopSender connects to the session bus.
func NewDesktopSender() (*DesktopSender, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	return &DesktopSender{conn: conn}, nil
}

func (d *DesktopSender) Send(summary, body string) error {
	_, err := desktop.SendNotification(d.conn, desktop.Notification{
		AppName:       "logban",
		AppIcon:       "security-high",
		Summary:       summary,
		Body:          body,
		Hints:         map[string]dbus.Variant{},
		ExpireTimeout: 10 * time.Second,
	})
	return err
}

// Close releases the bus connection.
func (d *DesktopSender) Close() error {
	return d.conn.Close()
}

// Notifier is a bus observer forwarding the configured events to a
// Sender from its own goroutine, so a slow notification service never
// stalls event delivery. Events arriving while the queue is full are
// dropped.
type Notifier struct {
	events map[string]bool
	sender Sender
	logger *slog.Logger
	queue  chan bus.Event
}

// New creates a Notifier for the named events.
func New(events []string, sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		events: make(map[string]bool, len(events)),
		sender: sender,
		logger: logger.With("component", "notify"),
		queue:  make(chan bus.Event, queueSize),
	}
	for _, e := range events {
		n.events[e] = true
	}
	return n
}

// Observe is registered with bus.Observe.
func (n *Notifier) Observe(ev bus.Event) {
	if !n.events[ev.Name] {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.logger.Warn("notification queue full, dropping", "event", ev.Name)
	}
}

// Format renders an event as a notification summary and body.
func Format(ev bus.Event) (string, string) {
	summary := "logban: " + ev.Name
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(ev.Fields)) {
		fmt.Fprintf(&b, "%s: %s\n", k, ev.Fields[k])
	}
	if n := len(ev.Lines); n > 0 {
		fmt.Fprintf(&b, "%s", ev.Lines[n-1].Text)
	}
	return summary, strings.TrimRight(b.String(), "\n")
}

// Serve implements suture.Service.
func (n *Notifier) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-n.queue:
			summary, body := Format(ev)
			if err := n.sender.Send(summary, body); err != nil {
				n.logger.Warn("notification failed", "event", ev.Name, "error", err)
			}
		}
	}
}

func (n *Notifier) String() string {
	return "notifier"
}
