// oreon/defense · watchthelight <wtl>

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oreonproject/logban/internal/bus"
	"github.com/oreonproject/logban/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingSender) Send(summary, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, summary)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestFormat(t *testing.T) {
	summary, body := Format(bus.Event{
		Name:   "ssh_ban.banned",
		Fields: map[string]string{"rhost": "203.0.113.7", "ban_seconds": "60"},
		Lines:  []store.Line{{Text: "first"}, {Text: "Failed password for root"}},
	})
	if summary != "logban: ssh_ban.banned" {
		t.Errorf("summary = %q", summary)
	}
	want := "ban_seconds: 60\nrhost: 203.0.113.7\nFailed password for root"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestNotifier_FiltersAndSends(t *testing.T) {
	sender := &recordingSender{err: errors.New("no notification daemon")}
	n := New([]string{"ssh_ban.banned"}, sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx) }()

	n.Observe(bus.Event{Name: "sshd_fail"})
	n.Observe(bus.Event{Name: "ssh_ban.banned"})
	n.Observe(bus.Event{Name: "ssh_ban.banned"})

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() error = %v, want context.Canceled", err)
	}
	if got := sender.count(); got != 2 {
		t.Errorf("sent %d notifications, want 2", got)
	}
}

func TestNotifier_DropsWhenFull(t *testing.T) {
	n := New([]string{"x"}, &recordingSender{}, nil)
	for range queueSize + 10 {
		n.Observe(bus.Event{Name: "x"})
	}
	if len(n.queue) != queueSize {
		t.Errorf("queue length = %d, want %d", len(n.queue), queueSize)
	}
}
