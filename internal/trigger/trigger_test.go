// oreon/defense · watchthelight <wtl>

package trigger

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreonproject/logban/internal/bus"
	"github.com/oreonproject/logban/internal/store"
	"github.com/oreonproject/logban/pkg/config"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeBanner struct {
	bans   []string
	unbans []string
	err    error
}

func (f *fakeBanner) Name() string { return "fake" }

func (f *fakeBanner) Ban(ctx context.Context, addr netip.Addr) error {
	f.bans = append(f.bans, addr.String())
	return f.err
}

func (f *fakeBanner) Unban(ctx context.Context, addr netip.Addr) error {
	f.unbans = append(f.unbans, addr.String())
	return f.err
}

type env struct {
	store  *store.Store
	bus    *bus.Bus
	clock  *testClock
	banner *fakeBanner
	// published records every event name seen on the bus.
	published []bus.Event
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "trigger.sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := &env{
		store:  st,
		clock:  &testClock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)},
		banner: &fakeBanner{},
	}
	e.bus = bus.New(st, bus.WithClock(e.clock.Now))
	e.bus.Observe(func(ev bus.Event) { e.published = append(e.published, ev) })
	return e
}

func (e *env) deps() Deps {
	return Deps{
		Store:  e.store,
		Bus:    e.bus,
		Banner: e.banner,
		Now:    e.clock.Now,
	}
}

func (e *env) named(name string) []bus.Event {
	var out []bus.Event
	for _, ev := range e.published {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func counterConfig(count int, timeout int64) config.TriggerConfig {
	cfg := config.DefaultTrigger()
	cfg.Type = config.TypeGroupCounter
	cfg.GroupOn = []string{"rhost"}
	cfg.TriggerEvents = []string{"sshd_fail"}
	cfg.ResetEvents = []string{"sshd_ok"}
	cfg.ResultEvent = "ssh_abuse"
	cfg.Count = count
	cfg.Timeout = timeout
	return cfg
}

func offense(rhost string, at time.Time, line string) bus.Event {
	return bus.Event{
		Name:   "sshd_fail",
		Time:   at,
		Fields: map[string]string{"rhost": rhost, "user": "root"},
		Lines:  []store.Line{{Log: "/var/log/auth.log", Time: at, Text: line}},
	}
}

func TestScope_Canonical(t *testing.T) {
	a, err := Scope("ssh", map[string]string{"user": "root", "rhost": "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, `{"i":"ssh","j":{"rhost":"1.2.3.4","user":"root"}}`, a)

	b, err := Scope("ssh", "1.2.3.4")
	require.NoError(t, err)
	v, err := scopeValue(b)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", v)
}

func TestBuild_UnknownType(t *testing.T) {
	e := newEnv(t)
	cfg := counterConfig(3, 60)
	cfg.Type = "mystery"
	_, err := Build("x", cfg, e.deps())
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Equal(t, []string{config.TypeGroupCounter, config.TypeIPBan}, Types())
}

func TestBuild_InvalidConfig(t *testing.T) {
	e := newEnv(t)
	cfg := counterConfig(0, 60)
	_, err := Build("x", cfg, e.deps())
	assert.Error(t, err)
}

func TestGroupCounter_FiresOnceAtThreshold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := Build("ssh_counter", counterConfig(3, 600), e.deps())
	require.NoError(t, err)

	base := e.clock.t
	for i := range 3 {
		e.bus.Publish(ctx, offense("203.0.113.7", base.Add(time.Duration(i)*time.Second), "fail "+string(rune('a'+i))))
	}
	e.bus.Publish(ctx, offense("198.51.100.2", base, "other host"))

	results := e.named("ssh_abuse")
	require.Len(t, results, 1)
	assert.Equal(t, map[string]string{"rhost": "203.0.113.7"}, results[0].Fields)
	assert.True(t, results[0].Time.Equal(base.Add(2*time.Second)))
	require.Len(t, results[0].Lines, 3)
	assert.Equal(t, "fail a", results[0].Lines[0].Text)
	assert.Equal(t, "fail c", results[0].Lines[2].Text)

	// The state was consumed: one more offense starts a new window.
	e.bus.Publish(ctx, offense("203.0.113.7", base.Add(3*time.Second), "fail d"))
	assert.Len(t, e.named("ssh_abuse"), 1)

	var states []*store.TriggerState
	require.NoError(t, e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		states, err = tx.TriggerStates("ssh_counter", store.StatusNone)
		return err
	}))
	require.Len(t, states, 2)
	for _, s := range states {
		assert.Equal(t, 1, s.Count)
	}
}

func TestGroupCounter_ExpiredOccurrencesExcluded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := Build("ssh_counter", counterConfig(5, 10), e.deps())
	require.NoError(t, err)

	base := e.clock.t
	for _, sec := range []int{0, 1, 2, 3, 20} {
		e.bus.Publish(ctx, offense("203.0.113.7", base.Add(time.Duration(sec)*time.Second), "fail"))
	}
	assert.Empty(t, e.named("ssh_abuse"))

	scope, err := Scope("ssh_counter", map[string]string{"rhost": "203.0.113.7"})
	require.NoError(t, err)
	var st *store.TriggerState
	require.NoError(t, e.store.View(ctx, func(tx *store.Tx) error {
		var err error
		st, err = tx.TriggerState("ssh_counter", scope)
		return err
	}))
	assert.Equal(t, 1, st.Count)
	assert.True(t, st.FirstTime.Equal(base.Add(20*time.Second)))
}

func TestGroupCounter_OutOfOrderOccurrence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := Build("ssh_counter", counterConfig(3, 60), e.deps())
	require.NoError(t, err)

	base := e.clock.t
	e.bus.Publish(ctx, offense("203.0.113.7", base.Add(10*time.Second), "second"))
	e.bus.Publish(ctx, offense("203.0.113.7", base, "first"))
	e.bus.Publish(ctx, offense("203.0.113.7", base.Add(20*time.Second), "third"))

	results := e.named("ssh_abuse")
	require.Len(t, results, 1)
	texts := make([]string, 0, 3)
	for _, l := range results[0].Lines {
		texts = append(texts, l.Text)
	}
	assert.Equal(t, []string{"first", "second", "third"}, texts)
}

func TestGroupCounter_Reset(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := Build("ssh_counter", counterConfig(3, 600), e.deps())
	require.NoError(t, err)

	base := e.clock.t
	e.bus.Publish(ctx, offense("203.0.113.7", base, "fail"))
	e.bus.Publish(ctx, offense("203.0.113.7", base.Add(time.Second), "fail"))
	e.bus.Publish(ctx, bus.Event{Name: "sshd_ok", Time: base.Add(2 * time.Second), Fields: map[string]string{"rhost": "203.0.113.7"}})
	e.bus.Publish(ctx, offense("203.0.113.7", base.Add(3*time.Second), "fail"))

	assert.Empty(t, e.named("ssh_abuse"), "reset must discard earlier occurrences")
}

func TestGroupCounter_MissingGroupField(t *testing.T) {
	e := newEnv(t)
	trig, err := Build("ssh_counter", counterConfig(3, 600), e.deps())
	require.NoError(t, err)

	err = trig.(*GroupCounter).Trigger(context.Background(), bus.Event{Name: "sshd_fail", Time: e.clock.t})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "rhost"))
}

func TestGroupCounter_CountOfOneFiresImmediately(t *testing.T) {
	e := newEnv(t)
	_, err := Build("ssh_counter", counterConfig(1, 600), e.deps())
	require.NoError(t, err)

	e.bus.Publish(context.Background(), offense("203.0.113.7", e.clock.t, "fail"))
	assert.Len(t, e.named("ssh_abuse"), 1)
}

func TestStoreErrorsSurface(t *testing.T) {
	e := newEnv(t)
	trig, err := Build("ssh_counter", counterConfig(3, 600), e.deps())
	require.NoError(t, err)
	require.NoError(t, e.store.Close())

	err = trig.(*GroupCounter).Trigger(context.Background(), offense("203.0.113.7", e.clock.t, "fail"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, store.ErrNotFound))
}
