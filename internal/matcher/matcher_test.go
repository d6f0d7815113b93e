// oreon/defense · watchthelight <wtl>

package matcher

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oreonproject/logban/internal/bus"
	"github.com/oreonproject/logban/internal/store"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    string
		wantErr bool
	}{
		{name: "port", pattern: "port {port}", want: "port (?P<port>[0-9]{1,5})"},
		{name: "quantifier untouched", pattern: `x{3} y{1,5}`, want: `x{3} y{1,5}`},
		{name: "unknown", pattern: "from {nope}", wantErr: true},
		{name: "plain", pattern: "Accepted publickey", want: "Accepted publickey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expand() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Expand() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_InvalidPattern(t *testing.T) {
	if _, err := New("bad", "/var/log/auth.log", "Failed (password"); err == nil {
		t.Error("New() should fail on an invalid regular expression")
	}
	if _, err := New("", "/var/log/auth.log", "x"); err == nil {
		t.Error("New() should fail on an empty event name")
	}
	if _, err := New("long", "/var/log/auth.log", strings.Repeat("a", maxPatternLength+1)); err == nil {
		t.Error("New() should fail on an oversized pattern")
	}
}

func TestMatch_SSHFailure(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.Local)
	f, err := New("sshd_fail", "/var/log/auth.log",
		`{timestamp} \S+ sshd\[\d+\]: Failed password for {user} from {rhost} port {port}`,
		WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	line := "Jun  9 23:59:58 host sshd[123]: Failed password for invalid user admin from 203.0.113.7 port 52211 ssh2"
	ev, ok := f.Match(line)
	if !ok {
		t.Fatal("Match() = false, want true")
	}

	if ev.Name != "sshd_fail" {
		t.Errorf("Name = %v, want sshd_fail", ev.Name)
	}
	if ev.Fields["rhost"] != "203.0.113.7" {
		t.Errorf("rhost = %v, want 203.0.113.7", ev.Fields["rhost"])
	}
	if ev.Fields["user"] != "invalid user admin" {
		t.Errorf("user = %q, want %q", ev.Fields["user"], "invalid user admin")
	}
	if ev.Fields["port"] != "52211" {
		t.Errorf("port = %v, want 52211", ev.Fields["port"])
	}
	if _, ok := ev.Fields["timestamp"]; ok {
		t.Error("timestamp should not remain in fields")
	}

	want := time.Date(2026, 6, 9, 23, 59, 58, 0, time.Local)
	if !ev.Time.Equal(want) {
		t.Errorf("Time = %v, want %v", ev.Time, want)
	}
	if len(ev.Lines) != 1 || ev.Lines[0].Text != line || ev.Lines[0].Log != "/var/log/auth.log" {
		t.Errorf("Lines = %+v, want the raw line", ev.Lines)
	}
}

func TestMatch_NoTimestampUsesArrival(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	f, err := New("sshd_fail", "/var/log/auth.log", "Failed password for {user} from {rhost}", WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ev, ok := f.Match("Failed password for root from 2001:db8::1")
	if !ok {
		t.Fatal("Match() = false, want true")
	}
	if !ev.Time.Equal(now) {
		t.Errorf("Time = %v, want %v", ev.Time, now)
	}
	if ev.Fields["rhost"] != "2001:db8::1" {
		t.Errorf("rhost = %v, want 2001:db8::1", ev.Fields["rhost"])
	}
}

func TestMatch_DropsIPv6Zone(t *testing.T) {
	f, err := New("sshd_fail", "/var/log/auth.log", "Failed password for {user} from {rhost}")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ev, ok := f.Match("Failed password for root from fe80::1%eth0")
	if !ok {
		t.Fatal("Match() = false, want true")
	}
	if ev.Fields["rhost"] != "fe80::1" {
		t.Errorf("rhost = %v, want fe80::1", ev.Fields["rhost"])
	}
}

func TestMatch_Feb29OutsideLeapYearUsesArrival(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f, err := New("sshd_fail", "/var/log/auth.log", "{timestamp} Failed password for {user} from {rhost}", WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ev, ok := f.Match("Feb 29 08:00:00 Failed password for root from 203.0.113.7")
	if !ok {
		t.Fatal("Match() = false, want true")
	}
	if !ev.Time.Equal(now) {
		t.Errorf("Time = %v, want %v", ev.Time, now)
	}
}

func TestMatch_Rejects(t *testing.T) {
	f, err := New("sshd_fail", "/var/log/auth.log", "Failed password for {user} from {rhost}")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, line := range []string{
		"Accepted password for root from 1.2.3.4",
		"Failed password for root from 999.1.1.1",
		"",
	} {
		if _, ok := f.Match(line); ok {
			t.Errorf("Match(%q) = true, want false", line)
		}
	}
}

func TestParseSyslogTime_YearRollover(t *testing.T) {
	tests := []struct {
		name string
		ts   string
		now  time.Time
		want time.Time
	}{
		{
			name: "same year",
			ts:   "Mar  3 08:00:00",
			now:  time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC),
		},
		{
			name: "december line read in january",
			ts:   "Dec 31 23:59:59",
			now:  time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC),
			want: time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC),
		},
		{
			name: "less than a day ahead keeps the year",
			ts:   "Jan 2 10:00:00",
			now:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
		},
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSyslogTime(tt.ts, tt.now)
			if err != nil {
				t.Fatalf("ParseSyslogTime() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseSyslogTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSyslogTime_NoSuchDay(t *testing.T) {
	for _, now := range []time.Time{
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		// Rolls back to 2025, which has no Feb 29 either.
		time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
	} {
		if got, err := ParseSyslogTime("Feb 29 06:00:00", now); err == nil {
			t.Errorf("ParseSyslogTime(Feb 29, %v) = %v, want error", now, got)
		}
	}
}

func TestHandle_PublishesOnBus(t *testing.T) {
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "m.sqlite3"), nil)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	b := bus.New(st)
	var got []bus.Event
	b.Subscribe("sshd_fail", func(ctx context.Context, ev bus.Event) error {
		got = append(got, ev)
		return nil
	})

	f, err := New("sshd_fail", "/var/log/auth.log", "Failed password for {user} from {rhost}", WithBus(b))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.Handle(context.Background(), "/var/log/auth.log", "Failed password for root from 1.2.3.4")
	f.Handle(context.Background(), "/var/log/auth.log", "unrelated line")

	if len(got) != 1 {
		t.Fatalf("published %d events, want 1", len(got))
	}
	if got[0].Fields["rhost"] != "1.2.3.4" {
		t.Errorf("rhost = %v, want 1.2.3.4", got[0].Fields["rhost"])
	}
}
