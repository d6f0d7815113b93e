// oreon/defense · watchthelight <wtl>

// Package matcher turns log lines into bus events using patterns with
// named placeholders such as {rhost} or {timestamp}.
package matcher

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/oreonproject/logban/internal/bus"
	"github.com/oreonproject/logban/internal/store"
)

// Field names extracted by the built-in placeholders.
const (
	FieldRHost     = "rhost"
	FieldLHost     = "lhost"
	FieldPort      = "port"
	FieldUser      = "user"
	FieldSession   = "session"
	FieldTimestamp = "timestamp"
)

// maxPatternLength bounds configured patterns before expansion.
const maxPatternLength = 1000

const syslogMonths = `(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)`

// placeholders maps each placeholder to the sub-pattern it expands to.
var placeholders = map[string]string{
	FieldRHost: `(?P<rhost>[0-9]{1,3}(?:\.[0-9]{1,3}){3}|[0-9A-Fa-f]{0,4}(?::[0-9A-Fa-f]{0,4}){2,7}(?:%[0-9A-Za-z]+)?)`,
	FieldLHost: `(?P<lhost>[^ ]+)`,
	FieldPort:  `(?P<port>[0-9]{1,5})`,
	FieldUser:  `(?P<user>.*)`,

	FieldSession:   `(?P<session>.*)`,
	FieldTimestamp: `(?P<timestamp>` + syslogMonths + ` {1,2}[0-9]{1,2} [0-9]{2}:[0-9]{2}:[0-9]{2})`,
	"syslog_time":  `(?P<timestamp>` + syslogMonths + ` {1,2}[0-9]{1,2} [0-9]{2}:[0-9]{2}:[0-9]{2})`,
}

// placeholderRe only matches identifiers, so quantifiers like {3} or
// {1,5} pass through to the regular expression untouched.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Filter matches lines of one log and publishes a named event for each hit.
type Filter struct {
	Event   string
	LogPath string
	Source  string

	re  *regexp.Regexp
	bus *bus.Bus
	now func() time.Time
}

// Option configures a Filter.
type Option func(*Filter)

// WithBus sets the bus Handle publishes to.
func WithBus(b *bus.Bus) Option {
	return func(f *Filter) {
		f.bus = b
	}
}

// WithClock overrides time.Now for arrival times and year inference.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) {
		f.now = now
	}
}

// New compiles pattern for the given event and log.
func New(event, logPath, pattern string, opts ...Option) (*Filter, error) {
	if event == "" {
		return nil, fmt.Errorf("filter for %s: empty event name", logPath)
	}
	if len(pattern) > maxPatternLength {
		return nil, fmt.Errorf("filter %s: pattern exceeds %d characters", event, maxPatternLength)
	}

	expanded, err := Expand(pattern)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", event, err)
	}
	re, err := regexp.Compile(expanded)
	if err != nil {
		return nil, fmt.Errorf("filter %s: compile pattern: %w", event, err)
	}

	f := &Filter{
		Event:   event,
		LogPath: logPath,
		Source:  pattern,
		re:      re,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Expand replaces every {name} placeholder with its sub-pattern.
func Expand(pattern string) (string, error) {
	var unknown []string
	out := placeholderRe.ReplaceAllStringFunc(pattern, func(m string) string {
		name := m[1 : len(m)-1]
		sub, ok := placeholders[name]
		if !ok {
			unknown = append(unknown, name)
			return m
		}
		return sub
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown placeholder {%s}", strings.Join(unknown, "}, {"))
	}
	return out, nil
}

// Match applies the filter to line. The returned event carries every
// participating named group except the timestamp, which becomes the
// event time.
func (f *Filter) Match(line string) (bus.Event, bool) {
	idx := f.re.FindStringSubmatchIndex(line)
	if idx == nil {
		return bus.Event{}, false
	}

	now := f.now()
	ev := bus.Event{
		Name:   f.Event,
		Time:   now,
		Fields: make(map[string]string),
	}

	for i, name := range f.re.SubexpNames() {
		if name == "" || idx[2*i] < 0 {
			continue
		}
		ev.Fields[name] = line[idx[2*i]:idx[2*i+1]]
	}

	if host, ok := ev.Fields[FieldRHost]; ok {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return bus.Event{}, false
		}
		// Bans apply to the address; a link-local zone names a local
		// interface, not the offender.
		ev.Fields[FieldRHost] = addr.Unmap().WithZone("").String()
	}

	if ts, ok := ev.Fields[FieldTimestamp]; ok {
		delete(ev.Fields, FieldTimestamp)
		if t, err := ParseSyslogTime(ts, now); err == nil {
			ev.Time = t
		}
	}

	ev.Lines = []store.Line{{Log: f.LogPath, Time: ev.Time, Text: line}}
	return ev, true
}

// Handle matches line and publishes the resulting event. It has the
// logsource.LineHandler signature.
func (f *Filter) Handle(ctx context.Context, path, line string) {
	ev, ok := f.Match(line)
	if !ok || f.bus == nil {
		return
	}
	f.bus.Publish(ctx, ev)
}

// ParseSyslogTime parses a year-less syslog timestamp in local time. The
// year is the one of now unless that puts the time more than a day in
// the future, in which case it is the previous year. A date that does
// not exist in the chosen year, such as Feb 29 outside a leap year, is
// an error.
func ParseSyslogTime(ts string, now time.Time) (time.Time, error) {
	t, err := time.ParseInLocation("Jan 2 15:04:05", strings.Join(strings.Fields(ts), " "), now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("parse syslog time %q: %w", ts, err)
	}

	year := now.Year()
	guess := time.Date(year, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())
	if guess.After(now.Add(24 * time.Hour)) {
		year--
		guess = time.Date(year, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())
	}
	// time.Date normalizes Feb 29 of a common year to Mar 1.
	if guess.Month() != t.Month() || guess.Day() != t.Day() {
		return time.Time{}, fmt.Errorf("parse syslog time %q: no such day in %d", ts, year)
	}
	return guess, nil
}
