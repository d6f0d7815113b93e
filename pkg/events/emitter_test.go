// oreon/defense · watchthelight <wtl>

package events

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestEmitter(buf *bytes.Buffer, opts ...EmitterOption) *Emitter {
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewEmitter(append([]EmitterOption{WithLogger(logger)}, opts...)...)
}

func TestEmit_BanNeverSampled(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEmitter(&buf, WithSampleRate(0))

	e.Emit(StartBan("sshd_ban", "1.2.3.4").Episode(1).BanSeconds(3600).End())

	out := buf.String()
	if !strings.Contains(out, "event_type=ban") {
		t.Errorf("output = %q, want ban event", out)
	}
	if !strings.Contains(out, "offender=1.2.3.4") {
		t.Errorf("output = %q, want offender field", out)
	}
}

func TestEmit_SampledOut(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEmitter(&buf, WithSampleRate(0))

	e.Emit(StartLogBatch("/var/log/auth.log").Lines(3).End())

	if buf.Len() != 0 {
		t.Errorf("output = %q, want nothing at sample rate 0", buf.String())
	}
}

func TestEmit_ErrorsAlwaysEmitted(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEmitter(&buf, WithSampleRate(0))

	evt := StartLogBatch("/var/log/auth.log").SetError(errors.New("permission denied")).End()
	e.Emit(evt)

	if evt.Success {
		t.Error("Success = true after SetError")
	}
	if !strings.Contains(buf.String(), "permission denied") {
		t.Errorf("output = %q, want error text", buf.String())
	}
}

func TestEmit_SlowAlwaysEmitted(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEmitter(&buf, WithSampleRate(0), WithSlowThreshold(time.Nanosecond))

	b := StartTriggerFired("ssh_counter", "sshd_ban").Scope(`{"i":"ssh_counter"}`)
	time.Sleep(time.Millisecond)
	e.Emit(b.End())

	if !strings.Contains(buf.String(), "trigger_fired") {
		t.Errorf("output = %q, want slow event emitted", buf.String())
	}
}

func TestEmit_NilEmitter(t *testing.T) {
	var e *Emitter
	e.Emit(StartUnban("sshd_ban", "1.2.3.4").End())
}

func TestBuilder_OperationIDUnique(t *testing.T) {
	a := Start(EventTypeStateChange, "daemon").End()
	b := Start(EventTypeStateChange, "daemon").End()
	if a.OperationID == "" || a.OperationID == b.OperationID {
		t.Errorf("OperationID = %q / %q, want distinct non-empty ids", a.OperationID, b.OperationID)
	}
}
