// oreon/defense · watchthelight <wtl>

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.LinesRead("/var/log/auth.log", 3)
	m.EventPublished("sshd_fail")
	m.HandlerError("sshd_fail")
	m.Ban("sshd_ban")
	m.QueueDepth(4)
}

func TestCounters(t *testing.T) {
	m := New()
	m.LinesRead("/var/log/auth.log", 3)
	m.LinesRead("/var/log/auth.log", 2)
	m.Ban("sshd_ban")
	m.ActionFailure("nft", "ban")

	if got := testutil.ToFloat64(m.linesRead.WithLabelValues("/var/log/auth.log")); got != 5 {
		t.Errorf("lines read = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.bans.WithLabelValues("sshd_ban")); got != 1 {
		t.Errorf("bans = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.actionFailures.WithLabelValues("nft", "ban")); got != 1 {
		t.Errorf("action failures = %v, want 1", got)
	}
}
