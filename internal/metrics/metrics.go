// oreon/defense · watchthelight <wtl>

// Package metrics exposes Prometheus collectors for the detection pipeline.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without an exporter in tests.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	linesRead       *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	triggersFired   *prometheus.CounterVec
	bans            *prometheus.CounterVec
	unbans          *prometheus.CounterVec
	actionFailures  *prometheus.CounterVec
	scheduledFired  prometheus.Counter
	queueDepth      prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		linesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logban_lines_read_total",
			Help: "Complete log lines delivered to filters",
		}, []string{"log"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logban_events_published_total",
			Help: "Events delivered through the bus",
		}, []string{"event"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logban_handler_errors_total",
			Help: "Event handler failures",
		}, []string{"event"}),
		triggersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logban_triggers_fired_total",
			Help: "Counter triggers that reached their threshold",
		}, []string{"trigger"}),
		bans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logban_bans_total",
			Help: "Ban actions invoked",
		}, []string{"trigger"}),
		unbans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logban_unbans_total",
			Help: "Unban actions invoked",
		}, []string{"trigger"}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logban_action_failures_total",
			Help: "Ban or unban actions that failed",
		}, []string{"backend", "action"}),
		scheduledFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logban_scheduled_events_fired_total",
			Help: "Scheduled events delivered by the scheduler tick",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logban_writer_queue_depth",
			Help: "Work items waiting for the writer goroutine",
		}),
	}

	m.registry.MustRegister(
		m.linesRead, m.eventsPublished, m.handlerErrors, m.triggersFired,
		m.bans, m.unbans, m.actionFailures, m.scheduledFired, m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) LinesRead(log string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.linesRead.WithLabelValues(log).Add(float64(n))
}

func (m *Metrics) EventPublished(event string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(event).Inc()
}

func (m *Metrics) HandlerError(event string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(event).Inc()
}

func (m *Metrics) TriggerFired(trigger string) {
	if m == nil {
		return
	}
	m.triggersFired.WithLabelValues(trigger).Inc()
}

func (m *Metrics) Ban(trigger string) {
	if m == nil {
		return
	}
	m.bans.WithLabelValues(trigger).Inc()
}

func (m *Metrics) Unban(trigger string) {
	if m == nil {
		return
	}
	m.unbans.WithLabelValues(trigger).Inc()
}

func (m *Metrics) ActionFailure(backend, action string) {
	if m == nil {
		return
	}
	m.actionFailures.WithLabelValues(backend, action).Inc()
}

func (m *Metrics) ScheduledFired() {
	if m == nil {
		return
	}
	m.scheduledFired.Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Server serves /metrics as a supervised service.
type Server struct {
	server          *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewServer creates a metrics HTTP server listening on addr.
func NewServer(addr string, m *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownTimeout: 5 * time.Second,
		logger:          logger,
	}
}

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("metrics server listening", "addr", s.server.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Server) String() string {
	return "metrics-server"
}
