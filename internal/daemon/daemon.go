// oreon/defense · watchthelight <wtl>

// Package daemon wires the log reader, matcher, bus and triggers together
// and runs them behind a single writer goroutine. Every state mutation,
// whether it comes from a file change, the scheduler tick or an IPC
// request, is a closure executed by that writer in queue order.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/oreonproject/logban/internal/action"
	"github.com/oreonproject/logban/internal/bus"
	"github.com/oreonproject/logban/internal/logsource"
	"github.com/oreonproject/logban/internal/matcher"
	"github.com/oreonproject/logban/internal/metrics"
	"github.com/oreonproject/logban/internal/notify"
	"github.com/oreonproject/logban/internal/store"
	"github.com/oreonproject/logban/internal/trigger"
	"github.com/oreonproject/logban/pkg/config"
	"github.com/oreonproject/logban/pkg/events"
	"github.com/oreonproject/logban/pkg/ipc"
)

// ErrStopped is returned for work submitted after the daemon stopped.
var ErrStopped = errors.New("daemon stopped")

const (
	queueSize       = 256
	shutdownTimeout = 10 * time.Second
)

// Daemon owns every component of a running logband.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string
	now     func() time.Time

	store   *store.Store
	bus     *bus.Bus
	reader  *logsource.Reader
	watcher *logsource.Watcher
	banner  action.Banner
	emitter *events.Emitter
	metrics *metrics.Metrics
	state   *StateTracker

	notifySender notify.Sender
	notifier     *notify.Notifier
	server       *Server

	triggers    []trigger.Trigger
	triggerByID map[string]trigger.Trigger
	filters     map[string]int

	// banEvents are the derived event names of ip_ban triggers.
	banEvents    map[string]bool
	banListeners []func(bus.Event)

	work      chan func(context.Context)
	// busy is held while a work item runs, so the final offset flush
	// never overlaps an in-flight batch.
	busy      sync.Mutex
	stop      chan struct{}
	stopOnce  sync.Once
	startedAt time.Time
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithBanner replaces the backend configured in [action].
func WithBanner(b action.Banner) Option {
	return func(d *Daemon) {
		d.banner = b
	}
}

// WithClock overrides time.Now for the bus, matchers and triggers.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) {
		d.now = now
	}
}

// WithNotifySender replaces the desktop notification sender.
func WithNotifySender(s notify.Sender) Option {
	return func(d *Daemon) {
		d.notifySender = s
	}
}

// WithVersion sets the version reported by the status command.
func WithVersion(v string) Option {
	return func(d *Daemon) {
		d.version = v
	}
}

// New creates a daemon over an open store. Components are configured
// with RegisterLog, ConfigureFilter and ConfigureTrigger (or Configure)
// before RunForever; none of them may be called once it runs.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:         cfg,
		logger:      logger,
		version:     "dev",
		now:         time.Now,
		store:       st,
		metrics:     metrics.New(),
		triggerByID: make(map[string]trigger.Trigger),
		filters:     make(map[string]int),
		banEvents:   make(map[string]bool),
		work:        make(chan func(context.Context), queueSize),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.emitter = events.NewEmitter(events.WithLogger(logger))
	d.state = NewStateTracker(d.emitter)

	if d.banner == nil {
		b, err := action.New(cfg.Action, logger)
		if err != nil {
			return nil, err
		}
		d.banner = b
	}

	d.bus = bus.New(st, bus.WithLogger(logger), bus.WithMetrics(d.metrics), bus.WithClock(d.now))
	d.bus.Observe(d.observeBans)
	d.reader = logsource.NewReader(st,
		logsource.WithLogger(logger),
		logsource.WithEmitter(d.emitter),
		logsource.WithMetrics(d.metrics),
		logsource.WithBatchSize(cfg.Reader.BatchSize),
	)
	d.watcher = logsource.NewWatcher(d.onChange, logger)

	if cfg.Notify.Enabled {
		if d.notifySender == nil {
			sender, err := notify.NewDesktopSender()
			if err != nil {
				logger.Warn("desktop notifications unavailable", "error", err)
			} else {
				d.notifySender = sender
			}
		}
		if d.notifySender != nil {
			d.notifier = notify.New(cfg.Notify.Events, d.notifySender, logger)
			d.bus.Observe(d.notifier.Observe)
		}
	}

	if cfg.IPC.Enabled {
		d.server = NewServer(cfg.IPC.Socket, d)
	}
	return d, nil
}

// Events returns the wide event emitter.
func (d *Daemon) Events() *events.Emitter { return d.emitter }

// State returns the lifecycle tracker.
func (d *Daemon) State() *StateTracker { return d.state }

// Bus returns the event bus.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// ResolvePath returns the real path of a configured log: symlinks are
// resolved when the file exists, otherwise the path is made absolute.
func ResolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	return abs, nil
}

// RegisterLog starts monitoring path and returns its resolved form.
// Paths resolving to the same file share one monitor.
func (d *Daemon) RegisterLog(ctx context.Context, path string) (string, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return "", err
	}
	if err := d.reader.Register(ctx, resolved); err != nil {
		return "", err
	}
	d.watcher.Add(resolved)
	return resolved, nil
}

// ConfigureFilter compiles pattern for logPath and feeds every line of
// that log through it.
func (d *Daemon) ConfigureFilter(ctx context.Context, logPath, event, pattern string) error {
	resolved, err := d.RegisterLog(ctx, logPath)
	if err != nil {
		return err
	}
	f, err := matcher.New(event, resolved, pattern, matcher.WithBus(d.bus), matcher.WithClock(d.now))
	if err != nil {
		return err
	}
	if err := d.reader.AddHandler(resolved, f.Handle); err != nil {
		return err
	}
	d.filters[resolved]++
	return nil
}

// ConfigureTrigger builds trigger id of type typ and subscribes it.
func (d *Daemon) ConfigureTrigger(id, typ string, cfg config.TriggerConfig) error {
	if _, ok := d.triggerByID[id]; ok {
		return fmt.Errorf("trigger %s: already configured", id)
	}
	cfg.Type = typ
	t, err := trigger.Build(id, cfg, trigger.Deps{
		Store:   d.store,
		Bus:     d.bus,
		Banner:  d.banner,
		Logger:  d.logger,
		Emitter: d.emitter,
		Metrics: d.metrics,
		Now:     d.now,
	})
	if err != nil {
		return err
	}
	d.triggers = append(d.triggers, t)
	d.triggerByID[id] = t
	if b, ok := t.(*trigger.Ban); ok {
		d.banEvents[b.BannedEvent()] = true
		d.banEvents[b.UnbannedEvent()] = true
		d.banEvents[b.ClearedEvent()] = true
	}
	return nil
}

// Configure applies every filter and trigger of the loaded configuration.
// Triggers are built in id order.
func (d *Daemon) Configure(ctx context.Context) error {
	for _, f := range d.cfg.Filters {
		if err := d.ConfigureFilter(ctx, f.LogPath, f.Event, f.Pattern); err != nil {
			return fmt.Errorf("%s: %w", f.Source, err)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(d.cfg.Triggers)) {
		tc := d.cfg.Triggers[id]
		if err := d.ConfigureTrigger(id, tc.Type, tc); err != nil {
			return err
		}
	}
	for _, ev := range d.cfg.Notify.Events {
		if d.cfg.Notify.Enabled && !d.banEvents[ev] && !d.bus.Subscribed(ev) {
			d.logger.Warn("notification event is never handled by a trigger", "event", ev)
		}
	}
	return nil
}

// ObserveBans registers fn for every ban, unban and clear event. fn runs
// on the writer goroutine.
func (d *Daemon) ObserveBans(fn func(bus.Event)) {
	d.banListeners = append(d.banListeners, fn)
}

func (d *Daemon) observeBans(ev bus.Event) {
	if !d.banEvents[ev.Name] {
		return
	}
	for _, fn := range d.banListeners {
		fn(ev)
	}
}

// Post queues fn for the writer. It blocks while the queue is full and
// reports false once the daemon stopped.
func (d *Daemon) Post(fn func(ctx context.Context)) bool {
	if d.stopped() {
		return false
	}
	select {
	case d.work <- fn:
		return true
	case <-d.stop:
		return false
	}
}

// Do runs fn on the writer and waits for its result.
func (d *Daemon) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)
	item := func(wctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("writer task panicked: %v", r)
			}
		}()
		errc <- fn(wctx)
	}

	if d.stopped() {
		return ErrStopped
	}
	select {
	case d.work <- item:
	case <-d.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-d.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) onChange(c logsource.Change) {
	d.Post(func(ctx context.Context) {
		var err error
		switch c.Op {
		case logsource.OpCreate:
			_, err = d.reader.Opened(ctx, c.Path)
		case logsource.OpRemove:
			_, err = d.reader.Closed(ctx, c.Path)
		default:
			_, err = d.reader.Poll(ctx, c.Path)
		}
		if err != nil {
			d.logger.Warn("log change not processed", "path", c.Path, "op", c.Op.String(), "error", err)
		}
	})
}

// tick delivers due scheduled events. It also polls every log, which
// covers missed notifications and logs that reappeared.
func (d *Daemon) tick(ctx context.Context) {
	if _, err := d.reader.PollAll(ctx); err != nil {
		d.logger.Warn("poll failed", "error", err)
	}
	if n, err := d.bus.Tick(ctx); err != nil {
		d.logger.Error("scheduler tick failed", "error", err)
	} else if n > 0 {
		d.logger.Debug("scheduled events delivered", "count", n)
	}
}

func (d *Daemon) catchUp(ctx context.Context) {
	n, err := d.reader.PollAll(ctx)
	if err != nil {
		d.logger.Warn("catch-up read incomplete", "error", err)
	}
	d.tick(ctx)
	d.logger.Info("caught up", "lines", n, "logs", len(d.reader.Paths()))
	d.state.SetState(StateRunning)
}

// RunForever re-asserts persisted bans, reads every log from its stored
// offset and then serves until ctx is cancelled or Shutdown is called.
// Offsets are flushed before it returns.
func (d *Daemon) RunForever(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Closing stop releases producers blocked on a full queue, so the
	// supervisor never waits on them.
	context.AfterFunc(ctx, d.Shutdown)
	go func() {
		<-d.stop
		cancel()
	}()
	defer d.Shutdown()

	d.startedAt = d.now()
	for _, t := range d.triggers {
		if err := t.Start(ctx); err != nil {
			return err
		}
	}

	d.state.SetState(StateCatchingUp)
	if !d.Post(d.catchUp) {
		return ErrStopped
	}

	sup := suture.New("logband", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: d.logger}).MustHook(),
		Timeout:   shutdownTimeout,
	})
	sup.Add(&writer{d: d})
	sup.Add(d.watcher)
	sup.Add(&ticker{d: d, interval: d.cfg.Scheduler.TickInterval.Duration})
	if d.server != nil {
		sup.Add(d.server)
	}
	if d.cfg.Metrics.Listen != "" {
		sup.Add(metrics.NewServer(d.cfg.Metrics.Listen, d.metrics, d.logger))
	}
	if d.notifier != nil {
		sup.Add(d.notifier)
	}

	err := sup.Serve(ctx)
	d.state.SetState(StateStopping)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer flushCancel()
	d.busy.Lock()
	ferr := d.reader.Close(flushCtx)
	d.busy.Unlock()
	if ferr != nil {
		d.logger.Error("flushing log offsets failed", "error", ferr)
	}
	if closer, ok := d.notifySender.(interface{ Close() error }); ok {
		closer.Close()
	}
	d.state.SetState(StateStopped)

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *Daemon) stopped() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

// Shutdown stops a running daemon. It is safe to call more than once.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Status reports the daemon state for the status command.
func (d *Daemon) Status(ctx context.Context) (*ipc.StatusResponse, error) {
	status := &ipc.StatusResponse{
		State:     d.state.State().String(),
		Version:   d.version,
		StartedAt: d.startedAt,
		Backend:   d.banner.Name(),
	}
	for _, t := range d.triggers {
		status.Triggers = append(status.Triggers, ipc.TriggerStatus{ID: t.ID(), Type: t.Type()})
	}
	err := d.Do(ctx, func(ctx context.Context) error {
		for _, path := range d.reader.Paths() {
			m := d.reader.Monitor(path)
			status.Logs = append(status.Logs, ipc.LogStatus{
				Path:    path,
				State:   m.State().String(),
				Offset:  m.Offset(),
				Filters: d.filters[path],
			})
		}
		pending, err := d.bus.Pending(ctx)
		if err != nil {
			return err
		}
		status.PendingTimers = len(pending)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Bans lists every banned or probationary offender.
func (d *Daemon) Bans(ctx context.Context) ([]ipc.Ban, error) {
	var offenders []trigger.Offender
	err := d.Do(ctx, func(ctx context.Context) error {
		var err error
		offenders, err = trigger.Offenders(ctx, d.store)
		return err
	})
	if err != nil {
		return nil, err
	}
	bans := make([]ipc.Ban, 0, len(offenders))
	for _, o := range offenders {
		bans = append(bans, ipc.Ban(o))
	}
	return bans, nil
}

// Unban lifts the ban of addr in trigger id.
func (d *Daemon) Unban(ctx context.Context, id, addr string) error {
	t, ok := d.triggerByID[id]
	if !ok {
		return fmt.Errorf("unknown trigger %q", id)
	}
	u, ok := t.(trigger.Unbanner)
	if !ok {
		return fmt.Errorf("trigger %s (%s) does not ban", id, t.Type())
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return d.Do(ctx, func(ctx context.Context) error {
		return u.Unban(ctx, ip)
	})
}

// writer is the single goroutine mutating state.
type writer struct {
	d *Daemon
}

func (w *writer) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-w.d.work:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.d.metrics.QueueDepth(len(w.d.work))
			// An item that started runs to completion: cancelling a
			// batch halfway would drop its offenses while the reader
			// still advances past the lines.
			w.run(context.WithoutCancel(ctx), fn)
		}
	}
}

func (w *writer) run(ctx context.Context, fn func(context.Context)) {
	w.d.busy.Lock()
	defer w.d.busy.Unlock()
	fn(ctx)
}

func (w *writer) String() string { return "writer" }

// ticker posts a scheduler tick every interval.
type ticker struct {
	d        *Daemon
	interval time.Duration
}

func (t *ticker) Serve(ctx context.Context) error {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			t.d.Post(t.d.tick)
		}
	}
}

func (t *ticker) String() string { return "scheduler" }
