// oreon/defense · watchthelight <wtl>

// Package logsource tails monitored log files and hands every complete
// line to the filters registered for that file.
//
// Read offsets are persisted after each delivered batch, so a restart
// resumes after the last delivered line. Lines read after the last
// persisted batch may be delivered again after a crash; none are lost.
package logsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/oreonproject/logban/internal/metrics"
	"github.com/oreonproject/logban/internal/store"
	"github.com/oreonproject/logban/pkg/events"
)

// DefaultBatchSize is the number of lines delivered between offset writes.
const DefaultBatchSize = 512

// LineHandler receives one complete line, without its line terminator.
type LineHandler func(ctx context.Context, path, line string)

// State is the handle state of a monitored log.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateMissing
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateMissing:
		return "missing"
	default:
		return "closed"
	}
}

// Monitor is the read state of one log file.
type Monitor struct {
	Path     string
	offset   int64
	file     *os.File
	state    State
	handlers []LineHandler
}

// Offset returns the offset of the next unread byte.
func (m *Monitor) Offset() int64 { return m.offset }

// State returns the handle state.
func (m *Monitor) State() State { return m.state }

// Reader owns every Monitor. It is not safe for concurrent use; the
// daemon calls it from the writer goroutine only.
type Reader struct {
	store     *store.Store
	logger    *slog.Logger
	emitter   *events.Emitter
	metrics   *metrics.Metrics
	batchSize int
	monitors  map[string]*Monitor
	openFile  func(name string) (*os.File, error)
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the reader logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// WithEmitter emits a wide event per delivered batch.
func WithEmitter(e *events.Emitter) Option {
	return func(r *Reader) {
		r.emitter = e
	}
}

// WithMetrics counts delivered lines.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reader) {
		r.metrics = m
	}
}

// WithBatchSize sets how many lines are delivered between offset writes.
func WithBatchSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// NewReader creates a Reader persisting offsets in st.
func NewReader(st *store.Store, opts ...Option) *Reader {
	r := &Reader{
		store:     st,
		logger:    slog.Default(),
		batchSize: DefaultBatchSize,
		monitors:  make(map[string]*Monitor),
		openFile:  os.Open,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "logsource")
	return r
}

// Register starts monitoring path from its persisted offset. An offset
// beyond the end of the file is clamped to the end. Registering a path
// twice is a no-op.
func (r *Reader) Register(ctx context.Context, path string) error {
	if _, ok := r.monitors[path]; ok {
		return nil
	}

	var pos int64
	err := r.store.View(ctx, func(tx *store.Tx) error {
		var err error
		pos, _, err = tx.LogPosition(path)
		return err
	})
	if err != nil {
		return fmt.Errorf("load position of %s: %w", path, err)
	}

	m := &Monitor{Path: path}
	r.monitors[path] = m
	r.open(m, pos)
	r.logger.Info("monitoring log", "path", path, "offset", m.offset, "state", m.state.String())
	return nil
}

// AddHandler appends a line handler for a registered path.
func (r *Reader) AddHandler(path string, h LineHandler) error {
	m, ok := r.monitors[path]
	if !ok {
		return fmt.Errorf("log %s is not registered", path)
	}
	m.handlers = append(m.handlers, h)
	return nil
}

// Monitor returns the monitor of path, or nil.
func (r *Reader) Monitor(path string) *Monitor {
	return r.monitors[path]
}

// Paths returns the registered paths, sorted.
func (r *Reader) Paths() []string {
	return slices.Sorted(maps.Keys(r.monitors))
}

// open (re)opens the file of m at pos, clamped to the file size. When
// the file does not exist the offset is 0, since whatever appears later
// is a new file. Any other failure keeps pos as the offset, so the retry
// on the next poll resumes where reading stopped.
func (r *Reader) open(m *Monitor, pos int64) {
	r.closeHandle(m)

	f, err := r.openFile(m.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.state = StateMissing
			m.offset = 0
		} else {
			m.state = StateClosed
			m.offset = pos
			r.logger.Warn("cannot open log", "path", m.Path, "error", err)
		}
		return
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		m.state = StateClosed
		m.offset = pos
		r.logger.Warn("cannot stat log", "path", m.Path, "error", err)
		return
	}
	if pos > info.Size() {
		r.logger.Warn("persisted offset beyond end of file, clamping",
			"path", m.Path, "offset", pos, "size", info.Size())
		pos = info.Size()
	}

	m.file = f
	m.offset = pos
	m.state = StateOpen
}

func (r *Reader) closeHandle(m *Monitor) {
	if m.file != nil {
		m.file.Close()
		m.file = nil
	}
	m.state = StateClosed
}

// Poll delivers every complete line appended since the last call. A
// trailing line without a newline is left for a later call. It returns
// the number of delivered lines.
func (r *Reader) Poll(ctx context.Context, path string) (int, error) {
	m, ok := r.monitors[path]
	if !ok {
		return 0, fmt.Errorf("log %s is not registered", path)
	}

	evt := events.StartLogBatch(path)
	total, err := r.poll(ctx, m, evt)
	evt.Lines(total).Offset(m.offset)
	if err != nil {
		evt.SetError(err)
	}
	if total > 0 || err != nil {
		r.emitter.Emit(evt.End())
	}
	return total, err
}

func (r *Reader) poll(ctx context.Context, m *Monitor, evt *events.LogBatchBuilder) (int, error) {
	if m.file == nil {
		pos := m.offset
		if m.state == StateMissing {
			pos = 0
		}
		r.open(m, pos)
		if m.file == nil {
			return 0, nil
		}
	}

	total := 0
	handleInfo, err := m.file.Stat()
	if err != nil {
		r.logger.Warn("cannot stat open log", "path", m.Path, "error", err)
		return 0, nil
	}

	// The path names a new file: finish the old one, then start the new one.
	if pathInfo, err := os.Stat(m.Path); err == nil && !os.SameFile(handleInfo, pathInfo) {
		n, err := r.drain(ctx, m)
		total += n
		if err != nil {
			return total, err
		}
		r.logger.Info("log rotated, reopening", "path", m.Path)
		evt.Reason("rotated")
		r.open(m, 0)
		if m.file == nil {
			return total, nil
		}
		if handleInfo, err = m.file.Stat(); err != nil {
			return total, nil
		}
	}

	if handleInfo.Size() < m.offset {
		r.logger.Info("log truncated, reading from start",
			"path", m.Path, "offset", m.offset, "size", handleInfo.Size())
		evt.Reason("truncated")
		m.offset = 0
	}

	n, err := r.drain(ctx, m)
	return total + n, err
}

// drain reads complete lines from the open handle in batches. Every line
// of a batch reaches every handler before the batch's end offset is
// persisted.
func (r *Reader) drain(ctx context.Context, m *Monitor) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		lines, next, readErr := r.readBatch(m)
		if readErr != nil {
			r.logger.Warn("read error", "path", m.Path, "error", readErr)
		}
		if len(lines) == 0 {
			return total, nil
		}

		for _, line := range lines {
			for _, h := range m.handlers {
				h(ctx, m.Path, line)
			}
		}
		total += len(lines)
		r.metrics.LinesRead(m.Path, len(lines))

		// The offset only moves once it is durable; a failed persist
		// leaves the batch to be read again.
		if err := r.persist(ctx, m.Path, next); err != nil {
			return total, err
		}
		m.offset = next

		if len(lines) < r.batchSize || readErr != nil {
			return total, nil
		}
	}
}

// readBatch reads up to batchSize complete lines starting at m.offset and
// returns them with the offset just past the last one.
func (r *Reader) readBatch(m *Monitor) ([]string, int64, error) {
	if _, err := m.file.Seek(m.offset, io.SeekStart); err != nil {
		return nil, m.offset, err
	}

	br := bufio.NewReader(m.file)
	pos := m.offset
	var lines []string
	for len(lines) < r.batchSize {
		s, err := br.ReadString('\n')
		if err != nil {
			// s is a partial line (or empty); leave it unconsumed.
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return lines, pos, err
		}
		pos += int64(len(s))
		lines = append(lines, strings.TrimSuffix(strings.TrimSuffix(s, "\n"), "\r"))
	}
	return lines, pos, nil
}

func (r *Reader) persist(ctx context.Context, path string, pos int64) error {
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		return tx.SetLogPosition(path, pos)
	})
	if err != nil {
		return fmt.Errorf("persist position of %s: %w", path, err)
	}
	return nil
}

// PollAll polls every registered log, in path order.
func (r *Reader) PollAll(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, path := range r.Paths() {
		n, err := r.Poll(ctx, path)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Opened handles creation of a monitored path: the new file is read from
// its start.
func (r *Reader) Opened(ctx context.Context, path string) (int, error) {
	m, ok := r.monitors[path]
	if !ok {
		return 0, nil
	}
	if m.file == nil {
		r.open(m, 0)
		if m.file == nil {
			return 0, nil
		}
		if err := r.persist(ctx, path, 0); err != nil {
			return 0, err
		}
	}
	// An existing handle on a replaced file is handled as rotation.
	return r.Poll(ctx, path)
}

// Closed handles removal of a monitored path: lines still readable
// through the handle are delivered, then the handle is closed and the
// persisted offset reset for the next file.
func (r *Reader) Closed(ctx context.Context, path string) (int, error) {
	m, ok := r.monitors[path]
	if !ok || m.file == nil {
		return 0, nil
	}

	n, err := r.drain(ctx, m)
	if err != nil {
		return n, err
	}
	r.closeHandle(m)
	m.offset = 0
	r.logger.Info("log removed, handle closed", "path", path)
	return n, r.persist(ctx, path, 0)
}

// Close persists every offset and closes all handles.
func (r *Reader) Close(ctx context.Context) error {
	var errs []error
	for _, path := range r.Paths() {
		m := r.monitors[path]
		if m.file != nil {
			if err := r.persist(ctx, path, m.offset); err != nil {
				errs = append(errs, err)
			}
		}
		r.closeHandle(m)
	}
	return errors.Join(errs...)
}
