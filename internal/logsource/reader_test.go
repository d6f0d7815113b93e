// oreon/defense · watchthelight <wtl>

package logsource

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreonproject/logban/internal/store"
)

type recorder struct {
	lines []string
}

func (r *recorder) handle(ctx context.Context, path, line string) {
	r.lines = append(r.lines, line)
}

func openStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(dir, "logban.sqlite3"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func persisted(t *testing.T, st *store.Store, path string) int64 {
	t.Helper()
	var pos int64
	require.NoError(t, st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		pos, _, err = tx.LogPosition(path)
		return err
	}))
	return pos
}

func newReader(t *testing.T, st *store.Store, path string, opts ...Option) (*Reader, *recorder) {
	t.Helper()
	r := NewReader(st, opts...)
	rec := &recorder{}
	require.NoError(t, r.Register(context.Background(), path))
	require.NoError(t, r.AddHandler(path, rec.handle))
	return r, rec
}

func TestPoll_CompleteLinesOnly(t *testing.T) {
	dir := t.TempDir()
	st := openStore(t, dir)
	path := filepath.Join(dir, "auth.log")
	appendFile(t, path, "")

	r, rec := newReader(t, st, path)
	ctx := context.Background()

	appendFile(t, path, "one\r\ntwo\nthr")
	n, err := r.Poll(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"one", "two"}, rec.lines)
	assert.Equal(t, int64(len("one\r\ntwo\n")), persisted(t, st, path))

	appendFile(t, path, "ee\n")
	n, err = r.Poll(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"one", "two", "three"}, rec.lines)

	n, err = r.Poll(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPoll_Batches(t *testing.T) {
	dir := t.TempDir()
	st := openStore(t, dir)
	path := filepath.Join(dir, "auth.log")
	appendFile(t, path, "")

	r, rec := newReader(t, st, path, WithBatchSize(2))
	appendFile(t, path, "a\nb\nc\nd\ne\n")

	n, err := r.Poll(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, rec.lines)
	assert.Equal(t, int64(10), persisted(t, st, path))
	assert.Equal(t, int64(10), r.Monitor(path).Offset())
}

func TestRegister_ResumesFromPersistedOffset(t *testing.T) {
	dir := t.TempDir()
	st := openStore(t, dir)
	path := filepath.Join(dir, "auth.log")
	ctx := context.Background()
	appendFile(t, path, "")

	r, _ := newReader(t, st, path)
	appendFile(t, path, "seen\n")
	_, err := r.Poll(ctx, path)
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx))

	appendFile(t, path, "new\n")
	r2, rec := newReader(t, st, path)
	_, err = r2.PollAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, rec.lines)
}

func TestPoll_CancelledBatchIsReadAgain(t *testing.T) {
	dir := t.TempDir()
	st := openStore(t, dir)
	path := filepath.Join(dir, "auth.log")
	appendFile(t, path, "")

	r, rec := newReader(t, st, path)
	appendFile(t, path, "a\nb\nc\n")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.AddHandler(path, func(context.Context, string, string) { cancel() }))
	_, err := r.Poll(ctx, path)
	require.Error(t, err)
	assert.Zero(t, r.Monitor(path).Offset())

	// Flushing on shutdown must not record the unpersisted batch.
	require.NoError(t, r.Close(context.Background()))
	assert.Zero(t, persisted(t, st, path))

	r2, rec2 := newReader(t, st, path)
	_, err = r2.Poll(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, rec.lines)
	assert.Equal(t, []string{"a", "b", "c"}, rec2.lines)
	assert.Equal(t, int64(6), persisted(t, st, path))
}

func TestPoll_FailedOpenKeepsPersistedOffset(t *testing.T) {
	dir := t.TempDir()
	st := openStore(t, dir)
	path := filepath.Join(dir, "auth.log")
	ctx := context.Background()
	appendFile(t, path, "seen\n")
	require.NoError(t, st.Update(ctx, func(tx *store.Tx) error {
		return tx.SetLogPosition(path, 5)
	}))

	r := NewReader(st)
	r.openFile = func(name string) (*os.File, error) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: syscall.EMFILE}
	}
	require.NoError(t, r.Register(ctx, path))
	rec := &recorder{}
	require.NoError(t, r.AddHandler(path, rec.handle))
	assert.Equal(t, StateClosed, r.Monitor(path).State())
	assert.Equal(t, int64(5), r.Monitor(path).Offset())

	appendFile(t, path, "new\n")
	r.openFile = os.Open
	_, err := r.Poll(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, rec.lines)
	assert.Equal(t, int64(9), persisted(t, st, path))
}

func TestRegister_ClampsOffsetBeyondEOF(t *testing.T) {
	dir := t.TempDir()
	st := openStore(t, dir)
	path := filepath.Join(dir, "auth.log")
	ctx := context.Background()

	require.NoError(t, st.Update(ctx, func(tx *store.Tx) error {
		return tx.SetLogPosition(path, 1000)
	}))
	appendFile(t, path, "old\n")

	r, rec := newReader(t, st, path)
	assert.Equal(t, int64(4), r.Monitor(path).Offset())

	appendFile(t, path, "fresh\n")
	_, err := r.Poll(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, rec.lines)
}

func TestPoll_Truncation(t *testing.T) {
	dir := t.TempDir()
	st := openStore(t, dir)
	path := filepath.Join(dir, "auth.log")
	ctx := context.Background()
	appendFile(t, path, "")

	r, rec := newReader(t, st, path)
	appendFile(t, path, "aaaa\nbbbb\n")
	_, err := r.Poll(ctx, path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("c\n"), 0o644))
	n, err := r.Poll(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"aaaa", "bbbb", "c"}, rec.lines)
	assert.Equal(t, int64(2), persisted(t, st, path))
}

func TestPoll_RotationDrainsOldFile(t *testing.T) {
	dir := t.TempDir()
	st := openStore(t, dir)
	path := filepath.Join(dir, "auth.log")
	ctx := context.Background()
	appendFile(t, path, "")

	r, rec := newReader(t, st, path)
	appendFile(t, path, "old1\n")
	_, err := r.Poll(ctx, path)
	require.NoError(t, err)

	appendFile(t, path, "old2\n")
	require.NoError(t, os.Rename(path, path+".1"))
	appendFile(t, path, "new1\n")

	n, err := r.Poll(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"old1", "old2", "new1"}, rec.lines)
	assert.Equal(t, int64(5), persisted(t, st, path))
}

func TestMissingFile_OpenedLater(t *testing.T) {
	dir := t.TempDir()
	st := openStore(t, dir)
	path := filepath.Join(dir, "auth.log")
	ctx := context.Background()

	r, rec := newReader(t, st, path)
	assert.Equal(t, StateMissing, r.Monitor(path).State())

	n, err := r.Poll(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, n)

	appendFile(t, path, "first\n")
	n, err = r.Opened(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateOpen, r.Monitor(path).State())
	assert.Equal(t, []string{"first"}, rec.lines)
}

func TestClosed_DrainsAndResets(t *testing.T) {
	dir := t.TempDir()
	st := openStore(t, dir)
	path := filepath.Join(dir, "auth.log")
	ctx := context.Background()
	appendFile(t, path, "")

	r, rec := newReader(t, st, path)
	appendFile(t, path, "last words\n")
	require.NoError(t, os.Remove(path))

	n, err := r.Closed(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"last words"}, rec.lines)
	assert.Equal(t, StateClosed, r.Monitor(path).State())
	assert.Zero(t, persisted(t, st, path))
}

func TestPoll_UnregisteredPath(t *testing.T) {
	st := openStore(t, t.TempDir())
	r := NewReader(st)
	_, err := r.Poll(context.Background(), "/nope")
	assert.Error(t, err)
	assert.Error(t, r.AddHandler("/nope", func(context.Context, string, string) {}))
}

func TestWatcher_Translate(t *testing.T) {
	w := NewWatcher(func(Change) {}, nil)
	w.Add("/var/log/auth.log")

	tests := []struct {
		name string
		ev   fsnotify.Event
		want Change
		ok   bool
	}{
		{"write", fsnotify.Event{Name: "/var/log/auth.log", Op: fsnotify.Write}, Change{"/var/log/auth.log", OpWrite}, true},
		{"create", fsnotify.Event{Name: "/var/log/auth.log", Op: fsnotify.Create}, Change{"/var/log/auth.log", OpCreate}, true},
		{"rename", fsnotify.Event{Name: "/var/log/auth.log", Op: fsnotify.Rename}, Change{"/var/log/auth.log", OpRemove}, true},
		{"remove", fsnotify.Event{Name: "/var/log/auth.log", Op: fsnotify.Remove}, Change{"/var/log/auth.log", OpRemove}, true},
		{"chmod", fsnotify.Event{Name: "/var/log/auth.log", Op: fsnotify.Chmod}, Change{}, false},
		{"other file", fsnotify.Event{Name: "/var/log/syslog", Op: fsnotify.Write}, Change{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := w.Translate(tt.ev)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
