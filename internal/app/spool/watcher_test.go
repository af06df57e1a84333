package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hickar/mailpost/internal/app/config"
	"github.com/hickar/mailpost/internal/app/post"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeHandler decides the outcome from the file content.
type fakeHandler struct {
	mu   sync.Mutex
	seen []string
}

func (h *fakeHandler) HandleRaw(_ context.Context, r io.Reader) (post.Result, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return post.Result{}, err
	}
	content := strings.TrimSpace(string(raw))

	h.mu.Lock()
	h.seen = append(h.seen, content)
	h.mu.Unlock()

	switch content {
	case "ok":
		return post.Result{RelPath: "_posts/blog/x.md"}, nil
	case "dup":
		return post.Result{}, fmt.Errorf("%w: x", post.ErrPostExists)
	case "bad":
		return post.Result{}, fmt.Errorf("%w: no text", post.ErrInvalidMessage)
	default:
		return post.Result{}, errors.New("push: connection reset")
	}
}

func (h *fakeHandler) handled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func newTestWatcher(t *testing.T) (*Watcher, *fakeHandler, string) {
	t.Helper()

	dir := t.TempDir()
	handler := &fakeHandler{}
	w := NewWatcher(config.SpoolConfig{Dir: dir, FailedSuffix: ".failed"}, handler, discardLogger)
	w.debounce = 20 * time.Millisecond
	return w, handler, dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestProcessExisting(t *testing.T) {
	w, handler, dir := newTestWatcher(t)

	writeFile(t, dir, "1.eml", "ok")
	writeFile(t, dir, "2.eml", "dup")
	writeFile(t, dir, "3.eml", "bad")
	writeFile(t, dir, "4.eml", "fail")
	writeFile(t, dir, "notes.txt", "ok")

	require.NoError(t, w.ProcessExisting(context.Background()))

	assert.Equal(t, []string{"ok", "dup", "bad", "fail"}, handler.handled())
	assert.NoFileExists(t, filepath.Join(dir, "1.eml"))
	assert.NoFileExists(t, filepath.Join(dir, "2.eml"))
	assert.NoFileExists(t, filepath.Join(dir, "3.eml"))
	assert.FileExists(t, filepath.Join(dir, "3.eml.failed"))
	assert.FileExists(t, filepath.Join(dir, "4.eml"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestRunPicksUpNewFiles(t *testing.T) {
	w, handler, dir := newTestWatcher(t)
	writeFile(t, dir, "old.eml", "ok")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "old.eml"))
		return errors.Is(err, os.ErrNotExist)
	}, 2*time.Second, 10*time.Millisecond)

	writeFile(t, dir, "new.eml", "bad")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "new.eml.failed"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}

	assert.Equal(t, []string{"ok", "bad"}, handler.handled())
}

func TestRunMissingDirectory(t *testing.T) {
	w := NewWatcher(config.SpoolConfig{Dir: filepath.Join(t.TempDir(), "missing")}, &fakeHandler{}, discardLogger)
	assert.Error(t, w.Run(context.Background()))
}

// blockingHandler holds the "slow" message until released and passes the
// rest to fakeHandler.
type blockingHandler struct {
	fakeHandler
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (h *blockingHandler) HandleRaw(ctx context.Context, r io.Reader) (post.Result, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return post.Result{}, err
	}
	if strings.TrimSpace(string(raw)) == "slow" {
		h.once.Do(func() { close(h.started) })
		<-h.release
		return post.Result{RelPath: "_posts/blog/slow.md"}, nil
	}
	return h.fakeHandler.HandleRaw(ctx, strings.NewReader(string(raw)))
}

func TestRunWaitsForWritesDuringSlowHandler(t *testing.T) {
	dir := t.TempDir()
	handler := &blockingHandler{started: make(chan struct{}), release: make(chan struct{})}
	w := NewWatcher(config.SpoolConfig{Dir: dir, FailedSuffix: ".failed"}, handler, discardLogger)
	w.debounce = 150 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	writeFile(t, dir, "warmup.eml", "ok")
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "warmup.eml"))
		return errors.Is(err, os.ErrNotExist)
	}, 2*time.Second, 10*time.Millisecond)

	// b.eml is seen while the loop is idle, but its timer fires while a.eml
	// holds the loop. It is written to again after that.
	writeFile(t, dir, "a.eml", "slow")
	time.Sleep(w.debounce / 3)
	writeFile(t, dir, "b.eml", "o")

	select {
	case <-handler.started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow message was not picked up")
	}
	time.Sleep(3 * w.debounce)

	f, err := os.OpenFile(filepath.Join(dir, "b.eml"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("k")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	close(handler.release)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "b.eml"))
		return errors.Is(err, os.ErrNotExist)
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(3 * w.debounce)

	assert.Equal(t, []string{"ok", "ok"}, handler.handled())

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
