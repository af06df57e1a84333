// Package spool publishes raw messages dropped into a directory.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hickar/mailpost/internal/app/config"
	"github.com/hickar/mailpost/internal/app/post"
	"github.com/hickar/mailpost/internal/pkg/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	messageExt      = ".eml"
	defaultDebounce = 500 * time.Millisecond
)

type RawHandler interface {
	HandleRaw(ctx context.Context, r io.Reader) (post.Result, error)
}

// Watcher processes *.eml files found in a spool directory. Published and
// already published files are removed, malformed ones are renamed with the
// failed suffix and the rest stay for the next start.
type Watcher struct {
	dir          string
	failedSuffix string
	debounce     time.Duration
	handler      RawHandler
	logger       *slog.Logger
}

func NewWatcher(cfg config.SpoolConfig, handler RawHandler, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:          cfg.Dir,
		failedSuffix: cfg.FailedSuffix,
		debounce:     defaultDebounce,
		handler:      handler,
		logger:       logger,
	}
}

// Run processes the files already present and then every new file until ctx
// is canceled. Writes to a file are coalesced: it is picked up once it has
// been quiet for the debounce period.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = fsw.Close()
	}()

	if err = fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	if err = w.ProcessExisting(ctx); err != nil {
		return err
	}

	var (
		ready   = make(chan quietFile)
		stop    = make(chan struct{})
		pending = make(map[string]pendingFile)
		gen     uint64
	)
	defer func() {
		close(stop)
		for _, p := range pending {
			p.timer.Stop()
		}
	}()

	// arm (re)starts the debounce timer of a file. Deliveries from earlier
	// timers carry an older generation and are dropped.
	arm := func(name string) {
		if p, ok := pending[name]; ok {
			p.timer.Stop()
		}

		gen++
		g := gen
		pending[name] = pendingFile{
			gen: g,
			timer: time.AfterFunc(w.debounce, func() {
				select {
				case ready <- quietFile{name: name, gen: g, stat: statFile(name)}:
				case <-stop:
				}
			}),
		}
	}

	w.logger.InfoContext(ctx, "watching spool directory", slog.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.isMessage(event.Name) {
				continue
			}
			arm(event.Name)

		case f := <-ready:
			p, ok := pending[f.name]
			if !ok || p.gen != f.gen {
				continue
			}
			// Written to after the timer fired, while a previous file was
			// being processed.
			if !statFile(f.name).equal(f.stat) {
				arm(f.name)
				continue
			}

			delete(pending, f.name)
			w.process(ctx, f.name)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.ErrorContext(ctx, "watcher error", slog.Any("error", err))
		}
	}
}

type pendingFile struct {
	gen   uint64
	timer *time.Timer
}

// quietFile is a file whose debounce timer fired, with its state at that moment.
type quietFile struct {
	name string
	gen  uint64
	stat fileStat
}

type fileStat struct {
	size    int64
	modTime time.Time
}

// statFile returns the zero fileStat for files that cannot be stat'ed.
func statFile(path string) fileStat {
	info, err := os.Stat(path)
	if err != nil {
		return fileStat{}
	}
	return fileStat{size: info.Size(), modTime: info.ModTime()}
}

func (s fileStat) equal(o fileStat) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

// ProcessExisting handles every message file currently in the directory in
// name order.
func (w *Watcher) ProcessExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read spool directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && w.isMessage(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	slices.Sort(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.process(ctx, filepath.Join(w.dir, name))
	}

	return nil
}

func (w *Watcher) isMessage(name string) bool {
	return strings.HasSuffix(name, messageExt)
}

func (w *Watcher) process(ctx context.Context, path string) post.Outcome {
	ctx = logger.WithAttrs(ctx,
		slog.String("run_id", uuid.NewString()),
		slog.String("file", filepath.Base(path)),
	)

	//nolint:gosec
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return post.OutcomeOK
	}
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to open message", slog.Any("error", err))
		return post.OutcomeCollaboratorError
	}

	res, err := w.handler.HandleRaw(ctx, f)
	_ = f.Close()

	outcome := post.Classify(err)
	switch {
	case outcome == post.OutcomeOK:
		w.logger.InfoContext(ctx, "published post", slog.String("path", res.RelPath))
		w.remove(ctx, path)
	case outcome.Conflict():
		w.logger.InfoContext(ctx, "message already processed", slog.Any("error", err))
		w.remove(ctx, path)
	case outcome == post.OutcomeInputError:
		w.logger.WarnContext(ctx, "rejected message", slog.Any("error", err))
		if err = os.Rename(path, path+w.failedSuffix); err != nil {
			w.logger.ErrorContext(ctx, "failed to set message aside", slog.Any("error", err))
		}
	default:
		w.logger.ErrorContext(ctx, "message processing failed",
			slog.String("outcome", outcome.String()),
			slog.Any("error", err),
		)
	}

	return outcome
}

func (w *Watcher) remove(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.ErrorContext(ctx, "failed to remove message", slog.Any("error", err))
	}
}
