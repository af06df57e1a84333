package post

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"
)

// Repository is the working copy a Publisher writes into.
type Repository interface {
	Path() string
	Lock(ctx context.Context) (io.Closer, error)
	CleanSweep(ctx context.Context) error
	Add(relPath string) error
	Commit(ctx context.Context, authorName, authorEmail string, when time.Time, message string) error
	Push(ctx context.Context) error
}

type PublisherOptions struct {
	SiteDir       string // Site root inside the repository, slash separated.
	PostsDir      string // Posts directory relative to SiteDir.
	CommitChanges bool   // Sync before and commit and push after every write.
}

// Result locates a written post.
type Result struct {
	Slug     string
	Filename string // <slug>.md
	RelPath  string // Relative to the repository root, slash separated.
	Path     string // Absolute filesystem path.
}

// Publisher writes posts into the repository under its exclusive lock.
type Publisher struct {
	repo   Repository
	opts   PublisherOptions
	logger *slog.Logger
}

func NewPublisher(repo Repository, opts PublisherOptions, logger *slog.Logger) *Publisher {
	return &Publisher{
		repo:   repo,
		opts:   opts,
		logger: logger,
	}
}

func (p *Publisher) locate(slug string) Result {
	filename := slug + ".md"
	rel := path.Join(p.opts.SiteDir, p.opts.PostsDir, filename)

	return Result{
		Slug:     slug,
		Filename: filename,
		RelPath:  rel,
		Path:     filepath.Join(p.repo.Path(), filepath.FromSlash(rel)),
	}
}

// Exists reports whether the post for slug is already in the working copy.
func (p *Publisher) Exists(slug string) (bool, error) {
	_, err := os.Stat(p.locate(slug).Path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat post: %w", err)
	}
}

// Publish holds the repository lock while it optionally syncs the working
// copy, writes the post and optionally commits and pushes it. The lock is
// released on every return path.
func (p *Publisher) Publish(ctx context.Context, draft Draft) (res Result, err error) {
	res = p.locate(draft.Slug)

	lock, err := p.repo.Lock(ctx)
	if err != nil {
		return res, fmt.Errorf("lock repository: %w", err)
	}
	defer func() {
		if cerr := lock.Close(); cerr != nil {
			p.logger.ErrorContext(ctx, "failed to release repository lock", slog.Any("error", cerr))
		}
	}()
	p.logger.DebugContext(ctx, "acquired repository lock")

	if p.opts.CommitChanges {
		if err = p.repo.CleanSweep(ctx); err != nil {
			return res, fmt.Errorf("sync repository: %w", err)
		}

		exists, err := p.Exists(draft.Slug)
		if err != nil {
			return res, err
		}
		if exists {
			return res, fmt.Errorf("%w: %s", ErrPostExists, res.RelPath)
		}
	}

	if err = writeFile(res.Path, draft); err != nil {
		return res, err
	}
	p.logger.InfoContext(ctx, "generated post", slog.String("path", res.RelPath))

	if !p.opts.CommitChanges {
		p.logger.WarnContext(ctx, "not committing changes")
		return res, nil
	}

	if err = p.repo.Add(res.RelPath); err != nil {
		return res, fmt.Errorf("add post: %w", err)
	}

	authorName := draft.Author.Name
	if authorName == "" {
		authorName = draft.Author.Address
	}
	if err = p.repo.Commit(ctx, authorName, draft.Author.Address, draft.Date, draft.Subject); err != nil {
		return res, fmt.Errorf("commit post: %w", err)
	}

	if err = p.repo.Push(ctx); err != nil {
		return res, fmt.Errorf("push post: %w", err)
	}

	return res, nil
}

// writeFile creates the post exclusively; an existing file is a conflict.
func writeFile(name string, draft Draft) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create posts directory: %w", err)
	}

	//nolint:gosec
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrPostExists, filepath.Base(name))
		}
		return fmt.Errorf("create post: %w", err)
	}

	err = WritePost(f, draft.Frontmatter, draft.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("write post: %w", err)
	}

	return nil
}
