// Package gitrepo manages the blog working copy with go-git.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hickar/mailpost/internal/app/config"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

const lockFileName = "mailpost.lock"

type Repo struct {
	repo   *git.Repository
	path   string
	cfg    config.RepositoryConfig
	auth   transport.AuthMethod
	logger *slog.Logger
}

// Clone clones cfg.URL into cfg.WorkingCopy.
func Clone(ctx context.Context, cfg config.RepositoryConfig, logger *slog.Logger) (*Repo, error) {
	logger.InfoContext(ctx, "cloning", slog.String("path", cfg.WorkingCopy))

	auth := authMethod(cfg)
	repo, err := git.PlainCloneContext(ctx, cfg.WorkingCopy, false, &git.CloneOptions{
		URL:        cfg.URL,
		Auth:       auth,
		RemoteName: cfg.Remote,
	})
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", cfg.WorkingCopy, err)
	}

	return newRepo(repo, cfg, auth, logger), nil
}

// Open opens an existing working copy.
func Open(cfg config.RepositoryConfig, logger *slog.Logger) (*Repo, error) {
	repo, err := git.PlainOpen(cfg.WorkingCopy)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.WorkingCopy, err)
	}

	return newRepo(repo, cfg, authMethod(cfg), logger), nil
}

func newRepo(repo *git.Repository, cfg config.RepositoryConfig, auth transport.AuthMethod, logger *slog.Logger) *Repo {
	return &Repo{
		repo:   repo,
		path:   cfg.WorkingCopy,
		cfg:    cfg,
		auth:   auth,
		logger: logger,
	}
}

func authMethod(cfg config.RepositoryConfig) transport.AuthMethod {
	if cfg.Token == "" {
		return nil
	}

	username := cfg.Username
	if username == "" {
		username = "git"
	}
	return &githttp.BasicAuth{Username: username, Password: cfg.Token}
}

func (r *Repo) Path() string {
	return r.path
}

// Lock takes the exclusive working copy lock, kept under .git so it never
// shows up as an untracked file.
func (r *Repo) Lock(ctx context.Context) (io.Closer, error) {
	lock, err := lockFile(ctx, filepath.Join(r.path, ".git", lockFileName), r.cfg.LockTimeout, r.cfg.LockRetryDelay)
	if err != nil {
		return nil, err
	}

	r.logger.DebugContext(ctx, "acquired lock")
	return lock, nil
}

// CleanSweep makes the working copy match the remote tip of the current
// branch: fetch, hard reset and removal of untracked files.
func (r *Repo) CleanSweep(ctx context.Context) error {
	r.logger.InfoContext(ctx, "cleaning")

	branch, err := r.branch()
	if err != nil {
		return err
	}

	err = r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: r.cfg.Remote,
		Auth:       r.auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch: %w", err)
	}

	remoteRef, err := r.repo.Reference(plumbing.NewRemoteReferenceName(r.cfg.Remote, branch.Short()), true)
	if err != nil {
		return fmt.Errorf("resolve remote branch %s: %w", branch.Short(), err)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	if err = wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	if err = wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("clean: %w", err)
	}

	return nil
}

// Add stages a file given relative to the repository root.
func (r *Repo) Add(relPath string) error {
	r.logger.Info("adding", slog.String("path", relPath))

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	if _, err = wt.Add(relPath); err != nil {
		return fmt.Errorf("add %s: %w", relPath, err)
	}

	return nil
}

// Commit records the staged changes. The author is the message sender; the
// committer is the fixed configured identity.
func (r *Repo) Commit(ctx context.Context, authorName, authorEmail string, when time.Time, message string) error {
	r.logger.InfoContext(ctx, "committing")

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  when,
		},
		Committer: &object.Signature{
			Name:  r.cfg.CommitterName,
			Email: r.cfg.CommitterEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// Push publishes the current branch.
func (r *Repo) Push(ctx context.Context) error {
	r.logger.InfoContext(ctx, "pushing")

	branch, err := r.branch()
	if err != nil {
		return err
	}

	err = r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: r.cfg.Remote,
		Auth:       r.auth,
		RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec(branch + ":" + branch)},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push: %w", err)
	}

	return nil
}

func (r *Repo) branch() (plumbing.ReferenceName, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", head.Hash())
	}

	return head.Name(), nil
}
