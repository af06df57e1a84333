package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when the working copy lock is still held by
// someone else after the configured wait.
var ErrLockTimeout = errors.New("timed out acquiring repository lock")

const minLockRetryDelay = 10 * time.Millisecond

// lockFile acquires an exclusive advisory lock on path, retrying every
// retryDelay for at most wait. A non-positive wait means a single attempt.
func lockFile(ctx context.Context, path string, wait, retryDelay time.Duration) (io.Closer, error) {
	fl := flock.New(path)

	var (
		locked bool
		err    error
	)
	if wait <= 0 {
		locked, err = fl.TryLock()
	} else {
		retryDelay = max(retryDelay, minLockRetryDelay)

		tctx, cancel := context.WithTimeout(ctx, wait)
		locked, err = fl.TryLockContext(tctx, retryDelay)
		cancel()

		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
	}

	return &fileLock{fl: fl}, nil
}

type fileLock struct {
	fl *flock.Flock
}

// Close releases the lock. The lock file itself is left in place.
func (l *fileLock) Close() error {
	return l.fl.Unlock()
}
