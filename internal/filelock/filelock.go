// ============================================================================
// gpuq File Lock - cross-process mutual exclusion
// ============================================================================
//
// Package: internal/filelock
// File: filelock.go
// Purpose: Exclusive advisory lock on a companion "<path>.lock" file
//
// How it works:
//   Every Acquire opens its own descriptor on the lock file and takes
//   flock(LOCK_EX). flock locks belong to the open file description, so two
//   Acquire calls conflict whether they come from different processes or from
//   different goroutines of the same process.
//
//   With a positive timeout the lock is polled with LOCK_NB under an
//   exponential backoff; running out of time yields ErrLockTimeout, which the
//   caller may treat as transient and retry.
//
// ============================================================================

package filelock

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrLockTimeout the lock could not be acquired within the configured timeout
var ErrLockTimeout = errors.New("filelock: timed out waiting for lock")

// Lock names a lock file. It holds no descriptor until Acquire.
type Lock struct {
	path    string
	timeout time.Duration
}

// New returns a Lock on path. A timeout <= 0 blocks until the lock is free.
func New(path string, timeout time.Duration) *Lock {
	return &Lock{path: path, timeout: timeout}
}

// Path of the lock file
func (l *Lock) Path() string {
	return l.path
}

// Handle a held lock
type Handle struct {
	f *os.File
}

// Acquire takes the exclusive lock
func (l *Lock) Acquire(ctx context.Context) (*Handle, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "filelock: open %s", l.path)
	}
	// Any local user must be able to take the lock; ignore EPERM when the
	// file belongs to somebody else.
	_ = f.Chmod(0666)

	fd := int(f.Fd())

	if l.timeout <= 0 {
		if err := flockRetryEINTR(fd, unix.LOCK_EX); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "filelock: lock %s", l.path)
		}
		return &Handle{f: f}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = l.timeout

	op := func() error {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		f.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(ErrLockTimeout, "%s after %s", l.path, l.timeout)
		}
		return nil, errors.Wrapf(err, "filelock: lock %s", l.path)
	}

	return &Handle{f: f}, nil
}

// Release drops the lock and closes the descriptor
func (h *Handle) Release() error {
	if h == nil || h.f == nil {
		return nil
	}
	unlockErr := unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	closeErr := h.f.Close()
	h.f = nil
	if unlockErr != nil {
		return errors.Wrap(unlockErr, "filelock: unlock")
	}
	return closeErr
}

// With runs fn while holding the lock. The lock is released on every exit
// path, including a panic inside fn.
func (l *Lock) With(ctx context.Context, fn func() error) (err error) {
	h, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := h.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn()
}

// SharedDirMode lets every local user create and rename entries. No sticky
// bit: it would stop one user from replacing a file another user wrote.
const SharedDirMode = 0777

// MkdirShared creates dir and any missing parents with SharedDirMode. Only
// the directories created here are chmod'ed, since the umask narrows
// MkdirAll's mode; existing directories keep their permissions.
func MkdirShared(dir string) error {
	dir = filepath.Clean(dir)

	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return errors.Wrapf(err, "filelock: stat %s", d)
		}
		missing = append(missing, d)
		if parent := filepath.Dir(d); parent == d {
			break
		}
	}

	if err := os.MkdirAll(dir, SharedDirMode); err != nil {
		return errors.Wrapf(err, "filelock: create %s", dir)
	}
	for _, d := range missing {
		if err := os.Chmod(d, SharedDirMode); err != nil {
			return errors.Wrapf(err, "filelock: chmod %s", d)
		}
	}
	return nil
}

func flockRetryEINTR(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
