package checkpoint

import (
	"context"
	"sync"
)

// PathLocks enforces the per-destination claim: at most one worker may be
// actively transferring a given destination path at a time. The claim is
// taken before the checkpoint is consulted and released once the task
// settles.
type PathLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewPathLocks() *PathLocks {
	return &PathLocks{held: make(map[string]chan struct{})}
}

// Acquire blocks until the claim on path is available or ctx is cancelled.
// The returned release function must be called exactly once.
func (l *PathLocks) Acquire(ctx context.Context, path string) (func(), error) {
	for {
		l.mu.Lock()

		ch, taken := l.held[path]
		if !taken {
			done := make(chan struct{})
			l.held[path] = done
			l.mu.Unlock()

			var once sync.Once

			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, path)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}

		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryAcquire takes the claim without blocking. It returns false when another
// worker already holds it.
func (l *PathLocks) TryAcquire(path string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[path]; taken {
		return nil, false
	}

	done := make(chan struct{})
	l.held[path] = done

	var once sync.Once

	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, path)
			l.mu.Unlock()
			close(done)
		})
	}, true
}
