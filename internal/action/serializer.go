package action

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
)

// keySerializer orders actions FIFO per resource key. Each acquirer atomically
// appends itself as the new tail of every key it touches, then waits for its
// predecessors to finish. Waiting is bounded: contention past the wait limit
// surfaces as ErrConflictingAction instead of queueing indefinitely.
type keySerializer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newKeySerializer() *keySerializer {
	return &keySerializer{tails: map[string]chan struct{}{}}
}

// acquire claims the given keys and returns a release function. On timeout or
// cancellation the claim is handed off to a goroutine that releases it as soon
// as the predecessors finish, so successors are never stranded.
func (s *keySerializer) acquire(ctx context.Context, keys []string, wait time.Duration) (func(), error) {
	if len(keys) == 0 {
		return func() {}, nil
	}

	done := make(chan struct{})
	seen := map[string]bool{}
	var predecessors []chan struct{}

	s.mu.Lock()
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		if tail, ok := s.tails[key]; ok {
			predecessors = append(predecessors, tail)
		}
		s.tails[key] = done
	}
	s.mu.Unlock()

	release := func() {
		close(done)
		s.mu.Lock()
		for key := range seen {
			if s.tails[key] == done {
				delete(s.tails, key)
			}
		}
		s.mu.Unlock()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for i, pred := range predecessors {
		select {
		case <-pred:
		case <-timer.C:
			s.abandon(predecessors[i:], release)
			return nil, apperrors.Wrap(apperrors.ErrConflictingAction, "timed out waiting for a conflicting action")
		case <-ctx.Done():
			s.abandon(predecessors[i:], release)
			return nil, apperrors.Wrap(apperrors.ErrConflictingAction, ctx.Err().Error())
		}
	}
	return release, nil
}

// abandon releases an unacquired claim once the remaining predecessors finish.
func (s *keySerializer) abandon(remaining []chan struct{}, release func()) {
	go func() {
		for _, pred := range remaining {
			<-pred
		}
		release()
	}()
}
