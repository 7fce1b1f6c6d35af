package rollout

import (
	"sync"

	"github.com/shinji-kodama/swarm-secrets/internal/model"
)

// objectLocks tracks which objects have a rollout running in this process.
// Locks are never waited for: a second rollout of the same object is
// rejected instead of queued.
type objectLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newObjectLocks() *objectLocks {
	return &objectLocks{held: make(map[string]struct{})}
}

func lockKey(kind model.Kind, name string) string {
	return string(kind) + "/" + name
}

// tryLock takes all named locks or none of them.
func (l *objectLocks) tryLock(kind model.Kind, names ...string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range names {
		if _, ok := l.held[lockKey(kind, n)]; ok {
			return false
		}
	}
	for _, n := range names {
		l.held[lockKey(kind, n)] = struct{}{}
	}
	return true
}

func (l *objectLocks) unlock(kind model.Kind, names ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range names {
		delete(l.held, lockKey(kind, n))
	}
}

func (l *objectLocks) isHeld(kind model.Kind, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[lockKey(kind, name)]
	return ok
}
