package swagent

import "sync/atomic"

// busyGuard is a non-reentrant try-lock. A second caller is rejected instead
// of queued.
type busyGuard struct {
	held atomic.Bool
}

// TryAcquire takes the guard and returns its release func, or reports false
// if the guard is already held.
func (g *busyGuard) TryAcquire() (release func(), ok bool) {
	if !g.held.CompareAndSwap(false, true) {
		return nil, false
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			g.held.Store(false)
		}
	}, true
}

// Busy reports whether the guard is currently held.
func (g *busyGuard) Busy() bool {
	return g.held.Load()
}
