package swagent

import (
	"context"
	"sync"
	"time"
)

// Token holds the platform JWT delivered over the transport. Waiters block
// until the first value arrives; later Set calls only replace the value.
type Token struct {
	mu    sync.RWMutex
	value string
	once  sync.Once
	ready chan struct{}
}

func NewToken() *Token {
	return &Token{ready: make(chan struct{})}
}

// Set stores a fresh token. Empty values are ignored.
func (t *Token) Set(value string) {
	if value == "" {
		return
	}
	t.mu.Lock()
	t.value = value
	t.mu.Unlock()
	t.once.Do(func() { close(t.ready) })
}

// Value returns the current token or "".
func (t *Token) Value() string {
	if t == nil {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.value
}

// Wait blocks until a token is available, timeout elapses or ctx ends.
func (t *Token) Wait(ctx context.Context, timeout time.Duration) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ready:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
