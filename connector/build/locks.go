package build

import (
	"context"
	"sync"
)

// ToolchainLocks serializes builds that share a toolchain cache. A zero
// Toolchain is never serialized.
type ToolchainLocks struct {
	mu    sync.Mutex
	slots map[Toolchain]chan struct{}
}

func NewToolchainLocks() *ToolchainLocks {
	return &ToolchainLocks{slots: make(map[Toolchain]chan struct{})}
}

func (l *ToolchainLocks) slot(tc Toolchain) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[tc]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[tc] = ch
	}
	return ch
}

// Acquire blocks until the toolchain is free or ctx is done.
func (l *ToolchainLocks) Acquire(ctx context.Context, tc Toolchain) (func(), error) {
	if tc == "" {
		return func() {}, nil
	}
	ch := l.slot(tc)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}
