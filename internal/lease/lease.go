// Package lease guards the orchestrator tick so only one holder runs it at a time.
package lease

import (
	"context"
	"sync"
)

// Locker hands out exclusive, non-blocking leases. Acquire returns a release
// func and true when the lease was obtained.
type Locker interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// Memory is a process-local Locker.
type Memory struct {
	mu sync.Mutex
}

var _ Locker = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Acquire(context.Context) (func(), bool, error) {
	if !m.mu.TryLock() {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(m.mu.Unlock) }, true, nil
}
