package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type lease struct {
	owner   string
	expires time.Time
}

// MemoryLeaser is an in-process Leaser.
type MemoryLeaser struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewMemoryLeaser creates an empty MemoryLeaser.
func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

// Acquire implements Leaser.
func (m *MemoryLeaser) Acquire(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if err := validate(instanceID, owner, ttl); err != nil {
		return err
	}
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		now := m.now()
		if cur, ok := m.leases[instanceID]; ok && cur.owner != owner && now.Before(cur.expires) {
			return fmt.Errorf("%w: instance=%s", ErrLeaseHeld, instanceID)
		}
		m.leases[instanceID] = lease{owner: owner, expires: now.Add(ttl)}
		return nil
	})
}

// Release implements Leaser.
func (m *MemoryLeaser) Release(ctx context.Context, instanceID, owner string) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.leases[instanceID]
		if !ok || cur.owner != owner || !m.now().Before(cur.expires) {
			return fmt.Errorf("%w: instance=%s", ErrLeaseNotHeld, instanceID)
		}
		delete(m.leases, instanceID)
		return nil
	})
}

// Owner implements Leaser.
func (m *MemoryLeaser) Owner(ctx context.Context, instanceID string) (string, error) {
	return withContext(ctx, func() (string, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.leases[instanceID]
		if !ok || !m.now().Before(cur.expires) {
			return "", nil
		}
		return cur.owner, nil
	})
}
