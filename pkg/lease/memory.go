package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viewledger/platform/pkg/common/models"
)

// MemoryLocker is a single-process Locker for the sync agent and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	leases map[models.CollectionType]Lease
}

func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	return &MemoryLocker{ttl: ttl, now: time.Now, leases: make(map[models.CollectionType]Lease)}
}

func (m *MemoryLocker) Acquire(_ context.Context, ct models.CollectionType, holder string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[ct]; ok && now.Before(cur.ExpiresAt) {
		return Lease{}, fmt.Errorf("%w: %s", ErrLeaseHeld, ct)
	}
	l := Lease{CollectionType: ct, Holder: holder, Token: uuid.New().String(), ExpiresAt: now.Add(m.ttl)}
	m.leases[ct] = l
	return l, nil
}

func (m *MemoryLocker) Release(_ context.Context, l Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[l.CollectionType]
	if !ok || cur.Token != l.Token || !m.now().Before(cur.ExpiresAt) {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.CollectionType)
	}
	delete(m.leases, l.CollectionType)
	return nil
}
