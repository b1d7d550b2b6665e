package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/daykey"
	"github.com/viewledger/platform/pkg/lease"
	"github.com/viewledger/platform/pkg/merge"
	"github.com/viewledger/platform/pkg/normalizer"
	"github.com/viewledger/platform/pkg/partition"
	"github.com/viewledger/platform/pkg/retention"
	"github.com/viewledger/platform/pkg/syncer"
)

// 2025-10-12 12:00 in Seoul.
var fixtureNow = time.Date(2025, 10, 12, 3, 0, 0, 0, time.UTC)

type memoryAudit struct {
	mu      sync.Mutex
	batches map[string]*Batch
}

func newMemoryAudit() *memoryAudit {
	return &memoryAudit{batches: make(map[string]*Batch)}
}

func (m *memoryAudit) Create(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *memoryAudit) UpdateStatus(_ context.Context, id, status string, report datatypes.JSONMap, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrNotFound
	}
	b.Status, b.Error = status, errMsg
	if report != nil {
		b.Report = report
	}
	return nil
}

func (m *memoryAudit) Get(_ context.Context, id string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memoryAudit) CleanupExpired(_ context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	cutoff := time.Now().UTC().Add(-ttl)
	for id, b := range m.batches {
		if b.CreatedAt.Before(cutoff) {
			delete(m.batches, id)
			n++
		}
	}
	return n, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) PublishEvent(_ context.Context, _ string, event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type fixture struct {
	service *Service
	store   *partition.BadgerStore
	auto    *partition.BadgerStore
	audit   *memoryAudit
	events  *recordingPublisher
	locker  *lease.MemoryLocker
	clock   *daykey.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	resolver := daykey.MustResolver("Asia/Seoul")
	clock := daykey.NewFixedClock(fixtureNow)
	store := partition.NewBadgerStore(db, models.LogRecords)
	auto := partition.NewBadgerStore(db, models.LogAutoCollected)
	engine := merge.NewEngine(store, resolver, clock)

	f := &fixture{
		store:  store,
		auto:   auto,
		audit:  newMemoryAudit(),
		events: &recordingPublisher{},
		locker: lease.NewMemoryLocker(time.Minute),
		clock:  clock,
	}
	f.service = NewService(Options{
		Validator:   NewValidator(nil, 100),
		Normalizer:  normalizer.New(resolver, nil),
		Engine:      engine,
		Coordinator: syncer.NewCoordinator(engine, time.Second, auto),
		Sweeper:     retention.NewSweeper(resolver, clock, store, auto),
		Locker:      f.locker,
		Audit:       f.audit,
		Events:      f.events,
		ReadOnly:    []partition.Store{auto},
		StatusTTL:   time.Hour,
	})
	return f
}
