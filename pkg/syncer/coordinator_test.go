package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/daykey"
	"github.com/viewledger/platform/pkg/merge"
	"github.com/viewledger/platform/pkg/partition"
)

var t0 = time.Date(2025, 10, 12, 3, 0, 0, 0, time.UTC)

func openBadger(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	coord *Coordinator
	store *partition.BadgerStore
	auto  *partition.BadgerStore
	clock *daykey.FixedClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := openBadger(t)
	store := partition.NewBadgerStore(db, models.LogRecords)
	auto := partition.NewBadgerStore(db, models.LogAutoCollected)
	clock := daykey.NewFixedClock(t0)
	engine := merge.NewEngine(store, daykey.MustResolver("Asia/Seoul"), clock)
	return fixture{coord: NewCoordinator(engine, time.Second, auto), store: store, auto: auto, clock: clock}
}

func TestPushThenPull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.coord.Push(ctx, []models.Record{
		{VideoID: "v1", DayKeyLocal: "2025-10-12", ViewCount: 10},
		{VideoID: "", DayKeyLocal: "2025-10-12"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 1, report.Rejected)

	f.clock.Advance(time.Minute)
	_, err = f.coord.Push(ctx, []models.Record{{VideoID: "v2", DayKeyLocal: "2025-10-11", ViewCount: 3}})
	require.NoError(t, err)

	all, err := f.coord.Pull(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "v1", all[0].VideoID)
	assert.Equal(t, "v2", all[1].VideoID)

	recent, err := f.coord.Pull(ctx, t0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "v2", recent[0].VideoID)

	has, err := f.coord.HasChanges(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPullUnionsLogsAndDedupes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Push(ctx, []models.Record{{VideoID: "v1", DayKeyLocal: "2025-10-12", ViewCount: 10}})
	require.NoError(t, err)
	require.NoError(t, f.auto.Put(ctx, []models.Record{
		{VideoID: "v1", DayKeyLocal: "2025-10-12", ViewCount: 40, Source: "auto", UpdatedAt: t0.Add(time.Hour)},
		{VideoID: "v9", DayKeyLocal: "2025-10-12", ViewCount: 1, UpdatedAt: t0.Add(time.Hour)},
	}))

	got, err := f.coord.Pull(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		if r.VideoID == "v1" {
			assert.Equal(t, int64(40), r.ViewCount)
			assert.Equal(t, "auto", r.Source)
		}
	}

	has, err := f.coord.HasChanges(ctx, t0)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPushFailsWholeBatchAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.coord.Push(ctx, []models.Record{{VideoID: "v1", DayKeyLocal: "2025-10-12", ViewCount: 1}})
	require.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := f.store.ChangedSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRestoreTwiceIsByteIdentical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

	snapshot := []models.Record{
		{VideoID: "v1", DayKeyLocal: "2025-10-10", ViewCount: 7, Title: "one", CreatedAt: created},
		{VideoID: "v2", DayKeyLocal: "2025-10-11", ViewCount: 9, Status: models.StatusClassified, Category: "News", CreatedAt: created},
		{VideoID: "v2", DayKeyLocal: "2025-10-12", ViewCount: 12, CollectionType: models.CollectionAuto, CreatedAt: created},
	}
	days := []string{"2025-10-10", "2025-10-11", "2025-10-12"}

	first, err := f.coord.RestoreIdempotent(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Inserted)
	assert.Equal(t, 3, first.SnapshotSize)
	once, err := f.store.GetDays(ctx, days)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	second, err := f.coord.RestoreIdempotent(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, 3, second.Unchanged)
	twice, err := f.store.GetDays(ctx, days)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, created, twice[0].CreatedAt)
}
