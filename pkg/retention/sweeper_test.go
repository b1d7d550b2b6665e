package retention

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/daykey"
	"github.com/viewledger/platform/pkg/partition"
)

// 2025-10-12 09:00 in Seoul.
var today = time.Date(2025, 10, 12, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, days ...string) (*partition.BadgerStore, *partition.BadgerStore) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	records := partition.NewBadgerStore(db, models.LogRecords)
	auto := partition.NewBadgerStore(db, models.LogAutoCollected)
	var batch []models.Record
	for _, d := range days {
		batch = append(batch, models.Record{VideoID: "v1", DayKeyLocal: d, ViewCount: 1, UpdatedAt: today})
	}
	require.NoError(t, records.Put(context.Background(), batch))
	require.NoError(t, auto.Put(context.Background(), batch))
	return records, auto
}

func remaining(t *testing.T, store partition.Store) []string {
	t.Helper()
	recs, err := store.ChangedSince(context.Background(), time.Time{})
	require.NoError(t, err)
	var days []string
	for _, r := range recs {
		days = append(days, r.DayKeyLocal)
	}
	return days
}

func TestSweepFourteenDays(t *testing.T) {
	records, auto := seed(t, "2025-09-20", "2025-09-28", "2025-10-10")
	sweeper := NewSweeper(daykey.MustResolver("Asia/Seoul"), daykey.NewFixedClock(today), records, auto)

	n, err := sweeper.Sweep(context.Background(), 14)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []string{"2025-09-28", "2025-10-10"}, remaining(t, records))
	assert.Equal(t, []string{"2025-09-28", "2025-10-10"}, remaining(t, auto))
}

func TestSweepUsesLocalToday(t *testing.T) {
	records, _ := seed(t, "2025-10-11", "2025-10-12")
	// 2025-10-12 23:30 UTC is already 2025-10-13 in Seoul.
	clock := daykey.NewFixedClock(time.Date(2025, 10, 12, 23, 30, 0, 0, time.UTC))
	sweeper := NewSweeper(daykey.MustResolver("Asia/Seoul"), clock, records)

	_, err := sweeper.Sweep(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-10-12"}, remaining(t, records))
}

func TestSweepZeroKeepsToday(t *testing.T) {
	records, _ := seed(t, "2025-10-11", "2025-10-12")
	sweeper := NewSweeper(daykey.MustResolver("Asia/Seoul"), daykey.NewFixedClock(today), records)

	_, err := sweeper.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-10-12"}, remaining(t, records))
}

func TestRetentionConflicts(t *testing.T) {
	records, _ := seed(t, "2025-10-12")
	sweeper := NewSweeper(daykey.MustResolver("Asia/Seoul"), daykey.NewFixedClock(today), records)

	_, err := sweeper.Sweep(context.Background(), -1)
	assert.ErrorIs(t, err, ErrRetentionConflict)

	_, err = sweeper.DeleteBefore(context.Background(), "2025-10-13")
	assert.ErrorIs(t, err, ErrRetentionConflict)

	_, err = sweeper.DeleteBefore(context.Background(), "yesterday")
	assert.NotErrorIs(t, err, ErrRetentionConflict)
	var ve models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, models.ReasonInvalidTimestamp, ve.Code)
	assert.Equal(t, "cutoff", ve.Field)

	assert.Equal(t, []string{"2025-10-12"}, remaining(t, records))
}

func TestRunStopsWithContext(t *testing.T) {
	records, _ := seed(t, "2025-09-01")
	sweeper := NewSweeper(daykey.MustResolver("Asia/Seoul"), daykey.NewFixedClock(today), records)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx, 14)
		close(done)
	}()

	require.Eventually(t, func() bool {
		left, err := records.ChangedSince(context.Background(), time.Time{})
		return err == nil && len(left) == 0
	}, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
