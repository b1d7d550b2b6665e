package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/lease"
	"github.com/viewledger/platform/pkg/retention"
)

func TestIngestMergesAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.service.Ingest(ctx, IngestRequest{
		Source: "extension",
		Records: []map[string]interface{}{
			{"videoId": "v1", "collectionDate": "2025-10-12T01:00:00Z", "viewCount": float64(100)},
			{"videoId": "v2", "collectionDate": "2025-10-12", "views": "2,500", "status": "classified", "category": "music"},
			{"collectionDate": "2025-10-12"},
			{"videoId": "v3"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, resp.Status)
	assert.Equal(t, 2, resp.Report.Inserted)
	assert.Equal(t, 2, resp.Report.Rejected)
	require.Len(t, resp.Report.RejectedItems, 2)
	assert.Equal(t, 2, resp.Report.RejectedItems[0].Index)
	assert.Equal(t, models.ReasonInvalidVideoID, resp.Report.RejectedItems[0].Reason)
	assert.Equal(t, 3, resp.Report.RejectedItems[1].Index)
	assert.Equal(t, models.ReasonMissingTimestamp, resp.Report.RejectedItems[1].Reason)

	batch, err := f.service.Status(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, batch.Status)
	assert.Equal(t, 4, batch.ItemCount)
	assert.EqualValues(t, 2, batch.Report["inserted"])

	require.Len(t, f.events.events, 1)
	assert.Equal(t, models.EventRecordsMerged, f.events.events[0].Type)

	got, err := f.service.QueryByDay(ctx, "2025-10-12")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "v2", got[0].VideoID)
	assert.Equal(t, "Music", got[0].Category)
	assert.Equal(t, "extension", got[0].Source)
}

func TestIngestRejectsBadEnvelope(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Ingest(context.Background(), IngestRequest{Source: "", Records: []map[string]interface{}{{"videoId": "v1"}}})
	assert.True(t, models.IsValidationError(err))

	_, err = f.service.Ingest(context.Background(), IngestRequest{Source: "extension"})
	assert.True(t, models.IsValidationError(err))
	assert.Empty(t, f.audit.batches)
}

func TestNormalizeAndMergeReportsRawIndex(t *testing.T) {
	f := newFixture(t)

	report, err := f.service.NormalizeAndMerge(context.Background(), "import", []map[string]interface{}{
		{"videoId": "v1", "collectionDate": "2025-10-12", "viewCount": -1},
		{"videoId": "v2", "collectionDate": "2025-10-12"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	require.Len(t, report.RejectedItems, 1)
	assert.Equal(t, 0, report.RejectedItems[0].Index)
	assert.Equal(t, models.ReasonInvalidMetric, report.RejectedItems[0].Reason)
}

func TestQueryRangeUnionsLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Push(ctx, []models.Record{
		{VideoID: "v1", DayKeyLocal: "2025-10-11", ViewCount: 10},
		{VideoID: "v2", DayKeyLocal: "2025-10-12", ViewCount: 30},
	})
	require.NoError(t, err)
	require.NoError(t, f.auto.Put(ctx, []models.Record{
		{VideoID: "v1", DayKeyLocal: "2025-10-11", ViewCount: 99, Source: "auto", UpdatedAt: fixtureNow},
		{VideoID: "v3", DayKeyLocal: "2025-10-12", ViewCount: 50, UpdatedAt: fixtureNow},
	}))

	got, err := f.service.QueryRange(ctx, []string{"2025-10-12", "2025-10-11"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "v1", got[0].VideoID)
	assert.Equal(t, int64(99), got[0].ViewCount)
	assert.Equal(t, "v3", got[1].VideoID)
	assert.Equal(t, "v2", got[2].VideoID)

	_, err = f.service.QueryRange(ctx, []string{"10/12"})
	assert.True(t, models.IsValidationError(err))
}

func TestDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Push(ctx, []models.Record{
		{VideoID: "v1", DayKeyLocal: "2025-09-20", ViewCount: 1},
		{VideoID: "v2", DayKeyLocal: "2025-10-10", ViewCount: 1},
		{VideoID: "v3", DayKeyLocal: "2025-10-12", ViewCount: 1},
	})
	require.NoError(t, err)

	n, err := f.service.DeleteByIDs(ctx, []string{models.RecordID("v3", "2025-10-12"), " "})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.service.DeleteByIDs(ctx, nil)
	assert.True(t, models.IsValidationError(err))

	n, err = f.service.DeleteByDayBefore(ctx, "2025-09-28")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.service.DeleteByDayBefore(ctx, "2025-10-13")
	assert.ErrorIs(t, err, retention.ErrRetentionConflict)

	left, err := f.service.Pull(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "v2", left[0].VideoID)
}

func TestCollectionLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.service.AcquireCollection(ctx, models.CollectionManual, "operator")
	require.NoError(t, err)
	_, err = f.service.AcquireCollection(ctx, models.CollectionManual, "someone-else")
	assert.ErrorIs(t, err, lease.ErrLeaseHeld)

	require.NoError(t, f.service.ReleaseCollection(ctx, l))
	assert.ErrorIs(t, f.service.ReleaseCollection(ctx, l), lease.ErrLeaseLost)
}

func TestRestoreAndChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snapshot := []models.Record{{VideoID: "v1", DayKeyLocal: "2025-10-12", ViewCount: 5}}

	report, err := f.service.Restore(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)

	changed, err := f.service.HasChanges(ctx, fixtureNow.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, changed)

	report, err = f.service.Restore(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unchanged)
	changed, err = f.service.HasChanges(ctx, fixtureNow)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCleanupRemovesExpiredBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.audit.batches["old"] = &Batch{ID: "old", CreatedAt: time.Now().Add(-2 * time.Hour)}
	f.audit.batches["new"] = &Batch{ID: "new", CreatedAt: time.Now()}

	require.NoError(t, f.service.Cleanup(ctx))
	_, err := f.service.Status(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.service.Status(ctx, "new")
	assert.NoError(t, err)
}
