package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewledger/platform/pkg/common/models"
)

func TestDedupeKeepsHighestViews(t *testing.T) {
	t0 := time.Date(2025, 10, 12, 0, 0, 0, 0, time.UTC)
	in := []models.Record{
		{VideoID: "v1", DayKeyLocal: "2025-10-12", ViewCount: 100, Source: "records", UpdatedAt: t0},
		{VideoID: "v1", DayKeyLocal: "2025-10-12", ViewCount: 150, Source: "auto", UpdatedAt: t0},
		{VideoID: "v1", DayKeyLocal: "2025-10-11", ViewCount: 90, UpdatedAt: t0},
		{VideoID: "v2", DayKeyLocal: "2025-10-12", ViewCount: 10, Source: "old", UpdatedAt: t0},
		{VideoID: "v2", DayKeyLocal: "2025-10-12", ViewCount: 10, Source: "new", UpdatedAt: t0.Add(time.Minute)},
	}

	out := Dedupe(in)
	require.Len(t, out, 3)
	bySource := map[models.Key]string{}
	for _, r := range out {
		bySource[r.Key()] = r.Source
	}
	assert.Equal(t, "auto", bySource[models.Key{VideoID: "v1", DayKey: "2025-10-12"}])
	assert.Equal(t, "new", bySource[models.Key{VideoID: "v2", DayKey: "2025-10-12"}])
	assert.Contains(t, bySource, models.Key{VideoID: "v1", DayKey: "2025-10-11"})

	assert.Len(t, in, 5)
	assert.Equal(t, "records", in[0].Source)
}

func TestDedupeStableOnFullTies(t *testing.T) {
	in := []models.Record{
		{VideoID: "v1", DayKeyLocal: "2025-10-12", ViewCount: 5, Source: "first"},
		{VideoID: "v1", DayKeyLocal: "2025-10-12", ViewCount: 5, Source: "second"},
	}
	out := Dedupe(in)
	require.Len(t, out, 1)
	assert.Equal(t, "first", out[0].Source)
}

func TestDedupeEmpty(t *testing.T) {
	assert.Empty(t, Dedupe(nil))
}

func TestSortForQuery(t *testing.T) {
	recs := []models.Record{
		{VideoID: "b", DayKeyLocal: "2025-10-12", ViewCount: 5},
		{VideoID: "a", DayKeyLocal: "2025-10-12", ViewCount: 5},
		{VideoID: "c", DayKeyLocal: "2025-10-12", ViewCount: 9},
		{VideoID: "z", DayKeyLocal: "2025-10-11", ViewCount: 1},
	}
	SortForQuery(recs)

	var ids []string
	for _, r := range recs {
		ids = append(ids, r.VideoID)
	}
	assert.Equal(t, []string{"z", "c", "a", "b"}, ids)
}

func TestSortByUpdated(t *testing.T) {
	t0 := time.Date(2025, 10, 12, 0, 0, 0, 0, time.UTC)
	recs := []models.Record{
		{VideoID: "late", DayKeyLocal: "2025-10-12", UpdatedAt: t0.Add(time.Hour)},
		{VideoID: "b", DayKeyLocal: "2025-10-12", UpdatedAt: t0},
		{VideoID: "a", DayKeyLocal: "2025-10-12", UpdatedAt: t0},
	}
	SortByUpdated(recs)
	assert.Equal(t, "a", recs[0].VideoID)
	assert.Equal(t, "b", recs[1].VideoID)
	assert.Equal(t, "late", recs[2].VideoID)
}
