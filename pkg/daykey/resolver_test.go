package daykey

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewledger/platform/pkg/common/models"
)

func TestResolvePrefersCollectionDate(t *testing.T) {
	r := MustResolver("Asia/Seoul")

	day, err := r.Resolve(models.Record{CollectionDate: "2025-10-12", UploadDate: "2025-01-01"})
	require.NoError(t, err)
	assert.Equal(t, "2025-10-12", day)

	day, err = r.Resolve(models.Record{UploadDate: "2025-01-01T03:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "2025-01-01", day)
}

func TestResolveTruncatesInstantInFixedZone(t *testing.T) {
	r := MustResolver("Asia/Seoul")

	// 16:30 UTC is 01:30 the next day in Seoul.
	day, err := r.Resolve(models.Record{CollectionDate: "2025-10-11T16:30:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "2025-10-12", day)

	// Same instant written with a different offset.
	other, err := r.Resolve(models.Record{CollectionDate: "2025-10-11T09:30:00-07:00"})
	require.NoError(t, err)
	assert.Equal(t, day, other)
}

func TestResolveAcceptsLocalAndEpochForms(t *testing.T) {
	r := MustResolver("Asia/Seoul")
	instant := time.Date(2025, 10, 12, 23, 59, 0, 0, r.Location())

	cases := []string{
		"2025-10-12T23:59:00",
		"2025-10-12 23:59:00",
		"2025-10-12T23:59",
		"1760281140000", // epoch ms of the same instant
	}
	for _, raw := range cases {
		got, err := r.ObservedAt(models.Record{CollectionDate: raw})
		require.NoError(t, err, raw)
		assert.True(t, instant.Equal(got), "%s parsed to %s", raw, got)
	}
}

func TestResolveMissingTimestamp(t *testing.T) {
	r := MustResolver("UTC")
	_, err := r.Resolve(models.Record{VideoID: "v1"})
	assert.True(t, errors.Is(err, models.ErrMissingTimestamp))
}

func TestResolveInvalidTimestamp(t *testing.T) {
	r := MustResolver("UTC")
	_, err := r.Resolve(models.Record{CollectionDate: "last tuesday"})
	require.Error(t, err)

	var ve models.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, models.ReasonInvalidTimestamp, ve.Code)
	assert.Equal(t, "collectionDate", ve.Field)
}

func TestResolveIsDeterministic(t *testing.T) {
	r := MustResolver("Asia/Seoul")
	rec := models.Record{CollectionDate: "2025-10-12T00:00:00+09:00"}

	first, err := r.Resolve(rec)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(rec)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDayArithmetic(t *testing.T) {
	r := MustResolver("Asia/Seoul")

	cutoff, err := r.AddDays("2025-10-12", -14)
	require.NoError(t, err)
	assert.Equal(t, "2025-09-28", cutoff)

	next, err := r.AddDays("2024-02-28", 1)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", next)

	_, err = r.AddDays("12/10/2025", 1)
	assert.Error(t, err)
}

func TestTodayAndNextMidnight(t *testing.T) {
	r := MustResolver("Asia/Seoul")
	clock := NewFixedClock(time.Date(2025, 10, 12, 15, 30, 0, 0, time.UTC)) // 00:30 on the 13th in Seoul

	assert.Equal(t, "2025-10-13", r.Today(clock))

	midnight := r.NextMidnight(clock.Now())
	assert.Equal(t, time.Date(2025, 10, 14, 0, 0, 0, 0, r.Location()), midnight)
}

func TestValidDayKey(t *testing.T) {
	assert.True(t, ValidDayKey("2025-10-12"))
	assert.False(t, ValidDayKey("2025-10-1"))
	assert.False(t, ValidDayKey("2025-13-01"))
	assert.False(t, ValidDayKey(""))
}
