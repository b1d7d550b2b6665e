package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewledger/platform/pkg/common/kafka"
	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/lease"
)

func harvestEvent(records ...interface{}) models.Event {
	return models.Event{
		ID:     "evt-1",
		Type:   models.EventVideoObservations,
		Source: "harvester",
		Data:   map[string]interface{}{"records": records},
	}
}

func TestHarvestHandlerMergesAutoRecords(t *testing.T) {
	f := newFixture(t)
	handler := HarvestHandler(f.service)

	err := handler(context.Background(), harvestEvent(
		map[string]interface{}{"videoId": "v1", "collectionDate": "2025-10-12", "viewCount": float64(10), "keyword": "kpop"},
	))
	require.NoError(t, err)

	got, err := f.service.QueryByDay(context.Background(), "2025-10-12")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.CollectionAuto, got[0].CollectionType)
	assert.Equal(t, "harvester", got[0].Source)

	// the lease was released afterwards
	l, err := f.locker.Acquire(context.Background(), models.CollectionAuto, "next")
	require.NoError(t, err)
	require.NoError(t, f.locker.Release(context.Background(), l))
}

func TestHarvestHandlerRetriesWhileLeaseHeld(t *testing.T) {
	f := newFixture(t)
	handler := HarvestHandler(f.service)

	held, err := f.locker.Acquire(context.Background(), models.CollectionAuto, "manual-run")
	require.NoError(t, err)

	err = handler(context.Background(), harvestEvent(map[string]interface{}{"videoId": "v1", "collectionDate": "2025-10-12"}))
	assert.ErrorIs(t, err, lease.ErrLeaseHeld)
	assert.False(t, errors.Is(err, kafka.ErrPermanent))

	require.NoError(t, f.locker.Release(context.Background(), held))
	assert.NoError(t, handler(context.Background(), harvestEvent(map[string]interface{}{"videoId": "v1", "collectionDate": "2025-10-12"})))
}

func TestHarvestHandlerPermanentFailures(t *testing.T) {
	f := newFixture(t)
	handler := HarvestHandler(f.service)

	err := handler(context.Background(), models.Event{ID: "e", Type: models.EventVideoObservations, Data: map[string]interface{}{}})
	assert.ErrorIs(t, err, kafka.ErrPermanent)

	err = handler(context.Background(), harvestEvent("not an object"))
	assert.ErrorIs(t, err, kafka.ErrPermanent)

	err = handler(context.Background(), harvestEvent())
	assert.ErrorIs(t, err, kafka.ErrPermanent)

	assert.NoError(t, handler(context.Background(), models.Event{ID: "x", Type: "something.else"}))
}
