package partition

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/viewledger/platform/pkg/common/models"
)

func openPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("VIEWLEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VIEWLEDGER_TEST_POSTGRES_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&RecordModel{}))
	t.Cleanup(func() {
		db.Where("log LIKE ?", "test_%").Delete(&RecordModel{})
	})
	return db
}

func TestPostgresStoreApplyAndQuery(t *testing.T) {
	db := openPostgres(t)
	store := NewPostgresStore(db, "test_apply")
	ctx := context.Background()
	now := time.Date(2025, 10, 12, 0, 0, 0, 0, time.UTC)

	out, err := store.Apply(ctx, []models.Record{record("v1", "2025-10-11", 3, now), record("v2", "2025-10-12", 4, now)}, replace)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, OutcomeInserted, out[0].Kind)

	out, err = store.Apply(ctx, []models.Record{record("v1", "2025-10-11", 3, now)}, replace)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out[0].Kind)

	got, err := store.GetDays(ctx, []string{"2025-10-12"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].ViewCount)

	n, err := store.DeleteBefore(ctx, "2025-10-12")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPostgresStoreConcurrentApplyKeepsMax(t *testing.T) {
	db := openPostgres(t)
	store := NewPostgresStore(db, "test_concurrent")
	ctx := context.Background()
	now := time.Date(2025, 10, 12, 0, 0, 0, 0, time.UTC)

	keepMax := func(existing *models.Record, incoming models.Record) (models.Record, bool) {
		if existing == nil {
			return incoming, true
		}
		if incoming.ViewCount <= existing.ViewCount {
			return *existing, false
		}
		merged := *existing
		merged.ViewCount = incoming.ViewCount
		return merged, true
	}

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(views int64) {
			defer wg.Done()
			_, err := store.Apply(ctx, []models.Record{record("hot", "2025-10-12", views, now)}, keepMax)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.GetDays(ctx, []string{"2025-10-12"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(20), got[0].ViewCount)
}
