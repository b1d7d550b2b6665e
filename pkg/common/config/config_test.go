package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RETENTION_DAYS", "")
	t.Setenv("QUERY_EXTRA_LOGS", "")
	t.Setenv("INGEST_MAX_BATCH", "")
	t.Setenv("CLEANUP_INTERVAL", "")
	t.Setenv("SYNC_OVERLAP", "")
	t.Setenv("SYNC_MERGE_CHUNK", "")
	t.Setenv("REDIS_KEY_PREFIX", "")

	cfg := Load()
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, "Asia/Seoul", cfg.TimeZone)
	assert.Empty(t, cfg.QueryExtraLogs)
	assert.Equal(t, 5000, cfg.MaxBatchSize)
	assert.Equal(t, 12*time.Hour, cfg.CleanupInterval)
	assert.Equal(t, 2*time.Minute, cfg.SyncOverlap)
	assert.Equal(t, 500, cfg.SyncMergeChunk)
	assert.Equal(t, "viewledger:", cfg.RedisKeyPrefix)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RETENTION_DAYS", "30")
	t.Setenv("QUERY_EXTRA_LOGS", "auto_collected, manual_classified,")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PUSH_TIMEOUT", "5s")
	t.Setenv("KAFKA_CONSUME_ENABLED", "false")
	t.Setenv("INGEST_ALLOWED_SOURCES", "harvester,manual")
	t.Setenv("SYNC_CLIENTS", "agent-1:s3cret")
	t.Setenv("RATE_LIMIT_RPS", "20")

	cfg := Load()
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, []string{"auto_collected", "manual_classified"}, cfg.QueryExtraLogs)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Second, cfg.PushTimeout)
	assert.False(t, cfg.KafkaConsumeEnable)
	assert.Equal(t, []string{"harvester", "manual"}, cfg.AllowedSources)
	assert.Equal(t, []string{"agent-1:s3cret"}, cfg.SyncClients)
	assert.Equal(t, 20, cfg.RateLimitRPS)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("RETENTION_DAYS", "two weeks")
	t.Setenv("SYNC_INTERVAL", "soon")

	cfg := Load()
	assert.Equal(t, 14, cfg.RetentionDays)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
}
