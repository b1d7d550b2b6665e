package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	RateLimitRPS   int
	RateLimitBurst int

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost      string
	RedisPort      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// Kafka
	KafkaBrokers       []string
	KafkaGroupID       string
	HarvestTopic       string
	HarvestDLQTopic    string
	MergedEventsTopic  string
	KafkaConsumeEnable bool

	// Reconciliation
	TimeZone            string
	RetentionDays       int
	QueryExtraLogs      []string
	CategoryCatalogPath string
	IngestionStatusTTL  time.Duration
	CollectionLeaseTTL  time.Duration
	PushTimeout         time.Duration
	AllowedSources      []string
	MaxBatchSize        int
	CleanupInterval     time.Duration

	// Auth
	AuthSigningKey string
	AuthIssuer     string
	AuthAudience   string
	AuthTokenTTL   time.Duration
	SyncClients    []string

	// Sync agent
	SyncRemoteURL        string
	SyncClientID         string
	SyncClientSecret     string
	SyncTokenURL         string
	SyncInterval         time.Duration
	SyncLocalPath        string
	SyncLocalListenPort  string
	SyncRequestTimeout   time.Duration
	SyncRetryAttempts    int
	SyncRetryBaseBackoff time.Duration
	SyncBreakerFailures  int
	SyncBreakerCooldown  time.Duration
	SyncOverlap          time.Duration
	SyncMergeChunk       int
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8081"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 16*1024*1024)),
		RateLimitRPS:   getIntEnv("RATE_LIMIT_RPS", 0),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 50),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "viewledger"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "viewledger"),
		PostgresDB:       getEnv("POSTGRES_DB", "viewledger"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:      getEnv("REDIS_HOST", "localhost"),
		RedisPort:      getEnv("REDIS_PORT", "6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getIntEnv("REDIS_DB", 0),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "viewledger:"),

		KafkaBrokers:       getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "viewledger-ingestion"),
		HarvestTopic:       getEnv("HARVEST_TOPIC", "video-observations"),
		HarvestDLQTopic:    getEnv("HARVEST_DLQ_TOPIC", ""),
		MergedEventsTopic:  getEnv("MERGED_EVENTS_TOPIC", "records-merged"),
		KafkaConsumeEnable: getBoolEnv("KAFKA_CONSUME_ENABLED", true),

		TimeZone:            getEnv("DAYKEY_TIME_ZONE", "Asia/Seoul"),
		RetentionDays:       getIntEnv("RETENTION_DAYS", 14),
		QueryExtraLogs:      getStringSliceEnv("QUERY_EXTRA_LOGS", nil),
		CategoryCatalogPath: getEnv("CATEGORY_CATALOG_PATH", ""),
		IngestionStatusTTL:  getDuration("INGESTION_STATUS_TTL", 72*time.Hour),
		CollectionLeaseTTL:  getDuration("COLLECTION_LEASE_TTL", 30*time.Minute),
		PushTimeout:         getDuration("PUSH_TIMEOUT", 60*time.Second),
		AllowedSources:      getStringSliceEnv("INGEST_ALLOWED_SOURCES", nil),
		MaxBatchSize:        getIntEnv("INGEST_MAX_BATCH", 5000),
		CleanupInterval:     getDuration("CLEANUP_INTERVAL", 12*time.Hour),

		AuthSigningKey: getEnv("AUTH_SIGNING_KEY", ""),
		AuthIssuer:     getEnv("AUTH_ISSUER", "viewledger"),
		AuthAudience:   getEnv("AUTH_AUDIENCE", "viewledger-api"),
		AuthTokenTTL:   getDuration("AUTH_TOKEN_TTL", time.Hour),
		SyncClients:    getStringSliceEnv("SYNC_CLIENTS", nil),

		SyncRemoteURL:        getEnv("SYNC_REMOTE_URL", "http://localhost:8081"),
		SyncClientID:         getEnv("SYNC_CLIENT_ID", ""),
		SyncClientSecret:     getEnv("SYNC_CLIENT_SECRET", ""),
		SyncTokenURL:         getEnv("SYNC_TOKEN_URL", ""),
		SyncInterval:         getDuration("SYNC_INTERVAL", time.Minute),
		SyncLocalPath:        getEnv("SYNC_LOCAL_PATH", "./data/local-cache"),
		SyncLocalListenPort:  getEnv("SYNC_LOCAL_PORT", "8091"),
		SyncRequestTimeout:   getDuration("SYNC_REQUEST_TIMEOUT", 30*time.Second),
		SyncRetryAttempts:    getIntEnv("SYNC_RETRY_ATTEMPTS", 3),
		SyncRetryBaseBackoff: getDuration("SYNC_RETRY_BACKOFF", 500*time.Millisecond),
		SyncBreakerFailures:  getIntEnv("SYNC_BREAKER_FAILURES", 5),
		SyncBreakerCooldown:  getDuration("SYNC_BREAKER_COOLDOWN", 30*time.Second),
		SyncOverlap:          getDuration("SYNC_OVERLAP", 2*time.Minute),
		SyncMergeChunk:       getIntEnv("SYNC_MERGE_CHUNK", 500),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
