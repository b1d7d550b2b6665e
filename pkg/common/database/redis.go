package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/viewledger/platform/pkg/common/config"
	"github.com/viewledger/platform/pkg/common/logger"
)

// Redis only carries collection leases, so the client is small and its timeouts
// are a slice of the lease TTL.
const (
	minLeaseOpTimeout = 250 * time.Millisecond
	maxLeaseOpTimeout = 3 * time.Second
	leasePoolSize     = 4
)

var (
	redisClient *redis.Client
	redisOnce   sync.Once
)

// LeaseKeyPrefix is the namespace collection leases are written under.
func LeaseKeyPrefix(cfg *config.Config) string {
	return cfg.RedisKeyPrefix + "lease:"
}

// leaseOpTimeout keeps any single Redis call well inside the lease it guards.
func leaseOpTimeout(ttl time.Duration) time.Duration {
	return min(max(ttl/10, minLeaseOpTimeout), maxLeaseOpTimeout)
}

func redisOptions(cfg *config.Config) *redis.Options {
	timeout := leaseOpTimeout(cfg.CollectionLeaseTTL)
	return &redis.Options{
		Addr:       fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		ClientName: "viewledger-lease",
		// A retried SETNX whose first reply was lost would find our own token and
		// report the lease as held.
		MaxRetries:            -1,
		DialTimeout:           timeout,
		ReadTimeout:           timeout,
		WriteTimeout:          timeout,
		ContextTimeoutEnabled: true,
		PoolSize:              leasePoolSize,
	}
}

// GetRedis returns the shared lease client. A failed ping is logged, not fatal; lease
// calls report the outage as a store error when they run.
func GetRedis(cfg *config.Config) *redis.Client {
	redisOnce.Do(func() {
		opts := redisOptions(cfg)
		redisClient = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout+opts.ReadTimeout)
		defer cancel()

		fields := map[string]interface{}{
			"addr":       opts.Addr,
			"key_prefix": LeaseKeyPrefix(cfg),
			"timeout":    opts.ReadTimeout.String(),
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithFields(fields).WithError(err).Error("lease store unreachable; collection leases will fail until it recovers")
		} else {
			logger.WithFields(fields).Info("connected to lease store")
		}
	})

	return redisClient
}

func CloseRedis() error {
	if redisClient != nil {
		return redisClient.Close()
	}
	return nil
}
