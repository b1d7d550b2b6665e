// Package lease gives one collector at a time exclusive use of a collection type.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/viewledger/platform/pkg/common/models"
)

var (
	ErrLeaseHeld = errors.New("collection lease held by another collector")
	ErrLeaseLost = errors.New("collection lease expired or taken over")
)

type Lease struct {
	CollectionType models.CollectionType `json:"collectionType"`
	Holder         string                `json:"holder"`
	Token          string                `json:"token"`
	ExpiresAt      time.Time             `json:"expiresAt"`
}

type Locker interface {
	Acquire(ctx context.Context, ct models.CollectionType, holder string) (Lease, error)
	Release(ctx context.Context, l Lease) error
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisLocker stores leases under prefix + collection type.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, prefix: prefix}
}

func (l *RedisLocker) key(ct models.CollectionType) string {
	return l.prefix + string(ct)
}

func (l *RedisLocker) Acquire(ctx context.Context, ct models.CollectionType, holder string) (Lease, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key(ct), token, l.ttl).Result()
	if err != nil {
		return Lease{}, &models.StoreError{Op: "acquire lease", Err: err}
	}
	if !ok {
		return Lease{}, fmt.Errorf("%w: %s", ErrLeaseHeld, ct)
	}
	return Lease{CollectionType: ct, Holder: holder, Token: token, ExpiresAt: time.Now().Add(l.ttl).UTC()}, nil
}

func (l *RedisLocker) Release(ctx context.Context, lease Lease) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key(lease.CollectionType)}, lease.Token).Int64()
	if err != nil {
		return &models.StoreError{Op: "release lease", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, lease.CollectionType)
	}
	return nil
}

// With runs fn while holding the lease for ct.
func With(ctx context.Context, locker Locker, ct models.CollectionType, holder string, fn func(context.Context) error) error {
	l, err := locker.Acquire(ctx, ct, holder)
	if err != nil {
		return err
	}
	fnErr := fn(ctx)
	if err := locker.Release(ctx, l); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}
