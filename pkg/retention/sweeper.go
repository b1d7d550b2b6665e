// Package retention deletes day partitions that have aged out of the retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/viewledger/platform/pkg/common/logger"
	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/daykey"
	"github.com/viewledger/platform/pkg/observability/metrics"
	"github.com/viewledger/platform/pkg/partition"
)

// ErrRetentionConflict means a sweep was asked to delete today or the future.
var ErrRetentionConflict = errors.New("retention cutoff conflicts with the current day")

type Sweeper struct {
	stores   []partition.Store
	resolver *daykey.Resolver
	clock    daykey.Clock
}

func NewSweeper(resolver *daykey.Resolver, clock daykey.Clock, stores ...partition.Store) *Sweeper {
	if clock == nil {
		clock = daykey.SystemClock{}
	}
	return &Sweeper{stores: stores, resolver: resolver, clock: clock}
}

// Sweep deletes every partition older than retentionDays before today, in every log.
func (s *Sweeper) Sweep(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("%w: negative retention %d", ErrRetentionConflict, retentionDays)
	}
	cutoff, err := s.resolver.AddDays(s.resolver.Today(s.clock), -retentionDays)
	if err != nil {
		return 0, err
	}
	return s.DeleteBefore(ctx, cutoff)
}

// DeleteBefore deletes partitions strictly before cutoffDay. A cutoff of today keeps
// today; anything later is rejected.
func (s *Sweeper) DeleteBefore(ctx context.Context, cutoffDay string) (int64, error) {
	if !daykey.ValidDayKey(cutoffDay) {
		return 0, models.ValidationError{
			Code:  models.ReasonInvalidTimestamp,
			Field: "cutoff",
			Err:   fmt.Errorf("%q is not a YYYY-MM-DD day", cutoffDay),
		}
	}
	today := s.resolver.Today(s.clock)
	if cutoffDay > today {
		return 0, fmt.Errorf("%w: cutoff %s is after %s", ErrRetentionConflict, cutoffDay, today)
	}

	var total int64
	var errs []error
	for _, store := range s.stores {
		n, err := store.DeleteBefore(ctx, cutoffDay)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"log":    store.Log(),
				"cutoff": cutoffDay,
			}).WithError(err).Error("retention sweep failed")
			errs = append(errs, err)
			continue
		}
		total += n
		metrics.RetentionDeleted.WithLabelValues(store.Log()).Add(float64(n))
		if n > 0 {
			logger.WithFields(map[string]interface{}{
				"log":     store.Log(),
				"cutoff":  cutoffDay,
				"deleted": n,
			}).Info("retention sweep removed records")
		}
	}
	return total, errors.Join(errs...)
}

// Run sweeps once immediately and then after every local midnight until ctx is done.
func (s *Sweeper) Run(ctx context.Context, retentionDays int) {
	for {
		if _, err := s.Sweep(ctx, retentionDays); err != nil && ctx.Err() == nil {
			logger.Log.WithError(err).Warn("retention sweep incomplete")
		}

		wait := s.resolver.NextMidnight(s.clock.Now()).Sub(s.clock.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
