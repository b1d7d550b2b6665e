// Package syncer moves records between an offline cache and the authoritative store.
//
// Coordinator is the server side: push merges through the same engine as ingestion,
// pull serves the change feed across every log. Agent is the client side and keeps
// its own watermarks.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/viewledger/platform/pkg/common/logger"
	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/dedupe"
	"github.com/viewledger/platform/pkg/merge"
	"github.com/viewledger/platform/pkg/observability/metrics"
	"github.com/viewledger/platform/pkg/partition"
)

type Coordinator struct {
	engine  *merge.Engine
	logs    []partition.Store
	timeout time.Duration
}

// NewCoordinator serves pull and change checks from the engine's store plus any
// read-only logs. timeout bounds a push when the caller set no deadline; zero
// disables it.
func NewCoordinator(engine *merge.Engine, timeout time.Duration, readOnly ...partition.Store) *Coordinator {
	logs := append([]partition.Store{engine.Store()}, readOnly...)
	return &Coordinator{engine: engine, logs: logs, timeout: timeout}
}

// Push merges a client's local records. Nothing is applied if the store fails or the
// deadline has already passed.
func (c *Coordinator) Push(ctx context.Context, local []models.Record) (report models.MergeReport, err error) {
	defer func() { metrics.ObserveSync("push", err) }()

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return models.MergeReport{}, &models.StoreError{Op: "push", Err: err}
	}

	report, err = c.engine.MergeBatch(ctx, local)
	if err != nil {
		return models.MergeReport{}, fmt.Errorf("push: %w", err)
	}
	logger.WithFields(map[string]interface{}{
		"records":  len(local),
		"inserted": report.Inserted,
		"updated":  report.Updated,
		"rejected": report.Rejected,
	}).Info("sync push merged")
	return report, nil
}

// Pull returns every record updated after since, across all logs, one per key and
// ordered by update time. A zero since is a full snapshot.
func (c *Coordinator) Pull(ctx context.Context, since time.Time) (records []models.Record, err error) {
	defer func() { metrics.ObserveSync("pull", err) }()

	var all []models.Record
	for _, store := range c.logs {
		recs, err := store.ChangedSince(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("pull %s: %w", store.Log(), err)
		}
		all = append(all, recs...)
	}
	records = dedupe.Dedupe(all)
	dedupe.SortByUpdated(records)
	return records, nil
}

func (c *Coordinator) HasChanges(ctx context.Context, since time.Time) (changed bool, err error) {
	defer func() { metrics.ObserveSync("has_changes", err) }()

	for _, store := range c.logs {
		changed, err := store.HasChangesSince(ctx, since)
		if err != nil {
			return false, fmt.Errorf("has changes %s: %w", store.Log(), err)
		}
		if changed {
			return true, nil
		}
	}
	return false, nil
}

// RestoreIdempotent replays a snapshot through the merge path. Replaying the same
// snapshot again reports every record unchanged and leaves the store as it was.
func (c *Coordinator) RestoreIdempotent(ctx context.Context, snapshot []models.Record) (report models.RestoreReport, err error) {
	defer func() { metrics.ObserveSync("restore", err) }()

	merged, err := c.engine.MergeBatch(ctx, snapshot)
	if err != nil {
		return models.RestoreReport{}, fmt.Errorf("restore: %w", err)
	}
	return models.RestoreReport{MergeReport: merged, SnapshotSize: len(snapshot)}, nil
}
