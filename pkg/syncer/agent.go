package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/viewledger/platform/pkg/common/logger"
	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/merge"
	"github.com/viewledger/platform/pkg/partition"
)

const (
	PushWatermark = "meta/watermark/push"
	PullWatermark = "meta/watermark/pull"

	// DefaultOverlap is how far behind a watermark each round starts reading. A
	// batch stamps updatedAt before it commits, so a slow commit can land behind a
	// mark that a faster one already moved past.
	DefaultOverlap = 2 * time.Minute
	// DefaultMergeChunk bounds how many pulled records go into one local transaction.
	DefaultMergeChunk = 500
)

// Remote is the authoritative side as seen by an Agent.
type Remote interface {
	Push(ctx context.Context, records []models.Record) (models.MergeReport, error)
	Pull(ctx context.Context, since time.Time) ([]models.Record, error)
	HasChanges(ctx context.Context, since time.Time) (bool, error)
}

type Result struct {
	Pushed     int                `json:"pushed"`
	Pulled     int                `json:"pulled"`
	PushReport models.MergeReport `json:"pushReport"`
	PullReport models.MergeReport `json:"pullReport"`
}

// Agent keeps an offline copy in Badger in step with a Remote. A watermark only
// moves after the remote acknowledged the batch, so a failed round is retried in
// full next time. Every round re-reads the overlap window behind each watermark;
// merging is idempotent, so records seen twice come back unchanged.
type Agent struct {
	db      *badger.DB
	engine  *merge.Engine
	local   partition.Store
	remote  Remote
	overlap time.Duration
	chunk   int
}

func NewAgent(db *badger.DB, engine *merge.Engine, remote Remote) *Agent {
	return &Agent{
		db:      db,
		engine:  engine,
		local:   engine.Store(),
		remote:  remote,
		overlap: DefaultOverlap,
		chunk:   DefaultMergeChunk,
	}
}

// WithOverlap sets the re-read window. Zero trusts watermarks exactly.
func (a *Agent) WithOverlap(d time.Duration) *Agent {
	if d >= 0 {
		a.overlap = d
	}
	return a
}

// WithMergeChunk sets how many pulled records are merged per local transaction.
func (a *Agent) WithMergeChunk(n int) *Agent {
	if n > 0 {
		a.chunk = n
	}
	return a
}

func (a *Agent) SyncOnce(ctx context.Context) (Result, error) {
	var res Result

	pushed, report, err := a.push(ctx)
	if err != nil {
		return res, err
	}
	res.Pushed, res.PushReport = pushed, report

	pulled, report, err := a.pull(ctx)
	if err != nil {
		return res, err
	}
	res.Pulled, res.PullReport = pulled, report
	return res, nil
}

func (a *Agent) push(ctx context.Context) (int, models.MergeReport, error) {
	mark, err := a.Watermark(PushWatermark)
	if err != nil {
		return 0, models.MergeReport{}, err
	}
	changes, err := a.local.ChangedSince(ctx, a.since(mark))
	if err != nil {
		return 0, models.MergeReport{}, fmt.Errorf("reading local changes: %w", err)
	}
	if len(changes) == 0 {
		return 0, models.MergeReport{}, nil
	}

	report, err := a.remote.Push(ctx, changes)
	if err != nil {
		return 0, models.MergeReport{}, fmt.Errorf("push %d records: %w", len(changes), err)
	}
	if next := latest(changes); next.After(mark) {
		if err := a.setWatermark(PushWatermark, next); err != nil {
			return len(changes), report, err
		}
	}
	return len(changes), report, nil
}

func (a *Agent) pull(ctx context.Context) (int, models.MergeReport, error) {
	mark, err := a.Watermark(PullWatermark)
	if err != nil {
		return 0, models.MergeReport{}, err
	}
	since := a.since(mark)
	changed, err := a.remote.HasChanges(ctx, since)
	if err != nil {
		return 0, models.MergeReport{}, fmt.Errorf("checking remote changes: %w", err)
	}
	if !changed {
		return 0, models.MergeReport{}, nil
	}

	records, err := a.remote.Pull(ctx, since)
	if err != nil {
		return 0, models.MergeReport{}, fmt.Errorf("pull: %w", err)
	}
	if len(records) == 0 {
		return 0, models.MergeReport{}, nil
	}

	// A full snapshot can exceed one Badger transaction. Chunks commit on their
	// own; if a later one fails the watermark stays put and the next round merges
	// the earlier chunks again as no-ops.
	var report models.MergeReport
	for start := 0; start < len(records); start += a.chunk {
		end := min(start+a.chunk, len(records))
		part, err := a.engine.MergeBatch(ctx, records[start:end])
		if err != nil {
			return 0, models.MergeReport{}, fmt.Errorf("merging pulled records %d-%d: %w", start, end, err)
		}
		for i := range part.RejectedItems {
			part.RejectedItems[i].Index += start
		}
		report.Add(part)
	}
	// Records from the overlap window alone must not walk the mark backwards.
	if next := latest(records); next.After(mark) {
		if err := a.setWatermark(PullWatermark, next); err != nil {
			return len(records), report, err
		}
	}
	return len(records), report, nil
}

func (a *Agent) since(mark time.Time) time.Time {
	if mark.IsZero() || a.overlap == 0 {
		return mark
	}
	return mark.Add(-a.overlap)
}

// Run syncs every interval until ctx is done. Failed rounds are logged and retried on
// the next tick.
func (a *Agent) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := a.SyncOnce(ctx)
		if err != nil {
			logger.Log.WithError(err).Warn("sync round failed")
		} else if res.Pushed > 0 || res.Pulled > 0 {
			logger.WithFields(map[string]interface{}{
				"pushed": res.Pushed,
				"pulled": res.Pulled,
			}).Info("sync round complete")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Watermark returns the stored mark for key, or the zero time if none was stored.
func (a *Agent) Watermark(key string) (time.Time, error) {
	var mark time.Time
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return mark.UnmarshalText(val)
		})
	})
	if err != nil {
		return time.Time{}, &models.StoreError{Op: "read watermark", Err: err}
	}
	return mark, nil
}

func (a *Agent) setWatermark(key string, mark time.Time) error {
	val, err := mark.UTC().MarshalText()
	if err != nil {
		return err
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err != nil {
		return &models.StoreError{Op: "write watermark", Err: err}
	}
	return nil
}

func latest(records []models.Record) time.Time {
	var mark time.Time
	for _, r := range records {
		if r.UpdatedAt.After(mark) {
			mark = r.UpdatedAt
		}
	}
	return mark
}
