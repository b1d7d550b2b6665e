// Package partition persists records keyed by (videoId, dayKeyLocal) inside a named log.
//
// A Store never touches rows outside the days named by a call: Apply only loads and
// writes the affected keys, GetDays scans by day key, and DeleteBefore is bounded by
// the cutoff day.
package partition

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/viewledger/platform/pkg/common/models"
)

// ErrBatchTooLarge means a batch does not fit in one store transaction. Nothing from
// the batch was written; callers split it and retry.
var ErrBatchTooLarge = errors.New("batch too large for one transaction")

type OutcomeKind int

const (
	OutcomeInserted OutcomeKind = iota
	OutcomeUpdated
	OutcomeUnchanged
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

type Outcome struct {
	Key    models.Key
	Kind   OutcomeKind
	Record models.Record
}

// MergeFunc combines the stored record (nil when absent) with an incoming one. It
// reports whether the result differs from what is stored.
type MergeFunc func(existing *models.Record, incoming models.Record) (models.Record, bool)

type Store interface {
	Log() string
	// Apply runs merge for every record as one all-or-nothing batch. Each key is
	// read, merged and written atomically with respect to concurrent Apply calls.
	Apply(ctx context.Context, batch []models.Record, merge MergeFunc) ([]Outcome, error)
	GetDays(ctx context.Context, days []string) ([]models.Record, error)
	ChangedSince(ctx context.Context, since time.Time) ([]models.Record, error)
	HasChangesSince(ctx context.Context, since time.Time) (bool, error)
	DeleteBefore(ctx context.Context, cutoffDay string) (int64, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
	// Put stores records verbatim, replacing whatever is there.
	Put(ctx context.Context, records []models.Record) error
}

// sortedBatch orders a batch by (day, video) so that row locks are always taken in
// the same order. Records with the same key keep their arrival order.
func sortedBatch(batch []models.Record) []models.Record {
	ordered := make([]models.Record, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].DayKeyLocal != ordered[j].DayKeyLocal {
			return ordered[i].DayKeyLocal < ordered[j].DayKeyLocal
		}
		return ordered[i].VideoID < ordered[j].VideoID
	})
	return ordered
}

func distinct(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
