package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/viewledger/platform/pkg/common/logger"
	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/daykey"
	"github.com/viewledger/platform/pkg/observability/metrics"
	"github.com/viewledger/platform/pkg/partition"
)

var (
	errMissingVideoID = errors.New("videoId is required")
	errBadDayKey      = errors.New("dayKeyLocal must be YYYY-MM-DD")
	errDayKeyMismatch = errors.New("dayKeyLocal disagrees with the observation timestamp")
	errNegativeMetric = errors.New("counters must not be negative")
)

type Engine struct {
	store    partition.Store
	resolver *daykey.Resolver
	clock    daykey.Clock
}

func NewEngine(store partition.Store, resolver *daykey.Resolver, clock daykey.Clock) *Engine {
	if clock == nil {
		clock = daykey.SystemClock{}
	}
	return &Engine{store: store, resolver: resolver, clock: clock}
}

func (e *Engine) Store() partition.Store {
	return e.store
}

// MergeBatch validates incoming, then merges the valid records into the store as one
// batch. Invalid records are reported and skipped. A store failure fails the whole
// batch and returns no report.
func (e *Engine) MergeBatch(ctx context.Context, incoming []models.Record) (models.MergeReport, error) {
	report := models.MergeReport{AffectedDays: []string{}}

	valid := make([]models.Record, 0, len(incoming))
	for i, rec := range incoming {
		prepared, err := e.prepare(rec)
		if err != nil {
			item := models.Rejection(i, rec.VideoID, err)
			report.Reject(item)
			metrics.ObserveRejected(item.Reason)
			continue
		}
		valid = append(valid, prepared)
	}
	report.AffectedDays = affectedDays(valid)
	if len(valid) == 0 {
		return report, nil
	}

	start := time.Now()
	now := e.clock.Now().UTC().Truncate(time.Microsecond)
	outcomes, err := e.store.Apply(ctx, valid, mergeFunc(now))
	if err != nil {
		metrics.MergeBatchFailures.Inc()
		logger.WithFields(map[string]interface{}{
			"log":     e.store.Log(),
			"records": len(valid),
			"days":    len(report.AffectedDays),
		}).WithError(err).Error("merge batch failed")
		return models.MergeReport{}, fmt.Errorf("merging %d records: %w", len(valid), err)
	}

	for _, o := range outcomes {
		switch o.Kind {
		case partition.OutcomeInserted:
			report.Inserted++
		case partition.OutcomeUpdated:
			report.Updated++
		default:
			report.Unchanged++
		}
	}
	metrics.ObserveMerge(report.Inserted, report.Updated, report.Unchanged, time.Since(start))

	logger.WithFields(map[string]interface{}{
		"log":       e.store.Log(),
		"inserted":  report.Inserted,
		"updated":   report.Updated,
		"unchanged": report.Unchanged,
		"rejected":  report.Rejected,
		"days":      strings.Join(report.AffectedDays, ","),
	}).Debug("merge batch applied")

	return report, nil
}

// mergeFunc bumps bookkeeping only when content changed, which is what makes a
// repeated batch leave the store untouched.
func mergeFunc(now time.Time) partition.MergeFunc {
	return func(existing *models.Record, incoming models.Record) (models.Record, bool) {
		if existing == nil {
			rec := incoming
			rec.Version = 1
			rec.UpdatedAt = now
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = now
			}
			return rec, true
		}
		merged := Records(*existing, incoming)
		if merged.SameContent(*existing) {
			return *existing, false
		}
		merged.Version = existing.Version + 1
		merged.UpdatedAt = now
		return merged, true
	}
}

// prepare checks the fields the engine depends on and fills in what can be derived.
func (e *Engine) prepare(rec models.Record) (models.Record, error) {
	rec.VideoID = strings.TrimSpace(rec.VideoID)
	if rec.VideoID == "" {
		return rec, models.ValidationError{Code: models.ReasonInvalidVideoID, Field: "videoId", Err: errMissingVideoID}
	}
	if rec.ViewCount < 0 || rec.LikeCount < 0 || rec.CommentCount < 0 {
		return rec, models.ValidationError{Code: models.ReasonInvalidMetric, Err: errNegativeMetric}
	}

	// A timestamp always decides the day; a bare dayKeyLocal is only taken when there
	// is nothing to derive it from.
	switch {
	case strings.TrimSpace(rec.CollectionDate) != "" || strings.TrimSpace(rec.UploadDate) != "":
		day, err := e.resolver.Resolve(rec)
		if err != nil {
			return rec, err
		}
		if rec.DayKeyLocal != "" && rec.DayKeyLocal != day {
			return rec, models.ValidationError{
				Code:  models.ReasonInvalidTimestamp,
				Field: "dayKeyLocal",
				Err:   fmt.Errorf("%w: got %s, timestamps resolve to %s", errDayKeyMismatch, rec.DayKeyLocal, day),
			}
		}
		rec.DayKeyLocal = day
	case rec.DayKeyLocal == "":
		return rec, models.ErrMissingTimestamp
	case !daykey.ValidDayKey(rec.DayKeyLocal):
		return rec, models.ValidationError{Code: models.ReasonInvalidTimestamp, Field: "dayKeyLocal", Err: errBadDayKey}
	}

	if rec.ObservedAt.IsZero() {
		if t, err := e.resolver.ObservedAt(rec); err == nil {
			rec.ObservedAt = t
		} else if t, err := e.resolver.Parse(rec.DayKeyLocal); err == nil {
			rec.ObservedAt = t
		}
	}

	status, ok := models.ParseStatus(string(rec.Status))
	if !ok {
		return rec, models.ValidationError{Code: models.ReasonInvalidStatus, Field: "status", Err: fmt.Errorf("unknown status %q", rec.Status)}
	}
	rec.Status = status
	if rec.CollectionType == "" {
		rec.CollectionType = models.CollectionManual
	} else if ct, ok := models.ParseCollectionType(string(rec.CollectionType)); ok {
		rec.CollectionType = ct
	} else {
		return rec, models.ValidationError{Code: models.ReasonInvalidCollectionType, Field: "collectionType", Err: fmt.Errorf("unknown collection type %q", rec.CollectionType)}
	}

	rec.ID = models.RecordID(rec.VideoID, rec.DayKeyLocal)
	rec.ObservedAt = rec.ObservedAt.UTC().Truncate(time.Microsecond)
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	rec.Stamps = StampFields(rec)
	return rec, nil
}

func affectedDays(records []models.Record) []string {
	seen := make(map[string]struct{})
	days := []string{}
	for _, rec := range records {
		if _, ok := seen[rec.DayKeyLocal]; ok {
			continue
		}
		seen[rec.DayKeyLocal] = struct{}{}
		days = append(days, rec.DayKeyLocal)
	}
	sort.Strings(days)
	return days
}
