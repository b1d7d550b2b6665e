package ingestion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/viewledger/platform/pkg/common/kafka"
	"github.com/viewledger/platform/pkg/common/logger"
	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/daykey"
	"github.com/viewledger/platform/pkg/dedupe"
	"github.com/viewledger/platform/pkg/lease"
	"github.com/viewledger/platform/pkg/merge"
	"github.com/viewledger/platform/pkg/normalizer"
	"github.com/viewledger/platform/pkg/observability/metrics"
	"github.com/viewledger/platform/pkg/partition"
	"github.com/viewledger/platform/pkg/retention"
	"github.com/viewledger/platform/pkg/syncer"
)

// EventPublisher announces merged batches. *kafka.Producer satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, key string, event models.Event) error
}

type Service struct {
	validator   *Validator
	normalizer  *normalizer.Normalizer
	engine      *merge.Engine
	coordinator *syncer.Coordinator
	sweeper     *retention.Sweeper
	locker      lease.Locker
	audit       AuditStore
	events      EventPublisher
	logs        []partition.Store
	statusTTL   time.Duration
}

type Options struct {
	Validator   *Validator
	Normalizer  *normalizer.Normalizer
	Engine      *merge.Engine
	Coordinator *syncer.Coordinator
	Sweeper     *retention.Sweeper
	Locker      lease.Locker
	// Audit and Events are optional.
	Audit  AuditStore
	Events EventPublisher
	// ReadOnly logs are unioned into queries next to the engine's store.
	ReadOnly  []partition.Store
	StatusTTL time.Duration
}

func NewService(opts Options) *Service {
	return &Service{
		validator:   opts.Validator,
		normalizer:  opts.Normalizer,
		engine:      opts.Engine,
		coordinator: opts.Coordinator,
		sweeper:     opts.Sweeper,
		locker:      opts.Locker,
		audit:       opts.Audit,
		events:      opts.Events,
		logs:        append([]partition.Store{opts.Engine.Store()}, opts.ReadOnly...),
		statusTTL:   opts.StatusTTL,
	}
}

// Ingest validates the envelope, records an audit row and merges the batch.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*models.IngestResponse, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if s.audit != nil {
		b := &Batch{ID: id, Source: req.Source, ItemCount: len(req.Records), Status: StatusAccepted}
		if err := s.audit.Create(ctx, b); err != nil {
			return nil, &models.StoreError{Op: "audit batch", Err: err}
		}
	}

	report, err := s.NormalizeAndMerge(ctx, req.Source, req.Records)
	if err != nil {
		s.updateAudit(ctx, id, StatusFailed, nil, err.Error())
		return nil, err
	}
	s.updateAudit(ctx, id, StatusMerged, &report, "")
	s.publishMerged(ctx, id, req.Source, report)

	return &models.IngestResponse{
		ID:        id,
		Status:    StatusMerged,
		Report:    report,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NormalizeAndMerge turns raw producer items into records and merges them. Rejected
// items are reported by their index in raw.
func (s *Service) NormalizeAndMerge(ctx context.Context, source string, raw []map[string]interface{}) (models.MergeReport, error) {
	batch := s.normalizer.NormalizeBatch(raw)
	for _, r := range batch.Rejected {
		metrics.ObserveRejected(r.Reason)
	}
	for i := range batch.Records {
		if batch.Records[i].Source == "" {
			batch.Records[i].Source = source
		}
	}

	report, err := s.engine.MergeBatch(ctx, batch.Records)
	if err != nil {
		return models.MergeReport{}, err
	}
	for i := range report.RejectedItems {
		report.RejectedItems[i].Index = batch.Positions[report.RejectedItems[i].Index]
	}
	report.Reject(batch.Rejected...)
	sort.SliceStable(report.RejectedItems, func(i, j int) bool {
		return report.RejectedItems[i].Index < report.RejectedItems[j].Index
	})

	logger.WithFields(map[string]interface{}{
		"source":   source,
		"items":    len(raw),
		"accepted": report.Accepted(),
		"rejected": report.Rejected,
	}).Info("batch merged")
	return report, nil
}

func (s *Service) QueryByDay(ctx context.Context, day string) ([]models.Record, error) {
	return s.QueryRange(ctx, []string{day})
}

// QueryRange reads the given days from every log, one record per key.
func (s *Service) QueryRange(ctx context.Context, days []string) ([]models.Record, error) {
	for _, d := range days {
		if !daykey.ValidDayKey(d) {
			return nil, models.ValidationError{Code: models.ReasonInvalidTimestamp, Field: "day", Err: fmt.Errorf("invalid day key %q", d)}
		}
	}
	var all []models.Record
	for _, store := range s.logs {
		recs, err := store.GetDays(ctx, days)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", store.Log(), err)
		}
		all = append(all, recs...)
	}
	out := dedupe.Dedupe(all)
	dedupe.SortForQuery(out)
	return out, nil
}

// DeleteByIDs removes records from the writable log only.
func (s *Service) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, id)
		}
	}
	if len(clean) == 0 {
		return 0, models.ValidationError{Code: ReasonInvalidRequest, Field: "ids", Err: fmt.Errorf("no ids given")}
	}
	n, err := s.engine.Store().DeleteByIDs(ctx, clean)
	if err != nil {
		return 0, err
	}
	logger.WithFields(map[string]interface{}{"requested": len(clean), "deleted": n}).Info("records deleted by id")
	return n, nil
}

func (s *Service) DeleteByDayBefore(ctx context.Context, cutoffDay string) (int64, error) {
	return s.sweeper.DeleteBefore(ctx, cutoffDay)
}

func (s *Service) Push(ctx context.Context, local []models.Record) (models.MergeReport, error) {
	return s.coordinator.Push(ctx, local)
}

func (s *Service) Pull(ctx context.Context, since time.Time) ([]models.Record, error) {
	return s.coordinator.Pull(ctx, since)
}

func (s *Service) HasChanges(ctx context.Context, since time.Time) (bool, error) {
	return s.coordinator.HasChanges(ctx, since)
}

func (s *Service) Restore(ctx context.Context, snapshot []models.Record) (models.RestoreReport, error) {
	return s.coordinator.RestoreIdempotent(ctx, snapshot)
}

func (s *Service) AcquireCollection(ctx context.Context, ct models.CollectionType, holder string) (lease.Lease, error) {
	return s.locker.Acquire(ctx, ct, holder)
}

func (s *Service) ReleaseCollection(ctx context.Context, l lease.Lease) error {
	return s.locker.Release(ctx, l)
}

// WithCollection runs fn while holding the lease for ct.
func (s *Service) WithCollection(ctx context.Context, ct models.CollectionType, holder string, fn func(context.Context) error) error {
	return lease.With(ctx, s.locker, ct, holder, fn)
}

func (s *Service) Status(ctx context.Context, id string) (*Batch, error) {
	if s.audit == nil {
		return nil, ErrNotFound
	}
	return s.audit.Get(ctx, id)
}

func (s *Service) Cleanup(ctx context.Context) error {
	if s.audit == nil {
		return nil
	}
	n, err := s.audit.CleanupExpired(ctx, s.statusTTL)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.WithField("removed", n).Info("expired ingestion batches removed")
	}
	return nil
}

func (s *Service) updateAudit(ctx context.Context, id, status string, report *models.MergeReport, errMsg string) {
	if s.audit == nil {
		return
	}
	var doc datatypes.JSONMap
	if report != nil {
		doc = reportMap(*report)
	}
	if err := s.audit.UpdateStatus(ctx, id, status, doc, errMsg); err != nil {
		logger.Log.WithError(err).WithField("batch_id", id).Warn("failed to update batch audit")
	}
}

func (s *Service) publishMerged(ctx context.Context, id, source string, report models.MergeReport) {
	if s.events == nil || report.Inserted+report.Updated == 0 {
		return
	}
	event := kafka.NewEvent(models.EventRecordsMerged, source, map[string]interface{}{
		"batchId":      id,
		"inserted":     report.Inserted,
		"updated":      report.Updated,
		"affectedDays": report.AffectedDays,
	})
	if err := s.events.PublishEvent(ctx, source, event); err != nil {
		logger.Log.WithError(err).WithField("batch_id", id).Warn("failed to publish merge event")
	}
}

func reportMap(report models.MergeReport) datatypes.JSONMap {
	data, err := json.Marshal(report)
	if err != nil {
		return nil
	}
	var m datatypes.JSONMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
