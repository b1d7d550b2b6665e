package partition

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/viewledger/platform/pkg/common/models"
)

type RecordModel struct {
	Log            string                            `gorm:"primaryKey;column:log;size:64;uniqueIndex:idx_video_records_key,priority:1;index:idx_video_records_updated,priority:1"`
	ID             string                            `gorm:"primaryKey;column:id;size:36"`
	DayKeyLocal    string                            `gorm:"column:day_key_local;size:10;not null;uniqueIndex:idx_video_records_key,priority:2"`
	VideoID        string                            `gorm:"column:video_id;size:64;not null;uniqueIndex:idx_video_records_key,priority:3"`
	ChannelID      string                            `gorm:"column:channel_id"`
	ChannelName    string                            `gorm:"column:channel_name"`
	Title          string                            `gorm:"column:title"`
	Description    string                            `gorm:"column:description;type:text"`
	ThumbnailURL   string                            `gorm:"column:thumbnail_url"`
	ViewCount      int64                             `gorm:"column:view_count;not null;default:0"`
	LikeCount      int64                             `gorm:"column:like_count;not null;default:0"`
	CommentCount   int64                             `gorm:"column:comment_count;not null;default:0"`
	UploadDate     string                            `gorm:"column:upload_date"`
	CollectionDate string                            `gorm:"column:collection_date"`
	ObservedAt     time.Time                         `gorm:"column:observed_at"`
	Category       string                            `gorm:"column:category"`
	SubCategory    string                            `gorm:"column:sub_category"`
	Status         string                            `gorm:"column:status;size:16;not null"`
	CollectionType string                            `gorm:"column:collection_type;size:16;not null"`
	Keyword        string                            `gorm:"column:keyword"`
	Source         string                            `gorm:"column:source"`
	Stamps         datatypes.JSONType[models.Stamps] `gorm:"column:stamps"`
	CreatedAt      time.Time                         `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt      time.Time                         `gorm:"column:updated_at;autoUpdateTime:false;index:idx_video_records_updated,priority:2"`
	Version        int64                             `gorm:"column:version;not null;default:1"`
}

func (RecordModel) TableName() string {
	return "video_records"
}

// PostgresStore is the authoritative store. Each Apply is one transaction: existing
// rows of the affected days are locked in key order, missing keys are inserted with
// ON CONFLICT DO NOTHING, and a lost insert race falls back to lock-and-merge.
type PostgresStore struct {
	db  *gorm.DB
	log string
}

func NewPostgresStore(db *gorm.DB, log string) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

func (s *PostgresStore) Log() string { return s.log }

func (s *PostgresStore) AutoMigrate() error {
	return s.db.AutoMigrate(&RecordModel{})
}

func (s *PostgresStore) Apply(ctx context.Context, batch []models.Record, merge MergeFunc) ([]Outcome, error) {
	ordered := sortedBatch(batch)
	if len(ordered) == 0 {
		return nil, nil
	}

	var outcomes []Outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.lockAffected(tx, ordered)
		if err != nil {
			return err
		}

		for _, rec := range ordered {
			key := rec.Key()
			cur, found := current[key]
			if !found {
				inserted, _ := merge(nil, rec)
				row := toModel(s.log, inserted)
				res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 1 {
					current[key] = inserted
					outcomes = append(outcomes, Outcome{Key: key, Kind: OutcomeInserted, Record: inserted})
					continue
				}
				// A concurrent batch inserted the key first; merge into its row.
				var m RecordModel
				err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
					Where("log = ? AND day_key_local = ? AND video_id = ?", s.log, rec.DayKeyLocal, rec.VideoID).
					First(&m).Error
				if err != nil {
					return err
				}
				cur = m.toRecord()
			}

			merged, changed := merge(&cur, rec)
			if !changed {
				outcomes = append(outcomes, Outcome{Key: key, Kind: OutcomeUnchanged, Record: cur})
				continue
			}
			row := toModel(s.log, merged)
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
			current[key] = merged
			outcomes = append(outcomes, Outcome{Key: key, Kind: OutcomeUpdated, Record: merged})
		}
		return nil
	})
	if err != nil {
		return nil, &models.StoreError{Op: "apply", Err: err}
	}
	return outcomes, nil
}

// lockAffected loads and row-locks the stored records for the batch's days and videos.
func (s *PostgresStore) lockAffected(tx *gorm.DB, batch []models.Record) (map[models.Key]models.Record, error) {
	days := make([]string, 0, len(batch))
	videos := make([]string, 0, len(batch))
	for _, rec := range batch {
		days = append(days, rec.DayKeyLocal)
		videos = append(videos, rec.VideoID)
	}

	var rows []RecordModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("log = ? AND day_key_local IN ? AND video_id IN ?", s.log, distinct(days), distinct(videos)).
		Order("day_key_local, video_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	current := make(map[models.Key]models.Record, len(rows))
	for _, row := range rows {
		rec := row.toRecord()
		current[rec.Key()] = rec
	}
	return current, nil
}

func (s *PostgresStore) GetDays(ctx context.Context, days []string) ([]models.Record, error) {
	days = distinct(days)
	if len(days) == 0 {
		return nil, nil
	}
	var rows []RecordModel
	err := s.db.WithContext(ctx).
		Where("log = ? AND day_key_local IN ?", s.log, days).
		Order("day_key_local, video_id").
		Find(&rows).Error
	if err != nil {
		return nil, &models.StoreError{Op: "get days", Err: err}
	}
	return toRecords(rows), nil
}

func (s *PostgresStore) ChangedSince(ctx context.Context, since time.Time) ([]models.Record, error) {
	var rows []RecordModel
	err := s.db.WithContext(ctx).
		Where("log = ? AND updated_at > ?", s.log, since).
		Order("updated_at, day_key_local, video_id").
		Find(&rows).Error
	if err != nil {
		return nil, &models.StoreError{Op: "changed since", Err: err}
	}
	return toRecords(rows), nil
}

func (s *PostgresStore) HasChangesSince(ctx context.Context, since time.Time) (bool, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&RecordModel{}).
		Where("log = ? AND updated_at > ?", s.log, since).
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return false, &models.StoreError{Op: "has changes", Err: err}
	}
	return len(ids) > 0, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoffDay string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("log = ? AND day_key_local < ?", s.log, cutoffDay).
		Delete(&RecordModel{})
	if res.Error != nil {
		return 0, &models.StoreError{Op: "delete before", Err: res.Error}
	}
	return res.RowsAffected, nil
}

func (s *PostgresStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	ids = distinct(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("log = ? AND id IN ?", s.log, ids).
		Delete(&RecordModel{})
	if res.Error != nil {
		return 0, &models.StoreError{Op: "delete by ids", Err: res.Error}
	}
	return res.RowsAffected, nil
}

func (s *PostgresStore) Put(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]RecordModel, 0, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			rec.ID = models.RecordID(rec.VideoID, rec.DayKeyLocal)
		}
		rows = append(rows, toModel(s.log, rec))
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "log"}, {Name: "id"}},
			UpdateAll: true,
		}).
		Create(&rows).Error
	if err != nil {
		return &models.StoreError{Op: "put", Err: err}
	}
	return nil
}

func toModel(log string, rec models.Record) RecordModel {
	return RecordModel{
		Log:            log,
		ID:             rec.ID,
		DayKeyLocal:    rec.DayKeyLocal,
		VideoID:        rec.VideoID,
		ChannelID:      rec.ChannelID,
		ChannelName:    rec.ChannelName,
		Title:          rec.Title,
		Description:    rec.Description,
		ThumbnailURL:   rec.ThumbnailURL,
		ViewCount:      rec.ViewCount,
		LikeCount:      rec.LikeCount,
		CommentCount:   rec.CommentCount,
		UploadDate:     rec.UploadDate,
		CollectionDate: rec.CollectionDate,
		ObservedAt:     rec.ObservedAt,
		Category:       rec.Category,
		SubCategory:    rec.SubCategory,
		Status:         string(rec.Status),
		CollectionType: string(rec.CollectionType),
		Keyword:        rec.Keyword,
		Source:         rec.Source,
		Stamps:         datatypes.NewJSONType(rec.Stamps),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
		Version:        rec.Version,
	}
}

func (m RecordModel) toRecord() models.Record {
	return models.Record{
		ID:             m.ID,
		VideoID:        m.VideoID,
		ChannelID:      m.ChannelID,
		ChannelName:    m.ChannelName,
		Title:          m.Title,
		Description:    m.Description,
		ThumbnailURL:   m.ThumbnailURL,
		ViewCount:      m.ViewCount,
		LikeCount:      m.LikeCount,
		CommentCount:   m.CommentCount,
		UploadDate:     m.UploadDate,
		CollectionDate: m.CollectionDate,
		DayKeyLocal:    m.DayKeyLocal,
		ObservedAt:     m.ObservedAt.UTC(),
		Category:       m.Category,
		SubCategory:    m.SubCategory,
		Status:         models.Status(m.Status),
		CollectionType: models.CollectionType(m.CollectionType),
		Keyword:        m.Keyword,
		Source:         m.Source,
		Stamps:         utcStamps(m.Stamps.Data()),
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
		Version:        m.Version,
	}
}

func utcStamps(s models.Stamps) models.Stamps {
	for k, v := range s {
		v.At = v.At.UTC()
		s[k] = v
	}
	return s
}

func toRecords(rows []RecordModel) []models.Record {
	out := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out
}
