package models

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusUnclassified Status = "unclassified"
	StatusPending      Status = "pending"
	StatusClassified   Status = "classified"
)

// Rank orders statuses by classification authority.
func (s Status) Rank() int {
	switch s {
	case StatusClassified:
		return 2
	case StatusPending:
		return 1
	default:
		return 0
	}
}

func ParseStatus(v string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(v))) {
	case "":
		return StatusUnclassified, true
	case StatusUnclassified:
		return StatusUnclassified, true
	case StatusPending:
		return StatusPending, true
	case StatusClassified:
		return StatusClassified, true
	}
	return "", false
}

type CollectionType string

const (
	CollectionManual CollectionType = "manual"
	CollectionAuto   CollectionType = "auto"
)

func ParseCollectionType(v string) (CollectionType, bool) {
	switch CollectionType(strings.ToLower(strings.TrimSpace(v))) {
	case CollectionManual:
		return CollectionManual, true
	case CollectionAuto:
		return CollectionAuto, true
	}
	return "", false
}

// Log names. Writes always target LogRecords; the others are read-only at query time.
const (
	LogRecords          = "records"
	LogAutoCollected    = "auto_collected"
	LogManualClassified = "manual_classified"
)

// recordNamespace seeds the deterministic record ids.
var recordNamespace = uuid.MustParse("6f1c2a9e-4d7b-5e3a-9c21-7b8d0e4f5a13")

// RecordID is stable for a (videoId, dayKeyLocal) pair across every producer and store.
func RecordID(videoID, dayKey string) string {
	return uuid.NewSHA1(recordNamespace, []byte(videoID+"|"+dayKey)).String()
}

// Record is one observation of one video on one local calendar day.
type Record struct {
	ID             string         `json:"id"`
	VideoID        string         `json:"videoId"`
	ChannelID      string         `json:"channelId,omitempty"`
	ChannelName    string         `json:"channelName,omitempty"`
	Title          string         `json:"title,omitempty"`
	Description    string         `json:"description,omitempty"`
	ThumbnailURL   string         `json:"thumbnailUrl,omitempty"`
	ViewCount      int64          `json:"viewCount"`
	LikeCount      int64          `json:"likeCount"`
	CommentCount   int64          `json:"commentCount"`
	UploadDate     string         `json:"uploadDate,omitempty"`
	CollectionDate string         `json:"collectionDate,omitempty"`
	DayKeyLocal    string         `json:"dayKeyLocal"`
	ObservedAt     time.Time      `json:"observedAt"`
	Category       string         `json:"category,omitempty"`
	SubCategory    string         `json:"subCategory,omitempty"`
	Status         Status         `json:"status"`
	CollectionType CollectionType `json:"collectionType"`
	Keyword        string         `json:"keyword,omitempty"`
	Source         string         `json:"source,omitempty"`
	Stamps         Stamps         `json:"stamps,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	Version        int64          `json:"version"`
}

type Key struct {
	VideoID string
	DayKey  string
}

func (r Record) Key() Key {
	return Key{VideoID: r.VideoID, DayKey: r.DayKeyLocal}
}

// SameContent compares every merge-governed field, ignoring bookkeeping.
func (r Record) SameContent(o Record) bool {
	return r.VideoID == o.VideoID &&
		r.DayKeyLocal == o.DayKeyLocal &&
		r.ChannelID == o.ChannelID &&
		r.ChannelName == o.ChannelName &&
		r.Title == o.Title &&
		r.Description == o.Description &&
		r.ThumbnailURL == o.ThumbnailURL &&
		r.ViewCount == o.ViewCount &&
		r.LikeCount == o.LikeCount &&
		r.CommentCount == o.CommentCount &&
		r.UploadDate == o.UploadDate &&
		r.CollectionDate == o.CollectionDate &&
		r.ObservedAt.Equal(o.ObservedAt) &&
		r.Category == o.Category &&
		r.SubCategory == o.SubCategory &&
		r.Status == o.Status &&
		r.CollectionType == o.CollectionType &&
		r.Keyword == o.Keyword &&
		r.Source == o.Source &&
		r.Stamps.Equal(o.Stamps)
}

// FieldStamp records where the current value of an overwrite field came from: the
// observation instant and, for classification fields, the status rank it carried.
type FieldStamp struct {
	At   time.Time `json:"at"`
	Rank int       `json:"rank,omitempty"`
}

// Stamps is keyed by the field's JSON name.
type Stamps map[string]FieldStamp

func (s Stamps) Equal(o Stamps) bool {
	if len(s) != len(o) {
		return false
	}
	for k, v := range s {
		w, ok := o[k]
		if !ok || v.Rank != w.Rank || !v.At.Equal(w.At) {
			return false
		}
	}
	return true
}

// RejectedItem describes one batch entry that failed normalization or merge validation.
type RejectedItem struct {
	Index   int    `json:"index"`
	VideoID string `json:"videoId,omitempty"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

type MergeReport struct {
	Inserted      int            `json:"inserted"`
	Updated       int            `json:"updated"`
	Unchanged     int            `json:"unchanged"`
	Rejected      int            `json:"rejected"`
	RejectedItems []RejectedItem `json:"rejectedItems,omitempty"`
	AffectedDays  []string       `json:"affectedDays"`
}

// Accepted is the number of records that reached the store.
func (r MergeReport) Accepted() int {
	return r.Inserted + r.Updated + r.Unchanged
}

// Reject appends items to the report, keeping the count in step.
func (r *MergeReport) Reject(items ...RejectedItem) {
	r.RejectedItems = append(r.RejectedItems, items...)
	r.Rejected = len(r.RejectedItems)
}

// Add folds another report into r. Affected days stay sorted and distinct.
func (r *MergeReport) Add(o MergeReport) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.Reject(o.RejectedItems...)
	days := append(slices.Clone(r.AffectedDays), o.AffectedDays...)
	slices.Sort(days)
	r.AffectedDays = slices.Compact(days)
	if r.AffectedDays == nil {
		r.AffectedDays = []string{}
	}
}

type RestoreReport struct {
	MergeReport
	SnapshotSize int `json:"snapshotSize"`
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // video.observations, records.merged
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

const (
	EventVideoObservations = "video.observations"
	EventRecordsMerged     = "records.merged"
)

type IngestResponse struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Report    MergeReport `json:"report"`
	Timestamp time.Time   `json:"timestamp"`
}

// RecordBatch is the body of push, restore and pull exchanges.
type RecordBatch struct {
	Records []Record  `json:"records"`
	Since   time.Time `json:"since,omitempty"`
}

type ChangesResponse struct {
	Changed bool      `json:"changed"`
	Since   time.Time `json:"since"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
