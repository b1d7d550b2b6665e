package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/viewledger/platform/pkg/common/models"
	"github.com/viewledger/platform/pkg/daykey"
)

var (
	errNegative   = errors.New("must not be negative")
	errNotInteger = errors.New("not a whole number")
	errEmpty      = errors.New("required")
)

// Field spellings accepted from producers, in priority order.
var (
	videoIDFields        = []string{"videoId", "video_id"}
	viewFields           = []string{"viewCount", "view_count", "views"}
	likeFields           = []string{"likeCount", "like_count", "likes"}
	commentFields        = []string{"commentCount", "comment_count", "comments"}
	collectionDateFields = []string{"collectionDate", "collection_date", "dayKeyLocal", "day_key_local"}
	uploadDateFields     = []string{"uploadDate", "upload_date", "publishedAt", "published_at"}
	thumbnailFields      = []string{"thumbnailUrl", "thumbnail_url", "thumbnail"}
	subCategoryFields    = []string{"subCategory", "sub_category"}
	collectionTypeFields = []string{"collectionType", "collection_type"}
)

type Normalizer struct {
	resolver *daykey.Resolver
	catalog  *Catalog
}

func New(resolver *daykey.Resolver, catalog *Catalog) *Normalizer {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Normalizer{resolver: resolver, catalog: catalog}
}

// Batch is one normalized producer batch. Positions[i] is the index in the raw batch
// that Records[i] came from.
type Batch struct {
	Records   []models.Record
	Positions []int
	Rejected  []models.RejectedItem
}

// NormalizeBatch keeps going past bad items; each one is reported with its index.
func (n *Normalizer) NormalizeBatch(raw []map[string]interface{}) Batch {
	b := Batch{
		Records:   make([]models.Record, 0, len(raw)),
		Positions: make([]int, 0, len(raw)),
	}
	for i, item := range raw {
		rec, err := n.Normalize(item)
		if err != nil {
			b.Rejected = append(b.Rejected, models.Rejection(i, getString(first(item, videoIDFields...)), err))
			continue
		}
		b.Records = append(b.Records, rec)
		b.Positions = append(b.Positions, i)
	}
	return b
}

func (n *Normalizer) Normalize(raw map[string]interface{}) (models.Record, error) {
	if raw == nil {
		return models.Record{}, models.ValidationError{Code: models.ReasonInvalidVideoID, Field: "videoId", Err: errEmpty}
	}

	rec := models.Record{
		VideoID:        getString(first(raw, videoIDFields...)),
		ChannelID:      getString(first(raw, "channelId", "channel_id")),
		ChannelName:    getString(first(raw, "channelName", "channel_name", "channelTitle")),
		Title:          getString(raw["title"]),
		Description:    getString(raw["description"]),
		ThumbnailURL:   getString(first(raw, thumbnailFields...)),
		UploadDate:     getString(first(raw, uploadDateFields...)),
		CollectionDate: getString(first(raw, collectionDateFields...)),
		Keyword:        getString(raw["keyword"]),
		Source:         getString(raw["source"]),
	}
	if rec.VideoID == "" {
		return models.Record{}, models.ValidationError{Code: models.ReasonInvalidVideoID, Field: "videoId", Err: errEmpty}
	}

	var err error
	if rec.ViewCount, err = metric(raw, "viewCount", viewFields); err != nil {
		return models.Record{}, err
	}
	if rec.LikeCount, err = metric(raw, "likeCount", likeFields); err != nil {
		return models.Record{}, err
	}
	if rec.CommentCount, err = metric(raw, "commentCount", commentFields); err != nil {
		return models.Record{}, err
	}

	status, ok := models.ParseStatus(getString(raw["status"]))
	if !ok {
		return models.Record{}, models.ValidationError{Code: models.ReasonInvalidStatus, Field: "status", Err: fmt.Errorf("unknown status %q", getString(raw["status"]))}
	}
	rec.Status = status

	rec.CollectionType = models.CollectionManual
	if ct := getString(first(raw, collectionTypeFields...)); ct != "" {
		parsed, ok := models.ParseCollectionType(ct)
		if !ok {
			return models.Record{}, models.ValidationError{Code: models.ReasonInvalidCollectionType, Field: "collectionType", Err: fmt.Errorf("unknown collection type %q", ct)}
		}
		rec.CollectionType = parsed
	}

	rec.Category, rec.SubCategory = n.catalog.Canonical(getString(raw["category"]), getString(first(raw, subCategoryFields...)))

	if rec.DayKeyLocal, err = n.resolver.Resolve(rec); err != nil {
		return models.Record{}, err
	}
	if rec.ObservedAt, err = n.resolver.ObservedAt(rec); err != nil {
		return models.Record{}, err
	}
	// Snapshots carry the original observation instant and creation time.
	if t, ok := parseInstant(raw["observedAt"]); ok {
		rec.ObservedAt = t
	}
	if t, ok := parseInstant(raw["createdAt"]); ok {
		rec.CreatedAt = t
	}
	rec.ID = models.RecordID(rec.VideoID, rec.DayKeyLocal)
	return rec, nil
}

func metric(raw map[string]interface{}, name string, fields []string) (int64, error) {
	v := first(raw, fields...)
	n, err := toNonNegativeInt(v)
	if err != nil {
		return 0, models.ValidationError{Code: models.ReasonInvalidMetric, Field: name, Err: err}
	}
	return n, nil
}

func toNonNegativeInt(v interface{}) (int64, error) {
	var n int64
	switch val := v.(type) {
	case nil:
		return 0, nil
	case int:
		n = int64(val)
	case int32:
		n = int64(val)
	case int64:
		n = val
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) || math.IsNaN(val) {
			return 0, errNotInteger
		}
		if val >= math.MaxInt64 {
			return 0, fmt.Errorf("%v out of range", val)
		}
		n = int64(val)
	case json.Number:
		parsed, err := val.Int64()
		if err != nil {
			return 0, errNotInteger
		}
		n = parsed
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(val), ",", "")
		if s == "" {
			return 0, nil
		}
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, errNotInteger
		}
		n = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if n < 0 {
		return 0, errNegative
	}
	return n, nil
}

func parseInstant(v interface{}) (time.Time, bool) {
	s := getString(v)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func first(data map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v
		}
	}
	return nil
}

func getString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		return ""
	}
}
