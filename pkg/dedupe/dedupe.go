// Package dedupe collapses records that share a (videoId, dayKeyLocal) key when several
// logs are read together.
package dedupe

import (
	"sort"

	"github.com/viewledger/platform/pkg/common/models"
)

// Dedupe keeps one record per key: the one with the most views, then the most
// recently updated. Remaining ties keep input order. The result is ordered by that
// same ranking.
func Dedupe(records []models.Record) []models.Record {
	ranked := make([]models.Record, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].ViewCount != ranked[j].ViewCount {
			return ranked[i].ViewCount > ranked[j].ViewCount
		}
		return ranked[i].UpdatedAt.After(ranked[j].UpdatedAt)
	})

	seen := make(map[models.Key]struct{}, len(ranked))
	out := make([]models.Record, 0, len(ranked))
	for _, rec := range ranked {
		key := rec.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// SortForQuery orders records by day ascending, then views descending, then video id.
func SortForQuery(records []models.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.DayKeyLocal != b.DayKeyLocal {
			return a.DayKeyLocal < b.DayKeyLocal
		}
		if a.ViewCount != b.ViewCount {
			return a.ViewCount > b.ViewCount
		}
		return a.VideoID < b.VideoID
	})
}

// SortByUpdated orders records for change feeds: oldest update first.
func SortByUpdated(records []models.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		if a.DayKeyLocal != b.DayKeyLocal {
			return a.DayKeyLocal < b.DayKeyLocal
		}
		return a.VideoID < b.VideoID
	})
}
