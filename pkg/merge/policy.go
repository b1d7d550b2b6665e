// Package merge reconciles incoming observations with stored records.
//
// Every field of a record belongs to exactly one group in Policy, and each group has
// one resolution rule. Every rule is a maximum over a total order, so merging is
// idempotent and, per key, independent of arrival order: counters take the maximum,
// and each overwrite field keeps the value with the best (non-empty, rank,
// observedAt, value) tuple. The stamp of the winning tuple is stored with the record
// so later merges compare against where the value came from, not against the
// record's newest observation.
package merge

import (
	"time"

	"github.com/viewledger/platform/pkg/common/models"
)

type Group string

const (
	GroupMonotonicMax Group = "monotonic-max"
	GroupDescriptive  Group = "descriptive"
	GroupAuthority    Group = "authority"
	GroupProvenance   Group = "provenance"
	GroupObservation  Group = "observation"
	GroupImmutable    Group = "immutable"
)

type Rule struct {
	Group   Group
	Fields  []string
	resolve func(dst *models.Record, existing, incoming models.Record)
}

// field is one overwrite-resolved string field. Ranked fields compare the status
// rank of the observation that supplied them before comparing time.
type field struct {
	name   string
	ranked bool
	get    func(models.Record) string
	set    func(*models.Record, string)
}

var (
	descriptiveFields = []field{
		{name: "title", get: func(r models.Record) string { return r.Title }, set: func(r *models.Record, v string) { r.Title = v }},
		{name: "description", get: func(r models.Record) string { return r.Description }, set: func(r *models.Record, v string) { r.Description = v }},
		{name: "thumbnailUrl", get: func(r models.Record) string { return r.ThumbnailURL }, set: func(r *models.Record, v string) { r.ThumbnailURL = v }},
		{name: "channelName", get: func(r models.Record) string { return r.ChannelName }, set: func(r *models.Record, v string) { r.ChannelName = v }},
		{name: "channelId", get: func(r models.Record) string { return r.ChannelID }, set: func(r *models.Record, v string) { r.ChannelID = v }},
	}
	authorityFields = []field{
		{name: "status", ranked: true, get: func(r models.Record) string { return string(r.Status) }, set: func(r *models.Record, v string) { r.Status = models.Status(v) }},
		{name: "category", ranked: true, get: func(r models.Record) string { return r.Category }, set: func(r *models.Record, v string) { r.Category = v }},
		{name: "subCategory", ranked: true, get: func(r models.Record) string { return r.SubCategory }, set: func(r *models.Record, v string) { r.SubCategory = v }},
	}
	provenanceFields = []field{
		{name: "collectionType", get: func(r models.Record) string { return string(r.CollectionType) }, set: func(r *models.Record, v string) { r.CollectionType = models.CollectionType(v) }},
		{name: "keyword", get: func(r models.Record) string { return r.Keyword }, set: func(r *models.Record, v string) { r.Keyword = v }},
		{name: "source", get: func(r models.Record) string { return r.Source }, set: func(r *models.Record, v string) { r.Source = v }},
	}
)

// Policy is the single table of conflict rules applied when a key already exists.
var Policy = []Rule{
	{
		Group:  GroupMonotonicMax,
		Fields: []string{"viewCount", "likeCount", "commentCount"},
		resolve: func(dst *models.Record, existing, incoming models.Record) {
			dst.ViewCount = max(existing.ViewCount, incoming.ViewCount)
			dst.LikeCount = max(existing.LikeCount, incoming.LikeCount)
			dst.CommentCount = max(existing.CommentCount, incoming.CommentCount)
		},
	},
	overwrite(GroupDescriptive, descriptiveFields),
	overwrite(GroupAuthority, authorityFields),
	overwrite(GroupProvenance, provenanceFields),
	{
		Group:  GroupObservation,
		Fields: []string{"observedAt", "collectionDate"},
		resolve: func(dst *models.Record, existing, incoming models.Record) {
			win := existing
			if incoming.ObservedAt.After(existing.ObservedAt) ||
				(incoming.ObservedAt.Equal(existing.ObservedAt) && incoming.CollectionDate > existing.CollectionDate) {
				win = incoming
			}
			dst.ObservedAt = win.ObservedAt
			dst.CollectionDate = win.CollectionDate
		},
	},
	{
		// The earliest reported upload date stands; later reports never move it.
		Group:  GroupImmutable,
		Fields: []string{"uploadDate"},
		resolve: func(dst *models.Record, existing, incoming models.Record) {
			dst.UploadDate = existing.UploadDate
			if incoming.UploadDate != "" && (existing.UploadDate == "" || incoming.UploadDate < existing.UploadDate) {
				dst.UploadDate = incoming.UploadDate
			}
		},
	},
}

// Records merges incoming into existing under Policy. Identity and bookkeeping
// fields come from existing; the caller decides whether to bump them.
func Records(existing, incoming models.Record) models.Record {
	merged := existing
	merged.Stamps = models.Stamps{}
	for _, rule := range Policy {
		rule.resolve(&merged, existing, incoming)
	}
	if len(merged.Stamps) == 0 {
		merged.Stamps = nil
	}
	return merged
}

// StampFields returns rec's stamps with an entry for every non-empty overwrite field.
// Fields without a supplied stamp are stamped with the record's own observation.
func StampFields(rec models.Record) models.Stamps {
	out := models.Stamps{}
	for _, group := range [][]field{descriptiveFields, authorityFields, provenanceFields} {
		for _, f := range group {
			if f.get(rec) == "" {
				continue
			}
			s := stampOf(rec, f)
			s.At = s.At.UTC().Truncate(time.Microsecond)
			out[f.name] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func overwrite(group Group, fields []field) Rule {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return Rule{
		Group:  group,
		Fields: names,
		resolve: func(dst *models.Record, existing, incoming models.Record) {
			for _, f := range fields {
				v, s := f.get(existing), stampOf(existing, f)
				if iv, is := f.get(incoming), stampOf(incoming, f); outranks(iv, is, v, s) {
					v, s = iv, is
				}
				f.set(dst, v)
				if v == "" {
					delete(dst.Stamps, f.name)
					continue
				}
				dst.Stamps[f.name] = s
			}
		},
	}
}

func stampOf(r models.Record, f field) models.FieldStamp {
	if s, ok := r.Stamps[f.name]; ok {
		return s
	}
	s := models.FieldStamp{At: r.ObservedAt}
	if f.ranked {
		s.Rank = r.Status.Rank()
	}
	return s
}

// outranks orders (value, stamp) pairs: any value beats an empty one, then higher
// rank, then later observation, then the lexically greater value.
func outranks(v string, s models.FieldStamp, cur string, cs models.FieldStamp) bool {
	if (v != "") != (cur != "") {
		return v != ""
	}
	if s.Rank != cs.Rank {
		return s.Rank > cs.Rank
	}
	if !s.At.Equal(cs.At) {
		return s.At.After(cs.At)
	}
	return v > cur
}
