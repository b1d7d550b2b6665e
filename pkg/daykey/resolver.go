// Package daykey maps record timestamps onto calendar days in one fixed time zone.
// Every producer resolves day keys through this package so that two observations of
// the same instant always land in the same partition.
package daykey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/viewledger/platform/pkg/common/models"
)

const Layout = "2006-01-02"

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

var errUnparseable = errors.New("unrecognised timestamp format")

type Resolver struct {
	loc *time.Location
}

func NewResolver(zone string) (*Resolver, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %q: %w", zone, err)
	}
	return &Resolver{loc: loc}, nil
}

func MustResolver(zone string) *Resolver {
	r, err := NewResolver(zone)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Resolver) Location() *time.Location {
	return r.loc
}

// Resolve returns the day key for rec from collectionDate, falling back to uploadDate.
func (r *Resolver) Resolve(rec models.Record) (string, error) {
	t, err := r.ObservedAt(rec)
	if err != nil {
		return "", err
	}
	return t.In(r.loc).Format(Layout), nil
}

// ObservedAt returns the instant behind the record's day key.
func (r *Resolver) ObservedAt(rec models.Record) (time.Time, error) {
	field, raw := "collectionDate", strings.TrimSpace(rec.CollectionDate)
	if raw == "" {
		field, raw = "uploadDate", strings.TrimSpace(rec.UploadDate)
	}
	if raw == "" {
		return time.Time{}, models.ErrMissingTimestamp
	}
	t, err := r.Parse(raw)
	if err != nil {
		return time.Time{}, models.ValidationError{Code: models.ReasonInvalidTimestamp, Field: field, Err: err}
	}
	return t, nil
}

// Parse reads an instant, a zone-less local timestamp, a bare date or epoch milliseconds.
// Zone-less values and bare dates are taken in the resolver's zone.
func (r *Resolver) Parse(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errUnparseable
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.In(r.loc), nil
	}
	if t, err := time.ParseInLocation(Layout, raw, r.loc); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, r.loc); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).In(r.loc), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", errUnparseable, raw)
}

// ValidDayKey reports whether s is a well-formed YYYY-MM-DD day key.
func ValidDayKey(s string) bool {
	if len(s) != len(Layout) {
		return false
	}
	_, err := time.Parse(Layout, s)
	return err == nil
}

// Today is the current day key in the resolver's zone.
func (r *Resolver) Today(clock Clock) string {
	return clock.Now().In(r.loc).Format(Layout)
}

// AddDays shifts a day key by n calendar days.
func (r *Resolver) AddDays(dayKey string, n int) (string, error) {
	t, err := time.ParseInLocation(Layout, dayKey, r.loc)
	if err != nil {
		return "", fmt.Errorf("invalid day key %q: %w", dayKey, err)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, r.loc).Format(Layout), nil
}

// NextMidnight is the first local midnight strictly after now.
func (r *Resolver) NextMidnight(now time.Time) time.Time {
	y, m, d := now.In(r.loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, r.loc)
}
