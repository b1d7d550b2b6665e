package models

import (
	"errors"
	"fmt"
)

// Rejection reason codes.
const (
	ReasonInvalidVideoID        = "invalid_video_id"
	ReasonInvalidMetric         = "invalid_metric"
	ReasonInvalidStatus         = "invalid_status"
	ReasonInvalidCollectionType = "invalid_collection_type"
	ReasonMissingTimestamp      = "missing_timestamp"
	ReasonInvalidTimestamp      = "invalid_timestamp"
)

var (
	ErrMissingTimestamp = errors.New("no usable collection or upload date")
	ErrStoreUnavailable = errors.New("partition store unavailable")
)

// ValidationError is a per-item failure; the batch it came from keeps going.
type ValidationError struct {
	Code  string
	Field string
	Err   error
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Field, e.Err)
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Rejection turns a validation failure into the report entry for item idx.
func Rejection(idx int, videoID string, err error) RejectedItem {
	item := RejectedItem{Index: idx, VideoID: videoID, Reason: ReasonInvalidVideoID, Detail: err.Error()}
	var ve ValidationError
	switch {
	case errors.As(err, &ve):
		item.Reason = ve.Code
	case errors.Is(err, ErrMissingTimestamp):
		item.Reason = ReasonMissingTimestamp
	}
	return item
}

// StoreError wraps a backend failure. It matches ErrStoreUnavailable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}
