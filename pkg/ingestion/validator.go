package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/viewledger/platform/pkg/common/models"
)

// ReasonInvalidRequest marks a malformed request envelope rather than a bad item.
const ReasonInvalidRequest = "invalid_request"

var (
	errInvalidSource = errors.New("invalid source")
	errEmptyBatch    = errors.New("no records in batch")
	errBatchTooLarge = errors.New("batch too large")
)

type Validator struct {
	allowedSources map[string]struct{}
	maxBatch       int
}

// NewValidator accepts any source when sources is empty and any size when maxBatch
// is zero.
func NewValidator(sources []string, maxBatch int) *Validator {
	vs := make(map[string]struct{})
	for _, src := range sources {
		if trimmed := strings.TrimSpace(strings.ToLower(src)); trimmed != "" {
			vs[trimmed] = struct{}{}
		}
	}
	return &Validator{allowedSources: vs, maxBatch: maxBatch}
}

func (v *Validator) Validate(req IngestRequest) error {
	if v == nil {
		return invalid("", errors.New("validator not initialised"))
	}

	source := strings.TrimSpace(strings.ToLower(req.Source))
	if source == "" {
		return invalid("source", fmt.Errorf("source required: %w", errInvalidSource))
	}
	if len(v.allowedSources) > 0 {
		if _, ok := v.allowedSources[source]; !ok {
			return invalid("source", fmt.Errorf("source '%s' not allowed: %w", source, errInvalidSource))
		}
	}

	if len(req.Records) == 0 {
		return invalid("records", errEmptyBatch)
	}
	if v.maxBatch > 0 && len(req.Records) > v.maxBatch {
		return invalid("records", fmt.Errorf("%d records, limit %d: %w", len(req.Records), v.maxBatch, errBatchTooLarge))
	}
	return nil
}

func invalid(field string, err error) error {
	return models.ValidationError{Code: ReasonInvalidRequest, Field: field, Err: err}
}
