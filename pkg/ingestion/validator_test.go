package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/viewledger/platform/pkg/common/models"
)

func TestValidator(t *testing.T) {
	v := NewValidator([]string{"Extension", " harvester "}, 2)
	one := []map[string]interface{}{{"videoId": "v1"}}

	assert.NoError(t, v.Validate(IngestRequest{Source: "extension", Records: one}))
	assert.NoError(t, v.Validate(IngestRequest{Source: "HARVESTER", Records: one}))

	for name, req := range map[string]IngestRequest{
		"missing source": {Records: one},
		"unknown source": {Source: "scraper", Records: one},
		"empty batch":    {Source: "extension"},
		"too large":      {Source: "extension", Records: append(one, one[0], one[0])},
	} {
		err := v.Validate(req)
		assert.True(t, models.IsValidationError(err), name)
	}

	var nilValidator *Validator
	assert.Error(t, nilValidator.Validate(IngestRequest{}))
	assert.NoError(t, NewValidator(nil, 0).Validate(IngestRequest{Source: "anything", Records: one}))
}
