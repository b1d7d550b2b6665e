package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/viewledger/platform/pkg/common/kafka"
	"github.com/viewledger/platform/pkg/common/logger"
	"github.com/viewledger/platform/pkg/common/models"
)

// HarvestHandler consumes video.observations events from the automatic collector.
// Each event carries a "records" array; the batch is merged while holding the auto
// collection lease so that it never overlaps a manual collection run of the same type.
func HarvestHandler(service *Service) kafka.EventHandler {
	return func(ctx context.Context, event models.Event) error {
		if event.Type != "" && event.Type != models.EventVideoObservations {
			logger.WithField("event_type", event.Type).Debug("ignoring event")
			return nil
		}

		raw, err := eventRecords(event)
		if err != nil {
			return fmt.Errorf("%w: event %s: %v", kafka.ErrPermanent, event.ID, err)
		}
		source := event.Source
		if source == "" {
			source = "harvester"
		}
		req := IngestRequest{Source: source, Records: raw}

		return service.WithCollection(ctx, models.CollectionAuto, "harvest:"+event.ID, func(ctx context.Context) error {
			_, err := service.Ingest(ctx, req)
			if models.IsValidationError(err) {
				return fmt.Errorf("%w: %v", kafka.ErrPermanent, err)
			}
			return err
		})
	}
}

var errNoRecords = errors.New("event has no records array")

func eventRecords(event models.Event) ([]map[string]interface{}, error) {
	items, ok := event.Data["records"].([]interface{})
	if !ok {
		return nil, errNoRecords
	}
	out := make([]map[string]interface{}, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("record %d is not an object", i)
		}
		_, camel := m["collectionType"]
		_, snake := m["collection_type"]
		if !camel && !snake {
			m["collectionType"] = string(models.CollectionAuto)
		}
		out = append(out, m)
	}
	return out, nil
}
