package ingestion

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusAccepted = "accepted"
	StatusMerged   = "merged"
	StatusFailed   = "failed"
)

// Batch is the audit row kept for every ingest call.
type Batch struct {
	ID        string            `json:"id" gorm:"primaryKey;column:id"`
	Source    string            `json:"source" gorm:"column:source"`
	ItemCount int               `json:"itemCount" gorm:"column:item_count"`
	Status    string            `json:"status" gorm:"column:status"`
	Report    datatypes.JSONMap `json:"report,omitempty" gorm:"column:report"`
	Error     string            `json:"error,omitempty" gorm:"column:error"`
	CreatedAt time.Time         `json:"createdAt" gorm:"column:created_at;index"`
	UpdatedAt time.Time         `json:"updatedAt" gorm:"column:updated_at"`
}

func (Batch) TableName() string {
	return "ingestion_batches"
}
