package models

import (
	"context"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
)

// OutboxEvent is a transactional outbox row. Workflows insert it inside their
// own DB transaction; the dispatcher publishes to Pub/Sub after commit. A row
// therefore exists if and only if its business change committed.
type OutboxEvent struct {
	ID             int                 `gorm:"primary_key;index:idx_outbox_dispatch,priority:3;index:idx_outbox_reconcile,priority:3" json:"id"`
	OrganizationId string              `gorm:"size:64;not null;index;index:idx_outbox_reconcile,priority:1" json:"organization_id"`
	OccurredAt     time.Time           `gorm:"index;not null" json:"occurred_at"`
	ReferenceId    int                 `json:"reference_id"`
	ReferenceType  EngineReferenceType `gorm:"type:enum('MB','RST','BSL','TGT')" json:"reference_type"`
	EventType      string              `gorm:"size:100;not null;index" json:"event_type"`
	Action         PubSubMessageAction `gorm:"type:enum('C','U','D')" json:"action"`
	Payload        []byte              `gorm:"type:blob" json:"payload"`
	IsProcessed    bool                `gorm:"index;not null;index:idx_outbox_reconcile,priority:2" json:"is_processed"`
	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	// Processing metadata (consumer/worker)
	ProcessingStatus     string     `gorm:"size:20;index;not null;default:'PENDING'" json:"processing_status"` // PENDING|PROCESSING|SUCCEEDED|FAILED|DEAD
	ProcessAttempts      int        `gorm:"not null;default:0" json:"process_attempts"`
	NextProcessAttemptAt *time.Time `gorm:"index" json:"next_process_attempt_at"`
	LastProcessError     *string    `gorm:"type:text" json:"last_process_error"`
	ProcessedAt          *time.Time `gorm:"index" json:"processed_at"`
	CorrelationId        string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToPubSubMessage(record OutboxEvent) config.PubSubMessage {
	return config.PubSubMessage{
		ID:             record.ID,
		OrganizationId: record.OrganizationId,
		OccurredAt:     record.OccurredAt,
		ReferenceId:    record.ReferenceId,
		ReferenceType:  string(record.ReferenceType),
		EventType:      record.EventType,
		Action:         string(record.Action),
		Payload:        record.Payload,
		CorrelationId:  record.CorrelationId,
	}
}

// Outbox publish statuses for OutboxEvent.PublishStatus.
// Keep these as strings (DB values) for backwards compatibility.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Worker-side handling state, distinct from PublishStatus.
const (
	OutboxProcessStatusPending    = "PENDING"
	OutboxProcessStatusProcessing = "PROCESSING"
	OutboxProcessStatusSucceeded  = "SUCCEEDED"
	OutboxProcessStatusFailed     = "FAILED"
	OutboxProcessStatusDead       = "DEAD"
)

// CountPendingOutboxEvents is used by readiness and the reconciliation run.
func CountPendingOutboxEvents(ctx context.Context, organizationId string) (int64, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&OutboxEvent{}).
		Where("organization_id = ? AND publish_status IN ?", organizationId,
			[]string{OutboxPublishStatusPending, OutboxPublishStatusFailed}).
		Count(&count).Error
	return count, err
}
