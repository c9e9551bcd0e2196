package workflow

import (
	"strconv"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProcessReconciliationWorkflow re-drives every unprocessed outbox event for
// the organization through the engine event processor. Safe to retry: each
// event is guarded by a durable idempotency key.
func ProcessReconciliationWorkflow(tx *gorm.DB, logger *logrus.Logger, organizationId string) error {
	var events []models.OutboxEvent
	err := tx.Where("organization_id = ? AND is_processed = 0", organizationId).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		config.LogError(logger, "ReconciliationWorkflow.go", "ProcessReconciliationWorkflow", "QueryingOutboxEvents", organizationId, err)
		return err
	}

	for _, event := range events {
		handlerName := string(event.ReferenceType)
		messageId := strconv.Itoa(event.ID)
		skip, err := BeginIdempotency(tx, organizationId, handlerName, messageId)
		if err != nil {
			return err
		}
		if skip {
			if err := markOutboxProcessed(tx, event.ID); err != nil {
				return err
			}
			continue
		}

		msg := models.ConvertToPubSubMessage(event)
		if err := ProcessEngineEvent(tx, logger, msg); err != nil {
			_ = MarkIdempotencyFailed(tx, organizationId, handlerName, messageId, err)
			return err
		}
		if err := MarkIdempotencySucceeded(tx, organizationId, handlerName, messageId); err != nil {
			return err
		}
		if err := markOutboxProcessed(tx, event.ID); err != nil {
			return err
		}
	}
	return nil
}

func markOutboxProcessed(tx *gorm.DB, eventId int) error {
	now := time.Now().UTC()
	return tx.Model(&models.OutboxEvent{}).
		Where("id = ?", eventId).
		Updates(map[string]interface{}{
			"is_processed":       1,
			"processed_at":       &now,
			"last_process_error": nil,
		}).Error
}
