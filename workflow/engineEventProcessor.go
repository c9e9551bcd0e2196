package workflow

import (
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/models/reports"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProcessEngineEvent applies the derived-state side of one outbox event and
// marks the outbox row processed in the same transaction. Handlers must stay
// idempotent: the event stream is at-least-once in every delivery path
// (subscription, direct processor, reconciliation re-drive).
func ProcessEngineEvent(tx *gorm.DB, logger *logrus.Logger, msg config.PubSubMessage) error {
	if err := applyEngineEvent(tx, logger, msg); err != nil {
		return err
	}
	if msg.ID > 0 {
		now := time.Now().UTC()
		err := tx.Model(&models.OutboxEvent{}).Where("id = ?", msg.ID).
			Updates(map[string]interface{}{"is_processed": true, "processed_at": &now}).Error
		if err != nil {
			config.LogError(logger, "EngineEventProcessor.go", "ProcessEngineEvent", "MarkProcessed", msg.ID, err)
			return err
		}
	}
	return nil
}

func applyEngineEvent(tx *gorm.DB, logger *logrus.Logger, msg config.PubSubMessage) error {
	switch msg.EventType {
	case models.EventBaselineRestated:
		// Re-assert what apply already did synchronously: the target cascade
		// and the report cache can only be stale here after a partial outage,
		// and both operations converge on repeat.
		var baseline models.BaselineDefinition
		err := tx.Where("organization_id = ? AND id = ?", msg.OrganizationId, msg.ReferenceId).
			First(&baseline).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				config.LogWarn(logger, "EngineEventProcessor.go", "ProcessEngineEvent", "BaselineMissing", msg.ReferenceId, "baseline referenced by event no longer exists")
				return nil
			}
			config.LogError(logger, "EngineEventProcessor.go", "ProcessEngineEvent", "GetBaseline", msg.ReferenceId, err)
			return err
		}
		if err := models.RecomputeTargetsForBaseline(tx, &baseline); err != nil {
			config.LogError(logger, "EngineEventProcessor.go", "ProcessEngineEvent", "RecomputeTargetsForBaseline", baseline.ID, err)
			return err
		}
		if err := reports.InvalidateOrganizationReports(msg.OrganizationId); err != nil {
			config.LogError(logger, "EngineEventProcessor.go", "ProcessEngineEvent", "InvalidateOrganizationReports", msg.OrganizationId, err)
		}
		return nil

	case models.EventRestatementCreated,
		models.EventRestatementApproved,
		models.EventRestatementRejected:
		// Notification-only events carry no derived state.
		return nil

	default:
		config.LogWarn(logger, "EngineEventProcessor.go", "ProcessEngineEvent", "UnknownEventType", msg.EventType, "event type has no handler, marking processed")
		return nil
	}
}
