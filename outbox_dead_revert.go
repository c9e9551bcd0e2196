package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/models/reports"
	"bitbucket.org/carbonview/emissions_backend/utils"
)

func ensureOrganizationContext(ctx context.Context, organizationId string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if organizationId == "" {
		return ctx
	}
	if _, ok := utils.GetOrganizationIdFromContext(ctx); !ok {
		ctx = utils.SetOrganizationIdInContext(ctx, organizationId)
	}
	return ctx
}

// reassertBaselineOnDead runs the baseline.restated side effects directly once
// the event has exhausted its processing retries. Target recompute and report
// invalidation both converge on repeat, so the last resort is simply to do
// them here instead of leaving derived state stale behind a DEAD event.
func reassertBaselineOnDead(ctx context.Context, logger *logrus.Logger, msg config.PubSubMessage) {
	if msg.EventType != models.EventBaselineRestated {
		return
	}
	if msg.ReferenceId <= 0 {
		return
	}

	ctx = ensureOrganizationContext(ctx, msg.OrganizationId)

	db := config.GetDB()
	if db == nil {
		return
	}
	var baseline models.BaselineDefinition
	err := db.WithContext(ctx).
		Where("organization_id = ? AND id = ?", msg.OrganizationId, msg.ReferenceId).
		First(&baseline).Error
	if err != nil {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":           "OutboxDeadRevert",
				"organization_id": msg.OrganizationId,
				"event_type":      msg.EventType,
				"reference_id":    msg.ReferenceId,
			}).Warn("failed to load baseline for DEAD re-assert: " + err.Error())
		}
		return
	}

	if err := models.RecomputeTargetsForBaseline(db.WithContext(ctx), &baseline); err != nil {
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":           "OutboxDeadRevert",
				"organization_id": msg.OrganizationId,
				"event_type":      msg.EventType,
				"reference_id":    msg.ReferenceId,
			}).Warn("failed to recompute targets after DEAD processing: " + err.Error())
		}
		return
	}
	_ = reports.InvalidateOrganizationReports(msg.OrganizationId)

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":           "OutboxDeadRevert",
			"organization_id": msg.OrganizationId,
			"event_type":      msg.EventType,
			"reference_id":    msg.ReferenceId,
		}).Info("re-asserted baseline side effects after DEAD processing")
	}
}
