package workflow

import (
	"context"

	"bitbucket.org/carbonview/emissions_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunReconciliationChecks writes mismatch rows to reconciliation_reports.
// This is intended to be run on a schedule (nightly) or via an admin trigger.
func RunReconciliationChecks(ctx context.Context, db *gorm.DB, logger *logrus.Logger, organizationId string) error {
	// Delegate to the models-level implementation to avoid package cycles.
	_, err := models.RunReconciliationChecks(ctx, organizationId)
	if err != nil {
		return err
	}
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":           "ReconciliationChecks",
			"organization_id": organizationId,
		}).Info("reconciliation checks completed")
	}
	return nil
}
