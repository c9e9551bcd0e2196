package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Pending-outbox counts above this are reported as drift: the dispatcher is
// either down or stuck retrying.
const outboxBacklogThreshold = 100

// RunReconciliationChecks writes mismatch rows to reconciliation_reports.
// This is intended to be run on a schedule (nightly) or via an admin trigger.
func RunReconciliationChecks(ctx context.Context, organizationId string) (correlationId string, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db := config.GetDB()
	if db == nil {
		return "", fmt.Errorf("db is nil")
	}
	logger := config.GetLogger()

	cid, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || cid == "" {
		cid = uuid.NewString()
	}
	now := time.Now().UTC()

	// 1) Target arithmetic vs its baseline. Every target row must equal
	//    baseline_value * (1 - reduction_fraction) at storage scale; a mismatch
	//    means a restatement apply updated the baseline without the cascade.
	var targets []SustainabilityTarget
	if err := db.WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Find(&targets).Error; err != nil {
		return cid, err
	}
	baselines := map[int]*BaselineDefinition{}
	targetMismatches := 0
	for i := range targets {
		target := &targets[i]
		baseline := baselines[target.BaselineId]
		if baseline == nil {
			var row BaselineDefinition
			if err := db.WithContext(ctx).
				Where("organization_id = ? AND id = ?", organizationId, target.BaselineId).
				First(&row).Error; err != nil {
				_ = db.WithContext(ctx).Create(&ReconciliationReport{
					OrganizationId: organizationId,
					CheckType:      "TARGET_MATH",
					EntityType:     "SustainabilityTarget",
					EntityId:       target.ID,
					Details:        fmt.Sprintf("baseline %d missing for target", target.BaselineId),
					CorrelationId:  cid,
					CreatedAt:      now,
				}).Error
				targetMismatches++
				continue
			}
			baseline = &row
			baselines[target.BaselineId] = baseline
		}
		expected := TargetValueFor(baseline.BaselineValue, target.ReductionFraction).Round(4)
		if !target.TargetValue.Equal(expected) {
			_ = db.WithContext(ctx).Create(&ReconciliationReport{
				OrganizationId: organizationId,
				CheckType:      "TARGET_MATH",
				EntityType:     "SustainabilityTarget",
				EntityId:       target.ID,
				Details:        fmt.Sprintf("target_value=%s != baseline*(1-fraction)=%s", target.TargetValue, expected),
				CorrelationId:  cid,
				CreatedAt:      now,
			}).Error
			targetMismatches++
		}
	}

	// 2) Restatement ledger: restated - original must equal the sum of the
	//    child estimates, exactly. The columns share one decimal scale so the
	//    comparison needs no rounding.
	type ledgerMismatch struct {
		RestatementId int
		Delta         string
		EstimateSum   string
	}
	var ledgerMismatches []ledgerMismatch
	if err := db.WithContext(ctx).Raw(`
		SELECT
			br.id AS restatement_id,
			CAST(br.restated_baseline_value - br.original_baseline_value AS CHAR) AS delta,
			CAST(COALESCE(SUM(rm.estimated_baseline_emissions), 0) AS CHAR) AS estimate_sum
		FROM baseline_restatements br
		LEFT JOIN restatement_metrics rm
		  ON rm.restatement_id = br.id
		WHERE br.organization_id = ?
		GROUP BY br.id
		HAVING br.restated_baseline_value - br.original_baseline_value
		       <> COALESCE(SUM(rm.estimated_baseline_emissions), 0)
	`, organizationId).Scan(&ledgerMismatches).Error; err != nil {
		return cid, err
	}
	for _, m := range ledgerMismatches {
		_ = db.WithContext(ctx).Create(&ReconciliationReport{
			OrganizationId: organizationId,
			CheckType:      "RESTATEMENT_LEDGER",
			EntityType:     "BaselineRestatement",
			EntityId:       m.RestatementId,
			Details:        fmt.Sprintf("restated-original=%s != sum(estimates)=%s", m.Delta, m.EstimateSum),
			CorrelationId:  cid,
			CreatedAt:      now,
		}).Error
	}

	// 3) Published baseline vs the latest applied restatement. The baseline
	//    value on the definition must be the rounded restated value of the most
	//    recently applied restatement for that baseline.
	publishMismatches := 0
	var allBaselines []BaselineDefinition
	if err := db.WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Find(&allBaselines).Error; err != nil {
		return cid, err
	}
	for i := range allBaselines {
		baseline := &allBaselines[i]
		var latest BaselineRestatement
		err := db.WithContext(ctx).
			Where("organization_id = ? AND baseline_id = ? AND status = ?",
				organizationId, baseline.ID, RestatementStatusApplied).
			Order("applied_at DESC, id DESC").
			First(&latest).Error
		if err != nil {
			continue // no applied restatement, nothing to cross-check
		}
		published := RoundPublished(latest.RestatedBaselineValue)
		if !baseline.BaselineValue.Equal(published) {
			_ = db.WithContext(ctx).Create(&ReconciliationReport{
				OrganizationId: organizationId,
				CheckType:      "BASELINE_PUBLISH",
				EntityType:     "BaselineDefinition",
				EntityId:       baseline.ID,
				Details: fmt.Sprintf("baseline_value=%s != published restated value %s of restatement %d",
					baseline.BaselineValue, published, latest.ID),
				CorrelationId: cid,
				CreatedAt:     now,
			}).Error
			publishMismatches++
		}
	}

	// 4) Outbox backlog. PENDING/FAILED rows should drain continuously.
	backlog, err := CountPendingOutboxEvents(ctx, organizationId)
	if err != nil {
		return cid, err
	}
	if backlog >= outboxBacklogThreshold {
		_ = db.WithContext(ctx).Create(&ReconciliationReport{
			OrganizationId: organizationId,
			CheckType:      "OUTBOX_BACKLOG",
			EntityType:     "OutboxEvent",
			EntityId:       0,
			Details:        fmt.Sprintf("%d events pending publication (threshold %d)", backlog, outboxBacklogThreshold),
			CorrelationId:  cid,
			CreatedAt:      now,
		}).Error
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":              "ReconciliationChecks",
			"organization_id":    organizationId,
			"correlation_id":     cid,
			"targets_checked":    len(targets),
			"target_mismatches":  targetMismatches,
			"ledger_mismatches":  len(ledgerMismatches),
			"publish_mismatches": publishMismatches,
			"outbox_backlog":     backlog,
		}).Info("reconciliation checks completed")
	}
	return cid, nil
}
