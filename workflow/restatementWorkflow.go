package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/models/reports"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const restatementLockScope = "restatement"

type NewMetricCandidate struct {
	MetricId        string          `json:"metric_id"`
	Name            string          `json:"name"`
	FirstDataDate   time.Time       `json:"first_data_date"`
	DataPointsCount int             `json:"data_points_count"`
	TotalEmissions  decimal.Decimal `json:"total_emissions"`
}

// DetectNewMetrics lists metrics whose first non-zero record starts strictly
// after the baseline year ended. Metrics that were part of the original
// baseline, or that an applied restatement has already estimated, are not new
// and do not reappear here. All-zero metrics are unused, not new.
func DetectNewMetrics(ctx context.Context, baselineYear int) ([]*NewMetricCandidate, error) {
	logger := config.GetLogger()

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	if baselineYear == 0 {
		organization, err := models.GetOrganization(ctx)
		if err != nil {
			return nil, err
		}
		baselineYear = organization.BaselineYear
	}
	cutoff := time.Date(baselineYear+1, time.January, 1, 0, 0, 0, 0, time.UTC)

	type candidateRow struct {
		MetricId        string
		FirstDataDate   time.Time
		DataPointsCount int
		TotalCo2eKg     decimal.Decimal
	}
	db := config.GetDB()
	var rows []candidateRow
	err := db.WithContext(ctx).Raw(`
			SELECT
				mr.metric_id,
				MIN(mr.period_start) AS first_data_date,
				COUNT(*) AS data_points_count,
				SUM(mr.co2e_kg) AS total_co2e_kg
			FROM metric_records AS mr
			WHERE
				mr.organization_id = ?
				AND mr.domain = ?
				AND (mr.value > 0 OR mr.co2e_kg > 0)
			GROUP BY mr.metric_id
			HAVING MIN(mr.period_start) >= ?
			ORDER BY mr.metric_id;
		`, organizationId, models.MetricDomainEmissions, cutoff).
		Scan(&rows).Error
	if err != nil {
		config.LogError(logger, "RestatementWorkflow.go", "DetectNewMetrics", "ScanCandidates", organizationId, err)
		return nil, err
	}

	tx := db.WithContext(ctx)
	candidates := make([]*NewMetricCandidate, 0, len(rows))
	for _, row := range rows {
		history, err := models.GetTrackingHistoryForMetric(tx, organizationId, row.MetricId)
		if err != nil {
			return nil, err
		}
		if history != nil && history.InOriginalBaseline != nil && *history.InOriginalBaseline {
			continue
		}
		estimated, err := models.HasEstimateFromAppliedRestatement(tx, organizationId, row.MetricId)
		if err != nil {
			return nil, err
		}
		if estimated {
			continue
		}
		entry, err := models.ResolveMetric(ctx, row.MetricId)
		if err != nil {
			if errors.Is(err, utils.ErrorUnknownMetric) {
				config.LogWarn(logger, "RestatementWorkflow.go", "DetectNewMetrics", "SkipUnresolvedMetric", row.MetricId, "metric id missing from catalog")
				continue
			}
			return nil, err
		}
		candidates = append(candidates, &NewMetricCandidate{
			MetricId:        row.MetricId,
			Name:            entry.Name,
			FirstDataDate:   row.FirstDataDate,
			DataPointsCount: row.DataPointsCount,
			TotalEmissions:  models.PublishKg(row.TotalCo2eKg),
		})
	}
	return candidates, nil
}

// CreateRestatement opens a draft restatement growing the baseline by the sum
// of the supplied estimates. The arithmetic stays exact here; rounding happens
// once, when apply publishes onto the BaselineDefinition.
func CreateRestatement(ctx context.Context, input *models.NewBaselineRestatement) (*models.BaselineRestatement, error) {
	logger := config.GetLogger()

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	domain := input.Domain
	if domain == "" {
		domain = models.MetricDomainEmissions
	}
	if !domain.IsValid() {
		return nil, errors.New("unknown domain")
	}

	seen := make(map[string]bool, len(input.Metrics))
	for _, m := range input.Metrics {
		if seen[m.MetricId] {
			return nil, errors.New("duplicate metric in restatement")
		}
		seen[m.MetricId] = true

		entry, err := models.ResolveMetric(ctx, m.MetricId)
		if err != nil {
			return nil, err
		}
		if entry.IsActive != nil && !*entry.IsActive {
			return nil, errors.New("metric is inactive")
		}
		if !m.EstimatedBaselineEmissions.IsPositive() {
			return nil, errors.New("estimated emissions must be positive")
		}
	}

	actor, _ := utils.GetUserNameFromContext(ctx)
	if actor == "" {
		actor = "system"
	}

	var restatement *models.BaselineRestatement
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		baseline, err := models.GetBaselineDefinitionByOrg(tx, organizationId, domain)
		if err != nil {
			return err
		}

		sequenceNo, err := utils.GetSequence[models.BaselineRestatement](ctx, organizationId)
		if err != nil {
			config.LogError(logger, "RestatementWorkflow.go", "CreateRestatement", "GetSequence", organizationId, err)
			return err
		}

		estimateSum := decimal.Zero
		metrics := make([]models.RestatementMetric, 0, len(input.Metrics))
		for _, m := range input.Metrics {
			estimateSum = estimateSum.Add(m.EstimatedBaselineEmissions)
			metrics = append(metrics, models.RestatementMetric{
				OrganizationId:             organizationId,
				MetricId:                   m.MetricId,
				EstimatedBaselineEmissions: m.EstimatedBaselineEmissions,
				EstimationMethod:           m.EstimationMethod,
				Confidence:                 m.Confidence,
				Notes:                      m.Notes,
			})
		}

		now := time.Now().UTC()
		restatement = &models.BaselineRestatement{
			OrganizationId:        organizationId,
			SequenceNo:            sequenceNo,
			BaselineId:            baseline.ID,
			Domain:                domain,
			Reason:                input.Reason,
			OriginalBaselineValue: baseline.BaselineValue,
			RestatedBaselineValue: baseline.BaselineValue.Add(estimateSum),
			Status:                models.RestatementStatusDraft,
			RequestedBy:           actor,
			RequestedAt:           now,
			Metrics:               metrics,
		}
		if err := tx.Create(restatement).Error; err != nil {
			config.LogError(logger, "RestatementWorkflow.go", "CreateRestatement", "CreateRestatement", restatement, err)
			return err
		}

		for i := range restatement.Metrics {
			firstData, err := models.GetFirstRecordDateForMetric(tx, organizationId, restatement.Metrics[i].MetricId)
			if err != nil {
				return err
			}
			if err := models.RecordEstimatedMetric(tx, organizationId, restatement.ID, &restatement.Metrics[i], firstData); err != nil {
				config.LogError(logger, "RestatementWorkflow.go", "CreateRestatement", "RecordEstimatedMetric", restatement.Metrics[i].MetricId, err)
				return err
			}
		}

		return models.PublishEngineEvent(ctx, tx, organizationId, now, restatement.ID,
			models.ReferenceTypeRestatement, models.EventRestatementCreated, restatement, models.PubSubMessageActionCreate)
	})
	if err != nil {
		return nil, err
	}
	return restatement, nil
}

// TransitionRestatement drives the lifecycle. Approve and reject are plain
// conditional updates; apply additionally publishes the restated baseline and
// recomputes targets, serialized per organization by an advisory lock. The
// status flip is always `UPDATE ... WHERE status = <pre-state>`: the loser of
// a race updates zero rows and re-reads to answer precisely.
func TransitionRestatement(ctx context.Context, id int, action models.RestatementAction, actor string) (*models.BaselineRestatement, error) {
	logger := config.GetLogger()

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	if actor == "" {
		actor, _ = utils.GetUserNameFromContext(ctx)
	}
	if actor == "" {
		actor = "system"
	}

	var result *models.BaselineRestatement
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		if action == models.RestatementActionApply {
			if err := AcquireOrganizationLock(tx, restatementLockScope, organizationId); err != nil {
				config.LogError(logger, "RestatementWorkflow.go", "TransitionRestatement", "AcquireOrganizationLock", organizationId, err)
				return err
			}
			defer ReleaseOrganizationLock(tx, restatementLockScope, organizationId)
		}

		restatement, err := models.GetRestatementForUpdate(tx, organizationId, id)
		if err != nil {
			return err
		}
		nextStatus, err := restatement.Status.NextStatus(action)
		if err != nil {
			return err
		}
		if action == models.RestatementActionApprove &&
			config.RestatementDistinctApprover() && actor == restatement.RequestedBy {
			return errors.New("approver must be different from the requester")
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{"Status": nextStatus}
		switch action {
		case models.RestatementActionApprove, models.RestatementActionReject:
			updates["ApprovedBy"] = actor
			updates["ApprovedAt"] = now
		case models.RestatementActionApply:
			updates["AppliedBy"] = actor
			updates["AppliedAt"] = now
		}

		res := tx.Model(&models.BaselineRestatement{}).
			Where("organization_id = ? AND id = ? AND status = ?", organizationId, id, restatement.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the conditional-update race. Re-read so redeliveries of a
			// finalized restatement answer AlreadyFinalized, not a bare conflict.
			fresh, err := models.GetRestatementForUpdate(tx, organizationId, id)
			if err != nil {
				return err
			}
			if _, terr := fresh.Status.NextStatus(action); terr != nil {
				return terr
			}
			return utils.ErrorConcurrencyConflict
		}

		restatement.Status = nextStatus
		switch action {
		case models.RestatementActionApprove, models.RestatementActionReject:
			restatement.ApprovedBy = &actor
			restatement.ApprovedAt = &now
		case models.RestatementActionApply:
			restatement.AppliedBy = &actor
			restatement.AppliedAt = &now
		}

		switch action {
		case models.RestatementActionApprove:
			err = models.PublishEngineEvent(ctx, tx, organizationId, now, restatement.ID,
				models.ReferenceTypeRestatement, models.EventRestatementApproved, restatement, models.PubSubMessageActionUpdate)
		case models.RestatementActionReject:
			err = models.PublishEngineEvent(ctx, tx, organizationId, now, restatement.ID,
				models.ReferenceTypeRestatement, models.EventRestatementRejected, restatement, models.PubSubMessageActionUpdate)
		case models.RestatementActionApply:
			var baseline models.BaselineDefinition
			if err := tx.Where("organization_id = ? AND id = ?", organizationId, restatement.BaselineId).
				First(&baseline).Error; err != nil {
				config.LogError(logger, "RestatementWorkflow.go", "TransitionRestatement", "GetBaseline", restatement.BaselineId, err)
				return err
			}
			if err := baseline.PublishBaselineValue(tx, restatement.RestatedBaselineValue); err != nil {
				config.LogError(logger, "RestatementWorkflow.go", "TransitionRestatement", "PublishBaselineValue", baseline.ID, err)
				return err
			}
			err = models.PublishEngineEvent(ctx, tx, organizationId, now, baseline.ID,
				models.ReferenceTypeBaseline, models.EventBaselineRestated, &baseline, models.PubSubMessageActionUpdate)
		}
		if err != nil {
			return err
		}

		result = restatement
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The cached copy predates the status flip; reports read the old baseline
	// until invalidated. Both happen after commit so nobody can re-cache stale
	// state in between.
	_ = utils.RemoveRedisItem[models.BaselineRestatement](id)
	if action == models.RestatementActionApply {
		if err := reports.InvalidateOrganizationReports(organizationId); err != nil {
			config.LogError(logger, "RestatementWorkflow.go", "TransitionRestatement", "InvalidateOrganizationReports", organizationId, err)
		}
	}
	return result, nil
}
