package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BaselineRestatement is the approval-gated workflow record for growing a
// baseline when newly tracked metrics surface. Values at this layer are exact
// decimals; rounding happens only when the result is published onto the
// BaselineDefinition at apply time.
type BaselineRestatement struct {
	ID                    int                 `gorm:"primary_key" json:"id"`
	OrganizationId        string              `gorm:"size:64;not null;index" json:"organization_id"`
	SequenceNo            int64               `gorm:"not null;index" json:"sequence_no"`
	BaselineId            int                 `gorm:"not null;index" json:"baseline_id"`
	Domain                MetricDomain        `gorm:"type:enum('emissions','energy','water','waste');default:'emissions';size:20;not null" json:"domain"`
	Reason                string              `gorm:"type:text;not null" json:"reason"`
	OriginalBaselineValue decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"original_baseline_value"`
	RestatedBaselineValue decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"restated_baseline_value"`
	Status                RestatementStatus   `gorm:"type:enum('draft','approved','rejected','applied');default:'draft';index;size:20;not null" json:"status"`
	RequestedBy           string              `gorm:"size:100" json:"requested_by"`
	RequestedAt           time.Time           `gorm:"not null" json:"requested_at"`
	ApprovedBy            *string             `gorm:"size:100" json:"approved_by"`
	ApprovedAt            *time.Time          `json:"approved_at"`
	AppliedBy             *string             `gorm:"size:100" json:"applied_by"`
	AppliedAt             *time.Time          `json:"applied_at"`
	Metrics               []RestatementMetric `gorm:"foreignKey:RestatementId" json:"metrics"`
	CreatedAt             time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// RestatementMetric is one estimated contribution. estimated_baseline_emissions
// is what the metric would have measured during the baseline year, in the
// domain's canonical unit (tonnes for emissions), exact.
type RestatementMetric struct {
	ID                         int                `gorm:"primary_key" json:"id"`
	OrganizationId             string             `gorm:"size:64;not null;index" json:"organization_id"`
	RestatementId              int                `gorm:"not null;index" json:"restatement_id"`
	MetricId                   string             `gorm:"size:100;not null" json:"metric_id"`
	EstimatedBaselineEmissions decimal.Decimal    `gorm:"type:decimal(20,4);not null" json:"estimated_baseline_emissions"`
	EstimationMethod           EstimationMethod   `gorm:"type:enum('proxy_year','sector_average','extrapolation','manual');default:'manual';size:20;not null" json:"estimation_method"`
	Confidence                 EstimateConfidence `gorm:"type:enum('high','medium','low');default:'medium';size:10;not null" json:"confidence"`
	Notes                      string             `gorm:"type:text" json:"notes"`
	CreatedAt                  time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

type NewBaselineRestatement struct {
	Domain  MetricDomain           `json:"domain"`
	Reason  string                 `json:"reason" binding:"required"`
	Metrics []NewRestatementMetric `json:"metrics" binding:"required,min=1,dive"`
}

type NewRestatementMetric struct {
	MetricId                   string             `json:"metric_id" binding:"required"`
	EstimatedBaselineEmissions decimal.Decimal    `json:"estimated_baseline_emissions" binding:"required"`
	EstimationMethod           EstimationMethod   `json:"estimation_method" binding:"required"`
	Confidence                 EstimateConfidence `json:"confidence"`
	Notes                      string             `json:"notes"`
}

// restatementTransitions is the whole lifecycle. Anything absent is rejected.
var restatementTransitions = map[RestatementStatus]map[RestatementAction]RestatementStatus{
	RestatementStatusDraft: {
		RestatementActionApprove: RestatementStatusApproved,
		RestatementActionReject:  RestatementStatusRejected,
	},
	RestatementStatusApproved: {
		RestatementActionApply: RestatementStatusApplied,
	},
}

// NextStatus resolves an action against the lifecycle table. Finalized rows
// report ErrorAlreadyFinalized so callers can answer redeliveries distinctly
// from plain bad requests.
func (status RestatementStatus) NextStatus(action RestatementAction) (RestatementStatus, error) {
	if next, ok := restatementTransitions[status][action]; ok {
		return next, nil
	}
	if status.IsFinal() {
		return "", utils.ErrorAlreadyFinalized
	}
	return "", utils.ErrorInvalidStateTransition
}

// SumEstimatedEmissions is the exact delta a restatement adds to its baseline.
func SumEstimatedEmissions(metrics []RestatementMetric) decimal.Decimal {
	sum := decimal.Zero
	for _, m := range metrics {
		sum = sum.Add(m.EstimatedBaselineEmissions)
	}
	return sum
}

func (restatement BaselineRestatement) GetOrganizationId() string {
	return restatement.OrganizationId
}

func GetRestatementById(ctx context.Context, id int) (*BaselineRestatement, error) {
	return GetResource[BaselineRestatement](ctx, id, "Metrics")
}

// GetRestatementForUpdate reads the row under FOR UPDATE so a concurrent
// transition blocks here until the winner commits, then sees the final status.
func GetRestatementForUpdate(tx *gorm.DB, organizationId string, id int) (*BaselineRestatement, error) {

	var restatement BaselineRestatement
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("organization_id = ? AND id = ?", organizationId, id).
		Preload("Metrics").
		First(&restatement).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &restatement, nil
}

func GetRestatements(ctx context.Context, status *RestatementStatus) ([]*BaselineRestatement, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("organization_id = ?", organizationId)
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	var results []*BaselineRestatement
	err := dbCtx.Preload("Metrics").Order("sequence_no DESC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// HasEstimateFromAppliedRestatement reports whether the metric already
// contributed to an applied restatement, which excludes it from new-metric
// detection.
func HasEstimateFromAppliedRestatement(tx *gorm.DB, organizationId, metricId string) (bool, error) {

	var count int64
	err := tx.Model(&RestatementMetric{}).
		Joins("JOIN baseline_restatements ON baseline_restatements.id = restatement_metrics.restatement_id").
		Where("restatement_metrics.organization_id = ? AND restatement_metrics.metric_id = ? AND baseline_restatements.status = ?",
			organizationId, metricId, RestatementStatusApplied).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
