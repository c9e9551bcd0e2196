package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SustainabilityTarget commits an organization to a reduction fraction against
// its published baseline by target_year. target_value is stored, not derived
// on read, and is recomputed whenever the baseline changes so the two never
// disagree.
type SustainabilityTarget struct {
	ID                int             `gorm:"primary_key" json:"id"`
	OrganizationId    string          `gorm:"size:64;not null;index;uniqueIndex:uidx_target_year,priority:1" json:"organization_id"`
	BaselineId        int             `gorm:"not null;index;uniqueIndex:uidx_target_year,priority:2" json:"baseline_id"`
	Domain            MetricDomain    `gorm:"type:enum('emissions','energy','water','waste');default:'emissions';index;size:20;not null" json:"domain"`
	TargetYear        int             `gorm:"not null;uniqueIndex:uidx_target_year,priority:3" json:"target_year"`
	ReductionFraction decimal.Decimal `gorm:"type:decimal(5,4);not null" json:"reduction_fraction"`
	TargetValue       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"target_value"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSustainabilityTarget struct {
	Domain            MetricDomain    `json:"domain" binding:"required"`
	TargetYear        int             `json:"target_year" binding:"required"`
	ReductionFraction decimal.Decimal `json:"reduction_fraction" binding:"required"`
}

var decimalOne = decimal.NewFromInt(1)

// TargetValueFor applies the stored invariant arithmetic in one place.
func TargetValueFor(baselineValue, reductionFraction decimal.Decimal) decimal.Decimal {
	return baselineValue.Mul(decimalOne.Sub(reductionFraction))
}

func (input *NewSustainabilityTarget) validate(baseline *BaselineDefinition) error {
	if !input.Domain.IsValid() {
		return errors.New("unknown domain")
	}
	if input.TargetYear <= baseline.BaselineYear {
		return errors.New("target year must be after the baseline year")
	}
	if input.ReductionFraction.IsNegative() || input.ReductionFraction.GreaterThan(decimalOne) {
		return errors.New("reduction fraction must be between 0 and 1")
	}
	return nil
}

func CreateSustainabilityTarget(ctx context.Context, input *NewSustainabilityTarget) (*SustainabilityTarget, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	baseline, err := GetBaselineDefinition(ctx, input.Domain)
	if err != nil {
		return nil, errors.New("no baseline defined for this domain")
	}
	if err := input.validate(baseline); err != nil {
		return nil, err
	}

	target := SustainabilityTarget{
		OrganizationId:    organizationId,
		BaselineId:        baseline.ID,
		Domain:            input.Domain,
		TargetYear:        input.TargetYear,
		ReductionFraction: input.ReductionFraction,
		TargetValue:       TargetValueFor(baseline.BaselineValue, input.ReductionFraction),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&target).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, errors.New("target already exists for this year")
		}
		return nil, err
	}
	return &target, nil
}

func (target SustainabilityTarget) GetOrganizationId() string {
	return target.OrganizationId
}

func GetSustainabilityTargetById(ctx context.Context, id int) (*SustainabilityTarget, error) {
	return GetResource[SustainabilityTarget](ctx, id)
}

func GetSustainabilityTargets(ctx context.Context, domain *MetricDomain) ([]*SustainabilityTarget, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("organization_id = ?", organizationId)
	if domain != nil {
		dbCtx = dbCtx.Where("domain = ?", *domain)
	}
	var results []*SustainabilityTarget
	err := dbCtx.Order("target_year").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetTerminalTarget returns the farthest-out target for the domain, the one
// progress is tracked against. Interim milestones stay listable but do not
// drive the progress classification.
func GetTerminalTarget(tx *gorm.DB, organizationId string, domain MetricDomain) (*SustainabilityTarget, error) {

	var target SustainabilityTarget
	err := tx.Where("organization_id = ? AND domain = ?", organizationId, domain).
		Order("target_year DESC").
		First(&target).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &target, nil
}

// RecomputeTargetsForBaseline refreshes every stored target_value after a
// baseline mutation, inside the caller's transaction.
func RecomputeTargetsForBaseline(tx *gorm.DB, baseline *BaselineDefinition) error {

	var targets []*SustainabilityTarget
	err := tx.Where("organization_id = ? AND baseline_id = ?", baseline.OrganizationId, baseline.ID).
		Find(&targets).Error
	if err != nil {
		return err
	}
	for _, target := range targets {
		err := tx.Model(target).Updates(map[string]interface{}{
			"TargetValue": TargetValueFor(baseline.BaselineValue, target.ReductionFraction),
		}).Error
		if err != nil {
			return err
		}
		_ = utils.RemoveRedisItem[SustainabilityTarget](target.ID)
	}
	return nil
}
