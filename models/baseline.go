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

// BaselineDefinition is the published reference value reduction targets are
// measured against. One per (organization, domain). The stored value is
// already at the published scale; restatements compute exactly and publish the
// rounded result here.
type BaselineDefinition struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrganizationId string          `gorm:"size:64;not null;index;uniqueIndex:uidx_baseline_domain,priority:1" json:"organization_id"`
	Domain         MetricDomain    `gorm:"type:enum('emissions','energy','water','waste');default:'emissions';size:20;not null;uniqueIndex:uidx_baseline_domain,priority:2" json:"domain"`
	BaselineYear   int             `gorm:"not null" json:"baseline_year"`
	BaselineValue  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"baseline_value"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBaselineDefinition struct {
	Domain        MetricDomain    `json:"domain" binding:"required"`
	BaselineYear  int             `json:"baseline_year" binding:"required"`
	BaselineValue decimal.Decimal `json:"baseline_value"`
}

func (input *NewBaselineDefinition) validate() error {
	if !input.Domain.IsValid() {
		return errors.New("unknown domain")
	}
	if input.BaselineYear < 1990 || input.BaselineYear > time.Now().Year() {
		return errors.New("baseline year out of range")
	}
	if input.BaselineValue.IsNegative() {
		return errors.New("baseline value cannot be negative")
	}
	return nil
}

func CreateBaselineDefinition(ctx context.Context, input *NewBaselineDefinition) (*BaselineDefinition, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	baseline := BaselineDefinition{
		OrganizationId: organizationId,
		Domain:         input.Domain,
		BaselineYear:   input.BaselineYear,
		BaselineValue:  RoundPublished(input.BaselineValue),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&baseline).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, errors.New("baseline already defined for this domain")
		}
		return nil, err
	}
	return &baseline, nil
}

func GetBaselineDefinition(ctx context.Context, domain MetricDomain) (*BaselineDefinition, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	return GetBaselineDefinitionByOrg(config.GetDB().WithContext(ctx), organizationId, domain)
}

func GetBaselineDefinitionByOrg(tx *gorm.DB, organizationId string, domain MetricDomain) (*BaselineDefinition, error) {

	var baseline BaselineDefinition
	err := tx.Where("organization_id = ? AND domain = ?", organizationId, domain).
		First(&baseline).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &baseline, nil
}

func GetBaselineDefinitions(ctx context.Context) ([]*BaselineDefinition, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	return utils.FetchAllModels[BaselineDefinition](ctx, organizationId)
}

// PublishBaselineValue rounds the exact restated value to the published scale
// and cascades the change into every target keyed to this baseline, keeping
// target_value == baseline_value * (1 - reduction_fraction) exact. Runs inside
// the caller's transaction.
func (baseline *BaselineDefinition) PublishBaselineValue(tx *gorm.DB, restatedExact decimal.Decimal) error {

	published := RoundPublished(restatedExact)
	err := tx.Model(baseline).Updates(map[string]interface{}{
		"BaselineValue": published,
	}).Error
	if err != nil {
		return err
	}
	baseline.BaselineValue = published
	return RecomputeTargetsForBaseline(tx, baseline)
}
