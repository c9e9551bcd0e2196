package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Organization struct {
	ID            uuid.UUID       `gorm:"primary_key" json:"id"`
	Name          string          `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Sector        string          `gorm:"size:100" json:"sector"`
	Country       string          `gorm:"size:100" json:"country"`
	Email         string          `gorm:"size:255" json:"email"`
	Timezone      string          `gorm:"size:50" json:"timezone"`
	BaselineYear  int             `gorm:"not null" json:"baseline_year"`
	EmployeeCount int             `json:"employee_count"`
	RevenueMUSD   decimal.Decimal `gorm:"type:decimal(20,4)" json:"revenue_musd"`
	FloorAreaSqm  decimal.Decimal `gorm:"type:decimal(20,4)" json:"floor_area_sqm"`
	IsActive      *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	// source system ID, "provider:externalId"
	IntegrationId *string `gorm:"size:255;default:NULL" json:"integration_id"`
}

type NewOrganization struct {
	Name          string           `json:"name" binding:"required"`
	Sector        string           `json:"sector"`
	Country       string           `json:"country"`
	Email         string           `json:"email" binding:"required"`
	Timezone      string           `json:"timezone"`
	BaselineYear  int              `json:"baseline_year"`
	EmployeeCount int              `json:"employee_count"`
	RevenueMUSD   *decimal.Decimal `json:"revenue_musd"`
	FloorAreaSqm  *decimal.Decimal `json:"floor_area_sqm"`
}

// NewIntensityDenominators updates the reporting denominators without touching
// the organization profile.
type NewIntensityDenominators struct {
	EmployeeCount int              `json:"employee_count"`
	RevenueMUSD   *decimal.Decimal `json:"revenue_musd"`
	FloorAreaSqm  *decimal.Decimal `json:"floor_area_sqm"`
}

func (organization *Organization) StoreRedis() error {
	return config.SetRedisObject("Organization:"+fmt.Sprint(organization.ID), organization, 0)
}

func (organization *Organization) RemoveRedis() error {
	return config.RemoveRedisKey("Organization:" + fmt.Sprint(organization.ID))
}

func (organization *Organization) GetIntegration() (provider, id string, err error) {
	if organization.IntegrationId != nil && *organization.IntegrationId != "" {
		parts := strings.SplitN(*organization.IntegrationId, ":", 2)
		if len(parts) == 2 {
			return parts[0], parts[1], nil
		}
	}
	return "", "", errors.New("disabled integration")
}

func (input *NewOrganization) validate(ctx context.Context, id string) error {
	// name
	if err := utils.ValidateUnique[Organization](ctx, "", "name", input.Name, id); err != nil {
		return err
	}
	// email
	if err := utils.ValidateUnique[Organization](ctx, "", "email", input.Email, id); err != nil {
		return err
	}
	if input.BaselineYear != 0 && (input.BaselineYear < 1990 || input.BaselineYear > time.Now().Year()) {
		return errors.New("baseline year out of range")
	}
	if input.EmployeeCount < 0 {
		return errors.New("employee count cannot be negative")
	}
	if input.RevenueMUSD != nil && input.RevenueMUSD.IsNegative() {
		return errors.New("revenue cannot be negative")
	}
	if input.FloorAreaSqm != nil && input.FloorAreaSqm.IsNegative() {
		return errors.New("floor area cannot be negative")
	}
	return nil
}

func CreateOrganization(ctx context.Context, input *NewOrganization) (*Organization, error) {

	if err := input.validate(ctx, ""); err != nil {
		return nil, err
	}
	db := config.GetDB()

	timezone := "UTC"
	if input.Timezone != "" {
		timezone = input.Timezone
	}
	baselineYear := input.BaselineYear
	if baselineYear == 0 {
		baselineYear = time.Now().Year() - 1
	}

	organization := Organization{
		ID:            uuid.New(),
		Name:          input.Name,
		Sector:        input.Sector,
		Country:       input.Country,
		Email:         input.Email,
		Timezone:      timezone,
		BaselineYear:  baselineYear,
		EmployeeCount: input.EmployeeCount,
		IsActive:      utils.NewTrue(),
	}
	if input.RevenueMUSD != nil {
		organization.RevenueMUSD = *input.RevenueMUSD
	}
	if input.FloorAreaSqm != nil {
		organization.FloorAreaSqm = *input.FloorAreaSqm
	}

	err := db.WithContext(ctx).Create(&organization).Error
	if err != nil {
		return nil, err
	}
	if err := organization.StoreRedis(); err != nil {
		return nil, err
	}
	return &organization, nil
}

func UpdateOrganization(ctx context.Context, id string, input *NewOrganization) (*Organization, error) {

	if err := input.validate(ctx, id); err != nil {
		return nil, err
	}

	organization, err := GetOrganizationById(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"Name":          input.Name,
		"Sector":        input.Sector,
		"Country":       input.Country,
		"Email":         input.Email,
		"EmployeeCount": input.EmployeeCount,
	}
	if input.Timezone != "" {
		updates["Timezone"] = input.Timezone
	}
	if input.BaselineYear > 0 {
		updates["BaselineYear"] = input.BaselineYear
	}
	if input.RevenueMUSD != nil {
		updates["RevenueMUSD"] = *input.RevenueMUSD
	}
	if input.FloorAreaSqm != nil {
		updates["FloorAreaSqm"] = *input.FloorAreaSqm
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(&organization).Updates(updates).Error
	if err != nil {
		return nil, err
	}
	if err := organization.RemoveRedis(); err != nil {
		return nil, err
	}
	return organization, nil
}

// UpdateIntensityDenominators changes only the ratio denominators. Intensity
// reports read these live, so the per-org report cache is flushed.
func UpdateIntensityDenominators(ctx context.Context, id string, input *NewIntensityDenominators) (*Organization, error) {

	if input.EmployeeCount < 0 {
		return nil, errors.New("employee count cannot be negative")
	}
	if input.RevenueMUSD != nil && input.RevenueMUSD.IsNegative() {
		return nil, errors.New("revenue cannot be negative")
	}
	if input.FloorAreaSqm != nil && input.FloorAreaSqm.IsNegative() {
		return nil, errors.New("floor area cannot be negative")
	}

	organization, err := GetOrganizationById(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"EmployeeCount": input.EmployeeCount,
	}
	if input.RevenueMUSD != nil {
		updates["RevenueMUSD"] = *input.RevenueMUSD
	}
	if input.FloorAreaSqm != nil {
		updates["FloorAreaSqm"] = *input.FloorAreaSqm
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(&organization).Updates(updates).Error
	if err != nil {
		return nil, err
	}
	if err := organization.RemoveRedis(); err != nil {
		return nil, err
	}
	return organization, nil
}

func GetOrganizationById(ctx context.Context, id string) (*Organization, error) {

	var result Organization

	exists, err := config.GetRedisObject("Organization:"+id, &result)
	if err != nil {
		return nil, err
	}

	if !exists {
		db := config.GetDB()
		err := db.WithContext(ctx).Where("id = ?", id).First(&result).Error
		if err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		if err := result.StoreRedis(); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

func GetOrganization(ctx context.Context) (*Organization, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	return GetOrganizationById(ctx, organizationId)
}

func GetOrganizations(ctx context.Context, name *string) ([]*Organization, error) {

	db := config.GetDB()
	var results []*Organization

	dbCtx := db.WithContext(ctx)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	err := dbCtx.Order("name").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func MarkOrganizationActive(ctx context.Context, id string, isActive bool) (*Organization, error) {

	organization, err := GetOrganizationById(ctx, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(&organization).Updates(Organization{
		IsActive: &isActive,
	}).Error
	if err != nil {
		return nil, err
	}
	if err := organization.RemoveRedis(); err != nil {
		return nil, err
	}
	return organization, nil
}
