package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReductionTrajectory is a hand-planned month-by-month reduction path for one
// year. When an active trajectory exists the forecast engine reports its
// remaining months verbatim instead of modelling. At most one active per
// (organization, domain, year); creating a new one archives the previous.
type ReductionTrajectory struct {
	ID             int               `gorm:"primary_key" json:"id"`
	OrganizationId string            `gorm:"size:64;not null;index" json:"organization_id"`
	Domain         MetricDomain      `gorm:"type:enum('emissions','energy','water','waste');default:'emissions';index;size:20;not null" json:"domain"`
	Year           int               `gorm:"not null;index" json:"year"`
	Status         TrajectoryStatus  `gorm:"type:enum('active','archived');default:'active';index;size:20;not null" json:"status"`
	CreatedBy      string            `gorm:"size:100" json:"created_by"`
	Points         []TrajectoryPoint `gorm:"foreignKey:TrajectoryId" json:"points"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type TrajectoryPoint struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrganizationId string          `gorm:"size:64;not null;index" json:"organization_id"`
	TrajectoryId   int             `gorm:"not null;index" json:"trajectory_id"`
	Month          int             `gorm:"not null" json:"month"`
	PlannedValue   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"planned_value"`
}

type NewReductionTrajectory struct {
	Domain MetricDomain         `json:"domain"`
	Year   int                  `json:"year" binding:"required"`
	Points []NewTrajectoryPoint `json:"points" binding:"required,len=12,dive"`
}

type NewTrajectoryPoint struct {
	Month        int             `json:"month" binding:"required,min=1,max=12"`
	PlannedValue decimal.Decimal `json:"planned_value"`
}

func (input *NewReductionTrajectory) validate() error {
	if input.Domain == "" {
		input.Domain = MetricDomainEmissions
	}
	if !input.Domain.IsValid() {
		return errors.New("unknown domain")
	}
	if input.Year < 1990 || input.Year > time.Now().Year()+50 {
		return errors.New("year out of range")
	}
	seen := map[int]bool{}
	for _, p := range input.Points {
		if seen[p.Month] {
			return fmt.Errorf("duplicate month %d", p.Month)
		}
		seen[p.Month] = true
		if p.PlannedValue.IsNegative() {
			return fmt.Errorf("month %d planned value cannot be negative", p.Month)
		}
	}
	for month := 1; month <= 12; month++ {
		if !seen[month] {
			return fmt.Errorf("missing month %d", month)
		}
	}
	return nil
}

func CreateReductionTrajectory(ctx context.Context, input *NewReductionTrajectory) (*ReductionTrajectory, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	db := config.GetDB()
	tx := db.Begin()

	// replace any currently active plan for the same slot
	err := tx.WithContext(ctx).Model(&ReductionTrajectory{}).
		Where("organization_id = ? AND domain = ? AND year = ? AND status = ?",
			organizationId, input.Domain, input.Year, TrajectoryStatusActive).
		Updates(map[string]interface{}{"Status": TrajectoryStatusArchived}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	trajectory := ReductionTrajectory{
		OrganizationId: organizationId,
		Domain:         input.Domain,
		Year:           input.Year,
		Status:         TrajectoryStatusActive,
		CreatedBy:      userName,
	}
	for _, p := range input.Points {
		trajectory.Points = append(trajectory.Points, TrajectoryPoint{
			OrganizationId: organizationId,
			Month:          p.Month,
			PlannedValue:   p.PlannedValue,
		})
	}
	if err := tx.WithContext(ctx).Create(&trajectory).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	return &trajectory, tx.Commit().Error
}

// GetActiveTrajectory returns the active plan for the slot with its points
// ordered by month, or nil when none exists.
func GetActiveTrajectory(tx *gorm.DB, organizationId string, domain MetricDomain, year int) (*ReductionTrajectory, error) {

	var trajectory ReductionTrajectory
	err := tx.Where("organization_id = ? AND domain = ? AND year = ? AND status = ?",
		organizationId, domain, year, TrajectoryStatusActive).
		Preload("Points", func(db *gorm.DB) *gorm.DB { return db.Order("month") }).
		First(&trajectory).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &trajectory, nil
}

func GetReductionTrajectories(ctx context.Context, domain *MetricDomain, year *int) ([]*ReductionTrajectory, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("organization_id = ?", organizationId)
	if domain != nil {
		dbCtx = dbCtx.Where("domain = ?", *domain)
	}
	if year != nil {
		dbCtx = dbCtx.Where("year = ?", *year)
	}
	var results []*ReductionTrajectory
	err := dbCtx.Preload("Points", func(db *gorm.DB) *gorm.DB { return db.Order("month") }).
		Order("year DESC, id DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func ArchiveTrajectory(ctx context.Context, id int) (*ReductionTrajectory, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	trajectory, err := utils.FetchModel[ReductionTrajectory](ctx, organizationId, id, "Points")
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(trajectory).
		Updates(map[string]interface{}{"Status": TrajectoryStatusArchived}).Error
	if err != nil {
		return nil, err
	}
	trajectory.Status = TrajectoryStatusArchived
	return trajectory, nil
}
