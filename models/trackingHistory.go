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

// MetricTrackingHistory remembers when an organization started measuring each
// metric and whether it was part of the original baseline. New-metric
// detection and restatement audits both read from here instead of re-deriving
// tracking dates from the fact table every time.
type MetricTrackingHistory struct {
	ID                         int               `gorm:"primary_key" json:"id"`
	OrganizationId             string            `gorm:"size:64;not null;index;uniqueIndex:uidx_tracking_metric,priority:1" json:"organization_id"`
	MetricId                   string            `gorm:"size:100;not null;uniqueIndex:uidx_tracking_metric,priority:2" json:"metric_id"`
	StartedTrackingDate        time.Time         `gorm:"not null" json:"started_tracking_date"`
	FirstDataEntryDate         *time.Time        `json:"first_data_entry_date"`
	InOriginalBaseline         *bool             `gorm:"not null;default:false" json:"in_original_baseline"`
	EstimatedBaselineEmissions decimal.Decimal   `gorm:"type:decimal(20,4)" json:"estimated_baseline_emissions"`
	EstimationMethod           *EstimationMethod `gorm:"type:enum('proxy_year','sector_average','extrapolation','manual');size:20" json:"estimation_method"`
	RestatementId              *int              `gorm:"index" json:"restatement_id"`
	CreatedAt                  time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                  time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// RecordEstimatedMetric upserts the tracking row when a restatement estimates
// a metric's baseline contribution. Runs inside the restatement transaction.
func RecordEstimatedMetric(tx *gorm.DB, organizationId string, restatementId int, metric *RestatementMetric, firstData *time.Time) error {

	started := time.Now().UTC()
	if firstData != nil {
		started = *firstData
	}

	var history MetricTrackingHistory
	err := tx.Where(MetricTrackingHistory{
		OrganizationId: organizationId,
		MetricId:       metric.MetricId,
	}).Attrs(MetricTrackingHistory{
		StartedTrackingDate: started,
		InOriginalBaseline:  utils.NewFalse(),
	}).FirstOrCreate(&history).Error
	if err != nil {
		return err
	}

	return tx.Model(&history).Updates(map[string]interface{}{
		"FirstDataEntryDate":         firstData,
		"EstimatedBaselineEmissions": metric.EstimatedBaselineEmissions,
		"EstimationMethod":           metric.EstimationMethod,
		"RestatementId":              restatementId,
	}).Error
}

func GetTrackingHistory(ctx context.Context) ([]*MetricTrackingHistory, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	db := config.GetDB()
	var results []*MetricTrackingHistory
	err := db.WithContext(ctx).
		Where("organization_id = ?", organizationId).
		Order("metric_id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func GetTrackingHistoryForMetric(tx *gorm.DB, organizationId, metricId string) (*MetricTrackingHistory, error) {

	var history MetricTrackingHistory
	err := tx.Where("organization_id = ? AND metric_id = ?", organizationId, metricId).
		First(&history).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &history, nil
}

// BackfillMetricTrackingHistory derives tracking rows from the fact table for
// metrics that predate this table. A metric whose first record falls within
// the organization's baseline year (or earlier) is marked in_original_baseline.
// Existing rows are left untouched. Returns the number of rows created.
func BackfillMetricTrackingHistory(tx *gorm.DB, ctx context.Context, organization *Organization) (int, error) {

	type firstSeen struct {
		MetricId string
		FirstAt  time.Time
	}
	var rows []firstSeen
	err := tx.WithContext(ctx).Model(&MetricRecord{}).
		Select("metric_id, MIN(period_start) AS first_at").
		Where("organization_id = ?", organization.ID.String()).
		Group("metric_id").
		Scan(&rows).Error
	if err != nil {
		return 0, err
	}

	baselineCutoff := time.Date(organization.BaselineYear+1, time.January, 1, 0, 0, 0, 0, time.UTC)

	created := 0
	for _, row := range rows {
		existing, err := GetTrackingHistoryForMetric(tx, organization.ID.String(), row.MetricId)
		if err != nil {
			return created, err
		}
		if existing != nil {
			continue
		}
		firstAt := row.FirstAt
		inBaseline := firstAt.Before(baselineCutoff)
		history := MetricTrackingHistory{
			OrganizationId:      organization.ID.String(),
			MetricId:            row.MetricId,
			StartedTrackingDate: firstAt,
			FirstDataEntryDate:  &firstAt,
			InOriginalBaseline:  &inBaseline,
		}
		if err := tx.WithContext(ctx).Create(&history).Error; err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
