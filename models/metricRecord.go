package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MetricRecord is an immutable measurement fact. Values arrive computed from
// upstream collectors; this service never re-derives CO2e from activity data.
// The (organization_id, metric_id, period_start) unique key makes re-delivered
// batches converge instead of double-counting.
type MetricRecord struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrganizationId string          `gorm:"size:64;not null;index;uniqueIndex:uidx_record_metric_period,priority:1" json:"organization_id"`
	MetricId       string          `gorm:"size:100;not null;index;uniqueIndex:uidx_record_metric_period,priority:2" json:"metric_id"`
	Category       string          `gorm:"size:100;index" json:"category"`
	Scope          int             `gorm:"index" json:"scope"`
	Domain         MetricDomain    `gorm:"type:enum('emissions','energy','water','waste');default:'emissions';index;size:20;not null" json:"domain"`
	Value          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"value"`
	Unit           string          `gorm:"size:20" json:"unit"`
	Co2eKg         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"co2e_kg"`
	PeriodStart    time.Time       `gorm:"not null;index;uniqueIndex:uidx_record_metric_period,priority:3" json:"period_start"`
	PeriodEnd      time.Time       `gorm:"not null" json:"period_end"`
	Source         string          `gorm:"size:100" json:"source"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewMetricRecord struct {
	MetricId    string          `json:"metric_id" binding:"required"`
	Value       decimal.Decimal `json:"value"`
	Co2eKg      decimal.Decimal `json:"co2e_kg"`
	PeriodStart MyDateString    `json:"period_start" binding:"required"`
	PeriodEnd   MyDateString    `json:"period_end" binding:"required"`
	Source      string          `json:"source"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func (input *NewMetricRecord) validate(ctx context.Context) (*MetricCatalogEntry, error) {
	entry, err := ResolveMetric(ctx, input.MetricId)
	if err != nil {
		return nil, err
	}
	if entry.IsActive != nil && !*entry.IsActive {
		return nil, errors.New("metric is inactive")
	}
	start := time.Time(input.PeriodStart)
	end := time.Time(input.PeriodEnd)
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return nil, utils.ErrorInvalidRange
	}
	if input.Value.IsNegative() {
		return nil, errors.New("value cannot be negative")
	}
	if input.Co2eKg.IsNegative() {
		return nil, errors.New("co2e cannot be negative")
	}
	if entry.Domain != MetricDomainEmissions && !input.Co2eKg.IsZero() {
		return nil, errors.New("co2e only applies to emissions metrics")
	}
	return entry, nil
}

func (input *NewMetricRecord) toRecord(organizationId string, entry *MetricCatalogEntry) MetricRecord {
	return MetricRecord{
		OrganizationId: organizationId,
		MetricId:       entry.MetricId,
		Category:       entry.Category,
		Scope:          entry.Scope,
		Domain:         entry.Domain,
		Value:          input.Value,
		Unit:           entry.Unit,
		Co2eKg:         input.Co2eKg,
		PeriodStart:    time.Time(input.PeriodStart).UTC(),
		PeriodEnd:      time.Time(input.PeriodEnd).UTC(),
		Source:         input.Source,
	}
}

func CreateMetricRecord(ctx context.Context, input *NewMetricRecord) (*MetricRecord, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	entry, err := input.validate(ctx)
	if err != nil {
		return nil, err
	}

	record := input.toRecord(organizationId, entry)
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return nil, utils.ErrorDuplicateRecord
		}
		return nil, err
	}
	return &record, nil
}

// CreateMetricRecordsBatch inserts a delivered batch row by row. Duplicate
// period rows are counted as skipped, not errors, so redelivery converges.
// Rows that fail validation are returned as rejects with their row index.
type BatchReject struct {
	Index  int    `json:"index"`
	Metric string `json:"metric_id"`
	Reason string `json:"reason"`
}

func CreateMetricRecordsBatch(tx *gorm.DB, ctx context.Context, organizationId string, inputs []*NewMetricRecord) (inserted int, skipped int, rejects []BatchReject, err error) {

	for i, input := range inputs {
		entry, vErr := input.validate(ctx)
		if vErr != nil {
			rejects = append(rejects, BatchReject{Index: i, Metric: input.MetricId, Reason: vErr.Error()})
			continue
		}
		record := input.toRecord(organizationId, entry)
		cErr := tx.WithContext(ctx).Create(&record).Error
		if cErr != nil {
			if isDuplicateKeyErr(cErr) {
				skipped++
				continue
			}
			return inserted, skipped, rejects, cErr
		}
		inserted++
	}
	return inserted, skipped, rejects, nil
}

func (record MetricRecord) GetOrganizationId() string {
	return record.OrganizationId
}

func GetMetricRecordById(ctx context.Context, id int) (*MetricRecord, error) {
	return GetResource[MetricRecord](ctx, id)
}

type MetricRecordFilter struct {
	Domain   *MetricDomain
	MetricId *string
	Scope    *int
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

func GetMetricRecords(ctx context.Context, filter MetricRecordFilter) ([]*MetricRecord, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("organization_id = ?", organizationId)
	if filter.Domain != nil {
		dbCtx = dbCtx.Where("domain = ?", *filter.Domain)
	}
	if filter.MetricId != nil && *filter.MetricId != "" {
		dbCtx = dbCtx.Where("metric_id = ?", *filter.MetricId)
	}
	if filter.Scope != nil {
		dbCtx = dbCtx.Where("scope = ?", *filter.Scope)
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, utils.ErrorInvalidRange
	}
	if filter.From != nil {
		dbCtx = dbCtx.Where("period_start >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		dbCtx = dbCtx.Where("period_start < ?", filter.To.UTC())
	}
	if filter.Limit > 0 {
		dbCtx = dbCtx.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		dbCtx = dbCtx.Offset(filter.Offset)
	}

	var results []*MetricRecord
	err := dbCtx.Order("period_start, metric_id").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetFirstRecordDate returns the earliest period_start for the domain, nil
// when no data exists yet.
func GetFirstRecordDate(ctx context.Context, organizationId string, domain MetricDomain) (*time.Time, error) {

	db := config.GetDB()
	var record MetricRecord
	err := db.WithContext(ctx).
		Where("organization_id = ? AND domain = ?", organizationId, domain).
		Order("period_start").
		First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	t := record.PeriodStart
	return &t, nil
}

// GetFirstRecordDateForMetric returns the earliest period_start for one
// metric, nil when the metric has no data.
func GetFirstRecordDateForMetric(tx *gorm.DB, organizationId, metricId string) (*time.Time, error) {

	var record MetricRecord
	err := tx.Where("organization_id = ? AND metric_id = ?", organizationId, metricId).
		Order("period_start").
		First(&record).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	t := record.PeriodStart
	return &t, nil
}
