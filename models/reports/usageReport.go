package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"github.com/shopspring/decimal"
)

type UsageTotalResponse struct {
	FromDate      time.Time           `json:"from_date"`
	ToDate        time.Time           `json:"to_date"`
	Domain        models.MetricDomain `json:"domain"`
	Total         decimal.Decimal     `json:"total"`
	Unit          string              `json:"unit"`
	ExcludedCount int                 `json:"excluded_count"`
}

// GetDomainUsageTotal sums the value column (not CO2e) for a usage domain in
// its canonical unit. Zero data reports zero, same rounding discipline as the
// emissions reports.
func GetDomainUsageTotal(ctx context.Context, domain models.MetricDomain, fromDate, toDate models.MyDateString) (*UsageTotalResponse, error) {
	start := time.Now()
	defer logSlowReport(ctx, "usage_total", start, map[string]any{
		"domain": string(domain),
		"from":   fmt.Sprintf("%v", time.Time(fromDate).UTC()),
	})

	if !domain.IsValid() || domain == models.MetricDomainEmissions {
		return nil, errors.New("usage totals cover energy, water and waste")
	}

	organizationId, from, to, err := resolveRange(ctx, fromDate, toDate)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("report:usage_total:%s:%s:%s:%s", organizationId, domain,
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	if reportCacheEnabled() {
		var cached UsageTotalResponse
		if ok, err := cacheGet(key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	db := config.GetDB()
	var totalValue decimal.Decimal
	err = db.WithContext(ctx).Raw(`
			SELECT COALESCE(SUM(mr.value), 0)
			FROM metric_records AS mr
			JOIN metric_catalog_entries AS mce ON mce.metric_id = mr.metric_id
			WHERE
				mr.organization_id = ?
				AND mr.domain = ?
				AND mr.period_start >= ?
				AND mr.period_start < ?;
		`, organizationId, domain, from, to).
		Scan(&totalValue).Error
	if err != nil {
		return nil, err
	}

	var excluded int64
	err = db.WithContext(ctx).Raw(`
			SELECT COUNT(*)
			FROM metric_records AS mr
			LEFT JOIN metric_catalog_entries AS mce ON mce.metric_id = mr.metric_id
			WHERE
				mr.organization_id = ?
				AND mr.domain = ?
				AND mr.period_start >= ?
				AND mr.period_start < ?
				AND mce.metric_id IS NULL;
		`, organizationId, domain, from, to).
		Scan(&excluded).Error
	if err != nil {
		return nil, err
	}

	response := &UsageTotalResponse{
		FromDate:      from,
		ToDate:        to,
		Domain:        domain,
		Total:         models.RoundPublished(totalValue),
		Unit:          domain.CanonicalUnit(),
		ExcludedCount: int(excluded),
	}
	if reportCacheEnabled() {
		cacheSet(organizationId, key, response)
	}
	return response, nil
}

func GetEnergyTotal(ctx context.Context, fromDate, toDate models.MyDateString) (*UsageTotalResponse, error) {
	return GetDomainUsageTotal(ctx, models.MetricDomainEnergy, fromDate, toDate)
}

func GetWaterTotal(ctx context.Context, fromDate, toDate models.MyDateString) (*UsageTotalResponse, error) {
	return GetDomainUsageTotal(ctx, models.MetricDomainWater, fromDate, toDate)
}

func GetWasteTotal(ctx context.Context, fromDate, toDate models.MyDateString) (*UsageTotalResponse, error) {
	return GetDomainUsageTotal(ctx, models.MetricDomainWaste, fromDate, toDate)
}
