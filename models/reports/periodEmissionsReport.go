package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/shopspring/decimal"
)

// PeriodEmissionsResponse reports published tonnes for [from, to]. Total is
// always the sum of the three rounded scope subtotals.
type PeriodEmissionsResponse struct {
	FromDate      time.Time       `json:"from_date"`
	ToDate        time.Time       `json:"to_date"`
	Scope1        decimal.Decimal `json:"scope1"`
	Scope2        decimal.Decimal `json:"scope2"`
	Scope3        decimal.Decimal `json:"scope3"`
	Total         decimal.Decimal `json:"total"`
	Unit          string          `json:"unit"`
	ExcludedCount int             `json:"excluded_count"`
}

// resolveRange converts inclusive report dates into half-open UTC bounds
// using the organization's timezone. from after to fails before any query.
func resolveRange(ctx context.Context, fromDate, toDate models.MyDateString) (string, time.Time, time.Time, error) {

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return "", time.Time{}, time.Time{}, errors.New("organization id is required")
	}
	organization, err := models.GetOrganization(ctx)
	if err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	if time.Time(fromDate).After(time.Time(toDate)) {
		return "", time.Time{}, time.Time{}, utils.ErrorInvalidRange
	}
	if err := fromDate.StartOfDayUTCTime(organization.Timezone); err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	if err := toDate.NextDayStartUTCTime(organization.Timezone); err != nil {
		return "", time.Time{}, time.Time{}, err
	}
	return organizationId, time.Time(fromDate), time.Time(toDate), nil
}

type scopeSumRow struct {
	Scope   int
	TotalKg decimal.Decimal
}

// scopeSumsKg sums raw CO2e kilograms per scope over the half-open window.
// Records whose metric_id no longer resolves in the catalog are excluded and
// counted; a retired metric must not silently distort totals, and must not
// fail the query either.
func scopeSumsKg(ctx context.Context, organizationId string, from, to time.Time) (map[int]decimal.Decimal, int, error) {

	db := config.GetDB()

	var rows []scopeSumRow
	err := db.WithContext(ctx).Raw(`
			SELECT
				mr.scope AS scope,
				SUM(mr.co2e_kg) AS total_kg
			FROM metric_records AS mr
			JOIN metric_catalog_entries AS mce ON mce.metric_id = mr.metric_id
			WHERE
				mr.organization_id = ?
				AND mr.domain = ?
				AND mr.period_start >= ?
				AND mr.period_start < ?
			GROUP BY mr.scope;
		`, organizationId, models.MetricDomainEmissions, from, to).
		Scan(&rows).Error
	if err != nil {
		return nil, 0, err
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
		`, organizationId, models.MetricDomainEmissions, from, to).
		Scan(&excluded).Error
	if err != nil {
		return nil, 0, err
	}
	if excluded > 0 {
		config.LogWarn(config.GetLogger(), "reports", "scopeSumsKg", "excluded unresolvable metric records",
			map[string]any{"organization_id": organizationId, "excluded": excluded},
			"records reference metric ids missing from the catalog")
	}

	sums := map[int]decimal.Decimal{}
	for _, row := range rows {
		sums[row.Scope] = row.TotalKg
	}
	return sums, int(excluded), nil
}

func GetPeriodEmissions(ctx context.Context, fromDate, toDate models.MyDateString) (*PeriodEmissionsResponse, error) {
	start := time.Now()
	defer logSlowReport(ctx, "period_emissions", start, map[string]any{
		"from": fmt.Sprintf("%v", time.Time(fromDate).UTC()),
		"to":   fmt.Sprintf("%v", time.Time(toDate).UTC()),
	})

	organizationId, from, to, err := resolveRange(ctx, fromDate, toDate)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("report:period_emissions:%s:%s:%s", organizationId,
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	if reportCacheEnabled() {
		var cached PeriodEmissionsResponse
		if ok, err := cacheGet(key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	sums, excluded, err := scopeSumsKg(ctx, organizationId, from, to)
	if err != nil {
		return nil, err
	}
	totals := models.PublishScopeTotals(sums[models.Scope1], sums[models.Scope2], sums[models.Scope3])

	response := &PeriodEmissionsResponse{
		FromDate:      from,
		ToDate:        to,
		Scope1:        totals.Scope1,
		Scope2:        totals.Scope2,
		Scope3:        totals.Scope3,
		Total:         totals.Total,
		Unit:          models.MetricDomainEmissions.CanonicalUnit(),
		ExcludedCount: excluded,
	}
	if reportCacheEnabled() {
		cacheSet(organizationId, key, response)
	}
	return response, nil
}
