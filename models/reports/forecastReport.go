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

// Forecast confidence by method. These are fixed labels for clients, not
// statistical intervals.
const (
	ConfidenceTrajectory = 95
	ConfidenceModel      = 85
	ConfidenceLinear     = 60
)

// Months of history the seasonal model needs inside the lookback window.
// Exactly 11 months must fall back to the run-rate tier.
const (
	modelMinHistoryMonths = 12
	modelLookbackMonths   = 36
)

type ForecastResult struct {
	Domain            models.MetricDomain   `json:"domain"`
	Year              int                   `json:"year"`
	ActualEmissions   decimal.Decimal       `json:"actual_emissions"`
	ForecastEmissions decimal.Decimal       `json:"forecast_emissions"`
	ProjectedTotal    decimal.Decimal       `json:"projected_total"`
	Method            models.ForecastMethod `json:"method"`
	ConfidencePercent int                   `json:"confidence_percent"`
	DaysActual        int                   `json:"days_actual"`
	DaysRemaining     int                   `json:"days_remaining"`
	MonthsOfHistory   int                   `json:"months_of_history"`
	Unit              string                `json:"unit"`
}

// SeriesPoint is one observed month. T is the month's calendar position from
// the window start, so data gaps keep their real distance in the trend fit.
type SeriesPoint struct {
	T     int
	Month time.Month
	Value float64
}

// AdditiveModel is a least-squares linear trend plus a per-calendar-month mean
// residual. Model arithmetic runs in float64; published totals go back through
// decimal rounding at the boundary.
type AdditiveModel struct {
	Intercept float64
	Slope     float64
	Seasonal  map[time.Month]float64
}

func FitAdditiveModel(points []SeriesPoint) AdditiveModel {
	n := float64(len(points))
	model := AdditiveModel{Seasonal: map[time.Month]float64{}}
	if n == 0 {
		return model
	}

	var sumT, sumY, sumTY, sumTT float64
	for _, p := range points {
		t := float64(p.T)
		sumT += t
		sumY += p.Value
		sumTY += t * p.Value
		sumTT += t * t
	}
	denom := n*sumTT - sumT*sumT
	if denom != 0 {
		model.Slope = (n*sumTY - sumT*sumY) / denom
	}
	model.Intercept = (sumY - model.Slope*sumT) / n

	residualSum := map[time.Month]float64{}
	residualCount := map[time.Month]int{}
	for _, p := range points {
		r := p.Value - (model.Intercept + model.Slope*float64(p.T))
		residualSum[p.Month] += r
		residualCount[p.Month]++
	}
	for month, sum := range residualSum {
		model.Seasonal[month] = sum / float64(residualCount[month])
	}
	return model
}

// Predict returns the modelled value for a month, clamped at zero: emissions
// cannot go negative however steep the fitted downtrend.
func (model AdditiveModel) Predict(t int, month time.Month, withSeasonal bool) float64 {
	v := model.Intercept + model.Slope*float64(t)
	if withSeasonal {
		v += model.Seasonal[month]
	}
	if v < 0 {
		return 0
	}
	return v
}

type monthTotalRow struct {
	Month string
	Total decimal.Decimal
}

// monthlyDomainTotals sums each calendar month in [from, to). Emissions sum
// CO2e kilograms converted to tonnes; usage domains sum the value column.
func monthlyDomainTotals(ctx context.Context, organizationId string, domain models.MetricDomain, from, to time.Time) (map[string]decimal.Decimal, error) {

	column := "SUM(mr.value)"
	if domain == models.MetricDomainEmissions {
		column = "SUM(mr.co2e_kg)"
	}

	db := config.GetDB()
	var rows []monthTotalRow
	err := db.WithContext(ctx).Raw(`
			SELECT
				DATE_FORMAT(mr.period_start, '%Y-%m') AS month,
				`+column+` AS total
			FROM metric_records AS mr
			JOIN metric_catalog_entries AS mce ON mce.metric_id = mr.metric_id
			WHERE
				mr.organization_id = ?
				AND mr.domain = ?
				AND mr.period_start >= ?
				AND mr.period_start < ?
			GROUP BY DATE_FORMAT(mr.period_start, '%Y-%m')
			ORDER BY month;
		`, organizationId, domain, from, to).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	totals := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		v := row.Total
		if domain == models.MetricDomainEmissions {
			v = models.KgToTonnes(v)
		}
		totals[row.Month] = v
	}
	return totals, nil
}

func monthKey(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}

// GetProjectedAnnual projects the calendar-year total for a domain. Three
// tiers, first match wins:
//  1. an active reduction trajectory for the year is authoritative;
//  2. enough history (12+ observed months inside the 36-month lookback) runs
//     the additive trend+seasonal model;
//  3. otherwise the year-to-date run rate is extended linearly.
func GetProjectedAnnual(ctx context.Context, domain models.MetricDomain, year int) (*ForecastResult, error) {
	start := time.Now()
	defer logSlowReport(ctx, "forecast_projection", start, map[string]any{
		"domain": string(domain),
		"year":   year,
	})

	if !domain.IsValid() {
		return nil, errors.New("unknown domain")
	}
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}
	if year < 1990 || year > time.Now().Year()+1 {
		return nil, errors.New("year out of range")
	}

	key := fmt.Sprintf("report:forecast:%s:%s:%d", organizationId, domain, year)
	if reportCacheEnabled() {
		var cached ForecastResult
		if ok, err := cacheGet(key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	now := time.Now().UTC()
	elapsed := utils.CompletedMonthsOfYear(now, year)
	remaining := 12 - elapsed

	yearStart, yearEnd := utils.CalendarYearRange(year)
	yearTotals, err := monthlyDomainTotals(ctx, organizationId, domain, yearStart, yearEnd)
	if err != nil {
		return nil, err
	}
	actual := decimal.Zero
	for m := 1; m <= elapsed; m++ {
		actual = actual.Add(yearTotals[monthKey(year, time.Month(m))])
	}

	daysActual := utils.DaysElapsedInYear(now, year)
	result := &ForecastResult{
		Domain:        domain,
		Year:          year,
		DaysActual:    daysActual,
		DaysRemaining: utils.DaysInYear(year) - daysActual,
		Unit:          domain.CanonicalUnit(),
	}

	// lookback window ends where the actuals end
	lookbackEnd := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, elapsed, 0)
	lookbackStart := lookbackEnd.AddDate(0, -modelLookbackMonths, 0)
	history, err := monthlyDomainTotals(ctx, organizationId, domain, lookbackStart, lookbackEnd)
	if err != nil {
		return nil, err
	}
	result.MonthsOfHistory = len(history)

	db := config.GetDB()
	trajectory, err := models.GetActiveTrajectory(db.WithContext(ctx), organizationId, domain, year)
	if err != nil {
		return nil, err
	}

	forecast := decimal.Zero
	switch {
	case trajectory != nil:
		for _, point := range trajectory.Points {
			if point.Month > elapsed {
				forecast = forecast.Add(point.PlannedValue)
			}
		}
		result.Method = models.ForecastMethodTrajectory
		result.ConfidencePercent = ConfidenceTrajectory

	case result.MonthsOfHistory >= modelMinHistoryMonths:
		points := make([]SeriesPoint, 0, len(history))
		cursor := lookbackStart
		for t := 0; t < modelLookbackMonths; t++ {
			if v, ok := history[monthKey(cursor.Year(), cursor.Month())]; ok {
				value, _ := v.Float64()
				points = append(points, SeriesPoint{T: t, Month: cursor.Month(), Value: value})
			}
			cursor = cursor.AddDate(0, 1, 0)
		}
		model := FitAdditiveModel(points)
		withSeasonal := !config.ForecastSeasonalDisabled()
		for m := elapsed + 1; m <= 12; m++ {
			monthStart := time.Date(year, time.Month(m), 1, 0, 0, 0, 0, time.UTC)
			t := (monthStart.Year()-lookbackStart.Year())*12 + int(monthStart.Month()-lookbackStart.Month())
			predicted := model.Predict(t, monthStart.Month(), withSeasonal)
			forecast = forecast.Add(decimal.NewFromFloat(predicted))
		}
		result.Method = models.ForecastMethodModel
		result.ConfidencePercent = ConfidenceModel

	default:
		// no elapsed months means no run rate to extend
		if elapsed > 0 {
			runRate := actual.Div(decimal.NewFromInt(int64(elapsed)))
			forecast = runRate.Mul(decimal.NewFromInt(int64(remaining)))
		}
		result.Method = models.ForecastMethodLinear
		result.ConfidencePercent = ConfidenceLinear
	}

	result.ActualEmissions = models.RoundPublished(actual)
	result.ForecastEmissions = models.RoundPublished(forecast)
	result.ProjectedTotal = models.RoundPublished(actual.Add(forecast))

	if reportCacheEnabled() {
		cacheSet(organizationId, key, result)
	}
	return result, nil
}

// GetProjectedAnnualEmissions is the emissions-domain entry point most
// callers want.
func GetProjectedAnnualEmissions(ctx context.Context, year int) (*ForecastResult, error) {
	return GetProjectedAnnual(ctx, models.MetricDomainEmissions, year)
}
