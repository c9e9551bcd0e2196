package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/shopspring/decimal"
)

type YoYComparisonResponse struct {
	Domain           models.MetricDomain   `json:"domain"`
	Year             int                   `json:"year"`
	Current          decimal.Decimal       `json:"current"`
	Previous         decimal.Decimal       `json:"previous"`
	Change           decimal.Decimal       `json:"change"`
	PercentageChange *decimal.Decimal      `json:"percentage_change"`
	Trend            models.TrendDirection `json:"trend"`
	Unit             string                `json:"unit"`
}

var hundred = decimal.NewFromInt(100)
var stableBand = decimal.NewFromInt(1)

// ClassifyYoY is the pure comparison rule. A previous of zero has no defined
// percentage; the percentage comes back nil and the trend depends only on
// whether anything was emitted this year. Changes under one percent either way
// read as stable.
func ClassifyYoY(current, previous decimal.Decimal) (*decimal.Decimal, models.TrendDirection) {
	if previous.IsZero() {
		if current.IsPositive() {
			return nil, models.TrendUp
		}
		return nil, models.TrendStable
	}
	pct := current.Sub(previous).Mul(hundred).DivRound(previous, models.PublishedScale)
	switch {
	case pct.Abs().LessThan(stableBand):
		return &pct, models.TrendStable
	case pct.IsPositive():
		return &pct, models.TrendUp
	default:
		return &pct, models.TrendDown
	}
}

func calendarYearTotal(ctx context.Context, domain models.MetricDomain, year int) (decimal.Decimal, string, error) {
	fromDate := models.MyDateString(time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC))
	toDate := models.MyDateString(time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC))

	if domain == models.MetricDomainEmissions {
		period, err := GetPeriodEmissions(ctx, fromDate, toDate)
		if err != nil {
			return decimal.Zero, "", err
		}
		return period.Total, period.Unit, nil
	}
	usage, err := GetDomainUsageTotal(ctx, domain, fromDate, toDate)
	if err != nil {
		return decimal.Zero, "", err
	}
	return usage.Total, usage.Unit, nil
}

// GetYoYComparison compares a calendar year's published total with the year
// before, for total emissions or one usage domain.
func GetYoYComparison(ctx context.Context, domain models.MetricDomain, year int) (*YoYComparisonResponse, error) {
	start := time.Now()
	defer logSlowReport(ctx, "yoy_comparison", start, map[string]any{
		"domain": string(domain),
		"year":   year,
	})

	if !domain.IsValid() {
		return nil, errors.New("unknown domain")
	}
	if year < 1990 || year > time.Now().Year()+1 {
		return nil, errors.New("year out of range")
	}

	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	key := fmt.Sprintf("report:yoy:%s:%s:%d", organizationId, domain, year)
	if reportCacheEnabled() {
		var cached YoYComparisonResponse
		if ok, err := cacheGet(key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	current, unit, err := calendarYearTotal(ctx, domain, year)
	if err != nil {
		return nil, err
	}
	previous, _, err := calendarYearTotal(ctx, domain, year-1)
	if err != nil {
		return nil, err
	}

	pct, trend := ClassifyYoY(current, previous)
	response := &YoYComparisonResponse{
		Domain:           domain,
		Year:             year,
		Current:          current,
		Previous:         previous,
		Change:           current.Sub(previous),
		PercentageChange: pct,
		Trend:            trend,
		Unit:             unit,
	}
	if reportCacheEnabled() {
		cacheSet(organizationId, key, response)
	}
	return response, nil
}
