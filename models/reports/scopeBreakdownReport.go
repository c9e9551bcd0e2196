package reports

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/carbonview/emissions_backend/models"
	"github.com/shopspring/decimal"
)

type ScopeBreakdownRow struct {
	Scope      int             `json:"scope"`
	Total      decimal.Decimal `json:"total"`
	Percentage decimal.Decimal `json:"percentage"`
}

type ScopeBreakdownResponse struct {
	FromDate      time.Time           `json:"from_date"`
	ToDate        time.Time           `json:"to_date"`
	Scopes        []ScopeBreakdownRow `json:"scopes"`
	Total         decimal.Decimal     `json:"total"`
	Unit          string              `json:"unit"`
	ExcludedCount int                 `json:"excluded_count"`
}

// GetScopeBreakdown returns the three scope subtotals with their share of the
// period total. The rows reuse the period totals directly, so they sum to it
// by construction.
func GetScopeBreakdown(ctx context.Context, fromDate, toDate models.MyDateString) (*ScopeBreakdownResponse, error) {
	start := time.Now()
	defer logSlowReport(ctx, "scope_breakdown", start, map[string]any{
		"from": fmt.Sprintf("%v", time.Time(fromDate).UTC()),
		"to":   fmt.Sprintf("%v", time.Time(toDate).UTC()),
	})

	organizationId, from, to, err := resolveRange(ctx, fromDate, toDate)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("report:scope_breakdown:%s:%s:%s", organizationId,
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	if reportCacheEnabled() {
		var cached ScopeBreakdownResponse
		if ok, err := cacheGet(key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	sums, excluded, err := scopeSumsKg(ctx, organizationId, from, to)
	if err != nil {
		return nil, err
	}
	totals := models.PublishScopeTotals(sums[models.Scope1], sums[models.Scope2], sums[models.Scope3])

	response := &ScopeBreakdownResponse{
		FromDate: from,
		ToDate:   to,
		Scopes: []ScopeBreakdownRow{
			{Scope: models.Scope1, Total: totals.Scope1, Percentage: models.PercentOfTotal(totals.Scope1, totals.Total)},
			{Scope: models.Scope2, Total: totals.Scope2, Percentage: models.PercentOfTotal(totals.Scope2, totals.Total)},
			{Scope: models.Scope3, Total: totals.Scope3, Percentage: models.PercentOfTotal(totals.Scope3, totals.Total)},
		},
		Total:         totals.Total,
		Unit:          models.MetricDomainEmissions.CanonicalUnit(),
		ExcludedCount: excluded,
	}
	if reportCacheEnabled() {
		cacheSet(organizationId, key, response)
	}
	return response, nil
}
