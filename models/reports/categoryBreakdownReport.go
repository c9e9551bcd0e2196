package reports

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"github.com/shopspring/decimal"
)

type CategoryBreakdownRow struct {
	Scope      int             `json:"scope"`
	Category   string          `json:"category"`
	Total      decimal.Decimal `json:"total"`
	Percentage decimal.Decimal `json:"percentage"`
}

type CategoryBreakdownResponse struct {
	FromDate      time.Time              `json:"from_date"`
	ToDate        time.Time              `json:"to_date"`
	Categories    []CategoryBreakdownRow `json:"categories"`
	Total         decimal.Decimal        `json:"total"`
	Unit          string                 `json:"unit"`
	ExcludedCount int                    `json:"excluded_count"`
}

type categorySumRow struct {
	Scope    int
	Category string
	TotalKg  decimal.Decimal
}

// GetCategoryBreakdown splits each scope subtotal across its categories. The
// raw per-category tonnes are apportioned to the published scope subtotal by
// largest remainder, so the category list sums exactly to the period total a
// client already fetched. Rows within a scope arrive name-ascending into the
// apportionment, which fixes the order for full ties.
func GetCategoryBreakdown(ctx context.Context, fromDate, toDate models.MyDateString) (*CategoryBreakdownResponse, error) {
	start := time.Now()
	defer logSlowReport(ctx, "category_breakdown", start, map[string]any{
		"from": fmt.Sprintf("%v", time.Time(fromDate).UTC()),
		"to":   fmt.Sprintf("%v", time.Time(toDate).UTC()),
	})

	organizationId, from, to, err := resolveRange(ctx, fromDate, toDate)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("report:category_breakdown:%s:%s:%s", organizationId,
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	if reportCacheEnabled() {
		var cached CategoryBreakdownResponse
		if ok, err := cacheGet(key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	sums, excluded, err := scopeSumsKg(ctx, organizationId, from, to)
	if err != nil {
		return nil, err
	}
	totals := models.PublishScopeTotals(sums[models.Scope1], sums[models.Scope2], sums[models.Scope3])
	published := map[int]decimal.Decimal{
		models.Scope1: totals.Scope1,
		models.Scope2: totals.Scope2,
		models.Scope3: totals.Scope3,
	}

	db := config.GetDB()
	var rows []categorySumRow
	err = db.WithContext(ctx).Raw(`
			SELECT
				mr.scope AS scope,
				mr.category AS category,
				SUM(mr.co2e_kg) AS total_kg
			FROM metric_records AS mr
			JOIN metric_catalog_entries AS mce ON mce.metric_id = mr.metric_id
			WHERE
				mr.organization_id = ?
				AND mr.domain = ?
				AND mr.period_start >= ?
				AND mr.period_start < ?
			GROUP BY mr.scope, mr.category
			ORDER BY mr.scope, mr.category;
		`, organizationId, models.MetricDomainEmissions, from, to).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	var categories []CategoryBreakdownRow
	for _, scope := range []int{models.Scope1, models.Scope2, models.Scope3} {
		var scopeRows []categorySumRow
		for _, row := range rows {
			if row.Scope == scope {
				scopeRows = append(scopeRows, row)
			}
		}
		if len(scopeRows) == 0 {
			continue
		}
		parts := make([]decimal.Decimal, len(scopeRows))
		for i, row := range scopeRows {
			parts[i] = models.KgToTonnes(row.TotalKg)
		}
		reconciled := models.ReconcileToTotal(parts, published[scope])
		for i, row := range scopeRows {
			categories = append(categories, CategoryBreakdownRow{
				Scope:      scope,
				Category:   row.Category,
				Total:      reconciled[i],
				Percentage: models.PercentOfTotal(reconciled[i], totals.Total),
			})
		}
	}

	// biggest contributors first for display; name breaks ties
	sort.SliceStable(categories, func(a, b int) bool {
		if categories[a].Scope != categories[b].Scope {
			return categories[a].Scope < categories[b].Scope
		}
		if !categories[a].Total.Equal(categories[b].Total) {
			return categories[a].Total.GreaterThan(categories[b].Total)
		}
		return categories[a].Category < categories[b].Category
	})

	response := &CategoryBreakdownResponse{
		FromDate:      from,
		ToDate:        to,
		Categories:    categories,
		Total:         totals.Total,
		Unit:          models.MetricDomainEmissions.CanonicalUnit(),
		ExcludedCount: excluded,
	}
	if reportCacheEnabled() {
		cacheSet(organizationId, key, response)
	}
	return response, nil
}
