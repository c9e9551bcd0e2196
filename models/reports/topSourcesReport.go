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

type TopEmissionSource struct {
	Category       string          `json:"category"`
	Scope          int             `json:"scope"`
	Total          decimal.Decimal `json:"total"`
	Percentage     decimal.Decimal `json:"percentage"`
	Recommendation string          `json:"recommendation"`
}

type TopSourcesResponse struct {
	FromDate time.Time           `json:"from_date"`
	ToDate   time.Time           `json:"to_date"`
	Sources  []TopEmissionSource `json:"sources"`
	Total    decimal.Decimal     `json:"total"`
	Unit     string              `json:"unit"`
}

// Reduction playbook per category. Unknown categories (new catalog entries
// this table has not caught up with) fall back to the generic line.
var categoryRecommendations = map[string]string{
	"stationary_combustion": "Replace fossil heating with heat pumps and tighten boiler run schedules",
	"mobile_combustion":     "Electrify fleet vehicles and consolidate routes to cut fuel burn",
	"fugitive_emissions":    "Increase refrigerant leak inspections and move to low-GWP refrigerants",
	"purchased_energy":      "Contract renewable electricity or add on-site generation",
	"business_travel":       "Shift short-haul flights to rail and set per-team travel budgets",
	"employee_commuting":    "Expand remote-work days and subsidize public transit passes",
	"purchased_goods":       "Engage top suppliers on disclosure and lower-carbon alternatives",
	"upstream_transport":    "Shift freight from air to sea or rail and raise load factors",
	"waste_disposal":        "Divert waste from landfill through recycling and composting streams",
}

const genericRecommendation = "Review the underlying activity data and identify reduction opportunities"

func RecommendationForCategory(category string) string {
	if rec, ok := categoryRecommendations[category]; ok {
		return rec
	}
	return genericRecommendation
}

// GetTopEmissionSources ranks categories by CO2e over the window with a
// recommended action each. Ordering is deterministic: tonnes descending, then
// category name ascending. This is a ranking view, so each row rounds on its
// own and the rows are not apportioned against the period total.
func GetTopEmissionSources(ctx context.Context, fromDate, toDate models.MyDateString, limit int) (*TopSourcesResponse, error) {
	start := time.Now()
	defer logSlowReport(ctx, "top_sources", start, map[string]any{
		"from":  fmt.Sprintf("%v", time.Time(fromDate).UTC()),
		"limit": limit,
	})

	organizationId, from, to, err := resolveRange(ctx, fromDate, toDate)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	key := fmt.Sprintf("report:top_sources:%s:%s:%s:%d", organizationId,
		from.Format("2006-01-02"), to.Format("2006-01-02"), limit)
	if reportCacheEnabled() {
		var cached TopSourcesResponse
		if ok, err := cacheGet(key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	sums, _, err := scopeSumsKg(ctx, organizationId, from, to)
	if err != nil {
		return nil, err
	}
	totals := models.PublishScopeTotals(sums[models.Scope1], sums[models.Scope2], sums[models.Scope3])

	db := config.GetDB()
	var rows []categorySumRow
	err = db.WithContext(ctx).Raw(`
			SELECT
				mr.category AS category,
				MIN(mr.scope) AS scope,
				SUM(mr.co2e_kg) AS total_kg
			FROM metric_records AS mr
			JOIN metric_catalog_entries AS mce ON mce.metric_id = mr.metric_id
			WHERE
				mr.organization_id = ?
				AND mr.domain = ?
				AND mr.period_start >= ?
				AND mr.period_start < ?
			GROUP BY mr.category
			ORDER BY mr.category;
		`, organizationId, models.MetricDomainEmissions, from, to).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	sources := make([]TopEmissionSource, 0, len(rows))
	for _, row := range rows {
		published := models.PublishKg(row.TotalKg)
		sources = append(sources, TopEmissionSource{
			Category:       row.Category,
			Scope:          row.Scope,
			Total:          published,
			Percentage:     models.PercentOfTotal(published, totals.Total),
			Recommendation: RecommendationForCategory(row.Category),
		})
	}
	sort.SliceStable(sources, func(a, b int) bool {
		if !sources[a].Total.Equal(sources[b].Total) {
			return sources[a].Total.GreaterThan(sources[b].Total)
		}
		return sources[a].Category < sources[b].Category
	})
	if len(sources) > limit {
		sources = sources[:limit]
	}

	response := &TopSourcesResponse{
		FromDate: from,
		ToDate:   to,
		Sources:  sources,
		Total:    totals.Total,
		Unit:     models.MetricDomainEmissions.CanonicalUnit(),
	}
	if reportCacheEnabled() {
		cacheSet(organizationId, key, response)
	}
	return response, nil
}
