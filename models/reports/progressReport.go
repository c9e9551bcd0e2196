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

type ProgressToTargetResponse struct {
	Domain            models.MetricDomain   `json:"domain"`
	BaselineYear      int                   `json:"baseline_year"`
	TargetYear        int                   `json:"target_year"`
	BaselineValue     decimal.Decimal       `json:"baseline_value"`
	TargetValue       decimal.Decimal       `json:"target_value"`
	ProjectedValue    decimal.Decimal       `json:"projected_value"`
	ExpectedValueNow  decimal.Decimal       `json:"expected_value_now"`
	ReductionNeeded   decimal.Decimal       `json:"reduction_needed"`
	ReductionAchieved decimal.Decimal       `json:"reduction_achieved"`
	ProgressPercent   decimal.Decimal       `json:"progress_percent"`
	ExceedancePercent decimal.Decimal       `json:"exceedance_percent"`
	Status            models.ProgressStatus `json:"status"`
	ForecastMethod    models.ForecastMethod `json:"forecast_method"`
	Unit              string                `json:"unit"`
}

// ExpectedValueAt interpolates the straight glide path from the baseline value
// (at baselineYear) to the target value (at targetYear), evaluated at year.
// Years outside the window clamp to the endpoints.
func ExpectedValueAt(baselineValue, targetValue decimal.Decimal, baselineYear, targetYear, year int) decimal.Decimal {
	if year <= baselineYear || targetYear <= baselineYear {
		return baselineValue
	}
	if year >= targetYear {
		return targetValue
	}
	elapsed := decimal.NewFromInt(int64(year - baselineYear))
	span := decimal.NewFromInt(int64(targetYear - baselineYear))
	return baselineValue.Add(targetValue.Sub(baselineValue).Mul(elapsed).DivRound(span, models.PublishedScale))
}

// ClassifyProgress maps the projection against the glide path, the baseline
// and last year's actual:
//   - at or under the glide path: on-track
//   - over the glide path but at or under the baseline: at-risk
//   - over the baseline but lower than last year: off-track (declining, late)
//   - otherwise: exceeded-baseline (emissions net increasing)
func ClassifyProgress(projected, expected, baselineValue, lastYearActual decimal.Decimal) models.ProgressStatus {
	if projected.LessThanOrEqual(expected) {
		return models.ProgressOnTrack
	}
	if projected.LessThanOrEqual(baselineValue) {
		return models.ProgressAtRisk
	}
	if projected.LessThan(lastYearActual) {
		return models.ProgressOffTrack
	}
	return models.ProgressExceededBaseline
}

// ProgressPercent is reduction achieved over reduction needed, never negative.
// A zero-reduction target (fraction 0) is either met or not.
func ProgressPercent(baselineValue, targetValue, projected decimal.Decimal) decimal.Decimal {
	needed := baselineValue.Sub(targetValue)
	if !needed.IsPositive() {
		if projected.LessThanOrEqual(targetValue) {
			return hundred
		}
		return decimal.Zero
	}
	achieved := baselineValue.Sub(projected)
	if achieved.IsNegative() {
		return decimal.Zero
	}
	return achieved.Mul(hundred).DivRound(needed, models.PublishedScale)
}

// ExceedancePercent reports overshoot relative to the target, only once the
// projection has climbed past the baseline.
func ExceedancePercent(baselineValue, targetValue, projected decimal.Decimal) decimal.Decimal {
	if projected.LessThanOrEqual(baselineValue) || !targetValue.IsPositive() {
		return decimal.Zero
	}
	return projected.Sub(targetValue).Mul(hundred).DivRound(targetValue, models.PublishedScale)
}

// GetProgressToTarget scores the current-year projection against the
// organization's terminal reduction target for the domain. Requires both a
// baseline definition and at least one target; reports ErrorRecordNotFound
// otherwise so dashboards can render an empty state.
func GetProgressToTarget(ctx context.Context, domain models.MetricDomain) (*ProgressToTargetResponse, error) {
	start := time.Now()
	defer logSlowReport(ctx, "progress_to_target", start, map[string]any{
		"domain": string(domain),
	})

	if domain == "" {
		domain = models.MetricDomainEmissions
	}
	if !domain.IsValid() {
		return nil, errors.New("unknown domain")
	}
	organizationId, ok := utils.GetOrganizationIdFromContext(ctx)
	if !ok || organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	key := fmt.Sprintf("report:progress:%s:%s", organizationId, domain)
	if reportCacheEnabled() {
		var cached ProgressToTargetResponse
		if ok, err := cacheGet(key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	baseline, err := models.GetBaselineDefinition(ctx, domain)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	target, err := models.GetTerminalTarget(db.WithContext(ctx), organizationId, domain)
	if err != nil {
		return nil, err
	}

	year := time.Now().UTC().Year()
	forecast, err := GetProjectedAnnual(ctx, domain, year)
	if err != nil {
		return nil, err
	}
	lastYearActual, _, err := calendarYearTotal(ctx, domain, year-1)
	if err != nil {
		return nil, err
	}

	baselineValue := baseline.BaselineValue
	targetValue := models.RoundPublished(target.TargetValue)
	projected := forecast.ProjectedTotal
	expected := ExpectedValueAt(baselineValue, targetValue, baseline.BaselineYear, target.TargetYear, year)

	result := &ProgressToTargetResponse{
		Domain:            domain,
		BaselineYear:      baseline.BaselineYear,
		TargetYear:        target.TargetYear,
		BaselineValue:     baselineValue,
		TargetValue:       targetValue,
		ProjectedValue:    projected,
		ExpectedValueNow:  expected,
		ReductionNeeded:   baselineValue.Sub(targetValue),
		ReductionAchieved: baselineValue.Sub(projected),
		ProgressPercent:   ProgressPercent(baselineValue, targetValue, projected),
		ExceedancePercent: ExceedancePercent(baselineValue, targetValue, projected),
		Status:            ClassifyProgress(projected, expected, baselineValue, lastYearActual),
		ForecastMethod:    forecast.Method,
		Unit:              domain.CanonicalUnit(),
	}

	if reportCacheEnabled() {
		cacheSet(organizationId, key, result)
	}
	return result, nil
}
