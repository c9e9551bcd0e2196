package reports

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/carbonview/emissions_backend/models"
	"github.com/shopspring/decimal"
)

type IntensityResponse struct {
	FromDate       time.Time        `json:"from_date"`
	ToDate         time.Time        `json:"to_date"`
	TotalEmissions decimal.Decimal  `json:"total_emissions"`
	Unit           string           `json:"unit"`
	PerEmployee    *decimal.Decimal `json:"per_employee"`
	PerRevenueMUSD *decimal.Decimal `json:"per_revenue_musd"`
	PerFloorArea   *decimal.Decimal `json:"per_floor_area_sqm"`
}

// GetIntensityMetrics divides the published period total by the reporting
// denominators. A zero or absent denominator yields a nil member instead of a
// division error; dashboards render those as "n/a". Denominators default to
// the organization profile; pass overrides for what-if views.
func GetIntensityMetrics(ctx context.Context, fromDate, toDate models.MyDateString, overrides *models.NewIntensityDenominators) (*IntensityResponse, error) {
	start := time.Now()
	defer logSlowReport(ctx, "intensity_metrics", start, map[string]any{
		"from": fmt.Sprintf("%v", time.Time(fromDate).UTC()),
	})

	organization, err := models.GetOrganization(ctx)
	if err != nil {
		return nil, err
	}

	period, err := GetPeriodEmissions(ctx, fromDate, toDate)
	if err != nil {
		return nil, err
	}

	employees := decimal.NewFromInt(int64(organization.EmployeeCount))
	revenue := organization.RevenueMUSD
	floorArea := organization.FloorAreaSqm
	if overrides != nil {
		employees = decimal.NewFromInt(int64(overrides.EmployeeCount))
		if overrides.RevenueMUSD != nil {
			revenue = *overrides.RevenueMUSD
		}
		if overrides.FloorAreaSqm != nil {
			floorArea = *overrides.FloorAreaSqm
		}
	}

	response := &IntensityResponse{
		FromDate:       period.FromDate,
		ToDate:         period.ToDate,
		TotalEmissions: period.Total,
		Unit:           period.Unit,
	}
	if employees.IsPositive() {
		v := models.IntensityRatio(period.Total, employees)
		response.PerEmployee = &v
	}
	if revenue.IsPositive() {
		v := models.IntensityRatio(period.Total, revenue)
		response.PerRevenueMUSD = &v
	}
	if floorArea.IsPositive() {
		v := models.IntensityRatio(period.Total, floorArea)
		response.PerFloorArea = &v
	}
	return response, nil
}
