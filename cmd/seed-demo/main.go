// seed-demo populates a demo organization with the shipped metric catalog,
// three years of monthly measurements, an emissions baseline and two reduction
// targets. Re-running is safe: existing rows are reused or skipped.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-demo
//
// Flags allow a different organization name, baseline year or span.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
)

type demoMetric struct {
	metricId string
	scope    int
	domain   models.MetricDomain
	// base monthly values before seasonal and yearly factors
	monthlyValue float64
	monthlyKg    float64
}

// demoProfile mirrors the shipped catalog ids. Monthly CO2e sums to roughly
// 1650 tonnes a year, a plausible mid-size company.
var demoProfile = []demoMetric{
	{"natural_gas_heating", models.Scope1, models.MetricDomainEmissions, 9800, 18000},
	{"diesel_generators", models.Scope1, models.MetricDomainEmissions, 940, 2500},
	{"fleet_diesel", models.Scope1, models.MetricDomainEmissions, 3550, 9500},
	{"fleet_petrol", models.Scope1, models.MetricDomainEmissions, 1820, 4200},
	{"refrigerant_leakage", models.Scope1, models.MetricDomainEmissions, 1.1, 1500},
	{"electricity_grid", models.Scope2, models.MetricDomainEmissions, 82000, 38000},
	{"district_heating", models.Scope2, models.MetricDomainEmissions, 31000, 6000},
	{"purchased_steam", models.Scope2, models.MetricDomainEmissions, 14500, 2800},
	{"flights_business", models.Scope3, models.MetricDomainEmissions, 46000, 11000},
	{"rail_business", models.Scope3, models.MetricDomainEmissions, 21500, 900},
	{"employee_commuting", models.Scope3, models.MetricDomainEmissions, 68000, 7400},
	{"purchased_goods_services", models.Scope3, models.MetricDomainEmissions, 310000, 26000},
	{"upstream_logistics", models.Scope3, models.MetricDomainEmissions, 52000, 8200},
	{"waste_to_landfill", models.Scope3, models.MetricDomainEmissions, 14.2, 2100},
	{"electricity_consumption", 0, models.MetricDomainEnergy, 82000, 0},
	{"renewable_generation", 0, models.MetricDomainEnergy, 6000, 0},
	{"water_municipal", 0, models.MetricDomainWater, 1400, 0},
	{"water_recycled", 0, models.MetricDomainWater, 300, 0},
	{"waste_general", 0, models.MetricDomainWaste, 12.5, 0},
	{"waste_recycled", 0, models.MetricDomainWaste, 7.8, 0},
}

// averages to ~1.0 over a year; heating-heavy winters, lighter summers
var seasonal = [12]float64{1.18, 1.12, 1.05, 0.97, 0.90, 0.85, 0.84, 0.86, 0.93, 1.02, 1.10, 1.18}

func main() {
	name := flag.String("name", "Demo Manufacturing Co", "organization name")
	email := flag.String("email", "demo@carbonview.example", "organization email")
	baselineYear := flag.Int("baseline-year", 2022, "baseline year")
	years := flag.Int("years", 3, "calendar years of data starting at the baseline year")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	// Model hooks expect actor fields; tenant scope is bypassed until the demo
	// organization exists.
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	if err := models.SeedMetricCatalog(db, ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed metric catalog: %v\n", err)
		os.Exit(1)
	}

	var organization models.Organization
	err := db.WithContext(ctx).Model(&models.Organization{}).Where("name = ?", *name).First(&organization).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup organization: %v\n", err)
			os.Exit(1)
		}
		created, err := models.CreateOrganization(ctx, &models.NewOrganization{
			Name:          *name,
			Sector:        "Manufacturing",
			Country:       "Germany",
			Email:         *email,
			Timezone:      "Europe/Berlin",
			BaselineYear:  *baselineYear,
			EmployeeCount: 480,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create organization: %v\n", err)
			os.Exit(1)
		}
		organization = *created
		fmt.Printf("Created organization %q (id=%s, baseline_year=%d)\n", organization.Name, organization.ID, organization.BaselineYear)
	} else {
		fmt.Printf("Reusing organization %q (id=%s)\n", organization.Name, organization.ID)
	}

	organizationId := organization.ID.String()
	ctx = utils.SetOrganizationIdInContext(ctx, organizationId)

	inputs, baselineTotals := buildRecords(*baselineYear, *years)
	var inserted, skipped int
	var rejects []models.BatchReject
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		inserted, skipped, rejects, txErr = models.CreateMetricRecordsBatch(tx, ctx, organizationId, inputs)
		return txErr
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to insert records: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Records: inserted=%d skipped=%d rejected=%d\n", inserted, skipped, len(rejects))
	for _, reject := range rejects {
		fmt.Fprintf(os.Stderr, "  reject row=%d metric=%s: %s\n", reject.Index, reject.Metric, reject.Reason)
	}

	if _, err := models.GetBaselineDefinition(ctx, models.MetricDomainEmissions); err != nil {
		baseline, err := models.CreateBaselineDefinition(ctx, &models.NewBaselineDefinition{
			Domain:        models.MetricDomainEmissions,
			BaselineYear:  *baselineYear,
			BaselineValue: baselineTotals.Total,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create baseline: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Baseline %d: %s t (scope1=%s scope2=%s scope3=%s)\n",
			baseline.BaselineYear, baseline.BaselineValue,
			baselineTotals.Scope1, baselineTotals.Scope2, baselineTotals.Scope3)
	}

	existingTargets, err := models.GetSustainabilityTargets(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list targets: %v\n", err)
		os.Exit(1)
	}
	if len(existingTargets) == 0 {
		for _, spec := range []struct {
			year     int
			fraction float64
		}{
			{*baselineYear + 8, 0.30},
			{*baselineYear + 13, 0.50},
		} {
			target, err := models.CreateSustainabilityTarget(ctx, &models.NewSustainabilityTarget{
				Domain:            models.MetricDomainEmissions,
				TargetYear:        spec.year,
				ReductionFraction: decimal.NewFromFloat(spec.fraction),
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to create target %d: %v\n", spec.year, err)
				os.Exit(1)
			}
			fmt.Printf("Target %d: %s t (reduction %s)\n", target.TargetYear, target.TargetValue, target.ReductionFraction)
		}
	}

	var backfilled int
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		backfilled, txErr = models.BackfillMetricTrackingHistory(tx, ctx, &organization)
		return txErr
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to backfill tracking history: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Tracking history rows created: %d\n", backfilled)

	fmt.Println("Seed complete")
}

// buildRecords generates deterministic monthly rows for every profile metric
// and accumulates the baseline-year scope sums as a side product. Emissions
// shrink ~4% per year after the baseline so trends and forecasts have a slope
// worth looking at.
func buildRecords(baselineYear, years int) ([]*models.NewMetricRecord, models.ScopeTotals) {
	var inputs []*models.NewMetricRecord
	var scope1Kg, scope2Kg, scope3Kg decimal.Decimal

	for yearOffset := 0; yearOffset < years; yearOffset++ {
		year := baselineYear + yearOffset
		drift := 1.0 - 0.04*float64(yearOffset)
		for month := 1; month <= 12; month++ {
			factor := seasonal[month-1] * drift
			start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
			end := start.AddDate(0, 1, 0)
			for _, metric := range demoProfile {
				value := decimal.NewFromFloat(metric.monthlyValue * factor).Round(4)
				kg := decimal.NewFromFloat(metric.monthlyKg * factor).Round(4)
				if metric.domain != models.MetricDomainEmissions {
					kg = decimal.Zero
				}
				inputs = append(inputs, &models.NewMetricRecord{
					MetricId:    metric.metricId,
					Value:       value,
					Co2eKg:      kg,
					PeriodStart: models.MyDateString(start),
					PeriodEnd:   models.MyDateString(end),
					Source:      "seed-demo",
				})
				if yearOffset == 0 {
					switch metric.scope {
					case models.Scope1:
						scope1Kg = scope1Kg.Add(kg)
					case models.Scope2:
						scope2Kg = scope2Kg.Add(kg)
					case models.Scope3:
						scope3Kg = scope3Kg.Add(kg)
					}
				}
			}
		}
	}
	return inputs, models.PublishScopeTotals(scope1Kg, scope2Kg, scope3Kg)
}
