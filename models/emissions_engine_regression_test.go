package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/models/reports"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"bitbucket.org/carbonview/emissions_backend/workflow"
	"github.com/sirupsen/logrus"
)

func TestRestatementApplyPublishesRoundedBaselineAndRecomputesTargets(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "carbonview_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Maya")

	// 1) Organization with a 2022 baseline year.
	org, err := models.CreateOrganization(ctx, &models.NewOrganization{
		Name:         "Acme Industrial",
		Email:        "sustainability@acme.test",
		Timezone:     "UTC",
		BaselineYear: 2022,
	})
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	organizationID := org.ID.String()
	ctx = utils.SetOrganizationIdInContext(ctx, organizationID)

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}
	if err := models.SeedMetricCatalog(db.WithContext(ctx), ctx); err != nil {
		t.Fatalf("SeedMetricCatalog: %v", err)
	}

	// 2) Baseline stores at published precision: 413.36 rounds to 413.4.
	baseline, err := models.CreateBaselineDefinition(ctx, &models.NewBaselineDefinition{
		Domain:        models.MetricDomainEmissions,
		BaselineYear:  2022,
		BaselineValue: dec(t, "413.36"),
	})
	if err != nil {
		t.Fatalf("CreateBaselineDefinition: %v", err)
	}
	if !baseline.BaselineValue.Equal(dec(t, "413.4")) {
		t.Fatalf("expected stored baseline 413.4; got %s", baseline.BaselineValue)
	}

	// 3) Two reduction targets derive their value from the stored baseline.
	target2030, err := models.CreateSustainabilityTarget(ctx, &models.NewSustainabilityTarget{
		Domain:            models.MetricDomainEmissions,
		TargetYear:        2030,
		ReductionFraction: dec(t, "0.30"),
	})
	if err != nil {
		t.Fatalf("CreateSustainabilityTarget(2030): %v", err)
	}
	target2035, err := models.CreateSustainabilityTarget(ctx, &models.NewSustainabilityTarget{
		Domain:            models.MetricDomainEmissions,
		TargetYear:        2035,
		ReductionFraction: dec(t, "0.50"),
	})
	if err != nil {
		t.Fatalf("CreateSustainabilityTarget(2035): %v", err)
	}
	if !target2030.TargetValue.Equal(dec(t, "289.38")) {
		t.Fatalf("expected 2030 target 289.38; got %s", target2030.TargetValue)
	}
	if !target2035.TargetValue.Equal(dec(t, "206.7")) {
		t.Fatalf("expected 2035 target 206.7; got %s", target2035.TargetValue)
	}

	// 4) Draft restatement: the restated value is exact, not rounded.
	restatement, err := workflow.CreateRestatement(ctx, &models.NewBaselineRestatement{
		Reason: "Supplier data for purchased goods and upstream logistics became available",
		Metrics: []models.NewRestatementMetric{
			{
				MetricId:                   "purchased_goods_services",
				EstimatedBaselineEmissions: dec(t, "25.14"),
				EstimationMethod:           models.EstimationMethodSectorAverage,
				Confidence:                 models.EstimateConfidenceMedium,
			},
			{
				MetricId:                   "upstream_logistics",
				EstimatedBaselineEmissions: dec(t, "11.46"),
				EstimationMethod:           models.EstimationMethodProxyYear,
				Confidence:                 models.EstimateConfidenceHigh,
			},
		},
	})
	if err != nil {
		t.Fatalf("CreateRestatement: %v", err)
	}
	if restatement.Status != models.RestatementStatusDraft {
		t.Fatalf("expected draft; got %s", restatement.Status)
	}
	if !restatement.OriginalBaselineValue.Equal(dec(t, "413.4")) {
		t.Fatalf("expected original 413.4; got %s", restatement.OriginalBaselineValue)
	}
	if !restatement.RestatedBaselineValue.Equal(dec(t, "450")) {
		t.Fatalf("expected exact restated 450.00; got %s", restatement.RestatedBaselineValue)
	}

	// 5) Approve then apply by a second reviewer.
	approved, err := workflow.TransitionRestatement(ctx, restatement.ID, models.RestatementActionApprove, "Elena")
	if err != nil {
		t.Fatalf("TransitionRestatement(approve): %v", err)
	}
	if approved.Status != models.RestatementStatusApproved || approved.ApprovedBy == nil || *approved.ApprovedBy != "Elena" {
		t.Fatalf("expected approved by Elena; got %+v", approved)
	}

	applied, err := workflow.TransitionRestatement(ctx, restatement.ID, models.RestatementActionApply, "Elena")
	if err != nil {
		t.Fatalf("TransitionRestatement(apply): %v", err)
	}
	if applied.Status != models.RestatementStatusApplied || applied.AppliedAt == nil {
		t.Fatalf("expected applied; got %+v", applied)
	}

	// 6) Apply published the rounded restated value and recomputed targets.
	var publishedBaseline models.BaselineDefinition
	if err := db.WithContext(ctx).Where("id = ?", baseline.ID).First(&publishedBaseline).Error; err != nil {
		t.Fatalf("reload baseline: %v", err)
	}
	if !publishedBaseline.BaselineValue.Equal(dec(t, "450")) {
		t.Fatalf("expected published baseline 450.0; got %s", publishedBaseline.BaselineValue)
	}
	targets, err := models.GetSustainabilityTargets(ctx, nil)
	if err != nil {
		t.Fatalf("GetSustainabilityTargets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets; got %d", len(targets))
	}
	if !targets[0].TargetValue.Equal(dec(t, "315")) {
		t.Fatalf("expected recomputed 2030 target 315; got %s", targets[0].TargetValue)
	}
	if !targets[1].TargetValue.Equal(dec(t, "225")) {
		t.Fatalf("expected recomputed 2035 target 225; got %s", targets[1].TargetValue)
	}

	// 7) Redelivered transitions on a finalized restatement answer precisely.
	if _, err := workflow.TransitionRestatement(ctx, restatement.ID, models.RestatementActionApply, "Elena"); err != utils.ErrorAlreadyFinalized {
		t.Fatalf("expected ErrorAlreadyFinalized on redelivered apply; got %v", err)
	}
	if _, err := workflow.TransitionRestatement(ctx, restatement.ID, models.RestatementActionApprove, "Elena"); err != utils.ErrorAlreadyFinalized {
		t.Fatalf("expected ErrorAlreadyFinalized on late approve; got %v", err)
	}

	// 8) Apply queued a baseline.restated outbox event; drive it like the
	// worker would and verify it marks itself processed.
	var outbox models.OutboxEvent
	if err := db.WithContext(ctx).
		Where("organization_id = ? AND reference_type = ? AND event_type = ?",
			organizationID, models.ReferenceTypeBaseline, models.EventBaselineRestated).
		Order("id DESC").
		First(&outbox).Error; err != nil {
		t.Fatalf("expected baseline.restated outbox event: %v", err)
	}
	if outbox.IsProcessed {
		t.Fatalf("outbox event processed before any worker ran")
	}
	var payloadBaseline models.BaselineDefinition
	if err := utils.UnmarshalFromJSON(outbox.Payload, &payloadBaseline); err != nil {
		t.Fatalf("failed to decode baseline.restated payload: %v", err)
	}
	if !payloadBaseline.BaselineValue.Equal(dec(t, "450")) {
		t.Fatalf("baseline.restated payload carries %s, want 450", payloadBaseline.BaselineValue)
	}

	msg := models.ConvertToPubSubMessage(outbox)
	logger := logrus.New()
	wtx := db.Begin()
	if err := workflow.ProcessEngineEvent(wtx, logger, msg); err != nil {
		t.Fatalf("ProcessEngineEvent: %v", err)
	}
	if err := wtx.Commit().Error; err != nil {
		t.Fatalf("ProcessEngineEvent commit: %v", err)
	}
	if err := db.WithContext(ctx).Where("id = ?", outbox.ID).First(&outbox).Error; err != nil {
		t.Fatalf("reload outbox event: %v", err)
	}
	if !outbox.IsProcessed || outbox.ProcessedAt == nil {
		t.Fatalf("expected outbox event processed; got %+v", outbox)
	}

	// 9) With the approver flag on, the requester cannot approve their own
	// restatement.
	t.Setenv("RESTATEMENT_DISTINCT_APPROVER", "true")
	second, err := workflow.CreateRestatement(ctx, &models.NewBaselineRestatement{
		Reason: "Refrigerant audit found unreported leakage",
		Metrics: []models.NewRestatementMetric{
			{
				MetricId:                   "refrigerant_leakage",
				EstimatedBaselineEmissions: dec(t, "3.3"),
				EstimationMethod:           models.EstimationMethodManual,
				Confidence:                 models.EstimateConfidenceLow,
			},
		},
	})
	if err != nil {
		t.Fatalf("CreateRestatement(second): %v", err)
	}
	if second.SequenceNo != restatement.SequenceNo+1 {
		t.Fatalf("expected sequence %d; got %d", restatement.SequenceNo+1, second.SequenceNo)
	}
	if _, err := workflow.TransitionRestatement(ctx, second.ID, models.RestatementActionApprove, "Maya"); err == nil {
		t.Fatalf("expected self-approval to be rejected")
	}
	if _, err := workflow.TransitionRestatement(ctx, second.ID, models.RestatementActionApprove, "Elena"); err != nil {
		t.Fatalf("TransitionRestatement(approve, distinct): %v", err)
	}
}

func TestMetricBatchRedeliveryAndNewMetricDetection(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "carbonview_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 2)
	ctx = utils.SetUserNameInContext(ctx, "Ingest")

	org, err := models.CreateOrganization(ctx, &models.NewOrganization{
		Name:         "Volt Components",
		Email:        "esg@volt.test",
		Timezone:     "UTC",
		BaselineYear: 2022,
	})
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	organizationID := org.ID.String()
	ctx = utils.SetOrganizationIdInContext(ctx, organizationID)

	db := config.GetDB()
	if err := models.SeedMetricCatalog(db.WithContext(ctx), ctx); err != nil {
		t.Fatalf("SeedMetricCatalog: %v", err)
	}
	if _, err := models.CreateBaselineDefinition(ctx, &models.NewBaselineDefinition{
		Domain:        models.MetricDomainEmissions,
		BaselineYear:  2022,
		BaselineValue: dec(t, "300"),
	}); err != nil {
		t.Fatalf("CreateBaselineDefinition: %v", err)
	}

	// 1) One delivered batch: three emissions scopes, one usage metric, one
	// unknown metric id. Kilogram choices make every scope round up or down
	// differently from the raw sum.
	march1 := models.MyDateString(time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC))
	march31 := models.MyDateString(time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC))
	batch := []*models.NewMetricRecord{
		{MetricId: "natural_gas_heating", Value: dec(t, "520"), Co2eKg: dec(t, "100140"), PeriodStart: march1, PeriodEnd: march31, Source: "meterflow"},
		{MetricId: "electricity_grid", Value: dec(t, "310"), Co2eKg: dec(t, "100240"), PeriodStart: march1, PeriodEnd: march31, Source: "meterflow"},
		{MetricId: "flights_business", Value: dec(t, "412000"), Co2eKg: dec(t, "103170"), PeriodStart: march1, PeriodEnd: march31, Source: "travel-desk"},
		{MetricId: "water_municipal", Value: dec(t, "120"), PeriodStart: march1, PeriodEnd: march31, Source: "meterflow"},
		{MetricId: "boiler_v2", Value: dec(t, "10"), Co2eKg: dec(t, "999"), PeriodStart: march1, PeriodEnd: march31, Source: "meterflow"},
	}

	wtx := db.Begin()
	inserted, skipped, rejects, err := models.CreateMetricRecordsBatch(wtx, ctx, organizationID, batch)
	if err != nil {
		wtx.Rollback()
		t.Fatalf("CreateMetricRecordsBatch: %v", err)
	}
	if err := wtx.Commit().Error; err != nil {
		t.Fatalf("CreateMetricRecordsBatch commit: %v", err)
	}
	if inserted != 4 || skipped != 0 || len(rejects) != 1 {
		t.Fatalf("expected inserted=4 skipped=0 rejects=1; got %d/%d/%d", inserted, skipped, len(rejects))
	}
	if rejects[0].Metric != "boiler_v2" {
		t.Fatalf("expected boiler_v2 rejected; got %+v", rejects[0])
	}

	// 2) The period report rounds each scope before summing: 100.1 + 100.2 +
	// 103.2 = 303.5, while the raw kilogram sum would round to 303.6.
	period, err := reports.GetPeriodEmissions(ctx, march1, march31)
	if err != nil {
		t.Fatalf("GetPeriodEmissions: %v", err)
	}
	if !period.Scope1.Equal(dec(t, "100.1")) || !period.Scope2.Equal(dec(t, "100.2")) || !period.Scope3.Equal(dec(t, "103.2")) {
		t.Fatalf("expected scopes 100.1/100.2/103.2; got %s/%s/%s", period.Scope1, period.Scope2, period.Scope3)
	}
	if !period.Total.Equal(dec(t, "303.5")) {
		t.Fatalf("expected total 303.5; got %s", period.Total)
	}
	if period.Unit != "tCO2e" {
		t.Fatalf("expected unit tCO2e; got %s", period.Unit)
	}
	if period.ExcludedCount != 0 {
		t.Fatalf("expected no excluded records; got %d", period.ExcludedCount)
	}

	// Intensity over the same period: a zero denominator yields a nil member,
	// positive revenue a 4dp ratio of the published total.
	revenueMUSD := dec(t, "2.5")
	intensity, err := reports.GetIntensityMetrics(ctx, march1, march31, &models.NewIntensityDenominators{
		EmployeeCount: 0,
		RevenueMUSD:   &revenueMUSD,
	})
	if err != nil {
		t.Fatalf("GetIntensityMetrics: %v", err)
	}
	if intensity.PerEmployee != nil {
		t.Fatalf("expected nil per-employee intensity for zero employees; got %s", intensity.PerEmployee)
	}
	if intensity.PerFloorArea != nil {
		t.Fatalf("expected nil floor-area intensity without a profile value; got %s", intensity.PerFloorArea)
	}
	if intensity.PerRevenueMUSD == nil || !intensity.PerRevenueMUSD.Equal(dec(t, "121.4")) {
		t.Fatalf("expected per-revenue intensity 121.4; got %v", intensity.PerRevenueMUSD)
	}

	// 3) Redelivering the whole batch converges: nothing inserted twice, the
	// bad row still rejected.
	wtx = db.Begin()
	inserted, skipped, rejects, err = models.CreateMetricRecordsBatch(wtx, ctx, organizationID, batch)
	if err != nil {
		wtx.Rollback()
		t.Fatalf("CreateMetricRecordsBatch(redelivery): %v", err)
	}
	if err := wtx.Commit().Error; err != nil {
		t.Fatalf("CreateMetricRecordsBatch(redelivery) commit: %v", err)
	}
	if inserted != 0 || skipped != 4 || len(rejects) != 1 {
		t.Fatalf("redelivery: expected inserted=0 skipped=4 rejects=1; got %d/%d/%d", inserted, skipped, len(rejects))
	}

	// 4) Every emissions metric first seen after 2022 is a new-metric
	// candidate. The usage metric is not, whatever its values.
	candidates, err := workflow.DetectNewMetrics(ctx, 2022)
	if err != nil {
		t.Fatalf("DetectNewMetrics: %v", err)
	}
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.MetricId)
	}
	if len(ids) != 3 || ids[0] != "electricity_grid" || ids[1] != "flights_business" || ids[2] != "natural_gas_heating" {
		t.Fatalf("expected candidates electricity_grid/flights_business/natural_gas_heating; got %v", ids)
	}
	for _, c := range candidates {
		if c.MetricId == "natural_gas_heating" && !c.TotalEmissions.Equal(dec(t, "100.1")) {
			t.Fatalf("expected natural_gas_heating total 100.1; got %s", c.TotalEmissions)
		}
	}

	// 5) Estimating one candidate through an applied restatement retires it
	// from detection.
	restatement, err := workflow.CreateRestatement(ctx, &models.NewBaselineRestatement{
		Reason: "Gas heating metered from 2023; estimating its 2022 share",
		Metrics: []models.NewRestatementMetric{
			{
				MetricId:                   "natural_gas_heating",
				EstimatedBaselineEmissions: dec(t, "8.4"),
				EstimationMethod:           models.EstimationMethodExtrapolation,
				Confidence:                 models.EstimateConfidenceMedium,
			},
		},
	})
	if err != nil {
		t.Fatalf("CreateRestatement: %v", err)
	}
	if _, err := workflow.TransitionRestatement(ctx, restatement.ID, models.RestatementActionApprove, "Clara"); err != nil {
		t.Fatalf("TransitionRestatement(approve): %v", err)
	}
	if _, err := workflow.TransitionRestatement(ctx, restatement.ID, models.RestatementActionApply, "Clara"); err != nil {
		t.Fatalf("TransitionRestatement(apply): %v", err)
	}

	baseline, err := models.GetBaselineDefinition(ctx, models.MetricDomainEmissions)
	if err != nil {
		t.Fatalf("GetBaselineDefinition: %v", err)
	}
	if !baseline.BaselineValue.Equal(dec(t, "308.4")) {
		t.Fatalf("expected restated baseline 308.4; got %s", baseline.BaselineValue)
	}

	candidates, err = workflow.DetectNewMetrics(ctx, 2022)
	if err != nil {
		t.Fatalf("DetectNewMetrics(after apply): %v", err)
	}
	for _, c := range candidates {
		if c.MetricId == "natural_gas_heating" {
			t.Fatalf("estimated metric still detected as new: %+v", c)
		}
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 remaining candidates; got %d", len(candidates))
	}

	// 6) Durable idempotency: a finished message id skips, an in-flight one
	// reports in-progress instead of running twice.
	wtx = db.Begin()
	skip, err := workflow.BeginIdempotency(wtx, organizationID, "activity_batch", "mf-batch-0001")
	if err != nil || skip {
		wtx.Rollback()
		t.Fatalf("BeginIdempotency(first): skip=%v err=%v", skip, err)
	}
	if err := workflow.MarkIdempotencySucceeded(wtx, organizationID, "activity_batch", "mf-batch-0001"); err != nil {
		wtx.Rollback()
		t.Fatalf("MarkIdempotencySucceeded: %v", err)
	}
	if err := wtx.Commit().Error; err != nil {
		t.Fatalf("idempotency commit: %v", err)
	}

	wtx = db.Begin()
	skip, err = workflow.BeginIdempotency(wtx, organizationID, "activity_batch", "mf-batch-0001")
	if err != nil || !skip {
		wtx.Rollback()
		t.Fatalf("BeginIdempotency(redelivery): expected skip; got skip=%v err=%v", skip, err)
	}
	if err := wtx.Commit().Error; err != nil {
		t.Fatalf("idempotency redelivery commit: %v", err)
	}

	wtx = db.Begin()
	if skip, err := workflow.BeginIdempotency(wtx, organizationID, "activity_batch", "mf-batch-0002"); err != nil || skip {
		wtx.Rollback()
		t.Fatalf("BeginIdempotency(in-flight claim): skip=%v err=%v", skip, err)
	}
	if err := wtx.Commit().Error; err != nil {
		t.Fatalf("in-flight claim commit: %v", err)
	}
	wtx = db.Begin()
	if _, err := workflow.BeginIdempotency(wtx, organizationID, "activity_batch", "mf-batch-0002"); !errors.Is(err, workflow.ErrIdempotencyInProgress) {
		wtx.Rollback()
		t.Fatalf("expected ErrIdempotencyInProgress; got %v", err)
	}
	wtx.Rollback()
}

func TestForecastMethodSelectionByHistoryDepth(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "carbonview_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 3)
	ctx = utils.SetUserNameInContext(ctx, "Forecast")

	now := time.Now().UTC()
	year := now.Year()
	currentMonthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	org, err := models.CreateOrganization(ctx, &models.NewOrganization{
		Name:         "Helios Manufacturing",
		Email:        "ops@helios.test",
		Timezone:     "UTC",
		BaselineYear: year - 2,
	})
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	ctx = utils.SetOrganizationIdInContext(ctx, org.ID.String())

	db := config.GetDB()
	if err := models.SeedMetricCatalog(db.WithContext(ctx), ctx); err != nil {
		t.Fatalf("SeedMetricCatalog: %v", err)
	}

	// 1) 14 completed months of flat 100 tonnes covers every elapsed month of
	// the current year whatever today's date is. A constant series fits a
	// flat model, so actual plus forecast lands on 1200.0 all year round.
	var batch []*models.NewMetricRecord
	for i := 1; i <= 14; i++ {
		monthStart := currentMonthStart.AddDate(0, -i, 0)
		batch = append(batch, &models.NewMetricRecord{
			MetricId:    "electricity_grid",
			Value:       dec(t, "250"),
			Co2eKg:      dec(t, "100000"),
			PeriodStart: models.MyDateString(monthStart),
			PeriodEnd:   models.MyDateString(monthStart.AddDate(0, 1, -1)),
			Source:      "meterflow",
		})
	}
	wtx := db.Begin()
	inserted, skipped, rejects, err := models.CreateMetricRecordsBatch(wtx, ctx, org.ID.String(), batch)
	if err != nil {
		wtx.Rollback()
		t.Fatalf("CreateMetricRecordsBatch: %v", err)
	}
	if err := wtx.Commit().Error; err != nil {
		t.Fatalf("CreateMetricRecordsBatch commit: %v", err)
	}
	if inserted != 14 || skipped != 0 || len(rejects) != 0 {
		t.Fatalf("expected 14 inserted; got %d/%d/%d", inserted, skipped, len(rejects))
	}

	modelResult, err := reports.GetProjectedAnnual(ctx, models.MetricDomainEmissions, year)
	if err != nil {
		t.Fatalf("GetProjectedAnnual(model): %v", err)
	}
	if modelResult.Method != models.ForecastMethodModel {
		t.Fatalf("expected model forecast with 14 months history; got %s", modelResult.Method)
	}
	if modelResult.ConfidencePercent != reports.ConfidenceModel {
		t.Fatalf("expected confidence %d; got %d", reports.ConfidenceModel, modelResult.ConfidencePercent)
	}
	if modelResult.MonthsOfHistory != 14 {
		t.Fatalf("expected 14 months of history; got %d", modelResult.MonthsOfHistory)
	}
	if !modelResult.ProjectedTotal.Equal(dec(t, "1200")) {
		t.Fatalf("expected projected total 1200.0; got %s", modelResult.ProjectedTotal)
	}
	if !modelResult.ActualEmissions.Add(modelResult.ForecastEmissions).Equal(modelResult.ProjectedTotal) {
		t.Fatalf("actual %s + forecast %s != projected %s",
			modelResult.ActualEmissions, modelResult.ForecastEmissions, modelResult.ProjectedTotal)
	}

	// 2) An active trajectory for the year beats the model regardless of
	// history. Planned at 90/month the projection must drop below 1200.
	points := make([]models.NewTrajectoryPoint, 0, 12)
	for m := 1; m <= 12; m++ {
		points = append(points, models.NewTrajectoryPoint{Month: m, PlannedValue: dec(t, "90")})
	}
	if _, err := models.CreateReductionTrajectory(ctx, &models.NewReductionTrajectory{
		Year:   year,
		Points: points,
	}); err != nil {
		t.Fatalf("CreateReductionTrajectory: %v", err)
	}

	trajectoryResult, err := reports.GetProjectedAnnual(ctx, models.MetricDomainEmissions, year)
	if err != nil {
		t.Fatalf("GetProjectedAnnual(trajectory): %v", err)
	}
	if trajectoryResult.Method != models.ForecastMethodTrajectory {
		t.Fatalf("expected trajectory forecast; got %s", trajectoryResult.Method)
	}
	if trajectoryResult.ConfidencePercent != reports.ConfidenceTrajectory {
		t.Fatalf("expected confidence %d; got %d", reports.ConfidenceTrajectory, trajectoryResult.ConfidencePercent)
	}
	if trajectoryResult.ProjectedTotal.LessThan(dec(t, "1080")) ||
		!trajectoryResult.ProjectedTotal.LessThan(dec(t, "1200")) {
		t.Fatalf("expected planned projection in [1080, 1200); got %s", trajectoryResult.ProjectedTotal)
	}

	// 3) A younger organization with three observed months falls back to the
	// run-rate extension.
	youngCtx := utils.SetUserIdInContext(context.Background(), 3)
	youngCtx = utils.SetUserNameInContext(youngCtx, "Forecast")
	young, err := models.CreateOrganization(youngCtx, &models.NewOrganization{
		Name:         "Lumen Retail",
		Email:        "ops@lumen.test",
		Timezone:     "UTC",
		BaselineYear: year - 1,
	})
	if err != nil {
		t.Fatalf("CreateOrganization(young): %v", err)
	}
	youngCtx = utils.SetOrganizationIdInContext(youngCtx, young.ID.String())

	var youngBatch []*models.NewMetricRecord
	for i := 1; i <= 3; i++ {
		monthStart := currentMonthStart.AddDate(0, -i, 0)
		youngBatch = append(youngBatch, &models.NewMetricRecord{
			MetricId:    "electricity_grid",
			Value:       dec(t, "125"),
			Co2eKg:      dec(t, "50000"),
			PeriodStart: models.MyDateString(monthStart),
			PeriodEnd:   models.MyDateString(monthStart.AddDate(0, 1, -1)),
			Source:      "meterflow",
		})
	}
	wtx = db.Begin()
	inserted, _, _, err = models.CreateMetricRecordsBatch(wtx, youngCtx, young.ID.String(), youngBatch)
	if err != nil {
		wtx.Rollback()
		t.Fatalf("CreateMetricRecordsBatch(young): %v", err)
	}
	if err := wtx.Commit().Error; err != nil {
		t.Fatalf("CreateMetricRecordsBatch(young) commit: %v", err)
	}
	if inserted != 3 {
		t.Fatalf("expected 3 inserted; got %d", inserted)
	}

	linearResult, err := reports.GetProjectedAnnual(youngCtx, models.MetricDomainEmissions, year)
	if err != nil {
		t.Fatalf("GetProjectedAnnual(linear): %v", err)
	}
	if linearResult.Method != models.ForecastMethodLinear {
		t.Fatalf("expected linear fallback with 3 months history; got %s", linearResult.Method)
	}
	if linearResult.ConfidencePercent != reports.ConfidenceLinear {
		t.Fatalf("expected confidence %d; got %d", reports.ConfidenceLinear, linearResult.ConfidencePercent)
	}
	if linearResult.MonthsOfHistory != 3 {
		t.Fatalf("expected 3 months of history; got %d", linearResult.MonthsOfHistory)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("emissions-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("emissions-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=carbonview_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
