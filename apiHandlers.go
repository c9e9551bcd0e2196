package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/middlewares"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/models/reports"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"bitbucket.org/carbonview/emissions_backend/workflow"
)

var tracer trace.Tracer = otel.Tracer("emissions-backend")

// httpStatusForError maps the shared error taxonomy onto HTTP statuses. Every
// handler funnels failures through respondError so clients see one shape.
func httpStatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, utils.ErrorInvalidRange):
		return http.StatusBadRequest, "invalid_range"
	case errors.Is(err, utils.ErrorUnknownMetric):
		return http.StatusNotFound, "unknown_metric"
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, utils.ErrorAlreadyFinalized):
		return http.StatusConflict, "already_finalized"
	case errors.Is(err, utils.ErrorInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, utils.ErrorConcurrencyConflict):
		return http.StatusLocked, "concurrency_conflict"
	case errors.Is(err, utils.ErrorDuplicateRecord):
		return http.StatusConflict, "duplicate_record"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func respondError(c *gin.Context, err error) {
	status, code := httpStatusForError(err)
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "apiHandlers.go", c.FullPath(), "RequestFailed", c.Request.URL.String(), err)
		// Internal detail stays in the logs; the correlation id is enough to find it.
		c.JSON(status, gin.H{"error": "internal error", "code": code, "correlation_id": cid})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code, "correlation_id": cid})
}

func respondValidationError(c *gin.Context, message string) {
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	c.JSON(http.StatusBadRequest, gin.H{"error": message, "code": "validation_failed", "correlation_id": cid})
}

func requireOrganization(c *gin.Context) (string, bool) {
	organizationId, ok := utils.GetOrganizationIdFromContext(c.Request.Context())
	if !ok || organizationId == "" {
		respondValidationError(c, "organization id is required")
		return "", false
	}
	return organizationId, true
}

// queryDate parses a date query parameter through the same decoder the JSON
// bodies use, so "2025-04-01" and RFC3339 both work everywhere.
func queryDate(c *gin.Context, name string) (models.MyDateString, bool, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return models.MyDateString{}, false, nil
	}
	var date models.MyDateString
	if err := date.UnmarshalJSON([]byte(strconv.Quote(raw))); err != nil {
		return models.MyDateString{}, false, errors.New("invalid " + name + " date")
	}
	return date, true, nil
}

func queryRange(c *gin.Context) (models.MyDateString, models.MyDateString, bool) {
	from, ok, err := queryDate(c, "from")
	if err != nil {
		respondValidationError(c, err.Error())
		return models.MyDateString{}, models.MyDateString{}, false
	}
	if !ok {
		respondValidationError(c, "from is required")
		return models.MyDateString{}, models.MyDateString{}, false
	}
	to, ok, err := queryDate(c, "to")
	if err != nil {
		respondValidationError(c, err.Error())
		return models.MyDateString{}, models.MyDateString{}, false
	}
	if !ok {
		respondValidationError(c, "to is required")
		return models.MyDateString{}, models.MyDateString{}, false
	}
	return from, to, true
}

func queryDomain(c *gin.Context) (models.MetricDomain, bool) {
	raw := strings.TrimSpace(c.Query("domain"))
	if raw == "" {
		return models.MetricDomainEmissions, true
	}
	domain, err := models.ParseMetricDomain(raw)
	if err != nil {
		respondValidationError(c, err.Error())
		return "", false
	}
	return domain, true
}

func queryYear(c *gin.Context) (int, bool) {
	raw := strings.TrimSpace(c.Query("year"))
	if raw == "" {
		return time.Now().UTC().Year(), true
	}
	year, err := strconv.Atoi(raw)
	if err != nil || year < 1990 || year > 2999 {
		respondValidationError(c, "invalid year")
		return 0, false
	}
	return year, true
}

func periodEmissionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		from, to, ok := queryRange(c)
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "reports.period_emissions")
		defer span.End()

		result, err := reports.GetPeriodEmissions(ctx, from, to)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func scopeBreakdownHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		from, to, ok := queryRange(c)
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "reports.scope_breakdown")
		defer span.End()

		result, err := reports.GetScopeBreakdown(ctx, from, to)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func categoryBreakdownHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		from, to, ok := queryRange(c)
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "reports.category_breakdown")
		defer span.End()

		result, err := reports.GetCategoryBreakdown(ctx, from, to)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func monthlyEmissionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		from, to, ok := queryRange(c)
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "reports.monthly_emissions")
		defer span.End()

		result, err := reports.GetMonthlyEmissions(ctx, from, to)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func yoyComparisonHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		domain, ok := queryDomain(c)
		if !ok {
			return
		}
		year, ok := queryYear(c)
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "reports.yoy_comparison")
		defer span.End()

		result, err := reports.GetYoYComparison(ctx, domain, year)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// intensityHandler accepts optional denominator overrides as query parameters
// so a client can model "what if headcount were X" without touching the
// organization profile.
func intensityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		from, to, ok := queryRange(c)
		if !ok {
			return
		}

		var overrides *models.NewIntensityDenominators
		if raw := strings.TrimSpace(c.Query("employee_count")); raw != "" {
			count, err := strconv.Atoi(raw)
			if err != nil || count < 0 {
				respondValidationError(c, "invalid employee_count")
				return
			}
			overrides = &models.NewIntensityDenominators{EmployeeCount: count}
		}
		if raw := strings.TrimSpace(c.Query("revenue_musd")); raw != "" {
			revenue, err := decimal.NewFromString(raw)
			if err != nil || revenue.IsNegative() {
				respondValidationError(c, "invalid revenue_musd")
				return
			}
			if overrides == nil {
				overrides = &models.NewIntensityDenominators{}
			}
			overrides.RevenueMUSD = &revenue
		}
		if raw := strings.TrimSpace(c.Query("floor_area_sqm")); raw != "" {
			area, err := decimal.NewFromString(raw)
			if err != nil || area.IsNegative() {
				respondValidationError(c, "invalid floor_area_sqm")
				return
			}
			if overrides == nil {
				overrides = &models.NewIntensityDenominators{}
			}
			overrides.FloorAreaSqm = &area
		}

		ctx, span := tracer.Start(c.Request.Context(), "reports.intensity")
		defer span.End()

		result, err := reports.GetIntensityMetrics(ctx, from, to, overrides)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func topSourcesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		from, to, ok := queryRange(c)
		if !ok {
			return
		}
		limit := 0
		if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 50 {
				respondValidationError(c, "limit must be between 1 and 50")
				return
			}
			limit = n
		}
		ctx, span := tracer.Start(c.Request.Context(), "reports.top_sources")
		defer span.End()

		result, err := reports.GetTopEmissionSources(ctx, from, to, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func forecastHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		domain, ok := queryDomain(c)
		if !ok {
			return
		}
		year, ok := queryYear(c)
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "reports.forecast")
		defer span.End()

		result, err := reports.GetProjectedAnnual(ctx, domain, year)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func domainUsageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		domain, err := models.ParseMetricDomain(c.Param("domain"))
		if err != nil {
			respondValidationError(c, err.Error())
			return
		}
		from, to, ok := queryRange(c)
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "reports.domain_usage")
		defer span.End()

		result, err := reports.GetDomainUsageTotal(ctx, domain, from, to)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func targetProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		domain, ok := queryDomain(c)
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "reports.target_progress")
		defer span.End()

		result, err := reports.GetProgressToTarget(ctx, domain)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func listRestatementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		var status *models.RestatementStatus
		if raw := strings.TrimSpace(c.Query("status")); raw != "" {
			var parsed models.RestatementStatus
			if err := parsed.UnmarshalJSON([]byte(strconv.Quote(raw))); err != nil {
				respondValidationError(c, err.Error())
				return
			}
			status = &parsed
		}
		results, err := models.GetRestatements(c.Request.Context(), status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": results})
	}
}

func createRestatementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		var input models.NewBaselineRestatement
		if err := c.ShouldBindJSON(&input); err != nil {
			respondValidationError(c, err.Error())
			return
		}
		restatement, err := workflow.CreateRestatement(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, restatement)
	}
}

func detectNewMetricsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		baselineYear := 0
		if raw := strings.TrimSpace(c.Query("baseline_year")); raw != "" {
			year, err := strconv.Atoi(raw)
			if err != nil || year < 1990 || year > 2999 {
				respondValidationError(c, "invalid baseline_year")
				return
			}
			baselineYear = year
		}
		candidates, err := workflow.DetectNewMetrics(c.Request.Context(), baselineYear)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": candidates})
	}
}

// getRestatementHandler goes through the request-scoped dataloaders so a burst
// of detail fetches (the review UI polls) coalesces into two queries.
func getRestatementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := requireOrganization(c)
		if !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			respondValidationError(c, "invalid restatement id")
			return
		}

		ctx := c.Request.Context()
		restatement, err := middlewares.GetRestatement(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		// The loader hands back a zero default for unknown ids.
		if restatement == nil || restatement.OrganizationId != organizationId {
			respondError(c, utils.ErrorRecordNotFound)
			return
		}
		metrics, err := middlewares.GetRestatementMetrics(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		restatement.Metrics = make([]models.RestatementMetric, 0, len(metrics))
		for _, metric := range metrics {
			restatement.Metrics = append(restatement.Metrics, *metric)
		}
		c.JSON(http.StatusOK, restatement)
	}
}

func transitionRestatementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			respondValidationError(c, "invalid restatement id")
			return
		}
		action, err := models.ParseRestatementAction(c.Param("action"))
		if err != nil {
			respondValidationError(c, err.Error())
			return
		}

		actor, _ := utils.GetUserNameFromContext(c.Request.Context())
		if actor == "" {
			actor = "System"
		}
		restatement, err := workflow.TransitionRestatement(c.Request.Context(), id, action, actor)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, restatement)
	}
}

// inventoryExportHandler streams the workbook by default; ?upload=1 stores it
// in the bucket instead and answers with a short-lived signed URL, for clients
// that cannot hold a streaming download open.
func inventoryExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireOrganization(c); !ok {
			return
		}
		from, to, ok := queryRange(c)
		if !ok {
			return
		}
		ctx, span := tracer.Start(c.Request.Context(), "reports.inventory_export")
		defer span.End()

		workbook, err := reports.BuildInventoryWorkbook(ctx, from, to)
		if err != nil {
			respondError(c, err)
			return
		}

		if c.Query("upload") == "1" {
			signed, err := reports.UploadInventoryWorkbook(ctx, workbook, from, to)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, signed)
			return
		}

		filename := reports.InventoryExportFilename(from, to)
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Status(http.StatusOK)
		if err := workbook.Write(c.Writer); err != nil {
			config.LogError(config.GetLogger(), "apiHandlers.go", "inventoryExportHandler", "WriteWorkbook", filename, err)
		}
	}
}
