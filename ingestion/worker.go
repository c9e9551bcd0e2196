package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// meterflowReading is one already-computed monthly activity value from the
// upstream collector. Emission factors were applied upstream, so co2e_kg
// arrives final and is stored as delivered. Value fields are loosely typed:
// depending on the portfolio export the feed sends bare numbers or strings
// like "1,234.5 kWh".
type meterflowReading struct {
	ID          string      `json:"id"`
	Series      string      `json:"series"`
	MetricId    string      `json:"metric_id"`
	PeriodStart string      `json:"period_start"`
	PeriodEnd   string      `json:"period_end"`
	Value       interface{} `json:"value"`
	Unit        string      `json:"unit"`
	Co2eKg      interface{} `json:"co2e_kg"`
	UpdatedAt   string      `json:"updated_at"`
}

func processSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	if payload.RunId == 0 || payload.OrganizationId == "" {
		return errors.New("invalid payload")
	}

	ctx = utils.SetOrganizationIdInContext(ctx, payload.OrganizationId)
	db := config.GetDB().WithContext(ctx)

	var run models.IntegrationSyncRun
	if err := db.Where("id = ? AND organization_id = ?", payload.RunId, payload.OrganizationId).Take(&run).Error; err != nil {
		return err
	}

	if run.Status == models.SyncRunStatusSuccess || run.Status == models.SyncRunStatusFailed || run.Status == models.SyncRunStatusPartial {
		return nil
	}

	var conn models.IntegrationConnection
	if err := db.Where("id = ? AND organization_id = ?", run.ConnectionId, payload.OrganizationId).Take(&conn).Error; err != nil {
		return err
	}
	if conn.Status != models.IntegrationStatusConnected {
		return errors.New("meterflow not connected")
	}

	domains := DecodeDomains(run.DomainsJSON)
	cursorState := DecodeCursorState(conn.CursorStateJSON)

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}

	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	client, err := newMeterflowClient(conn.AuthSecretRef)
	if err != nil {
		return err
	}

	stats := map[string]int{
		"emissions": 0,
		"energy":    0,
		"water":     0,
		"waste":     0,
	}
	errorCount := 0

	if domains.Emissions && config.IngestDomainsEnabled(string(models.MetricDomainEmissions)) {
		count, newCursor, newUpdatedSince, err := syncReadings(ctx, db, run.ID, payload.OrganizationId, conn, client, cursorState.Emissions, models.MetricDomainEmissions)
		if err != nil {
			errorCount++
			_ = createSyncError(ctx, db, run.ID, payload.OrganizationId, "emissions", "", "sync_failed", err.Error(), nil, true)
		} else {
			stats["emissions"] = count
			cursorState.Emissions = CursorEntry{UpdatedSince: newUpdatedSince, Cursor: newCursor}
		}
	}

	if domains.Energy && config.IngestDomainsEnabled(string(models.MetricDomainEnergy)) {
		count, newCursor, newUpdatedSince, err := syncReadings(ctx, db, run.ID, payload.OrganizationId, conn, client, cursorState.Energy, models.MetricDomainEnergy)
		if err != nil {
			errorCount++
			_ = createSyncError(ctx, db, run.ID, payload.OrganizationId, "energy", "", "sync_failed", err.Error(), nil, true)
		} else {
			stats["energy"] = count
			cursorState.Energy = CursorEntry{UpdatedSince: newUpdatedSince, Cursor: newCursor}
		}
	}

	if domains.Water && config.IngestDomainsEnabled(string(models.MetricDomainWater)) {
		count, newCursor, newUpdatedSince, err := syncReadings(ctx, db, run.ID, payload.OrganizationId, conn, client, cursorState.Water, models.MetricDomainWater)
		if err != nil {
			errorCount++
			_ = createSyncError(ctx, db, run.ID, payload.OrganizationId, "water", "", "sync_failed", err.Error(), nil, true)
		} else {
			stats["water"] = count
			cursorState.Water = CursorEntry{UpdatedSince: newUpdatedSince, Cursor: newCursor}
		}
	}

	if domains.Waste && config.IngestDomainsEnabled(string(models.MetricDomainWaste)) {
		count, newCursor, newUpdatedSince, err := syncReadings(ctx, db, run.ID, payload.OrganizationId, conn, client, cursorState.Waste, models.MetricDomainWaste)
		if err != nil {
			errorCount++
			_ = createSyncError(ctx, db, run.ID, payload.OrganizationId, "waste", "", "sync_failed", err.Error(), nil, true)
		} else {
			stats["waste"] = count
			cursorState.Waste = CursorEntry{UpdatedSince: newUpdatedSince, Cursor: newCursor}
		}
	}

	finishedAt := time.Now()
	durationMs := finishedAt.Sub(*startedAt).Milliseconds()
	status := models.SyncRunStatusSuccess
	totalSynced := stats["emissions"] + stats["energy"] + stats["water"] + stats["waste"]
	if errorCount > 0 && totalSynced == 0 {
		status = models.SyncRunStatusFailed
	} else if errorCount > 0 {
		status = models.SyncRunStatusPartial
	}

	statsJSON, _ := json.Marshal(stats)
	cursorJSON := EncodeCursorState(cursorState)
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":            status,
		"finished_at":       finishedAt,
		"duration_ms":       durationMs,
		"records_synced":    totalSynced,
		"error_count":       errorCount,
		"stats_json":        statsJSON,
		"cursor_state_json": cursorJSON,
	}).Error; err != nil {
		return err
	}

	connUpdates := map[string]interface{}{
		"last_sync_at":      finishedAt,
		"cursor_state_json": cursorJSON,
	}
	if status == models.SyncRunStatusSuccess {
		connUpdates["last_success_sync_at"] = finishedAt
	}
	if err := db.Model(&models.IntegrationConnection{}).
		Where("id = ? AND organization_id = ?", conn.ID, payload.OrganizationId).
		Updates(connUpdates).Error; err != nil {
		return err
	}

	return nil
}

func syncReadings(ctx context.Context, db *gorm.DB, runID uint, organizationId string, conn models.IntegrationConnection, client *meterflowClient, cursor CursorEntry, domain models.MetricDomain) (int, string, string, error) {
	updatedSince := strings.TrimSpace(cursor.UpdatedSince)
	if updatedSince == "" && conn.LastSuccessSyncAt != nil {
		updatedSince = conn.LastSuccessSyncAt.UTC().Format(time.RFC3339)
	}
	if updatedSince == "" {
		// Monthly values: a fresh connection backfills one reporting year.
		updatedSince = time.Now().AddDate(-1, 0, 0).UTC().Format(time.RFC3339)
	}

	nextCursor := strings.TrimSpace(cursor.Cursor)
	total := 0

	readingsPath := strings.TrimSpace(os.Getenv("METERFLOW_READINGS_PATH"))
	if readingsPath == "" {
		readingsPath = "/v1/readings"
	}

	for {
		params := url.Values{}
		params.Set("domain", string(domain))
		params.Set("updated_since", updatedSince)
		if nextCursor != "" {
			params.Set("cursor", nextCursor)
		}
		params.Set("limit", "200")

		resp, err := client.getList(ctx, readingsPath, params)
		if err != nil {
			return total, nextCursor, updatedSince, err
		}

		items := resp.Data
		if len(items) == 0 {
			items = resp.Items
		}

		for _, raw := range items {
			var reading meterflowReading
			if err := json.Unmarshal(raw, &reading); err != nil {
				_ = createSyncError(ctx, db, runID, organizationId, "reading", "", "invalid_payload", err.Error(), raw, true)
				continue
			}
			extID := strings.TrimSpace(reading.ID)
			if extID == "" {
				_ = createSyncError(ctx, db, runID, organizationId, "reading", "", "missing_id", "reading id missing", raw, false)
				continue
			}

			metricId, err := resolveSeriesMetric(ctx, db, organizationId, conn.ID, reading)
			if err != nil {
				_ = createSyncError(ctx, db, runID, organizationId, "series", strings.TrimSpace(reading.Series), "unknown_series", err.Error(), raw, false)
				continue
			}

			start, err := parsePeriodTime(reading.PeriodStart)
			if err != nil {
				_ = createSyncError(ctx, db, runID, organizationId, "reading", extID, "invalid_period", err.Error(), raw, false)
				continue
			}
			var end time.Time
			if strings.TrimSpace(reading.PeriodEnd) != "" {
				end, err = parsePeriodTime(reading.PeriodEnd)
				if err != nil {
					_ = createSyncError(ctx, db, runID, organizationId, "reading", extID, "invalid_period", err.Error(), raw, false)
					continue
				}
			}
			if end.IsZero() {
				// Upstream omits period_end for calendar-month readings.
				end = start.AddDate(0, 1, 0)
			}

			input := &models.NewMetricRecord{
				MetricId:    metricId,
				Value:       decimalFromReading(reading.Value),
				Co2eKg:      decimalFromReading(reading.Co2eKg),
				PeriodStart: models.MyDateString(start),
				PeriodEnd:   models.MyDateString(end),
				Source:      models.IntegrationProviderMeterFlow,
			}

			if _, err := models.CreateMetricRecord(ctx, input); err != nil {
				if errors.Is(err, utils.ErrorDuplicateRecord) {
					// Period already recorded by an earlier run; redelivery converges.
					total++
					continue
				}
				_ = createSyncError(ctx, db, runID, organizationId, "reading", extID, "sync_failed", err.Error(), raw, true)
				continue
			}
			total++
			if series := strings.TrimSpace(reading.Series); series != "" {
				_ = touchMapping(ctx, db, organizationId, conn.ID, models.IntegrationProviderMeterFlow, "series", series, metricId, reading.UpdatedAt)
			}
		}

		if resp.NextCursor == "" || (resp.HasMore != nil && !*resp.HasMore) {
			return total, resp.NextCursor, updatedSince, nil
		}
		nextCursor = resp.NextCursor
	}
}

// resolveSeriesMetric maps a reading onto a catalog metric. Readings carry
// either an explicit metric_id or a provider series code; series codes are
// remembered in the mapping table so each one is matched once.
func resolveSeriesMetric(ctx context.Context, db *gorm.DB, organizationId string, connectionId uint, reading meterflowReading) (string, error) {
	metricId := strings.TrimSpace(reading.MetricId)
	if metricId != "" {
		if _, err := models.ResolveMetric(ctx, metricId); err != nil {
			return "", err
		}
		return metricId, nil
	}

	series := strings.TrimSpace(reading.Series)
	if series == "" {
		return "", errors.New("reading carries neither metric_id nor series")
	}

	if mapping, err := findMapping(ctx, db, organizationId, connectionId, "series", series); err == nil && mapping != nil {
		return mapping.InternalId, nil
	}

	// Series codes that already match a catalog id map onto themselves.
	if _, err := models.ResolveMetric(ctx, series); err != nil {
		return "", err
	}
	_ = createMapping(ctx, db, organizationId, connectionId, "series", series, series)
	return series, nil
}

func findMapping(ctx context.Context, db *gorm.DB, organizationId string, connectionId uint, entityType string, externalId string) (*models.IntegrationEntityMapping, error) {
	var mapping models.IntegrationEntityMapping
	err := db.WithContext(ctx).
		Where("organization_id = ? AND connection_id = ? AND provider = ? AND entity_type = ? AND external_id = ?",
			organizationId, connectionId, models.IntegrationProviderMeterFlow, entityType, externalId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func createMapping(ctx context.Context, db *gorm.DB, organizationId string, connectionId uint, entityType string, externalId string, internalId string) error {
	mapping := models.IntegrationEntityMapping{
		OrganizationId: organizationId,
		ConnectionId:   connectionId,
		Provider:       models.IntegrationProviderMeterFlow,
		EntityType:     entityType,
		ExternalId:     externalId,
		InternalId:     internalId,
	}
	return db.WithContext(ctx).Create(&mapping).Error
}

func touchMapping(ctx context.Context, db *gorm.DB, organizationId string, connectionId uint, provider string, entityType string, externalId string, internalId string, updatedAt string) error {
	var metadata map[string]string
	if strings.TrimSpace(updatedAt) != "" {
		metadata = map[string]string{"updated_at": updatedAt}
	}
	metadataJSON, _ := json.Marshal(metadata)
	return db.WithContext(ctx).
		Model(&models.IntegrationEntityMapping{}).
		Where("organization_id = ? AND connection_id = ? AND provider = ? AND entity_type = ? AND external_id = ?",
			organizationId, connectionId, provider, entityType, externalId).
		Updates(map[string]interface{}{
			"internal_id":   internalId,
			"last_seen_at":  time.Now(),
			"metadata_json": metadataJSON,
		}).Error
}

func createSyncError(ctx context.Context, db *gorm.DB, runId uint, organizationId string, entityType string, externalId string, code string, message string, payload []byte, retryable bool) error {
	errRec := models.IntegrationSyncError{
		SyncRunId:      runId,
		OrganizationId: organizationId,
		EntityType:     entityType,
		ExternalId:     externalId,
		ErrorCode:      code,
		Message:        message,
		PayloadJSON:    payload,
		Retryable:      retryable,
	}
	return db.WithContext(ctx).Create(&errRec).Error
}

// decimalFromReading tolerates the feed's mixed value encodings. Missing or
// unparseable values fall back to zero so the row still lands; a zero
// co2e_kg contributes nothing to scope sums.
func decimalFromReading(value interface{}) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	if d, err := utils.ParseDecimalInput(value); err == nil {
		return d
	}
	return decimal.Zero
}

func parsePeriodTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("period is required")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable period %q", value)
}
