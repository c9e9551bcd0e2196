package ingestion

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		db := config.GetDB().WithContext(c.Request.Context())

		conn, err := getConnection(db, organizationId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if conn == nil {
			domains := DefaultDomains()
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{
					Status: models.IntegrationStatusDisconnected,
				},
				Domains: domains,
			})
			return
		}

		domains := DecodeDomains(conn.SettingsJSON)
		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:        conn.Status,
				PortfolioId:   conn.PortfolioId,
				PortfolioName: conn.PortfolioName,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
			Domains:           domains,
		})
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(req.PortfolioId) == "" || strings.TrimSpace(req.APIKey) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "portfolioId and apiKey are required"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		conn, err := getConnection(db, organizationId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		domains := DefaultDomains()
		now := time.Now()
		portfolioName := strings.TrimSpace(req.PortfolioName)
		if portfolioName == "" {
			portfolioName = req.PortfolioId
		}

		if conn == nil {
			conn = &models.IntegrationConnection{
				OrganizationId: organizationId,
				Provider:       models.IntegrationProviderMeterFlow,
				Status:         models.IntegrationStatusConnected,
				AuthType:       "api_key",
				AuthSecretRef:  req.APIKey,
				PortfolioId:    req.PortfolioId,
				PortfolioName:  portfolioName,
				SettingsJSON:   EncodeDomains(domains),
				UpdatedAt:      now,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			update := map[string]interface{}{
				"status":          models.IntegrationStatusConnected,
				"auth_type":       "api_key",
				"auth_secret_ref": req.APIKey,
				"portfolio_id":    req.PortfolioId,
				"portfolio_name":  portfolioName,
				"updated_at":      now,
			}
			if len(conn.SettingsJSON) == 0 {
				update["settings_json"] = EncodeDomains(domains)
			}
			if err := db.Model(conn).Updates(update).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		db := config.GetDB().WithContext(c.Request.Context())

		conn, err := getConnection(db, organizationId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		if err := db.Model(conn).Updates(map[string]interface{}{
			"status":          models.IntegrationStatusDisconnected,
			"auth_secret_ref": "",
			"updated_at":      time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var req UpdateSettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, err := getConnection(db, organizationId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		domains := EncodeDomains(req.Domains)
		if conn == nil {
			conn = &models.IntegrationConnection{
				OrganizationId: organizationId,
				Provider:       models.IntegrationProviderMeterFlow,
				Status:         models.IntegrationStatusDisconnected,
				SettingsJSON:   domains,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			if err := db.Model(conn).Updates(map[string]interface{}{
				"settings_json": domains,
				"updated_at":    time.Now(),
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		conn, err := getConnection(db, organizationId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.IntegrationStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": "meterflow is not connected"})
			return
		}

		domains := req.Domains
		if isEmptyDomains(domains) {
			domains = DecodeDomains(conn.SettingsJSON)
		}

		run := models.IntegrationSyncRun{
			OrganizationId: organizationId,
			ConnectionId:   conn.ID,
			Provider:       models.IntegrationProviderMeterFlow,
			Status:         models.SyncRunStatusQueued,
			TriggeredBy:    models.SyncTriggeredManual,
			DomainsJSON:    EncodeDomains(domains),
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishSyncRun(c.Request.Context(), run.ID, organizationId, conn.ID)

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var runs []models.IntegrationSyncRun
		if err := db.Where("organization_id = ? AND provider = ?", organizationId, models.IntegrationProviderMeterFlow).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var run models.IntegrationSyncRun
		if err := db.Where("id = ? AND organization_id = ?", id, organizationId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.IntegrationSyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(run),
			Errors:          mapErrors(errs),
		}
		c.JSON(http.StatusOK, resp)
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, err := resolveOrganizationID(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())

		var run models.IntegrationSyncRun
		if err := db.Where("id = ? AND organization_id = ?", id, organizationId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		newRun := models.IntegrationSyncRun{
			OrganizationId: organizationId,
			ConnectionId:   run.ConnectionId,
			Provider:       run.Provider,
			Status:         models.SyncRunStatusQueued,
			TriggeredBy:    models.SyncTriggeredRetry,
			DomainsJSON:    run.DomainsJSON,
			ParentRunId:    &run.ID,
		}
		if err := db.Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		_ = PublishSyncRun(c.Request.Context(), newRun.ID, organizationId, run.ConnectionId)

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

func resolveOrganizationID(c *gin.Context) (string, error) {
	organizationId, ok := utils.GetOrganizationIdFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(organizationId) == "" {
		return "", errors.New("organization id is required")
	}
	return strings.TrimSpace(organizationId), nil
}

func getConnection(db *gorm.DB, organizationId string) (*models.IntegrationConnection, error) {
	var conn models.IntegrationConnection
	err := db.Where("organization_id = ? AND provider = ?", organizationId, models.IntegrationProviderMeterFlow).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.IntegrationSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func mapErrors(errorsList []models.IntegrationSyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			EntityType: errItem.EntityType,
			ExternalId: errItem.ExternalId,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}

func isEmptyDomains(dom SyncDomains) bool {
	return !dom.Emissions && !dom.Energy && !dom.Water && !dom.Waste
}
