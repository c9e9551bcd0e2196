package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"gorm.io/gorm"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
)

// tracking-history-backfill derives metric_tracking_histories rows from the
// fact table for organizations that predate the tracking table. Existing rows
// are never touched, so re-running is safe.
func main() {
	organizationID := flag.String("organization-id", "", "Optional: backfill only one organization (uuid string). If empty, backfills all organizations.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	// Ensure schema is up-to-date (creates metric_tracking_histories if missing).
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, "TrackingHistoryBackfill")
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	var organizations []models.Organization
	orgQuery := db.WithContext(ctx).Model(&models.Organization{})
	if strings.TrimSpace(*organizationID) != "" {
		orgQuery = orgQuery.Where("id = ?", strings.TrimSpace(*organizationID))
	}
	if err := orgQuery.Find(&organizations).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list organizations: %v\n", err)
		os.Exit(1)
	}
	if len(organizations) == 0 {
		fmt.Fprintln(os.Stderr, "no organizations found to backfill")
		return
	}

	totalCreated := 0
	for i := range organizations {
		organization := organizations[i]
		orgId := organization.ID.String()
		orgCtx := utils.SetOrganizationIdInContext(ctx, orgId)

		var created int
		if err := db.WithContext(orgCtx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			created, txErr = models.BackfillMetricTrackingHistory(tx, orgCtx, &organization)
			return txErr
		}); err != nil {
			fmt.Fprintf(os.Stderr, "organization %s backfill failed: %v\n", orgId, err)
			continue
		}
		fmt.Printf("Backfilled organization=%s baseline_year=%d created=%d\n", orgId, organization.BaselineYear, created)
		totalCreated += created
	}

	fmt.Printf("Backfill complete: %d rows created\n", totalCreated)
}
