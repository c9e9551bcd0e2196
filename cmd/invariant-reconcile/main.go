package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/models"
	"bitbucket.org/carbonview/emissions_backend/utils"
	"bitbucket.org/carbonview/emissions_backend/workflow"
)

// invariant-reconcile runs the cross-table drift checks (target arithmetic,
// restatement ledger, published baseline, outbox backlog) for one or all
// organizations and prints every mismatch row the run produced. Exit code 1
// means at least one organization drifted.
//
// Example:
//   go run ./cmd/invariant-reconcile --organization_id=...
func main() {
	var (
		organizationID = flag.String("organization_id", "", "organization id (empty: all organizations)")
		sleepMS        = flag.Int("sleep_ms", 0, "sleep between organizations (ms)")
	)
	flag.Parse()

	// Connect to DB/Redis using env config (same as server).
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	logger := logrus.New()

	baseCtx := context.Background()
	baseCtx = utils.SetUserIdInContext(baseCtx, 0)
	baseCtx = utils.SetUserNameInContext(baseCtx, "invariant-reconcile")
	baseCtx = utils.SetSkipTenantScopeInContext(baseCtx, true)

	var organizations []models.Organization
	orgQuery := db.WithContext(baseCtx).Model(&models.Organization{})
	if strings.TrimSpace(*organizationID) != "" {
		orgQuery = orgQuery.Where("id = ?", strings.TrimSpace(*organizationID))
	}
	if err := orgQuery.Find(&organizations).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list organizations: %v\n", err)
		os.Exit(1)
	}
	if len(organizations) == 0 {
		fmt.Fprintln(os.Stderr, "no organizations found")
		os.Exit(2)
	}

	clean := 0
	drifted := 0
	failed := 0
	for i := range organizations {
		orgId := organizations[i].ID.String()
		cid := fmt.Sprintf("invariant-reconcile-%02d-%d", i+1, time.Now().UnixNano())
		ctx := utils.SetOrganizationIdInContext(baseCtx, orgId)
		ctx = utils.SetCorrelationIdInContext(ctx, cid)

		if err := workflow.RunReconciliationChecks(ctx, db, logger, orgId); err != nil {
			failed++
			fmt.Printf("%02d org=%s cid=%s FAIL: %s\n", i+1, orgId, cid, err.Error())
			continue
		}

		var reports []models.ReconciliationReport
		if err := db.WithContext(ctx).
			Where("organization_id = ? AND correlation_id = ?", orgId, cid).
			Order("id").
			Find(&reports).Error; err != nil {
			failed++
			fmt.Printf("%02d org=%s cid=%s FAIL reading reports: %s\n", i+1, orgId, cid, err.Error())
			continue
		}
		if len(reports) == 0 {
			clean++
			fmt.Printf("%02d org=%s cid=%s OK\n", i+1, orgId, cid)
		} else {
			drifted++
			fmt.Printf("%02d org=%s cid=%s DRIFT (%d rows)\n", i+1, orgId, cid, len(reports))
			for _, report := range reports {
				fmt.Printf("    %s %s/%d: %s\n", report.CheckType, report.EntityType, report.EntityId, report.Details)
			}
		}

		if *sleepMS > 0 {
			time.Sleep(time.Duration(*sleepMS) * time.Millisecond)
		}
	}

	fmt.Printf("\nRESULT: clean=%d drift=%d fail=%d organizations=%d\n", clean, drifted, failed, len(organizations))
	if drifted > 0 || failed > 0 {
		os.Exit(1)
	}
}
