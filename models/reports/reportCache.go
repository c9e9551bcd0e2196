package reports

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/carbonview/emissions_backend/config"
	"bitbucket.org/carbonview/emissions_backend/utils"
)

func reportCacheEnabled() bool {
	v := strings.TrimSpace(os.Getenv("ENABLE_REPORT_CACHE"))
	return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes") || strings.EqualFold(v, "on")
}

func reportCacheTTL() time.Duration {
	// Env: REPORT_CACHE_TTL_SECONDS (default 120s)
	ttl := 120
	if v := strings.TrimSpace(os.Getenv("REPORT_CACHE_TTL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ttl = n
		}
	}
	return time.Duration(ttl) * time.Second
}

func reportSlowMs() int64 {
	// Env: REPORT_SLOW_MS (default 800ms)
	ms := int64(800)
	if v := strings.TrimSpace(os.Getenv("REPORT_SLOW_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ms = n
		}
	}
	return ms
}

func logSlowReport(ctx context.Context, name string, started time.Time, extra map[string]any) {
	d := time.Since(started)
	if d.Milliseconds() < reportSlowMs() {
		return
	}
	org, _ := utils.GetOrganizationIdFromContext(ctx)
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	log.Printf("slow_report name=%s ms=%d organization_id=%s correlation_id=%s extra=%v", name, d.Milliseconds(), org, cid, extra)
}

func cacheGet[T any](key string, dest *T) (bool, error) {
	return config.GetRedisObject(key, dest)
}

// cacheSet registers the key in the organization's key set so invalidation
// after a baseline mutation can drop every cached report in one pass instead
// of waiting for the TTL.
func cacheSet(organizationId, key string, obj any) {
	if err := config.SetRedisObject(key, obj, reportCacheTTL()); err != nil {
		return
	}
	_ = config.AddRedisSet(orgReportKeySet(organizationId), key)
}

func orgReportKeySet(organizationId string) string {
	return "reportKeys:" + organizationId
}

// InvalidateOrganizationReports removes every cached report for the
// organization. Called synchronously after restatement apply commits; stale
// baselines on dashboards are worse than one cold read.
func InvalidateOrganizationReports(organizationId string) error {
	setKey := orgReportKeySet(organizationId)
	keys, err := config.GetRedisSetMembers(setKey)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := config.RemoveRedisKey(keys...); err != nil {
			return err
		}
	}
	return config.RemoveRedisKey(setKey)
}
