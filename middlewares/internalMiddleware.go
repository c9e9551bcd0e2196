package middlewares

import (
	"github.com/gin-gonic/gin"

	"bitbucket.org/carbonview/emissions_backend/utils"
)

// InternalMiddleware marks ops requests so the tenant guard does not scope
// their queries: outbox retries and reconciliation act across organizations.
// The /internal surface is expected to be network-restricted at deployment.
func InternalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := utils.SetSkipTenantScopeInContext(c.Request.Context(), true)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
