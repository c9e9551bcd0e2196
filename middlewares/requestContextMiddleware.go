package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"bitbucket.org/carbonview/emissions_backend/utils"
)

const (
	headerOrganizationId = "x-organization-id"
	headerUserName       = "x-user-name"
	headerCorrelationId  = "x-correlation-id"
)

// RequestContextMiddleware seeds the request context with the tenant, the
// acting user and a correlation id. The organization comes from the :org route
// parameter when present, the header otherwise; the correlation id is echoed
// on the response so clients can quote it in support requests.
func RequestContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId := c.Param("org")
		if organizationId == "" {
			organizationId = c.Request.Header.Get(headerOrganizationId)
		}

		correlationId := c.Request.Header.Get(headerCorrelationId)
		if correlationId == "" {
			correlationId = uuid.NewString()
		}

		ctx := c.Request.Context()
		if organizationId != "" {
			ctx = utils.SetOrganizationIdInContext(ctx, organizationId)
		}
		if userName := c.Request.Header.Get(headerUserName); userName != "" {
			ctx = utils.SetUserNameInContext(ctx, userName)
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)

		c.Writer.Header().Set(headerCorrelationId, correlationId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
