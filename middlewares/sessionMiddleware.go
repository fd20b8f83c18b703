package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/pos_backend/appctx"
	"bitbucket.org/mmdatafocus/pos_backend/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Session is what the login service stores in Redis under "Token:<token>".
type Session struct {
	BusinessId string `json:"business_id"`
	UserId     int    `json:"user_id"`
	UserName   string `json:"user_name"`
	BranchId   int    `json:"branch_id"`
	IsAdmin    bool   `json:"is_admin"`
}

// SessionMiddleware resolves the token header into the tenant/user/branch
// identity every downstream operation reads from the request context. It also
// stamps a correlation id and captures the idempotency key.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		var session Session
		found, err := config.GetRedisObject("Token:"+token, &session)
		if err != nil || !found || session.BusinessId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		correlationId := c.Request.Header.Get("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		c.Header("X-Correlation-Id", correlationId)

		ctx := appctx.Set(c.Request.Context(), appctx.ContextKeyToken, token)
		ctx = appctx.Set(ctx, appctx.ContextKeyBusinessId, session.BusinessId)
		ctx = appctx.Set(ctx, appctx.ContextKeyUserId, session.UserId)
		ctx = appctx.Set(ctx, appctx.ContextKeyUserName, session.UserName)
		ctx = appctx.Set(ctx, appctx.ContextKeyBranchId, session.BranchId)
		ctx = appctx.Set(ctx, appctx.ContextKeyIsAdmin, session.IsAdmin)
		ctx = appctx.Set(ctx, appctx.ContextKeyCorrelationId, correlationId)
		if key := c.Request.Header.Get("Idempotency-Key"); key != "" {
			ctx = appctx.Set(ctx, appctx.ContextKeyIdempotencyKey, key)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
