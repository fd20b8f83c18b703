package middlewares

import (
	"bytes"

	"bitbucket.org/mmdatafocus/pos_backend/config"
	"bitbucket.org/mmdatafocus/pos_backend/utils"
	"bitbucket.org/mmdatafocus/pos_backend/workflow"
	"github.com/gin-gonic/gin"
)

// bodyRecorder tees the response body so a successful response can be cached
// byte-for-byte for replay.
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *bodyRecorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// IdempotencyMiddleware deduplicates retried mutating requests. A repeat of a
// key inside the window gets the first response back verbatim, marked with
// X-Idempotency-Replayed, and the handler never runs. A mutating request
// without a key proceeds but is flagged in the log and the response.
func IdempotencyMiddleware(guard *workflow.IdempotencyGuard) gin.HandlerFunc {
	logger := config.GetLogger()
	return func(c *gin.Context) {
		if !guard.Applies(c.Request.Method, c.Request.URL.Path) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		businessId, _ := utils.GetBusinessIdFromContext(ctx)
		key, _ := utils.GetIdempotencyKeyFromContext(ctx)

		if key == "" {
			logger.Warnf("mutating request without idempotency key: %s %s", c.Request.Method, c.Request.URL.Path)
			c.Header("X-Idempotency-Missing", "true")
			c.Next()
			return
		}

		if cached, found := guard.Lookup(businessId, key); found {
			c.Header("X-Idempotency-Replayed", "true")
			c.Data(cached.Status, cached.ContentType, cached.Body)
			c.Abort()
			return
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		guard.Store(businessId, key, &workflow.CachedResponse{
			Status:      recorder.Status(),
			ContentType: recorder.Header().Get("Content-Type"),
			Body:        recorder.body.Bytes(),
		})
	}
}
