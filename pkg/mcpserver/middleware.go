package mcpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cookareq/cookareq/pkg/errs"
	"github.com/cookareq/cookareq/pkg/logging"
)

const requestIDKey = "request_id"

// requestIDMiddleware assigns a fresh hex request id to every request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// requestID returns the id assigned by requestIDMiddleware.
func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// authMiddleware enforces the configured bearer token. An empty expected
// token disables auth entirely.
func authMiddleware(sctx *ServerContext) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sctx.ExpectedToken == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != sctx.ExpectedToken {
			env := errs.New(errs.CodeUnauthorized, "missing or invalid bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, env.Wrap())
			return
		}
		c.Next()
	}
}

// accessLogMiddleware emits one structured record per request with sanitized
// headers and elapsed time.
func accessLogMiddleware(sctx *ServerContext) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"request_id", requestID(c),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"query", c.Request.URL.RawQuery,
			"headers", logging.SanitizeHeaders(c.Request.Header),
			"client", c.ClientIP(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		sctx.Logger.Info("http request", attrs...)
	}
}
