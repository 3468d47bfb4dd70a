package mcpserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/cookareq/cookareq/pkg/errs"
	"github.com/cookareq/cookareq/pkg/events"
	"github.com/cookareq/cookareq/pkg/logging"
)

// invokeRequest is the POST /mcp body.
type invokeRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleSchema serves the describe() payload. The tools map marshals with
// sorted keys, so output order is stable across restarts.
func handleSchema(sctx *ServerContext) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, sctx.Registry.Describe())
	}
}

func handleInvoke(sctx *ServerContext) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req invokeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			env := errs.New(errs.CodeValidation, "malformed request body: %s", err.Error())
			logToolEvent(sctx, c, req.Name, "rejected", nil, env)
			c.JSON(http.StatusBadRequest, env.Wrap())
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			env := errs.New(errs.CodeValidation, "tool name is required")
			logToolEvent(sctx, c, req.Name, "rejected", nil, env)
			c.JSON(http.StatusBadRequest, env.Wrap())
			return
		}

		result, err := sctx.Registry.Invoke(req.Name, req.Arguments)
		if err != nil {
			env := errs.FromError(err)
			logToolEvent(sctx, c, req.Name, "failed", req.Arguments, env)
			c.JSON(statusFor(env.Code), env.Wrap())
			return
		}
		logToolEvent(sctx, c, req.Name, "succeeded", req.Arguments, nil)
		c.JSON(http.StatusOK, result)
	}
}

// handleWebSocket upgrades the connection and hands it to the telemetry hub.
// Blocks for the lifetime of the client.
func handleWebSocket(sctx *ServerContext, hub *events.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := websocket.Accept(c.Writer, c.Request, nil)
		if err != nil {
			sctx.Logger.Warn("WebSocket upgrade failed",
				"request_id", requestID(c), "error", err)
			return
		}
		hub.HandleConnection(c.Request.Context(), ws)
	}
}

// statusFor maps taxonomy codes to HTTP statuses.
func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodeUnauthorized:
		return http.StatusUnauthorized
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict, errs.CodeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// logToolEvent records one tool invocation outcome with sanitized arguments.
func logToolEvent(sctx *ServerContext, c *gin.Context, tool, outcome string, rawArgs json.RawMessage, env *errs.Envelope) {
	var args map[string]any
	if len(rawArgs) > 0 {
		// Best effort; unparseable arguments are logged as absent.
		_ = json.Unmarshal(rawArgs, &args)
	}
	attrs := []any{
		"request_id", requestID(c),
		"tool", tool,
		"outcome", outcome,
		"arguments", logging.SanitizeMap(args),
	}
	if env != nil {
		attrs = append(attrs, "error_code", string(env.Code), "error", env.Message)
	}
	sctx.Logger.Info("tool event", attrs...)
}
