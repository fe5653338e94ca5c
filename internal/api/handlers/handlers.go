// Package handlers provides the shared pieces of the HTTP handler layer:
// the error envelope, the mapping from internal error kinds to HTTP status
// codes, and the dispatcher contract the endpoint handlers call into.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lmrouter/claude-gateway/internal/backend"
	"github.com/lmrouter/claude-gateway/internal/backend/claudecli"
	"github.com/lmrouter/claude-gateway/internal/gateway"
	"github.com/lmrouter/claude-gateway/internal/pool"
	"github.com/lmrouter/claude-gateway/internal/router"
)

// Error types of the envelope.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypeRateLimit      = "rate_limit_error"
	TypeServer         = "server_error"
)

// genericInternalError replaces messages that leak implementation detail.
const genericInternalError = "internal server error"

// ErrorResponse is the envelope carried by every non-2xx response body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Dispatcher is the routing core as seen by the endpoint handlers. The
// gateway implements it; tests substitute stubs.
type Dispatcher interface {
	Execute(ctx context.Context, req *backend.ExecutionRequest, opts router.Options) (*gateway.Result, error)
}

// WriteError writes the envelope with the given status.
func WriteError(c *gin.Context, status int, typ, message, code string, details any) {
	c.JSON(status, ErrorResponse{Error: ErrorDetail{
		Message: Sanitize(message),
		Type:    typ,
		Code:    code,
		Details: details,
	}})
}

// FromError maps an internal error to its HTTP rendering.
func FromError(c *gin.Context, err error) {
	var argErr *claudecli.InvalidArgumentError
	switch {
	case errors.As(err, &argErr):
		WriteError(c, http.StatusBadRequest, TypeInvalidRequest, argErr.Error(), "invalid_argument",
			map[string]string{"param": argErr.Param})
	case errors.Is(err, pool.ErrQueueFull):
		WriteError(c, http.StatusServiceUnavailable, TypeServer, "request queue is full", "queue_full", nil)
	case errors.Is(err, pool.ErrQueueTimeout):
		WriteError(c, http.StatusServiceUnavailable, TypeServer, "request timed out in queue", "queue_timeout", nil)
	case errors.Is(err, pool.ErrShutdown):
		WriteError(c, http.StatusServiceUnavailable, TypeServer, "server is shutting down", "shutdown", nil)
	case errors.Is(err, claudecli.ErrTimeout):
		WriteError(c, http.StatusInternalServerError, TypeServer, "backend execution timed out", "execution_timeout", nil)
	case errors.Is(err, router.ErrNoBackend):
		WriteError(c, http.StatusServiceUnavailable, TypeServer, "no available backend", "no_backend", nil)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		c.Status(499)
	default:
		WriteError(c, http.StatusInternalServerError, TypeServer, err.Error(), "internal_error", nil)
	}
}

// Sanitize replaces messages that reference implementation internals with a
// generic string. Clients never see file paths or frame locations.
func Sanitize(msg string) string {
	if strings.Contains(msg, ".go:") ||
		strings.Contains(msg, "runtime.") ||
		strings.Contains(msg, "goroutine ") ||
		strings.Contains(msg, "internal/") {
		return genericInternalError
	}
	return msg
}
