package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/lmrouter/claude-gateway/internal/api/handlers"
	"github.com/lmrouter/claude-gateway/internal/backend"
	"github.com/lmrouter/claude-gateway/internal/backend/claudecli"
	"github.com/lmrouter/claude-gateway/internal/gateway"
	"github.com/lmrouter/claude-gateway/internal/logging"
	"github.com/lmrouter/claude-gateway/internal/router"
	"github.com/lmrouter/claude-gateway/internal/streamer"
)

// MaxBodyBytes caps the request body at 1 MiB.
const MaxBodyBytes = 1 << 20

// Options configures the handler.
type Options struct {
	// Recorder receives one record per request. May be nil.
	Recorder logging.Recorder

	// DefaultSystemPrompt applies when the request carries none.
	DefaultSystemPrompt string

	// AllowFallback permits degrading saturated tool requests onto API
	// backends.
	AllowFallback bool
}

// Handler serves the chat completions endpoints.
type Handler struct {
	dispatcher handlers.Dispatcher
	opts       Options
}

// NewHandler builds a chat completions handler.
func NewHandler(d handlers.Dispatcher, opts Options) *Handler {
	return &Handler{dispatcher: d, opts: opts}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	h.Complete(c, "")
}

// Complete runs one chat completion, optionally pinned to an explicit
// backend from the URL path.
func (h *Handler) Complete(c *gin.Context, pathBackend string) {
	start := time.Now()
	requestID := "chatcmpl-" + uuid.NewString()

	req, ok := h.parseRequest(c)
	if !ok {
		return
	}

	resuming := req.SessionID != "" || req.ContinueConversation
	query, err := claudecli.BuildPrompt(toPromptMessages(req.Messages), resuming)
	if err != nil {
		handlers.WriteError(c, http.StatusBadRequest, handlers.TypeInvalidRequest,
			"resuming a session requires a user message", "no_user_message", nil)
		return
	}

	execReq := req.ToExecutionRequest(query)
	if execReq.SystemPrompt == "" && h.opts.DefaultSystemPrompt != "" {
		execReq.SystemPrompt = h.opts.DefaultSystemPrompt
	}

	explicit := pathBackend
	if explicit == "" {
		explicit = req.Backend
	}

	result, err := h.dispatcher.Execute(c.Request.Context(), execReq, router.Options{
		ExplicitBackend: explicit,
		ModelHint:       req.Model,
		AllowFallback:   h.opts.AllowFallback,
	})
	if err != nil {
		handlers.FromError(c, err)
		h.record(requestID, result, start, c.Writer.Status(), err.Error())
		return
	}

	res := result.Res
	if !res.OK {
		h.writeFailure(c, requestID, req, res)
		h.record(requestID, result, start, c.Writer.Status(), res.Error)
		return
	}

	if req.Stream {
		c.Status(http.StatusOK)
		streamer.Stream(c.Writer, requestID, req.Model, res, nil)
	} else {
		c.JSON(http.StatusOK, NewChatCompletionResponse(requestID, req.Model, res, result.Reason))
	}
	h.record(requestID, result, start, http.StatusOK, "")
}

// parseRequest enforces the body size limits, merges the session header and
// validates the schema. On failure the error response has been written.
func (h *Handler) parseRequest(c *gin.Context) (*ChatCompletionRequest, bool) {
	if c.Request.ContentLength < 0 {
		handlers.WriteError(c, http.StatusBadRequest, handlers.TypeInvalidRequest,
			"missing or malformed Content-Length", "invalid_content_length", nil)
		return nil, false
	}
	if c.Request.ContentLength > MaxBodyBytes {
		handlers.WriteError(c, http.StatusRequestEntityTooLarge, handlers.TypeInvalidRequest,
			fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes), "request_too_large", nil)
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes+1))
	if err != nil {
		handlers.WriteError(c, http.StatusBadRequest, handlers.TypeInvalidRequest,
			"reading request body", "invalid_body", nil)
		return nil, false
	}
	if len(body) > MaxBodyBytes {
		handlers.WriteError(c, http.StatusRequestEntityTooLarge, handlers.TypeInvalidRequest,
			fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes), "request_too_large", nil)
		return nil, false
	}

	var req ChatCompletionRequest
	if err = json.Unmarshal(body, &req); err != nil {
		handlers.WriteError(c, http.StatusBadRequest, handlers.TypeInvalidRequest,
			"malformed JSON body", "invalid_body", nil)
		return nil, false
	}

	if header := c.GetHeader("X-Session-Id"); header != "" {
		if err = ValidateSessionID(header); err != nil {
			handlers.WriteError(c, http.StatusBadRequest, handlers.TypeInvalidRequest,
				"X-Session-Id "+err.Error(), "invalid_session_id", nil)
			return nil, false
		}
		if req.SessionID == "" {
			req.SessionID = NormalizeSessionID(header)
		}
	}
	if req.SessionID != "" {
		req.SessionID = NormalizeSessionID(req.SessionID)
	}

	if errs := req.Validate(); len(errs) > 0 {
		handlers.WriteError(c, http.StatusBadRequest, handlers.TypeInvalidRequest,
			"request validation failed", "validation_failed", errs)
		return nil, false
	}
	return &req, true
}

// writeFailure renders a backend-reported failure. Streaming clients get
// the error in-band followed by the sentinel; others get the envelope.
func (h *Handler) writeFailure(c *gin.Context, requestID string, req *ChatCompletionRequest, res *backend.ExecutionResult) {
	if req.Stream {
		c.Status(http.StatusOK)
		streamer.Stream(c.Writer, requestID, req.Model, nil, &streamer.StreamError{
			Error: streamer.ErrorBody{
				Message: handlers.Sanitize(res.Error),
				Type:    handlers.TypeServer,
				Code:    "upstream_error",
			},
		})
		return
	}
	handlers.WriteError(c, http.StatusInternalServerError, handlers.TypeServer,
		res.Error, "upstream_error", nil)
}

// record emits the one-per-request log record.
func (h *Handler) record(requestID string, result *gateway.Result, start time.Time, status int, errText string) {
	rec := logging.Record{
		RequestID:  requestID,
		DurationMS: time.Since(start).Milliseconds(),
		Status:     status,
		Error:      errText,
	}
	if result != nil {
		rec.Backend = result.BackendName
		rec.Reason = result.Reason
		rec.IsFallback = result.IsFallback
		if result.Res != nil && result.Res.Metadata != nil {
			rec.InputTokens = result.Res.Metadata.Usage.InputTokens
			rec.OutputTokens = result.Res.Metadata.Usage.OutputTokens
			rec.CostUSD = result.Res.Metadata.TotalCostUSD
		}
	}

	log.Infof("request %s backend=%s status=%d duration=%dms fallback=%v",
		requestID, rec.Backend, rec.Status, rec.DurationMS, rec.IsFallback)
	if h.opts.Recorder != nil {
		h.opts.Recorder.Record(rec)
	}
}

// toPromptMessages converts the wire messages to the prompt builder form.
func toPromptMessages(msgs []Message) []claudecli.Message {
	out := make([]claudecli.Message, len(msgs))
	for i, m := range msgs {
		out[i] = claudecli.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
