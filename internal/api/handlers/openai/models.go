// Package openai implements the OpenAI-compatible chat completions
// endpoint: the request and response models, validation, and the handler
// that drives the dispatcher and the streaming adapter.
package openai

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lmrouter/claude-gateway/internal/backend"
)

// permissionModes enumerates the accepted permission_mode values.
var permissionModes = map[string]bool{
	"default":           true,
	"plan":              true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"delegate":          true,
	"dontAsk":           true,
}

// maxValidationErrors bounds the field-error list returned on a 400.
const maxValidationErrors = 10

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSelection is the tri-state tools field: absent (backend default), the
// empty string or "default" as explicit modes, or a custom tool list.
type ToolSelection struct {
	// Set reports whether the field was present in the request body.
	Set bool

	// Mode holds "" or "default" when the field was a string.
	Mode string

	// Custom holds the explicit tool list when the field was an array.
	Custom []string
}

// UnmarshalJSON accepts either a string or an array of strings.
func (t *ToolSelection) UnmarshalJSON(data []byte) error {
	t.Set = true
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		if mode != "" && mode != "default" {
			return fmt.Errorf(`tools string must be "" or "default"`)
		}
		t.Mode = mode
		return nil
	}
	var custom []string
	if err := json.Unmarshal(data, &custom); err != nil {
		return fmt.Errorf("tools must be a string or an array of strings")
	}
	t.Custom = custom
	return nil
}

// ChatCompletionRequest is the OpenAI chat-completion body plus the gateway
// extensions.
type ChatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`

	// Gateway extensions.
	SessionID            string         `json:"session_id"`
	ContinueConversation bool           `json:"continue_conversation"`
	ForkSession          bool           `json:"fork_session"`
	Ephemeral            bool           `json:"ephemeral"`
	Backend              string         `json:"backend"`
	FallbackModel        string         `json:"fallback_model"`
	SystemPrompt         string         `json:"system_prompt"`
	AppendSystemPrompt   string         `json:"append_system_prompt"`
	Tools                ToolSelection  `json:"tools"`
	AllowedTools         []string       `json:"allowed_tools"`
	DisallowedTools      []string       `json:"disallowed_tools"`
	PermissionMode       string         `json:"permission_mode"`
	MaxBudgetUSD         float64        `json:"max_budget_usd"`
	JSONSchema           map[string]any `json:"json_schema"`
	Agent                string         `json:"agent"`
	Agents               map[string]any `json:"agents"`
	WorkingDirectory     string         `json:"working_directory"`
	ContextFiles         []string       `json:"context_files"`
	AddDirs              []string       `json:"add_dirs"`
	MCPConfig            []string       `json:"mcp_config"`
	StrictMCPConfig      bool           `json:"strict_mcp_config"`
	Verbose              bool           `json:"verbose"`
	Betas                []string       `json:"betas"`
}

// FieldError is one entry of the bounded validation-error list.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validate checks the body against the schema and returns a bounded list of
// field errors. An empty list means the body is valid.
func (r *ChatCompletionRequest) Validate() []FieldError {
	var errs []FieldError
	add := func(field, msg string) {
		if len(errs) < maxValidationErrors {
			errs = append(errs, FieldError{Field: field, Message: msg})
		}
	}

	if len(r.Messages) == 0 {
		add("messages", "must contain at least one message")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			add(fmt.Sprintf("messages[%d].role", i), "must be system, user or assistant")
		}
	}
	if r.PermissionMode != "" && !permissionModes[r.PermissionMode] {
		add("permission_mode", "unknown permission mode")
	}
	// Zero means no budget cap; only negative values are malformed.
	if r.MaxBudgetUSD < 0 {
		add("max_budget_usd", "must not be negative")
	}
	if r.SessionID != "" {
		if err := ValidateSessionID(r.SessionID); err != nil {
			add("session_id", err.Error())
		}
	}
	return errs
}

// ToExecutionRequest converts the validated body into the backend contract
// form. The query is built separately by the prompt builder.
func (r *ChatCompletionRequest) ToExecutionRequest(query string) *backend.ExecutionRequest {
	req := &backend.ExecutionRequest{
		Query:                query,
		SessionID:            r.SessionID,
		ContinueConversation: r.ContinueConversation,
		ForkSession:          r.ForkSession,
		Ephemeral:            r.Ephemeral,
		Model:                r.Model,
		FallbackModel:        r.FallbackModel,
		SystemPrompt:         r.SystemPrompt,
		AppendSystemPrompt:   r.AppendSystemPrompt,
		AllowedTools:         r.AllowedTools,
		DisallowedTools:      r.DisallowedTools,
		PermissionMode:       r.PermissionMode,
		MaxBudgetUSD:         r.MaxBudgetUSD,
		JSONSchema:           r.JSONSchema,
		Agent:                r.Agent,
		Agents:               r.Agents,
		WorkingDirectory:     r.WorkingDirectory,
		ContextFiles:         r.ContextFiles,
		AddDirs:              r.AddDirs,
		MCPConfigs:           r.MCPConfig,
		StrictMCPConfig:      r.StrictMCPConfig,
		Verbose:              r.Verbose,
		Betas:                r.Betas,
	}
	if r.Tools.Set {
		if r.Tools.Custom != nil {
			req.Tools = r.Tools.Custom
		} else if r.Tools.Mode == "default" {
			req.Tools = []string{"default"}
		} else {
			req.Tools = []string{}
		}
	}
	return req
}

// ClaudeMetadata is the telemetry extension on non-streaming responses.
type ClaudeMetadata struct {
	DurationMS    int64                    `json:"duration_ms"`
	APIDurationMS int64                    `json:"duration_api_ms"`
	NumTurns      int                      `json:"num_turns"`
	TotalCostUSD  float64                  `json:"total_cost_usd"`
	Usage         backend.Usage            `json:"usage"`
	ModelUsage    map[string]backend.Usage `json:"model_usage,omitempty"`
}

// ChatCompletionResponse is the OpenAI chat.completion object extended with
// session_id and claude_metadata.
type ChatCompletionResponse struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"`
	Created   int64           `json:"created"`
	Model     string          `json:"model"`
	Choices   []Choice        `json:"choices"`
	Usage     *UsageBlock     `json:"usage,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Metadata  *ClaudeMetadata `json:"claude_metadata,omitempty"`

	// FallbackReason annotates degraded responses.
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// UsageBlock is the OpenAI usage accounting block.
type UsageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewChatCompletionResponse assembles a non-streaming response from a
// backend result.
func NewChatCompletionResponse(id, model string, res *backend.ExecutionResult, fallbackReason string) *ChatCompletionResponse {
	resp := &ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: res.Output},
			FinishReason: "stop",
		}},
		SessionID:      res.SessionID,
		FallbackReason: fallbackReason,
	}
	if res.Metadata != nil {
		resp.Usage = &UsageBlock{
			PromptTokens:     res.Metadata.Usage.InputTokens,
			CompletionTokens: res.Metadata.Usage.OutputTokens,
			TotalTokens:      res.Metadata.Usage.InputTokens + res.Metadata.Usage.OutputTokens,
		}
		resp.Metadata = &ClaudeMetadata{
			DurationMS:    res.Metadata.DurationMS,
			APIDurationMS: res.Metadata.APIDurationMS,
			NumTurns:      res.Metadata.NumTurns,
			TotalCostUSD:  res.Metadata.TotalCostUSD,
			Usage:         res.Metadata.Usage,
			ModelUsage:    res.Metadata.ModelUsage,
		}
	}
	return resp
}
