// Package backend defines the contract between the gateway and the LLM
// backends it fronts. A backend is either a locally spawned tool-capable CLI
// process or a remote OpenAI-compatible HTTP API; both are driven through the
// same Backend interface so the router, the registry, and the process pool
// never need to know which family they are talking to.
package backend

import (
	"context"
	"time"
)

// Kind classifies how a backend executes requests.
type Kind string

const (
	// KindCLI marks a backend implemented by a local subprocess. CLI backends
	// always support tools and are dispatched through a process pool.
	KindCLI Kind = "cli"

	// KindAPI marks a backend implemented by a remote HTTP API. API backends
	// are called directly, without pool admission.
	KindAPI Kind = "api"
)

// Backend is a handle to a single LLM provider.
type Backend interface {
	// Name returns the unique identifier of this backend within a registry.
	Name() string

	// Kind reports whether this backend is a CLI subprocess or a remote API.
	Kind() Kind

	// SupportsTools reports whether the backend honors tool requests
	// (allowed_tools, working_directory, add_dirs and friends).
	SupportsTools() bool

	// ProviderFamily names the upstream provider family ("anthropic",
	// "openai", "gemini", ...). Informational only.
	ProviderFamily() string

	// EstimatedCostPerRequest returns the configured per-request cost
	// estimate in USD, used by the router's cheapest-backend tie-break.
	EstimatedCostPerRequest() float64

	// IsAvailable probes whether the backend can currently serve requests.
	// Probe failures are reported as false, never as an error.
	IsAvailable(ctx context.Context) bool

	// Execute runs a single request to completion.
	Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest carries everything a backend needs to run one request.
// The query is the already-built prompt string; the session fields control
// multi-turn continuation on backends that own session state.
type ExecutionRequest struct {
	// Query is the prompt handed to the backend. Must be non-empty after
	// trimming.
	Query string

	// SessionID resumes a previous backend-owned session when set.
	SessionID string

	// ContinueConversation continues the most recent session instead of a
	// specific one.
	ContinueConversation bool

	// ForkSession branches the resumed session rather than appending to it.
	ForkSession bool

	// Ephemeral disables session persistence for this request.
	Ephemeral bool

	// Model selects the model; empty means the backend default.
	Model string

	// FallbackModel is tried when the primary model is overloaded.
	FallbackModel string

	// SystemPrompt replaces the backend's default system prompt.
	SystemPrompt string

	// AppendSystemPrompt is appended to the default system prompt.
	AppendSystemPrompt string

	// Tools selects the tool set: nil (backend default), the literal
	// "default", or an explicit list.
	Tools []string

	// AllowedTools and DisallowedTools restrict the tool surface.
	AllowedTools    []string
	DisallowedTools []string

	// PermissionMode is the tool permission policy.
	PermissionMode string

	// MaxBudgetUSD caps the spend for this request. Zero means no cap.
	MaxBudgetUSD float64

	// JSONSchema requests structured output conforming to the given schema.
	JSONSchema map[string]any

	// Agent selects a named agent; Agents defines inline agents.
	Agent  string
	Agents map[string]any

	// WorkingDirectory is the subprocess working directory.
	WorkingDirectory string

	// ContextFiles lists files whose contents were folded into the prompt.
	// Kept on the request because the router's tool predicate inspects it.
	ContextFiles []string

	// AddDirs lists extra directories exposed to the backend's tools.
	AddDirs []string

	// MCPConfigs lists MCP server configuration files or JSON blobs.
	MCPConfigs []string

	// StrictMCPConfig restricts MCP servers to the supplied configs.
	StrictMCPConfig bool

	// Verbose enables verbose backend output.
	Verbose bool

	// Betas lists beta feature flags forwarded to the backend.
	Betas []string

	// Timeout overrides the backend's wall-clock timeout when positive.
	Timeout time.Duration
}

// RequiresTools reports whether this request asks for capabilities only a
// tool-capable backend can honor. This predicate is fixed at the contract
// level; the router must not widen or narrow it.
func (r *ExecutionRequest) RequiresTools() bool {
	return len(r.AllowedTools) > 0 ||
		len(r.DisallowedTools) > 0 ||
		r.WorkingDirectory != "" ||
		len(r.ContextFiles) > 0 ||
		len(r.AddDirs) > 0
}

// EstimatedPromptTokens approximates the prompt size as ceil(chars/4).
func (r *ExecutionRequest) EstimatedPromptTokens() int {
	return (len(r.Query) + 3) / 4
}

// Usage holds token accounting for a completed request. Absent fields stay
// zero.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// Metadata is the per-request telemetry block reported by CLI backends.
type Metadata struct {
	DurationMS    int64            `json:"duration_ms"`
	APIDurationMS int64            `json:"duration_api_ms"`
	NumTurns      int              `json:"num_turns"`
	TotalCostUSD  float64          `json:"total_cost_usd"`
	Usage         Usage            `json:"usage"`
	ModelUsage    map[string]Usage `json:"model_usage,omitempty"`
	UUID          string           `json:"uuid,omitempty"`
}

// ExecutionResult is the outcome of a backend invocation.
type ExecutionResult struct {
	// OK reports whether the backend completed the request successfully.
	OK bool

	// Output is the assistant text.
	Output string

	// SessionID identifies the backend-owned session, when the backend
	// reported one. The gateway only passes it through.
	SessionID string

	// Metadata carries telemetry when the backend reported it.
	Metadata *Metadata

	// Error holds the backend's error text when OK is false.
	Error string
}
