// Package api implements the remote backend family: OpenAI-compatible HTTP
// endpoints reached with a bearer key. Unlike the CLI family these backends
// hold no session state and never honor tool requests; the gateway calls
// them directly without pool admission.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lmrouter/claude-gateway/internal/backend"
)

const (
	// DefaultTimeout bounds one upstream round trip.
	DefaultTimeout = 120 * time.Second

	// probeTimeout bounds the availability probe.
	probeTimeout = 3 * time.Second

	// maxUpstreamErrorLen caps upstream error text carried into results.
	maxUpstreamErrorLen = 500
)

// Config describes one remote OpenAI-compatible backend.
type Config struct {
	// Name is the registry identifier.
	Name string `yaml:"name"`

	// BaseURL is the API root, e.g. "https://api.openai.com/v1". The
	// chat completions path is appended to it.
	BaseURL string `yaml:"base-url"`

	// APIKey is sent as a bearer token.
	APIKey string `yaml:"api-key"`

	// Model is the default model when a request names none.
	Model string `yaml:"model"`

	// ProviderFamily labels the upstream provider ("openai", "gemini", ...).
	ProviderFamily string `yaml:"provider-family"`

	// CostPerRequest is the routing cost estimate in USD.
	CostPerRequest float64 `yaml:"cost-per-request"`

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration `yaml:"timeout"`
}

// Backend is a remote OpenAI-compatible chat completions backend.
type Backend struct {
	cfg    Config
	client *http.Client
}

// New builds a remote backend from config.
func New(cfg Config) (*Backend, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("api backend requires a name")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api backend %q requires a base URL", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (b *Backend) Name() string                     { return b.cfg.Name }
func (b *Backend) Kind() backend.Kind               { return backend.KindAPI }
func (b *Backend) SupportsTools() bool              { return false }
func (b *Backend) ProviderFamily() string           { return b.cfg.ProviderFamily }
func (b *Backend) EstimatedCostPerRequest() float64 { return b.cfg.CostPerRequest }

// IsAvailable probes the models endpoint with a short timeout. Any 2xx or
// 4xx answer proves the endpoint is reachable; auth problems surface later
// on the real request with a proper error body.
func (b *Backend) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.cfg.BaseURL+"/models", nil)
	if err != nil {
		return false
	}
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusInternalServerError
}

// Execute sends one non-streaming chat completion upstream and extracts the
// first choice.
func (b *Backend) Execute(ctx context.Context, req *backend.ExecutionRequest) (*backend.ExecutionResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("backend %s: empty query", b.cfg.Name)
	}

	body, err := b.buildBody(query, req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend %s: building request: %w", b.cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("backend %s: %w", b.cfg.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("backend %s: reading response: %w", b.cfg.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return &backend.ExecutionResult{
			OK:    false,
			Error: upstreamError(resp.StatusCode, raw),
		}, nil
	}
	return parseCompletion(raw), nil
}

// buildBody assembles the upstream request JSON. sjson builds it key by key
// so optional fields are simply absent rather than zero-valued.
func (b *Backend) buildBody(query string, req *backend.ExecutionRequest) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = b.cfg.Model
	}

	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "model", model); err != nil {
		return nil, err
	}

	idx := 0
	system := req.SystemPrompt
	if system == "" && req.AppendSystemPrompt != "" {
		system = req.AppendSystemPrompt
	}
	if system != "" {
		if out, err = sjson.SetBytes(out, fmt.Sprintf("messages.%d.role", idx), "system"); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, fmt.Sprintf("messages.%d.content", idx), system); err != nil {
			return nil, err
		}
		idx++
	}
	if out, err = sjson.SetBytes(out, fmt.Sprintf("messages.%d.role", idx), "user"); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, fmt.Sprintf("messages.%d.content", idx), query); err != nil {
		return nil, err
	}

	if req.JSONSchema != nil {
		if out, err = sjson.SetBytes(out, "response_format.type", "json_schema"); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, "response_format.json_schema.schema", req.JSONSchema); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// parseCompletion extracts the first choice and usage from a completion
// response. A 200 with no extractable content is reported as a backend
// error, not a success with empty output.
func parseCompletion(raw []byte) *backend.ExecutionResult {
	root := gjson.ParseBytes(raw)

	if errMsg := root.Get("error.message"); errMsg.Exists() {
		return &backend.ExecutionResult{OK: false, Error: truncate(errMsg.String(), maxUpstreamErrorLen)}
	}

	content := root.Get("choices.0.message.content")
	if !content.Exists() {
		return &backend.ExecutionResult{OK: false, Error: "upstream returned no choices"}
	}

	res := &backend.ExecutionResult{OK: true, Output: content.String()}
	if usage := root.Get("usage"); usage.Exists() {
		res.Metadata = &backend.Metadata{
			Usage: backend.Usage{
				InputTokens:  int(usage.Get("prompt_tokens").Int()),
				OutputTokens: int(usage.Get("completion_tokens").Int()),
			},
		}
	}
	return res
}

// upstreamError renders a non-200 upstream answer as bounded error text.
// Prefers the structured error message when the body carries one.
func upstreamError(status int, raw []byte) string {
	msg := gjson.GetBytes(raw, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		return fmt.Sprintf("upstream returned status %d", status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", status, truncate(msg, maxUpstreamErrorLen))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
