// Package claudecli runs requests on a locally installed, tool-capable CLI
// agent. It owns the riskiest surface of the gateway: assembling argv for a
// subprocess from request-supplied values, feeding it, timing it out, and
// reaping it on every path.
package claudecli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/lmrouter/claude-gateway/internal/backend"
)

// Execution failure modes surfaced to the pipeline.
var (
	// ErrTimeout reports that the subprocess exceeded its wall-clock budget
	// and was killed.
	ErrTimeout = errors.New("execution timed out")

	// ErrStdinWrite reports a failure feeding the query to the subprocess.
	ErrStdinWrite = errors.New("failed to write query to stdin")
)

// DefaultTimeout is the subprocess wall-clock budget.
const DefaultTimeout = 120 * time.Second

// Config describes one CLI backend instance.
type Config struct {
	// Name is the registry-unique backend name.
	Name string

	// Command is the CLI binary to spawn.
	Command string

	// ConfigDir is exported to the subprocess as CLAUDE_CONFIG_DIR when set.
	ConfigDir string

	// WorkingDirectory is the default cwd when the request has none.
	WorkingDirectory string

	// Timeout is the wall-clock budget; zero means DefaultTimeout.
	Timeout time.Duration

	// CostPerRequest is the configured routing cost estimate in USD.
	CostPerRequest float64
}

// Backend is a tool-capable CLI backend. It implements the gateway's
// backend contract; admission control is the pool's job, not this type's.
type Backend struct {
	cfg Config

	availOnce sync.Once
	available bool
}

// New creates a CLI backend from cfg.
func New(cfg Config) (*Backend, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("cli backend requires a name")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("cli backend %q requires a command", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Backend{cfg: cfg}, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return b.cfg.Name }

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind { return backend.KindCLI }

// SupportsTools implements backend.Backend. CLI backends always do.
func (b *Backend) SupportsTools() bool { return true }

// ProviderFamily implements backend.Backend.
func (b *Backend) ProviderFamily() string { return "anthropic" }

// EstimatedCostPerRequest implements backend.Backend.
func (b *Backend) EstimatedCostPerRequest() float64 { return b.cfg.CostPerRequest }

// IsAvailable reports whether the CLI binary resolves on PATH. The probe is
// cached: the binary does not come and go between requests.
func (b *Backend) IsAvailable(context.Context) bool {
	b.availOnce.Do(func() {
		_, err := exec.LookPath(b.cfg.Command)
		b.available = err == nil
		if err != nil {
			log.Warnf("cli backend %s: command %q not found: %v", b.cfg.Name, b.cfg.Command, err)
		}
	})
	return b.available
}

// Execute runs one subprocess for req and parses its output.
//
// Output that is not valid JSON is treated as a successful plain-text
// response: the trimmed stdout becomes the output and session/metadata stay
// empty. The alternative reading (treating unparsable stdout as failure)
// breaks CLI versions that print text in non-JSON modes.
func (b *Backend) Execute(ctx context.Context, req *backend.ExecutionRequest) (*backend.ExecutionResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, &InvalidArgumentError{Param: "query", Reason: "must not be empty"}
	}

	args, useStdin, err := buildArgs(query, req)
	if err != nil {
		return nil, err
	}

	timeout := b.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	cmd := exec.Command(b.cfg.Command, args...)
	cmd.Env = b.buildEnv()
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	} else if b.cfg.WorkingDirectory != "" {
		cmd.Dir = b.cfg.WorkingDirectory
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var stdin io.WriteCloser
	if useStdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("opening stdin pipe: %w", err)
		}
	}

	start := time.Now()
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", b.cfg.Command, err)
	}

	// kill is idempotent; every error path below may call it.
	var killOnce sync.Once
	kill := func() {
		killOnce.Do(func() {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		})
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		kill()
	})

	// Watch for caller cancellation alongside the wall-clock timer.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			kill()
		case <-waitDone:
		}
	}()

	// Both kill paths are armed before stdin is fed. A child that never
	// reads leaves the write blocked on a full pipe; killing the child is
	// the only thing that unblocks it.
	if useStdin {
		if _, err = io.WriteString(stdin, query); err == nil {
			err = stdin.Close()
		}
		if err != nil {
			kill()
			_ = cmd.Wait()
			close(waitDone)
			timer.Stop()
			if timedOut.Load() {
				log.Warnf("cli backend %s: killed after %v", b.cfg.Name, timeout)
				return nil, ErrTimeout
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrStdinWrite, err)
		}
	}

	waitErr := cmd.Wait()
	close(waitDone)
	timer.Stop()

	if timedOut.Load() {
		log.Warnf("cli backend %s: killed after %v", b.cfg.Name, timeout)
		return nil, ErrTimeout
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			code := -1
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				code = exitErr.ExitCode()
			}
			msg = fmt.Sprintf("exited with code %d", code)
		}
		return &backend.ExecutionResult{OK: false, Error: msg}, nil
	}

	log.Debugf("cli backend %s: completed in %v", b.cfg.Name, time.Since(start).Truncate(time.Millisecond))
	return parseOutput(stdout.Bytes()), nil
}

// buildEnv copies the parent environment and layers CLAUDE_CONFIG_DIR on
// top when configured.
func (b *Backend) buildEnv() []string {
	env := os.Environ()
	if b.cfg.ConfigDir != "" {
		env = append(env, "CLAUDE_CONFIG_DIR="+b.cfg.ConfigDir)
	}
	return env
}

// buildArgs assembles argv in a fixed category order: output mode, model,
// system prompt, session control, tool control, budget, structured output,
// agent, directory access, MCP, advanced. The query rides as the final
// positional argument unless a variadic flag is present, in which case it is
// fed via stdin so it cannot be swallowed as a flag value.
func buildArgs(query string, req *backend.ExecutionRequest) ([]string, bool, error) {
	args := []string{"-p", "--output-format", "json"}

	// Model selection.
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.FallbackModel != "" {
		args = append(args, "--fallback-model", req.FallbackModel)
	}

	// System prompt.
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.AppendSystemPrompt)
	}

	// Session control.
	switch {
	case req.SessionID != "":
		args = append(args, "--resume", req.SessionID)
	case req.ContinueConversation:
		args = append(args, "--continue")
	}
	if req.ForkSession {
		args = append(args, "--fork-session")
	}
	if req.Ephemeral {
		args = append(args, "--no-session-persistence")
	}

	// Tool control.
	variadic := false
	if req.Tools != nil {
		args = append(args, "--tools", strings.Join(req.Tools, ","))
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools")
		args = append(args, req.AllowedTools...)
		variadic = true
	}
	if len(req.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools")
		args = append(args, req.DisallowedTools...)
		variadic = true
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}

	// Budget.
	if req.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(req.MaxBudgetUSD, 'f', -1, 64))
	}

	// Structured output.
	if req.JSONSchema != nil {
		encoded, err := encodeJSONParam("jsonSchema", req.JSONSchema)
		if err != nil {
			return nil, false, err
		}
		args = append(args, "--json-schema", encoded)
	}

	// Agents.
	if req.Agent != "" {
		args = append(args, "--agent", req.Agent)
	}
	if req.Agents != nil {
		encoded, err := encodeJSONParam("agents", req.Agents)
		if err != nil {
			return nil, false, err
		}
		args = append(args, "--agents", encoded)
	}

	// Directory access.
	if len(req.AddDirs) > 0 {
		args = append(args, "--add-dir")
		args = append(args, req.AddDirs...)
		variadic = true
	}

	// MCP.
	for _, mcp := range req.MCPConfigs {
		args = append(args, "--mcp-config", mcp)
	}
	if req.StrictMCPConfig {
		args = append(args, "--strict-mcp-config")
	}

	// Advanced.
	if req.Verbose {
		args = append(args, "--verbose")
	}
	if len(req.Betas) > 0 {
		args = append(args, "--betas", strings.Join(req.Betas, ","))
	}

	if !variadic {
		args = append(args, query)
	}
	return args, variadic, nil
}

// parseOutput maps subprocess stdout to an execution result.
func parseOutput(out []byte) *backend.ExecutionResult {
	trimmed := bytes.TrimSpace(out)
	if !gjson.ValidBytes(trimmed) || !gjson.ParseBytes(trimmed).IsObject() {
		// Plain-text fallback: treated as success, see Execute docs.
		return &backend.ExecutionResult{OK: true, Output: string(trimmed)}
	}

	root := gjson.ParseBytes(trimmed)
	sessionID := root.Get("session_id").String()

	if root.Get("is_error").Bool() || root.Get("subtype").String() == "error" {
		return &backend.ExecutionResult{
			OK:        false,
			SessionID: sessionID,
			Error:     root.Get("result").String(),
		}
	}

	meta := &backend.Metadata{
		DurationMS:    root.Get("duration_ms").Int(),
		APIDurationMS: root.Get("duration_api_ms").Int(),
		NumTurns:      int(root.Get("num_turns").Int()),
		TotalCostUSD:  root.Get("total_cost_usd").Float(),
		Usage:         parseUsage(root.Get("usage")),
		UUID:          root.Get("uuid").String(),
	}
	if mu := root.Get("modelUsage"); mu.IsObject() {
		meta.ModelUsage = make(map[string]backend.Usage)
		mu.ForEach(func(key, value gjson.Result) bool {
			meta.ModelUsage[key.String()] = parseUsage(value)
			return true
		})
	}

	return &backend.ExecutionResult{
		OK:        true,
		Output:    root.Get("result").String(),
		SessionID: sessionID,
		Metadata:  meta,
	}
}

func parseUsage(v gjson.Result) backend.Usage {
	return backend.Usage{
		InputTokens:         int(v.Get("input_tokens").Int()),
		OutputTokens:        int(v.Get("output_tokens").Int()),
		CacheReadTokens:     int(v.Get("cache_read_input_tokens").Int()),
		CacheCreationTokens: int(v.Get("cache_creation_input_tokens").Int()),
	}
}
