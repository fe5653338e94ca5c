package claudecli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmrouter/claude-gateway/internal/backend"
)

// writeStub writes an executable shell script and returns its path.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude-stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func newStubBackend(t *testing.T, script string) *Backend {
	t.Helper()
	b, err := New(Config{Name: "claude", Command: writeStub(t, script)})
	require.NoError(t, err)
	return b
}

func TestBuildArgsFixedOrder(t *testing.T) {
	req := &backend.ExecutionRequest{
		Model:              "claude-sonnet-4",
		FallbackModel:      "claude-haiku-3-5",
		SystemPrompt:       "be brief",
		AppendSystemPrompt: "and polite",
		SessionID:          "abc-123",
		ForkSession:        true,
		PermissionMode:     "plan",
		MaxBudgetUSD:       0.5,
		Verbose:            true,
		Betas:              []string{"b1", "b2"},
	}

	args, useStdin, err := buildArgs("hello", req)
	require.NoError(t, err)
	assert.False(t, useStdin)
	assert.Equal(t, []string{
		"-p", "--output-format", "json",
		"--model", "claude-sonnet-4",
		"--fallback-model", "claude-haiku-3-5",
		"--system-prompt", "be brief",
		"--append-system-prompt", "and polite",
		"--resume", "abc-123",
		"--fork-session",
		"--permission-mode", "plan",
		"--max-budget-usd", "0.5",
		"--verbose",
		"--betas", "b1,b2",
		"hello",
	}, args)
}

func TestBuildArgsVariadicSwitchesToStdin(t *testing.T) {
	req := &backend.ExecutionRequest{
		AllowedTools: []string{"Read", "Grep"},
		AddDirs:      []string{"/tmp/a", "/tmp/b"},
	}

	args, useStdin, err := buildArgs("hello", req)
	require.NoError(t, err)
	assert.True(t, useStdin)
	assert.NotContains(t, args, "hello", "query must not ride argv next to variadic flags")
	assert.Contains(t, args, "--allowedTools")
	assert.Contains(t, args, "--add-dir")
}

func TestBuildArgsSessionPrecedence(t *testing.T) {
	req := &backend.ExecutionRequest{SessionID: "s1", ContinueConversation: true}
	args, _, err := buildArgs("q", req)
	require.NoError(t, err)
	assert.Contains(t, args, "--resume")
	assert.NotContains(t, args, "--continue", "resume wins over continue")
}

func TestExecuteEmptyQueryRejected(t *testing.T) {
	b := newStubBackend(t, `echo should-not-run; exit 1`)
	_, err := b.Execute(context.Background(), &backend.ExecutionRequest{Query: "   \n\t "})
	var argErr *InvalidArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "query", argErr.Param)
}

func TestExecuteMaliciousJSONNeverSpawns(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	b := newStubBackend(t, "touch "+marker)

	_, err := b.Execute(context.Background(), &backend.ExecutionRequest{
		Query:      "t",
		JSONSchema: map[string]any{"cmd": "$(rm -rf /)"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shell metacharacters")

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "subprocess must not have been spawned")
}

func TestExecuteParsesResultJSON(t *testing.T) {
	b := newStubBackend(t, `printf '{"result":"hi there","session_id":"sess-1","duration_ms":42,"num_turns":1,"total_cost_usd":0.003,"usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":2}}'`)

	res, err := b.Execute(context.Background(), &backend.ExecutionRequest{Query: "q"})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "hi there", res.Output)
	assert.Equal(t, "sess-1", res.SessionID)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, int64(42), res.Metadata.DurationMS)
	assert.Equal(t, 1, res.Metadata.NumTurns)
	assert.Equal(t, 0.003, res.Metadata.TotalCostUSD)
	assert.Equal(t, 10, res.Metadata.Usage.InputTokens)
	assert.Equal(t, 2, res.Metadata.Usage.CacheReadTokens)
}

func TestExecuteErrorSubtype(t *testing.T) {
	b := newStubBackend(t, `printf '{"subtype":"error","result":"budget exhausted","session_id":"sess-2"}'`)

	res, err := b.Execute(context.Background(), &backend.ExecutionRequest{Query: "q"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "budget exhausted", res.Error)
	assert.Equal(t, "sess-2", res.SessionID, "session id passes through on errors")
}

func TestExecuteTextFallbackIsSuccess(t *testing.T) {
	b := newStubBackend(t, `printf 'plain text answer\n'`)

	res, err := b.Execute(context.Background(), &backend.ExecutionRequest{Query: "q"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "plain text answer", res.Output)
	assert.Empty(t, res.SessionID)
	assert.Nil(t, res.Metadata)
}

func TestExecuteNonZeroExit(t *testing.T) {
	b := newStubBackend(t, `echo "model overloaded" >&2; exit 3`)

	res, err := b.Execute(context.Background(), &backend.ExecutionRequest{Query: "q"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "model overloaded", res.Error)
}

func TestExecuteNonZeroExitNoStderr(t *testing.T) {
	b := newStubBackend(t, `exit 7`)

	res, err := b.Execute(context.Background(), &backend.ExecutionRequest{Query: "q"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "exited with code 7", res.Error)
}

func TestExecuteTimeoutKillsProcess(t *testing.T) {
	b := newStubBackend(t, `exec sleep 10`)

	start := time.Now()
	_, err := b.Execute(context.Background(), &backend.ExecutionRequest{
		Query:   "q",
		Timeout: 100 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout must reap the child promptly")
}

func TestExecuteTimeoutFiresWhileStdinBlocked(t *testing.T) {
	// The child never reads stdin, so a query larger than the OS pipe
	// buffer blocks the write. The wall-clock timer must still fire and
	// reap the child, unblocking the writer.
	b := newStubBackend(t, `exec sleep 10`)

	start := time.Now()
	_, err := b.Execute(context.Background(), &backend.ExecutionRequest{
		Query:        strings.Repeat("x", 512*1024),
		AllowedTools: []string{"Read"},
		Timeout:      500 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second, "blocked stdin write must not outlive the timeout")
}

func TestExecuteContextCancellation(t *testing.T) {
	b := newStubBackend(t, `exec sleep 10`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := b.Execute(ctx, &backend.ExecutionRequest{Query: "q"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteStdinMode(t *testing.T) {
	// With a variadic flag present the query arrives on stdin; the stub
	// echoes stdin back inside a JSON envelope.
	b := newStubBackend(t, `q=$(cat); printf '{"result":"got:%s"}' "$q"`)

	res, err := b.Execute(context.Background(), &backend.ExecutionRequest{
		Query:   "from-stdin",
		AddDirs: []string{"/tmp"},
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "got:from-stdin", res.Output)
}

func TestIsAvailable(t *testing.T) {
	b := newStubBackend(t, `exit 0`)
	assert.True(t, b.IsAvailable(context.Background()))

	missing, err := New(Config{Name: "gone", Command: "/nonexistent/claude-binary"})
	require.NoError(t, err)
	assert.False(t, missing.IsAvailable(context.Background()))
}
