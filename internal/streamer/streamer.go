// Package streamer adapts a completed backend result into an OpenAI
// chat.completion.chunk sequence. Backends complete requests whole; clients
// asking for stream=true get the content re-sliced into fixed-size deltas
// with the standard SSE framing around them.
package streamer

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lmrouter/claude-gateway/internal/backend"
)

// ChunkSize is the delta width in characters.
const ChunkSize = 20

// doneSentinel terminates every stream, success or error.
const doneSentinel = "data: [DONE]\n\n"

// Chunk is one chat.completion.chunk event.
type Chunk struct {
	ID        string        `json:"id"`
	Object    string        `json:"object"`
	Created   int64         `json:"created"`
	Model     string        `json:"model"`
	Choices   []ChunkChoice `json:"choices"`
	SessionID string        `json:"session_id,omitempty"`
}

// ChunkChoice carries the delta for choice zero.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental content payload.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamError is the in-band error event emitted when the underlying
// completion failed.
type StreamError struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody mirrors the gateway error envelope.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Chunks slices a successful result's content into deltas. The final chunk
// has an empty delta, finish_reason "stop" and carries the session id.
func Chunks(id, model string, res *backend.ExecutionResult) []Chunk {
	created := time.Now().Unix()
	runes := []rune(res.Output)

	var out []Chunk
	for i := 0; i < len(runes); i += ChunkSize {
		end := i + ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		delta := Delta{Content: string(runes[i:end])}
		if i == 0 {
			delta.Role = "assistant"
		}
		out = append(out, Chunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChunkChoice{{Delta: delta, FinishReason: nil}},
		})
	}

	stop := "stop"
	out = append(out, Chunk{
		ID:        id,
		Object:    "chat.completion.chunk",
		Created:   created,
		Model:     model,
		Choices:   []ChunkChoice{{Delta: Delta{}, FinishReason: &stop}},
		SessionID: res.SessionID,
	})
	return out
}

// Writer frames events as SSE over an http.ResponseWriter, flushing after
// each event.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter prepares w for SSE output and sets the streaming headers. The
// headers must not have been written yet.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// Event serializes one value as a data event.
func (s *Writer) Event(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding stream event: %w", err)
	}
	if _, err = fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Done writes the terminating sentinel. Called on every path, including
// after an error event, so clients never hang waiting for more data.
func (s *Writer) Done() {
	if _, err := io.WriteString(s.w, doneSentinel); err != nil {
		log.Debugf("writing stream sentinel: %v", err)
	}
	s.flush()
}

func (s *Writer) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Stream writes a full response: the chunk sequence for a successful result
// or a single error event for a failed one, always followed by the
// sentinel.
func Stream(w http.ResponseWriter, id, model string, res *backend.ExecutionResult, failure *StreamError) {
	sw := NewWriter(w)
	defer sw.Done()

	if failure != nil {
		if err := sw.Event(failure); err != nil {
			log.Debugf("writing stream error event: %v", err)
		}
		return
	}
	for _, chunk := range Chunks(id, model, res) {
		if err := sw.Event(chunk); err != nil {
			log.Debugf("client went away mid-stream: %v", err)
			return
		}
	}
}
