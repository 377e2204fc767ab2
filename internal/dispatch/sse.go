package dispatch

import (
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/janhq/cortex/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StreamWriter receives the frames of one streaming completion. The SSE
// implementation below writes to an HTTP response; tests substitute a
// recorder.
type StreamWriter interface {
	// WriteChunk emits one data: frame.
	WriteChunk(chunk models.ChatCompletionChunk) error
	// WriteDone emits the terminal data: [DONE] frame.
	WriteDone() error
	// WriteError emits a final error frame before the stream closes.
	WriteError(apiErr models.APIError) error
}

// SSEWriter streams chunks as Server-Sent Events, flushing per frame.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter prepares the response for event streaming.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

func (s *SSEWriter) writeFrame(payload []byte) error {
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *SSEWriter) WriteChunk(chunk models.ChatCompletionChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return s.writeFrame(payload)
}

func (s *SSEWriter) WriteDone() error {
	return s.writeFrame([]byte("[DONE]"))
}

func (s *SSEWriter) WriteError(apiErr models.APIError) error {
	payload, err := json.Marshal(map[string]any{"error": apiErr})
	if err != nil {
		return err
	}
	return s.writeFrame(payload)
}
