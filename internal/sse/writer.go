package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming_unsupported")

// Writer writes events to an HTTP response, flushing after each one.
// It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

// NewWriter sends the event-stream headers and returns a Writer.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &Writer{w: w, f: f}, nil
}

// Send writes data as one message event. Embedded newlines become
// separate data lines.
func (w *Writer) Send(data string) error {
	var b strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return w.write(b.String())
}

// SendJSON marshals v and sends it as one event.
func (w *Writer) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return w.Send(string(data))
}

// Comment writes a comment line, used as a keep-alive.
func (w *Writer) Comment(text string) error {
	return w.write(": " + strings.ReplaceAll(text, "\n", " ") + "\n\n")
}

func (w *Writer) write(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write([]byte(s)); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}
