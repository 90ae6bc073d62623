// Package sse provides Server-Sent Events response writing utilities.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer wraps an http.ResponseWriter for SSE streaming
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter creates a new SSE writer
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders sets the SSE response headers
func (sw *Writer) SetHeaders() {
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.Header().Set("X-Accel-Buffering", "no")
}

// WriteChunk writes already-formatted SSE bytes and flushes them out
func (sw *Writer) WriteChunk(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if _, err := sw.w.Write(chunk); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteError writes an error event
func (sw *Writer) WriteError(errorType, message string) error {
	data, err := json.Marshal(map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    errorType,
			"message": message,
		},
	})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: error\ndata: %s\n\n", data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
