package sse

import (
	"fmt"
	"io"
)

// Flusher is the subset of http.Flusher the writer needs. Implementations
// that buffer (httptest recorders, pipes) may make Flush a no-op.
type Flusher interface {
	Flush()
}

// WriteEvent writes one SSE record and flushes it. Data containing newlines
// is split across multiple data: lines so the frame stays well formed.
func WriteEvent(w io.Writer, f Flusher, ev Event) error {
	if ev.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if ev.Name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Name); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	start := 0
	for i := 0; len(ev.Data) > 0 && i <= len(ev.Data); i++ {
		if i == len(ev.Data) || ev.Data[i] == '\n' {
			if _, err := w.Write([]byte("data: ")); err != nil {
				return fmt.Errorf("failed to write SSE data prefix: %w", err)
			}
			if _, err := w.Write(ev.Data[start:i]); err != nil {
				return fmt.Errorf("failed to write SSE payload: %w", err)
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return fmt.Errorf("failed to write SSE line terminator: %w", err)
			}
			start = i + 1
		}
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	if f != nil {
		f.Flush()
	}
	return nil
}

// WriteComment writes a comment line, typically used as a keep-alive.
func WriteComment(w io.Writer, f Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return fmt.Errorf("failed to write SSE comment: %w", err)
	}
	if f != nil {
		f.Flush()
	}
	return nil
}
