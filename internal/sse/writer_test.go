package sse

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteEventRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ev := Event{ID: "42", Name: "message", Data: []byte("line one\nline two")}
	if err := WriteEvent(&buf, nil, ev); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	want := "id: 42\nevent: message\ndata: line one\ndata: line two\n\n"
	if buf.String() != want {
		t.Fatalf("frame = %q, want %q", buf.String(), want)
	}

	sc := NewScanner(&buf)
	got, err := sc.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.ID != ev.ID || got.Name != ev.Name || string(got.Data) != string(ev.Data) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestWriteEventNoData(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEvent(&buf, nil, Event{ID: "1"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if buf.String() != "id: 1\n\n" {
		t.Fatalf("frame = %q", buf.String())
	}
}

func TestWriteComment(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteComment(&buf, nil, "keepalive"); err != nil {
		t.Fatalf("WriteComment: %v", err)
	}
	if buf.String() != ": keepalive\n\n" {
		t.Fatalf("frame = %q", buf.String())
	}

	// A comment never surfaces as an event.
	sc := NewScanner(&buf)
	if _, err := sc.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
