package proxy

import (
	"net/http"
	"testing"
)

func respWith(contentType string, contentLength int64) *http.Response {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &http.Response{Header: h, ContentLength: contentLength}
}

func TestClassifyCategories(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		want        ContentCategory
	}{
		{"json", "application/json", CategorySingleReply},
		{"json with charset", "application/json; charset=utf-8", CategorySingleReply},
		{"event stream", "text/event-stream", CategoryEventStream},
		{"event stream with charset", "text/event-stream; charset=utf-8", CategoryEventStream},
		{"similar prefix is not a stream", "text/event-stream-diagnostics", CategoryPassthrough},
		{"octet stream", "application/octet-stream", CategoryPassthrough},
		{"html", "text/html", CategoryPassthrough},
		{"missing", "", CategoryPassthrough},
		{"malformed", "not a media type;;;", CategoryPassthrough},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meta := Classify(respWith(tc.contentType, -1))
			if meta.Category != tc.want {
				t.Fatalf("Classify(%q) = %v, want %v", tc.contentType, meta.Category, tc.want)
			}
		})
	}
}

func TestClassifyZeroLengthStream(t *testing.T) {
	meta := Classify(respWith("text/event-stream", 0))
	if meta.Category != CategoryEventStream {
		t.Fatalf("zero-length stream classified as %v", meta.Category)
	}
	if meta.ContentLength != 0 || meta.Indeterminate {
		t.Fatalf("length metadata wrong: %+v", meta)
	}
}

func TestClassifyIndeterminateLength(t *testing.T) {
	meta := Classify(respWith("application/json", -1))
	if !meta.Indeterminate {
		t.Fatalf("expected indeterminate length, got %+v", meta)
	}
}

func TestClassifyCapturesSessionID(t *testing.T) {
	resp := respWith("application/json", 10)
	resp.Header.Set("Mcp-Session-Id", "sess-123")
	meta := Classify(resp)
	if meta.SessionID != "sess-123" {
		t.Fatalf("SessionID = %q", meta.SessionID)
	}
	if meta.MediaType != "application/json" {
		t.Fatalf("MediaType = %q", meta.MediaType)
	}
}
