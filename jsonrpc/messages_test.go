package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestAnyMessageValidation(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"request", `{"jsonrpc":"2.0","method":"tools/list","id":1}`, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress"}`, false},
		{"result response", `{"jsonrpc":"2.0","result":{},"id":1}`, false},
		{"error response", `{"jsonrpc":"2.0","error":{"code":-32601,"message":"nope"},"id":1}`, false},
		{"wrong version", `{"jsonrpc":"1.0","method":"x","id":1}`, true},
		{"request with result", `{"jsonrpc":"2.0","method":"x","result":{},"id":1}`, true},
		{"response with both", `{"jsonrpc":"2.0","result":{},"error":{"code":1,"message":"m"},"id":1}`, true},
		{"response with neither", `{"jsonrpc":"2.0","id":1}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg AnyMessage
			err := json.Unmarshal([]byte(tc.raw), &msg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestAnyMessageType(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"jsonrpc":"2.0","method":"tools/list","id":1}`, "request"},
		{`{"jsonrpc":"2.0","method":"notifications/progress"}`, "notification"},
		{`{"jsonrpc":"2.0","result":{},"id":1}`, "response"},
	}
	for _, tc := range cases {
		var msg AnyMessage
		if err := json.Unmarshal([]byte(tc.raw), &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got := msg.Type(); got != tc.want {
			t.Fatalf("Type(%s) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestRequestIDForms(t *testing.T) {
	var numeric AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","result":{},"id":42}`), &numeric); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if numeric.ID.String() != "42" {
		t.Fatalf("numeric id = %q", numeric.ID.String())
	}

	var str AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","result":{},"id":"abc"}`), &str); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if str.ID.String() != "abc" {
		t.Fatalf("string id = %q", str.ID.String())
	}

	if !(*RequestID)(nil).IsNil() {
		t.Fatal("nil id must report IsNil")
	}
}

func TestAsRequestAndAsResponse(t *testing.T) {
	var req AnyMessage
	_ = json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`), &req)
	if req.AsRequest() == nil || req.AsResponse() != nil {
		t.Fatal("request views are wrong")
	}

	var resp AnyMessage
	_ = json.Unmarshal([]byte(`{"jsonrpc":"2.0","result":{},"id":1}`), &resp)
	if resp.AsResponse() == nil || resp.AsRequest() != nil {
		t.Fatal("response views are wrong")
	}
}
