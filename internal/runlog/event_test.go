package runlog

import (
	"encoding/json"
	"testing"
)

func TestDecodePayload_AllTypes(t *testing.T) {
	tests := []struct {
		typ     EventType
		payload interface{}
	}{
		{EventTextDelta, TextDelta{Text: "hello"}},
		{EventFileChunk, FileChunk{Path: "main.go", Content: "package main", Done: true}},
		{EventToolResult, ToolResult{Tool: "bash", Output: "ok", ExitCode: 0}},
		{EventPhase, Phase{Name: "scaffold"}},
		{EventTurn, Turn{Number: 2}},
		{EventError, ErrorEvent{Code: "timeout", Message: "tool timed out"}},
		{EventSessionComplete, SessionComplete{Status: "completed"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			data, err := json.Marshal(tt.payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := DecodePayload(tt.typ, data)
			if err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			if got == nil {
				t.Fatal("nil decoded payload")
			}
		})
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	if _, err := DecodePayload(EventType("mystery"), []byte(`{}`)); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestValidType(t *testing.T) {
	if !ValidType(EventSessionComplete) {
		t.Error("session_complete should be valid")
	}
	if ValidType(EventType("mystery")) {
		t.Error("unknown type should be invalid")
	}
}
