// Package runlog implements the durable, append-only run event log: atomic
// sequence assignment, the replay query, and post-commit broadcast to live
// streaming sessions.
package runlog

import (
	"encoding/json"
	"fmt"
)

// EventType tags a run event payload. The set is closed: decoding an
// unknown type is an error so consumers cannot silently drop event kinds.
type EventType string

const (
	// EventTextDelta carries a chunk of assistant text.
	EventTextDelta EventType = "text_delta"
	// EventFileChunk carries a chunk of a generated file.
	EventFileChunk EventType = "file_chunk"
	// EventToolResult carries the outcome of one tool execution.
	EventToolResult EventType = "tool_result"
	// EventPhase marks a transition between run phases.
	EventPhase EventType = "phase"
	// EventTurn marks the start of an agent turn.
	EventTurn EventType = "turn"
	// EventError carries a non-fatal error surfaced to the client.
	EventError EventType = "error"
	// EventSessionComplete is the terminal marker; streaming sessions
	// close after delivering it.
	EventSessionComplete EventType = "session_complete"
)

// TextDelta is the payload for EventTextDelta.
type TextDelta struct {
	Text string `json:"text"`
}

// FileChunk is the payload for EventFileChunk.
type FileChunk struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// ToolResult is the payload for EventToolResult.
type ToolResult struct {
	Tool     string `json:"tool"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Phase is the payload for EventPhase.
type Phase struct {
	Name string `json:"name"`
}

// Turn is the payload for EventTurn.
type Turn struct {
	Number int `json:"number"`
}

// ErrorEvent is the payload for EventError.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionComplete is the payload for EventSessionComplete.
type SessionComplete struct {
	Status string `json:"status"`
}

// DecodePayload unmarshals a stored payload into its typed form. The switch
// is exhaustive over the closed event set.
func DecodePayload(typ EventType, data []byte) (interface{}, error) {
	decode := func(v interface{}) (interface{}, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("runlog: decode %s payload: %w", typ, err)
		}
		return v, nil
	}

	switch typ {
	case EventTextDelta:
		return decode(&TextDelta{})
	case EventFileChunk:
		return decode(&FileChunk{})
	case EventToolResult:
		return decode(&ToolResult{})
	case EventPhase:
		return decode(&Phase{})
	case EventTurn:
		return decode(&Turn{})
	case EventError:
		return decode(&ErrorEvent{})
	case EventSessionComplete:
		return decode(&SessionComplete{})
	default:
		return nil, fmt.Errorf("runlog: unknown event type %q", typ)
	}
}

// ValidType reports whether typ is a member of the closed event set.
func ValidType(typ EventType) bool {
	switch typ {
	case EventTextDelta, EventFileChunk, EventToolResult, EventPhase,
		EventTurn, EventError, EventSessionComplete:
		return true
	}
	return false
}
