package agent

import "tally/pkg/types"

// EventType names a progress event.
type EventType string

const (
	EventTextDelta        EventType = "text_delta"
	EventToolCallStarted  EventType = "tool_call_started"
	EventToolCallFinished EventType = "tool_call_finished"
	EventTurnComplete     EventType = "turn_complete"
)

// Event is one typed progress notification of a turn.
type Event struct {
	Type      EventType         `json:"type"`
	Text      string            `json:"text,omitempty"`
	Call      *types.ToolCall   `json:"call,omitempty"`
	Result    *types.ToolResult `json:"result,omitempty"`
	Turn      *TurnResult       `json:"turn,omitempty"`
	Iteration int               `json:"iteration,omitempty"`
}
