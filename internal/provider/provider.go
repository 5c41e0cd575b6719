// Package provider talks to the hosted assistant service: thread creation,
// user turns, and streamed runs with tool-output continuations.
package provider

import (
	"context"

	"github.com/xiaot623/chatrelay/internal/domain"
)

// EventType classifies a decoded stream event.
type EventType string

const (
	// EventRunStatus carries a run lifecycle transition in Event.Run.
	EventRunStatus EventType = "run_status"
	// EventTextDelta carries one text fragment in Event.Text.
	EventTextDelta EventType = "text_delta"
	// EventToolCallDelta carries incremental tool call step details.
	EventToolCallDelta EventType = "tool_call_delta"
	// EventError carries a stream-level error in Event.Error.
	EventError EventType = "error"
	// EventDone marks the end of the stream.
	EventDone EventType = "done"
	// EventIgnored is any event the relay has no use for.
	EventIgnored EventType = "ignored"
)

// Event is one decoded provider stream event.
type Event struct {
	Type EventType
	Name string // raw provider event name

	Run       *domain.Run
	ToolCalls []domain.ToolCall // set when Run.Status is requires_action
	RunError  *domain.RunError  // set for failed runs

	Text  string
	Steps []StepToolCall

	Error *domain.RunError
}

// StepToolCall is a partial view of a tool call inside a run step delta.
type StepToolCall struct {
	Index     int
	ID        string // only present on the first delta of a call
	Type      string // function, code_interpreter, file_search
	Function  string
	CodeInput string
	CodeLogs  []string
}

// EventStream yields events in provider emission order. Next returns io.EOF
// once the transport is exhausted.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Provider is the assistant API surface the relay depends on.
type Provider interface {
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID, text string) error
	StreamRun(ctx context.Context, threadID string) (EventStream, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (EventStream, error)
}
