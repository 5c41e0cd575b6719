package domain

// RunStatus represents the provider-side status of a run.
type RunStatus string

const (
	RunStatusQueued         RunStatus = "queued"
	RunStatusInProgress     RunStatus = "in_progress"
	RunStatusRequiresAction RunStatus = "requires_action"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
	RunStatusExpired        RunStatus = "expired"
	RunStatusIncomplete     RunStatus = "incomplete"
)

// IsTerminal reports whether no further events follow this status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusExpired, RunStatusIncomplete:
		return true
	}
	return false
}

// Run is the in-memory view of one streamed run. It is never persisted.
type Run struct {
	RunID    string    `json:"run_id"`
	ThreadID string    `json:"thread_id"`
	Status   RunStatus `json:"status"`
}

// ToolCall is one action request surfaced while a run requires action.
type ToolCall struct {
	ID        string `json:"tool_call_id"`
	Function  string `json:"function_name"`
	Arguments string `json:"arguments"` // serialized JSON, parsed by the executor
}

// ToolOutput is the resolved result for a single tool call.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// RunError is the provider's description of a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
