package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xiaot623/chatrelay/internal/domain"
)

// MockToolArguments is what the mock assistant sends with its flight_schedule call.
const MockToolArguments = `{"departure_airport":"JFK","arrival_airport":"LHR","year":2024,"month":7,"day":1}`

// Mock is an in-process assistant for local runs and tests. Messages that
// mention "flight" trigger a flight_schedule tool call, messages containing
// "fail" produce a failed run, and anything else is echoed back in chunks.
type Mock struct {
	mu      sync.Mutex
	threads map[string][]string
	runs    map[string]string // run id -> thread id
}

// NewMock creates a mock provider.
func NewMock() *Mock {
	return &Mock{
		threads: make(map[string][]string),
		runs:    make(map[string]string),
	}
}

var _ Provider = (*Mock)(nil)

func (m *Mock) CreateThread(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "thread_mock_" + uuid.NewString()
	m.mu.Lock()
	m.threads[id] = nil
	m.mu.Unlock()
	return id, nil
}

func (m *Mock) AddMessage(ctx context.Context, threadID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return domain.ProviderError("not_found", errors.Errorf("no thread %s", threadID))
	}
	m.threads[threadID] = append(m.threads[threadID], text)
	return nil
}

// Messages returns the user turns added to a thread.
func (m *Mock) Messages(threadID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.threads[threadID]...)
}

func (m *Mock) StreamRun(ctx context.Context, threadID string) (EventStream, error) {
	m.mu.Lock()
	msgs, ok := m.threads[threadID]
	runID := "run_mock_" + uuid.NewString()
	if ok {
		m.runs[runID] = threadID
	}
	m.mu.Unlock()
	if !ok {
		return nil, domain.ProviderError("not_found", errors.Errorf("no thread %s", threadID))
	}

	var last string
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1]
	}
	run := domain.Run{RunID: runID, ThreadID: threadID}
	events := []Event{status(run, domain.RunStatusQueued), status(run, domain.RunStatusInProgress)}

	lower := strings.ToLower(last)
	switch {
	case strings.Contains(lower, "fail"):
		failed := status(run, domain.RunStatusFailed)
		failed.RunError = &domain.RunError{Code: "server_error", Message: "[MOCK] run failed"}
		events = append(events, failed)
	case strings.Contains(lower, "flight"):
		callID := "call_mock_" + uuid.NewString()
		events = append(events, Event{
			Type:  EventToolCallDelta,
			Steps: []StepToolCall{{ID: callID, Type: "function", Function: "flight_schedule"}},
		})
		action := status(run, domain.RunStatusRequiresAction)
		action.ToolCalls = []domain.ToolCall{{ID: callID, Function: "flight_schedule", Arguments: MockToolArguments}}
		return &sliceStream{events: append(events, action)}, nil
	default:
		reply := fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(last, 100))
		events = append(events, textEvents(reply)...)
		events = append(events, status(run, domain.RunStatusCompleted))
	}
	return &sliceStream{events: append(events, Event{Type: EventDone, Name: "done"})}, nil
}

func (m *Mock) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (EventStream, error) {
	m.mu.Lock()
	owner, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok || owner != threadID {
		return nil, domain.ProviderError("not_found", errors.Errorf("no run %s on thread %s", runID, threadID))
	}

	run := domain.Run{RunID: runID, ThreadID: threadID}
	events := []Event{status(run, domain.RunStatusInProgress)}
	for _, out := range outputs {
		events = append(events, textEvents(fmt.Sprintf("[MOCK] Tool %s returned: %s\n", out.ToolCallID, truncate(out.Output, 100)))...)
	}
	events = append(events, status(run, domain.RunStatusCompleted), Event{Type: EventDone, Name: "done"})
	return &sliceStream{events: events}, nil
}

func status(run domain.Run, s domain.RunStatus) Event {
	run.Status = s
	return Event{Type: EventRunStatus, Name: "thread.run." + string(s), Run: &run}
}

func textEvents(s string) []Event {
	var out []Event
	for _, chunk := range splitIntoChunks(s, 10) {
		out = append(out, Event{Type: EventTextDelta, Name: "thread.message.delta", Text: chunk})
	}
	return out
}

// sliceStream replays a fixed event list.
type sliceStream struct {
	mu     sync.Mutex
	events []Event
	pos    int
}

// NewSliceStream returns an EventStream over a fixed sequence of events.
func NewSliceStream(events ...Event) EventStream {
	return &sliceStream{events: events}
}

func (s *sliceStream) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return nil
	}
	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
