package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/xiaot623/chatrelay/internal/domain"
)

const maxSSELine = 1 << 20

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// sseReader parses a text/event-stream body one event at a time.
type sseReader struct {
	scanner *bufio.Scanner
	body    io.ReadCloser
}

func newSSEReader(body io.ReadCloser) *sseReader {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &sseReader{scanner: scanner, body: body}
}

// next returns the next complete event or io.EOF.
func (r *sseReader) next() (SSEEvent, error) {
	var event SSEEvent
	for r.scanner.Scan() {
		line := r.scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				return event, nil
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Ignore comments (lines starting with :) and other fields
	}
	if err := r.scanner.Err(); err != nil {
		return SSEEvent{}, errors.Wrap(err, "read event stream")
	}
	if event.Event != "" || event.Data != "" {
		return event, nil
	}
	return SSEEvent{}, io.EOF
}

// sseStream decodes assistant events off an SSE body.
type sseStream struct {
	reader *sseReader
}

func (s *sseStream) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	raw, err := s.reader.next()
	if err != nil {
		return Event{}, err
	}
	return decodeEvent(raw)
}

func (s *sseStream) Close() error {
	return s.reader.body.Close()
}

type wireRun struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	Status         string `json:"status"`
	RequiredAction *struct {
		SubmitToolOutputs struct {
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	LastError *domain.RunError `json:"last_error"`
}

type wireMessageDelta struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

type wireStepDelta struct {
	Delta struct {
		StepDetails struct {
			Type      string `json:"type"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function *struct {
					Name string `json:"name"`
				} `json:"function"`
				CodeInterpreter *struct {
					Input   string `json:"input"`
					Outputs []struct {
						Type string `json:"type"`
						Logs string `json:"logs"`
					} `json:"outputs"`
				} `json:"code_interpreter"`
			} `json:"tool_calls"`
		} `json:"step_details"`
	} `json:"delta"`
}

// decodeEvent maps a raw assistant stream event to an Event.
func decodeEvent(raw SSEEvent) (Event, error) {
	ev := Event{Type: EventIgnored, Name: raw.Event}

	switch {
	case raw.Event == "done" || raw.Data == "[DONE]":
		ev.Type = EventDone

	case raw.Event == "error":
		var wire struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(raw.Data), &wire); err != nil {
			ev.Error = &domain.RunError{Code: "stream_error", Message: raw.Data}
		} else if wire.Error != nil {
			ev.Error = &domain.RunError{Code: wire.Error.Code, Message: wire.Error.Message}
		} else {
			ev.Error = &domain.RunError{Code: wire.Code, Message: wire.Message}
		}
		ev.Type = EventError

	case strings.HasPrefix(raw.Event, "thread.run.step."):
		if raw.Event != "thread.run.step.delta" {
			return ev, nil
		}
		var wire wireStepDelta
		if err := json.Unmarshal([]byte(raw.Data), &wire); err != nil {
			return Event{}, errors.Wrapf(err, "decode %s", raw.Event)
		}
		if wire.Delta.StepDetails.Type != "tool_calls" {
			return ev, nil
		}
		for _, tc := range wire.Delta.StepDetails.ToolCalls {
			step := StepToolCall{Index: tc.Index, ID: tc.ID, Type: tc.Type}
			if tc.Function != nil {
				step.Function = tc.Function.Name
			}
			if tc.CodeInterpreter != nil {
				step.CodeInput = tc.CodeInterpreter.Input
				for _, out := range tc.CodeInterpreter.Outputs {
					if out.Type == "logs" {
						step.CodeLogs = append(step.CodeLogs, out.Logs)
					}
				}
			}
			ev.Steps = append(ev.Steps, step)
		}
		ev.Type = EventToolCallDelta

	case strings.HasPrefix(raw.Event, "thread.run."):
		var wire wireRun
		if err := json.Unmarshal([]byte(raw.Data), &wire); err != nil {
			return Event{}, errors.Wrapf(err, "decode %s", raw.Event)
		}
		ev.Type = EventRunStatus
		ev.Run = &domain.Run{RunID: wire.ID, ThreadID: wire.ThreadID, Status: domain.RunStatus(wire.Status)}
		if ev.Run.Status == "" {
			ev.Run.Status = domain.RunStatus(strings.TrimPrefix(raw.Event, "thread.run."))
		}
		if wire.RequiredAction != nil {
			for _, tc := range wire.RequiredAction.SubmitToolOutputs.ToolCalls {
				ev.ToolCalls = append(ev.ToolCalls, domain.ToolCall{
					ID:        tc.ID,
					Function:  tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
		ev.RunError = wire.LastError

	case raw.Event == "thread.message.delta":
		var wire wireMessageDelta
		if err := json.Unmarshal([]byte(raw.Data), &wire); err != nil {
			return Event{}, errors.Wrapf(err, "decode %s", raw.Event)
		}
		var b strings.Builder
		for _, c := range wire.Delta.Content {
			if c.Type == "text" && c.Text != nil {
				b.WriteString(c.Text.Value)
			}
		}
		ev.Type = EventTextDelta
		ev.Text = b.String()
	}

	return ev, nil
}
