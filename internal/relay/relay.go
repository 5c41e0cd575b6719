// Package relay drives one assistant run per user turn: it submits the
// message, forwards text fragments in order, resolves tool calls whenever
// the run requires action, and stops at a terminal run state.
package relay

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/keylock"
	"github.com/xiaot623/chatrelay/internal/provider"
)

// State is the relay loop's position in a run.
type State string

const (
	StateSubmitting          State = "submitting"
	StateStreaming           State = "streaming"
	StateAwaitingToolOutputs State = "awaiting_tool_outputs"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// Deliver receives one text fragment. It is called from the relay loop in
// provider emission order.
type Deliver func(chunk string)

// Dispatch resolves a batch of tool calls.
type Dispatch func(ctx context.Context, calls []domain.ToolCall) []domain.ToolOutput

// Result summarises a finished relay.
type Result struct {
	RunID      string
	ThreadID   string
	State      State
	Status     domain.RunStatus
	ToolRounds int
	Error      *domain.RunError
}

// Relay runs turns against a provider. Turns on the same thread are
// serialised; turns on different threads run concurrently.
type Relay struct {
	provider provider.Provider
	threads  *keylock.Map
}

// New creates a relay over p.
func New(p provider.Provider) *Relay {
	return &Relay{provider: p, threads: keylock.New()}
}

// Relay appends text to the thread and streams the resulting run until it
// completes or fails. A failed run is returned as a provider error along
// with the partial result; it is never resubmitted.
func (r *Relay) Relay(ctx context.Context, threadID, text string, deliver Deliver, dispatch Dispatch) (*Result, error) {
	unlock, err := r.threads.Lock(ctx, threadID)
	if err != nil {
		return nil, errors.Wrap(err, "wait for active run on thread")
	}
	defer unlock()

	l := &loop{
		provider: r.provider,
		deliver:  deliver,
		dispatch: dispatch,
		result:   &Result{ThreadID: threadID, State: StateSubmitting},
		seen:     make(map[string]struct{}),
		logger:   log.With().Str("component", "relay").Str("thread_id", threadID).Logger(),
	}
	return l.run(ctx, text)
}

type loop struct {
	provider provider.Provider
	deliver  Deliver
	dispatch Dispatch
	result   *Result
	seen     map[string]struct{}
	logger   zerolog.Logger
}

func (l *loop) fail(err error) (*Result, error) {
	l.result.State = StateFailed
	l.logger.Warn().Err(err).Str("run_id", l.result.RunID).Msg("run failed")
	return l.result, err
}

func (l *loop) run(ctx context.Context, text string) (*Result, error) {
	threadID := l.result.ThreadID

	if err := l.provider.AddMessage(ctx, threadID, text); err != nil {
		return l.fail(err)
	}
	stream, err := l.provider.StreamRun(ctx, threadID)
	if err != nil {
		return l.fail(err)
	}
	l.result.State = StateStreaming
	defer func() { _ = stream.Close() }()

	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return l.fail(domain.ProviderError("stream_closed", errors.New("stream ended before the run finished")))
		}
		if err != nil {
			return l.fail(domain.ProviderError("transport", err))
		}

		switch ev.Type {
		case provider.EventTextDelta:
			if ev.Text != "" {
				l.deliver(ev.Text)
			}

		case provider.EventToolCallDelta:
			l.onToolCallDelta(ev.Steps)

		case provider.EventError:
			if ev.Error == nil {
				ev.Error = &domain.RunError{Code: "stream_error", Message: "provider reported an error"}
			}
			l.result.Error = ev.Error
			return l.fail(domain.ProviderError(ev.Error.Code, errors.New(ev.Error.Message)))

		case provider.EventDone:
			return l.fail(domain.ProviderError("stream_closed", errors.New("stream ended before the run finished")))

		case provider.EventRunStatus:
			l.result.RunID = ev.Run.RunID
			l.result.Status = ev.Run.Status
			l.logger.Debug().Str("run_id", ev.Run.RunID).Str("status", string(ev.Run.Status)).Msg("run status")

			switch {
			case ev.Run.Status == domain.RunStatusRequiresAction:
				next, err := l.resolve(ctx, ev)
				if err != nil {
					return l.fail(err)
				}
				_ = stream.Close()
				stream = next

			case ev.Run.Status == domain.RunStatusCompleted:
				l.result.State = StateDone
				l.logger.Info().Str("run_id", l.result.RunID).Int("tool_rounds", l.result.ToolRounds).Msg("run completed")
				return l.result, nil

			case ev.Run.Status.IsTerminal():
				runErr := ev.RunError
				if runErr == nil {
					runErr = &domain.RunError{Code: string(ev.Run.Status), Message: "run ended with status " + string(ev.Run.Status)}
				}
				l.result.Error = runErr
				return l.fail(domain.ProviderError(runErr.Code, errors.New(runErr.Message)))
			}
		}
	}
}

// onToolCallDelta notes new tool calls and forwards code interpreter
// input and logs as chunks.
func (l *loop) onToolCallDelta(steps []provider.StepToolCall) {
	for _, step := range steps {
		if step.ID != "" {
			if _, ok := l.seen[step.ID]; !ok {
				l.seen[step.ID] = struct{}{}
				l.logger.Debug().
					Str("run_id", l.result.RunID).
					Str("tool_call_id", step.ID).
					Str("type", step.Type).
					Str("function", step.Function).
					Msg("tool call created")
			}
		}
		if step.CodeInput != "" {
			l.deliver(step.CodeInput)
		}
		if len(step.CodeLogs) > 0 {
			l.deliver(strings.Join(step.CodeLogs, "\n"))
		}
	}
}

// resolve dispatches every pending call and submits the full batch as one
// continuation.
func (l *loop) resolve(ctx context.Context, ev provider.Event) (provider.EventStream, error) {
	if len(ev.ToolCalls) == 0 {
		return nil, domain.ProviderError("no_tool_calls", errors.New("run requires action without tool calls"))
	}
	l.result.State = StateAwaitingToolOutputs
	l.result.ToolRounds++

	calls := uniqueCalls(ev.ToolCalls)
	l.logger.Info().
		Str("run_id", ev.Run.RunID).
		Int("tool_calls", len(calls)).
		Int("round", l.result.ToolRounds).
		Msg("run requires action")

	outputs := reconcile(calls, l.dispatch(ctx, calls))
	next, err := l.provider.SubmitToolOutputs(ctx, l.result.ThreadID, ev.Run.RunID, outputs)
	if err != nil {
		return nil, err
	}
	l.result.State = StateStreaming
	return next, nil
}

func uniqueCalls(calls []domain.ToolCall) []domain.ToolCall {
	seen := make(map[string]struct{}, len(calls))
	out := make([]domain.ToolCall, 0, len(calls))
	for _, c := range calls {
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// reconcile matches outputs to calls by id. Calls without an output get an
// error placeholder and outputs for unknown ids are dropped, so the batch
// always has exactly one output per pending call.
func reconcile(calls []domain.ToolCall, outputs []domain.ToolOutput) []domain.ToolOutput {
	byID := make(map[string]string, len(outputs))
	for _, o := range outputs {
		if _, ok := byID[o.ToolCallID]; !ok {
			byID[o.ToolCallID] = o.Output
		}
	}
	result := make([]domain.ToolOutput, len(calls))
	for i, c := range calls {
		out, ok := byID[c.ID]
		if !ok {
			out = "error: no output produced for " + c.Function
		}
		result[i] = domain.ToolOutput{ToolCallID: c.ID, Output: out}
	}
	return result
}
