package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/provider"
)

// scriptedProvider replays one stream for StreamRun and one per tool round.
type scriptedProvider struct {
	mu        sync.Mutex
	messages  []string
	run       []provider.Event
	rounds    [][]provider.Event
	submitted [][]domain.ToolOutput
	streamErr error
	hold      chan struct{}
	active    atomic.Int32
	maxActive atomic.Int32
}

func (p *scriptedProvider) CreateThread(context.Context) (string, error) { return "thread_1", nil }

func (p *scriptedProvider) AddMessage(_ context.Context, _ string, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, text)
	return nil
}

func (p *scriptedProvider) StreamRun(context.Context, string) (provider.EventStream, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		m := p.maxActive.Load()
		if n <= m || p.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if p.hold != nil {
		<-p.hold
	}
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	return provider.NewSliceStream(p.run...), nil
}

func (p *scriptedProvider) SubmitToolOutputs(_ context.Context, _, _ string, outputs []domain.ToolOutput) (provider.EventStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, outputs)
	i := len(p.submitted) - 1
	if i >= len(p.rounds) {
		return nil, errors.New("unexpected submission")
	}
	return provider.NewSliceStream(p.rounds[i]...), nil
}

func runEvent(status domain.RunStatus, calls ...domain.ToolCall) provider.Event {
	return provider.Event{
		Type:      provider.EventRunStatus,
		Run:       &domain.Run{RunID: "run_1", ThreadID: "thread_1", Status: status},
		ToolCalls: calls,
	}
}

func text(s string) provider.Event {
	return provider.Event{Type: provider.EventTextDelta, Text: s}
}

var done = provider.Event{Type: provider.EventDone}

func collect() (*[]string, Deliver) {
	var chunks []string
	return &chunks, func(c string) { chunks = append(chunks, c) }
}

func noDispatch(t *testing.T) Dispatch {
	return func(context.Context, []domain.ToolCall) []domain.ToolOutput {
		t.Fatal("dispatch should not be called")
		return nil
	}
}

func TestRelayDeliversInEmissionOrder(t *testing.T) {
	p := &scriptedProvider{run: []provider.Event{
		runEvent(domain.RunStatusQueued),
		runEvent(domain.RunStatusInProgress),
		text("Hel"), text("lo"), text(", "), text("world"),
		runEvent(domain.RunStatusCompleted),
		done,
	}}
	chunks, deliver := collect()

	res, err := New(p).Relay(context.Background(), "thread_1", "hi", deliver, noDispatch(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", ", ", "world"}, *chunks)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "run_1", res.RunID)
	assert.Equal(t, []string{"hi"}, p.messages)
}

func TestRelaySubmitsWholeBatchMatchedByID(t *testing.T) {
	callA := domain.ToolCall{ID: "A", Function: "flight_schedule", Arguments: `{}`}
	callB := domain.ToolCall{ID: "B", Function: "visa_check", Arguments: `{`}
	p := &scriptedProvider{
		run: []provider.Event{
			runEvent(domain.RunStatusInProgress),
			{Type: provider.EventToolCallDelta, Steps: []provider.StepToolCall{{ID: "A", Type: "function", Function: "flight_schedule"}}},
			runEvent(domain.RunStatusRequiresAction, callA, callB),
		},
		rounds: [][]provider.Event{{
			runEvent(domain.RunStatusInProgress),
			text("done"),
			runEvent(domain.RunStatusCompleted),
			done,
		}},
	}

	var dispatched []domain.ToolCall
	dispatch := func(_ context.Context, calls []domain.ToolCall) []domain.ToolOutput {
		dispatched = calls
		// Reversed, with a stray id and B missing.
		return []domain.ToolOutput{{ToolCallID: "Z", Output: "stray"}, {ToolCallID: "A", Output: "schedule"}}
	}
	chunks, deliver := collect()

	res, err := New(p).Relay(context.Background(), "thread_1", "flight status AB123", deliver, dispatch)
	require.NoError(t, err)
	assert.Equal(t, []domain.ToolCall{callA, callB}, dispatched)
	require.Len(t, p.submitted, 1)
	assert.Equal(t, []domain.ToolOutput{
		{ToolCallID: "A", Output: "schedule"},
		{ToolCallID: "B", Output: "error: no output produced for visa_check"},
	}, p.submitted[0])
	assert.Equal(t, []string{"done"}, *chunks)
	assert.Equal(t, 1, res.ToolRounds)
}

func TestRelayReentersToolRounds(t *testing.T) {
	p := &scriptedProvider{
		run: []provider.Event{runEvent(domain.RunStatusRequiresAction, domain.ToolCall{ID: "A", Function: "get_itinerary"})},
		rounds: [][]provider.Event{
			{text("checking"), runEvent(domain.RunStatusRequiresAction, domain.ToolCall{ID: "B", Function: "cancel_flights"})},
			{text("cancelled"), runEvent(domain.RunStatusCompleted)},
		},
	}
	dispatch := func(_ context.Context, calls []domain.ToolCall) []domain.ToolOutput {
		out := make([]domain.ToolOutput, len(calls))
		for i, c := range calls {
			out[i] = domain.ToolOutput{ToolCallID: c.ID, Output: "ok:" + c.ID}
		}
		return out
	}
	chunks, deliver := collect()

	res, err := New(p).Relay(context.Background(), "thread_1", "cancel", deliver, dispatch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ToolRounds)
	assert.Equal(t, []string{"checking", "cancelled"}, *chunks)
	assert.Equal(t, [][]domain.ToolOutput{
		{{ToolCallID: "A", Output: "ok:A"}},
		{{ToolCallID: "B", Output: "ok:B"}},
	}, p.submitted)
}

func TestRelayForwardsCodeInterpreterOutput(t *testing.T) {
	p := &scriptedProvider{run: []provider.Event{
		{Type: provider.EventToolCallDelta, Steps: []provider.StepToolCall{{ID: "ci", Type: "code_interpreter", CodeInput: "2+2"}}},
		{Type: provider.EventToolCallDelta, Steps: []provider.StepToolCall{{CodeLogs: []string{"4", "ok"}}}},
		runEvent(domain.RunStatusCompleted),
	}}
	chunks, deliver := collect()

	_, err := New(p).Relay(context.Background(), "thread_1", "calc", deliver, noDispatch(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"2+2", "4\nok"}, *chunks)
}

func TestRelayFailedRun(t *testing.T) {
	failed := runEvent(domain.RunStatusFailed)
	failed.RunError = &domain.RunError{Code: "rate_limit_exceeded", Message: "slow down"}
	p := &scriptedProvider{run: []provider.Event{text("partial"), failed}}
	chunks, deliver := collect()

	res, err := New(p).Relay(context.Background(), "thread_1", "hi", deliver, noDispatch(t))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindProvider))
	assert.Equal(t, "rate_limit_exceeded", domain.CodeOf(err))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, []string{"partial"}, *chunks)
	assert.Len(t, p.messages, 1)
}

func TestRelayStreamEndsEarly(t *testing.T) {
	p := &scriptedProvider{run: []provider.Event{text("a"), runEvent(domain.RunStatusInProgress)}}
	_, deliver := collect()

	res, err := New(p).Relay(context.Background(), "thread_1", "hi", deliver, noDispatch(t))
	require.Error(t, err)
	assert.Equal(t, "stream_closed", domain.CodeOf(err))
	assert.Equal(t, StateFailed, res.State)
}

func TestRelayStreamOpenFailure(t *testing.T) {
	p := &scriptedProvider{streamErr: domain.ProviderError("http_status", errors.New("400"))}
	_, deliver := collect()

	res, err := New(p).Relay(context.Background(), "thread_1", "hi", deliver, noDispatch(t))
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
}

func TestRelayErrorEvent(t *testing.T) {
	p := &scriptedProvider{run: []provider.Event{
		{Type: provider.EventError, Error: &domain.RunError{Code: "server_error", Message: "oops"}},
	}}
	_, deliver := collect()

	res, err := New(p).Relay(context.Background(), "thread_1", "hi", deliver, noDispatch(t))
	require.Error(t, err)
	assert.Equal(t, "oops", res.Error.Message)
}

func TestRelaySerialisesRunsPerThread(t *testing.T) {
	p := &scriptedProvider{
		run:  []provider.Event{runEvent(domain.RunStatusCompleted)},
		hold: make(chan struct{}),
	}
	r := New(p)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Relay(context.Background(), "thread_1", "hi", func(string) {}, noDispatch(t))
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case p.hold <- struct{}{}:
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not start")
		}
	}
	wg.Wait()
	assert.Equal(t, int32(1), p.maxActive.Load())
}
