package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatrelay/internal/config"
	"github.com/xiaot623/chatrelay/internal/domain"
)

func TestMockEchoesMessage(t *testing.T) {
	ctx := context.Background()
	m := NewMock()
	thread, err := m.CreateThread(ctx)
	require.NoError(t, err)
	require.NoError(t, m.AddMessage(ctx, thread, "hello there"))

	stream, err := m.StreamRun(ctx, thread)
	require.NoError(t, err)

	var text strings.Builder
	var last domain.RunStatus
	for _, ev := range drain(t, stream) {
		switch ev.Type {
		case EventTextDelta:
			text.WriteString(ev.Text)
		case EventRunStatus:
			last = ev.Run.Status
		}
	}
	assert.Equal(t, `[MOCK] Received your message: "hello there". This is a mock response.`, text.String())
	assert.Equal(t, domain.RunStatusCompleted, last)
	assert.Equal(t, []string{"hello there"}, m.Messages(thread))
}

func TestMockFlightTriggersToolCall(t *testing.T) {
	ctx := context.Background()
	m := NewMock()
	thread, _ := m.CreateThread(ctx)
	require.NoError(t, m.AddMessage(ctx, thread, "flight status AB123"))

	stream, err := m.StreamRun(ctx, thread)
	require.NoError(t, err)
	events := drain(t, stream)

	action := events[len(events)-1]
	require.Equal(t, domain.RunStatusRequiresAction, action.Run.Status)
	require.Len(t, action.ToolCalls, 1)
	assert.Equal(t, "flight_schedule", action.ToolCalls[0].Function)
	assert.JSONEq(t, MockToolArguments, action.ToolCalls[0].Arguments)

	resumed, err := m.SubmitToolOutputs(ctx, thread, action.Run.RunID, []domain.ToolOutput{
		{ToolCallID: action.ToolCalls[0].ID, Output: `{"scheduledFlights":[]}`},
	})
	require.NoError(t, err)
	events = drain(t, resumed)
	assert.Equal(t, EventDone, events[len(events)-1].Type)
}

func TestMockRejectsUnknownRun(t *testing.T) {
	m := NewMock()
	_, err := m.SubmitToolOutputs(context.Background(), "thread_x", "run_x", nil)
	assert.True(t, domain.IsKind(err, domain.KindProvider))

	_, err = m.StreamRun(context.Background(), "thread_x")
	assert.True(t, domain.IsKind(err, domain.KindProvider))
}

func TestFactorySelectsProvider(t *testing.T) {
	_, ok := New(&config.Config{Provider: config.ProviderMock}).(*Mock)
	assert.True(t, ok)

	_, ok = New(&config.Config{Provider: config.ProviderOpenAI, OpenAIAPIKey: "k", AssistantID: "a"}).(*OpenAI)
	assert.True(t, ok)
}
