package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/policy"
	"github.com/xiaot623/chatrelay/internal/travel"
)

type recordingSchedules struct {
	mu    sync.Mutex
	calls []travel.ScheduleQuery
}

func (s *recordingSchedules) Schedule(_ context.Context, q travel.ScheduleQuery) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, q)
	return json.RawMessage(`{"scheduledFlights":[{"flightNumber":"112"}]}`), nil
}

type failingItineraries struct{}

func (failingItineraries) Lookup(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

type fakeBookings struct {
	role, email, debtor string
}

func (f *fakeBookings) Live(_ context.Context, role, email, debtorID string) ([]travel.Booking, string, error) {
	f.role, f.email, f.debtor = role, email, debtorID
	return []travel.Booking{{"PNRLOC": "ABC123"}}, "", nil
}

func TestFlightScheduleReceivesExactArguments(t *testing.T) {
	schedules := &recordingSchedules{}
	d := NewDispatcher(NewBuiltinRegistry(Collaborators{Schedules: schedules}))

	outputs := d.Dispatch(context.Background(), []domain.ToolCall{{
		ID:        "call_1",
		Function:  FuncFlightSchedule,
		Arguments: `{"departure_airport":"JFK","arrival_airport":"LHR","year":2024,"month":7,"day":1}`,
	}}, nil)

	require.Len(t, schedules.calls, 1)
	assert.Equal(t, travel.ScheduleQuery{
		DepartureAirport: "JFK", ArrivalAirport: "LHR", Year: 2024, Month: 7, Day: 1,
	}, schedules.calls[0])
	require.Len(t, outputs, 1)
	assert.Equal(t, "call_1", outputs[0].ToolCallID)
	assert.JSONEq(t, `{"scheduledFlights":[{"flightNumber":"112"}]}`, outputs[0].Output)
}

func TestMalformedArgumentsYieldErrorOutput(t *testing.T) {
	schedules := &recordingSchedules{}
	d := NewDispatcher(NewBuiltinRegistry(Collaborators{Schedules: schedules}))

	outputs := d.Dispatch(context.Background(), []domain.ToolCall{
		{ID: "call_bad", Function: FuncFlightSchedule, Arguments: `{"departure_airport":`},
		{ID: "call_ok", Function: FuncCancelFlights, Arguments: `{}`},
	}, nil)

	require.Len(t, outputs, 2)
	assert.Equal(t, "call_bad", outputs[0].ToolCallID)
	assert.True(t, strings.HasPrefix(outputs[0].Output, "error: "))
	assert.Equal(t, "call_ok", outputs[1].ToolCallID)
	assert.Equal(t, "Flight cancelled successfully", outputs[1].Output)
	assert.Empty(t, schedules.calls)
}

func TestEveryCallGetsExactlyOneOutput(t *testing.T) {
	d := NewDispatcher(NewBuiltinRegistry(Collaborators{Itineraries: failingItineraries{}}), WithParallelism(4))

	calls := []domain.ToolCall{
		{ID: "A", Function: FuncGetItinerary, Arguments: `{"PNR":"ABC123"}`},
		{ID: "B", Function: FuncChangeFlight, Arguments: `{}`},
		{ID: "C", Function: "book_hotel", Arguments: `{}`},
		{ID: "D", Function: FuncVisaCheck, Arguments: `{}`},
	}
	outputs := d.Dispatch(context.Background(), calls, nil)

	require.Len(t, outputs, len(calls))
	byID := make(map[string]string)
	for _, o := range outputs {
		byID[o.ToolCallID] = o.Output
	}
	require.Len(t, byID, len(calls))
	assert.Contains(t, byID["A"], "connection refused")
	assert.Equal(t, "Flight changed successfully", byID["B"])
	assert.Contains(t, byID["C"], `unknown function "book_hotel"`)
	assert.Contains(t, byID["D"], "not configured")
}

func TestPolicyBlockProducesErrorOutput(t *testing.T) {
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	bookings := &fakeBookings{}
	d := NewDispatcher(NewBuiltinRegistry(Collaborators{Bookings: bookings}), WithPolicy(engine))

	outputs := d.Dispatch(context.Background(), []domain.ToolCall{
		{ID: "call_1", Function: FuncGetLiveBookings, Arguments: `{}`},
	}, domain.Metadata{"role": "traveller"})

	require.Len(t, outputs, 1)
	assert.Contains(t, outputs[0].Output, "blocked")
	assert.Empty(t, bookings.role)
}

func TestBookingsDefaultFromMetadata(t *testing.T) {
	bookings := &fakeBookings{}
	d := NewDispatcher(NewBuiltinRegistry(Collaborators{Bookings: bookings}))

	outputs := d.Dispatch(context.Background(), []domain.ToolCall{
		{ID: "call_1", Function: FuncGetLiveBookings, Arguments: `{"email":"override@example.com"}`},
	}, domain.Metadata{"role": "traveller", "email": "a@example.com", "debtor_id": "CTMZZZZZZZ"})

	assert.Equal(t, "traveller", bookings.role)
	assert.Equal(t, "override@example.com", bookings.email)
	assert.Equal(t, "CTMZZZZZZZ", bookings.debtor)
	assert.JSONEq(t, `[{"PNRLOC":"ABC123"}]`, outputs[0].Output)
}

func TestExecutorTimeoutAndPanic(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("slow", func(ctx context.Context, _ json.RawMessage, _ domain.Metadata) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	})
	r.MustRegister("explode", func(context.Context, json.RawMessage, domain.Metadata) (string, error) {
		panic("boom")
	})
	d := NewDispatcher(r, WithTimeout(20*time.Millisecond), WithParallelism(2))

	outputs := d.Dispatch(context.Background(), []domain.ToolCall{
		{ID: "s", Function: "slow"},
		{ID: "e", Function: "explode"},
	}, nil)

	assert.Contains(t, outputs[0].Output, "deadline exceeded")
	assert.True(t, strings.HasPrefix(outputs[1].Output, "error: "))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, json.RawMessage, domain.Metadata) (string, error) { return "", nil }
	require.NoError(t, r.Register("a", noop))
	assert.Error(t, r.Register("a", noop))
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("b", nil))
	assert.Equal(t, []string{"a"}, r.Names())
}
