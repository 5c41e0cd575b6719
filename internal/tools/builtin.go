package tools

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/travel"
)

// Function names the assistant is configured with.
const (
	FuncGetItinerary    = "get_itinerary"
	FuncFlightSchedule  = "flight_schedule"
	FuncVisaCheck       = "visa_check"
	FuncGetLiveBookings = "get_live_bookings"
	FuncCancelFlights   = "cancel_flights"
	FuncChangeFlight    = "change_flight"
)

// Itineraries looks up a booking by PNR.
type Itineraries interface {
	Lookup(ctx context.Context, pnr string) (string, error)
}

// Schedules looks up flight schedules.
type Schedules interface {
	Schedule(ctx context.Context, q travel.ScheduleQuery) (json.RawMessage, error)
}

// Visas checks entry requirements.
type Visas interface {
	Check(ctx context.Context, q travel.VisaQuery) (string, error)
}

// Bookings lists a traveller's upcoming bookings.
type Bookings interface {
	Live(ctx context.Context, role, email, debtorID string) ([]travel.Booking, string, error)
}

// Collaborators are the external systems behind the builtin tools. A nil
// collaborator leaves its tool registered but failing with a clear error.
type Collaborators struct {
	Itineraries Itineraries
	Schedules   Schedules
	Visas       Visas
	Bookings    Bookings
}

var errNotConfigured = errors.New("not configured on this relay")

// NewBuiltinRegistry registers the travel assistant's tools.
func NewBuiltinRegistry(c Collaborators) *Registry {
	r := NewRegistry()

	r.MustRegister(FuncGetItinerary, func(ctx context.Context, args json.RawMessage, _ domain.Metadata) (string, error) {
		if c.Itineraries == nil {
			return "", errors.Wrap(errNotConfigured, "itinerary lookup")
		}
		var in struct {
			PNR string `json:"PNR"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", errors.Wrap(err, "invalid get_itinerary arguments")
		}
		if in.PNR == "" {
			return "", errors.New("PNR is required")
		}
		return c.Itineraries.Lookup(ctx, in.PNR)
	})

	r.MustRegister(FuncFlightSchedule, func(ctx context.Context, args json.RawMessage, _ domain.Metadata) (string, error) {
		if c.Schedules == nil {
			return "", errors.Wrap(errNotConfigured, "flight schedule lookup")
		}
		var q travel.ScheduleQuery
		if err := json.Unmarshal(args, &q); err != nil {
			return "", errors.Wrap(err, "invalid flight_schedule arguments")
		}
		out, err := c.Schedules.Schedule(ctx, q)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})

	r.MustRegister(FuncVisaCheck, func(ctx context.Context, args json.RawMessage, _ domain.Metadata) (string, error) {
		if c.Visas == nil {
			return "", errors.Wrap(errNotConfigured, "visa check")
		}
		var q travel.VisaQuery
		if err := json.Unmarshal(args, &q); err != nil {
			return "", errors.Wrap(err, "invalid visa_check arguments")
		}
		return c.Visas.Check(ctx, q)
	})

	r.MustRegister(FuncGetLiveBookings, func(ctx context.Context, args json.RawMessage, meta domain.Metadata) (string, error) {
		if c.Bookings == nil {
			return "", errors.Wrap(errNotConfigured, "bookings query")
		}
		var in struct {
			Role     string `json:"role"`
			Email    string `json:"email"`
			DebtorID string `json:"debtorId"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return "", errors.Wrap(err, "invalid get_live_bookings arguments")
		}
		if in.Role == "" {
			in.Role = meta.String("role")
		}
		if in.Email == "" {
			in.Email = meta.String("email")
		}
		if in.DebtorID == "" {
			in.DebtorID = meta.String("debtor_id")
		}

		rows, notice, err := c.Bookings.Live(ctx, in.Role, in.Email, in.DebtorID)
		if err != nil {
			return "", err
		}
		if notice != "" {
			return notice, nil
		}
		out, err := json.Marshal(rows)
		if err != nil {
			return "", errors.Wrap(err, "encode bookings")
		}
		return string(out), nil
	})

	r.MustRegister(FuncCancelFlights, func(context.Context, json.RawMessage, domain.Metadata) (string, error) {
		return "Flight cancelled successfully", nil
	})
	r.MustRegister(FuncChangeFlight, func(context.Context, json.RawMessage, domain.Metadata) (string, error) {
		return "Flight changed successfully", nil
	})

	return r
}
