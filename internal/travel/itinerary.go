// Package travel holds the external collaborators behind the assistant's
// tools: itinerary lookup, flight schedules, visa requirements and live
// bookings.
package travel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const defaultHTTPTimeout = 30 * time.Second

func newHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// ItineraryClient asks the cancellation service for a booking's itinerary.
type ItineraryClient struct {
	url        string
	httpClient *http.Client
}

// NewItineraryClient creates a client posting to url.
func NewItineraryClient(url string, httpClient *http.Client) *ItineraryClient {
	return &ItineraryClient{url: url, httpClient: newHTTPClient(httpClient)}
}

type itineraryRequest struct {
	PNR      string `json:"PNR"`
	LastName string `json:"LASTNAME"`
	UserRole string `json:"USER_ROLE"`
	Email    string `json:"EMAIL"`
	DebtorID string `json:"DEBTORID"`
	Office   string `json:"OFFICE"`
	Intent   string `json:"INTENT"`
}

// Lookup returns the raw response text for pnr. The service answers with
// text for both found and unknown records, so any status is passed through.
func (c *ItineraryClient) Lookup(ctx context.Context, pnr string) (string, error) {
	if c.url == "" {
		return "", errors.New("cancellation url is not configured")
	}
	body, err := json.Marshal(itineraryRequest{
		PNR:      pnr,
		LastName: "test_lastname",
		UserRole: "traveller",
		Email:    "test_email@example.com",
		DebtorID: "CTMZZZZZZZ",
		Office:   "test_office",
		Intent:   "check_if_cancel_possible",
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch itinerary")
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read itinerary")
	}
	return string(text), nil
}
