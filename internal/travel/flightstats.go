package travel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ScheduleQuery selects departures on one day between two airports.
type ScheduleQuery struct {
	DepartureAirport string `json:"departure_airport"`
	ArrivalAirport   string `json:"arrival_airport"`
	Year             int    `json:"year"`
	Month            int    `json:"month"`
	Day              int    `json:"day"`
}

// ScheduleFailure is returned in place of a schedule when the API rejects a query.
type ScheduleFailure struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

// FlightStatsClient queries the FlightStats schedules API.
type FlightStatsClient struct {
	baseURL    string
	appID      string
	appKey     string
	httpClient *http.Client
}

// NewFlightStatsClient creates a schedules client.
func NewFlightStatsClient(baseURL, appID, appKey string, httpClient *http.Client) *FlightStatsClient {
	return &FlightStatsClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		appID:      appID,
		appKey:     appKey,
		httpClient: newHTTPClient(httpClient),
	}
}

// Schedule returns the API's JSON document for q. A non-200 answer yields a
// ScheduleFailure document rather than an error.
func (c *FlightStatsClient) Schedule(ctx context.Context, q ScheduleQuery) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/from/%s/to/%s/departing/%d/%d/%d",
		c.baseURL,
		url.PathEscape(q.DepartureAirport),
		url.PathEscape(q.ArrivalAirport),
		q.Year, q.Month, q.Day,
	)
	params := url.Values{}
	params.Set("appId", c.appID)
	params.Set("appKey", c.appKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch flight schedule")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return json.Marshal(ScheduleFailure{Error: resp.StatusCode, Message: "Failed to retrieve data"})
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read flight schedule")
	}
	if !json.Valid(body) {
		return nil, errors.New("flight schedule response is not valid JSON")
	}
	return json.RawMessage(body), nil
}
