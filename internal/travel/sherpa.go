package travel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// VisaQuery describes a trip for a visa requirement check.
type VisaQuery struct {
	PassportCountry  string   `json:"passportCountry"`
	DepartureDate    string   `json:"departureDate"`
	ArrivalDate      string   `json:"arrivalDate"`
	DepartureAirport string   `json:"departureAirport"`
	ArrivalAirport   string   `json:"arrivalAirport"`
	TransitCities    []string `json:"transitCities"`
	TravelPurpose    string   `json:"travelPurpose"`
}

// SherpaClient checks entry requirements with the Sherpa trips API.
type SherpaClient struct {
	url         string
	apiKey      string
	affiliateID string
	httpClient  *http.Client
}

// NewSherpaClient creates a requirements client.
func NewSherpaClient(url, apiKey, affiliateID string, httpClient *http.Client) *SherpaClient {
	return &SherpaClient{url: url, apiKey: apiKey, affiliateID: affiliateID, httpClient: newHTTPClient(httpClient)}
}

type sherpaTime struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

type sherpaNode struct {
	Type        string      `json:"type"`
	AirportCode string      `json:"airportCode"`
	Departure   *sherpaTime `json:"departure,omitempty"`
	Arrival     *sherpaTime `json:"arrival,omitempty"`
}

type sherpaRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Locale    string `json:"locale"`
			Traveller struct {
				Passports      []string `json:"passports"`
				TravelPurposes []string `json:"travelPurposes"`
			} `json:"traveller"`
			TravelNodes []sherpaNode `json:"travelNodes"`
		} `json:"attributes"`
	} `json:"data"`
}

type sherpaResponse struct {
	Data struct {
		Attributes struct {
			InformationGroups []struct {
				Name      string `json:"name"`
				Headline  string `json:"headline"`
				Groupings []struct {
					Name        string `json:"name"`
					Enforcement string `json:"enforcement"`
					Data        []struct {
						ID string `json:"id"`
					} `json:"data"`
				} `json:"groupings"`
			} `json:"informationGroups"`
		} `json:"attributes"`
	} `json:"data"`
	Included []struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Description  string `json:"description"`
			LengthOfStay []struct {
				Text string `json:"text"`
			} `json:"lengthOfStay"`
			Sources []struct {
				URL string `json:"url"`
			} `json:"sources"`
		} `json:"attributes"`
	} `json:"included"`
}

func buildSherpaRequest(q VisaQuery) sherpaRequest {
	var req sherpaRequest
	req.Data.Type = "TRIP"
	attrs := &req.Data.Attributes
	attrs.Locale = "en-US"
	attrs.Traveller.Passports = []string{q.PassportCountry}
	attrs.Traveller.TravelPurposes = []string{strings.ToUpper(q.TravelPurpose)}

	attrs.TravelNodes = append(attrs.TravelNodes, sherpaNode{
		Type:        "ORIGIN",
		AirportCode: q.DepartureAirport,
		Departure:   &sherpaTime{Date: q.DepartureDate, Time: "12:59"},
	})
	for _, city := range q.TransitCities {
		if city == "" {
			continue
		}
		attrs.TravelNodes = append(attrs.TravelNodes, sherpaNode{
			Type:        "TRANSIT",
			AirportCode: city,
			Departure:   &sherpaTime{Date: q.DepartureDate, Time: "00:00"},
			Arrival:     &sherpaTime{Date: q.ArrivalDate, Time: "00:00"},
		})
	}
	attrs.TravelNodes = append(attrs.TravelNodes, sherpaNode{
		Type:        "DESTINATION",
		AirportCode: q.ArrivalAirport,
		Arrival:     &sherpaTime{Date: q.ArrivalDate, Time: "12:59"},
	})
	return req
}

// Check posts the trip and renders the visa section of the answer as text.
func (c *SherpaClient) Check(ctx context.Context, q VisaQuery) (string, error) {
	body, err := json.Marshal(buildSherpaRequest(q))
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/vnd.api+json")
	req.Header.Set("x-affiliate-id", c.affiliateID)
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch visa requirements")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read visa requirements")
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("sherpa returned status %d", resp.StatusCode)
	}

	var parsed sherpaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errors.Wrap(err, "decode visa requirements")
	}
	return summarizeVisa(&parsed), nil
}

// summarizeVisa renders the headline, per-country enforcement, stay limits,
// descriptions and source links.
func summarizeVisa(r *sherpaResponse) string {
	var msg strings.Builder
	var ids, names []string

	for _, group := range r.Data.Attributes.InformationGroups {
		if group.Name != "Visa Requirements" {
			continue
		}
		msg.WriteString("\n Summary: " + group.Headline + "\n")
		for _, g := range group.Groupings {
			if len(g.Data) == 0 {
				continue
			}
			ids = append(ids, g.Data[0].ID)
			names = append(names, g.Name)
			msg.WriteString("\n Enforcement to " + g.Name + ": " + g.Enforcement)
		}
	}

	var details, links strings.Builder
	msg.WriteString("\n")
	for _, inc := range r.Included {
		if idx := indexOf(ids, inc.ID); idx >= 0 {
			details.WriteString(inc.Attributes.Description + "\n")
			if len(inc.Attributes.LengthOfStay) > 0 {
				msg.WriteString("\n Length of Stay in " + names[idx] + " " + inc.Attributes.LengthOfStay[0].Text + "\n")
			}
			if len(inc.Attributes.Sources) > 0 {
				links.WriteString("\n\nFor more information: " + inc.Attributes.Sources[0].URL)
			}
		}
		if inc.Type == "RESTRICTION" {
			details.WriteString(inc.Attributes.Description + "\n")
		}
	}

	msg.WriteString("\nDetails: \n" + details.String())
	msg.WriteString(links.String())
	return msg.String()
}

func indexOf(items []string, v string) int {
	for i, item := range items {
		if item == v {
			return i
		}
	}
	return -1
}
