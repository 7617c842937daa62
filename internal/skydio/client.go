package skydio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"sar_tracker/internal/caltopo"
)

// Vehicle is one fleet entry from the Skydio cloud API.
type Vehicle struct {
	Serial          string `json:"vehicle_serial"`
	Name            string `json:"name"`
	FlightStatus    string `json:"flight_status"`
	IsOnline        bool   `json:"is_online"`
	IsLiveStreaming bool   `json:"is_live_streaming"`
	BatteryStatus   struct {
		Percentage float64 `json:"percentage"` // 0-1 fraction
	} `json:"battery_status"`
}

// Client is a thin REST client for the Skydio fleet API, used for the
// pre-flight fleet check before streaming starts.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     caltopo.RequestSigner
	log        *logrus.Entry
}

// NewClient authenticates with the static ApiToken scheme.
func NewClient(baseURL, apiToken string, httpClient *http.Client, log *logrus.Entry) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		signer:     caltopo.StaticTokenSigner{Scheme: "ApiToken", Token: apiToken},
		log:        log,
	}
}

type apiEnvelope struct {
	StatusCode   int             `json:"status_code"`
	ErrorMessage string          `json:"error_message"`
	Data         json.RawMessage `json:"data"`
}

// get issues one fleet API request and unwraps the response envelope.
func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.signer.NewRequest(ctx, http.MethodGet, c.baseURL, endpoint, "")
	if err != nil {
		return fmt.Errorf("build fleet request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fleet request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fleet request: HTTP %d", resp.StatusCode)
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode fleet response: %w", err)
	}
	if envelope.StatusCode != http.StatusOK {
		return fmt.Errorf("fleet API error: %s", envelope.ErrorMessage)
	}
	return json.Unmarshal(envelope.Data, out)
}

// Vehicles lists the fleet.
func (c *Client) Vehicles(ctx context.Context) ([]Vehicle, error) {
	var data struct {
		Vehicles []Vehicle `json:"vehicles"`
	}
	if err := c.get(ctx, "/api/v0/vehicles", &data); err != nil {
		return nil, err
	}
	return data.Vehicles, nil
}

// Vehicle finds one fleet entry by serial.
func (c *Client) Vehicle(ctx context.Context, serial string) (*Vehicle, error) {
	vehicles, err := c.Vehicles(ctx)
	if err != nil {
		return nil, err
	}
	for i := range vehicles {
		if vehicles[i].Serial == serial {
			return &vehicles[i], nil
		}
	}
	return nil, fmt.Errorf("vehicle %s not found in fleet", serial)
}
