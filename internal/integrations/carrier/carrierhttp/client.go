package carrierhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/TrackFlow/internal/integrations/carrier"
	"github.com/pkg/errors"
)

// Client ходит в carrier-gateway: единый HTTP-фасад перед API перевозчиков
// (CDEK, Почта России). Gateway отдаёт события в том же wire-формате,
// что и вебхуки, поэтому нормализация дальше по пайплайну общая.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type gatewayResp struct {
	Status string `json:"status"`
	Data   struct {
		Events []struct {
			Status      string            `json:"status"`
			StatusCode  string            `json:"statusCode"`
			OccurredAt  string            `json:"occurredAt"`
			Location    *carrier.Location `json:"location,omitempty"`
			Description *string           `json:"description,omitempty"`
			Signatory   *string           `json:"signatory,omitempty"`
		} `json:"events"`
	} `json:"data"`
}

func (c *Client) GetEvents(ctx context.Context, carrierCode, trackingNumber string) ([]carrier.RawEvent, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = "/v1/events"

	q := u.Query()
	q.Set("apiKey", c.apiKey)
	q.Set("carrier", carrierCode)
	q.Set("trackingNumber", trackingNumber)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("carrier gateway http %d", resp.StatusCode)
	}

	var r gatewayResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if r.Status != "ok" {
		return nil, fmt.Errorf("carrier gateway status=%s", r.Status)
	}

	var events []carrier.RawEvent
	for _, e := range r.Data.Events {
		if e.Status == "" || e.StatusCode == "" || e.OccurredAt == "" {
			// Битые события пропускаем, не роняя весь ответ.
			continue
		}
		ts, err := time.Parse(time.RFC3339, e.OccurredAt)
		if err != nil {
			continue
		}
		events = append(events, carrier.RawEvent{
			Status:      e.Status,
			StatusCode:  e.StatusCode,
			OccurredAt:  ts.UTC(),
			Location:    e.Location,
			Description: e.Description,
			Signatory:   e.Signatory,
		})
	}
	return events, nil
}
