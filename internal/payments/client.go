// Package payments talks to the payment provider's reference API. Lookups
// are advisory: a ticket delivery is never rejected because the provider
// was unreachable.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"club-ticketing/internal/status"
)

// Reference is the provider's record of a settled payment.
type Reference struct {
	// Ref is the provider-issued payment reference.
	Ref string `json:"ref"`
	// Amount is the settled amount as a decimal string.
	Amount string `json:"amount"`
	// Currency is the ISO 4217 code.
	Currency string `json:"currency"`
	// Status is the provider-side settlement status.
	Status string `json:"status"`
	// SettledAt is when the payment cleared.
	SettledAt time.Time `json:"settled_at"`
}

// Client is a thin HTTP client for the provider's reference endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Lookup fetches a payment reference. A 404 wraps ErrPaymentLookup; network
// and 5xx failures wrap ErrDependency so callers can tell "bad reference"
// from "provider down".
func (c *Client) Lookup(ctx context.Context, ref string) (*Reference, error) {
	url := fmt.Sprintf("%s/v1/references/%s", c.baseURL, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build payment request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: payment lookup: %v", status.ErrDependency, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: reference %s", status.ErrPaymentLookup, ref)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: payment provider returned %d", status.ErrDependency, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: payment provider returned %d", status.ErrPaymentLookup, resp.StatusCode)
	}

	var out Reference
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payment reference: %w", err)
	}
	return &out, nil
}
