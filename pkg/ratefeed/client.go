/**
 * @description
 * This package provides a client for the external exchange-rate feed. It
 * encapsulates the authenticated HTTP request to the feed's quotes endpoint
 * and parses the response into numeraire-denominated rates (units of local
 * currency per 1 USD). The rate cache refresh loop is its only consumer.
 *
 * @dependencies
 * - context, encoding/json, fmt, io, net/http, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Fixed-point rate values.
 */
package ratefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a client for the rate feed API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new rate feed client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// QuotesResponse is the expected response from the feed's quotes endpoint.
// Rates are quoted against the USD numeraire.
type QuotesResponse struct {
	Data struct {
		Base      string            `json:"base"`
		Quotes    map[string]string `json:"quotes"`
		Timestamp time.Time         `json:"timestamp"`
	} `json:"data"`
}

// ErrorResponse represents an error from the rate feed API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("rate feed error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown rate feed error"
}

// FetchRates retrieves the current USD-based quotes. Unparsable quote values
// are skipped with a warning rather than failing the whole refresh.
func (c *Client) FetchRates() (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/api/v1/quotes?base=USD", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create quotes request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute quotes request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read quotes response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=ratefeed_client op=quotes status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("failed to decode error response (status %d)", resp.StatusCode)
		}
		return nil, &errResp
	}

	var quotes QuotesResponse
	if err := json.Unmarshal(bodyBytes, &quotes); err != nil {
		return nil, fmt.Errorf("failed to decode quotes response: %w", err)
	}

	rates := make(map[string]decimal.Decimal, len(quotes.Data.Quotes))
	for code, raw := range quotes.Data.Quotes {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			log.Printf("level=warn component=ratefeed_client msg=\"skipping unparsable quote\" code=%s value=%q", code, raw)
			continue
		}
		rates[code] = rate
	}
	return rates, nil
}
