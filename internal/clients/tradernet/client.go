// Package tradernet is the REST adapter to the upstream broker's HTTP API:
// bulk instrument metadata for the registry (C2) and order placement for
// the executor (C13). The streaming side lives in websocket_client.go.
package tradernet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aristath/streamgate/internal/gwerrors"
	"github.com/rs/zerolog"
)

// Credentials are the per-account broker API key/secret pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Client talks to the broker's REST API.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// ServiceResponse is the broker's standard envelope.
type ServiceResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	Timestamp string          `json:"timestamp"`
}

// NewClient creates a broker REST client.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("client", "tradernet").Logger(),
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, creds Credentials, body interface{}) (*ServiceResponse, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, gwerrors.New(gwerrors.Fatal, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, gwerrors.New(gwerrors.Fatal, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", creds.APIKey)
	req.Header.Set("X-Api-Secret", creds.APISecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, gwerrors.New(gwerrors.Transient, fmt.Errorf("request %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	return c.parseResponse(resp)
}

func (c *Client) parseResponse(resp *http.Response) (*ServiceResponse, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerrors.New(gwerrors.Transient, fmt.Errorf("read response: %w", err))
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, gwerrors.New(gwerrors.Authorization, fmt.Errorf("broker rejected credentials (status %d)", resp.StatusCode))
	case http.StatusTooManyRequests:
		return nil, gwerrors.New(gwerrors.LimitError, fmt.Errorf("broker rate limited the request"))
	}
	if resp.StatusCode >= 500 {
		return nil, gwerrors.New(gwerrors.Transient, fmt.Errorf("broker returned status %d", resp.StatusCode))
	}

	var result ServiceResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, gwerrors.New(gwerrors.Transient, fmt.Errorf("parse response: %w", err))
	}

	if !result.Success {
		errMsg := "unknown error"
		if result.Error != nil {
			errMsg = *result.Error
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return &result, gwerrors.New(gwerrors.Validation, fmt.Errorf("broker error: %s", errMsg))
		}
		return &result, gwerrors.New(gwerrors.Transient, fmt.Errorf("broker error: %s", errMsg))
	}

	return &result, nil
}

// InstrumentDTO is the wire shape of one row in the broker's bulk
// instrument dump.
type InstrumentDTO struct {
	Token            uint64  `json:"token"`
	TradingSymbol    string  `json:"tradingsymbol"`
	Segment          string  `json:"segment"`
	UnderlyingSymbol string  `json:"name"`
	OptionType       string  `json:"instrument_type"` // "CE", "PE", or "" for non-options
	Strike           float64 `json:"strike"`
	Expiry           *string `json:"expiry"`
	LotSize          uint32  `json:"lot_size"`
	TickSize         float64 `json:"tick_size"`
	Exchange         string  `json:"exchange"`
}

// ListInstruments fetches the full tradeable instrument set. This backs
// the C2 registry's Loader — any authorized account's credentials work,
// since the catalog is not account-scoped.
func (c *Client) ListInstruments(ctx context.Context, creds Credentials) ([]InstrumentDTO, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/instruments/dump", creds, nil)
	if err != nil {
		return nil, err
	}
	var out []InstrumentDTO
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, gwerrors.New(gwerrors.Transient, fmt.Errorf("parse instrument dump: %w", err))
	}
	return out, nil
}

// OrderRequest is the wire shape sent for place/modify.
type OrderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	OrderRef string  `json:"order_ref"`
}

// OrderResult is the broker's response to an order operation.
type OrderResult struct {
	OrderID      string  `json:"order_id"`
	FilledPrice  float64 `json:"filled_price"`
	Status       string  `json:"status"`
}

// PlaceOrder submits a new order.
func (c *Client) PlaceOrder(ctx context.Context, creds Credentials, req OrderRequest) (*OrderResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/orders", creds, req)
	if err != nil {
		return nil, err
	}
	var result OrderResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, gwerrors.New(gwerrors.Transient, fmt.Errorf("parse order result: %w", err))
	}
	return &result, nil
}

// ModifyOrder amends a previously placed order.
func (c *Client) ModifyOrder(ctx context.Context, creds Credentials, brokerOrderID string, req OrderRequest) (*OrderResult, error) {
	resp, err := c.do(ctx, http.MethodPut, "/api/orders/"+brokerOrderID, creds, req)
	if err != nil {
		return nil, err
	}
	var result OrderResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, gwerrors.New(gwerrors.Transient, fmt.Errorf("parse order result: %w", err))
	}
	return &result, nil
}

// CancelOrder cancels a previously placed order.
func (c *Client) CancelOrder(ctx context.Context, creds Credentials, brokerOrderID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/orders/"+brokerOrderID, creds, nil)
	return err
}
