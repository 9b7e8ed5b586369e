/**
 * @description
 * This package provides a client for the external payment processor API. It
 * encapsulates authenticated HTTP requests for holds, transfers, and refunds,
 * response parsing, and the idempotency-key header that makes every call safe
 * to repeat.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package processorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrNotFound is returned when the processor has no object for the requested
// idempotency key. Recovery treats this as proof the original dispatch never
// landed.
var ErrNotFound = errors.New("processor object not found")

// Client is a client for the payment processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new processor API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// HoldRequest represents the payload for placing a card hold.
type HoldRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	PayerID   string `json:"payer_id"`
	Reference string `json:"reference"`
}

// TransferRequest represents the payload for paying out held funds.
type TransferRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	PayeeID   string `json:"payee_id"`
	HoldID    string `json:"hold_id"`
	Reference string `json:"reference"`
}

// RefundRequest represents the payload for returning held funds to the payer.
type RefundRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	HoldID    string `json:"hold_id"`
	Reference string `json:"reference"`
}

// ObjectResponse is the processor's representation of a hold, transfer, or refund.
type ObjectResponse struct {
	Data struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Status         string `json:"status"`
			Amount         int64  `json:"amount"`
			IdempotencyKey string `json:"idempotencyKey"`
		} `json:"attributes"`
	} `json:"data"`
}

// Succeeded reports whether the processor settled the object.
func (o *ObjectResponse) Succeeded() bool {
	return o.Data.Attributes.Status == "succeeded" || o.Data.Attributes.Status == "completed"
}

// Failed reports whether the processor terminally rejected the object.
func (o *ObjectResponse) Failed() bool {
	return o.Data.Attributes.Status == "failed" || o.Data.Attributes.Status == "declined"
}

// ErrorResponse represents an error from the processor API.
type ErrorResponse struct {
	Errors []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("processor api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return "unknown processor api error"
}

// IsExplicitRejection reports whether the processor deterministically refused
// the request, as opposed to a transient or ambiguous failure. Explicit
// rejections are safe to compensate immediately.
func (e *ErrorResponse) IsExplicitRejection() bool {
	if len(e.Errors) == 0 {
		return false
	}
	switch e.Errors[0].Status {
	case "400", "402", "403", "409", "422":
		return true
	}
	return false
}

// CreateHold asks the processor to authorize and hold funds on the payer.
func (c *Client) CreateHold(ctx context.Context, idempotencyKey string, payload HoldRequest) (*ObjectResponse, error) {
	return c.post(ctx, "/v1/holds", idempotencyKey, payload)
}

// CreateTransfer asks the processor to move held funds to the payee.
func (c *Client) CreateTransfer(ctx context.Context, idempotencyKey string, payload TransferRequest) (*ObjectResponse, error) {
	return c.post(ctx, "/v1/transfers", idempotencyKey, payload)
}

// CreateRefund asks the processor to return held funds to the payer.
func (c *Client) CreateRefund(ctx context.Context, idempotencyKey string, payload RefundRequest) (*ObjectResponse, error) {
	return c.post(ctx, "/v1/refunds", idempotencyKey, payload)
}

// GetByIdempotencyKey asks the processor whether a prior dispatch with this
// key ever produced an object. ErrNotFound means it did not.
func (c *Client) GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*ObjectResponse, error) {
	url := c.BaseURL + "/v1/objects?idempotency_key=" + idempotencyKey

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute lookup request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read lookup response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError("lookup", idempotencyKey, resp.StatusCode, bodyBytes)
	}

	var obj ObjectResponse
	if err := json.Unmarshal(bodyBytes, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode lookup response: %w", err)
	}
	return &obj, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload interface{}) (*ObjectResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError(path, idempotencyKey, resp.StatusCode, bodyBytes)
	}

	var obj ObjectResponse
	if err := json.Unmarshal(bodyBytes, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode success response: %w", err)
	}
	return &obj, nil
}

func (c *Client) decodeError(op, idempotencyKey string, status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || len(errResp.Errors) == 0 {
		log.Printf("level=warn component=processor_client op=%s idempotency_key=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, idempotencyKey, status)
		return fmt.Errorf("failed to decode error response (status %d)", status)
	}
	log.Printf("level=warn component=processor_client op=%s idempotency_key=%s status=%d title=%q detail=%q", op, idempotencyKey, status, errResp.Errors[0].Title, errResp.Errors[0].Detail)
	return &errResp
}
