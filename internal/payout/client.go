package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cedarpay/fx-ledger/internal/exchange"
)

// APIClient talks to the payout provider's REST API. It also implements
// exchange.Disburser and AccountScheduler.
type APIClient struct {
	baseURL string
	http    *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("payout api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *APIClient) GetPaymentRequest(ctx context.Context, sequenceID string) (*PaymentRequest, error) {
	var out PaymentRequest
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+sequenceID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) CreateTransfer(ctx context.Context, req TransferRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/transfers", req, nil)
}

// CreatePayment sends the outbound disbursement for a destination leg.
func (c *APIClient) CreatePayment(ctx context.Context, req exchange.PaymentRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/payments", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ScheduleDeletion defers removal of a virtual account by the grace window.
func (c *APIClient) ScheduleDeletion(ctx context.Context, accountID string, after time.Duration) error {
	body := map[string]interface{}{"delete_after_hours": int(after.Hours())}
	return c.do(ctx, http.MethodPost, "/v1/virtual_accounts/"+accountID+"/schedule_deletion", body, nil)
}
