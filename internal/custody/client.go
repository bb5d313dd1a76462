package custody

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// APIClient talks to the custody provider's REST API.
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

func (c *APIClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("custody api %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *APIClient) GetWithdrawalRequest(ctx context.Context, id string) (*WithdrawalRequest, error) {
	var out WithdrawalRequest
	if err := c.get(ctx, "/v1/withdrawal_requests/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) GetTransferRequest(ctx context.Context, id string) (*TransferRequest, error) {
	var out TransferRequest
	if err := c.get(ctx, "/v1/transfer_requests/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
