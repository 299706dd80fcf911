package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the walletgate control API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8547"
}

// WalletgateClient is a pure HTTP client for the walletgate control API.
type WalletgateClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewWalletgateClient creates a new client for the control API.
func NewWalletgateClient(cfg Config) *WalletgateClient {
	return &WalletgateClient{
		cfg: cfg,
		httpClient: &http.Client{
			// Wait-style endpoints (wait, drain, wait-for-idle) hold the
			// connection open; per-call budgets come from query/body params.
			Timeout: 2 * time.Minute,
		},
	}
}

// apiError represents an error response from the control API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the control API and returns the response body.
func (c *WalletgateClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetContext returns the full wallet snapshot: identity, balance, policy,
// and the enhanced pending table.
func (c *WalletgateClient) GetContext(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/context", nil, nil)
}

// ListPending returns the pending request table with categories and risk flags.
func (c *WalletgateClient) ListPending(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/pending", nil, nil)
}

// Approve executes a pending request by ID.
func (c *WalletgateClient) Approve(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/requests/"+id+"/approve", nil, nil)
}

// Reject settles a pending request with a user-rejected error.
func (c *WalletgateClient) Reject(ctx context.Context, id, reason string) (json.RawMessage, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/requests/"+id+"/reject", nil, body)
}

// ApproveNext approves the oldest pending request.
func (c *WalletgateClient) ApproveNext(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/requests/approve-next", nil, nil)
}

// RejectNext rejects the oldest pending request.
func (c *WalletgateClient) RejectNext(ctx context.Context, reason string) (json.RawMessage, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/requests/reject-next", nil, body)
}

// WaitForRequest blocks until a request arrives or the timeout elapses.
func (c *WalletgateClient) WaitForRequest(ctx context.Context, timeoutMs int64) (json.RawMessage, error) {
	q := url.Values{}
	if timeoutMs > 0 {
		q.Set("timeoutMs", strconv.FormatInt(timeoutMs, 10))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/requests/wait", q, nil)
}

// Drain processes the pending queue until it settles empty.
func (c *WalletgateClient) Drain(ctx context.Context, opts map[string]any) (json.RawMessage, error) {
	var body any
	if len(opts) > 0 {
		body = opts
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/drain", nil, body)
}

// WaitForIdle blocks until the pending table stays empty for the settle window.
func (c *WalletgateClient) WaitForIdle(ctx context.Context, timeoutMs, settleMs int64) (json.RawMessage, error) {
	body := map[string]int64{}
	if timeoutMs > 0 {
		body["timeoutMs"] = timeoutMs
	}
	if settleMs > 0 {
		body["settleMs"] = settleMs
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/wait-for-idle", nil, body)
}

// GetPolicy returns the active policy.
func (c *WalletgateClient) GetPolicy(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/policy", nil, nil)
}

// UpdatePolicy merges the given fields into the active policy.
func (c *WalletgateClient) UpdatePolicy(ctx context.Context, update map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPatch, "/v1/policy", nil, update)
}

// SetAutoApprove toggles the auto-approve bypass.
func (c *WalletgateClient) SetAutoApprove(ctx context.Context, enabled bool) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/auto-approve", nil, map[string]bool{"enabled": enabled})
}

// ListAccounts returns the known accounts and the active address.
func (c *WalletgateClient) ListAccounts(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts", nil, nil)
}

// SwitchAccount changes the active signing account by index or private key.
func (c *WalletgateClient) SwitchAccount(ctx context.Context, index *int, privateKey string) (json.RawMessage, error) {
	body := map[string]any{}
	if index != nil {
		body["index"] = *index
	}
	if privateKey != "" {
		body["privateKey"] = privateKey
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/accounts/switch", nil, body)
}
