package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/stakehold/internal/auth"
	"github.com/mbd888/stakehold/internal/retry"
)

// Config holds the configuration for connecting to the stakehold API.
type Config struct {
	APIURL string        // Base URL, e.g. "http://localhost:8080"
	Signer *auth.Keypair // Party key used to sign mutating requests
	Retry  retry.Policy  // Zero value uses retry.DefaultPolicy
}

// Client is an HTTP client for the stakehold API that signs requests with
// the configured party key.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// APIError is an error response from the API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.Status)
}

// Party returns the hex address of the signing party.
func (c *Client) Party() string {
	return c.cfg.Signer.Address().Hex()
}

// retryable reports whether a failed attempt may be repeated. Mutations are
// only repeated when the server certainly did not apply them.
func retryable(method string, status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	case http.StatusBadGateway, http.StatusGatewayTimeout, 0:
		return method == http.MethodGet
	}
	return status >= 500 && method == http.MethodGet
}

// doRequest sends a request and returns the response body. Every attempt is
// signed afresh so the timestamp stays inside the server's window.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var data []byte
	if body != nil {
		if data, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	var out json.RawMessage
	err = retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		raw, status, err := c.attempt(ctx, method, u, data)
		if err == nil {
			out = raw
			return nil
		}
		if !retryable(method, status) {
			return retry.Permanent(err)
		}
		return err
	})
	return out, err
}

func (c *Client) attempt(ctx context.Context, method string, u *url.URL, data []byte) (json.RawMessage, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Signer != nil {
		ts := c.now().Unix()
		sig, err := c.cfg.Signer.SignRequest(method, u.Path, ts, data)
		if err != nil {
			return nil, 0, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set(auth.HeaderSigner, c.Party())
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, sig)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return nil, resp.StatusCode, apiErr
	}
	return json.RawMessage(respBody), resp.StatusCode, nil
}

// OpenEscrow stakes amount of mint under identifier.
func (c *Client) OpenEscrow(ctx context.Context, identifier string, amount uint64, mint string) (json.RawMessage, error) {
	body := map[string]any{"identifier": identifier, "amount": amount, "mint": mint}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, body)
}

// JoinEscrow matches the open stake on identifier.
func (c *Client) JoinEscrow(ctx context.Context, identifier string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(identifier)+"/deposit", nil, nil)
}

// CancelEscrow withdraws an unmatched escrow opened by this party.
func (c *Client) CancelEscrow(ctx context.Context, identifier string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(identifier)+"/cancel", nil, nil)
}

// SettleEscrow pays the whole pot to winner.
func (c *Client) SettleEscrow(ctx context.Context, identifier, winner string) (json.RawMessage, error) {
	body := map[string]string{"winner": winner}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(identifier)+"/outcome", nil, body)
}

// GetEscrow returns the escrow view for identifier.
func (c *Client) GetEscrow(ctx context.Context, identifier string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(identifier), nil, nil)
}

// ListEscrows lists live escrows, optionally filtered by stage and resumed
// from a cursor returned by a previous call.
func (c *Client) ListEscrows(ctx context.Context, stage string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if stage != "" {
		q.Set("stage", stage)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows", q, nil)
}

// GetBalance returns this party's associated account for mint.
func (c *Client) GetBalance(ctx context.Context, mint string) (json.RawMessage, error) {
	path := "/v1/accounts/associated/" + c.Party() + "/" + url.PathEscape(mint)
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// IsStatus reports whether err is an API error with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
