// Package secondfactor implements the external second-factor
// authentication contract: a blocking call that resolves a login name
// to an accept/refuse boolean, fail-closed on any error.
package secondfactor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client authenticates a login against a second factor. Implementations
// must fail closed: any error, timeout, or ambiguous response is a
// refusal, never a pass.
type Client interface {
	Authenticate(ctx context.Context, login string) bool
}

// HTTPClient calls a configured second-factor endpoint over HTTP,
// POSTing the login as JSON and treating any non-2xx status, transport
// error, or malformed body as a refusal.
type HTTPClient struct {
	Endpoint string
	Timeout  time.Duration
	HTTP     *http.Client
}

// NewHTTPClient returns an HTTPClient targeting endpoint, bounding each
// call to timeout. It returns ErrNotConfigured if endpoint is empty.
func NewHTTPClient(endpoint string, timeout time.Duration) (*HTTPClient, error) {
	if endpoint == "" {
		return nil, ErrNotConfigured
	}
	return &HTTPClient{
		Endpoint: endpoint,
		Timeout:  timeout,
		HTTP:     &http.Client{Timeout: timeout},
	}, nil
}

type authenticateRequest struct {
	Login string `json:"login"`
}

type authenticateResponse struct {
	Allowed bool `json:"allowed"`
}

// Authenticate asks the second-factor service whether login may
// proceed. Any failure to ask is treated as "no".
func (c *HTTPClient) Authenticate(ctx context.Context, login string) bool {
	body, err := json.Marshal(authenticateRequest{Login: login})
	if err != nil {
		return false
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	var decoded authenticateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false
	}
	return decoded.Allowed
}

var _ Client = (*HTTPClient)(nil)

// Fixed is a test/stub client that always returns a constant verdict.
type Fixed bool

// Authenticate implements Client.
func (f Fixed) Authenticate(context.Context, string) bool { return bool(f) }

var _ Client = Fixed(false)

// ErrNotConfigured is returned by NewHTTPClient when no endpoint is set.
var ErrNotConfigured = fmt.Errorf("secondfactor: no endpoint configured")
