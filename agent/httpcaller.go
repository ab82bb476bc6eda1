package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultCallTimeout = 10 * time.Minute

// HTTPCaller posts call requests to an external agent service. The service
// receives the CallRequest as JSON and answers with a CallResult; 5xx and
// 429 responses are classified transient, other non-200s permanent.
type HTTPCaller struct {
	endpoint string
	client   *http.Client
}

// NewHTTPCaller creates a caller against the given endpoint URL. A zero
// timeout uses the default.
func NewHTTPCaller(endpoint string, timeout time.Duration) *HTTPCaller {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &HTTPCaller{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Call posts the request and decodes the result.
func (c *HTTPCaller) Call(ctx context.Context, req *CallRequest) (*CallResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("encode call request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("build call request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("agent call: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		callErr := fmt.Errorf("agent call: %s: %s", resp.Status, bytes.TrimSpace(snippet))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, NewTransientError(callErr)
		}
		return nil, NewPermanentError(callErr)
	}

	var result CallResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, NewPermanentError(fmt.Errorf("decode call result: %w", err))
	}
	return &result, nil
}
