// Package advisor is the HTTP client for the external advisory evaluation
// service. The service receives the full position context and answers with a
// structured recommendation; it is slow and allowed to fail, so the client
// does nothing clever beyond a clean request/response cycle.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quantpulse/guardbot/internal/domain"
)

// Client calls the advisory evaluation endpoint. It implements
// domain.Evaluator.
type Client struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
}

// NewClient creates an advisor client for the given endpoint URL. timeout
// bounds a single HTTP exchange and should be generous; evaluations can take
// minutes. An empty authToken sends no Authorization header.
func NewClient(endpoint, authToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Client{
		endpoint:  endpoint,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Evaluate posts the position context and decodes the recommendation. The
// response must be a single JSON object; unknown fields are rejected so a
// drifting service contract fails loudly instead of applying half-parsed
// advice.
func (c *Client) Evaluate(ctx context.Context, pc domain.PositionContext) (domain.Recommendation, error) {
	payload, err := json.Marshal(pc)
	if err != nil {
		return domain.Recommendation{}, fmt.Errorf("advisor: marshal context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.Recommendation{}, fmt.Errorf("advisor: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Recommendation{}, fmt.Errorf("advisor: %w: %v", domain.ErrEvaluatorUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Recommendation{}, fmt.Errorf("advisor: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Recommendation{}, fmt.Errorf("advisor: %w: HTTP %d", domain.ErrEvaluatorUnavailable, resp.StatusCode)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var rec domain.Recommendation
	if err := dec.Decode(&rec); err != nil {
		return domain.Recommendation{}, fmt.Errorf("advisor: %w: decode: %v", domain.ErrInvalidRecommendation, err)
	}
	return rec, nil
}

var _ domain.Evaluator = (*Client)(nil)
