// Package oracle implements C3: a pure request/response client to an
// external token-cost oracle, following the familiar LLM HTTP client idiom
// (bearer/API-key header, JSON request/response, context-bound timeout)
// narrowed to the estimate/cost contract the core needs.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentfabric/agentfabric/internal/apierr"
	"github.com/shopspring/decimal"
)

// Estimate is the oracle's response to an estimate() call.
type Estimate struct {
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens,omitempty"`
	TotalTokens      int64           `json:"total_tokens"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
}

// TokenCostOracle is the interface the escrow engine depends on. An empty
// TOKEN_ORACLE_URL yields a client whose calls always return
// UpstreamUnavailable, which callers must treat as non-fatal.
type TokenCostOracle interface {
	Estimate(ctx context.Context, text, model string) (*Estimate, error)
	Cost(ctx context.Context, model string, promptTokens, completionTokens int64) (decimal.Decimal, error)
}

// HTTPClient calls a remote oracle over HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient builds a client. If baseURL is empty, every call returns
// UpstreamUnavailable immediately without making a request.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Unconfigured reports whether no oracle endpoint was provided.
func (c *HTTPClient) Unconfigured() bool { return c.baseURL == "" }

type estimateRequest struct {
	Text  string `json:"text"`
	Model string `json:"model"`
}

func (c *HTTPClient) Estimate(ctx context.Context, text, model string) (*Estimate, error) {
	if c.Unconfigured() {
		return nil, apierr.UpstreamUnavailable("token cost oracle is not configured")
	}

	body, err := json.Marshal(estimateRequest{Text: text, Model: model})
	if err != nil {
		return nil, apierr.Internal("encoding estimate request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/estimate", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Internal("building estimate request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apierr.UpstreamUnavailable("token cost oracle unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierr.UpstreamUnavailable("token cost oracle returned status %d", resp.StatusCode)
	}

	var est Estimate
	if err := json.NewDecoder(resp.Body).Decode(&est); err != nil {
		return nil, apierr.UpstreamUnavailable("decoding oracle response: %v", err)
	}
	if est.TotalTokens == 0 {
		est.TotalTokens = est.PromptTokens + est.CompletionTokens
	}
	return &est, nil
}

type costRequest struct {
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

type costResponse struct {
	Amount decimal.Decimal `json:"amount"`
}

func (c *HTTPClient) Cost(ctx context.Context, model string, promptTokens, completionTokens int64) (decimal.Decimal, error) {
	if c.Unconfigured() {
		return decimal.Zero, apierr.UpstreamUnavailable("token cost oracle is not configured")
	}

	body, err := json.Marshal(costRequest{Model: model, PromptTokens: promptTokens, CompletionTokens: completionTokens})
	if err != nil {
		return decimal.Zero, apierr.Internal("encoding cost request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/cost", bytes.NewReader(body))
	if err != nil {
		return decimal.Zero, apierr.Internal("building cost request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, apierr.UpstreamUnavailable("token cost oracle unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, apierr.UpstreamUnavailable("token cost oracle returned status %d", resp.StatusCode)
	}

	var out costResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, apierr.UpstreamUnavailable("decoding oracle response: %v", err)
	}
	return out.Amount, nil
}

var _ TokenCostOracle = (*HTTPClient)(nil)

// EscrowTotal applies the buffered-cost formula:
// escrow_total = ceil(total_tokens * (1 + buffer)) * unit_price.
func EscrowTotal(est *Estimate, buffer decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	bufferedTokens := decimal.NewFromInt(est.TotalTokens).Mul(one.Add(buffer)).Ceil()
	return bufferedTokens.Mul(est.UnitPrice)
}
