package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/visioncortex/backend/internal/circuitbreaker"
	"github.com/visioncortex/backend/internal/core"
)

// MatchResponse is the LLM resolver service's verdict for one candidate
// set.
type MatchResponse struct {
	Matched                bool    `json:"matched"`
	Confidence             float64 `json:"confidence"`
	SuggestedCanonicalName string  `json:"suggested_canonical_name,omitempty"`
}

// LLMMatcher is the optional assisted tier consulted between identifier
// and fuzzy matching. Implementations must be safe for concurrent use.
type LLMMatcher interface {
	// Match asks whether name refers to one of the candidate canonical
	// names.
	Match(ctx context.Context, name string, candidates []string) (*MatchResponse, error)

	// Healthy reports whether the service should be consulted at all.
	// While unhealthy the resolver skips the tier silently.
	Healthy() bool
}

// HTTPLLMClient talks JSON over HTTP to an external resolver service. A
// circuit breaker doubles as the health flag: three consecutive failures
// open the circuit and demote resolution to rules-only; after the open
// timeout the breaker half-opens and the next call probes recovery.
type HTTPLLMClient struct {
	baseURL string
	model   string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

// NewHTTPLLMClient creates a client for the given service base URL.
func NewHTTPLLMClient(baseURL, model string, timeout time.Duration) *HTTPLLMClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLLMClient{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(circuitbreaker.LLMResolverConfig()),
		timeout: timeout,
	}
}

// Healthy reports whether the breaker currently admits traffic.
func (c *HTTPLLMClient) Healthy() bool {
	return c.breaker.State() != circuitbreaker.StateOpen
}

type matchRequest struct {
	Model      string   `json:"model,omitempty"`
	Name       string   `json:"name"`
	Candidates []string `json:"candidates"`
}

// Match posts the new name plus candidate canonical names and decodes the
// service verdict.
func (c *HTTPLLMClient) Match(ctx context.Context, name string, candidates []string) (*MatchResponse, error) {
	gen, err := c.breaker.Allow()
	if err != nil {
		return nil, err
	}

	resp, err := c.doMatch(ctx, name, candidates)
	c.breaker.Record(gen, err == nil)
	if err != nil {
		return nil, &core.TransportError{Op: "llm.match", Err: err}
	}
	return resp, nil
}

func (c *HTTPLLMClient) doMatch(ctx context.Context, name string, candidates []string) (*MatchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(matchRequest{Model: c.model, Name: name, Candidates: candidates})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/resolve", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolver service status %d", httpResp.StatusCode)
	}

	var out MatchResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode resolver response: %w", err)
	}
	return &out, nil
}
