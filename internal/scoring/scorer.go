package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBodyBytes = 512

// Scorer is the opaque batch scoring collaborator.
type Scorer interface {
	Score(ctx context.Context, batch Batch) (Result, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, batch Batch) (Result, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, batch Batch) (Result, error) {
	return f(ctx, batch)
}

// HTTPScorer posts the batch as JSON to a remote scoring endpoint.
type HTTPScorer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPScorer constructs a scorer for the endpoint. A nil client selects a
// client without its own timeout; callers bound each call through ctx.
func NewHTTPScorer(endpoint string, client *http.Client) (*HTTPScorer, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("scoring endpoint is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPScorer{endpoint: trimmed, client: client}, nil
}

// Score sends the batch and decodes the scorer response.
func (s *HTTPScorer) Score(ctx context.Context, batch Batch) (Result, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return Result{}, fmt.Errorf("encode scoring batch: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build scoring request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	started := time.Now()
	response, err := s.client.Do(request)
	if err != nil {
		return Result{}, fmt.Errorf("call scorer: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return Result{}, fmt.Errorf("scorer returned %d after %s: %s", response.StatusCode, time.Since(started).Round(time.Millisecond), strings.TrimSpace(string(body)))
	}
	var result Result
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode scoring response: %w", err)
	}
	return result, nil
}
