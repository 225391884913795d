package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClassifier calls an external scoring service:
//
//	POST <baseURL>/classify  {"text": "..."}
//	200  {"scores": {"toxic": 0.1, "severe_toxic": 0.0, ...}}
//
// Any transport failure, non-200 status, or undecodable body is reported as
// ErrUnavailable so the moderation pipeline fails closed.
type HTTPClassifier struct {
	baseURL string
	client  *http.Client
}

// DefaultTimeout bounds a single scoring call when the caller's context
// carries no tighter deadline.
const DefaultTimeout = 5 * time.Second

// NewHTTPClassifier creates a classifier client for the scoring service at
// baseURL (e.g. "http://localhost:9090"). A zero timeout falls back to
// DefaultTimeout.
func NewHTTPClassifier(baseURL string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClassifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	Text string `json:"text"`
}

type scoreResponse struct {
	Scores Scores `json:"scores"`
}

// Scores sends text to the scoring service and returns the per-category
// probabilities. The request is bounded by both ctx and the client timeout.
func (h *HTTPClassifier) Scores(ctx context.Context, text string) (Scores, error) {
	body, err := json.Marshal(scoreRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if decoded.Scores == nil {
		return nil, fmt.Errorf("%w: response missing scores", ErrUnavailable)
	}

	return decoded.Scores, nil
}
