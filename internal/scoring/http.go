package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type scoreRequest struct {
	Inputs [][]float64 `json:"inputs"`
}

type scoreResponse struct {
	Outputs [][]float64 `json:"outputs"`
}

// HTTPScorer delegates reconstruction to a remote model server.
type HTTPScorer struct {
	url    string
	client *http.Client
}

// NewHTTPScorer creates a scorer posting to url.
func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScorer{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Score posts {"inputs": features} and reads {"outputs": ...}.
func (s *HTTPScorer) Score(ctx context.Context, features [][]float64) ([][]float64, error) {
	body, err := json.Marshal(scoreRequest{Inputs: features})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", domain.ErrModel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrModel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: model server unavailable: %v", domain.ErrModel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: model server returned %d: %s", domain.ErrModel, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrModel, err)
	}
	return out.Outputs, nil
}
