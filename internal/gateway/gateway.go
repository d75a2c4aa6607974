// Package gateway talks to the external document-processing service that
// performs the actual text extraction.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pagemeter/internal/apperr"

	"github.com/rs/zerolog"
)

// Result is what the processing service reports for one document.
type Result struct {
	Text        string `json:"text"`
	PagesActual int    `json:"pages_actual"`
}

// ProcessingGateway extracts text from a document. Errors are
// *apperr.ProcessingError, classified as transient or permanent.
type ProcessingGateway interface {
	Process(ctx context.Context, body []byte, documentType string) (*Result, error)
}

type HTTPGateway struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPGateway posts documents to {baseURL}/process. Each call is bounded
// by timeout on top of the caller's context.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *HTTPGateway {
	return &HTTPGateway{
		endpoint: strings.TrimRight(baseURL, "/") + "/process",
		apiKey:   apiKey,
		timeout:  timeout,
		client:   &http.Client{},
		logger:   logger.With().Str("component", "ProcessingGateway").Logger(),
	}
}

func (g *HTTPGateway) Process(ctx context.Context, body []byte, documentType string) (*Result, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/pdf")
	if documentType != "" {
		req.Header.Set("X-Document-Type", documentType)
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		// timeouts, resets and refused connections are all worth retrying
		return nil, apperr.Transient(fmt.Errorf("calling processing service: %w", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient(fmt.Errorf("reading response: %w", err))
	}
	g.logger.Debug().Int("status", resp.StatusCode).Str("duration", duration.String()).Msg("Processing service responded")

	if resp.StatusCode != http.StatusOK {
		callErr := fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(payload), 256))
		if Retryable(resp.StatusCode) {
			return nil, apperr.Transient(callErr)
		}
		return nil, apperr.Permanent(callErr)
	}

	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, apperr.Permanent(fmt.Errorf("decoding response: %w", err))
	}
	if res.PagesActual < 0 {
		return nil, apperr.Permanent(fmt.Errorf("negative page count %d", res.PagesActual))
	}
	return &res, nil
}

// Retryable reports whether an HTTP status from the processing service is a
// transient condition.
func Retryable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
