package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labrelay/labrelay/internal/settings"
)

// HTTPTransport POSTs report bodies to a receiver-configured URL. Any
// non-2xx response or network error is a transient failure covering all
// items; item-level partial failure is not expressible over plain HTTP.
type HTTPTransport struct {
	client *http.Client
	log    zerolog.Logger
}

// NewHTTPTransport creates an HTTPTransport with a bounded request timeout.
func NewHTTPTransport(log zerolog.Logger) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log,
	}
}

// Send posts the body. The returned RetryItems is nil on success and
// AllItems on any failure.
func (t *HTTPTransport) Send(ctx context.Context, cfg settings.TransportConfig, contents []byte, reportID uuid.UUID, _ *RetryItems) (*RetryItems, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http transport: receiver has no url configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(contents))
	if err != nil {
		return nil, fmt.Errorf("http transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Report-ID", reportID.String())
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Warn().Err(err).
			Str("report_id", reportID.String()).
			Str("url", cfg.URL).
			Msg("http transport request failed")
		all := AllItems()
		return &all, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.log.Warn().
			Str("report_id", reportID.String()).
			Str("url", cfg.URL).
			Int("status", resp.StatusCode).
			Msg("http transport rejected")
		all := AllItems()
		return &all, nil
	}

	return nil, nil
}
