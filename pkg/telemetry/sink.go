package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sink delivers one stamped telemetry body.
type Sink interface {
	Send(ctx context.Context, body []byte) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, body []byte) error

func (f SinkFunc) Send(ctx context.Context, body []byte) error { return f(ctx, body) }

// HTTPSink POSTs each body as application/json. Any non-2xx response is an error.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates a sink for url with a per-request timeout.
func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// URL returns the endpoint the sink posts to.
func (s *HTTPSink) URL() string {
	return s.url
}

func (s *HTTPSink) Send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post telemetry: %w", err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post telemetry: unexpected status %s", resp.Status)
	}
	return nil
}
