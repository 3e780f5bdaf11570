// Package webhook delivers rule-chain webhook actions over HTTP.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aemos-iot/aemos-core/internal/httpkit"
)

// Sender posts webhook payloads through the shared HTTP client. Dial
// and connect failures retry twice; anything the server acknowledged
// does not, to avoid duplicate deliveries.
type Sender struct {
	client *http.Client
	log    *slog.Logger
}

// NewSender builds a Sender logging through logger.
func NewSender(logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		client: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		log: logger,
	}
}

// Send delivers payload to url as JSON. An empty method means POST.
// Non-2xx responses are errors.
func (s *Sender) Send(ctx context.Context, method, url string, payload []byte) error {
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("webhook %s returned %d: %s", url, resp.StatusCode, body)
	}
	return nil
}
