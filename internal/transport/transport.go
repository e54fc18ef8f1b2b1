// Package transport moves encoded envelopes between the proxy and the client
// library. Both directions are HTTP pushes carrying ContentType.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// ContentType marks envelope payloads so they can be told apart from other local traffic.
	ContentType = "application/x-cadence-proxy"

	DefaultMaxMessageSize  = 16 << 20
	DefaultDeliveryTimeout = 10 * time.Second
)

// Handler consumes one inbound payload.
type Handler interface {
	Process(ctx context.Context, payload []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte)

func (f HandlerFunc) Process(ctx context.Context, payload []byte) { f(ctx, payload) }

// Sender pushes one encoded envelope to the library listening at dest (host:port).
type Sender interface {
	Send(ctx context.Context, dest string, payload []byte) error
}

// HTTPSender delivers each envelope with a single PUT. It never retries.
type HTTPSender struct {
	client      *http.Client
	contentType string
	logger      *zap.Logger
}

// SenderConfig configures an HTTPSender.
type SenderConfig struct {
	ContentType string
	Timeout     time.Duration
	Logger      *zap.Logger
}

// NewHTTPSender creates a sender with its own http.Client.
func NewHTTPSender(cfg SenderConfig) *HTTPSender {
	if cfg.ContentType == "" {
		cfg.ContentType = ContentType
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDeliveryTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &HTTPSender{
		client:      &http.Client{Timeout: cfg.Timeout},
		contentType: cfg.ContentType,
		logger:      cfg.Logger,
	}
}

// Send performs one delivery attempt to http://dest/.
func (s *HTTPSender) Send(ctx context.Context, dest string, payload []byte) error {
	if dest == "" {
		return fmt.Errorf("no destination address")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://"+dest+"/", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", s.contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver to %s: %w", dest, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delivery to %s rejected: %s", dest, resp.Status)
	}

	s.logger.Debug("Envelope delivered",
		zap.String("destination", dest),
		zap.Int("bytes", len(payload)))
	return nil
}
