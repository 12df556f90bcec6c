// Package sms delivers messages through an HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/leadmap/symphony/internal/domain"
	"github.com/leadmap/symphony/internal/messenger"
	"golang.org/x/time/rate"
)

// Config holds SMS sender configuration.
type Config struct {
	Enabled    bool
	GatewayURL string
	APIKey     string

	// RateLimit caps outgoing gateway requests per second. Zero disables
	// limiting.
	RateLimit float64
}

// Payload is the message payload the SMS sender understands.
type Payload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Sender delivers SMS messages through an HTTP gateway. It implements
// messenger.MessageHandler.
type Sender struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewSender creates a new SMS sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.GatewayURL == "" {
			return nil, errors.New("sms sender: gateway url is required when enabled")
		}
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	slog.Info("sms sender configured",
		"enabled", config.Enabled,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config:  config,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
	}, nil
}

// Handle delivers one message. Gateway rejections (4xx) can never succeed on
// retry, so they dead-letter immediately; 5xx and transport errors retry.
func (s *Sender) Handle(ctx context.Context, msg *domain.Message) error {
	var payload Payload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return messenger.NewNonRetryableError(fmt.Errorf("decode sms payload: %w", err))
	}
	if payload.To == "" {
		return messenger.NewNonRetryableError(errors.New("sms payload has no recipient"))
	}

	if !s.config.Enabled {
		slog.Warn("sms sender disabled, skipping send",
			"message_id", msg.ID,
			"to", payload.To,
		)
		return nil
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return messenger.NewRetryableError(fmt.Errorf("rate limit wait: %w", err))
		}
	}

	if err := s.send(ctx, payload); err != nil {
		return err
	}

	slog.Debug("sms sent",
		"message_id", msg.ID,
		"to", payload.To,
	)
	return nil
}

func (s *Sender) send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(map[string]string{
		"to":   payload.To,
		"body": payload.Body,
	})
	if err != nil {
		return messenger.NewNonRetryableError(fmt.Errorf("encode gateway request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return messenger.NewNonRetryableError(fmt.Errorf("build gateway request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return messenger.NewRetryableError(fmt.Errorf("call sms gateway: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	gatewayErr := fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return messenger.NewRetryableError(gatewayErr)
	}
	return messenger.NewNonRetryableError(gatewayErr)
}
