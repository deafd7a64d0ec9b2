// Copyright 2026 The Orbit Authors
// SPDX-License-Identifier: Apache-2.0

// Package push delivers attention notifications to the user's devices
// through an external notification service. The hub treats delivery as
// best-effort; this package only reports failures, it never retries.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/orbit-foundation/orbit/relay"
)

// Webhook posts notifications as JSON to a configured HTTP endpoint.
// The endpoint owns device subscriptions and the actual push protocol.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a webhook sender. timeout bounds one delivery
// attempt end to end; zero uses 10 seconds.
func NewWebhook(url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send implements relay.PushSender.
func (w *Webhook) Send(ctx context.Context, notification relay.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("push: encoding notification: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := w.client.Do(request)
	if err != nil {
		return fmt.Errorf("push: delivering to %s: %w", w.url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("push: %s answered %s", w.url, response.Status)
	}

	w.logger.Debug("push delivered",
		"thread_id", notification.ThreadID,
		"type", notification.Type,
	)
	return nil
}
