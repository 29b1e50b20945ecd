// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package webhook is the outbound HTTP transport the Notification
// Aggregator and Control Endpoint use to reach an external chat
// system (spec.md Sec. 1, Sec. 6 "Webhook transport"). It is
// deliberately dumb: fire-and-forget, failures logged and dropped
// (spec.md Sec. 5 Backpressure, Sec. 7(v)), modeled on the teacher's
// notification.Dispatcher.sendWebhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"grimm.is/relay/internal/logging"
)

// Field is one entry in an Embed's Fields list.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed is a single message embed, per spec.md Sec. 6's wire shape.
type Embed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
	Fields      []Field `json:"fields,omitempty"`
	Footer      *Footer `json:"footer,omitempty"`
}

// Footer is an Embed's optional footer text.
type Footer struct {
	Text string `json:"text"`
}

type payload struct {
	Embeds []Embed `json:"embeds"`
}

// Dispatcher POSTs embeds to configured webhook URLs. It holds no
// connection or session state alive: every Send call is independent
// and its error is only ever logged, never propagated to a caller
// that might block on it (spec.md Sec. 5).
type Dispatcher struct {
	client *http.Client
	logger *logging.Logger
}

// New builds a Dispatcher with a bounded-timeout HTTP client.
func New(logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default().WithComponent("webhook")
	}
	return &Dispatcher{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Send POSTs a single embed to url as {"embeds":[e]}. A blank or
// whitespace-only url is silently skipped, per spec.md Sec. 6. Any
// transport error or 4xx/5xx response is logged once and dropped; Send
// never returns an error a caller needs to handle.
func (d *Dispatcher) Send(ctx context.Context, url string, e Embed) {
	if strings.TrimSpace(url) == "" {
		return
	}

	body, err := json.Marshal(payload{Embeds: []Embed{e}})
	if err != nil {
		d.logger.Warn("failed to marshal webhook payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("failed to build webhook request", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook dispatch failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Warn("webhook rejected", "url", url, "status", resp.StatusCode)
	}
}

// NowISO8601 formats t the way Embed.Timestamp expects it.
func NowISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
