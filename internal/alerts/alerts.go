// Package alerts delivers breaker/limiter state-transition notifications
// to an externally configured webhook. Outbound calls are signed with a
// short-lived JWT bearer token (grounded on the teacher's JWT session
// tokens, repurposed here to authenticate proxy->webhook calls) and
// throttled with golang.org/x/time/rate so a flapping breaker cannot
// flood the receiving system. Delivery failures are swallowed after a
// stderr line — alerting must never propagate errors into the breaker's
// call path (spec §4.5, §7).
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"rpcgateway/internal/logging"
)

// Sink matches breaker.AlertSink without importing it, avoiding a
// dependency cycle; breaker.AlertSink is satisfied structurally by
// *WebhookSink.
type Sink interface {
	Alert(kind, message string)
}

// WebhookSink POSTs a JSON payload to a configured URL, authenticated
// with a freshly minted JWT bearer token per call.
type WebhookSink struct {
	url            string
	signingSecret  string
	client         *http.Client
	limiter        *rate.Limiter
}

// NewWebhookSink constructs a sink. If url is empty, Alert becomes a
// no-op (matching the "extension point" framing of spec §1 — alert
// delivery is an external collaborator this core does not require).
func NewWebhookSink(url, signingSecret string, ratePerSecond float64) *WebhookSink {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return &WebhookSink{
		url:           url,
		signingSecret: signingSecret,
		client:        &http.Client{Timeout: 5 * time.Second},
		limiter:       rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
}

type alertPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type alertClaims struct {
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// Alert delivers kind/message to the webhook, best-effort. A denied
// rate-limit token silently drops the alert rather than blocking the
// caller or queuing — the breaker's call path must never wait on this.
func (s *WebhookSink) Alert(kind, message string) {
	if s == nil || s.url == "" {
		return
	}
	if !s.limiter.Allow() {
		logging.Debugf("alerts: dropped %q, rate-limited", kind)
		return
	}

	go s.deliver(kind, message)
}

func (s *WebhookSink) deliver(kind, message string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("alerts: recovered from panic delivering %q: %v", kind, r)
		}
	}()

	now := time.Now()
	payload := alertPayload{Kind: kind, Message: message, Timestamp: now.Unix()}
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Errorf("alerts: marshal failed: %v", err)
		return
	}

	token, err := s.sign(kind, now)
	if err != nil {
		logging.Errorf("alerts: sign failed: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		logging.Errorf("alerts: build request failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		logging.Warnf("alerts: delivery failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logging.Warnf("alerts: webhook responded %d", resp.StatusCode)
	}
}

func (s *WebhookSink) sign(kind string, now time.Time) (string, error) {
	claims := alertClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Second)),
			Issuer:    "rpcgateway-alerts",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.signingSecret))
}
