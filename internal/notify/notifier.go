// SPDX-License-Identifier: MIT

// Package notify delivers run-conclusion webhooks to a configured target.
// Deliveries are best effort: a circuit breaker and a token bucket protect
// the engine from a slow or failing receiver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gridrun/gridrun/internal/log"
	"github.com/gridrun/gridrun/internal/metrics"
	"github.com/gridrun/gridrun/internal/model"
	"github.com/gridrun/gridrun/internal/resilience"
)

// Config parameterizes the webhook notifier.
type Config struct {
	// URL is the webhook target. Validated against Policy at construction.
	URL string

	// Secret, when set, signs the payload with HMAC-SHA256 in the
	// X-Gridrun-Signature-256 header.
	Secret string

	// Timeout bounds one delivery attempt. Defaults to 10s.
	Timeout time.Duration

	// Rate caps deliveries per second. Defaults to 5/s with burst 10.
	Rate  rate.Limit
	Burst int

	// BreakerThreshold and BreakerReset configure the delivery breaker.
	BreakerThreshold int
	BreakerReset     time.Duration

	// Policy restricts which targets the notifier may contact.
	Policy OutboundPolicy
}

// Payload is the webhook body sent on every run conclusion.
type Payload struct {
	Event      string       `json:"event"` // always "run.concluded"
	RunID      string       `json:"run_id"`
	Workflow   string       `json:"workflow"`
	Group      string       `json:"group"`
	Trigger    string       `json:"trigger"`
	Ref        string       `json:"ref"`
	SHA        string       `json:"sha,omitempty"`
	Conclusion string       `json:"conclusion"`
	Reason     string       `json:"reason,omitempty"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Jobs       []JobPayload `json:"jobs"`
}

// JobPayload summarizes one matrix job in the webhook body.
type JobPayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Conclusion string `json:"conclusion"`
	Reason     string `json:"reason,omitempty"`
	ExitCode   int    `json:"exit_code"`
}

// Webhook posts run conclusions to a single target URL.
type Webhook struct {
	url     string
	secret  string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewWebhook validates the target against the outbound policy and builds
// the notifier.
func NewWebhook(ctx context.Context, cfg Config, logger zerolog.Logger) (*Webhook, error) {
	target, err := ValidateOutboundURL(ctx, cfg.URL, cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("notify: target rejected: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := cfg.Rate
	if limit <= 0 {
		limit = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}

	return &Webhook{
		url:     target,
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker("notify", cfg.BreakerThreshold, cfg.BreakerReset),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str(log.FieldComponent, "notify").Logger(),
	}, nil
}

// RunConcluded posts the run summary. Failures are logged and counted, never
// surfaced to the engine.
func (w *Webhook) RunConcluded(ctx context.Context, run *model.Run, jobs []*model.Job) {
	if !w.limiter.Allow() {
		metrics.IncWebhookDelivery("rate_limited")
		w.logger.Warn().
			Str(log.FieldRunID, run.ID).
			Str("event", "notify.rate_limited").
			Msg("webhook delivery dropped")
		return
	}

	body, err := json.Marshal(w.payload(run, jobs))
	if err != nil {
		metrics.IncWebhookDelivery("failure")
		w.logger.Error().Err(err).Str(log.FieldRunID, run.ID).Msg("webhook payload encoding failed")
		return
	}

	err = w.breaker.Execute(func() error {
		return w.post(ctx, body)
	})
	switch {
	case err == nil:
		metrics.IncWebhookDelivery("success")
		w.logger.Debug().
			Str(log.FieldRunID, run.ID).
			Str("event", "notify.delivered").
			Msg("webhook delivered")
	case err == resilience.ErrCircuitOpen:
		metrics.IncWebhookDelivery("rejected")
		w.logger.Warn().
			Str(log.FieldRunID, run.ID).
			Str("event", "notify.circuit_open").
			Msg("webhook delivery rejected by breaker")
	default:
		metrics.IncWebhookDelivery("failure")
		w.logger.Warn().Err(err).
			Str(log.FieldRunID, run.ID).
			Str("event", "notify.failed").
			Msg("webhook delivery failed")
	}
}

func (w *Webhook) payload(run *model.Run, jobs []*model.Job) Payload {
	p := Payload{
		Event:      "run.concluded",
		RunID:      run.ID,
		Workflow:   run.Workflow,
		Group:      run.Group,
		Trigger:    string(run.Trigger.Kind),
		Ref:        run.Trigger.Ref,
		SHA:        run.Trigger.SHA,
		Conclusion: run.State.String(),
		Reason:     run.Reason.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Jobs:       make([]JobPayload, 0, len(jobs)),
	}
	for _, j := range jobs {
		jp := JobPayload{
			ID:         j.ID,
			Name:       j.Name,
			Slug:       j.Slug,
			Conclusion: j.State.String(),
			Reason:     j.Reason.String(),
		}
		if j.ExitCode != nil {
			jp.ExitCode = *j.ExitCode
		}
		p.Jobs = append(p.Jobs, jp)
	}
	return p
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gridrun-notify")
	if w.secret != "" {
		req.Header.Set("X-Gridrun-Signature-256", "sha256="+signature(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: target returned %d", resp.StatusCode)
	}
	return nil
}

func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
