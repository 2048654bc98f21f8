// SPDX-License-Identifier: MIT

// Package audit provides structured audit logging for security-sensitive
// operations. It follows the WHO/WHAT/WHEN pattern for compliance and
// forensics.
package audit

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridrun/gridrun/internal/log"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Workflow registry events
	EventWorkflowReload      EventType = "workflow.reload"
	EventWorkflowReloadError EventType = "workflow.reload.error"

	// Run lifecycle events
	EventRunStart     EventType = "run.start"
	EventRunConcluded EventType = "run.concluded"
	EventRunCancel    EventType = "run.cancel"

	// Manual trigger events
	EventDispatch EventType = "workflow.dispatch"

	// Authentication events
	EventAuthSuccess EventType = "auth.success"
	EventAuthFailure EventType = "auth.failure"
	EventAuthMissing EventType = "auth.missing"

	// API access events
	EventAPIAccess    EventType = "api.access"
	EventAPIRateLimit EventType = "api.ratelimit"
)

// Event represents a structured audit event.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	Type       EventType         `json:"type"`
	Actor      string            `json:"actor"`    // WHO: user, IP, or "system"
	Action     string            `json:"action"`   // WHAT happened
	Resource   string            `json:"resource"` // workflow, run or endpoint affected
	Result     string            `json:"result"`   // success, failure, denied
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Details    map[string]string `json:"details,omitempty"`
}

// Logger provides audit logging functionality.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger with a dedicated "audit" component.
func NewLogger() *Logger {
	auditLogger := log.WithComponent("audit").With().
		Str("log_type", "audit").
		Logger()

	return &Logger{logger: auditLogger}
}

// Log writes an audit event to the audit log.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	logEvent := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("resource", event.Resource).
		Str("result", event.Result)

	if event.RemoteAddr != "" {
		logEvent.Str("remote_addr", event.RemoteAddr)
	}
	if event.RequestID != "" {
		logEvent.Str("request_id", event.RequestID)
	}

	for key, value := range event.Details {
		logEvent.Str(key, value)
	}

	logEvent.Msg("audit event")
}

// WorkflowReload logs a workflow registry reload.
func (l *Logger) WorkflowReload(actor, result string, loaded int) {
	l.Log(Event{
		Type:     EventWorkflowReload,
		Actor:    actor,
		Action:   "reloaded workflow definitions",
		Resource: "workflows",
		Result:   result,
		Details: map[string]string{
			"loaded": strconv.Itoa(loaded),
		},
	})
}

// RunStarted logs a new run entering the engine.
func (l *Logger) RunStarted(actor, runID, workflowName, trigger, ref string, jobs int) {
	l.Log(Event{
		Type:     EventRunStart,
		Actor:    actor,
		Action:   "started run",
		Resource: workflowName,
		Result:   "started",
		Details: map[string]string{
			"run_id":  runID,
			"trigger": trigger,
			"ref":     ref,
			"jobs":    strconv.Itoa(jobs),
		},
	})
}

// RunConcluded logs a run reaching a terminal state.
func (l *Logger) RunConcluded(runID, workflowName, conclusion string, durationMS int64) {
	l.Log(Event{
		Type:     EventRunConcluded,
		Actor:    "system",
		Action:   "run concluded",
		Resource: workflowName,
		Result:   conclusion,
		Details: map[string]string{
			"run_id":      runID,
			"duration_ms": strconv.FormatInt(durationMS, 10),
		},
	})
}

// RunCancelled logs an operator-initiated cancellation.
func (l *Logger) RunCancelled(actor, remoteAddr, runID string) {
	l.Log(Event{
		Type:       EventRunCancel,
		Actor:      actor,
		Action:     "cancelled run",
		Resource:   runID,
		Result:     "success",
		RemoteAddr: remoteAddr,
	})
}

// Dispatch logs a manual workflow trigger.
func (l *Logger) Dispatch(actor, remoteAddr, workflowName, ref, result string) {
	l.Log(Event{
		Type:       EventDispatch,
		Actor:      actor,
		Action:     "dispatched workflow",
		Resource:   workflowName,
		Result:     result,
		RemoteAddr: remoteAddr,
		Details: map[string]string{
			"ref": ref,
		},
	})
}

// AuthSuccess logs a successful authentication.
func (l *Logger) AuthSuccess(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAuthSuccess,
		Actor:      remoteAddr,
		Action:     "authenticated successfully",
		Resource:   endpoint,
		Result:     "success",
		RemoteAddr: remoteAddr,
	})
}

// AuthFailure logs a failed authentication attempt.
func (l *Logger) AuthFailure(remoteAddr, endpoint, reason string) {
	l.Log(Event{
		Type:       EventAuthFailure,
		Actor:      remoteAddr,
		Action:     "authentication failed",
		Resource:   endpoint,
		Result:     "failure",
		RemoteAddr: remoteAddr,
		Details: map[string]string{
			"reason": reason,
		},
	})
}

// AuthMissing logs a request without credentials.
func (l *Logger) AuthMissing(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAuthMissing,
		Actor:      remoteAddr,
		Action:     "accessed endpoint without authentication",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}

// APIAccess logs API endpoint access.
func (l *Logger) APIAccess(remoteAddr, method, endpoint string, statusCode int) {
	result := "success"
	if statusCode >= 400 {
		result = "failure"
	}

	l.Log(Event{
		Type:       EventAPIAccess,
		Actor:      remoteAddr,
		Action:     method + " " + endpoint,
		Resource:   endpoint,
		Result:     result,
		RemoteAddr: remoteAddr,
		Details: map[string]string{
			"method":      method,
			"status_code": strconv.Itoa(statusCode),
		},
	})
}

// RateLimitExceeded logs rate limit violations.
func (l *Logger) RateLimitExceeded(remoteAddr, endpoint string) {
	l.Log(Event{
		Type:       EventAPIRateLimit,
		Actor:      remoteAddr,
		Action:     "rate limit exceeded",
		Resource:   endpoint,
		Result:     "denied",
		RemoteAddr: remoteAddr,
	})
}
