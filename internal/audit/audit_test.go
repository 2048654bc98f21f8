// SPDX-License-Identifier: MIT

package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger()
	assert.NotNil(t, logger)
	assert.NotNil(t, logger.logger)
}

func TestLogger_Log(t *testing.T) {
	logger := NewLogger()

	event := Event{
		Type:       EventRunCancel,
		Actor:      "admin",
		Action:     "cancelled run",
		Resource:   "run-123",
		Result:     "success",
		RemoteAddr: "192.168.1.100",
		RequestID:  "req-123",
		Details: map[string]string{
			"reason": "api_cancel",
		},
	}

	// Should not panic
	logger.Log(event)

	// Missing timestamp is set automatically.
	event2 := Event{
		Type:     EventAuthSuccess,
		Actor:    "user1",
		Action:   "logged in",
		Resource: "/api",
		Result:   "success",
	}
	logger.Log(event2)
}

func TestLogger_RunLifecycle(t *testing.T) {
	logger := NewLogger()

	logger.RunStarted("webhook", "run-1", "Build and Test Matrix", "push", "main", 12)
	logger.RunConcluded("run-1", "Build and Test Matrix", "succeeded", 90000)
	logger.RunCancelled("operator", "10.0.0.1", "run-1")
}

func TestLogger_Dispatch(t *testing.T) {
	logger := NewLogger()

	logger.Dispatch("operator", "10.0.0.1", "Build and Test Matrix", "main", "success")
	logger.Dispatch("operator", "10.0.0.1", "nightly", "main", "denied")
}

func TestLogger_WorkflowReload(t *testing.T) {
	logger := NewLogger()

	logger.WorkflowReload("fsnotify", "success", 3)
	logger.WorkflowReload("system", "failure", 0)
}

func TestLogger_Authentication(t *testing.T) {
	logger := NewLogger()

	logger.AuthSuccess("192.168.1.50", "/api/v1/runs")
	logger.AuthFailure("192.168.1.51", "/api/v1/runs", "invalid token")
	logger.AuthMissing("192.168.1.52", "/api/v1/runs")
}

func TestLogger_APIAccess(t *testing.T) {
	logger := NewLogger()

	logger.APIAccess("10.0.0.1", "GET", "/api/v1/runs", 200)
	logger.APIAccess("10.0.0.2", "POST", "/api/v1/events/push", 401)
}

func TestLogger_RateLimitExceeded(t *testing.T) {
	logger := NewLogger()

	logger.RateLimitExceeded("10.0.0.3", "/api/v1/events/push")
}

func TestEvent_TimestampAutoSet(t *testing.T) {
	logger := NewLogger()

	event := Event{
		Type:     EventWorkflowReload,
		Actor:    "test",
		Action:   "test action",
		Resource: "test",
		Result:   "success",
	}

	before := time.Now()
	logger.Log(event)
	after := time.Now()

	assert.True(t, before.Before(after) || before.Equal(after))
}

func BenchmarkLogger_Log(b *testing.B) {
	logger := NewLogger()
	event := Event{
		Type:       EventAPIAccess,
		Actor:      "benchmark",
		Action:     "test",
		Resource:   "/test",
		Result:     "success",
		RemoteAddr: "127.0.0.1",
		Details: map[string]string{
			"key1": "value1",
			"key2": "value2",
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Log(event)
	}
}
