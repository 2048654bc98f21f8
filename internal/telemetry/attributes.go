// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the daemon.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Run attributes
	RunIDKey       = "run.id"
	RunWorkflowKey = "run.workflow"
	RunGroupKey    = "run.group"
	RunTriggerKey  = "run.trigger"
	RunRefKey      = "run.ref"

	// Job attributes
	JobIDKey         = "job.id"
	JobSlugKey       = "job.slug"
	JobStatusKey     = "job.status"
	JobExitCodeKey   = "job.exit_code"
	JobDurationKey   = "job.duration_ms"
	JobEnvNameKey    = "job.env_name"
	JobMatrixSizeKey = "job.matrix_size"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// RunAttributes creates run-scoped span attributes.
func RunAttributes(runID, workflow, group, trigger, ref string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(RunIDKey, runID),
		attribute.String(RunWorkflowKey, workflow),
		attribute.String(RunTriggerKey, trigger),
	}
	if group != "" {
		attrs = append(attrs, attribute.String(RunGroupKey, group))
	}
	if ref != "" {
		attrs = append(attrs, attribute.String(RunRefKey, ref))
	}
	return attrs
}

// JobAttributes creates job-scoped span attributes.
func JobAttributes(jobID, slug, status string, exitCode int, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(JobSlugKey, slug),
		attribute.String(JobStatusKey, status),
		attribute.Int(JobExitCodeKey, exitCode),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
