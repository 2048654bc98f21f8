// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldRunID         = "run_id"
	FieldJobID         = "job_id"
	FieldDeliveryID    = "delivery_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldWorkflow  = "workflow"
	FieldGroup     = "group"

	// Matrix axis fields
	FieldInterpreter = "interpreter"
	FieldNumerics    = "numerics"
	FieldDeps        = "deps"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Path fields
	FieldPath      = "path"
	FieldWorkspace = "workspace"
	FieldEnvName   = "env_name"
)
