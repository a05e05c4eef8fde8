// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldItemID    = "item_id"
	FieldJobID     = "job_id"
	FieldInfoHash  = "info_hash"
	FieldServerID  = "server_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldWorker    = "worker"
	FieldStep      = "step"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
	FieldErrorKind = "error_kind"
	FieldService   = "service"

	// Media fields
	FieldTitle      = "title"
	FieldResolution = "resolution"
	FieldCodec      = "codec"

	// Path fields
	FieldPath       = "path"
	FieldRemotePath = "remote_path"
)
