package incident

import "errors"

// Error taxonomy shared by capture, alerting and destructive actions.
var (
	// ErrPermissionDenied: capability unavailable; the evidence field stays empty.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrResourceBusy: camera or microphone already owned; only the current step is aborted.
	ErrResourceBusy = errors.New("resource busy")
	// ErrTransportFailure: network or credential failure while delivering an alert.
	ErrTransportFailure = errors.New("transport failure")
	// ErrConfigurationMissing: no recipient or credentials; checked before capture.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrPrivilegeUnavailable: wipe without device admin, or privileged command without root.
	ErrPrivilegeUnavailable = errors.New("privilege unavailable")
)
