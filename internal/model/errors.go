package model

import "errors"

var (
	// ErrSessionNotFound is returned when a session id is not registered.
	ErrSessionNotFound = errors.New("session not found")

	// ErrPermissionNotFound is returned when a permission request id is unknown.
	ErrPermissionNotFound = errors.New("permission request not found")

	// ErrPermissionMismatch is returned when a permission response names a
	// session that does not own the request.
	ErrPermissionMismatch = errors.New("permission request does not belong to session")

	// ErrConnectionClosed is returned when an operation requires an open
	// browser connection but the connection is gone.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrModelRequired is returned when a session creation request is
	// missing the model id.
	ErrModelRequired = errors.New("model is required")
)
