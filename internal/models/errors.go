package models

import "github.com/pkg/errors"

// Error taxonomy shared by every component. Concrete failures wrap one of
// these so callers can branch with errors.Is.
var (
	// ErrTransport covers socket and handshake failures; retried with backoff.
	ErrTransport = errors.New("transport failure")
	// ErrAuth means the broker rejected the credentials. Never retried automatically.
	ErrAuth = errors.New("authentication failure")
	// ErrProtocol marks a malformed broker frame. The frame is dropped.
	ErrProtocol = errors.New("protocol error")
	// ErrValidation rejects an upload before any network call.
	ErrValidation = errors.New("validation error")
	// ErrUploadTimeout is raised when no completion arrives within the ceiling.
	ErrUploadTimeout = errors.New("upload timed out")
	// ErrDuplicateSend is absorbed by the dispatcher and reported as success.
	ErrDuplicateSend = errors.New("duplicate send")

	ErrNotConnected     = errors.New("not connected to broker")
	ErrQueued           = errors.New("message queued for replay")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrUploadFailed     = errors.New("upload failed")
	ErrCancelled        = errors.New("upload cancelled")
)
