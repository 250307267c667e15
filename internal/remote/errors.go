package remote

import (
	"errors"
	"fmt"

	"github.com/njoerd114/curasync/internal/model"
)

// Sentinel errors. Match them with [errors.Is]; the typed errors below wrap
// them and carry details.
var (
	// ErrVersionConflict means the remote copy moved past the lock token.
	ErrVersionConflict = errors.New("version conflict")
	// ErrRejected means the remote refused the record as invalid.
	ErrRejected = errors.New("record rejected by remote")
	// ErrUnavailable covers network failures, timeouts and 5xx/429 answers.
	ErrUnavailable = errors.New("remote unavailable")
	// ErrUnauthorized means the token was refused.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound means the remote has no record with the requested id.
	ErrNotFound = errors.New("remote record not found")
)

// ConflictError is returned on a version mismatch. RemoteID and Version
// describe the copy the server currently holds.
type ConflictError struct {
	Kind     model.Kind
	RemoteID string
	Version  int64
	Message  string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s %s: version conflict (server at v%d)", e.Kind, e.RemoteID, e.Version)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

// RejectedError is returned for validation failures (4xx other than
// 401/403/404/409/412).
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote rejected record (status %d)", e.Status)
	}
	return fmt.Sprintf("remote rejected record (status %d): %s", e.Status, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// IsTransient reports whether err is worth retrying later: connectivity
// problems and overloaded servers. Conflicts and rejections are not.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
