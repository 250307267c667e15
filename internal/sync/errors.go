package sync

import (
	"errors"
	"fmt"

	"github.com/njoerd114/curasync/internal/model"
	"github.com/njoerd114/curasync/internal/remote"
)

var (
	// ErrNotFound is matched by every [*NotFoundError].
	ErrNotFound = errors.New("record not found")
	// ErrOffline is returned by operations that need the remote while offline.
	ErrOffline = errors.New("offline")
	// ErrMissingDependency is returned by [NewEngine] when a collaborator is nil.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrChanged is returned when a record changed locally while a
	// resolution was in progress. The new local state is kept.
	ErrChanged = errors.New("record changed concurrently")
)

// NotFoundError means no record with the given key is in the required state.
type NotFoundError struct {
	Kind  model.Kind
	Key   string
	State model.SyncState
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s %q in state %s", e.Kind, e.Key, e.State)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// isConnectivity reports whether err is worth retrying on a shorter schedule.
func isConnectivity(err error) bool {
	return errors.Is(err, ErrOffline) || remote.IsTransient(err)
}
