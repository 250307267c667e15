// Package model defines the record types shared by the local store, the remote
// client and the sync engine.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// Kind identifies a record family.
type Kind string

const (
	KindEntity   Kind = "entity"
	KindCuration Kind = "curation"
)

// Kinds lists every kind in reconciliation order. Curations reference
// entities, so entities always come first.
var Kinds = []Kind{KindEntity, KindCuration}

// ParseKind maps a user-supplied name ("entity", "entities", ...) to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "entity", "entities":
		return KindEntity, nil
	case "curation", "curations":
		return KindCuration, nil
	default:
		return "", fmt.Errorf("unknown record kind %q", s)
	}
}

// SyncState is the reconciliation state of a local record.
type SyncState string

const (
	// StateSynced means the local copy matches the version last acknowledged
	// by the remote side.
	StateSynced SyncState = "synced"
	// StatePending means the record carries local changes owed to the remote.
	StatePending SyncState = "pending"
	// StateConflict means a push was rejected with a version mismatch. The
	// record is not pushed again until it has been resolved.
	StateConflict SyncState = "conflict"
	// StateFailed means the remote rejected the record as invalid too many
	// times. It stays out of the push pool until requeued.
	StateFailed SyncState = "failed"
)

// Valid reports whether s is a known sync state.
func (s SyncState) Valid() bool {
	switch s {
	case StateSynced, StatePending, StateConflict, StateFailed:
		return true
	}
	return false
}

// Choice selects which variant wins when resolving a conflict.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceServer Choice = "server"
)

// ParseChoice validates a resolution choice.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceLocal, ChoiceServer:
		return Choice(s), nil
	}
	return "", fmt.Errorf("unknown resolution choice %q (want local or server)", s)
}

// SyncMeta holds the bookkeeping fields every record carries.
type SyncMeta struct {
	// Version is a monotonic counter, ≥1. Local edits bump it; the remote
	// side echoes the version it stored on every acknowledged write.
	Version int64

	SyncState SyncState

	// RemoteID is the identifier assigned by the remote service. Empty until
	// the first successful create.
	RemoteID string

	// PushAttempts counts consecutive validation rejections. Connectivity
	// failures and conflicts do not count.
	PushAttempts int

	// LastError is the message of the most recent rejected push.
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarkSynced records a remote acknowledgement at version v.
func (m *SyncMeta) MarkSynced(v int64, now time.Time) {
	if v > m.Version {
		m.Version = v
	}
	m.SyncState = StateSynced
	m.PushAttempts = 0
	m.LastError = ""
	m.UpdatedAt = now
}

// Record is implemented by [*Entity] and [*Curation].
type Record interface {
	Kind() Kind
	// Key returns the business key.
	Key() string
	Meta() *SyncMeta
	// Tombstone reports whether the record is soft-deleted.
	Tombstone() bool
	// ContentHash digests the business fields only.
	ContentHash() string
	Validate() error
	Clone() Record
}

// SyncMetadata holds process-wide sync timestamps. A zero value means the
// phase has never completed.
type SyncMetadata struct {
	LastPullAt time.Time
	LastPushAt time.Time
}

// New returns an empty record of the given kind.
func New(kind Kind) (Record, error) {
	switch kind {
	case KindEntity:
		return &Entity{}, nil
	case KindCuration:
		return &Curation{}, nil
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
}

// hashFields writes each field separated by "|" and returns a hex digest.
func hashFields(fields ...string) string {
	h := sha256.New()
	for i, f := range fields {
		if i > 0 {
			_, _ = io.WriteString(h, "|")
		}
		_, _ = io.WriteString(h, f)
	}
	return hex.EncodeToString(h.Sum(nil))
}
