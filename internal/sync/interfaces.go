// Package sync implements the reconciliation engine between the local record
// store and the remote curation service. Entities and curations go through
// the same code paths, parametrised by [model.Kind].
//
// The package contains these components:
//
//   - the pull phase merges remote pages into the store by version;
//   - the push phase sends pending records using the local version as an
//     optimistic-lock token and flags conflicts;
//   - [Engine] owns the single-flight guarantee, the recurring timer and
//     conflict resolution;
//   - [Bootstrap] hydrates an empty store on first run.
package sync

import (
	"context"

	"github.com/njoerd114/curasync/internal/model"
	"github.com/njoerd114/curasync/internal/remote"
)

// RecordStore provides access to the local record database.
// Implemented by [store.Store].
type RecordStore interface {
	Get(ctx context.Context, kind model.Kind, key string) (model.Record, error)
	Put(ctx context.Context, rec model.Record) error
	Delete(ctx context.Context, kind model.Kind, key string) error
	// Insert, PutIf and DeleteIf write only when the row is absent, or still
	// at the version and state it had when it was read. They report whether
	// the write happened.
	Insert(ctx context.Context, rec model.Record) (bool, error)
	PutIf(ctx context.Context, rec model.Record, version int64, state model.SyncState) (bool, error)
	DeleteIf(ctx context.Context, kind model.Kind, key string, version int64, state model.SyncState) (bool, error)
	ListBySyncState(ctx context.Context, kind model.Kind, state model.SyncState) ([]model.Record, error)
	CountBySyncState(ctx context.Context, kind model.Kind, state model.SyncState) (int, error)
	IsEmpty(ctx context.Context) (bool, error)
	LoadMetadata(ctx context.Context) (model.SyncMetadata, error)
	SaveMetadata(ctx context.Context, meta model.SyncMetadata) error
}

// RemoteClient talks to the authoritative service.
// Implemented by [remote.Client].
type RemoteClient interface {
	List(ctx context.Context, kind model.Kind, page remote.Page) (remote.ListResult, error)
	Create(ctx context.Context, rec model.Record) (remote.CreateResult, error)
	Update(ctx context.Context, remoteID string, rec model.Record, expectedVersion int64) (int64, error)
	Overwrite(ctx context.Context, rec model.Record) (remote.CreateResult, error)
	Get(ctx context.Context, kind model.Kind, remoteID string) (model.Record, error)
}

// Connectivity reports whether the remote is believed reachable.
// Implemented by [network.Monitor].
type Connectivity interface {
	IsOnline() bool
}
