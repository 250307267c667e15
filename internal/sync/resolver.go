package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/curasync/internal/model"
)

// resolver settles records flagged as conflict, and requeues failed ones.
type resolver struct {
	store  RecordStore
	remote RemoteClient
	now    func() time.Time
	log    *slog.Logger
}

// resolve applies the chosen side. On a remote failure the record stays in
// conflict; nothing is retried.
func (r *resolver) resolve(ctx context.Context, kind model.Kind, key string, choice model.Choice) (model.Record, error) {
	local, err := r.find(ctx, kind, key, model.StateConflict)
	if err != nil {
		return nil, err
	}

	switch choice {
	case model.ChoiceLocal:
		return r.keepLocal(ctx, local)
	case model.ChoiceServer:
		return r.takeServer(ctx, local)
	default:
		return nil, fmt.Errorf("unknown resolution choice %q", choice)
	}
}

// keepLocal forces the local content onto the remote.
func (r *resolver) keepLocal(ctx context.Context, local model.Record) (model.Record, error) {
	kind, key := local.Kind(), local.Key()
	readVersion := local.Meta().Version

	ack, err := r.remote.Overwrite(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("resolving %s %s with local copy: %w", kind, key, err)
	}

	if local.Tombstone() {
		err = r.settle(ctx, kind, key, readVersion, nil)
	} else {
		m := local.Meta()
		m.RemoteID = ack.RemoteID
		m.MarkSynced(ack.Version, r.now().UTC())
		err = r.settle(ctx, kind, key, readVersion, local)
	}
	if err != nil {
		return nil, err
	}
	r.log.Info("conflict resolved", "kind", kind, "key", key, "choice", model.ChoiceLocal,
		"remote_id", ack.RemoteID, "version", ack.Version)
	return local, nil
}

// takeServer replaces the local record with the authoritative copy. When the
// local version is ahead of the server's, the server copy is rewritten at a
// version no lower than the local one first, so both sides end up on a
// version the server actually holds.
func (r *resolver) takeServer(ctx context.Context, local model.Record) (model.Record, error) {
	kind, key := local.Kind(), local.Key()
	lm := local.Meta()
	if lm.RemoteID == "" {
		return nil, fmt.Errorf("resolving %s %s with server copy: record has no remote id", kind, key)
	}

	theirs, err := r.remote.Get(ctx, kind, lm.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("resolving %s %s with server copy: %w", kind, key, err)
	}

	tm := theirs.Meta()
	tm.RemoteID = lm.RemoteID
	if !theirs.Tombstone() && tm.Version < lm.Version {
		tm.Version = lm.Version
		ack, err := r.remote.Overwrite(ctx, theirs)
		if err != nil {
			return nil, fmt.Errorf("advancing server copy of %s %s: %w", kind, key, err)
		}
		tm.Version = ack.Version
		r.log.Debug("server copy behind local version, advanced it", "kind", kind, "key", key,
			"local_version", lm.Version, "version", ack.Version)
	}
	tm.SyncState = model.StateSynced
	tm.PushAttempts = 0
	tm.LastError = ""

	if theirs.Tombstone() {
		err = r.settle(ctx, kind, key, lm.Version, nil)
	} else {
		err = r.settle(ctx, kind, key, lm.Version, theirs)
	}
	if err != nil {
		return nil, err
	}
	r.log.Info("conflict resolved", "kind", kind, "key", key, "choice", model.ChoiceServer,
		"remote_id", lm.RemoteID, "version", tm.Version)
	return theirs, nil
}

// settle replaces the conflicted row read at readVersion with rec, or
// purges it when rec is nil.
func (r *resolver) settle(ctx context.Context, kind model.Kind, key string, readVersion int64, rec model.Record) error {
	var ok bool
	var err error
	if rec == nil {
		ok, err = r.store.DeleteIf(ctx, kind, key, readVersion, model.StateConflict)
	} else {
		ok, err = r.store.PutIf(ctx, rec, readVersion, model.StateConflict)
	}
	if err != nil {
		return fmt.Errorf("saving resolved %s %s: %w", kind, key, err)
	}
	if !ok {
		return fmt.Errorf("resolving %s %s: %w", kind, key, ErrChanged)
	}
	return nil
}

// requeue moves a failed record back to pending with a fresh attempt budget.
func (r *resolver) requeue(ctx context.Context, kind model.Kind, key string) (model.Record, error) {
	rec, err := r.find(ctx, kind, key, model.StateFailed)
	if err != nil {
		return nil, err
	}
	m := rec.Meta()
	m.SyncState = model.StatePending
	m.PushAttempts = 0
	m.LastError = ""
	ok, err := r.store.PutIf(ctx, rec, m.Version, model.StateFailed)
	if err != nil {
		return nil, fmt.Errorf("requeueing %s %s: %w", kind, key, err)
	}
	if !ok {
		// Edited since it was read: the edit already made it pending again.
		return nil, &NotFoundError{Kind: kind, Key: key, State: model.StateFailed}
	}
	r.log.Info("requeued failed record", "kind", kind, "key", key)
	return rec, nil
}

func (r *resolver) find(ctx context.Context, kind model.Kind, key string, state model.SyncState) (model.Record, error) {
	rec, err := r.store.Get(ctx, kind, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", kind, key, err)
	}
	if rec == nil || rec.Meta().SyncState != state {
		return nil, &NotFoundError{Kind: kind, Key: key, State: state}
	}
	return rec, nil
}
