package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/curasync/internal/model"
	"github.com/njoerd114/curasync/internal/remote"
)

// DefaultMaxPushAttempts is how many validation rejections a record survives
// before it is parked as failed.
const DefaultMaxPushAttempts = 5

// PushResult counts what a push of one kind did.
type PushResult struct {
	Pushed    int // accepted by the remote
	Conflicts int // moved to conflict
	Failed    int // moved to failed after too many rejections
	Errors    int // rejected or unreachable, still pending
}

// pusher sends pending records to the remote one at a time.
type pusher struct {
	store       RecordStore
	remote      RemoteClient
	meta        *metaTracker
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger
}

// push processes every pending record of kind in retrieval order. A
// connectivity failure stops the phase: the remaining records stay pending
// for the next cycle and the error is returned.
func (p *pusher) push(ctx context.Context, kind model.Kind) (PushResult, error) {
	var res PushResult

	pending, err := p.store.ListBySyncState(ctx, kind, model.StatePending)
	if err != nil {
		return res, fmt.Errorf("listing pending %s records: %w", kind, err)
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := p.pushOne(ctx, rec, &res); err != nil {
			return res, err
		}
	}

	if err := p.meta.markPushed(ctx, p.now().UTC()); err != nil {
		return res, err
	}
	if len(pending) > 0 {
		p.log.Info("push complete",
			"kind", kind,
			"pending", len(pending),
			"pushed", res.Pushed,
			"conflicts", res.Conflicts,
			"failed", res.Failed,
			"errors", res.Errors,
		)
	}
	return res, nil
}

// pushOne sends a single record. It returns an error only when the phase
// must stop: connectivity loss or a store failure.
func (p *pusher) pushOne(ctx context.Context, rec model.Record, res *PushResult) error {
	kind, key := rec.Kind(), rec.Key()
	m := rec.Meta()
	sentVersion := m.Version

	var ack remote.CreateResult
	var err error
	if m.RemoteID == "" {
		ack, err = p.remote.Create(ctx, rec)
	} else {
		ack.RemoteID = m.RemoteID
		ack.Version, err = p.remote.Update(ctx, m.RemoteID, rec, m.Version)
	}

	var conflict *remote.ConflictError
	switch {
	case err == nil:
		if err := p.acknowledge(ctx, rec, sentVersion, ack); err != nil {
			return err
		}
		res.Pushed++
		return nil

	case errors.As(err, &conflict):
		theirs, gerr := p.appliedEarlier(ctx, rec, sentVersion, conflict)
		if gerr != nil {
			res.Errors++
			p.log.Warn("remote unreachable while checking conflict, stopping push",
				"kind", kind, "key", key, "error", gerr)
			return fmt.Errorf("checking conflict on %s %s: %w", kind, key, gerr)
		}
		if theirs != nil {
			// Our own write, answered twice: the reply to the first try was
			// lost and the resend collided with it.
			ack = remote.CreateResult{RemoteID: theirs.Meta().RemoteID, Version: theirs.Meta().Version}
			if err := p.acknowledge(ctx, rec, sentVersion, ack); err != nil {
				return err
			}
			res.Pushed++
			p.log.Debug("conflict was an earlier attempt of the same write",
				"kind", kind, "key", key, "remote_id", ack.RemoteID, "version", ack.Version)
			return nil
		}
		if m.RemoteID == "" {
			// Duplicate business key: bind to the existing remote copy so the
			// conflict can be resolved against it.
			m.RemoteID = conflict.RemoteID
		}
		m.SyncState = model.StateConflict
		m.LastError = err.Error()
		written, err := p.writeBack(ctx, rec, sentVersion, m.RemoteID)
		if err != nil {
			return fmt.Errorf("flagging %s %s as conflict: %w", kind, key, err)
		}
		if !written {
			res.Errors++
			return nil
		}
		res.Conflicts++
		p.log.Warn("push conflict",
			"kind", kind,
			"key", key,
			"version", m.Version,
			"remote_id", m.RemoteID,
			"remote_version", conflict.Version,
		)
		return nil

	case errors.Is(err, remote.ErrRejected), errors.Is(err, remote.ErrNotFound):
		// A remote copy deleted by someone else answers updates with 404
		// forever, so it spends attempts like a validation failure.
		m.PushAttempts++
		m.LastError = err.Error()
		parked := m.PushAttempts >= p.maxAttempts
		if parked {
			m.SyncState = model.StateFailed
		}
		written, werr := p.writeBack(ctx, rec, sentVersion, "")
		if werr != nil {
			return fmt.Errorf("recording rejection of %s %s: %w", kind, key, werr)
		}
		switch {
		case !written:
			res.Errors++
		case parked:
			res.Failed++
			p.log.Error("record rejected too often, parking as failed",
				"kind", kind, "key", key, "attempts", m.PushAttempts, "error", err)
		default:
			res.Errors++
			p.log.Warn("record rejected by remote",
				"kind", kind, "key", key, "attempts", m.PushAttempts, "error", err)
		}
		return nil

	case isConnectivity(err) || ctx.Err() != nil:
		res.Errors++
		p.log.Warn("remote unreachable, stopping push", "kind", kind, "key", key, "error", err)
		return fmt.Errorf("pushing %s %s: %w", kind, key, err)

	default:
		// Unauthorized and anything unexpected: leave the record pending
		// without spending an attempt.
		res.Errors++
		p.log.Error("push failed", "kind", kind, "key", key, "error", err)
		return nil
	}
}

// appliedEarlier returns the remote copy when a conflict is the echo of the
// write that was just sent: it holds the same content at a version no lower
// than the lock token. It returns nil for a genuine conflict and an error
// only when the remote could not be reached to tell.
func (p *pusher) appliedEarlier(ctx context.Context, sent model.Record, sentVersion int64, conflict *remote.ConflictError) (model.Record, error) {
	if conflict.RemoteID == "" {
		return nil, nil
	}
	theirs, err := p.remote.Get(ctx, sent.Kind(), conflict.RemoteID)
	switch {
	case err == nil:
	case isConnectivity(err) || ctx.Err() != nil:
		return nil, err
	default:
		p.log.Debug("reading conflicting remote copy failed", "kind", sent.Kind(), "key", sent.Key(),
			"remote_id", conflict.RemoteID, "error", err)
		return nil, nil
	}

	tm := theirs.Meta()
	if theirs.Key() != sent.Key() || tm.Version < sentVersion || theirs.ContentHash() != sent.ContentHash() {
		return nil, nil
	}
	if tm.RemoteID == "" {
		tm.RemoteID = conflict.RemoteID
	}
	return theirs, nil
}

// acknowledge commits a successful push. When the record was edited locally
// while the request was in flight, only the remote binding is stored and the
// newer version stays pending.
func (p *pusher) acknowledge(ctx context.Context, sent model.Record, sentVersion int64, ack remote.CreateResult) error {
	kind, key := sent.Kind(), sent.Key()

	if sent.Tombstone() {
		ok, err := p.store.DeleteIf(ctx, kind, key, sentVersion, model.StatePending)
		if err != nil {
			return fmt.Errorf("purging acknowledged tombstone %s %s: %w", kind, key, err)
		}
		if !ok {
			return p.keepNewer(ctx, kind, key, ack.RemoteID)
		}
		p.log.Debug("purged acknowledged tombstone", "kind", kind, "key", key)
		return nil
	}

	m := sent.Meta()
	m.RemoteID = ack.RemoteID
	m.MarkSynced(ack.Version, p.now().UTC())
	written, err := p.writeBack(ctx, sent, sentVersion, ack.RemoteID)
	if err != nil {
		return fmt.Errorf("marking %s %s synced: %w", kind, key, err)
	}
	if written {
		p.log.Debug("pushed", "kind", kind, "key", key, "remote_id", ack.RemoteID, "version", m.Version)
	}
	return nil
}

// writeBack stores the outcome of a push, provided the row is still the
// pending version that was sent. Otherwise the newer row is kept and only
// gains remoteID when it has none. It reports whether the outcome was stored.
func (p *pusher) writeBack(ctx context.Context, rec model.Record, sentVersion int64, remoteID string) (bool, error) {
	ok, err := p.store.PutIf(ctx, rec, sentVersion, model.StatePending)
	if err != nil || ok {
		return ok, err
	}
	return false, p.keepNewer(ctx, rec.Kind(), rec.Key(), remoteID)
}

// keepNewer leaves a row that changed during a push pending, binding it to
// remoteID if it has no binding yet.
func (p *pusher) keepNewer(ctx context.Context, kind model.Kind, key, remoteID string) error {
	cur, err := p.store.Get(ctx, kind, key)
	if err != nil {
		return fmt.Errorf("re-reading %s %s: %w", kind, key, err)
	}
	if cur == nil {
		p.log.Debug("record purged during push, nothing to record", "kind", kind, "key", key)
		return nil
	}
	cm := cur.Meta()
	if remoteID != "" && cm.RemoteID == "" {
		version, state := cm.Version, cm.SyncState
		cm.RemoteID = remoteID
		if _, err := p.store.PutIf(ctx, cur, version, state); err != nil {
			return fmt.Errorf("binding %s %s: %w", kind, key, err)
		}
	}
	p.log.Debug("record changed during push, keeping the newer version",
		"kind", kind, "key", key, "version", cm.Version, "state", cm.SyncState)
	return nil
}
