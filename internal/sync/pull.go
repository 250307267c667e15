package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/curasync/internal/model"
	"github.com/njoerd114/curasync/internal/remote"
)

// DefaultBatchSize is the page size of a pull.
const DefaultBatchSize = 50

// PullResult counts what a pull of one kind did.
type PullResult struct {
	Count    int // remote records examined
	Inserted int // new local records
	Updated  int // synced records overwritten or purged by a newer remote copy
	Ahead    int // local copies newer than the remote, owed a push
	Skipped  int // local edits left alone, duplicate keys, unknown tombstones
	Pages    int // list requests issued
}

// puller merges remote pages into the store.
type puller struct {
	store     RecordStore
	remote    RemoteClient
	meta      *metaTracker
	batchSize int
	now       func() time.Time
	log       *slog.Logger
}

// pull walks the remote collection with an offset cursor until a page comes
// back shorter than the batch. Each merged record is committed on its own, so
// a failed page leaves earlier pages in place.
func (p *puller) pull(ctx context.Context, kind model.Kind) (PullResult, error) {
	var res PullResult
	offset := 0

	for {
		page, err := p.remote.List(ctx, kind, remote.Page{Limit: p.batchSize, Offset: offset})
		if err != nil {
			return res, fmt.Errorf("pulling %s page at offset %d: %w", kind, offset, err)
		}
		res.Pages++

		for _, rec := range page.Items {
			res.Count++
			if err := p.merge(ctx, rec, &res); err != nil {
				return res, err
			}
		}

		if len(page.Items) < p.batchSize {
			break
		}
		offset += len(page.Items)
	}

	if err := p.meta.markPulled(ctx, p.now().UTC()); err != nil {
		return res, err
	}
	p.log.Info("pull complete",
		"kind", kind,
		"count", res.Count,
		"inserted", res.Inserted,
		"updated", res.Updated,
		"ahead", res.Ahead,
		"pages", res.Pages,
	)
	return res, nil
}

// merge applies one remote record to the store by version comparison. Every
// write is conditional on the row still matching what was read, so a local
// edit landing mid-merge is kept and the remote copy is skipped.
func (p *puller) merge(ctx context.Context, theirs model.Record, res *PullResult) error {
	kind, key := theirs.Kind(), theirs.Key()
	rm := theirs.Meta()

	local, err := p.store.Get(ctx, kind, key)
	if err != nil {
		return fmt.Errorf("reading local %s %s: %w", kind, key, err)
	}

	if local == nil {
		if theirs.Tombstone() {
			res.Skipped++
			return nil
		}
		ok, err := p.store.Insert(ctx, theirs)
		if err != nil {
			return fmt.Errorf("inserting %s %s: %w", kind, key, err)
		}
		if !ok {
			p.skipChanged(kind, key, res)
			return nil
		}
		res.Inserted++
		p.log.Debug("inserted from remote", "kind", kind, "key", key, "version", rm.Version)
		return nil
	}

	lm := local.Meta()
	if lm.RemoteID != "" && lm.RemoteID != rm.RemoteID {
		p.log.Warn("duplicate business key on remote, skipping",
			"kind", kind,
			"key", key,
			"remote_id", rm.RemoteID,
			"bound_remote_id", lm.RemoteID,
		)
		res.Skipped++
		return nil
	}

	readVersion := lm.Version
	switch {
	case lm.Version > rm.Version:
		res.Ahead++
		if lm.SyncState != model.StateSynced {
			// Already pending, or parked in conflict/failed until someone acts.
			return nil
		}
		lm.SyncState = model.StatePending
		if lm.RemoteID == "" {
			lm.RemoteID = rm.RemoteID
		}
		ok, err := p.store.PutIf(ctx, local, readVersion, model.StateSynced)
		if err != nil {
			return fmt.Errorf("marking %s %s pending: %w", kind, key, err)
		}
		if ok {
			p.log.Debug("local copy ahead of remote", "kind", kind, "key", key,
				"version", lm.Version, "remote_version", rm.Version)
		}

	case lm.Version == rm.Version:
		// In sync. Nothing to do.

	case lm.SyncState != model.StateSynced:
		// Local edits are never discarded by a pull; the push phase will
		// surface the conflict.
		res.Skipped++

	case theirs.Tombstone():
		ok, err := p.store.DeleteIf(ctx, kind, key, readVersion, model.StateSynced)
		if err != nil {
			return fmt.Errorf("purging %s %s: %w", kind, key, err)
		}
		if !ok {
			p.skipChanged(kind, key, res)
			return nil
		}
		res.Updated++
		p.log.Debug("purged remotely deleted record", "kind", kind, "key", key)

	default:
		ok, err := p.store.PutIf(ctx, theirs, readVersion, model.StateSynced)
		if err != nil {
			return fmt.Errorf("updating %s %s: %w", kind, key, err)
		}
		if !ok {
			p.skipChanged(kind, key, res)
			return nil
		}
		res.Updated++
		p.log.Debug("updated from remote", "kind", kind, "key", key,
			"from_version", readVersion, "to_version", rm.Version)
	}
	return nil
}

// skipChanged counts a remote copy dropped because the local row changed
// between the read and the write. The next cycle sees the new row.
func (p *puller) skipChanged(kind model.Kind, key string, res *PullResult) {
	res.Skipped++
	p.log.Debug("local record changed during pull, keeping it", "kind", kind, "key", key)
}
