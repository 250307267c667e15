package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/njoerd114/curasync/internal/model"
)

// metaTracker caches the persisted sync timestamps. They are loaded on first
// use and written back after each successful phase. The pull and push
// phases share one tracker so neither overwrites the other's timestamp with
// a stale value.
type metaTracker struct {
	store RecordStore

	mu     sync.Mutex
	loaded bool
	meta   model.SyncMetadata
}

func newMetaTracker(store RecordStore) *metaTracker {
	return &metaTracker{store: store}
}

func (t *metaTracker) get(ctx context.Context) (model.SyncMetadata, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(ctx); err != nil {
		return model.SyncMetadata{}, err
	}
	return t.meta, nil
}

func (t *metaTracker) markPulled(ctx context.Context, at time.Time) error {
	return t.update(ctx, func(m *model.SyncMetadata) { m.LastPullAt = at })
}

func (t *metaTracker) markPushed(ctx context.Context, at time.Time) error {
	return t.update(ctx, func(m *model.SyncMetadata) { m.LastPushAt = at })
}

func (t *metaTracker) update(ctx context.Context, fn func(*model.SyncMetadata)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.loadLocked(ctx); err != nil {
		return err
	}
	next := t.meta
	fn(&next)
	if err := t.store.SaveMetadata(ctx, next); err != nil {
		return fmt.Errorf("saving sync metadata: %w", err)
	}
	t.meta = next
	return nil
}

func (t *metaTracker) loadLocked(ctx context.Context) error {
	if t.loaded {
		return nil
	}
	m, err := t.store.LoadMetadata(ctx)
	if err != nil {
		return fmt.Errorf("loading sync metadata: %w", err)
	}
	t.meta = m
	t.loaded = true
	return nil
}
