package catalog_test

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/curasync/internal/catalog"
	"github.com/njoerd114/curasync/internal/model"
	"github.com/njoerd114/curasync/internal/store"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.Store
	svc   *catalog.Service
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, clock: t0}
	n := 0
	f.svc = catalog.New(st, slog.New(slog.DiscardHandler),
		catalog.WithClock(func() time.Time { return f.clock }),
		catalog.WithKeyGenerator(func() string { n++; return fmt.Sprintf("key-%d", n) }),
	)
	return f
}

func (f *fixture) get(t *testing.T, kind model.Kind, key string) model.Record {
	t.Helper()
	rec, err := f.store.Get(context.Background(), kind, key)
	require.NoError(t, err)
	require.NotNil(t, rec, "%s %s missing", kind, key)
	return rec
}

func (f *fixture) entity(t *testing.T, name string) *model.Entity {
	t.Helper()
	e, err := f.svc.CreateEntity(context.Background(), catalog.EntityInput{Type: model.EntityCafe, Name: name})
	require.NoError(t, err)
	return e
}

// setState simulates the sync engine moving a record to state.
func (f *fixture) setState(t *testing.T, kind model.Kind, key string, state model.SyncState, remoteID string) {
	t.Helper()
	rec := f.get(t, kind, key)
	rec.Meta().SyncState = state
	rec.Meta().RemoteID = remoteID
	require.NoError(t, f.store.Put(context.Background(), rec))
}

func TestCreateEntity(t *testing.T) {
	f := newFixture(t)

	e := f.entity(t, "Caffè Nero")
	assert.Equal(t, "key-1", e.EntityID)
	assert.Equal(t, model.StatusActive, e.Status)

	got := f.get(t, model.KindEntity, "key-1").(*model.Entity)
	assert.Equal(t, "Caffè Nero", got.Name)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, model.StatePending, got.SyncState)
	assert.Empty(t, got.RemoteID)
	assert.True(t, got.CreatedAt.Equal(t0))
}

func TestCreateEntity_ExplicitKeyAndDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateEntity(ctx, catalog.EntityInput{EntityID: "fixed", Type: model.EntityBar, Name: "One"})
	require.NoError(t, err)

	_, err = f.svc.CreateEntity(ctx, catalog.EntityInput{EntityID: "fixed", Type: model.EntityBar, Name: "Two"})
	require.ErrorIs(t, err, catalog.ErrDuplicateKey)
	assert.Equal(t, "One", f.get(t, model.KindEntity, "fixed").(*model.Entity).Name)
}

func TestCreateEntity_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   catalog.EntityInput
	}{
		{"missing name", catalog.EntityInput{Type: model.EntityBar}},
		{"unknown type", catalog.EntityInput{Type: "castle", Name: "Keep"}},
		{"unknown status", catalog.EntityInput{Type: model.EntityBar, Name: "Keep", Status: "closed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateEntity(ctx, tt.in)
			assert.ErrorIs(t, err, catalog.ErrInvalid)
		})
	}
	empty, err := f.store.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestUpdateEntity_BumpsOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.entity(t, "Before")
	f.setState(t, model.KindEntity, e.EntityID, model.StateSynced, "r-1")

	// No content change: nothing written.
	same, err := f.svc.UpdateEntity(ctx, e.EntityID, func(e *model.Entity) { e.Name = "Before" })
	require.NoError(t, err)
	assert.Equal(t, int64(1), same.Version)
	assert.Equal(t, model.StateSynced, f.get(t, model.KindEntity, e.EntityID).Meta().SyncState)

	f.clock = t0.Add(time.Minute)
	changed, err := f.svc.UpdateEntity(ctx, e.EntityID, func(e *model.Entity) { e.Name = "After" })
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed.Version)

	got := f.get(t, model.KindEntity, e.EntityID)
	assert.Equal(t, int64(2), got.Meta().Version)
	assert.Equal(t, model.StatePending, got.Meta().SyncState)
	assert.Equal(t, "r-1", got.Meta().RemoteID, "remote binding survives edits")
	assert.True(t, got.Meta().UpdatedAt.Equal(f.clock))
}

func TestUpdateEntity_BookkeepingIsProtected(t *testing.T) {
	f := newFixture(t)
	e := f.entity(t, "Guarded")

	_, err := f.svc.UpdateEntity(context.Background(), e.EntityID, func(e *model.Entity) {
		e.Name = "Renamed"
		e.Version = 99
		e.RemoteID = "forged"
	})
	require.NoError(t, err)

	got := f.get(t, model.KindEntity, e.EntityID).Meta()
	assert.Equal(t, int64(2), got.Version)
	assert.Empty(t, got.RemoteID)

	_, err = f.svc.UpdateEntity(context.Background(), e.EntityID, func(e *model.Entity) { e.EntityID = "other" })
	assert.ErrorIs(t, err, catalog.ErrInvalid)
}

func TestUpdate_RejectedInConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.entity(t, "Contested")
	f.setState(t, model.KindEntity, e.EntityID, model.StateConflict, "r-1")

	_, err := f.svc.UpdateEntity(ctx, e.EntityID, func(e *model.Entity) { e.Name = "More edits" })
	require.ErrorIs(t, err, catalog.ErrInConflict)

	err = f.svc.DeleteEntity(ctx, e.EntityID)
	require.ErrorIs(t, err, catalog.ErrInConflict)

	got := f.get(t, model.KindEntity, e.EntityID).(*model.Entity)
	assert.Equal(t, "Contested", got.Name)
	assert.Equal(t, model.StateConflict, got.SyncState)
}

func TestUpdate_FailedRecordGetsFreshBudget(t *testing.T) {
	f := newFixture(t)
	e := f.entity(t, "Rejected")
	rec := f.get(t, model.KindEntity, e.EntityID)
	rec.Meta().SyncState = model.StateFailed
	rec.Meta().PushAttempts = 5
	rec.Meta().LastError = "name too long"
	require.NoError(t, f.store.Put(context.Background(), rec))

	_, err := f.svc.UpdateEntity(context.Background(), e.EntityID, func(e *model.Entity) { e.Name = "Short" })
	require.NoError(t, err)

	got := f.get(t, model.KindEntity, e.EntityID).Meta()
	assert.Equal(t, model.StatePending, got.SyncState)
	assert.Zero(t, got.PushAttempts)
	assert.Empty(t, got.LastError)
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateEntity(context.Background(), "missing", func(*model.Entity) {})
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = f.svc.UpdateCuration(context.Background(), "missing", func(*model.Curation) {})
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestDeleteEntity_Soft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.entity(t, "Closing")
	f.setState(t, model.KindEntity, e.EntityID, model.StateSynced, "r-1")

	require.NoError(t, f.svc.DeleteEntity(ctx, e.EntityID))

	got := f.get(t, model.KindEntity, e.EntityID).(*model.Entity)
	assert.Equal(t, model.StatusDeleted, got.Status)
	assert.True(t, got.Tombstone())
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, model.StatePending, got.SyncState)

	// Deleting again is a no-op; editing a tombstone is not allowed.
	require.NoError(t, f.svc.DeleteEntity(ctx, e.EntityID))
	assert.Equal(t, int64(2), f.get(t, model.KindEntity, e.EntityID).Meta().Version)
	_, err := f.svc.UpdateEntity(ctx, e.EntityID, func(e *model.Entity) { e.Name = "Reopened" })
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestDelete_UnknownKind(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.svc.Delete(context.Background(), "trail", "x"))
}

func TestCreateCuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.entity(t, "Trattoria")

	c, err := f.svc.CreateCuration(ctx, catalog.CurationInput{
		EntityID:  e.EntityID,
		CuratorID: "curator-7",
		Category:  "cuisine",
		Notes:     "Hand-made pasta",
	})
	require.NoError(t, err)
	assert.Equal(t, "key-2", c.CurationID)

	got := f.get(t, model.KindCuration, c.CurationID).(*model.Curation)
	assert.Equal(t, e.EntityID, got.EntityID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, model.StatePending, got.SyncState)
}

func TestCreateCuration_UnknownEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.entity(t, "Gone soon")
	f.setState(t, model.KindEntity, e.EntityID, model.StateSynced, "r-1")
	require.NoError(t, f.svc.DeleteEntity(ctx, e.EntityID))

	for _, ref := range []string{"nope", e.EntityID} {
		_, err := f.svc.CreateCuration(ctx, catalog.CurationInput{EntityID: ref, CuratorID: "c"})
		assert.ErrorIs(t, err, catalog.ErrUnknownEntity, "entity ref %q", ref)
	}

	_, err := f.svc.CreateCuration(ctx, catalog.CurationInput{CuratorID: "c"})
	assert.ErrorIs(t, err, catalog.ErrInvalid)
}

func TestUpdateCuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.entity(t, "A")
	c, err := f.svc.CreateCuration(ctx, catalog.CurationInput{EntityID: a.EntityID, CuratorID: "c", Notes: "first"})
	require.NoError(t, err)

	updated, err := f.svc.UpdateCuration(ctx, c.CurationID, func(c *model.Curation) { c.Notes = "second" })
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = f.svc.UpdateCuration(ctx, c.CurationID, func(c *model.Curation) { c.EntityID = "missing" })
	require.ErrorIs(t, err, catalog.ErrUnknownEntity)
	assert.Equal(t, a.EntityID, f.get(t, model.KindCuration, c.CurationID).(*model.Curation).EntityID)

	b := f.entity(t, "B")
	moved, err := f.svc.UpdateCuration(ctx, c.CurationID, func(c *model.Curation) { c.EntityID = b.EntityID })
	require.NoError(t, err)
	assert.Equal(t, int64(3), moved.Version)
}

func TestDeleteCuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.entity(t, "Host")
	c, err := f.svc.CreateCuration(ctx, catalog.CurationInput{EntityID: e.EntityID, CuratorID: "c"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, model.KindCuration, c.CurationID))

	got := f.get(t, model.KindCuration, c.CurationID).(*model.Curation)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, model.StatePending, got.SyncState)
}

// racingStore runs beforePut ahead of every conditional write, the way a
// sync in another process can touch the row between read and write.
type racingStore struct {
	*store.Store
	beforePut func()
}

func (r *racingStore) PutIf(ctx context.Context, rec model.Record, version int64, state model.SyncState) (bool, error) {
	if r.beforePut != nil {
		r.beforePut()
	}
	return r.Store.PutIf(ctx, rec, version, state)
}

func TestUpdate_KeepsBindingFromConcurrentPush(t *testing.T) {
	f := newFixture(t)
	f.entity(t, "Old name")

	rs := &racingStore{Store: f.store}
	rs.beforePut = func() {
		rs.beforePut = nil
		f.setState(t, model.KindEntity, "key-1", model.StateSynced, "r-1")
	}
	svc := catalog.New(rs, slog.New(slog.DiscardHandler), catalog.WithClock(func() time.Time { return f.clock }))

	_, err := svc.UpdateEntity(context.Background(), "key-1", func(e *model.Entity) { e.Name = "New name" })
	require.NoError(t, err)

	got := f.get(t, model.KindEntity, "key-1").(*model.Entity)
	assert.Equal(t, "New name", got.Name)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, model.StatePending, got.SyncState)
	assert.Equal(t, "r-1", got.RemoteID, "the push acknowledgment must survive the edit")
}

func TestDelete_GivesUpWhenRowKeepsChanging(t *testing.T) {
	f := newFixture(t)
	f.entity(t, "Moving target")

	rs := &racingStore{Store: f.store}
	rs.beforePut = func() {
		rec := f.get(t, model.KindEntity, "key-1")
		rec.Meta().Version++
		require.NoError(t, f.store.Put(context.Background(), rec))
	}
	svc := catalog.New(rs, slog.New(slog.DiscardHandler))

	err := svc.DeleteEntity(context.Background(), "key-1")
	require.ErrorIs(t, err, catalog.ErrBusy)
	assert.Equal(t, model.StatusActive, f.get(t, model.KindEntity, "key-1").(*model.Entity).Status)
}
