package sync_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/njoerd114/curasync/internal/catalog"
	"github.com/njoerd114/curasync/internal/model"
	"github.com/njoerd114/curasync/internal/network"
	"github.com/njoerd114/curasync/internal/remote"
	"github.com/njoerd114/curasync/internal/remote/memserver"
	"github.com/njoerd114/curasync/internal/store"
	syncp "github.com/njoerd114/curasync/internal/sync"
)

// stack is a fully wired engine over a SQLite store and an in-memory remote.
type stack struct {
	store   *store.Store
	server  *memserver.Server
	engine  *syncp.Engine
	catalog *catalog.Service
}

func newStack(t *testing.T) *stack {
	t.Helper()
	return newStackOver(t, nil, 1)
}

// newStackOver is newStack with the client's HTTP transport wrapped by wrap
// and attempts tries per request.
func newStackOver(t *testing.T, wrap func(remote.HTTPDoer) remote.HTTPDoer, attempts uint) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	srv := memserver.New(memserver.WithToken("secret"))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	var doer remote.HTTPDoer = ts.Client()
	if wrap != nil {
		doer = wrap(doer)
	}
	client, err := remote.New(ts.URL, "secret",
		remote.WithHTTPClient(doer),
		remote.WithMaxAttempts(attempts),
	)
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}

	engine, err := syncp.NewEngine(st, client, network.NewMonitor(logger, true), syncp.Config{
		BatchSize: 2,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}
	t.Cleanup(engine.Shutdown)

	return &stack{store: st, server: srv, engine: engine, catalog: catalog.New(st, logger)}
}

func (s *stack) fullSync(t *testing.T) syncp.Result {
	t.Helper()
	res := s.engine.FullSync(context.Background())
	if res.Status != syncp.StatusOK {
		t.Fatalf("full sync status = %s, errors = %v", res.Status, res.Errors)
	}
	return res
}

func (s *stack) entity(t *testing.T, key string) *model.Entity {
	t.Helper()
	rec, err := s.store.Get(context.Background(), model.KindEntity, key)
	if err != nil {
		t.Fatalf("reading entity %s: %v", key, err)
	}
	if rec == nil {
		return nil
	}
	return rec.(*model.Entity)
}

func TestIntegration_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	remoteID := s.server.Seed(&model.Entity{
		EntityID: "e-remote", Type: model.EntityRestaurant, Name: "Remote Bistro", Status: model.StatusActive,
	})
	s.server.Seed(&model.Curation{
		CurationID: "c-remote", EntityID: "e-remote", CuratorID: "u1", Category: "dinner",
	})

	if _, err := s.catalog.CreateEntity(ctx, catalog.EntityInput{
		EntityID: "e-local", Type: model.EntityBar, Name: "Local Bar",
	}); err != nil {
		t.Fatalf("creating entity: %v", err)
	}
	if _, err := s.catalog.CreateCuration(ctx, catalog.CurationInput{
		CurationID: "c-local", EntityID: "e-local", CuratorID: "u1", Category: "drinks",
	}); err != nil {
		t.Fatalf("creating curation: %v", err)
	}

	// First cycle: both sides learn about each other.
	res := s.fullSync(t)
	if res.Pulled() != 2 || res.Pushed() != 2 {
		t.Errorf("pulled %d, pushed %d, want 2 and 2", res.Pulled(), res.Pushed())
	}
	if got := s.entity(t, "e-remote"); got == nil || got.SyncState != model.StateSynced || got.RemoteID != remoteID {
		t.Fatalf("e-remote after pull = %+v", got)
	}
	if got := s.entity(t, "e-local"); got == nil || got.SyncState != model.StateSynced || got.RemoteID == "" {
		t.Fatalf("e-local after push = %+v", got)
	}
	if n := s.server.Len(model.KindEntity); n != 2 {
		t.Errorf("remote entities = %d, want 2", n)
	}

	// A second cycle with nothing changed moves nothing.
	res = s.fullSync(t)
	if res.Pulled() != 0 || res.Pushed() != 0 {
		t.Errorf("idle cycle pulled %d, pushed %d", res.Pulled(), res.Pushed())
	}

	// Remote edit flows down.
	if _, err := s.server.Edit(model.KindEntity, remoteID, func(r model.Record) {
		r.(*model.Entity).Name = "Remote Bistro (renamed)"
	}); err != nil {
		t.Fatal(err)
	}
	s.fullSync(t)
	if got := s.entity(t, "e-remote"); got.Name != "Remote Bistro (renamed)" || got.Version != 2 {
		t.Errorf("e-remote after remote edit = %q v%d", got.Name, got.Version)
	}

	// Local edit flows up.
	if _, err := s.catalog.UpdateEntity(ctx, "e-local", func(e *model.Entity) { e.Name = "Local Bar & Grill" }); err != nil {
		t.Fatalf("updating entity: %v", err)
	}
	s.fullSync(t)
	up, ok := s.server.Lookup(model.KindEntity, "e-local")
	if !ok || up.(*model.Entity).Name != "Local Bar & Grill" {
		t.Errorf("remote e-local = %+v", up)
	}
}

func TestIntegration_ConcurrentEditConflict(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	remoteID := s.server.Seed(&model.Entity{
		EntityID: "e1", Type: model.EntityCafe, Name: "Original", Status: model.StatusActive,
	})
	s.fullSync(t)

	// Both sides edit v1: the local copy becomes v2 pending, the remote v2.
	if _, err := s.catalog.UpdateEntity(ctx, "e1", func(e *model.Entity) { e.Name = "Local edit" }); err != nil {
		t.Fatal(err)
	}
	if _, err := s.server.Edit(model.KindEntity, remoteID, func(r model.Record) {
		r.(*model.Entity).Name = "Remote edit"
	}); err != nil {
		t.Fatal(err)
	}

	res := s.fullSync(t)
	if res.Conflicts() != 1 {
		t.Fatalf("conflicts = %d, want 1", res.Conflicts())
	}
	if got := s.entity(t, "e1"); got.SyncState != model.StateConflict || got.Name != "Local edit" {
		t.Fatalf("e1 after push = %q %s", got.Name, got.SyncState)
	}

	st, err := s.engine.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Conflicts.Entities != 1 || st.Pending.Total != 0 {
		t.Errorf("status = %+v", st)
	}

	if _, err := s.catalog.UpdateEntity(ctx, "e1", func(e *model.Entity) { e.Name = "again" }); !errors.Is(err, catalog.ErrInConflict) {
		t.Errorf("update in conflict: err = %v, want ErrInConflict", err)
	}

	// Keeping the local copy force-writes it over the remote.
	if _, err := s.engine.Resolve(ctx, model.KindEntity, "e1", model.ChoiceLocal); err != nil {
		t.Fatalf("resolving: %v", err)
	}
	got := s.entity(t, "e1")
	if got.SyncState != model.StateSynced || got.Name != "Local edit" {
		t.Errorf("e1 after resolve = %q %s", got.Name, got.SyncState)
	}
	up, _ := s.server.Lookup(model.KindEntity, "e1")
	if up.(*model.Entity).Name != "Local edit" || up.Meta().Version != got.Version {
		t.Errorf("remote e1 = %q v%d, local v%d", up.(*model.Entity).Name, up.Meta().Version, got.Version)
	}

	// The next cycle agrees with the resolved state.
	res = s.fullSync(t)
	if res.Pulled() != 0 || res.Pushed() != 0 || res.Conflicts() != 0 {
		t.Errorf("cycle after resolve: pulled %d, pushed %d, conflicts %d",
			res.Pulled(), res.Pushed(), res.Conflicts())
	}
}

func TestIntegration_DeletePropagates(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)

	if _, err := s.catalog.CreateEntity(ctx, catalog.EntityInput{
		EntityID: "e1", Type: model.EntityHotel, Name: "Grand",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.catalog.CreateCuration(ctx, catalog.CurationInput{
		CurationID: "c1", EntityID: "e1", CuratorID: "u1", Category: "stay",
	}); err != nil {
		t.Fatal(err)
	}
	s.fullSync(t)

	if err := s.catalog.DeleteCuration(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.catalog.DeleteEntity(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	s.fullSync(t)

	if got := s.entity(t, "e1"); got != nil {
		t.Errorf("e1 still stored locally: %+v", got)
	}
	rec, err := s.store.Get(ctx, model.KindCuration, "c1")
	if err != nil || rec != nil {
		t.Errorf("c1 still stored locally: %+v, %v", rec, err)
	}

	up, ok := s.server.Lookup(model.KindEntity, "e1")
	if !ok || !up.Tombstone() {
		t.Errorf("remote e1 = %+v, want tombstone", up)
	}

	// Once purged the key is free again.
	if _, err := s.catalog.CreateEntity(ctx, catalog.EntityInput{
		EntityID: "e1", Type: model.EntityHotel, Name: "Grand (reopened)",
	}); err != nil {
		t.Errorf("recreating purged key: %v", err)
	}
}

// lossyDoer delivers writes to the server but loses the reply of the next
// drops of them, as a connection reset after the request went out would.
type lossyDoer struct {
	next  remote.HTTPDoer
	drops atomic.Int32
}

func (d *lossyDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.next.Do(req)
	if err != nil || req.Method == http.MethodGet || d.drops.Add(-1) < 0 {
		return resp, err
	}
	_ = resp.Body.Close()
	return nil, errors.New("read: connection reset by peer")
}

func TestIntegration_LostWriteReplyIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	lossy := &lossyDoer{}
	s := newStackOver(t, func(next remote.HTTPDoer) remote.HTTPDoer {
		lossy.next = next
		return lossy
	}, 3)

	if _, err := s.catalog.CreateEntity(ctx, catalog.EntityInput{
		EntityID: "e1", Type: model.EntityCafe, Name: "First",
	}); err != nil {
		t.Fatalf("creating entity: %v", err)
	}
	lossy.drops.Store(1)
	res := s.fullSync(t)
	if res.Pushed() != 1 || res.Conflicts() != 0 {
		t.Fatalf("create: pushed %d, conflicts %d, want 1 and 0", res.Pushed(), res.Conflicts())
	}
	got := s.entity(t, "e1")
	if got.SyncState != model.StateSynced || got.RemoteID == "" || got.Version != 1 {
		t.Fatalf("e1 after create = v%d %s %q", got.Version, got.SyncState, got.RemoteID)
	}
	if n := s.server.Len(model.KindEntity); n != 1 {
		t.Errorf("remote entities = %d, want 1", n)
	}

	if _, err := s.catalog.UpdateEntity(ctx, "e1", func(e *model.Entity) { e.Name = "Second" }); err != nil {
		t.Fatalf("updating entity: %v", err)
	}
	lossy.drops.Store(1)
	res = s.fullSync(t)
	if res.Pushed() != 1 || res.Conflicts() != 0 {
		t.Fatalf("update: pushed %d, conflicts %d, want 1 and 0", res.Pushed(), res.Conflicts())
	}
	got = s.entity(t, "e1")
	theirs, _ := s.server.Lookup(model.KindEntity, "e1")
	if got.SyncState != model.StateSynced || got.Version != 2 || theirs.Meta().Version != 2 {
		t.Errorf("e1 after update = v%d %s, remote v%d", got.Version, got.SyncState, theirs.Meta().Version)
	}
}
