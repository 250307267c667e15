package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/njoerd114/curasync/internal/model"
	"github.com/njoerd114/curasync/internal/remote"
)

var testLogger = slog.New(slog.DiscardHandler)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func newEntity(id, name string, version int64, state model.SyncState) *model.Entity {
	return &model.Entity{
		EntityID: id,
		Type:     model.EntityRestaurant,
		Name:     name,
		Status:   model.StatusActive,
		SyncMeta: model.SyncMeta{
			Version:   version,
			SyncState: state,
			CreatedAt: testNow,
			UpdatedAt: testNow,
		},
	}
}

func newCuration(id, entityID string, version int64, state model.SyncState) *model.Curation {
	return &model.Curation{
		CurationID: id,
		EntityID:   entityID,
		CuratorID:  "curator-1",
		Category:   "cuisine",
		Notes:      "notes for " + id,
		SyncMeta: model.SyncMeta{
			Version:   version,
			SyncState: state,
			CreatedAt: testNow,
			UpdatedAt: testNow,
		},
	}
}

// --- Mock Record Store -------------------------------------------------------

type mockStore struct {
	mu        sync.Mutex
	recs      map[model.Kind]map[string]model.Record
	order     map[model.Kind][]string // insertion order, for ListBySyncState
	meta      model.SyncMetadata
	metaLoads int
	metaSaves int

	// afterGet, when set, runs after every Get returns, outside the lock.
	// Tests use it to change a row between a read and the write that follows.
	afterGet func(kind model.Kind, key string)
}

func newMockStore() *mockStore {
	return &mockStore{
		recs:  map[model.Kind]map[string]model.Record{model.KindEntity: {}, model.KindCuration: {}},
		order: map[model.Kind][]string{},
	}
}

func (m *mockStore) seed(recs ...model.Record) {
	for _, r := range recs {
		_ = m.Put(context.Background(), r)
	}
}

func (m *mockStore) Get(_ context.Context, kind model.Kind, key string) (model.Record, error) {
	m.mu.Lock()
	r, ok := m.recs[kind][key]
	if ok {
		r = r.Clone()
	}
	hook := m.afterGet
	m.mu.Unlock()

	if hook != nil {
		hook(kind, key)
	}
	if !ok {
		return nil, nil
	}
	return r, nil
}

func (m *mockStore) Insert(ctx context.Context, rec model.Record) (bool, error) {
	m.mu.Lock()
	_, exists := m.recs[rec.Kind()][rec.Key()]
	m.mu.Unlock()
	if exists {
		return false, nil
	}
	return true, m.Put(ctx, rec)
}

func (m *mockStore) PutIf(_ context.Context, rec model.Record, version int64, state model.SyncState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recs[rec.Kind()][rec.Key()]
	if !ok || cur.Meta().Version != version || cur.Meta().SyncState != state {
		return false, nil
	}
	m.recs[rec.Kind()][rec.Key()] = rec.Clone()
	return true, nil
}

func (m *mockStore) DeleteIf(ctx context.Context, kind model.Kind, key string, version int64, state model.SyncState) (bool, error) {
	m.mu.Lock()
	cur, ok := m.recs[kind][key]
	match := ok && cur.Meta().Version == version && cur.Meta().SyncState == state
	m.mu.Unlock()
	if !match {
		return false, nil
	}
	return true, m.Delete(ctx, kind, key)
}

func (m *mockStore) Put(_ context.Context, rec model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kind := rec.Kind()
	if _, ok := m.recs[kind][rec.Key()]; !ok {
		m.order[kind] = append(m.order[kind], rec.Key())
	}
	m.recs[kind][rec.Key()] = rec.Clone()
	return nil
}

func (m *mockStore) Delete(_ context.Context, kind model.Kind, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs[kind], key)
	keys := m.order[kind][:0]
	for _, k := range m.order[kind] {
		if k != key {
			keys = append(keys, k)
		}
	}
	m.order[kind] = keys
	return nil
}

func (m *mockStore) ListBySyncState(_ context.Context, kind model.Kind, state model.SyncState) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Record
	for _, k := range m.order[kind] {
		if r := m.recs[kind][k]; r.Meta().SyncState == state {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *mockStore) CountBySyncState(_ context.Context, kind model.Kind, state model.SyncState) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recs[kind] {
		if r.Meta().SyncState == state {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) IsEmpty(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs[model.KindEntity])+len(m.recs[model.KindCuration]) == 0, nil
}

func (m *mockStore) LoadMetadata(_ context.Context) (model.SyncMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metaLoads++
	return m.meta, nil
}

func (m *mockStore) SaveMetadata(_ context.Context, meta model.SyncMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metaSaves++
	m.meta = meta
	return nil
}

// get reads a row without running afterGet.
func (m *mockStore) get(kind model.Kind, key string) model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recs[kind][key]; ok {
		return r.Clone()
	}
	return nil
}

func (m *mockStore) count(kind model.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs[kind])
}

// snapshot maps "kind/key" to "version:state:remote_id:hash", for comparing
// store states.
func (m *mockStore) snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for kind, recs := range m.recs {
		for key, r := range recs {
			meta := r.Meta()
			out[string(kind)+"/"+key] = fmt.Sprintf("%d:%s:%s:%s", meta.Version, meta.SyncState, meta.RemoteID, r.ContentHash())
		}
	}
	return out
}

// --- Mock Remote -------------------------------------------------------------

// mockRemote applies the same optimistic-lock rule as the real service: an
// update is accepted only when the token is ahead of the stored version.
type mockRemote struct {
	mu     sync.Mutex
	recs   map[model.Kind][]model.Record // server copies, creation order
	nextID int
	calls  map[string]int
	ops    []string // "list entity", "create curation", ...

	listErr   func(kind model.Kind, offset int) error
	writeErr  map[string]error // business key → error for create/update
	getErr    error
	forceErr  error
	listGate  chan struct{} // when set, List blocks until closed
	listEnter chan struct{} // signalled once List is entered
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		recs:     map[model.Kind][]model.Record{},
		calls:    map[string]int{},
		writeErr: map[string]error{},
	}
}

func (m *mockRemote) seed(recs ...model.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		c := r.Clone()
		cm := c.Meta()
		if cm.RemoteID == "" {
			m.nextID++
			cm.RemoteID = fmt.Sprintf("r-%d", m.nextID)
		}
		cm.SyncState = model.StateSynced
		m.recs[c.Kind()] = append(m.recs[c.Kind()], c)
	}
}

// edit changes a server copy as another client would, bumping the version.
func (m *mockRemote) edit(kind model.Kind, key string, fn func(model.Record)) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.findLocked(kind, key)
	fn(r)
	r.Meta().Version++
	return r.Meta().Version
}

func (m *mockRemote) lookup(kind model.Kind, key string) model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.findLocked(kind, key); r != nil {
		return r.Clone()
	}
	return nil
}

func (m *mockRemote) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockRemote) opLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

func (m *mockRemote) totalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *mockRemote) findLocked(kind model.Kind, key string) model.Record {
	for _, r := range m.recs[kind] {
		if r.Key() == key {
			return r
		}
	}
	return nil
}

func (m *mockRemote) findIDLocked(kind model.Kind, id string) model.Record {
	for _, r := range m.recs[kind] {
		if r.Meta().RemoteID == id {
			return r
		}
	}
	return nil
}

func (m *mockRemote) List(_ context.Context, kind model.Kind, page remote.Page) (remote.ListResult, error) {
	m.mu.Lock()
	m.calls["list"]++
	m.ops = append(m.ops, "list "+string(kind))
	gate, enter := m.listGate, m.listEnter
	m.mu.Unlock()

	if enter != nil {
		select {
		case enter <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		if err := m.listErr(kind, page.Offset); err != nil {
			return remote.ListResult{}, err
		}
	}
	all := m.recs[kind]
	res := remote.ListResult{Total: len(all)}
	for i := page.Offset; i < len(all) && i < page.Offset+page.Limit; i++ {
		res.Items = append(res.Items, all[i].Clone())
	}
	return res, nil
}

func (m *mockRemote) Create(_ context.Context, rec model.Record) (remote.CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["create"]++
	m.ops = append(m.ops, "create "+string(rec.Kind()))
	if err := m.writeErr[rec.Key()]; err != nil {
		return remote.CreateResult{}, err
	}
	if cur := m.findLocked(rec.Kind(), rec.Key()); cur != nil {
		return remote.CreateResult{}, &remote.ConflictError{
			Kind: rec.Kind(), RemoteID: cur.Meta().RemoteID, Version: cur.Meta().Version,
		}
	}
	m.nextID++
	c := rec.Clone()
	cm := c.Meta()
	cm.RemoteID = fmt.Sprintf("r-%d", m.nextID)
	cm.Version = max(cm.Version, 1)
	cm.SyncState = model.StateSynced
	m.recs[c.Kind()] = append(m.recs[c.Kind()], c)
	return remote.CreateResult{RemoteID: cm.RemoteID, Version: cm.Version}, nil
}

func (m *mockRemote) Update(_ context.Context, remoteID string, rec model.Record, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["update"]++
	m.ops = append(m.ops, "update "+string(rec.Kind()))
	if err := m.writeErr[rec.Key()]; err != nil {
		return 0, err
	}
	cur := m.findIDLocked(rec.Kind(), remoteID)
	if cur == nil {
		return 0, remote.ErrNotFound
	}
	if expectedVersion <= cur.Meta().Version {
		return 0, &remote.ConflictError{Kind: rec.Kind(), RemoteID: remoteID, Version: cur.Meta().Version}
	}
	m.replaceLocked(remoteID, rec, expectedVersion)
	return expectedVersion, nil
}

func (m *mockRemote) Overwrite(_ context.Context, rec model.Record) (remote.CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["overwrite"]++
	if m.forceErr != nil {
		return remote.CreateResult{}, m.forceErr
	}
	cur := m.findLocked(rec.Kind(), rec.Key())
	if cur == nil {
		m.nextID++
		c := rec.Clone()
		c.Meta().RemoteID = fmt.Sprintf("r-%d", m.nextID)
		m.recs[c.Kind()] = append(m.recs[c.Kind()], c)
		return remote.CreateResult{RemoteID: c.Meta().RemoteID, Version: c.Meta().Version}, nil
	}
	id := cur.Meta().RemoteID
	v := max(cur.Meta().Version+1, rec.Meta().Version)
	m.replaceLocked(id, rec, v)
	return remote.CreateResult{RemoteID: id, Version: v}, nil
}

func (m *mockRemote) Get(_ context.Context, kind model.Kind, remoteID string) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["get"]++
	if m.getErr != nil {
		return nil, m.getErr
	}
	cur := m.findIDLocked(kind, remoteID)
	if cur == nil {
		return nil, remote.ErrNotFound
	}
	return cur.Clone(), nil
}

func (m *mockRemote) replaceLocked(remoteID string, rec model.Record, version int64) {
	c := rec.Clone()
	cm := c.Meta()
	cm.RemoteID = remoteID
	cm.Version = version
	cm.SyncState = model.StateSynced
	cm.PushAttempts = 0
	cm.LastError = ""
	list := m.recs[c.Kind()]
	for i, r := range list {
		if r.Meta().RemoteID == remoteID {
			list[i] = c
			return
		}
	}
}

// --- Mock Connectivity -------------------------------------------------------

type mockConn struct{ online atomic.Bool }

func newMockConn(online bool) *mockConn {
	c := &mockConn{}
	c.online.Store(online)
	return c
}

func (c *mockConn) IsOnline() bool { return c.online.Load() }

// --- Helpers -----------------------------------------------------------------

func newTestEngine(store *mockStore, rc *mockRemote, conn *mockConn, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = testLogger
	}
	if cfg.Now == nil {
		cfg.Now = fixedNow
	}
	e, err := NewEngine(store, rc, conn, cfg)
	if err != nil {
		panic(err)
	}
	return e
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func transientErr() error {
	return fmt.Errorf("%w: connection refused", remote.ErrUnavailable)
}
