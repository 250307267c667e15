// Package memserver is an in-memory implementation of the remote curation
// service. It enforces the same optimistic-locking rules as production and is
// used by the client tests, the sync engine integration tests and the
// `curasync serve-mock` command.
package memserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/njoerd114/curasync/internal/model"
	"github.com/njoerd114/curasync/internal/remote"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Server holds two collections (entities and curations) keyed by remote id.
// It is safe for concurrent use.
type Server struct {
	mu    sync.Mutex
	token string
	now   func() time.Time
	log   *slog.Logger

	colls map[model.Kind]*collection
	calls map[string]int

	failStatus int
	failCount  int

	mux *http.ServeMux
}

type collection struct {
	byID  map[string]model.Record
	byKey map[string]string // business key → remote id
}

// Option configures a [Server].
type Option func(*Server)

// WithToken requires every request to carry "Authorization: Bearer <token>".
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger enables request logging.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New returns an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		now:   time.Now,
		log:   slog.New(slog.DiscardHandler),
		calls: make(map[string]int),
		colls: map[model.Kind]*collection{
			model.KindEntity:   newCollection(),
			model.KindCuration: newCollection(),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/{kind}", s.handleList)
	mux.HandleFunc("POST /api/{kind}", s.handleCreate)
	mux.HandleFunc("GET /api/{kind}/{id}", s.handleGet)
	mux.HandleFunc("PUT /api/{kind}/{id}", s.handleUpdate)
	s.mux = mux
	return s
}

func newCollection() *collection {
	return &collection{byID: make(map[string]model.Record), byKey: make(map[string]string)}
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.log.Debug("request", "method", r.Method, "path", r.URL.Path)

	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		writeError(w, http.StatusUnauthorized, remote.ErrorBody{Message: "invalid token"})
		return
	}
	if status, ok := s.injectedFailure(); ok {
		writeError(w, status, remote.ErrorBody{Message: "injected failure"})
		return
	}
	s.mux.ServeHTTP(w, r)
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// Seed stores rec as if another client had created it and returns the remote
// id assigned. The record's version is kept (minimum 1).
func (s *Server) Seed(rec model.Record) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[rec.Kind()]
	id := newID()
	stored := rec.Clone()
	m := stored.Meta()
	m.RemoteID = id
	m.Version = max(m.Version, 1)
	m.SyncState = model.StateSynced
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = s.now().UTC()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	c.byID[id] = stored
	c.byKey[rec.Key()] = id
	return id
}

// Edit applies fn to the stored record as another client would, bumping the
// version by one. It returns the new version.
func (s *Server) Edit(kind model.Kind, remoteID string, fn func(model.Record)) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.colls[kind].byID[remoteID]
	if !ok {
		return 0, fmt.Errorf("memserver: no %s %s", kind, remoteID)
	}
	fn(rec)
	m := rec.Meta()
	m.Version++
	m.UpdatedAt = s.now().UTC()
	return m.Version, nil
}

// Lookup returns a copy of the record stored under a business key.
func (s *Server) Lookup(kind model.Kind, key string) (model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[kind]
	id, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	return c.byID[id].Clone(), true
}

// Len returns the number of records of a kind.
func (s *Server) Len(kind model.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.colls[kind].byID)
}

// Calls returns how many requests hit a route, e.g. "POST entities" or
// "GET health".
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// TotalCalls returns the number of routed requests of any kind.
func (s *Server) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.calls {
		n += v
	}
	return n
}

// FailNext makes the next n requests fail with the given status.
func (s *Server) FailNext(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus, s.failCount = status, n
}

func (s *Server) injectedFailure() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCount <= 0 {
		return 0, false
	}
	s.failCount--
	return s.failStatus, true
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.count("GET", "health")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindOf(w, r, "GET")
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil || limit < 1 || limit > maxLimit {
		writeError(w, http.StatusBadRequest, remote.ErrorBody{Message: "limit must be between 1 and 500"})
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, remote.ErrorBody{Message: "offset must be non-negative"})
		return
	}

	s.mu.Lock()
	c := s.colls[kind]
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	// ULIDs sort in creation order.
	sort.Strings(ids)
	env := remote.ListEnvelope{Total: len(ids), Items: []json.RawMessage{}}
	for i := offset; i < len(ids) && i < offset+limit; i++ {
		data, err := remote.EncodeRecord(c.byID[ids[i]])
		if err != nil {
			s.mu.Unlock()
			writeError(w, http.StatusInternalServerError, remote.ErrorBody{Message: err.Error()})
			return
		}
		env.Items = append(env.Items, data)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindOf(w, r, "GET")
	if !ok {
		return
	}
	s.mu.Lock()
	rec, found := s.colls[kind].byID[r.PathValue("id")]
	var data []byte
	var err error
	if found {
		data, err = remote.EncodeRecord(rec)
	}
	s.mu.Unlock()

	switch {
	case !found:
		writeError(w, http.StatusNotFound, remote.ErrorBody{Message: "not found"})
	case err != nil:
		writeError(w, http.StatusInternalServerError, remote.ErrorBody{Message: err.Error()})
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindOf(w, r, "POST")
	if !ok {
		return
	}
	rec, ok := decodeBody(w, r, kind)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[kind]

	if id, exists := c.byKey[rec.Key()]; exists {
		cur := c.byID[id]
		if !force {
			writeError(w, http.StatusConflict, remote.ErrorBody{
				Message:  "duplicate key " + rec.Key(),
				RemoteID: id,
				Version:  cur.Meta().Version,
			})
			return
		}
		v := max(cur.Meta().Version+1, rec.Meta().Version)
		s.storeLocked(c, id, rec, v)
		writeJSON(w, http.StatusOK, remote.WriteAck{RemoteID: id, Version: v})
		return
	}

	id := newID()
	v := max(rec.Meta().Version, 1)
	s.storeLocked(c, id, rec, v)
	writeJSON(w, http.StatusCreated, remote.WriteAck{RemoteID: id, Version: v})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindOf(w, r, "PUT")
	if !ok {
		return
	}
	rec, ok := decodeBody(w, r, kind)
	if !ok {
		return
	}
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[kind]

	cur, found := c.byID[id]
	if !found {
		writeError(w, http.StatusNotFound, remote.ErrorBody{Message: "not found"})
		return
	}
	if cur.Key() != rec.Key() {
		writeError(w, http.StatusUnprocessableEntity, remote.ErrorBody{Message: "business key cannot change"})
		return
	}
	curVersion := cur.Meta().Version

	if force {
		v := max(curVersion+1, rec.Meta().Version)
		s.storeLocked(c, id, rec, v)
		writeJSON(w, http.StatusOK, remote.WriteAck{RemoteID: id, Version: v})
		return
	}

	expected, err := strconv.ParseInt(strings.Trim(r.Header.Get("If-Match"), `"`), 10, 64)
	if err != nil {
		writeError(w, http.StatusPreconditionRequired, remote.ErrorBody{Message: "If-Match version required"})
		return
	}
	// The lock token is the writer's version. It must be ahead of what the
	// server holds; otherwise the writer has not seen the latest change.
	if expected <= curVersion {
		writeError(w, http.StatusConflict, remote.ErrorBody{
			Message:  fmt.Sprintf("expected version %d not ahead of %d", expected, curVersion),
			RemoteID: id,
			Version:  curVersion,
		})
		return
	}
	s.storeLocked(c, id, rec, expected)
	writeJSON(w, http.StatusOK, remote.WriteAck{RemoteID: id, Version: expected})
}

// storeLocked saves rec under id at version v. Caller holds s.mu.
func (s *Server) storeLocked(c *collection, id string, rec model.Record, v int64) {
	stored := rec.Clone()
	m := stored.Meta()
	now := s.now().UTC()
	if prev, ok := c.byID[id]; ok {
		m.CreatedAt = prev.Meta().CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.RemoteID = id
	m.Version = v
	m.SyncState = model.StateSynced
	m.UpdatedAt = now
	c.byID[id] = stored
	c.byKey[rec.Key()] = id
}

// kindOf resolves the {kind} path segment and counts the call.
func (s *Server) kindOf(w http.ResponseWriter, r *http.Request, method string) (model.Kind, bool) {
	seg := r.PathValue("kind")
	kind, ok := remote.KindFromPath(seg)
	if !ok {
		writeError(w, http.StatusNotFound, remote.ErrorBody{Message: "unknown collection " + seg})
		return "", false
	}
	s.count(method, seg)
	return kind, true
}

func (s *Server) count(method, route string) {
	s.mu.Lock()
	s.calls[method+" "+route]++
	s.mu.Unlock()
}

func decodeBody(w http.ResponseWriter, r *http.Request, kind model.Kind) (model.Record, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, remote.ErrorBody{Message: "read body: " + err.Error()})
		return nil, false
	}
	rec, err := remote.DecodeRecord(kind, data)
	if err != nil {
		writeError(w, http.StatusBadRequest, remote.ErrorBody{Message: err.Error()})
		return nil, false
	}
	if err := rec.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, remote.ErrorBody{Message: err.Error()})
		return nil, false
	}
	return rec, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func newID() string {
	return ulid.Make().String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body remote.ErrorBody) {
	writeJSON(w, status, body)
}
