// Package catalog is the local write path for entities and curations. Every
// mutation lands in the record store as a pending change for the sync engine
// to push.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/curasync/internal/model"
)

var (
	// ErrDuplicateKey is returned when a create reuses a business key that is
	// already present.
	ErrDuplicateKey = errors.New("business key already exists")
	// ErrInConflict is returned when a record awaits conflict resolution.
	ErrInConflict = errors.New("record is in conflict")
	// ErrUnknownEntity is returned when a curation references an entity that
	// is missing or deleted.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrNotFound is returned when the record to change does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalid wraps validation failures.
	ErrInvalid = errors.New("invalid record")
	// ErrBusy is returned when the record kept changing underneath a
	// mutation, for example while a sync running in another process
	// acknowledged it.
	ErrBusy = errors.New("record changed concurrently")
)

// writeAttempts bounds how often a mutation is re-applied to a row that
// changed between the read and the conditional write.
const writeAttempts = 3

// Store is the subset of the record store the catalog writes through. Writes
// are conditional so a sync acknowledging the same row is never overwritten.
type Store interface {
	Get(ctx context.Context, kind model.Kind, key string) (model.Record, error)
	Insert(ctx context.Context, rec model.Record) (bool, error)
	PutIf(ctx context.Context, rec model.Record, version int64, state model.SyncState) (bool, error)
	FindLiveEntity(ctx context.Context, entityID string) (bool, error)
}

// EntityInput carries the business fields of a new entity. An empty EntityID
// is replaced by a generated UUID; an empty Status means active.
type EntityInput struct {
	EntityID string
	Type     model.EntityType
	Name     string
	Status   model.EntityStatus
}

// CurationInput carries the business fields of a new curation. An empty
// CurationID is replaced by a generated UUID.
type CurationInput struct {
	CurationID string
	EntityID   string
	CuratorID  string
	Category   string
	Notes      string
}

// Service applies local mutations. Mutations are serialised so the
// read-modify-write of a record never interleaves with another.
type Service struct {
	store  Store
	log    *slog.Logger
	now    func() time.Time
	newKey func() string

	mu sync.Mutex
}

// Option configures a [Service].
type Option func(*Service)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithKeyGenerator overrides UUID generation for business keys.
func WithKeyGenerator(fn func() string) Option {
	return func(s *Service) { s.newKey = fn }
}

// New returns a Service writing to store.
func New(store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		log:    logger,
		now:    time.Now,
		newKey: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateEntity stores a new entity at version 1, pending.
func (s *Service) CreateEntity(ctx context.Context, in EntityInput) (*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &model.Entity{
		EntityID: in.EntityID,
		Type:     in.Type,
		Name:     in.Name,
		Status:   in.Status,
	}
	if e.EntityID == "" {
		e.EntityID = s.newKey()
	}
	if e.Status == "" {
		e.Status = model.StatusActive
	}
	if err := s.create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// CreateCuration stores a new curation at version 1, pending. The referenced
// entity must exist and not be deleted.
func (s *Service) CreateCuration(ctx context.Context, in CurationInput) (*model.Curation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &model.Curation{
		CurationID: in.CurationID,
		EntityID:   in.EntityID,
		CuratorID:  in.CuratorID,
		Category:   in.Category,
		Notes:      in.Notes,
	}
	if c.CurationID == "" {
		c.CurationID = s.newKey()
	}
	if err := s.checkEntityRef(ctx, c.EntityID); err != nil {
		return nil, err
	}
	if err := s.create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateEntity applies fn to the stored entity. The version is bumped and
// the record queued for push only when the business fields changed. fn may
// not change the key or the sync bookkeeping, and may run more than once if
// the row changes while it is being written.
func (s *Service) UpdateEntity(ctx context.Context, entityID string, fn func(*model.Entity)) (*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.update(ctx, model.KindEntity, entityID, func(r model.Record) error {
		fn(r.(*model.Entity))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec.(*model.Entity), nil
}

// UpdateCuration applies fn to the stored curation, with the same rules as
// [Service.UpdateEntity]. A changed entity reference must resolve to a live
// entity.
func (s *Service) UpdateCuration(ctx context.Context, curationID string, fn func(*model.Curation)) (*model.Curation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.update(ctx, model.KindCuration, curationID, func(r model.Record) error {
		c := r.(*model.Curation)
		before := c.EntityID
		fn(c)
		if c.EntityID != before {
			return s.checkEntityRef(ctx, c.EntityID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec.(*model.Curation), nil
}

// DeleteEntity soft-deletes an entity by setting its status to deleted.
func (s *Service) DeleteEntity(ctx context.Context, entityID string) error {
	return s.delete(ctx, model.KindEntity, entityID, func(r model.Record) {
		r.(*model.Entity).Status = model.StatusDeleted
	})
}

// DeleteCuration soft-deletes a curation.
func (s *Service) DeleteCuration(ctx context.Context, curationID string) error {
	return s.delete(ctx, model.KindCuration, curationID, func(r model.Record) {
		r.(*model.Curation).IsDeleted = true
	})
}

// Delete soft-deletes the record of kind with the given key.
func (s *Service) Delete(ctx context.Context, kind model.Kind, key string) error {
	switch kind {
	case model.KindEntity:
		return s.DeleteEntity(ctx, key)
	case model.KindCuration:
		return s.DeleteCuration(ctx, key)
	default:
		return fmt.Errorf("delete: unknown record kind %q", kind)
	}
}

func (s *Service) create(ctx context.Context, rec model.Record) error {
	kind, key := rec.Kind(), rec.Key()
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	existing, err := s.store.Get(ctx, kind, key)
	if err != nil {
		return fmt.Errorf("checking %s %s: %w", kind, key, err)
	}
	if existing != nil {
		// Local tombstones only live until their deletion is acknowledged,
		// so the key stays taken until then.
		return fmt.Errorf("%w: %s %s", ErrDuplicateKey, kind, key)
	}

	now := s.now().UTC()
	*rec.Meta() = model.SyncMeta{
		Version:   1,
		SyncState: model.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ok, err := s.store.Insert(ctx, rec)
	if err != nil {
		return fmt.Errorf("creating %s %s: %w", kind, key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrDuplicateKey, kind, key)
	}
	s.log.Debug("record created", "kind", kind, "key", key)
	return nil
}

func (s *Service) update(ctx context.Context, kind model.Kind, key string, fn func(model.Record) error) (model.Record, error) {
	return s.mutate(ctx, kind, key, func(rec model.Record) (bool, error) {
		if rec.Tombstone() {
			return false, fmt.Errorf("%w: %s %s is deleted", ErrNotFound, kind, key)
		}

		meta := *rec.Meta()
		hash := rec.ContentHash()
		if err := fn(rec); err != nil {
			return false, err
		}
		if rec.Key() != key {
			return false, fmt.Errorf("%w: %s key cannot change", ErrInvalid, kind)
		}
		*rec.Meta() = meta

		if rec.ContentHash() == hash {
			return false, nil
		}
		if err := rec.Validate(); err != nil {
			return false, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		return true, nil
	}, "record updated")
}

func (s *Service) delete(ctx context.Context, kind model.Kind, key string, markDeleted func(model.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.mutate(ctx, kind, key, func(rec model.Record) (bool, error) {
		if rec.Tombstone() {
			return false, nil
		}
		markDeleted(rec)
		return true, nil
	}, "record deleted")
	return err
}

// mutate loads the record, lets apply change it and writes it back as the
// next pending version, provided the row is still what was read. apply
// reports whether anything changed; unchanged records are not written.
func (s *Service) mutate(ctx context.Context, kind model.Kind, key string, apply func(model.Record) (bool, error), msg string) (model.Record, error) {
	for range writeAttempts {
		rec, err := s.load(ctx, kind, key)
		if err != nil {
			return nil, err
		}
		m := rec.Meta()
		readVersion, readState := m.Version, m.SyncState

		changed, err := apply(rec)
		if err != nil {
			return nil, err
		}
		if !changed {
			return rec, nil
		}

		m.Version++
		m.SyncState = model.StatePending
		m.PushAttempts = 0
		m.LastError = ""
		m.UpdatedAt = s.now().UTC()
		ok, err := s.store.PutIf(ctx, rec, readVersion, readState)
		if err != nil {
			return nil, fmt.Errorf("saving %s %s: %w", kind, key, err)
		}
		if ok {
			s.log.Debug(msg, "kind", kind, "key", key, "version", m.Version)
			return rec, nil
		}
		s.log.Debug("record changed while saving, retrying", "kind", kind, "key", key)
	}
	return nil, fmt.Errorf("%w: %s %s", ErrBusy, kind, key)
}

// load fetches a record that may be modified: it must exist and must not be
// awaiting conflict resolution.
func (s *Service) load(ctx context.Context, kind model.Kind, key string) (model.Record, error) {
	rec, err := s.store.Get(ctx, kind, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", kind, key, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, key)
	}
	if rec.Meta().SyncState == model.StateConflict {
		return nil, fmt.Errorf("%w: %s %s", ErrInConflict, kind, key)
	}
	return rec, nil
}

func (s *Service) checkEntityRef(ctx context.Context, entityID string) error {
	if entityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalid)
	}
	ok, err := s.store.FindLiveEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entityID)
	}
	return nil
}
