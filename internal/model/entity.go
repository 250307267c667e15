package model

import (
	"fmt"
	"strings"
)

// EntityType classifies a curated place.
type EntityType string

const (
	EntityRestaurant EntityType = "restaurant"
	EntityHotel      EntityType = "hotel"
	EntityVenue      EntityType = "venue"
	EntityBar        EntityType = "bar"
	EntityCafe       EntityType = "cafe"
	EntityOther      EntityType = "other"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityRestaurant, EntityHotel, EntityVenue, EntityBar, EntityCafe, EntityOther:
		return true
	}
	return false
}

// EntityStatus is the lifecycle status of an entity.
type EntityStatus string

const (
	StatusActive   EntityStatus = "active"
	StatusArchived EntityStatus = "archived"
	StatusDeleted  EntityStatus = "deleted"
	StatusDraft    EntityStatus = "draft"
)

// Valid reports whether s is a known entity status.
func (s EntityStatus) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted, StatusDraft:
		return true
	}
	return false
}

// Entity is a curated place, keyed by EntityID.
type Entity struct {
	EntityID string
	Type     EntityType
	Name     string
	Status   EntityStatus
	SyncMeta
}

func (e *Entity) Kind() Kind      { return KindEntity }
func (e *Entity) Key() string     { return e.EntityID }
func (e *Entity) Meta() *SyncMeta { return &e.SyncMeta }
func (e *Entity) Tombstone() bool { return e.Status == StatusDeleted }

// Clone returns a shallow copy; Entity holds no reference fields.
func (e *Entity) Clone() Record {
	cp := *e
	return &cp
}

// ContentHash covers type, name and status. Sync bookkeeping is excluded.
func (e *Entity) ContentHash() string {
	return hashFields(string(e.Type), strings.TrimSpace(e.Name), string(e.Status))
}

// Validate checks the business fields.
func (e *Entity) Validate() error {
	if e.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("entity %s: name is required", e.EntityID)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("entity %s: unknown type %q", e.EntityID, e.Type)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("entity %s: unknown status %q", e.EntityID, e.Status)
	}
	return nil
}
