package model

import (
	"fmt"
	"strings"
)

// Curation is a curator's note about an entity, keyed by CurationID.
type Curation struct {
	CurationID string
	EntityID   string
	CuratorID  string
	Category   string
	Notes      string
	IsDeleted  bool
	SyncMeta
}

func (c *Curation) Kind() Kind      { return KindCuration }
func (c *Curation) Key() string     { return c.CurationID }
func (c *Curation) Meta() *SyncMeta { return &c.SyncMeta }
func (c *Curation) Tombstone() bool { return c.IsDeleted }

func (c *Curation) Clone() Record {
	cp := *c
	return &cp
}

// ContentHash covers every business field including the entity reference.
func (c *Curation) ContentHash() string {
	return hashFields(c.EntityID, c.CuratorID, strings.TrimSpace(c.Category), c.Notes, fmt.Sprintf("%t", c.IsDeleted))
}

// Validate checks the business fields. Whether EntityID resolves to a live
// entity is checked by the caller, which has access to the store.
func (c *Curation) Validate() error {
	if c.CurationID == "" {
		return fmt.Errorf("curation_id is required")
	}
	if c.EntityID == "" {
		return fmt.Errorf("curation %s: entity_id is required", c.CurationID)
	}
	if c.CuratorID == "" {
		return fmt.Errorf("curation %s: curator_id is required", c.CurationID)
	}
	return nil
}
