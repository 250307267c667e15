package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/njoerd114/curasync/internal/model"
)

// Collection paths, relative to the API root.
const (
	pathEntities  = "entities"
	pathCurations = "curations"
)

// CollectionPath returns the URL segment for kind ("entities" or "curations").
func CollectionPath(kind model.Kind) (string, error) {
	switch kind {
	case model.KindEntity:
		return pathEntities, nil
	case model.KindCuration:
		return pathCurations, nil
	default:
		return "", fmt.Errorf("unknown record kind %q", kind)
	}
}

// KindFromPath is the inverse of [CollectionPath].
func KindFromPath(segment string) (model.Kind, bool) {
	switch segment {
	case pathEntities:
		return model.KindEntity, true
	case pathCurations:
		return model.KindCuration, true
	}
	return "", false
}

// ListEnvelope is the body of a list response.
type ListEnvelope struct {
	Items []json.RawMessage `json:"items"`
	Total int               `json:"total"`
}

// WriteAck is the body of a successful create or update.
type WriteAck struct {
	RemoteID string `json:"remoteId"`
	Version  int64  `json:"version"`
}

// ErrorBody is the body of every non-2xx response. RemoteID and Version are
// set on conflicts.
type ErrorBody struct {
	Message  string `json:"message"`
	RemoteID string `json:"remoteId,omitempty"`
	Version  int64  `json:"version,omitempty"`
}

// wireEntity is the JSON representation of an entity. Local-only sync
// bookkeeping (state, attempts) never goes on the wire.
type wireEntity struct {
	RemoteID  string    `json:"remoteId,omitempty"`
	EntityID  string    `json:"entity_id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type wireCuration struct {
	RemoteID   string    `json:"remoteId,omitempty"`
	CurationID string    `json:"curation_id"`
	EntityID   string    `json:"entity_id"`
	CuratorID  string    `json:"curator_id"`
	Category   string    `json:"category"`
	Notes      string    `json:"notes"`
	IsDeleted  bool      `json:"isDeleted"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EncodeRecord marshals a record to its wire form.
func EncodeRecord(rec model.Record) ([]byte, error) {
	m := rec.Meta()
	switch r := rec.(type) {
	case *model.Entity:
		return json.Marshal(wireEntity{
			RemoteID:  m.RemoteID,
			EntityID:  r.EntityID,
			Type:      string(r.Type),
			Name:      r.Name,
			Status:    string(r.Status),
			Version:   m.Version,
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		})
	case *model.Curation:
		return json.Marshal(wireCuration{
			RemoteID:   m.RemoteID,
			CurationID: r.CurationID,
			EntityID:   r.EntityID,
			CuratorID:  r.CuratorID,
			Category:   r.Category,
			Notes:      r.Notes,
			IsDeleted:  r.IsDeleted,
			Version:    m.Version,
			CreatedAt:  m.CreatedAt.UTC(),
			UpdatedAt:  m.UpdatedAt.UTC(),
		})
	default:
		return nil, fmt.Errorf("encode: unsupported record type %T", rec)
	}
}

// DecodeRecord unmarshals a wire record of the given kind. The result is
// marked synced: whatever the remote returns is, by definition, the
// acknowledged state.
func DecodeRecord(kind model.Kind, data []byte) (model.Record, error) {
	switch kind {
	case model.KindEntity:
		var w wireEntity
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode entity: %w", err)
		}
		return &model.Entity{
			EntityID: w.EntityID,
			Type:     model.EntityType(w.Type),
			Name:     w.Name,
			Status:   model.EntityStatus(w.Status),
			SyncMeta: wireMeta(w.RemoteID, w.Version, w.CreatedAt, w.UpdatedAt),
		}, nil
	case model.KindCuration:
		var w wireCuration
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode curation: %w", err)
		}
		return &model.Curation{
			CurationID: w.CurationID,
			EntityID:   w.EntityID,
			CuratorID:  w.CuratorID,
			Category:   w.Category,
			Notes:      w.Notes,
			IsDeleted:  w.IsDeleted,
			SyncMeta:   wireMeta(w.RemoteID, w.Version, w.CreatedAt, w.UpdatedAt),
		}, nil
	default:
		return nil, fmt.Errorf("decode: unknown record kind %q", kind)
	}
}

func wireMeta(remoteID string, version int64, created, updated time.Time) model.SyncMeta {
	return model.SyncMeta{
		Version:   version,
		SyncState: model.StateSynced,
		RemoteID:  remoteID,
		CreatedAt: created,
		UpdatedAt: updated,
	}
}
