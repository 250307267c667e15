package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/njoerd114/curasync/internal/model"
)

// Counts splits a record count by kind.
type Counts struct {
	Entities  int `json:"entities"`
	Curations int `json:"curations"`
	Total     int `json:"total"`
}

func (c *Counts) add(kind model.Kind, n int) {
	switch kind {
	case model.KindEntity:
		c.Entities += n
	case model.KindCuration:
		c.Curations += n
	}
	c.Total += n
}

// LastSync holds the completion times of the most recent phases. Zero means
// never.
type LastSync struct {
	Pull time.Time `json:"pull"`
	Push time.Time `json:"push"`
}

// SyncStatus is the snapshot rendered by status badges.
type SyncStatus struct {
	Online    bool     `json:"online"`
	Syncing   bool     `json:"syncing"`
	Pending   Counts   `json:"pending"`
	Conflicts Counts   `json:"conflicts"`
	Failed    Counts   `json:"failed"`
	LastSync  LastSync `json:"lastSync"`
}

// Status reads the current state without touching the remote or taking the
// cycle lock.
func (e *Engine) Status(ctx context.Context) (SyncStatus, error) {
	st := SyncStatus{
		Online:  e.conn.IsOnline(),
		Syncing: e.syncing.Load(),
	}

	for _, kind := range model.Kinds {
		for _, c := range []struct {
			state model.SyncState
			into  *Counts
		}{
			{model.StatePending, &st.Pending},
			{model.StateConflict, &st.Conflicts},
			{model.StateFailed, &st.Failed},
		} {
			n, err := e.store.CountBySyncState(ctx, kind, c.state)
			if err != nil {
				return SyncStatus{}, fmt.Errorf("counting %s %s records: %w", c.state, kind, err)
			}
			c.into.add(kind, n)
		}
	}

	meta, err := e.meta.get(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	st.LastSync = LastSync{Pull: meta.LastPullAt, Push: meta.LastPushAt}
	return st, nil
}
