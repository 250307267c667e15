package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/njoerd114/curasync/internal/model"
)

// Bootstrap performs the first-run hydration of an empty store: it pulls
// every entity and curation and prints a summary.
type Bootstrap struct {
	engine *Engine
	store  RecordStore
	log    *slog.Logger
	writer io.Writer // for summary output (os.Stdout in production)
}

// NewBootstrap creates a Bootstrap that pulls through engine into store.
func NewBootstrap(engine *Engine, store RecordStore, logger *slog.Logger, writer io.Writer) *Bootstrap {
	return &Bootstrap{
		engine: engine,
		store:  store,
		log:    logger,
		writer: writer,
	}
}

// Run checks whether the store is empty and has never been pulled into and,
// if so, performs the initial pulls. Returns true if bootstrap was executed,
// false if skipped.
func (b *Bootstrap) Run(ctx context.Context) (bool, error) {
	empty, err := b.store.IsEmpty(ctx)
	if err != nil {
		return false, fmt.Errorf("checking record store: %w", err)
	}
	meta, err := b.engine.meta.get(ctx)
	if err != nil {
		return false, err
	}
	if !empty || !meta.LastPullAt.IsZero() {
		b.log.Debug("store already hydrated, skipping bootstrap")
		return false, nil
	}
	if !b.engine.conn.IsOnline() {
		return false, fmt.Errorf("first-run bootstrap: %w", ErrOffline)
	}

	b.log.Info("empty record store detected, starting first-run bootstrap")

	results := make(map[model.Kind]PullResult, len(model.Kinds))
	for _, kind := range model.Kinds {
		res, err := b.engine.Pull(ctx, kind)
		if err != nil {
			return false, fmt.Errorf("bootstrapping %s records: %w", kind, err)
		}
		results[kind] = res
	}

	b.printSummary(results)
	b.log.Info("bootstrap complete")
	return true, nil
}

// printSummary writes a human-readable summary of the initial pulls.
func (b *Bootstrap) printSummary(results map[model.Kind]PullResult) {
	_, _ = fmt.Fprintf(b.writer, "\n--- First-Run Bootstrap Summary ---\n\n")

	total := 0
	for _, kind := range model.Kinds {
		r := results[kind]
		total += r.Inserted
		_, _ = fmt.Fprintf(b.writer, "%-10s %5d received, %5d stored (%d pages)\n",
			kind, r.Count, r.Inserted, r.Pages)
		if r.Skipped > 0 {
			_, _ = fmt.Fprintf(b.writer, "           %5d skipped (deleted remotely or duplicate key)\n", r.Skipped)
		}
	}
	_, _ = fmt.Fprintf(b.writer, "\nTotal: %d records stored locally\n", total)
}
