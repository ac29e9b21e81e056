package app

import (
	"context"
	"errors"
	"time"

	"sigwatch/internal/storage"
)

// Prune deletes audit rows older than opts.OlderThan.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.OlderThan <= 0 {
		return errors.New("--older-than must be greater than zero")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; nothing to prune")
	}
	if closeStore != nil {
		defer closeStore()
	}

	_, err = a.pruneWith(ctx, store, time.Now().UTC().Add(-opts.OlderThan))
	return err
}

func (a *App) pruneWith(ctx context.Context, store storage.DispatchStore, cutoff time.Time) (int64, error) {
	deleted, err := store.DeleteDispatchesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	a.Logger.Info().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("pruned dispatch audit")
	return deleted, nil
}
