package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/result"
)

// Recover restores store from the primary layout and replays journal
// segments the snapshot does not cover yet. It must run before any
// Merge on store.
func Recover(ctx context.Context, d *Dual, j *Journal, store *aggregate.Store, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	snap, err := d.Load(ctx)
	if err != nil {
		return fmt.Errorf("recovering aggregate: %w", err)
	}
	store.Restore(snap)
	j.Floor(snap.JournalSeq)

	skipped := 0
	n, err := j.Replay(snap.JournalSeq, func(rec result.ResultRecord, seq uint64) error {
		if err := store.Replay(rec, seq); err != nil {
			logger.Warn("skipping journaled record", zap.Uint64("segment", seq), zap.Error(err))
			skipped++
		}
		return ctx.Err()
	})
	if err != nil {
		return fmt.Errorf("recovering aggregate: %w", err)
	}
	logger.Info("recovered aggregate",
		zap.Int("buckets", len(snap.Tree)),
		zap.Uint64("journal_seq", snap.JournalSeq),
		zap.Int("replayed_records", n-skipped),
		zap.Int("skipped_records", skipped))
	return nil
}
