package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/result"
	"github.com/signalnine/toolsweep/internal/retry"
	"github.com/signalnine/toolsweep/internal/storage"
)

func collect(t *testing.T, j *storage.Journal, after uint64) map[uint64]int {
	t.Helper()
	got := map[uint64]int{}
	_, err := j.Replay(after, func(_ result.ResultRecord, seq uint64) error {
		got[seq]++
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestJournalRotateCommitReplay(t *testing.T) {
	dir := t.TempDir()
	j, err := storage.OpenJournal(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(record(key72b, result.FullSuccess, "", 1)))
	require.NoError(t, j.Append(record(key72b, result.FullSuccess, "", 2)))
	seq, err := j.Rotate()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	require.NoError(t, j.Append(record(key8b, result.Failure, result.ErrTimeout, 3)))
	seq, err = j.Rotate()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	// The active segment is never replayed.
	require.NoError(t, j.Append(record(key8b, result.Failure, result.ErrTimeout, 4)))

	assert.Equal(t, map[uint64]int{1: 2, 2: 1}, collect(t, j, 0))
	assert.Equal(t, map[uint64]int{2: 1}, collect(t, j, 1))

	require.NoError(t, j.Commit(1))
	_, err = os.Stat(filepath.Join(dir, "00000001.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(dir, "00000002.jsonl"))
	assert.NoError(t, err)
}

func TestJournalIsProcessExclusive(t *testing.T) {
	dir := t.TempDir()
	j, err := storage.OpenJournal(dir, nil)
	require.NoError(t, err)

	_, err = storage.OpenJournal(dir, nil)
	assert.ErrorIs(t, err, storage.ErrLocked)

	require.NoError(t, j.Close())
	j2, err := storage.OpenJournal(dir, nil)
	require.NoError(t, err)
	require.NoError(t, j2.Close())
}

func TestJournalSkipsTornLines(t *testing.T) {
	dir := t.TempDir()
	j, err := storage.OpenJournal(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, j.Append(record(key72b, result.FullSuccess, "", 1)))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(filepath.Join(dir, "00000001.jsonl"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"config":{"model":"qwen`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err = storage.OpenJournal(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, map[uint64]int{1: 1}, collect(t, j, 0))
}

type harness struct {
	dual    *storage.Dual
	journal *storage.Journal
	store   *aggregate.Store
}

func openHarness(t *testing.T, dir string) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	d, err := storage.NewDual(dir, storage.Hierarchical, logger)
	require.NoError(t, err)
	j, err := storage.OpenJournal(d.JournalDir(), logger)
	require.NoError(t, err)
	store := aggregate.NewStore(aggregate.Options{
		Journal:   j,
		Persister: d,
		Logger:    logger,
		Retry:     retry.Policy{MaxAttempts: 1},
	})
	require.NoError(t, storage.Recover(context.Background(), d, j, store, logger))
	return &harness{dual: d, journal: j, store: store}
}

func TestRecoverReplaysUnflushedRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	h := openHarness(t, dir)
	require.NoError(t, h.store.Merge(*record(key72b, result.FullSuccess, "", 1)))
	require.NoError(t, h.store.Merge(*record(key72b, result.Failure, result.ErrFormat, 2)))
	require.NoError(t, h.store.Flush(ctx))
	require.NoError(t, h.store.Merge(*record(key8b, result.PartialSuccess, result.ErrDependency, 3)))
	// Crash: the last record is only in the journal.
	require.NoError(t, h.journal.Close())

	h = openHarness(t, dir)
	snap := h.store.Snapshot()
	require.NoError(t, snap.Tree.Check())
	assert.Equal(t, int64(3), snap.Tree.Totals().Total)
	assert.Equal(t, int64(1), snap.Tree[key8b].PartialSuccess)

	// Flushing and recovering again must not count anything twice.
	require.NoError(t, h.store.Flush(ctx))
	require.NoError(t, h.journal.Close())
	h = openHarness(t, dir)
	defer h.journal.Close()
	assert.Equal(t, int64(3), h.store.Snapshot().Tree.Totals().Total)

	report, err := h.dual.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestRecoverAfterCommitFailureSkipsCoveredSegments(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	h := openHarness(t, dir)
	require.NoError(t, h.store.Merge(*record(key72b, result.FullSuccess, "", 1)))
	require.NoError(t, h.store.Flush(ctx))
	require.NoError(t, h.journal.Close())

	// Put back a segment the snapshot already covers, as if Commit had
	// failed after the save.
	seg := filepath.Join(h.dual.JournalDir(), "00000001.jsonl")
	f, err := os.Create(seg)
	require.NoError(t, err)
	require.NoError(t, result.AppendRecord(f, record(key72b, result.FullSuccess, "", 1)))
	require.NoError(t, f.Close())

	h = openHarness(t, dir)
	defer h.journal.Close()
	assert.Equal(t, int64(1), h.store.Snapshot().Tree.Totals().Total)
}
