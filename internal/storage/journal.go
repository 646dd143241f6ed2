package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/signalnine/toolsweep/internal/result"
)

const segmentExt = ".jsonl"

// Journal is a segmented JSON-lines write-ahead log of result records.
// Records are appended to the active segment; Rotate seals it and Commit
// deletes sealed segments once a snapshot covers them. Only one process
// may hold a journal directory open.
type Journal struct {
	dir    string
	lock   *FileLock
	logger *zap.Logger

	mu     sync.Mutex
	next   uint64 // sequence number of the active segment
	active *os.File
}

// OpenJournal locks dir and scans its segments. Existing segments are all
// treated as sealed; new records go to a fresh segment.
func OpenJournal(dir string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	lock, err := LockFile(filepath.Join(dir, ".lock"), true, false)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	j := &Journal{dir: dir, lock: lock, logger: logger, next: 1}
	segs, err := j.segments()
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if n := len(segs); n > 0 {
		j.next = segs[n-1] + 1
	}
	return j, nil
}

func segmentName(seq uint64) string {
	return fmt.Sprintf("%08d%s", seq, segmentExt)
}

// segments lists segment sequence numbers in ascending order.
func (j *Journal) segments() ([]uint64, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("listing journal: %w", err)
	}
	var seqs []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			j.logger.Warn("ignoring stray journal file", zap.String("file", name))
			continue
		}
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	return seqs, nil
}

// Floor makes sure new segments are numbered after seq, so a snapshot
// that already covers seq never hides them from replay.
func (j *Journal) Floor(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active == nil && j.next <= seq {
		j.next = seq + 1
	}
}

func (j *Journal) Append(rec *result.ResultRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active == nil {
		f, err := os.OpenFile(filepath.Join(j.dir, segmentName(j.next)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening journal segment: %w", err)
		}
		j.active = f
	}
	return result.AppendRecord(j.active, rec)
}

// Rotate seals the active segment and returns its sequence number. It is
// valid to rotate a segment nothing was appended to.
func (j *Journal) Rotate() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	seq := j.next
	if j.active != nil {
		if err := j.active.Sync(); err != nil {
			return 0, fmt.Errorf("syncing journal segment %d: %w", seq, err)
		}
		if err := j.active.Close(); err != nil {
			return 0, fmt.Errorf("closing journal segment %d: %w", seq, err)
		}
		j.active = nil
	}
	j.next++
	return seq, nil
}

// Commit deletes every sealed segment up to and including seq.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	segs, err := j.segments()
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range segs {
		if s > seq || s >= j.next {
			break
		}
		if err := os.Remove(filepath.Join(j.dir, segmentName(s))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Replay calls fn for every record in sealed segments numbered after
// afterSeq, oldest first. Torn lines are skipped and logged.
func (j *Journal) Replay(afterSeq uint64, fn func(rec result.ResultRecord, seq uint64) error) (int, error) {
	j.mu.Lock()
	next := j.next
	j.mu.Unlock()

	segs, err := j.segments()
	if err != nil {
		return 0, err
	}
	replayed := 0
	for _, seq := range segs {
		if seq <= afterSeq || seq >= next {
			continue
		}
		f, err := os.Open(filepath.Join(j.dir, segmentName(seq)))
		if err != nil {
			return replayed, fmt.Errorf("opening journal segment %d: %w", seq, err)
		}
		skipped, err := result.ReadRecords(f, func(rec result.ResultRecord) error {
			replayed++
			return fn(rec, seq)
		})
		_ = f.Close()
		if err != nil {
			return replayed, fmt.Errorf("replaying journal segment %d: %w", seq, err)
		}
		if skipped > 0 {
			j.logger.Warn("skipped torn journal lines", zap.Uint64("segment", seq), zap.Int("lines", skipped))
		}
	}
	return replayed, nil
}

// Close syncs the active segment and releases the directory lock.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var errs []error
	if j.active != nil {
		errs = append(errs, j.active.Sync(), j.active.Close())
		j.active = nil
	}
	errs = append(errs, j.lock.Unlock())
	return errors.Join(errs...)
}
