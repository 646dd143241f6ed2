package aggregate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/signalnine/toolsweep/internal/result"
	"github.com/signalnine/toolsweep/internal/retry"
)

const defaultStripes = 64

// Snapshot is a point-in-time copy of the tree together with the last
// journal segment it covers.
type Snapshot struct {
	Tree       Tree
	JournalSeq uint64
	// UpdatedAt is the newest bucket timestamp, so re-saving an unchanged
	// tree produces identical output.
	UpdatedAt time.Time
}

func NewSnapshot(tree Tree, seq uint64) *Snapshot {
	if tree == nil {
		tree = Tree{}
	}
	s := &Snapshot{Tree: tree, JournalSeq: seq}
	for _, b := range tree {
		if b.LastUpdated.After(s.UpdatedAt) {
			s.UpdatedAt = b.LastUpdated
		}
	}
	return s
}

// Journal is the write-ahead log every merged record passes through
// before it touches memory.
type Journal interface {
	Append(rec *result.ResultRecord) error
	// Rotate seals the active segment and returns its sequence number.
	Rotate() (uint64, error)
	// Commit discards segments up to and including seq.
	Commit(seq uint64) error
}

// Persister writes a snapshot durably.
type Persister interface {
	Save(ctx context.Context, snap *Snapshot) error
}

type Options struct {
	Journal   Journal
	Persister Persister
	Stripes   int
	Retry     retry.Policy
	Logger    *zap.Logger
}

var defaultRetry = retry.Policy{MaxAttempts: 5, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}

// Store is the merge engine. Merge is safe for concurrent use; updates to
// different buckets proceed in parallel and updates to the same bucket
// are serialized by a lock stripe.
type Store struct {
	// mu guards the tree map and the journal position. Merges hold it for
	// reading while they update a bucket; checkpoints hold it for writing.
	mu      sync.RWMutex
	tree    Tree
	seq     uint64
	dirty   atomic.Bool
	stripes []sync.Mutex

	flushMu   sync.Mutex
	journal   Journal
	persister Persister
	retry     retry.Policy
	logger    *zap.Logger
}

func NewStore(opts Options) *Store {
	n := opts.Stripes
	if n <= 0 {
		n = defaultStripes
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		tree:      Tree{},
		stripes:   make([]sync.Mutex, n),
		journal:   opts.Journal,
		persister: opts.Persister,
		retry:     opts.Retry.WithDefaults(defaultRetry),
		logger:    logger,
	}
}

func (s *Store) stripe(k Key) *sync.Mutex {
	return &s.stripes[xxhash.Sum64String(k.String())%uint64(len(s.stripes))]
}

// ensure creates the bucket for k if it does not exist yet.
func (s *Store) ensure(k Key) {
	s.mu.RLock()
	_, ok := s.tree[k]
	s.mu.RUnlock()
	if ok {
		return
	}
	s.mu.Lock()
	if _, ok := s.tree[k]; !ok {
		s.tree[k] = &Bucket{}
		metricBuckets.Set(float64(len(s.tree)))
	}
	s.mu.Unlock()
}

// Merge journals rec and folds it into its bucket. Records whose config
// does not canonicalize are rejected before anything is written.
func (s *Store) Merge(rec result.ResultRecord) error {
	if err := rec.Config.Canonicalize(); err != nil {
		metricMergeFailures.Inc()
		return fmt.Errorf("rejecting record: %w", err)
	}
	rec.Normalize()
	s.ensure(rec.Config)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.journal != nil {
		if err := s.journal.Append(&rec); err != nil {
			metricMergeFailures.Inc()
			return fmt.Errorf("journaling record for %s: %w", rec.Config, err)
		}
	}
	s.apply(&rec)
	return nil
}

// Replay folds a record recovered from journal segment seq without
// journaling it again. It must only be used during recovery. An invalid
// record is not applied but still advances the sequence.
func (s *Store) Replay(rec result.ResultRecord, seq uint64) error {
	err := rec.Config.Canonicalize()
	if err == nil {
		rec.Normalize()
		s.ensure(rec.Config)
		s.mu.RLock()
		s.apply(&rec)
		s.mu.RUnlock()
	}

	s.mu.Lock()
	if seq > s.seq {
		s.seq = seq
	}
	s.mu.Unlock()
	return err
}

// apply requires s.mu held for reading.
func (s *Store) apply(rec *result.ResultRecord) {
	b := s.tree[rec.Config]
	lock := s.stripe(rec.Config)
	lock.Lock()
	b.Add(rec)
	lock.Unlock()
	s.dirty.Store(true)
	metricMerges.WithLabelValues(string(rec.Outcome)).Inc()
}

// Restore replaces the in-memory state with snap. Not safe to call
// concurrently with Merge.
func (s *Store) Restore(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = snap.Tree.Clone()
	s.seq = snap.JournalSeq
	s.dirty.Store(false)
	metricBuckets.Set(float64(len(s.tree)))
}

// Snapshot copies the current tree.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NewSnapshot(s.tree.Clone(), s.seq)
}

// checkpoint copies the tree and, when records arrived since the last
// checkpoint, seals the journal segment holding them.
func (s *Store) checkpoint() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty.Load() && s.journal != nil {
		seq, err := s.journal.Rotate()
		if err != nil {
			return nil, fmt.Errorf("rotating journal: %w", err)
		}
		s.seq = seq
	}
	s.dirty.Store(false)
	return NewSnapshot(s.tree.Clone(), s.seq), nil
}

// Flush persists a consistent snapshot. The global lock is held only to
// copy the tree; the write happens outside it, retried with backoff.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	snap, err := s.checkpoint()
	if err != nil {
		return err
	}
	if s.persister == nil {
		return nil
	}

	start := time.Now()
	err = retry.Do(ctx, s.retry, func(attempt int) error {
		err := s.persister.Save(ctx, snap)
		if err != nil {
			s.logger.Warn("snapshot save failed",
				zap.Int("attempt", attempt),
				zap.Int("buckets", len(snap.Tree)),
				zap.Error(err))
		}
		return err
	})
	metricFlushDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metricFlushFailures.Inc()
		s.logger.Error("flush failed", zap.Error(err))
		// The sealed segment stays on disk, so nothing is lost; the next
		// flush saves a superset.
		s.dirty.Store(true)
		return fmt.Errorf("flushing aggregate: %w", err)
	}
	if s.journal != nil && snap.JournalSeq > 0 {
		if err := s.journal.Commit(snap.JournalSeq); err != nil {
			s.logger.Warn("journal commit failed", zap.Uint64("seq", snap.JournalSeq), zap.Error(err))
		}
	}
	s.logger.Debug("flushed aggregate",
		zap.Int("buckets", len(snap.Tree)),
		zap.Uint64("journal_seq", snap.JournalSeq),
		zap.Duration("took", time.Since(start)))
	return nil
}

// RunFlusher flushes every interval until ctx is done.
func (s *Store) RunFlusher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic flush failed", zap.Error(err))
			}
		}
	}
}

// Bucket returns a copy of the bucket for k.
func (s *Store) Bucket(k Key) (*Bucket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.tree[k]
	if !ok {
		return nil, false
	}
	lock := s.stripe(k)
	lock.Lock()
	defer lock.Unlock()
	return b.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tree)
}
