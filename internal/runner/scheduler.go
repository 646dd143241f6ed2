package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/signalnine/toolsweep/internal/credential"
	"github.com/signalnine/toolsweep/internal/result"
	"github.com/signalnine/toolsweep/internal/retry"
)

var (
	ErrNotStarted = errors.New("scheduler not started")
	ErrStopped    = errors.New("scheduler stopped")
)

type Options struct {
	// MaxConcurrencyPerCredential bounds how many units of one shard run
	// at once. The credential still executes a single shard at a time.
	MaxConcurrencyPerCredential int
	// ShardTimeout overrides the difficulty-derived shard deadline.
	ShardTimeout time.Duration
	// UnitTimeout bounds each executor attempt. Zero means only the shard
	// deadline applies.
	UnitTimeout time.Duration
	Retry       retry.Policy
	Observer    Observer
	Logger      *zap.Logger
}

var defaultRetry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 30 * time.Second}

// Scheduler fans sweeps out to one worker per credential.
type Scheduler struct {
	pool   *credential.Pool
	sink   RecordSink
	exec   Executor
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	workers map[int]*worker
	runCtx  context.Context
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(pool *credential.Pool, sink RecordSink, exec Executor, opts Options) *Scheduler {
	if opts.MaxConcurrencyPerCredential < 1 {
		opts.MaxConcurrencyPerCredential = 1
	}
	opts.Retry = opts.Retry.WithDefaults(defaultRetry)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		pool:    pool,
		sink:    sink,
		exec:    exec,
		opts:    opts,
		logger:  logger,
		workers: make(map[int]*worker),
	}
	for _, c := range pool.Credentials() {
		s.workers[c.ID] = newWorker(s, c)
	}
	return s
}

// Start launches the workers. They run until Shutdown or until ctx is
// done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.runCtx = ctx
	for _, w := range s.workers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.run(ctx)
		}()
	}
	s.logger.Info("scheduler started", zap.Int("credentials", len(s.workers)))
	return nil
}

// Shutdown lets every worker finish the shards already queued, then
// waits for them to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	for _, w := range s.workers {
		w.queue.Shutdown()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// WorkerState reports whether the worker for credential id is busy.
func (s *Scheduler) WorkerState(id int) (WorkerState, bool) {
	w, ok := s.workers[id]
	if !ok {
		return Idle, false
	}
	return w.State(), true
}

// sweep tracks the shards of one Submit call.
type sweep struct {
	id     string
	ctx    context.Context
	sink   RecordSink
	logger *zap.Logger

	pending sync.WaitGroup

	mu      sync.Mutex
	sinkErr []error
}

func (sw *sweep) emit(rec result.ResultRecord) {
	if err := sw.sink.Merge(rec); err != nil {
		sw.logger.Error("storing record failed", zap.Stringer("config", rec.Config), zap.Error(err))
		sw.mu.Lock()
		sw.sinkErr = append(sw.sinkErr, err)
		sw.mu.Unlock()
	}
}

func (sw *sweep) finish() { sw.pending.Done() }

func (sw *sweep) err() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return errors.Join(sw.sinkErr...)
}

// Submit schedules every configuration in req and waits for the sweep to
// finish. Malformed requests fail with *InputError before anything runs.
// Unit failures become failure records; only storage errors are
// returned. If ctx is cancelled Submit returns ctx.Err() and units not
// yet executed are dropped.
func (s *Scheduler) Submit(ctx context.Context, req SweepRequest) error {
	req.Difficulties = slices.Clone(req.Difficulties)
	if err := req.Validate(); err != nil {
		return err
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sw := &sweep{id: ulid.Make().String(), ctx: sweepCtx, sink: s.sink}
	sw.logger = s.logger.With(zap.String("sweep", sw.id))
	shards := planShards(&req)

	s.mu.Lock()
	switch {
	case !s.started:
		s.mu.Unlock()
		return ErrNotStarted
	case s.stopped:
		s.mu.Unlock()
		return ErrStopped
	case s.runCtx.Err() != nil:
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrStopped, s.runCtx.Err())
	}
	perCred := make(map[int]int)
	rejected := 0
	for _, sh := range shards {
		sh.SweepID = sw.id
		sh.CredentialID = s.pool.AssignCredential(sh.Model())
		sh.Timeout = s.opts.ShardTimeout
		if sh.Timeout <= 0 {
			sh.Timeout = timeoutForShard(sh.Units, s.opts.MaxConcurrencyPerCredential)
		}
		sh.sweep = sw
		sw.pending.Add(1)
		w := s.workers[sh.CredentialID]
		if err := w.queue.Enqueue(sh); err != nil {
			sw.pending.Done()
			rejected++
			continue
		}
		metricQueueDepth.WithLabelValues(w.label).Set(float64(w.queue.Len()))
		perCred[sh.CredentialID]++
	}
	s.mu.Unlock()

	if rejected > 0 {
		// A worker has exited. Units of shards already accepted are
		// dropped once the sweep context is cancelled by the deferred call.
		sw.logger.Warn("sweep rejected, workers stopped", zap.Int("rejected_shards", rejected))
		if err := s.runCtx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrStopped, err)
		}
		return ErrStopped
	}

	units := 0
	for _, sh := range shards {
		units += len(sh.Units)
	}
	sw.logger.Info("sweep submitted",
		zap.Int("shards", len(shards)),
		zap.Int("units", units),
		zap.Any("shards_per_credential", perCred))

	done := make(chan struct{})
	go func() {
		sw.pending.Wait()
		close(done)
	}()
	start := time.Now()
	select {
	case <-done:
	case <-ctx.Done():
		sw.logger.Warn("sweep cancelled", zap.Error(ctx.Err()))
		return ctx.Err()
	}
	err := sw.err()
	sw.logger.Info("sweep finished", zap.Duration("elapsed", time.Since(start)), zap.Bool("storage_errors", err != nil))
	return err
}
