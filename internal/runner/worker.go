package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/signalnine/toolsweep/internal/credential"
	"github.com/signalnine/toolsweep/internal/result"
	"github.com/signalnine/toolsweep/internal/retry"
)

type WorkerState int32

const (
	Idle WorkerState = iota
	Busy
)

func (s WorkerState) String() string {
	if s == Busy {
		return "busy"
	}
	return "idle"
}

// ShardStats summarizes one executed shard.
type ShardStats struct {
	Recorded      int
	Timeouts      int
	InfraFailures int
	Dropped       int
	Elapsed       time.Duration
}

// Observer is notified around every shard a worker executes. Calls for
// one credential never overlap with each other.
type Observer interface {
	ShardStarted(credentialID int, shard *Shard)
	ShardFinished(credentialID int, shard *Shard, stats ShardStats)
}

// worker owns one credential and executes its shards one at a time.
type worker struct {
	cred    credential.Credential
	label   string
	queue   *ShardQueue
	limiter *rate.Limiter
	state   atomic.Int32
	s       *Scheduler
	logger  *zap.Logger
}

func newWorker(s *Scheduler, cred credential.Credential) *worker {
	return &worker{
		cred:    cred,
		label:   strconv.Itoa(cred.ID),
		queue:   NewShardQueue(),
		limiter: s.pool.Limiter(cred.ID),
		s:       s,
		logger:  s.logger.With(zap.Int("credential", cred.ID)),
	}
}

func (w *worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *worker) acquire() {
	if !w.state.CompareAndSwap(int32(Idle), int32(Busy)) {
		panic(fmt.Sprintf("credential %d is already executing a shard", w.cred.ID))
	}
	metricBusy.WithLabelValues(w.label).Set(1)
}

func (w *worker) release() {
	w.state.Store(int32(Idle))
	metricBusy.WithLabelValues(w.label).Set(0)
}

func (w *worker) run(ctx context.Context) {
	defer func() {
		// Refuse new shards, then unblock sweeps waiting on shards this
		// worker will never run.
		w.queue.Shutdown()
		for _, sh := range w.queue.drain() {
			sh.sweep.finish()
		}
		metricQueueDepth.WithLabelValues(w.label).Set(0)
	}()
	for {
		sh, err := w.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		metricQueueDepth.WithLabelValues(w.label).Set(float64(w.queue.Len()))
		w.runShard(ctx, sh)
	}
}

// shardRun is the state shared by the units of one executing shard.
type shardRun struct {
	shard    *Shard
	runCtx   context.Context // sweep and scheduler lifetime
	shardCtx context.Context // runCtx plus the shard deadline
	crashed  atomic.Bool

	recorded, timeouts, infra, dropped atomic.Int32
}

func (w *worker) runShard(ctx context.Context, sh *Shard) {
	defer sh.sweep.finish()
	w.acquire()
	defer w.release()

	start := time.Now()
	if obs := w.s.opts.Observer; obs != nil {
		obs.ShardStarted(w.cred.ID, sh)
	}

	runCtx, cancelRun := context.WithCancel(WithCredential(sh.sweep.ctx, w.cred))
	defer cancelRun()
	stop := context.AfterFunc(ctx, cancelRun)
	defer stop()
	shardCtx, cancel := context.WithTimeout(runCtx, sh.Timeout)
	defer cancel()

	run := &shardRun{shard: sh, runCtx: runCtx, shardCtx: shardCtx}
	logger := w.logger.With(zap.String("sweep", sh.SweepID), zap.String("shard", sh.ID), zap.String("model", sh.Model()))
	logger.Debug("shard started", zap.Int("units", len(sh.Units)), zap.Duration("timeout", sh.Timeout))

	jobs := make([]Job, len(sh.Units))
	for i, u := range sh.Units {
		jobs[i] = func(context.Context) error {
			rec, ok := w.runUnit(run, u, logger)
			if !ok {
				run.dropped.Add(1)
				metricUnitsDropped.Inc()
				return nil
			}
			metricUnits.WithLabelValues(string(rec.Outcome), string(rec.ErrorCategory)).Inc()
			run.recorded.Add(1)
			sh.sweep.emit(rec)
			return nil
		}
	}
	RunPool(shardCtx, w.s.opts.MaxConcurrencyPerCredential, jobs)

	stats := ShardStats{
		Recorded:      int(run.recorded.Load()),
		Timeouts:      int(run.timeouts.Load()),
		InfraFailures: int(run.infra.Load()),
		Dropped:       int(run.dropped.Load()),
		Elapsed:       time.Since(start),
	}
	metricShards.WithLabelValues(w.label).Inc()
	metricShardDuration.WithLabelValues(w.label).Observe(stats.Elapsed.Seconds())

	fields := []zap.Field{
		zap.Int("recorded", stats.Recorded),
		zap.Int("timeouts", stats.Timeouts),
		zap.Int("infra_failures", stats.InfraFailures),
		zap.Int("dropped", stats.Dropped),
		zap.Duration("elapsed", stats.Elapsed),
	}
	if stats.Timeouts > 0 || stats.InfraFailures > 0 {
		logger.Warn("shard finished with failures", fields...)
	} else {
		logger.Info("shard finished", fields...)
	}
	if obs := w.s.opts.Observer; obs != nil {
		obs.ShardFinished(w.cred.ID, sh, stats)
	}
}

// runUnit produces the record for u. It reports false when the sweep was
// cancelled before the unit finished, in which case nothing is recorded.
func (w *worker) runUnit(run *shardRun, u Unit, logger *zap.Logger) (result.ResultRecord, bool) {
	start := time.Now()
	if run.runCtx.Err() != nil {
		return result.ResultRecord{}, false
	}
	if run.shardCtx.Err() != nil {
		run.timeouts.Add(1)
		return result.Failed(u.Config, result.ErrTimeout, 0), true
	}
	if run.crashed.Load() {
		run.infra.Add(1)
		return result.Failed(u.Config, result.ErrInfraFailure, 0), true
	}

	var rec result.ResultRecord
	err := func() error {
		if w.limiter != nil {
			if err := w.limiter.Wait(run.shardCtx); err != nil {
				if ctxErr := run.shardCtx.Err(); ctxErr != nil {
					return ctxErr
				}
				// The wait would outlast the shard deadline.
				return fmt.Errorf("waiting for rate limit: %w", context.DeadlineExceeded)
			}
		}
		return retry.Do(run.shardCtx, w.s.opts.Retry, func(attempt int) error {
			r, err := w.attempt(run.shardCtx, u)
			if err == nil {
				rec = r
				return nil
			}
			metricRetries.Inc()
			if errors.Is(err, ErrExecutorCrashed) || run.shardCtx.Err() != nil {
				return retry.Permanent(err)
			}
			logger.Warn("unit attempt failed",
				zap.Stringer("config", u.Config),
				zap.Int("instance", u.Instance),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		})
	}()
	elapsed := time.Since(start)

	switch {
	case err == nil:
		rec.Config = u.Config
		rec.Normalize()
		return rec, true
	case run.runCtx.Err() != nil:
		return result.ResultRecord{}, false
	case errors.Is(err, ErrExecutorCrashed):
		if !run.crashed.Swap(true) {
			logger.Warn("executor crashed, failing remaining units",
				zap.Stringer("config", u.Config),
				zap.Int("instance", u.Instance),
				zap.Error(err))
		}
		run.infra.Add(1)
		return result.Failed(u.Config, result.ErrInfraFailure, elapsed), true
	case run.shardCtx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		run.timeouts.Add(1)
		return result.Failed(u.Config, result.ErrTimeout, elapsed), true
	default:
		logger.Warn("unit failed after retries",
			zap.Stringer("config", u.Config),
			zap.Int("instance", u.Instance),
			zap.Error(err))
		run.infra.Add(1)
		return result.Failed(u.Config, result.ErrInfraFailure, elapsed), true
	}
}

type attemptResult struct {
	rec result.ResultRecord
	err error
}

// attempt calls the executor once. The call runs on its own goroutine so
// an executor that ignores ctx cannot hold the worker past the deadline.
func (w *worker) attempt(ctx context.Context, u Unit) (result.ResultRecord, error) {
	if d := w.s.opts.UnitTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	ch := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- attemptResult{err: fmt.Errorf("%w: panic: %v", ErrExecutorCrashed, p)}
			}
		}()
		rec, err := w.s.exec.Execute(ctx, u.Config, u.Instance)
		ch <- attemptResult{rec: rec, err: err}
	}()
	select {
	case r := <-ch:
		return r.rec, r.err
	case <-ctx.Done():
		metricAbandoned.Inc()
		return result.ResultRecord{}, ctx.Err()
	}
}
