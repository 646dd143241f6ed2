package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/config"
	"github.com/signalnine/toolsweep/internal/credential"
	"github.com/signalnine/toolsweep/internal/docker"
	"github.com/signalnine/toolsweep/internal/executor"
	"github.com/signalnine/toolsweep/internal/report"
	"github.com/signalnine/toolsweep/internal/runner"
	"github.com/signalnine/toolsweep/internal/storage"
)

var (
	flagModels            []string
	flagInstances         int
	flagConcurrency       int
	flagMetricsAddr       string
	flagCleanupAggressive bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a sweep and fold its results into the aggregate",
		RunE:  runSweep,
	}
	cmd.Flags().StringSliceVar(&flagModels, "model", nil, "restrict the sweep to these models (repeatable)")
	cmd.Flags().IntVar(&flagInstances, "instances", 0, "override instances per configuration")
	cmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "override units run in parallel within a shard")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&flagCleanupAggressive, "cleanup-aggressive", false, "remove all toolsweep Docker artifacts after the run")
	return cmd
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if flagInstances > 0 {
		cfg.Sweep.InstancesPerConfig = flagInstances
	}
	if flagConcurrency > 0 {
		cfg.Scheduler.MaxConcurrencyPerCredential = flagConcurrency
	}
	cfg.Sweep.Models = filterModels(cfg.Sweep.Models, flagModels)
	if len(cfg.Sweep.Models) == 0 {
		return fmt.Errorf("no configured model matches %v", flagModels)
	}

	secrets, err := cfg.LoadSecrets()
	if err != nil {
		logger.Warn("could not load secrets, falling back to environment", zap.Error(err))
		secrets = map[string]string{}
	}
	pool, err := credential.NewPool(cfg.Credentials, cfg.Classes, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := cfg.Metrics.Addr
	if flagMetricsAddr != "" {
		addr = flagMetricsAddr
	}
	if addr != "" {
		srv := serveMetrics(addr, logger)
		defer shutdownMetrics(srv)
	}

	dual, err := storage.NewDual(cfg.Storage.Dir, cfg.Storage.Primary, logger)
	if err != nil {
		return err
	}
	journal, err := storage.OpenJournal(dual.JournalDir(), logger)
	if err != nil {
		return fmt.Errorf("opening journal (is another run using %s?): %w", cfg.Storage.Dir, err)
	}
	defer journal.Close()

	store := aggregate.NewStore(aggregate.Options{
		Journal:   journal,
		Persister: dual,
		Retry:     cfg.Storage.Retry,
		Logger:    logger,
	})
	if err := storage.Recover(ctx, dual, journal, store, logger); err != nil {
		return err
	}

	ex, closeExec, err := newExecutor(cfg, secrets)
	if err != nil {
		return err
	}
	defer closeExec()

	flushCtx, stopFlusher := context.WithCancel(context.Background())
	var flusher sync.WaitGroup
	flusher.Add(1)
	go func() {
		defer flusher.Done()
		store.RunFlusher(flushCtx, cfg.Storage.FlushInterval)
	}()

	opts := cfg.SchedulerOptions()
	opts.Logger = logger
	sched := runner.NewScheduler(pool, store, ex, opts)
	if err := sched.Start(ctx); err != nil {
		stopFlusher()
		flusher.Wait()
		return err
	}

	start := time.Now()
	fmt.Fprintf(cmd.OutOrStdout(), "Sweeping %d models into %s...\n", len(cfg.Sweep.Models), cfg.Storage.Dir)
	sweepErr := sched.Submit(ctx, cfg.Sweep)
	sched.Shutdown()
	stopFlusher()
	flusher.Wait()

	// A final flush always runs, even after an interrupt, so that every
	// merged record reaches both layouts.
	flushErr := store.Flush(context.Background())
	logger.Info("sweep finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("buckets", store.Len()),
		zap.NamedError("sweep_error", sweepErr),
		zap.NamedError("flush_error", flushErr))

	if flagCleanupAggressive && cfg.Executor.Kind == config.ExecutorDocker {
		cleanupDocker(cmd)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "\n--- Results ---")
	if err := report.Generate(store.Snapshot(), "table", cmd.OutOrStdout()); err != nil {
		return err
	}
	return errors.Join(sweepErr, flushErr)
}

func newExecutor(cfg *config.Config, secrets executor.Secrets) (runner.Executor, func(), error) {
	e := cfg.Executor
	switch e.Kind {
	case config.ExecutorDocker:
		dr, err := docker.NewRunner(logger)
		if err != nil {
			return nil, nil, err
		}
		return &executor.Container{
			Runner:      dr,
			Image:       e.Image,
			Command:     e.Command,
			Env:         e.Env,
			Timeout:     e.Timeout,
			CPULimit:    e.CPULimit,
			MemoryLimit: e.MemoryLimit,
			Secrets:     secrets,
			Logger:      logger,
		}, func() { dr.Close() }, nil
	default:
		return &executor.Command{
			Argv:    e.Command,
			Env:     e.Env,
			Timeout: e.Timeout,
			Secrets: secrets,
			Logger:  logger,
		}, func() {}, nil
	}
}

// filterModels keeps the configured models named in wanted, in config
// order. An empty filter keeps everything.
func filterModels(models, wanted []string) []string {
	if len(wanted) == 0 {
		return models
	}
	var filtered []string
	for _, m := range models {
		if slices.Contains(wanted, m) {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

func cleanupDocker(cmd *cobra.Command) {
	// Best-effort cleanup of toolsweep-labeled containers and images
	fmt.Fprintln(cmd.OutOrStdout(), "Cleaning up Docker artifacts...")
	for _, args := range cleanupCommands() {
		c := newExecCmd(args...)
		if err := c.Run(); err != nil {
			logger.Warn("docker cleanup failed", zap.Strings("args", args), zap.Error(err))
		}
	}
}

// cleanupCommands only ever touches artifacts carrying the toolsweep label.
func cleanupCommands() [][]string {
	filter := "label=" + docker.Label + "=true"
	return [][]string{
		{"docker", "container", "prune", "-f", "--filter", filter},
		{"docker", "image", "prune", "-f", "--filter", filter},
	}
}

func newExecCmd(args ...string) *exec.Cmd {
	return exec.Command(args[0], args[1:]...)
}
