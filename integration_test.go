//go:build integration

package main

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/credential"
	"github.com/signalnine/toolsweep/internal/docker"
	"github.com/signalnine/toolsweep/internal/executor"
	"github.com/signalnine/toolsweep/internal/result"
	"github.com/signalnine/toolsweep/internal/runner"
	"github.com/signalnine/toolsweep/internal/storage"
)

// agentScript reports a full success for even instances and a format
// failure for odd ones.
const agentScript = `if [ $((TOOLSWEEP_INSTANCE % 2)) -eq 0 ]; then
  echo '{"outcome":"full_success","turns_used":1}' > "$TOOLSWEEP_RESULT_PATH"
else
  echo '{"outcome":"failure","error_category":"format"}' > "$TOOLSWEEP_RESULT_PATH"
fi`

func TestContainerSweepIntegration(t *testing.T) {
	if os.Getenv("TOOLSWEEP_DOCKER_TESTS") == "" {
		t.Skip("set TOOLSWEEP_DOCKER_TESTS=1 to run integration tests")
	}
	logger := zaptest.NewLogger(t)

	dr, err := docker.NewRunner(logger)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer dr.Close()

	dir := t.TempDir()
	dual, err := storage.NewDual(dir, storage.Hierarchical, logger)
	if err != nil {
		t.Fatalf("NewDual: %v", err)
	}
	journal, err := storage.OpenJournal(dual.JournalDir(), logger)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer journal.Close()
	store := aggregate.NewStore(aggregate.Options{Journal: journal, Persister: dual, Logger: logger})

	pool, err := credential.NewPool([]credential.Credential{{ID: 0}, {ID: 1}}, map[string]int{"72b": 0, "8b": 1}, logger)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	exec := &executor.Container{
		Runner:     dr,
		Image:      "alpine:latest",
		Command:    []string{"sh", "-c", agentScript},
		Timeout:    30 * time.Second,
		ScratchDir: t.TempDir(),
		Logger:     logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sched := runner.NewScheduler(pool, store, exec, runner.Options{Logger: logger})
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Shutdown()

	err = sched.Submit(ctx, runner.SweepRequest{
		Models:             []string{"qwen2.5-72b-instruct", "llama-3-8b"},
		PromptTypes:        []string{"baseline"},
		Difficulties:       []result.Difficulty{result.Easy},
		TaskTypes:          []string{"simple_task"},
		InstancesPerConfig: 3,
		ToolSuccessRate:    0.8,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	snap, err := dual.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Tree) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(snap.Tree))
	}
	for k, b := range snap.Tree {
		if b.Total != 3 || b.FullSuccess != 2 || b.ErrorCount(result.ErrFormat) != 1 {
			t.Errorf("%s: unexpected bucket %+v", k, b)
		}
	}

	rep, err := dual.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !rep.Clean() {
		t.Errorf("expected layouts to agree: %+v", rep)
	}
}
