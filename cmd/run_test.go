package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/signalnine/toolsweep/internal/report"
	"github.com/signalnine/toolsweep/internal/storage"
)

func TestFilterModels(t *testing.T) {
	models := []string{"qwen2.5-72b-instruct", "llama-3-8b", "mistral-7b"}

	tests := []struct {
		name   string
		filter []string
		want   int
	}{
		{"empty filter returns all", nil, 3},
		{"exact match", []string{"llama-3-8b"}, 1},
		{"several", []string{"mistral-7b", "qwen2.5-72b-instruct"}, 2},
		{"no match", []string{"gpt-2"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filterModels(models, tt.filter)
			if len(got) != tt.want {
				t.Errorf("filterModels(%v) returned %d, want %d", tt.filter, len(got), tt.want)
			}
		})
	}
}

const fakeAgent = `#!/bin/sh
if [ "$TOOLSWEEP_INSTANCE" = 2 ]; then
  echo '{"outcome":"failure","error_category":"format","turns_used":3}'
else
  echo '{"outcome":"full_success","turns_used":2,"tool_calls_used":1}'
fi
`

func setupSweep(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "agent.sh")
	if err := os.WriteFile(script, []byte(fakeAgent), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := fmt.Sprintf(`sweep:
  models: [model-72b, model-8b]
  prompt_types: [baseline]
  difficulties: [easy]
  task_types: [simple_task]
  instances_per_config: 3
  tool_success_rate: 0.8
credentials:
  - {id: 0}
  - {id: 1}
classes: {72b: 0, 8b: 1}
storage:
  dir: results
  flush_interval: 1h
executor:
  command: [sh, %s]
`, script)
	path := filepath.Join(dir, "toolsweep.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func summaries(t *testing.T, cfgPath string) map[string]report.ModelSummary {
	t.Helper()
	out, err := execute(t, "report", "--config", cfgPath, "--format", "json")
	if err != nil {
		t.Fatalf("report: %v\n%s", err, out)
	}
	var list []report.ModelSummary
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decoding report: %v\n%s", err, out)
	}
	byModel := map[string]report.ModelSummary{}
	for _, s := range list {
		byModel[s.Model] = s
	}
	return byModel
}

func TestCleanupCommandsAreLabelScoped(t *testing.T) {
	cmds := cleanupCommands()
	if len(cmds) == 0 {
		t.Fatal("no cleanup commands")
	}
	for _, args := range cmds {
		line := strings.Join(args, " ")
		if !strings.Contains(line, "prune") {
			continue
		}
		if !strings.Contains(line, "--filter label=toolsweep=true") {
			t.Errorf("unscoped prune: %q", line)
		}
	}
}

func TestRunAccumulatesAcrossSweeps(t *testing.T) {
	cfgPath := setupSweep(t)

	out, err := execute(t, "run", "--config", cfgPath)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "model-72b") || !strings.Contains(out, "model-8b") {
		t.Errorf("expected both models in results table:\n%s", out)
	}

	got := summaries(t, cfgPath)
	for _, m := range []string{"model-72b", "model-8b"} {
		if got[m].Instances != 3 {
			t.Errorf("%s: expected 3 instances, got %d", m, got[m].Instances)
		}
		if got[m].TopError != "format" {
			t.Errorf("%s: expected top error format, got %q", m, got[m].TopError)
		}
	}

	// A second, narrower sweep adds to the existing aggregate.
	if out, err := execute(t, "run", "--config", cfgPath, "--model", "model-8b", "--instances", "1"); err != nil {
		t.Fatalf("second run: %v\n%s", err, out)
	}
	got = summaries(t, cfgPath)
	if got["model-72b"].Instances != 3 || got["model-8b"].Instances != 4 {
		t.Errorf("unexpected totals after second run: %+v", got)
	}

	out, err = execute(t, "reconcile", "--config", cfgPath)
	if err != nil {
		t.Fatalf("reconcile: %v\n%s", err, out)
	}
	if !strings.Contains(out, "no drift") {
		t.Errorf("expected clean reconciliation:\n%s", out)
	}

	out, err = execute(t, "validate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "flat ok: 2 buckets") {
		t.Errorf("unexpected validate output:\n%s", out)
	}
}

func TestRunRejectsUnknownModelFilter(t *testing.T) {
	cfgPath := setupSweep(t)
	if _, err := execute(t, "run", "--config", cfgPath, "--model", "gpt-2"); err == nil {
		t.Error("expected error when no model matches the filter")
	}
}

func TestReconcileFailsOnDrift(t *testing.T) {
	cfgPath := setupSweep(t)
	if out, err := execute(t, "run", "--config", cfgPath, "--model", "model-72b"); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	flat := filepath.Join(filepath.Dir(cfgPath), "results", "aggregate.db")
	if err := os.Remove(flat); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "reconcile", "--config", cfgPath)
	if !errors.Is(err, errDrift) {
		t.Fatalf("expected drift error, got %v", err)
	}

	out, err := execute(t, "repair", "--config", cfgPath)
	if err != nil {
		t.Fatalf("repair: %v\n%s", err, out)
	}
	if !strings.Contains(out, "3 instances") {
		t.Errorf("unexpected repair output:\n%s", out)
	}
	if _, err := execute(t, "reconcile", "--config", cfgPath); err != nil {
		t.Errorf("expected clean reconciliation after repair, got %v", err)
	}
}

func TestMergeSnapshots(t *testing.T) {
	cfgPath := setupSweep(t)
	if out, err := execute(t, "run", "--config", cfgPath); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	snapshot := filepath.Join(filepath.Dir(cfgPath), "results", "aggregate.json")
	merged := filepath.Join(t.TempDir(), "merged.json")

	if out, err := execute(t, "merge", snapshot, snapshot, "-o", merged); err != nil {
		t.Fatalf("merge: %v\n%s", err, out)
	}
	snap, err := storage.ReadSnapshotFile(merged)
	if err != nil {
		t.Fatalf("reading merged snapshot: %v", err)
	}
	if total := snap.Tree.Totals().Total; total != 12 {
		t.Errorf("expected 12 instances in merged snapshot, got %d", total)
	}
}

func TestListShowsAssignments(t *testing.T) {
	cfgPath := setupSweep(t)
	out, err := execute(t, "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"model-72b -> credential 0 [72b]", "model-8b -> credential 1 [8b]"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}
