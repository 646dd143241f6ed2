package report_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/report"
	"github.com/signalnine/toolsweep/internal/result"
	"github.com/signalnine/toolsweep/internal/storage"
)

func record(model string, outcome result.Outcome, cat result.ErrorCategory) *result.ResultRecord {
	r := &result.ResultRecord{
		Config:        result.TestConfig{Model: model, PromptType: "baseline", ToolSuccessRate: 0.8, Difficulty: result.Easy, TaskType: "simple_task"},
		Outcome:       outcome,
		ExecutionTime: 2,
		TurnsUsed:     4,
		ErrorCategory: cat,
		Timestamp:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	r.Normalize()
	return r
}

func snapshot() *aggregate.Snapshot {
	tree := aggregate.Tree{}
	for _, r := range []*result.ResultRecord{
		record("model-a", result.FullSuccess, ""),
		record("model-a", result.Failure, result.ErrTimeout),
		record("model-b", result.PartialSuccess, result.ErrFormat),
		record("model-b", result.Failure, result.ErrFormat),
	} {
		b, ok := tree[r.Config]
		if !ok {
			b = &aggregate.Bucket{}
			tree[r.Config] = b
		}
		b.Add(r)
	}
	return aggregate.NewSnapshot(tree, 1)
}

func TestGenerateTable(t *testing.T) {
	var buf bytes.Buffer
	if err := report.Generate(snapshot(), "table", &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	output := buf.String()
	for _, want := range []string{"model-a", "model-b", "timeout", "format"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
	if strings.Index(output, "model-a") > strings.Index(output, "model-b") {
		t.Error("expected models sorted by name")
	}
}

func TestGenerateJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := report.Generate(snapshot(), "json", &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var got []report.ModelSummary
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(got))
	}
	b := got[1]
	if b.Model != "model-b" || b.Instances != 2 || b.SuccessRate != 0.5 || b.TopError != "format" {
		t.Errorf("unexpected summary %+v", b)
	}
}

func TestGenerateMarkdown(t *testing.T) {
	var buf bytes.Buffer
	if err := report.Generate(aggregate.NewSnapshot(nil, 0), "markdown", &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "| Model |") {
		t.Errorf("expected markdown header, got %q", buf.String())
	}
}

func TestDrift(t *testing.T) {
	key := record("model-a", result.FullSuccess, "").Config
	rep := &storage.DriftReport{
		Primary:       storage.Hierarchical,
		Compared:      3,
		OnlySecondary: []aggregate.Key{key},
		Mismatches:    []storage.FieldMismatch{{Key: key, Field: "total", Primary: 4, Secondary: 3}},
	}

	var buf bytes.Buffer
	if err := report.Drift(rep, "table", &buf); err != nil {
		t.Fatalf("Drift: %v", err)
	}
	output := buf.String()
	for _, want := range []string{key.String(), "total", "missing", "HIERARCHICAL"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}

	buf.Reset()
	if err := report.Drift(&storage.DriftReport{Primary: storage.Flat, Compared: 5}, "markdown", &buf); err != nil {
		t.Fatalf("Drift: %v", err)
	}
	if !strings.Contains(buf.String(), "no drift") {
		t.Errorf("expected clean report, got %q", buf.String())
	}
}
