package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/result"
)

const formatVersion = 1

// ErrNotFound is returned when a backend file does not exist yet.
var ErrNotFound = errors.New("snapshot not found")

type hierDoc struct {
	Version    int                   `json:"version"`
	JournalSeq uint64                `json:"journal_seq"`
	UpdatedAt  time.Time             `json:"updated_at"`
	Models     map[string]promptDocs `json:"models"`
}

// model -> prompt type -> tool success rate -> difficulty -> task type
type (
	promptDocs     map[string]rateDocs
	rateDocs       map[string]difficultyDocs
	difficultyDocs map[string]taskDocs
	taskDocs       map[string]*bucketDoc
)

// bucketDoc carries the derived rates for readers of the file. Only the
// counters and sums are read back.
type bucketDoc struct {
	Total          int64 `json:"total"`
	Success        int64 `json:"success"`
	FullSuccess    int64 `json:"full_success"`
	PartialSuccess int64 `json:"partial_success"`
	Failed         int64 `json:"failed"`

	SuccessRate      float64 `json:"success_rate"`
	PartialRate      float64 `json:"partial_rate"`
	FailureRate      float64 `json:"failure_rate"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
	AvgTurns         float64 `json:"avg_turns"`
	AvgToolCalls     float64 `json:"avg_tool_calls"`
	ToolCoverageRate float64 `json:"tool_coverage_rate"`

	Errors map[result.ErrorCategory]int64 `json:"errors"`

	ExecutionTimeSum float64   `json:"execution_time_sum"`
	TurnsSum         int64     `json:"turns_sum"`
	ToolCallsSum     int64     `json:"tool_calls_sum"`
	ToolCoverageSum  float64   `json:"tool_coverage_sum"`
	LastUpdated      time.Time `json:"last_updated"`
}

func newBucketDoc(b *aggregate.Bucket) *bucketDoc {
	d := &bucketDoc{
		Total:            b.Total,
		Success:          b.SuccessCount(),
		FullSuccess:      b.FullSuccess,
		PartialSuccess:   b.PartialSuccess,
		Failed:           b.Failed,
		SuccessRate:      b.SuccessRate(),
		PartialRate:      b.PartialRate(),
		FailureRate:      b.FailureRate(),
		AvgExecutionTime: b.AvgExecutionTime(),
		AvgTurns:         b.AvgTurns(),
		AvgToolCalls:     b.AvgToolCalls(),
		ToolCoverageRate: b.AvgToolCoverage(),
		Errors:           make(map[result.ErrorCategory]int64, result.NumCategories),
		ExecutionTimeSum: b.ExecutionTimeSum,
		TurnsSum:         b.TurnsSum,
		ToolCallsSum:     b.ToolCallsSum,
		ToolCoverageSum:  b.ToolCoverageSum,
		LastUpdated:      b.LastUpdated.UTC(),
	}
	for i, c := range result.Categories {
		d.Errors[c] = b.Errors[i]
	}
	return d
}

func (d *bucketDoc) bucket() (*aggregate.Bucket, error) {
	b := &aggregate.Bucket{
		Total:            d.Total,
		FullSuccess:      d.FullSuccess,
		PartialSuccess:   d.PartialSuccess,
		Failed:           d.Failed,
		ExecutionTimeSum: d.ExecutionTimeSum,
		TurnsSum:         d.TurnsSum,
		ToolCallsSum:     d.ToolCallsSum,
		ToolCoverageSum:  d.ToolCoverageSum,
		LastUpdated:      d.LastUpdated.UTC(),
	}
	for c, n := range d.Errors {
		i := c.Index()
		if i < 0 {
			return nil, fmt.Errorf("unknown error category %q", c)
		}
		b.Errors[i] = n
	}
	return b, nil
}

// EncodeHierarchical renders snap as the nested JSON document. Map keys
// are emitted sorted, so equal snapshots encode to identical bytes.
func EncodeHierarchical(snap *aggregate.Snapshot) ([]byte, error) {
	doc := hierDoc{
		Version:    formatVersion,
		JournalSeq: snap.JournalSeq,
		UpdatedAt:  snap.UpdatedAt.UTC(),
		Models:     map[string]promptDocs{},
	}
	for k, b := range snap.Tree {
		prompts, ok := doc.Models[k.Model]
		if !ok {
			prompts = promptDocs{}
			doc.Models[k.Model] = prompts
		}
		rates, ok := prompts[k.PromptType]
		if !ok {
			rates = rateDocs{}
			prompts[k.PromptType] = rates
		}
		rate := result.FormatRate(k.ToolSuccessRate)
		diffs, ok := rates[rate]
		if !ok {
			diffs = difficultyDocs{}
			rates[rate] = diffs
		}
		tasks, ok := diffs[string(k.Difficulty)]
		if !ok {
			tasks = taskDocs{}
			diffs[string(k.Difficulty)] = tasks
		}
		tasks[k.TaskType] = newBucketDoc(b)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding hierarchical snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeHierarchical parses a document written by EncodeHierarchical and
// checks every bucket's counters.
func DecodeHierarchical(data []byte) (*aggregate.Snapshot, error) {
	var doc hierDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding hierarchical snapshot: %w", err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("unsupported hierarchical snapshot version %d", doc.Version)
	}
	tree := aggregate.Tree{}
	for model, prompts := range doc.Models {
		for prompt, rates := range prompts {
			for rateStr, diffs := range rates {
				rate, err := result.ParseRate(rateStr)
				if err != nil {
					return nil, err
				}
				for diffStr, tasks := range diffs {
					diff, err := result.ParseDifficulty(diffStr)
					if err != nil {
						return nil, err
					}
					for task, d := range tasks {
						k := aggregate.Key{Model: model, PromptType: prompt, ToolSuccessRate: rate, Difficulty: diff, TaskType: task}
						if d == nil {
							return nil, fmt.Errorf("bucket %s: empty entry", k)
						}
						b, err := d.bucket()
						if err != nil {
							return nil, fmt.Errorf("bucket %s: %w", k, err)
						}
						tree[k] = b
					}
				}
			}
		}
	}
	if err := tree.Check(); err != nil {
		return nil, fmt.Errorf("hierarchical snapshot: %w", err)
	}
	snap := aggregate.NewSnapshot(tree, doc.JournalSeq)
	return snap, nil
}

// ReadSnapshotFile loads a hierarchical document from path without taking
// the directory lock.
func ReadSnapshotFile(path string) (*aggregate.Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return DecodeHierarchical(data)
}

// WriteSnapshotFile atomically writes snap as a hierarchical document.
func WriteSnapshotFile(path string, snap *aggregate.Snapshot) error {
	data, err := EncodeHierarchical(snap)
	if err != nil {
		return err
	}
	return writeAtomic(path, func(tmp string) error {
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("writing hierarchical snapshot: %w", err)
		}
		return nil
	})
}
