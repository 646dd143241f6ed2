package aggregate

import (
	"cmp"
	"slices"

	"github.com/signalnine/toolsweep/internal/result"
)

// Key addresses one bucket: model, prompt type, tool success rate,
// difficulty and task type.
type Key = result.TestConfig

// Tree maps every known TestConfig to its bucket.
type Tree map[Key]*Bucket

// Clone deep-copies t.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for k, b := range t {
		out[k] = b.Clone()
	}
	return out
}

// Keys returns the keys of t in hierarchy order.
func (t Tree) Keys() []Key {
	keys := make([]Key, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// SortKeys orders keys model, prompt type, rate, difficulty, task type.
func SortKeys(keys []Key) {
	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Or(
			cmp.Compare(a.Model, b.Model),
			cmp.Compare(a.PromptType, b.PromptType),
			cmp.Compare(a.ToolSuccessRate, b.ToolSuccessRate),
			cmp.Compare(a.Difficulty, b.Difficulty),
			cmp.Compare(a.TaskType, b.TaskType),
		)
	})
}

// Check returns the first invariant violation in t, if any.
func (t Tree) Check() error {
	for _, k := range t.Keys() {
		if err := t[k].Check(); err != nil {
			return &InvariantError{Key: k, Err: err}
		}
	}
	return nil
}

// MergeTrees sums matching buckets and unions the rest. It never mutates
// its inputs, and is associative and commutative, so independently
// accumulated trees (two drifted backends, two recovered snapshots) can be
// combined in any order.
func MergeTrees(a, b Tree) Tree {
	out := make(Tree, max(len(a), len(b)))
	for k, bk := range a {
		out[k] = bk.Clone()
	}
	for k, bk := range b {
		if cur, ok := out[k]; ok {
			cur.Combine(bk)
			continue
		}
		out[k] = bk.Clone()
	}
	return out
}

// Subtract returns the buckets of t whose keys are absent from other.
func (t Tree) Subtract(other Tree) Tree {
	out := Tree{}
	for k, b := range t {
		if _, ok := other[k]; !ok {
			out[k] = b.Clone()
		}
	}
	return out
}

// Totals folds every bucket of t into a single bucket.
func (t Tree) Totals() *Bucket {
	var sum Bucket
	for _, b := range t {
		sum.Combine(b)
	}
	return &sum
}

// ByModel rolls t up to one bucket per model.
func (t Tree) ByModel() map[string]*Bucket {
	out := make(map[string]*Bucket)
	for k, b := range t {
		cur, ok := out[k.Model]
		if !ok {
			cur = &Bucket{}
			out[k.Model] = cur
		}
		cur.Combine(b)
	}
	return out
}

type InvariantError struct {
	Key Key
	Err error
}

func (e *InvariantError) Error() string {
	return "bucket " + e.Key.String() + ": " + e.Err.Error()
}

func (e *InvariantError) Unwrap() error { return e.Err }
