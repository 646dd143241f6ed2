package aggregate_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/result"
)

var (
	keySmall = aggregate.Key{Model: "m-small", PromptType: "base", ToolSuccessRate: 0.8, Difficulty: result.Easy, TaskType: "t1"}
	keyLarge = aggregate.Key{Model: "m-large", PromptType: "base", ToolSuccessRate: 0.8, Difficulty: result.Easy, TaskType: "t1"}
	keyHard  = aggregate.Key{Model: "m-small", PromptType: "cot", ToolSuccessRate: 0.9, Difficulty: result.Hard, TaskType: "t2"}
)

func rec(k aggregate.Key, o result.Outcome, cat result.ErrorCategory, secs float64) result.ResultRecord {
	return result.ResultRecord{
		Config:           k,
		Outcome:          o,
		ExecutionTime:    secs,
		TurnsUsed:        2,
		ToolCallsUsed:    3,
		ToolCoverageRate: 0.5,
		ErrorCategory:    cat,
		Timestamp:        time.Date(2026, 1, 1, 0, 0, int(secs), 0, time.UTC),
	}
}

func bucketOf(recs ...result.ResultRecord) *aggregate.Bucket {
	b := &aggregate.Bucket{}
	for i := range recs {
		r := recs[i]
		r.Normalize()
		b.Add(&r)
	}
	return b
}

func TestBucketAddAndRates(t *testing.T) {
	b := bucketOf(
		rec(keySmall, result.FullSuccess, "", 1),
		rec(keySmall, result.PartialSuccess, result.ErrFormat, 2),
		rec(keySmall, result.Failure, result.ErrTimeout, 3),
		rec(keySmall, result.Failure, result.ErrToolSelection, 4),
	)
	require.NoError(t, b.Check())
	assert.Equal(t, int64(4), b.Total)
	assert.Equal(t, int64(2), b.SuccessCount())
	assert.Equal(t, int64(3), b.TotalErrors())
	assert.InDelta(t, 0.5, b.SuccessRate(), 1e-12)
	assert.InDelta(t, 0.25, b.PartialRate(), 1e-12)
	assert.InDelta(t, 0.5, b.FailureRate(), 1e-12)
	assert.InDelta(t, 2.5, b.AvgExecutionTime(), 1e-12)
	assert.InDelta(t, 2.0, b.AvgTurns(), 1e-12)
	assert.InDelta(t, 3.0, b.AvgToolCalls(), 1e-12)
	assert.InDelta(t, 0.5, b.AvgToolCoverage(), 1e-12)
	assert.Equal(t, int64(1), b.ErrorCount(result.ErrFormat))
	assert.InDelta(t, 1.0/3.0, b.ErrorRate(result.ErrTimeout), 1e-12)
}

func TestEmptyBucketRatesAreZero(t *testing.T) {
	b := &aggregate.Bucket{}
	require.NoError(t, b.Check())
	assert.Zero(t, b.SuccessRate())
	assert.Zero(t, b.AvgExecutionTime())
	assert.Zero(t, b.ErrorRate(result.ErrOther))
}

func TestBucketCheckDetectsViolations(t *testing.T) {
	b := &aggregate.Bucket{Total: 3, FullSuccess: 1, Failed: 1}
	assert.Error(t, b.Check())

	b = &aggregate.Bucket{Total: 2, FullSuccess: 1, Failed: 1}
	b.Errors[result.ErrOther.Index()] = 2
	assert.Error(t, b.Check())
}

func TestMergeOrderDoesNotMatter(t *testing.T) {
	a := rec(keySmall, result.PartialSuccess, result.ErrDependency, 3)
	b := rec(keySmall, result.Failure, result.ErrMaxTurns, 7)
	ab := bucketOf(a, b)
	ba := bucketOf(b, a)
	assert.Empty(t, cmp.Diff(ab, ba))
}

func TestMergeTrees(t *testing.T) {
	left := aggregate.Tree{
		keySmall: bucketOf(rec(keySmall, result.FullSuccess, "", 1)),
		keyHard:  bucketOf(rec(keyHard, result.Failure, result.ErrTimeout, 9)),
	}
	right := aggregate.Tree{
		keySmall: bucketOf(rec(keySmall, result.Failure, result.ErrFormat, 2)),
		keyLarge: bucketOf(rec(keyLarge, result.PartialSuccess, "", 5)),
	}

	merged := aggregate.MergeTrees(left, right)
	require.Len(t, merged, 3)
	require.NoError(t, merged.Check())
	assert.Equal(t, int64(2), merged[keySmall].Total)
	assert.Equal(t, int64(1), merged[keySmall].Failed)
	assert.Equal(t, int64(1), merged[keyLarge].Total)

	// Inputs untouched.
	assert.Equal(t, int64(1), left[keySmall].Total)
	assert.Equal(t, int64(1), right[keySmall].Total)

	t.Run("commutative", func(t *testing.T) {
		assert.Empty(t, cmp.Diff(merged, aggregate.MergeTrees(right, left)))
	})
	t.Run("associative", func(t *testing.T) {
		third := aggregate.Tree{keyHard: bucketOf(rec(keyHard, result.FullSuccess, "", 4))}
		x := aggregate.MergeTrees(aggregate.MergeTrees(left, right), third)
		y := aggregate.MergeTrees(left, aggregate.MergeTrees(right, third))
		assert.Empty(t, cmp.Diff(x, y))
	})
	t.Run("empty identity", func(t *testing.T) {
		assert.Empty(t, cmp.Diff(left, aggregate.MergeTrees(left, aggregate.Tree{})))
	})
}

func TestSubtractAndRollups(t *testing.T) {
	tree := aggregate.Tree{
		keySmall: bucketOf(rec(keySmall, result.FullSuccess, "", 1)),
		keyHard:  bucketOf(rec(keyHard, result.Failure, result.ErrTimeout, 9)),
		keyLarge: bucketOf(rec(keyLarge, result.FullSuccess, "", 2)),
	}
	rest := tree.Subtract(aggregate.Tree{keySmall: &aggregate.Bucket{}})
	assert.Len(t, rest, 2)
	assert.NotContains(t, rest, keySmall)

	byModel := tree.ByModel()
	assert.Equal(t, int64(2), byModel["m-small"].Total)
	assert.Equal(t, int64(3), tree.Totals().Total)

	keys := tree.Keys()
	assert.Equal(t, []aggregate.Key{keyLarge, keySmall, keyHard}, keys)
}
