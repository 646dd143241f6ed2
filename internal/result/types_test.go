package result_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/toolsweep/internal/result"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name         string
		in           result.ResultRecord
		wantOutcome  result.Outcome
		wantCategory result.ErrorCategory
	}{
		{"full success drops category", result.ResultRecord{Outcome: result.FullSuccess, ErrorCategory: result.ErrFormat}, result.FullSuccess, ""},
		{"failure without category gets other", result.ResultRecord{Outcome: result.Failure}, result.Failure, result.ErrOther},
		{"partial keeps category", result.ResultRecord{Outcome: result.PartialSuccess, ErrorCategory: result.ErrDependency}, result.PartialSuccess, result.ErrDependency},
		{"unknown category becomes other", result.ResultRecord{Outcome: result.Failure, ErrorCategory: "bogus"}, result.Failure, result.ErrOther},
		{"unknown outcome becomes failure", result.ResultRecord{Outcome: "weird"}, result.Failure, result.ErrOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.in
			rec.Normalize()
			assert.Equal(t, tt.wantOutcome, rec.Outcome)
			assert.Equal(t, tt.wantCategory, rec.ErrorCategory)
			assert.False(t, rec.Timestamp.IsZero())
			assert.Equal(t, time.UTC, rec.Timestamp.Location())
		})
	}
}

func TestNormalizeClampsNumbers(t *testing.T) {
	rec := result.ResultRecord{
		Outcome:          result.FullSuccess,
		ExecutionTime:    math.NaN(),
		TurnsUsed:        -2,
		ToolCallsUsed:    -1,
		ToolCoverageRate: 1.7,
	}
	rec.Normalize()
	assert.Zero(t, rec.ExecutionTime)
	assert.Zero(t, rec.TurnsUsed)
	assert.Zero(t, rec.ToolCallsUsed)
	assert.Equal(t, 1.0, rec.ToolCoverageRate)
}

func TestRateRoundTrip(t *testing.T) {
	for _, r := range []float64{0, 0.1, 0.7, 0.8, 1.0 / 3.0, 1} {
		s := result.FormatRate(r)
		got, err := result.ParseRate(s)
		require.NoError(t, err)
		assert.Equal(t, r, got, "rate %s", s)
	}
	assert.Equal(t, "0.8", result.FormatRate(0.8))

	_, err := result.ParseRate("1.5")
	assert.Error(t, err)
	_, err = result.ParseRate("abc")
	assert.Error(t, err)
}

func TestParseDifficulty(t *testing.T) {
	d, err := result.ParseDifficulty(" Easy ")
	require.NoError(t, err)
	assert.Equal(t, result.Easy, d)

	_, err = result.ParseDifficulty("impossible")
	assert.Error(t, err)
}

func TestCanonicalize(t *testing.T) {
	c := result.TestConfig{Model: "m", PromptType: "p", ToolSuccessRate: 1, Difficulty: "VERY_HARD", TaskType: "t"}
	require.NoError(t, c.Canonicalize())
	assert.Equal(t, result.VeryHard, c.Difficulty)

	bad := []result.TestConfig{
		{PromptType: "p", Difficulty: result.Easy, TaskType: "t"},
		{Model: "m", PromptType: "p", ToolSuccessRate: math.Inf(1), Difficulty: result.Easy, TaskType: "t"},
		{Model: "m", PromptType: "p", Difficulty: "", TaskType: "t"},
	}
	for _, c := range bad {
		assert.Error(t, c.Canonicalize(), c.String())
	}
}

func TestCategoryIndex(t *testing.T) {
	for i, c := range result.Categories {
		assert.Equal(t, i, c.Index())
	}
	assert.Equal(t, -1, result.ErrorCategory("").Index())
}
