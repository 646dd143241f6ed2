package aggregate

import (
	"fmt"
	"time"

	"github.com/signalnine/toolsweep/internal/result"
)

// Bucket accumulates every ResultRecord merged for one TestConfig. Only
// counters and running sums are stored; rates and averages are computed
// from them on read.
type Bucket struct {
	Total          int64
	FullSuccess    int64
	PartialSuccess int64
	Failed         int64
	Errors         [result.NumCategories]int64

	ExecutionTimeSum float64
	TurnsSum         int64
	ToolCallsSum     int64
	ToolCoverageSum  float64

	LastUpdated time.Time
}

// Add folds one normalized record into b.
func (b *Bucket) Add(rec *result.ResultRecord) {
	b.Total++
	switch rec.Outcome {
	case result.FullSuccess:
		b.FullSuccess++
	case result.PartialSuccess:
		b.PartialSuccess++
	default:
		b.Failed++
	}
	if i := rec.ErrorCategory.Index(); i >= 0 && rec.Outcome != result.FullSuccess {
		b.Errors[i]++
	}
	b.ExecutionTimeSum += rec.ExecutionTime
	b.TurnsSum += int64(rec.TurnsUsed)
	b.ToolCallsSum += int64(rec.ToolCallsUsed)
	b.ToolCoverageSum += rec.ToolCoverageRate
	if rec.Timestamp.After(b.LastUpdated) {
		b.LastUpdated = rec.Timestamp.UTC()
	}
}

// Combine adds every counter and sum of o into b.
func (b *Bucket) Combine(o *Bucket) {
	b.Total += o.Total
	b.FullSuccess += o.FullSuccess
	b.PartialSuccess += o.PartialSuccess
	b.Failed += o.Failed
	for i := range b.Errors {
		b.Errors[i] += o.Errors[i]
	}
	b.ExecutionTimeSum += o.ExecutionTimeSum
	b.TurnsSum += o.TurnsSum
	b.ToolCallsSum += o.ToolCallsSum
	b.ToolCoverageSum += o.ToolCoverageSum
	if o.LastUpdated.After(b.LastUpdated) {
		b.LastUpdated = o.LastUpdated
	}
}

func (b *Bucket) Clone() *Bucket {
	c := *b
	return &c
}

func (b *Bucket) SuccessCount() int64 { return b.FullSuccess + b.PartialSuccess }

// TotalErrors is the number of instances that were allowed to record an
// error: everything short of a full success. A partial success may carry
// an error, so error counters are bounded by this rather than by Failed.
func (b *Bucket) TotalErrors() int64 { return b.Total - b.FullSuccess }

func (b *Bucket) ErrorCount(c result.ErrorCategory) int64 {
	if i := c.Index(); i >= 0 {
		return b.Errors[i]
	}
	return 0
}

func (b *Bucket) ratio(n int64) float64 {
	if b.Total == 0 {
		return 0
	}
	return float64(n) / float64(b.Total)
}

func (b *Bucket) SuccessRate() float64 { return b.ratio(b.SuccessCount()) }
func (b *Bucket) FullRate() float64    { return b.ratio(b.FullSuccess) }
func (b *Bucket) PartialRate() float64 { return b.ratio(b.PartialSuccess) }
func (b *Bucket) FailureRate() float64 { return b.ratio(b.Failed) }

// ErrorRate is the share of errored instances that fell into c.
func (b *Bucket) ErrorRate(c result.ErrorCategory) float64 {
	if b.TotalErrors() == 0 {
		return 0
	}
	return float64(b.ErrorCount(c)) / float64(b.TotalErrors())
}

func (b *Bucket) avg(sum float64) float64 {
	if b.Total == 0 {
		return 0
	}
	return sum / float64(b.Total)
}

func (b *Bucket) AvgExecutionTime() float64 { return b.avg(b.ExecutionTimeSum) }
func (b *Bucket) AvgTurns() float64         { return b.avg(float64(b.TurnsSum)) }
func (b *Bucket) AvgToolCalls() float64     { return b.avg(float64(b.ToolCallsSum)) }
func (b *Bucket) AvgToolCoverage() float64  { return b.avg(b.ToolCoverageSum) }

// Check verifies the counter invariants.
func (b *Bucket) Check() error {
	if b.Total != b.FullSuccess+b.PartialSuccess+b.Failed {
		return fmt.Errorf("total %d != full %d + partial %d + failed %d", b.Total, b.FullSuccess, b.PartialSuccess, b.Failed)
	}
	var errs int64
	for i, n := range b.Errors {
		if n < 0 {
			return fmt.Errorf("negative %s count %d", result.Categories[i], n)
		}
		errs += n
	}
	if errs > b.TotalErrors() {
		return fmt.Errorf("error counters %d exceed non-full-success total %d", errs, b.TotalErrors())
	}
	return nil
}
