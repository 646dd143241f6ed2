package storage

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/result"
)

const floatTolerance = 1e-9

// FieldMismatch is one bucket field whose value differs between layouts.
type FieldMismatch struct {
	Key       aggregate.Key `json:"key"`
	Field     string        `json:"field"`
	Primary   float64       `json:"primary"`
	Secondary float64       `json:"secondary"`
}

// DriftReport lists every difference between the two layouts.
type DriftReport struct {
	Primary       Format          `json:"primary"`
	Compared      int             `json:"compared"`
	OnlyPrimary   []aggregate.Key `json:"only_primary"`
	OnlySecondary []aggregate.Key `json:"only_secondary"`
	Mismatches    []FieldMismatch `json:"mismatches"`
}

func (r *DriftReport) Clean() bool {
	return len(r.OnlyPrimary) == 0 && len(r.OnlySecondary) == 0 && len(r.Mismatches) == 0
}

type bucketField struct {
	name  string
	value float64
	exact bool
}

func bucketFields(b *aggregate.Bucket) []bucketField {
	fields := []bucketField{
		{"total", float64(b.Total), true},
		{"full_success", float64(b.FullSuccess), true},
		{"partial_success", float64(b.PartialSuccess), true},
		{"failed", float64(b.Failed), true},
	}
	for i, c := range result.Categories {
		fields = append(fields, bucketField{"errors." + string(c), float64(b.Errors[i]), true})
	}
	return append(fields,
		bucketField{"execution_time_sum", b.ExecutionTimeSum, false},
		bucketField{"turns_sum", float64(b.TurnsSum), true},
		bucketField{"tool_calls_sum", float64(b.ToolCallsSum), true},
		bucketField{"tool_coverage_sum", b.ToolCoverageSum, false},
		bucketField{"last_updated", float64(unixNanos(b.LastUpdated)), true},
	)
}

func floatsClose(a, b float64) bool {
	return math.Abs(a-b) <= floatTolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// Diff compares two trees bucket by bucket. Counters must match exactly;
// sums of floats may differ by a relative 1e-9.
func Diff(primary, secondary aggregate.Tree) *DriftReport {
	r := &DriftReport{}
	for _, k := range primary.Keys() {
		other, ok := secondary[k]
		if !ok {
			r.OnlyPrimary = append(r.OnlyPrimary, k)
			continue
		}
		r.Compared++
		pf, sf := bucketFields(primary[k]), bucketFields(other)
		for i := range pf {
			equal := pf[i].value == sf[i].value
			if !pf[i].exact {
				equal = floatsClose(pf[i].value, sf[i].value)
			}
			if !equal {
				r.Mismatches = append(r.Mismatches, FieldMismatch{Key: k, Field: pf[i].name, Primary: pf[i].value, Secondary: sf[i].value})
			}
		}
	}
	r.OnlySecondary = secondary.Subtract(primary).Keys()
	if len(r.OnlySecondary) == 0 {
		r.OnlySecondary = nil
	}
	return r
}

// Reconcile loads both layouts and reports where they disagree. It never
// modifies either file; a missing file compares as empty.
func (d *Dual) Reconcile(ctx context.Context) (*DriftReport, error) {
	var report *DriftReport
	err := d.locked(false, func() error {
		p, err := d.loadOrEmpty(ctx, d.primary)
		if err != nil {
			return err
		}
		s, err := d.loadOrEmpty(ctx, d.primary.other())
		if err != nil {
			return err
		}
		report = Diff(p.Tree, s.Tree)
		return nil
	})
	if err != nil {
		return nil, err
	}
	report.Primary = d.primary
	if !report.Clean() {
		d.logger.Warn("storage drift detected",
			zap.Int("only_primary", len(report.OnlyPrimary)),
			zap.Int("only_secondary", len(report.OnlySecondary)),
			zap.Int("mismatches", len(report.Mismatches)))
	}
	return report, nil
}

// Repair folds buckets that exist only in the projection into the
// primary, then rewrites both layouts from the result. Buckets present in
// both are taken from the primary unchanged.
func (d *Dual) Repair(ctx context.Context) (*aggregate.Snapshot, error) {
	var repaired *aggregate.Snapshot
	err := d.locked(true, func() error {
		p, err := d.loadOrEmpty(ctx, d.primary)
		if err != nil {
			return err
		}
		s, err := d.loadOrEmpty(ctx, d.primary.other())
		if err != nil {
			return err
		}
		missing := s.Tree.Subtract(p.Tree)
		repaired = aggregate.NewSnapshot(aggregate.MergeTrees(p.Tree, missing), max(p.JournalSeq, s.JournalSeq))
		for _, f := range []Format{d.primary, d.primary.other()} {
			if err := d.save(ctx, f, repaired); err != nil {
				return fmt.Errorf("repairing %s snapshot: %w", f, err)
			}
		}
		d.logger.Info("repaired storage",
			zap.Int("recovered_buckets", len(missing)),
			zap.Int("buckets", len(repaired.Tree)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repaired, nil
}
