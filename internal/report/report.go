package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/result"
	"github.com/signalnine/toolsweep/internal/storage"
)

type ModelSummary struct {
	Model            string  `json:"model"`
	Instances        int64   `json:"instances"`
	SuccessRate      float64 `json:"success_rate"`
	PartialRate      float64 `json:"partial_rate"`
	FailureRate      float64 `json:"failure_rate"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
	AvgTurns         float64 `json:"avg_turns"`
	AvgToolCalls     float64 `json:"avg_tool_calls"`
	TopError         string  `json:"top_error,omitempty"`
}

// Generate renders per-model rollups of snap.
func Generate(snap *aggregate.Snapshot, format string, w io.Writer) error {
	summaries := Summarize(snap.Tree)

	switch format {
	case "markdown":
		return writeMarkdown(summaries, w)
	case "json":
		return writeJSON(summaries, w)
	default:
		return writeTable(summaries, w)
	}
}

func Summarize(tree aggregate.Tree) []ModelSummary {
	var summaries []ModelSummary
	for model, b := range tree.ByModel() {
		summaries = append(summaries, ModelSummary{
			Model:            model,
			Instances:        b.Total,
			SuccessRate:      b.SuccessRate(),
			PartialRate:      b.PartialRate(),
			FailureRate:      b.FailureRate(),
			AvgExecutionTime: b.AvgExecutionTime(),
			AvgTurns:         b.AvgTurns(),
			AvgToolCalls:     b.AvgToolCalls(),
			TopError:         string(topError(b)),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Model < summaries[j].Model
	})
	return summaries
}

// topError is the most frequent category; ties go to the earlier one.
func topError(b *aggregate.Bucket) result.ErrorCategory {
	var top result.ErrorCategory
	var best int64
	for _, c := range result.Categories {
		if n := b.ErrorCount(c); n > best {
			top, best = c, n
		}
	}
	return top
}

func writeTable(summaries []ModelSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tINSTANCES\tSUCCESS\tPARTIAL\tFAILURE\tAVG TIME\tAVG TURNS\tAVG TOOLS\tTOP ERROR")
	fmt.Fprintln(tw, strings.Repeat("-", 96))
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%.0f%%\t%.0f%%\t%.0f%%\t%.1fs\t%.1f\t%.1f\t%s\n",
			s.Model, s.Instances, s.SuccessRate*100, s.PartialRate*100, s.FailureRate*100,
			s.AvgExecutionTime, s.AvgTurns, s.AvgToolCalls, dash(s.TopError))
	}
	return tw.Flush()
}

func writeMarkdown(summaries []ModelSummary, w io.Writer) error {
	fmt.Fprintln(w, "| Model | Instances | Success | Partial | Failure | Avg Time | Avg Turns | Avg Tools | Top Error |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|---|")
	for _, s := range summaries {
		fmt.Fprintf(w, "| %s | %d | %.0f%% | %.0f%% | %.0f%% | %.1fs | %.1f | %.1f | %s |\n",
			s.Model, s.Instances, s.SuccessRate*100, s.PartialRate*100, s.FailureRate*100,
			s.AvgExecutionTime, s.AvgTurns, s.AvgToolCalls, dash(s.TopError))
	}
	return nil
}

func writeJSON(v any, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Drift renders a reconciliation report.
func Drift(rep *storage.DriftReport, format string, w io.Writer) error {
	if format == "json" {
		return writeJSON(rep, w)
	}
	if rep.Clean() {
		_, err := fmt.Fprintf(w, "%d buckets compared, no drift (primary: %s)\n", rep.Compared, rep.Primary)
		return err
	}

	rows := driftRows(rep)
	if format == "markdown" {
		fmt.Fprintln(w, "| Bucket | Field | Primary | Secondary |")
		fmt.Fprintln(w, "|---|---|---|---|")
		for _, r := range rows {
			fmt.Fprintf(w, "| %s | %s | %s | %s |\n", r[0], r[1], r[2], r[3])
		}
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "BUCKET\tFIELD\t%s\t%s\n", strings.ToUpper(string(rep.Primary)), "OTHER")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r[0], r[1], r[2], r[3])
	}
	return tw.Flush()
}

func driftRows(rep *storage.DriftReport) [][4]string {
	var rows [][4]string
	for _, k := range rep.OnlyPrimary {
		rows = append(rows, [4]string{k.String(), "(bucket)", "present", "missing"})
	}
	for _, k := range rep.OnlySecondary {
		rows = append(rows, [4]string{k.String(), "(bucket)", "missing", "present"})
	}
	for _, m := range rep.Mismatches {
		rows = append(rows, [4]string{m.Key.String(), m.Field, formatValue(m.Primary), formatValue(m.Secondary)})
	}
	return rows
}

func formatValue(v float64) string {
	return fmt.Sprintf("%g", v)
}
