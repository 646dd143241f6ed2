package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalnine/toolsweep/internal/aggregate"
	"github.com/signalnine/toolsweep/internal/result"
)

var (
	keyColumns     = []string{"model", "prompt_type", "tool_success_rate", "difficulty", "task_type"}
	counterColumns = []string{"total", "full_success", "partial_success", "failed"}
	derivedColumns = []string{"success", "success_rate", "partial_rate", "failure_rate", "avg_execution_time", "avg_turns", "avg_tool_calls", "tool_coverage_rate"}
	sumColumns     = []string{"execution_time_sum", "turns_sum", "tool_calls_sum", "tool_coverage_sum", "last_updated"}
	errorColumns   = func() []string {
		cols := make([]string, len(result.Categories))
		for i, c := range result.Categories {
			cols[i] = "err_" + string(c)
		}
		return cols
	}()
)

func flatSchema() []string {
	var b strings.Builder
	b.WriteString("CREATE TABLE buckets (\n")
	for _, c := range keyColumns {
		fmt.Fprintf(&b, "\t%s TEXT NOT NULL,\n", c)
	}
	for _, c := range counterColumns {
		fmt.Fprintf(&b, "\t%s INTEGER NOT NULL,\n", c)
	}
	for _, c := range derivedColumns {
		typ := "REAL"
		if c == "success" {
			typ = "INTEGER"
		}
		fmt.Fprintf(&b, "\t%s %s NOT NULL,\n", c, typ)
	}
	for _, c := range errorColumns {
		fmt.Fprintf(&b, "\t%s INTEGER NOT NULL,\n", c)
	}
	b.WriteString("\texecution_time_sum REAL NOT NULL,\n")
	b.WriteString("\tturns_sum INTEGER NOT NULL,\n")
	b.WriteString("\ttool_calls_sum INTEGER NOT NULL,\n")
	b.WriteString("\ttool_coverage_sum REAL NOT NULL,\n")
	b.WriteString("\tlast_updated INTEGER NOT NULL,\n")
	fmt.Fprintf(&b, "\tPRIMARY KEY (%s)\n) WITHOUT ROWID", strings.Join(keyColumns, ", "))

	return []string{
		"CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)",
		b.String(),
	}
}

func insertColumns() []string {
	cols := append([]string{}, keyColumns...)
	cols = append(cols, counterColumns...)
	cols = append(cols, derivedColumns...)
	cols = append(cols, errorColumns...)
	return append(cols, sumColumns...)
}

func flatRow(k aggregate.Key, b *aggregate.Bucket) []any {
	row := []any{
		k.Model, k.PromptType, result.FormatRate(k.ToolSuccessRate), string(k.Difficulty), k.TaskType,
		b.Total, b.FullSuccess, b.PartialSuccess, b.Failed,
		b.SuccessCount(), b.SuccessRate(), b.PartialRate(), b.FailureRate(),
		b.AvgExecutionTime(), b.AvgTurns(), b.AvgToolCalls(), b.AvgToolCoverage(),
	}
	for _, n := range b.Errors {
		row = append(row, n)
	}
	return append(row, b.ExecutionTimeSum, b.TurnsSum, b.ToolCallsSum, b.ToolCoverageSum, unixNanos(b.LastUpdated))
}

// Zero time is stored as 0; UnixNano is undefined for it.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA synchronous = FULL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// writeFlatFile builds a fresh database at path holding snap.
func writeFlatFile(ctx context.Context, path string, snap *aggregate.Snapshot) error {
	return writeAtomic(path, func(tmp string) error {
		db, err := openSQLite(ctx, tmp)
		if err != nil {
			return err
		}
		if err := fillFlat(ctx, db, snap); err != nil {
			_ = db.Close()
			return err
		}
		if err := db.Close(); err != nil {
			return fmt.Errorf("closing flat snapshot: %w", err)
		}
		return nil
	})
}

func fillFlat(ctx context.Context, db *sql.DB, snap *aggregate.Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning flat snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range flatSchema() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating flat schema: %w", err)
		}
	}
	meta := map[string]string{
		"version":     strconv.Itoa(formatVersion),
		"journal_seq": strconv.FormatUint(snap.JournalSeq, 10),
		"updated_at":  strconv.FormatInt(unixNanos(snap.UpdatedAt), 10),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return fmt.Errorf("writing meta %s: %w", k, err)
		}
	}

	cols := insertColumns()
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO buckets (%s) VALUES (%s)", strings.Join(cols, ", "), marks))
	if err != nil {
		return fmt.Errorf("preparing bucket insert: %w", err)
	}
	defer stmt.Close()
	for _, k := range snap.Tree.Keys() {
		if _, err := stmt.ExecContext(ctx, flatRow(k, snap.Tree[k])...); err != nil {
			return fmt.Errorf("writing bucket %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing flat snapshot: %w", err)
	}
	return nil
}

// readFlatFile loads a database written by writeFlatFile.
func readFlatFile(ctx context.Context, path string) (*aggregate.Snapshot, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	meta := map[string]string{}
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning meta: %w", err)
		}
		meta[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	if meta["version"] != strconv.Itoa(formatVersion) {
		return nil, fmt.Errorf("unsupported flat snapshot version %q", meta["version"])
	}
	seq, err := strconv.ParseUint(meta["journal_seq"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing journal_seq: %w", err)
	}

	cols := append(append(append(append([]string{}, keyColumns...), counterColumns...), errorColumns...), sumColumns...)
	rows, err = db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM buckets", strings.Join(cols, ", ")))
	if err != nil {
		return nil, fmt.Errorf("reading buckets: %w", err)
	}
	defer rows.Close()

	tree := aggregate.Tree{}
	for rows.Next() {
		var (
			k             aggregate.Key
			rate, diff    string
			b             aggregate.Bucket
			lastUpdatedNs int64
		)
		dest := []any{&k.Model, &k.PromptType, &rate, &diff, &k.TaskType, &b.Total, &b.FullSuccess, &b.PartialSuccess, &b.Failed}
		for i := range b.Errors {
			dest = append(dest, &b.Errors[i])
		}
		dest = append(dest, &b.ExecutionTimeSum, &b.TurnsSum, &b.ToolCallsSum, &b.ToolCoverageSum, &lastUpdatedNs)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning bucket: %w", err)
		}
		if k.ToolSuccessRate, err = result.ParseRate(rate); err != nil {
			return nil, err
		}
		if k.Difficulty, err = result.ParseDifficulty(diff); err != nil {
			return nil, err
		}
		b.LastUpdated = fromUnixNanos(lastUpdatedNs)
		tree[k] = &b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading buckets: %w", err)
	}
	if err := tree.Check(); err != nil {
		return nil, fmt.Errorf("flat snapshot: %w", err)
	}
	return aggregate.NewSnapshot(tree, seq), nil
}
