// Package executor runs single test instances out of process, either as a
// local command or in a Docker container, and turns what they report into
// ResultRecords.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/signalnine/toolsweep/internal/credential"
	"github.com/signalnine/toolsweep/internal/result"
	"github.com/signalnine/toolsweep/internal/runner"
)

// Exit codes with a fixed meaning for executors.
const (
	ExitCompleted = 0
	ExitGaveUp    = 2
	ExitTimeout   = 124
)

func ExitReasonFromCode(code int, timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	switch code {
	case ExitCompleted:
		return "completed"
	case ExitGaveUp:
		return "gave_up"
	default:
		return "crashed"
	}
}

// Secrets resolves the API key a credential names.
type Secrets map[string]string

// Lookup prefers the loaded secrets and falls back to the environment.
func (s Secrets) Lookup(name string) string {
	if v, ok := s[name]; ok {
		return v
	}
	return os.Getenv(name)
}

// unitEnv is the environment contract every executor receives.
func unitEnv(ctx context.Context, cfg result.TestConfig, instance int, secrets Secrets) map[string]string {
	env := map[string]string{
		"TOOLSWEEP_MODEL":             cfg.Model,
		"TOOLSWEEP_PROMPT_TYPE":       cfg.PromptType,
		"TOOLSWEEP_TOOL_SUCCESS_RATE": result.FormatRate(cfg.ToolSuccessRate),
		"TOOLSWEEP_DIFFICULTY":        string(cfg.Difficulty),
		"TOOLSWEEP_TASK_TYPE":         cfg.TaskType,
		"TOOLSWEEP_INSTANCE":          strconv.Itoa(instance),
	}
	if cred, ok := runner.CredentialFromContext(ctx); ok {
		env["TOOLSWEEP_CREDENTIAL"] = strconv.Itoa(cred.ID)
		if key := apiKey(cred, secrets); key != "" {
			env["TOOLSWEEP_API_KEY"] = key
		}
	}
	return env
}

func apiKey(cred credential.Credential, secrets Secrets) string {
	if cred.APIKeyEnv == "" {
		return ""
	}
	return secrets.Lookup(cred.APIKeyEnv)
}

// report is what an executor writes back: a ResultRecord without the
// configuration, which the scheduler already knows.
type report struct {
	Outcome          result.Outcome       `json:"outcome"`
	ExecutionTime    float64              `json:"execution_time"`
	TurnsUsed        int                  `json:"turns_used"`
	ToolCallsUsed    int                  `json:"tool_calls_used"`
	ToolCoverageRate float64              `json:"tool_coverage_rate"`
	ErrorCategory    result.ErrorCategory `json:"error_category"`
}

// decodeReport turns executor output into a record. A missing execution
// time is filled from the measured duration.
func decodeReport(data []byte, cfg result.TestConfig, elapsed time.Duration) (result.ResultRecord, error) {
	var rep report
	if err := json.Unmarshal(data, &rep); err != nil {
		return result.ResultRecord{}, fmt.Errorf("decoding executor report: %w", err)
	}
	if !rep.Outcome.Valid() {
		return result.ResultRecord{}, fmt.Errorf("executor report has unknown outcome %q", rep.Outcome)
	}
	rec := result.ResultRecord{
		Config:           cfg,
		Outcome:          rep.Outcome,
		ExecutionTime:    rep.ExecutionTime,
		TurnsUsed:        rep.TurnsUsed,
		ToolCallsUsed:    rep.ToolCallsUsed,
		ToolCoverageRate: rep.ToolCoverageRate,
		ErrorCategory:    rep.ErrorCategory,
		Timestamp:        time.Now().UTC(),
	}
	if rec.ExecutionTime <= 0 {
		rec.ExecutionTime = elapsed.Seconds()
	}
	return rec, nil
}

var errNoReport = errors.New("executor produced no report")

// outcomeFor maps a finished process without a usable report.
func outcomeFor(cfg result.TestConfig, code int, timedOut bool, elapsed time.Duration, cause error) (result.ResultRecord, error) {
	switch ExitReasonFromCode(code, timedOut) {
	case "timeout":
		return result.ResultRecord{}, fmt.Errorf("executor timed out after %s: %w", elapsed.Round(time.Millisecond), context.DeadlineExceeded)
	case "gave_up":
		return result.Failed(cfg, result.ErrOther, elapsed), nil
	default:
		return result.ResultRecord{}, fmt.Errorf("%w: exit code %d: %w", runner.ErrExecutorCrashed, code, cause)
	}
}
