package result

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Outcome string

const (
	FullSuccess    Outcome = "full_success"
	PartialSuccess Outcome = "partial_success"
	Failure        Outcome = "failure"
)

func (o Outcome) Valid() bool {
	switch o {
	case FullSuccess, PartialSuccess, Failure:
		return true
	}
	return false
}

type Difficulty string

const (
	VeryEasy Difficulty = "very_easy"
	Easy     Difficulty = "easy"
	Medium   Difficulty = "medium"
	Hard     Difficulty = "hard"
	VeryHard Difficulty = "very_hard"
)

var difficulties = []Difficulty{VeryEasy, Easy, Medium, Hard, VeryHard}

// ParseDifficulty accepts the canonical names case-insensitively.
func ParseDifficulty(s string) (Difficulty, error) {
	d := Difficulty(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range difficulties {
		if d == known {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown difficulty %q", s)
}

// ErrorCategory classifies why a test instance did not fully succeed.
// The empty category means no error was recorded.
type ErrorCategory string

const (
	ErrToolSelection   ErrorCategory = "tool_selection"
	ErrParameterConfig ErrorCategory = "parameter_config"
	ErrSequenceOrder   ErrorCategory = "sequence_order"
	ErrDependency      ErrorCategory = "dependency"
	ErrTimeout         ErrorCategory = "timeout"
	ErrFormat          ErrorCategory = "format"
	ErrMaxTurns        ErrorCategory = "max_turns"
	ErrOther           ErrorCategory = "other"
	// ErrInfraFailure is assigned by the scheduler, never by executors:
	// the executor crashed or a unit exhausted its retries.
	ErrInfraFailure ErrorCategory = "infra_failure"
)

// NumCategories is the number of counted error categories.
const NumCategories = 9

// Categories lists every counted category in storage order.
var Categories = [NumCategories]ErrorCategory{
	ErrToolSelection,
	ErrParameterConfig,
	ErrSequenceOrder,
	ErrDependency,
	ErrTimeout,
	ErrFormat,
	ErrMaxTurns,
	ErrOther,
	ErrInfraFailure,
}

// Index returns the position of c in Categories, or -1.
func (c ErrorCategory) Index() int {
	for i, known := range Categories {
		if c == known {
			return i
		}
	}
	return -1
}

// TestConfig identifies one leaf bucket. It is comparable and used
// directly as a map key.
type TestConfig struct {
	Model           string     `json:"model"`
	PromptType      string     `json:"prompt_type"`
	ToolSuccessRate float64    `json:"tool_success_rate"`
	Difficulty      Difficulty `json:"difficulty"`
	TaskType        string     `json:"task_type"`
}

// Canonicalize checks that c names a real configuration and rewrites
// the difficulty to its canonical spelling so equal configurations map
// to the same key.
func (c *TestConfig) Canonicalize() error {
	switch {
	case strings.TrimSpace(c.Model) == "":
		return fmt.Errorf("config has no model")
	case strings.TrimSpace(c.PromptType) == "":
		return fmt.Errorf("config %s has no prompt type", c)
	case strings.TrimSpace(c.TaskType) == "":
		return fmt.Errorf("config %s has no task type", c)
	case math.IsNaN(c.ToolSuccessRate) || c.ToolSuccessRate < 0 || c.ToolSuccessRate > 1:
		return fmt.Errorf("config %s: tool success rate out of range [0,1]", c)
	}
	d, err := ParseDifficulty(string(c.Difficulty))
	if err != nil {
		return fmt.Errorf("config %s: %w", c, err)
	}
	c.Difficulty = d
	return nil
}

func (c TestConfig) String() string {
	return strings.Join([]string{c.Model, c.PromptType, FormatRate(c.ToolSuccessRate), string(c.Difficulty), c.TaskType}, "/")
}

// FormatRate renders a tool success rate as the shortest string that
// parses back to the same float64. All storage keys go through it.
func FormatRate(r float64) string {
	return strconv.FormatFloat(r, 'f', -1, 64)
}

// ParseRate is the inverse of FormatRate.
func ParseRate(s string) (float64, error) {
	r, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing tool success rate %q: %w", s, err)
	}
	if r < 0 || r > 1 {
		return 0, fmt.Errorf("tool success rate %q out of range [0,1]", s)
	}
	return r, nil
}

type ResultRecord struct {
	Config           TestConfig    `json:"config"`
	Outcome          Outcome       `json:"outcome"`
	ExecutionTime    float64       `json:"execution_time"`
	TurnsUsed        int           `json:"turns_used"`
	ToolCallsUsed    int           `json:"tool_calls_used"`
	ToolCoverageRate float64       `json:"tool_coverage_rate"`
	ErrorCategory    ErrorCategory `json:"error_category,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// Normalize clamps numeric fields into range and enforces that an error
// category is present exactly when the outcome is not a full success.
// Unknown outcomes are treated as failures.
func (r *ResultRecord) Normalize() {
	if !r.Outcome.Valid() {
		r.Outcome = Failure
	}
	if r.ExecutionTime < 0 || math.IsNaN(r.ExecutionTime) || math.IsInf(r.ExecutionTime, 0) {
		r.ExecutionTime = 0
	}
	if r.TurnsUsed < 0 {
		r.TurnsUsed = 0
	}
	if r.ToolCallsUsed < 0 {
		r.ToolCallsUsed = 0
	}
	switch {
	case r.ToolCoverageRate < 0 || math.IsNaN(r.ToolCoverageRate):
		r.ToolCoverageRate = 0
	case r.ToolCoverageRate > 1:
		r.ToolCoverageRate = 1
	}
	if r.Outcome == FullSuccess {
		r.ErrorCategory = ""
	} else if r.ErrorCategory.Index() < 0 {
		r.ErrorCategory = ErrOther
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	r.Timestamp = r.Timestamp.UTC()
}

// Failed builds the record the scheduler emits for a unit that never
// produced a result of its own.
func Failed(cfg TestConfig, category ErrorCategory, elapsed time.Duration) ResultRecord {
	return ResultRecord{
		Config:        cfg,
		Outcome:       Failure,
		ExecutionTime: elapsed.Seconds(),
		ErrorCategory: category,
		Timestamp:     time.Now().UTC(),
	}
}
