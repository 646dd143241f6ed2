package runner

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/signalnine/toolsweep/internal/result"
)

// SweepRequest describes the Cartesian product of configurations to run.
type SweepRequest struct {
	Models             []string            `yaml:"models"`
	PromptTypes        []string            `yaml:"prompt_types"`
	Difficulties       []result.Difficulty `yaml:"difficulties"`
	TaskTypes          []string            `yaml:"task_types"`
	InstancesPerConfig int                 `yaml:"instances_per_config"`
	ToolSuccessRate    float64             `yaml:"tool_success_rate"`
	// ShardGrouping splits each model's configurations into shards of at
	// most this many configurations. Zero shards by model and difficulty.
	ShardGrouping int `yaml:"shard_grouping"`
}

// InputError reports a malformed SweepRequest. Nothing was scheduled.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid sweep request: %s: %s", e.Field, e.Reason)
}

func checkList(field string, values []string) error {
	if len(values) == 0 {
		return &InputError{Field: field, Reason: "must not be empty"}
	}
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return &InputError{Field: field, Reason: "contains a blank entry"}
		}
		if seen[v] {
			return &InputError{Field: field, Reason: fmt.Sprintf("duplicate entry %q", v)}
		}
		seen[v] = true
	}
	return nil
}

// Validate checks r and canonicalizes its difficulties.
func (r *SweepRequest) Validate() error {
	if err := checkList("models", r.Models); err != nil {
		return err
	}
	if err := checkList("prompt_types", r.PromptTypes); err != nil {
		return err
	}
	if err := checkList("task_types", r.TaskTypes); err != nil {
		return err
	}
	diffs := make([]string, len(r.Difficulties))
	for i, d := range r.Difficulties {
		canon, err := result.ParseDifficulty(string(d))
		if err != nil {
			return &InputError{Field: "difficulties", Reason: err.Error()}
		}
		r.Difficulties[i] = canon
		diffs[i] = string(canon)
	}
	if err := checkList("difficulties", diffs); err != nil {
		return err
	}
	if r.InstancesPerConfig < 1 {
		return &InputError{Field: "instances_per_config", Reason: "must be at least 1"}
	}
	if math.IsNaN(r.ToolSuccessRate) || r.ToolSuccessRate < 0 || r.ToolSuccessRate > 1 {
		return &InputError{Field: "tool_success_rate", Reason: "must be within [0, 1]"}
	}
	if r.ShardGrouping < 0 {
		return &InputError{Field: "shard_grouping", Reason: "must not be negative"}
	}
	return nil
}

// Unit is one test instance.
type Unit struct {
	Config   result.TestConfig
	Instance int
}

// Shard is a contiguous run of units for one model, executed under a
// single credential and a single deadline.
type Shard struct {
	ID           string
	SweepID      string
	CredentialID int
	Units        []Unit
	Timeout      time.Duration

	sweep *sweep
}

func (s *Shard) Model() string {
	if len(s.Units) == 0 {
		return ""
	}
	return s.Units[0].Config.Model
}

// planShards expands r, which must be valid, into shards in submission
// order. Credentials and timeouts are assigned by the caller.
func planShards(r *SweepRequest) []*Shard {
	var shards []*Shard
	for _, model := range r.Models {
		var groups [][]result.TestConfig
		for _, diff := range r.Difficulties {
			var group []result.TestConfig
			for _, prompt := range r.PromptTypes {
				for _, task := range r.TaskTypes {
					group = append(group, result.TestConfig{
						Model:           model,
						PromptType:      prompt,
						ToolSuccessRate: r.ToolSuccessRate,
						Difficulty:      diff,
						TaskType:        task,
					})
				}
			}
			groups = append(groups, group)
		}
		if r.ShardGrouping > 0 {
			groups = slices.Collect(slices.Chunk(slices.Concat(groups...), r.ShardGrouping))
		}
		for _, configs := range groups {
			sh := &Shard{ID: ulid.Make().String()}
			for _, cfg := range configs {
				for i := 0; i < r.InstancesPerConfig; i++ {
					sh.Units = append(sh.Units, Unit{Config: cfg, Instance: i})
				}
			}
			shards = append(shards, sh)
		}
	}
	return shards
}

// Allowance per round of units, on top of the difficulty base.
const unitAllowance = 2 * time.Minute

func timeoutForDifficulty(d result.Difficulty) time.Duration {
	switch d {
	case result.Hard, result.VeryHard:
		return 30 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// timeoutForShard derives a deadline from the hardest difficulty in the
// shard plus an allowance for every round of width units.
func timeoutForShard(units []Unit, width int) time.Duration {
	if width < 1 {
		width = 1
	}
	var base time.Duration
	for _, u := range units {
		base = max(base, timeoutForDifficulty(u.Config.Difficulty))
	}
	rounds := (len(units) + width - 1) / width
	return base + time.Duration(rounds)*unitAllowance
}
