package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/toolsweep/internal/credential"
	"github.com/signalnine/toolsweep/internal/retry"
	"github.com/signalnine/toolsweep/internal/runner"
	"github.com/signalnine/toolsweep/internal/storage"
)

type Config struct {
	Sweep       runner.SweepRequest     `yaml:"sweep"`
	Credentials []credential.Credential `yaml:"credentials"`
	Classes     map[string]int          `yaml:"classes"`
	Scheduler   Scheduler               `yaml:"scheduler"`
	Storage     Storage                 `yaml:"storage"`
	Executor    Executor                `yaml:"executor"`
	Secrets     Secrets                 `yaml:"secrets"`
	Metrics     Metrics                 `yaml:"metrics"`
}

type Scheduler struct {
	MaxConcurrencyPerCredential int `yaml:"max_concurrency_per_credential"`
	// ShardTimeout of zero derives the deadline from the shard's difficulty.
	ShardTimeout time.Duration `yaml:"shard_timeout"`
	UnitTimeout  time.Duration `yaml:"unit_timeout"`
	Retry        retry.Policy  `yaml:"retry"`
}

type Storage struct {
	Dir           string         `yaml:"dir"`
	Primary       storage.Format `yaml:"primary"`
	FlushInterval time.Duration  `yaml:"flush_interval"`
	Retry         retry.Policy   `yaml:"retry"`
}

const (
	ExecutorCommand = "command"
	ExecutorDocker  = "docker"
)

type Executor struct {
	Kind        string            `yaml:"kind"`
	Command     []string          `yaml:"command"`
	Image       string            `yaml:"image"`
	Env         map[string]string `yaml:"env"`
	Timeout     time.Duration     `yaml:"timeout"`
	CPULimit    float64           `yaml:"cpu_limit"`
	MemoryLimit int64             `yaml:"memory_limit"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	// Relative paths in the file are relative to the file.
	base := filepath.Dir(path)
	cfg.Storage.Dir = resolve(base, cfg.Storage.Dir)
	if cfg.Secrets.EnvFile != "" {
		cfg.Secrets.EnvFile = resolve(base, cfg.Secrets.EnvFile)
	}
	return &cfg, nil
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func validate(cfg *Config) error {
	if cfg.Sweep.InstancesPerConfig == 0 {
		cfg.Sweep.InstancesPerConfig = 1
	}
	if err := cfg.Sweep.Validate(); err != nil {
		return err
	}
	if len(cfg.Credentials) == 0 {
		return fmt.Errorf("no credentials defined")
	}
	// The pool repeats these checks; failing here names the config file.
	seen := make(map[int]bool, len(cfg.Credentials))
	for i, c := range cfg.Credentials {
		if c.ID < 0 {
			return fmt.Errorf("credential %d: id must not be negative", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("credential %d: duplicate id %d", i, c.ID)
		}
		seen[c.ID] = true
		if c.RequestsPerSecond < 0 {
			return fmt.Errorf("credential %d: requests_per_second must not be negative", c.ID)
		}
	}
	for class, id := range cfg.Classes {
		if !seen[id] {
			return fmt.Errorf("class %q: unknown credential %d", class, id)
		}
	}

	s := &cfg.Scheduler
	if s.MaxConcurrencyPerCredential == 0 {
		s.MaxConcurrencyPerCredential = 1
	}
	if s.MaxConcurrencyPerCredential < 0 {
		return fmt.Errorf("scheduler: max_concurrency_per_credential must be positive")
	}
	if s.ShardTimeout < 0 || s.UnitTimeout < 0 {
		return fmt.Errorf("scheduler: timeouts must not be negative")
	}

	st := &cfg.Storage
	if st.Dir == "" {
		st.Dir = "results"
	}
	if st.Primary == "" {
		st.Primary = storage.Hierarchical
	}
	if _, err := storage.ParseFormat(string(st.Primary)); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if st.FlushInterval == 0 {
		st.FlushInterval = 30 * time.Second
	}
	if st.FlushInterval < 0 {
		return fmt.Errorf("storage: flush_interval must not be negative")
	}

	e := &cfg.Executor
	if e.Kind == "" {
		e.Kind = ExecutorCommand
	}
	switch e.Kind {
	case ExecutorCommand:
		if len(e.Command) == 0 {
			return fmt.Errorf("executor: command is required for kind %q", e.Kind)
		}
	case ExecutorDocker:
		if e.Image == "" {
			return fmt.Errorf("executor: image is required for kind %q", e.Kind)
		}
	default:
		return fmt.Errorf("executor: unknown kind %q", e.Kind)
	}
	if e.Timeout == 0 {
		e.Timeout = 10 * time.Minute
	}
	return nil
}

// SchedulerOptions translates the scheduler section.
func (c *Config) SchedulerOptions() runner.Options {
	return runner.Options{
		MaxConcurrencyPerCredential: c.Scheduler.MaxConcurrencyPerCredential,
		ShardTimeout:                c.Scheduler.ShardTimeout,
		UnitTimeout:                 c.Scheduler.UnitTimeout,
		Retry:                       c.Scheduler.Retry,
	}
}
