package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/toolsweep/internal/docker"
	"github.com/signalnine/toolsweep/internal/result"
)

const (
	outMount   = "/out"
	reportFile = "result.json"
)

// ContainerRunner is the subset of docker.Runner the executor needs.
type ContainerRunner interface {
	RunContainer(ctx context.Context, opts *docker.RunOpts) (*docker.RunResult, error)
}

// Container runs every instance in a fresh container. The container
// writes its report to $TOOLSWEEP_RESULT_PATH inside a bind-mounted
// scratch directory.
type Container struct {
	Runner      ContainerRunner
	Image       string
	Command     []string
	Env         map[string]string
	Timeout     time.Duration
	CPULimit    float64
	MemoryLimit int64

	// ScratchDir holds per-instance output directories; empty means the
	// system temp directory.
	ScratchDir string
	Secrets    Secrets
	Logger     *zap.Logger
}

func (c *Container) Execute(ctx context.Context, cfg result.TestConfig, instance int) (result.ResultRecord, error) {
	outDir, err := os.MkdirTemp(c.ScratchDir, "toolsweep-unit-*")
	if err != nil {
		return result.ResultRecord{}, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(outDir)
	// The container may run as another user.
	if err := os.Chmod(outDir, 0o777); err != nil {
		return result.ResultRecord{}, fmt.Errorf("preparing scratch dir: %w", err)
	}

	env := maps.Clone(c.Env)
	if env == nil {
		env = map[string]string{}
	}
	maps.Copy(env, unitEnv(ctx, cfg, instance, c.Secrets))
	env["TOOLSWEEP_RESULT_PATH"] = outMount + "/" + reportFile

	res, err := c.Runner.RunContainer(ctx, &docker.RunOpts{
		Image:       c.Image,
		Command:     c.Command,
		Env:         env,
		Timeout:     c.Timeout,
		Mounts:      []docker.Mount{{Source: outDir, Target: outMount}},
		CPULimit:    c.CPULimit,
		MemoryLimit: c.MemoryLimit,
	})
	if err != nil {
		return result.ResultRecord{}, fmt.Errorf("running container: %w", err)
	}
	if ctx.Err() != nil {
		return result.ResultRecord{}, fmt.Errorf("executor interrupted: %w", ctx.Err())
	}

	data, err := os.ReadFile(filepath.Join(outDir, reportFile))
	switch {
	case err == nil && !res.TimedOut:
		rec, derr := decodeReport(data, cfg, res.Duration)
		if derr == nil {
			return rec, nil
		}
		err = derr
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return result.ResultRecord{}, fmt.Errorf("reading container report: %w", err)
	default:
		err = errNoReport
	}
	if c.Logger != nil {
		c.Logger.Debug("container exited without usable report",
			zap.String("reason", ExitReasonFromCode(res.ExitCode, res.TimedOut)),
			zap.Int("exit_code", res.ExitCode),
			zap.String("logs", res.Logs),
			zap.Error(err))
	}
	if res.ExitCode == ExitCompleted && !res.TimedOut {
		return result.ResultRecord{}, err
	}
	return outcomeFor(cfg, res.ExitCode, res.TimedOut, res.Duration, err)
}
