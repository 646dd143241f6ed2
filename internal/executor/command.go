package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/toolsweep/internal/result"
)

// Command runs a local program per instance. The program reads its
// configuration from TOOLSWEEP_* variables and prints its report as the
// last line of stdout.
type Command struct {
	Argv []string
	Env  map[string]string
	// Timeout bounds a single run; zero leaves it to the caller's context.
	Timeout time.Duration
	Secrets Secrets
	Logger  *zap.Logger
}

func (c *Command) Execute(ctx context.Context, cfg result.TestConfig, instance int) (result.ResultRecord, error) {
	if len(c.Argv) == 0 {
		return result.ResultRecord{}, fmt.Errorf("%w: empty command", errNoReport)
	}
	env := maps.Clone(c.Env)
	if env == nil {
		env = map[string]string{}
	}
	maps.Copy(env, unitEnv(ctx, cfg, instance, c.Secrets))
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return result.ResultRecord{}, fmt.Errorf("executor interrupted: %w", ctx.Err())
	}
	code := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(runErr, &exitErr):
		code = exitErr.ExitCode()
	case runErr != nil:
		return result.ResultRecord{}, fmt.Errorf("%w: starting %s: %w", errNoReport, c.Argv[0], runErr)
	}

	if line := lastLine(stdout.Bytes()); len(line) > 0 {
		rec, err := decodeReport(line, cfg, elapsed)
		if err == nil {
			return rec, nil
		}
		if code == ExitCompleted {
			return result.ResultRecord{}, err
		}
	}
	if c.Logger != nil {
		c.Logger.Debug("executor exited without report",
			zap.Int("exit_code", code),
			zap.ByteString("stderr", tailBytes(stderr.Bytes(), 2048)))
	}
	if code == ExitCompleted {
		return result.ResultRecord{}, errNoReport
	}
	return outcomeFor(cfg, code, code == ExitTimeout, elapsed, errNoReport)
}

func lastLine(data []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	return bytes.TrimSpace(lines[len(lines)-1])
}

func tailBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
