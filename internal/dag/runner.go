package dag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"gateline/internal/domain"
)

// Runner performs one work item. A returned error fails the item.
type Runner interface {
	Run(ctx context.Context, item domain.WorkItem) error
}

type RunnerFunc func(ctx context.Context, item domain.WorkItem) error

func (f RunnerFunc) Run(ctx context.Context, item domain.WorkItem) error { return f(ctx, item) }

// ShellRunner runs an item's action command, then its verify command, through
// a shell in Dir. The action command is read from action.run.
type ShellRunner struct {
	Dir     string
	Shell   string
	Env     []string
	Timeout time.Duration
}

const maxErrOutput = 2000

func (r ShellRunner) Run(ctx context.Context, item domain.WorkItem) error {
	if cmd, _ := item.Action["run"].(string); strings.TrimSpace(cmd) != "" {
		if err := r.exec(ctx, cmd); err != nil {
			return fmt.Errorf("action: %w", err)
		}
	}
	if strings.TrimSpace(item.Verify) != "" {
		if err := r.exec(ctx, item.Verify); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
	}
	return nil
}

func (r ShellRunner) exec(ctx context.Context, command string) error {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, shell, "-c", command)
	c.Dir = r.Dir
	if len(r.Env) > 0 {
		c.Env = append(c.Environ(), r.Env...)
	}
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out
	if err := c.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%q timed out after %s", command, timeout)
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return fmt.Errorf("%q exited with code %d: %s", command, ee.ExitCode(), tail(out.String()))
		}
		return err
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrOutput {
		return s[len(s)-maxErrOutput:]
	}
	return s
}
