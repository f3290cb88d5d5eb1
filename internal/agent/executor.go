package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/wardenhq/warden/internal/protocol"
)

const defaultExecTimeout = 30 * time.Second

// Executor runs operator command lines through the platform shell and
// captures their output. Exit status is not part of the wire format; a
// failing command reports through its stderr.
type Executor struct {
	timeout time.Duration
}

func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	return &Executor{timeout: timeout}
}

// Execute runs one command line and returns its captured output. A command
// that outlives the timeout is killed and reported via stderr.
func (e *Executor) Execute(ctx context.Context, text string) protocol.Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", text)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", text)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := protocol.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Stderr += fmt.Sprintf("\n[command killed after %s timeout]", e.timeout)
	case err != nil:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			res.Stderr += fmt.Sprintf("\n[failed to run command: %v]", err)
		}
	}

	return res
}
