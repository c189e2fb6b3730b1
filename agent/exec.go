package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/AmeliaRose802/overseer/tracker"
)

// ProgramRunner invokes an external agent program inside the workspace. The
// program receives the task prompt on argv and works against the workspace
// checkout; exit code zero means success.
type ProgramRunner struct {
	Program string
	Args    []string
}

// NewProgramRunner creates a Runner around the given program.
func NewProgramRunner(program string, args ...string) *ProgramRunner {
	return &ProgramRunner{Program: program, Args: args}
}

// Run executes the program and waits for it to finish or the context to
// expire.
func (r *ProgramRunner) Run(ctx context.Context, task tracker.Task, workspacePath string) (RunResult, error) {
	args := append([]string(nil), r.Args...)
	args = append(args, "-p", buildPrompt(task))

	cmd := exec.CommandContext(ctx, r.Program, args...)
	cmd.Dir = workspacePath
	cmd.Env = os.Environ()

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return RunResult{Output: output.String()}, fmt.Errorf("agent program interrupted: %w", ctx.Err())
		}
		if _, ok := err.(*exec.ExitError); ok {
			return RunResult{Success: false, Output: output.String()}, nil
		}
		return RunResult{Output: output.String()}, fmt.Errorf("run agent program: %w", err)
	}

	return RunResult{Success: true, Output: output.String()}, nil
}

func buildPrompt(task tracker.Task) string {
	return fmt.Sprintf("Task ID: %s\nTitle: %s\n\nWork this task to completion, then commit your changes.", task.ID, task.Title)
}
