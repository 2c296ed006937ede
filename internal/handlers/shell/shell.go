// Package shell implements the "shell" action: run a local command and
// report its output.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"agentflow/internal/worker"
)

type Shell struct{}

// Cmd is the parameter shape of a shell task.
type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
}

func (h Shell) Handle(ctx context.Context, params worker.Parameters) (worker.Result, error) {
	var c Cmd
	if err := params.Decode(&c); err != nil {
		return nil, fmt.Errorf("invalid shell parameters: %w", err)
	}
	if c.Command == "" {
		return nil, errors.New("command is required")
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := worker.Result{
		"output":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	}
	if runErr != nil {
		return res, fmt.Errorf("%s exited: %w; stderr=%s", c.Command, runErr, stderr.String())
	}
	return res, nil
}
