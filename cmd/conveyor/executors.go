package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/xraph/conveyor/executor"
	"github.com/xraph/conveyor/job"
)

// Built-in executor names.
const (
	executorShell = "shell"
	executorSleep = "sleep"
	executorNoop  = "noop"
)

// maxOutput bounds the command output kept on a shell result or error.
const maxOutput = 4096

// ShellPayload runs Command through `sh -c`.
type ShellPayload struct {
	Command string   `json:"command"`
	Env     []string `json:"env,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

// SleepPayload waits for Duration, e.g. {"duration":"2s"}.
type SleepPayload struct {
	Duration string `json:"duration"`
}

// builtinExecutors returns the executors `conveyor run` registers.
func builtinExecutors(shellTimeout time.Duration) []executor.Executor {
	return []executor.Executor{
		executor.NewFunc(executorShell, runShell, executor.WithTimeout(shellTimeout)),
		executor.NewDefinition(executorSleep, runSleep).Executor(),
		executor.NewFunc(executorNoop, func(context.Context, *job.Job) (executor.Result, error) {
			return executor.Result{}, nil
		}),
	}
}

func runShell(ctx context.Context, j *job.Job) (executor.Result, error) {
	var p ShellPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return executor.Result{}, fmt.Errorf("decode shell payload: %w", err)
	}
	if strings.TrimSpace(p.Command) == "" {
		return executor.Result{}, fmt.Errorf("shell payload has no command")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Dir = p.Dir
	if len(p.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.Env...)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if tail := strings.TrimSpace(truncate(out.String())); tail != "" {
			return executor.Result{}, fmt.Errorf("%w: %s", err, tail)
		}
		return executor.Result{}, err
	}
	return executor.Result{Output: []byte(truncate(out.String()))}, nil
}

func runSleep(ctx context.Context, p SleepPayload) error {
	d, err := time.ParseDuration(p.Duration)
	if err != nil {
		return fmt.Errorf("decode sleep duration: %w", err)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// truncate keeps the last maxOutput bytes of s.
func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}
