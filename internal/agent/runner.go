// Package agent runs coding-agent subprocesses against a prepared worktree.
package agent

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cloud-shuttle/outrider/pkg/types"
)

// Result contains the outcome of one agent invocation.
type Result struct {
	Success  bool
	Output   string
	ExitCode int
	Duration time.Duration
	Err      error
}

// Runner executes one coding agent binary at a time. It remembers the live
// process so a forced shutdown can escalate from SIGTERM to SIGKILL.
type Runner struct {
	path    string
	kind    string
	timeout time.Duration
	grace   time.Duration
	verbose bool

	mu      sync.Mutex
	running *exec.Cmd
}

// NewRunner creates a runner for the given agent binary.
// kind selects the CLI dialect: "claude", "codex", "amp" or "opencode".
func NewRunner(path, kind string, timeout, grace time.Duration) *Runner {
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	if grace == 0 {
		grace = 10 * time.Second
	}
	return &Runner{path: path, kind: kind, timeout: timeout, grace: grace}
}

// SetVerbose enables or disables verbose logging
func (r *Runner) SetVerbose(v bool) {
	r.verbose = v
}

// CheckInstalled verifies the agent binary is available.
func (r *Runner) CheckInstalled() error {
	cmd := exec.Command(r.path, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("agent binary not found at %s: %w\n%s", r.path, err, output)
	}
	return nil
}

// Run executes the agent in dir with a prompt built from the task. Cancelling
// ctx sends SIGTERM first and escalates to SIGKILL after the grace period.
func (r *Runner) Run(ctx context.Context, dir string, task *types.Task) *Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prompt := BuildPrompt(task)
	cmd := exec.CommandContext(ctx, r.path, r.args(prompt)...)
	cmd.Dir = dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.grace

	// Stream to the console while capturing for the completion report.
	var buf strings.Builder
	cmd.Stdout = io.MultiWriter(os.Stdout, &buf)
	cmd.Stderr = io.MultiWriter(os.Stderr, &buf)

	if r.verbose {
		log.Printf("🤖 Running %s agent in %s (prompt %d chars)", r.kind, dir, len(prompt))
	}

	r.mu.Lock()
	r.running = cmd
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = nil
		r.mu.Unlock()
	}()

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	res := &Result{Output: buf.String(), Duration: duration}
	if err != nil {
		res.ExitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() == context.DeadlineExceeded {
			res.Err = fmt.Errorf("agent timed out after %v", duration)
		} else {
			res.Err = fmt.Errorf("agent failed after %v: %w", duration, err)
		}
		return res
	}

	res.Success = true
	if r.verbose {
		log.Printf("✅ Agent completed in %v", duration)
	}
	return res
}

// Kill forcibly terminates the running agent, if any. Used as the second
// shutdown signal when the operator will not wait for the grace period.
func (r *Runner) Kill() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running != nil && r.running.Process != nil {
		log.Printf("🛑 Forcibly killing agent process %d", r.running.Process.Pid)
		_ = r.running.Process.Kill()
	}
}

// args builds the non-interactive invocation for each supported CLI dialect.
func (r *Runner) args(prompt string) []string {
	switch r.kind {
	case "codex":
		return []string{"exec", "--full-auto", prompt}
	case "amp":
		return []string{"-x", prompt}
	case "opencode":
		return []string{"run", prompt}
	default: // claude
		return []string{"-p", prompt, "--dangerously-skip-permissions"}
	}
}

// BuildPrompt renders the task into the instruction given to the agent.
func BuildPrompt(task *types.Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if body := strings.TrimSpace(task.Body); body != "" {
		fmt.Fprintf(&b, "\n%s\n", body)
	}
	if task.Plan != nil && len(task.Plan.Goals) > 0 {
		b.WriteString("\nApproved plan:\n")
		for _, goal := range task.Plan.Goals {
			fmt.Fprintf(&b, "- %s\n", goal)
		}
	}
	b.WriteString("\nPlease implement this task completely, then commit nothing: the orchestrator commits for you.")
	return b.String()
}
