// Package localexec runs an allow-listed agent CLI as a local child process per task.
package localexec

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/sleepless/internal/connectors"
	"github.com/fentz26/sleepless/internal/models"
	"github.com/google/uuid"
)

// Config describes the agent command.
type Config struct {
	// Command is the agent binary, e.g. "claude".
	Command string `yaml:"command"`
	// Args are passed before the prompt. "{prompt}" and "{task_id}" are
	// substituted; if no argument contains "{prompt}" the prompt is appended.
	Args []string `yaml:"args"`
	// ResumeArgs replace Args when continuing an interrupted session. Empty
	// means resume is unsupported.
	ResumeArgs []string `yaml:"resume_args"`
	// Allowed lists the binaries that may be run.
	Allowed []string `yaml:"allowed"`
	// WorkDir is the working directory of the agent process.
	WorkDir string `yaml:"work_dir"`
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() *Config {
	return &Config{
		Command:    "claude",
		Args:       []string{"-p", "{prompt}", "--output-format", "stream-json"},
		ResumeArgs: []string{"--continue", "-p", "{prompt}", "--output-format", "stream-json"},
		Allowed:    []string{"claude", "codex", "aider"},
	}
}

// Validate checks the command is allowed.
func (c *Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("agent command is required")
	}
	if !isAllowed(c.Allowed, c.Command) {
		return fmt.Errorf("agent command %q is not in the allowlist", c.Command)
	}
	return nil
}

// controlLine is the JSON the agent may print to report usage or a pause.
type controlLine struct {
	Usage *struct {
		Tokens int64   `json:"tokens"`
		Cost   float64 `json:"cost"`
	} `json:"usage"`
	Pause *struct {
		Reason      string     `json:"reason"`
		ResumeAfter *time.Time `json:"resume_after"`
	} `json:"pause"`
}

// LocalExec implements connectors.Executor and connectors.Resumer.
type LocalExec struct {
	config *Config

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a new LocalExec connector.
func New(cfg *Config) (*LocalExec, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LocalExec{config: cfg, running: make(map[string]context.CancelFunc)}, nil
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string) bool {
	return isAllowed(l.config.Allowed, cmd)
}

func isAllowed(allowed []string, cmd string) bool {
	base := filepath.Base(cmd)
	for _, a := range allowed {
		if a == cmd || a == base {
			return true
		}
	}
	return false
}

// Dispatch starts the agent for task. The process outlives ctx; use Cancel to stop it.
func (l *LocalExec) Dispatch(ctx context.Context, task *models.Task, r connectors.Reporter) (connectors.Handle, error) {
	return l.start(task, l.config.Args, r)
}

// Resume continues an interrupted session using ResumeArgs.
func (l *LocalExec) Resume(ctx context.Context, task *models.Task, r connectors.Reporter) (connectors.Handle, error) {
	if len(l.config.ResumeArgs) == 0 {
		return connectors.Handle{}, connectors.ErrResumeUnsupported
	}
	return l.start(task, l.config.ResumeArgs, r)
}

// Cancel stops a running execution.
func (l *LocalExec) Cancel(h connectors.Handle) error {
	l.mu.Lock()
	cancel, ok := l.running[h.ID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("execution %s is not running", h.ID)
	}
	cancel()
	return nil
}

// Running returns the number of live executions.
func (l *LocalExec) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running)
}

func (l *LocalExec) start(task *models.Task, argTemplate []string, r connectors.Reporter) (connectors.Handle, error) {
	if !l.IsAllowed(l.config.Command) {
		return connectors.Handle{}, fmt.Errorf("command not allowed: %s", l.config.Command)
	}

	execCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(execCtx, l.config.Command, buildArgs(argTemplate, task)...)
	if l.config.WorkDir != "" {
		cmd.Dir = l.config.WorkDir
	}
	killGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return connectors.Handle{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return connectors.Handle{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return connectors.Handle{}, fmt.Errorf("start %s: %w", l.config.Command, err)
	}

	h := connectors.Handle{ID: uuid.New().String(), TaskID: task.ID}
	l.mu.Lock()
	l.running[h.ID] = cancel
	l.mu.Unlock()

	go l.wait(execCtx, cmd, h, stdout, stderr, r)
	return h, nil
}

func (l *LocalExec) wait(ctx context.Context, cmd *exec.Cmd, h connectors.Handle, stdout, stderr io.Reader, r connectors.Reporter) {
	defer func() {
		l.mu.Lock()
		cancel := l.running[h.ID]
		delete(l.running, h.ID)
		l.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	var (
		wg        sync.WaitGroup
		pause     *connectors.Result
		lastError string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		pause = scanStdout(h.TaskID, stdout, r)
	}()
	go func() {
		defer wg.Done()
		readLines(stderr, func(line string) {
			if strings.TrimSpace(line) != "" {
				lastError = line
			}
			r.OnTaskOutput(h.TaskID, "stderr", line)
		})
	}()
	wg.Wait()
	err := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		r.OnTaskComplete(h.TaskID, connectors.Result{Status: models.TaskStatusCancelled, ExitCode: -1}, nil)
	case pause != nil:
		r.OnTaskComplete(h.TaskID, *pause, nil)
	case err == nil:
		r.OnTaskComplete(h.TaskID, connectors.Result{Status: models.TaskStatusCompleted}, nil)
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			r.OnTaskComplete(h.TaskID, connectors.Result{}, fmt.Errorf("exec error: %w", err))
			return
		}
		reason := fmt.Sprintf("agent exited with status %d", exitErr.ExitCode())
		if lastError != "" {
			reason += ": " + lastError
		}
		r.OnTaskComplete(h.TaskID, connectors.Result{
			Status:        models.TaskStatusFailed,
			ExitCode:      exitErr.ExitCode(),
			FailureReason: reason,
		}, nil)
	}
}

// scanStdout forwards output lines and interprets control lines. It returns
// a paused result if the agent asked to pause.
func scanStdout(taskID string, stdout io.Reader, r connectors.Reporter) *connectors.Result {
	var pause *connectors.Result
	readLines(stdout, func(line string) {
		ctl, ok := parseControl(line)
		if !ok {
			r.OnTaskOutput(taskID, "stdout", line)
			return
		}
		if ctl.Usage != nil {
			r.OnTaskUsage(taskID, ctl.Usage.Tokens, ctl.Usage.Cost)
		}
		if ctl.Pause != nil {
			reason := models.PauseReason(ctl.Pause.Reason)
			if !reason.Resumable() {
				reason = models.PauseReasonUsageLimit
			}
			pause = &connectors.Result{
				Status:      models.TaskStatusPaused,
				PauseReason: reason,
				ResumeAfter: ctl.Pause.ResumeAfter,
			}
		}
	})
	return pause
}

// maxLineBytes caps a single output line. The remainder of a longer line is
// read and dropped so the agent never blocks on a full pipe.
const maxLineBytes = 1 << 20

// readLines calls fn for every line of r until EOF or a read error.
func readLines(r io.Reader, fn func(line string)) {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		buf       []byte
		truncated bool
	)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 && !truncated {
			if room := maxLineBytes - len(buf); len(chunk) > room {
				chunk = chunk[:room]
				truncated = true
			}
			buf = append(buf, chunk...)
		}
		if err != nil {
			if len(buf) > 0 {
				fn(string(buf))
			}
			if !errors.Is(err, io.EOF) {
				// Keep the writer unblocked even if we stop parsing.
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
		if isPrefix {
			continue
		}
		fn(string(buf))
		buf = buf[:0]
		truncated = false
	}
}

func parseControl(line string) (controlLine, bool) {
	var ctl controlLine
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return ctl, false
	}
	if err := json.Unmarshal([]byte(trimmed), &ctl); err != nil {
		return ctl, false
	}
	return ctl, ctl.Usage != nil || ctl.Pause != nil
}

func buildArgs(template []string, task *models.Task) []string {
	prompt := task.Title
	if task.Description != "" {
		prompt += "\n\n" + task.Description
	}
	args := make([]string, 0, len(template)+1)
	hasPrompt := false
	for _, a := range template {
		if strings.Contains(a, "{prompt}") {
			hasPrompt = true
		}
		a = strings.ReplaceAll(a, "{prompt}", prompt)
		a = strings.ReplaceAll(a, "{task_id}", task.ID)
		args = append(args, a)
	}
	if !hasPrompt {
		args = append(args, prompt)
	}
	return args
}
