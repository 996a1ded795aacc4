package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
)

const defaultOutputPollingInterval = 10 * time.Second

// OutputHandler receives drained subprocess output. Registered handlers fan
// out: a file appender and a live poster are the two used by PhaseEngine.
type OutputHandler interface {
	HandleOutput(chunk string) error
}

// FileOutputHandler appends phase output to <rundir>/<phase>.log.
type FileOutputHandler struct {
	f *os.File
}

// NewFileOutputHandler opens (creating if needed) the phase log file.
func NewFileOutputHandler(path string) (*FileOutputHandler, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open phase log %s: %w", path, err)
	}
	return &FileOutputHandler{f: f}, nil
}

func (h *FileOutputHandler) HandleOutput(chunk string) error {
	_, err := h.f.WriteString(chunk)
	return err
}

// Close closes the underlying file.
func (h *FileOutputHandler) Close() error { return h.f.Close() }

// LivePostHandler streams fragments to the dispatch server as they arrive,
// tagging each with a monotonically increasing fragment number.
type LivePostHandler struct {
	client   *Client
	jobID    string
	phase    string
	logType  string
	fragment int
}

func NewLivePostHandler(client *Client, jobID, phase, logType string) *LivePostHandler {
	return &LivePostHandler{client: client, jobID: jobID, phase: phase, logType: logType}
}

func (h *LivePostHandler) HandleOutput(chunk string) error {
	h.fragment++
	fragment := models.LogFragment{
		JobID:          h.jobID,
		LogType:        models.LogType(h.logType),
		Phase:          h.phase,
		FragmentNumber: h.fragment,
		Timestamp:      time.Now(),
		LogData:        chunk,
	}
	return h.client.PostOutput(context.Background(), h.jobID, h.phase, fragment)
}

// CommandRunner spawns a phase's shell command, drains its combined
// stdout/stderr on a polling cadence, fans output out to registered
// handlers, and evaluates stop conditions between drains.
type CommandRunner struct {
	workDir               string
	env                   []string
	outputHandlers        []OutputHandler
	stopCheckers          []StopChecker
	outputPollingInterval time.Duration
	logger                *common.Logger
}

// NewCommandRunner builds a runner for one phase invocation.
func NewCommandRunner(workDir string, env []string, handlers []OutputHandler, checkers []StopChecker, logger *common.Logger) *CommandRunner {
	return &CommandRunner{
		workDir:               workDir,
		env:                   env,
		outputHandlers:        handlers,
		stopCheckers:          checkers,
		outputPollingInterval: defaultOutputPollingInterval,
		logger:                logger,
	}
}

// RunResult is the outcome of a command invocation.
type RunResult struct {
	ExitCode   int
	ExitEvent  StopEvent
	ExitReason string
}

// Run executes command in a shell, polling for output and stop conditions
// until it exits or a stop condition fires. ctx cancellation (SIGTERM
// forwarded by the caller) kills the subprocess immediately.
func (r *CommandRunner) Run(ctx context.Context, command string) (RunResult, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = r.workDir
	cmd.Env = r.env

	pr, pw, err := os.Pipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return RunResult{}, fmt.Errorf("failed to start command: %w", err)
	}

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text() + "\n"
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		pw.Close()
	}()

	ticker := time.NewTicker(r.outputPollingInterval)
	defer ticker.Stop()

	var waitErr error
	var killed bool
	var result RunResult

	drain := func() {
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				r.fanOut(line)
			default:
				return
			}
		}
	}

loop:
	for {
		select {
		case <-ctx.Done():
			killProcess(cmd)
			killed = true
			<-done
			break loop

		case waitErr = <-done:
			break loop

		case <-ticker.C:
			drain()
			if event, reason, stop := r.checkStops(ctx); stop {
				r.fanOut(reason + "\n")
				killProcess(cmd)
				killed = true
				waitErr = <-done
				result.ExitEvent = event
				result.ExitReason = reason
				break loop
			}
		}
	}

	drain()
	pr.Close()

	if killed && result.ExitEvent == "" {
		result.ExitEvent = StopEventCancelled
		result.ExitReason = "command killed"
	}

	result.ExitCode = exitCode(waitErr)
	if result.ExitReason == "" {
		if result.ExitCode == 0 {
			result.ExitReason = "Normal exit"
		} else {
			result.ExitReason = fmt.Sprintf("Unknown error rc=%d", result.ExitCode)
		}
	}

	return result, nil
}

func (r *CommandRunner) fanOut(chunk string) {
	for _, c := range r.stopCheckers {
		c.OnOutput()
	}
	for _, h := range r.outputHandlers {
		if err := h.HandleOutput(chunk); err != nil && r.logger != nil {
			r.logger.Warn().Err(err).Msg("output handler failed")
		}
	}
}

func (r *CommandRunner) checkStops(ctx context.Context) (StopEvent, string, bool) {
	for _, c := range r.stopCheckers {
		if event, reason, stop := c.Check(ctx); stop {
			return event, reason, true
		}
	}
	return "", "", false
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// exitCode extracts a normalized exit code from cmd.Wait's error: the raw
// return code taken modulo 256 into 0..255. A death by signal counts as the
// negated signal number, so SIGKILL (-9) reads back as 247.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = -int(ws.Signal())
		}
		return ((code % 256) + 256) % 256
	}
	return -1
}
