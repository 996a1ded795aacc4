package agent

import (
	"context"
	"sync"
	"time"

	"github.com/canonical/testflinger-go/internal/models"
)

// StopEvent names why a running command was killed early.
type StopEvent string

const (
	StopEventGlobalTimeout StopEvent = "global_timeout"
	StopEventOutputTimeout StopEvent = "output_timeout"
	StopEventCancelled     StopEvent = "cancelled"
	StopEventRecoveryFail  StopEvent = "recovery_fail"
)

// StopChecker is polled by the CommandRunner's supervisor loop. It reports a
// non-empty event and reason when the running command should be killed.
type StopChecker interface {
	Check(ctx context.Context) (event StopEvent, reason string, stop bool)
	// OnOutput is called whenever new output is drained, so checkers that
	// track output recency (OutputTimeout) can reset their clock.
	OnOutput()
}

// GlobalTimeoutChecker fires once the elapsed time since construction
// exceeds the configured limit. Registered for every phase except reserve.
type GlobalTimeoutChecker struct {
	start time.Time
	limit time.Duration
}

func NewGlobalTimeoutChecker(limit time.Duration) *GlobalTimeoutChecker {
	return &GlobalTimeoutChecker{start: time.Now(), limit: limit}
}

func (c *GlobalTimeoutChecker) Check(ctx context.Context) (StopEvent, string, bool) {
	if time.Since(c.start) > c.limit {
		return StopEventGlobalTimeout, "global timeout exceeded", true
	}
	return "", "", false
}

func (c *GlobalTimeoutChecker) OnOutput() {}

// OutputTimeoutChecker fires when no output has been seen for longer than
// the configured limit. Registered only for the test phase.
type OutputTimeoutChecker struct {
	mu         sync.Mutex
	lastOutput time.Time
	limit      time.Duration
}

func NewOutputTimeoutChecker(limit time.Duration) *OutputTimeoutChecker {
	return &OutputTimeoutChecker{lastOutput: time.Now(), limit: limit}
}

func (c *OutputTimeoutChecker) Check(ctx context.Context) (StopEvent, string, bool) {
	c.mu.Lock()
	last := c.lastOutput
	c.mu.Unlock()
	if time.Since(last) > c.limit {
		return StopEventOutputTimeout, "no output received within output_timeout", true
	}
	return "", "", false
}

func (c *OutputTimeoutChecker) OnOutput() {
	c.mu.Lock()
	c.lastOutput = time.Now()
	c.mu.Unlock()
}

// JobStatePoller is the subset of AgentClient a JobCancelledChecker needs.
type JobStatePoller interface {
	JobState(ctx context.Context, jobID string) (models.JobState, error)
}

// JobCancelledChecker polls the server's job state and fires when it has
// become cancelled. Registered in every phase except provision.
type JobCancelledChecker struct {
	client JobStatePoller
	jobID  string
}

func NewJobCancelledChecker(client JobStatePoller, jobID string) *JobCancelledChecker {
	return &JobCancelledChecker{client: client, jobID: jobID}
}

func (c *JobCancelledChecker) Check(ctx context.Context) (StopEvent, string, bool) {
	state, err := c.client.JobState(ctx, c.jobID)
	if err != nil {
		return "", "", false
	}
	if state == models.JobStateCancelled {
		return StopEventCancelled, "job cancelled by submitter", true
	}
	return "", "", false
}

func (c *JobCancelledChecker) OnOutput() {}

// effectiveGlobalTimeout applies the min(job, config, ceiling) selection.
func effectiveGlobalTimeout(jobSeconds, configSeconds int) time.Duration {
	return time.Duration(minPositive(jobSeconds, configSeconds, 14400)) * time.Second
}

// effectiveOutputTimeout applies the min(job, config, ceiling) selection.
func effectiveOutputTimeout(jobSeconds, configSeconds int) time.Duration {
	return time.Duration(minPositive(jobSeconds, configSeconds, 900)) * time.Second
}

func minPositive(values ...int) int {
	best := 0
	for _, v := range values {
		if v <= 0 {
			continue
		}
		if best == 0 || v < best {
			best = v
		}
	}
	return best
}
