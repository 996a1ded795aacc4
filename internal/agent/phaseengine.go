package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
)

// recoveryFailExitCode is the sentinel a provision command returns to signal
// that recovery failed and the agent must go offline rather than continue.
const recoveryFailExitCode = 46

// outcomeFileName is the job outcome document a run directory carries
// across a failed transmit attempt, so it can be retried after a restart.
const outcomeFileName = "testflinger-outcome.json"

// phaseSequence is the fixed phase order a popped job is driven through.
var phaseSequence = []string{"setup", "provision", "firmware_update", "test", "allocate", "reserve"}

// PhaseEngine is the single-threaded cooperative loop driving one agent
// process: pop a job, run it through the phase sequence, report the
// outcome, repeat. Start/Stop mirror a supervised-goroutine pool adapted
// to a single dispatch loop per process.
type PhaseEngine struct {
	cfg    *Config
	client *Client
	status *StatusHandler
	logger *common.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPhaseEngine constructs an engine ready to Start.
func NewPhaseEngine(cfg *Config, client *Client, status *StatusHandler, logger *common.Logger) *PhaseEngine {
	return &PhaseEngine{
		cfg:    cfg,
		client: client,
		status: status,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start launches the dispatch loop in its own goroutine, recovering panics
// so a single bad job can't take down the agent process.
func (e *PhaseEngine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.safeRun(ctx)
}

// Stop signals the loop to exit after its current job and waits for it.
func (e *PhaseEngine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *PhaseEngine) safeRun(ctx context.Context) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic in phase engine loop")
		}
	}()
	e.run(ctx)
}

func (e *PhaseEngine) run(ctx context.Context) {
	e.postInitialAgentData(ctx)
	e.retryOldResults(ctx)

	ticker := time.NewTicker(e.cfg.PollingIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
		}

		e.retryOldResults(ctx)

		needsRestart, needsOffline, comment := e.status.Snapshot()
		if needsOffline || needsRestart {
			e.logger.Info().Bool("offline", needsOffline).Bool("restart", needsRestart).Str("comment", comment).Msg("agent transitioning, deferring job pop")
			if needsOffline {
				continue
			}
		}

		job, err := e.client.PopJob(ctx, e.cfg.JobQueues)
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to poll for job")
			continue
		}
		if job == nil {
			continue
		}

		e.runJob(ctx, job)

		if needsRestart {
			e.status.ClearRestart()
			return
		}
	}
}

// postInitialAgentData posts this agent's advertised queue descriptions and
// image catalogs once at startup, if configured. Operators use this to steer
// job routing without editing queue records by hand.
func (e *PhaseEngine) postInitialAgentData(ctx context.Context) {
	if len(e.cfg.AdvertisedQueues) > 0 {
		if err := e.client.PostAdvertisedQueues(ctx, e.cfg.AdvertisedQueues); err != nil {
			e.logger.Warn().Err(err).Msg("failed to post advertised queues")
		}
	}
	if len(e.cfg.AdvertisedImages) > 0 {
		if err := e.client.PostAdvertisedImages(ctx, e.cfg.AdvertisedImages); err != nil {
			e.logger.Warn().Err(err).Msg("failed to post advertised images")
		}
	}
}

// jobRundir returns the run directory for a job, creating it if needed.
func (e *PhaseEngine) jobRundir(jobID string) (string, error) {
	dir := filepath.Join(e.cfg.ExecutionBaseDir, jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	return dir, nil
}

// runJob drives one job through the fixed phase sequence, always running
// cleanup afterward regardless of how the loop exited.
func (e *PhaseEngine) runJob(ctx context.Context, job *models.Job) {
	jobID := job.JobID.String()
	rundir, err := e.jobRundir(jobID)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to prepare run directory")
		return
	}

	result := &models.ResultDocument{Status: map[string]int{}}
	var events []string
	emit := func(event string) {
		events = append(events, event)
		if err := e.client.PostJobEvent(ctx, jobID, map[string]interface{}{"event": event}); err != nil {
			e.logger.Debug().Err(err).Str("job_id", jobID).Str("event", event).Msg("status webhook relay failed")
		}
	}

	globalTimeout := effectiveGlobalTimeout(job.GlobalTimeout, e.cfg.GlobalTimeout)
	outputTimeout := effectiveOutputTimeout(job.OutputTimeout, e.cfg.OutputTimeout)

	defer func() {
		e.runPhase(ctx, job, rundir, "cleanup", result, emit, globalTimeout, outputTimeout)
		emit("job_end")
		result.Events = events
		result.JobState = models.JobStateComplete

		e.uploadArtifacts(ctx, jobID, rundir)
		e.transmitOutcome(ctx, jobID, rundir, result)

		_ = e.client.WaitForServerConnectivity(ctx)
		if err := e.client.UpdateJobState(ctx, jobID, models.JobStateComplete); err != nil {
			e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to report job completion")
		}
	}()

phaseLoop:
	for _, phase := range phaseSequence {
		state, err := e.client.JobState(ctx, jobID)
		if err == nil && state == models.JobStateCancelled {
			emit("cancelled")
			result.JobState = models.JobStateCancelled
			break phaseLoop
		}

		exitCode, recovered := e.runPhase(ctx, job, rundir, phase, result, emit, globalTimeout, outputTimeout)
		result.JobState = models.JobState(phase)

		if exitCode == recoveryFailExitCode {
			e.status.Update(fmt.Sprintf("recovery failed during %s phase", phase), false, true)
			emit("recovery_fail")
			break phaseLoop
		}
		if exitCode != 0 && phase != "test" {
			break phaseLoop
		}
		if recovered {
			break phaseLoop
		}
	}
}

// runPhase runs a single phase's command (if configured and not skipped),
// reporting lifecycle transitions and streaming output. Returns the
// normalized exit code and whether a stop condition ended the job early.
func (e *PhaseEngine) runPhase(
	ctx context.Context,
	job *models.Job,
	rundir, phase string,
	result *models.ResultDocument,
	emit func(string),
	globalTimeout, outputTimeout time.Duration,
) (int, bool) {
	jobID := job.JobID.String()

	e.postDeviceInfo(ctx, jobID, rundir, phase)

	if phase != "cleanup" {
		data, hasData := job.JobData[phase]
		if hasData && data.Skip {
			return 0, false
		}
		if phase != "setup" && !hasData {
			return 0, false
		}
		if err := e.client.UpdateJobState(ctx, jobID, models.JobState(phase)); err != nil {
			e.logger.Warn().Err(err).Str("job_id", jobID).Str("phase", phase).Msg("failed to persist phase transition")
		}
	}

	command, configured := e.cfg.CommandFor(phase)
	emit(phase + "_start")

	if !configured {
		emit(phase + "_success")
		return 0, false
	}

	fileHandler, err := NewFileOutputHandler(filepath.Join(rundir, phase+".log"))
	var handlers []OutputHandler
	if err == nil {
		defer fileHandler.Close()
		handlers = append(handlers, fileHandler)
	}
	handlers = append(handlers, NewLivePostHandler(e.client, jobID, phase, string(models.LogTypeOutput)))

	checkers := []StopChecker{}
	if phase != "reserve" {
		checkers = append(checkers, NewGlobalTimeoutChecker(globalTimeout))
	}
	if phase == "test" {
		checkers = append(checkers, NewOutputTimeoutChecker(outputTimeout))
	}
	if phase != "provision" {
		checkers = append(checkers, NewJobCancelledChecker(e.client, jobID))
	}

	runner := NewCommandRunner(rundir, os.Environ(), handlers, checkers, e.logger)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runRes, err := runner.Run(runCtx, command)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", jobID).Str("phase", phase).Msg("command runner failed")
		result.Status[phase] = -1
		emit(phase + "_fail")
		return -1, false
	}

	result.Status[phase] = runRes.ExitCode
	if runRes.ExitCode == 0 {
		emit(phase + "_success")
	} else {
		emit(phase + "_fail")
	}

	if phase == "provision" {
		e.postProvisionLog(ctx, jobID, runRes.ExitCode, runRes.ExitReason)
	}
	if phase == "allocate" && runRes.ExitCode == 0 {
		e.completeAllocation(ctx, job, rundir)
	}

	stoppedEarly := runRes.ExitEvent == StopEventCancelled || runRes.ExitEvent == StopEventGlobalTimeout || runRes.ExitEvent == StopEventOutputTimeout
	return runRes.ExitCode, stoppedEarly
}

// postDeviceInfo merges any device-info.json the provisioning command wrote
// into the phase rundir with a local host resource snapshot, and posts the
// agent's status for the phase with a summary of that info (the host name)
// as its comment. It runs before the phase's skip checks, so a skipped phase
// still records device state. Errors are ignored.
func (e *PhaseEngine) postDeviceInfo(ctx context.Context, jobID, rundir, phase string) {
	info := collectHostInfo(ctx, rundir)

	if data, err := os.ReadFile(filepath.Join(rundir, "device-info.json")); err == nil {
		var fileInfo map[string]interface{}
		if json.Unmarshal(data, &fileInfo) == nil {
			for k, v := range fileInfo {
				info[k] = v
			}
		}
	}

	_ = e.client.PostAgentStatus(ctx, &models.AgentRecord{
		Name:        e.cfg.AgentID,
		State:       models.AgentState(phase),
		Queues:      e.cfg.JobQueues,
		JobID:       jobID,
		LastUpdated: time.Now(),
		Comment:     formatDeviceInfoComment(info),
	})
}

// formatDeviceInfoComment renders a compact summary of the collected device
// info for the agent record's free-text comment field.
func formatDeviceInfoComment(info map[string]interface{}) string {
	hostname, _ := info["hostname"].(string)
	if hostname == "" {
		return ""
	}
	return "host: " + hostname
}

// postProvisionLog records one provisioning attempt's outcome.
func (e *PhaseEngine) postProvisionLog(ctx context.Context, jobID string, exitCode int, detail string) {
	err := e.client.PostProvisionLog(ctx, e.cfg.AgentID, models.ProvisionLogEntry{
		JobID:     jobID,
		ExitCode:  exitCode,
		Detail:    detail,
		Timestamp: time.Now(),
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to post provision log")
	}
}

// completeAllocation reads device-info.json after a successful allocate
// phase, posts it, transitions to allocated, and blocks until the job (or
// its parent, for multi-device jobs) reaches a terminal state.
func (e *PhaseEngine) completeAllocation(ctx context.Context, job *models.Job, rundir string) {
	jobID := job.JobID.String()

	deadline := time.Now().Add(10 * time.Minute)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(filepath.Join(rundir, "device-info.json")); err == nil {
			var info map[string]interface{}
			if json.Unmarshal(data, &info) == nil {
				err := e.client.PostResult(ctx, jobID, &models.ResultDocument{DeviceInfo: info})
				if err == nil {
					break
				}
				e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to post device info")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(60 * time.Second):
		}
	}

	if err := e.client.UpdateJobState(ctx, jobID, models.JobStateAllocated); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to report allocation")
	}
	e.waitForCompletion(ctx, job)
}

func (e *PhaseEngine) waitForCompletion(ctx context.Context, job *models.Job) {
	jobID := job.JobID.String()
	parentID := ""
	if job.ParentJobID != nil {
		parentID = job.ParentJobID.String()
	}

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := e.client.JobState(ctx, jobID)
		if err == nil && state.IsTerminal() {
			return
		}
		if parentID != "" {
			if pState, err := e.client.JobState(ctx, parentID); err == nil && pState.IsTerminal() {
				return
			}
		}
	}
}

// uploadArtifacts packages the job's artifacts/ subtree, if any, and
// uploads it to the result's artifact archive.
func (e *PhaseEngine) uploadArtifacts(ctx context.Context, jobID, rundir string) {
	data, err := PackArtifacts(rundir)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to package artifacts")
		return
	}
	if data == nil {
		return
	}
	if err := e.client.UploadArtifact(ctx, jobID, data); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to upload artifacts")
	}
}

// transmitOutcome persists the job outcome to the run directory, then
// attempts delivery. On success the outcome file and run directory are
// removed; on failure the run directory is preserved under results_basedir
// for retryOldResults to pick up on a later run.
func (e *PhaseEngine) transmitOutcome(ctx context.Context, jobID, rundir string, result *models.ResultDocument) {
	data, err := json.Marshal(result)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to marshal job outcome")
		return
	}
	outcomePath := filepath.Join(rundir, outcomeFileName)
	if err := os.WriteFile(outcomePath, data, 0644); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist job outcome to disk")
	}

	if err := e.client.PostResult(ctx, jobID, result); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to transmit outcome, preserving run directory")
		e.preserveRundir(jobID, rundir)
		return
	}
	_ = os.Remove(outcomePath)
	_ = os.RemoveAll(rundir)
}

// preserveRundir moves a run directory whose outcome failed to transmit
// into results_basedir, where retryOldResults will find it on a later run.
func (e *PhaseEngine) preserveRundir(jobID, rundir string) {
	dest := filepath.Join(e.cfg.ResultsBaseDir, jobID)
	if dest == rundir {
		return
	}
	if err := os.Rename(rundir, dest); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to move run directory to results basedir")
	}
}

// retryOldResults transmits any run directories preserved under
// results_basedir from a previous, failed transmit attempt. Runs once at
// startup and again at the top of every loop iteration.
func (e *PhaseEngine) retryOldResults(ctx context.Context) {
	entries, err := os.ReadDir(e.cfg.ResultsBaseDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rundir := filepath.Join(e.cfg.ResultsBaseDir, entry.Name())
		outcomePath := filepath.Join(rundir, outcomeFileName)
		data, err := os.ReadFile(outcomePath)
		if err != nil {
			continue
		}
		var result models.ResultDocument
		if json.Unmarshal(data, &result) != nil {
			continue
		}
		e.uploadArtifacts(ctx, entry.Name(), rundir)
		if e.client.PostResult(ctx, entry.Name(), &result) == nil {
			_ = os.Remove(outcomePath)
			_ = os.RemoveAll(rundir)
		}
	}
}
