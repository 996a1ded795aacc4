package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
	"github.com/google/uuid"
)

// fakeDispatchServer stands in for the dispatch server across a PhaseEngine
// test run: it answers job-state checks as "running" (never cancelled) and
// accepts every phase transition, output fragment, status update, and
// result post without validation.
func fakeDispatchServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/job/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && !strings.HasSuffix(r.URL.Path, "/action") {
			json.NewEncoder(w).Encode(models.Job{JobState: models.JobStateTest})
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/result/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/agents/data/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func newTestJob(jobData map[string]models.PhaseData) *models.Job {
	return &models.Job{
		JobID:   uuid.New(),
		Queue:   "rpi-lab",
		JobData: jobData,
	}
}

func TestPhaseEngine_RunJob_SkipsUnconfiguredPhasesAndRunsCleanup(t *testing.T) {
	server := fakeDispatchServer(t)
	defer server.Close()

	rundir := t.TempDir()
	cleanupMarker := filepath.Join(rundir, "cleanup-ran")
	cfg := &Config{
		AgentID:          "agent-1",
		JobQueues:        []string{"rpi-lab"},
		ExecutionBaseDir: rundir,
		CleanupCommand:   "touch " + cleanupMarker,
	}

	engine := NewPhaseEngine(cfg, NewClient(server.URL, WithRetryAttempts(0)), NewStatusHandler(), common.NewSilentLogger())
	job := newTestJob(map[string]models.PhaseData{})

	engine.runJob(context.Background(), job)

	if _, err := os.Stat(cleanupMarker); err != nil {
		t.Errorf("expected cleanup to always run, marker missing: %v", err)
	}
}

func TestPhaseEngine_RunJob_StopsAfterRecoveryFailExitCode(t *testing.T) {
	server := fakeDispatchServer(t)
	defer server.Close()

	rundir := t.TempDir()
	firmwareMarker := filepath.Join(rundir, "firmware-ran")
	cfg := &Config{
		AgentID:               "agent-1",
		JobQueues:             []string{"rpi-lab"},
		ExecutionBaseDir:      rundir,
		ProvisionCommand:      "exit 46",
		FirmwareUpdateCommand: "touch " + firmwareMarker,
	}

	status := NewStatusHandler()
	engine := NewPhaseEngine(cfg, NewClient(server.URL, WithRetryAttempts(0)), status, common.NewSilentLogger())
	job := newTestJob(map[string]models.PhaseData{
		"provision":       {},
		"firmware_update": {},
	})

	engine.runJob(context.Background(), job)

	if _, err := os.Stat(firmwareMarker); err == nil {
		t.Error("expected firmware_update to be skipped after a recovery-fail exit code")
	}
	_, offline, _ := status.Snapshot()
	if !offline {
		t.Error("expected the agent to be marked offline after a recovery-fail exit code")
	}
}

func TestPhaseEngine_RunJob_SkipsPhaseMarkedSkip(t *testing.T) {
	server := fakeDispatchServer(t)
	defer server.Close()

	rundir := t.TempDir()
	testMarker := filepath.Join(rundir, "test-ran")
	cfg := &Config{
		AgentID:          "agent-1",
		JobQueues:        []string{"rpi-lab"},
		ExecutionBaseDir: rundir,
		TestCommand:      "touch " + testMarker,
	}

	engine := NewPhaseEngine(cfg, NewClient(server.URL, WithRetryAttempts(0)), NewStatusHandler(), common.NewSilentLogger())
	job := newTestJob(map[string]models.PhaseData{
		"test": {Skip: true},
	})

	engine.runJob(context.Background(), job)

	if _, err := os.Stat(testMarker); err == nil {
		t.Error("expected a phase marked skip to not run its command")
	}
}
