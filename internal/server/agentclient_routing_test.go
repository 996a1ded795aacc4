package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/canonical/testflinger-go/internal/agent"
	"github.com/canonical/testflinger-go/internal/models"
	"github.com/google/uuid"
)

// newRoutedTestServer wires the real route table onto a mux, the same way
// NewServer does, so an agent.Client exercised against it drives the actual
// handler dispatch rather than an ad hoc stand-in.
func newRoutedTestServer(t *testing.T) (*httptest.Server, *fakeStorage) {
	t.Helper()
	s, storage := newTestServer()
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, storage
}

// TestAgentClient_RoutesAgainstRealMux drives an agent.Client through the
// job-state, output, and artifact calls a phase engine run makes, against
// the server's real registerRoutes mux, to catch client/server route or
// payload-shape mismatches that an ad hoc handler stand-in would miss.
func TestAgentClient_RoutesAgainstRealMux(t *testing.T) {
	srv, storage := newRoutedTestServer(t)

	jobID := uuid.New()
	storage.jobs.byID[jobID.String()] = &models.Job{
		JobID:    jobID,
		Queue:    "rpi-lab",
		JobState: models.JobStateAllocated,
	}

	client := agent.NewClient(srv.URL, agent.WithRetryAttempts(0))
	ctx := context.Background()

	if err := client.UpdateJobState(ctx, jobID.String(), models.JobStateProvision); err != nil {
		t.Fatalf("UpdateJobState: %v", err)
	}
	if stored, ok := storage.jobs.byID[jobID.String()]; !ok || stored.JobState != models.JobStateProvision {
		t.Errorf("expected job_state to advance to provision, got %+v", stored)
	}

	fragment := models.LogFragment{
		LogType:        models.LogTypeOutput,
		Phase:          "provision",
		FragmentNumber: 1,
		LogData:        "hello from provision\n",
	}
	if err := client.PostOutput(ctx, jobID.String(), "provision", fragment); err != nil {
		t.Fatalf("PostOutput: %v", err)
	}
	if len(storage.fragments.fragments) != 1 {
		t.Fatalf("expected one stored log fragment, got %d", len(storage.fragments.fragments))
	}
	if storage.fragments.fragments[0].LogData != fragment.LogData {
		t.Errorf("unexpected fragment content: %q", storage.fragments.fragments[0].LogData)
	}

	if err := client.UploadArtifact(ctx, jobID.String(), []byte("fake-tarball-bytes")); err != nil {
		t.Fatalf("UploadArtifact: %v", err)
	}
	stored, err := storage.artifacts.Get(ctx, "artifacts/"+jobID.String()+".tar.gz")
	if err != nil {
		t.Fatalf("expected uploaded artifact to be retrievable: %v", err)
	}
	if string(stored) != "fake-tarball-bytes" {
		t.Errorf("unexpected stored artifact content: %q", stored)
	}

	result := &models.ResultDocument{JobState: models.JobStateComplete, Status: map[string]int{"provision": 0}}
	if err := client.PostResult(ctx, jobID.String(), result); err != nil {
		t.Fatalf("PostResult: %v", err)
	}
	fetched, err := client.GetResult(ctx, jobID.String())
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if fetched.JobState != models.JobStateComplete {
		t.Errorf("unexpected fetched result job_state: %q", fetched.JobState)
	}
}

// TestAgentClient_PostJobEvent_RoutesToWebhookRelay confirms the status
// webhook event call reaches POST /v1/job/{id}/events on the real mux.
func TestAgentClient_PostJobEvent_RoutesToWebhookRelay(t *testing.T) {
	srv, storage := newRoutedTestServer(t)

	jobID := uuid.New()
	storage.jobs.byID[jobID.String()] = &models.Job{JobID: jobID, Queue: "rpi-lab"}

	client := agent.NewClient(srv.URL, agent.WithRetryAttempts(0))
	if err := client.PostJobEvent(context.Background(), jobID.String(), map[string]interface{}{"event": "provision_start"}); err != nil {
		t.Fatalf("PostJobEvent: %v", err)
	}
}

// TestAgentClient_PostProvisionLog_RoutesToAgentRecord confirms provision
// log entries reach the agent's provision-log ring via the real mux.
func TestAgentClient_PostProvisionLog_RoutesToAgentRecord(t *testing.T) {
	srv, storage := newRoutedTestServer(t)
	storage.queues.agents["agent-1"] = &models.AgentRecord{Name: "agent-1"}

	client := agent.NewClient(srv.URL, agent.WithRetryAttempts(0))
	entry := models.ProvisionLogEntry{JobID: "job-1", ExitCode: 0, Detail: "ok"}
	if err := client.PostProvisionLog(context.Background(), "agent-1", entry); err != nil {
		t.Fatalf("PostProvisionLog: %v", err)
	}

	rec := storage.queues.agents["agent-1"]
	if len(rec.ProvisionLog) != 1 || rec.ProvisionLog[0].JobID != "job-1" {
		t.Errorf("expected provision log entry to be recorded, got %+v", rec.ProvisionLog)
	}
}
