package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
	"github.com/google/uuid"
)

// webhookTimeout bounds webhook relay delivery.
const webhookTimeout = 3 * time.Second

var webhookClient = &http.Client{Timeout: webhookTimeout}

// postWebhook forwards a status update payload to a job's status_webhook_url.
func postWebhook(ctx context.Context, url string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := webhookClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

const defaultMaxReservationSeconds = 6 * 3600

// handleJobRoot dispatches POST /v1/job (submit) and GET /v1/job?queue=... (pop).
func (s *Server) handleJobRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleJobSubmit(w, r)
	case http.MethodGet:
		s.handleJobPop(w, r)
	default:
		RequireMethod(w, r, http.MethodPost, http.MethodGet)
	}
}

// handleJobSubmit handles POST /v1/job.
func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	var job models.Job
	if !DecodeJSON(w, r, &job) {
		return
	}
	if job.Queue == "" {
		WriteError(w, http.StatusUnprocessableEntity, "job_queue is required")
		return
	}

	ac := common.AuthContextFromContext(r.Context())

	if job.Priority > 0 {
		if ac == nil || ac.Permissions.MaxPriorityFor(job.Queue) < job.Priority {
			WriteError(w, http.StatusForbidden, "requested priority exceeds client's max_priority")
			return
		}
	}

	if restricted, err := s.app.Storage.Queues().GetRestrictedQueue(r.Context(), job.Queue); err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	} else if restricted != nil {
		if ac == nil || !ac.Permissions.AllowsQueue(job.Queue) {
			WriteError(w, http.StatusForbidden, "queue is restricted to specific clients")
			return
		}
	}

	if reserve, ok := job.JobData["reserve"]; ok {
		if timeout, ok := reserve.Extra["timeout"].(float64); ok {
			maxAllowed := defaultMaxReservationSeconds
			if ac != nil {
				if v := ac.Permissions.MaxReservationFor(job.Queue); v > 0 {
					maxAllowed = v
				}
			}
			if int(timeout) > maxAllowed {
				WriteError(w, http.StatusForbidden, "requested reservation timeout exceeds client's max_reservation_time")
				return
			}
		}
	}

	if testData, ok := job.JobData["test"]; ok && len(testData.Secrets) > 0 {
		if ac == nil {
			WriteError(w, http.StatusUnprocessableEntity, "secrets require an authenticated submitter")
			return
		}
		inaccessible := map[string]string{}
		for key, path := range testData.Secrets {
			if _, err := s.app.Storage.Secrets().GetSecret(r.Context(), ac.ClientID, path); err != nil {
				inaccessible[key] = path
			}
		}
		if len(inaccessible) > 0 {
			WriteErrorWithFields(w, http.StatusUnprocessableEntity, "one or more secrets are not accessible", inaccessible)
			return
		}
	}

	if ac != nil {
		job.ClientID = ac.ClientID
	}
	if job.AttachmentsStatus == "" {
		job.AttachmentsStatus = models.AttachmentsAbsent
	}
	for _, pd := range job.JobData {
		if len(pd.Attachments) > 0 {
			job.AttachmentsStatus = models.AttachmentsWaiting
			break
		}
	}

	jobID, err := s.app.Storage.Jobs().Submit(r.Context(), &job)
	if err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}

	s.events.Broadcast(JobEvent{JobID: jobID, JobState: models.JobStateWaiting, Queue: job.Queue, Timestamp: time.Now()})
	WriteJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

// handleJobPop handles GET /v1/job?queue=queue1&queue=queue2, returning the
// next waiting job across the given queues, or 204 if none is ready.
func (s *Server) handleJobPop(w http.ResponseWriter, r *http.Request) {
	queues := r.URL.Query()["queue"]
	if len(queues) == 0 {
		WriteError(w, http.StatusBadRequest, "queue parameter is required")
		return
	}

	job, err := s.app.Storage.Jobs().PopJob(r.Context(), queues)
	if err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.events.Broadcast(JobEvent{JobID: job.JobID.String(), JobState: job.JobState, Queue: job.Queue, Timestamp: time.Now()})
	WriteJSON(w, http.StatusOK, job)
}

// routeJobByID dispatches /v1/job/{id}/* sub-resources.
func (s *Server) routeJobByID(w http.ResponseWriter, r *http.Request) {
	rest := PathParamTail(r, "/v1/job/")
	if rest == "" {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}

	id, sub := splitFirstSegment(rest)
	jobID, err := uuid.Parse(id)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	switch sub {
	case "":
		s.handleJobGet(w, r, jobID)
	case "attachments":
		s.handleJobAttachments(w, r, jobID)
	case "action":
		s.handleJobAction(w, r, jobID)
	case "position":
		s.handleJobPosition(w, r, jobID)
	case "events":
		s.handleJobEvents(w, r, jobID)
	default:
		WriteError(w, http.StatusNotFound, "not found")
	}
}

// handleJobSearch handles GET /v1/job/search?tags=...&match=any|all&state=....
func (s *Server) handleJobSearch(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	match := models.SearchMatch(r.URL.Query().Get("match"))
	if match == "" {
		match = models.SearchMatchAny
	}
	if match != models.SearchMatchAny && match != models.SearchMatchAll {
		WriteError(w, http.StatusUnprocessableEntity, "match must be 'any' or 'all'")
		return
	}

	filters := map[string]string{"match": string(match)}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		filters["tags"] = tags
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filters["state"] = state
	}

	matches, err := s.app.Storage.Jobs().Search(r.Context(), filters, 200)
	if err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}
	WriteJSON(w, http.StatusOK, matches)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, err := s.app.Storage.Jobs().Get(r.Context(), jobID.String())
	if err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}
	if job == nil {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobAttachments(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.app.Storage.Attachments().Get(r.Context(), attachmentKey(jobID))
		if err != nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.WriteHeader(http.StatusOK)
		w.Write(data)

	case http.MethodPost:
		job, err := s.app.Storage.Jobs().Get(r.Context(), jobID.String())
		if err != nil {
			WriteError(w, http.StatusBadRequest, "job not found")
			return
		}
		if job.AttachmentsStatus != models.AttachmentsWaiting {
			WriteError(w, http.StatusUnprocessableEntity, "job is not awaiting attachments")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 512<<20)
		data, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "failed to read attachment body")
			return
		}
		if err := s.app.Storage.Attachments().Put(r.Context(), attachmentKey(jobID), data); err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}

		job.AttachmentsStatus = models.AttachmentsComplete
		if err := s.app.Storage.Jobs().Update(r.Context(), job); err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

func attachmentKey(jobID uuid.UUID) string {
	return fmt.Sprintf("attachments/%s.tar.gz", jobID.String())
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Action != "cancel" {
		WriteError(w, http.StatusUnprocessableEntity, "unknown action")
		return
	}

	job, err := s.app.Storage.Jobs().Get(r.Context(), jobID.String())
	if err != nil {
		WriteError(w, http.StatusBadRequest, "job not found")
		return
	}
	if job.JobState.IsTerminal() {
		WriteError(w, http.StatusBadRequest, "job is already in a terminal state")
		return
	}

	if err := s.app.Storage.Jobs().CancelJob(r.Context(), jobID.String()); err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}
	s.events.Broadcast(JobEvent{JobID: jobID.String(), JobState: models.JobStateCancelled, Queue: job.Queue, Timestamp: time.Now()})
	WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleJobPosition(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	pos, err := s.app.Storage.Jobs().Position(r.Context(), jobID.String())
	if err != nil {
		WriteError(w, http.StatusBadRequest, "job not found")
		return
	}
	if pos.Gone {
		WriteError(w, http.StatusGone, "job is no longer waiting")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(strconv.Itoa(pos.Position)))
}

// handleJobEvents handles POST /v1/job/{id}/events, proxying a status
// update to the job's configured webhook, if any.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var payload map[string]interface{}
	if !DecodeJSON(w, r, &payload) {
		return
	}

	job, err := s.app.Storage.Jobs().Get(r.Context(), jobID.String())
	if err != nil {
		WriteError(w, http.StatusBadRequest, "job not found")
		return
	}
	if job.StatusWebhookURL == "" {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "no webhook configured"})
		return
	}

	if err := postWebhook(r.Context(), job.StatusWebhookURL, payload); err != nil {
		WriteError(w, http.StatusGatewayTimeout, "webhook delivery timed out")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}
