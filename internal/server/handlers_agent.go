package server

import (
	"net/http"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
)

// handleAgentQueues handles GET/POST /v1/agents/queues. GET returns the
// merged queue -> description map; POST lets an agent announce the queues
// it serves.
func (s *Server) handleAgentQueues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		queues, err := s.app.Storage.Queues().ListQueues(r.Context())
		if err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		out := map[string]string{}
		for _, q := range queues {
			out[q.Name] = q.Description
		}
		WriteJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var body map[string]string
		if !DecodeJSON(w, r, &body) {
			return
		}
		for name, description := range body {
			if err := s.app.Storage.Queues().UpsertQueue(r.Context(), &models.Queue{Name: name, Description: description}); err != nil {
				WriteAppError(w, common.StoreUnavailable(err))
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleAgentImagesGet handles GET /v1/agents/images/{queue}.
func (s *Server) handleAgentImagesGet(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	queue := PathParamTail(r, "/v1/agents/images/")
	q, err := s.app.Storage.Queues().GetQueue(r.Context(), queue)
	if err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}
	if q == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, q.Images)
}

// handleAgentImagesPost handles POST /v1/agents/images, a nested
// queue -> image -> provisioning-blob map.
func (s *Server) handleAgentImagesPost(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var body map[string]map[string]interface{}
	if !DecodeJSON(w, r, &body) {
		return
	}
	for queue, images := range body {
		imagesAny := map[string]interface{}{}
		for k, v := range images {
			imagesAny[k] = v
		}
		if err := s.app.Storage.Queues().UpsertQueue(r.Context(), &models.Queue{Name: queue, Images: imagesAny}); err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAgentData handles GET/POST /v1/agents/data and
// /v1/agents/data/{name}, reading or patching one agent's status record.
func (s *Server) handleAgentData(w http.ResponseWriter, r *http.Request) {
	name := PathParamTail(r, "/v1/agents/data/")

	switch r.Method {
	case http.MethodGet:
		if name == "" {
			agents, err := s.app.Storage.Queues().ListAgentRecords(r.Context(), "")
			if err != nil {
				WriteAppError(w, common.StoreUnavailable(err))
				return
			}
			WriteJSON(w, http.StatusOK, agents)
			return
		}
		rec, err := s.app.Storage.Queues().GetAgentRecord(r.Context(), name)
		if err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		if rec == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		WriteJSON(w, http.StatusOK, rec)

	case http.MethodPost:
		if name == "" {
			WriteError(w, http.StatusNotFound, "agent name is required")
			return
		}
		var patch models.AgentRecord
		if !DecodeJSON(w, r, &patch) {
			return
		}
		patch.Name = name
		patch.LastUpdated = time.Now()

		existing, err := s.app.Storage.Queues().GetAgentRecord(r.Context(), name)
		if err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		if existing != nil && patch.Log == nil {
			patch.Log = existing.Log
		}
		if patch.Comment == "" && existing != nil {
			patch.Comment = existing.Comment
		}
		if patch.State != "" {
			patch.Log = models.AppendRingString(patch.Log, string(patch.State))
		}

		if err := s.app.Storage.Queues().UpsertAgentRecord(r.Context(), &patch); err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleAgentProvisionLogs handles POST /v1/agents/provision_logs/{name}.
func (s *Server) handleAgentProvisionLogs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	name := PathParamTail(r, "/v1/agents/provision_logs/")
	if name == "" {
		WriteError(w, http.StatusNotFound, "agent name is required")
		return
	}

	var entry models.ProvisionLogEntry
	if !DecodeJSON(w, r, &entry) {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	rec, err := s.app.Storage.Queues().GetAgentRecord(r.Context(), name)
	if err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rec.ProvisionLog = models.AppendProvisionLog(rec.ProvisionLog, entry)
	if entry.ExitCode == 0 {
		if rec.ProvisionStreak.Type == "success" {
			rec.ProvisionStreak.Count++
		} else {
			rec.ProvisionStreak = models.ProvisionStreak{Type: "success", Count: 1}
		}
	} else {
		if rec.ProvisionStreak.Type == "failure" {
			rec.ProvisionStreak.Count++
		} else {
			rec.ProvisionStreak = models.ProvisionStreak{Type: "failure", Count: 1}
		}
	}
	rec.LastUpdated = time.Now()

	if err := s.app.Storage.Queues().UpsertAgentRecord(r.Context(), rec); err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
