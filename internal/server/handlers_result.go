package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
)

const maxResultDocumentBytes = 16 << 20 // ~16 MiB, matching the underlying store's document limit

// routeResultByID dispatches /v1/result/{id}/* sub-resources.
func (s *Server) routeResultByID(w http.ResponseWriter, r *http.Request) {
	rest := PathParamTail(r, "/v1/result/")
	if rest == "" {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}
	jobID, sub := splitFirstSegment(rest)

	switch sub {
	case "":
		s.handleResultRoot(w, r, jobID)
	case "artifact":
		s.handleResultArtifact(w, r, jobID)
	default:
		logType, tail := splitFirstSegment(sub)
		if logType != "log" {
			WriteError(w, http.StatusNotFound, "not found")
			return
		}
		streamType, _ := splitFirstSegment(tail)
		s.handleResultLog(w, r, jobID, streamType)
	}
}

func (s *Server) handleResultRoot(w http.ResponseWriter, r *http.Request, jobID string) {
	switch r.Method {
	case http.MethodPost:
		s.handleResultPost(w, r, jobID)
	case http.MethodGet:
		s.handleResultGet(w, r, jobID)
	default:
		RequireMethod(w, r, http.MethodPost, http.MethodGet)
	}
}

func (s *Server) handleResultPost(w http.ResponseWriter, r *http.Request, jobID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxResultDocumentBytes)

	var doc models.ResultDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteAppError(w, common.PayloadTooLarge("result document exceeds the size limit"))
			return
		}
		WriteError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := s.app.Storage.Results().SaveResult(r.Context(), jobID, &doc); err != nil {
		WriteAppError(w, common.StoreUnavailable(err))
		return
	}

	if job, err := s.app.Storage.Jobs().Get(r.Context(), jobID); err == nil {
		if doc.JobState != "" {
			job.JobState = doc.JobState
		}
		job.ResultData = doc.Fields
		if err := s.app.Storage.Jobs().Update(r.Context(), job); err == nil {
			s.events.Broadcast(JobEvent{JobID: jobID, JobState: job.JobState, Queue: job.Queue, Timestamp: time.Now()})
		}
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResultGet(w http.ResponseWriter, r *http.Request, jobID string) {
	doc, err := s.app.Storage.Results().GetResult(r.Context(), jobID)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handleResultArtifact(w http.ResponseWriter, r *http.Request, jobID string) {
	key := fmt.Sprintf("artifacts/%s.tar.gz", jobID)
	switch r.Method {
	case http.MethodGet:
		data, err := s.app.Storage.Artifacts().Get(r.Context(), key)
		if err != nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		w.WriteHeader(http.StatusOK)
		w.Write(data)

	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, 512<<20)
		data, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "failed to read artifact body")
			return
		}
		if err := s.app.Storage.Artifacts().Put(r.Context(), key, data); err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleResultLog dispatches POST/GET /v1/result/{id}/log/{output|serial}.
func (s *Server) handleResultLog(w http.ResponseWriter, r *http.Request, jobID, streamType string) {
	logType := models.LogType(streamType)
	if logType != models.LogTypeOutput && logType != models.LogTypeSerial {
		WriteError(w, http.StatusBadRequest, "log stream must be 'output' or 'serial'")
		return
	}

	switch r.Method {
	case http.MethodPost:
		var fragment models.LogFragment
		if !DecodeJSON(w, r, &fragment) {
			return
		}
		fragment.JobID = jobID
		fragment.LogType = logType
		if fragment.Timestamp.IsZero() {
			fragment.Timestamp = time.Now()
		}
		if err := s.app.Storage.Fragments().AppendFragment(r.Context(), jobID, fragment); err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodGet:
		startFragment := 0
		if v := r.URL.Query().Get("start_fragment"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				startFragment = n
			}
		}

		phase := r.URL.Query().Get("phase")
		var (
			assembled models.AssembledPhaseLog
			err       error
		)
		if phase != "" {
			assembled, err = s.app.Storage.Fragments().AssemblePhase(r.Context(), jobID, phase)
		} else {
			assembled, err = s.app.Storage.Fragments().AssembleLog(r.Context(), jobID, logType, startFragment)
		}
		if err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			string(logType): map[string]interface{}{
				phaseKeyOrAll(phase): assembled,
			},
		})

	default:
		RequireMethod(w, r, http.MethodPost, http.MethodGet)
	}
}

func phaseKeyOrAll(phase string) string {
	if phase == "" {
		return "all"
	}
	return phase
}
