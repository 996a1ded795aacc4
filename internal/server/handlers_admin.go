package server

import (
	"net/http"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
)

// routeRestrictedQueues dispatches GET/POST /restricted-queues and
// GET/DELETE /restricted-queues/{name}.
func (s *Server) routeRestrictedQueues(w http.ResponseWriter, r *http.Request) {
	name := PathParamTail(r, "/restricted-queues/")
	if PathParamTail(r, "/restricted-queues") == "" {
		name = ""
	}

	if !common.RequireRole(r.Context(), models.RoleManager) {
		WriteError(w, http.StatusForbidden, "manager role required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if name == "" {
			queues, err := s.app.Storage.Queues().ListRestrictedQueues(r.Context(), "")
			if err != nil {
				WriteAppError(w, common.StoreUnavailable(err))
				return
			}
			WriteJSON(w, http.StatusOK, queues)
			return
		}
		q, err := s.app.Storage.Queues().GetRestrictedQueue(r.Context(), name)
		if err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		if q == nil {
			WriteError(w, http.StatusNotFound, "restricted queue not found")
			return
		}
		WriteJSON(w, http.StatusOK, q)

	case http.MethodPost:
		var q models.RestrictedQueue
		if !DecodeJSON(w, r, &q) {
			return
		}
		if q.Name == "" {
			WriteError(w, http.StatusUnprocessableEntity, "queue name is required")
			return
		}
		if err := s.app.Storage.Queues().CreateRestrictedQueue(r.Context(), &q); err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		WriteJSON(w, http.StatusOK, q)

	case http.MethodDelete:
		if name == "" {
			WriteError(w, http.StatusNotFound, "queue name is required")
			return
		}
		if err := s.app.Storage.Queues().DeleteRestrictedQueue(r.Context(), name); err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

// routeClientPermissions dispatches GET/PUT/DELETE /client-permissions/{id}.
// A client may only create/modify another client whose role it outranks (or
// matches), and may never grant a role above its own.
func (s *Server) routeClientPermissions(w http.ResponseWriter, r *http.Request) {
	clientID := PathParamTail(r, "/client-permissions/")
	if clientID == "" {
		WriteError(w, http.StatusNotFound, "client id is required")
		return
	}

	ac := common.AuthContextFromContext(r.Context())
	if ac == nil {
		WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !ac.Role.AtLeast(models.RoleManager) && ac.ClientID != clientID {
			WriteError(w, http.StatusForbidden, "insufficient role")
			return
		}
		perm, err := s.app.Storage.Clients().GetClient(r.Context(), clientID)
		if err != nil {
			WriteError(w, http.StatusNotFound, "client not found")
			return
		}
		WriteJSON(w, http.StatusOK, perm)

	case http.MethodPut:
		var body struct {
			Secret string `json:"secret,omitempty"`
			models.ClientPermissions
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		body.ClientID = clientID

		existing, _ := s.app.Storage.Clients().GetClient(r.Context(), clientID)
		if existing != nil && clientID == models.AdminClientID {
			WriteError(w, http.StatusForbidden, "the built-in admin client cannot be modified")
			return
		}
		if existing != nil && !ac.Role.AtLeast(existing.Role) {
			WriteError(w, http.StatusForbidden, "cannot modify a client with a higher role")
			return
		}
		if !ac.Role.AtLeast(body.Role) {
			WriteError(w, http.StatusForbidden, "cannot assign a role higher than your own")
			return
		}

		if existing == nil {
			if body.Secret == "" {
				WriteError(w, http.StatusUnprocessableEntity, "secret is required to create a client")
				return
			}
			if err := s.app.Storage.Clients().CreateClient(r.Context(), &body.ClientPermissions, body.Secret); err != nil {
				WriteAppError(w, common.StoreUnavailable(err))
				return
			}
		} else {
			if err := s.app.Storage.Clients().UpdateClient(r.Context(), &body.ClientPermissions); err != nil {
				WriteAppError(w, common.StoreUnavailable(err))
				return
			}
		}
		WriteJSON(w, http.StatusOK, body.ClientPermissions)

	case http.MethodDelete:
		if clientID == models.AdminClientID {
			WriteError(w, http.StatusForbidden, "the built-in admin client cannot be deleted")
			return
		}
		existing, err := s.app.Storage.Clients().GetClient(r.Context(), clientID)
		if err != nil {
			WriteError(w, http.StatusNotFound, "client not found")
			return
		}
		if !ac.Role.AtLeast(existing.Role) {
			WriteError(w, http.StatusForbidden, "cannot delete a client with a higher role")
			return
		}
		if err := s.app.Storage.Clients().DeleteClient(r.Context(), clientID); err != nil {
			WriteAppError(w, common.StoreUnavailable(err))
			return
		}
		s.app.Storage.RefreshTokens().RevokeRefreshTokensByClient(r.Context(), clientID)
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

// routeSecrets dispatches PUT/DELETE /secrets/{client_id}/{path}. Only the
// owning client (or a manager-or-above role) may write its own secrets.
func (s *Server) routeSecrets(w http.ResponseWriter, r *http.Request) {
	rest := PathParamTail(r, "/secrets/")
	clientID, path := splitFirstSegment(rest)
	if clientID == "" || path == "" {
		WriteError(w, http.StatusNotFound, "client id and secret path are required")
		return
	}

	ac := common.AuthContextFromContext(r.Context())
	if ac == nil || (ac.ClientID != clientID && !ac.Role.AtLeast(models.RoleManager)) {
		WriteError(w, http.StatusForbidden, "cannot manage another client's secrets")
		return
	}

	switch r.Method {
	case http.MethodPut:
		var body struct {
			Value string `json:"value"`
		}
		if !DecodeJSON(w, r, &body) {
			return
		}
		secret := &models.Secret{Namespace: clientID, Path: path, Value: body.Value}
		if err := s.app.Storage.Secrets().SetSecret(r.Context(), secret); err != nil {
			WriteError(w, http.StatusBadRequest, "secrets store unavailable")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case http.MethodDelete:
		if err := s.app.Storage.Secrets().DeleteSecret(r.Context(), clientID, path); err != nil {
			WriteError(w, http.StatusBadRequest, "secrets store unavailable")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		RequireMethod(w, r, http.MethodPut, http.MethodDelete)
	}
}
