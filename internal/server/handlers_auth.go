package server

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
)

// tokenResponse is the body returned by /oauth2/token and /oauth2/refresh.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// generateRefreshToken returns a 48-byte, URL-safe random opaque token.
func generateRefreshToken() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// issueTokenPair signs a fresh access token and persists a new refresh token
// for clientID, returning both. Non-expiring refresh tokens are only handed
// to manager/admin clients.
func (s *Server) issueTokenPair(w http.ResponseWriter, r *http.Request, perm *models.ClientPermissions) {
	access, err := signAccessToken(perm.ClientID, []string{string(perm.Role)}, &s.app.Config.Auth)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to sign access token")
		WriteError(w, http.StatusInternalServerError, "failed to sign access token")
		return
	}

	rawRefresh, err := generateRefreshToken()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to generate refresh token")
		WriteError(w, http.StatusInternalServerError, "failed to generate refresh token")
		return
	}

	now := time.Now()
	rt := &models.RefreshToken{
		ClientID:     perm.ClientID,
		IssuedAt:     now,
		LastAccessed: now,
	}
	if !perm.Role.AtLeast(models.RoleManager) {
		exp := now.Add(s.app.Config.Auth.GetRefreshTokenTTL())
		rt.ExpiresAt = &exp
	}

	if err := s.app.Storage.RefreshTokens().SaveRefreshToken(r.Context(), rt, rawRefresh); err != nil {
		s.logger.Error().Err(err).Msg("failed to save refresh token")
		WriteError(w, http.StatusInternalServerError, "failed to save refresh token")
		return
	}

	WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: rawRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.app.Config.Auth.GetAccessTokenTTL().Seconds()),
	})
}

// handleOAuth2Token handles POST /v1/oauth2/token — HTTP Basic client_id/
// client_secret exchange for an access+refresh token pair.
func (s *Server) handleOAuth2Token(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok || clientID == "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="testflinger"`)
		WriteError(w, http.StatusUnauthorized, "client credentials required")
		return
	}

	perm, err := s.app.Storage.Clients().VerifyClientSecret(r.Context(), clientID, secret)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="testflinger"`)
		WriteError(w, http.StatusUnauthorized, "invalid client credentials")
		return
	}

	s.issueTokenPair(w, r, perm)
}

// handleOAuth2Refresh handles POST /v1/oauth2/refresh — exchange a valid
// refresh token for a new access token. The refresh token is not rotated:
// the response carries no new one, and the presented token stays valid.
func (s *Server) handleOAuth2Refresh(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !DecodeJSON(w, r, &req) || req.RefreshToken == "" {
		WriteError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	rt, err := s.app.Storage.RefreshTokens().GetRefreshToken(r.Context(), req.RefreshToken)
	if err != nil || !rt.Valid(time.Now()) {
		WriteError(w, http.StatusBadRequest, "invalid or expired refresh token")
		return
	}

	perm, err := s.app.Storage.Clients().GetClient(r.Context(), rt.ClientID)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "client no longer exists")
		return
	}

	if err := s.app.Storage.RefreshTokens().UpdateRefreshTokenLastUsed(r.Context(), req.RefreshToken, time.Now()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record refresh token use")
	}

	access, err := signAccessToken(perm.ClientID, []string{string(perm.Role)}, &s.app.Config.Auth)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to sign access token")
		WriteError(w, http.StatusInternalServerError, "failed to sign access token")
		return
	}

	WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.app.Config.Auth.GetAccessTokenTTL().Seconds()),
	})
}

// handleOAuth2Revoke handles POST /v1/oauth2/revoke — admin-only revocation
// of a refresh token, e.g. when a CI credential leaks.
func (s *Server) handleOAuth2Revoke(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !common.RequireRole(r.Context(), models.RoleAdmin) {
		WriteError(w, http.StatusForbidden, "admin role required")
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !DecodeJSON(w, r, &req) || req.RefreshToken == "" {
		WriteError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	if err := s.app.Storage.RefreshTokens().RevokeRefreshToken(r.Context(), req.RefreshToken); err != nil {
		WriteError(w, http.StatusBadRequest, "failed to revoke refresh token")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
