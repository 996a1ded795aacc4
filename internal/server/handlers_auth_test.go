package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
)

func seedClient(storage *fakeStorage, clientID, secret string, role models.Role) {
	storage.clients.CreateClient(context.Background(), &models.ClientPermissions{ClientID: clientID, Role: role}, secret)
}

func TestHandleOAuth2Token_RequiresBasicAuth(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/oauth2/token", nil)
	rec := httptest.NewRecorder()

	s.handleOAuth2Token(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without client credentials, got %d", rec.Code)
	}
}

func TestHandleOAuth2Token_RejectsBadSecret(t *testing.T) {
	s, storage := newTestServer()
	seedClient(storage, "client-a", "correct-secret", models.RoleUser)

	req := httptest.NewRequest(http.MethodPost, "/v1/oauth2/token", nil)
	req.SetBasicAuth("client-a", "wrong-secret")
	rec := httptest.NewRecorder()

	s.handleOAuth2Token(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad secret, got %d", rec.Code)
	}
}

func TestHandleOAuth2Token_IssuesTokenPairForValidCredentials(t *testing.T) {
	s, storage := newTestServer()
	seedClient(storage, "client-a", "correct-secret", models.RoleUser)

	req := httptest.NewRequest(http.MethodPost, "/v1/oauth2/token", nil)
	req.SetBasicAuth("client-a", "correct-secret")
	rec := httptest.NewRecorder()

	s.handleOAuth2Token(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.AccessToken == "" || body.RefreshToken == "" {
		t.Fatal("expected both an access token and a refresh token")
	}
	if body.TokenType != "Bearer" {
		t.Errorf("expected Bearer token type, got %q", body.TokenType)
	}
}

func TestHandleOAuth2Refresh_RejectsUnknownToken(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/oauth2/refresh", bytes.NewBufferString(`{"refresh_token":"bogus"}`))
	rec := httptest.NewRecorder()

	s.handleOAuth2Refresh(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown refresh token, got %d", rec.Code)
	}
}

func TestHandleOAuth2Refresh_ExchangesValidToken(t *testing.T) {
	s, storage := newTestServer()
	seedClient(storage, "client-a", "correct-secret", models.RoleUser)

	tokenReq := httptest.NewRequest(http.MethodPost, "/v1/oauth2/token", nil)
	tokenReq.SetBasicAuth("client-a", "correct-secret")
	tokenRec := httptest.NewRecorder()
	s.handleOAuth2Token(tokenRec, tokenReq)
	var issued tokenResponse
	json.Unmarshal(tokenRec.Body.Bytes(), &issued)

	refreshReq := httptest.NewRequest(http.MethodPost, "/v1/oauth2/refresh", bytes.NewBufferString(`{"refresh_token":"`+issued.RefreshToken+`"}`))
	refreshRec := httptest.NewRecorder()
	s.handleOAuth2Refresh(refreshRec, refreshReq)

	if refreshRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", refreshRec.Code, refreshRec.Body.String())
	}
	var refreshed tokenResponse
	if err := json.Unmarshal(refreshRec.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if refreshed.AccessToken == "" {
		t.Fatal("expected a new access token")
	}
}

func TestHandleOAuth2Revoke_RequiresAdminRole(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/oauth2/revoke", bytes.NewBufferString(`{"refresh_token":"whatever"}`))
	rec := httptest.NewRecorder()

	s.handleOAuth2Revoke(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without an admin role, got %d", rec.Code)
	}
}

func TestHandleOAuth2Revoke_RevokesKnownToken(t *testing.T) {
	s, storage := newTestServer()
	seedClient(storage, "client-a", "correct-secret", models.RoleUser)

	tokenReq := httptest.NewRequest(http.MethodPost, "/v1/oauth2/token", nil)
	tokenReq.SetBasicAuth("client-a", "correct-secret")
	tokenRec := httptest.NewRecorder()
	s.handleOAuth2Token(tokenRec, tokenReq)
	var issued tokenResponse
	json.Unmarshal(tokenRec.Body.Bytes(), &issued)

	revokeReq := withAuth(httptest.NewRequest(http.MethodPost, "/v1/oauth2/revoke", bytes.NewBufferString(`{"refresh_token":"`+issued.RefreshToken+`"}`)), &common.AuthContext{ClientID: "admin", Role: models.RoleAdmin})
	revokeRec := httptest.NewRecorder()
	s.handleOAuth2Revoke(revokeRec, revokeReq)

	if revokeRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", revokeRec.Code, revokeRec.Body.String())
	}
}
