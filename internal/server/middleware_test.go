package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
)

func TestRecoveryMiddleware_CatchesPanicAndReturns500(t *testing.T) {
	logger := common.NewSilentLogger()
	handler := recoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after a recovered panic, got %d", rec.Code)
	}
}

func TestCorsMiddleware_RespondsToPreflight(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("expected OPTIONS preflight to be handled without reaching the inner handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/job", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS origin header to be set")
	}
}

func TestCorrelationIDMiddleware_GeneratesIDWhenAbsent(t *testing.T) {
	handler := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/job", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("expected a correlation id to be generated")
	}
}

func TestCorrelationIDMiddleware_PreservesIncomingID(t *testing.T) {
	handler := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/job", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Correlation-ID"); got != "caller-supplied-id" {
		t.Fatalf("expected the caller-supplied correlation id to be preserved, got %q", got)
	}
}

func TestSignAndValidateAccessToken_RoundTrips(t *testing.T) {
	cfg := &common.AuthConfig{AccessTokenTTL: "1h"}

	token, err := signAccessToken("client-a", []string{"user"}, cfg)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	claims, err := validateAccessToken(token, cfg)
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}
	if claims.Subject != "client-a" {
		t.Errorf("expected subject client-a, got %q", claims.Subject)
	}
	if len(claims.Permissions) != 1 || claims.Permissions[0] != "user" {
		t.Errorf("expected permissions to round-trip, got %v", claims.Permissions)
	}
}

func TestValidateAccessToken_RejectsExpiredToken(t *testing.T) {
	cfg := &common.AuthConfig{AccessTokenTTL: "-1h"}

	token, err := signAccessToken("client-a", nil, cfg)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := validateAccessToken(token, cfg); err == nil {
		t.Fatal("expected validation to fail for an expired token")
	}
}

func TestBearerTokenMiddleware_PassesThroughUnauthenticatedRequests(t *testing.T) {
	cfg := &common.Config{}
	storage := newFakeStorage()
	handler := bearerTokenMiddleware(cfg, storage.clients)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if common.AuthContextFromContext(r.Context()) != nil {
			t.Fatal("expected no auth context for an unauthenticated request")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/job", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestBearerTokenMiddleware_PopulatesAuthContextForValidToken(t *testing.T) {
	cfg := &common.Config{}
	storage := newFakeStorage()
	seedClient(storage, "client-a", "secret", models.RoleManager)

	token, err := signAccessToken("client-a", []string{"manager"}, &cfg.Auth)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	var seen *common.AuthContext
	handler := bearerTokenMiddleware(cfg, storage.clients)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = common.AuthContextFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/job", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen == nil || seen.ClientID != "client-a" || seen.Role != models.RoleManager {
		t.Fatalf("expected auth context to be populated from the token, got %+v", seen)
	}
}

func TestBearerTokenMiddleware_RejectsMalformedToken(t *testing.T) {
	cfg := &common.Config{}
	storage := newFakeStorage()
	handler := bearerTokenMiddleware(cfg, storage.clients)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("expected the inner handler not to run for a malformed token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/job", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a malformed token, got %d", rec.Code)
	}
}
