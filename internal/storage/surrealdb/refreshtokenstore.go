package surrealdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/interfaces"
	"github.com/canonical/testflinger-go/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// refreshTokenRow is the DB-level representation of a refresh token. The row
// id is the hash of the raw token, never the raw value itself — a
// client-only credential, with no end-user or scope.
type refreshTokenRow struct {
	TokenHash    string     `json:"token_hash"`
	ClientID     string     `json:"client_id"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Revoked      bool       `json:"revoked"`
	LastAccessed time.Time  `json:"last_accessed"`
}

// RefreshTokenStore implements interfaces.RefreshTokenStore using SurrealDB.
type RefreshTokenStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewRefreshTokenStore creates a new RefreshTokenStore.
func NewRefreshTokenStore(db *surrealdb.DB, logger *common.Logger) *RefreshTokenStore {
	return &RefreshTokenStore{db: db, logger: logger}
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// SaveRefreshToken stores a new refresh token, hashing rawToken for lookup.
func (s *RefreshTokenStore) SaveRefreshToken(ctx context.Context, token *models.RefreshToken, rawToken string) error {
	hash := hashToken(rawToken)
	token.TokenHash = hash
	sql := `UPSERT $rid SET
		token_hash = $token_hash, client_id = $client_id, issued_at = $issued_at,
		expires_at = $expires_at, revoked = $revoked, last_accessed = $last_accessed`
	vars := map[string]any{
		"rid":           surrealmodels.NewRecordID("refresh_token", hash),
		"token_hash":    hash,
		"client_id":     token.ClientID,
		"issued_at":     token.IssuedAt,
		"expires_at":    token.ExpiresAt,
		"revoked":       token.Revoked,
		"last_accessed": token.LastAccessed,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken looks up a refresh token by its raw value.
func (s *RefreshTokenStore) GetRefreshToken(ctx context.Context, rawToken string) (*models.RefreshToken, error) {
	hash := hashToken(rawToken)
	sql := "SELECT * FROM ONLY $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("refresh_token", hash)}

	result, err := surrealdb.Query[refreshTokenRow](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("refresh token not found")
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if result == nil || len(*result) == 0 {
		return nil, fmt.Errorf("refresh token not found")
	}
	row := (*result)[0].Result
	return &models.RefreshToken{
		TokenHash:    row.TokenHash,
		ClientID:     row.ClientID,
		IssuedAt:     row.IssuedAt,
		ExpiresAt:    row.ExpiresAt,
		Revoked:      row.Revoked,
		LastAccessed: row.LastAccessed,
	}, nil
}

// RevokeRefreshToken marks a token revoked.
func (s *RefreshTokenStore) RevokeRefreshToken(ctx context.Context, rawToken string) error {
	hash := hashToken(rawToken)
	sql := "UPDATE $rid SET revoked = true"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("refresh_token", hash)}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeRefreshTokensByClient revokes every token issued to a client.
func (s *RefreshTokenStore) RevokeRefreshTokensByClient(ctx context.Context, clientID string) error {
	sql := "UPDATE refresh_token SET revoked = true WHERE client_id = $client_id"
	vars := map[string]any{"client_id": clientID}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens for client %s: %w", clientID, err)
	}
	return nil
}

// UpdateRefreshTokenLastUsed records the most recent use of a token.
func (s *RefreshTokenStore) UpdateRefreshTokenLastUsed(ctx context.Context, rawToken string, when time.Time) error {
	hash := hashToken(rawToken)
	sql := "UPDATE $rid SET last_accessed = $when"
	vars := map[string]any{
		"rid":  surrealmodels.NewRecordID("refresh_token", hash),
		"when": when,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to update refresh token last use: %w", err)
	}
	return nil
}

// PurgeExpiredTokens deletes every token past its expiry.
func (s *RefreshTokenStore) PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	sql := "DELETE FROM refresh_token WHERE expires_at != NONE AND expires_at < $now"
	vars := map[string]any{"now": now}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to purge expired tokens: %w", err)
	}
	return 0, nil
}

var _ interfaces.RefreshTokenStore = (*RefreshTokenStore)(nil)
