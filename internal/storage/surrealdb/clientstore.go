package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/interfaces"
	"github.com/canonical/testflinger-go/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// clientRow is the DB-level representation of a registered client.
type clientRow struct {
	ClientID           string         `json:"client_id"`
	SecretHash         string         `json:"secret_hash"`
	Role               string         `json:"role"`
	MaxPriority        map[string]int `json:"max_priority,omitempty"`
	AllowedQueues      []string       `json:"allowed_queues,omitempty"`
	MaxReservationTime map[string]int `json:"max_reservation_time,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

func rowFromClient(perm *models.ClientPermissions) clientRow {
	return clientRow{
		ClientID:           perm.ClientID,
		SecretHash:         perm.SecretHash,
		Role:               string(perm.Role),
		MaxPriority:        perm.MaxPriority,
		AllowedQueues:      perm.AllowedQueues,
		MaxReservationTime: perm.MaxReservationTime,
		CreatedAt:          perm.CreatedAt,
	}
}

func (r clientRow) toPermissions() *models.ClientPermissions {
	return &models.ClientPermissions{
		ClientID:           r.ClientID,
		SecretHash:         r.SecretHash,
		Role:               models.Role(r.Role),
		MaxPriority:        r.MaxPriority,
		AllowedQueues:      r.AllowedQueues,
		MaxReservationTime: r.MaxReservationTime,
		CreatedAt:          r.CreatedAt,
	}
}

// ClientStore implements interfaces.ClientStore using SurrealDB.
type ClientStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewClientStore creates a new ClientStore.
func NewClientStore(db *surrealdb.DB, logger *common.Logger) *ClientStore {
	return &ClientStore{db: db, logger: logger}
}

// CreateClient registers a client, hashing its secret with bcrypt.
func (s *ClientStore) CreateClient(ctx context.Context, perm *models.ClientPermissions, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash client secret: %w", err)
	}
	perm.SecretHash = string(hash)
	if perm.CreatedAt.IsZero() {
		perm.CreatedAt = time.Now()
	}
	row := rowFromClient(perm)

	sql := `CREATE $rid SET
		client_id = $client_id, secret_hash = $secret_hash, role = $role,
		max_priority = $max_priority, allowed_queues = $allowed_queues,
		max_reservation_time = $max_reservation_time, created_at = $created_at`
	vars := map[string]any{
		"rid":                   surrealmodels.NewRecordID("client", row.ClientID),
		"client_id":             row.ClientID,
		"secret_hash":           row.SecretHash,
		"role":                  row.Role,
		"max_priority":          row.MaxPriority,
		"allowed_queues":        row.AllowedQueues,
		"max_reservation_time":  row.MaxReservationTime,
		"created_at":            row.CreatedAt,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to create client %s: %w", row.ClientID, err)
	}
	return nil
}

// GetClient retrieves a client's permissions record.
func (s *ClientStore) GetClient(ctx context.Context, clientID string) (*models.ClientPermissions, error) {
	sql := "SELECT * FROM ONLY $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("client", clientID)}

	result, err := surrealdb.Query[clientRow](ctx, s.db, sql, vars)
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("client not found: %s", clientID)
		}
		return nil, fmt.Errorf("failed to get client %s: %w", clientID, err)
	}
	if result == nil || len(*result) == 0 {
		return nil, fmt.Errorf("client not found: %s", clientID)
	}
	return (*result)[0].Result.toPermissions(), nil
}

// VerifyClientSecret checks clientID/secret against the stored bcrypt hash,
// returning the client's permissions on success.
func (s *ClientStore) VerifyClientSecret(ctx context.Context, clientID, secret string) (*models.ClientPermissions, error) {
	perm, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(perm.SecretHash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("invalid client secret")
	}
	return perm, nil
}

// UpdateClient persists changes to an existing client's permissions.
func (s *ClientStore) UpdateClient(ctx context.Context, perm *models.ClientPermissions) error {
	row := rowFromClient(perm)
	sql := `UPDATE $rid SET
		role = $role, max_priority = $max_priority, allowed_queues = $allowed_queues,
		max_reservation_time = $max_reservation_time`
	vars := map[string]any{
		"rid":                  surrealmodels.NewRecordID("client", row.ClientID),
		"role":                 row.Role,
		"max_priority":         row.MaxPriority,
		"allowed_queues":       row.AllowedQueues,
		"max_reservation_time": row.MaxReservationTime,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to update client %s: %w", row.ClientID, err)
	}
	return nil
}

// DeleteClient removes a client. The built-in admin client cannot be deleted.
func (s *ClientStore) DeleteClient(ctx context.Context, clientID string) error {
	if clientID == models.AdminClientID {
		return fmt.Errorf("cannot delete the built-in admin client")
	}
	rid := surrealmodels.NewRecordID("client", clientID)
	if _, err := surrealdb.Delete[clientRow](ctx, s.db, rid); err != nil && !isNotFoundError(err) {
		return fmt.Errorf("failed to delete client %s: %w", clientID, err)
	}
	return nil
}

// ListClients returns every registered client.
func (s *ClientStore) ListClients(ctx context.Context) ([]*models.ClientPermissions, error) {
	sql := "SELECT * FROM client ORDER BY created_at ASC"
	results, err := surrealdb.Query[[]clientRow](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	var clients []*models.ClientPermissions
	if results != nil && len(*results) > 0 {
		for _, row := range (*results)[0].Result {
			clients = append(clients, row.toPermissions())
		}
	}
	return clients, nil
}

var _ interfaces.ClientStore = (*ClientStore)(nil)
