package surrealdb

import (
	"context"
	"fmt"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/interfaces"
	"github.com/canonical/testflinger-go/internal/storage"
	"github.com/canonical/testflinger-go/internal/storage/secrets"
	"github.com/surrealdb/surrealdb.go"
)

// Manager implements interfaces.StorageManager, wiring SurrealDB-backed
// metadata stores together with the blob and secrets backends the
// configuration selects.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	jobStore          *JobStore
	fragmentStore     *FragmentStore
	resultStore       *ResultStore
	clientStore       *ClientStore
	refreshTokenStore *RefreshTokenStore
	queueStore        *QueueStore
	secretsStore      interfaces.SecretsStore
	attachments       interfaces.BlobStore
	artifacts         interfaces.BlobStore
}

// NewManager creates a new StorageManager connected to SurrealDB, with blob
// and secrets backends selected from config.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.Store.SurrealDB.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if config.Store.SurrealDB.Username != "" {
		if _, err := db.SignIn(ctx, map[string]interface{}{
			"user": config.Store.SurrealDB.Username,
			"pass": config.Store.SurrealDB.Password,
		}); err != nil {
			return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
		}
	}

	if err := db.Use(ctx, config.Store.SurrealDB.Namespace, config.Store.SurrealDB.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	tables := []string{"job", "log_fragment", "result", "client", "refresh_token", "restricted_queue", "agent", "queue"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}

	attachments, err := storage.NewBlobStore(logger, &storage.BlobStoreConfig{
		Backend: config.Blob.Backend,
		File:    storage.FileBlobConfig{BasePath: config.Blob.File.BasePath + "/attachments"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init attachment blob store: %w", err)
	}
	artifacts, err := storage.NewBlobStore(logger, &storage.BlobStoreConfig{
		Backend: config.Blob.Backend,
		File:    storage.FileBlobConfig{BasePath: config.Blob.File.BasePath + "/artifacts"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init artifact blob store: %w", err)
	}

	secretsStore, err := newSecretsStore(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to init secrets store: %w", err)
	}

	m := &Manager{
		db:                db,
		logger:            logger,
		jobStore:          NewJobStore(db, logger),
		fragmentStore:     NewFragmentStore(db, logger),
		resultStore:       NewResultStore(db, logger),
		clientStore:       NewClientStore(db, logger),
		refreshTokenStore: NewRefreshTokenStore(db, logger),
		queueStore:        NewQueueStore(db, logger),
		secretsStore:      secretsStore,
		attachments:       attachments,
		artifacts:         artifacts,
	}

	logger.Info().
		Str("endpoint", config.Store.SurrealDB.Endpoint).
		Str("namespace", config.Store.SurrealDB.Namespace).
		Str("database", config.Store.SurrealDB.Database).
		Msg("SurrealDB storage manager initialized")

	return m, nil
}

func newSecretsStore(logger *common.Logger, config *common.Config) (interfaces.SecretsStore, error) {
	switch config.Secrets.Backend {
	case "external":
		return secrets.NewExternalStore(
			config.Secrets.External.BaseURL,
			config.Secrets.External.Token,
			secrets.WithLogger(logger),
			secrets.WithTimeout(config.Secrets.External.GetTimeout()),
		), nil
	default:
		return secrets.NewDocumentStore(logger, config.Secrets.Document.DBPath, config.Secrets.Document.DataKeyPath)
	}
}

func (m *Manager) Jobs() interfaces.JobStore                   { return m.jobStore }
func (m *Manager) Fragments() interfaces.FragmentStore          { return m.fragmentStore }
func (m *Manager) Results() interfaces.ResultStore              { return m.resultStore }
func (m *Manager) Clients() interfaces.ClientStore              { return m.clientStore }
func (m *Manager) RefreshTokens() interfaces.RefreshTokenStore  { return m.refreshTokenStore }
func (m *Manager) Queues() interfaces.QueueStore                { return m.queueStore }
func (m *Manager) Secrets() interfaces.SecretsStore             { return m.secretsStore }
func (m *Manager) Attachments() interfaces.BlobStore            { return m.attachments }
func (m *Manager) Artifacts() interfaces.BlobStore              { return m.artifacts }

// Close releases the SurrealDB connection and every backing store.
func (m *Manager) Close() error {
	if m.attachments != nil {
		m.attachments.Close()
	}
	if m.artifacts != nil {
		m.artifacts.Close()
	}
	if closer, ok := m.secretsStore.(interface{ Close() error }); ok {
		closer.Close()
	}
	m.db.Close(context.Background())
	return nil
}

var _ interfaces.StorageManager = (*Manager)(nil)
