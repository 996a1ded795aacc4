package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/interfaces"
	"github.com/canonical/testflinger-go/internal/models"
	"github.com/canonical/testflinger-go/internal/storage/surrealdb"
)

// App holds the configuration, logger, and storage manager shared across the
// dispatch core's HTTP server. It is the core used by cmd/testflinger-server.
type App struct {
	Config      *common.Config
	Logger      *common.Logger
	Storage     interfaces.StorageManager
	StartupTime time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes configuration, logging, and storage for the dispatch
// core. configPath may be empty, in which case the default resolution logic
// is used.
func NewApp(configPath string) (*App, error) {
	startupStart := time.Now()

	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	if configPath == "" {
		configPath = os.Getenv("TESTFLINGER_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "testflinger-server.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/testflinger-server.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if config.Blob.File.BasePath != "" && !filepath.IsAbs(config.Blob.File.BasePath) {
		config.Blob.File.BasePath = filepath.Join(binDir, config.Blob.File.BasePath)
	}
	if config.Secrets.Document.DBPath != "" && !filepath.IsAbs(config.Secrets.Document.DBPath) {
		config.Secrets.Document.DBPath = filepath.Join(binDir, config.Secrets.Document.DBPath)
	}
	if config.Secrets.Document.DataKeyPath != "" && !filepath.IsAbs(config.Secrets.Document.DataKeyPath) {
		config.Secrets.Document.DataKeyPath = filepath.Join(binDir, config.Secrets.Document.DataKeyPath)
	}
	if config.Logging.FilePath != "" && !filepath.IsAbs(config.Logging.FilePath) {
		config.Logging.FilePath = filepath.Join(binDir, config.Logging.FilePath)
	}

	logger := newLoggerFromConfig(config.Logging)

	storageManager, err := surrealdb.NewManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	ctx := context.Background()
	if err := bootstrapAdminClient(ctx, storageManager.Clients(), logger); err != nil {
		logger.Warn().Err(err).Msg("admin client bootstrap skipped")
	}

	if n, err := storageManager.Jobs().ResetAllocated(ctx, 0); err != nil {
		logger.Warn().Err(err).Msg("failed to reset allocated jobs on startup")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("reclaimed jobs stuck in allocated state")
	}

	a := &App{
		Config:      config,
		Logger:      logger,
		Storage:     storageManager,
		StartupTime: startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("app initialized")

	return a, nil
}

// newLoggerFromConfig builds a Logger according to the configured output
// sink. File output falls back to the console if the file cannot be opened.
func newLoggerFromConfig(cfg common.LoggingConfig) *common.Logger {
	if cfg.Output == "file" && cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			return common.NewLoggerWithOutput(cfg.Level, f)
		}
	}
	return common.NewLogger(cfg.Level)
}

// bootstrapAdminClient creates the built-in admin client on first startup,
// using a secret supplied out-of-band via TESTFLINGER_ADMIN_SECRET. If the
// client already exists, or no secret is configured, this is a no-op.
func bootstrapAdminClient(ctx context.Context, clients interfaces.ClientStore, logger *common.Logger) error {
	existing, err := clients.GetClient(ctx, models.AdminClientID)
	if err == nil && existing != nil {
		return nil
	}

	secret := os.Getenv("TESTFLINGER_ADMIN_SECRET")
	if secret == "" {
		logger.Warn().Msg("TESTFLINGER_ADMIN_SECRET not set, skipping admin client bootstrap")
		return nil
	}

	perm := &models.ClientPermissions{
		ClientID:    models.AdminClientID,
		Role:        models.RoleAdmin,
		MaxPriority: map[string]int{"*": 100},
		CreatedAt:   time.Now(),
	}
	if err := clients.CreateClient(ctx, perm, secret); err != nil {
		return fmt.Errorf("failed to bootstrap admin client: %w", err)
	}
	logger.Info().Msg("bootstrapped built-in admin client")
	return nil
}

// Close releases all resources held by the App.
func (a *App) Close() {
	if a.Storage != nil {
		a.Storage.Close()
		a.Storage = nil
	}
}
