// Package common provides shared utilities for the Testflinger server and agent.
package common

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds server configuration for the dispatch core.
type Config struct {
	Environment string        `toml:"environment"`
	Server      ServerConfig  `toml:"server"`
	Store       StoreConfig   `toml:"store"`
	Blob        BlobConfig    `toml:"blob"`
	Secrets     SecretsConfig `toml:"secrets"`
	Auth        AuthConfig    `toml:"auth"`
	Logging     LoggingConfig `toml:"logging"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	ListenAddress   string `toml:"listen_address"`
	ShutdownTimeout string `toml:"shutdown_timeout"` // duration string, default "10s"
}

// GetShutdownTimeout parses and returns the shutdown timeout duration.
func (c *ServerConfig) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// StoreConfig selects and configures the job/queue/client metadata backend.
type StoreConfig struct {
	Backend   string          `toml:"backend"` // "surrealdb"
	SurrealDB SurrealDBConfig `toml:"surrealdb"`
}

// SurrealDBConfig holds SurrealDB connection settings.
type SurrealDBConfig struct {
	Endpoint  string `toml:"endpoint"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// BlobConfig selects and configures the attachment/artifact archive store.
type BlobConfig struct {
	Backend string         `toml:"backend"` // "file", "gcs", "s3"
	File    FileBlobConfig `toml:"file"`
	GCS     GCSConfig      `toml:"gcs"`
	S3      S3Config       `toml:"s3"`
}

// FileBlobConfig holds local-filesystem blob store settings.
type FileBlobConfig struct {
	BasePath string `toml:"base_path"`
}

// GCSConfig holds Google Cloud Storage configuration.
type GCSConfig struct {
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	CredentialsFile string `toml:"credentials_file"`
}

// S3Config holds AWS S3 (or S3-compatible) configuration.
type S3Config struct {
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// SecretsConfig selects and configures the agent-secret backend.
type SecretsConfig struct {
	Backend  string               `toml:"backend"` // "document", "external"
	Document DocumentSecretConfig `toml:"document"`
	External ExternalSecretConfig `toml:"external"`
}

// DocumentSecretConfig holds the embedded envelope-encrypted secret store settings.
type DocumentSecretConfig struct {
	DataKeyPath string `toml:"data_key_path"` // path to the file holding the AES-256 data key
	DBPath      string `toml:"db_path"`
}

// ExternalSecretConfig holds settings for a KV-v2-style external secret service.
type ExternalSecretConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
}

// GetTimeout parses and returns the external secret client timeout.
func (c *ExternalSecretConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// AuthConfig holds access/refresh token lifetime and signing configuration.
type AuthConfig struct {
	AccessTokenTTL  string `toml:"access_token_ttl"`  // duration string, default "30s"
	RefreshTokenTTL string `toml:"refresh_token_ttl"` // duration string, default "720h" (30d)
	JWTSigningKeyEnv string `toml:"jwt_signing_key_env"` // name of the env var holding the HMAC key
}

// GetAccessTokenTTL parses and returns the access token lifetime.
func (c *AuthConfig) GetAccessTokenTTL() time.Duration {
	d, err := time.ParseDuration(c.AccessTokenTTL)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetRefreshTokenTTL parses and returns the default refresh token lifetime.
func (c *AuthConfig) GetRefreshTokenTTL() time.Duration {
	d, err := time.ParseDuration(c.RefreshTokenTTL)
	if err != nil {
		return 720 * time.Hour
	}
	return d
}

// SigningKey resolves the HMAC signing key from the env var it names.
func (c *AuthConfig) SigningKey() []byte {
	name := c.JWTSigningKeyEnv
	if name == "" {
		name = "TESTFLINGER_JWT_SIGNING_KEY"
	}
	return []byte(os.Getenv(name))
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level    string `toml:"level"`
	Output   string `toml:"output"` // "console" or "file"; any other value, "both" included, logs to the console only
	FilePath string `toml:"file_path"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			ListenAddress:   "0.0.0.0:8080",
			ShutdownTimeout: "10s",
		},
		Store: StoreConfig{
			Backend: "surrealdb",
			SurrealDB: SurrealDBConfig{
				Endpoint:  "ws://localhost:8000",
				Namespace: "testflinger",
				Database:  "dispatch",
			},
		},
		Blob: BlobConfig{
			Backend: "file",
			File:    FileBlobConfig{BasePath: "data/attachments"},
		},
		Secrets: SecretsConfig{
			Backend: "document",
			Document: DocumentSecretConfig{
				DataKeyPath: "data/secrets.key",
				DBPath:      "data/secrets.db",
			},
		},
		Auth: AuthConfig{
			AccessTokenTTL:   "30s",
			RefreshTokenTTL:  "720h",
			JWTSigningKeyEnv: "TESTFLINGER_JWT_SIGNING_KEY",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Later files override earlier ones; missing files are skipped.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies TESTFLINGER_* environment variable overrides.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("TESTFLINGER_ENV"); env != "" {
		config.Environment = env
	}
	if addr := os.Getenv("TESTFLINGER_LISTEN_ADDRESS"); addr != "" {
		config.Server.ListenAddress = addr
	}
	if level := os.Getenv("TESTFLINGER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if v := os.Getenv("TESTFLINGER_SURREALDB_ENDPOINT"); v != "" {
		config.Store.SurrealDB.Endpoint = v
	}
	if v := os.Getenv("TESTFLINGER_SURREALDB_NAMESPACE"); v != "" {
		config.Store.SurrealDB.Namespace = v
	}
	if v := os.Getenv("TESTFLINGER_SURREALDB_DATABASE"); v != "" {
		config.Store.SurrealDB.Database = v
	}
	if v := os.Getenv("TESTFLINGER_SURREALDB_USERNAME"); v != "" {
		config.Store.SurrealDB.Username = v
	}
	if v := os.Getenv("TESTFLINGER_SURREALDB_PASSWORD"); v != "" {
		config.Store.SurrealDB.Password = v
	}
	if v := os.Getenv("TESTFLINGER_BLOB_BASE_PATH"); v != "" {
		config.Blob.File.BasePath = v
	}
	if v := os.Getenv("TESTFLINGER_SECRETS_DATA_KEY_PATH"); v != "" {
		config.Secrets.Document.DataKeyPath = v
	}
	if v := os.Getenv("TESTFLINGER_ACCESS_TOKEN_TTL"); v != "" {
		config.Auth.AccessTokenTTL = v
	}
	if v := os.Getenv("TESTFLINGER_REFRESH_TOKEN_TTL"); v != "" {
		config.Auth.RefreshTokenTTL = v
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
