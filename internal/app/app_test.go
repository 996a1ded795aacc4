package app

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
)

// fakeClientStore is a minimal in-memory interfaces.ClientStore used to
// exercise bootstrapAdminClient without a SurrealDB connection.
type fakeClientStore struct {
	clients map[string]*models.ClientPermissions
}

func newFakeClientStore() *fakeClientStore {
	return &fakeClientStore{clients: map[string]*models.ClientPermissions{}}
}

func (f *fakeClientStore) CreateClient(ctx context.Context, perm *models.ClientPermissions, secret string) error {
	if _, exists := f.clients[perm.ClientID]; exists {
		return errors.New("client already exists")
	}
	f.clients[perm.ClientID] = perm
	return nil
}

func (f *fakeClientStore) GetClient(ctx context.Context, clientID string) (*models.ClientPermissions, error) {
	perm, ok := f.clients[clientID]
	if !ok {
		return nil, nil
	}
	return perm, nil
}

func (f *fakeClientStore) VerifyClientSecret(ctx context.Context, clientID, secret string) (*models.ClientPermissions, error) {
	return f.clients[clientID], nil
}

func (f *fakeClientStore) UpdateClient(ctx context.Context, perm *models.ClientPermissions) error {
	f.clients[perm.ClientID] = perm
	return nil
}

func (f *fakeClientStore) DeleteClient(ctx context.Context, clientID string) error {
	delete(f.clients, clientID)
	return nil
}

func (f *fakeClientStore) ListClients(ctx context.Context) ([]*models.ClientPermissions, error) {
	var out []*models.ClientPermissions
	for _, perm := range f.clients {
		out = append(out, perm)
	}
	return out, nil
}

// TestBootstrapAdminClient_CreatesClientWhenSecretConfigured verifies the
// built-in admin client is created once TESTFLINGER_ADMIN_SECRET is set.
func TestBootstrapAdminClient_CreatesClientWhenSecretConfigured(t *testing.T) {
	t.Setenv("TESTFLINGER_ADMIN_SECRET", "s3cret-value")

	store := newFakeClientStore()
	logger := common.NewSilentLogger()

	if err := bootstrapAdminClient(context.Background(), store, logger); err != nil {
		t.Fatalf("bootstrapAdminClient failed: %v", err)
	}

	perm, err := store.GetClient(context.Background(), models.AdminClientID)
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if perm == nil {
		t.Fatal("expected admin client to be created")
	}
	if perm.Role != models.RoleAdmin {
		t.Errorf("expected RoleAdmin, got %q", perm.Role)
	}
}

// TestBootstrapAdminClient_SkipsWithoutSecret verifies bootstrap is a no-op
// when no secret is configured, rather than failing startup.
func TestBootstrapAdminClient_SkipsWithoutSecret(t *testing.T) {
	os.Unsetenv("TESTFLINGER_ADMIN_SECRET")

	store := newFakeClientStore()
	logger := common.NewSilentLogger()

	if err := bootstrapAdminClient(context.Background(), store, logger); err != nil {
		t.Fatalf("bootstrapAdminClient should not error without a secret: %v", err)
	}
	if perm, _ := store.GetClient(context.Background(), models.AdminClientID); perm != nil {
		t.Error("expected no admin client to be created without a secret")
	}
}

// TestBootstrapAdminClient_SkipsWhenAlreadyExists verifies bootstrap never
// overwrites an existing admin client's permissions.
func TestBootstrapAdminClient_SkipsWhenAlreadyExists(t *testing.T) {
	t.Setenv("TESTFLINGER_ADMIN_SECRET", "ignored")

	store := newFakeClientStore()
	existing := &models.ClientPermissions{ClientID: models.AdminClientID, Role: models.RoleAdmin, CreatedAt: time.Now()}
	store.clients[models.AdminClientID] = existing

	logger := common.NewSilentLogger()
	if err := bootstrapAdminClient(context.Background(), store, logger); err != nil {
		t.Fatalf("bootstrapAdminClient failed: %v", err)
	}
	if store.clients[models.AdminClientID] != existing {
		t.Error("bootstrapAdminClient should not replace an existing admin client")
	}
}

// TestNewLoggerFromConfig_FallsBackToConsole verifies a logger is still
// produced when file output is requested but the path cannot be opened.
func TestNewLoggerFromConfig_FallsBackToConsole(t *testing.T) {
	cfg := common.LoggingConfig{Level: "error", Output: "file", FilePath: "/nonexistent-dir/does-not-exist/x.log"}
	logger := newLoggerFromConfig(cfg)
	if logger == nil {
		t.Fatal("expected a non-nil logger even when the file path is invalid")
	}
}

// TestNewApp_InvalidConfigReturnsError verifies that malformed TOML content
// surfaces a meaningful error before any storage connection is attempted.
func TestNewApp_InvalidConfigReturnsError(t *testing.T) {
	dir := t.TempDir()
	configPath := dir + "/bad.toml"
	if err := os.WriteFile(configPath, []byte("{{{{invalid toml"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := NewApp(configPath)
	if err == nil {
		t.Fatal("expected error for invalid config content, got nil")
	}
}
