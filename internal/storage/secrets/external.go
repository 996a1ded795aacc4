package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
)

const (
	defaultTimeout = 10 * time.Second
)

// ExternalStore is a SecretsStore backed by a remote KV-v2-style secret
// service, addressed over plain HTTP. Grounds the same client shape as the
// teacher's Navexa/EODHD clients (functional options, single bearer token,
// JSON request/response), narrowed to the four operations Testflinger needs.
type ExternalStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *common.Logger
}

// ExternalStoreOption configures an ExternalStore.
type ExternalStoreOption func(*ExternalStore)

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) ExternalStoreOption {
	return func(s *ExternalStore) { s.logger = logger }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ExternalStoreOption {
	return func(s *ExternalStore) { s.httpClient.Timeout = timeout }
}

// NewExternalStore creates a client for a remote secret service at baseURL,
// authenticating with token.
func NewExternalStore(baseURL, token string, opts ...ExternalStoreOption) *ExternalStore {
	s := &ExternalStore{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type secretPayload struct {
	Value string `json:"value"`
}

type secretListPayload struct {
	Paths []string `json:"paths"`
}

func (s *ExternalStore) secretURL(namespace, path string) string {
	return fmt.Sprintf("%s/v1/secret/%s/%s", s.baseURL, url.PathEscape(namespace), url.PathEscape(path))
}

func (s *ExternalStore) do(ctx context.Context, method, urlStr string, body []byte, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("external secret store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSecretNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("external secret store error: status %d: %s", resp.StatusCode, string(data))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// GetSecret fetches a secret's value from the remote service.
func (s *ExternalStore) GetSecret(ctx context.Context, namespace, path string) (*models.Secret, error) {
	var payload secretPayload
	if err := s.do(ctx, http.MethodGet, s.secretURL(namespace, path), nil, &payload); err != nil {
		return nil, err
	}
	return &models.Secret{Namespace: namespace, Path: path, Value: payload.Value}, nil
}

// SetSecret writes a secret's value to the remote service.
func (s *ExternalStore) SetSecret(ctx context.Context, secret *models.Secret) error {
	body, err := json.Marshal(secretPayload{Value: secret.Value})
	if err != nil {
		return err
	}
	return s.do(ctx, http.MethodPut, s.secretURL(secret.Namespace, secret.Path), body, nil)
}

// DeleteSecret removes a secret from the remote service.
func (s *ExternalStore) DeleteSecret(ctx context.Context, namespace, path string) error {
	err := s.do(ctx, http.MethodDelete, s.secretURL(namespace, path), nil, nil)
	if err == ErrSecretNotFound {
		return nil
	}
	return err
}

// ListSecrets lists the paths stored under a namespace.
func (s *ExternalStore) ListSecrets(ctx context.Context, namespace string) ([]string, error) {
	listURL := fmt.Sprintf("%s/v1/secret/%s?list=true", s.baseURL, url.PathEscape(namespace))
	var payload secretListPayload
	if err := s.do(ctx, http.MethodGet, listURL, nil, &payload); err != nil {
		if err == ErrSecretNotFound {
			return nil, nil
		}
		return nil, err
	}
	return payload.Paths, nil
}
