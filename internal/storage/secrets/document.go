// Package secrets implements the embedded and external SecretsStore backends.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/canonical/testflinger-go/internal/common"
	"github.com/canonical/testflinger-go/internal/models"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("secrets")

// ErrSecretNotFound is returned when a namespace/path pair has no value.
var ErrSecretNotFound = errors.New("secret not found")

// DocumentStore is an embedded SecretsStore backed by bbolt, with values
// envelope-encrypted at rest using a data key loaded from disk.
type DocumentStore struct {
	db     *bolt.DB
	aead   cipher.AEAD
	logger *common.Logger
}

// NewDocumentStore opens (creating if absent) the bbolt database at dbPath,
// loading or generating an AES-256 data key at dataKeyPath.
func NewDocumentStore(logger *common.Logger, dbPath, dataKeyPath string) (*DocumentStore, error) {
	key, err := loadOrCreateDataKey(dataKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets data key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init AEAD: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open secrets database %s: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init secrets bucket: %w", err)
	}

	logger.Debug().Str("path", dbPath).Msg("secrets document store opened")
	return &DocumentStore{db: db, aead: aead, logger: logger}, nil
}

func loadOrCreateDataKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(key) != 32 {
			return nil, fmt.Errorf("data key at %s is not a valid 32-byte hex value", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist data key: %w", err)
	}
	return key, nil
}

func docKey(namespace, path string) []byte {
	return []byte(namespace + "/" + path)
}

func (s *DocumentStore) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *DocumentStore) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return s.aead.Open(nil, nonce, body, nil)
}

// GetSecret decrypts and returns the secret at namespace/path.
func (s *DocumentStore) GetSecret(ctx context.Context, namespace, path string) (*models.Secret, error) {
	var plaintext []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get(docKey(namespace, path))
		if v == nil {
			return ErrSecretNotFound
		}
		plaintext = append(plaintext, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	value, err := s.decrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret %s/%s: %w", namespace, path, err)
	}
	return &models.Secret{Namespace: namespace, Path: path, Value: string(value)}, nil
}

// SetSecret encrypts and stores a secret, overwriting any existing value.
func (s *DocumentStore) SetSecret(ctx context.Context, secret *models.Secret) error {
	ciphertext, err := s.encrypt([]byte(secret.Value))
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(docKey(secret.Namespace, secret.Path), ciphertext)
	})
}

// DeleteSecret removes a secret. No error if absent.
func (s *DocumentStore) DeleteSecret(ctx context.Context, namespace, path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Delete(docKey(namespace, path))
	})
}

// ListSecrets returns the paths stored under a namespace.
func (s *DocumentStore) ListSecrets(ctx context.Context, namespace string) ([]string, error) {
	prefix := []byte(namespace + "/")
	var paths []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			paths = append(paths, strings.TrimPrefix(string(k), string(prefix)))
		}
		return nil
	})
	return paths, err
}

// Close closes the underlying bbolt database.
func (s *DocumentStore) Close() error {
	return s.db.Close()
}
