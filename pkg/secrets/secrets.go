// Package secrets manages side-channel secrets: values set through the
// API that override envelope-less invocations. Values are held in memory
// for the invocation path and persisted encrypted-at-rest in a bbolt
// vault keyed by a local master key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var bucketSecrets = []byte("secrets")

// masterKeyFile holds the locally-generated vault key. It is created with
// owner-only permissions on first start.
const masterKeyFile = "master.key"

// Manager stores per-package secret overrides
type Manager struct {
	mu        sync.RWMutex
	overrides map[string]map[string]string // package -> name -> value
	key       []byte
	db        *bolt.DB
}

// NewManager opens the vault under dataDir, creating the master key on
// first use, and loads persisted overrides into memory
func NewManager(dataDir string) (*Manager, error) {
	key, err := loadOrCreateMasterKey(filepath.Join(dataDir, masterKeyFile))
	if err != nil {
		return nil, err
	}

	db, err := bolt.Open(filepath.Join(dataDir, "secrets.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open secrets vault: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSecrets)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	m := &Manager{overrides: map[string]map[string]string{}, key: key, db: db}
	if err := m.load(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the vault
func (m *Manager) Close() error {
	return m.db.Close()
}

// Set stores secrets for a package, replacing any previous values for
// the same names. Values are encrypted before they touch disk.
func (m *Manager) Set(packageID string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.overrides[packageID]
	if !ok {
		current = map[string]string{}
		m.overrides[packageID] = current
	}
	for k, v := range values {
		current[k] = v
	}

	plaintext, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshaling secrets: %w", err)
	}
	sealed, err := encrypt(m.key, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(packageID), sealed)
	})
}

// For returns a copy of the overrides for a package
func (m *Manager) For(packageID string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	current, ok := m.overrides[packageID]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(current))
	for k, v := range current {
		out[k] = v
	}
	return out
}

func (m *Manager) load() error {
	return m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).ForEach(func(k, v []byte) error {
			plaintext, err := decrypt(m.key, v)
			if err != nil {
				return fmt.Errorf("failed to decrypt secrets for %s: %w", k, err)
			}
			var values map[string]string
			if err := json.Unmarshal(plaintext, &values); err != nil {
				return fmt.Errorf("unmarshaling secrets for %s: %w", k, err)
			}
			m.overrides[string(k)] = values
			return nil
		})
	})
}

func loadOrCreateMasterKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		key, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("master key at %s is corrupt", path)
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write master key: %w", err)
	}
	return key, nil
}

// encrypt seals plaintext using AES-256-GCM with the nonce prepended
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt reverses encrypt
func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
