package secrets

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndFor(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Set("greeter", map[string]string{"api_key": "k1"}))
	require.NoError(t, m.Set("greeter", map[string]string{"token": "t1"}))

	got := m.For("greeter")
	assert.Equal(t, "k1", got["api_key"])
	assert.Equal(t, "t1", got["token"])
	assert.Nil(t, m.For("unknown"))
}

// The returned map is a copy; callers cannot mutate stored state
func TestForReturnsCopy(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Set("p", map[string]string{"a": "1"}))
	got := m.For("p")
	got["a"] = "mutated"
	assert.Equal(t, "1", m.For("p")["a"])
}

// Overrides survive a restart through the encrypted vault
func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir)
	require.NoError(t, err)
	require.NoError(t, m.Set("greeter", map[string]string{"pw": "hunter2"}))
	require.NoError(t, m.Close())

	reopened, err := NewManager(dir)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, "hunter2", reopened.For("greeter")["pw"])
}

// Secret values never appear in plaintext on disk
func TestVaultIsEncryptedAtRest(t *testing.T) {
	dir := t.TempDir()

	m, err := NewManager(dir)
	require.NoError(t, err)
	require.NoError(t, m.Set("greeter", map[string]string{"pw": "very-secret-value"}))
	require.NoError(t, m.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "secrets.db"))
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "very-secret-value"))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	sealed, err := encrypt(key, []byte("payload"))
	require.NoError(t, err)
	plain, err := decrypt(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))

	wrong := make([]byte, 32)
	_, err = rand.Read(wrong)
	require.NoError(t, err)
	_, err = decrypt(wrong, sealed)
	assert.Error(t, err)

	_, err = decrypt(key, []byte("short"))
	assert.Error(t, err)
}

func TestCorruptMasterKeyRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, masterKeyFile), []byte("not-a-key"), 0o600))

	_, err := NewManager(dir)
	assert.Error(t, err)
}
