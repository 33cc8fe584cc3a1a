package lockfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPid(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, false)
	require.NoError(t, err)
	defer lock.Release()

	data, err := os.ReadFile(filepath.Join(dir, LockFileName))
	require.NoError(t, err)
	line, _, _ := strings.Cut(string(data), "\n")
	assert.Equal(t, strconv.Itoa(os.Getpid()), line)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, false)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	again, err := Acquire(dir, false)
	require.NoError(t, err)
	assert.NoError(t, again.Release())
}

func TestHolderPid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	require.NoError(t, os.WriteFile(path, []byte("4242\nignored"), 0o644))
	pid, ok := holderPid(path)
	assert.True(t, ok)
	assert.Equal(t, 4242, pid)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, ok = holderPid(path)
	assert.False(t, ok)

	_, ok = holderPid(filepath.Join(dir, "missing"))
	assert.False(t, ok)
}
