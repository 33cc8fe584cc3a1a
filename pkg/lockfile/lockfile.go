// Package lockfile guarantees a single server instance per data
// directory through an advisory file lock held for the process lifetime.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/sema4ai/actionserver/pkg/types"
)

// LockFileName is the well-known lock file inside the data directory
const LockFileName = "action-server.lock"

// acquireWindow is how long Acquire waits for a prior holder to exit
const acquireWindow = 5 * time.Second

// retryInterval paces acquisition attempts inside the window
const retryInterval = 250 * time.Millisecond

// Lock is a held data-directory lock
type Lock struct {
	flock *flock.Flock
	path  string
}

// Acquire takes the data-directory lock, writing this process id on the
// first line. A lock held by another process is retried for a short
// grace window; continued failure reports ErrDataDirLocked. With
// killHolder set, the recorded holder is terminated before retrying.
func Acquire(dataDir string, killHolder bool) (*Lock, error) {
	path := filepath.Join(dataDir, LockFileName)
	fl := flock.New(path)

	if killHolder {
		if pid, ok := holderPid(path); ok && pid != os.Getpid() {
			// Best effort; the retry loop below observes the outcome
			if proc, err := os.FindProcess(pid); err == nil {
				proc.Signal(syscall.SIGTERM)
			}
		}
	}

	deadline := time.Now().Add(acquireWindow)
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			pid, _ := holderPid(path)
			return nil, types.NewError(types.ErrDataDirLocked,
				"data directory %s is locked by pid %d", dataDir, pid)
		}
		time.Sleep(retryInterval)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("writing pid to lock file: %w", err)
	}
	return &Lock{flock: fl, path: path}, nil
}

// Release drops the lock and removes the file
func (l *Lock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return err
	}
	os.Remove(l.path)
	return nil
}

// holderPid reads the pid recorded on the lock file's first line
func holderPid(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
