// Package environment wraps the external environment-builder tool. Each
// action package gets an isolated runtime environment keyed by a content
// hash of its manifest; builds are cached on disk and deduplicated with
// single-flight semantics so concurrent imports of the same manifest wait
// on one build.
package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"

	"github.com/sema4ai/actionserver/pkg/log"
	"github.com/sema4ai/actionserver/pkg/metrics"
	"github.com/sema4ai/actionserver/pkg/types"
)

var bucketEnvironments = []byte("environments")

// workerLauncher is the executable the builder installs into every
// prepared environment
const workerLauncher = "action-worker"

// CommandRunner executes the opaque builder subprocess and returns its
// combined output. Replaceable in tests.
type CommandRunner func(ctx context.Context, argv []string) ([]byte, error)

func execRunner(ctx context.Context, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	return cmd.CombinedOutput()
}

// Builder prepares and caches action environments
type Builder struct {
	envsDir       string
	argv          []string
	containerHint bool
	db            *bolt.DB
	group         singleflight.Group
	runner        CommandRunner
	logger        zerolog.Logger
}

// Config holds builder configuration
type Config struct {
	// DataDir is the server data directory; environments live under
	// <DataDir>/envs
	DataDir string
	// Argv is the builder command template; the manifest path and output
	// directory are appended per build
	Argv []string
	// ContainerHint passes the container-optimized flag to the builder
	ContainerHint bool
	// Runner overrides subprocess execution, nil means os/exec
	Runner CommandRunner
}

// NewBuilder creates the adapter and opens its on-disk cache index
func NewBuilder(cfg Config) (*Builder, error) {
	if len(cfg.Argv) == 0 {
		return nil, fmt.Errorf("builder command template is empty")
	}

	envsDir := filepath.Join(cfg.DataDir, "envs")
	if err := os.MkdirAll(envsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating envs directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(envsDir, "index.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open environment index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEnvironments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	runner := cfg.Runner
	if runner == nil {
		runner = execRunner
	}

	return &Builder{
		envsDir:       envsDir,
		argv:          cfg.Argv,
		containerHint: cfg.ContainerHint,
		db:            db,
		runner:        runner,
		logger:        log.WithComponent("environment"),
	}, nil
}

// Close closes the cache index
func (b *Builder) Close() error {
	return b.db.Close()
}

// Ensure returns the prepared environment for an env key, building it if
// necessary. Concurrent calls for the same key wait on one in-progress
// build.
func (b *Builder) Ensure(ctx context.Context, key, manifestPath string) (*types.EnvironmentHandle, error) {
	if handle := b.cached(key); handle != nil {
		b.touch(handle)
		return handle, nil
	}

	result, err, _ := b.group.Do(key, func() (any, error) {
		// A racing caller may have completed the build while this one
		// waited for the flight slot
		if handle := b.cached(key); handle != nil {
			return handle, nil
		}
		return b.build(ctx, key, manifestPath)
	})
	if err != nil {
		return nil, err
	}

	handle := result.(*types.EnvironmentHandle)
	b.touch(handle)
	return handle, nil
}

// cached returns the handle recorded in the index when its directory
// still exists on disk
func (b *Builder) cached(key string) *types.EnvironmentHandle {
	var handle *types.EnvironmentHandle
	b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEnvironments).Get([]byte(key))
		if data == nil {
			return nil
		}
		var h types.EnvironmentHandle
		if err := json.Unmarshal(data, &h); err != nil {
			return nil
		}
		if _, err := os.Stat(h.Location); err != nil {
			return nil
		}
		handle = &h
		return nil
	})
	return handle
}

// build invokes the opaque builder subprocess, capturing its output into
// the per-package diagnostics
func (b *Builder) build(ctx context.Context, key, manifestPath string) (*types.EnvironmentHandle, error) {
	location := filepath.Join(b.envsDir, key)

	argv := append([]string{}, b.argv...)
	if b.containerHint {
		argv = append(argv, "--container")
	}
	argv = append(argv, "--output", location, manifestPath)

	b.logger.Info().Str("env_key", key).Msg("Building environment")
	timer := metrics.NewTimer()
	output, err := b.runner(ctx, argv)
	timer.ObserveDuration(metrics.EnvironmentBuildDuration)
	if err != nil {
		return nil, fmt.Errorf("environment build failed for %s: %w\n%s", key, err, output)
	}

	handle := &types.EnvironmentHandle{
		Key:        key,
		Location:   location,
		WorkerArgv: []string{filepath.Join(location, "bin", workerLauncher)},
		LastUsed:   time.Now(),
	}
	if err := b.record(handle); err != nil {
		return nil, err
	}
	b.logger.Info().Str("env_key", key).Dur("took", timer.Duration()).Msg("Environment ready")
	return handle, nil
}

func (b *Builder) record(handle *types.EnvironmentHandle) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(handle)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEnvironments).Put([]byte(handle.Key), data)
	})
}

// touch refreshes the handle's last-used timestamp in the index
func (b *Builder) touch(handle *types.EnvironmentHandle) {
	handle.LastUsed = time.Now()
	if err := b.record(handle); err != nil {
		b.logger.Warn().Err(err).Str("env_key", handle.Key).Msg("Failed to record environment use")
	}
}

// CleanCaches removes the builder tool's scratch state. Prepared
// environments are untouched.
func (b *Builder) CleanCaches(ctx context.Context) error {
	argv := append(append([]string{}, b.argv...), "--clean-caches")
	output, err := b.runner(ctx, argv)
	if err != nil {
		return fmt.Errorf("cleaning builder caches: %w\n%s", err, output)
	}
	return nil
}
