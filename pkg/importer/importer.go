// Package importer scans package directories, prepares their
// environments, enumerates their actions through a transient worker, and
// persists the results. A broken package yields a per-package diagnostic
// and never aborts the server.
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/sema4ai/actionserver/pkg/catalog"
	"github.com/sema4ai/actionserver/pkg/environment"
	"github.com/sema4ai/actionserver/pkg/ipc"
	"github.com/sema4ai/actionserver/pkg/log"
	"github.com/sema4ai/actionserver/pkg/metrics"
	"github.com/sema4ai/actionserver/pkg/pool"
	"github.com/sema4ai/actionserver/pkg/schema"
	"github.com/sema4ai/actionserver/pkg/storage"
	"github.com/sema4ai/actionserver/pkg/types"
)

// enumerateTimeout bounds the transient worker's action enumeration
const enumerateTimeout = 2 * time.Minute

// Result is the per-package outcome of an import pass
type Result struct {
	PackageID   string
	Directory   string
	ActionCount int
	// Err carries the package diagnostic; nil means imported
	Err error
	// Skipped diagnostics for individual actions rejected by linting
	Skipped []string
}

// Importer drives package imports end to end
type Importer struct {
	store    storage.Store
	builder  *environment.Builder
	catalog  *catalog.Catalog
	launcher pool.Launcher
	logger   zerolog.Logger
}

// New creates an importer. The launcher starts the transient enumeration
// workers; the production wiring passes pool.LaunchWorker.
func New(store storage.Store, builder *environment.Builder, cat *catalog.Catalog, launcher pool.Launcher) *Importer {
	return &Importer{
		store:    store,
		builder:  builder,
		catalog:  cat,
		launcher: launcher,
		logger:   log.WithComponent("importer"),
	}
}

// ImportAll scans every direct subdirectory of root, imports the ones
// carrying a manifest, disables packages whose directory disappeared, and
// publishes one new catalog snapshot
func (i *Importer) ImportAll(ctx context.Context, root string) ([]*Result, error) {
	dirEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading packages root: %w", err)
	}

	var results []*Result
	var entries []*catalog.PackageEntry
	seen := map[string]bool{}

	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		dir := filepath.Join(root, de.Name())
		entry, result := i.importDir(ctx, dir)
		if result == nil {
			continue // Not a package directory
		}
		results = append(results, result)
		if entry != nil {
			entries = append(entries, entry)
			seen[entry.Package.ID] = true
		}
	}

	// Packages whose directory disappeared are disabled, not deleted
	known, err := i.store.ListPackages(ctx)
	if err != nil {
		return results, fmt.Errorf("listing known packages: %w", err)
	}
	for _, pkg := range known {
		if seen[pkg.ID] || !pkg.Enabled {
			continue
		}
		if _, err := os.Stat(filepath.Join(pkg.Directory, ManifestFile)); errors.Is(err, os.ErrNotExist) {
			i.logger.Info().Str("package", pkg.ID).Msg("Package directory gone, disabling")
			if err := i.store.SetPackageEnabled(ctx, pkg.ID, false); err != nil {
				i.logger.Error().Err(err).Str("package", pkg.ID).Msg("Failed to disable package")
				continue
			}
			pkg.Enabled = false
			entries = append(entries, &catalog.PackageEntry{Package: pkg})
		}
	}

	i.catalog.Merge(entries)
	return results, nil
}

// ImportPackage imports a single package directory and merges it into
// the catalog
func (i *Importer) ImportPackage(ctx context.Context, dir string) *Result {
	entry, result := i.importDir(ctx, dir)
	if result == nil {
		return &Result{Directory: dir, Err: fmt.Errorf("no %s in %s", ManifestFile, dir)}
	}
	if entry != nil {
		i.catalog.Merge([]*catalog.PackageEntry{entry})
	}
	return result
}

// importDir runs the import pipeline for one directory. A nil result
// means the directory carries no manifest and is not a package.
func (i *Importer) importDir(ctx context.Context, dir string) (*catalog.PackageEntry, *Result) {
	timer := metrics.NewTimer()

	manifest, err := ParseManifest(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		metrics.ImportsTotal.WithLabelValues("failed").Inc()
		return nil, &Result{Directory: dir, Err: err}
	}

	slug := types.Slugify(manifest.Name)
	result := &Result{PackageID: slug, Directory: dir}
	logger := i.logger.With().Str("package", slug).Logger()

	envKey := manifest.EnvKey()
	handle, err := i.builder.Ensure(ctx, envKey, manifest.Path)
	if err != nil {
		logger.Error().Err(err).Msg("Environment build failed")
		metrics.ImportsTotal.WithLabelValues("failed").Inc()
		result.Err = err
		return nil, result
	}

	metadata, err := i.enumerate(ctx, handle)
	if err != nil {
		logger.Error().Err(err).Msg("Action enumeration failed")
		metrics.ImportsTotal.WithLabelValues("failed").Inc()
		result.Err = err
		return nil, result
	}

	pkg := &types.ActionPackage{
		ID:                slug,
		Name:              manifest.Name,
		Directory:         dir,
		EnvHash:           envKey,
		ExternalEndpoints: manifest.ExternalEndpoints,
		RequiredSecrets:   manifest.RequiredSecrets,
		Enabled:           true,
		CreatedAt:         time.Now(),
	}

	var actions []*types.Action
	for _, meta := range metadata {
		if err := schema.Representable(meta.InputSchema); err != nil {
			diag := fmt.Sprintf("action %s: input signature not representable: %v", meta.Name, err)
			logger.Warn().Str("action", meta.Name).Err(err).Msg("Skipping action")
			result.Skipped = append(result.Skipped, diag)
			continue
		}
		name := types.Slugify(meta.Name)
		kind := types.ActionKind(meta.Kind)
		if kind == "" {
			kind = types.ActionKindAction
		}
		actions = append(actions, &types.Action{
			ID:            slug + "/" + name,
			PackageID:     slug,
			Name:          name,
			DisplayName:   meta.DisplayName,
			InputSchema:   meta.InputSchema,
			OutputSchema:  meta.OutputSchema,
			ManagedParams: meta.ManagedParamKinds(),
			Consequential: meta.Consequential,
			SourceFile:    meta.File,
			SourceLine:    meta.Line,
			Kind:          kind,
			Enabled:       true,
		})
	}

	if err := i.store.UpsertPackage(ctx, pkg); err != nil {
		result.Err = fmt.Errorf("persisting package: %w", err)
		metrics.ImportsTotal.WithLabelValues("failed").Inc()
		return nil, result
	}
	if err := i.store.ReplacePackageActions(ctx, slug, actions); err != nil {
		result.Err = fmt.Errorf("persisting actions: %w", err)
		metrics.ImportsTotal.WithLabelValues("failed").Inc()
		return nil, result
	}

	// Re-read so the catalog carries the store-assigned versions
	stored, err := i.store.ListActions(ctx, slug)
	if err != nil {
		result.Err = fmt.Errorf("reloading actions: %w", err)
		return nil, result
	}

	result.ActionCount = len(actions)
	timer.ObserveDuration(metrics.ImportDuration)
	metrics.ImportsTotal.WithLabelValues("ok").Inc()
	logger.Info().Int("actions", len(actions)).Dur("took", timer.Duration()).Msg("Package imported")

	return &catalog.PackageEntry{Package: pkg, Actions: stored, Environment: handle}, result
}

// enumerate launches a transient worker in the prepared environment and
// collects its action metadata. The worker exits afterward.
func (i *Importer) enumerate(ctx context.Context, handle *types.EnvironmentHandle) ([]ipc.ActionMetadata, error) {
	proc, err := i.launcher(handle)
	if err != nil {
		return nil, fmt.Errorf("launching enumeration worker: %w", err)
	}
	defer func() {
		proc.Send(&ipc.Message{Kind: ipc.KindShutdown})
		proc.Terminate(false)
		proc.Reap()
	}()

	type reply struct {
		actions []ipc.ActionMetadata
		err     error
	}
	replyCh := make(chan reply, 1)
	go func() {
		for {
			msg, err := proc.Receive()
			if err != nil {
				replyCh <- reply{err: fmt.Errorf("enumeration worker exited: %w", err)}
				return
			}
			switch msg.Kind {
			case ipc.KindReady:
				if err := proc.Send(&ipc.Message{Kind: ipc.KindEnumerate}); err != nil {
					replyCh <- reply{err: fmt.Errorf("requesting enumeration: %w", err)}
					return
				}
			case ipc.KindActions:
				replyCh <- reply{actions: msg.Actions}
				return
			}
		}
	}()

	select {
	case r := <-replyCh:
		return r.actions, r.err
	case <-time.After(enumerateTimeout):
		proc.Terminate(true)
		return nil, fmt.Errorf("enumeration timed out after %s", enumerateTimeout)
	case <-ctx.Done():
		proc.Terminate(true)
		return nil, ctx.Err()
	}
}
