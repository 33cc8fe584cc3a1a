// Package catalog maintains the in-memory index of action packages and
// actions. Snapshots are immutable and swapped by pointer, so readers on
// the invocation path never take a lock.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sema4ai/actionserver/pkg/storage"
	"github.com/sema4ai/actionserver/pkg/types"
)

// PackageEntry groups a package with its enabled actions in name order
type PackageEntry struct {
	Package *types.ActionPackage
	Actions []*types.Action
	// Environment is the prepared environment for this package, nil
	// until the builder has produced one
	Environment *types.EnvironmentHandle
}

// Snapshot is one immutable view of the catalog
type Snapshot struct {
	Packages map[string]*PackageEntry
}

// Lookup resolves an action by package and action slug
func (s *Snapshot) Lookup(packageSlug, actionSlug string) (*PackageEntry, *types.Action, error) {
	entry, ok := s.Packages[packageSlug]
	if !ok || !entry.Package.Enabled {
		return nil, nil, types.NewError(types.ErrUnknownAction, "package %q is not served", packageSlug)
	}
	for _, a := range entry.Actions {
		if a.Name == actionSlug {
			return entry, a, nil
		}
	}
	return nil, nil, types.NewError(types.ErrUnknownAction, "action %q is not served by package %q", actionSlug, packageSlug)
}

// Whitelist restricts which packages and actions a catalog serves. Empty
// lists mean no restriction. Filtered rows stay in the database but are
// not served.
type Whitelist struct {
	Packages []string
	Actions  []string
}

func (w *Whitelist) allowsPackage(slug string) bool {
	if len(w.Packages) == 0 {
		return true
	}
	for _, p := range w.Packages {
		if p == slug {
			return true
		}
	}
	return false
}

func (w *Whitelist) allowsAction(slug string) bool {
	if len(w.Actions) == 0 {
		return true
	}
	for _, a := range w.Actions {
		if a == slug {
			return true
		}
	}
	return false
}

// Catalog holds the current snapshot and swaps it atomically on update
type Catalog struct {
	current   atomic.Pointer[Snapshot]
	whitelist Whitelist
	onSwap    func(*Snapshot)
}

// New creates a catalog serving an empty snapshot. onSwap, when non-nil,
// runs after every snapshot publication; the lifecycle wiring uses it to
// broadcast catalog-changed events.
func New(whitelist Whitelist, onSwap func(*Snapshot)) *Catalog {
	c := &Catalog{whitelist: whitelist, onSwap: onSwap}
	c.current.Store(&Snapshot{Packages: map[string]*PackageEntry{}})
	return c
}

// Current returns the live snapshot. The result must be treated as
// read-only.
func (c *Catalog) Current() *Snapshot {
	return c.current.Load()
}

// Lookup resolves against the live snapshot
func (c *Catalog) Lookup(packageSlug, actionSlug string) (*PackageEntry, *types.Action, error) {
	return c.Current().Lookup(packageSlug, actionSlug)
}

// Swap publishes a new snapshot
func (c *Catalog) Swap(next *Snapshot) {
	c.current.Store(next)
	if c.onSwap != nil {
		c.onSwap(next)
	}
}

// Build constructs a snapshot from package entries, applying the
// whitelist and dropping disabled rows
func (c *Catalog) Build(entries []*PackageEntry) *Snapshot {
	snap := &Snapshot{Packages: map[string]*PackageEntry{}}
	for _, entry := range entries {
		if !entry.Package.Enabled || !c.whitelist.allowsPackage(entry.Package.ID) {
			continue
		}
		kept := &PackageEntry{Package: entry.Package, Environment: entry.Environment}
		for _, a := range entry.Actions {
			if a.Enabled && c.whitelist.allowsAction(a.Name) {
				kept.Actions = append(kept.Actions, a)
			}
		}
		sort.Slice(kept.Actions, func(i, j int) bool { return kept.Actions[i].Name < kept.Actions[j].Name })
		snap.Packages[entry.Package.ID] = kept
	}
	return snap
}

// Rebuild loads every package and action from the store and swaps in the
// resulting snapshot. Called once at startup; reimports go through the
// importer which merges into the current snapshot instead.
func (c *Catalog) Rebuild(ctx context.Context, store storage.Store) error {
	pkgs, err := store.ListPackages(ctx)
	if err != nil {
		return fmt.Errorf("listing packages: %w", err)
	}

	var entries []*PackageEntry
	for _, pkg := range pkgs {
		actions, err := store.ListActions(ctx, pkg.ID)
		if err != nil {
			return fmt.Errorf("listing actions for %s: %w", pkg.ID, err)
		}
		entries = append(entries, &PackageEntry{Package: pkg, Actions: actions})
	}

	c.Swap(c.Build(entries))
	return nil
}

// Merge publishes a snapshot equal to the current one with the given
// entries replacing their packages
func (c *Catalog) Merge(entries []*PackageEntry) {
	current := c.Current()
	next := &Snapshot{Packages: make(map[string]*PackageEntry, len(current.Packages))}
	for k, v := range current.Packages {
		next.Packages[k] = v
	}
	built := c.Build(entries)
	for k, v := range built.Packages {
		next.Packages[k] = v
	}
	// A merged package that the whitelist filtered out entirely still
	// replaces the old entry
	for _, entry := range entries {
		if _, ok := built.Packages[entry.Package.ID]; !ok {
			delete(next.Packages, entry.Package.ID)
		}
	}
	c.Swap(next)
}
