package storage

import (
	"context"

	"github.com/sema4ai/actionserver/pkg/types"
)

// RunFilter restricts a cursored run query
type RunFilter struct {
	Status      types.RunStatus
	PackageName string
	ActionName  string
}

// RunPage is one page of a cursored run query. NextCursor is empty when
// the result set is exhausted.
type RunPage struct {
	Runs       []*types.Run
	NextCursor string
}

// Store defines the interface for the durable run and action tables
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *types.Run) (created bool, existing *types.Run, err error)
	GetRun(ctx context.Context, id string) (*types.Run, error)
	LookupRunByRequestID(ctx context.Context, actionID, requestID string) (*types.Run, error)
	SetStatus(ctx context.Context, id string, change StatusChange) error
	AppendRunError(ctx context.Context, id, msg string) error
	CursorQuery(ctx context.Context, filter RunFilter, pageSize int, after string) (*RunPage, error)
	ResetNonTerminal(ctx context.Context) (int, error)
	NextRunNumber(ctx context.Context, packageName, actionName string) (int64, error)

	// Packages and actions
	UpsertPackage(ctx context.Context, pkg *types.ActionPackage) error
	GetPackage(ctx context.Context, id string) (*types.ActionPackage, error)
	ListPackages(ctx context.Context) ([]*types.ActionPackage, error)
	SetPackageEnabled(ctx context.Context, id string, enabled bool) error
	ReplacePackageActions(ctx context.Context, packageID string, actions []*types.Action) error
	ListActions(ctx context.Context, packageID string) ([]*types.Action, error)

	// Utility
	Close() error
}

// StatusChange carries the fields of a single-writer status transition
type StatusChange struct {
	Status    types.RunStatus
	Result    []byte
	Error     string
	StartedAt *int64 // Unix nanoseconds, nil leaves the column untouched
	Finished  *int64
}
