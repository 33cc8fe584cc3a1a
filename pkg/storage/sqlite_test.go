package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sema4ai/actionserver/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestRun(requestID string) *types.Run {
	return &types.Run{
		ID:          uuid.New().String(),
		ActionID:    "greeter/greet",
		PackageName: "greeter",
		ActionName:  "greet",
		Status:      types.RunStatusNotRun,
		RunNumber:   1,
		ArtifactDir: "greeter/greet/1",
		Input:       []byte(`{"name":"Ada"}`),
		RequestID:   requestID,
		CreatedAt:   time.Now(),
	}
}

func TestCreateAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("")
	created, existing, err := store.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, types.RunStatusNotRun, got.Status)
	assert.JSONEq(t, `{"name":"Ada"}`, string(got.Input))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
}

// TestCreateRunIdempotency tests that a request id collides onto the
// prior run instead of creating a second row
func TestCreateRunIdempotency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newTestRun("abc")
	created, _, err := store.CreateRun(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	second := newTestRun("abc")
	created, existing, err := store.CreateRun(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)

	// A different request id creates a fresh row
	third := newTestRun("def")
	created, _, err = store.CreateRun(ctx, third)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := store.LookupRunByRequestID(ctx, "greeter/greet", "abc")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestSetStatusTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("")
	_, _, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	started := time.Now().UnixNano()
	err = store.SetStatus(ctx, run.ID, StatusChange{
		Status:    types.RunStatusRunning,
		StartedAt: &started,
	})
	require.NoError(t, err)

	finished := time.Now().UnixNano()
	err = store.SetStatus(ctx, run.ID, StatusChange{
		Status:   types.RunStatusPassed,
		Result:   []byte(`"Hello Ada!"`),
		Finished: &finished,
	})
	require.NoError(t, err)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPassed, got.Status)
	assert.Equal(t, `"Hello Ada!"`, string(got.Result))
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, !got.FinishedAt.Before(*got.StartedAt))
}

func TestSetStatusRejectsIllegalTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("")
	_, _, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	// not_run -> passed skips running and must fail
	err = store.SetStatus(ctx, run.ID, StatusChange{Status: types.RunStatusPassed})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidStateTransition, types.KindOf(err))

	// Terminal states are final
	finished := time.Now().UnixNano()
	require.NoError(t, store.SetStatus(ctx, run.ID, StatusChange{
		Status: types.RunStatusCancelled, Finished: &finished,
	}))
	err = store.SetStatus(ctx, run.ID, StatusChange{Status: types.RunStatusRunning})
	assert.Equal(t, types.ErrInvalidStateTransition, types.KindOf(err))
}

func TestResetNonTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	queued := newTestRun("")
	_, _, err := store.CreateRun(ctx, queued)
	require.NoError(t, err)

	running := newTestRun("")
	_, _, err = store.CreateRun(ctx, running)
	require.NoError(t, err)
	started := time.Now().UnixNano()
	require.NoError(t, store.SetStatus(ctx, running.ID, StatusChange{
		Status: types.RunStatusRunning, StartedAt: &started,
	}))

	done := newTestRun("")
	_, _, err = store.CreateRun(ctx, done)
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, done.ID, StatusChange{
		Status: types.RunStatusRunning, StartedAt: &started,
	}))
	finished := time.Now().UnixNano()
	require.NoError(t, store.SetStatus(ctx, done.ID, StatusChange{
		Status: types.RunStatusPassed, Finished: &finished,
	}))

	n, err := store.ResetNonTerminal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{queued.ID, running.ID} {
		got, err := store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusCancelled, got.Status)
		assert.NotNil(t, got.FinishedAt)
	}

	got, err := store.GetRun(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPassed, got.Status)
}

func TestCursorQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	var ids []string
	for i := 0; i < 7; i++ {
		run := newTestRun("")
		run.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		_, _, err := store.CreateRun(ctx, run)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	var seen []string
	cursor := ""
	pages := 0
	for {
		page, err := store.CursorQuery(ctx, RunFilter{}, 3, cursor)
		require.NoError(t, err)
		for _, r := range page.Runs {
			seen = append(seen, r.ID)
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, ids, seen, "pagination must be stable in creation order")
}

func TestCursorQueryFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("")
	_, _, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	other := newTestRun("")
	other.PackageName = "sleeper"
	other.ActionName = "sleep"
	other.ActionID = "sleeper/sleep"
	_, _, err = store.CreateRun(ctx, other)
	require.NoError(t, err)

	page, err := store.CursorQuery(ctx, RunFilter{PackageName: "sleeper"}, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Runs, 1)
	assert.Equal(t, other.ID, page.Runs[0].ID)

	page, err = store.CursorQuery(ctx, RunFilter{Status: types.RunStatusNotRun}, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Runs, 2)
}

func TestNextRunNumber(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.NextRunNumber(ctx, "greeter", "greet")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Counters are scoped per (package, action)
	got, err := store.NextRunNumber(ctx, "greeter", "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestPackageAndActionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pkg := &types.ActionPackage{
		ID:              "greeter",
		Name:            "Greeter",
		Directory:       "/pkgs/greeter",
		EnvHash:         "abc123",
		RequiredSecrets: []string{"api_key"},
		Enabled:         true,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, store.UpsertPackage(ctx, pkg))

	actions := []*types.Action{
		{
			ID:          "greeter/greet",
			PackageID:   "greeter",
			Name:        "greet",
			DisplayName: "Greet",
			InputSchema: []byte(`{"type":"object","properties":{"name":{"type":"string"}}}`),
			ManagedParams: map[string]types.ManagedParamKind{
				"api_key": types.ManagedParamSecret,
			},
			Kind: types.ActionKindAction,
		},
	}
	require.NoError(t, store.ReplacePackageActions(ctx, "greeter", actions))

	got, err := store.ListActions(ctx, "greeter")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "greet", got[0].Name)
	assert.Equal(t, types.ManagedParamSecret, got[0].ManagedParams["api_key"])
	assert.Equal(t, int64(1), got[0].Version)
	assert.True(t, got[0].Enabled)
}

// TestReplacePackageActionsVersioning tests that reimport bumps versions
// monotonically and disables dropped actions
func TestReplacePackageActionsVersioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pkg := &types.ActionPackage{ID: "p", Name: "p", Directory: "/p", EnvHash: "h", Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, store.UpsertPackage(ctx, pkg))

	a := func(name string) *types.Action {
		return &types.Action{ID: "p/" + name, PackageID: "p", Name: name, Kind: types.ActionKindAction,
			InputSchema: []byte(`{}`), OutputSchema: []byte(`{}`)}
	}

	require.NoError(t, store.ReplacePackageActions(ctx, "p", []*types.Action{a("one"), a("two")}))
	require.NoError(t, store.ReplacePackageActions(ctx, "p", []*types.Action{a("one")}))

	actions, err := store.ListActions(ctx, "p")
	require.NoError(t, err)
	require.Len(t, actions, 2)

	byName := map[string]*types.Action{}
	for _, act := range actions {
		byName[act.Name] = act
	}
	assert.Equal(t, int64(2), byName["one"].Version)
	assert.True(t, byName["one"].Enabled)
	assert.False(t, byName["two"].Enabled)
}

func TestDisablePackage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pkg := &types.ActionPackage{ID: "p", Name: "p", Directory: "/p", EnvHash: "h", Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, store.UpsertPackage(ctx, pkg))
	require.NoError(t, store.SetPackageEnabled(ctx, "p", false))

	got, err := store.GetPackage(ctx, "p")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	assert.Error(t, store.SetPackageEnabled(ctx, "missing", false))
}

// TestConcurrentWrites exercises the writer lane under parallel load
func TestConcurrentWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 20
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			run := newTestRun(fmt.Sprintf("req-%d", i))
			_, _, err := store.CreateRun(ctx, run)
			errCh <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh)
	}

	page, err := store.CursorQuery(ctx, RunFilter{}, 100, "")
	require.NoError(t, err)
	assert.Len(t, page.Runs, n)
}

func TestMigrateRefusesFutureSchema(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStore(dir)
	require.NoError(t, err)

	_, err = store.db.Exec(`DELETE FROM schema_version`)
	require.NoError(t, err)
	_, err = store.db.Exec(`INSERT INTO schema_version (version) VALUES (9999)`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = NewSQLiteStore(dir)
	require.Error(t, err)
	assert.Equal(t, types.ErrDbFromFuture, types.KindOf(err))
}
