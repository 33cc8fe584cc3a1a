package lifecycle

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sema4ai/actionserver/pkg/artifacts"
	"github.com/sema4ai/actionserver/pkg/bus"
	"github.com/sema4ai/actionserver/pkg/catalog"
	"github.com/sema4ai/actionserver/pkg/envelope"
	"github.com/sema4ai/actionserver/pkg/environment"
	"github.com/sema4ai/actionserver/pkg/hooks"
	"github.com/sema4ai/actionserver/pkg/importer"
	"github.com/sema4ai/actionserver/pkg/ipc"
	"github.com/sema4ai/actionserver/pkg/log"
	"github.com/sema4ai/actionserver/pkg/metrics"
	"github.com/sema4ai/actionserver/pkg/pool"
	"github.com/sema4ai/actionserver/pkg/schema"
	"github.com/sema4ai/actionserver/pkg/secrets"
	"github.com/sema4ai/actionserver/pkg/storage"
	"github.com/sema4ai/actionserver/pkg/types"
)

// Outcome is what Submit hands back to the web layer
type Outcome struct {
	Run *types.Run
	// Pending is set on a deferred acknowledgement: the run continues to
	// execute and the response carries no body result
	Pending bool
}

// RunView is the event payload published for run changes
type RunView struct {
	ID          string          `json:"id"`
	Package     string          `json:"package"`
	Action      string          `json:"action"`
	Status      types.RunStatus `json:"status"`
	RunNumber   int64           `json:"run_number"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	ArtifactDir string          `json:"artifact_dir,omitempty"`
}

func viewOf(run *types.Run) *RunView {
	return &RunView{
		ID:          run.ID,
		Package:     run.PackageName,
		Action:      run.ActionName,
		Status:      run.Status,
		RunNumber:   run.RunNumber,
		Error:       run.Error,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		ArtifactDir: run.ArtifactDir,
	}
}

// liveRun tracks an in-flight run so idempotent resubmissions and
// cancellations can attach to its completion
type liveRun struct {
	done chan struct{}
	run  *types.Run // Terminal state, set before done closes
}

// Manager is the policy center composing the run store, process pool,
// envelope codec, post-run hook, and live-update bus
type Manager struct {
	store     storage.Store
	procPool  *pool.Pool
	artifacts *artifacts.Store
	codec     *envelope.Codec
	validator *schema.Validator
	catalog   *catalog.Catalog
	broker    *bus.Broker
	secrets   *secrets.Manager
	builder   *environment.Builder
	hook      *hooks.Hook
	callback  *callbackSender
	logger    zerolog.Logger

	mu   sync.Mutex
	live map[string]*liveRun
}

// Config wires the manager's collaborators. Secrets, Builder, and Hook
// are optional.
type Config struct {
	Store     storage.Store
	Pool      *pool.Pool
	Artifacts *artifacts.Store
	Codec     *envelope.Codec
	Validator *schema.Validator
	Catalog   *catalog.Catalog
	Broker    *bus.Broker
	Secrets   *secrets.Manager
	Builder   *environment.Builder
	Hook      *hooks.Hook
	// HTTPClient posts async callbacks, nil means a client with a
	// 30-second timeout
	HTTPClient *http.Client
}

// NewManager creates the lifecycle manager
func NewManager(cfg Config) *Manager {
	return &Manager{
		store:     cfg.Store,
		procPool:  cfg.Pool,
		artifacts: cfg.Artifacts,
		codec:     cfg.Codec,
		validator: cfg.Validator,
		catalog:   cfg.Catalog,
		broker:    cfg.Broker,
		secrets:   cfg.Secrets,
		builder:   cfg.Builder,
		hook:      cfg.Hook,
		callback:  newCallbackSender(cfg.HTTPClient),
		logger:    log.WithComponent("lifecycle"),
		live:      map[string]*liveRun{},
	}
}

// Boot transitions every run left non-terminal by a previous server
// instance to cancelled. Must run before any submission is accepted.
func (m *Manager) Boot(ctx context.Context) error {
	n, err := m.store.ResetNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("resetting interrupted runs: %w", err)
	}
	if n > 0 {
		m.logger.Warn().Int("count", n).Msg("Cancelled runs interrupted by previous shutdown")
	}
	return nil
}

// newRunID returns a URL-safe opaque run id
func newRunID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// Submit executes one invocation end to end. Envelope and schema faults
// surface synchronously; execution faults land in the run record.
func (m *Manager) Submit(ctx context.Context, packageSlug, actionSlug string, headers http.Header, body []byte) (*Outcome, error) {
	entry, action, err := m.catalog.Lookup(packageSlug, actionSlug)
	if err != nil {
		return nil, err
	}

	var overrides map[string]string
	if m.secrets != nil {
		overrides = m.secrets.For(packageSlug)
	}

	env, err := m.codec.Decode(headers, body, action, overrides)
	if err != nil {
		return nil, err
	}
	if err := m.validator.ValidateInput(action, env.Input); err != nil {
		return nil, err
	}

	// Idempotency: the same (action, request_id) attaches to the prior
	// run instead of creating a new one
	if env.RequestID != "" {
		if prior, err := m.store.LookupRunByRequestID(ctx, action.ID, env.RequestID); err == nil {
			return m.attach(ctx, prior, env.AsyncTimeout)
		}
	}

	run, err := m.createRun(ctx, entry, action, env)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() || run.Status == types.RunStatusRunning {
		// createRun lost the idempotency race to a concurrent submission
		return m.attach(ctx, run, env.AsyncTimeout)
	}

	envHandle, err := m.environmentFor(ctx, entry)
	if err != nil {
		// The run never started; cancelled is the only legal terminal
		// state from not_run
		m.finish(run, &pool.Outcome{Status: types.RunStatusCancelled, Error: err.Error()}, env)
		return nil, err
	}

	live := &liveRun{done: make(chan struct{})}
	m.mu.Lock()
	m.live[run.ID] = live
	m.mu.Unlock()

	startedAt := time.Now().UnixNano()
	if err := m.store.SetStatus(ctx, run.ID, storage.StatusChange{
		Status:    types.RunStatusRunning,
		StartedAt: &startedAt,
	}); err != nil {
		return nil, fmt.Errorf("marking run running: %w", err)
	}
	started := time.Unix(0, startedAt)
	run.Status = types.RunStatusRunning
	run.StartedAt = &started
	m.publish(run, types.EventRunChanged)
	metrics.RunsInFlight.Inc()

	future, err := m.procPool.Submit(envHandle, &pool.Submission{
		RunID:      run.ID,
		ActionName: action.ID,
		Payload:    env.Input,
		Managed: &ipc.ManagedValues{
			Secrets:    env.Secrets,
			OAuth2:     env.OAuth2Tokens,
			DataServer: env.DataContext,
		},
		Headers:     env.Headers,
		ArtifactDir: m.artifacts.Resolve(run.ArtifactDir),
	})
	if err != nil {
		metrics.RunsInFlight.Dec()
		m.finish(run, &pool.Outcome{Status: types.RunStatusCancelled, Error: err.Error()}, env)
		return nil, err
	}

	go func() {
		outcome := <-future
		metrics.RunsInFlight.Dec()
		m.finish(run, outcome, env)
	}()

	return m.await(ctx, run.ID, env.AsyncTimeout)
}

// createRun allocates the run row, its number, and its artifact
// directory. Cancelling before dispatch still owns an artifact directory;
// the row and the directory are allocated together.
func (m *Manager) createRun(ctx context.Context, entry *catalog.PackageEntry, action *types.Action, env *types.InvocationEnvelope) (*types.Run, error) {
	number, err := m.store.NextRunNumber(ctx, entry.Package.ID, action.Name)
	if err != nil {
		return nil, fmt.Errorf("allocating run number: %w", err)
	}
	dir, err := m.artifacts.Create(entry.Package.ID, action.Name, number)
	if err != nil {
		return nil, fmt.Errorf("allocating artifact directory: %w", err)
	}
	if err := dir.WriteInput(env.Input); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to persist input payload")
	}

	run := &types.Run{
		ID:          newRunID(),
		ActionID:    action.ID,
		PackageName: entry.Package.ID,
		ActionName:  action.Name,
		Status:      types.RunStatusNotRun,
		RunNumber:   number,
		ArtifactDir: dir.Rel,
		Input:       env.Input,
		RequestID:   env.RequestID,
		CallbackURL: env.CallbackURL,
		CreatedAt:   time.Now(),
	}
	created, existing, err := m.store.CreateRun(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	if !created {
		return existing, nil
	}
	m.publish(run, types.EventRunCreated)
	return run, nil
}

// environmentFor resolves the package's prepared environment, rebuilding
// it lazily when the catalog was restored from the database
func (m *Manager) environmentFor(ctx context.Context, entry *catalog.PackageEntry) (*types.EnvironmentHandle, error) {
	if entry.Environment != nil {
		return entry.Environment, nil
	}
	if m.builder == nil {
		return nil, fmt.Errorf("package %s has no prepared environment", entry.Package.ID)
	}
	manifest := filepath.Join(entry.Package.Directory, importer.ManifestFile)
	handle, err := m.builder.Ensure(ctx, entry.Package.EnvHash, manifest)
	if err != nil {
		return nil, fmt.Errorf("preparing environment for %s: %w", entry.Package.ID, err)
	}
	entry.Environment = handle
	return handle, nil
}

// await implements the synchronous and deferred invocation modes
func (m *Manager) await(ctx context.Context, runID string, asyncTimeout time.Duration) (*Outcome, error) {
	m.mu.Lock()
	live := m.live[runID]
	m.mu.Unlock()
	if live == nil {
		// Already finished
		run, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Run: run}, nil
	}

	var timeout <-chan time.Time
	if asyncTimeout > 0 {
		timer := time.NewTimer(asyncTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-live.done:
		return &Outcome{Run: live.run}, nil
	case <-timeout:
		run, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Run: run, Pending: true}, nil
	case <-ctx.Done():
		// The client went away; the run continues
		run, err := m.store.GetRun(context.Background(), runID)
		if err != nil {
			return nil, ctx.Err()
		}
		return &Outcome{Run: run, Pending: true}, nil
	}
}

// attach joins a caller to an existing run: terminal runs return
// immediately, live ones share the original completion future
func (m *Manager) attach(ctx context.Context, run *types.Run, asyncTimeout time.Duration) (*Outcome, error) {
	if run.Status.Terminal() {
		return &Outcome{Run: run}, nil
	}
	return m.await(ctx, run.ID, asyncTimeout)
}

// finish persists the terminal state, fires the post-run hook, delivers
// the async callback, and releases attached waiters
func (m *Manager) finish(run *types.Run, outcome *pool.Outcome, env *types.InvocationEnvelope) {
	finishedAt := time.Now().UnixNano()
	change := storage.StatusChange{
		Status:   outcome.Status,
		Result:   outcome.Result,
		Error:    outcome.Error,
		Finished: &finishedAt,
	}
	if run.StartedAt == nil {
		// Cancelled before dispatch
		started := finishedAt
		change.StartedAt = &started
	}

	ctx := context.Background()
	if err := m.store.SetStatus(ctx, run.ID, change); err != nil {
		m.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to persist terminal status")
	}

	finished := time.Unix(0, finishedAt)
	run.Status = outcome.Status
	run.Result = outcome.Result
	run.Error = outcome.Error
	run.FinishedAt = &finished

	if outcome.Result != nil {
		dir := &artifacts.RunDir{Rel: run.ArtifactDir, Abs: m.artifacts.Resolve(run.ArtifactDir)}
		if err := dir.WriteResult(outcome.Result); err != nil {
			m.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to persist result payload")
		}
	}

	metrics.RunsTotal.WithLabelValues(string(outcome.Status)).Inc()
	if run.StartedAt != nil {
		metrics.RunDuration.WithLabelValues(run.PackageName).
			Observe(finished.Sub(*run.StartedAt).Seconds())
	}
	m.publish(run, types.EventRunChanged)

	if m.hook != nil {
		var invCtx map[string]string
		if env != nil {
			invCtx = env.InvocationContext
		}
		if err := m.hook.Run(ctx, &hooks.RunInfo{
			RunID:           run.ID,
			ActionName:      run.ActionID,
			BaseArtifacts:   m.artifacts.BaseDir(),
			RunArtifacts:    m.artifacts.Resolve(run.ArtifactDir),
			InvocationExtra: invCtx,
		}); err != nil {
			m.logger.Error().Err(err).Str("run_id", run.ID).Msg("Post-run hook failed")
		}
	}

	if run.CallbackURL != "" {
		go m.deliverCallback(run)
	}

	m.mu.Lock()
	live := m.live[run.ID]
	delete(m.live, run.ID)
	m.mu.Unlock()
	if live != nil {
		live.run = run
		close(live.done)
	}

	runLogger := log.WithRunID(run.ID)
	runLogger.Info().
		Str("package", run.PackageName).
		Str("action", run.ActionName).
		Str("status", string(run.Status)).
		Msg("Run finished")
}

// Cancel requests cancellation of a run. Queued and executing runs route
// through the pool; a run the pool does not know but the store still has
// non-terminal is cancelled directly.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	if m.procPool.Cancel(runID) {
		return nil
	}

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	finishedAt := time.Now().UnixNano()
	change := storage.StatusChange{
		Status:   types.RunStatusCancelled,
		Error:    "cancelled",
		Finished: &finishedAt,
	}
	if run.StartedAt == nil {
		change.StartedAt = &finishedAt
	}
	if err := m.store.SetStatus(ctx, runID, change); err != nil {
		return err
	}
	run.Status = types.RunStatusCancelled
	m.publish(run, types.EventRunChanged)
	return nil
}

// publish broadcasts a run event on the global and per-run topics
func (m *Manager) publish(run *types.Run, kind types.EventKind) {
	if m.broker == nil {
		return
	}
	view := viewOf(run)
	m.broker.Publish(types.TopicRuns, kind, view)
	m.broker.Publish(types.RunTopic(run.ID), kind, view)
}

// GetRun returns a run by id
func (m *Manager) GetRun(ctx context.Context, id string) (*types.Run, error) {
	return m.store.GetRun(ctx, id)
}

// ListRuns pages through runs
func (m *Manager) ListRuns(ctx context.Context, filter storage.RunFilter, pageSize int, after string) (*storage.RunPage, error) {
	return m.store.CursorQuery(ctx, filter, pageSize, after)
}

// FindRunByRequestID resolves an idempotency handle to its run
func (m *Manager) FindRunByRequestID(ctx context.Context, packageSlug, actionSlug, requestID string) (*types.Run, error) {
	return m.store.LookupRunByRequestID(ctx, packageSlug+"/"+actionSlug, requestID)
}
