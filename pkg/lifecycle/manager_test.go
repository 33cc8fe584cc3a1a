package lifecycle

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sema4ai/actionserver/pkg/artifacts"
	"github.com/sema4ai/actionserver/pkg/bus"
	"github.com/sema4ai/actionserver/pkg/catalog"
	"github.com/sema4ai/actionserver/pkg/envelope"
	"github.com/sema4ai/actionserver/pkg/ipc"
	"github.com/sema4ai/actionserver/pkg/pool"
	"github.com/sema4ai/actionserver/pkg/schema"
	"github.com/sema4ai/actionserver/pkg/storage"
	"github.com/sema4ai/actionserver/pkg/types"
)

// fakeWorker implements pool.WorkerProcess for lifecycle tests
type fakeWorker struct {
	mu       sync.Mutex
	out      chan *ipc.Message
	closed   bool
	behavior func(fw *fakeWorker, msg *ipc.Message)
}

func newFakeWorker(behavior func(fw *fakeWorker, msg *ipc.Message)) *fakeWorker {
	fw := &fakeWorker{out: make(chan *ipc.Message, 32), behavior: behavior}
	fw.emit(&ipc.Message{Kind: ipc.KindReady})
	return fw
}

func (f *fakeWorker) emit(msg *ipc.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.out <- msg
	}
}

func (f *fakeWorker) Send(msg *ipc.Message) error {
	go f.behavior(f, msg)
	return nil
}

func (f *fakeWorker) Receive() (*ipc.Message, error) {
	msg, ok := <-f.out
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (f *fakeWorker) Terminate(force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
	return nil
}

func (f *fakeWorker) Reap() error { return nil }
func (f *fakeWorker) PID() int    { return 1 }

// greeterBehavior implements greeter/greet, sleeper/sleep (blocks until
// cancelled), and auth/login (passes when it received the pw secret)
func greeterBehavior(fw *fakeWorker, msg *ipc.Message) {
	switch msg.Kind {
	case ipc.KindRequest:
		switch msg.ActionName {
		case "greeter/greet":
			fw.emit(&ipc.Message{Kind: ipc.KindResult, RunID: msg.RunID,
				Status: ipc.ResultPass, Result: []byte(`"Hello Ada!"`)})
		case "sleeper/sleep":
			// Waits for cancel; emits nothing on its own
		case "auth/login":
			if msg.ManagedParams != nil && msg.ManagedParams.Secrets["pw"] == "hunter2" {
				fw.emit(&ipc.Message{Kind: ipc.KindResult, RunID: msg.RunID, Status: ipc.ResultPass})
				return
			}
			fw.emit(&ipc.Message{Kind: ipc.KindResult, RunID: msg.RunID,
				Status: ipc.ResultFail, Error: "secret not delivered"})
		case "crasher/crash":
			fw.Terminate(true)
		}
	case ipc.KindCancel:
		fw.emit(&ipc.Message{Kind: ipc.KindResult, RunID: msg.RunID,
			Status: ipc.ResultFail, Error: "interrupted"})
	case ipc.KindShutdown:
		fw.Terminate(false)
	}
}

type fixture struct {
	manager *Manager
	store   *storage.SQLiteStore
	broker  *bus.Broker
	pool    *pool.Pool
}

func action(pkg, name string, inputSchema string, managed map[string]types.ManagedParamKind) *types.Action {
	return &types.Action{
		ID: pkg + "/" + name, PackageID: pkg, Name: name, Enabled: true,
		Kind: types.ActionKindAction, Version: 1,
		InputSchema:   []byte(inputSchema),
		ManagedParams: managed,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dataDir := t.TempDir()

	store, err := storage.NewSQLiteStore(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	artStore, err := artifacts.NewStore(dataDir)
	require.NoError(t, err)

	broker := bus.NewBroker(64)
	t.Cleanup(broker.Close)

	p := pool.New(pool.Config{
		MaxProcesses: 2, MaxWaiters: 16, ReuseProcess: true,
		CancelGrace: 200 * time.Millisecond,
		Launcher: func(env *types.EnvironmentHandle) (pool.WorkerProcess, error) {
			return newFakeWorker(greeterBehavior), nil
		},
	})
	t.Cleanup(func() { p.Shutdown(time.Second) })

	cat := catalog.New(catalog.Whitelist{}, nil)
	env := &types.EnvironmentHandle{Key: "env-1", Location: dataDir}
	entries := []*catalog.PackageEntry{
		{
			Package: &types.ActionPackage{ID: "greeter", Name: "greeter", Enabled: true},
			Actions: []*types.Action{action("greeter", "greet",
				`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`, nil)},
			Environment: env,
		},
		{
			Package:     &types.ActionPackage{ID: "sleeper", Name: "sleeper", Enabled: true},
			Actions:     []*types.Action{action("sleeper", "sleep", `{}`, nil)},
			Environment: env,
		},
		{
			Package: &types.ActionPackage{ID: "auth", Name: "auth", Enabled: true},
			Actions: []*types.Action{action("auth", "login", `{}`,
				map[string]types.ManagedParamKind{"pw": types.ManagedParamSecret})},
			Environment: env,
		},
		{
			Package:     &types.ActionPackage{ID: "crasher", Name: "crasher", Enabled: true},
			Actions:     []*types.Action{action("crasher", "crash", `{}`, nil)},
			Environment: env,
		},
	}
	cat.Swap(cat.Build(entries))

	mgr := NewManager(Config{
		Store:     store,
		Pool:      p,
		Artifacts: artStore,
		Codec:     envelope.NewCodec(nil),
		Validator: schema.NewValidator(),
		Catalog:   cat,
		Broker:    broker,
	})
	require.NoError(t, mgr.Boot(context.Background()))

	return &fixture{manager: mgr, store: store, broker: broker, pool: p}
}

func TestSyncSuccess(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.manager.Submit(context.Background(), "greeter", "greet",
		http.Header{}, []byte(`{"name":"Ada"}`))
	require.NoError(t, err)
	require.False(t, outcome.Pending)
	assert.NotEmpty(t, outcome.Run.ID)
	assert.Equal(t, types.RunStatusPassed, outcome.Run.Status)
	assert.Equal(t, `"Hello Ada!"`, string(outcome.Run.Result))

	stored, err := f.store.GetRun(context.Background(), outcome.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPassed, stored.Status)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.FinishedAt)
	assert.True(t, !stored.FinishedAt.Before(*stored.StartedAt))
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Submit(context.Background(), "greeter", "nope", http.Header{}, nil)
	assert.Equal(t, types.ErrUnknownAction, types.KindOf(err))
}

// Schema faults surface synchronously and never create a run row
func TestSchemaViolation(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Submit(context.Background(), "greeter", "greet",
		http.Header{}, []byte(`{"name":42}`))
	assert.Equal(t, types.ErrSchemaViolation, types.KindOf(err))

	page, err := f.store.CursorQuery(context.Background(), storage.RunFilter{}, 10, "")
	require.NoError(t, err)
	assert.Empty(t, page.Runs)
}

// Resubmitting with the same request id reuses the first run
func TestIdempotentResubmission(t *testing.T) {
	f := newFixture(t)

	headers := http.Header{}
	headers.Set(envelope.HeaderRequestID, "abc")

	first, err := f.manager.Submit(context.Background(), "greeter", "greet",
		headers, []byte(`{"name":"Ada"}`))
	require.NoError(t, err)

	second, err := f.manager.Submit(context.Background(), "greeter", "greet",
		headers, []byte(`{"name":"Ada"}`))
	require.NoError(t, err)
	assert.Equal(t, first.Run.ID, second.Run.ID)

	page, err := f.store.CursorQuery(context.Background(), storage.RunFilter{}, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Runs, 1)

	found, err := f.manager.FindRunByRequestID(context.Background(), "greeter", "greet", "abc")
	require.NoError(t, err)
	assert.Equal(t, first.Run.ID, found.ID)
}

// Deferred mode returns an acknowledgement while the run keeps executing
func TestDeferredReturn(t *testing.T) {
	f := newFixture(t)

	headers := http.Header{}
	headers.Set(envelope.HeaderAsyncTimeout, "1")

	start := time.Now()
	outcome, err := f.manager.Submit(context.Background(), "sleeper", "sleep", headers, []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, outcome.Pending)
	assert.NotEmpty(t, outcome.Run.ID)
	assert.Less(t, time.Since(start), 3*time.Second)

	run, err := f.manager.GetRun(context.Background(), outcome.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, run.Status)

	// The run is still live; cancel it so the fixture can shut down
	require.NoError(t, f.manager.Cancel(context.Background(), outcome.Run.ID))
	assert.Eventually(t, func() bool {
		run, err := f.manager.GetRun(context.Background(), outcome.Run.ID)
		return err == nil && run.Status.Terminal()
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCancellation(t *testing.T) {
	f := newFixture(t)

	headers := http.Header{}
	headers.Set(envelope.HeaderAsyncTimeout, "1")
	outcome, err := f.manager.Submit(context.Background(), "sleeper", "sleep", headers, []byte(`{}`))
	require.NoError(t, err)
	require.True(t, outcome.Pending)

	require.NoError(t, f.manager.Cancel(context.Background(), outcome.Run.ID))

	assert.Eventually(t, func() bool {
		run, err := f.manager.GetRun(context.Background(), outcome.Run.ID)
		return err == nil && run.Status == types.RunStatusCancelled
	}, 3*time.Second, 20*time.Millisecond)

	run, err := f.manager.GetRun(context.Background(), outcome.Run.ID)
	require.NoError(t, err)
	assert.NotNil(t, run.FinishedAt)
}

func TestWorkerCrashFailsRun(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.manager.Submit(context.Background(), "crasher", "crash",
		http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, outcome.Run.Status)
	assert.Contains(t, outcome.Run.Error, "worker terminated")

	// The pool replaces the slot; the environment still serves
	ok, err := f.manager.Submit(context.Background(), "greeter", "greet",
		http.Header{}, []byte(`{"name":"Ada"}`))
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPassed, ok.Run.Status)
}

// Secret delivery end to end: a plain X-<param> header satisfies the
// action's managed secret and the run passes
func TestSecretDelivery(t *testing.T) {
	f := newFixture(t)

	headers := http.Header{}
	headers.Set("X-Pw", "hunter2")

	outcome, err := f.manager.Submit(context.Background(), "auth", "login",
		headers, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPassed, outcome.Run.Status)
}

func TestCallbackDelivery(t *testing.T) {
	f := newFixture(t)

	received := make(chan *http.Request, 1)
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Set(envelope.HeaderAsyncCallback, srv.URL)
	headers.Set(envelope.HeaderRequestID, "cb-1")

	outcome, err := f.manager.Submit(context.Background(), "greeter", "greet",
		headers, []byte(`{"name":"Ada"}`))
	require.NoError(t, err)
	require.Equal(t, types.RunStatusPassed, outcome.Run.Status)

	select {
	case r := <-received:
		assert.Equal(t, outcome.Run.ID, r.Header.Get("x-action-server-run-id"))
		assert.Equal(t, "cb-1", r.Header.Get("x-actions-request-id"))
		assert.Equal(t, `"Hello Ada!"`, string(body))
	case <-time.After(3 * time.Second):
		t.Fatal("callback was not delivered")
	}
}

// Run events reach the global runs topic in order: created, running,
// terminal
func TestRunEventsPublished(t *testing.T) {
	f := newFixture(t)

	sub := f.broker.Subscribe(types.TopicRuns)
	defer f.broker.Unsubscribe(sub)

	_, err := f.manager.Submit(context.Background(), "greeter", "greet",
		http.Header{}, []byte(`{"name":"Ada"}`))
	require.NoError(t, err)

	var kinds []types.EventKind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 3 {
		select {
		case ev := <-sub.Events():
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatalf("saw only %v", kinds)
		}
	}
	assert.Equal(t, types.EventRunCreated, kinds[0])
	assert.Equal(t, types.EventRunChanged, kinds[1]) // running
	assert.Equal(t, types.EventRunChanged, kinds[2]) // terminal
}

func TestBootResetsNonTerminal(t *testing.T) {
	dataDir := t.TempDir()
	store, err := storage.NewSQLiteStore(dataDir)
	require.NoError(t, err)
	defer store.Close()

	run := &types.Run{
		ID: "stale", ActionID: "p/a", PackageName: "p", ActionName: "a",
		Status: types.RunStatusNotRun, RunNumber: 1, CreatedAt: time.Now(),
	}
	_, _, err = store.CreateRun(context.Background(), run)
	require.NoError(t, err)

	mgr := NewManager(Config{Store: store})
	require.NoError(t, mgr.Boot(context.Background()))

	got, err := store.GetRun(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, got.Status)
}
