package pool

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sema4ai/actionserver/pkg/ipc"
	"github.com/sema4ai/actionserver/pkg/types"
)

// fakeWorker implements WorkerProcess in-process. Behavior reacts to
// frames the pool sends; emit pushes frames the pool receives.
type fakeWorker struct {
	mu       sync.Mutex
	out      chan *ipc.Message
	closed   bool
	behavior func(fw *fakeWorker, msg *ipc.Message)
	pid      int
}

var nextPID atomic.Int32

func newFakeWorker(behavior func(fw *fakeWorker, msg *ipc.Message)) *fakeWorker {
	fw := &fakeWorker{
		out:      make(chan *ipc.Message, 32),
		behavior: behavior,
		pid:      int(nextPID.Add(1)),
	}
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

func (f *fakeWorker) exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
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
	f.exit()
	return nil
}

func (f *fakeWorker) Reap() error { return nil }
func (f *fakeWorker) PID() int    { return f.pid }

// echoBehavior answers every request with a passing result
func echoBehavior(fw *fakeWorker, msg *ipc.Message) {
	switch msg.Kind {
	case ipc.KindRequest:
		fw.emit(&ipc.Message{Kind: ipc.KindResult, RunID: msg.RunID,
			Status: ipc.ResultPass, Result: []byte(`"Hello Ada!"`)})
	case ipc.KindPing:
		fw.emit(&ipc.Message{Kind: ipc.KindPong})
	case ipc.KindShutdown:
		fw.exit()
	}
}

func testEnv() *types.EnvironmentHandle {
	return &types.EnvironmentHandle{Key: "env-1", Location: "/tmp/envs/env-1"}
}

func countingLauncher(launches *atomic.Int32, behavior func(*fakeWorker, *ipc.Message)) Launcher {
	return func(env *types.EnvironmentHandle) (WorkerProcess, error) {
		launches.Add(1)
		return newFakeWorker(behavior), nil
	}
}

func newSub(runID string) *Submission {
	return &Submission{RunID: runID, ActionName: "greeter/greet", Payload: []byte(`{"name":"Ada"}`)}
}

func await(t *testing.T, f Future) *Outcome {
	t.Helper()
	select {
	case outcome := <-f:
		return outcome
	case <-time.After(3 * time.Second):
		t.Fatal("future did not resolve")
		return nil
	}
}

func TestSubmitSuccess(t *testing.T) {
	var launches atomic.Int32
	p := New(Config{MaxProcesses: 2, ReuseProcess: true,
		Launcher: countingLauncher(&launches, echoBehavior)})
	defer p.Shutdown(time.Second)

	f, err := p.Submit(testEnv(), newSub("r1"))
	require.NoError(t, err)

	outcome := await(t, f)
	assert.Equal(t, types.RunStatusPassed, outcome.Status)
	assert.Equal(t, `"Hello Ada!"`, string(outcome.Result))
}

// With reuse enabled, sequential submissions share one worker
func TestWorkerReuse(t *testing.T) {
	var launches atomic.Int32
	p := New(Config{MaxProcesses: 2, ReuseProcess: true,
		Launcher: countingLauncher(&launches, echoBehavior)})
	defer p.Shutdown(time.Second)

	for i := 0; i < 3; i++ {
		f, err := p.Submit(testEnv(), newSub("r"+string(rune('1'+i))))
		require.NoError(t, err)
		require.Equal(t, types.RunStatusPassed, await(t, f).Status)
	}
	assert.Equal(t, int32(1), launches.Load())
}

func TestNoReuseTerminatesAfterRun(t *testing.T) {
	var launches atomic.Int32
	p := New(Config{MaxProcesses: 2, ReuseProcess: false,
		Launcher: countingLauncher(&launches, echoBehavior)})
	defer p.Shutdown(time.Second)

	for _, id := range []string{"r1", "r2"} {
		f, err := p.Submit(testEnv(), newSub(id))
		require.NoError(t, err)
		require.Equal(t, types.RunStatusPassed, await(t, f).Status)
	}
	assert.Eventually(t, func() bool { return launches.Load() == 2 },
		time.Second, 10*time.Millisecond)
}

// Submissions beyond max_processes queue and run in dispatch order
func TestQueueingAtMaxProcesses(t *testing.T) {
	release := make(chan struct{})
	running := make(chan string, 8)
	behavior := func(fw *fakeWorker, msg *ipc.Message) {
		if msg.Kind == ipc.KindRequest {
			running <- msg.RunID
			<-release
			fw.emit(&ipc.Message{Kind: ipc.KindResult, RunID: msg.RunID, Status: ipc.ResultPass})
		}
	}
	var launches atomic.Int32
	p := New(Config{MaxProcesses: 1, MaxWaiters: 8, ReuseProcess: true,
		Launcher: countingLauncher(&launches, behavior)})
	defer p.Shutdown(time.Second)

	f1, err := p.Submit(testEnv(), newSub("r1"))
	require.NoError(t, err)
	require.Equal(t, "r1", <-running)

	f2, err := p.Submit(testEnv(), newSub("r2"))
	require.NoError(t, err)

	close(release)
	assert.Equal(t, types.RunStatusPassed, await(t, f1).Status)
	assert.Equal(t, "r2", <-running)
	assert.Equal(t, types.RunStatusPassed, await(t, f2).Status)
	assert.Equal(t, int32(1), launches.Load())
}

func TestOverloaded(t *testing.T) {
	release := make(chan struct{})
	running := make(chan string, 8)
	behavior := func(fw *fakeWorker, msg *ipc.Message) {
		if msg.Kind == ipc.KindRequest {
			running <- msg.RunID
			<-release
			fw.emit(&ipc.Message{Kind: ipc.KindResult, RunID: msg.RunID, Status: ipc.ResultPass})
		}
	}
	var launches atomic.Int32
	p := New(Config{MaxProcesses: 1, MaxWaiters: 1, ReuseProcess: true,
		Launcher: countingLauncher(&launches, behavior)})
	defer func() { close(release); p.Shutdown(time.Second) }()

	_, err := p.Submit(testEnv(), newSub("r1"))
	require.NoError(t, err)
	<-running // r1 is executing, the queue is empty

	_, err = p.Submit(testEnv(), newSub("r2"))
	require.NoError(t, err)

	_, err = p.Submit(testEnv(), newSub("r3"))
	require.Error(t, err)
	assert.Equal(t, types.ErrOverloaded, types.KindOf(err))
}

// A worker that dies mid-run fails that run and is replaced on the next
// submission
func TestWorkerCrash(t *testing.T) {
	var launches atomic.Int32
	crashed := atomic.Bool{}
	behavior := func(fw *fakeWorker, msg *ipc.Message) {
		if msg.Kind != ipc.KindRequest {
			return
		}
		if crashed.CompareAndSwap(false, true) {
			fw.exit() // Simulates a non-zero exit with the run in flight
			return
		}
		fw.emit(&ipc.Message{Kind: ipc.KindResult, RunID: msg.RunID, Status: ipc.ResultPass})
	}
	p := New(Config{MaxProcesses: 2, ReuseProcess: true,
		Launcher: countingLauncher(&launches, behavior)})
	defer p.Shutdown(time.Second)

	f1, err := p.Submit(testEnv(), newSub("r1"))
	require.NoError(t, err)
	outcome := await(t, f1)
	assert.Equal(t, types.RunStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "worker terminated")

	f2, err := p.Submit(testEnv(), newSub("r2"))
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPassed, await(t, f2).Status)
	assert.Equal(t, int32(2), launches.Load())
}

func TestCancelQueued(t *testing.T) {
	release := make(chan struct{})
	running := make(chan string, 8)
	behavior := func(fw *fakeWorker, msg *ipc.Message) {
		if msg.Kind == ipc.KindRequest {
			running <- msg.RunID
			<-release
			fw.emit(&ipc.Message{Kind: ipc.KindResult, RunID: msg.RunID, Status: ipc.ResultPass})
		}
	}
	var launches atomic.Int32
	p := New(Config{MaxProcesses: 1, MaxWaiters: 4, ReuseProcess: true,
		Launcher: countingLauncher(&launches, behavior)})
	defer func() { close(release); p.Shutdown(time.Second) }()

	_, err := p.Submit(testEnv(), newSub("r1"))
	require.NoError(t, err)
	<-running

	f2, err := p.Submit(testEnv(), newSub("r2"))
	require.NoError(t, err)

	assert.True(t, p.Cancel("r2"))
	outcome := await(t, f2)
	assert.Equal(t, types.RunStatusCancelled, outcome.Status)

	assert.False(t, p.Cancel("no-such-run"))
}

// A worker that honors the cancel message resolves the run cancelled and
// the slot survives
func TestCancelRunningCooperative(t *testing.T) {
	running := make(chan string, 1)
	behavior := func(fw *fakeWorker, msg *ipc.Message) {
		switch msg.Kind {
		case ipc.KindRequest:
			running <- msg.RunID
		case ipc.KindCancel:
			fw.emit(&ipc.Message{Kind: ipc.KindResult, RunID: msg.RunID,
				Status: ipc.ResultFail, Error: "interrupted"})
		}
	}
	var launches atomic.Int32
	p := New(Config{MaxProcesses: 1, ReuseProcess: true, CancelGrace: 5 * time.Second,
		Launcher: countingLauncher(&launches, behavior)})
	defer p.Shutdown(time.Second)

	f, err := p.Submit(testEnv(), newSub("r1"))
	require.NoError(t, err)
	<-running

	require.True(t, p.Cancel("r1"))
	outcome := await(t, f)
	assert.Equal(t, types.RunStatusCancelled, outcome.Status)
}

// A worker that ignores the cancel is terminated once the grace expires
func TestCancelRunningForced(t *testing.T) {
	running := make(chan string, 1)
	behavior := func(fw *fakeWorker, msg *ipc.Message) {
		if msg.Kind == ipc.KindRequest {
			running <- msg.RunID
		}
		// Cancel is ignored
	}
	var launches atomic.Int32
	p := New(Config{MaxProcesses: 1, ReuseProcess: true, CancelGrace: 50 * time.Millisecond,
		Launcher: countingLauncher(&launches, behavior)})
	defer p.Shutdown(time.Second)

	f, err := p.Submit(testEnv(), newSub("r1"))
	require.NoError(t, err)
	<-running

	require.True(t, p.Cancel("r1"))
	outcome := await(t, f)
	assert.Equal(t, types.RunStatusCancelled, outcome.Status)
}

func TestShutdownCancelsInFlight(t *testing.T) {
	running := make(chan string, 1)
	behavior := func(fw *fakeWorker, msg *ipc.Message) {
		switch msg.Kind {
		case ipc.KindRequest:
			running <- msg.RunID
		case ipc.KindCancel:
			fw.emit(&ipc.Message{Kind: ipc.KindResult, RunID: msg.RunID,
				Status: ipc.ResultFail, Error: "interrupted"})
		case ipc.KindShutdown:
			fw.exit()
		}
	}
	var launches atomic.Int32
	p := New(Config{MaxProcesses: 1, ReuseProcess: true,
		Launcher: countingLauncher(&launches, behavior)})

	f, err := p.Submit(testEnv(), newSub("r1"))
	require.NoError(t, err)
	<-running

	p.Shutdown(2 * time.Second)
	outcome := await(t, f)
	assert.Equal(t, types.RunStatusCancelled, outcome.Status)

	_, err = p.Submit(testEnv(), newSub("r2"))
	assert.Error(t, err)
}

func TestMinProcessesWarm(t *testing.T) {
	var launches atomic.Int32
	p := New(Config{MinProcesses: 2, MaxProcesses: 4, ReuseProcess: true,
		Launcher: countingLauncher(&launches, echoBehavior)})
	defer p.Shutdown(time.Second)

	p.Warm(testEnv())
	assert.Eventually(t, func() bool { return launches.Load() == 2 },
		time.Second, 10*time.Millisecond)
}

// A launcher that cannot start workers fails one waiter per attempt
// instead of hanging them all
func TestSpawnFailure(t *testing.T) {
	p := New(Config{MaxProcesses: 1, ReuseProcess: true,
		Launcher: func(env *types.EnvironmentHandle) (WorkerProcess, error) {
			return nil, assert.AnError
		}})
	defer p.Shutdown(time.Second)

	f, err := p.Submit(testEnv(), newSub("r1"))
	require.NoError(t, err)
	outcome := await(t, f)
	assert.Equal(t, types.RunStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "failed to spawn worker")
}
