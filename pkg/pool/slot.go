package pool

import (
	"encoding/json"
	"time"

	"github.com/sema4ai/actionserver/pkg/ipc"
	"github.com/sema4ai/actionserver/pkg/types"
)

// WorkerProcess is the pool's handle to a live child process. The real
// implementation wraps os/exec (see spawn.go); tests substitute fakes.
type WorkerProcess interface {
	// Send writes one protocol frame to the worker
	Send(msg *ipc.Message) error
	// Receive blocks for the worker's next frame; it returns an error
	// once the process exits and its channel closes
	Receive() (*ipc.Message, error)
	// Terminate stops the process: graceful first, forced when force is
	// set
	Terminate(force bool) error
	// Reap releases OS resources after the process exited
	Reap() error
	// PID returns the OS process id
	PID() int
}

// Launcher starts a worker process in the given environment
type Launcher func(env *types.EnvironmentHandle) (WorkerProcess, error)

// Submission is one request queued for execution
type Submission struct {
	RunID       string
	ActionName  string
	Payload     json.RawMessage
	Managed     *ipc.ManagedValues
	Headers     map[string]string
	ArtifactDir string
}

// Outcome is the resolution of a submission's future
type Outcome struct {
	Status types.RunStatus // passed, failed, or cancelled
	Result json.RawMessage
	Error  string
}

// Future resolves exactly once with the submission's outcome
type Future <-chan *Outcome

type pending struct {
	sub    *Submission
	future chan *Outcome
}

func newPending(sub *Submission) *pending {
	return &pending{sub: sub, future: make(chan *Outcome, 1)}
}

func (p *pending) resolve(outcome *Outcome) {
	select {
	case p.future <- outcome:
	default: // Already resolved
	}
}

type slotState int

const (
	slotStarting slotState = iota
	slotIdle
	slotBusy
	slotPoisoned
)

// slot is the pool-owned handle to one worker process. Slots are kept in
// an arena keyed by id; workers never hold pool references back.
type slot struct {
	id     string
	envKey string
	env    *types.EnvironmentHandle
	proc   WorkerProcess

	state           slotState
	current         *pending
	cancelRequested bool
	pingOutstanding bool
	lastUsed        time.Time
	startedAt       time.Time
}
