package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sema4ai/actionserver/pkg/ipc"
	"github.com/sema4ai/actionserver/pkg/log"
	"github.com/sema4ai/actionserver/pkg/metrics"
	"github.com/sema4ai/actionserver/pkg/types"
)

// Config holds pool sizing and policy
type Config struct {
	// MinProcesses workers are kept warm per environment once it has
	// seen a submission
	MinProcesses int
	// MaxProcesses bounds concurrent workers per environment
	MaxProcesses int
	// MaxWaiters bounds the queued submissions per environment; beyond
	// it submissions are rejected as overloaded
	MaxWaiters int
	// ReuseProcess returns workers to the idle FIFO after a run instead
	// of terminating them
	ReuseProcess bool
	// CancelGrace is how long a cancelled worker gets to respond before
	// forced termination
	CancelGrace time.Duration
	// ReadyTimeout bounds how long a spawned worker may take to report
	// ready
	ReadyTimeout time.Duration
	// IdleTimeout evicts idle workers beyond MinProcesses, least
	// recently used first
	IdleTimeout time.Duration
	// Launcher starts worker processes
	Launcher Launcher
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = 4
	}
	if cfg.MaxWaiters <= 0 {
		cfg.MaxWaiters = 256
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return cfg
}

// envState is the per-environment scheduling state
type envState struct {
	env      *types.EnvironmentHandle
	idle     []string // Slot ids, FIFO
	waiters  []*pending
	spawning int
	warmed   bool
}

// Pool owns the fleet of worker processes: allocation, reuse, crash
// detection, cancellation, and graceful shutdown
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	slots  map[string]*slot // Arena, keyed by slot id
	envs   map[string]*envState
	byRun  map[string]string // Run id -> slot id for executing runs
	closed bool
	empty  chan struct{} // Signalled when the last slot is reaped

	janitorStop chan struct{}
}

// New creates a pool. The janitor goroutine handling idle eviction and
// liveness pings starts immediately.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:         cfg.withDefaults(),
		logger:      log.WithComponent("pool"),
		slots:       map[string]*slot{},
		envs:        map[string]*envState{},
		byRun:       map[string]string{},
		empty:       make(chan struct{}, 1),
		janitorStop: make(chan struct{}),
	}
	go p.janitor()
	return p
}

func (p *Pool) envState(env *types.EnvironmentHandle) *envState {
	st, ok := p.envs[env.Key]
	if !ok {
		st = &envState{env: env}
		p.envs[env.Key] = st
	}
	return st
}

// Submit queues one submission for the environment and returns its
// future. The future resolves exactly once, even across worker crashes
// and shutdown.
func (p *Pool) Submit(env *types.EnvironmentHandle, sub *Submission) (Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, types.NewError(types.ErrCancelled, "pool is shut down")
	}

	st := p.envState(env)
	pend := newPending(sub)

	// First contact with an environment warms its minimum fleet
	if !st.warmed {
		st.warmed = true
		for i := 0; i < p.cfg.MinProcesses; i++ {
			p.spawnLocked(st)
		}
	}

	if id := p.popIdleLocked(st); id != "" {
		p.dispatchLocked(p.slots[id], pend)
		return pend.future, nil
	}

	if p.slotCountLocked(st)+st.spawning < p.cfg.MaxProcesses {
		p.spawnLocked(st)
	} else if len(st.waiters) >= p.cfg.MaxWaiters {
		return nil, types.NewError(types.ErrOverloaded,
			"environment %s has %d queued submissions", env.Key, len(st.waiters))
	}

	st.waiters = append(st.waiters, pend)
	metrics.PoolWaiters.Inc()
	return pend.future, nil
}

// Warm eagerly spawns the minimum worker fleet for an environment
func (p *Pool) Warm(env *types.EnvironmentHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	st := p.envState(env)
	if st.warmed {
		return
	}
	st.warmed = true
	for i := 0; i < p.cfg.MinProcesses; i++ {
		p.spawnLocked(st)
	}
}

// Cancel cancels a run: queued submissions resolve immediately,
// executing runs get a cooperative cancel with a bounded grace before
// forced termination. Unknown run ids are a no-op.
func (p *Pool) Cancel(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Queued?
	for _, st := range p.envs {
		for i, pend := range st.waiters {
			if pend.sub.RunID == runID {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				metrics.PoolWaiters.Dec()
				pend.resolve(&Outcome{Status: types.RunStatusCancelled, Error: "cancelled before dispatch"})
				return true
			}
		}
	}

	// Executing?
	id, ok := p.byRun[runID]
	if !ok {
		return false
	}
	s := p.slots[id]
	if s == nil || s.current == nil || s.current.sub.RunID != runID {
		return false
	}
	if s.cancelRequested {
		return true
	}
	s.cancelRequested = true

	go s.proc.Send(&ipc.Message{Kind: ipc.KindCancel, RunID: runID})
	time.AfterFunc(p.cfg.CancelGrace, func() {
		p.mu.Lock()
		stillRunning := s.current != nil && s.current.sub.RunID == runID
		p.mu.Unlock()
		if stillRunning {
			p.logger.Warn().Str("run_id", runID).Int("pid", s.proc.PID()).
				Msg("Cancel grace expired, terminating worker")
			s.proc.Terminate(true)
		}
	})
	return true
}

// Shutdown refuses new submissions, waits up to grace for executing runs,
// then terminates the stragglers and reaps every worker. Interrupted runs
// resolve as cancelled.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.janitorStop)

	// Queued submissions resolve cancelled right away
	for _, st := range p.envs {
		for _, pend := range st.waiters {
			pend.resolve(&Outcome{Status: types.RunStatusCancelled, Error: "server shutting down"})
			metrics.PoolWaiters.Dec()
		}
		st.waiters = nil
	}

	// Idle and starting workers can exit immediately; busy workers get
	// a cooperative cancel
	for _, s := range p.slots {
		switch s.state {
		case slotBusy:
			s.cancelRequested = true
			go s.proc.Send(&ipc.Message{Kind: ipc.KindCancel, RunID: s.current.sub.RunID})
		default:
			go s.proc.Send(&ipc.Message{Kind: ipc.KindShutdown})
			go s.proc.Terminate(false)
		}
	}
	remaining := len(p.slots)
	p.mu.Unlock()

	if remaining == 0 {
		return
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for {
		select {
		case <-p.empty:
			p.mu.Lock()
			remaining = len(p.slots)
			p.mu.Unlock()
			if remaining == 0 {
				return
			}
		case <-deadline.C:
			p.mu.Lock()
			for _, s := range p.slots {
				go s.proc.Terminate(true)
			}
			p.mu.Unlock()
			// Reaping finishes via the read loops; bounded wait
			select {
			case <-p.empty:
			case <-time.After(2 * time.Second):
			}
			return
		}
	}
}

// spawnLocked starts a worker for the environment. Called with the pool
// lock held; the actual launch happens off-lock.
func (p *Pool) spawnLocked(st *envState) {
	st.spawning++
	env := st.env
	go func() {
		timer := metrics.NewTimer()
		proc, err := p.cfg.Launcher(env)

		p.mu.Lock()
		st.spawning--
		if err != nil {
			p.logger.Error().Err(err).Str("env_key", env.Key).Msg("Failed to spawn worker")
			p.failHeadWaiterLocked(st, fmt.Sprintf("failed to spawn worker: %v", err))
			p.mu.Unlock()
			return
		}

		s := &slot{
			id:        uuid.New().String(),
			envKey:    env.Key,
			env:       env,
			proc:      proc,
			state:     slotStarting,
			startedAt: time.Now(),
			lastUsed:  time.Now(),
		}
		p.slots[s.id] = s
		metrics.WorkerSpawnsTotal.Inc()
		if p.closed {
			go proc.Terminate(true)
		}
		p.mu.Unlock()

		timer.ObserveDuration(metrics.WorkerSpawnDuration)
		p.logger.Debug().Str("env_key", env.Key).Int("pid", proc.PID()).Msg("Worker spawned")
		p.readLoop(s)
	}()
}

// failHeadWaiterLocked resolves the head waiter as failed; remaining
// waiters trigger another spawn attempt so a transient fault fails at
// most one submission
func (p *Pool) failHeadWaiterLocked(st *envState, reason string) {
	if len(st.waiters) == 0 {
		return
	}
	head := st.waiters[0]
	st.waiters = st.waiters[1:]
	metrics.PoolWaiters.Dec()
	head.resolve(&Outcome{Status: types.RunStatusFailed, Error: reason})
	if len(st.waiters) > 0 && p.slotCountLocked(st)+st.spawning < p.cfg.MaxProcesses {
		p.spawnLocked(st)
	}
}

func (p *Pool) slotCountLocked(st *envState) int {
	n := 0
	for _, s := range p.slots {
		if s.envKey == st.env.Key {
			n++
		}
	}
	return n
}

func (p *Pool) popIdleLocked(st *envState) string {
	for len(st.idle) > 0 {
		id := st.idle[0]
		st.idle = st.idle[1:]
		if s, ok := p.slots[id]; ok && s.state == slotIdle {
			return id
		}
	}
	return ""
}

// dispatchLocked hands a submission to an idle or freshly-ready slot
func (p *Pool) dispatchLocked(s *slot, pend *pending) {
	s.state = slotBusy
	s.current = pend
	s.cancelRequested = false
	s.lastUsed = time.Now()
	p.byRun[pend.sub.RunID] = s.id
	p.updateGaugesLocked()

	msg := &ipc.Message{
		Kind:          ipc.KindRequest,
		RunID:         pend.sub.RunID,
		ActionName:    pend.sub.ActionName,
		Payload:       pend.sub.Payload,
		ManagedParams: pend.sub.Managed,
		Headers:       pend.sub.Headers,
		ArtifactDir:   pend.sub.ArtifactDir,
	}
	go func() {
		if err := s.proc.Send(msg); err != nil {
			// The read loop observes the broken pipe and resolves the
			// run as a crash; nothing to do here
			p.logger.Warn().Err(err).Str("run_id", pend.sub.RunID).Msg("Failed to write request to worker")
		}
	}()
}

// readLoop owns the slot's receive channel until the worker exits
func (p *Pool) readLoop(s *slot) {
	for {
		msg, err := s.proc.Receive()
		if err != nil {
			p.handleExit(s, err)
			return
		}
		switch msg.Kind {
		case ipc.KindReady:
			p.handleReady(s)
		case ipc.KindResult:
			p.handleResult(s, msg)
		case ipc.KindPong:
			p.mu.Lock()
			s.pingOutstanding = false
			p.mu.Unlock()
		}
	}
}

func (p *Pool) handleReady(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.state != slotStarting {
		return
	}
	s.state = slotIdle
	st := p.envState(s.env)
	st.idle = append(st.idle, s.id)
	p.updateGaugesLocked()
	p.drainWaitersLocked(st)
}

func (p *Pool) handleResult(s *slot, msg *ipc.Message) {
	p.mu.Lock()
	pend := s.current
	if pend == nil || pend.sub.RunID != msg.RunID {
		// A frame for a run this slot no longer owns poisons the worker
		s.state = slotPoisoned
		p.mu.Unlock()
		p.logger.Warn().Int("pid", s.proc.PID()).Str("run_id", msg.RunID).
			Msg("Worker answered for an unknown run, poisoning slot")
		s.proc.Terminate(true)
		return
	}

	outcome := &Outcome{Result: msg.Result, Error: msg.Error}
	switch {
	case s.cancelRequested:
		outcome.Status = types.RunStatusCancelled
		if outcome.Error == "" {
			outcome.Error = "cancelled"
		}
	case msg.Status == ipc.ResultPass:
		outcome.Status = types.RunStatusPassed
	default:
		outcome.Status = types.RunStatusFailed
		if outcome.Error == "" {
			outcome.Error = "action failed"
		}
	}

	s.current = nil
	delete(p.byRun, pend.sub.RunID)
	p.releaseLocked(s, false)
	p.mu.Unlock()

	pend.resolve(outcome)
}

// releaseLocked returns a slot to service after a run: poisoned or
// non-reusable workers are terminated, healthy ones rejoin the idle FIFO
// and pick up the next waiter
func (p *Pool) releaseLocked(s *slot, poisoned bool) {
	st := p.envState(s.env)

	if poisoned || s.state == slotPoisoned || !p.cfg.ReuseProcess || p.closed {
		s.state = slotPoisoned
		go s.proc.Send(&ipc.Message{Kind: ipc.KindShutdown})
		go s.proc.Terminate(false)
		p.updateGaugesLocked()
		// Replace capacity when someone is waiting
		if !p.closed && len(st.waiters) > 0 && p.slotCountLocked(st)+st.spawning <= p.cfg.MaxProcesses {
			p.spawnLocked(st)
		}
		return
	}

	s.state = slotIdle
	s.lastUsed = time.Now()
	st.idle = append(st.idle, s.id)
	p.updateGaugesLocked()
	p.drainWaitersLocked(st)
}

func (p *Pool) drainWaitersLocked(st *envState) {
	for len(st.waiters) > 0 {
		id := p.popIdleLocked(st)
		if id == "" {
			return
		}
		pend := st.waiters[0]
		st.waiters = st.waiters[1:]
		metrics.PoolWaiters.Dec()
		p.dispatchLocked(p.slots[id], pend)
	}
}

// handleExit runs when a worker's channel closes: crash detection,
// cancellation resolution, and slot disposal
func (p *Pool) handleExit(s *slot, cause error) {
	s.proc.Reap()

	p.mu.Lock()
	pend := s.current
	cancelled := s.cancelRequested || p.closed
	s.current = nil
	wasStarting := s.state == slotStarting
	delete(p.slots, s.id)
	if pend != nil {
		delete(p.byRun, pend.sub.RunID)
	}

	st := p.envState(s.env)
	if pend == nil && wasStarting {
		// Died before ready; fail at most one waiter, the rest retry
		// through a fresh spawn
		p.failHeadWaiterLocked(st, fmt.Sprintf("worker exited before ready: %v", cause))
	}
	if !p.closed && len(st.waiters) > 0 && p.slotCountLocked(st)+st.spawning < p.cfg.MaxProcesses {
		p.spawnLocked(st)
	}
	p.updateGaugesLocked()
	if len(p.slots) == 0 {
		select {
		case p.empty <- struct{}{}:
		default:
		}
	}
	p.mu.Unlock()

	if pend != nil {
		if cancelled {
			pend.resolve(&Outcome{Status: types.RunStatusCancelled, Error: "cancelled"})
		} else {
			metrics.WorkerCrashesTotal.Inc()
			p.logger.Error().Str("run_id", pend.sub.RunID).Int("pid", s.proc.PID()).
				Msg("Worker terminated with an in-flight run")
			err := types.NewError(types.ErrWorkerCrash, "worker terminated: %v", cause)
			pend.resolve(&Outcome{Status: types.RunStatusFailed, Error: err.Error()})
		}
	}
}

// janitor evicts idle workers beyond the minimum (least recently used
// first), reaps workers stuck in starting, and pings idle workers for
// liveness
func (p *Pool) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.janitorStop:
			return
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	now := time.Now()
	var terminate []*slot

	perEnvIdle := map[string][]*slot{}
	for _, s := range p.slots {
		switch s.state {
		case slotStarting:
			if now.Sub(s.startedAt) > p.cfg.ReadyTimeout {
				terminate = append(terminate, s)
			}
		case slotIdle:
			if s.pingOutstanding {
				// Missed the previous ping cycle
				s.state = slotPoisoned
				terminate = append(terminate, s)
				continue
			}
			perEnvIdle[s.envKey] = append(perEnvIdle[s.envKey], s)
		}
	}

	for _, idle := range perEnvIdle {
		// LRU first
		for i := 1; i < len(idle); i++ {
			for j := i; j > 0 && idle[j].lastUsed.Before(idle[j-1].lastUsed); j-- {
				idle[j], idle[j-1] = idle[j-1], idle[j]
			}
		}
		evictable := len(idle) - p.cfg.MinProcesses
		for _, s := range idle {
			if evictable > 0 && now.Sub(s.lastUsed) > p.cfg.IdleTimeout {
				s.state = slotPoisoned
				terminate = append(terminate, s)
				evictable--
				continue
			}
			s.pingOutstanding = true
			go s.proc.Send(&ipc.Message{Kind: ipc.KindPing})
		}
	}
	p.mu.Unlock()

	for _, s := range terminate {
		p.logger.Debug().Int("pid", s.proc.PID()).Msg("Janitor terminating worker")
		go s.proc.Terminate(false)
	}
}

func (p *Pool) updateGaugesLocked() {
	idle, busy := 0, 0
	for _, s := range p.slots {
		switch s.state {
		case slotIdle:
			idle++
		case slotBusy:
			busy++
		}
	}
	metrics.PoolWorkers.WithLabelValues("idle").Set(float64(idle))
	metrics.PoolWorkers.WithLabelValues("busy").Set(float64(busy))
}
