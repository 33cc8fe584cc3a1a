// Package guardian exits the server when a configured parent process
// dies. Embedders launch the action server as a child and rely on the
// guardian so an abandoned server never outlives them.
package guardian

import (
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sema4ai/actionserver/pkg/log"
)

// pollInterval is how often the parent pid is probed
const pollInterval = time.Second

// Guardian polls a parent process id and triggers shutdown on its death
type Guardian struct {
	pid      int
	onDeath  func()
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	probePid func(pid int) bool
}

// New creates a guardian for the given parent pid. onDeath runs once,
// from the guardian's goroutine, when the parent is gone.
func New(pid int, onDeath func()) *Guardian {
	return &Guardian{
		pid:      pid,
		onDeath:  onDeath,
		logger:   log.WithComponent("guardian"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		probePid: alive,
	}
}

// Start begins polling
func (g *Guardian) Start() {
	go g.run()
}

// Stop ends polling without firing onDeath
func (g *Guardian) Stop() {
	close(g.stopCh)
	<-g.doneCh
}

func (g *Guardian) run() {
	defer close(g.doneCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	g.logger.Info().Int("parent_pid", g.pid).Msg("Watching parent process")
	for {
		select {
		case <-ticker.C:
			if !g.probePid(g.pid) {
				g.logger.Warn().Int("parent_pid", g.pid).Msg("Parent process died, shutting down")
				g.onDeath()
				return
			}
		case <-g.stopCh:
			return
		}
	}
}

// alive probes a pid with signal 0; on Unix this reports existence
// without affecting the target
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user
	return err == syscall.EPERM
}
