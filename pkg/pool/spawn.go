package pool

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/sema4ai/actionserver/pkg/ipc"
	"github.com/sema4ai/actionserver/pkg/types"
)

// execWorker runs a worker as a child OS process, speaking the
// length-framed protocol over its stdin and stdout pipes. The worker's
// own stderr goes to the server's stderr; run output is captured by the
// worker into artifact files.
type execWorker struct {
	cmd  *exec.Cmd
	conn *ipc.Conn

	waitOnce sync.Once
	waitErr  error
}

// LaunchWorker is the production Launcher: it executes the environment's
// worker command with the environment directory as working directory
func LaunchWorker(env *types.EnvironmentHandle) (WorkerProcess, error) {
	if len(env.WorkerArgv) == 0 {
		return nil, fmt.Errorf("environment %s has no worker command", env.Key)
	}

	cmd := exec.Command(env.WorkerArgv[0], env.WorkerArgv[1:]...)
	cmd.Dir = env.Location
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "ACTION_SERVER_ENV_KEY="+env.Key)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	return &execWorker{
		cmd:  cmd,
		conn: ipc.NewConn(stdout, stdin),
	}, nil
}

func (w *execWorker) Send(msg *ipc.Message) error {
	return w.conn.Write(msg)
}

func (w *execWorker) Receive() (*ipc.Message, error) {
	return w.conn.Read()
}

// Terminate signals the worker: SIGTERM for a cooperative stop, SIGKILL
// when forced
func (w *execWorker) Terminate(force bool) error {
	if w.cmd.Process == nil {
		return nil
	}
	if force {
		return w.cmd.Process.Kill()
	}
	return w.cmd.Process.Signal(syscall.SIGTERM)
}

// Reap waits for the exited process so it does not linger as a zombie
func (w *execWorker) Reap() error {
	w.waitOnce.Do(func() {
		w.waitErr = w.cmd.Wait()
	})
	return w.waitErr
}

func (w *execWorker) PID() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}
