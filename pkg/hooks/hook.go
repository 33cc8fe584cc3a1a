// Package hooks executes the configured post-run command after each run
// reaches a terminal state. The command template is tokenized once at
// configuration time; each token undergoes $name substitution at run
// time, and every substituted variable is also exported to the child's
// environment under a fixed prefix.
package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"github.com/sema4ai/actionserver/pkg/log"
	"github.com/sema4ai/actionserver/pkg/types"
)

// envPrefix prefixes the exported substitution variables
const envPrefix = "ACTION_SERVER_POST_RUN_"

// hookTimeout bounds a single hook execution
const hookTimeout = 60 * time.Second

// RunInfo carries the substitution variables of one finished run
type RunInfo struct {
	RunID         string
	ActionName    string
	BaseArtifacts string
	RunArtifacts  string
	// InvocationExtra adds every string entry of the invocation context
	InvocationExtra map[string]string
}

func (r *RunInfo) variables() map[string]string {
	vars := map[string]string{
		"run_id":             r.RunID,
		"action_name":        r.ActionName,
		"base_artifacts_dir": r.BaseArtifacts,
		"run_artifacts_dir":  r.RunArtifacts,
	}
	for k, v := range r.InvocationExtra {
		vars[k] = v
	}
	return vars
}

// Hook is a tokenized post-run command template
type Hook struct {
	tokens []string
	logger zerolog.Logger

	// runCommand is replaceable in tests
	runCommand func(ctx context.Context, argv, extraEnv []string) error
}

// New tokenizes the command template with shell-like word splitting. An
// empty template yields a nil hook, which Run treats as a no-op.
func New(template string) (*Hook, error) {
	if strings.TrimSpace(template) == "" {
		return nil, nil
	}
	tokens, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("tokenizing post-run command: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return &Hook{
		tokens:     tokens,
		logger:     log.WithComponent("post-run"),
		runCommand: execCommand,
	}, nil
}

func execCommand(ctx context.Context, argv, extraEnv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Run substitutes the run's variables into the template and executes the
// resulting argv in the server's own environment. Failures are reported
// as ErrHookFailed; callers log them without affecting the run.
func (h *Hook) Run(ctx context.Context, info *RunInfo) error {
	if h == nil {
		return nil
	}

	vars := info.variables()
	argv := make([]string, len(h.tokens))
	for i, token := range h.tokens {
		argv[i] = substitute(token, vars)
	}

	extraEnv := make([]string, 0, len(vars))
	for k, v := range vars {
		extraEnv = append(extraEnv, envPrefix+strings.ToUpper(k)+"="+v)
	}

	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	h.logger.Debug().Str("run_id", info.RunID).Strs("argv", argv).Msg("Running post-run hook")
	if err := h.runCommand(ctx, argv, extraEnv); err != nil {
		return types.NewError(types.ErrHookFailed, "post-run command failed: %v", err)
	}
	return nil
}

// substitute replaces $name occurrences in one token. Longer names are
// tried first so $run_artifacts_dir is not clipped by a hypothetical
// $run variable.
func substitute(token string, vars map[string]string) string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && len(names[j]) > len(names[j-1]); j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	for _, name := range names {
		token = strings.ReplaceAll(token, "$"+name, vars[name])
	}
	return token
}
