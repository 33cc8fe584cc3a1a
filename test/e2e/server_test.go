//go:build e2e

// End-to-end tests against a running action server. These expect a
// server started out-of-band with the greeter and sleeper example
// packages imported:
//
//	action-server start --datadir /tmp/as-e2e --packages ./testdata/packages
//	go test -tags e2e ./test/e2e -server http://localhost:8080
package e2e

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sema4ai/actionserver/test/framework"
)

var serverURL = flag.String("server", "http://localhost:8080", "Base URL of the action server under test")

func client(t *testing.T) *framework.Client {
	t.Helper()
	c := framework.NewClient(*serverURL)
	require.NoError(t, framework.WaitForServer(c, 10*time.Second))
	return c
}

func TestSyncInvocation(t *testing.T) {
	c := client(t)

	result, err := c.Invoke("greeter", "greet", map[string]string{"name": "Ada"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	assert.NotEmpty(t, result.RunID)
	assert.JSONEq(t, `"Hello Ada!"`, string(result.Body))

	require.NoError(t, framework.WaitForRunStatus(c, result.RunID, "passed", 5*time.Second))
}

func TestIdempotentResubmission(t *testing.T) {
	c := client(t)
	headers := map[string]string{"x-actions-request-id": "e2e-abc"}

	first, err := c.Invoke("greeter", "greet", map[string]string{"name": "Ada"}, headers)
	require.NoError(t, err)
	second, err := c.Invoke("greeter", "greet", map[string]string{"name": "Ada"}, headers)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
}

func TestDeferredReturn(t *testing.T) {
	c := client(t)
	headers := map[string]string{"x-actions-async-timeout": "1"}

	start := time.Now()
	result, err := c.Invoke("sleeper", "sleep", map[string]int{"seconds": 5}, headers)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, result.Deferred)
	assert.NotEmpty(t, result.RunID)

	run, err := c.GetRun(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, "running", run.Status)

	require.NoError(t, framework.WaitForRunStatus(c, result.RunID, "passed", 10*time.Second))
}

func TestCancellation(t *testing.T) {
	c := client(t)
	headers := map[string]string{"x-actions-async-timeout": "1"}

	result, err := c.Invoke("sleeper", "sleep", map[string]int{"seconds": 60}, headers)
	require.NoError(t, err)
	require.True(t, result.Deferred)

	require.NoError(t, c.CancelRun(result.RunID))
	require.NoError(t, framework.WaitForRunStatus(c, result.RunID, "cancelled", 10*time.Second))

	run, err := c.GetRun(result.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, run.FinishedAt)
}
