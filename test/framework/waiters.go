package framework

import (
	"fmt"
	"time"
)

// WaitFor polls condition until it holds or the timeout elapses
func WaitFor(timeout time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("condition not met within %s", timeout)
}

// WaitForRunStatus polls a run until it reaches the wanted status
func WaitForRunStatus(c *Client, runID, status string, timeout time.Duration) error {
	var last string
	err := WaitFor(timeout, func() bool {
		run, err := c.GetRun(runID)
		if err != nil {
			return false
		}
		last = run.Status
		return run.Status == status
	})
	if err != nil {
		return fmt.Errorf("run %s never reached %s (last %s)", runID, status, last)
	}
	return nil
}

// WaitForServer polls the health endpoint until the server is up
func WaitForServer(c *Client, timeout time.Duration) error {
	if err := WaitFor(timeout, c.Healthy); err != nil {
		return fmt.Errorf("server at %s never became healthy", c.BaseURL)
	}
	return nil
}
