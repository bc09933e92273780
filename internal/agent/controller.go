package agent

import (
	"context"
	"strings"
	"sync"
)

const (
	CancelReasonCanceled     = "canceled"
	CancelReasonDisconnected = "disconnected"
	CancelReasonTimedOut     = "timed_out"
)

// Controller owns the two stop signals of a run: hard cancellation, which
// aborts every in-flight call, and soft stop, which only prevents new tool
// calls and reasoning steps so the run can synthesize what it has.
type Controller struct {
	mu           sync.Mutex
	cancelFn     context.CancelFunc
	cancelReason string
	softStopped  bool
	terminated   bool

	// parentSoftStopped is set for child runs; a parent's soft stop applies
	// to its children.
	parentSoftStopped func() bool
}

func newController(cancel context.CancelFunc, parentSoftStopped func() bool) *Controller {
	return &Controller{cancelFn: cancel, parentSoftStopped: parentSoftStopped}
}

// Cancel aborts the run. The first reason wins.
func (c *Controller) Cancel(reason string) {
	if c == nil {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = CancelReasonCanceled
	}
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	if c.cancelReason == "" {
		c.cancelReason = reason
	}
	cancel := c.cancelFn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) CancelReason() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelReason
}

// SoftStop asks the run to stop researching and answer from what it has. It
// reports false once the run has terminated or was already asked.
func (c *Controller) SoftStop() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated || c.softStopped {
		return false
	}
	c.softStopped = true
	return true
}

func (c *Controller) SoftStopped() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	stopped := c.softStopped
	parent := c.parentSoftStopped
	c.mu.Unlock()
	if stopped {
		return true
	}
	return parent != nil && parent()
}

func (c *Controller) markTerminated() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.terminated = true
	c.mu.Unlock()
}

func (c *Controller) Terminated() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}
