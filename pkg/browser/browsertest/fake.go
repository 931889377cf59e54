// Package browsertest provides scripted in-memory browser contexts for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/pilot/pkg/browser"
	"github.com/entrhq/pilot/pkg/types"
)

// PerformFunc decides the outcome of a command. Returning a nil error
// means the command succeeded.
type PerformFunc func(ctx context.Context, cmd browser.Command) (browser.Output, error)

// Launcher is a fake browser.Launcher. All counters are safe for
// concurrent use.
type Launcher struct {
	mu sync.Mutex

	// Perform is used by every launched context unless overridden
	Perform PerformFunc

	// LaunchErr, when set, makes Launch fail
	LaunchErr error

	// LaunchDelay simulates browser startup time
	LaunchDelay time.Duration

	// HealthErr is the health check error of every newly launched context
	HealthErr error

	contexts     []*Context
	fingerprints []browser.Fingerprint
	launches     atomic.Int64
	closed       atomic.Bool
}

// NewLauncher returns a launcher whose contexts succeed on every command.
func NewLauncher() *Launcher {
	return &Launcher{}
}

// Launch creates a new fake context.
func (l *Launcher) Launch(ctx context.Context, fp browser.Fingerprint) (browser.Context, error) {
	l.mu.Lock()
	delay := l.LaunchDelay
	launchErr := l.LaunchErr
	perform := l.Perform
	healthErr := l.HealthErr
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if launchErr != nil {
		return nil, launchErr
	}

	n := l.launches.Add(1)
	c := &Context{
		id:        fmt.Sprintf("ctx-%d", n),
		perform:   perform,
		healthErr: healthErr,
	}

	l.mu.Lock()
	l.contexts = append(l.contexts, c)
	l.fingerprints = append(l.fingerprints, fp)
	l.mu.Unlock()
	return c, nil
}

// SetPerform replaces the perform function for future launches.
func (l *Launcher) SetPerform(fn PerformFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Perform = fn
}

// SetLaunchErr makes subsequent launches fail with err.
func (l *Launcher) SetLaunchErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LaunchErr = err
}

// SetHealthErr makes contexts launched from now on fail health checks.
func (l *Launcher) SetHealthErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.HealthErr = err
}

// Close marks the launcher closed.
func (l *Launcher) Close() error {
	l.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (l *Launcher) Closed() bool {
	return l.closed.Load()
}

// Launches returns the number of successful launches.
func (l *Launcher) Launches() int {
	return int(l.launches.Load())
}

// Contexts returns every context launched so far.
func (l *Launcher) Contexts() []*Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Context, len(l.contexts))
	copy(out, l.contexts)
	return out
}

// Fingerprints returns the fingerprint passed to each launch, in order.
func (l *Launcher) Fingerprints() []browser.Fingerprint {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]browser.Fingerprint, len(l.fingerprints))
	copy(out, l.fingerprints)
	return out
}

// Context is a fake browser.Context that records every command.
type Context struct {
	id      string
	perform PerformFunc

	mu        sync.Mutex
	commands  []browser.Command
	resetErr  error
	healthErr error
	captures  int
	resets    int
	checks    int
	closes    int
}

// NewContext returns a standalone fake context.
func NewContext(id string, perform PerformFunc) *Context {
	return &Context{id: id, perform: perform}
}

func (c *Context) ID() string { return c.id }

// Perform records the command and delegates to the scripted function.
func (c *Context) Perform(ctx context.Context, cmd browser.Command) (browser.Output, error) {
	c.mu.Lock()
	if c.closes > 0 {
		c.mu.Unlock()
		return browser.Output{}, browser.ErrSessionClosed
	}
	c.commands = append(c.commands, cmd)
	perform := c.perform
	c.mu.Unlock()

	if perform == nil {
		return browser.Output{Text: "ok"}, nil
	}
	return perform(ctx, cmd)
}

// Capture returns a synthetic artifact path.
func (c *Context) Capture(ctx context.Context, label string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captures++
	return fmt.Sprintf("mem://%s/%s/%d", c.id, label, c.captures), nil
}

func (c *Context) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	return c.resetErr
}

func (c *Context) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	return c.healthErr
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// FailReset makes subsequent resets return err.
func (c *Context) FailReset(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetErr = err
}

// FailHealthCheck makes subsequent health checks return err.
func (c *Context) FailHealthCheck(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthErr = err
}

// Commands returns the commands performed so far.
func (c *Context) Commands() []browser.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]browser.Command, len(c.commands))
	copy(out, c.commands)
	return out
}

// Kinds returns the action kinds performed so far, in order.
func (c *Context) Kinds() []types.ActionKind {
	cmds := c.Commands()
	out := make([]types.ActionKind, len(cmds))
	for i, cmd := range cmds {
		out[i] = cmd.Kind
	}
	return out
}

// Captures returns how many evidence captures were taken.
func (c *Context) Captures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captures
}

// Resets returns how many times Reset was called.
func (c *Context) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// HealthChecks returns how many times HealthCheck was called.
func (c *Context) HealthChecks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checks
}

// Closed reports whether Close was called at least once.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

// Closes returns how many times Close was called.
func (c *Context) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// FailTimes returns a PerformFunc that fails the first n calls for the
// given kind with err and succeeds afterwards. Other kinds always succeed.
func FailTimes(kind types.ActionKind, n int, err error) PerformFunc {
	var count atomic.Int64
	return func(ctx context.Context, cmd browser.Command) (browser.Output, error) {
		if cmd.Kind == kind && count.Add(1) <= int64(n) {
			return browser.Output{}, err
		}
		return browser.Output{Text: "ok"}, nil
	}
}

// FailTarget returns a PerformFunc that always fails commands aimed at
// the given locator value.
func FailTarget(target string, err error) PerformFunc {
	return func(ctx context.Context, cmd browser.Command) (browser.Output, error) {
		if cmd.Target.Value == target {
			return browser.Output{}, err
		}
		return browser.Output{Text: "ok"}, nil
	}
}

// Block returns a PerformFunc that blocks commands of the given kind until
// release is closed. started receives one value per blocked call.
func Block(kind types.ActionKind, started chan<- struct{}, release <-chan struct{}) PerformFunc {
	return func(ctx context.Context, cmd browser.Command) (browser.Output, error) {
		if cmd.Kind != kind {
			return browser.Output{Text: "ok"}, nil
		}
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-release:
			return browser.Output{Text: "ok"}, nil
		case <-ctx.Done():
			return browser.Output{}, ctx.Err()
		}
	}
}

var (
	_ browser.Launcher = (*Launcher)(nil)
	_ browser.Context  = (*Context)(nil)
)
