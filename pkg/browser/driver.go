package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/pilot/pkg/types"
)

var (
	// ErrTimeout indicates the action did not finish within its timeout.
	ErrTimeout = errors.New("browser action timed out")

	// ErrElementNotFound indicates the locator matched nothing.
	ErrElementNotFound = errors.New("element not found")

	// ErrInvalidSelector indicates the locator could not be parsed by the driver.
	ErrInvalidSelector = errors.New("invalid selector")

	// ErrUnsupported indicates the driver cannot perform the command.
	ErrUnsupported = errors.New("unsupported command")

	// ErrSessionClosed indicates the context is no longer usable.
	ErrSessionClosed = errors.New("browser session closed")

	// ErrVerificationFailed indicates a verify step found unexpected content.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrMissingValue indicates a select or upload command without a value.
	ErrMissingValue = errors.New("command value is required")
)

// IsRetryable reports whether a failed command may succeed if attempted again.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidSelector), errors.Is(err, ErrUnsupported), errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrMissingValue):
		return false
	}
	return true
}

// RequireValue rejects select and upload commands that carry no value.
func RequireValue(cmd Command) error {
	if (cmd.Kind == types.ActionSelect || cmd.Kind == types.ActionUpload) && strings.TrimSpace(cmd.Value) == "" {
		return fmt.Errorf("%w: %s %s", ErrMissingValue, cmd.Kind, cmd.Target.Value)
	}
	return nil
}

// Command is one browser-level operation.
type Command struct {
	Kind    types.ActionKind
	Target  types.Locator
	Value   string
	Timeout time.Duration
}

// Output is what a successful command produced.
type Output struct {
	// Text holds extracted text for extract and verify commands.
	Text string

	// Artifact is a file reference for downloads and screenshots.
	Artifact string

	// URL is the page URL after the command ran.
	URL string
}

// Context is one isolated browser execution context.
type Context interface {
	// ID returns a stable identifier for the context.
	ID() string

	// Perform runs a command. Implementations must honor ctx and cmd.Timeout.
	Perform(ctx context.Context, cmd Command) (Output, error)

	// Capture stores a screenshot as evidence and returns its reference.
	Capture(ctx context.Context, label string) (string, error)

	// Reset clears cookies, storage and every page except a blank one.
	Reset(ctx context.Context) error

	// HealthCheck performs a smoke navigation.
	HealthCheck(ctx context.Context) error

	// Close releases the context's resources.
	Close() error
}

// Launcher creates browser execution contexts.
type Launcher interface {
	Launch(ctx context.Context, fp Fingerprint) (Context, error)
	Close() error
}

// Selector converts a locator into a driver selector string: structural paths
// become xpath selectors, everything else is passed through as CSS.
func Selector(l types.Locator) string {
	v := l.Value
	if l.Strategy == types.LocatorStructural && len(v) > 0 && v[0] == '/' {
		return "xpath=" + v
	}
	return v
}
