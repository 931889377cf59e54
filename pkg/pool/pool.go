// Package pool supplies a bounded set of reusable, isolated browser
// contexts. A session is either available or held by exactly one task.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/pilot/pkg/browser"
	"github.com/entrhq/pilot/pkg/logging"
)

// Default pool settings
const (
	DefaultCapacity       = 4
	DefaultMaxAge         = 30 * time.Minute
	DefaultAcquireTimeout = 30 * time.Second
	DefaultResetTimeout   = 10 * time.Second

	// maxReplacements bounds how many unhealthy sessions one Acquire call
	// discards before giving up.
	maxReplacements = 3
)

var (
	// ErrPoolExhausted is returned when no session became available in time.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrPoolClosed is returned after ShutdownAll.
	ErrPoolClosed = errors.New("session pool closed")

	// ErrNotHeld is returned when releasing a session the caller does not hold.
	ErrNotHeld = errors.New("session not held by task")
)

// Config holds pool settings. Zero values select the defaults.
type Config struct {
	// Capacity is the maximum number of live sessions
	Capacity int

	// MaxAvailable caps the available set; extra released sessions are
	// destroyed. Defaults to Capacity.
	MaxAvailable int

	// MaxAge recycles sessions older than this
	MaxAge time.Duration

	// MaxUses recycles sessions after this many assignments (0 = unlimited)
	MaxUses int

	// AcquireTimeout is used when Acquire is called without a timeout
	AcquireTimeout time.Duration

	// ResetTimeout bounds the reset and health check performed on release
	ResetTimeout time.Duration

	// HealthCheck enables smoke navigation on acquire and release
	HealthCheck bool

	// Rotator supplies the fingerprint of each new session
	Rotator *browser.Rotator

	// Now overrides the clock
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.MaxAvailable <= 0 || c.MaxAvailable > c.Capacity {
		c.MaxAvailable = c.Capacity
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Session is a leased browser context. Its fields are written by the pool
// only while it moves between the available and held sets.
type Session struct {
	ID             string
	CreatedAt      time.Time
	LastAssignedAt time.Time
	Uses           int
	Healthy        bool
	Holder         string
	Fingerprint    browser.Fingerprint

	context   browser.Context
	releasing bool
}

// Browser returns the underlying browser context.
func (s *Session) Browser() browser.Context {
	return s.context
}

// Stats is a point-in-time view of pool membership and counters.
type Stats struct {
	Available int `json:"available"`
	Held      int `json:"held"`
	Created   int `json:"created"`
	Reused    int `json:"reused"`
	Destroyed int `json:"destroyed"`
	Capacity  int `json:"capacity"`
}

// Pool manages browser sessions. All membership changes happen under mu.
type Pool struct {
	cfg      Config
	launcher browser.Launcher
	logger   *logging.Logger

	mu        sync.Mutex
	available []*Session
	held      map[string]*Session
	pending   int
	changed   chan struct{}
	closed    bool

	created   int
	reused    int
	destroyed int
}

// New creates an empty pool. Sessions are created lazily or by Warm.
func New(launcher browser.Launcher, cfg Config, logger *logging.Logger) *Pool {
	return &Pool{
		cfg:      cfg.withDefaults(),
		launcher: launcher,
		logger:   logging.OrNop(logger).With("pool"),
		held:     make(map[string]*Session),
		changed:  make(chan struct{}),
	}
}

// Capacity returns the configured session ceiling.
func (p *Pool) Capacity() int {
	return p.cfg.Capacity
}

// Acquire hands a session to taskID. It prefers an available session,
// creates one while under capacity, and otherwise waits up to timeout for a
// release. A non-positive timeout uses the configured default.
//
// Creation comes before the wait rather than after it times out: sessions
// are still created lazily, one per unmet request, but a request never sits
// out its timeout while capacity is free. ErrPoolExhausted therefore means
// every slot stayed held for the whole timeout.
func (p *Pool) Acquire(ctx context.Context, taskID string, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	replaced := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		var s *Session
		if len(p.available) > 0 {
			s = p.available[0]
			p.available = p.available[1:]
			p.assignLocked(s, taskID)
			p.reused++
			p.mu.Unlock()
		} else if p.liveLocked() < p.cfg.Capacity {
			p.pending++
			p.mu.Unlock()

			created, err := p.create(ctx, taskID)
			if err != nil {
				return nil, err
			}
			s = created
		} else {
			wait := p.changed
			p.mu.Unlock()

			select {
			case <-wait:
				continue
			case <-timer.C:
				return nil, fmt.Errorf("%w: no session released within %s", ErrPoolExhausted, timeout)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if reason := p.check(ctx, s); reason != "" {
			p.logger.Warnf("Discarding session %s on acquire: %s", s.ID, reason)
			p.discard(s)
			replaced++
			if replaced >= maxReplacements {
				return nil, fmt.Errorf("%w: %d sessions failed health checks", ErrPoolExhausted, replaced)
			}
			continue
		}

		p.logger.Debugf("Session %s acquired by task %s (uses=%d)", s.ID, taskID, s.Uses)
		return s, nil
	}
}

// create launches a session for taskID against a reserved capacity slot.
func (p *Pool) create(ctx context.Context, taskID string) (*Session, error) {
	fp := p.cfg.Rotator.Next()
	bctx, err := p.launcher.Launch(ctx, fp)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.broadcastLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to launch session: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		_ = bctx.Close() // Ignore errors, pool is shutting down
		return nil, ErrPoolClosed
	}

	now := p.cfg.Now()
	s := &Session{
		ID:          uuid.New().String(),
		CreatedAt:   now,
		Healthy:     true,
		Fingerprint: fp,
		context:     bctx,
	}
	p.created++
	if taskID == "" {
		p.available = append(p.available, s)
		p.broadcastLocked()
	} else {
		p.assignLocked(s, taskID)
	}
	p.mu.Unlock()

	p.logger.Infof("Created session %s (%s, %dx%d)", s.ID, fp.Locale, fp.Viewport.Width, fp.Viewport.Height)
	return s, nil
}

func (p *Pool) assignLocked(s *Session, taskID string) {
	s.Holder = taskID
	s.LastAssignedAt = p.cfg.Now()
	s.Uses++
	s.releasing = false
	p.held[s.ID] = s
}

// check returns a non-empty reason when s must not be handed out.
func (p *Pool) check(ctx context.Context, s *Session) string {
	if reason := p.expired(s); reason != "" {
		return reason
	}
	if !p.cfg.HealthCheck {
		return ""
	}
	if err := s.context.HealthCheck(ctx); err != nil {
		s.Healthy = false
		return fmt.Sprintf("health check failed: %v", err)
	}
	s.Healthy = true
	return ""
}

// expired reports why s has outlived its maximum age.
func (p *Pool) expired(s *Session) string {
	if age := p.cfg.Now().Sub(s.CreatedAt); age > p.cfg.MaxAge {
		return fmt.Sprintf("max age exceeded (%s)", age.Round(time.Second))
	}
	return ""
}

// usedUp reports whether s has served MaxUses assignments.
func (p *Pool) usedUp(s *Session) bool {
	return p.cfg.MaxUses > 0 && s.Uses >= p.cfg.MaxUses
}

// discard removes a held session and closes it.
func (p *Pool) discard(s *Session) {
	p.mu.Lock()
	_, ok := p.held[s.ID]
	if ok {
		delete(p.held, s.ID)
		p.destroyed++
	}
	p.broadcastLocked()
	p.mu.Unlock()

	if ok {
		p.closeSession(s)
	}
}

// Release returns a session held by taskID. The session is destroyed when
// it exceeded its age or use ceiling, fails its health check or reset, or
// the available set is full; otherwise it is reset and made available.
// The session stays in the held set until that decision is applied.
func (p *Pool) Release(taskID string, s *Session) error {
	if s == nil {
		return ErrNotHeld
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	current, ok := p.held[s.ID]
	if !ok || current != s || s.Holder != taskID || s.releasing {
		p.mu.Unlock()
		return fmt.Errorf("%w: session %s, task %s", ErrNotHeld, s.ID, taskID)
	}
	s.releasing = true
	p.mu.Unlock()

	reason := p.expired(s)
	if reason == "" && p.usedUp(s) {
		reason = fmt.Sprintf("max uses reached (%d)", s.Uses)
	}
	if reason == "" {
		reason = p.recycle(s)
	}

	p.mu.Lock()
	if p.closed {
		// ShutdownAll already destroyed it
		p.mu.Unlock()
		return nil
	}
	delete(p.held, s.ID)
	s.Holder = ""
	s.releasing = false
	if reason == "" && len(p.available) >= p.cfg.MaxAvailable {
		reason = "available set full"
	}
	if reason == "" {
		p.available = append(p.available, s)
	} else {
		p.destroyed++
	}
	p.broadcastLocked()
	p.mu.Unlock()

	if reason != "" {
		p.logger.Infof("Destroying session %s released by task %s: %s", s.ID, taskID, reason)
		p.closeSession(s)
		return nil
	}
	p.logger.Debugf("Session %s returned to pool by task %s", s.ID, taskID)
	return nil
}

// recycle health-checks and resets a released session, returning a reason
// when it cannot be reused.
func (p *Pool) recycle(s *Session) string {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ResetTimeout)
	defer cancel()

	if p.cfg.HealthCheck {
		if err := s.context.HealthCheck(ctx); err != nil {
			s.Healthy = false
			return fmt.Sprintf("health check failed: %v", err)
		}
	}
	if err := s.context.Reset(ctx); err != nil {
		s.Healthy = false
		return fmt.Sprintf("reset failed: %v", err)
	}
	return ""
}

// Warm pre-creates sessions until n are available or capacity is reached.
// It returns the number of sessions created.
func (p *Pool) Warm(ctx context.Context, n int) (int, error) {
	created := 0
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return created, ErrPoolClosed
		}
		if len(p.available) >= n || p.liveLocked() >= p.cfg.Capacity {
			p.mu.Unlock()
			break
		}
		p.pending++
		p.mu.Unlock()

		if _, err := p.create(ctx, ""); err != nil {
			return created, err
		}
		created++
	}
	if created > 0 {
		p.logger.Infof("Warmed %d sessions", created)
	}
	return created, nil
}

// Prune destroys available sessions past their age or use ceiling and
// returns how many were removed.
func (p *Pool) Prune() int {
	p.mu.Lock()
	var stale []*Session
	kept := p.available[:0]
	for _, s := range p.available {
		if p.expired(s) != "" || p.usedUp(s) {
			stale = append(stale, s)
			continue
		}
		kept = append(kept, s)
	}
	p.available = kept
	p.destroyed += len(stale)
	if len(stale) > 0 {
		p.broadcastLocked()
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.closeSession(s)
	}
	if len(stale) > 0 {
		p.logger.Infof("Pruned %d stale sessions", len(stale))
	}
	return len(stale)
}

// Stats returns current membership and lifetime counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available: len(p.available),
		Held:      len(p.held),
		Created:   p.created,
		Reused:    p.reused,
		Destroyed: p.destroyed,
		Capacity:  p.cfg.Capacity,
	}
}

// ShutdownAll destroys every session, available or held. Waiting and
// subsequent Acquire calls fail with ErrPoolClosed.
func (p *Pool) ShutdownAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := make([]*Session, 0, len(p.available)+len(p.held))
	all = append(all, p.available...)
	for _, s := range p.held {
		all = append(all, s)
	}
	p.available = nil
	p.held = make(map[string]*Session)
	p.destroyed += len(all)
	p.broadcastLocked()
	p.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	p.logger.Infof("Pool shut down, destroyed %d sessions", len(all))
	return errors.Join(errs...)
}

func (p *Pool) liveLocked() int {
	return len(p.available) + len(p.held) + p.pending
}

// broadcastLocked wakes every waiter in Acquire.
func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) closeSession(s *Session) {
	if err := s.context.Close(); err != nil {
		p.logger.Warnf("Failed to close session %s: %v", s.ID, err)
	}
}
