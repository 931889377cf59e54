package browser

import "sync"

// Fingerprint is the browser profile presented by one session.
type Fingerprint struct {
	UserAgent string
	Viewport  Viewport
	Locale    string
	Timezone  string
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// Default values for new sessions
const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultLocale         = "en-US"
	DefaultTimezone       = "UTC"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36 Edg/123.0.0.0",
}

var defaultViewports = []Viewport{
	{Width: 1280, Height: 720},
	{Width: 1366, Height: 768},
	{Width: 1440, Height: 900},
	{Width: 1920, Height: 1080},
}

var defaultLocales = []string{"en-US", "en-GB", "en-CA"}

var defaultTimezones = []string{"UTC", "America/New_York", "Europe/London", "America/Los_Angeles"}

// DefaultFingerprint is used when rotation is disabled.
func DefaultFingerprint() Fingerprint {
	return Fingerprint{
		UserAgent: defaultUserAgents[0],
		Viewport:  Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight},
		Locale:    DefaultLocale,
		Timezone:  DefaultTimezone,
	}
}

// Rotator hands out fingerprints round-robin. Each attribute list advances
// independently, so the combined profile repeats only after the least common
// multiple of the list lengths.
type Rotator struct {
	mu        sync.Mutex
	enabled   bool
	n         int
	agents    []string
	viewports []Viewport
	locales   []string
	timezones []string
}

// NewRotator creates a rotator over the built-in profile lists. A disabled
// rotator always returns DefaultFingerprint.
func NewRotator(enabled bool) *Rotator {
	return &Rotator{
		enabled:   enabled,
		agents:    defaultUserAgents,
		viewports: defaultViewports,
		locales:   defaultLocales,
		timezones: defaultTimezones,
	}
}

// Next returns the next fingerprint.
func (r *Rotator) Next() Fingerprint {
	if r == nil || !r.enabled {
		return DefaultFingerprint()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.n
	r.n++
	return Fingerprint{
		UserAgent: r.agents[i%len(r.agents)],
		Viewport:  r.viewports[i%len(r.viewports)],
		Locale:    r.locales[i%len(r.locales)],
		Timezone:  r.timezones[i%len(r.timezones)],
	}
}
