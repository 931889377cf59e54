package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/pilot/pkg/types"
)

// DefaultTimeout is the Playwright default operation timeout.
const DefaultTimeout = 30 * time.Second

// PlaywrightOptions configures the Playwright launcher.
type PlaywrightOptions struct {
	// Headless controls whether the browser runs without a visible window
	Headless bool

	// Install downloads browsers before starting the driver
	Install bool

	// ArtifactDir receives screenshots and downloads
	ArtifactDir string

	// HealthCheckURL is the smoke navigation target (default about:blank)
	HealthCheckURL string

	// DefaultTimeout applies to operations without an explicit timeout
	DefaultTimeout time.Duration
}

// PlaywrightLauncher runs one Chromium process and creates an isolated
// BrowserContext per session.
type PlaywrightLauncher struct {
	mu         sync.Mutex
	opts       PlaywrightOptions
	playwright *playwright.Playwright
	browser    playwright.Browser
}

// NewPlaywrightLauncher starts Playwright and launches Chromium.
func NewPlaywrightLauncher(opts PlaywrightOptions) (*PlaywrightLauncher, error) {
	if opts.HealthCheckURL == "" {
		opts.HealthCheckURL = "about:blank"
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.ArtifactDir == "" {
		opts.ArtifactDir = filepath.Join(os.TempDir(), "pilot-artifacts")
	}
	if err := os.MkdirAll(opts.ArtifactDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	// Keep driver output off the terminal
	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if opts.Install {
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &PlaywrightLauncher{
		opts:       opts,
		playwright: pw,
		browser:    browser,
	}, nil
}

// Launch creates a new isolated context presenting the given fingerprint.
func (l *PlaywrightLauncher) Launch(ctx context.Context, fp Fingerprint) (Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	browser := l.browser
	l.mu.Unlock()
	if browser == nil {
		return nil, ErrSessionClosed
	}

	contextOpts := playwright.BrowserNewContextOptions{
		AcceptDownloads: playwright.Bool(true),
		Viewport: &playwright.Size{
			Width:  fp.Viewport.Width,
			Height: fp.Viewport.Height,
		},
	}
	if fp.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(fp.UserAgent)
	}
	if fp.Locale != "" {
		contextOpts.Locale = playwright.String(fp.Locale)
	}
	if fp.Timezone != "" {
		contextOpts.TimezoneId = playwright.String(fp.Timezone)
	}

	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(millis(l.opts.DefaultTimeout))

	return &playwrightContext{
		id:          uuid.New().String(),
		opts:        l.opts,
		context:     bctx,
		page:        page,
		fingerprint: fp,
	}, nil
}

// Close closes the browser and stops Playwright.
func (l *PlaywrightLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.browser != nil {
		if err := l.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		l.browser = nil
	}
	if l.playwright != nil {
		if err := l.playwright.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		l.playwright = nil
	}
	return errors.Join(errs...)
}

// playwrightContext is one BrowserContext with its active page.
type playwrightContext struct {
	id          string
	opts        PlaywrightOptions
	mu          sync.Mutex
	context     playwright.BrowserContext
	page        playwright.Page
	fingerprint Fingerprint
	closed      bool
}

func (c *playwrightContext) ID() string {
	return c.id
}

func (c *playwrightContext) activePage() (playwright.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrSessionClosed
	}
	return c.page, nil
}

// Perform runs one command against the active page.
func (c *playwrightContext) Perform(ctx context.Context, cmd Command) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	page, err := c.activePage()
	if err != nil {
		return Output{}, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	ms := playwright.Float(millis(timeout))

	var out Output
	switch cmd.Kind {
	case types.ActionNavigate:
		url := cmd.Value
		if url == "" {
			url = cmd.Target.Value
		}
		_, err = page.Goto(url, playwright.PageGotoOptions{Timeout: ms})

	case types.ActionClick:
		err = c.locate(page, cmd).Click(playwright.LocatorClickOptions{Timeout: ms})

	case types.ActionType:
		err = c.locate(page, cmd).Fill(cmd.Value, playwright.LocatorFillOptions{Timeout: ms})

	case types.ActionSelect:
		if err := RequireValue(cmd); err != nil {
			return out, err
		}
		values := []string{cmd.Value}
		_, err = c.locate(page, cmd).SelectOption(playwright.SelectOptionValues{Values: &values},
			playwright.LocatorSelectOptionOptions{Timeout: ms})

	case types.ActionUpload:
		if err := RequireValue(cmd); err != nil {
			return out, err
		}
		err = c.locate(page, cmd).SetInputFiles([]string{cmd.Value},
			playwright.LocatorSetInputFilesOptions{Timeout: ms})

	case types.ActionDownload:
		out.Artifact, err = c.download(page, cmd, ms)

	case types.ActionWait:
		err = c.wait(page, cmd, ms)

	case types.ActionScroll:
		err = c.scroll(page, cmd, ms)

	case types.ActionSubmit:
		_, err = c.locate(page, cmd).Evaluate(
			`el => (el.tagName === "FORM" ? el.requestSubmit() : (el.form ? el.form.requestSubmit(el.type === "submit" ? el : undefined) : el.click()))`,
			nil, playwright.LocatorEvaluateOptions{Timeout: ms})

	case types.ActionExtract:
		out.Text, err = c.extract(page, cmd, ms)

	case types.ActionVerify:
		out.Text, err = c.verify(page, cmd, ms)

	case types.ActionScreenshot:
		out.Artifact, err = c.Capture(ctx, fmt.Sprintf("step-%s", cmd.Value))

	case types.ActionHover:
		err = c.locate(page, cmd).Hover(playwright.LocatorHoverOptions{Timeout: ms})

	case types.ActionKeyPress:
		if cmd.Target.IsZero() {
			err = page.Keyboard().Press(cmd.Value)
		} else {
			err = c.locate(page, cmd).Press(cmd.Value, playwright.LocatorPressOptions{Timeout: ms})
		}

	case types.ActionDragDrop:
		if cmd.Value == "" {
			return Output{}, fmt.Errorf("drag_drop requires a destination selector: %w", ErrInvalidSelector)
		}
		dest := page.Locator(Selector(types.NewLocator(cmd.Value))).First()
		err = c.locate(page, cmd).DragTo(dest, playwright.LocatorDragToOptions{Timeout: ms})

	default:
		return Output{}, fmt.Errorf("%s: %w", cmd.Kind, ErrUnsupported)
	}

	if err != nil {
		return Output{}, mapError(cmd, err)
	}
	out.URL = page.URL()
	return out, nil
}

func (c *playwrightContext) locate(page playwright.Page, cmd Command) playwright.Locator {
	return page.Locator(Selector(cmd.Target)).First()
}

func (c *playwrightContext) download(page playwright.Page, cmd Command, ms *float64) (string, error) {
	download, err := page.ExpectDownload(func() error {
		return c.locate(page, cmd).Click(playwright.LocatorClickOptions{Timeout: ms})
	}, playwright.PageExpectDownloadOptions{Timeout: ms})
	if err != nil {
		return "", err
	}
	name := download.SuggestedFilename()
	if name == "" {
		name = uuid.New().String()
	}
	path := filepath.Join(c.opts.ArtifactDir, c.id+"-"+filepath.Base(name))
	if err := download.SaveAs(path); err != nil {
		return "", err
	}
	return path, nil
}

func (c *playwrightContext) wait(page playwright.Page, cmd Command, ms *float64) error {
	if !cmd.Target.IsZero() {
		return c.locate(page, cmd).WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: ms,
		})
	}
	d, err := parseWaitDuration(cmd.Value)
	if err != nil {
		return err
	}
	page.WaitForTimeout(millis(d))
	return nil
}

func (c *playwrightContext) scroll(page playwright.Page, cmd Command, ms *float64) error {
	if !cmd.Target.IsZero() {
		return c.locate(page, cmd).ScrollIntoViewIfNeeded(playwright.LocatorScrollIntoViewIfNeededOptions{Timeout: ms})
	}
	dy := 600.0
	if cmd.Value != "" {
		v, err := strconv.ParseFloat(cmd.Value, 64)
		if err != nil {
			return fmt.Errorf("invalid scroll delta %q: %w", cmd.Value, ErrUnsupported)
		}
		dy = v
	}
	return page.Mouse().Wheel(0, dy)
}

func (c *playwrightContext) extract(page playwright.Page, cmd Command, ms *float64) (string, error) {
	if !cmd.Target.IsZero() {
		return c.locate(page, cmd).InnerText(playwright.LocatorInnerTextOptions{Timeout: ms})
	}
	content, err := page.Content()
	if err != nil {
		return "", err
	}
	text, err := ExtractText(content, DefaultMaxTextLength)
	if err != nil {
		return "", err
	}
	return text.Text, nil
}

func (c *playwrightContext) verify(page playwright.Page, cmd Command, ms *float64) (string, error) {
	expected := strings.TrimSpace(cmd.Value)
	if strings.HasPrefix(expected, "url:") {
		want := strings.TrimSpace(strings.TrimPrefix(expected, "url:"))
		if !strings.Contains(page.URL(), want) {
			return page.URL(), fmt.Errorf("url %q does not contain %q: %w", page.URL(), want, ErrVerificationFailed)
		}
		return page.URL(), nil
	}

	text, err := c.extract(page, cmd, ms)
	if err != nil {
		return "", err
	}
	if expected != "" && !strings.Contains(strings.ToLower(text), strings.ToLower(expected)) {
		return text, fmt.Errorf("expected text %q not found: %w", expected, ErrVerificationFailed)
	}
	return text, nil
}

// Capture writes a screenshot of the active page into the artifact directory.
func (c *playwrightContext) Capture(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	page, err := c.activePage()
	if err != nil {
		return "", err
	}
	path := filepath.Join(c.opts.ArtifactDir, fmt.Sprintf("%s-%s-%d.png", c.id, sanitize(label), time.Now().UnixNano()))
	if _, err := page.Screenshot(playwright.PageScreenshotOptions{Path: playwright.String(path)}); err != nil {
		return "", mapError(Command{Kind: types.ActionScreenshot}, err)
	}
	return path, nil
}

// Reset clears cookies and web storage and closes every page but one.
func (c *playwrightContext) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}

	if err := c.context.ClearCookies(); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	if _, err := c.page.Evaluate(`() => { try { localStorage.clear(); sessionStorage.clear(); } catch (e) {} }`); err != nil {
		return fmt.Errorf("failed to clear storage: %w", err)
	}
	for _, p := range c.context.Pages() {
		if p != c.page {
			_ = p.Close() // Ignore errors, continue cleanup
		}
	}
	if _, err := c.page.Goto("about:blank"); err != nil {
		return mapError(Command{Kind: types.ActionNavigate}, err)
	}
	return nil
}

// HealthCheck performs a smoke navigation to the configured URL.
func (c *playwrightContext) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	page, err := c.activePage()
	if err != nil {
		return err
	}
	if page.IsClosed() {
		return ErrSessionClosed
	}
	if _, err := page.Goto(c.opts.HealthCheckURL, playwright.PageGotoOptions{Timeout: playwright.Float(5000)}); err != nil {
		return mapError(Command{Kind: types.ActionNavigate}, err)
	}
	return nil
}

// Close closes the page and its BrowserContext.
func (c *playwrightContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.page.Close() // Ignore errors, continue cleanup
	return c.context.Close()
}

// mapError converts Playwright failures into package sentinel errors.
func mapError(cmd Command, err error) error {
	switch {
	case errors.Is(err, playwright.ErrTimeout):
		return fmt.Errorf("%s %s: %w: %v", cmd.Kind, cmd.Target.Value, ErrTimeout, err)
	case errors.Is(err, playwright.ErrTargetClosed):
		return fmt.Errorf("%s: %w: %v", cmd.Kind, ErrSessionClosed, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "is not a valid selector"),
		strings.Contains(msg, "Unexpected token"),
		strings.Contains(msg, "Failed to parse selector"):
		return fmt.Errorf("%s %s: %w: %v", cmd.Kind, cmd.Target.Value, ErrInvalidSelector, err)
	case strings.Contains(msg, "Target closed"), strings.Contains(msg, "has been closed"):
		return fmt.Errorf("%s: %w: %v", cmd.Kind, ErrSessionClosed, err)
	}
	return fmt.Errorf("%s %s: %w", cmd.Kind, cmd.Target.Value, err)
}

// parseWaitDuration accepts Go durations ("2s") or bare milliseconds ("500").
func parseWaitDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Second, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid wait duration %q: %w", v, ErrUnsupported)
	}
	return d, nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func sanitize(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "capture"
	}
	return b.String()
}
