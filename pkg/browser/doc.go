// Package browser provides the browser execution contexts leased by the
// session pool and driven by the execution engine.
//
// # Architecture
//
// The package is built around two interfaces:
//
//  1. Launcher: creates isolated execution contexts, one per pooled session
//  2. Context: performs Commands against one page and can be reset, health
//     checked, and closed
//
// PlaywrightLauncher runs a single Chromium process and hands out a fresh
// BrowserContext and Page per Launch call, so sessions share no cookies,
// storage, or open pages.
//
// # Fingerprints
//
// Every Launch receives a Fingerprint (user agent, viewport, locale,
// timezone). Rotator cycles through a fixed set so consecutive sessions do
// not present identical browser profiles.
//
// # Errors
//
// Drivers map their failures onto the package sentinel errors so the engine
// can tell retryable failures (ErrTimeout, ErrElementNotFound) from permanent
// ones (ErrInvalidSelector, ErrUnsupported) and from a lost session
// (ErrSessionClosed).
package browser
