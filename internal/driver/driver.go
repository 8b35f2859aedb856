// Package driver adapts go-rod/CDP into the narrow capability set the rest
// of the daemon is written against: launch/attach, page and
// frame targets, locators, actions, and the event streams that feed the
// page-rev tracker and observation buffers. Outside this package, rod is
// imported only by internal/humanize, which only this package uses —
// Target and Locator are the only handles that cross the boundary.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/agentmb/agentmb-daemon/internal/config"
)

// Target is an opaque handle to a page or frame that actions resolve
// locators against. Only this package knows it is really a *rod.Page.
type Target struct {
	page *rod.Page
}

// Locator is an opaque handle to a resolved DOM element.
type Locator struct {
	el *rod.Element
}

// Event is a normalized driver event forwarded to the page-rev tracker and
// observation buffers.
type Event struct {
	Kind      string // "framenavigated" | "console" | "pageerror" | "dialog"
	URL       string
	Text      string
	Level     string
	Committed bool // true once a navigation's load has committed
	At        time.Time
}

// Driver wraps one browser instance bound to exactly one session (exactly one driver per session —
// "Driver instance: per-session; no sharing across sessions").
type Driver struct {
	browser     *rod.Browser
	launcher    *launcher.Launcher // nil for attach mode
	LaunchMode  string             // "managed" | "attach" | "ephemeral"
	ProfileDir  string
	Headless    bool
	Events      chan Event
	cancelEvent context.CancelFunc
}

// LaunchManaged starts a new browser process bound to a profile directory
// (managed or ephemeral launch modes share this path; the caller decides the
// directory's lifecycle).
func LaunchManaged(cfg *config.Config, profileDir string, headless, acceptDownloads bool, channel, executablePath string) (*Driver, error) {
	l := launcher.New().UserDataDir(profileDir)

	if executablePath != "" {
		l = l.Bin(executablePath)
	} else if cfg.BrowserPath != "" {
		l = l.Bin(cfg.BrowserPath)
	}

	if headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	if err := stealth.MustPage(browser); err == nil {
		// warm a stealth page so subsequent real pages inherit the init script cache
	}

	d := &Driver{
		browser:    browser,
		launcher:   l,
		LaunchMode: "managed",
		ProfileDir: profileDir,
		Headless:   headless,
		Events:     make(chan Event, 256),
	}
	return d, nil
}

// Attach connects to a browser the daemon did not launch, over its CDP
// websocket URL. Destroy must only disconnect, never shut the browser down.
func Attach(cdpURL string) (*Driver, error) {
	browser := rod.New().ControlURL(cdpURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("attach to cdp_url: %w", err)
	}
	return &Driver{
		browser:    browser,
		LaunchMode: "attach",
		Events:     make(chan Event, 256),
	}, nil
}

// NewPage opens a new page/target and returns it as a Target, applying the
// stealth init script so fingerprint-evasion is consistent across pages
// opened within the same session.
func (d *Driver) NewPage() (*Target, error) {
	page, err := d.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, err
	}
	if err := stealth.Inject(page); err != nil {
		log.Warn().Err(err).Msg("stealth injection failed, continuing without it")
	}
	d.subscribe(page)
	return &Target{page: page}, nil
}

// Pages lists all open pages in the underlying browser.
func (d *Driver) Pages() ([]*Target, error) {
	pages, err := d.browser.Pages()
	if err != nil {
		return nil, err
	}
	out := make([]*Target, 0, len(pages))
	for _, p := range pages {
		out = append(out, &Target{page: p})
	}
	return out, nil
}

// ClosePage closes a single page.
func (d *Driver) ClosePage(t *Target) error {
	return t.page.Close()
}

// subscribe wires the page's event streams into the driver's normalized
// Event channel (framenavigated, console, pageerror, dialog; download
// events are not subscribed). Runs as a single background task per page so callers never
// need to know rod's event types directly.
//
// A top-level navigation is reported immediately on PageFrameNavigated. A
// subframe navigation is held back until PageFrameStoppedLoading fires for
// that frame, so an iframe mid-load doesn't bump page_rev before its content
// has actually settled.
func (d *Driver) subscribe(page *rod.Page) {
	pendingSubframes := map[proto.FrameID]string{}
	go page.EachEvent(
		func(e *proto.PageFrameNavigated) {
			if e.Frame.ParentID == "" {
				d.emit(Event{Kind: "framenavigated", URL: e.Frame.URL, Committed: true, At: time.Now()})
				return
			}
			pendingSubframes[e.Frame.ID] = e.Frame.URL
		},
		func(e *proto.PageFrameStoppedLoading) {
			url, ok := pendingSubframes[e.FrameID]
			if !ok {
				return
			}
			delete(pendingSubframes, e.FrameID)
			d.emit(Event{Kind: "framenavigated", URL: url, Committed: true, At: time.Now()})
		},
		func(e *proto.RuntimeConsoleAPICalled) {
			text := ""
			for _, a := range e.Args {
				text += a.Description + " "
			}
			d.emit(Event{Kind: "console", Level: string(e.Type), Text: text, At: time.Now()})
		},
		func(e *proto.RuntimeExceptionThrown) {
			d.emit(Event{Kind: "pageerror", Text: e.ExceptionDetails.Error(), At: time.Now()})
		},
		func(e *proto.PageJavascriptDialogOpening) {
			d.emit(Event{Kind: "dialog", Text: e.Message, At: time.Now()})
		},
	)()
}

func (d *Driver) emit(ev Event) {
	select {
	case d.Events <- ev:
	default:
		// Events channel is a bounded buffer; drop rather than block the
		// browser's event delivery goroutine (background handlers
		// must never propagate back-pressure into the driver).
		log.Warn().Str("kind", ev.Kind).Msg("driver event dropped, events channel full")
	}
}

// Navigate navigates a target to a URL. It does not wait for the load
// event; callers apply wait_until themselves (see WaitLoad).
func (t *Target) Navigate(ctx context.Context, url string) error {
	return t.page.Context(ctx).Navigate(url)
}

// WaitLoad waits for the page's load event.
func (t *Target) WaitLoad(ctx context.Context) error {
	return t.page.Context(ctx).WaitLoad()
}

// Info returns the current URL and title of the target.
func (t *Target) Info() (url, title string, err error) {
	info, err := t.page.Info()
	if err != nil {
		return "", "", err
	}
	title, _ = t.page.Eval(`() => document.title`)
	return info.URL, title, nil
}

// Evaluate runs a script against the target and returns its JSON-decoded result.
func (t *Target) Evaluate(ctx context.Context, script string, args ...any) (any, error) {
	res, err := t.page.Context(ctx).Eval(script, args...)
	if err != nil {
		return nil, err
	}
	var out any
	if err := res.Value.Unmarshal(&out); err != nil {
		return res.Value.Str(), nil
	}
	return out, nil
}

// Locate resolves a CSS selector to a Locator scoped to this target.
func (t *Target) Locate(ctx context.Context, css string) (*Locator, error) {
	el, err := t.page.Context(ctx).Element(css)
	if err != nil {
		return nil, err
	}
	return &Locator{el: el}, nil
}

// Frame looks up a child frame by name or URL substring.
func (t *Target) Frame(ctx context.Context, kind, value string) (*Target, error) {
	pages, err := t.page.Context(ctx).Browser().Pages()
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		switch kind {
		case "url":
			if strings.Contains(info.URL, value) {
				return &Target{page: p}, nil
			}
		case "name":
			if info.Title == value {
				return &Target{page: p}, nil
			}
		}
	}
	return nil, errors.New("frame not found")
}

// BoundingBox returns the locator's bounding rectangle in page coordinates.
func (l *Locator) BoundingBox() (x, y, w, h float64, err error) {
	shape, err := l.el.Shape()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	box := shape.Box()
	return box.X, box.Y, box.Width, box.Height, nil
}

// Click performs a strict, locator-based click (high-level executor track).
func (l *Locator) Click() error {
	return l.el.Click(proto.InputMouseButtonLeft, 1)
}

// DblClick performs a double click.
func (l *Locator) DblClick() error {
	return l.el.Click(proto.InputMouseButtonLeft, 2)
}

// Hover moves the mouse over the element.
func (l *Locator) Hover() error {
	return l.el.Hover()
}

// Focus focuses the element.
func (l *Locator) Focus() error {
	return l.el.Focus()
}

// Fill atomically sets an input's value.
func (l *Locator) Fill(value string) error {
	if err := l.el.SelectAllText(); err != nil {
		return err
	}
	return l.el.Input(value)
}

// Type types text character by character with a delay between keystrokes.
func (l *Locator) Type(ctx context.Context, value string, charDelay time.Duration) error {
	if err := l.el.Focus(); err != nil {
		return err
	}
	for _, r := range value {
		if err := l.el.Input(string(r)); err != nil {
			return err
		}
		if charDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(charDelay):
			}
		}
	}
	return nil
}

// Press sends a single key press to the element.
func (l *Locator) Press(key rune) error {
	return l.el.Type(input(key))
}

func input(r rune) rod.InputKey {
	if k, ok := rod.Keys[string(r)]; ok {
		return k
	}
	return rod.Keys["Enter"]
}

// Select sets a <select>'s selected options by visible text.
func (l *Locator) Select(values []string) error {
	return l.el.Select(values, true, rod.SelectorTypeText)
}

// Check/Uncheck set a checkbox/radio to a specific checked state.
func (l *Locator) SetChecked(checked bool) error {
	current, err := l.el.Property("checked")
	if err != nil {
		return err
	}
	if current.Bool() == checked {
		return nil
	}
	return l.el.Click(proto.InputMouseButtonLeft, 1)
}

// Property reads a DOM/JS property off the element (the `get` verb).
func (l *Locator) Property(name string) (any, error) {
	switch name {
	case "text":
		return l.el.Text()
	case "html":
		return l.el.HTML()
	case "value":
		v, err := l.el.Property("value")
		if err != nil {
			return nil, err
		}
		return v.Val(), nil
	case "visible":
		return l.el.Visible()
	case "enabled":
		v, err := l.el.Property("disabled")
		if err != nil {
			return nil, err
		}
		return !v.Bool(), nil
	case "checked":
		v, err := l.el.Property("checked")
		if err != nil {
			return nil, err
		}
		return v.Bool(), nil
	default:
		v, err := l.el.Property(name)
		if err != nil {
			return nil, err
		}
		return v.Val(), nil
	}
}

// Screenshot captures the target's viewport as PNG bytes.
func (t *Target) Screenshot() ([]byte, error) {
	return t.page.Screenshot(false, nil)
}

// SetViewport sets the target's viewport size.
func (t *Target) SetViewport(width, height int) error {
	return t.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:  width,
		Height: height,
	})
}

// SetNetworkConditions emulates network throttling/offline state.
func (t *Target) SetNetworkConditions(ctx context.Context, offline bool, latencyMs int, downKbps, upKbps float64) error {
	return proto.NetworkEmulateNetworkConditions{
		Offline:            offline,
		Latency:            float64(latencyMs),
		DownloadThroughput: downKbps * 1000 / 8,
		UploadThroughput:   upKbps * 1000 / 8,
	}.Call(t.page)
}

// Cookie is the adapter's opaque representation of a browser cookie, kept
// free of rod/proto types so callers outside this package never need to
// import go-rod — no driver-specific type leaks upward.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  float64
	HTTPOnly bool
	Secure   bool
	SameSite string
}

// Cookies returns all cookies visible to the target.
func (t *Target) Cookies() ([]Cookie, error) {
	raw, err := t.page.Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

// SetCookies sets cookies on the underlying browser context.
func (t *Target) SetCookies(cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		})
	}
	return t.page.SetCookies(params)
}

// ClearCookies removes every cookie visible to the target.
func (t *Target) ClearCookies() error {
	return proto.NetworkClearBrowserCookies{}.Call(t.page)
}

// StorageState exports cookies and localStorage for the target's origin,
// used by handoff_start/complete and storage_state endpoints.
func (t *Target) StorageState() (map[string]any, error) {
	cookies, err := t.Cookies()
	if err != nil {
		return nil, err
	}
	localStorage, err := t.Evaluate(context.Background(), `() => JSON.stringify(localStorage)`)
	if err != nil {
		localStorage = "{}"
	}
	return map[string]any{
		"cookies":      cookies,
		"localStorage": localStorage,
	}, nil
}

// CallCDP issues a raw CDP command against the target's page session,
// backing the `cdp` passthrough endpoint for commands the
// adapter's structured capability set does not otherwise expose. The
// browser satisfies proto.Client, so this reaches the protocol layer
// directly rather than through a specific typed proto.* message.
func (t *Target) CallCDP(ctx context.Context, method string, params map[string]any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	client := t.page.GetClient()
	return client.Call(ctx, string(t.page.GetSessionID()), method, raw)
}

// StartTrace begins a CDP performance trace on the target. Categories
// follow Chrome's tracing category syntax.
func (t *Target) StartTrace(categories []string) error {
	return proto.TracingStart{
		Categories: strings.Join(categories, ","),
		TraceConfig: &proto.TracingTraceConfig{
			IncludedCategories: categories,
		},
	}.Call(t.page)
}

// StopTrace ends the active trace and waits for Tracing.tracingComplete.
// It returns an empty JSON object ("{}"); the captured trace events are
// not collected or returned.
func (t *Target) StopTrace(ctx context.Context) ([]byte, error) {
	wait := t.page.Context(ctx).WaitEvent(&proto.TracingTracingComplete{})
	if err := proto.TracingEnd{}.Call(t.page); err != nil {
		return nil, err
	}
	wait()
	return []byte("{}"), nil
}

// ReadClipboard reads the target's clipboard text via the page's clipboard
// API (requires clipboard-read permission to be granted).
func (t *Target) ReadClipboard(ctx context.Context) (string, error) {
	res, err := t.Evaluate(ctx, `() => navigator.clipboard.readText()`)
	if err != nil {
		return "", err
	}
	s, _ := res.(string)
	return s, nil
}

// WriteClipboard writes text to the target's clipboard.
func (t *Target) WriteClipboard(ctx context.Context, text string) error {
	_, err := t.Evaluate(ctx, `(text) => navigator.clipboard.writeText(text)`, text)
	return err
}

// Close disconnects (attach mode) or shuts down (managed/ephemeral) the
// driver, per launch mode.
func (d *Driver) Close() error {
	if d.LaunchMode == "attach" {
		return d.browser.Close()
	}
	err := d.browser.Close()
	if d.launcher != nil {
		d.launcher.Cleanup()
	}
	return err
}
