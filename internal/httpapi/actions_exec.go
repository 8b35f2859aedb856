package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmb/agentmb-daemon/internal/driver"
	"github.com/agentmb/agentmb-daemon/internal/humanize"
	"github.com/agentmb/agentmb-daemon/internal/recipe"
	"github.com/agentmb/agentmb-daemon/internal/registry"
	"github.com/agentmb/agentmb-daemon/internal/resolve"
	"github.com/agentmb/agentmb-daemon/internal/security"
	"github.com/agentmb/agentmb-daemon/internal/session"
)

// executeFunc matches pipeline.ActionRequest.Execute's signature without
// importing the pipeline package's name into every case below.
type executeFunc func(ctx context.Context, target *driver.Target, loc *driver.Locator) (executedVia string, result map[string]any, err error)

const defaultPollInterval = 150 * time.Millisecond

// buildExecute returns the verb-specific Execute closure the pipeline runs
// once policy, stability, and target resolution have all passed. Verbs that
// need to poll rather than resolve-once (the wait_* family) do their own
// looping here instead of relying on the resolver.
func (s *Server) buildExecute(verb string, sess *session.Session, body actionBody) (executeFunc, error) {
	switch verb {

	case "navigate":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			log.Debug().Str("url", security.RedactURL(body.URL)).Msg("navigating")
			if err := security.ValidateURLWithContext(ctx, body.URL); err != nil {
				return "", nil, fmt.Errorf("navigate target rejected: %w", err)
			}
			if err := target.Navigate(ctx, body.URL); err != nil {
				return "", nil, err
			}
			if body.WaitUntil != "commit" {
				_ = target.WaitLoad(ctx)
			}
			url, title, _ := target.Info()
			return "high_level", map[string]any{"url": url, "title": title}, nil
		}, nil

	case "back":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "high_level", nil, target.GoBack(ctx)
		}, nil

	case "forward":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "high_level", nil, target.GoForward(ctx)
		}, nil

	case "reload":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "high_level", nil, target.Reload(ctx)
		}, nil

	case "click":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if _, err := loc.EnsureVisible(ctx); err != nil {
				return "", nil, err
			}
			humanPause(ctx, humanize.NewTiming().PreActionDelay())
			err := loc.Click()
			humanPause(ctx, humanize.NewTiming().PostActionDelay())
			return "high_level", nil, err
		}, nil

	case "dblclick":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if _, err := loc.EnsureVisible(ctx); err != nil {
				return "", nil, err
			}
			humanPause(ctx, humanize.NewTiming().PreActionDelay())
			err := loc.DblClick()
			humanPause(ctx, humanize.NewTiming().PostActionDelay())
			return "high_level", nil, err
		}, nil

	case "hover":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if _, err := loc.EnsureVisible(ctx); err != nil {
				return "", nil, err
			}
			return "high_level", nil, loc.Hover()
		}, nil

	case "focus":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "high_level", nil, loc.Focus()
		}, nil

	case "fill":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if _, err := loc.EnsureVisible(ctx); err != nil {
				return "", nil, err
			}
			humanPause(ctx, humanize.NewTiming().PreActionDelay())
			if body.FillStrategy == "type" {
				return "high_level", nil, loc.Type(ctx, body.Value, charDelay(body.CharDelayMs))
			}
			return "high_level", nil, loc.Fill(body.Value)
		}, nil

	case "type":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if _, err := loc.EnsureVisible(ctx); err != nil {
				return "", nil, err
			}
			humanPause(ctx, humanize.NewTiming().PreActionDelay())
			return "high_level", nil, loc.Type(ctx, body.Value, charDelay(body.CharDelayMs))
		}, nil

	case "press":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if body.Key == "" {
				return "", nil, fmt.Errorf("press requires a key")
			}
			return "high_level", nil, loc.PressKey(body.Key)
		}, nil

	case "select":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			values := body.Keys
			if len(values) == 0 && body.Value != "" {
				values = []string{body.Value}
			}
			return "high_level", nil, loc.Select(values)
		}, nil

	case "check":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "high_level", nil, loc.SetChecked(true)
		}, nil

	case "uncheck":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "high_level", nil, loc.SetChecked(false)
		}, nil

	case "scroll":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "high_level", nil, target.ScrollBy(ctx, deltaOrDefault(body.DeltaY, 400))
		}, nil

	case "scroll_into_view":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "high_level", nil, loc.ScrollIntoView(ctx, target)
		}, nil

	case "scroll_until":
		return s.buildScrollUntil(body), nil

	case "load_more_until":
		return s.buildLoadMoreUntil(body), nil

	case "drag":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if body.ToX == nil || body.ToY == nil {
				return "", nil, fmt.Errorf("drag requires to_x/to_y")
			}
			return "high_level", nil, loc.Drag(ctx, target, *body.ToX, *body.ToY)
		}, nil

	case "mouse_move":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			x, y, err := requireXY(body)
			if err != nil {
				return "", nil, err
			}
			return "low_level", nil, target.MouseMove(ctx, x, y)
		}, nil

	case "mouse_down":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "low_level", nil, target.MouseDown(body.Button)
		}, nil

	case "mouse_up":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "low_level", nil, target.MouseUp(body.Button)
		}, nil

	case "click_at":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			x, y, err := requireXY(body)
			if err != nil {
				return "", nil, err
			}
			return "low_level", nil, target.ClickAt(ctx, x, y)
		}, nil

	case "wheel":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			x, y := float64ptr(body.X), float64ptr(body.Y)
			dx, dy := float64ptr(body.WheelDeltaX), float64ptr(body.WheelDeltaY)
			return "low_level", nil, target.Wheel(ctx, x, y, dx, dy)
		}, nil

	case "key_down":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "low_level", nil, target.KeyDown(body.Key)
		}, nil

	case "key_up":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return "low_level", nil, target.KeyUp(body.Key)
		}, nil

	case "insert_text":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			_, err := target.Evaluate(ctx,
				`(t) => { document.execCommand('insertText', false, t); return true; }`, body.Text)
			return "low_level", nil, err
		}, nil

	case "bbox":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			x, y, w, h, err := loc.BoundingBox()
			if err != nil {
				return "", nil, err
			}
			return "high_level", map[string]any{"x": x, "y": y, "w": w, "h": h}, nil
		}, nil

	case "eval":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			res, err := target.Evaluate(ctx, body.Script, body.Args...)
			if err != nil {
				return "", nil, err
			}
			return "high_level", map[string]any{"result": res}, nil
		}, nil

	case "extract":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if loc != nil {
				text, err := loc.Property("text")
				if err != nil {
					return "", nil, err
				}
				return "high_level", map[string]any{"text": text}, nil
			}
			text, err := target.Evaluate(ctx, `() => document.body.innerText`)
			if err != nil {
				return "", nil, err
			}
			return "high_level", map[string]any{"text": text}, nil
		}, nil

	case "get":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			prop := body.Property
			if prop == "" {
				prop = "text"
			}
			v, err := loc.Property(prop)
			if err != nil {
				return "", nil, err
			}
			return "high_level", map[string]any{"property": prop, "value": v}, nil
		}, nil

	case "assert":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			prop := body.Property
			if prop == "" {
				prop = "text"
			}
			var (
				v   any
				err error
			)
			if loc != nil {
				v, err = loc.Property(prop)
			} else {
				v, err = target.Evaluate(ctx, body.Script, body.Args...)
			}
			if err != nil {
				return "", nil, err
			}
			if fmt.Sprintf("%v", v) != body.Value {
				return "", nil, fmt.Errorf("assertion failed: expected %q, got %v", body.Value, v)
			}
			return "high_level", map[string]any{"ok": true, "value": v}, nil
		}, nil

	case "find":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			matches, err := s.findMatches(ctx, target, body)
			if err != nil {
				return "", nil, err
			}
			return "high_level", map[string]any{"matches": matches}, nil
		}, nil

	case "screenshot":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			png, err := target.Screenshot()
			if err != nil {
				return "", nil, err
			}
			return "high_level", map[string]any{"image_base64": base64.StdEncoding.EncodeToString(png)}, nil
		}, nil

	case "annotated_screenshot":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			return s.annotatedScreenshot(ctx, sess, target, body)
		}, nil

	case "element_map":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			elements, err := s.captureElements(ctx, target, body.IncludeUnlabeled)
			if err != nil {
				return "", nil, err
			}
			return "high_level", map[string]any{"elements": elementPayload(elements, nil)}, nil
		}, nil

	case "snapshot_map":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			elements, err := s.captureElements(ctx, target, body.IncludeUnlabeled)
			if err != nil {
				return "", nil, err
			}
			snap := s.registry.Capture(sess.ID, sess.CurrentPageRev(), elements)
			return "high_level", map[string]any{
				"snapshot_id": snap.ID,
				"page_rev":    snap.PageRev,
				"elements":    elementPayload(elements, snap),
			}, nil
		}, nil

	case "wait_page_stable":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			// The pipeline's stability middleware (step 4) already performed
			// the wait_dom_stable_ms poll before Execute ran; this verb just
			// confirms it happened.
			return "high_level", map[string]any{"status": "stable"}, nil
		}, nil

	case "wait_for_selector":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if body.Selector == "" {
				return "", nil, fmt.Errorf("wait_for_selector requires a selector")
			}
			for {
				if _, err := target.Locate(ctx, body.Selector); err == nil {
					return "high_level", map[string]any{"found": true}, nil
				}
				if !humanize.WaitWithContext(ctx, defaultPollInterval) {
					return "", nil, fmt.Errorf("wait_for_selector: timed out waiting for %q", body.Selector)
				}
			}
		}, nil

	case "wait_for_url":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if body.Pattern == "" {
				return "", nil, fmt.Errorf("wait_for_url requires a pattern")
			}
			for {
				if url, _, err := target.Info(); err == nil && containsPattern(url, body.Pattern) {
					return "high_level", map[string]any{"url": url}, nil
				}
				if !humanize.SleepWithJitter(ctx, defaultPollInterval, 0.3) {
					return "", nil, fmt.Errorf("wait_for_url: timed out waiting for %q", body.Pattern)
				}
			}
		}, nil

	case "wait_for_response":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			// The driver's event stream only surfaces navigation, console,
			// dialog, and page-error events — no per-request
			// network timing, so this verb cannot be backed without adding a
			// network-domain subscription to the driver. Left unimplemented
			// rather than faked; see DESIGN.md.
			return "", nil, fmt.Errorf("wait_for_response is not supported by this driver")
		}, nil

	case "wait_text":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if body.Text == "" {
				return "", nil, fmt.Errorf("wait_text requires text")
			}
			for {
				res, err := target.Evaluate(ctx, `(t) => document.body.innerText.includes(t)`, body.Text)
				if err == nil {
					if ok, _ := res.(bool); ok {
						return "high_level", map[string]any{"found": true}, nil
					}
				}
				if !humanize.RandomWait(ctx, 120, 200) {
					return "", nil, fmt.Errorf("wait_text: timed out waiting for %q", body.Text)
				}
			}
		}, nil

	case "wait_load_state":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			// The adapter only exposes a single load-event wait;
			// domcontentloaded/networkidle are treated the same way.
			return "high_level", nil, target.WaitLoad(ctx)
		}, nil

	case "wait_function":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if body.Script == "" {
				return "", nil, fmt.Errorf("wait_function requires a script")
			}
			for {
				res, err := target.Evaluate(ctx, body.Script, body.Args...)
				if err == nil {
					if ok, _ := res.(bool); ok {
						return "high_level", map[string]any{"result": res}, nil
					}
				}
				if !humanize.WaitWithContext(ctx, defaultPollInterval) {
					return "", nil, fmt.Errorf("wait_function: timed out")
				}
			}
		}, nil

	case "upload":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if len(body.Paths) == 0 {
				return "", nil, fmt.Errorf("upload requires paths")
			}
			return "high_level", nil, loc.SetFiles(body.Paths)
		}, nil

	case "upload_url":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			if body.URL == "" {
				return "", nil, fmt.Errorf("upload_url requires a url")
			}
			if err := security.ValidateURLWithContext(ctx, body.URL); err != nil {
				return "", nil, fmt.Errorf("upload_url source rejected: %w", err)
			}
			path, err := fetchToTempFile(ctx, body.URL)
			if err != nil {
				return "", nil, err
			}
			defer os.Remove(path)
			return "high_level", nil, loc.SetFiles([]string{path})
		}, nil

	case "download":
		return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
			// Capturing the resulting file requires wiring the browser's
			// Page.downloadWillBegin CDP event into the driver adapter,
			// which the adapter does not currently expose. The click that
			// triggers the download still runs; see DESIGN.md.
			if loc != nil {
				if err := loc.Click(); err != nil {
					return "", nil, err
				}
			}
			return "low_level", map[string]any{"status": "triggered"}, nil
		}, nil

	case "run_steps":
		return s.buildRunSteps(sess, body), nil
	}

	return nil, fmt.Errorf("unknown action verb %q", verb)
}

// charDelay returns the per-keystroke delay for the `type` verb. An
// explicit char_delay_ms wins; otherwise a humanized, randomized delay is
// used so scripted typing doesn't look perfectly uniform.
func charDelay(ms int) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return humanize.NewTiming().TypingDelay()
}

// humanPause sleeps for d or until ctx is done, ignoring the distinction —
// callers that care about cancellation already have ctx.Err() available
// from whatever they do next.
func humanPause(ctx context.Context, d time.Duration) {
	humanize.SleepWithContext(ctx, d)
}

func deltaOrDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func float64ptr(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func requireXY(body actionBody) (float64, float64, error) {
	if body.X == nil || body.Y == nil {
		return 0, 0, fmt.Errorf("x and y are required")
	}
	return *body.X, *body.Y, nil
}

func containsPattern(url, pattern string) bool {
	return len(pattern) == 0 || (len(url) >= len(pattern) && indexOf(url, pattern) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func (s *Server) buildScrollUntil(body actionBody) executeFunc {
	return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
		if body.Selector == "" {
			return "", nil, fmt.Errorf("scroll_until requires a selector")
		}
		maxScrolls := body.MaxScrolls
		if maxScrolls <= 0 {
			maxScrolls = 20
		}
		for i := 0; i < maxScrolls; i++ {
			if _, err := target.Locate(ctx, body.Selector); err == nil {
				return "high_level", map[string]any{"found": true, "scrolls": i}, nil
			}
			if err := target.ScrollBy(ctx, deltaOrDefault(body.DeltaY, 600)); err != nil {
				return "", nil, err
			}
			if !humanize.WaitWithContext(ctx, defaultPollInterval) {
				return "", nil, ctx.Err()
			}
		}
		return "high_level", map[string]any{"found": false, "scrolls": maxScrolls}, nil
	}
}

func (s *Server) buildLoadMoreUntil(body actionBody) executeFunc {
	return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
		maxScrolls := body.MaxScrolls
		if maxScrolls <= 0 {
			maxScrolls = 20
		}
		clicks := 0
		for i := 0; i < maxScrolls; i++ {
			if body.Selector != "" {
				if l, err := target.Locate(ctx, body.Selector); err == nil {
					if clickErr := l.Click(); clickErr == nil {
						clicks++
					}
				}
			}
			if err := target.ScrollBy(ctx, deltaOrDefault(body.DeltaY, 800)); err != nil {
				return "", nil, err
			}
			_ = target.RandomSmallScroll(ctx)
			if !humanize.WaitWithContext(ctx, defaultPollInterval) {
				return "", nil, ctx.Err()
			}
		}
		return "high_level", map[string]any{"iterations": maxScrolls, "clicks": clicks}, nil
	}
}

func fetchToTempFile(ctx context.Context, fetchURL string) (string, error) {
	log.Debug().Str("url", security.RedactURL(fetchURL)).Msg("fetching upload_url source")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("upload_url: fetch failed with status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "agentmb-upload-*")
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// captureRow is the shape the in-page enumeration script returns for one
// candidate interactive element.
type captureRow struct {
	ElementID      string  `json:"elementId"`
	Tag            string  `json:"tag"`
	AriaLabel      string  `json:"ariaLabel"`
	Title          string  `json:"title"`
	AriaLabelledBy string  `json:"ariaLabelledBy"`
	SVGTitle       string  `json:"svgTitle"`
	Text           string  `json:"text"`
	Placeholder    string  `json:"placeholder"`
	Override       string  `json:"override"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	W              float64 `json:"w"`
	H              float64 `json:"h"`
}

const captureScript = `(labelOverrides) => {
	const sel = 'a,button,input,select,textarea,[role="button"],[role="link"],[role="textbox"],[tabindex]';
	const nodes = Array.from(document.querySelectorAll(sel)).slice(0, 500);
	return nodes.map((el, i) => {
		const id = 'amb-' + i;
		el.setAttribute('data-agentmb-id', id);
		const r = el.getBoundingClientRect();
		let labelledByText = '';
		const labelledBy = el.getAttribute('aria-labelledby');
		if (labelledBy) {
			const ref = document.getElementById(labelledBy);
			if (ref) labelledByText = ref.textContent || '';
		}
		const svg = el.querySelector ? el.querySelector('title') : null;
		let override = '';
		for (const selector in labelOverrides) {
			try {
				if (el.matches(selector)) { override = labelOverrides[selector]; break; }
			} catch (e) { /* invalid operator-supplied selector, skip */ }
		}
		return {
			elementId: id,
			tag: el.tagName.toLowerCase(),
			ariaLabel: el.getAttribute('aria-label') || '',
			title: el.getAttribute('title') || '',
			ariaLabelledBy: labelledByText,
			svgTitle: svg ? svg.textContent : '',
			text: (el.innerText || el.value || '').toString(),
			placeholder: el.getAttribute('placeholder') || '',
			override: override,
			x: r.x, y: r.y, w: r.width, h: r.height,
		};
	});
}`

// captureElements enumerates interactive elements on the page, stamps each
// with a data-agentmb-id attribute the resolver can address, and synthesizes
// a label per element (label priority chain in resolve.label.go). An
// operator-configured label override always wins over the synthesized label.
func (s *Server) captureElements(ctx context.Context, target *driver.Target, includeUnlabeled bool) ([]registry.Element, error) {
	var labelOverrides map[string]string
	if s.overrides != nil {
		labelOverrides = s.overrides.Get().Labels
	}
	raw, err := target.Evaluate(ctx, captureScript, labelOverrides)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var rows []captureRow
	if err := json.Unmarshal(encoded, &rows); err != nil {
		return nil, err
	}

	elements := make([]registry.Element, 0, len(rows))
	for i, row := range rows {
		label, source := row.Override, "override"
		if label == "" {
			label, source = resolve.SynthesizeLabel(resolve.Candidate{
				AriaLabel:        row.AriaLabel,
				Title:            row.Title,
				AriaLabelledBy:   row.AriaLabelledBy,
				SVGTitle:         row.SVGTitle,
				Text:             row.Text,
				Placeholder:      row.Placeholder,
				Tag:              row.Tag,
				X:                row.X,
				Y:                row.Y,
				IncludeUnlabeled: includeUnlabeled,
			})
		}
		if label == "" {
			continue
		}
		elements = append(elements, registry.Element{
			LocalID:       fmt.Sprintf("e%d", i),
			Tag:           row.Tag,
			Label:         label,
			LabelSource:   source,
			ElementIDHint: row.ElementID,
			X:             row.X, Y: row.Y, W: row.W, H: row.H,
		})
	}
	return elements, nil
}

// elementPayload builds the JSON-facing view of captured elements. When snap
// is non-nil each element also carries its ref_id.
func elementPayload(elements []registry.Element, snap *registry.Snapshot) []map[string]any {
	out := make([]map[string]any, 0, len(elements))
	for _, el := range elements {
		entry := map[string]any{
			"label":        el.Label,
			"label_source": el.LabelSource,
			"tag":          el.Tag,
			"x":            el.X, "y": el.Y, "w": el.W, "h": el.H,
		}
		if snap != nil {
			entry["ref_id"] = snap.RefID(el.LocalID)
		}
		out = append(out, entry)
	}
	return out
}

// findMatches implements the `find` verb's page-level query. The adapter
// has no XPath support, so query_type "role" is approximated with a
// [role="..."] attribute selector and "text" filters the CSS matches by a
// substring of their inner text; "css" (the default) is the fully-supported
// path.
func (s *Server) findMatches(ctx context.Context, target *driver.Target, body actionBody) ([]map[string]any, error) {
	selector := body.Selector
	if selector == "" {
		selector = body.Pattern
	}
	if selector == "" {
		return nil, fmt.Errorf("find requires a selector")
	}
	if body.QueryType == "role" {
		selector = fmt.Sprintf(`[role="%s"]`, selector)
	}

	script := `(sel) => Array.from(document.querySelectorAll(sel)).slice(0, 100).map((el) => {
		const r = el.getBoundingClientRect();
		return {
			tag: el.tagName.toLowerCase(),
			text: (el.innerText || el.value || '').toString().trim().slice(0, 200),
			x: r.x, y: r.y, w: r.width, h: r.height,
		};
	})`
	raw, err := target.Evaluate(ctx, script, selector)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var matches []map[string]any
	if err := json.Unmarshal(encoded, &matches); err != nil {
		return nil, err
	}
	if body.QueryType == "text" && body.Text != "" {
		filtered := matches[:0]
		for _, m := range matches {
			if text, _ := m["text"].(string); containsPattern(text, body.Text) {
				filtered = append(filtered, m)
			}
		}
		matches = filtered
	}
	return matches, nil
}

// annotatedScreenshot draws labeled overlay boxes for every captured element
// before taking the screenshot, then removes the overlay.
func (s *Server) annotatedScreenshot(ctx context.Context, sess *session.Session, target *driver.Target, body actionBody) (string, map[string]any, error) {
	elements, err := s.captureElements(ctx, target, body.IncludeUnlabeled)
	if err != nil {
		return "", nil, err
	}

	overlayPayload, err := json.Marshal(elementPayload(elements, nil))
	if err != nil {
		return "", nil, err
	}

	drawScript := `(json) => {
		const items = JSON.parse(json);
		const root = document.createElement('div');
		root.id = 'agentmb-annotation-overlay';
		root.style.cssText = 'position:fixed;top:0;left:0;right:0;bottom:0;pointer-events:none;z-index:2147483647;';
		items.forEach((it, i) => {
			const box = document.createElement('div');
			box.style.cssText = 'position:absolute;left:' + it.x + 'px;top:' + it.y + 'px;width:' + it.w +
				'px;height:' + it.h + 'px;border:2px solid #ff3366;box-sizing:border-box;';
			const tag = document.createElement('div');
			tag.textContent = String(i);
			tag.style.cssText = 'position:absolute;top:-16px;left:0;background:#ff3366;color:#fff;font:10px monospace;padding:0 2px;';
			box.appendChild(tag);
			root.appendChild(box);
		});
		document.body.appendChild(root);
		return true;
	}`
	if _, err := target.Evaluate(ctx, drawScript, string(overlayPayload)); err != nil {
		return "", nil, err
	}

	png, shotErr := target.Screenshot()

	_, _ = target.Evaluate(ctx, `() => {
		const el = document.getElementById('agentmb-annotation-overlay');
		if (el) el.remove();
		return true;
	}`)

	if shotErr != nil {
		return "", nil, shotErr
	}

	return "high_level", map[string]any{
		"image_base64": base64.StdEncoding.EncodeToString(png),
		"elements":     elementPayload(elements, nil),
	}, nil
}

// buildRunSteps executes a recipe's steps against this session directly,
// bypassing the outer pipeline (it is already holding the session's
// operation lock by the time Execute runs, so a nested pipeline.Run would
// deadlock). Each step still goes through buildExecute and target
// resolution, just without its own policy/stability middleware pass.
func (s *Server) buildRunSteps(sess *session.Session, body actionBody) executeFunc {
	return func(ctx context.Context, target *driver.Target, loc *driver.Locator) (string, map[string]any, error) {
		recipeName := body.RecipeName
		if recipeName == "" {
			recipeName = "adhoc"
		}
		stopOnError := true
		if body.StopOnError != nil {
			stopOnError = *body.StopOnError
		}

		steps := make([]recipe.Step, 0, len(body.Steps))
		for _, st := range body.Steps {
			steps = append(steps, recipe.Step{Name: st.Name, Action: st.Action, Params: st.Params})
		}

		exec := func(step recipe.Step) (map[string]any, error) {
			stepBody, err := actionBodyFromParams(step.Params)
			if err != nil {
				return nil, err
			}
			stepExecute, err := s.buildExecute(step.Action, sess, stepBody)
			if err != nil {
				return nil, err
			}

			var stepLoc *driver.Locator
			q := stepBody.targetQuery()
			if step.Action != "wait_for_selector" && (q.RefID != "" || q.ElementID != "" || q.Selector != "" || q.Frame != nil) {
				stepLoc, err = s.resolver.Resolve(ctx, sess.ID, target, sess.CurrentPageRev(), q)
				if err != nil {
					return nil, err
				}
			}

			_, data, err := stepExecute(ctx, target, stepLoc)
			return data, err
		}

		result, err := recipe.Run(s.recipes, recipeName, sess.ID, steps, stopOnError, exec)
		if err != nil {
			return "", nil, err
		}

		return "high_level", map[string]any{
			"recipe_name": result.RecipeName,
			"ok":          result.OK(),
			"total_ms":    result.TotalMs,
			"steps":       stepResultsPayload(result.Steps),
		}, nil
	}
}

func stepResultsPayload(steps []recipe.StepResult) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, st := range steps {
		out = append(out, map[string]any{
			"name":        st.Name,
			"status":      st.Status,
			"duration_ms": st.DurationMs,
			"error":       st.Error,
			"data":        st.Data,
		})
	}
	return out
}

func actionBodyFromParams(params map[string]any) (actionBody, error) {
	var body actionBody
	encoded, err := json.Marshal(params)
	if err != nil {
		return body, err
	}
	if err := json.Unmarshal(encoded, &body); err != nil {
		return body, err
	}
	return body, nil
}
