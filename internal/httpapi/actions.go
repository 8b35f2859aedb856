package httpapi

import (
	"context"
	"net/http"

	"github.com/agentmb/agentmb-daemon/internal/driver"
	"github.com/agentmb/agentmb-daemon/internal/pipeline"
	"github.com/agentmb/agentmb-daemon/internal/preflight"
	"github.com/agentmb/agentmb-daemon/internal/resolve"
	"github.com/agentmb/agentmb-daemon/internal/session"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

// actionVerbs is every path segment registered under
// POST /api/v1/sessions/{id}/<verb>.
var actionVerbs = []string{
	"navigate", "back", "forward", "reload",
	"click", "dblclick", "hover", "focus",
	"fill", "type", "press", "select", "check", "uncheck",
	"scroll", "scroll_into_view", "scroll_until", "load_more_until",
	"drag", "mouse_move", "mouse_down", "mouse_up", "click_at", "wheel",
	"key_down", "key_up", "insert_text",
	"bbox", "eval", "extract", "get", "assert", "find",
	"screenshot", "annotated_screenshot",
	"element_map", "snapshot_map",
	"wait_page_stable", "wait_for_selector", "wait_for_url",
	"wait_for_response", "wait_text", "wait_load_state", "wait_function",
	"upload", "upload_url", "download",
	"run_steps",
}

// frameBody is the optional frame-selector object a request may carry.
type frameBody struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// actionBody is the union of every field any verb's JSON body may carry.
// Handlers read only the fields relevant to their verb.
type actionBody struct {
	Purpose   string `json:"purpose"`
	Operator  string `json:"operator"`
	Sensitive bool   `json:"sensitive"`
	Retry     bool   `json:"retry"`
	TimeoutMs int    `json:"timeout_ms"`
	Executor  string `json:"executor"`

	Value     string     `json:"value"`
	Selector  string     `json:"selector"`
	ElementID string     `json:"element_id"`
	RefID     string     `json:"ref_id"`
	Frame     *frameBody `json:"frame"`

	X              *float64 `json:"x"`
	Y              *float64 `json:"y"`
	ToX            *float64 `json:"to_x"`
	ToY            *float64 `json:"to_y"`
	WheelDeltaX    *float64 `json:"wheel_delta_x"`
	WheelDeltaY    *float64 `json:"wheel_delta_y"`
	Key            string   `json:"key"`
	Keys           []string `json:"keys"`
	Checked        *bool    `json:"checked"`
	Button         string   `json:"button"`

	URL          string   `json:"url"`
	Script       string   `json:"script"`
	Args         []any    `json:"args"`
	Property     string   `json:"property"`
	Pattern      string   `json:"pattern"`
	Text         string   `json:"text"`
	Paths        []string `json:"paths"`
	MaxScrolls   int      `json:"max_scrolls"`
	DeltaY       float64  `json:"delta_y"`
	CharDelayMs  int      `json:"char_delay_ms"`

	WaitUntil       string `json:"wait_until"`
	LoadState       string `json:"load_state"`
	FillStrategy    string `json:"fill_strategy"`
	QueryType       string `json:"query_type"`
	WaitBeforeMs    int    `json:"wait_before_ms"`
	WaitAfterMs     int    `json:"wait_after_ms"`
	WaitDOMStableMs int    `json:"wait_dom_stable_ms"`

	IncludeUnlabeled bool              `json:"include_unlabeled"`
	RecipeName       string            `json:"recipe_name"`
	StopOnError      *bool             `json:"stop_on_error"`
	Steps            []recipeStepBody  `json:"steps"`
}

type recipeStepBody struct {
	Name   string         `json:"name"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

func (b actionBody) targetQuery() resolve.TargetQuery {
	q := resolve.TargetQuery{
		RefID:     b.RefID,
		ElementID: b.ElementID,
		Selector:  b.Selector,
	}
	if b.Frame != nil {
		q.Frame = &resolve.FrameSelector{Type: b.Frame.Type, Value: b.Frame.Value}
	}
	return q
}

func (b actionBody) stability() pipeline.Stability {
	return pipeline.Stability{
		WaitBeforeMs:    b.WaitBeforeMs,
		WaitAfterMs:     b.WaitAfterMs,
		WaitDOMStableMs: b.WaitDOMStableMs,
	}
}

func (b actionBody) preflight(action string, requiresTarget bool) preflight.Request {
	return preflight.Request{
		Action:         action,
		TimeoutMs:      b.TimeoutMs,
		Value:          b.Value,
		Selector:       b.Selector,
		ElementID:      b.ElementID,
		RefID:          b.RefID,
		X:              b.X,
		Y:              b.Y,
		WheelDeltaX:    b.WheelDeltaX,
		WheelDeltaY:    b.WheelDeltaY,
		WaitUntil:      b.WaitUntil,
		LoadState:      b.LoadState,
		FillStrategy:   b.FillStrategy,
		QueryType:      b.QueryType,
		Executor:       b.Executor,
		RequiresTarget: requiresTarget,
	}
}

// makeActionHandler builds the HTTP handler for one verb, wiring
// preflight validation, per-session policy/pipeline execution, and the
// verb-specific driver calls (the pipeline's 8 steps; steps 1 and 6 are
// what varies between verbs — the rest is shared pipeline machinery).
func (s *Server) makeActionHandler(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		sess, err := s.manager.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}

		var body actionBody
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, types.NewPreflightError("body", "json", "malformed request body"))
			return
		}

		requiresTarget := verbRequiresTarget(verb)
		if pfErr := preflight.Validate(body.preflight(verb, requiresTarget)); pfErr != nil {
			writeError(w, pfErr)
			return
		}

		execute, err := s.buildExecute(verb, sess, body)
		if err != nil {
			writeError(w, err)
			return
		}

		domain := domainForSession(sess)

		target := body.targetQuery()
		if verb == "wait_for_selector" {
			// wait_for_selector polls for the selector itself inside
			// Execute; a pipeline pre-resolve would fail fast instead of
			// waiting, defeating the point of a wait_* verb.
			target = resolve.TargetQuery{}
		}

		req := pipeline.ActionRequest{
			Action:         verb,
			Purpose:        body.Purpose,
			OperatorParam:  body.Operator,
			OperatorHeader: r.Header.Get("X-Operator"),
			Sensitive:      body.Sensitive || verbIsSensitive(verb),
			Retry:          body.Retry,
			Target:         target,
			Stability:      body.stability(),
			Executor:       body.Executor,
			TimeoutMs:      body.TimeoutMs,
			Execute:        execute,
			Domain:         domain,
			FallbackClick:  fallbackClickFor(verb),
		}

		extras := s.extrasFor(id)
		result, err := s.pipeline.Run(r.Context(), sess, extras.policy, req)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":       result.Status,
			"executed_via": result.ExecutedVia,
			"duration_ms":  result.DurationMs,
			"data":         result.Data,
		})
	}
}

func domainForSession(sess *session.Session) string {
	page, release, err := sess.ActivePage()
	if err != nil {
		return ""
	}
	defer release()
	url, _, err := page.Target.Info()
	if err != nil {
		return ""
	}
	return pipeline.DomainFromURL(url)
}

var sensitiveVerbs = map[string]bool{
	"fill": true, "type": true, "insert_text": true, "upload": true, "upload_url": true,
}

func verbIsSensitive(verb string) bool { return sensitiveVerbs[verb] }

var targetVerbs = map[string]bool{
	"click": true, "dblclick": true, "hover": true, "focus": true,
	"fill": true, "type": true, "press": true, "select": true,
	"check": true, "uncheck": true, "scroll_into_view": true, "drag": true,
	"bbox": true, "get": true, "upload": true,
}

func verbRequiresTarget(verb string) bool { return targetVerbs[verb] }

func fallbackClickFor(verb string) func(ctx context.Context, loc *driver.Locator) error {
	switch verb {
	case "click":
		return func(ctx context.Context, loc *driver.Locator) error {
			return loc.ClickAtCenter(ctx)
		}
	case "check", "uncheck":
		// exact click position inside a checkbox/radio doesn't matter, so
		// the coords fallback lands anywhere within its bounds rather than
		// always dead center.
		return func(ctx context.Context, loc *driver.Locator) error {
			return loc.ClickWithinBounds(ctx)
		}
	default:
		return nil
	}
}
