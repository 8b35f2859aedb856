// Package pipeline implements the Action Pipeline: the fixed
// 8-step flow every mutating verb traverses — parse/validate, operator
// inference, policy gate, stability waits, target resolve, execute,
// diagnostic enrichment, and audit emission.
package pipeline

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmb/agentmb-daemon/internal/driver"
	"github.com/agentmb/agentmb-daemon/internal/metrics"
	"github.com/agentmb/agentmb-daemon/internal/policy"
	"github.com/agentmb/agentmb-daemon/internal/resolve"
	"github.com/agentmb/agentmb-daemon/internal/session"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

const defaultOperator = "agentmb-daemon"

// Stability carries the optional per-request stability-middleware options
// (options-style timeout, not a positional script arg).
type Stability struct {
	WaitBeforeMs    int
	WaitAfterMs     int
	WaitDOMStableMs int
}

// ActionRequest is the fully-parsed, preflight-validated request for one
// pipeline run.
type ActionRequest struct {
	Action          string
	Purpose         string
	OperatorParam   string
	OperatorHeader  string
	Sensitive       bool
	Retry           bool
	Target          resolve.TargetQuery
	Stability       Stability
	Executor        string // "high_level" | "low_level" | "auto_fallback"
	TimeoutMs       int

	// Execute is the verb-specific logic that runs once a locator (or no
	// locator, for page-level verbs) has been resolved. It returns
	// executed_via and any result payload alongside an error.
	Execute func(ctx context.Context, target *driver.Target, loc *driver.Locator) (executedVia string, result map[string]any, err error)

	// Domain is used for policy throttling; callers derive it from the
	// session's current page URL (or the navigate target for `navigate`).
	Domain string

	// FallbackClick, when non-nil, is invoked as the low-level/coords track
	// when Executor is auto_fallback, a locator was resolved and the
	// high-level Execute failed — it dispatches mouse events within the
	// locator's bounding rect.
	FallbackClick func(ctx context.Context, loc *driver.Locator) error
}

// Result is what the pipeline returns on success.
type Result struct {
	Status      string
	ExecutedVia string
	DurationMs  int64
	Data        map[string]any
}

// AuditEntry is one append-only record in a session's audit ring.
type AuditEntry struct {
	ActionID   int64
	Action     string
	Operator   string
	Domain     string
	Status     string
	Error      string
	DurationMs int64
	At         time.Time
}

// Pipeline wires the stateless components together for one daemon instance.
// Each session owns its own *policy.Policy and snapshot registry; Pipeline
// is shared and holds no per-session state itself.
type Pipeline struct {
	resolver *resolve.Resolver
	audit    func(sessionID string, entry AuditEntry)
}

// New creates a Pipeline.
func New(resolver *resolve.Resolver, audit func(sessionID string, entry AuditEntry)) *Pipeline {
	return &Pipeline{resolver: resolver, audit: audit}
}

// Run executes the 8-step pipeline for one action against one session.
func (p *Pipeline) Run(ctx context.Context, sess *session.Session, pol *policy.Policy, req ActionRequest) (*Result, error) {
	start := time.Now()

	if sess.IsSealed() {
		return nil, types.ErrSessionSealed
	}
	if sess.State() == session.StateZombie {
		return nil, types.ErrSessionNotFound
	}

	// Step 2: operator inference (explicit > header > session.agent_id > default).
	operator := defaultOperator
	if sess.AgentID != "" {
		operator = sess.AgentID
	}
	if req.OperatorHeader != "" {
		operator = req.OperatorHeader
	}
	if req.OperatorParam != "" {
		operator = req.OperatorParam
	}

	actionID := sess.NextActionID()

	// Per-session single-actor serialization.
	sess.LockOperation()
	defer sess.UnlockOperation()

	result, runErr := p.runLocked(ctx, sess, pol, req, operator)

	entry := AuditEntry{
		ActionID:   actionID,
		Action:     req.Action,
		Operator:   operator,
		Domain:     req.Domain,
		DurationMs: time.Since(start).Milliseconds(),
		At:         start,
	}
	if runErr != nil {
		entry.Status = "error"
		entry.Error = runErr.Error()
		if pol != nil {
			pol.RecordError(req.Domain)
		}
		if polErr, ok := runErr.(*types.PolicyError); ok && pol != nil {
			metrics.RecordPolicyDenial(pol.Get().Profile, polErr.Reason)
		}
	} else {
		entry.Status = "ok"
	}
	if result != nil {
		result.DurationMs = entry.DurationMs
	}
	if p.audit != nil {
		p.audit(sess.ID, entry)
	}

	metrics.RecordAction(req.Action, entry.Status, time.Since(start))
	if result != nil && result.ExecutedVia == "low_level" && req.Executor == "auto_fallback" {
		metrics.RecordFallback(req.Action)
	}

	return result, runErr
}

func (p *Pipeline) runLocked(ctx context.Context, sess *session.Session, pol *policy.Policy, req ActionRequest, operator string) (*Result, error) {
	// Step 3: policy gate.
	if pol != nil {
		if polErr := pol.Gate(policy.CheckOptions{
			Domain:    req.Domain,
			Sensitive: req.Sensitive,
			Retry:     req.Retry,
		}); polErr != nil {
			return nil, polErr
		}
	}

	pageHandle, release, err := sess.ActivePage()
	if err != nil {
		return nil, err
	}
	defer release()
	target := pageHandle.Target

	// Step 4: stability middleware — pre-wait, then optional DOM-stable poll.
	if req.Stability.WaitBeforeMs > 0 {
		sleepCtx(ctx, time.Duration(req.Stability.WaitBeforeMs)*time.Millisecond)
	}
	if req.Stability.WaitDOMStableMs > 0 {
		waitDOMStable(ctx, target, time.Duration(req.Stability.WaitDOMStableMs)*time.Millisecond)
	}

	// Step 5: target resolve (only if the request carries a target union).
	var loc *driver.Locator
	if req.Target.RefID != "" || req.Target.ElementID != "" || req.Target.Selector != "" || req.Target.Frame != nil {
		loc, err = p.resolver.Resolve(ctx, sess.ID, target, sess.CurrentPageRev(), req.Target)
		if err != nil {
			return nil, err
		}
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Step 6: execute, with auto_fallback to the coords track on a
	// retriable high-level failure.
	executedVia, data, execErr := req.Execute(actionCtx, target, loc)
	if execErr != nil && req.Executor == "auto_fallback" && loc != nil && req.FallbackClick != nil && isRetriable(execErr) {
		log.Debug().Str("action", req.Action).Msg("high_level track failed, retrying via coords fallback")
		if fbErr := req.FallbackClick(actionCtx, loc); fbErr == nil {
			executedVia = "low_level"
			execErr = nil
		}
	}

	if execErr != nil {
		// Step 7: diagnostic enrichment.
		return nil, p.enrich(target, req, execErr)
	}

	// Step 4 (cont'd): stability post-wait, after the action has executed.
	if req.Stability.WaitAfterMs > 0 {
		sleepCtx(ctx, time.Duration(req.Stability.WaitAfterMs)*time.Millisecond)
	}

	return &Result{
		Status:      "ok",
		ExecutedVia: executedVia,
		DurationMs:  0, // filled in by the caller from the outer timer
		Data:        data,
	}, nil
}

func isRetriable(err error) bool {
	// Obstructed/non-clickable-wrapper failures surface from go-rod as plain
	// errors; without structured codes from the driver we treat any
	// high-level execution error as retriable, matching auto_fallback's
	// intent of "try the coordinate track before giving up".
	return err != nil
}

func (p *Pipeline) enrich(target *driver.Target, req ActionRequest, execErr error) error {
	diagnostics := map[string]any{}
	if u, title, infoErr := target.Info(); infoErr == nil {
		diagnostics["url"] = u
		diagnostics["title"] = title
	}
	if readyState, evalErr := target.Evaluate(context.Background(), `() => document.readyState`); evalErr == nil {
		diagnostics["readyState"] = readyState
	}
	diagnostics["recovery_hint"] = recoveryHint(req.Action, execErr)

	return types.NewActionError(req.Action, req.Target.Selector, execErr.Error(), diagnostics, execErr)
}

func recoveryHint(action string, err error) string {
	switch action {
	case "click", "dblclick", "hover", "fill", "type":
		return "verify the element is visible and not covered by another element, or retry with executor=auto_fallback"
	default:
		return "retry the action after confirming the page has finished loading"
	}
}

func waitDOMStable(ctx context.Context, target *driver.Target, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ready, err := target.Evaluate(ctx, `() => document.readyState === "complete"`)
		if err == nil {
			if b, ok := ready.(bool); ok && b {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// DomainFromURL extracts the URL's hostname (without port), used as the
// policy engine's throttle key.
func DomainFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
