// Package resolve implements the Target Resolver: it turns a
// request's frame/ref_id/element_id/selector fields into a driver Locator,
// in the fixed priority order frame → ref_id → element_id → selector.
package resolve

import (
	"context"
	"fmt"

	"github.com/agentmb/agentmb-daemon/internal/driver"
	"github.com/agentmb/agentmb-daemon/internal/overrides"
	"github.com/agentmb/agentmb-daemon/internal/registry"
	"github.com/agentmb/agentmb-daemon/internal/types"
)

// FrameSelector identifies a child frame by name, URL substring, or nth index.
type FrameSelector struct {
	Type  string // "name" | "url" | "nth"
	Value string
}

// TargetQuery is the set of union-typed target fields a request may supply.
// Exactly one of RefID/ElementID/Selector is expected for target-requiring
// verbs (enforced by the preflight validator, not here).
type TargetQuery struct {
	Frame     *FrameSelector
	RefID     string
	ElementID string
	Selector  string
}

// FrameNotFoundError carries the diagnostic payload for a 422 frame_not_found
// response.
type FrameNotFoundError struct {
	FrameSelector    string
	AvailableFrames  []string
}

func (e *FrameNotFoundError) Error() string {
	return fmt.Sprintf("frame not found: %s", e.FrameSelector)
}

// Resolver resolves target queries against a session's pages and the
// snapshot/ref registry.
type Resolver struct {
	registry  *registry.Registry
	overrides *overrides.Manager
}

// New creates a Resolver backed by the given snapshot registry. ov may be
// nil, in which case selector aliases are never consulted.
func New(reg *registry.Registry, ov *overrides.Manager) *Resolver {
	return &Resolver{registry: reg, overrides: ov}
}

// Resolve implements the C7 resolution order: frame lookup first (narrowing
// the target page), then ref_id, then element_id, then selector.
func (r *Resolver) Resolve(ctx context.Context, sessionID string, page *driver.Target, currentPageRev int64, q TargetQuery) (*driver.Locator, error) {
	target := page

	if q.Frame != nil {
		frame, err := page.Frame(ctx, q.Frame.Type, q.Frame.Value)
		if err != nil {
			return nil, &FrameNotFoundError{
				FrameSelector:   q.Frame.Value,
				AvailableFrames: availableFrameNames(ctx, page),
			}
		}
		target = frame
	}

	switch {
	case q.RefID != "":
		el, _, err := r.registry.Resolve(sessionID, q.RefID, currentPageRev)
		if err != nil {
			return nil, err
		}
		if el.ElementIDHint != "" {
			return target.Locate(ctx, fmt.Sprintf("[data-agentmb-id='%s']", el.ElementIDHint))
		}
		return target.Locate(ctx, el.SelectorHint)

	case q.ElementID != "":
		return target.Locate(ctx, fmt.Sprintf("[data-agentmb-id='%s']", q.ElementID))

	case q.Selector != "":
		return target.Locate(ctx, r.resolveAlias(q.Selector))

	default:
		return nil, types.ErrNoTarget
	}
}

// resolveAlias swaps a selector for its operator-configured CSS selector if
// one matches in the overrides table; otherwise the selector is used as-is.
func (r *Resolver) resolveAlias(selector string) string {
	if r.overrides == nil {
		return selector
	}
	if css, ok := r.overrides.Get().Aliases[selector]; ok {
		return css
	}
	return selector
}

func availableFrameNames(ctx context.Context, page *driver.Target) []string {
	// Best-effort diagnostic list; a real lookup walks the page's frame tree.
	// Kept narrow here since the driver only exposes Frame-by-lookup, not an
	// enumeration API.
	_ = ctx
	_ = page
	return nil
}
