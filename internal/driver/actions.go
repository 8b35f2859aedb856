package driver

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/agentmb/agentmb-daemon/internal/humanize"
)

// MouseMove moves the mouse to the given page coordinates along a
// humanized bezier path, backing the low-level `mouse_move` verb.
func (t *Target) MouseMove(ctx context.Context, x, y float64) error {
	return humanize.NewMouse(t.page).MoveTo(ctx, x, y)
}

// ClickAt performs a humanized click at fixed page coordinates, backing
// the low-level `click_at` verb and the auto_fallback coords track.
func (t *Target) ClickAt(ctx context.Context, x, y float64) error {
	return humanize.NewMouse(t.page).Click(ctx, x, y)
}

// MouseDown presses the given mouse button at its current position.
func (t *Target) MouseDown(button string) error {
	return t.page.Mouse.Down(mouseButton(button), 1)
}

// MouseUp releases the given mouse button at its current position.
func (t *Target) MouseUp(button string) error {
	return t.page.Mouse.Up(mouseButton(button), 1)
}

func mouseButton(name string) proto.InputMouseButton {
	switch name {
	case "right":
		return proto.InputMouseButtonRight
	case "middle":
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

// Wheel dispatches a wheel/scroll event at the given page coordinates.
func (t *Target) Wheel(ctx context.Context, x, y, deltaX, deltaY float64) error {
	if err := t.page.Mouse.MoveTo(proto.NewPoint(x, y)); err != nil {
		return err
	}
	return humanize.NewScroller(t.page).ScrollBy(ctx, deltaY)
}

// GoBack navigates the target one entry back in its history.
func (t *Target) GoBack(ctx context.Context) error {
	return t.page.Context(ctx).NavigateBack()
}

// GoForward navigates the target one entry forward in its history.
func (t *Target) GoForward(ctx context.Context) error {
	return t.page.Context(ctx).NavigateForward()
}

// Reload reloads the target's current document.
func (t *Target) Reload(ctx context.Context) error {
	return t.page.Context(ctx).Reload()
}

// PressKey sends a single named key press (e.g. "Enter", "Tab", "ArrowDown")
// to the element, backing the `press` verb for non-printable keys that
// Press(rune) cannot express.
func (l *Locator) PressKey(key string) error {
	k, ok := rod.Keys[key]
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	return l.el.Type(k)
}

// KeyDown presses and holds a named key (the `key_down` verb).
func (t *Target) KeyDown(key string) error {
	k, ok := rod.Keys[key]
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	return t.page.Keyboard.Down(k)
}

// KeyUp releases a previously held key (the `key_up` verb).
func (t *Target) KeyUp(key string) error {
	k, ok := rod.Keys[key]
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	return t.page.Keyboard.Up(k)
}

// ScrollIntoView smoothly scrolls the locator's element into the viewport.
func (l *Locator) ScrollIntoView(ctx context.Context, page *Target) error {
	return humanize.NewScroller(page.page).ScrollToElement(ctx, l.el)
}

// EnsureVisible scrolls the locator's element into the viewport only if it
// isn't already visible, backing the implicit pre-interaction scroll on
// click/hover/fill/type.
func (l *Locator) EnsureVisible(ctx context.Context) (bool, error) {
	return humanize.NewScroller(l.el.Page()).EnsureElementVisible(ctx, l.el)
}

// ScrollBy scrolls the page by a relative vertical delta, humanized.
func (t *Target) ScrollBy(ctx context.Context, deltaY float64) error {
	return humanize.NewScroller(t.page).ScrollBy(ctx, deltaY)
}

// RandomSmallScroll nudges the page by a small random amount, used by the
// load_more_until verb to break up otherwise uniform scroll increments.
func (t *Target) RandomSmallScroll(ctx context.Context) error {
	return humanize.NewScroller(t.page).RandomSmallScroll(ctx)
}

// SetFiles attaches local files to a file input element (the `upload`
// verb). Paths must already exist on the daemon's filesystem.
func (l *Locator) SetFiles(paths []string) error {
	return l.el.SetFiles(paths)
}

// ClickAtCenter clicks within the locator's bounding box via coordinates
// rather than a strict element click, backing the auto_fallback coords
// track when a high-level click fails.
func (l *Locator) ClickAtCenter(ctx context.Context) error {
	return humanize.NewMouse(l.el.Page()).ClickElement(ctx, l.el)
}

// ClickWithinBounds clicks at a random point within the locator's bounding
// box rather than its exact center, backing `check`/`uncheck` where the
// precise click position inside the control doesn't matter.
func (l *Locator) ClickWithinBounds(ctx context.Context) error {
	x, y, w, h, err := l.BoundingBox()
	if err != nil {
		return err
	}
	return humanize.NewMouse(l.el.Page()).ClickWithinBounds(ctx, &proto.DOMRect{X: x, Y: y, Width: w, Height: h})
}

// Drag performs a press-move-release sequence from the locator's current
// position to the given page coordinates (the `drag` verb).
func (l *Locator) Drag(ctx context.Context, page *Target, toX, toY float64) error {
	x, y, w, h, err := l.BoundingBox()
	if err != nil {
		return err
	}
	fromX, fromY := x+w/2, y+h/2
	m := humanize.NewMouse(page.page)
	if err := m.MoveTo(ctx, fromX, fromY); err != nil {
		return err
	}
	if err := page.page.Mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	if err := m.MoveTo(ctx, toX, toY); err != nil {
		return err
	}
	return page.page.Mouse.Up(proto.InputMouseButtonLeft, 1)
}
