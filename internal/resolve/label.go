package resolve

import (
	"strconv"
	"strings"
)

// Candidate holds the raw label sources an in-page capture script collects
// for one element. The resolver then applies the priority chain
// in pure Go so the synthesis rule lives in one testable place rather than
// inside injected JavaScript.
type Candidate struct {
	AriaLabel      string
	Title          string
	AriaLabelledBy string // already resolved to the referenced element's text
	SVGTitle       string
	Text           string
	Placeholder    string
	Tag            string
	X, Y           float64
	IncludeUnlabeled bool
}

// SynthesizeLabel applies the fixed priority chain: aria-label > title >
// aria-labelledby > svg-title > text > placeholder > fallback (if
// include_unlabeled) > none.
func SynthesizeLabel(c Candidate) (label, source string) {
	if v := strings.TrimSpace(c.AriaLabel); v != "" {
		return v, "aria-label"
	}
	if v := strings.TrimSpace(c.Title); v != "" {
		return v, "title"
	}
	if v := strings.TrimSpace(c.AriaLabelledBy); v != "" {
		return v, "aria-labelledby"
	}
	if v := strings.TrimSpace(c.SVGTitle); v != "" {
		return v, "svg-title"
	}
	if v := normalizeText(c.Text); v != "" {
		return v, "text"
	}
	if v := strings.TrimSpace(c.Placeholder); v != "" {
		return v, "placeholder"
	}
	if c.IncludeUnlabeled {
		tag := c.Tag
		if tag == "" {
			tag = "element"
		}
		return fallbackLabel(tag, c.X, c.Y), "fallback"
	}
	return "", "none"
}

func normalizeText(s string) string {
	fields := strings.Fields(s)
	return strings.TrimSpace(strings.Join(fields, " "))
}

func fallbackLabel(tag string, x, y float64) string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(tag)
	b.WriteString(" @ ")
	b.WriteString(formatCoord(x))
	b.WriteByte(',')
	b.WriteString(formatCoord(y))
	b.WriteByte(']')
	return b.String()
}

func formatCoord(v float64) string {
	// Whole-pixel coordinates read cleanly in fallback labels; sub-pixel
	// precision adds noise without helping an agent pick a target.
	return strconv.FormatInt(int64(v), 10)
}
