// Package preflight implements the Preflight Validator: a pure
// function over a parsed action request that rejects malformed requests
// before they touch policy, the driver, or any session state.
package preflight

import (
	"github.com/agentmb/agentmb-daemon/internal/types"
)

const (
	minTimeoutMs = 50
	maxTimeoutMs = 60000
	maxValueLen  = 100000
)

var waitUntilValues = map[string]bool{
	"load": true, "domcontentloaded": true, "networkidle": true, "commit": true,
}

var loadStateValues = map[string]bool{
	"load": true, "domcontentloaded": true, "networkidle": true,
}

var fillStrategyValues = map[string]bool{
	"atomic": true, "type": true,
}

var queryTypeValues = map[string]bool{
	"css": true, "text": true, "role": true,
}

var executorValues = map[string]bool{
	"high_level": true, "low_level": true, "auto_fallback": true,
}

// Request is the union of fields any action request may carry. Handlers
// populate only the fields relevant to their verb; zero values are treated
// as "not set" for optional fields.
type Request struct {
	Action string

	TimeoutMs int
	Value     string

	// Target union — mutually exclusive, at least one required when
	// RequiresTarget is true.
	Selector  string
	ElementID string
	RefID     string

	X, Y          *float64
	WheelDeltaX   *float64
	WheelDeltaY   *float64

	WaitUntil    string
	LoadState    string
	FillStrategy string
	QueryType    string
	Executor     string

	RequiresTarget bool
}

// Validate runs every applicable rule and returns the first failure as a
// *types.PreflightError, or nil if the request is well-formed.
func Validate(r Request) *types.PreflightError {
	if r.TimeoutMs != 0 && (r.TimeoutMs < minTimeoutMs || r.TimeoutMs > maxTimeoutMs) {
		return types.NewPreflightError("timeout_ms", "range[50,60000]",
			"timeout_ms must be between 50 and 60000")
	}

	if len(r.Value) > maxValueLen {
		return types.NewPreflightError("value", "maxLength[100000]",
			"value must be at most 100000 characters")
	}

	if err := validateCoord("x", r.X); err != nil {
		return err
	}
	if err := validateCoord("y", r.Y); err != nil {
		return err
	}
	if err := validateCoord("wheel_delta_x", r.WheelDeltaX); err != nil {
		return err
	}
	if err := validateCoord("wheel_delta_y", r.WheelDeltaY); err != nil {
		return err
	}

	if r.WaitUntil != "" && !waitUntilValues[r.WaitUntil] {
		return types.NewPreflightError("wait_until", "enum", "wait_until must be one of load, domcontentloaded, networkidle, commit")
	}
	if r.LoadState != "" && !loadStateValues[r.LoadState] {
		return types.NewPreflightError("load_state", "enum", "load_state must be one of load, domcontentloaded, networkidle")
	}
	if r.FillStrategy != "" && !fillStrategyValues[r.FillStrategy] {
		return types.NewPreflightError("fill_strategy", "enum", "fill_strategy must be one of atomic, type")
	}
	if r.QueryType != "" && !queryTypeValues[r.QueryType] {
		return types.NewPreflightError("query_type", "enum", "query_type must be one of css, text, role")
	}
	if r.Executor != "" && !executorValues[r.Executor] {
		return types.NewPreflightError("executor", "enum", "executor must be one of high_level, low_level, auto_fallback")
	}

	targetsSet := 0
	if r.Selector != "" {
		targetsSet++
	}
	if r.ElementID != "" {
		targetsSet++
	}
	if r.RefID != "" {
		targetsSet++
	}
	if targetsSet > 1 {
		return types.NewPreflightError("selector", "mutually_exclusive",
			"only one of selector, element_id, ref_id may be set")
	}
	if r.RequiresTarget && targetsSet == 0 {
		return types.NewPreflightError("selector", "required",
			"one of selector, element_id, ref_id is required")
	}

	return nil
}

func validateCoord(field string, v *float64) *types.PreflightError {
	if v == nil {
		return nil
	}
	const bound = 1_000_000
	if *v < -bound || *v > bound {
		return types.NewPreflightError(field, "range", field+" is out of range")
	}
	return nil
}
