// Package types provides shared types, interfaces, and errors used across
// the daemon's components.
package types

import "errors"

// Sentinel errors checkable with errors.Is() for status-code mapping at the
// HTTP boundary.
var (
	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionSealed   = errors.New("session is sealed")
	ErrSessionZombie   = errors.New("session is a zombie, driver connection lost")
	ErrTooManySessions = errors.New("maximum number of sessions reached")
	ErrPageNotFound    = errors.New("page not found in session")
	ErrNoActivePage    = errors.New("session has no active page")
	ErrLastPage        = errors.New("cannot close the last remaining page")
	ErrSessionInUse    = errors.New("session still has in-flight operations")
	ErrProfileNotFound = errors.New("named profile not found")
	ErrUnsupportedLaunchMode = errors.New("operation not supported for this session's launch mode")

	// Target resolution errors
	ErrStaleRef         = errors.New("ref_id refers to a stale snapshot")
	ErrBadRef           = errors.New("ref_id is malformed")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrElementNotFound  = errors.New("element not found for target")
	ErrAmbiguousTarget  = errors.New("more than one target selector field set")
	ErrNoTarget         = errors.New("no target selector field set")

	// Preflight errors
	ErrPreflightFailed = errors.New("request failed preflight validation")

	// Policy errors
	ErrPolicyDenied        = errors.New("action denied by policy")
	ErrPolicyInvalidProfile = errors.New("unknown policy profile")
	ErrRetryBudgetExceeded = errors.New("retry budget exceeded for domain")
	ErrDomainCooldown      = errors.New("domain is in cooldown after a recent error")
	ErrRateCapExceeded     = errors.New("per-minute action cap exceeded")
	ErrSensitiveBlocked    = errors.New("sensitive action blocked by policy")

	// Action/driver errors
	ErrActionFailed = errors.New("action failed to execute")
	ErrDriverError  = errors.New("browser driver error")

	// Auth
	ErrUnauthorized = errors.New("unauthorized")
)

// PreflightError describes a single request-validation failure.
type PreflightError struct {
	Field      string
	Constraint string
	Message    string
}

func (e *PreflightError) Error() string { return e.Message }

func (e *PreflightError) Unwrap() error { return ErrPreflightFailed }

// NewPreflightError builds a PreflightError for a named field/constraint.
func NewPreflightError(field, constraint, message string) *PreflightError {
	return &PreflightError{Field: field, Constraint: constraint, Message: message}
}

// PolicyError carries the reason an action was denied by the policy engine,
// surfaced to the HTTP layer as 403.
type PolicyError struct {
	Reason string // "sensitive" | "rate_cap" | "retry_budget"
	Domain string
	Err    error
}

func (e *PolicyError) Error() string {
	if e.Domain != "" {
		return "policy denied (" + e.Reason + ") for domain " + e.Domain
	}
	return "policy denied (" + e.Reason + ")"
}

func (e *PolicyError) Unwrap() error { return e.Err }

// StaleRefError is returned when a ref_id's snapshot page_rev no longer
// matches the session's current page_rev, mapped to HTTP 409.
type StaleRefError struct {
	RefID           string
	SnapshotPageRev int64
	CurrentPageRev  int64
}

func (e *StaleRefError) Error() string {
	return "stale ref_id " + e.RefID
}

func (e *StaleRefError) Unwrap() error { return ErrStaleRef }

// ActionError carries diagnostic enrichment for a failed action, mapped to
// HTTP 422.
type ActionError struct {
	Action      string
	Selector    string
	Message     string
	Diagnostics map[string]any
	Err         error
}

func (e *ActionError) Error() string { return e.Message }

func (e *ActionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrActionFailed
}

// NewActionError builds an ActionError with diagnostic enrichment.
func NewActionError(action, selector, message string, diagnostics map[string]any, err error) *ActionError {
	return &ActionError{
		Action:      action,
		Selector:    selector,
		Message:     message,
		Diagnostics: diagnostics,
		Err:         err,
	}
}

// DriverError wraps a failure surfaced by the CDP driver adapter,
// mapped to HTTP 500.
type DriverError struct {
	Operation string
	Message   string
	Err       error
}

func (e *DriverError) Error() string { return e.Message }

func (e *DriverError) Unwrap() error { return e.Err }

// NewDriverError wraps an underlying driver failure.
func NewDriverError(operation string, err error) *DriverError {
	return &DriverError{
		Operation: operation,
		Message:   "driver error during " + operation + ": " + err.Error(),
		Err:       err,
	}
}
