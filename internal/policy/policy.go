// Package policy implements the per-session Policy Engine:
// profile-driven throttling, retry budgets, sensitive-action gating, and
// per-minute rate capping, with a fixed check order run before every action.
package policy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/agentmb/agentmb-daemon/internal/types"
)

// Profile names.
const (
	ProfileSafe       = "safe"
	ProfilePermissive = "permissive"
	ProfileDisabled   = "disabled"
)

// Limits holds one profile's fixed parameters.
type Limits struct {
	MinIntervalMs      int
	JitterLoMs         int
	JitterHiMs         int
	CooldownAfterErrMs int
	MaxRetriesPerDomain int
	ActionsPerMinute    int
	SensitiveAllowed    bool
}

var profileLimits = map[string]Limits{
	ProfileSafe: {
		MinIntervalMs:       2500,
		JitterLoMs:          100,
		JitterHiMs:          300,
		CooldownAfterErrMs:  5000,
		MaxRetriesPerDomain: 3,
		ActionsPerMinute:    20,
		SensitiveAllowed:    false,
	},
	ProfilePermissive: {
		MinIntervalMs:       500,
		JitterLoMs:          0,
		JitterHiMs:          50,
		CooldownAfterErrMs:  1000,
		MaxRetriesPerDomain: 10,
		ActionsPerMinute:    120,
		SensitiveAllowed:    true,
	},
	ProfileDisabled: {
		MinIntervalMs:       0,
		JitterLoMs:          0,
		JitterHiMs:          0,
		CooldownAfterErrMs:  0,
		MaxRetriesPerDomain: 0,
		ActionsPerMinute:    0,
		SensitiveAllowed:    true,
	},
}

// ProfileLimitsFor looks up a profile's fixed parameters; unknown profiles
// fall back to safe (the set_policy handler rejects unknown profile names
// before they reach the engine).
func ProfileLimitsFor(profile string) Limits {
	if l, ok := profileLimits[profile]; ok {
		return l
	}
	return profileLimits[ProfileSafe]
}

// domainState tracks per-domain throttle/retry/error bookkeeping.
type domainState struct {
	lastActionTime time.Time
	lastErrorTime  time.Time
	retryCount     int
}

// AuditEmitter receives policy events for the audit trail (every
// policy decision is an audit entry).
type AuditEmitter func(event, domain string, fields map[string]any)

// Policy is one session's policy engine state.
type Policy struct {
	mu                  sync.Mutex
	profile             string
	allowSensitive      bool
	domains             map[string]*domainState
	minuteBucketStart   time.Time
	minuteBucketCount   int
	emit                AuditEmitter
}

// New creates a Policy with the given starting profile (typically the
// daemon's DEFAULT_POLICY_PROFILE).
func New(profile string, emit AuditEmitter) *Policy {
	return &Policy{
		profile:        profile,
		allowSensitive: ProfileLimitsFor(profile).SensitiveAllowed,
		domains:        make(map[string]*domainState),
		emit:           emit,
	}
}

// Set replaces the session's policy profile. Per DESIGN.md's Open Question
// decision, this is the only event that resets per-domain retry counts.
func (p *Policy) Set(profile string, allowSensitive *bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.profile = profile
	if allowSensitive != nil {
		p.allowSensitive = *allowSensitive
	} else {
		p.allowSensitive = ProfileLimitsFor(profile).SensitiveAllowed
	}
	for _, d := range p.domains {
		d.retryCount = 0
	}
}

// Info describes the session's current policy for GET .../policy responses.
type Info struct {
	Profile             string
	AllowSensitiveActions bool
	JitterMs            [2]int
	DomainMinIntervalMs int
	CooldownAfterErrorMs int
	MaxRetriesPerDomain int
}

// Get returns the session's current policy configuration.
func (p *Policy) Get() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	limits := ProfileLimitsFor(p.profile)
	return Info{
		Profile:               p.profile,
		AllowSensitiveActions: p.allowSensitive,
		JitterMs:              [2]int{limits.JitterLoMs, limits.JitterHiMs},
		DomainMinIntervalMs:   limits.MinIntervalMs,
		CooldownAfterErrorMs:  limits.CooldownAfterErrMs,
		MaxRetriesPerDomain:   limits.MaxRetriesPerDomain,
	}
}

// CheckOptions carries the per-request fields the engine's ordered checks
// consult.
type CheckOptions struct {
	Domain    string
	Sensitive bool
	Retry     bool
}

// Gate runs the engine's fixed check order and blocks (via sleep) for the
// domain throttle when the action is allowed. Returns a *types.PolicyError
// on denial.
func (p *Policy) Gate(opts CheckOptions) *types.PolicyError {
	p.mu.Lock()

	limits := ProfileLimitsFor(p.profile)

	// 1. disabled profile passes everything immediately.
	if p.profile == ProfileDisabled {
		p.mu.Unlock()
		return nil
	}

	// 2. Sensitive-action gate.
	if opts.Sensitive && !p.allowSensitive {
		p.mu.Unlock()
		p.audit("deny", opts.Domain, map[string]any{"reason": "sensitive_blocked"})
		return &types.PolicyError{Reason: "sensitive", Domain: opts.Domain, Err: types.ErrSensitiveBlocked}
	}

	// 3. Global per-minute bucket.
	now := time.Now()
	if now.Sub(p.minuteBucketStart) >= time.Minute {
		p.minuteBucketStart = now
		p.minuteBucketCount = 0
	}
	if limits.ActionsPerMinute > 0 && p.minuteBucketCount >= limits.ActionsPerMinute {
		p.mu.Unlock()
		p.audit("deny", opts.Domain, map[string]any{"reason": "rate_cap_exceeded"})
		return &types.PolicyError{Reason: "rate_cap", Domain: opts.Domain, Err: types.ErrRateCapExceeded}
	}
	p.minuteBucketCount++

	d := p.domainFor(opts.Domain)

	// 4. Retry budget.
	if opts.Retry {
		d.retryCount++
		if limits.MaxRetriesPerDomain > 0 && d.retryCount > limits.MaxRetriesPerDomain {
			p.mu.Unlock()
			p.audit("deny", opts.Domain, map[string]any{"reason": "retry_budget_exceeded", "retry_count": d.retryCount})
			return &types.PolicyError{Reason: "retry_budget", Domain: opts.Domain, Err: types.ErrRetryBudgetExceeded}
		}
	}

	// 5. Per-domain throttle with jitter and error cooldown extension.
	wait := p.throttleWait(d, limits, now)
	p.updateLastAction(d)
	p.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}

	// 6. Emit throttle audit entry.
	p.audit("throttle", opts.Domain, map[string]any{"wait_ms": wait.Milliseconds()})

	return nil
}

// RecordError marks a domain's last-error time so the cooldown extension
// applies to its next throttle computation.
func (p *Policy) RecordError(domain string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.domainFor(domain).lastErrorTime = time.Now()
}

func (p *Policy) domainFor(domain string) *domainState {
	d, ok := p.domains[domain]
	if !ok {
		d = &domainState{}
		p.domains[domain] = d
	}
	return d
}

func (p *Policy) throttleWait(d *domainState, limits Limits, now time.Time) time.Duration {
	if d.lastActionTime.IsZero() {
		return 0
	}

	minInterval := time.Duration(limits.MinIntervalMs) * time.Millisecond
	jitter := jitterDuration(limits.JitterLoMs, limits.JitterHiMs)
	target := d.lastActionTime.Add(minInterval + jitter)

	if limits.CooldownAfterErrMs > 0 && !d.lastErrorTime.IsZero() {
		cooldownUntil := d.lastErrorTime.Add(time.Duration(limits.CooldownAfterErrMs) * time.Millisecond)
		if cooldownUntil.After(target) {
			target = cooldownUntil
		}
	}

	if target.After(now) {
		return target.Sub(now)
	}
	return 0
}

func (p *Policy) updateLastAction(d *domainState) {
	d.lastActionTime = time.Now()
}

func jitterDuration(loMs, hiMs int) time.Duration {
	if hiMs <= loMs {
		return time.Duration(loMs) * time.Millisecond
	}
	n := loMs + rand.Intn(hiMs-loMs+1)
	return time.Duration(n) * time.Millisecond
}

func (p *Policy) audit(event, domain string, fields map[string]any) {
	if p.emit != nil {
		p.emit("policy/"+event, domain, fields)
	}
}
