package router

import (
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
)

// Limits holds the per-key resilience parameters shared by every KeyState.
type Limits struct {
	BreakerThreshold int
	BreakerReset     time.Duration
	CooldownBase     time.Duration
	CooldownCap      time.Duration
	BillingHold      time.Duration
}

// LimitsFromConfig converts the resilience config section into Limits.
func LimitsFromConfig(rc config.ResilienceConfig) Limits {
	return Limits{
		BreakerThreshold: rc.BreakerThreshold,
		BreakerReset:     time.Duration(rc.BreakerResetSec) * time.Second,
		CooldownBase:     time.Duration(rc.CooldownBaseSec) * time.Second,
		CooldownCap:      time.Duration(rc.CooldownCapSec) * time.Second,
		BillingHold:      time.Duration(rc.BillingHoldMinutes) * time.Minute,
	}
}

// KeyState tracks the health of one credential. Rate limiting, error storms,
// and quota/auth failures have different recovery semantics and deliberately
// do not share a counter: a single 429 must not look like a systemic outage.
//
// At any instant exactly one of {available, circuit-open, cooling-down,
// disabled} holds. All mutations are applied under the key's own lock so
// concurrent requests sharing a key stay consistent.
type KeyState struct {
	mu     sync.Mutex
	secret string
	limits Limits
	now    func() time.Time // overridable in tests

	consecutiveFailures int
	circuitOpen         bool
	circuitOpenedAt     time.Time
	cooldownUntil       time.Time
	cooldownEscalation  int
	disabled            bool
	disabledUntil       time.Time // zero while disabled means "forever" (auth failure)

	calls          int64
	tokensConsumed int64
	errCount       int64
}

// newKeyState creates a healthy KeyState for one credential.
func newKeyState(secret string, limits Limits) *KeyState {
	return &KeyState{
		secret: secret,
		limits: limits,
		now:    time.Now,
	}
}

// Secret returns the credential. Opaque to everything but the upstream call.
func (k *KeyState) Secret() string { return k.secret }

// Available reports whether the key may be used right now. A circuit that
// has outlived its reset window auto-clears here; a billing hold that has
// expired clears the disabled flag. Consecutive-failure counts survive until
// the next success.
func (k *KeyState) Available() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()

	if k.disabled {
		if k.disabledUntil.IsZero() || now.Before(k.disabledUntil) {
			return false
		}
		k.disabled = false
		k.disabledUntil = time.Time{}
	}

	if k.circuitOpen {
		if now.Sub(k.circuitOpenedAt) < k.limits.BreakerReset {
			return false
		}
		k.circuitOpen = false
	}

	if now.Before(k.cooldownUntil) {
		return false
	}
	return true
}

// OnSuccess records a successful call: failure count, circuit, and cooldown
// escalation all clear, and usage counters advance.
func (k *KeyState) OnSuccess(tokens int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.consecutiveFailures = 0
	k.circuitOpen = false
	k.cooldownEscalation = 0
	k.cooldownUntil = time.Time{}

	k.calls++
	k.tokensConsumed += int64(tokens)
}

// OnTransientFailure records a network/5xx/protocol failure. Reaching the
// breaker threshold opens the circuit for the reset window.
func (k *KeyState) OnTransientFailure() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.consecutiveFailures++
	k.errCount++

	if k.consecutiveFailures >= k.limits.BreakerThreshold && !k.circuitOpen {
		k.circuitOpen = true
		k.circuitOpenedAt = k.now()
	}
}

// OnRateLimited puts the key into an escalating cooldown: base * 2^(n-1),
// capped. Rate limiting is expected and recoverable, so it never touches the
// consecutive-failure count.
func (k *KeyState) OnRateLimited() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.cooldownEscalation++
	d := k.limits.CooldownBase << (k.cooldownEscalation - 1)
	if d > k.limits.CooldownCap || d <= 0 {
		d = k.limits.CooldownCap
	}
	k.cooldownUntil = k.now().Add(d)
}

// OnBillingExhausted disables the key for the billing hold window (quota or
// credit ran out; retrying sooner is pointless).
func (k *KeyState) OnBillingExhausted() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.disabled = true
	k.disabledUntil = k.now().Add(k.limits.BillingHold)
}

// OnAuthFailure disables the key with no expiry. Only an operator reset (or
// the health checker, when recovery of auth keys is explicitly enabled)
// brings it back.
func (k *KeyState) OnAuthFailure() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.disabled = true
	k.disabledUntil = time.Time{}
}

// AuthDisabled reports whether the key is under a permanent (auth) disable.
func (k *KeyState) AuthDisabled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.disabled && k.disabledUntil.IsZero()
}

// Reset returns the key to a fully healthy state. Usage counters are kept.
func (k *KeyState) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.consecutiveFailures = 0
	k.circuitOpen = false
	k.cooldownUntil = time.Time{}
	k.cooldownEscalation = 0
	k.disabled = false
	k.disabledUntil = time.Time{}
}

// KeySnapshot is a point-in-time view of a key for the admin API. The secret
// itself is never exposed.
type KeySnapshot struct {
	Index               int       `json:"index"`
	State               string    `json:"state"` // available | circuit_open | cooling_down | disabled
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
	DisabledUntil       time.Time `json:"disabled_until,omitzero"`
	DisabledForever     bool      `json:"disabled_forever,omitempty"`
	Calls               int64     `json:"calls"`
	TokensConsumed      int64     `json:"tokens_consumed"`
	Errors              int64     `json:"errors"`
}

// Snapshot captures the key's current state without mutating it.
func (k *KeyState) Snapshot(index int) KeySnapshot {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	s := KeySnapshot{
		Index:               index,
		State:               "available",
		ConsecutiveFailures: k.consecutiveFailures,
		Calls:               k.calls,
		TokensConsumed:      k.tokensConsumed,
		Errors:              k.errCount,
	}
	switch {
	case k.disabled && (k.disabledUntil.IsZero() || now.Before(k.disabledUntil)):
		s.State = "disabled"
		s.DisabledUntil = k.disabledUntil
		s.DisabledForever = k.disabledUntil.IsZero()
	case k.circuitOpen && now.Sub(k.circuitOpenedAt) < k.limits.BreakerReset:
		s.State = "circuit_open"
	case now.Before(k.cooldownUntil):
		s.State = "cooling_down"
		s.CooldownUntil = k.cooldownUntil
	}
	return s
}
