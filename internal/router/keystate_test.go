package router

import (
	"testing"
	"time"
)

func testLimits() Limits {
	return Limits{
		BreakerThreshold: 5,
		BreakerReset:     60 * time.Second,
		CooldownBase:     30 * time.Second,
		CooldownCap:      300 * time.Second,
		BillingHold:      60 * time.Minute,
	}
}

// clockKey returns a key whose clock the test controls.
func clockKey(limits Limits) (*KeyState, *time.Time) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	k := newKeyState("sk-test", limits)
	k.now = func() time.Time { return now }
	return k, &now
}

func TestKeyState_AvailableInitially(t *testing.T) {
	k, _ := clockKey(testLimits())
	if !k.Available() {
		t.Fatal("fresh key should be available")
	}
	s := k.Snapshot(0)
	if s.State != "available" {
		t.Errorf("state: got %q, want available", s.State)
	}
}

func TestKeyState_BreakerOpensAtThreshold(t *testing.T) {
	k, now := clockKey(testLimits())

	for i := 0; i < 4; i++ {
		k.OnTransientFailure()
	}
	if !k.Available() {
		t.Fatal("key should stay available below the threshold")
	}

	k.OnTransientFailure()
	if k.Available() {
		t.Fatal("key should be unavailable after 5 consecutive failures")
	}
	if got := k.Snapshot(0).State; got != "circuit_open" {
		t.Errorf("state: got %q, want circuit_open", got)
	}

	// The circuit auto-clears once the reset window passes.
	*now = now.Add(61 * time.Second)
	if !k.Available() {
		t.Fatal("key should be available after the breaker reset window")
	}

	// The failure count survived, so one more failure reopens immediately.
	k.OnTransientFailure()
	if k.Available() {
		t.Fatal("key should reopen on the next failure after auto-reset")
	}
}

func TestKeyState_SuccessClearsFailures(t *testing.T) {
	k, _ := clockKey(testLimits())

	for i := 0; i < 5; i++ {
		k.OnTransientFailure()
	}
	if k.Available() {
		t.Fatal("circuit should be open")
	}

	k.OnSuccess(100)
	if !k.Available() {
		t.Fatal("success should close the circuit")
	}

	s := k.Snapshot(0)
	if s.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures: got %d, want 0", s.ConsecutiveFailures)
	}
	if s.Calls != 1 || s.TokensConsumed != 100 {
		t.Errorf("usage counters: got calls=%d tokens=%d, want 1/100", s.Calls, s.TokensConsumed)
	}
	if s.Errors != 5 {
		t.Errorf("error count should survive success: got %d, want 5", s.Errors)
	}
}

func TestKeyState_CooldownEscalation(t *testing.T) {
	k, now := clockKey(testLimits())

	// 30s, 60s, 120s, 240s, then capped at 300s.
	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for i, d := range want {
		k.OnRateLimited()
		if got := k.cooldownUntil.Sub(*now); got != d {
			t.Errorf("cooldown after %d rate limits: got %v, want %v", i+1, got, d)
		}
	}

	if k.Available() {
		t.Fatal("key should be cooling down")
	}
	if got := k.Snapshot(0).State; got != "cooling_down" {
		t.Errorf("state: got %q, want cooling_down", got)
	}

	*now = now.Add(301 * time.Second)
	if !k.Available() {
		t.Fatal("key should be available after the cooldown expires")
	}
}

func TestKeyState_RateLimitDoesNotCountAsFailure(t *testing.T) {
	k, _ := clockKey(testLimits())
	k.OnRateLimited()
	if got := k.Snapshot(0).ConsecutiveFailures; got != 0 {
		t.Errorf("rate limiting must not advance the failure count: got %d", got)
	}
}

func TestKeyState_SuccessResetsCooldownEscalation(t *testing.T) {
	k, now := clockKey(testLimits())

	k.OnRateLimited()
	k.OnRateLimited()
	*now = now.Add(61 * time.Second)
	k.OnSuccess(10)

	// Escalation restarted: the next rate limit is back to the base cooldown.
	k.OnRateLimited()
	if got := k.cooldownUntil.Sub(*now); got != 30*time.Second {
		t.Errorf("cooldown after success: got %v, want 30s", got)
	}
}

func TestKeyState_BillingHold(t *testing.T) {
	k, now := clockKey(testLimits())

	k.OnBillingExhausted()
	if k.Available() {
		t.Fatal("key should be disabled after billing exhaustion")
	}

	s := k.Snapshot(0)
	if s.State != "disabled" {
		t.Errorf("state: got %q, want disabled", s.State)
	}
	if s.DisabledForever {
		t.Error("billing hold is not a permanent disable")
	}
	if s.DisabledUntil.IsZero() {
		t.Error("billing hold should carry an expiry")
	}
	if k.AuthDisabled() {
		t.Error("billing hold must not read as an auth disable")
	}

	*now = now.Add(61 * time.Minute)
	if !k.Available() {
		t.Fatal("key should be available after the billing hold expires")
	}
}

func TestKeyState_AuthDisableIsPermanent(t *testing.T) {
	k, now := clockKey(testLimits())

	k.OnAuthFailure()
	if k.Available() {
		t.Fatal("key should be disabled after an auth failure")
	}
	if !k.AuthDisabled() {
		t.Error("AuthDisabled should report true")
	}

	s := k.Snapshot(0)
	if s.State != "disabled" || !s.DisabledForever {
		t.Errorf("snapshot: got state=%q forever=%v, want disabled/true", s.State, s.DisabledForever)
	}

	// No amount of waiting brings it back.
	*now = now.Add(10000 * time.Hour)
	if k.Available() {
		t.Fatal("auth-disabled key must not recover by time alone")
	}

	k.Reset()
	if !k.Available() {
		t.Fatal("operator reset should restore the key")
	}
	if k.AuthDisabled() {
		t.Error("AuthDisabled should clear on reset")
	}
}

func TestKeyState_ResetKeepsUsageCounters(t *testing.T) {
	k, _ := clockKey(testLimits())

	k.OnSuccess(50)
	k.OnTransientFailure()
	k.OnAuthFailure()
	k.Reset()

	s := k.Snapshot(0)
	if s.Calls != 1 || s.TokensConsumed != 50 || s.Errors != 1 {
		t.Errorf("reset should keep usage counters: got %+v", s)
	}
}

func TestLimitsFromConfig(t *testing.T) {
	cfg := testConfigResilience()
	l := LimitsFromConfig(cfg)
	if l.BreakerThreshold != cfg.BreakerThreshold {
		t.Errorf("BreakerThreshold: got %d, want %d", l.BreakerThreshold, cfg.BreakerThreshold)
	}
	if l.BreakerReset != time.Duration(cfg.BreakerResetSec)*time.Second {
		t.Errorf("BreakerReset: got %v", l.BreakerReset)
	}
	if l.CooldownBase != time.Duration(cfg.CooldownBaseSec)*time.Second {
		t.Errorf("CooldownBase: got %v", l.CooldownBase)
	}
	if l.BillingHold != time.Duration(cfg.BillingHoldMinutes)*time.Minute {
		t.Errorf("BillingHold: got %v", l.BillingHold)
	}
}
