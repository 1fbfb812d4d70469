// Package domain holds the core value types shared by every component of the
// gateway: account records, bindings, cooldown reasons and queue items. It has
// no dependencies on any other internal package.
package domain

import "time"

// CooldownReason classifies why an account is temporarily unselectable.
type CooldownReason string

const (
	CooldownNone      CooldownReason = ""
	CooldownAuth      CooldownReason = "AUTH"
	CooldownRateLimit CooldownReason = "RATE_LIMIT"
	CooldownGeneric   CooldownReason = "GENERIC"
)

// Account is the identity and lifecycle state of one harvested credential.
// Credential fields and Available/Note are persisted; everything under
// Runtime is rebuilt from zero on process start (spec §3).
type Account struct {
	Index int // stable within a process epoch, assigned by the Store on load

	// Credential fields, persisted.
	TeamID     string
	CSesIdx    string
	SecureCSes string
	HostCOses  string
	UserAgent  string
	RefreshAt  time.Time

	// Config flags, persisted.
	Available bool
	Note      string

	Runtime RuntimeState
}

// RuntimeState is never persisted; it is rebuilt from zero whenever the
// process restarts.
type RuntimeState struct {
	JWT                 string
	JWTExpiresAt        int64 // unix seconds, 0 if absent
	UpstreamSessionName string

	CooldownUntil  int64 // unix seconds, 0 if absent
	CooldownReason CooldownReason

	TotalRequests      int64
	FailedRequests      int64
	ConcurrentRequests  int64
	ConsecutiveErrors   int64
	ConsecutiveSuccess  int64
	TotalResponseTimeMs int64
	ResponseCount       int64

	LastSuccessAt int64
	LastErrorAt   int64
	LastUsedAt    int64
}

// IsJWTValid reports whether the cached JWT has at least minRemaining left
// before it expires, as of now.
func (a *Account) IsJWTValid(now time.Time, minRemaining time.Duration) bool {
	if a.Runtime.JWT == "" || a.Runtime.JWTExpiresAt == 0 {
		return false
	}
	remaining := time.Unix(a.Runtime.JWTExpiresAt, 0).Sub(now)
	return remaining >= minRemaining
}

// IsInCooldown reports whether the account is currently cooling down.
func (a *Account) IsInCooldown(now time.Time) bool {
	return a.Runtime.CooldownUntil > now.Unix()
}

// CooldownRemaining returns the remaining cooldown duration, zero if none.
func (a *Account) CooldownRemaining(now time.Time) time.Duration {
	remaining := a.Runtime.CooldownUntil - now.Unix()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining) * time.Second
}

// FailureRate returns FailedRequests/TotalRequests, or 0 if there have been no
// requests yet.
func (a *Account) FailureRate() float64 {
	if a.Runtime.TotalRequests == 0 {
		return 0
	}
	return float64(a.Runtime.FailedRequests) / float64(a.Runtime.TotalRequests)
}

// AvgResponseTimeMs returns the running average response time, 0 if no
// response has been recorded yet.
func (a *Account) AvgResponseTimeMs() float64 {
	if a.Runtime.ResponseCount == 0 {
		return 0
	}
	return float64(a.Runtime.TotalResponseTimeMs) / float64(a.Runtime.ResponseCount)
}

// IsUsable reports whether the account can be handed to the Selector: it must
// be operator-enabled and not currently cooling down. It does NOT consult the
// Lifecycle Manager's invalid set; that is layered on by the Selector itself.
func (a *Account) IsUsable(now time.Time) bool {
	return a.Available && !a.IsInCooldown(now)
}

// RecordRequestStart increments the in-flight counter; callers must pair this
// with RecordRequestEnd exactly once.
func (a *Account) RecordRequestStart(now time.Time) {
	a.Runtime.ConcurrentRequests++
	a.Runtime.LastUsedAt = now.Unix()
}

// RecordRequestEnd decrements the in-flight counter and updates the
// success/failure and latency bookkeeping the Health Scorer reads.
func (a *Account) RecordRequestEnd(now time.Time, success bool, latencyMs int64) {
	if a.Runtime.ConcurrentRequests > 0 {
		a.Runtime.ConcurrentRequests--
	}
	a.Runtime.TotalRequests++
	a.Runtime.ResponseCount++
	a.Runtime.TotalResponseTimeMs += latencyMs

	if success {
		a.Runtime.ConsecutiveErrors = 0
		a.Runtime.ConsecutiveSuccess++
		a.Runtime.LastSuccessAt = now.Unix()
		return
	}
	a.Runtime.FailedRequests++
	a.Runtime.ConsecutiveSuccess = 0
	a.Runtime.ConsecutiveErrors++
	a.Runtime.LastErrorAt = now.Unix()
}

// CredentialBundle is what the Browser-Automation Worker produces on a
// successful refresh or register flow (spec §4.G).
type CredentialBundle struct {
	TeamID     string
	CSesIdx    string
	SecureCSes string
	HostCOses  string
	RefreshAt  time.Time
}
