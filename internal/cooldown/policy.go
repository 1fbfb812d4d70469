// Package cooldown implements the Cooldown Policy (spec §4.C): per-reason
// cooldown durations and the America/Los_Angeles-midnight rule rate limits
// use. Grounded on original_source/app/services/account_manager.py's
// mark_cooldown/clear_cooldown/seconds_until_next_midnight.
package cooldown

import (
	"time"

	"github.com/genbridge/gateway/internal/config"
	"github.com/genbridge/gateway/internal/domain"
)

var pacificTime = mustLoadLocation("America/Los_Angeles")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// No tzdata available; fall back to a fixed UTC-8 approximation
		// rather than panicking the whole process over a missing zoneinfo
		// file.
		return time.FixedZone("PT-fallback", -8*60*60)
	}
	return loc
}

// SecondsUntilNextMidnight returns how many seconds remain until the next
// America/Los_Angeles midnight, as of now. At 23:59:59 PT this is 1; at
// 00:00:01 PT it is 86399 (spec §8 boundary behaviors).
func SecondsUntilNextMidnight(now time.Time) int64 {
	pt := now.In(pacificTime)
	nextMidnight := time.Date(pt.Year(), pt.Month(), pt.Day(), 0, 0, 0, 0, pacificTime).Add(24 * time.Hour)
	return int64(nextMidnight.Sub(pt).Seconds())
}

// Duration computes how long an account should cool down for the given
// reason, using cfg's configured floors.
func Duration(reason domain.CooldownReason, cfg config.CooldownConfig, now time.Time) time.Duration {
	switch reason {
	case domain.CooldownAuth:
		return time.Duration(cfg.AuthErrorSeconds) * time.Second
	case domain.CooldownRateLimit:
		floor := time.Duration(cfg.RateLimitSeconds) * time.Second
		untilMidnight := time.Duration(SecondsUntilNextMidnight(now)) * time.Second
		if untilMidnight > floor {
			return untilMidnight
		}
		return floor
	case domain.CooldownGeneric:
		return time.Duration(cfg.GenericErrorSeconds) * time.Second
	default:
		return 0
	}
}

// Mark applies reason's cooldown to a, computing cooldown_until from now.
// Calling Mark twice with the same (reason, t) leaves CooldownUntil unchanged
// from the first call's now+t (spec §8 idempotence): a second call with an
// identical reason and an identical "now" naturally recomputes the same
// value, so this is idempotent by construction rather than by an explicit
// guard.
//
// Marking AUTH or GENERIC also invalidates the cached JWT and upstream
// session and increments FailedRequests (spec §4.C).
func Mark(a *domain.Account, reason domain.CooldownReason, cfg config.CooldownConfig, now time.Time) {
	d := Duration(reason, cfg, now)
	a.Runtime.CooldownUntil = now.Add(d).Unix()
	a.Runtime.CooldownReason = reason

	if reason == domain.CooldownAuth || reason == domain.CooldownGeneric {
		a.Runtime.JWT = ""
		a.Runtime.JWTExpiresAt = 0
		a.Runtime.UpstreamSessionName = ""
		a.Runtime.FailedRequests++
	}
}

// MarkCustom is Mark with an explicit duration instead of the configured
// default, for callers (e.g. the Router reacting to a specific upstream
// response) that already know how long to cool down.
func MarkCustom(a *domain.Account, reason domain.CooldownReason, d time.Duration, now time.Time) {
	a.Runtime.CooldownUntil = now.Add(d).Unix()
	a.Runtime.CooldownReason = reason
	if reason == domain.CooldownAuth || reason == domain.CooldownGeneric {
		a.Runtime.JWT = ""
		a.Runtime.JWTExpiresAt = 0
		a.Runtime.UpstreamSessionName = ""
		a.Runtime.FailedRequests++
	}
}

// Clear removes the cooldown fields from a.
func Clear(a *domain.Account) {
	a.Runtime.CooldownUntil = 0
	a.Runtime.CooldownReason = domain.CooldownNone
}
