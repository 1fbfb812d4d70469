// Package health implements the Health Scorer (spec §4.B): a pure,
// deterministic function from an account's runtime state to a real-valued
// score. Higher is better. The constants below are taken verbatim from
// original_source/app/services/account_manager.py's HealthScoreConfig so
// that scores (and therefore selection decisions) are portable across
// implementations.
package health

import (
	"time"

	"github.com/genbridge/gateway/internal/domain"
)

const (
	baseScore = 100.0

	jwtValidBonus        = 20.0
	jwtValidMinRemaining = 30 * time.Second

	sessionPresentBonus = 10.0

	recentRefreshBonus  = 15.0
	recentRefreshWindow = 3600 * time.Second

	failureRatePenalty = 50.0

	consecutiveErrorPenalty = 15.0

	consecutiveSuccessBonusPerStep = 2.0
	consecutiveSuccessBonusCap     = 20.0

	concurrentRequestPenalty = 10.0

	recentErrorPenalty = 25.0
	recentErrorWindow  = 300 * time.Second

	avgResponseTimePenaltyPerMs = 0.01
)

// Score computes the account's health score as of now. It is side-effect
// free: it reads Account fields and nothing else.
func Score(a *domain.Account, now time.Time) float64 {
	s := baseScore

	if a.IsJWTValid(now, jwtValidMinRemaining) {
		s += jwtValidBonus
	}
	if a.Runtime.UpstreamSessionName != "" {
		s += sessionPresentBonus
	}
	if !a.RefreshAt.IsZero() && now.Sub(a.RefreshAt) < recentRefreshWindow {
		s += recentRefreshBonus
	}

	s -= failureRatePenalty * a.FailureRate()
	s -= consecutiveErrorPenalty * float64(a.Runtime.ConsecutiveErrors)

	successBonus := consecutiveSuccessBonusPerStep * float64(a.Runtime.ConsecutiveSuccess)
	if successBonus > consecutiveSuccessBonusCap {
		successBonus = consecutiveSuccessBonusCap
	}
	s += successBonus

	s -= concurrentRequestPenalty * float64(a.Runtime.ConcurrentRequests)

	if a.Runtime.LastErrorAt != 0 {
		lastError := time.Unix(a.Runtime.LastErrorAt, 0)
		if now.Sub(lastError) < recentErrorWindow {
			s -= recentErrorPenalty
		}
	}

	s -= avgResponseTimePenaltyPerMs * a.AvgResponseTimeMs()

	return s
}

// Best picks the account with the strictly maximal score among candidates,
// breaking ties by lower ConcurrentRequests then lower Index (spec §4.B).
// Returns nil if candidates is empty.
func Best(candidates []*domain.Account, now time.Time) *domain.Account {
	var best *domain.Account
	var bestScore float64

	for _, a := range candidates {
		score := Score(a, now)
		if best == nil || isBetter(score, a, bestScore, best) {
			best = a
			bestScore = score
		}
	}
	return best
}

func isBetter(score float64, a *domain.Account, bestScore float64, best *domain.Account) bool {
	if score != bestScore {
		return score > bestScore
	}
	if a.Runtime.ConcurrentRequests != best.Runtime.ConcurrentRequests {
		return a.Runtime.ConcurrentRequests < best.Runtime.ConcurrentRequests
	}
	return a.Index < best.Index
}
