package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genbridge/gateway/internal/domain"
)

func TestScore_BrandNewAccountScoresBase(t *testing.T) {
	now := time.Now()
	acc := &domain.Account{Index: 0}

	require.Equal(t, baseScore, Score(acc, now))
}

func TestScore_JWTValidAndSessionPresentAddBonuses(t *testing.T) {
	now := time.Now()
	acc := &domain.Account{
		Runtime: domain.RuntimeState{
			JWT:                 "token",
			JWTExpiresAt:        now.Add(time.Minute).Unix(),
			UpstreamSessionName: "session-1",
		},
	}

	require.Equal(t, baseScore+jwtValidBonus+sessionPresentBonus, Score(acc, now))
}

func TestScore_RecentRefreshAddsBonusOnlyWithinWindow(t *testing.T) {
	now := time.Now()
	fresh := &domain.Account{RefreshAt: now.Add(-time.Minute)}
	stale := &domain.Account{RefreshAt: now.Add(-2 * recentRefreshWindow)}

	require.Equal(t, baseScore+recentRefreshBonus, Score(fresh, now))
	require.Equal(t, baseScore, Score(stale, now))
}

func TestScore_FailureRatePenalty(t *testing.T) {
	now := time.Now()
	acc := &domain.Account{
		Runtime: domain.RuntimeState{TotalRequests: 4, FailedRequests: 2},
	}

	require.Equal(t, baseScore-failureRatePenalty*0.5, Score(acc, now))
}

func TestScore_ConsecutiveSuccessBonusIsCapped(t *testing.T) {
	now := time.Now()
	acc := &domain.Account{Runtime: domain.RuntimeState{ConsecutiveSuccess: 100}}

	require.Equal(t, baseScore+consecutiveSuccessBonusCap, Score(acc, now))
}

func TestScore_RecentErrorPenaltyOnlyWithinWindow(t *testing.T) {
	now := time.Now()
	recent := &domain.Account{Runtime: domain.RuntimeState{LastErrorAt: now.Add(-time.Second).Unix()}}
	old := &domain.Account{Runtime: domain.RuntimeState{LastErrorAt: now.Add(-2 * recentErrorWindow).Unix()}}

	require.Equal(t, baseScore-recentErrorPenalty, Score(recent, now))
	require.Equal(t, baseScore, Score(old, now))
}

func TestBest_ReturnsNilForEmptyCandidates(t *testing.T) {
	require.Nil(t, Best(nil, time.Now()))
}

func TestBest_PicksHighestScore(t *testing.T) {
	now := time.Now()
	low := &domain.Account{Index: 0, Runtime: domain.RuntimeState{TotalRequests: 10, FailedRequests: 8}}
	high := &domain.Account{Index: 1}

	require.Same(t, high, Best([]*domain.Account{low, high}, now))
}

func TestBest_TieBreaksOnLowerConcurrentRequestsThenLowerIndex(t *testing.T) {
	now := time.Now()
	busy := &domain.Account{Index: 0, Runtime: domain.RuntimeState{ConcurrentRequests: 3}}
	idle := &domain.Account{Index: 1, Runtime: domain.RuntimeState{ConcurrentRequests: 0}}

	require.Same(t, idle, Best([]*domain.Account{busy, idle}, now))

	first := &domain.Account{Index: 0}
	second := &domain.Account{Index: 1}
	require.Same(t, first, Best([]*domain.Account{second, first}, now))
}
