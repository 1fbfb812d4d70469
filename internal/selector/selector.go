// Package selector implements the Selector (spec §4.D): it chooses the best
// usable account under concurrency, and gives a preferred (sticky) account
// first refusal before falling back to scoring.
//
// Adapted from internal/service/openai_account_scheduler.go's three-layer
// fallback (previous-response-id sticky -> session-hash sticky ->
// load-balance with a container/heap top-K and atomic-CAS EWMA runtime
// stats), generalized down to the spec's two-layer model: a single
// "preferred index" sticky layer, then a scored fallback. The heap and EWMA
// machinery are kept for the decision trace / telemetry the teacher's
// scheduler exposes (SnapshotMetrics), not because the spec needs
// weighted-random spreading across ties.
package selector

import (
	"container/heap"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeromicro/go-zero/core/syncx"

	"github.com/genbridge/gateway/internal/domain"
	"github.com/genbridge/gateway/internal/health"
	"github.com/genbridge/gateway/internal/store"
)

// InvalidSet reports which account indices the Lifecycle Manager currently
// considers known-invalid (spec §4.D step 1, §4.H `invalid_accounts`).
type InvalidSet interface {
	IsInvalid(index int) bool
}

// NoAvailableAccountError is raised when nothing usable exists (spec §7).
// RetryHint is either "refreshing in background, retry" or a cooldown ETA.
type NoAvailableAccountError struct {
	RetryHint string
}

func (e *NoAvailableAccountError) Error() string {
	return fmt.Sprintf("no available account: %s", e.RetryHint)
}

// RefreshActivity answers whether any account is currently refreshing or
// queued for refresh, used to pick the NoAvailableAccountError hint.
type RefreshActivity interface {
	HasActiveOrQueuedRefresh() bool
}

type Selector struct {
	store   *store.Store
	invalid InvalidSet
	refresh RefreshActivity

	metrics runtimeMetrics
	stats   accountRuntimeStats

	now func() time.Time
	sf  syncx.SingleFlight
}

func New(st *store.Store, invalid InvalidSet, refresh RefreshActivity) *Selector {
	return &Selector{
		store:   st,
		invalid: invalid,
		refresh: refresh,
		now:     time.Now,
		sf:      syncx.NewSingleFlight(),
	}
}

// NextAccount implements spec §4.D `next_account()`. Concurrent callers
// collapse onto one scan+score pass via singleflight, so a burst of
// requests arriving in the same instant all observe the same "Selector
// round" (spec §8) instead of racing separate reads of runtime state.
func (s *Selector) NextAccount() (*domain.Account, error) {
	result, err := s.sf.Do("next_account", func() (interface{}, error) {
		now := s.now()
		candidates := s.usableKnownValid(now)

		if len(candidates) == 0 {
			if s.refresh != nil && s.refresh.HasActiveOrQueuedRefresh() {
				return nil, &NoAvailableAccountError{RetryHint: "refreshing in background, retry"}
			}
			return nil, &NoAvailableAccountError{RetryHint: s.nearestCooldownHint(now)}
		}

		decision := s.selectByScore(candidates, now)
		s.metrics.recordSelect(decision)
		return s.store.GetByIndex(decision.SelectedIndex), nil
	})
	if err != nil {
		return nil, err
	}
	acc, _ := result.(*domain.Account)
	return acc, nil
}

// AccountForConversation implements spec §4.D
// `account_for_conversation(preferred_index?)`.
func (s *Selector) AccountForConversation(preferredIndex *int) (*domain.Account, error) {
	if preferredIndex != nil {
		if a := s.store.GetByIndex(*preferredIndex); a != nil {
			now := s.now()
			if a.IsUsable(now) && !s.isInvalid(a.Index) {
				return a, nil
			}
		}
	}
	return s.NextAccount()
}

func (s *Selector) isInvalid(index int) bool {
	return s.invalid != nil && s.invalid.IsInvalid(index)
}

func (s *Selector) usableKnownValid(now time.Time) []*domain.Account {
	usable := s.store.Usable(now)
	out := make([]*domain.Account, 0, len(usable))
	for _, a := range usable {
		if !s.isInvalid(a.Index) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Selector) nearestCooldownHint(now time.Time) string {
	all := s.store.All()
	var nearest time.Duration = -1
	for _, a := range all {
		if a == nil || !a.Available {
			continue
		}
		remaining := a.CooldownRemaining(now)
		if remaining <= 0 {
			continue
		}
		if nearest == -1 || remaining < nearest {
			nearest = remaining
		}
	}
	if nearest == -1 {
		return "no usable account and none in cooldown"
	}
	return fmt.Sprintf("nearest cooldown clears in %s", nearest.Round(time.Second))
}

// scheduleDecision is the teacher-style decision trace, kept for logging and
// SnapshotMetrics rather than for the selection algorithm itself.
type scheduleDecision struct {
	SelectedIndex int
	CandidateCount int
	TopK          int
	Score         float64
}

// selectByScore picks the top candidate via health.Best, and separately
// builds a top-K heap purely to expose a decision trace (teacher pattern) —
// the selection outcome itself is exactly health.Best's deterministic
// tie-break (spec §4.B), never the heap's internal ordering of the rest.
func (s *Selector) selectByScore(candidates []*domain.Account, now time.Time) scheduleDecision {
	best := health.Best(candidates, now)

	k := 3
	if k > len(candidates) {
		k = len(candidates)
	}
	h := &candidateHeap{now: now}
	for _, a := range candidates {
		heap.Push(h, a)
		if h.Len() > k {
			heap.Pop(h)
		}
	}

	return scheduleDecision{
		SelectedIndex:  best.Index,
		CandidateCount: len(candidates),
		TopK:           k,
		Score:          health.Score(best, now),
	}
}

// candidateHeap is a min-heap on score so a bounded Push/Pop sequence keeps
// only the top-K highest scoring accounts, mirroring
// openAIAccountCandidateHeap's use of container/heap for top-K selection.
type candidateHeap struct {
	items []*domain.Account
	now   time.Time
}

func (h *candidateHeap) Len() int { return len(h.items) }
func (h *candidateHeap) Less(i, j int) bool {
	return health.Score(h.items[i], h.now) < health.Score(h.items[j], h.now)
}
func (h *candidateHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *candidateHeap) Push(x any)    { h.items = append(h.items, x.(*domain.Account)) }
func (h *candidateHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// runtimeMetrics mirrors OpenAIAccountSchedulerMetricsSnapshot's shape for
// the Selector's own telemetry.
type runtimeMetrics struct {
	selectTotal      atomic.Int64
	scoreMilliTotal  atomic.Int64
}

func (m *runtimeMetrics) recordSelect(d scheduleDecision) {
	m.selectTotal.Add(1)
	m.scoreMilliTotal.Add(int64(math.Round(d.Score * 1000)))
}

// SnapshotMetrics reports aggregate selection telemetry.
func (s *Selector) SnapshotMetrics() (selectTotal int64, avgScore float64) {
	total := s.metrics.selectTotal.Load()
	if total == 0 {
		return 0, 0
	}
	return total, float64(s.metrics.scoreMilliTotal.Load()) / 1000 / float64(total)
}

// accountRuntimeStats is the atomic-CAS EWMA bit-encoding pattern from
// openAIAccountRuntimeStats, kept for the Router to feed per-account
// error-rate/TTFT telemetry into without taking the Store's lock.
type accountRuntimeStats struct {
	accounts sync.Map // map[int]*accountRuntimeStat
}

type accountRuntimeStat struct {
	errorRateEWMABits atomic.Uint64
	ttftEWMABits      atomic.Uint64
}

func (s *accountRuntimeStats) loadOrCreate(index int) *accountRuntimeStat {
	if v, ok := s.accounts.Load(index); ok {
		return v.(*accountRuntimeStat)
	}
	fresh := &accountRuntimeStat{}
	fresh.ttftEWMABits.Store(math.Float64bits(math.NaN()))
	actual, _ := s.accounts.LoadOrStore(index, fresh)
	return actual.(*accountRuntimeStat)
}

const ewmaAlpha = 0.2

func updateEWMA(target *atomic.Uint64, sample float64) {
	for {
		oldBits := target.Load()
		oldValue := math.Float64frombits(oldBits)
		var newValue float64
		if math.IsNaN(oldValue) {
			newValue = sample
		} else {
			newValue = oldValue + ewmaAlpha*(sample-oldValue)
		}
		if target.CompareAndSwap(oldBits, math.Float64bits(newValue)) {
			return
		}
	}
}

// ReportResult feeds one request's outcome into the account's runtime EWMA
// stats, for the Selector's own telemetry (not the Health Scorer, which
// reads Account.Runtime directly per spec §4.B).
func (s *Selector) ReportResult(index int, success bool, firstTokenMs *int) {
	stat := s.stats.loadOrCreate(index)
	errSample := 0.0
	if !success {
		errSample = 1.0
	}
	updateEWMA(&stat.errorRateEWMABits, errSample)
	if firstTokenMs != nil {
		updateEWMA(&stat.ttftEWMABits, float64(*firstTokenMs))
	}
}
