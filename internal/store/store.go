// Package store implements the Account Store (spec §4.A): the ordered
// collection of AccountRecords plus their runtime state, and the single
// place all other components resolve an index or team_id to a record.
// Grounded on original_source/app/services/account_manager.py's
// AccountManager.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/genbridge/gateway/internal/domain"
	gocache "github.com/patrickmn/go-cache"
)

// Persistence is the durable backing the Store reads from and writes
// credential-field changes to. Implemented by internal/repository against
// sqlite or Postgres.
type Persistence interface {
	LoadAccounts() ([]domain.Account, error)
	UpsertAccount(a *domain.Account) error
	DeleteAccount(teamID string) error
}

// Store owns the one authoritative, ordered collection of accounts. All
// other components hold only indices or team_ids.
type Store struct {
	mu    sync.RWMutex
	byIdx map[int]*domain.Account
	order []int // stable index order

	persist Persistence

	// snapshotCache memoizes the usable-snapshot computation for a short TTL
	// so high-QPS Selector calls don't take the write lock on every request.
	snapshotCache *gocache.Cache
}

const snapshotTTL = 200 * time.Millisecond

// usableSnapshotKey is the single go-cache entry the Store memoizes Usable's
// result under; there's only ever one snapshot in flight per Store.
const usableSnapshotKey = "usable"

// New constructs an empty Store backed by persist.
func New(persist Persistence) *Store {
	return &Store{
		byIdx:         make(map[int]*domain.Account),
		persist:       persist,
		snapshotCache: gocache.New(snapshotTTL, snapshotTTL*2),
	}
}

// Load replaces the ordered list from persist, resetting all runtime state
// to zero (spec §4.A `load`).
func (s *Store) Load() error {
	accounts, err := s.persist.LoadAccounts()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byIdx = make(map[int]*domain.Account, len(accounts))
	s.order = s.order[:0]
	for i := range accounts {
		a := accounts[i]
		a.Index = i
		a.Runtime = domain.RuntimeState{}
		s.byIdx[i] = &a
		s.order = append(s.order, i)
	}
	s.snapshotCache.Flush()
	return nil
}

// GetByIndex resolves an index to its Account, or nil if absent.
func (s *Store) GetByIndex(i int) *domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byIdx[i]
}

// GetByTeamID resolves a team_id to its Account, or nil if absent.
func (s *Store) GetByTeamID(teamID string) *domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, i := range s.order {
		if a := s.byIdx[i]; a != nil && a.TeamID == teamID {
			return a
		}
	}
	return nil
}

// All returns a snapshot slice of every account, in stable index order.
func (s *Store) All() []*domain.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Account, 0, len(s.order))
	for _, i := range s.order {
		out = append(out, s.byIdx[i])
	}
	return out
}

// Usable returns every account with Available=true and no active cooldown,
// as of now (spec §4.A `usable`). Does not consult the Lifecycle Manager's
// invalid set; the Selector layers that on.
//
// The result is memoized in snapshotCache for snapshotTTL: a Selector round
// can fire many Usable calls back to back (one per candidate scored), and
// within a 200ms window the answer almost never changes, so repeat calls
// skip the table scan and the RLock entirely. AddAccount/RemoveAccount flush
// the cache immediately since they change Store membership; a cooldown
// starting or expiring mid-window is bounded by snapshotTTL instead, since
// cooldown.Mark mutates the Account in place without going through the
// Store's own API.
func (s *Store) Usable(now time.Time) []*domain.Account {
	if cached, ok := s.snapshotCache.Get(usableSnapshotKey); ok {
		return cached.([]*domain.Account)
	}

	s.mu.RLock()
	out := make([]*domain.Account, 0, len(s.order))
	for _, i := range s.order {
		a := s.byIdx[i]
		if a != nil && a.IsUsable(now) {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()

	s.snapshotCache.SetDefault(usableSnapshotKey, out)
	return out
}

// FreshestAvailable returns, among usable accounts excluding excludeIndex,
// the one with the greatest RefreshAt (the Glossary's "freshest account").
// Built on Usable so a failover decision rides the same memoized snapshot
// instead of taking its own lock and re-scanning the table.
func (s *Store) FreshestAvailable(excludeIndex int, now time.Time) *domain.Account {
	var best *domain.Account
	for _, a := range s.Usable(now) {
		if a.Index == excludeIndex {
			continue
		}
		if best == nil || a.RefreshAt.After(best.RefreshAt) {
			best = a
		}
	}
	return best
}

// ReloadAccount re-reads credential fields for index i from persistence,
// clearing the cached jwt/session/cooldown (spec §4.A `reload_account`).
func (s *Store) ReloadAccount(i int, fresh domain.CredentialBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.byIdx[i]
	if a == nil {
		return fmt.Errorf("reload_account: unknown index %d", i)
	}
	a.TeamID = fresh.TeamID
	a.CSesIdx = fresh.CSesIdx
	a.SecureCSes = fresh.SecureCSes
	a.HostCOses = fresh.HostCOses
	a.RefreshAt = fresh.RefreshAt
	a.Runtime.JWT = ""
	a.Runtime.JWTExpiresAt = 0
	a.Runtime.UpstreamSessionName = ""
	a.Runtime.CooldownUntil = 0
	a.Runtime.CooldownReason = domain.CooldownNone

	return s.persist.UpsertAccount(a)
}

// AddAccount appends a newly-commissioned account (from the Pool Maintainer
// or the Lifecycle Manager's register flow) and assigns it the next index.
func (s *Store) AddAccount(bundle domain.CredentialBundle, note string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := 0
	for _, i := range s.order {
		if i >= idx {
			idx = i + 1
		}
	}
	a := &domain.Account{
		Index:      idx,
		TeamID:     bundle.TeamID,
		CSesIdx:    bundle.CSesIdx,
		SecureCSes: bundle.SecureCSes,
		HostCOses:  bundle.HostCOses,
		RefreshAt:  bundle.RefreshAt,
		Available:  true,
		Note:       note,
	}
	if err := s.persist.UpsertAccount(a); err != nil {
		return nil, err
	}
	s.byIdx[idx] = a
	s.order = append(s.order, idx)
	s.snapshotCache.Flush()
	return a, nil
}

// RemoveAccount deletes the account at index i from the Store and durable
// storage (spec §4.K "Delete").
func (s *Store) RemoveAccount(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.byIdx[i]
	if a == nil {
		return nil
	}
	if err := s.persist.DeleteAccount(a.TeamID); err != nil {
		return err
	}
	delete(s.byIdx, i)
	for idx, v := range s.order {
		if v == i {
			s.order = append(s.order[:idx], s.order[idx+1:]...)
			break
		}
	}
	s.snapshotCache.Flush()
	return nil
}

// HealthSummary is a Supplemented Feature (SPEC_FULL.md §3): a read-only
// aggregate used by Pool Maintainer logging and the debug status route.
type HealthSummary struct {
	UsableCount         int
	Total               int
	CooldownByReason     map[domain.CooldownReason]int
}

// GetHealthSummary computes the aggregate view, grounded on account_manager.py's
// get_health_summary.
func (s *Store) GetHealthSummary(now time.Time) HealthSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := HealthSummary{CooldownByReason: make(map[domain.CooldownReason]int)}
	for _, i := range s.order {
		a := s.byIdx[i]
		if a == nil {
			continue
		}
		summary.Total++
		if a.IsUsable(now) {
			summary.UsableCount++
		}
		if a.Runtime.CooldownReason != domain.CooldownNone {
			summary.CooldownByReason[a.Runtime.CooldownReason]++
		}
	}
	return summary
}

// DecayStatistics halves FailedRequests/TotalRequests for every account
// (keeping the failure ratio but reducing its magnitude), so health scores
// recover over long uptimes instead of carrying a permanent scar from an old
// incident. A Supplemented Feature (SPEC_FULL.md §3), grounded on
// account_manager.py's decay_statistics; wired into the Pool Maintainer's
// periodic tick.
func (s *Store) DecayStatistics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range s.order {
		a := s.byIdx[i]
		if a == nil {
			continue
		}
		a.Runtime.FailedRequests /= 2
		a.Runtime.TotalRequests /= 2
		a.Runtime.ConsecutiveErrors /= 2
	}
}

// ResetAccountStatistics clears an account's request/error counters without
// touching its credential fields. A Supplemented Feature used by an operator
// who has manually confirmed an account is healthy again after repeated
// GENERIC cooldowns.
func (s *Store) ResetAccountStatistics(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.byIdx[i]
	if a == nil {
		return fmt.Errorf("reset_account_statistics: unknown index %d", i)
	}
	counters := a.Runtime
	counters.TotalRequests = 0
	counters.FailedRequests = 0
	counters.ConsecutiveErrors = 0
	counters.ConsecutiveSuccess = 0
	counters.TotalResponseTimeMs = 0
	counters.ResponseCount = 0
	a.Runtime = counters
	return nil
}
