package maintainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genbridge/gateway/internal/config"
	"github.com/genbridge/gateway/internal/domain"
	"github.com/genbridge/gateway/internal/store"
)

type fakeAccounts struct {
	accounts []*domain.Account
	removed  []int
}

func (f *fakeAccounts) All() []*domain.Account { return f.accounts }

func (f *fakeAccounts) RemoveAccount(i int) error {
	f.removed = append(f.removed, i)
	out := f.accounts[:0]
	for _, a := range f.accounts {
		if a.Index != i {
			out = append(out, a)
		}
	}
	f.accounts = out
	return nil
}

func (f *fakeAccounts) GetHealthSummary(now time.Time) store.HealthSummary {
	summary := store.HealthSummary{CooldownByReason: make(map[domain.CooldownReason]int)}
	for _, a := range f.accounts {
		summary.Total++
		if a.Available {
			summary.UsableCount++
		}
	}
	return summary
}

type fakeLifecycle struct {
	refreshed []int
	registered []string
}

func (f *fakeLifecycle) QueueRefresh(index int) { f.refreshed = append(f.refreshed, index) }

func (f *fakeLifecycle) QueueRegister(email string) bool {
	f.registered = append(f.registered, email)
	return true
}

func freshAccount(index int) *domain.Account {
	return &domain.Account{
		Index:      index,
		TeamID:     "team",
		SecureCSes: "cses",
		Available:  true,
		Note:       "user",
		RefreshAt:  time.Now(),
	}
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		TargetSize:             2,
		HealthCheckInterval:    time.Minute,
		MaxRefreshFailures:     3,
		MaxConsecutiveErrors:   5,
		CredentialExpireHours:  24,
		MaxConcurrentRegisters: 2,
	}
}

func TestDeletionReason_MissingCredentialFields(t *testing.T) {
	m := New(testPoolConfig(), &fakeAccounts{}, &fakeLifecycle{}, "", "example.com", nil)
	acc := freshAccount(1)
	acc.SecureCSes = ""
	require.NotEmpty(t, m.deletionReason(acc, time.Now()))
}

func TestDeletionReason_FreshAccountKept(t *testing.T) {
	m := New(testPoolConfig(), &fakeAccounts{}, &fakeLifecycle{}, "", "example.com", nil)
	acc := freshAccount(1)
	require.Empty(t, m.deletionReason(acc, time.Now()))
}

func TestDeletionReason_StaleFirstSweepQueuesRefreshAndKeeps(t *testing.T) {
	lc := &fakeLifecycle{}
	m := New(testPoolConfig(), &fakeAccounts{}, lc, "", "example.com", nil)
	acc := freshAccount(1)
	acc.RefreshAt = time.Now().Add(-48 * time.Hour)

	reason := m.deletionReason(acc, time.Now())
	require.Empty(t, reason)
	require.Equal(t, []int{1}, lc.refreshed)
}

func TestDeletionReason_StaleSecondSweepDeletes(t *testing.T) {
	lc := &fakeLifecycle{}
	m := New(testPoolConfig(), &fakeAccounts{}, lc, "", "example.com", nil)
	acc := freshAccount(1)
	acc.RefreshAt = time.Now().Add(-48 * time.Hour)

	m.deletionReason(acc, time.Now())
	reason := m.deletionReason(acc, time.Now())
	require.NotEmpty(t, reason)
}

func TestDeletionReason_ConsecutiveErrorsFromRuntimeTriggersDeletion(t *testing.T) {
	m := New(testPoolConfig(), &fakeAccounts{}, &fakeLifecycle{}, "", "example.com", nil)
	acc := freshAccount(1)
	acc.Runtime.ConsecutiveErrors = 10
	require.NotEmpty(t, m.deletionReason(acc, time.Now()))
}

func TestDeletionReason_RecordErrorFeedsVerdictEvenWithoutRuntimeCounter(t *testing.T) {
	m := New(testPoolConfig(), &fakeAccounts{}, &fakeLifecycle{}, "", "example.com", nil)
	acc := freshAccount(1)
	for i := 0; i < 5; i++ {
		m.RecordError(acc.Note)
	}
	require.NotEmpty(t, m.deletionReason(acc, time.Now()))

	m.ClearError(acc.Note)
	require.Empty(t, m.deletionReason(acc, time.Now()))
}

func TestBatchSize_NeverExceedsConfiguredLimit(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConcurrentRegisters = 2
	m := New(cfg, &fakeAccounts{}, &fakeLifecycle{}, "", "example.com", nil)
	require.LessOrEqual(t, m.batchSize(10), 2)
}

func TestBatchSize_NeverExceedsNeeded(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxConcurrentRegisters = 5
	m := New(cfg, &fakeAccounts{}, &fakeLifecycle{}, "", "example.com", nil)
	require.Equal(t, 1, m.batchSize(1))
}

func TestCommissionOne_AppendsEmailAndQueuesRegistration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credient.txt")
	lc := &fakeLifecycle{}
	m := New(testPoolConfig(), &fakeAccounts{}, lc, path, "example.com", nil)

	email, err := m.commissionOne()
	require.NoError(t, err)
	require.Contains(t, email, "@example.com")
	require.Equal(t, []string{email}, lc.registered)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), email)
}

func TestReplenish_CommissionsUntilTargetReached(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credient.txt")
	lc := &fakeLifecycle{}
	accounts := &fakeAccounts{accounts: []*domain.Account{freshAccount(1)}}
	cfg := testPoolConfig()
	cfg.TargetSize = 3
	cfg.MaxConcurrentRegisters = 5
	m := New(cfg, accounts, lc, path, "example.com", nil)

	m.replenish()
	require.Len(t, lc.registered, 2)
}

func TestReplaceFailedAccount_DeletesAndCommissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credient.txt")
	lc := &fakeLifecycle{}
	accounts := &fakeAccounts{accounts: []*domain.Account{freshAccount(1), freshAccount(2)}}
	m := New(testPoolConfig(), accounts, lc, path, "example.com", nil)

	ok, msg := m.ReplaceFailedAccount(context.Background(), 1)
	require.True(t, ok)
	require.NotEmpty(t, msg)
	require.Equal(t, []int{1}, accounts.removed)
	require.Len(t, lc.registered, 1)
}

func TestReplaceFailedAccount_UnknownIndexFails(t *testing.T) {
	m := New(testPoolConfig(), &fakeAccounts{}, &fakeLifecycle{}, "", "example.com", nil)
	ok, msg := m.ReplaceFailedAccount(context.Background(), 99)
	require.False(t, ok)
	require.Contains(t, msg, "99")
}
