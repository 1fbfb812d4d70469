package selector

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genbridge/gateway/internal/domain"
	"github.com/genbridge/gateway/internal/store"
)

// fakePersistence is an in-memory store.Persistence stand-in; these tests
// drive the Store purely through AddAccount, so LoadAccounts is never called
// with anything but an empty set.
type fakePersistence struct{}

func (fakePersistence) LoadAccounts() ([]domain.Account, error) { return nil, nil }
func (fakePersistence) UpsertAccount(a *domain.Account) error   { return nil }
func (fakePersistence) DeleteAccount(teamID string) error       { return nil }

type fakeInvalidSet struct {
	invalid map[int]bool
}

func (f fakeInvalidSet) IsInvalid(index int) bool { return f.invalid[index] }

type fakeRefreshActivity struct {
	active bool
}

func (f fakeRefreshActivity) HasActiveOrQueuedRefresh() bool { return f.active }

func newTestStore(t *testing.T, n int) *store.Store {
	t.Helper()
	st := store.New(fakePersistence{})
	for i := 0; i < n; i++ {
		_, err := st.AddAccount(domain.CredentialBundle{TeamID: "team"}, "")
		require.NoError(t, err)
	}
	return st
}

func TestNextAccount_NoAccountsAtAll(t *testing.T) {
	st := newTestStore(t, 0)
	sel := New(st, fakeInvalidSet{}, fakeRefreshActivity{})

	acc, err := sel.NextAccount()
	require.Nil(t, acc)

	var naa *NoAvailableAccountError
	require.True(t, errors.As(err, &naa))
	require.Equal(t, "no usable account and none in cooldown", naa.RetryHint)
}

func TestNextAccount_NoCandidatesButRefreshActive(t *testing.T) {
	st := newTestStore(t, 0)
	sel := New(st, fakeInvalidSet{}, fakeRefreshActivity{active: true})

	_, err := sel.NextAccount()
	var naa *NoAvailableAccountError
	require.True(t, errors.As(err, &naa))
	require.Equal(t, "refreshing in background, retry", naa.RetryHint)
}

func TestNextAccount_NoCandidatesReportsNearestCooldown(t *testing.T) {
	st := newTestStore(t, 1)
	acc := st.GetByIndex(0)
	acc.Runtime.CooldownUntil = time.Now().Add(30 * time.Second).Unix()
	acc.Runtime.CooldownReason = domain.CooldownGeneric

	sel := New(st, fakeInvalidSet{}, fakeRefreshActivity{})
	_, err := sel.NextAccount()

	var naa *NoAvailableAccountError
	require.True(t, errors.As(err, &naa))
	require.Contains(t, naa.RetryHint, "nearest cooldown clears in")
}

func TestNextAccount_PicksBestScoringUsableAccount(t *testing.T) {
	st := newTestStore(t, 2)
	worse := st.GetByIndex(0)
	worse.Runtime.TotalRequests = 10
	worse.Runtime.FailedRequests = 8

	sel := New(st, fakeInvalidSet{}, fakeRefreshActivity{})
	acc, err := sel.NextAccount()

	require.NoError(t, err)
	require.Equal(t, 1, acc.Index)
}

func TestNextAccount_SkipsIndicesTheLifecycleManagerMarksInvalid(t *testing.T) {
	st := newTestStore(t, 2)
	sel := New(st, fakeInvalidSet{invalid: map[int]bool{0: true, 1: true}}, fakeRefreshActivity{})

	_, err := sel.NextAccount()
	var naa *NoAvailableAccountError
	require.True(t, errors.As(err, &naa))
}

func TestAccountForConversation_PreferredUsableAndValidIsReturnedDirectly(t *testing.T) {
	st := newTestStore(t, 2)
	sel := New(st, fakeInvalidSet{}, fakeRefreshActivity{})

	preferred := 0
	acc, err := sel.AccountForConversation(&preferred)

	require.NoError(t, err)
	require.Equal(t, 0, acc.Index)
}

func TestAccountForConversation_PreferredInCooldownFallsThroughToNextAccount(t *testing.T) {
	st := newTestStore(t, 2)
	st.GetByIndex(0).Runtime.CooldownUntil = time.Now().Add(time.Minute).Unix()
	sel := New(st, fakeInvalidSet{}, fakeRefreshActivity{})

	preferred := 0
	acc, err := sel.AccountForConversation(&preferred)

	require.NoError(t, err)
	require.Equal(t, 1, acc.Index)
}

func TestAccountForConversation_PreferredMarkedInvalidFallsThroughToNextAccount(t *testing.T) {
	st := newTestStore(t, 2)
	sel := New(st, fakeInvalidSet{invalid: map[int]bool{0: true}}, fakeRefreshActivity{})

	preferred := 0
	acc, err := sel.AccountForConversation(&preferred)

	require.NoError(t, err)
	require.Equal(t, 1, acc.Index)
}

func TestAccountForConversation_NilPreferredBehavesLikeNextAccount(t *testing.T) {
	st := newTestStore(t, 1)
	sel := New(st, fakeInvalidSet{}, fakeRefreshActivity{})

	acc, err := sel.AccountForConversation(nil)

	require.NoError(t, err)
	require.Equal(t, 0, acc.Index)
}

func TestReportResultAndSnapshotMetrics_ReflectCompletedSelections(t *testing.T) {
	st := newTestStore(t, 1)
	sel := New(st, fakeInvalidSet{}, fakeRefreshActivity{})

	selectTotal, _ := sel.SnapshotMetrics()
	require.Equal(t, int64(0), selectTotal)

	_, err := sel.NextAccount()
	require.NoError(t, err)

	selectTotal, avgScore := sel.SnapshotMetrics()
	require.Equal(t, int64(1), selectTotal)
	require.Greater(t, avgScore, 0.0)

	firstTokenMs := 120
	sel.ReportResult(0, true, &firstTokenMs)
	stat := sel.stats.loadOrCreate(0)
	require.Equal(t, 0.0, math.Float64frombits(stat.errorRateEWMABits.Load()))
}
