package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/config"
	"github.com/genbridge/gateway/internal/domain"
	"github.com/genbridge/gateway/internal/store"
)

type fakePersistence struct {
	accounts []domain.Account
}

func (f *fakePersistence) LoadAccounts() ([]domain.Account, error) { return f.accounts, nil }
func (f *fakePersistence) UpsertAccount(a *domain.Account) error   { return nil }
func (f *fakePersistence) DeleteAccount(teamID string) error       { return nil }

type fakeEmailResolver struct {
	emails map[int]string
}

func (f *fakeEmailResolver) EmailForAccount(a *domain.Account) (string, bool) {
	e, ok := f.emails[a.Index]
	return e, ok
}

type fakeHub struct {
	startCalls int
	stopCalls  int
}

func (h *fakeHub) Start(ctx context.Context) { h.startCalls++ }
func (h *fakeHub) Stop()                     { h.stopCalls++ }
func (h *fakeHub) WaitForCode(ctx context.Context, recipient string, timeout time.Duration, since time.Time) (string, error) {
	return "", nil
}

func newTestManager(t *testing.T, accounts []domain.Account) *Manager {
	t.Helper()
	st := store.New(&fakePersistence{accounts: accounts})
	require.NoError(t, st.Load())
	m := New(config.LifecycleConfig{}, config.EmailConfig{}, st, &fakeEmailResolver{emails: map[int]string{}}, nil, zap.NewNop())
	return m
}

func TestQueueRefresh_IsIdempotentWhileQueued(t *testing.T) {
	m := newTestManager(t, nil)
	m.QueueRefresh(3)
	m.QueueRefresh(3)
	require.Len(t, m.refreshQueue, 1)
}

func TestQueueRegister_ReturnsFalseWhenAlreadyQueued(t *testing.T) {
	m := newTestManager(t, nil)
	require.True(t, m.QueueRegister("a@example.com"))
	require.False(t, m.QueueRegister("a@example.com"))
	require.Len(t, m.registerQueue, 1)
}

func TestMarkInvalid_IsKnownInvalidAndIsInvalidAgree(t *testing.T) {
	m := newTestManager(t, nil)
	require.False(t, m.IsKnownInvalid(7))
	require.False(t, m.IsInvalid(7))
	m.MarkInvalid(7)
	require.True(t, m.IsKnownInvalid(7))
	require.True(t, m.IsInvalid(7))
}

func TestHasActiveOrQueuedRefresh(t *testing.T) {
	m := newTestManager(t, nil)
	require.False(t, m.HasActiveOrQueuedRefresh())
	m.QueueRefresh(1)
	require.True(t, m.HasActiveOrQueuedRefresh())
}

func TestDispatch_DoesNotDequeueAtMaxConcurrency(t *testing.T) {
	m := newTestManager(t, nil)
	m.cfg.MaxConcurrent = 1
	m.refreshing[99] = true // one slot already taken
	m.QueueRefresh(1)

	m.dispatch(context.Background())

	require.Len(t, m.refreshQueue, 1, "dispatch must not dequeue once all slots are busy")
}

func TestDispatch_DropsRefreshForUnknownAccount(t *testing.T) {
	m := newTestManager(t, nil) // empty store: GetByIndex(1) is nil
	m.QueueRefresh(1)

	m.dispatch(context.Background())

	require.Empty(t, m.refreshQueue)
	require.False(t, m.refreshing[1])
}

func TestDispatch_DropsRefreshStillInCooldown(t *testing.T) {
	m := newTestManager(t, []domain.Account{{TeamID: "t0"}})
	m.cfg.PerAccountCooldown = time.Hour
	m.lastRefreshTime[0] = time.Now()
	m.QueueRefresh(0)

	m.dispatch(context.Background())

	require.Empty(t, m.refreshQueue)
	require.False(t, m.refreshing[0])
}

func TestDispatch_SkipsRefreshAlreadyMarkedActive(t *testing.T) {
	// Simulates the race credential_service.py guards against: an item is
	// marked active before being removed from the queue, so a concurrent
	// dequeue of the same index must not double-dispatch it.
	m := newTestManager(t, []domain.Account{{TeamID: "t0"}})
	m.refreshQueue = append(m.refreshQueue, 0)
	m.queuedRefresh[0] = true
	m.refreshing[0] = true

	m.dispatch(context.Background())

	require.Empty(t, m.refreshQueue)
	require.True(t, m.refreshing[0], "the pre-existing active marker must survive untouched")
}

func TestDispatch_SkipsRegisterAlreadyMarkedActive(t *testing.T) {
	m := newTestManager(t, nil)
	m.registerQueue = append(m.registerQueue, "a@example.com")
	m.queuedRegister["a@example.com"] = true
	m.registering["a@example.com"] = true

	m.dispatch(context.Background())

	require.Empty(t, m.registerQueue)
	require.True(t, m.registering["a@example.com"])
}

func TestCheckAndRefresh_CachesVerdictForTTL(t *testing.T) {
	m := newTestManager(t, []domain.Account{{TeamID: "t0"}})
	calls := 0
	verify := func(ctx context.Context, a *domain.Account) bool {
		calls++
		return true
	}

	require.True(t, m.CheckAndRefresh(context.Background(), 0, verify))
	require.True(t, m.CheckAndRefresh(context.Background(), 0, verify))
	require.Equal(t, 1, calls, "second call within the TTL must reuse the cached verdict")
}

func TestCheckAndRefresh_MarksInvalidAndQueuesRefreshOnFailure(t *testing.T) {
	m := newTestManager(t, []domain.Account{{TeamID: "t0"}})
	verify := func(ctx context.Context, a *domain.Account) bool { return false }

	require.False(t, m.CheckAndRefresh(context.Background(), 0, verify))
	require.True(t, m.IsKnownInvalid(0))
	require.Len(t, m.refreshQueue, 1)
}

func TestCheckAndRefresh_UnknownAccountReturnsFalseWithoutCaching(t *testing.T) {
	m := newTestManager(t, nil)
	called := false
	verify := func(ctx context.Context, a *domain.Account) bool { called = true; return true }

	require.False(t, m.CheckAndRefresh(context.Background(), 42, verify))
	require.False(t, called)
}

func TestSyncAccounts_QueuesRegisterForUnknownEmailsAndRefreshForInvalidOnes(t *testing.T) {
	m := newTestManager(t, []domain.Account{{TeamID: "t0", Available: true}})
	m.emails = &fakeEmailResolver{emails: map[int]string{0: "known@example.com"}}
	m.MarkInvalid(0)

	m.SyncAccounts([]string{"known@example.com", "new@example.com"}, true, true)

	require.Len(t, m.refreshQueue, 1)
	require.Equal(t, 0, m.refreshQueue[0])
	require.Len(t, m.registerQueue, 1)
	require.Equal(t, "new@example.com", m.registerQueue[0])
}

func TestWaitForRegistrations_TimesOutWhenNothingEverCompletes(t *testing.T) {
	m := newTestManager(t, nil) // Start() never called, so nothing drains the queue

	results := m.WaitForRegistrations(context.Background(), []string{"a@example.com"}, 60*time.Millisecond)

	require.Len(t, results, 1)
	require.False(t, results["a@example.com"].Success)
	require.Equal(t, "timeout", results["a@example.com"].Error)
}

func TestEnsureHub_IsLazyAndSingleton(t *testing.T) {
	m := newTestManager(t, nil)
	hub := &fakeHub{}
	m.newHub = func(log *zap.Logger) Hub { return hub }

	got1 := m.ensureHub(context.Background())
	got2 := m.ensureHub(context.Background())

	require.Same(t, hub, got1)
	require.Same(t, hub, got2)
	require.Equal(t, 1, hub.startCalls, "a second ensureHub call must not start a new Hub")
}

func TestTeardownHub_StopsAndClearsTheHub(t *testing.T) {
	m := newTestManager(t, nil)
	hub := &fakeHub{}
	m.newHub = func(log *zap.Logger) Hub { return hub }
	m.ensureHub(context.Background())

	m.teardownHub()

	require.Equal(t, 1, hub.stopCalls)
	require.Nil(t, m.hub)
}

func TestTickIdle_TearsDownAfterConfiguredIdleCycles(t *testing.T) {
	m := newTestManager(t, nil)
	m.cfg.IdleTeardownCycles = 2
	hub := &fakeHub{}
	m.newHub = func(log *zap.Logger) Hub { return hub }
	m.ensureHub(context.Background())

	m.tickIdle()
	require.NotNil(t, m.hub, "one idle tick short of the limit must not tear down yet")

	m.tickIdle()
	require.Nil(t, m.hub)
	require.Equal(t, 1, hub.stopCalls)
}

func TestTickIdle_ResetsCounterWhenNotIdle(t *testing.T) {
	m := newTestManager(t, nil)
	m.cfg.IdleTeardownCycles = 1
	hub := &fakeHub{}
	m.newHub = func(log *zap.Logger) Hub { return hub }
	m.ensureHub(context.Background())
	m.refreshing[0] = true // active task: the manager is not idle

	m.tickIdle()

	require.NotNil(t, m.hub, "must not tear down while a task is active")
	require.Equal(t, 0, m.idleCycles)
}
