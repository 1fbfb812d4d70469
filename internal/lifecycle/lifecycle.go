// Package lifecycle implements the Credential Lifecycle Manager (spec §4.H):
// two FIFO queues (refresh, register) drained by a single worker loop onto a
// bounded pool, plus the advisory invalid-account set the Selector and JWT
// Minter both consult.
//
// Grounded on
// original_source/backend/GGM/app/services/credential_service.py's
// CredentialRefreshService: _concurrent_refresh_worker's reap-then-dispatch
// loop (register preferred over refresh, per-account 300s re-refresh
// cooldown, mark-before-dequeue to avoid the add/discard race), queue_register
// and wait_for_registrations. The shared browser instance that file lazily
// creates under init_lock has no equivalent here: internal/browserworker
// already spins up and tears down one exec allocator per task (the natural
// unit of isolation in chromedp, see worker.go's doc comment), so the only
// resource this Manager owns lazily is the Verification Code Hub, which does
// hold a long-lived IMAP connection worth idle-tearing-down.
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/browserworker"
	"github.com/genbridge/gateway/internal/config"
	"github.com/genbridge/gateway/internal/domain"
	"github.com/genbridge/gateway/internal/store"
	"github.com/genbridge/gateway/internal/verifyhub"
)

const checkCacheTTL = 60 * time.Second

// EmailResolver maps an account to the Google mailbox its credentials were
// harvested under (credential_service.py's _get_google_email_for_account),
// so a refresh task knows which inbox the Hub should watch.
type EmailResolver interface {
	EmailForAccount(a *domain.Account) (string, bool)
}

// Hub is the subset of *verifyhub.Hub the Manager drives, kept as an
// interface so a fake can stand in for tests without real IMAP.
type Hub interface {
	browserworker.VerificationWaiter
	Start(ctx context.Context)
	Stop()
}

// RegisterResult is one email's outcome from a background registration
// attempt (spec §4.H `register_results`).
type RegisterResult struct {
	Success bool
	Error   string
}

type checkCacheEntry struct {
	valid   bool
	expires time.Time
}

// Manager is the Credential Lifecycle Manager.
type Manager struct {
	cfg    config.LifecycleConfig
	log    *zap.Logger
	st     *store.Store
	emails EmailResolver
	worker *browserworker.Worker
	newHub func(log *zap.Logger) Hub

	pool pond.Pool

	mu              sync.Mutex
	refreshQueue    []int
	queuedRefresh   map[int]bool
	refreshing      map[int]bool
	registerQueue   []string
	queuedRegister  map[string]bool
	registering     map[string]bool
	invalidAccounts map[int]bool
	lastRefreshTime map[int]time.Time
	registerResults map[string]RegisterResult
	checkCache      map[int]checkCacheEntry

	hubMu      sync.Mutex
	hub        Hub
	hubCancel  context.CancelFunc
	idleCycles int

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Manager. worker performs the actual browser-automation
// flows; emailCfg is passed to a freshly-built *verifyhub.Hub the first time
// a task needs one.
func New(cfg config.LifecycleConfig, emailCfg config.EmailConfig, st *store.Store, emails EmailResolver, worker *browserworker.Worker, log *zap.Logger) *Manager {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Manager{
		cfg:             cfg,
		log:             log,
		st:              st,
		emails:          emails,
		worker:          worker,
		newHub:          func(l *zap.Logger) Hub { return verifyhub.New(emailCfg, l) },
		pool:            pond.NewPool(maxConcurrent),
		queuedRefresh:   make(map[int]bool),
		refreshing:      make(map[int]bool),
		queuedRegister:  make(map[string]bool),
		registering:     make(map[string]bool),
		invalidAccounts: make(map[int]bool),
		lastRefreshTime: make(map[int]time.Time),
		registerResults: make(map[string]RegisterResult),
		checkCache:      make(map[int]checkCacheEntry),
		wakeCh:          make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start launches the single background worker loop (spec §4.H "Worker loop").
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop drains the worker loop, waits out any in-flight tasks, and tears down
// the Hub if it is still running.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.pool.StopAndWait()
	m.teardownHub()
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	idleTick := time.NewTicker(30 * time.Second)
	defer idleTick.Stop()

	for {
		m.dispatch(ctx)
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-m.wakeCh:
		case <-idleTick.C:
			m.tickIdle()
		}
	}
}

// dispatch is spec §4.H steps 2-3: while there is a free slot, prefer a
// pending register item, else a refresh item, skipping anything whose
// cooldown hasn't elapsed or that's already active; mark before removing
// from the queued set to avoid the re-add race the teacher's Python guards
// against with the same ordering.
func (m *Manager) dispatch(ctx context.Context) {
	for {
		m.mu.Lock()
		active := len(m.refreshing) + len(m.registering)
		maxConcurrent := m.cfg.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 5
		}
		if active >= maxConcurrent {
			m.mu.Unlock()
			return
		}

		if len(m.registerQueue) > 0 {
			email := m.registerQueue[0]
			m.registerQueue = m.registerQueue[1:]
			delete(m.queuedRegister, email)
			if m.registering[email] {
				m.mu.Unlock()
				continue
			}
			m.registering[email] = true
			m.mu.Unlock()
			m.startRegister(ctx, email)
			continue
		}

		if len(m.refreshQueue) > 0 {
			index := m.refreshQueue[0]
			m.refreshQueue = m.refreshQueue[1:]
			delete(m.queuedRefresh, index)
			if m.refreshing[index] {
				m.mu.Unlock()
				continue
			}
			cooldown := m.cfg.PerAccountCooldown
			if cooldown <= 0 {
				cooldown = 300 * time.Second
			}
			if last, ok := m.lastRefreshTime[index]; ok && time.Since(last) < cooldown {
				m.mu.Unlock()
				continue
			}
			acc := m.st.GetByIndex(index)
			if acc == nil {
				m.mu.Unlock()
				continue
			}
			m.refreshing[index] = true
			m.lastRefreshTime[index] = time.Now()
			m.mu.Unlock()
			m.startRefresh(ctx, index, acc)
			continue
		}

		m.mu.Unlock()
		return
	}
}

func (m *Manager) startRefresh(ctx context.Context, index int, acc *domain.Account) {
	email, ok := m.emails.EmailForAccount(acc)
	if !ok {
		m.log.Warn("lifecycle: no google email on file for account, skipping refresh", zap.Int("index", index))
		m.finishRefresh(index, false)
		return
	}
	hub := m.ensureHub(ctx)
	m.pool.Submit(func() {
		bundle, err := m.worker.RefreshAccount(ctx, acc.TeamID, acc.CSesIdx, email, hub)
		if err != nil {
			m.log.Warn("lifecycle: refresh failed", zap.Int("index", index), zap.Error(err))
			m.finishRefresh(index, false)
			return
		}
		if err := m.st.ReloadAccount(index, bundle); err != nil {
			m.log.Error("lifecycle: reload_account failed", zap.Int("index", index), zap.Error(err))
		}
		m.finishRefresh(index, true)
	})
}

func (m *Manager) finishRefresh(index int, success bool) {
	m.mu.Lock()
	delete(m.refreshing, index)
	if success {
		delete(m.invalidAccounts, index)
		delete(m.checkCache, index)
	}
	m.mu.Unlock()
	m.wake()
}

func (m *Manager) startRegister(ctx context.Context, email string) {
	hub := m.ensureHub(ctx)
	note := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		note = email[:at]
	}
	m.pool.Submit(func() {
		bundle, err := m.worker.RegisterAccount(ctx, email, note, hub)
		if err != nil {
			m.log.Warn("lifecycle: register failed", zap.String("email", email), zap.Error(err))
			m.finishRegister(email, false, err.Error())
			return
		}
		if _, err := m.st.AddAccount(bundle, note); err != nil {
			m.finishRegister(email, false, err.Error())
			return
		}
		m.finishRegister(email, true, "")
	})
}

func (m *Manager) finishRegister(email string, success bool, errMsg string) {
	m.mu.Lock()
	delete(m.registering, email)
	m.registerResults[email] = RegisterResult{Success: success, Error: errMsg}
	m.mu.Unlock()
	m.wake()
}

func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// ensureHub lazily starts the shared Verification Code Hub under hubMu
// (spec's init_lock), resetting the idle counter.
func (m *Manager) ensureHub(ctx context.Context) Hub {
	m.hubMu.Lock()
	defer m.hubMu.Unlock()
	if m.hub != nil {
		m.idleCycles = 0
		return m.hub
	}
	hubCtx, cancel := context.WithCancel(context.Background())
	hub := m.newHub(m.log)
	hub.Start(hubCtx)
	m.hub = hub
	m.hubCancel = cancel
	m.idleCycles = 0
	return hub
}

func (m *Manager) teardownHub() {
	m.hubMu.Lock()
	defer m.hubMu.Unlock()
	if m.hub == nil {
		return
	}
	m.hub.Stop()
	if m.hubCancel != nil {
		m.hubCancel()
	}
	m.hub = nil
	m.idleCycles = 0
}

// tickIdle is spec §4.H step 4: after idleTeardownCycles consecutive idle
// ticks with no active tasks and empty queues, tear down the Hub.
func (m *Manager) tickIdle() {
	m.mu.Lock()
	idle := len(m.refreshing) == 0 && len(m.registering) == 0 &&
		len(m.refreshQueue) == 0 && len(m.registerQueue) == 0
	m.mu.Unlock()

	m.hubMu.Lock()
	defer m.hubMu.Unlock()
	if m.hub == nil {
		return
	}
	if !idle {
		m.idleCycles = 0
		return
	}
	m.idleCycles++
	limit := m.cfg.IdleTeardownCycles
	if limit <= 0 {
		limit = 60
	}
	if m.idleCycles >= limit {
		m.log.Info("lifecycle: idle timeout, closing shared verification hub")
		m.hub.Stop()
		if m.hubCancel != nil {
			m.hubCancel()
		}
		m.hub = nil
		m.idleCycles = 0
	}
}

// QueueRefresh enqueues index for a background refresh if it isn't already
// active or queued (spec §4.H `queue_refresh`).
func (m *Manager) QueueRefresh(index int) {
	m.mu.Lock()
	if m.refreshing[index] || m.queuedRefresh[index] {
		m.mu.Unlock()
		return
	}
	m.queuedRefresh[index] = true
	m.refreshQueue = append(m.refreshQueue, index)
	m.mu.Unlock()
	m.wake()
}

// QueueRegister enqueues email for a background registration attempt,
// reporting whether it was newly queued (spec §4.H `queue_register`).
func (m *Manager) QueueRegister(email string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registering[email] || m.queuedRegister[email] {
		return false
	}
	m.queuedRegister[email] = true
	m.registerQueue = append(m.registerQueue, email)
	m.wake()
	return true
}

// CheckAndRefresh verifies index's credential with a light getoxsrf call,
// enqueues a refresh if it's invalid, and caches the verdict for 60s so
// repeated callers get a prompt answer (spec §4.H `check_and_refresh`).
func (m *Manager) CheckAndRefresh(ctx context.Context, index int, verify func(context.Context, *domain.Account) bool) bool {
	m.mu.Lock()
	if entry, ok := m.checkCache[index]; ok && time.Now().Before(entry.expires) {
		m.mu.Unlock()
		return entry.valid
	}
	m.mu.Unlock()

	acc := m.st.GetByIndex(index)
	if acc == nil {
		return false
	}
	valid := verify(ctx, acc)

	m.mu.Lock()
	m.checkCache[index] = checkCacheEntry{valid: valid, expires: time.Now().Add(checkCacheTTL)}
	m.mu.Unlock()

	if !valid {
		m.MarkInvalid(index)
		m.QueueRefresh(index)
	}
	return valid
}

// SyncAccounts reconciles an email-list file against the Store (spec §4.H
// `sync_accounts`): every email already bound to a usable account is left
// alone; emails with a known account but requested refresh are queued;
// emails with no account at all are queued for registration when requested.
func (m *Manager) SyncAccounts(emails []string, refreshInvalid, registerNew bool) {
	known := make(map[string]*domain.Account, len(emails))
	for _, acc := range m.st.All() {
		if email, ok := m.emails.EmailForAccount(acc); ok {
			known[email] = acc
		}
	}

	for _, email := range emails {
		acc, exists := known[email]
		switch {
		case !exists && registerNew:
			m.QueueRegister(email)
		case exists && refreshInvalid && (m.IsKnownInvalid(acc.Index) || !acc.Available):
			m.QueueRefresh(acc.Index)
		}
	}
}

// WaitForRegistrations blocks until every email in emails has a result or
// timeout elapses, returning whatever results are available at that point
// (spec §4.H `wait_for_registrations`).
func (m *Manager) WaitForRegistrations(ctx context.Context, emails []string, timeout time.Duration) map[string]RegisterResult {
	for _, email := range emails {
		m.QueueRegister(email)
	}

	deadline := time.Now().Add(timeout)
	results := make(map[string]RegisterResult, len(emails))
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		m.mu.Lock()
		for _, email := range emails {
			if r, ok := m.registerResults[email]; ok {
				results[email] = r
			}
		}
		m.mu.Unlock()

		if len(results) == len(emails) {
			return results
		}
		select {
		case <-ctx.Done():
			return results
		case <-ticker.C:
		}
	}

	for _, email := range emails {
		if _, ok := results[email]; !ok {
			results[email] = RegisterResult{Success: false, Error: "timeout"}
		}
	}
	return results
}

// MarkInvalid records index as known-invalid, consulted by the Selector
// (InvalidSet) and the JWT Minter (InvalidationNotifier).
func (m *Manager) MarkInvalid(index int) {
	m.mu.Lock()
	m.invalidAccounts[index] = true
	m.mu.Unlock()
}

// IsKnownInvalid implements jwtmint.InvalidationNotifier.
func (m *Manager) IsKnownInvalid(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidAccounts[index]
}

// IsInvalid implements selector.InvalidSet.
func (m *Manager) IsInvalid(index int) bool {
	return m.IsKnownInvalid(index)
}

// HasActiveOrQueuedRefresh implements selector.RefreshActivity.
func (m *Manager) HasActiveOrQueuedRefresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refreshing) > 0 || len(m.refreshQueue) > 0
}
