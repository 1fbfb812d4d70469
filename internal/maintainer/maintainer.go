// Package maintainer implements the Pool Maintainer (spec §4.K): a periodic
// sweep that deletes unrecoverable accounts and commissions replacements to
// keep the usable pool at a target size.
//
// Grounded on original_source/backend/GGM/app/services/account_pool_service.py
// (the health-check loop, deletion verdict, target-pool-size replenishment,
// batch-size throttling) and account_replacement_service.py (unique-email
// generation, credential-file sync, the image-generation-failure hook the
// Router's FailureReplacer calls through).
package maintainer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/config"
	"github.com/genbridge/gateway/internal/domain"
	"github.com/genbridge/gateway/internal/store"
)

// startupGrace mirrors account_pool_service.py's "wait 30s after startup
// before the first sweep, so the rest of the process finishes initializing".
const startupGrace = 30 * time.Second

// perContextMemoryBytes is a rough budget per concurrently-registering
// browser context, used only to cap how many registrations one sweep
// enqueues when memory is tight.
const perContextMemoryBytes = 300 * 1024 * 1024

// memoryHeadroomBytes is kept free below perContextMemoryBytes's affordable
// count, matching the "2GB server, ≤2 concurrent" sizing account_pool_service
// assumes for its own batch size.
const memoryHeadroomBytes = 500 * 1024 * 1024

// AccountView is the subset of *store.Store the Maintainer sweeps and edits.
type AccountView interface {
	All() []*domain.Account
	RemoveAccount(i int) error
	GetHealthSummary(now time.Time) store.HealthSummary
}

// LifecycleView is the subset of *lifecycle.Manager the Maintainer drives a
// refresh or registration task through, without reaching into its browser/
// hub ownership directly (spec §3 "Lifecycle Manager exclusively owns the
// browser instance").
type LifecycleView interface {
	QueueRefresh(index int)
	QueueRegister(email string) bool
}

// Maintainer is the Pool Maintainer.
type Maintainer struct {
	cfg                config.PoolConfig
	accounts           AccountView
	lifecycle          LifecycleView
	emailListPath      string
	registrationDomain string
	log                *zap.Logger

	cronSched *cron.Cron

	mu             sync.Mutex
	staleAttempted map[int]bool    // account index -> a refresh was already queued for its current staleness
	refreshFailures map[string]int // account note -> Maintainer-driven refresh attempts that came back still-stale
	errorCounts     map[string]int // account note -> record_error/clear_error tally (spec §4.K step 4)
}

// New builds a Maintainer. emailListPath is config.Config.EmailListFile
// (credient.txt); registrationDomain is config.EmailConfig.DomainForRegistration.
func New(cfg config.PoolConfig, accounts AccountView, lc LifecycleView, emailListPath, registrationDomain string, log *zap.Logger) *Maintainer {
	return &Maintainer{
		cfg:                cfg,
		accounts:           accounts,
		lifecycle:          lc,
		emailListPath:      emailListPath,
		registrationDomain: registrationDomain,
		log:                log,
		staleAttempted:     make(map[int]bool),
		refreshFailures:    make(map[string]int),
		errorCounts:        make(map[string]int),
	}
}

// Start launches the periodic sweep: a 30s grace period after startup, then
// every cfg.HealthCheckInterval (spec §4.K).
func (m *Maintainer) Start(ctx context.Context) {
	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}

	m.cronSched = cron.New()
	m.cronSched.Schedule(cron.Every(interval), cron.FuncJob(func() { m.tick(ctx) }))
	m.cronSched.Start()

	time.AfterFunc(startupGrace, func() { m.tick(ctx) })
}

// Stop halts the sweep, waiting for any in-flight tick to finish.
func (m *Maintainer) Stop() {
	if m.cronSched == nil {
		return
	}
	<-m.cronSched.Stop().Done()
}

// tick is one pass of `_main_loop`'s body: health check, then replenish.
func (m *Maintainer) tick(ctx context.Context) {
	now := time.Now()
	deleted := 0

	for _, acc := range m.accounts.All() {
		if !acc.Available {
			continue
		}
		reason := m.deletionReason(acc, now)
		if reason == "" {
			continue
		}
		if err := m.deleteAccount(acc, reason); err != nil {
			if m.log != nil {
				m.log.Warn("maintainer: failed to delete account", zap.Int("account_index", acc.Index), zap.Error(err))
			}
			continue
		}
		deleted++
	}

	m.replenish()

	if m.log != nil {
		summary := m.accounts.GetHealthSummary(now)
		m.log.Info("maintainer: sweep complete",
			zap.Int("deleted", deleted), zap.Int("usable", summary.UsableCount), zap.Int("total", summary.Total))
	}
}

// deletionReason is the deletion-verdict rule set (spec §4.K step 1). An
// empty string means "keep". A refresh-pending account is given one sweep to
// come back fresh before being reconsidered: queuing it onto the Lifecycle
// Manager's bounded worker pool is the Go-idiomatic stand-in for Python's
// blocking "attempt one refresh, inline" (the Lifecycle Manager owns the
// single shared browser instance and cannot be driven synchronously from
// here without violating that ownership, see spec §3).
func (m *Maintainer) deletionReason(acc *domain.Account, now time.Time) string {
	if acc.TeamID == "" || acc.SecureCSes == "" {
		return "missing required credential fields"
	}

	expireAfter := time.Duration(m.cfg.CredentialExpireHours) * time.Hour
	age := now.Sub(acc.RefreshAt)
	if acc.RefreshAt.IsZero() || age > expireAfter {
		m.mu.Lock()
		attempted := m.staleAttempted[acc.Index]
		if !attempted {
			m.staleAttempted[acc.Index] = true
		}
		m.mu.Unlock()

		if attempted {
			return fmt.Sprintf("credential expired %.1fh ago and the queued refresh did not complete", age.Hours())
		}
		m.lifecycle.QueueRefresh(acc.Index)
		return ""
	}
	m.mu.Lock()
	delete(m.staleAttempted, acc.Index)
	failures := m.refreshFailures[acc.Note]
	errs := m.errorCounts[acc.Note]
	m.mu.Unlock()

	if failures >= m.cfg.MaxRefreshFailures {
		return fmt.Sprintf("refresh failed %d times", failures)
	}
	consecutiveErrors := int(acc.Runtime.ConsecutiveErrors)
	if errs > consecutiveErrors {
		consecutiveErrors = errs
	}
	if consecutiveErrors >= m.cfg.MaxConsecutiveErrors {
		return fmt.Sprintf("consecutive errors reached %d", consecutiveErrors)
	}
	return ""
}

// deleteAccount is `delete_account`: remove from the Store (which also
// removes it from persistence), drop its email from credient.txt, and clear
// its per-note bookkeeping.
func (m *Maintainer) deleteAccount(acc *domain.Account, reason string) error {
	if err := m.accounts.RemoveAccount(acc.Index); err != nil {
		return err
	}
	if err := removeEmailByNote(m.emailListPath, acc.Note); err != nil && m.log != nil {
		m.log.Warn("maintainer: failed to remove email from list file", zap.String("note", acc.Note), zap.Error(err))
	}

	m.mu.Lock()
	delete(m.staleAttempted, acc.Index)
	delete(m.refreshFailures, acc.Note)
	delete(m.errorCounts, acc.Note)
	m.mu.Unlock()

	if m.log != nil {
		m.log.Warn("maintainer: deleted account", zap.Int("account_index", acc.Index), zap.String("note", acc.Note), zap.String("reason", reason))
	}
	return nil
}

// replenish is `_replenish_accounts`: while usable < target, commission
// replacements up to one memory-aware batch per tick.
func (m *Maintainer) replenish() {
	summary := m.accounts.GetHealthSummary(time.Now())
	needed := m.cfg.TargetSize - summary.UsableCount
	if needed <= 0 {
		return
	}

	batch := m.batchSize(needed)
	for i := 0; i < batch; i++ {
		email, err := m.commissionOne()
		if err != nil {
			if m.log != nil {
				m.log.Warn("maintainer: failed to commission replacement", zap.Error(err))
			}
			continue
		}
		if m.log != nil {
			m.log.Info("maintainer: queued replacement registration", zap.String("email", email))
		}
	}
}

// batchSize caps how many registrations one tick enqueues: never more than
// cfg.MaxConcurrentRegisters (account_pool_service.py's hardcoded 2, "2GB
// server, at most 2 concurrent"), and fewer still if gopsutil reports too
// little free memory to afford that many browser contexts at once.
func (m *Maintainer) batchSize(needed int) int {
	limit := m.cfg.MaxConcurrentRegisters
	if limit <= 0 {
		limit = 2
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		usable := int64(vm.Available) - memoryHeadroomBytes
		if usable < 0 {
			usable = 0
		}
		if affordable := int(usable / perContextMemoryBytes); affordable < limit {
			limit = affordable
		}
	}
	if limit < 1 {
		limit = 1
	}
	if needed < limit {
		return needed
	}
	return limit
}

// commissionOne generates one unique email, appends it to credient.txt and
// enqueues its registration, mirroring add_new_random_account's file-then-
// queue split (the file write is the only part that needs the lock; the
// registration itself runs on the Lifecycle Manager's own worker pool).
func (m *Maintainer) commissionOne() (string, error) {
	existing, err := loadEmailList(m.emailListPath)
	if err != nil {
		return "", fmt.Errorf("maintainer: load email list: %w", err)
	}
	existingSet := make(map[string]bool, len(existing))
	for _, e := range existing {
		existingSet[strings.ToLower(e)] = true
	}

	email := generateUniqueEmail(m.registrationDomain, existingSet)
	if err := saveEmailList(m.emailListPath, append(existing, email)); err != nil {
		return "", fmt.Errorf("maintainer: save email list: %w", err)
	}

	m.lifecycle.QueueRegister(email)
	return email, nil
}

// RecordError is `record_error`: the Router feeds per-call failure signals
// here, keyed by account note (stable across re-indexing, unlike index).
func (m *Maintainer) RecordError(note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCounts[note]++
}

// ClearError is `clear_error`: a successful call resets the note's tally.
func (m *Maintainer) ClearError(note string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errorCounts, note)
}

// ReplaceFailedAccount satisfies router.FailureReplacer: the Router's
// image-generation-failure detector calls this, mirroring
// handle_image_generation_failure -> replace_failed_account exactly (delete
// the failed account, commission one replacement).
func (m *Maintainer) ReplaceFailedAccount(ctx context.Context, accountIndex int) (bool, string) {
	var target *domain.Account
	for _, acc := range m.accounts.All() {
		if acc.Index == accountIndex {
			target = acc
			break
		}
	}
	if target == nil {
		return false, fmt.Sprintf("account %d not found", accountIndex)
	}
	note := target.Note

	if err := m.deleteAccount(target, "image generation failure"); err != nil {
		return false, fmt.Sprintf("delete account %d: %v", accountIndex, err)
	}

	email, err := m.commissionOne()
	if err != nil {
		return false, fmt.Sprintf("deleted %s but failed to commission a replacement: %v", note, err)
	}
	return true, fmt.Sprintf("deleted %s, queued replacement %s", note, email)
}
