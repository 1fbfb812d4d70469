// Package binder implements the Conversation Binder (spec §3 "Binding",
// SPEC_FULL.md Component I): the durable association of a conversation id to
// an account, an upstream session name, and an on-disk image directory, plus
// the Supplemented Feature of conversation history truncation.
//
// Grounded on
// original_source/backend/GGM/app/services/conversation_manager.py's
// ConversationManager: create_conversation's account assignment and image-dir
// allocation, get_or_create_conversation's "still usable? else migrate"
// logic (_migrate_conversation), and the max_history_turns/max_history_chars
// cap conversation_manager.py applies before folding history into
// composed_query. The cache shape (key -> short-TTL hot lookup, durable copy
// behind it) mirrors the teacher's internal/repository/gateway_cache.go
// sticky-session cache, repurposed from "groupID+sessionHash -> accountID" to
// "conversationID -> Binding".
package binder

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"

	"github.com/genbridge/gateway/internal/config"
	"github.com/genbridge/gateway/internal/domain"
)

// AccountResolver is the subset of *selector.Selector the Binder needs to
// assign or re-home a conversation (spec §4.D `account_for_conversation`).
type AccountResolver interface {
	AccountForConversation(preferredIndex *int) (*domain.Account, error)
}

// StoreView resolves an already-bound account for the staleness check, kept
// separate from AccountResolver because this lookup must not fall back to
// "pick anything usable" the way AccountForConversation does.
type StoreView interface {
	GetByIndex(i int) *domain.Account
	GetByTeamID(teamID string) *domain.Account
}

// Persistence durably stores Bindings. Implemented by internal/repository
// against Redis (when configured) or sqlite.
type Persistence interface {
	LoadBinding(ctx context.Context, conversationID string) (*domain.Binding, bool, error)
	UpsertBinding(ctx context.Context, b *domain.Binding) error
	DeleteBinding(ctx context.Context, conversationID string) error
	ListStaleBindings(ctx context.Context, before time.Time) ([]domain.Binding, error)
}

const hotCacheTTL = 5 * time.Minute

// Binder resolves, creates, and migrates conversation<->account bindings.
type Binder struct {
	persist   Persistence
	accounts  AccountResolver
	view      StoreView
	history   config.HistoryConfig
	imagesDir string
	log       *zap.Logger

	hot *ristretto.Cache
}

// New constructs a Binder. imagesDir is the root directory each binding's
// ImageDirPath is allocated under (conversation_manager.py's IMAGES_DIR).
func New(persist Persistence, accounts AccountResolver, view StoreView, history config.HistoryConfig, imagesDir string, log *zap.Logger) (*Binder, error) {
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("binder: new hot cache: %w", err)
	}
	return &Binder{
		persist:   persist,
		accounts:  accounts,
		view:      view,
		history:   history,
		imagesDir: imagesDir,
		log:       log,
		hot:       hot,
	}, nil
}

// GetOrCreate implements get_or_create_conversation: returns the existing
// binding (migrating it off a no-longer-usable account first), or creates a
// fresh one — assigning a new id when conversationID is empty.
func (b *Binder) GetOrCreate(ctx context.Context, conversationID string) (*domain.Binding, error) {
	if conversationID == "" {
		return b.create(ctx, newConversationID())
	}

	binding, err := b.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if binding == nil {
		return b.create(ctx, conversationID)
	}

	acc := b.resolveBoundAccount(binding)
	now := time.Now()
	if acc != nil && acc.IsUsable(now) {
		if acc.Index != binding.AccountIndex || acc.TeamID != binding.TeamID {
			binding.AccountIndex = acc.Index
			binding.TeamID = acc.TeamID
			binding.UpdatedAt = now
			if err := b.save(ctx, binding); err != nil {
				return nil, err
			}
		}
		return binding, nil
	}

	return b.migrate(ctx, binding)
}

// BindSession records the upstream session name Upstream returned for this
// conversation's first turn on the current account (conversation_manager.py's
// update_binding_session).
func (b *Binder) BindSession(ctx context.Context, conversationID, sessionName string) error {
	binding, err := b.load(ctx, conversationID)
	if err != nil {
		return err
	}
	if binding == nil {
		return fmt.Errorf("binder: bind session: unknown conversation %q", conversationID)
	}
	binding.UpstreamSessionName = sessionName
	binding.UpdatedAt = time.Now()
	return b.save(ctx, binding)
}

// RebindAccount re-homes a binding onto acc directly, for when the caller
// (the Router's auth-failure handling, spec §4.J "failover to freshest
// available account") has already picked the replacement account rather than
// asking AccountResolver for one.
func (b *Binder) RebindAccount(ctx context.Context, conversationID string, acc *domain.Account) error {
	binding, err := b.load(ctx, conversationID)
	if err != nil {
		return err
	}
	if binding == nil {
		return fmt.Errorf("binder: rebind account: unknown conversation %q", conversationID)
	}
	binding.AccountIndex = acc.Index
	binding.TeamID = acc.TeamID
	binding.UpstreamSessionName = ""
	binding.UpdatedAt = time.Now()
	return b.save(ctx, binding)
}

// migrate re-homes a binding onto a freshly-selected account, clearing the
// upstream session name since it belonged to the old account (spec §4.J,
// conversation_manager.py's _migrate_conversation).
func (b *Binder) migrate(ctx context.Context, binding *domain.Binding) (*domain.Binding, error) {
	acc, err := b.accounts.AccountForConversation(nil)
	if err != nil {
		return nil, fmt.Errorf("binder: migrate %q: %w", binding.ConversationID, err)
	}

	binding.AccountIndex = acc.Index
	binding.TeamID = acc.TeamID
	binding.UpstreamSessionName = ""
	binding.UpdatedAt = time.Now()

	if err := b.save(ctx, binding); err != nil {
		return nil, err
	}
	if b.log != nil {
		b.log.Info("binder: migrated conversation to a new account",
			zap.String("conversation_id", binding.ConversationID), zap.Int("account_index", acc.Index))
	}
	return binding, nil
}

func (b *Binder) create(ctx context.Context, conversationID string) (*domain.Binding, error) {
	acc, err := b.accounts.AccountForConversation(nil)
	if err != nil {
		return nil, fmt.Errorf("binder: create %q: %w", conversationID, err)
	}

	imageDir := filepath.Join(b.imagesDir, conversationID)
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("binder: create image dir for %q: %w", conversationID, err)
	}

	now := time.Now()
	binding := &domain.Binding{
		ConversationID: conversationID,
		AccountIndex:   acc.Index,
		TeamID:         acc.TeamID,
		ImageDirPath:   imageDir,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := b.save(ctx, binding); err != nil {
		return nil, err
	}
	return binding, nil
}

func (b *Binder) resolveBoundAccount(binding *domain.Binding) *domain.Account {
	if binding.TeamID != "" {
		if a := b.view.GetByTeamID(binding.TeamID); a != nil {
			return a
		}
	}
	return b.view.GetByIndex(binding.AccountIndex)
}

func (b *Binder) load(ctx context.Context, conversationID string) (*domain.Binding, error) {
	if cached, ok := b.hot.Get(conversationID); ok {
		binding := *cached.(*domain.Binding)
		return &binding, nil
	}

	binding, found, err := b.persist.LoadBinding(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("binder: load %q: %w", conversationID, err)
	}
	if !found {
		return nil, nil
	}
	b.cache(binding)
	return binding, nil
}

func (b *Binder) save(ctx context.Context, binding *domain.Binding) error {
	if err := b.persist.UpsertBinding(ctx, binding); err != nil {
		return fmt.Errorf("binder: save %q: %w", binding.ConversationID, err)
	}
	b.cache(binding)
	return nil
}

func (b *Binder) cache(binding *domain.Binding) {
	cp := *binding
	b.hot.SetWithTTL(binding.ConversationID, &cp, 1, hotCacheTTL)
}

// CleanupExpired deletes every binding whose UpdatedAt is older than maxAge,
// removing its image directory too (conversation_manager.py's
// cleanup_expired).
func (b *Binder) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := b.persist.ListStaleBindings(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("binder: list stale bindings: %w", err)
	}
	for i := range stale {
		binding := stale[i]
		if binding.ImageDirPath != "" {
			if err := os.RemoveAll(binding.ImageDirPath); err != nil && b.log != nil {
				b.log.Warn("binder: failed to remove image dir during cleanup",
					zap.String("conversation_id", binding.ConversationID), zap.Error(err))
			}
		}
		if err := b.persist.DeleteBinding(ctx, binding.ConversationID); err != nil {
			return i, fmt.Errorf("binder: delete stale binding %q: %w", binding.ConversationID, err)
		}
		b.hot.Del(binding.ConversationID)
	}
	return len(stale), nil
}

func newConversationID() string {
	var raw [6]byte
	_, _ = rand.Read(raw[:])
	return "conv_" + hex.EncodeToString(raw[:])
}

// TruncateHistory bounds messages against this Binder's configured
// max_history_turns/max_history_chars, so the Router doesn't need its own
// copy of config.HistoryConfig.
func (b *Binder) TruncateHistory(messages []domain.ChatMessage) []domain.ChatMessage {
	return TruncateHistory(b.history, messages)
}

// TruncateHistory bounds prior turns before the Router folds them into
// composed_query (SPEC_FULL.md §3 "Conversation history truncation"): at
// most cfg.MaxTurns trailing messages, then trimmed further from the front
// until the total rendered size is within cfg.MaxChars. A zero-value field
// in cfg disables that bound.
func TruncateHistory(cfg config.HistoryConfig, messages []domain.ChatMessage) []domain.ChatMessage {
	out := messages
	if cfg.MaxTurns > 0 && len(out) > cfg.MaxTurns {
		out = out[len(out)-cfg.MaxTurns:]
	}
	if cfg.MaxChars <= 0 {
		return out
	}
	for len(out) > 0 && renderedSize(out) > cfg.MaxChars {
		out = out[1:]
	}
	return out
}

func renderedSize(messages []domain.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Role) + len(m.Content)
	}
	return total
}

// RenderHistoryBlock formats history the way composed_query expects it:
// "[Conversation History]" followed by one "Role: content" line per turn,
// titlecased per conversation_manager's User/Assistant labels.
func RenderHistoryBlock(messages []domain.ChatMessage) string {
	if len(messages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Conversation History]\n")
	for _, m := range messages {
		label := "User"
		if strings.EqualFold(m.Role, "assistant") {
			label = "Assistant"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
