package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/genbridge/gateway/internal/domain"
)

// conversationBindingPrefix is adapted from the teacher's sticky_session:
// key, repurposed from "groupID:sessionHash -> accountID" to
// "conversationID -> Binding" (binder.Persistence).
const conversationBindingPrefix = "conversation_binding:"

// conversationBindingTTL is the durable copy's expiry; the Binder's own
// CleanupExpired sweep is the primary reaper, this is a backstop against an
// unreaped key outliving its owning account pool.
const conversationBindingTTL = 30 * 24 * time.Hour

func buildConversationBindingKey(conversationID string) string {
	return conversationBindingPrefix + conversationID
}

// redisBindingStore is a binder.Persistence backed by Redis, used when
// config.RedisURL is set.
type redisBindingStore struct {
	rdb *redis.Client
}

func NewRedisBindingStore(rdb *redis.Client) *redisBindingStore {
	return &redisBindingStore{rdb: rdb}
}

func (s *redisBindingStore) LoadBinding(ctx context.Context, conversationID string) (*domain.Binding, bool, error) {
	raw, err := s.rdb.Get(ctx, buildConversationBindingKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis binding store: get %q: %w", conversationID, err)
	}
	var b domain.Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, false, fmt.Errorf("redis binding store: decode %q: %w", conversationID, err)
	}
	return &b, true, nil
}

func (s *redisBindingStore) UpsertBinding(ctx context.Context, b *domain.Binding) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("redis binding store: encode %q: %w", b.ConversationID, err)
	}
	key := buildConversationBindingKey(b.ConversationID)
	if err := s.rdb.Set(ctx, key, raw, conversationBindingTTL).Err(); err != nil {
		return fmt.Errorf("redis binding store: set %q: %w", b.ConversationID, err)
	}
	return nil
}

func (s *redisBindingStore) DeleteBinding(ctx context.Context, conversationID string) error {
	if err := s.rdb.Del(ctx, buildConversationBindingKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("redis binding store: delete %q: %w", conversationID, err)
	}
	return nil
}

// ListStaleBindings is a best-effort SCAN over the binding keyspace: Redis
// has no native created-before-cutoff index, so every candidate key is
// fetched and filtered client-side. Fine at the scale this keyspace runs at
// (one key per live conversation); a sqlite-backed store answers the same
// query with a plain indexed column scan instead (see SqliteBindingStore).
func (s *redisBindingStore) ListStaleBindings(ctx context.Context, before time.Time) ([]domain.Binding, error) {
	var stale []domain.Binding
	iter := s.rdb.Scan(ctx, 0, conversationBindingPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis binding store: scan get %q: %w", iter.Val(), err)
		}
		var b domain.Binding
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("redis binding store: scan decode %q: %w", iter.Val(), err)
		}
		if b.UpdatedAt.Before(before) {
			stale = append(stale, b)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis binding store: scan: %w", err)
	}
	return stale, nil
}
