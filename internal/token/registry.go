// Package token mints and validates the opaque bearer tokens agents use to
// call the conversation API. Each token is bound to one (conversation, agent)
// pair and dies with the conversation.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/conversation/store"
)

// ErrInvalidToken is returned for unknown, expired, or revoked tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// tokenBytes gives 256 bits of entropy per token.
const tokenBytes = 32

// Registry is the token authority. Lookups hit an in-memory cache first and
// fall back to the store, so tokens survive process restarts.
type Registry struct {
	store    store.Store
	log      *logger.Logger
	duration time.Duration

	mu    sync.RWMutex
	cache map[string]*models.AgentToken
}

// NewRegistry creates a registry minting tokens valid for the given duration.
func NewRegistry(s store.Store, duration time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		store:    s,
		log:      log,
		duration: duration,
		cache:    make(map[string]*models.AgentToken),
	}
}

// Mint creates and persists a token for an agent in a conversation.
func (r *Registry) Mint(ctx context.Context, conversationID, agentID string) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	value := hex.EncodeToString(raw)

	record := &models.AgentToken{
		Token:          value,
		ConversationID: conversationID,
		AgentID:        agentID,
		ExpiresAt:      time.Now().UTC().Add(r.duration),
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.CreateAgentToken(ctx, record); err != nil {
		return "", fmt.Errorf("failed to persist token: %w", err)
	}

	r.mu.Lock()
	r.cache[value] = record
	r.mu.Unlock()
	return value, nil
}

// Validate resolves a token to its (conversation, agent) binding.
func (r *Registry) Validate(ctx context.Context, value string) (*models.AgentToken, error) {
	now := time.Now().UTC()

	r.mu.RLock()
	record, ok := r.cache[value]
	r.mu.RUnlock()
	if ok {
		if record.Expired(now) {
			return nil, ErrInvalidToken
		}
		return record, nil
	}

	record, err := r.store.GetAgentToken(ctx, value)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if record.Expired(now) {
		return nil, ErrInvalidToken
	}

	r.mu.Lock()
	r.cache[value] = record
	r.mu.Unlock()
	return record, nil
}

// RevokeConversation invalidates every token minted for a conversation.
func (r *Registry) RevokeConversation(ctx context.Context, conversationID string) error {
	if err := r.store.DeleteTokensForConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}
	r.mu.Lock()
	for value, record := range r.cache {
		if record.ConversationID == conversationID {
			delete(r.cache, value)
		}
	}
	r.mu.Unlock()
	return nil
}

// StartSweeper periodically removes expired tokens until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := r.store.CleanupExpiredTokens(ctx)
				if err != nil {
					r.log.WithError(err).Warn("Token sweep failed")
					continue
				}
				if removed > 0 {
					r.log.Debug("Swept expired tokens", zap.Int("count", removed))
				}
				r.mu.Lock()
				now := time.Now().UTC()
				for value, record := range r.cache {
					if record.Expired(now) {
						delete(r.cache, value)
					}
				}
				r.mu.Unlock()
			}
		}
	}()
}
