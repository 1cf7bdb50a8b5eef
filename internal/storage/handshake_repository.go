package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/token-gate/internal/models"
	"github.com/token-gate/internal/wallet"
)

const (
	challengeKeyPrefix = "tokengate:challenge:"
	pairingKeyPrefix   = "tokengate:pairing:"
)

// ChallengeRepository stores signing challenges in Redis until they expire or are used
type ChallengeRepository struct {
	cache *RedisCache
}

// NewChallengeRepository creates a new challenge repository
func NewChallengeRepository(cache *RedisCache) *ChallengeRepository {
	return &ChallengeRepository{cache: cache}
}

// SaveChallenge stores a challenge until its ExpiresAt
func (r *ChallengeRepository) SaveChallenge(ctx context.Context, challenge *models.Challenge) error {
	ttl := time.Until(challenge.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("challenge already expired")
	}

	payload, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}
	if err := r.cache.Set(ctx, challengeKeyPrefix+challenge.Nonce, payload, ttl); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

// TakeChallenge returns a challenge and deletes it so it cannot be replayed
func (r *ChallengeRepository) TakeChallenge(ctx context.Context, nonce string) (*models.Challenge, error) {
	payload, err := r.cache.GetDel(ctx, challengeKeyPrefix+nonce)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, wallet.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}

	var challenge models.Challenge
	if err := json.Unmarshal([]byte(payload), &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	return &challenge, nil
}

// PairingRepository stores remote wallet pairings in Redis
type PairingRepository struct {
	cache *RedisCache
}

// NewPairingRepository creates a new pairing repository
func NewPairingRepository(cache *RedisCache) *PairingRepository {
	return &PairingRepository{cache: cache}
}

// SavePairing creates or replaces a pairing. The key expires at ExpiresAt
// regardless of how often the pairing is updated.
func (r *PairingRepository) SavePairing(ctx context.Context, pairing *models.Pairing) error {
	ttl := time.Until(pairing.ExpiresAt)
	if ttl <= 0 {
		return wallet.ErrPairingNotFound
	}

	payload, err := json.Marshal(pairing)
	if err != nil {
		return fmt.Errorf("failed to marshal pairing: %w", err)
	}
	if err := r.cache.Set(ctx, pairingKeyPrefix+pairing.Topic, payload, ttl); err != nil {
		return fmt.Errorf("failed to store pairing: %w", err)
	}
	return nil
}

// GetPairing loads a pairing by topic
func (r *PairingRepository) GetPairing(ctx context.Context, topic string) (*models.Pairing, error) {
	payload, err := r.cache.Get(ctx, pairingKeyPrefix+topic)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, wallet.ErrPairingNotFound
		}
		return nil, fmt.Errorf("failed to load pairing: %w", err)
	}

	var pairing models.Pairing
	if err := json.Unmarshal([]byte(payload), &pairing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pairing: %w", err)
	}
	return &pairing, nil
}
