package wallet

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/token-gate/internal/models"
)

// memoryStore is an in-process ChallengeStore and PairingStore
type memoryStore struct {
	mu         sync.Mutex
	challenges map[string]models.Challenge
	pairings   map[string]models.Pairing
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		challenges: make(map[string]models.Challenge),
		pairings:   make(map[string]models.Pairing),
	}
}

func (s *memoryStore) SaveChallenge(ctx context.Context, c *models.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.Nonce] = *c
	return nil
}

func (s *memoryStore) TakeChallenge(ctx context.Context, nonce string) (*models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[nonce]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	delete(s.challenges, nonce)
	return &c, nil
}

func (s *memoryStore) SavePairing(ctx context.Context, p *models.Pairing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairings[p.Topic] = *p
	return nil
}

func (s *memoryStore) GetPairing(ctx context.Context, topic string) (*models.Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairings[topic]
	if !ok {
		return nil, ErrPairingNotFound
	}
	return &p, nil
}

type testWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func newTestWallet(t *testing.T) *testWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testWallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// personalSign signs like a wallet's personal_sign, with a 27/28 recovery id
func (w *testWallet) personalSign(t *testing.T, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
