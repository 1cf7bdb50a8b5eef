package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/token-gate/internal/models"
	"github.com/token-gate/internal/types"
)

// InjectedConnector verifies browser extension wallets. The client asks for a
// challenge, signs it with personal_sign, and connects with the signature.
type InjectedConnector struct {
	store   ChallengeStore
	ttl     time.Duration
	appName string
	now     func() time.Time
}

// NewInjectedConnector creates an injected connector. appName appears in the
// challenge text the user is asked to sign.
func NewInjectedConnector(store ChallengeStore, ttl time.Duration, appName string) *InjectedConnector {
	return &InjectedConnector{
		store:   store,
		ttl:     ttl,
		appName: appName,
		now:     time.Now,
	}
}

// Kind implements Connector
func (c *InjectedConnector) Kind() Kind {
	return KindInjected
}

// IssueChallenge creates and stores a single-use challenge for sessionID
func (c *InjectedConnector) IssueChallenge(ctx context.Context, sessionID string) (*models.Challenge, error) {
	now := c.now().UTC()
	nonce := uuid.NewString()
	challenge := &models.Challenge{
		Nonce:     nonce,
		SessionID: sessionID,
		Message:   challengeMessage(c.appName, sessionID, nonce, now),
		IssuedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	if err := c.store.SaveChallenge(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to save challenge: %w", err)
	}
	return challenge, nil
}

func challengeMessage(appName, sessionID, nonce string, issuedAt time.Time) string {
	return fmt.Sprintf("Sign in to %s\n\nThis request will not trigger a transaction or cost any gas.\n\nSession: %s\nNonce: %s\nIssued At: %s",
		appName, sessionID, nonce, issuedAt.Format(time.RFC3339))
}

// Connect consumes the challenge named by req.Nonce and checks that
// req.Signature over it was made by req.Address
func (c *InjectedConnector) Connect(ctx context.Context, sessionID string, req ConnectRequest) (*Connection, error) {
	address, err := parseAddress(req.Address)
	if err != nil {
		return nil, err
	}
	if req.ChainID == 0 {
		return nil, fmt.Errorf("%w: chainId is required", ErrInvalidRequest)
	}
	if req.Nonce == "" || req.Signature == "" {
		return nil, fmt.Errorf("%w: nonce and signature are required", ErrInvalidRequest)
	}

	challenge, err := c.store.TakeChallenge(ctx, req.Nonce)
	if err != nil {
		return nil, err
	}
	if challenge.SessionID != sessionID {
		return nil, ErrSessionMismatch
	}
	if c.now().After(challenge.ExpiresAt) {
		return nil, ErrChallengeNotFound
	}

	if err := VerifySigner(challenge.Message, req.Signature, address); err != nil {
		return nil, err
	}

	return &Connection{
		Address:   address,
		ChainID:   req.ChainID,
		Connector: KindInjected,
	}, nil
}

// SwitchChain cannot drive an extension wallet from the server. It returns
// the wallet_addEthereumChain payload for the client to execute.
func (c *InjectedConnector) SwitchChain(ctx context.Context, conn *Connection, chain types.ChainParams) (*SwitchResult, error) {
	params := chain.AddChainParameter()
	return &SwitchResult{
		Switched: false,
		ChainID:  chain.ChainID,
		Manual:   &params,
	}, nil
}
