package wallet

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/token-gate/internal/logging"
	"github.com/token-gate/internal/models"
	"github.com/token-gate/internal/types"
)

// RemoteConfig configures the remote connector
type RemoteConfig struct {
	// RelayURL is embedded in pairing URIs; wallet apps post approvals there
	RelayURL     string
	AppName      string
	PairingTTL   time.Duration
	PollInterval time.Duration

	// SessionTTL is how long an approved pairing lives after its last use
	SessionTTL time.Duration
}

// RemoteConnector pairs a session with a wallet app on another device.
// The app scans the pairing URI, signs the pairing message and approves;
// Connect waits for that approval.
type RemoteConnector struct {
	store PairingStore
	cfg   RemoteConfig
	now   func() time.Time
}

// NewRemoteConnector creates a remote connector
func NewRemoteConnector(store PairingStore, cfg RemoteConfig) *RemoteConnector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.PairingTTL <= 0 {
		cfg.PairingTTL = 5 * time.Minute
	}
	if cfg.SessionTTL < cfg.PairingTTL {
		cfg.SessionTTL = cfg.PairingTTL
	}
	return &RemoteConnector{store: store, cfg: cfg, now: time.Now}
}

// Kind implements Connector
func (c *RemoteConnector) Kind() Kind {
	return KindRemote
}

// StartPairing creates a pending pairing for sessionID
func (c *RemoteConnector) StartPairing(ctx context.Context, sessionID string) (*models.Pairing, error) {
	now := c.now().UTC()
	topic := strings.ReplaceAll(uuid.NewString(), "-", "")

	pairing := &models.Pairing{
		Topic:     topic,
		SessionID: sessionID,
		URI:       pairingURI(topic, c.cfg.RelayURL),
		Message:   challengeMessage(c.cfg.AppName, sessionID, topic, now),
		Status:    models.PairingPending,
		CreatedAt: now,
		ExpiresAt: now.Add(c.cfg.PairingTTL),
	}
	if err := c.store.SavePairing(ctx, pairing); err != nil {
		return nil, fmt.Errorf("failed to save pairing: %w", err)
	}
	return pairing, nil
}

func pairingURI(topic, relay string) string {
	return fmt.Sprintf("tokengate:%s@1?relay=%s", topic, url.QueryEscape(relay))
}

// Approve records the wallet app's approval. The signature must be a
// personal_sign over the pairing message by account.
func (c *RemoteConnector) Approve(ctx context.Context, topic, account string, chainID types.ChainID, signature string) (*models.Pairing, error) {
	address, err := parseAddress(account)
	if err != nil {
		return nil, err
	}
	if chainID == 0 {
		return nil, fmt.Errorf("%w: chainId is required", ErrInvalidRequest)
	}

	pairing, err := c.store.GetPairing(ctx, topic)
	if err != nil {
		return nil, err
	}
	if pairing.Status != models.PairingPending {
		return nil, fmt.Errorf("%w: pairing is %s", ErrInvalidRequest, pairing.Status)
	}
	if err := VerifySigner(pairing.Message, signature, address); err != nil {
		return nil, err
	}

	pairing.Status = models.PairingApproved
	pairing.Account = address.Hex()
	pairing.ChainID = chainID
	c.touch(pairing)
	if err := c.store.SavePairing(ctx, pairing); err != nil {
		return nil, fmt.Errorf("failed to save pairing: %w", err)
	}
	return pairing, nil
}

// touch extends an approved pairing so it lives as long as the session using it
func (c *RemoteConnector) touch(pairing *models.Pairing) {
	pairing.ExpiresAt = c.now().UTC().Add(c.cfg.SessionTTL)
}

// Reject records that the user declined the pairing in the wallet app
func (c *RemoteConnector) Reject(ctx context.Context, topic string) error {
	pairing, err := c.store.GetPairing(ctx, topic)
	if err != nil {
		return err
	}
	pairing.Status = models.PairingRejected
	return c.store.SavePairing(ctx, pairing)
}

// AcknowledgeChain answers a pending chain switch. accepted=false means the
// user declined; otherwise the wallet now reports chainID.
func (c *RemoteConnector) AcknowledgeChain(ctx context.Context, topic string, chainID types.ChainID, accepted bool) (*models.Pairing, error) {
	pairing, err := c.store.GetPairing(ctx, topic)
	if err != nil {
		return nil, err
	}
	if pairing.Status != models.PairingApproved {
		return nil, fmt.Errorf("%w: pairing is %s", ErrInvalidRequest, pairing.Status)
	}

	if accepted {
		if chainID == 0 {
			return nil, fmt.Errorf("%w: chainId is required", ErrInvalidRequest)
		}
		pairing.ChainID = chainID
		pairing.SwitchRejected = false
	} else {
		pairing.SwitchRejected = true
	}
	pairing.RequestedChain = nil
	c.touch(pairing)

	if err := c.store.SavePairing(ctx, pairing); err != nil {
		return nil, fmt.Errorf("failed to save pairing: %w", err)
	}
	return pairing, nil
}

// Connect waits for the pairing named by req.Topic to be approved or rejected.
// The wait is bounded by ctx.
func (c *RemoteConnector) Connect(ctx context.Context, sessionID string, req ConnectRequest) (*Connection, error) {
	if req.Topic == "" {
		return nil, fmt.Errorf("%w: topic is required", ErrInvalidRequest)
	}

	pairing, err := c.waitFor(ctx, req.Topic, func(p *models.Pairing) bool {
		return p.Status != models.PairingPending
	})
	if err != nil {
		return nil, err
	}
	if pairing.SessionID != sessionID {
		return nil, ErrSessionMismatch
	}
	if pairing.Status == models.PairingRejected {
		return nil, ErrRejected
	}

	address, err := parseAddress(pairing.Account)
	if err != nil {
		return nil, err
	}
	return &Connection{
		Address:   address,
		ChainID:   pairing.ChainID,
		Connector: KindRemote,
		Topic:     pairing.Topic,
	}, nil
}

// SwitchChain posts a switch request to the paired wallet and waits for its answer
func (c *RemoteConnector) SwitchChain(ctx context.Context, conn *Connection, chain types.ChainParams) (*SwitchResult, error) {
	if conn == nil || conn.Topic == "" {
		return nil, fmt.Errorf("%w: connection has no pairing", ErrInvalidRequest)
	}

	pairing, err := c.store.GetPairing(ctx, conn.Topic)
	if err != nil {
		return nil, err
	}
	if pairing.ChainID == chain.ChainID {
		return &SwitchResult{Switched: true, ChainID: chain.ChainID}, nil
	}

	params := chain.AddChainParameter()
	pairing.RequestedChain = &params
	pairing.SwitchRejected = false
	c.touch(pairing)
	if err := c.store.SavePairing(ctx, pairing); err != nil {
		return nil, fmt.Errorf("failed to save pairing: %w", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"topic":    conn.Topic,
		"chain_id": chain.ChainID.Hex(),
	}).Debug("chain switch requested through pairing")

	pairing, err = c.waitFor(ctx, conn.Topic, func(p *models.Pairing) bool {
		return p.RequestedChain == nil
	})
	if err != nil {
		return nil, err
	}
	if pairing.SwitchRejected {
		return nil, ErrRejected
	}
	return &SwitchResult{
		Switched: pairing.ChainID == chain.ChainID,
		ChainID:  pairing.ChainID,
	}, nil
}

func (c *RemoteConnector) waitFor(ctx context.Context, topic string, done func(*models.Pairing) bool) (*models.Pairing, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		pairing, err := c.store.GetPairing(ctx, topic)
		if err != nil {
			return nil, err
		}
		if done(pairing) {
			return pairing, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
