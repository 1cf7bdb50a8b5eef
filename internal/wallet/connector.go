// Package wallet connects gate sessions to EVM wallets.
//
// Two connectors are provided: an injected connector for browser extension
// providers, which proves account ownership with a signed challenge, and a
// remote connector for wallet apps on another device, paired via a QR code
// or deep link.
package wallet

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/token-gate/internal/models"
	"github.com/token-gate/internal/types"
)

// Kind names a connector
type Kind string

const (
	KindInjected Kind = "injected"
	KindRemote   Kind = "remote"
)

// ParseKind parses a connector name
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindInjected:
		return KindInjected, true
	case KindRemote:
		return KindRemote, true
	default:
		return "", false
	}
}

var (
	// ErrRejected indicates the user declined the request in the wallet
	ErrRejected = errors.New("request rejected in wallet")

	// ErrInvalidSignature indicates the signature does not match the claimed account
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrChallengeNotFound indicates the challenge expired, was already used or never existed
	ErrChallengeNotFound = errors.New("challenge not found or expired")

	// ErrPairingNotFound indicates the pairing expired or never existed
	ErrPairingNotFound = errors.New("pairing not found or expired")

	// ErrSessionMismatch indicates a challenge or pairing belongs to another session
	ErrSessionMismatch = errors.New("handshake belongs to another session")

	// ErrInvalidRequest indicates missing or malformed connect parameters
	ErrInvalidRequest = errors.New("invalid connect request")
)

// IsUserError reports whether err was caused by the user or client input
// rather than by the connector's infrastructure
func IsUserError(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrChallengeNotFound) ||
		errors.Is(err, ErrPairingNotFound) ||
		errors.Is(err, ErrSessionMismatch) ||
		errors.Is(err, ErrInvalidRequest)
}

// ConnectRequest carries the connector-specific proof of a connection
type ConnectRequest struct {
	// Injected connector
	Address   string        `json:"address,omitempty"`
	ChainID   types.ChainID `json:"chainId,omitempty"`
	Nonce     string        `json:"nonce,omitempty"`
	Signature string        `json:"signature,omitempty"`

	// Remote connector
	Topic string `json:"topic,omitempty"`
}

// Connection is an established wallet session
type Connection struct {
	Address   common.Address
	ChainID   types.ChainID
	Connector Kind
	// Topic is set for remote connections
	Topic string
}

// SwitchResult reports the outcome of a chain switch request
type SwitchResult struct {
	// Switched is true once the wallet confirmed it is on ChainID
	Switched bool
	ChainID  types.ChainID
	// Manual is set when the client must run wallet_addEthereumChain itself
	// and report the resulting chainChanged event
	Manual *types.AddEthereumChainParameter
}

// Connector establishes wallet connections and requests chain switches
type Connector interface {
	Kind() Kind
	Connect(ctx context.Context, sessionID string, req ConnectRequest) (*Connection, error)
	SwitchChain(ctx context.Context, conn *Connection, chain types.ChainParams) (*SwitchResult, error)
}

// ChallengeStore keeps single-use signing challenges
type ChallengeStore interface {
	SaveChallenge(ctx context.Context, challenge *models.Challenge) error
	// TakeChallenge returns and deletes a challenge; a missing one yields ErrChallengeNotFound
	TakeChallenge(ctx context.Context, nonce string) (*models.Challenge, error)
}

// PairingStore keeps remote wallet pairings
type PairingStore interface {
	SavePairing(ctx context.Context, pairing *models.Pairing) error
	// GetPairing returns a pairing; a missing one yields ErrPairingNotFound
	GetPairing(ctx context.Context, topic string) (*models.Pairing, error)
}
