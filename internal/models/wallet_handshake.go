package models

import (
	"time"

	"github.com/token-gate/internal/types"
)

// Challenge is a single-use message a wallet signs to prove account ownership
type Challenge struct {
	Nonce     string    `json:"nonce"`
	SessionID string    `json:"sessionId"`
	Message   string    `json:"message"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PairingStatus is the approval state of a remote wallet pairing
type PairingStatus string

const (
	PairingPending  PairingStatus = "pending"
	PairingApproved PairingStatus = "approved"
	PairingRejected PairingStatus = "rejected"
)

// Pairing links a gate session to a wallet app on another device
type Pairing struct {
	Topic     string        `json:"topic"`
	SessionID string        `json:"sessionId"`
	URI       string        `json:"uri"`
	Message   string        `json:"message"`
	Status    PairingStatus `json:"status"`

	// Set once the wallet approves
	Account string        `json:"account,omitempty"`
	ChainID types.ChainID `json:"chainId,omitempty"`

	// A chain switch requested through the pairing and not yet answered
	RequestedChain *types.AddEthereumChainParameter `json:"requestedChain,omitempty"`
	SwitchRejected bool                             `json:"switchRejected,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
