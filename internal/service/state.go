package service

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/token-gate/internal/adapter"
	"github.com/token-gate/internal/models"
	"github.com/token-gate/internal/types"
	"github.com/token-gate/internal/wallet"
)

// Phase names a workflow state
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseConnecting         Phase = "connecting"
	PhaseConnected          Phase = "connected"
	PhaseValidatingChain    Phase = "validating_chain"
	PhaseCheckingBalance    Phase = "checking_balance"
	PhaseEligible           Phase = "eligible"
	PhaseIneligible         Phase = "ineligible"
	PhaseSubmittingIdentity Phase = "submitting_identity"
	PhaseLinkRevealed       Phase = "link_revealed"
)

// State is one step of the eligibility workflow. Each implementation carries
// only the data that is legal in that step.
type State interface {
	Phase() Phase
	isState()
}

// WalletSession is a connected wallet as seen by the workflow
type WalletSession struct {
	Address   common.Address
	ChainID   types.ChainID
	Connector wallet.Kind
	Topic     string
}

func (s WalletSession) connection() *wallet.Connection {
	return &wallet.Connection{
		Address:   s.Address,
		ChainID:   s.ChainID,
		Connector: s.Connector,
		Topic:     s.Topic,
	}
}

// EligibilityResult is the outcome of one balance check
type EligibilityResult struct {
	Eligible  bool
	Address   common.Address
	Balance   *big.Int
	Threshold types.Threshold
	CheckedAt time.Time
}

// Idle has no wallet
type Idle struct{}

// Connecting waits for a wallet connector
type Connecting struct {
	Connector wallet.Kind
}

// Connected has a wallet and no current eligibility result.
// PendingSwitch is set while the client is expected to add or switch the chain itself.
type Connected struct {
	Wallet        WalletSession
	PendingSwitch *types.AddEthereumChainParameter
}

// ValidatingChain waits for the wallet to switch to the gate's chain
type ValidatingChain struct {
	Wallet WalletSession
}

// CheckingBalance waits for the balance read and, when eligible, the invite link
type CheckingBalance struct {
	Wallet WalletSession
}

// Eligible passed the gate. The invite link may be missing when the issuer failed.
type Eligible struct {
	Wallet WalletSession
	Result EligibilityResult
	link   *adapter.InviteLink
}

// HasLink reports whether an invite link was fetched
func (s Eligible) HasLink() bool {
	return s.link != nil
}

// Ineligible failed the gate
type Ineligible struct {
	Wallet WalletSession
	Result EligibilityResult
}

// SubmittingIdentity waits for the identity claim to be recorded
type SubmittingIdentity struct {
	Wallet WalletSession
	Result EligibilityResult
	link   *adapter.InviteLink
}

// LinkRevealed recorded the claim and exposes the invite link
type LinkRevealed struct {
	Wallet WalletSession
	Result EligibilityResult
	Link   adapter.InviteLink
	Claim  models.IdentityClaim
}

func (Idle) Phase() Phase               { return PhaseIdle }
func (Connecting) Phase() Phase         { return PhaseConnecting }
func (Connected) Phase() Phase          { return PhaseConnected }
func (ValidatingChain) Phase() Phase    { return PhaseValidatingChain }
func (CheckingBalance) Phase() Phase    { return PhaseCheckingBalance }
func (Eligible) Phase() Phase           { return PhaseEligible }
func (Ineligible) Phase() Phase         { return PhaseIneligible }
func (SubmittingIdentity) Phase() Phase { return PhaseSubmittingIdentity }
func (LinkRevealed) Phase() Phase       { return PhaseLinkRevealed }

func (Idle) isState()               {}
func (Connecting) isState()         {}
func (Connected) isState()          {}
func (ValidatingChain) isState()    {}
func (CheckingBalance) isState()    {}
func (Eligible) isState()           {}
func (Ineligible) isState()         {}
func (SubmittingIdentity) isState() {}
func (LinkRevealed) isState()       {}

// walletOf returns the wallet carried by s, if any
func walletOf(s State) (WalletSession, bool) {
	switch st := s.(type) {
	case Connected:
		return st.Wallet, true
	case ValidatingChain:
		return st.Wallet, true
	case CheckingBalance:
		return st.Wallet, true
	case Eligible:
		return st.Wallet, true
	case Ineligible:
		return st.Wallet, true
	case SubmittingIdentity:
		return st.Wallet, true
	case LinkRevealed:
		return st.Wallet, true
	default:
		return WalletSession{}, false
	}
}

// resultOf returns the eligibility result carried by s, if any
func resultOf(s State) (EligibilityResult, bool) {
	switch st := s.(type) {
	case Eligible:
		return st.Result, true
	case Ineligible:
		return st.Result, true
	case SubmittingIdentity:
		return st.Result, true
	case LinkRevealed:
		return st.Result, true
	default:
		return EligibilityResult{}, false
	}
}

// inFlight reports whether s waits on an external call and the operation
// that put it there
func inFlight(s State) (string, bool) {
	switch s.(type) {
	case Connecting:
		return "wallet connection", true
	case ValidatingChain:
		return "chain switch", true
	case CheckingBalance:
		return "eligibility check", true
	case SubmittingIdentity:
		return "identity submission", true
	default:
		return "", false
	}
}

func connectionStatus(s State) types.ConnectionStatus {
	switch s.(type) {
	case Idle:
		return types.StatusDisconnected
	case Connecting:
		return types.StatusConnecting
	default:
		return types.StatusConnected
	}
}
