package service

import (
	"time"

	"github.com/token-gate/internal/types"
)

// Snapshot is the client view of a session
type Snapshot struct {
	SessionID string `json:"sessionId"`
	Gate      string `json:"gate"`
	Phase     Phase  `json:"phase"`

	Wallet          *WalletView `json:"wallet,omitempty"`
	RequiredChainID string      `json:"requiredChainId"`
	ChainMatches    bool        `json:"chainMatches"`

	// CanCheck is false while a check runs or the wallet is on another chain
	CanCheck    bool             `json:"canCheck"`
	Checking    bool             `json:"checking"`
	Eligibility *EligibilityView `json:"eligibility,omitempty"`

	Identity  *IdentityView `json:"identity,omitempty"`
	CanSubmit bool          `json:"canSubmit"`

	ChainSwitch *types.AddEthereumChainParameter `json:"chainSwitch,omitempty"`
	InviteLink  string                           `json:"inviteLink,omitempty"`
	Error       *types.ServiceError              `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WalletView is the connected wallet
type WalletView struct {
	Address   string                 `json:"address"`
	ChainID   string                 `json:"chainId"`
	Status    types.ConnectionStatus `json:"status"`
	Connector string                 `json:"connector"`
}

// EligibilityView is the latest balance check. Amounts are raw units.
type EligibilityView struct {
	Eligible   bool      `json:"eligible"`
	Address    string    `json:"address"`
	Balance    string    `json:"balance"`
	Threshold  string    `json:"threshold"`
	Comparison string    `json:"comparison"`
	CheckedAt  time.Time `json:"checkedAt"`
	Message    string    `json:"message,omitempty"`
}

// IdentityView is the Telegram account obtained for the session
type IdentityView struct {
	Username string `json:"username"`
	ID       int64  `json:"id"`
	Source   string `json:"source,omitempty"`
}

// Snapshot returns the current client view of the session
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	gate := w.gate.Config
	required := gate.RequiredChainID()
	snap := Snapshot{
		SessionID:       w.id,
		Gate:            gate.ID,
		Phase:           w.state.Phase(),
		RequiredChainID: required.Hex(),
		Checking:        w.state.Phase() == PhaseCheckingBalance,
		CreatedAt:       w.createdAt,
		UpdatedAt:       w.updatedAt,
	}

	if session, ok := walletOf(w.state); ok {
		snap.Wallet = &WalletView{
			Address:   session.Address.Hex(),
			ChainID:   session.ChainID.Hex(),
			Status:    connectionStatus(w.state),
			Connector: string(session.Connector),
		}
		snap.ChainMatches = session.ChainID == required
	} else if c, connecting := w.state.(Connecting); connecting {
		snap.Wallet = &WalletView{Status: types.StatusConnecting, Connector: string(c.Connector)}
	}

	switch w.state.(type) {
	case Connected, Eligible, Ineligible:
		snap.CanCheck = snap.ChainMatches
	}

	if result, ok := resultOf(w.state); ok {
		view := &EligibilityView{
			Eligible:   result.Eligible,
			Address:    result.Address.Hex(),
			Balance:    result.Balance.String(),
			Threshold:  result.Threshold.Raw.String(),
			Comparison: string(result.Threshold.Mode),
			CheckedAt:  result.CheckedAt,
		}
		if !result.Eligible {
			view.Message = gate.IneligibleMessage
		}
		snap.Eligibility = view
	}

	if w.identity != nil {
		snap.Identity = &IdentityView{
			Username: w.identity.Username,
			ID:       w.identity.ID,
			Source:   w.identity.Source,
		}
	}

	switch st := w.state.(type) {
	case Connected:
		snap.ChainSwitch = st.PendingSwitch
	case Eligible:
		snap.CanSubmit = st.HasLink() && snap.Identity != nil && snap.Identity.Username != ""
	case LinkRevealed:
		snap.InviteLink = st.Link.URL
	}

	if w.lastErr != nil {
		snap.Error = w.lastErr.ToServiceError()
	}

	return snap
}
