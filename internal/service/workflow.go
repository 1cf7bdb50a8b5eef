// Package service implements the token gate eligibility workflow and its session registry.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/token-gate/internal/adapter"
	"github.com/token-gate/internal/config"
	gateerrors "github.com/token-gate/internal/errors"
	"github.com/token-gate/internal/identity"
	"github.com/token-gate/internal/logging"
	"github.com/token-gate/internal/models"
	"github.com/token-gate/internal/types"
	"github.com/token-gate/internal/wallet"
)

// IdentityStore records identity claims. Each call appends one record.
type IdentityStore interface {
	SaveClaim(ctx context.Context, claim *models.IdentityClaim) error
}

// AuditSink receives eligibility check outcomes. Record must not block.
type AuditSink interface {
	Record(ctx context.Context, check models.EligibilityCheck)
}

// GateRuntime is a gate together with the clients that serve it
type GateRuntime struct {
	Config *config.GateConfig
	Reader adapter.ChainReader
	Issuer adapter.LinkIssuer
}

// Dependencies are the collaborators shared by all workflows
type Dependencies struct {
	Connectors map[wallet.Kind]wallet.Connector
	Store      IdentityStore
	Audit      AuditSink
	Bus        identity.Bus

	RequestTimeout time.Duration
	ConnectTimeout time.Duration

	// Now defaults to time.Now
	Now func() time.Time
}

// WalletEventType names a wallet provider event
type WalletEventType string

const (
	EventAccountsChanged WalletEventType = "accountsChanged"
	EventChainChanged    WalletEventType = "chainChanged"
	EventDisconnect      WalletEventType = "disconnect"
)

// WalletEvent is an event reported by the client's wallet provider
type WalletEvent struct {
	Type     WalletEventType `json:"type"`
	Accounts []string        `json:"accounts,omitempty"`
	ChainID  string          `json:"chainId,omitempty"`
	// Proof re-establishes ownership when the wallet switches to another account
	Proof *wallet.ConnectRequest `json:"proof,omitempty"`
}

// ChainSwitch reports the outcome of EnsureChain
type ChainSwitch struct {
	RequiredChainID types.ChainID `json:"requiredChainId"`
	// Switched is true when the wallet is on the required chain
	Switched bool `json:"switched"`
	// Manual is the wallet_addEthereumChain payload the client must run and
	// confirm with a chainChanged event
	Manual *types.AddEthereumChainParameter `json:"manual,omitempty"`
}

// Workflow is one eligibility session. Operations are serial per session:
// the mutex guards state transitions only and is never held across calls to
// the wallet, chain, issuer or store.
type Workflow struct {
	id   string
	gate GateRuntime
	deps Dependencies
	now  func() time.Time
	log  *logging.Logger

	mu          sync.Mutex
	state       State
	gen         uint64
	lastErr     *gateerrors.CategorizedError
	identity    *models.TelegramIdentity
	unsubscribe func()
	ended       bool
	createdAt   time.Time
	updatedAt   time.Time
}

// NewWorkflow creates a session in Idle and subscribes it to identity events
func NewWorkflow(ctx context.Context, id string, gate GateRuntime, deps Dependencies) (*Workflow, error) {
	if gate.Config == nil || gate.Reader == nil || gate.Issuer == nil {
		return nil, fmt.Errorf("gate runtime is incomplete")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	w := &Workflow{
		id:    id,
		gate:  gate,
		deps:  deps,
		now:   now,
		state: Idle{},
		log: logging.GetGlobalLogger().WithFields(map[string]interface{}{
			"session": id,
			"gate":    gate.Config.ID,
		}),
	}
	w.createdAt = now()
	w.updatedAt = w.createdAt

	if deps.Bus != nil {
		unsubscribe, err := deps.Bus.Subscribe(ctx, id, w.onIdentity)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to identity events: %w", err)
		}
		w.unsubscribe = unsubscribe
	}

	return w, nil
}

// ID returns the session id
func (w *Workflow) ID() string {
	return w.id
}

// GateID returns the id of the gate this session checks against
func (w *Workflow) GateID() string {
	return w.gate.Config.ID
}

// State returns the current state
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastError returns the error of the most recent failed step, if any
func (w *Workflow) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastErr == nil {
		return nil
	}
	return w.lastErr
}

// LastActivity returns when the session last changed
func (w *Workflow) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updatedAt
}

// transition must be called with mu held
func (w *Workflow) transition(next State) {
	w.state = next
	w.gen++
	w.updatedAt = w.now()
}

// fail records err as the last error; must be called with mu held
func (w *Workflow) fail(err *gateerrors.CategorizedError) error {
	w.lastErr = err
	w.updatedAt = w.now()
	return err
}

// begin checks that no operation is in flight and the session is alive;
// must be called with mu held
func (w *Workflow) begin() error {
	if w.ended {
		return gateerrors.NewSessionNotFoundError(w.id)
	}
	if op, busy := inFlight(w.state); busy {
		return gateerrors.NewOperationInProgressError(op)
	}
	return nil
}

// superseded is returned when a wallet event replaced the state an operation was working on
func (w *Workflow) superseded(operation string) error {
	return gateerrors.NewInvalidStateError(string(w.state.Phase()),
		fmt.Sprintf("session changed while %s was in progress", operation))
}

func (w *Workflow) timeoutFor(kind wallet.Kind) time.Duration {
	if kind == wallet.KindRemote {
		return w.deps.ConnectTimeout
	}
	return w.deps.RequestTimeout
}

func (w *Workflow) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func connectError(err error) *gateerrors.CategorizedError {
	if wallet.IsUserError(err) {
		return gateerrors.NewConnectionRejectedError(err.Error())
	}
	return gateerrors.NewConnectionError(fmt.Sprintf("failed to connect wallet: %v", err), err)
}

// Connect establishes a wallet connection through the named connector. On
// failure the previous state is restored.
func (w *Workflow) Connect(ctx context.Context, kind wallet.Kind, req wallet.ConnectRequest) error {
	connector, ok := w.deps.Connectors[kind]
	if !ok {
		return gateerrors.NewInvalidParameterError("connector", fmt.Sprintf("unsupported connector %q", kind))
	}

	w.mu.Lock()
	if err := w.begin(); err != nil {
		w.mu.Unlock()
		return err
	}
	previous := w.state
	w.lastErr = nil
	w.transition(Connecting{Connector: kind})
	gen := w.gen
	w.mu.Unlock()

	callCtx, cancel := w.withTimeout(ctx, w.timeoutFor(kind))
	conn, err := connector.Connect(callCtx, w.id, req)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.gen != gen {
		return w.superseded("wallet connection")
	}
	if err != nil {
		w.transition(previous)
		w.log.WithError(err).WithField("connector", string(kind)).Warn("Wallet connection failed")
		return w.fail(connectError(err))
	}

	w.transition(Connected{Wallet: WalletSession{
		Address:   conn.Address,
		ChainID:   conn.ChainID,
		Connector: conn.Connector,
		Topic:     conn.Topic,
	}})
	w.log.WithFields(map[string]interface{}{
		"address":   conn.Address.Hex(),
		"chain_id":  conn.ChainID.String(),
		"connector": string(conn.Connector),
	}).Info("Wallet connected")
	return nil
}

// EnsureChain asks the wallet to move to the gate's chain when it is elsewhere.
// The injected connector cannot switch on its own; the returned Manual payload
// must be executed by the client and confirmed with a chainChanged event.
func (w *Workflow) EnsureChain(ctx context.Context) (*ChainSwitch, error) {
	chain := w.gate.Config.Chain
	required := chain.ChainID

	w.mu.Lock()
	if err := w.begin(); err != nil {
		w.mu.Unlock()
		return nil, err
	}

	previous := w.state
	session, ok := walletOf(previous)
	if !ok {
		w.mu.Unlock()
		return nil, gateerrors.NewInvalidStateError(string(previous.Phase()), "Please connect your wallet first")
	}
	if session.ChainID == required {
		if c, pending := previous.(Connected); pending && c.PendingSwitch != nil {
			w.transition(Connected{Wallet: session})
		}
		w.mu.Unlock()
		return &ChainSwitch{RequiredChainID: required, Switched: true}, nil
	}
	if _, revealed := previous.(LinkRevealed); revealed {
		w.mu.Unlock()
		return nil, gateerrors.NewInvalidStateError(string(previous.Phase()), "invite link already revealed")
	}

	connector, ok := w.deps.Connectors[session.Connector]
	if !ok {
		w.mu.Unlock()
		return nil, gateerrors.NewInternalError("connector not available", fmt.Errorf("connector %q", session.Connector))
	}
	w.lastErr = nil
	w.transition(ValidatingChain{Wallet: session})
	gen := w.gen
	w.mu.Unlock()

	callCtx, cancel := w.withTimeout(ctx, w.timeoutFor(session.Connector))
	res, err := connector.SwitchChain(callCtx, session.connection(), chain)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.gen != gen {
		// A chainChanged event may have reported the switch first
		if c, ok := w.state.(Connected); ok && c.Wallet.ChainID == required {
			return &ChainSwitch{RequiredChainID: required, Switched: true}, nil
		}
		return nil, w.superseded("chain switch")
	}
	if err != nil {
		w.log.WithError(err).Warn("Chain switch failed")
		if errors.Is(err, wallet.ErrPairingNotFound) {
			w.transition(Idle{})
			return nil, w.fail(gateerrors.NewConnectionRejectedError("Wallet pairing expired, please reconnect your wallet"))
		}
		w.transition(previous)
		if wallet.IsUserError(err) {
			return nil, w.fail(w.chainMismatch(session.ChainID))
		}
		return nil, w.fail(gateerrors.NewConnectionError(fmt.Sprintf("failed to switch network: %v", err), err))
	}

	if res.Manual != nil {
		w.transition(Connected{Wallet: session, PendingSwitch: res.Manual})
		return &ChainSwitch{RequiredChainID: required, Manual: res.Manual}, nil
	}

	session.ChainID = res.ChainID
	w.transition(Connected{Wallet: session})
	if res.ChainID != required {
		return nil, w.fail(w.chainMismatch(res.ChainID))
	}
	w.log.WithField("chain_id", required.String()).Info("Wallet switched network")
	return &ChainSwitch{RequiredChainID: required, Switched: true}, nil
}

func (w *Workflow) chainMismatch(current types.ChainID) *gateerrors.CategorizedError {
	e := gateerrors.NewChainMismatchError(current, w.gate.Config.RequiredChainID())
	if name := w.gate.Config.Chain.Name; name != "" {
		e.Message = fmt.Sprintf("Please switch to %s network first", name)
	}
	return e
}

// CheckEligibility reads the wallet's balance on the gate contract, compares it
// with the threshold and, when eligible, fetches an invite link. Re-running it
// replaces the previous result and link.
func (w *Workflow) CheckEligibility(ctx context.Context) (*EligibilityResult, error) {
	gate := w.gate.Config

	w.mu.Lock()
	if err := w.begin(); err != nil {
		w.mu.Unlock()
		return nil, err
	}

	previous := w.state
	session, ok := walletOf(previous)
	switch {
	case !ok:
		w.mu.Unlock()
		return nil, gateerrors.NewInvalidStateError(string(previous.Phase()), "Please connect your wallet first")
	case previous.Phase() == PhaseLinkRevealed:
		w.mu.Unlock()
		return nil, gateerrors.NewInvalidStateError(string(previous.Phase()), "invite link already revealed")
	case session.ChainID != gate.RequiredChainID():
		err := w.fail(w.chainMismatch(session.ChainID))
		w.mu.Unlock()
		return nil, err
	}

	w.lastErr = nil
	w.transition(CheckingBalance{Wallet: session})
	gen := w.gen
	w.mu.Unlock()

	readCtx, cancel := w.withTimeout(ctx, w.deps.RequestTimeout)
	balance, err := w.gate.Reader.BalanceOf(readCtx, gate.Contract, session.Address)
	cancel()

	if err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.gen != gen {
			return nil, w.superseded("eligibility check")
		}
		w.transition(previous)
		readErr := gateerrors.NewReadError(err)
		w.record(ctx, session, nil, false, readErr.Code)
		w.log.WithError(err).WithField("address", session.Address.Hex()).Warn("Balance read failed")
		return nil, w.fail(readErr)
	}

	result := EligibilityResult{
		Eligible:  gate.Threshold.Met(balance),
		Address:   session.Address,
		Balance:   balance,
		Threshold: gate.Threshold,
		CheckedAt: w.now(),
	}

	var (
		link      *adapter.InviteLink
		issuerErr error
	)
	if result.Eligible {
		link, issuerErr = w.fetchInviteLink(ctx)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.gen != gen {
		return nil, w.superseded("eligibility check")
	}

	w.record(ctx, session, balance, result.Eligible, "")
	w.log.WithFields(map[string]interface{}{
		"address":  session.Address.Hex(),
		"balance":  balance.String(),
		"eligible": result.Eligible,
	}).Info("Eligibility checked")

	if !result.Eligible {
		w.transition(Ineligible{Wallet: session, Result: result})
		return &result, nil
	}

	w.transition(Eligible{Wallet: session, Result: result, link: link})
	if issuerErr != nil {
		w.log.WithError(issuerErr).Warn("Invite link request failed")
		return &result, w.fail(gateerrors.NewIssuerError(fmt.Sprintf("failed to fetch invite link: %v", issuerErr), issuerErr))
	}
	return &result, nil
}

// fetchInviteLink makes exactly one request to the gate's link issuer
func (w *Workflow) fetchInviteLink(ctx context.Context) (*adapter.InviteLink, error) {
	issueCtx, cancel := w.withTimeout(ctx, w.deps.RequestTimeout)
	defer cancel()
	return w.gate.Issuer.IssueLink(issueCtx)
}

// record must be called with mu held
func (w *Workflow) record(ctx context.Context, session WalletSession, balance *big.Int, eligible bool, errorCode string) {
	if w.deps.Audit == nil {
		return
	}
	check := models.EligibilityCheck{
		SessionID: w.id,
		Gate:      w.gate.Config.ID,
		Address:   session.Address.Hex(),
		ChainID:   uint64(session.ChainID),
		Threshold: w.gate.Config.Threshold.Raw.String(),
		Mode:      string(w.gate.Config.Threshold.Mode),
		Eligible:  eligible,
		ErrorCode: errorCode,
		CheckedAt: w.now(),
	}
	if balance != nil {
		check.Balance = balance.String()
	}
	w.deps.Audit.Record(ctx, check)
}

// SubmitIdentity records the link between the wallet and the Telegram account
// and reveals the invite link. It does nothing until a Telegram username has
// been obtained.
func (w *Workflow) SubmitIdentity(ctx context.Context) error {
	w.mu.Lock()
	if w.identity == nil || strings.TrimSpace(w.identity.Username) == "" {
		w.mu.Unlock()
		return nil
	}
	if err := w.begin(); err != nil {
		w.mu.Unlock()
		return err
	}

	var (
		session WalletSession
		result  EligibilityResult
		link    *adapter.InviteLink
	)
	previous := w.state
	switch st := previous.(type) {
	case Eligible:
		if st.link == nil {
			err := w.fail(gateerrors.NewIssuerError("invite link is not available, check eligibility again", nil))
			w.mu.Unlock()
			return err
		}
		session, result, link = st.Wallet, st.Result, st.link
	case LinkRevealed:
		revealed := st.Link
		session, result, link = st.Wallet, st.Result, &revealed
	case Ineligible:
		w.mu.Unlock()
		return gateerrors.NewInvalidStateError(string(previous.Phase()), w.gate.Config.IneligibleMessage)
	case Connected:
		w.mu.Unlock()
		return gateerrors.NewInvalidStateError(string(previous.Phase()), "Please check your eligibility first")
	default:
		w.mu.Unlock()
		return gateerrors.NewInvalidStateError(string(previous.Phase()), "Please connect your wallet first")
	}

	claim := models.IdentityClaim{
		Gate:             w.gate.Config.ID,
		WalletAddress:    session.Address.Hex(),
		TelegramUsername: w.identity.Username,
		TelegramUserID:   w.identity.ID,
		Timestamp:        w.now().UTC(),
	}
	w.lastErr = nil
	w.transition(SubmittingIdentity{Wallet: session, Result: result, link: link})
	gen := w.gen
	w.mu.Unlock()

	saveCtx, cancel := w.withTimeout(ctx, w.deps.RequestTimeout)
	err := w.deps.Store.SaveClaim(saveCtx, &claim)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.gen != gen {
		return w.superseded("identity submission")
	}
	if err != nil {
		w.transition(previous)
		w.log.WithError(err).Error("Failed to save identity claim")
		return w.fail(gateerrors.NewPersistenceError(err))
	}

	w.transition(LinkRevealed{Wallet: session, Result: result, Link: *link, Claim: claim})
	w.log.WithFields(map[string]interface{}{
		"address":  claim.WalletAddress,
		"telegram": claim.TelegramUsername,
	}).Info("Identity recorded, invite link revealed")
	return nil
}

// onIdentity handles identity events delivered by the bus
func (w *Workflow) onIdentity(event identity.Event) {
	if event.SessionID != w.id {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ended {
		return
	}
	id := event.Identity
	w.identity = &id
	w.updatedAt = w.now()
	w.log.WithFields(map[string]interface{}{
		"telegram": id.Username,
		"source":   id.Source,
	}).Info("Telegram identity obtained")
}

// HandleWalletEvent applies an event reported by the client's wallet provider.
// Events also apply while an operation is in flight; that operation's outcome
// is then discarded.
func (w *Workflow) HandleWalletEvent(ctx context.Context, event WalletEvent) error {
	switch event.Type {
	case EventDisconnect:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.ended {
			return gateerrors.NewSessionNotFoundError(w.id)
		}
		if w.state.Phase() != PhaseIdle {
			w.transition(Idle{})
			w.log.Info("Wallet disconnected")
		}
		return nil

	case EventChainChanged:
		chainID, err := types.ParseChainID(event.ChainID)
		if err != nil {
			return gateerrors.NewInvalidParameterError("chainId", err.Error())
		}
		return w.chainChanged(chainID)

	case EventAccountsChanged:
		return w.accountsChanged(ctx, event)

	default:
		return gateerrors.NewInvalidParameterError("type", fmt.Sprintf("unknown wallet event %q", event.Type))
	}
}

func (w *Workflow) chainChanged(chainID types.ChainID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ended {
		return gateerrors.NewSessionNotFoundError(w.id)
	}
	session, ok := walletOf(w.state)
	if !ok {
		return nil
	}

	switch st := w.state.(type) {
	case LinkRevealed:
		// The link is already out; only the recorded chain moves
		st.Wallet.ChainID = chainID
		w.transition(st)
		return nil
	case Connected:
		if session.ChainID == chainID && st.PendingSwitch == nil {
			return nil
		}
	default:
		if _, busy := inFlight(w.state); !busy && session.ChainID == chainID {
			return nil
		}
	}

	session.ChainID = chainID
	w.transition(Connected{Wallet: session})
	if chainID == w.gate.Config.RequiredChainID() {
		w.lastErr = nil
	}
	w.log.WithField("chain_id", chainID.String()).Info("Wallet changed network")
	return nil
}

func (w *Workflow) accountsChanged(ctx context.Context, event WalletEvent) error {
	w.mu.Lock()
	if w.ended {
		w.mu.Unlock()
		return gateerrors.NewSessionNotFoundError(w.id)
	}
	session, ok := walletOf(w.state)
	if !ok {
		w.mu.Unlock()
		return nil
	}
	if len(event.Accounts) == 0 {
		w.transition(Idle{})
		w.mu.Unlock()
		w.log.Info("Wallet reported no accounts")
		return nil
	}

	raw := event.Accounts[0]
	if !common.IsHexAddress(raw) {
		w.mu.Unlock()
		return gateerrors.NewInvalidAddressError(raw)
	}
	account := common.HexToAddress(raw)
	if account == session.Address {
		w.mu.Unlock()
		return nil
	}

	connector, ok := w.deps.Connectors[session.Connector]
	if event.Proof == nil || !ok {
		w.transition(Idle{})
		err := w.fail(gateerrors.NewConnectionRejectedError("Wallet account changed, please reconnect your wallet"))
		w.mu.Unlock()
		return err
	}
	gen := w.gen
	w.mu.Unlock()

	req := *event.Proof
	req.Address = account.Hex()
	if req.ChainID == 0 {
		req.ChainID = session.ChainID
	}

	callCtx, cancel := w.withTimeout(ctx, w.timeoutFor(session.Connector))
	conn, err := connector.Connect(callCtx, w.id, req)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.gen != gen {
		return w.superseded("account change")
	}
	if err == nil && conn.Address != account {
		err = wallet.ErrInvalidSignature
	}
	if err != nil {
		w.transition(Idle{})
		return w.fail(connectError(err))
	}

	w.transition(Connected{Wallet: WalletSession{
		Address:   conn.Address,
		ChainID:   conn.ChainID,
		Connector: conn.Connector,
		Topic:     conn.Topic,
	}})
	w.lastErr = nil
	w.log.WithField("address", conn.Address.Hex()).Info("Wallet account changed")
	return nil
}

// End stops identity delivery and resets the session. Further operations fail.
func (w *Workflow) End() {
	w.mu.Lock()
	if w.ended {
		w.mu.Unlock()
		return
	}
	w.ended = true
	w.transition(Idle{})
	w.identity = nil
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	w.mu.Unlock()

	// The bus may wait for its delivery goroutine, which needs mu
	if unsubscribe != nil {
		unsubscribe()
	}
	w.log.Debug("Session ended")
}
