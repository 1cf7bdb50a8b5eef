package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-gate/internal/adapter"
	"github.com/token-gate/internal/config"
	gateerrors "github.com/token-gate/internal/errors"
	"github.com/token-gate/internal/identity"
	"github.com/token-gate/internal/models"
	"github.com/token-gate/internal/types"
	"github.com/token-gate/internal/wallet"
)

const (
	testAccount  = "0x00000000000000000000000000000000000000Aa"
	otherAccount = "0x00000000000000000000000000000000000000Bb"
	testLink     = "https://t.me/+invite123"
)

var meldChainID = types.ChainID(333000333)

// Mock collaborators for testing

type mockConnector struct {
	kind        wallet.Kind
	connect     func(ctx context.Context, req wallet.ConnectRequest) (*wallet.Connection, error)
	switchChain func(ctx context.Context, conn *wallet.Connection, chain types.ChainParams) (*wallet.SwitchResult, error)
}

func (m *mockConnector) Kind() wallet.Kind { return m.kind }

func (m *mockConnector) Connect(ctx context.Context, _ string, req wallet.ConnectRequest) (*wallet.Connection, error) {
	if m.connect != nil {
		return m.connect(ctx, req)
	}
	return &wallet.Connection{
		Address:   common.HexToAddress(req.Address),
		ChainID:   req.ChainID,
		Connector: m.kind,
	}, nil
}

func (m *mockConnector) SwitchChain(ctx context.Context, conn *wallet.Connection, chain types.ChainParams) (*wallet.SwitchResult, error) {
	if m.switchChain != nil {
		return m.switchChain(ctx, conn, chain)
	}
	p := chain.AddChainParameter()
	return &wallet.SwitchResult{ChainID: conn.ChainID, Manual: &p}, nil
}

// blocker lets a test hold a mock call open until it is released
type blocker struct {
	started chan struct{}
	release chan struct{}
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *blocker) wait(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.started <- struct{}{}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mockReader struct {
	mu      sync.Mutex
	balance *big.Int
	err     error
	block   *blocker
	calls   atomic.Int32
}

func (m *mockReader) BalanceOf(ctx context.Context, contract, owner common.Address) (*big.Int, error) {
	m.calls.Add(1)
	if err := m.block.wait(ctx); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return new(big.Int).Set(m.balance), nil
}

func (m *mockReader) set(balance *big.Int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance, m.err = balance, err
}

type mockIssuer struct {
	mu    sync.Mutex
	url   string
	err   error
	calls atomic.Int32
}

func (m *mockIssuer) IssueLink(ctx context.Context) (*adapter.InviteLink, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &adapter.InviteLink{URL: m.url}, nil
}

func (m *mockIssuer) set(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.url, m.err = url, err
}

type mockStore struct {
	mu     sync.Mutex
	claims []models.IdentityClaim
	err    error
	block  *blocker
}

func (m *mockStore) SaveClaim(ctx context.Context, claim *models.IdentityClaim) error {
	if err := m.block.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.claims = append(m.claims, *claim)
	return nil
}

func (m *mockStore) saved() []models.IdentityClaim {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.IdentityClaim(nil), m.claims...)
}

type mockAudit struct {
	mu     sync.Mutex
	checks []models.EligibilityCheck
}

func (m *mockAudit) Record(_ context.Context, check models.EligibilityCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check)
}

type fixture struct {
	gate     *config.GateConfig
	reader   *mockReader
	issuer   *mockIssuer
	store    *mockStore
	audit    *mockAudit
	bus      *identity.MemoryBus
	injected *mockConnector
	remote   *mockConnector
	deps     Dependencies
}

func newFixture(gateID string) *fixture {
	gate := config.Presets()[gateID]
	f := &fixture{
		gate:     &gate,
		reader:   &mockReader{balance: big.NewInt(0)},
		issuer:   &mockIssuer{url: testLink},
		store:    &mockStore{},
		audit:    &mockAudit{},
		bus:      identity.NewMemoryBus(),
		injected: &mockConnector{kind: wallet.KindInjected},
		remote:   &mockConnector{kind: wallet.KindRemote},
	}
	f.deps = Dependencies{
		Connectors: map[wallet.Kind]wallet.Connector{
			wallet.KindInjected: f.injected,
			wallet.KindRemote:   f.remote,
		},
		Store:          f.store,
		Audit:          f.audit,
		Bus:            f.bus,
		RequestTimeout: 2 * time.Second,
		ConnectTimeout: 2 * time.Second,
	}
	return f
}

func (f *fixture) runtime() GateRuntime {
	return GateRuntime{Config: f.gate, Reader: f.reader, Issuer: f.issuer}
}

func (f *fixture) workflow(t *testing.T) *Workflow {
	t.Helper()
	w, err := NewWorkflow(context.Background(), "session-1", f.runtime(), f.deps)
	require.NoError(t, err)
	t.Cleanup(w.End)
	return w
}

func (f *fixture) publishIdentity(t *testing.T, w *Workflow, username string) {
	t.Helper()
	require.NoError(t, f.bus.Publish(context.Background(), identity.Event{
		SessionID: w.ID(),
		Identity:  models.TelegramIdentity{ID: 42, Username: username, Source: identity.SourceWidget},
	}))
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func connectOnChain(t *testing.T, w *Workflow, chainID types.ChainID) {
	t.Helper()
	require.NoError(t, w.Connect(context.Background(), wallet.KindInjected, wallet.ConnectRequest{
		Address: testAccount,
		ChainID: chainID,
	}))
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	return gateerrors.Categorize(err).Code
}

func TestCheckEligibility_TokenThresholdBoundary(t *testing.T) {
	threshold := tokens(5_000_000)

	tests := []struct {
		name     string
		balance  *big.Int
		eligible bool
	}{
		{name: "one raw unit below", balance: new(big.Int).Sub(threshold, big.NewInt(1)), eligible: false},
		{name: "4999999 tokens", balance: tokens(4_999_999), eligible: false},
		{name: "exactly 5000000 tokens", balance: threshold, eligible: true},
		{name: "one raw unit above", balance: new(big.Int).Add(threshold, big.NewInt(1)), eligible: true},
		{name: "zero", balance: big.NewInt(0), eligible: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("meld-token")
			f.reader.set(tt.balance, nil)
			w := f.workflow(t)
			connectOnChain(t, w, meldChainID)

			result, err := w.CheckEligibility(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.eligible, result.Eligible)
			assert.Equal(t, 0, result.Balance.Cmp(tt.balance))

			snap := w.Snapshot()
			if tt.eligible {
				assert.Equal(t, PhaseEligible, snap.Phase)
				assert.Equal(t, int32(1), f.issuer.calls.Load())
			} else {
				assert.Equal(t, PhaseIneligible, snap.Phase)
				assert.Equal(t, int32(0), f.issuer.calls.Load(), "no invite link is requested for ineligible wallets")
				assert.Equal(t, "You are not eligible. Minimum requirement: 5,000,000 MELD tokens", snap.Eligibility.Message)
			}
			assert.Empty(t, snap.InviteLink)
		})
	}
}

func TestCheckEligibility_HoldingGate(t *testing.T) {
	for balance, eligible := range map[int64]bool{0: false, 1: true, 7: true} {
		t.Run(fmt.Sprintf("balance %d", balance), func(t *testing.T) {
			f := newFixture("meld-nft")
			f.reader.set(big.NewInt(balance), nil)
			w := f.workflow(t)
			connectOnChain(t, w, meldChainID)

			result, err := w.CheckEligibility(context.Background())
			require.NoError(t, err)
			assert.Equal(t, eligible, result.Eligible)
		})
	}
}

func TestCheckEligibility_RequiresWallet(t *testing.T) {
	f := newFixture("meld-token")
	w := f.workflow(t)

	_, err := w.CheckEligibility(context.Background())
	require.Error(t, err)
	assert.Equal(t, gateerrors.CodeInvalidState, errorCode(err))
	assert.Contains(t, err.Error(), "Please connect your wallet first")
	assert.Equal(t, int32(0), f.reader.calls.Load())
}

func TestCheckEligibility_WrongChainBlocksCheck(t *testing.T) {
	f := newFixture("meld-token")
	f.reader.set(tokens(6_000_000), nil)
	w := f.workflow(t)
	connectOnChain(t, w, 1)

	snap := w.Snapshot()
	assert.False(t, snap.ChainMatches)
	assert.False(t, snap.CanCheck)

	_, err := w.CheckEligibility(context.Background())
	require.Error(t, err)
	assert.Equal(t, gateerrors.CodeChainMismatch, errorCode(err))
	assert.Equal(t, http.StatusConflict, gateerrors.GetHTTPStatusCode(err))
	assert.Contains(t, err.Error(), "Please switch to Meld network first")
	assert.Equal(t, int32(0), f.reader.calls.Load(), "balance must not be read on the wrong chain")

	// Injected wallets receive the add-chain payload and confirm with chainChanged
	sw, err := w.EnsureChain(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sw.Manual)
	assert.False(t, sw.Switched)
	assert.Equal(t, "0x13d92e8d", sw.Manual.ChainID)
	assert.Equal(t, "gMELD", sw.Manual.NativeCurrency.Symbol)
	assert.Equal(t, sw.Manual, w.Snapshot().ChainSwitch)

	require.NoError(t, w.HandleWalletEvent(context.Background(), WalletEvent{Type: EventChainChanged, ChainID: "0x13d92e8d"}))
	snap = w.Snapshot()
	assert.Equal(t, PhaseConnected, snap.Phase)
	assert.True(t, snap.ChainMatches)
	assert.True(t, snap.CanCheck)
	assert.Nil(t, snap.ChainSwitch)
	assert.Nil(t, snap.Error)

	result, err := w.CheckEligibility(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Eligible)
}

func TestEnsureChain_RemoteSwitch(t *testing.T) {
	f := newFixture("meld-token")
	f.remote.connect = func(ctx context.Context, req wallet.ConnectRequest) (*wallet.Connection, error) {
		return &wallet.Connection{Address: common.HexToAddress(testAccount), ChainID: 1, Connector: wallet.KindRemote, Topic: req.Topic}, nil
	}
	var requested *wallet.Connection
	f.remote.switchChain = func(ctx context.Context, conn *wallet.Connection, chain types.ChainParams) (*wallet.SwitchResult, error) {
		requested = conn
		return &wallet.SwitchResult{Switched: true, ChainID: chain.ChainID}, nil
	}
	w := f.workflow(t)

	require.NoError(t, w.Connect(context.Background(), wallet.KindRemote, wallet.ConnectRequest{Topic: "topic1"}))
	sw, err := w.EnsureChain(context.Background())
	require.NoError(t, err)
	assert.True(t, sw.Switched)
	assert.Nil(t, sw.Manual)
	require.NotNil(t, requested)
	assert.Equal(t, "topic1", requested.Topic)

	snap := w.Snapshot()
	assert.Equal(t, PhaseConnected, snap.Phase)
	assert.True(t, snap.ChainMatches)

	// Already on the chain: nothing to do
	sw, err = w.EnsureChain(context.Background())
	require.NoError(t, err)
	assert.True(t, sw.Switched)
}

func TestEnsureChain_RejectedSwitch(t *testing.T) {
	f := newFixture("meld-token")
	f.remote.connect = func(ctx context.Context, req wallet.ConnectRequest) (*wallet.Connection, error) {
		return &wallet.Connection{Address: common.HexToAddress(testAccount), ChainID: 1, Connector: wallet.KindRemote}, nil
	}
	f.remote.switchChain = func(ctx context.Context, conn *wallet.Connection, chain types.ChainParams) (*wallet.SwitchResult, error) {
		return nil, wallet.ErrRejected
	}
	w := f.workflow(t)
	require.NoError(t, w.Connect(context.Background(), wallet.KindRemote, wallet.ConnectRequest{Topic: "t"}))

	_, err := w.EnsureChain(context.Background())
	assert.Equal(t, gateerrors.CodeChainMismatch, errorCode(err))
	assert.Equal(t, PhaseConnected, w.Snapshot().Phase)
}

func TestEnsureChain_ExpiredPairingAsksReconnect(t *testing.T) {
	f := newFixture("meld-token")
	f.remote.connect = func(ctx context.Context, req wallet.ConnectRequest) (*wallet.Connection, error) {
		return &wallet.Connection{Address: common.HexToAddress(testAccount), ChainID: 1, Connector: wallet.KindRemote, Topic: req.Topic}, nil
	}
	f.remote.switchChain = func(ctx context.Context, conn *wallet.Connection, chain types.ChainParams) (*wallet.SwitchResult, error) {
		return nil, fmt.Errorf("failed to save pairing: %w", wallet.ErrPairingNotFound)
	}
	w := f.workflow(t)
	require.NoError(t, w.Connect(context.Background(), wallet.KindRemote, wallet.ConnectRequest{Topic: "t"}))

	_, err := w.EnsureChain(context.Background())
	assert.Equal(t, gateerrors.CodeConnection, errorCode(err))
	assert.Contains(t, err.Error(), "reconnect")

	snap := w.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	require.NotNil(t, snap.Error)
	assert.Equal(t, gateerrors.CodeConnection, snap.Error.Code)
}

func TestCheckEligibility_LoadingFlagCleared(t *testing.T) {
	f := newFixture("meld-token")
	f.reader.block = newBlocker()
	f.reader.set(tokens(5_000_000), nil)
	w := f.workflow(t)
	connectOnChain(t, w, meldChainID)

	done := make(chan error, 1)
	go func() {
		_, err := w.CheckEligibility(context.Background())
		done <- err
	}()
	<-f.reader.block.started

	snap := w.Snapshot()
	assert.True(t, snap.Checking)
	assert.False(t, snap.CanCheck)

	// The check control is disabled while one is in flight
	_, err := w.CheckEligibility(context.Background())
	assert.Equal(t, gateerrors.CodeOperationInProgress, errorCode(err))
	assert.Equal(t, http.StatusConflict, gateerrors.GetHTTPStatusCode(err))
	err = w.Connect(context.Background(), wallet.KindInjected, wallet.ConnectRequest{Address: testAccount})
	assert.Equal(t, gateerrors.CodeOperationInProgress, errorCode(err))

	close(f.reader.block.release)
	require.NoError(t, <-done)
	snap = w.Snapshot()
	assert.False(t, snap.Checking)
	assert.True(t, snap.CanCheck)
	assert.Equal(t, PhaseEligible, snap.Phase)

	// Failure path clears it too and restores the previous state
	f.reader.block = nil
	f.reader.set(nil, errors.New("rpc unavailable"))
	_, err = w.CheckEligibility(context.Background())
	require.Error(t, err)
	assert.Equal(t, gateerrors.CodeRead, errorCode(err))

	snap = w.Snapshot()
	assert.False(t, snap.Checking)
	assert.Equal(t, PhaseEligible, snap.Phase)
	require.NotNil(t, snap.Error)
	assert.Equal(t, gateerrors.CodeRead, snap.Error.Code)
}

func TestCheckEligibility_ContractWithoutCode(t *testing.T) {
	f := newFixture("meld-nft")
	f.reader.set(nil, adapter.NewAdapterError(meldChainID, "BalanceOf", adapter.ErrNoCode, nil))
	w := f.workflow(t)
	connectOnChain(t, w, meldChainID)

	_, err := w.CheckEligibility(context.Background())
	require.Error(t, err)
	assert.Equal(t, gateerrors.CodeRead, errorCode(err))
	assert.Equal(t, PhaseConnected, w.Snapshot().Phase)
}

func TestCheckEligibility_ReadTimeout(t *testing.T) {
	f := newFixture("meld-token")
	f.reader.block = newBlocker()
	f.deps.RequestTimeout = 50 * time.Millisecond
	w := f.workflow(t)
	connectOnChain(t, w, meldChainID)

	_, err := w.CheckEligibility(context.Background())
	require.Error(t, err)
	assert.Equal(t, gateerrors.CodeRead, errorCode(err))
	assert.Equal(t, http.StatusGatewayTimeout, gateerrors.GetHTTPStatusCode(err))
	assert.Equal(t, PhaseConnected, w.Snapshot().Phase)
}

func TestCheckEligibility_IssuerFailure(t *testing.T) {
	f := newFixture("meld-token")
	f.reader.set(tokens(5_000_000), nil)
	f.issuer.set("", fmt.Errorf("%w: 500", adapter.ErrIssuerStatus))
	w := f.workflow(t)
	connectOnChain(t, w, meldChainID)
	f.publishIdentity(t, w, "alice")

	result, err := w.CheckEligibility(context.Background())
	require.Error(t, err)
	assert.Equal(t, gateerrors.CodeIssuer, errorCode(err))
	assert.True(t, result.Eligible)

	snap := w.Snapshot()
	assert.Equal(t, PhaseEligible, snap.Phase)
	assert.False(t, snap.CanSubmit)
	assert.Empty(t, snap.InviteLink)

	// Submitting without a link is refused
	err = w.SubmitIdentity(context.Background())
	assert.Equal(t, gateerrors.CodeIssuer, errorCode(err))
	assert.Empty(t, f.store.saved())

	// A re-check retries the issuer
	f.issuer.set(testLink, nil)
	_, err = w.CheckEligibility(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.issuer.calls.Load())
	assert.True(t, w.Snapshot().CanSubmit)

	require.NoError(t, w.SubmitIdentity(context.Background()))
	assert.Equal(t, testLink, w.Snapshot().InviteLink)
}

func TestSubmitIdentity_NoUsernameIsNoop(t *testing.T) {
	f := newFixture("meld-token")
	f.reader.set(tokens(5_000_000), nil)
	w := f.workflow(t)
	connectOnChain(t, w, meldChainID)
	_, err := w.CheckEligibility(context.Background())
	require.NoError(t, err)

	assert.NoError(t, w.SubmitIdentity(context.Background()))

	// A Telegram account without a username does not count either
	f.publishIdentity(t, w, "")
	assert.NoError(t, w.SubmitIdentity(context.Background()))

	assert.Empty(t, f.store.saved())
	snap := w.Snapshot()
	assert.Equal(t, PhaseEligible, snap.Phase)
	assert.False(t, snap.CanSubmit)
	assert.Empty(t, snap.InviteLink)
}

func TestSubmitIdentity_RevealAfterPersistence(t *testing.T) {
	f := newFixture("meld-token")
	f.reader.set(tokens(5_000_001), nil)
	f.store.block = newBlocker()
	w := f.workflow(t)
	connectOnChain(t, w, meldChainID)
	_, err := w.CheckEligibility(context.Background())
	require.NoError(t, err)
	f.publishIdentity(t, w, "alice")
	assert.True(t, w.Snapshot().CanSubmit)

	done := make(chan error, 1)
	go func() { done <- w.SubmitIdentity(context.Background()) }()
	<-f.store.block.started

	snap := w.Snapshot()
	assert.Equal(t, PhaseSubmittingIdentity, snap.Phase)
	assert.Empty(t, snap.InviteLink, "link must stay hidden until the claim is stored")

	err = w.SubmitIdentity(context.Background())
	assert.Equal(t, gateerrors.CodeOperationInProgress, errorCode(err))

	close(f.store.block.release)
	require.NoError(t, <-done)

	snap = w.Snapshot()
	assert.Equal(t, PhaseLinkRevealed, snap.Phase)
	assert.Equal(t, testLink, snap.InviteLink)

	claims := f.store.saved()
	require.Len(t, claims, 1)
	assert.Equal(t, common.HexToAddress(testAccount).Hex(), claims[0].WalletAddress)
	assert.Equal(t, "alice", claims[0].TelegramUsername)
	assert.Equal(t, int64(42), claims[0].TelegramUserID)
	assert.Equal(t, "meld-token", claims[0].Gate)
	assert.False(t, claims[0].Timestamp.IsZero())

	// Submissions are not deduplicated
	require.NoError(t, w.SubmitIdentity(context.Background()))
	assert.Len(t, f.store.saved(), 2)
	assert.Equal(t, PhaseLinkRevealed, w.Snapshot().Phase)
}

func TestSubmitIdentity_PersistenceFailure(t *testing.T) {
	f := newFixture("meld-token")
	f.reader.set(tokens(5_000_000), nil)
	f.store.err = errors.New("mongo unavailable")
	w := f.workflow(t)
	connectOnChain(t, w, meldChainID)
	_, err := w.CheckEligibility(context.Background())
	require.NoError(t, err)
	f.publishIdentity(t, w, "alice")

	err = w.SubmitIdentity(context.Background())
	require.Error(t, err)
	assert.Equal(t, gateerrors.CodePersistence, errorCode(err))

	snap := w.Snapshot()
	assert.Equal(t, PhaseEligible, snap.Phase)
	assert.Empty(t, snap.InviteLink)
	assert.True(t, snap.CanSubmit, "link is kept for a retry")

	f.store.mu.Lock()
	f.store.err = nil
	f.store.mu.Unlock()
	require.NoError(t, w.SubmitIdentity(context.Background()))
	assert.Equal(t, testLink, w.Snapshot().InviteLink)
	assert.Equal(t, int32(1), f.issuer.calls.Load())
}

func TestSubmitIdentity_RequiresEligibility(t *testing.T) {
	f := newFixture("meld-token")
	w := f.workflow(t)
	f.publishIdentity(t, w, "alice")

	err := w.SubmitIdentity(context.Background())
	assert.Equal(t, gateerrors.CodeInvalidState, errorCode(err))

	connectOnChain(t, w, meldChainID)
	_, err = w.CheckEligibility(context.Background())
	require.NoError(t, err)

	err = w.SubmitIdentity(context.Background())
	assert.Equal(t, gateerrors.CodeInvalidState, errorCode(err))
	assert.Empty(t, f.store.saved())
}

func TestConnect_Failures(t *testing.T) {
	f := newFixture("meld-token")
	w := f.workflow(t)

	f.injected.connect = func(ctx context.Context, req wallet.ConnectRequest) (*wallet.Connection, error) {
		return nil, wallet.ErrInvalidSignature
	}
	err := w.Connect(context.Background(), wallet.KindInjected, wallet.ConnectRequest{})
	require.Error(t, err)
	assert.Equal(t, gateerrors.CodeConnection, errorCode(err))
	assert.Equal(t, http.StatusBadRequest, gateerrors.GetHTTPStatusCode(err))
	assert.Equal(t, PhaseIdle, w.Snapshot().Phase)

	f.injected.connect = func(ctx context.Context, req wallet.ConnectRequest) (*wallet.Connection, error) {
		return nil, errors.New("relay unreachable")
	}
	err = w.Connect(context.Background(), wallet.KindInjected, wallet.ConnectRequest{})
	assert.Equal(t, http.StatusBadGateway, gateerrors.GetHTTPStatusCode(err))

	err = w.Connect(context.Background(), wallet.Kind("ledger"), wallet.ConnectRequest{})
	assert.Equal(t, "INVALID_PARAMETER", errorCode(err))
}

func TestConnect_FailureRestoresPreviousState(t *testing.T) {
	f := newFixture("meld-token")
	f.reader.set(tokens(1), nil)
	w := f.workflow(t)
	connectOnChain(t, w, meldChainID)
	_, err := w.CheckEligibility(context.Background())
	require.NoError(t, err)

	f.injected.connect = func(ctx context.Context, req wallet.ConnectRequest) (*wallet.Connection, error) {
		return nil, wallet.ErrRejected
	}
	require.Error(t, w.Connect(context.Background(), wallet.KindInjected, wallet.ConnectRequest{}))

	snap := w.Snapshot()
	assert.Equal(t, PhaseIneligible, snap.Phase)
	require.NotNil(t, snap.Error)
	assert.Equal(t, gateerrors.CodeConnection, snap.Error.Code)
}

func TestHandleWalletEvent(t *testing.T) {
	t.Run("chain change before reveal discards the result", func(t *testing.T) {
		f := newFixture("meld-token")
		f.reader.set(tokens(5_000_000), nil)
		w := f.workflow(t)
		connectOnChain(t, w, meldChainID)
		_, err := w.CheckEligibility(context.Background())
		require.NoError(t, err)

		require.NoError(t, w.HandleWalletEvent(context.Background(), WalletEvent{Type: EventChainChanged, ChainID: "0x1"}))
		snap := w.Snapshot()
		assert.Equal(t, PhaseConnected, snap.Phase)
		assert.Nil(t, snap.Eligibility)
		assert.False(t, snap.ChainMatches)
	})

	t.Run("chain change after reveal keeps the link", func(t *testing.T) {
		f := newFixture("meld-token")
		f.reader.set(tokens(5_000_000), nil)
		w := f.workflow(t)
		connectOnChain(t, w, meldChainID)
		_, err := w.CheckEligibility(context.Background())
		require.NoError(t, err)
		f.publishIdentity(t, w, "alice")
		require.NoError(t, w.SubmitIdentity(context.Background()))

		require.NoError(t, w.HandleWalletEvent(context.Background(), WalletEvent{Type: EventChainChanged, ChainID: "1"}))
		snap := w.Snapshot()
		assert.Equal(t, PhaseLinkRevealed, snap.Phase)
		assert.Equal(t, testLink, snap.InviteLink)
		assert.Equal(t, "0x1", snap.Wallet.ChainID)
	})

	t.Run("account change with proof reconnects", func(t *testing.T) {
		f := newFixture("meld-token")
		w := f.workflow(t)
		connectOnChain(t, w, meldChainID)

		err := w.HandleWalletEvent(context.Background(), WalletEvent{
			Type:     EventAccountsChanged,
			Accounts: []string{otherAccount},
			Proof:    &wallet.ConnectRequest{Nonce: "n", Signature: "0x01"},
		})
		require.NoError(t, err)
		snap := w.Snapshot()
		assert.Equal(t, PhaseConnected, snap.Phase)
		assert.Equal(t, common.HexToAddress(otherAccount).Hex(), snap.Wallet.Address)
		assert.Equal(t, meldChainID.Hex(), snap.Wallet.ChainID)
	})

	t.Run("account change without proof disconnects", func(t *testing.T) {
		f := newFixture("meld-token")
		w := f.workflow(t)
		connectOnChain(t, w, meldChainID)

		err := w.HandleWalletEvent(context.Background(), WalletEvent{Type: EventAccountsChanged, Accounts: []string{otherAccount}})
		assert.Equal(t, gateerrors.CodeConnection, errorCode(err))
		assert.Equal(t, PhaseIdle, w.Snapshot().Phase)
	})

	t.Run("same account is ignored", func(t *testing.T) {
		f := newFixture("meld-token")
		f.reader.set(tokens(1), nil)
		w := f.workflow(t)
		connectOnChain(t, w, meldChainID)
		_, err := w.CheckEligibility(context.Background())
		require.NoError(t, err)

		require.NoError(t, w.HandleWalletEvent(context.Background(), WalletEvent{Type: EventAccountsChanged, Accounts: []string{testAccount}}))
		assert.Equal(t, PhaseIneligible, w.Snapshot().Phase)
	})

	t.Run("empty account list disconnects", func(t *testing.T) {
		f := newFixture("meld-token")
		w := f.workflow(t)
		connectOnChain(t, w, meldChainID)

		require.NoError(t, w.HandleWalletEvent(context.Background(), WalletEvent{Type: EventAccountsChanged}))
		assert.Equal(t, PhaseIdle, w.Snapshot().Phase)
		assert.Nil(t, w.Snapshot().Wallet)
	})

	t.Run("disconnect", func(t *testing.T) {
		f := newFixture("meld-token")
		w := f.workflow(t)
		connectOnChain(t, w, meldChainID)

		require.NoError(t, w.HandleWalletEvent(context.Background(), WalletEvent{Type: EventDisconnect}))
		assert.Equal(t, PhaseIdle, w.Snapshot().Phase)
	})

	t.Run("invalid events", func(t *testing.T) {
		f := newFixture("meld-token")
		w := f.workflow(t)
		connectOnChain(t, w, meldChainID)

		err := w.HandleWalletEvent(context.Background(), WalletEvent{Type: EventChainChanged, ChainID: "meld"})
		assert.Equal(t, "INVALID_PARAMETER", errorCode(err))
		err = w.HandleWalletEvent(context.Background(), WalletEvent{Type: EventAccountsChanged, Accounts: []string{"0x123"}})
		assert.Equal(t, "INVALID_ADDRESS", errorCode(err))
		err = w.HandleWalletEvent(context.Background(), WalletEvent{Type: "message"})
		assert.Equal(t, "INVALID_PARAMETER", errorCode(err))
	})
}

func TestHandleWalletEvent_SupersedesInFlightCheck(t *testing.T) {
	f := newFixture("meld-token")
	f.reader.block = newBlocker()
	f.reader.set(tokens(5_000_000), nil)
	w := f.workflow(t)
	connectOnChain(t, w, meldChainID)

	done := make(chan error, 1)
	go func() {
		_, err := w.CheckEligibility(context.Background())
		done <- err
	}()
	<-f.reader.block.started

	require.NoError(t, w.HandleWalletEvent(context.Background(), WalletEvent{Type: EventDisconnect}))
	close(f.reader.block.release)

	err := <-done
	assert.Equal(t, gateerrors.CodeInvalidState, errorCode(err))
	snap := w.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Nil(t, snap.Eligibility)
	assert.Equal(t, int32(0), f.issuer.calls.Load())
}

func TestCheckEligibility_Audit(t *testing.T) {
	f := newFixture("meld-token")
	f.reader.set(tokens(4_999_999), nil)
	w := f.workflow(t)
	connectOnChain(t, w, meldChainID)

	_, err := w.CheckEligibility(context.Background())
	require.NoError(t, err)
	f.reader.set(nil, errors.New("boom"))
	_, err = w.CheckEligibility(context.Background())
	require.Error(t, err)

	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	require.Len(t, f.audit.checks, 2)
	assert.Equal(t, tokens(4_999_999).String(), f.audit.checks[0].Balance)
	assert.Equal(t, tokens(5_000_000).String(), f.audit.checks[0].Threshold)
	assert.Equal(t, "gte", f.audit.checks[0].Mode)
	assert.False(t, f.audit.checks[0].Eligible)
	assert.Equal(t, uint64(meldChainID), f.audit.checks[0].ChainID)
	assert.Equal(t, gateerrors.CodeRead, f.audit.checks[1].ErrorCode)
	assert.Empty(t, f.audit.checks[1].Balance)
}

func TestEnd(t *testing.T) {
	f := newFixture("meld-token")
	w := f.workflow(t)
	connectOnChain(t, w, meldChainID)

	w.End()
	w.End()

	f.publishIdentity(t, w, "alice")
	snap := w.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Nil(t, snap.Identity)

	_, err := w.CheckEligibility(context.Background())
	assert.Equal(t, "SESSION_NOT_FOUND", errorCode(err))
}

func TestIdentityEvents_ScopedToSession(t *testing.T) {
	f := newFixture("meld-token")
	w := f.workflow(t)

	require.NoError(t, f.bus.Publish(context.Background(), identity.Event{
		SessionID: "another-session",
		Identity:  models.TelegramIdentity{ID: 7, Username: "mallory"},
	}))
	assert.Nil(t, w.Snapshot().Identity)

	f.publishIdentity(t, w, "alice")
	require.NotNil(t, w.Snapshot().Identity)
	assert.Equal(t, "alice", w.Snapshot().Identity.Username)
}
