package wallet

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-gate/internal/types"
)

func TestInjectedConnect(t *testing.T) {
	store := newMemoryStore()
	connector := NewInjectedConnector(store, time.Minute, "MELD Token Gate")
	w := newTestWallet(t)

	challenge, err := connector.IssueChallenge(testContext(t), "session-1")
	require.NoError(t, err)
	assert.Contains(t, challenge.Message, "Sign in to MELD Token Gate")
	assert.Contains(t, challenge.Message, challenge.Nonce)

	conn, err := connector.Connect(testContext(t), "session-1", ConnectRequest{
		Address:   w.address.Hex(),
		ChainID:   333000333,
		Nonce:     challenge.Nonce,
		Signature: w.personalSign(t, challenge.Message),
	})
	require.NoError(t, err)
	assert.Equal(t, w.address, conn.Address)
	assert.Equal(t, types.ChainID(333000333), conn.ChainID)
	assert.Equal(t, KindInjected, conn.Connector)
}

func TestInjectedChallengeIsSingleUse(t *testing.T) {
	store := newMemoryStore()
	connector := NewInjectedConnector(store, time.Minute, "gate")
	w := newTestWallet(t)

	challenge, err := connector.IssueChallenge(testContext(t), "s")
	require.NoError(t, err)

	req := ConnectRequest{
		Address:   w.address.Hex(),
		ChainID:   1,
		Nonce:     challenge.Nonce,
		Signature: w.personalSign(t, challenge.Message),
	}
	_, err = connector.Connect(testContext(t), "s", req)
	require.NoError(t, err)

	_, err = connector.Connect(testContext(t), "s", req)
	assert.True(t, errors.Is(err, ErrChallengeNotFound))
}

func TestInjectedConnectFailures(t *testing.T) {
	w := newTestWallet(t)
	other := newTestWallet(t)

	tests := []struct {
		name    string
		session string
		mutate  func(req *ConnectRequest)
		wantErr error
	}{
		{"wrong signer", "s", func(r *ConnectRequest) { r.Address = other.address.Hex() }, ErrInvalidSignature},
		{"other session", "s2", func(r *ConnectRequest) {}, ErrSessionMismatch},
		{"unknown nonce", "s", func(r *ConnectRequest) { r.Nonce = "nope" }, ErrChallengeNotFound},
		{"bad address", "s", func(r *ConnectRequest) { r.Address = "0x12" }, ErrInvalidRequest},
		{"missing chain", "s", func(r *ConnectRequest) { r.ChainID = 0 }, ErrInvalidRequest},
		{"missing signature", "s", func(r *ConnectRequest) { r.Signature = "" }, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connector := NewInjectedConnector(newMemoryStore(), time.Minute, "gate")
			challenge, err := connector.IssueChallenge(testContext(t), "s")
			require.NoError(t, err)

			req := ConnectRequest{
				Address:   w.address.Hex(),
				ChainID:   1,
				Nonce:     challenge.Nonce,
				Signature: w.personalSign(t, challenge.Message),
			}
			tt.mutate(&req)

			_, err = connector.Connect(testContext(t), tt.session, req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.True(t, IsUserError(err))
		})
	}
}

func TestInjectedChallengeExpiry(t *testing.T) {
	connector := NewInjectedConnector(newMemoryStore(), time.Minute, "gate")
	w := newTestWallet(t)

	challenge, err := connector.IssueChallenge(testContext(t), "s")
	require.NoError(t, err)

	connector.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = connector.Connect(testContext(t), "s", ConnectRequest{
		Address:   w.address.Hex(),
		ChainID:   1,
		Nonce:     challenge.Nonce,
		Signature: w.personalSign(t, challenge.Message),
	})
	assert.True(t, errors.Is(err, ErrChallengeNotFound))
}

func TestInjectedSwitchChainIsManual(t *testing.T) {
	connector := NewInjectedConnector(newMemoryStore(), time.Minute, "gate")
	chain := types.ChainParams{
		ChainID:        333000333,
		Name:           "Meld",
		NativeCurrency: types.NativeCurrency{Name: "gMELD", Symbol: "gMELD", Decimals: 18},
		RPCURLs:        []string{"https://subnets.avax.network/meld/mainnet/rpc"},
		ExplorerURLs:   []string{"https://meldscan.io"},
	}

	result, err := connector.SwitchChain(testContext(t), &Connection{ChainID: 1}, chain)
	require.NoError(t, err)
	assert.False(t, result.Switched)
	require.NotNil(t, result.Manual)
	assert.Equal(t, "0x13d92e8d", result.Manual.ChainID)
	assert.Equal(t, "gMELD", result.Manual.NativeCurrency.Symbol)
}
