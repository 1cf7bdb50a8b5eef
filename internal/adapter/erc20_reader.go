package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/token-gate/internal/logging"
	"github.com/token-gate/internal/types"
)

// balanceOfABI is shared by ERC-20 and ERC-721
const balanceOfABI = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}]`

var parsedBalanceOfABI = mustParseABI(balanceOfABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid balanceOf ABI: %v", err))
	}
	return parsed
}

// contractCaller is the part of ethclient.Client the reader needs
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// BalanceReader reads balanceOf through an RPC pool. A rate-limited call
// fails and rotates the pool so the next call uses another endpoint.
type BalanceReader struct {
	chainID types.ChainID
	pool    *RPCPool
}

// NewBalanceReader creates a ChainReader over the given pool
func NewBalanceReader(chainID types.ChainID, pool *RPCPool) *BalanceReader {
	return &BalanceReader{chainID: chainID, pool: pool}
}

// BalanceOf calls balanceOf(owner) on contract at the latest block
func (r *BalanceReader) BalanceOf(ctx context.Context, contract, owner common.Address) (*big.Int, error) {
	details := map[string]interface{}{
		"contract": contract.Hex(),
		"owner":    owner.Hex(),
	}

	r.pool.TryResetToPrimary()
	balance, err := callBalanceOf(ctx, r.pool.GetClient(), contract, owner)
	if err == nil {
		return balance, nil
	}

	if IsRateLimitError(err) {
		details["endpoint"] = r.pool.GetCurrentIndex()
		if rotateErr := r.pool.OnRateLimited(ctx); rotateErr != nil {
			logging.FromContext(ctx).WithError(rotateErr).Warn("RPC pool exhausted")
		}
		err = fmt.Errorf("%w: %w", ErrProviderRateLimit, err)
	}
	return nil, NewAdapterError(r.chainID, "BalanceOf", err, details)
}

func callBalanceOf(ctx context.Context, caller contractCaller, contract, owner common.Address) (*big.Int, error) {
	data, err := parsedBalanceOfABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	result, err := caller.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, err
	}

	// An account without code returns an empty result
	if len(result) == 0 {
		return nil, ErrNoCode
	}

	out, err := parsedBalanceOfABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok || balance == nil {
		return nil, ErrMalformedResult
	}
	return balance, nil
}
