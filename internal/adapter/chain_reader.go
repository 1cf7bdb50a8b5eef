package adapter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/token-gate/internal/types"
)

// ChainReader reads token balances from a chain
type ChainReader interface {
	// BalanceOf returns owner's raw balance of the ERC-20 or ERC-721 contract.
	// The returned value is never nil when err is nil.
	BalanceOf(ctx context.Context, contract, owner common.Address) (*big.Int, error)
}

// Common error types for chain readers

var (
	// ErrInvalidAddress indicates the address format is invalid
	ErrInvalidAddress = fmt.Errorf("invalid address format")

	// ErrProviderRateLimit indicates the provider rate limit was exceeded
	ErrProviderRateLimit = fmt.Errorf("provider rate limit exceeded")

	// ErrMalformedResult indicates the contract returned data that does not decode as uint256
	ErrMalformedResult = fmt.Errorf("malformed balanceOf result")

	// ErrNoCode indicates the call returned no data, usually because the
	// contract address has no code on the endpoint's chain
	ErrNoCode = fmt.Errorf("balanceOf returned no data")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Chain   types.ChainID
	Op      string // Operation that failed (e.g., "BalanceOf")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain reader error [%s:%s]: %v (details: %+v)", e.Chain, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain reader error [%s:%s]: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chain types.ChainID, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Chain:   chain,
		Op:      op,
		Err:     err,
		Details: details,
	}
}
