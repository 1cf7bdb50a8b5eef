// Package types provides common type definitions for the token gate service.
package types

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ChainID is the numeric EIP-155 identifier of an EVM network
type ChainID uint64

// Hex returns the 0x-prefixed form used by wallet_switchEthereumChain
func (c ChainID) Hex() string {
	return "0x" + strconv.FormatUint(uint64(c), 16)
}

func (c ChainID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseChainID accepts a decimal ("333000333") or hex ("0x13d92e8d") chain id
func ParseChainID(s string) (ChainID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty chain id")
	}

	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("chain id must be positive")
	}
	return ChainID(v), nil
}

// ComparisonMode selects how a balance is compared to a gate threshold
type ComparisonMode string

const (
	// ComparisonGTE admits balances greater than or equal to the threshold (token gate)
	ComparisonGTE ComparisonMode = "gte"
	// ComparisonGT admits balances strictly greater than the threshold (holding gate)
	ComparisonGT ComparisonMode = "gt"
)

// ParseComparisonMode parses "gte" or "gt"
func ParseComparisonMode(s string) (ComparisonMode, error) {
	switch ComparisonMode(strings.ToLower(strings.TrimSpace(s))) {
	case ComparisonGTE:
		return ComparisonGTE, nil
	case ComparisonGT:
		return ComparisonGT, nil
	default:
		return "", fmt.Errorf("unknown comparison mode %q (want gte or gt)", s)
	}
}

// Threshold is an exact raw-unit bound together with its comparison rule
type Threshold struct {
	Raw  *big.Int
	Mode ComparisonMode
}

// Met reports whether balance satisfies the threshold.
// A nil balance never satisfies it.
func (t Threshold) Met(balance *big.Int) bool {
	if balance == nil || t.Raw == nil {
		return false
	}
	cmp := balance.Cmp(t.Raw)
	switch t.Mode {
	case ComparisonGT:
		return cmp > 0
	default:
		return cmp >= 0
	}
}

func (t Threshold) String() string {
	raw := "0"
	if t.Raw != nil {
		raw = t.Raw.String()
	}
	if t.Mode == ComparisonGT {
		return "> " + raw
	}
	return ">= " + raw
}

// ConnectionStatus represents the wallet connection status
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// NativeCurrency describes a chain's gas token
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// ChainParams holds everything a wallet needs to add or switch to a network
type ChainParams struct {
	ChainID        ChainID
	Name           string
	NativeCurrency NativeCurrency
	RPCURLs        []string
	ExplorerURLs   []string
}

// AddEthereumChainParameter is the EIP-3085 wallet_addEthereumChain payload
type AddEthereumChainParameter struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

// AddChainParameter builds the wallet_addEthereumChain payload for these params
func (p ChainParams) AddChainParameter() AddEthereumChainParameter {
	return AddEthereumChainParameter{
		ChainID:           p.ChainID.Hex(),
		ChainName:         p.Name,
		NativeCurrency:    p.NativeCurrency,
		RPCURLs:           p.RPCURLs,
		BlockExplorerURLs: p.ExplorerURLs,
	}
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
