package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/token-gate/internal/types"
)

// Link issuer kinds
const (
	LinkIssuerHTTP     = "http"
	LinkIssuerTelegram = "telegram"
)

const (
	meldChainID     types.ChainID = 333000333
	meldRPCURL                    = "https://subnets.avax.network/meld/mainnet/rpc"
	meldExplorerURL               = "https://meldscan.io"
	meldLinkURL                   = "https://tokengate-8acc7ede28d5.herokuapp.com/generate-link"
)

// GatesConfig holds the enabled gates keyed by id
type GatesConfig struct {
	Enabled []string
	Gates   map[string]GateConfig
}

// Get returns the gate with the given id if it is enabled
func (g GatesConfig) Get(id string) (GateConfig, bool) {
	gate, ok := g.Gates[id]
	return gate, ok
}

// GateConfig describes one eligibility rule and how to redeem it
type GateConfig struct {
	ID                string
	Name              string
	Requirement       string
	IneligibleMessage string

	Contract  common.Address
	Decimals  int32
	Threshold types.Threshold
	// ThresholdDisplay is the human readable threshold, in token units
	ThresholdDisplay string

	Chain      types.ChainParams
	LinkIssuer LinkIssuerConfig
}

// RequiredChainID is the chain the wallet must be on before a balance check
func (g GateConfig) RequiredChainID() types.ChainID {
	return g.Chain.ChainID
}

// LinkIssuerConfig selects and configures the invite link source of a gate
type LinkIssuerConfig struct {
	Kind string
	URL  string

	ChatID      int64
	MemberLimit int
	ExpireAfter time.Duration
}

// Validate checks that a gate is complete enough to run a check
func (g GateConfig) Validate() error {
	if g.Contract == (common.Address{}) {
		return fmt.Errorf("contract address is not set")
	}
	if g.Chain.ChainID == 0 {
		return fmt.Errorf("chain id is not set")
	}
	if len(g.Chain.RPCURLs) == 0 {
		return fmt.Errorf("at least one RPC url is required")
	}
	for _, u := range g.Chain.RPCURLs {
		if !isHTTPURL(u) {
			return fmt.Errorf("invalid RPC url %q", u)
		}
	}
	if g.Threshold.Raw == nil || g.Threshold.Raw.Sign() < 0 {
		return fmt.Errorf("threshold must be a non-negative amount")
	}
	if _, err := types.ParseComparisonMode(string(g.Threshold.Mode)); err != nil {
		return err
	}

	switch g.LinkIssuer.Kind {
	case LinkIssuerHTTP:
		if !isHTTPURL(g.LinkIssuer.URL) {
			return fmt.Errorf("link issuer url %q is not a valid http url", g.LinkIssuer.URL)
		}
	case LinkIssuerTelegram:
		if g.LinkIssuer.ChatID == 0 {
			return fmt.Errorf("telegram link issuer requires a chat id")
		}
	default:
		return fmt.Errorf("unknown link issuer %q", g.LinkIssuer.Kind)
	}
	return nil
}

func meldChain() types.ChainParams {
	return types.ChainParams{
		ChainID: meldChainID,
		Name:    "Meld",
		NativeCurrency: types.NativeCurrency{
			Name:     "gMELD",
			Symbol:   "gMELD",
			Decimals: 18,
		},
		RPCURLs:      []string{meldRPCURL},
		ExplorerURLs: []string{meldExplorerURL},
	}
}

// Presets returns the built-in gates. Each call returns fresh values.
func Presets() map[string]GateConfig {
	tokenThreshold := new(big.Int).Mul(big.NewInt(5_000_000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

	return map[string]GateConfig{
		"meld-token": {
			ID:                "meld-token",
			Name:              "$MELD Token Checker",
			Requirement:       "You must hold at least 5,000,000 $MELD",
			IneligibleMessage: "You are not eligible. Minimum requirement: 5,000,000 MELD tokens",
			Contract:          common.HexToAddress("0x333000333528b1e38884a5d1EF13615B0C17a301"),
			Decimals:          18,
			Threshold:         types.Threshold{Raw: tokenThreshold, Mode: types.ComparisonGTE},
			ThresholdDisplay:  "5000000",
			Chain:             meldChain(),
			LinkIssuer:        LinkIssuerConfig{Kind: LinkIssuerHTTP, URL: meldLinkURL, MemberLimit: 1},
		},
		"meld-nft": {
			ID:                "meld-nft",
			Name:              "MELD NFT Checker",
			Requirement:       "You must hold a MELD NFT",
			IneligibleMessage: "You are not eligible.",
			Contract:          common.HexToAddress("0x333000Dca02578EfE421BE77FF0aCC0F947290f0"),
			Decimals:          0,
			Threshold:         types.Threshold{Raw: big.NewInt(0), Mode: types.ComparisonGT},
			ThresholdDisplay:  "0",
			Chain:             meldChain(),
			LinkIssuer:        LinkIssuerConfig{Kind: LinkIssuerHTTP, URL: meldLinkURL, MemberLimit: 1},
		},
	}
}

// gateEnvPrefix maps a gate id to its variable prefix: "meld-token" -> "MELD_TOKEN"
func gateEnvPrefix(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
}

// loadGateConfigs loads the enabled gates, starting from a preset when the id
// names one and applying <PREFIX>_* overrides on top
func loadGateConfigs() (GatesConfig, error) {
	presets := Presets()
	var enabled []string
	gates := make(map[string]GateConfig)

	for _, id := range getEnvAsList("GATES", []string{"meld-token", "meld-nft"}) {
		if _, dup := gates[id]; dup {
			continue
		}
		gate, err := loadGateConfig(id, presets[id])
		if err != nil {
			return GatesConfig{}, fmt.Errorf("gate %s: %w", id, err)
		}
		enabled = append(enabled, id)
		gates[id] = gate
	}

	return GatesConfig{
		Enabled: enabled,
		Gates:   gates,
	}, nil
}

func loadGateConfig(id string, gate GateConfig) (GateConfig, error) {
	prefix := gateEnvPrefix(id)

	gate.ID = id
	gate.Name = getEnv(prefix+"_NAME", defaultString(gate.Name, id))
	gate.Requirement = getEnv(prefix+"_REQUIREMENT", gate.Requirement)
	gate.IneligibleMessage = getEnv(prefix+"_INELIGIBLE_MESSAGE", defaultString(gate.IneligibleMessage, "You are not eligible."))

	if raw := getEnv(prefix+"_CONTRACT", ""); raw != "" {
		if !common.IsHexAddress(raw) {
			return gate, fmt.Errorf("%s_CONTRACT is not a valid address: %s", prefix, raw)
		}
		gate.Contract = common.HexToAddress(raw)
	}

	if raw := getEnv(prefix+"_CHAIN_ID", ""); raw != "" {
		chainID, err := types.ParseChainID(raw)
		if err != nil {
			return gate, fmt.Errorf("%s_CHAIN_ID: %w", prefix, err)
		}
		gate.Chain.ChainID = chainID
	}
	gate.Chain.Name = getEnv(prefix+"_CHAIN_NAME", gate.Chain.Name)
	gate.Chain.RPCURLs = getEnvAsList(prefix+"_RPC_URLS", gate.Chain.RPCURLs)
	gate.Chain.ExplorerURLs = getEnvAsList(prefix+"_EXPLORER_URLS", gate.Chain.ExplorerURLs)
	gate.Chain.NativeCurrency.Name = getEnv(prefix+"_NATIVE_NAME", gate.Chain.NativeCurrency.Name)
	gate.Chain.NativeCurrency.Symbol = getEnv(prefix+"_NATIVE_SYMBOL", gate.Chain.NativeCurrency.Symbol)
	gate.Chain.NativeCurrency.Decimals = getEnvAsInt(prefix+"_NATIVE_DECIMALS", defaultInt(gate.Chain.NativeCurrency.Decimals, 18))

	gate.Decimals = int32(getEnvAsInt(prefix+"_DECIMALS", int(gate.Decimals)))

	if raw := getEnv(prefix+"_COMPARISON", ""); raw != "" {
		mode, err := types.ParseComparisonMode(raw)
		if err != nil {
			return gate, fmt.Errorf("%s_COMPARISON: %w", prefix, err)
		}
		gate.Threshold.Mode = mode
	}
	if gate.Threshold.Mode == "" {
		gate.Threshold.Mode = types.ComparisonGTE
	}

	// A raw threshold wins over a token-unit one
	if raw := getEnv(prefix+"_THRESHOLD_RAW", ""); raw != "" {
		value, ok := new(big.Int).SetString(raw, 10)
		if !ok || value.Sign() < 0 {
			return gate, fmt.Errorf("%s_THRESHOLD_RAW is not a non-negative integer: %s", prefix, raw)
		}
		gate.Threshold.Raw = value
		gate.ThresholdDisplay = types.FormatUnits(value, gate.Decimals)
	} else if amount := getEnv(prefix+"_THRESHOLD", ""); amount != "" {
		value, err := types.ParseUnits(amount, gate.Decimals)
		if err != nil {
			return gate, fmt.Errorf("%s_THRESHOLD: %w", prefix, err)
		}
		gate.Threshold.Raw = value
		gate.ThresholdDisplay = types.FormatUnits(value, gate.Decimals)
	} else if gate.Threshold.Raw != nil {
		// Re-derive in case decimals were overridden
		gate.ThresholdDisplay = types.FormatUnits(gate.Threshold.Raw, gate.Decimals)
	}

	gate.LinkIssuer.Kind = strings.ToLower(getEnv(prefix+"_LINK_ISSUER", defaultString(gate.LinkIssuer.Kind, LinkIssuerHTTP)))
	gate.LinkIssuer.URL = getEnv(prefix+"_LINK_ISSUER_URL", gate.LinkIssuer.URL)
	gate.LinkIssuer.ChatID = getEnvAsInt64(prefix+"_TELEGRAM_CHAT_ID", gate.LinkIssuer.ChatID)
	gate.LinkIssuer.MemberLimit = getEnvAsInt(prefix+"_LINK_MEMBER_LIMIT", defaultInt(gate.LinkIssuer.MemberLimit, 1))
	gate.LinkIssuer.ExpireAfter = getEnvAsDuration(prefix+"_LINK_EXPIRE_AFTER", gate.LinkIssuer.ExpireAfter)

	return gate, nil
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func defaultInt(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	return value
}
