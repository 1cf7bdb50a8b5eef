// Package main provides an operator CLI that checks wallets against a gate
// without going through a session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/token-gate/internal/adapter"
	"github.com/token-gate/internal/config"
	"github.com/token-gate/internal/types"
)

func main() {
	gateFlag := flag.String("gate", "meld-token", "Gate to check against")
	addrFlag := flag.String("address", "", "Comma separated wallet addresses to check")
	rpcFlag := flag.String("rpc", "", "RPC URL override (defaults to the gate's chain RPC)")
	timeout := flag.Duration("timeout", 10*time.Second, "Timeout per balance read")
	flag.Parse()

	if *addrFlag == "" {
		fmt.Println("Usage: gatecheck -gate meld-token -address 0x...[,0x...]")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	gate, ok := cfg.Gates.Get(*gateFlag)
	if !ok {
		fmt.Printf("Unknown or disabled gate: %s (enabled: %s)\n", *gateFlag, strings.Join(cfg.Gates.Enabled, ", "))
		os.Exit(1)
	}

	if *rpcFlag != "" {
		gate.Chain.RPCURLs = []string{*rpcFlag}
	}
	if err := gate.Validate(); err != nil {
		fmt.Printf("Gate %s is misconfigured: %v\n", gate.ID, err)
		os.Exit(1)
	}
	pool, err := adapter.NewRPCPool(&adapter.RPCPoolConfig{Endpoints: gate.Chain.RPCURLs})
	if err != nil {
		fmt.Printf("Error connecting to %s: %v\n", gate.Chain.Name, err)
		os.Exit(1)
	}
	defer pool.Close()

	reader := adapter.NewBalanceReader(gate.RequiredChainID(), pool)

	fmt.Printf("Gate: %s (%s)\n", gate.Name, gate.ID)
	fmt.Printf("Chain: %s (%s) over %d RPC endpoint(s), contract %s\n", gate.Chain.Name, gate.RequiredChainID().Hex(), pool.EndpointCount(), gate.Contract.Hex())
	fmt.Printf("Threshold: %s raw units (%s)\n\n", gate.Threshold.String(), gate.ThresholdDisplay)

	addresses := strings.Split(*addrFlag, ",")
	var eligible, ineligible, failed int

	for i, raw := range addresses {
		raw = strings.TrimSpace(raw)
		if !common.IsHexAddress(raw) {
			fmt.Printf("[%d/%d] %s - ERROR: invalid address\n", i+1, len(addresses), raw)
			failed++
			continue
		}
		owner := common.HexToAddress(raw)

		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		balance, err := reader.BalanceOf(ctx, gate.Contract, owner)
		cancel()

		if err != nil {
			fmt.Printf("[%d/%d] %s - ERROR via %s: %v\n", i+1, len(addresses), owner.Hex(), pool.GetCurrentURL(), err)
			failed++
			continue
		}

		display := types.FormatUnits(balance, gate.Decimals)
		if gate.Threshold.Met(balance) {
			fmt.Printf("[%d/%d] %s ELIGIBLE (balance %s)\n", i+1, len(addresses), owner.Hex(), display)
			eligible++
		} else {
			fmt.Printf("[%d/%d] %s NOT ELIGIBLE (balance %s)\n", i+1, len(addresses), owner.Hex(), display)
			ineligible++
		}
	}

	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Total: %d, Eligible: %d, Not eligible: %d, Failed: %d\n", len(addresses), eligible, ineligible, failed)

	if failed > 0 {
		os.Exit(2)
	}
}
