package types

import (
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var wei = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Property: around any scaled threshold T, T-1 is rejected and T, T+1 are admitted
func TestThresholdBoundaryProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("gte admits T and T+1 but not T-1", prop.ForAll(
		func(tokens uint64) bool {
			raw := new(big.Int).Mul(new(big.Int).SetUint64(tokens), wei)
			th := Threshold{Raw: raw, Mode: ComparisonGTE}

			below := new(big.Int).Sub(raw, big.NewInt(1))
			above := new(big.Int).Add(raw, big.NewInt(1))

			return !th.Met(below) && th.Met(raw) && th.Met(above)
		},
		gen.UInt64Range(1, 1<<62),
	))

	properties.Property("gt zero admits exactly positive balances", prop.ForAll(
		func(balance uint64) bool {
			th := Threshold{Raw: big.NewInt(0), Mode: ComparisonGT}
			return th.Met(new(big.Int).SetUint64(balance)) == (balance > 0)
		},
		gen.UInt64(),
	))

	properties.Property("scaling is exact for whole token amounts", prop.ForAll(
		func(tokens uint64) bool {
			raw, err := ParseUnits(new(big.Int).SetUint64(tokens).String(), 18)
			if err != nil {
				return false
			}
			want := new(big.Int).Mul(new(big.Int).SetUint64(tokens), wei)
			return raw.Cmp(want) == 0
		},
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
