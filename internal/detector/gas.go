package detector

import (
	"strings"

	"github.com/shopspring/decimal"
)

// GasModel estimates the USD cost of moving value on and between chains.
type GasModel struct {
	BaseCost             map[string]decimal.Decimal
	Default              decimal.Decimal
	CrossChainMultiplier decimal.Decimal
}

// DefaultGasModel returns the stock per-chain cost table.
func DefaultGasModel() GasModel {
	return GasModel{
		BaseCost: map[string]decimal.Decimal{
			"ethereum": decimal.NewFromInt(15),
			"polygon":  decimal.RequireFromString("0.5"),
			"bsc":      decimal.NewFromInt(1),
			"arbitrum": decimal.NewFromInt(2),
			"optimism": decimal.NewFromInt(2),
		},
		Default:              decimal.NewFromInt(10),
		CrossChainMultiplier: decimal.NewFromInt(2),
	}
}

// ChainCost returns the base cost of one transaction on chain.
func (m GasModel) ChainCost(chain string) decimal.Decimal {
	if cost, ok := m.BaseCost[strings.ToLower(chain)]; ok {
		return cost
	}
	return m.Default
}

// Estimate prices a move from one chain to another. A move that stays on one
// chain pays that chain once; a cross-chain move pays both legs times the
// bridge multiplier.
func (m GasModel) Estimate(from, to string) decimal.Decimal {
	cost := m.ChainCost(from)
	if to == "" || strings.EqualFold(to, from) {
		return cost
	}
	cost = cost.Add(m.ChainCost(to))
	if m.CrossChainMultiplier.IsPositive() {
		cost = cost.Mul(m.CrossChainMultiplier)
	}
	return cost
}
