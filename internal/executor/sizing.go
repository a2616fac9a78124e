package executor

import (
	"math/big"

	"polycopy/internal/config"
	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

// sizeResult carries the computed target notional plus the clamp markers
// used for decision logging.
type sizeResult struct {
	TargetNotional *big.Int
	Skip           types.ReasonCode // empty when the trade survived sizing

	RateClampedMin    bool
	RateClampedMax    bool
	ClampedByBankroll bool
	ClampedToMax      bool
	BelowMin          bool
	BudgetCapped      bool
}

// computeTarget derives the raw copy notional for a group and applies the
// trade-level clamps. leaderExposure is the leader's mirrored (shadow)
// exposure, consulted only in budgeted-dynamic mode.
func computeTarget(g types.TradeEventGroup, sz config.Sizing, equity, leaderExposure *big.Int) sizeResult {
	var res sizeResult

	switch {
	case g.SourceType == types.SourceBuffer:
		// The buffer already accumulated the intended notional.
		res.TargetNotional = micros.Clone(g.TotalNotionalMicros)
	case sz.Mode == config.SizingBudgetedDynamic && sz.BudgetedDynamicEnabled:
		res.TargetNotional = budgetedTarget(g.TotalNotionalMicros, sz, leaderExposure, &res)
	default:
		res.TargetNotional = micros.MulBps(g.TotalNotionalMicros, sz.CopyPctNotionalBps)
	}

	// Bankroll clamp, then the absolute trade bounds.
	if sz.MaxTradeBankrollBps > 0 {
		cap := micros.MulBps(equity, sz.MaxTradeBankrollBps)
		if res.TargetNotional.Cmp(cap) > 0 {
			res.TargetNotional = cap
			res.ClampedByBankroll = true
		}
	}
	if sz.MaxTradeNotionalMicros > 0 {
		max := micros.New(sz.MaxTradeNotionalMicros)
		if res.TargetNotional.Cmp(max) > 0 {
			res.TargetNotional = max
			res.ClampedToMax = true
		}
	}
	if res.TargetNotional.Cmp(micros.New(sz.MinTradeNotionalMicros)) < 0 {
		res.BelowMin = true
		res.Skip = types.ReasonBelowMinTradeNotional
	}
	return res
}

// budgetedTarget sizes by the leader-budget rate r = clamp(B/E_L, rMin, rMax)
// expressed against the leader's live shadow exposure.
func budgetedTarget(totalNotional *big.Int, sz config.Sizing, leaderExposure *big.Int, res *sizeResult) *big.Int {
	rMinTarget := micros.MulBps(totalNotional, sz.BudgetRMinBps)
	rMaxTarget := micros.MulBps(totalNotional, sz.BudgetRMaxBps)

	if micros.IsZero(leaderExposure) || leaderExposure.Sign() <= 0 {
		res.RateClampedMax = true
		return rMaxTarget
	}

	// target = totalNotional * B / E_L, then clamped into [rMin, rMax].
	target := new(big.Int).Mul(totalNotional, micros.New(sz.BudgetUsdcMicros))
	target.Quo(target, leaderExposure)

	if target.Cmp(rMinTarget) < 0 {
		res.RateClampedMin = true
		return rMinTarget
	}
	if target.Cmp(rMaxTarget) > 0 {
		res.RateClampedMax = true
		return rMaxTarget
	}
	return target
}

// enforceBudget applies HARD budget-cap enforcement for budgeted-dynamic
// sizing. currentExposure is the exec exposure already attributed to the
// leader in this scope. Reducing trades bypass the budget entirely.
func enforceBudget(target *big.Int, sz config.Sizing, currentExposure *big.Int, reducing bool, res *sizeResult) (*big.Int, types.ReasonCode) {
	if sz.Mode != config.SizingBudgetedDynamic || !sz.BudgetedDynamicEnabled ||
		sz.BudgetEnforcement != config.BudgetHard || reducing {
		return target, ""
	}

	headroom := micros.Sub(micros.New(sz.BudgetUsdcMicros), currentExposure)
	if headroom.Sign() <= 0 {
		return target, types.ReasonBudgetHardCapExceeded
	}
	if target.Cmp(headroom) > 0 {
		if headroom.Cmp(micros.New(sz.MinTradeNotionalMicros)) < 0 {
			return target, types.ReasonBudgetHardCapExceeded
		}
		res.BudgetCapped = true
		return headroom, ""
	}
	return target, ""
}
