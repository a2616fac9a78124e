package executor

import (
	"math/big"

	"polycopy/internal/config"
	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

// guardrailInput bundles everything the checks read. All checks run and all
// violations are collected; the decision is EXECUTE iff none fired.
type guardrailInput struct {
	Scope     types.Scope
	Side      types.Side
	LeaderID  string
	MarketKey string

	Guardrails config.Guardrails
	Sim        simResult
	Book       types.Book
	State      *types.PortfolioState
	Target     *big.Int
	TheirRef   int64

	// Reducing trades bypass circuit breakers and exposure caps entirely.
	Reducing bool
}

// evaluateGuardrails runs the fixed check order and returns the de-duplicated
// reason set.
func evaluateGuardrails(in guardrailInput) []types.ReasonCode {
	var reasons []types.ReasonCode
	add := func(r types.ReasonCode) {
		for _, have := range reasons {
			if have == r {
				return
			}
		}
		reasons = append(reasons, r)
	}

	gr := in.Guardrails

	// Max buy cost per share (optional, global scope only).
	if in.Scope == types.ScopeExecGlobal && in.Side == types.BUY &&
		gr.MaxBuyCostPerShareMicros > 0 && in.Sim.VWAPFilled > gr.MaxBuyCostPerShareMicros {
		add(types.ReasonMaxBuyCostExceeded)
	}

	if in.Book.SpreadMicros > gr.MaxSpreadMicros {
		add(types.ReasonSpreadTooWide)
	}

	requiredDepth := micros.MulBps(in.Target, gr.MinDepthMultiplierBps)
	if in.Sim.AvailableNotional.Cmp(requiredDepth) < 0 {
		add(types.ReasonInsufficientDepth)
	}

	// Price protection. The walk only consumes levels inside the bound, so
	// judge the consumed level prices when something filled (the per-level
	// notional rounding makes the fill VWAP drift a micro or two past the
	// bound on exact-bound fills). When nothing filled, judge the top of the
	// book: a best level past the bound is a price rejection, not missing
	// liquidity.
	if price := priceToProtect(in.Sim); price > 0 {
		switch in.Side {
		case types.BUY:
			if price > in.TheirRef+gr.MaxWorseningVsTheirFillMicros {
				add(types.ReasonPriceWorseThanTheirFill)
			}
			if price > in.Book.MidPriceMicros+gr.MaxOverMidMicros {
				add(types.ReasonPriceTooFarOverMid)
			}
		case types.SELL:
			if price < in.TheirRef-gr.MaxWorseningVsTheirFillMicros {
				add(types.ReasonPriceWorseThanTheirFill)
			}
			if price < in.Book.MidPriceMicros-gr.MaxOverMidMicros {
				add(types.ReasonPriceTooFarOverMid)
			}
		}
	}

	if !in.Reducing {
		if circuitBreakerTripped(gr, in.State) {
			add(types.ReasonCircuitBreakerTripped)
		}
		if reason := exposureCapViolation(in); reason != "" {
			add(reason)
		}
	}

	if len(reasons) == 0 && in.Sim.FilledShares.Sign() == 0 {
		add(types.ReasonNoLiquidityWithinBounds)
	}
	return reasons
}

// priceToProtect picks the price the protection checks judge: the least
// favorable consumed level when the walk filled anything, otherwise the top
// relevant level. Zero means the side was empty and liquidity checks apply
// instead.
func priceToProtect(sim simResult) int64 {
	if sim.FilledShares.Sign() > 0 {
		return sim.WorstFillMicros
	}
	return sim.BestPriceMicros
}

// circuitBreakerTripped checks the loss and drawdown limits. Non-positive
// equity always trips.
func circuitBreakerTripped(gr config.Guardrails, state *types.PortfolioState) bool {
	equity := state.EquityMicros
	if equity.Sign() <= 0 {
		return true
	}
	if dailyLimit := micros.MulBps(equity, gr.DailyLossLimitBps); gr.DailyLossLimitBps > 0 &&
		state.DailyPnlMicros.Cmp(micros.Neg(dailyLimit)) < 0 {
		return true
	}
	if weeklyLimit := micros.MulBps(equity, gr.WeeklyLossLimitBps); gr.WeeklyLossLimitBps > 0 &&
		state.WeeklyPnlMicros.Cmp(micros.Neg(weeklyLimit)) < 0 {
		return true
	}
	if gr.MaxDrawdownLimitBps > 0 && state.PeakEquityMicros != nil {
		drawdown := micros.Sub(state.PeakEquityMicros, equity)
		if drawdown.Cmp(micros.MulBps(state.PeakEquityMicros, gr.MaxDrawdownLimitBps)) > 0 {
			return true
		}
	}
	return false
}

// exposureCapViolation checks total, per-market and (global only) per-leader
// exposure against the post-trade position. The new exposure is the notional
// the simulated fill would add.
func exposureCapViolation(in guardrailInput) types.ReasonCode {
	gr := in.Guardrails
	equity := in.State.EquityMicros
	newExposure := in.Sim.FilledNotional

	reason := types.ReasonRiskCapUser
	if in.Scope == types.ScopeExecGlobal {
		reason = types.ReasonRiskCapGlobal
	}

	if gr.MaxTotalExposureBps > 0 {
		if micros.Add(in.State.TotalExposureMicros, newExposure).Cmp(micros.MulBps(equity, gr.MaxTotalExposureBps)) > 0 {
			return reason
		}
	}
	if gr.MaxExposurePerMarketBps > 0 {
		perMarket := in.State.ExposureByMarket[in.MarketKey]
		if micros.Add(perMarket, newExposure).Cmp(micros.MulBps(equity, gr.MaxExposurePerMarketBps)) > 0 {
			return reason
		}
	}
	if in.Scope == types.ScopeExecGlobal && gr.MaxExposurePerUserBps > 0 {
		perLeader := in.State.ExposureByLeader[in.LeaderID]
		if micros.Add(perLeader, newExposure).Cmp(micros.MulBps(equity, gr.MaxExposurePerUserBps)) > 0 {
			return reason
		}
	}
	return ""
}
