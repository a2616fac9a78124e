package executor

import (
	"math/big"

	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

// simResult is the outcome of walking the book for one target.
type simResult struct {
	Fills             []types.ExecutableFill
	FilledShares      *big.Int
	FilledNotional    *big.Int
	AvailableNotional *big.Int // depth within bounds, consumed or not
	TargetShares      *big.Int
	VWAPFilled        int64
	FilledRatioBps    int64
	BoundMicros       int64 // maxPrice for BUY, minPrice for SELL
	BestPriceMicros   int64 // top relevant level, 0 when the side is empty
	WorstFillMicros   int64 // least favorable consumed level, 0 when no fill
}

// priceBound computes the acceptable limit price against the real mid.
// BUY: min(theirRef + maxWorsening, mid + maxOverMid).
// SELL: max(theirRef - maxWorsening, mid - maxOverMid).
func priceBound(side types.Side, theirRef, mid, maxWorsening, maxOverMid int64) int64 {
	if side == types.BUY {
		bound := theirRef + maxWorsening
		if m := mid + maxOverMid; m < bound {
			bound = m
		}
		return bound
	}
	bound := theirRef - maxWorsening
	if m := mid - maxOverMid; m > bound {
		bound = m
	}
	return bound
}

// simulateFill walks the book toward the target notional. Each level take is
// capped three ways: the level's size, the shares still wanted, and the
// shares the remaining notional can still pay for at that level's price —
// so the walk can never spend past its budget. Levels priced outside the
// bound stop the walk.
func simulateFill(g types.TradeEventGroup, book types.Book, target *big.Int, theirRef, maxWorsening, maxOverMid int64) simResult {
	res := simResult{
		FilledShares:      micros.Zero(),
		FilledNotional:    micros.Zero(),
		AvailableNotional: micros.Zero(),
	}

	res.BoundMicros = priceBound(g.Side, theirRef, book.MidPriceMicros, maxWorsening, maxOverMid)

	vwap := g.VWAPPriceMicros
	if vwap < 1 {
		vwap = 1
	}
	res.TargetShares = micros.SharesAt(target, vwap)

	levels := book.Asks
	if g.Side == types.SELL {
		levels = book.Bids
	}

	if len(levels) > 0 {
		res.BestPriceMicros = levels[0].PriceMicros
	}

	remainingShares := micros.Clone(res.TargetShares)
	remainingNotional := micros.Clone(target)

	for _, lvl := range levels {
		if g.Side == types.BUY && lvl.PriceMicros > res.BoundMicros {
			break
		}
		if g.Side == types.SELL && lvl.PriceMicros < res.BoundMicros {
			break
		}
		res.AvailableNotional.Add(res.AvailableNotional, micros.Notional(lvl.SizeMicros, lvl.PriceMicros))

		if remainingShares.Sign() <= 0 || remainingNotional.Sign() <= 0 {
			continue
		}

		take := micros.Min(lvl.SizeMicros, remainingShares)
		take = micros.Min(take, micros.SharesAt(remainingNotional, lvl.PriceMicros))
		if take.Sign() <= 0 {
			continue
		}

		notional := micros.Notional(take, lvl.PriceMicros)
		res.Fills = append(res.Fills, types.ExecutableFill{
			FillPriceMicros:    lvl.PriceMicros,
			FilledShareMicros:  take,
			FillNotionalMicros: notional,
		})
		res.FilledShares.Add(res.FilledShares, take)
		res.FilledNotional.Add(res.FilledNotional, notional)
		res.WorstFillMicros = lvl.PriceMicros
		remainingShares.Sub(remainingShares, take)
		remainingNotional.Sub(remainingNotional, notional)
	}

	res.VWAPFilled = micros.VWAP(res.FilledNotional, res.FilledShares)
	res.FilledRatioBps = micros.RatioBps(res.FilledShares, res.TargetShares)
	return res
}
