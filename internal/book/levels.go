// Package book provides live top-of-book snapshots for subscribed outcome
// tokens. A WS feed is the primary source with a rate-limited REST fallback;
// the cache owns all Book records, evicts idle tokens, and lets callers wait
// bounded time for a fresh snapshot.
package book

import (
	"math/big"
	"sort"
	"time"

	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

// levelBook holds the raw price→size maps for one token. Updates set a
// level's size; size zero removes it; untouched levels remain.
type levelBook struct {
	bids map[int64]*big.Int
	asks map[int64]*big.Int
}

func newLevelBook() *levelBook {
	return &levelBook{
		bids: make(map[int64]*big.Int),
		asks: make(map[int64]*big.Int),
	}
}

// apply merges one delta's raw levels into the side map. Unparseable levels
// are counted and dropped; the next update corrects them.
func applyLevels(side map[int64]*big.Int, levels []types.RawLevel) (parseErrs int) {
	for _, lvl := range levels {
		price, err := micros.PriceFromString(lvl.Price)
		if err != nil {
			parseErrs++
			continue
		}
		size, err := micros.FromDecimalString(lvl.Size)
		if err != nil {
			parseErrs++
			continue
		}
		if size.Sign() <= 0 {
			delete(side, price)
			continue
		}
		side[price] = size
	}
	return parseErrs
}

// applyDelta applies a full inbound update to both sides.
func (lb *levelBook) applyDelta(bids, asks []types.RawLevel) (parseErrs int) {
	parseErrs += applyLevels(lb.bids, bids)
	parseErrs += applyLevels(lb.asks, asks)
	return parseErrs
}

// reset clears both sides ahead of a full-snapshot replace.
func (lb *levelBook) reset() {
	lb.bids = make(map[int64]*big.Int)
	lb.asks = make(map[int64]*big.Int)
}

// normalize rebuilds the derived snapshot: levels with price <= 0 or
// >= 1e6 are dropped, bids sort descending, asks ascending, and the best
// prices default to (0, 1e6) when a side is empty.
func (lb *levelBook) normalize(tokenID string, at time.Time, source types.BookSource) types.Book {
	bids := sortLevels(lb.bids, true)
	asks := sortLevels(lb.asks, false)

	bestBid := int64(0)
	if len(bids) > 0 {
		bestBid = bids[0].PriceMicros
	}
	bestAsk := micros.One
	if len(asks) > 0 {
		bestAsk = asks[0].PriceMicros
	}

	mid := (bestBid + bestAsk + 1) / 2

	return types.Book{
		TokenID:        tokenID,
		Bids:           bids,
		Asks:           asks,
		BestBidMicros:  bestBid,
		BestAskMicros:  bestAsk,
		MidPriceMicros: mid,
		SpreadMicros:   bestAsk - bestBid,
		UpdatedAtMs:    at.UnixMilli(),
		Source:         source,
	}
}

func sortLevels(side map[int64]*big.Int, descending bool) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(side))
	for price, size := range side {
		if price <= 0 || price >= micros.One {
			continue
		}
		out = append(out, types.BookLevel{PriceMicros: price, SizeMicros: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].PriceMicros > out[j].PriceMicros
		}
		return out[i].PriceMicros < out[j].PriceMicros
	})
	return out
}
