package pipeline

import (
	"log/slog"
	"math/big"
	"sync"
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

// Buffer coalesces sub-threshold leader trades so dust fills become one
// actionable group. Accumulation is keyed by (leader, token, side); in
// netBuySell mode the side is dropped from the key and opposite sides
// subtract, with the flushed side decided by the sign of the net quantity.
//
// Flush fires on the first of: accumulated notional reaching the flush
// minimum, the hard deadline after the first buffered event, or a quiet gap
// with no new events. Groups below the minimum executable notional are still
// emitted; the executor records the skip.
type Buffer struct {
	cfg    func() config.Buffering
	out    chan types.TradeEventGroup
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bufferBucket
	closed  bool

	// Counts emits running outside the lock so FlushAll can close the
	// output only after every in-flight send has landed.
	emitting sync.WaitGroup

	now func() time.Time // test hook
}

type bufferBucket struct {
	followedUserID string
	tokenID        string
	assetID        string
	marketID       string

	// Signed in netBuySell mode (BUY positive), otherwise always positive.
	accumNotional *big.Int
	accumShare    *big.Int

	bucketStartedAt time.Time
	lastActivityAt  time.Time
	eventIDs        []string
	timer           *time.Timer
}

// NewBuffer creates the small-trade buffer. Config is read per event so
// runtime edits apply to the next buffered trade.
func NewBuffer(cfg func() config.Buffering, logger *slog.Logger) *Buffer {
	return &Buffer{
		cfg:     cfg,
		out:     make(chan types.TradeEventGroup, 256),
		logger:  logger.With("component", "small_trade_buffer"),
		buckets: make(map[string]*bufferBucket),
		now:     time.Now,
	}
}

// Out returns the channel flushed groups arrive on.
func (b *Buffer) Out() <-chan types.TradeEventGroup { return b.out }

// Accepts reports whether the event belongs in the buffer rather than the
// window aggregator.
func (b *Buffer) Accepts(e types.PendingTradeEvent) bool {
	cfg := b.cfg()
	if !cfg.Enabled {
		return false
	}
	return e.NotionalMicros.Cmp(micros.New(cfg.NotionalThresholdMicros)) < 0
}

func bufferKey(e types.PendingTradeEvent, mode config.NettingMode) string {
	if mode == config.NettingNetBuySell {
		return e.FollowedUserID + ":" + e.TokenID()
	}
	return e.FollowedUserID + ":" + e.TokenID() + ":" + string(e.Side)
}

// Add accumulates one sub-threshold trade and applies the flush rules.
func (b *Buffer) Add(e types.PendingTradeEvent) {
	cfg := b.cfg()
	key := bufferKey(e, cfg.NettingMode)
	now := b.now()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	bk, ok := b.buckets[key]
	if !ok {
		bk = &bufferBucket{
			followedUserID:  e.FollowedUserID,
			tokenID:         e.TokenID(),
			assetID:         e.AssetID,
			marketID:        e.MarketID,
			accumNotional:   micros.Zero(),
			accumShare:      micros.Zero(),
			bucketStartedAt: now,
		}
		b.buckets[key] = bk
	}

	sign := int64(1)
	if cfg.NettingMode == config.NettingNetBuySell && e.Side == types.SELL {
		sign = -1
	}
	bk.accumNotional.Add(bk.accumNotional, new(big.Int).Mul(e.NotionalMicros, big.NewInt(sign)))
	bk.accumShare.Add(bk.accumShare, new(big.Int).Mul(e.ShareMicros, big.NewInt(sign)))
	bk.lastActivityAt = now
	bk.eventIDs = append(bk.eventIDs, e.ID)

	var g *types.TradeEventGroup
	if new(big.Int).Abs(bk.accumNotional).Cmp(micros.New(cfg.FlushMinNotionalMicros)) >= 0 {
		g = b.takeLocked(key, bk)
	} else {
		b.armTimerLocked(key, bk, cfg)
	}
	if g != nil {
		b.emitting.Add(1)
	}
	b.mu.Unlock()

	if g != nil {
		b.emit(*g)
		b.emitting.Done()
	}
}

// armTimerLocked re-arms the bucket timer for the nearer of the hard
// deadline and the quiet-gap deadline.
func (b *Buffer) armTimerLocked(key string, bk *bufferBucket, cfg config.Buffering) {
	hard := bk.bucketStartedAt.Add(time.Duration(cfg.MaxBufferMs) * time.Millisecond)
	quiet := bk.lastActivityAt.Add(time.Duration(cfg.QuietFlushMs) * time.Millisecond)
	deadline := hard
	if quiet.Before(hard) {
		deadline = quiet
	}

	wait := deadline.Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	if bk.timer != nil {
		bk.timer.Stop()
	}
	bk.timer = time.AfterFunc(wait, func() { b.onTimer(key) })
}

// onTimer re-checks the flush rules when a bucket deadline fires. A racing
// Add may have re-armed toward a later quiet deadline; in that case arm again
// instead of flushing.
func (b *Buffer) onTimer(key string) {
	b.mu.Lock()
	bk, ok := b.buckets[key]
	if !ok {
		b.mu.Unlock()
		return
	}

	cfg := b.cfg()
	now := b.now()
	hardAt := bk.bucketStartedAt.Add(time.Duration(cfg.MaxBufferMs) * time.Millisecond)
	quietAt := bk.lastActivityAt.Add(time.Duration(cfg.QuietFlushMs) * time.Millisecond)
	if now.Before(hardAt) && now.Before(quietAt) {
		b.armTimerLocked(key, bk, cfg)
		b.mu.Unlock()
		return
	}
	g := b.takeLocked(key, bk)
	if g != nil {
		b.emitting.Add(1)
	}
	b.mu.Unlock()

	if g != nil {
		b.emit(*g)
		b.emitting.Done()
	}
}

// takeLocked removes the bucket and builds its group, or nil when the
// accumulation netted to zero. The caller sends on the output channel after
// releasing the lock, so a full channel can never stall Add.
func (b *Buffer) takeLocked(key string, bk *bufferBucket) *types.TradeEventGroup {
	delete(b.buckets, key)
	if bk.timer != nil {
		bk.timer.Stop()
	}

	side := types.BUY
	if bk.accumShare.Sign() < 0 || (bk.accumShare.Sign() == 0 && bk.accumNotional.Sign() < 0) {
		side = types.SELL
	}
	notional := new(big.Int).Abs(bk.accumNotional)
	share := new(big.Int).Abs(bk.accumShare)

	if notional.Sign() == 0 && share.Sign() == 0 {
		b.logger.Debug("buffered trades netted to zero, dropping",
			"leader", bk.followedUserID, "token", bk.tokenID, "events", len(bk.eventIDs))
		return nil
	}

	g := types.TradeEventGroup{
		GroupKey:            types.MakeGroupKey(bk.followedUserID, bk.tokenID, side, bk.bucketStartedAt),
		FollowedUserID:      bk.followedUserID,
		TokenID:             bk.tokenID,
		AssetID:             bk.assetID,
		MarketID:            bk.marketID,
		Side:                side,
		TotalNotionalMicros: notional,
		TotalShareMicros:    share,
		VWAPPriceMicros:     micros.VWAP(notional, share),
		SourceType:          types.SourceBuffer,
		BufferedTradeCount:  len(bk.eventIDs),
		WindowStart:         bk.bucketStartedAt,
		EventIDs:            bk.eventIDs,
	}
	return &g
}

func (b *Buffer) emit(g types.TradeEventGroup) {
	b.logger.Debug("buffer flushed",
		"group_key", g.GroupKey,
		"events", g.BufferedTradeCount,
		"notional", micros.String(g.TotalNotionalMicros))
	b.out <- g
}

// FlushAll force-flushes every open bucket; afterwards new events are dropped.
func (b *Buffer) FlushAll() {
	b.mu.Lock()
	b.closed = true
	pending := make([]*types.TradeEventGroup, 0, len(b.buckets))
	for key, bk := range b.buckets {
		if g := b.takeLocked(key, bk); g != nil {
			pending = append(pending, g)
		}
	}
	b.mu.Unlock()

	for _, g := range pending {
		b.emit(*g)
	}
	b.emitting.Wait()
	close(b.out)
}

// PendingKeys returns the number of open buffer buckets.
func (b *Buffer) PendingKeys() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}
