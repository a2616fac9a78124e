// Package pipeline turns raw leader events into executable trade groups.
//
// Three stages exist side by side: the window aggregator batches normal-size
// fills per (leader, token, side) over fixed epoch-aligned windows, the
// small-trade buffer accumulates dust fills until they are worth acting on,
// and the activity aggregator batches merge/split/redeem events. All three
// emit onto channels the executor workers drain.
package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

// Aggregator batches leader fills sharing (leader, token, side) within one
// epoch-aligned window. The first event of a key starts a timer for the full
// window length; later events join the bucket but never extend the timer, so
// a group is emitted at most one window after its first fill was seen.
type Aggregator struct {
	window func() time.Duration
	out    chan types.TradeEventGroup
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*tradeBucket
	closed  bool

	// Counts timer flushes emitting outside the lock so FlushAll closes the
	// output only after every in-flight send has landed.
	emitting sync.WaitGroup

	now func() time.Time // test hook
}

type tradeBucket struct {
	group  types.TradeEventGroup
	events []types.PendingTradeEvent
	timer  *time.Timer
}

// NewAggregator creates the window aggregator. window is read per bucket so
// runtime config changes apply to the next window.
func NewAggregator(window func() time.Duration, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		window:  window,
		out:     make(chan types.TradeEventGroup, 256),
		logger:  logger.With("component", "aggregator"),
		buckets: make(map[string]*tradeBucket),
		now:     time.Now,
	}
}

// Out returns the channel emitted groups arrive on.
func (a *Aggregator) Out() <-chan types.TradeEventGroup { return a.out }

// Add routes one leader fill into its window bucket, creating the bucket and
// starting its flush timer on first sight of the key.
func (a *Aggregator) Add(e types.PendingTradeEvent) {
	w := a.window()
	windowStart := types.WindowStart(e.DetectTime, w)
	key := types.MakeGroupKey(e.FollowedUserID, e.TokenID(), e.Side, windowStart)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	b, ok := a.buckets[key]
	if !ok {
		b = &tradeBucket{
			group: types.TradeEventGroup{
				GroupKey:            key,
				FollowedUserID:      e.FollowedUserID,
				TokenID:             e.TokenID(),
				AssetID:             e.AssetID,
				MarketID:            e.MarketID,
				Side:                e.Side,
				TotalNotionalMicros: micros.Zero(),
				TotalShareMicros:    micros.Zero(),
				SourceType:          types.SourceAggregator,
				WindowStart:         windowStart,
			},
		}
		b.timer = time.AfterFunc(w, func() { a.flush(key) })
		a.buckets[key] = b
	}

	b.events = append(b.events, e)
	b.group.EventIDs = append(b.group.EventIDs, e.ID)
	b.group.TotalNotionalMicros.Add(b.group.TotalNotionalMicros, e.NotionalMicros)
	b.group.TotalShareMicros.Add(b.group.TotalShareMicros, e.ShareMicros)
}

// flush finalizes one bucket and emits its group.
func (a *Aggregator) flush(key string) {
	a.mu.Lock()
	b, ok := a.buckets[key]
	if ok {
		delete(a.buckets, key)
		a.emitting.Add(1)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	a.emit(b)
	a.emitting.Done()
}

func (a *Aggregator) emit(b *tradeBucket) {
	g := b.group
	g.VWAPPriceMicros = micros.VWAP(g.TotalNotionalMicros, g.TotalShareMicros)
	a.logger.Debug("window group flushed",
		"group_key", g.GroupKey,
		"events", len(b.events),
		"notional", micros.String(g.TotalNotionalMicros))
	a.out <- g
}

// FlushAll force-emits every open bucket. Called on shutdown so in-flight
// windows are not lost; afterwards new events are dropped.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	a.closed = true
	pending := make([]*tradeBucket, 0, len(a.buckets))
	for key, b := range a.buckets {
		b.timer.Stop()
		pending = append(pending, b)
		delete(a.buckets, key)
	}
	a.mu.Unlock()

	for _, b := range pending {
		a.emit(b)
	}
	a.emitting.Wait()
	close(a.out)
}

// PendingKeys returns the number of open window buckets.
func (a *Aggregator) PendingKeys() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}
