package book

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T, cfg config.BookConfig) *Cache {
	t.Helper()
	if cfg.MaxActiveBooks == 0 {
		cfg.MaxActiveBooks = 10
	}
	if cfg.BookTTL == 0 {
		cfg.BookTTL = time.Minute
	}
	return NewCache(cfg, testLogger())
}

func drainChanges(c *Cache) []SubChange {
	var out []SubChange
	for {
		select {
		case ch := <-c.Changes():
			out = append(out, ch)
		default:
			return out
		}
	}
}

func TestApplyUpdateNormalizes(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, config.BookConfig{})

	b := c.ApplyUpdate("tok-1", []types.RawLevel{
		{Price: "0.49", Size: "100"},
		{Price: "0.45", Size: "50"},
	}, []types.RawLevel{
		{Price: "0.51", Size: "20"},
		{Price: "0.55", Size: "10"},
		{Price: "1.00", Size: "5"}, // out of range, dropped
	}, types.BookSourceWS)

	if b.BestBidMicros != 490_000 || b.BestAskMicros != 510_000 {
		t.Errorf("best = %d/%d", b.BestBidMicros, b.BestAskMicros)
	}
	if b.MidPriceMicros != 500_000 || b.SpreadMicros != 20_000 {
		t.Errorf("mid=%d spread=%d", b.MidPriceMicros, b.SpreadMicros)
	}
	// Bids descending, asks ascending.
	if b.Bids[0].PriceMicros != 490_000 || b.Bids[1].PriceMicros != 450_000 {
		t.Errorf("bid order: %+v", b.Bids)
	}
	if len(b.Asks) != 2 || b.Asks[0].PriceMicros != 510_000 {
		t.Errorf("ask levels: %+v", b.Asks)
	}

	// Size zero deletes a level; the rest of the book is untouched.
	b = c.ApplyUpdate("tok-1", nil, []types.RawLevel{{Price: "0.51", Size: "0"}}, types.BookSourceWS)
	if len(b.Asks) != 1 || b.Asks[0].PriceMicros != 550_000 {
		t.Errorf("delete did not remove the level: %+v", b.Asks)
	}
	if len(b.Bids) != 2 {
		t.Errorf("untouched side changed: %+v", b.Bids)
	}
}

func TestApplySnapshotReplacesLevels(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, config.BookConfig{})

	c.ApplyUpdate("tok-1", []types.RawLevel{{Price: "0.49", Size: "100"}}, []types.RawLevel{
		{Price: "0.51", Size: "20"},
		{Price: "0.55", Size: "10"},
	}, types.BookSourceWS)

	// The REST snapshot no longer carries the 0.55 ask or any bid; both must
	// vanish instead of surviving as merged liquidity.
	b := c.ApplySnapshot("tok-1", nil, []types.RawLevel{{Price: "0.52", Size: "30"}}, types.BookSourceREST)
	if len(b.Asks) != 1 || b.Asks[0].PriceMicros != 520_000 {
		t.Errorf("snapshot asks = %+v", b.Asks)
	}
	if len(b.Bids) != 0 || b.BestBidMicros != 0 {
		t.Errorf("snapshot bids = %+v", b.Bids)
	}
	if b.Source != types.BookSourceREST {
		t.Errorf("source = %v", b.Source)
	}

	// Later deltas merge into the replaced book as usual.
	b = c.ApplyUpdate("tok-1", []types.RawLevel{{Price: "0.50", Size: "5"}}, nil, types.BookSourceWS)
	if len(b.Bids) != 1 || len(b.Asks) != 1 {
		t.Errorf("delta after snapshot: bids=%+v asks=%+v", b.Bids, b.Asks)
	}
}

func TestApplyUpdateCountsParseErrors(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, config.BookConfig{})

	c.ApplyUpdate("tok-1", []types.RawLevel{
		{Price: "garbage", Size: "100"},
		{Price: "0.50", Size: "100"},
	}, nil, types.BookSourceWS)

	if c.ErrorCount() != 1 {
		t.Errorf("error count = %d, want 1", c.ErrorCount())
	}
}

func TestEmptySideDefaults(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, config.BookConfig{})

	b := c.ApplyUpdate("tok-1", []types.RawLevel{{Price: "0.40", Size: "10"}}, nil, types.BookSourceWS)
	if b.BestAskMicros != 1_000_000 {
		t.Errorf("empty ask side should default to 1e6, got %d", b.BestAskMicros)
	}
	if b.SpreadMicros != 600_000 {
		t.Errorf("spread = %d", b.SpreadMicros)
	}
}

func TestCacheEmitsSubscribeAndLRUEviction(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, config.BookConfig{MaxActiveBooks: 2})

	c.EnsureSubscribed("tok-1")
	c.EnsureSubscribed("tok-2")
	got := drainChanges(c)
	if len(got) != 2 || !got[0].Subscribe || got[0].TokenID != "tok-1" {
		t.Fatalf("subscribe intents: %+v", got)
	}

	// Third token overflows the capacity; the least recently used is evicted.
	c.EnsureSubscribed("tok-3")
	got = drainChanges(c)
	var unsub []string
	for _, ch := range got {
		if !ch.Subscribe {
			unsub = append(unsub, ch.TokenID)
		}
	}
	if len(unsub) != 1 || unsub[0] != "tok-1" {
		t.Errorf("evicted = %v, want [tok-1]", unsub)
	}
	if _, found := c.Get("tok-1"); found {
		t.Error("evicted token still readable")
	}
}

func TestGetFreshOrWaitResolvesOnUpdate(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, config.BookConfig{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		c.ApplyUpdate("tok-1", nil, []types.RawLevel{{Price: "0.51", Size: "100"}}, types.BookSourceWS)
	}()

	b, found, stale := c.GetFreshOrWait(context.Background(), "tok-1", 2*time.Second, 2*time.Second)
	wg.Wait()
	if !found || stale {
		t.Fatalf("found=%v stale=%v", found, stale)
	}
	if b.BestAskMicros != 510_000 {
		t.Errorf("resolved book = %+v", b)
	}
}

func TestGetFreshOrWaitStaleFallback(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, config.BookConfig{})

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.ApplyUpdate("tok-1", nil, []types.RawLevel{{Price: "0.51", Size: "100"}}, types.BookSourceWS)

	// Ten seconds later the snapshot is stale for a 2s freshness window; the
	// deadline passes and the stale book comes back flagged.
	c.now = func() time.Time { return base.Add(10 * time.Second) }
	b, found, stale := c.GetFreshOrWait(context.Background(), "tok-1", 2*time.Second, 20*time.Millisecond)
	if !found || !stale {
		t.Fatalf("found=%v stale=%v, want stale hit", found, stale)
	}
	if b.BestAskMicros != 510_000 {
		t.Errorf("stale book = %+v", b)
	}
}

func TestGetFreshOrWaitNeverInitialized(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, config.BookConfig{})

	_, found, stale := c.GetFreshOrWait(context.Background(), "tok-x", time.Second, 20*time.Millisecond)
	if found || !stale {
		t.Errorf("found=%v stale=%v, want miss", found, stale)
	}
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	t.Parallel()
	c := newTestCache(t, config.BookConfig{BookTTL: time.Minute})

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	c.EnsureSubscribed("tok-idle")
	drainChanges(c)

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	c.EnsureSubscribed("tok-live")
	drainChanges(c)

	c.sweep()
	got := drainChanges(c)
	if len(got) != 1 || got[0].Subscribe || got[0].TokenID != "tok-idle" {
		t.Errorf("sweep changes = %+v, want unsubscribe tok-idle", got)
	}
	if tokens := c.SubscribedTokens(); len(tokens) != 1 || tokens[0] != "tok-live" {
		t.Errorf("remaining tokens = %v", tokens)
	}
}

// fake store for resolved-token persistence.
type memResolvedStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func (m *memResolvedStore) SaveResolvedToken(_ context.Context, tokenID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]time.Time)
	}
	m.seen[tokenID] = at
	return nil
}

func (m *memResolvedStore) LoadResolvedTokens(_ context.Context, cutoff time.Time) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time)
	for id, at := range m.seen {
		if !at.Before(cutoff) {
			out[id] = at
		}
	}
	return out, nil
}

func TestResolvedSetPersistsAndWarms(t *testing.T) {
	t.Parallel()
	store := &memResolvedStore{}

	rs := NewResolvedSet(time.Hour, store)
	if rs.Contains("tok-1") {
		t.Fatal("empty set must not contain anything")
	}
	rs.Add(context.Background(), "tok-1")
	if !rs.Contains("tok-1") {
		t.Fatal("added token missing")
	}

	// A fresh set warms from the store.
	rs2 := NewResolvedSet(time.Hour, store)
	if !rs2.Contains("tok-1") {
		t.Error("persisted token not warmed")
	}
}

func TestResolvedSetTTLExpiry(t *testing.T) {
	t.Parallel()
	rs := NewResolvedSet(10*time.Millisecond, nil)
	rs.Add(context.Background(), "tok-1")
	time.Sleep(30 * time.Millisecond)
	if rs.Contains("tok-1") {
		t.Error("entry should expire after the TTL")
	}
}

func TestPriorityLimiterLowSpacing(t *testing.T) {
	t.Parallel()
	p := NewPriorityLimiter(1000, 40*time.Millisecond)

	ctx := context.Background()
	start := time.Now()
	if err := p.WaitLow(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.WaitLow(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("second low-priority call ran after %v, want >= 40ms spacing", elapsed)
	}
}

func TestPriorityLimiterCancellation(t *testing.T) {
	t.Parallel()
	p := NewPriorityLimiter(1000, time.Hour)
	ctx := context.Background()
	if err := p.WaitLow(ctx); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := p.WaitLow(cancelled); err == nil {
		t.Error("cancelled context must abort the wait")
	}
}
