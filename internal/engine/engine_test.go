package engine

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/executor"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	tokens []string
}

func (r *recordingSubscriber) EnsureSubscribed(tokenID string) {
	r.mu.Lock()
	r.tokens = append(r.tokens, tokenID)
	r.mu.Unlock()
}

type stubBooks struct{ book types.Book }

func (s stubBooks) GetBook(context.Context, string, time.Duration, time.Duration) (types.Book, error) {
	return s.book, nil
}

func newTestEngine(t *testing.T, cfg config.Config) (*Engine, *store.Store, *recordingSubscriber) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	runtime, err := config.NewRuntime(cfg, st)
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := executor.NewStateReader(st, runtime.System)

	book := types.Book{
		TokenID:        "tok-1",
		Bids:           []types.BookLevel{{PriceMicros: 490_000, SizeMicros: big.NewInt(50_000_000)}},
		Asks:           []types.BookLevel{{PriceMicros: 510_000, SizeMicros: big.NewInt(50_000_000)}},
		BestBidMicros:  490_000,
		BestAskMicros:  510_000,
		MidPriceMicros: 500_000,
		SpreadMicros:   20_000,
		UpdatedAtMs:    time.Now().UnixMilli(),
		Source:         types.BookSourceWS,
	}
	exec := executor.New(st, stubBooks{book: book}, runtime, state, logger)

	subs := &recordingSubscriber{}
	return New(cfg.Engine, runtime, subs, exec, logger), st, subs
}

func TestEngineFlushesPendingGroupsOnShutdown(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Engine.ExecutorWorkers = 2
	cfg.Sizing.MinTradeNotionalMicros = 10_000
	cfg.System.AggregationWindowMs = 60_000 // longer than the test; FlushAll must emit
	eng, st, subs := newTestEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	ev := types.PendingTradeEvent{
		ID:             "e1",
		FollowedUserID: "whale-1",
		AssetID:        "tok-1",
		Side:           types.BUY,
		PriceMicros:    500_000,
		ShareMicros:    big.NewInt(10_000_000),
		NotionalMicros: big.NewInt(5_000_000),
		DetectTime:     time.Now(),
	}
	if err := eng.Ingest(ctx, ev); err != nil {
		t.Fatal(err)
	}

	// Give the route loop a beat, then shut down: the open window bucket must
	// be force-flushed and decided before Run returns.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not drain")
	}

	_, total, err := st.ListCopyAttempts(context.Background(), 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("attempts after shutdown flush = %d, want 2 (both scopes)", total)
	}

	subs.mu.Lock()
	defer subs.mu.Unlock()
	if len(subs.tokens) != 1 || subs.tokens[0] != "tok-1" {
		t.Errorf("subscriptions = %v", subs.tokens)
	}
}

func TestEngineDropsGroupsWhilePaused(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.System.CopyEngineEnabled = false
	cfg.System.AggregationWindowMs = 20
	cfg.Sizing.MinTradeNotionalMicros = 10_000
	eng, st, _ := newTestEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	ev := types.PendingTradeEvent{
		ID:             "e1",
		FollowedUserID: "whale-1",
		AssetID:        "tok-1",
		Side:           types.BUY,
		PriceMicros:    500_000,
		ShareMicros:    big.NewInt(10_000_000),
		NotionalMicros: big.NewInt(5_000_000),
		DetectTime:     time.Now(),
	}
	if err := eng.Ingest(ctx, ev); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond) // window elapses, group emitted and dropped
	cancel()
	<-done

	_, total, err := st.ListCopyAttempts(context.Background(), 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("paused engine persisted %d attempts", total)
	}
}

func TestEngineRoutesDustToBuffer(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Buffering.Enabled = true
	cfg.Buffering.QuietFlushMs = 20
	cfg.Sizing.MinTradeNotionalMicros = 10_000
	eng, st, _ := newTestEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	// Below the 250k dust threshold but above the 100k execution minimum.
	ev := types.PendingTradeEvent{
		ID:             "e1",
		FollowedUserID: "whale-1",
		AssetID:        "tok-1",
		Side:           types.BUY,
		PriceMicros:    500_000,
		ShareMicros:    big.NewInt(400_000),
		NotionalMicros: big.NewInt(200_000),
		DetectTime:     time.Now(),
	}
	if err := eng.Ingest(ctx, ev); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond) // quiet flush fires
	cancel()
	<-done

	attempts, _, err := st.ListCopyAttempts(context.Background(), 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) == 0 {
		t.Fatal("buffered group never decided")
	}
	if attempts[0].SourceType != types.SourceBuffer || attempts[0].BufferedTradeCount != 1 {
		t.Errorf("attempt = %+v", attempts[0])
	}
}
