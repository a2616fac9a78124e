package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBooks serves canned book snapshots keyed by token id.
type fakeBooks struct {
	books map[string]types.Book
	err   error
}

func (f *fakeBooks) GetBook(_ context.Context, tokenID string, _, _ time.Duration) (types.Book, error) {
	if f.err != nil {
		return types.Book{}, f.err
	}
	return f.books[tokenID], nil
}

// makeBook builds a normalized snapshot from (price, size) level pairs,
// bids best-first and asks best-first.
func makeBook(tokenID string, bids, asks [][2]int64) types.Book {
	b := types.Book{TokenID: tokenID, BestAskMicros: micros.One, UpdatedAtMs: time.Now().UnixMilli(), Source: types.BookSourceWS}
	for _, l := range bids {
		b.Bids = append(b.Bids, types.BookLevel{PriceMicros: l[0], SizeMicros: big.NewInt(l[1])})
	}
	for _, l := range asks {
		b.Asks = append(b.Asks, types.BookLevel{PriceMicros: l[0], SizeMicros: big.NewInt(l[1])})
	}
	if len(b.Bids) > 0 {
		b.BestBidMicros = b.Bids[0].PriceMicros
	}
	if len(b.Asks) > 0 {
		b.BestAskMicros = b.Asks[0].PriceMicros
	}
	b.MidPriceMicros = (b.BestBidMicros + b.BestAskMicros + 1) / 2
	b.SpreadMicros = b.BestAskMicros - b.BestBidMicros
	return b
}

type testEnv struct {
	store   *store.Store
	runtime *config.Runtime
	books   *fakeBooks
	exec    *Executor
}

// newTestExecutor wires an executor over a real SQLite store with deterministic
// ids, no decision latency, and a fixed clock. The sizing minimum is lowered so
// small copy targets survive.
func newTestExecutor(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "exec.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Sizing.MinTradeNotionalMicros = 10_000
	runtime, err := config.NewRuntime(cfg, st)
	if err != nil {
		t.Fatal(err)
	}

	books := &fakeBooks{books: make(map[string]types.Book)}
	state := NewStateReader(st, runtime.System)

	ex := New(st, books, runtime, state, testLogger())
	seq := 0
	ex.newID = func() string { seq++; return fmt.Sprintf("attempt-%d", seq) }
	ex.sleep = func(time.Duration) {}
	ex.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	return &testEnv{store: st, runtime: runtime, books: books, exec: ex}
}

func buyGroup(leader, token string, notional, share int64, vwap int64) types.TradeEventGroup {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return types.TradeEventGroup{
		GroupKey:            types.MakeGroupKey(leader, token, types.BUY, at),
		FollowedUserID:      leader,
		TokenID:             token,
		AssetID:             token,
		Side:                types.BUY,
		TotalNotionalMicros: big.NewInt(notional),
		TotalShareMicros:    big.NewInt(share),
		VWAPPriceMicros:     vwap,
		SourceType:          types.SourceAggregator,
		WindowStart:         at,
	}
}

func hasReason(reasons []types.ReasonCode, want types.ReasonCode) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func TestProcessExecutesAndBooksLedger(t *testing.T) {
	t.Parallel()
	env := newTestExecutor(t)
	ctx := context.Background()

	// Leader buys $5 of tok-1 at 0.50; the book offers plenty at 0.51.
	env.books.books["tok-1"] = makeBook("tok-1",
		[][2]int64{{490_000, 50_000_000}},
		[][2]int64{{510_000, 20_000_000}})
	g := buyGroup("whale-1", "tok-1", 5_000_000, 10_000_000, 500_000)

	if err := env.exec.Process(ctx, g); err != nil {
		t.Fatal(err)
	}

	// 1% copy of $5 is a $0.05 target; the ask at 0.51 fills 98,039
	// share-micros for exactly the 50,000-micro budget.
	global, err := env.store.GetCopyAttempt(ctx, types.ScopeExecGlobal, "", g.GroupKey)
	if err != nil || global == nil {
		t.Fatalf("global attempt: %v %v", global, err)
	}
	if global.Decision != types.DecisionExecute {
		t.Fatalf("decision = %s, reasons = %v", global.Decision, global.ReasonCodes)
	}
	if global.TargetNotionalMicros.Int64() != 50_000 {
		t.Errorf("target = %v", global.TargetNotionalMicros)
	}
	if global.FilledShareMicros.Int64() != 98_039 || global.FilledNotionalMicros.Int64() != 50_000 {
		t.Errorf("filled = %v shares / %v notional", global.FilledShareMicros, global.FilledNotionalMicros)
	}
	if global.VWAPPriceMicros != 510_002 || global.FilledRatioBps != 9_804 {
		t.Errorf("vwap = %d, ratio = %d", global.VWAPPriceMicros, global.FilledRatioBps)
	}
	if global.TheirReferencePriceMicros != 500_000 || global.MidPriceMicrosAtDecision != 500_000 {
		t.Errorf("reference prices: %d / %d", global.TheirReferencePriceMicros, global.MidPriceMicrosAtDecision)
	}

	// The attribution portfolio decided independently and carries the leader.
	user, err := env.store.GetCopyAttempt(ctx, types.ScopeExecUser, "whale-1", g.GroupKey)
	if err != nil || user == nil || user.Decision != types.DecisionExecute {
		t.Fatalf("user attempt: %+v %v", user, err)
	}

	// Fill accounting flows into the ledger with leader attribution kept on
	// the global rows.
	entry, err := env.store.LedgerEntryByRef(ctx, types.ScopeExecGlobal, "copy:"+global.ID, types.EntryTradeFill)
	if err != nil || entry == nil {
		t.Fatalf("ledger entry: %v %v", entry, err)
	}
	if entry.FollowedUserID != "whale-1" {
		t.Errorf("global ledger row lost leader attribution: %q", entry.FollowedUserID)
	}
	if entry.ShareDeltaMicros.Int64() != 98_039 || entry.CashDeltaMicros.Int64() != -50_000 {
		t.Errorf("ledger deltas = %v / %v", entry.ShareDeltaMicros, entry.CashDeltaMicros)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestExecutor(t)
	ctx := context.Background()

	env.books.books["tok-1"] = makeBook("tok-1",
		[][2]int64{{490_000, 50_000_000}},
		[][2]int64{{510_000, 20_000_000}})
	g := buyGroup("whale-1", "tok-1", 5_000_000, 10_000_000, 500_000)

	for i := 0; i < 3; i++ {
		if err := env.exec.Process(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	_, total, err := env.store.ListCopyAttempts(ctx, 100, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("attempt rows = %d, want 2 (one per scope)", total)
	}

	n, err := env.store.CountLedgerEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("ledger rows = %d, want 2", n)
	}

	// The position did not compound across re-runs.
	pos, err := env.store.PositionShares(ctx, types.ScopeExecGlobal, "whale-1", "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if pos.Int64() != 98_039 {
		t.Errorf("position = %v, want single fill", pos)
	}
}

func TestSkipWhenPriceRunsAway(t *testing.T) {
	t.Parallel()
	env := newTestExecutor(t)
	ctx := context.Background()

	// Their fill was at 0.50 but the book now asks 0.53: outside both the
	// worsening allowance and the over-mid allowance.
	env.books.books["tok-1"] = makeBook("tok-1",
		[][2]int64{{490_000, 50_000_000}},
		[][2]int64{{530_000, 50_000_000}})
	g := buyGroup("whale-1", "tok-1", 5_000_000, 10_000_000, 500_000)

	if err := env.exec.Process(ctx, g); err != nil {
		t.Fatal(err)
	}

	got, err := env.store.GetCopyAttempt(ctx, types.ScopeExecGlobal, "", g.GroupKey)
	if err != nil || got == nil {
		t.Fatal(err)
	}
	if got.Decision != types.DecisionSkip {
		t.Fatalf("decision = %s", got.Decision)
	}
	if !hasReason(got.ReasonCodes, types.ReasonPriceWorseThanTheirFill) {
		t.Errorf("missing PRICE_WORSE_THAN_THEIR_FILL: %v", got.ReasonCodes)
	}
	if !hasReason(got.ReasonCodes, types.ReasonPriceTooFarOverMid) {
		t.Errorf("missing PRICE_TOO_FAR_OVER_MID: %v", got.ReasonCodes)
	}
	if got.FilledShareMicros.Sign() != 0 {
		t.Errorf("skip must not fill: %v", got.FilledShareMicros)
	}
}

func TestSkipOnWideSpread(t *testing.T) {
	t.Parallel()
	env := newTestExecutor(t)
	ctx := context.Background()

	env.books.books["tok-1"] = makeBook("tok-1",
		[][2]int64{{400_000, 50_000_000}},
		[][2]int64{{430_000, 50_000_000}})
	g := buyGroup("whale-1", "tok-1", 5_000_000, 12_000_000, 415_000)

	if err := env.exec.Process(ctx, g); err != nil {
		t.Fatal(err)
	}

	got, err := env.store.GetCopyAttempt(ctx, types.ScopeExecGlobal, "", g.GroupKey)
	if err != nil || got == nil {
		t.Fatal(err)
	}
	if got.Decision != types.DecisionSkip || !hasReason(got.ReasonCodes, types.ReasonSpreadTooWide) {
		t.Errorf("decision = %s, reasons = %v", got.Decision, got.ReasonCodes)
	}
}

func TestSkipWhenBookUnavailable(t *testing.T) {
	t.Parallel()
	env := newTestExecutor(t)
	ctx := context.Background()

	env.books.err = fmt.Errorf("feed down")
	g := buyGroup("whale-1", "tok-1", 5_000_000, 10_000_000, 500_000)

	if err := env.exec.Process(ctx, g); err != nil {
		t.Fatal(err)
	}

	got, _ := env.store.GetCopyAttempt(ctx, types.ScopeExecGlobal, "", g.GroupKey)
	if got == nil || !hasReason(got.ReasonCodes, types.ReasonNoLiquidityWithinBounds) {
		t.Errorf("attempt = %+v", got)
	}
}

func TestBufferGroupBelowMinExecSkips(t *testing.T) {
	t.Parallel()
	env := newTestExecutor(t)
	ctx := context.Background()

	g := buyGroup("whale-1", "tok-1", 50_000, 100_000, 500_000)
	g.SourceType = types.SourceBuffer
	g.BufferedTradeCount = 4

	if err := env.exec.Process(ctx, g); err != nil {
		t.Fatal(err)
	}

	got, _ := env.store.GetCopyAttempt(ctx, types.ScopeExecGlobal, "", g.GroupKey)
	if got == nil || got.Decision != types.DecisionSkip ||
		!hasReason(got.ReasonCodes, types.ReasonBelowMinExecNotional) {
		t.Errorf("attempt = %+v", got)
	}
	if got.BufferedTradeCount != 4 || got.SourceType != types.SourceBuffer {
		t.Errorf("buffer provenance lost: %+v", got)
	}
}

func TestReducingTradeBypassesRiskCaps(t *testing.T) {
	t.Parallel()
	env := newTestExecutor(t)
	ctx := context.Background()

	// Clamp total exposure to almost nothing so any opening trade violates it.
	if err := env.runtime.ApplyGlobalPatch([]byte(`{"guardrails":{"maxTotalExposureBps":1}}`)); err != nil {
		t.Fatal(err)
	}

	// Seed a large long position: 1000 shares of tok-1, marked at the 0.5
	// default — $500 of exposure against a $0.10 cap.
	now := time.Now().UTC()
	if err := env.store.InsertLedgerEntry(ctx, types.LedgerEntry{
		Scope: types.ScopeExecGlobal, FollowedUserID: "whale-1", AssetID: "tok-1",
		EntryType: types.EntryTradeFill, ShareDeltaMicros: big.NewInt(1_000_000_000),
		CashDeltaMicros: big.NewInt(-500_000_000), RefID: "seed:1", CreatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	env.books.books["tok-1"] = makeBook("tok-1",
		[][2]int64{{500_000, 500_000_000}},
		[][2]int64{{510_000, 500_000_000}})

	// An opening BUY trips the cap.
	buy := buyGroup("whale-1", "tok-1", 5_000_000, 10_000_000, 500_000)
	if err := env.exec.Process(ctx, buy); err != nil {
		t.Fatal(err)
	}
	got, _ := env.store.GetCopyAttempt(ctx, types.ScopeExecGlobal, "", buy.GroupKey)
	if got == nil || !hasReason(got.ReasonCodes, types.ReasonRiskCapGlobal) {
		t.Fatalf("opening buy should hit the cap: %+v", got)
	}

	// A SELL against the long position reduces risk and executes despite it.
	sell := buy
	sell.Side = types.SELL
	sell.GroupKey = types.MakeGroupKey("whale-1", "tok-1", types.SELL, sell.WindowStart)
	if err := env.exec.Process(ctx, sell); err != nil {
		t.Fatal(err)
	}
	got, _ = env.store.GetCopyAttempt(ctx, types.ScopeExecGlobal, "", sell.GroupKey)
	if got == nil || got.Decision != types.DecisionExecute {
		t.Fatalf("reducing sell should execute: %+v", got)
	}

	entry, err := env.store.LedgerEntryByRef(ctx, types.ScopeExecGlobal, "copy:"+got.ID, types.EntryTradeFill)
	if err != nil || entry == nil {
		t.Fatal(err)
	}
	if entry.ShareDeltaMicros.Sign() >= 0 || entry.CashDeltaMicros.Sign() <= 0 {
		t.Errorf("sell deltas have wrong signs: %v / %v", entry.ShareDeltaMicros, entry.CashDeltaMicros)
	}
}

func TestProcessActivityRecordsSkips(t *testing.T) {
	t.Parallel()
	env := newTestExecutor(t)
	ctx := context.Background()

	ag := types.ActivityGroup{
		GroupKey:       "whale-1:MERGE:tok-1,tok-2:2024-03-01T12:00:00.000Z",
		FollowedUserID: "whale-1",
		Type:           types.ActivityMerge,
		AssetIDs:       []string{"tok-1", "tok-2"},
	}
	if err := env.exec.ProcessActivity(ctx, ag); err != nil {
		t.Fatal(err)
	}

	global, _ := env.store.GetCopyAttempt(ctx, types.ScopeExecGlobal, "", ag.GroupKey)
	user, _ := env.store.GetCopyAttempt(ctx, types.ScopeExecUser, "whale-1", ag.GroupKey)
	for _, got := range []*types.CopyAttempt{global, user} {
		if got == nil || got.Decision != types.DecisionSkip ||
			!hasReason(got.ReasonCodes, types.ReasonMergeSplitNotApplicable) {
			t.Errorf("activity attempt = %+v", got)
		}
	}
}

func TestReplayCountsWithoutPersisting(t *testing.T) {
	t.Parallel()
	env := newTestExecutor(t)
	ctx := context.Background()

	env.books.books["tok-1"] = makeBook("tok-1",
		[][2]int64{{490_000, 50_000_000}},
		[][2]int64{{510_000, 20_000_000}})
	g := buyGroup("whale-1", "tok-1", 5_000_000, 10_000_000, 500_000)
	if err := env.exec.Process(ctx, g); err != nil {
		t.Fatal(err)
	}
	_, before, err := env.store.ListCopyAttempts(ctx, 100, "", "")
	if err != nil {
		t.Fatal(err)
	}

	total, executed, skipped, err := env.exec.Replay(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || executed != 1 || skipped != 0 {
		t.Errorf("replay = %d/%d/%d", total, executed, skipped)
	}

	_, after, err := env.store.ListCopyAttempts(ctx, 100, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Errorf("replay persisted attempts: %d -> %d", before, after)
	}
}

func TestSimulateFillStaysInsideBound(t *testing.T) {
	t.Parallel()

	// Second ask level is past the price bound; the walk must stop before it
	// even though notional budget remains.
	book := makeBook("tok-1",
		[][2]int64{{495_000, 50_000_000}},
		[][2]int64{{505_000, 10_000}, {520_000, 50_000_000}})
	g := buyGroup("whale-1", "tok-1", 5_000_000, 10_000_000, 500_000)

	sim := simulateFill(g, book, big.NewInt(50_000), 500_000, 10_000, 15_000)

	if sim.BoundMicros != 510_000 {
		t.Fatalf("bound = %d", sim.BoundMicros)
	}
	for _, f := range sim.Fills {
		if f.FillPriceMicros > sim.BoundMicros {
			t.Errorf("fill at %d outside bound %d", f.FillPriceMicros, sim.BoundMicros)
		}
	}
	if sim.FilledShares.Int64() != 10_000 {
		t.Errorf("filled shares = %v, want the whole in-bound level", sim.FilledShares)
	}
	if sim.FilledNotional.Int64() != 5_050 {
		t.Errorf("filled notional = %v", sim.FilledNotional)
	}
	// Depth only counts in-bound liquidity.
	if sim.AvailableNotional.Int64() != 5_050 {
		t.Errorf("available notional = %v", sim.AvailableNotional)
	}
	if sim.WorstFillMicros != 505_000 || sim.FilledRatioBps != 1_000 {
		t.Errorf("worst = %d, ratio = %d", sim.WorstFillMicros, sim.FilledRatioBps)
	}
}

func TestSimulateFillNeverOverspends(t *testing.T) {
	t.Parallel()

	book := makeBook("tok-1",
		[][2]int64{{490_000, 50_000_000}},
		[][2]int64{{510_000, 20_000_000}})
	g := buyGroup("whale-1", "tok-1", 5_000_000, 10_000_000, 500_000)

	target := big.NewInt(50_000)
	sim := simulateFill(g, book, target, 500_000, 10_000, 15_000)

	if sim.FilledNotional.Cmp(target) > 0 {
		t.Errorf("spent %v of a %v budget", sim.FilledNotional, target)
	}
	if sim.FilledShares.Int64() != 98_039 || sim.VWAPFilled != 510_002 {
		t.Errorf("shares = %v, vwap = %d", sim.FilledShares, sim.VWAPFilled)
	}
}

func TestEnforceBudgetHardCap(t *testing.T) {
	t.Parallel()

	sz := config.Sizing{
		Mode:                   config.SizingBudgetedDynamic,
		BudgetedDynamicEnabled: true,
		BudgetEnforcement:      config.BudgetHard,
		BudgetUsdcMicros:       10_000_000,
		MinTradeNotionalMicros: 5_000_000,
	}

	// Headroom 500k is below the minimum executable trade: hard stop.
	var res sizeResult
	_, reason := enforceBudget(big.NewInt(6_000_000), sz, big.NewInt(9_500_000), false, &res)
	if reason != types.ReasonBudgetHardCapExceeded {
		t.Errorf("reason = %q, want BUDGET_HARD_CAP_EXCEEDED", reason)
	}

	// Usable headroom caps the target instead of skipping.
	res = sizeResult{}
	got, reason := enforceBudget(big.NewInt(9_000_000), sz, big.NewInt(2_000_000), false, &res)
	if reason != "" || got.Int64() != 8_000_000 || !res.BudgetCapped {
		t.Errorf("capped = %v, reason = %q, marker = %v", got, reason, res.BudgetCapped)
	}

	// No headroom at all.
	res = sizeResult{}
	_, reason = enforceBudget(big.NewInt(1_000_000), sz, big.NewInt(12_000_000), false, &res)
	if reason != types.ReasonBudgetHardCapExceeded {
		t.Errorf("exhausted budget: reason = %q", reason)
	}

	// Reducing trades bypass the budget entirely.
	res = sizeResult{}
	got, reason = enforceBudget(big.NewInt(9_000_000), sz, big.NewInt(12_000_000), true, &res)
	if reason != "" || got.Int64() != 9_000_000 {
		t.Errorf("reducing bypass: %v %q", got, reason)
	}
}

func TestComputeTargetModes(t *testing.T) {
	t.Parallel()

	g := buyGroup("whale-1", "tok-1", 5_000_000, 10_000_000, 500_000)
	equity := big.NewInt(1_000_000_000)

	// Fixed rate: 1% of the leader's notional.
	sz := config.Sizing{CopyPctNotionalBps: 100, MinTradeNotionalMicros: 10_000, MaxTradeBankrollBps: 75}
	res := computeTarget(g, sz, equity, micros.Zero())
	if res.Skip != "" || res.TargetNotional.Int64() != 50_000 {
		t.Errorf("fixed rate: %+v", res)
	}

	// Below the minimum trade size.
	sz.MinTradeNotionalMicros = 100_000
	res = computeTarget(g, sz, equity, micros.Zero())
	if res.Skip != types.ReasonBelowMinTradeNotional {
		t.Errorf("min filter: %+v", res)
	}

	// Buffered groups clone their accumulated notional untouched.
	buffered := g
	buffered.SourceType = types.SourceBuffer
	sz.MinTradeNotionalMicros = 10_000
	res = computeTarget(buffered, sz, equity, micros.Zero())
	if res.TargetNotional.Int64() != 5_000_000 {
		t.Errorf("buffer passthrough: %v", res.TargetNotional)
	}

	// Bankroll clamp: 75 bps of a $2 bankroll caps the $0.05 target at $0.015.
	res = computeTarget(g, sz, big.NewInt(2_000_000), micros.Zero())
	if !res.ClampedByBankroll || res.TargetNotional.Int64() != 15_000 {
		t.Errorf("bankroll clamp: %+v", res)
	}

	// Budgeted-dynamic: rate = B / E_L, clamped into [rMin, rMax].
	bsz := config.Sizing{
		Mode:                   config.SizingBudgetedDynamic,
		BudgetedDynamicEnabled: true,
		BudgetUsdcMicros:       50_000_000,
		BudgetRMinBps:          0,
		BudgetRMaxBps:          10_000,
		MinTradeNotionalMicros: 1,
	}
	// Leader exposure $100 vs a $50 budget: rate 0.5.
	res = computeTarget(g, bsz, equity, big.NewInt(100_000_000))
	if res.TargetNotional.Int64() != 2_500_000 {
		t.Errorf("budgeted target = %v, want 2.5M", res.TargetNotional)
	}
	// Unknown leader exposure falls back to rMax.
	res = computeTarget(g, bsz, equity, micros.Zero())
	if !res.RateClampedMax || res.TargetNotional.Int64() != 5_000_000 {
		t.Errorf("rMax fallback: %+v", res)
	}
}
