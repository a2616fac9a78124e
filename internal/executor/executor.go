package executor

import (
	"context"
	"log/slog"
	"math/big"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

const (
	bookFreshness = 2 * time.Second
	bookWait      = 500 * time.Millisecond
)

// BookGetter is the slice of the book service the executor needs.
type BookGetter interface {
	GetBook(ctx context.Context, tokenID string, freshness, wait time.Duration) (types.Book, error)
}

// Executor turns trade groups into persisted copy-attempt decisions. It is
// safe to run from multiple workers: all state lives in the database.
type Executor struct {
	store   *store.Store
	books   BookGetter
	runtime *config.Runtime
	state   *StateReader
	logger  *slog.Logger

	newID func() string       // test hook
	sleep func(time.Duration) // test hook
	now   func() time.Time    // test hook
}

// New builds the executor.
func New(st *store.Store, books BookGetter, runtime *config.Runtime, state *StateReader, logger *slog.Logger) *Executor {
	return &Executor{
		store:   st,
		books:   books,
		runtime: runtime,
		state:   state,
		logger:  logger.With("component", "executor"),
		newID:   uuid.NewString,
		sleep:   time.Sleep,
		now:     time.Now,
	}
}

// Process decides and persists one trade group for the global portfolio and
// the leader's attribution portfolio.
func (ex *Executor) Process(ctx context.Context, g types.TradeEventGroup) error {
	if err := ex.store.SaveTradeGroup(ctx, g, g.VWAPPriceMicros); err != nil {
		ex.logger.Error("save trade group", "group_key", g.GroupKey, "error", err)
	}

	for _, scope := range []types.Scope{types.ScopeExecGlobal, types.ScopeExecUser} {
		attempt, fills, err := ex.decide(ctx, scope, g, true)
		if err != nil {
			return err
		}
		if err := ex.persist(ctx, attempt, fills, g.FollowedUserID); err != nil {
			return err
		}
		ex.logger.Info("copy attempt decided",
			"scope", scope,
			"group_key", g.GroupKey,
			"decision", attempt.Decision,
			"reasons", attempt.ReasonCodes,
			"target", micros.String(attempt.TargetNotionalMicros),
			"filled", micros.String(attempt.FilledNotionalMicros))
	}
	return nil
}

// ProcessActivity persists merge/split/redeem groups as skips; nothing is
// copied from them yet.
func (ex *Executor) ProcessActivity(ctx context.Context, ag types.ActivityGroup) error {
	asset := ""
	if len(ag.AssetIDs) > 0 {
		asset = ag.AssetIDs[0]
	}
	for _, scope := range []types.Scope{types.ScopeExecGlobal, types.ScopeExecUser} {
		attempt := types.CopyAttempt{
			ID:                   ex.newID(),
			Scope:                scope,
			FollowedUserID:       attributionLeader(scope, ag.FollowedUserID),
			GroupKey:             ag.GroupKey,
			Decision:             types.DecisionSkip,
			ReasonCodes:          []types.ReasonCode{types.ReasonMergeSplitNotApplicable},
			SourceType:           types.SourceAggregator,
			AssetID:              asset,
			MarketID:             ag.MarketID,
			TargetNotionalMicros: micros.Zero(),
			FilledNotionalMicros: micros.Zero(),
			FilledShareMicros:    micros.Zero(),
			CreatedAt:            ex.now(),
		}
		if _, err := ex.store.UpsertCopyAttempt(ctx, attempt, nil); err != nil {
			return err
		}
	}
	return nil
}

// Replay re-decides recorded groups against the current configuration
// without persisting anything; used by the config dry-run endpoint.
func (ex *Executor) Replay(ctx context.Context, since time.Time) (total, executed, skipped int, err error) {
	groups, err := ex.store.GroupsSince(ctx, since)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, g := range groups {
		attempt, _, err := ex.decide(ctx, types.ScopeExecGlobal, g, false)
		if err != nil {
			return 0, 0, 0, err
		}
		total++
		if attempt.Decision == types.DecisionExecute {
			executed++
		} else {
			skipped++
		}
	}
	return total, executed, skipped, nil
}

// attributionLeader maps a group's leader onto the attempt row: global-scope
// rows carry the empty sentinel so the compound unique key applies.
func attributionLeader(scope types.Scope, leaderID string) string {
	if scope == types.ScopeExecGlobal {
		return ""
	}
	return leaderID
}

// decide runs the full pipeline for one (scope, group): timing, portfolio
// state, sizing, budget, book simulation, guardrails.
func (ex *Executor) decide(ctx context.Context, scope types.Scope, g types.TradeEventGroup, live bool) (types.CopyAttempt, []types.ExecutableFill, error) {
	gr := ex.runtime.Guardrails(g.FollowedUserID)
	sz := ex.runtime.Sizing(g.FollowedUserID)
	buf := ex.runtime.Buffering()

	if live {
		ex.decisionDelay(gr)
	}

	attempt := types.CopyAttempt{
		ID:                        ex.newID(),
		Scope:                     scope,
		FollowedUserID:            attributionLeader(scope, g.FollowedUserID),
		GroupKey:                  g.GroupKey,
		SourceType:                g.SourceType,
		BufferedTradeCount:        g.BufferedTradeCount,
		Side:                      g.Side,
		AssetID:                   g.AssetID,
		MarketID:                  g.MarketID,
		TargetNotionalMicros:      micros.Zero(),
		FilledNotionalMicros:      micros.Zero(),
		FilledShareMicros:         micros.Zero(),
		TheirReferencePriceMicros: g.VWAPPriceMicros,
		CreatedAt:                 ex.now(),
	}
	skip := func(reasons ...types.ReasonCode) (types.CopyAttempt, []types.ExecutableFill, error) {
		attempt.Decision = types.DecisionSkip
		attempt.ReasonCodes = reasons
		return attempt, nil, nil
	}

	// Pre-sizing filters.
	if g.SourceType != types.SourceBuffer && sz.MinLeaderTradeNotionalMicros > 0 &&
		g.TotalNotionalMicros.Cmp(micros.New(sz.MinLeaderTradeNotionalMicros)) < 0 {
		return skip(types.ReasonLeaderTradeBelowMin)
	}
	if g.SourceType == types.SourceBuffer &&
		g.TotalNotionalMicros.Cmp(micros.New(buf.MinExecNotionalMicros)) < 0 {
		return skip(types.ReasonBelowMinExecNotional)
	}

	state, err := ex.state.Read(ctx, scope, g.FollowedUserID)
	if err != nil {
		return attempt, nil, err
	}

	leaderExposure := micros.Zero()
	if sz.Mode == config.SizingBudgetedDynamic && sz.BudgetedDynamicEnabled {
		if leaderExposure, err = ex.state.LeaderShadowExposure(ctx, g.FollowedUserID); err != nil {
			return attempt, nil, err
		}
	}

	size := computeTarget(g, sz, state.EquityMicros, leaderExposure)
	attempt.TargetNotionalMicros = size.TargetNotional
	if size.Skip != "" {
		return skip(size.Skip)
	}

	posSign, err := ex.state.PositionSign(ctx, scope, g.FollowedUserID, g.AssetID)
	if err != nil {
		return attempt, nil, err
	}
	reducing := (g.Side == types.SELL && posSign > 0) || (g.Side == types.BUY && posSign < 0)

	target, budgetReason := enforceBudget(size.TargetNotional, sz, ex.execExposureForLeader(scope, state, g.FollowedUserID), reducing, &size)
	if budgetReason != "" {
		return skip(budgetReason)
	}
	attempt.TargetNotionalMicros = target

	tokenID := g.TokenID
	if tokenID == "" {
		return skip(types.ReasonNoLiquidityWithinBounds)
	}
	bk, err := ex.books.GetBook(ctx, tokenID, bookFreshness, bookWait)
	if err != nil || !bk.Initialized() {
		return skip(types.ReasonNoLiquidityWithinBounds)
	}
	attempt.MidPriceMicrosAtDecision = bk.MidPriceMicros

	sim := simulateFill(g, bk, target, g.VWAPPriceMicros, gr.MaxWorseningVsTheirFillMicros, gr.MaxOverMidMicros)

	reasons := evaluateGuardrails(guardrailInput{
		Scope:      scope,
		Side:       g.Side,
		LeaderID:   g.FollowedUserID,
		MarketKey:  marketKey(g),
		Guardrails: gr,
		Sim:        sim,
		Book:       bk,
		State:      state,
		Target:     target,
		TheirRef:   g.VWAPPriceMicros,
		Reducing:   reducing,
	})
	if len(reasons) > 0 {
		return skip(reasons...)
	}

	attempt.Decision = types.DecisionExecute
	attempt.ReasonCodes = []types.ReasonCode{}
	attempt.FilledNotionalMicros = sim.FilledNotional
	attempt.FilledShareMicros = sim.FilledShares
	attempt.VWAPPriceMicros = sim.VWAPFilled
	attempt.FilledRatioBps = sim.FilledRatioBps

	if size.ClampedByBankroll || size.ClampedToMax || size.BudgetCapped {
		ex.logger.Debug("target clamped",
			"group_key", g.GroupKey,
			"bankroll", size.ClampedByBankroll,
			"max", size.ClampedToMax,
			"budget", size.BudgetCapped)
	}
	return attempt, sim.Fills, nil
}

// execExposureForLeader picks the exposure the budget cap counts against:
// the leader's slice of the global book, or the whole per-leader book.
func (ex *Executor) execExposureForLeader(scope types.Scope, state *types.PortfolioState, leaderID string) *big.Int {
	if scope == types.ScopeExecGlobal {
		if e, ok := state.ExposureByLeader[leaderID]; ok {
			return e
		}
		return micros.Zero()
	}
	return state.TotalExposureMicros
}

func marketKey(g types.TradeEventGroup) string {
	if g.MarketID != "" {
		return g.MarketID
	}
	return g.AssetID
}

// persist writes the attempt, its fills and (on EXECUTE) the ledger entry.
// The upsert reuses the attempt id on re-run, keeping refIds stable so the
// ledger insert stays idempotent.
func (ex *Executor) persist(ctx context.Context, attempt types.CopyAttempt, fills []types.ExecutableFill, leader string) error {
	id, err := ex.store.UpsertCopyAttempt(ctx, attempt, fills)
	if err != nil {
		return err
	}
	if attempt.Decision != types.DecisionExecute {
		return nil
	}

	shareDelta := micros.Clone(attempt.FilledShareMicros)
	if attempt.Side == types.SELL {
		shareDelta.Neg(shareDelta)
	}
	cashDelta := micros.Neg(micros.Notional(shareDelta, attempt.VWAPPriceMicros))

	// Ledger rows keep leader attribution even in the global book so
	// per-leader exposure can be derived from it.
	return ex.store.InsertLedgerEntry(ctx, types.LedgerEntry{
		Scope:            attempt.Scope,
		FollowedUserID:   leader,
		MarketID:         attempt.MarketID,
		AssetID:          attempt.AssetID,
		EntryType:        types.EntryTradeFill,
		ShareDeltaMicros: shareDelta,
		CashDeltaMicros:  cashDelta,
		PriceMicros:      attempt.VWAPPriceMicros,
		RefID:            "copy:" + id,
		CreatedAt:        ex.now(),
	})
}

// decisionDelay applies the configured latency realism before decision work.
func (ex *Executor) decisionDelay(gr config.Guardrails) {
	delay := time.Duration(gr.DecisionLatencyMs) * time.Millisecond
	if gr.JitterMsMax > 0 {
		delay += time.Duration(rand.Intn(gr.JitterMsMax+1)) * time.Millisecond
	}
	if delay > 0 {
		ex.sleep(delay)
	}
}
