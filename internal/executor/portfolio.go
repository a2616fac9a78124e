// Package executor decides EXECUTE or SKIP for each trade group and persists
// the outcome. It is stateless between calls: every decision re-reads
// configuration, portfolio state and the live book, so N workers can run in
// parallel and the database's (scope, leader, groupKey) uniqueness is the
// only serialization point.
package executor

import (
	"context"
	"math/big"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

// defaultMarkMicros values positions whose asset has no price snapshot yet.
const defaultMarkMicros int64 = 500_000

// shadowEquityMicros is the stand-in equity for per-leader scopes when no
// snapshot exists. Large enough that exposure caps bind on real limits, not
// on the placeholder.
const shadowEquityMicros int64 = 1_000_000_000_000 // $1M

// StateReader derives the portfolio view a decision needs from the ledger
// and the latest snapshots.
type StateReader struct {
	store  *store.Store
	system func() config.System
	now    func() time.Time // test hook
}

// NewStateReader builds the reader.
func NewStateReader(st *store.Store, system func() config.System) *StateReader {
	return &StateReader{store: st, system: system, now: time.Now}
}

// Read computes PortfolioState for (scope, leader). leaderID is ignored for
// the global scope, whose exposure spans all leaders.
func (r *StateReader) Read(ctx context.Context, scope types.Scope, leaderID string) (*types.PortfolioState, error) {
	snapLeader := leaderID
	posLeader := leaderID
	if scope == types.ScopeExecGlobal {
		snapLeader = ""
		posLeader = "*"
	}

	state := &types.PortfolioState{
		TotalExposureMicros: micros.Zero(),
		ExposureByMarket:    make(map[string]*big.Int),
		ExposureByLeader:    make(map[string]*big.Int),
		DailyPnlMicros:      micros.Zero(),
		WeeklyPnlMicros:     micros.Zero(),
	}

	snap, err := r.store.LatestSnapshot(ctx, scope, snapLeader)
	if err != nil {
		return nil, err
	}
	switch {
	case snap != nil:
		state.EquityMicros = micros.Clone(snap.EquityMicros)
	case scope == types.ScopeExecGlobal:
		state.EquityMicros = micros.New(r.system().InitialBankrollMicros)
	default:
		state.EquityMicros = micros.New(shadowEquityMicros)
	}

	positions, err := r.store.Positions(ctx, scope, posLeader)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		value, err := r.valuePosition(ctx, p)
		if err != nil {
			return nil, err
		}
		state.TotalExposureMicros.Add(state.TotalExposureMicros, value)
		key := p.MarketID
		if key == "" {
			key = p.AssetID
		}
		if cur, ok := state.ExposureByMarket[key]; ok {
			cur.Add(cur, value)
		} else {
			state.ExposureByMarket[key] = micros.Clone(value)
		}
	}

	if scope == types.ScopeExecGlobal {
		byLeader, err := r.store.PositionsByLeader(ctx, scope)
		if err != nil {
			return nil, err
		}
		for leader, ps := range byLeader {
			sum := micros.Zero()
			for _, p := range ps {
				value, err := r.valuePosition(ctx, p)
				if err != nil {
					return nil, err
				}
				sum.Add(sum, value)
			}
			state.ExposureByLeader[leader] = sum
		}
	}

	if err := r.readPnl(ctx, scope, snapLeader, state); err != nil {
		return nil, err
	}
	return state, nil
}

// valuePosition marks one ledger position at the latest mid, defaulting to
// 0.5 when no mark exists. Exposure is always an absolute value.
func (r *StateReader) valuePosition(ctx context.Context, p store.Position) (*big.Int, error) {
	mark, ok, err := r.store.LatestMarkPrice(ctx, p.AssetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		mark = defaultMarkMicros
	}
	return micros.Abs(micros.Notional(p.ShareMicros, mark)), nil
}

// readPnl fills in peak equity and the trailing loss windows. With no
// snapshots, peak defaults to current equity so drawdown is zero from a
// cold start; a missing baseline leaves the window PnL at zero.
func (r *StateReader) readPnl(ctx context.Context, scope types.Scope, leaderID string, state *types.PortfolioState) error {
	peak, ok, err := r.store.PeakEquity(ctx, scope, leaderID)
	if err != nil {
		return err
	}
	if !ok {
		peak = micros.Clone(state.EquityMicros)
	}
	state.PeakEquityMicros = micros.Max(peak, state.EquityMicros)

	now := r.now()
	for _, w := range []struct {
		dst    **big.Int
		window time.Duration
	}{
		{&state.DailyPnlMicros, 24 * time.Hour},
		{&state.WeeklyPnlMicros, 7 * 24 * time.Hour},
	} {
		base, ok, err := r.store.EquityAt(ctx, scope, leaderID, now.Add(-w.window))
		if err != nil {
			return err
		}
		if ok {
			*w.dst = micros.Sub(state.EquityMicros, base)
		}
	}
	return nil
}

// PositionSign returns the sign of the current net share position for
// (scope, leader, asset): +1 long, -1 short, 0 flat.
func (r *StateReader) PositionSign(ctx context.Context, scope types.Scope, leaderID, assetID string) (int, error) {
	shares, err := r.store.PositionShares(ctx, scope, leaderID, assetID)
	if err != nil {
		return 0, err
	}
	return shares.Sign(), nil
}

// LeaderShadowExposure reads the leader's mirrored exposure from the latest
// SHADOW_USER snapshot; zero when none exists.
func (r *StateReader) LeaderShadowExposure(ctx context.Context, leaderID string) (*big.Int, error) {
	snap, err := r.store.LatestSnapshot(ctx, types.ScopeShadowUser, leaderID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return micros.Zero(), nil
	}
	return micros.Clone(snap.ExposureMicros), nil
}
