package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

// Position is the summed ledger position for one asset.
type Position struct {
	AssetID     string
	MarketID    string
	ShareMicros *big.Int
}

// PositionShares returns the net share position for (scope, leader, asset).
func (s *Store) PositionShares(ctx context.Context, scope types.Scope, leaderID, assetID string) (*big.Int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT share_delta FROM ledger_entries
WHERE scope=? AND followed_user_id=? AND asset_id=?`, scope, leaderID, assetID)
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	defer rows.Close()

	sum := new(big.Int)
	for rows.Next() {
		var delta string
		if err := rows.Scan(&delta); err != nil {
			return nil, err
		}
		d, err := micros.Parse(delta)
		if err != nil {
			return nil, err
		}
		sum.Add(sum, d)
	}
	return sum, rows.Err()
}

// Positions returns every non-flat asset position for (scope, leader).
// Pass leaderID "" with scope EXEC_GLOBAL for the global book; pass leaderID
// "*" to span all leaders within the scope.
func (s *Store) Positions(ctx context.Context, scope types.Scope, leaderID string) ([]Position, error) {
	query := `
SELECT asset_id, market_id, share_delta FROM ledger_entries WHERE scope=?`
	args := []any{scope}
	if leaderID != "*" {
		query += ` AND followed_user_id=?`
		args = append(args, leaderID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	type acc struct {
		marketID string
		shares   *big.Int
	}
	byAsset := make(map[string]*acc)
	for rows.Next() {
		var asset, market, delta string
		if err := rows.Scan(&asset, &market, &delta); err != nil {
			return nil, err
		}
		d, err := micros.Parse(delta)
		if err != nil {
			return nil, err
		}
		a, ok := byAsset[asset]
		if !ok {
			a = &acc{marketID: market, shares: new(big.Int)}
			byAsset[asset] = a
		}
		a.shares.Add(a.shares, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(byAsset))
	for asset, a := range byAsset {
		if a.shares.Sign() == 0 {
			continue
		}
		out = append(out, Position{AssetID: asset, MarketID: a.marketID, ShareMicros: a.shares})
	}
	return out, nil
}

// PositionsByLeader sums share positions per leader within a scope, keyed by
// (leader, asset).
func (s *Store) PositionsByLeader(ctx context.Context, scope types.Scope) (map[string][]Position, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT followed_user_id, asset_id, market_id, share_delta FROM ledger_entries WHERE scope=?`, scope)
	if err != nil {
		return nil, fmt.Errorf("query leader positions: %w", err)
	}
	defer rows.Close()

	type key struct{ leader, asset string }
	type acc struct {
		marketID string
		shares   *big.Int
	}
	sums := make(map[key]*acc)
	for rows.Next() {
		var leader, asset, market, delta string
		if err := rows.Scan(&leader, &asset, &market, &delta); err != nil {
			return nil, err
		}
		d, err := micros.Parse(delta)
		if err != nil {
			return nil, err
		}
		k := key{leader, asset}
		a, ok := sums[k]
		if !ok {
			a = &acc{marketID: market, shares: new(big.Int)}
			sums[k] = a
		}
		a.shares.Add(a.shares, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string][]Position)
	for k, a := range sums {
		if a.shares.Sign() == 0 {
			continue
		}
		out[k.leader] = append(out[k.leader], Position{AssetID: k.asset, MarketID: a.marketID, ShareMicros: a.shares})
	}
	return out, nil
}

// InsertPortfolioSnapshot records an equity snapshot.
func (s *Store) InsertPortfolioSnapshot(ctx context.Context, snap types.PortfolioSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO portfolio_snapshots (scope, followed_user_id, bucket_time, equity, exposure, cash)
VALUES (?,?,?,?,?,?)`,
		snap.Scope, snap.FollowedUserID, snap.BucketTime.UTC(),
		bigText(snap.EquityMicros), bigText(snap.ExposureMicros), bigText(snap.CashMicros))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for (scope, leader), or
// nil when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, scope types.Scope, leaderID string) (*types.PortfolioSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT bucket_time, equity, exposure, cash FROM portfolio_snapshots
WHERE scope=? AND followed_user_id=?
ORDER BY bucket_time DESC LIMIT 1`, scope, leaderID)

	snap := types.PortfolioSnapshot{Scope: scope, FollowedUserID: leaderID}
	var equity, exposure, cash string
	err := row.Scan(&snap.BucketTime, &equity, &exposure, &cash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	if snap.EquityMicros, err = micros.Parse(equity); err != nil {
		return nil, err
	}
	if snap.ExposureMicros, err = micros.Parse(exposure); err != nil {
		return nil, err
	}
	if snap.CashMicros, err = micros.Parse(cash); err != nil {
		return nil, err
	}
	return &snap, nil
}

// EquityAt returns the newest equity at or before the cutoff, if any.
func (s *Store) EquityAt(ctx context.Context, scope types.Scope, leaderID string, cutoff time.Time) (*big.Int, bool, error) {
	var equity string
	err := s.db.QueryRowContext(ctx, `
SELECT equity FROM portfolio_snapshots
WHERE scope=? AND followed_user_id=? AND bucket_time <= ?
ORDER BY bucket_time DESC LIMIT 1`, scope, leaderID, cutoff.UTC()).Scan(&equity)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("equity at: %w", err)
	}
	v, err := micros.Parse(equity)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// PeakEquity returns the maximum equity across all snapshots for the scope.
// With no snapshots, drawdown is definitionally zero, so ok=false.
func (s *Store) PeakEquity(ctx context.Context, scope types.Scope, leaderID string) (*big.Int, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT equity FROM portfolio_snapshots WHERE scope=? AND followed_user_id=?`, scope, leaderID)
	if err != nil {
		return nil, false, fmt.Errorf("peak equity: %w", err)
	}
	defer rows.Close()

	var peak *big.Int
	for rows.Next() {
		var equity string
		if err := rows.Scan(&equity); err != nil {
			return nil, false, err
		}
		v, err := micros.Parse(equity)
		if err != nil {
			return nil, false, err
		}
		if peak == nil || v.Cmp(peak) > 0 {
			peak = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if peak == nil {
		return nil, false, nil
	}
	return peak, true, nil
}

// InsertMarketPrice records a mid-price mark for an asset.
func (s *Store) InsertMarketPrice(ctx context.Context, snap types.MarketPriceSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO market_price_snapshots (asset_id, bucket_time, mid_price) VALUES (?,?,?)`,
		snap.AssetID, snap.BucketTime.UTC(), snap.MidpointPriceMicros)
	if err != nil {
		return fmt.Errorf("insert market price: %w", err)
	}
	return nil
}

// LatestMarkPrice returns the newest mid-price mark for an asset.
func (s *Store) LatestMarkPrice(ctx context.Context, assetID string) (int64, bool, error) {
	var mid int64
	err := s.db.QueryRowContext(ctx, `
SELECT mid_price FROM market_price_snapshots WHERE asset_id=?
ORDER BY bucket_time DESC LIMIT 1`, assetID).Scan(&mid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest mark: %w", err)
	}
	return mid, true, nil
}

// GetCopyAttempt fetches one attempt by its natural key.
func (s *Store) GetCopyAttempt(ctx context.Context, scope types.Scope, leaderID, groupKey string) (*types.CopyAttempt, error) {
	row := s.db.QueryRowContext(ctx, attemptSelect+`
WHERE scope=? AND followed_user_id=? AND group_key=?`, scope, leaderID, groupKey)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// FillsForAttempt returns the simulated fills for an attempt.
func (s *Store) FillsForAttempt(ctx context.Context, attemptID string) ([]types.ExecutableFill, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT copy_attempt_id, fill_price, filled_share, fill_notional
FROM executable_fills WHERE copy_attempt_id=? ORDER BY id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []types.ExecutableFill
	for rows.Next() {
		var f types.ExecutableFill
		var share, notional string
		if err := rows.Scan(&f.CopyAttemptID, &f.FillPriceMicros, &share, &notional); err != nil {
			return nil, err
		}
		if f.FilledShareMicros, err = micros.Parse(share); err != nil {
			return nil, err
		}
		if f.FillNotionalMicros, err = micros.Parse(notional); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LedgerEntryByRef returns the ledger row for (scope, refId, entryType).
func (s *Store) LedgerEntryByRef(ctx context.Context, scope types.Scope, refID string, entryType types.EntryType) (*types.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, scope, followed_user_id, market_id, asset_id, entry_type,
       share_delta, cash_delta, price, ref_id, created_at
FROM ledger_entries WHERE scope=? AND ref_id=? AND entry_type=?`, scope, refID, entryType)

	var e types.LedgerEntry
	var share, cash string
	err := row.Scan(&e.ID, &e.Scope, &e.FollowedUserID, &e.MarketID, &e.AssetID,
		&e.EntryType, &share, &cash, &e.PriceMicros, &e.RefID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger by ref: %w", err)
	}
	if e.ShareDeltaMicros, err = micros.Parse(share); err != nil {
		return nil, err
	}
	if e.CashDeltaMicros, err = micros.Parse(cash); err != nil {
		return nil, err
	}
	return &e, nil
}

// CountLedgerEntries returns the number of ledger rows (test support and
// dashboard metrics).
func (s *Store) CountLedgerEntries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n)
	return n, err
}

// ListCopyAttempts pages attempts newest-first. cursor is the last seen
// attempt id ("" for the first page); assetID optionally filters.
func (s *Store) ListCopyAttempts(ctx context.Context, limit int, cursor, assetID string) ([]types.CopyAttempt, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM copy_attempts`
	var countArgs []any
	if assetID != "" {
		countQ += ` WHERE asset_id=?`
		countArgs = append(countArgs, assetID)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attempts: %w", err)
	}

	q := attemptSelect
	var args []any
	var conds []string
	if assetID != "" {
		conds = append(conds, `asset_id=?`)
		args = append(args, assetID)
	}
	if cursor != "" {
		// Cursor pagination on (created_at, id) of the last seen row.
		conds = append(conds, `(created_at, id) < (SELECT created_at, id FROM copy_attempts WHERE id=?)`)
		args = append(args, cursor)
	}
	for i, c := range conds {
		if i == 0 {
			q += ` WHERE ` + c
		} else {
			q += ` AND ` + c
		}
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []types.CopyAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *a)
	}
	return out, total, rows.Err()
}

const attemptSelect = `
SELECT id, scope, followed_user_id, group_key, decision, reason_codes, source_type,
       buffered_count, side, asset_id, market_id, target_notional, filled_notional,
       filled_share, vwap_price, filled_ratio_bps, their_ref_price, mid_price, created_at
FROM copy_attempts`

type rowScanner interface{ Scan(dest ...any) error }

func scanAttempt(row rowScanner) (*types.CopyAttempt, error) {
	var a types.CopyAttempt
	var reasons, target, filledNotional, filledShare string
	err := row.Scan(&a.ID, &a.Scope, &a.FollowedUserID, &a.GroupKey, &a.Decision,
		&reasons, &a.SourceType, &a.BufferedTradeCount, &a.Side, &a.AssetID,
		&a.MarketID, &target, &filledNotional, &filledShare, &a.VWAPPriceMicros,
		&a.FilledRatioBps, &a.TheirReferencePriceMicros, &a.MidPriceMicrosAtDecision,
		&a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(reasons), &a.ReasonCodes); err != nil {
		return nil, fmt.Errorf("decode reasons: %w", err)
	}
	if a.TargetNotionalMicros, err = micros.Parse(target); err != nil {
		return nil, err
	}
	if a.FilledNotionalMicros, err = micros.Parse(filledNotional); err != nil {
		return nil, err
	}
	if a.FilledShareMicros, err = micros.Parse(filledShare); err != nil {
		return nil, err
	}
	return &a, nil
}
