// Package store persists the copy-attempt ledger in SQLite.
//
// Layout:
//   - copy_attempts:     one row per (scope, leader, group key) decision; UPSERT on re-run
//   - executable_fills:  per-level simulated fills, replaced wholesale with their attempt
//   - ledger_entries:    double-entry rows, idempotent under (scope, ref_id, entry_type)
//   - portfolio_snapshots, market_price_snapshots: externally produced marks
//   - trade_groups:      every group seen by the executor (feeds the config replay)
//   - resolved_tokens:   tokens whose market resolved (REST 404), best-effort persisted
//   - followed_users:    leader wallets for UI labeling
//   - config_kv:         runtime config document storage
//
// Big share/notional quantities are stored as base-10 TEXT so they round-trip
// through math/big without loss; prices and bps fit in INTEGER columns.
// The database is the single writer-serialization point: per-(scope, groupKey)
// uniqueness is enforced here, with the empty string standing in for the
// global scope's null leader so the compound unique index always applies.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS copy_attempts (
    id               TEXT PRIMARY KEY,
    scope            TEXT NOT NULL,
    followed_user_id TEXT NOT NULL DEFAULT '',
    group_key        TEXT NOT NULL,
    decision         TEXT NOT NULL,
    reason_codes     TEXT NOT NULL DEFAULT '[]',
    source_type      TEXT NOT NULL,
    buffered_count   INTEGER NOT NULL DEFAULT 0,
    side             TEXT NOT NULL,
    asset_id         TEXT NOT NULL,
    market_id        TEXT NOT NULL DEFAULT '',
    target_notional  TEXT NOT NULL DEFAULT '0',
    filled_notional  TEXT NOT NULL DEFAULT '0',
    filled_share     TEXT NOT NULL DEFAULT '0',
    vwap_price       INTEGER NOT NULL DEFAULT 0,
    filled_ratio_bps INTEGER NOT NULL DEFAULT 0,
    their_ref_price  INTEGER NOT NULL DEFAULT 0,
    mid_price        INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL,
    UNIQUE(scope, followed_user_id, group_key)
);
CREATE INDEX IF NOT EXISTS idx_attempts_created ON copy_attempts(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_asset   ON copy_attempts(asset_id);

CREATE TABLE IF NOT EXISTS executable_fills (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    copy_attempt_id TEXT NOT NULL,
    fill_price      INTEGER NOT NULL,
    filled_share    TEXT NOT NULL,
    fill_notional   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_attempt ON executable_fills(copy_attempt_id);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    scope            TEXT NOT NULL,
    followed_user_id TEXT NOT NULL DEFAULT '',
    market_id        TEXT NOT NULL DEFAULT '',
    asset_id         TEXT NOT NULL,
    entry_type       TEXT NOT NULL,
    share_delta      TEXT NOT NULL,
    cash_delta       TEXT NOT NULL,
    price            INTEGER NOT NULL DEFAULT 0,
    ref_id           TEXT NOT NULL,
    created_at       DATETIME NOT NULL,
    UNIQUE(scope, ref_id, entry_type)
);
CREATE INDEX IF NOT EXISTS idx_ledger_position ON ledger_entries(scope, followed_user_id, asset_id);

CREATE TABLE IF NOT EXISTS portfolio_snapshots (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    scope            TEXT NOT NULL,
    followed_user_id TEXT NOT NULL DEFAULT '',
    bucket_time      DATETIME NOT NULL,
    equity           TEXT NOT NULL,
    exposure         TEXT NOT NULL DEFAULT '0',
    cash             TEXT NOT NULL DEFAULT '0'
);
CREATE INDEX IF NOT EXISTS idx_snapshots_lookup ON portfolio_snapshots(scope, followed_user_id, bucket_time DESC);

CREATE TABLE IF NOT EXISTS market_price_snapshots (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    asset_id    TEXT NOT NULL,
    bucket_time DATETIME NOT NULL,
    mid_price   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prices_lookup ON market_price_snapshots(asset_id, bucket_time DESC);

CREATE TABLE IF NOT EXISTS trade_groups (
    group_key        TEXT PRIMARY KEY,
    followed_user_id TEXT NOT NULL,
    token_id         TEXT NOT NULL,
    asset_id         TEXT NOT NULL,
    market_id        TEXT NOT NULL DEFAULT '',
    side             TEXT NOT NULL,
    total_notional   TEXT NOT NULL,
    total_share      TEXT NOT NULL,
    vwap_price       INTEGER NOT NULL,
    source_type      TEXT NOT NULL,
    buffered_count   INTEGER NOT NULL DEFAULT 0,
    window_start     DATETIME NOT NULL,
    created_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_groups_created ON trade_groups(created_at DESC);

CREATE TABLE IF NOT EXISTS resolved_tokens (
    token_id    TEXT PRIMARY KEY,
    resolved_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS followed_users (
    id      TEXT PRIMARY KEY,
    address TEXT NOT NULL,
    label   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS config_kv (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// UpsertCopyAttempt writes the decision row for (scope, leader, groupKey) and
// replaces its fills. Re-running the same decision keeps the original attempt
// id, so ledger refIds stay stable and retries cannot duplicate rows.
func (s *Store) UpsertCopyAttempt(ctx context.Context, attempt types.CopyAttempt, fills []types.ExecutableFill) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin upsert attempt: %w", err)
	}
	defer tx.Rollback()

	// Keep the existing id on re-run.
	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM copy_attempts WHERE scope=? AND followed_user_id=? AND group_key=?`,
		attempt.Scope, attempt.FollowedUserID, attempt.GroupKey,
	).Scan(&existingID)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup attempt: %w", err)
	}
	if existingID != "" {
		attempt.ID = existingID
	}

	reasons, err := json.Marshal(attempt.ReasonCodes)
	if err != nil {
		return "", fmt.Errorf("encode reasons: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO copy_attempts
  (id, scope, followed_user_id, group_key, decision, reason_codes, source_type,
   buffered_count, side, asset_id, market_id, target_notional, filled_notional,
   filled_share, vwap_price, filled_ratio_bps, their_ref_price, mid_price, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(scope, followed_user_id, group_key) DO UPDATE SET
  decision=excluded.decision, reason_codes=excluded.reason_codes,
  source_type=excluded.source_type, buffered_count=excluded.buffered_count,
  target_notional=excluded.target_notional, filled_notional=excluded.filled_notional,
  filled_share=excluded.filled_share, vwap_price=excluded.vwap_price,
  filled_ratio_bps=excluded.filled_ratio_bps, their_ref_price=excluded.their_ref_price,
  mid_price=excluded.mid_price`,
		attempt.ID, attempt.Scope, attempt.FollowedUserID, attempt.GroupKey,
		attempt.Decision, string(reasons), attempt.SourceType,
		attempt.BufferedTradeCount, attempt.Side, attempt.AssetID, attempt.MarketID,
		bigText(attempt.TargetNotionalMicros), bigText(attempt.FilledNotionalMicros),
		bigText(attempt.FilledShareMicros), attempt.VWAPPriceMicros,
		attempt.FilledRatioBps, attempt.TheirReferencePriceMicros,
		attempt.MidPriceMicrosAtDecision, attempt.CreatedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("upsert attempt: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM executable_fills WHERE copy_attempt_id=?`, attempt.ID); err != nil {
		return "", fmt.Errorf("clear fills: %w", err)
	}
	for _, f := range fills {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO executable_fills (copy_attempt_id, fill_price, filled_share, fill_notional) VALUES (?,?,?,?)`,
			attempt.ID, f.FillPriceMicros, bigText(f.FilledShareMicros), bigText(f.FillNotionalMicros),
		); err != nil {
			return "", fmt.Errorf("insert fill: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit attempt: %w", err)
	}
	return attempt.ID, nil
}

// InsertLedgerEntry writes a ledger row. Duplicate (scope, refId, entryType)
// inserts are silently ignored, which makes executor retries idempotent.
func (s *Store) InsertLedgerEntry(ctx context.Context, e types.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO ledger_entries
  (scope, followed_user_id, market_id, asset_id, entry_type, share_delta, cash_delta, price, ref_id, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.Scope, e.FollowedUserID, e.MarketID, e.AssetID, e.EntryType,
		bigText(e.ShareDeltaMicros), bigText(e.CashDeltaMicros), e.PriceMicros,
		e.RefID, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// SaveTradeGroup records an executed-or-skipped group for later replay.
func (s *Store) SaveTradeGroup(ctx context.Context, g types.TradeEventGroup, theirRef int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trade_groups
  (group_key, followed_user_id, token_id, asset_id, market_id, side,
   total_notional, total_share, vwap_price, source_type, buffered_count, window_start, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(group_key) DO NOTHING`,
		g.GroupKey, g.FollowedUserID, g.TokenID, g.AssetID, g.MarketID, g.Side,
		bigText(g.TotalNotionalMicros), bigText(g.TotalShareMicros), g.VWAPPriceMicros,
		g.SourceType, g.BufferedTradeCount, g.WindowStart.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save trade group: %w", err)
	}
	_ = theirRef // the group's VWAP is its reference price
	return nil
}

// GroupsSince returns groups recorded after the cutoff, oldest first.
func (s *Store) GroupsSince(ctx context.Context, cutoff time.Time) ([]types.TradeEventGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT group_key, followed_user_id, token_id, asset_id, market_id, side,
       total_notional, total_share, vwap_price, source_type, buffered_count, window_start
FROM trade_groups WHERE created_at >= ? ORDER BY created_at ASC`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []types.TradeEventGroup
	for rows.Next() {
		var g types.TradeEventGroup
		var notional, share string
		if err := rows.Scan(&g.GroupKey, &g.FollowedUserID, &g.TokenID, &g.AssetID,
			&g.MarketID, &g.Side, &notional, &share, &g.VWAPPriceMicros,
			&g.SourceType, &g.BufferedTradeCount, &g.WindowStart); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		if g.TotalNotionalMicros, err = micros.Parse(notional); err != nil {
			return nil, err
		}
		if g.TotalShareMicros, err = micros.Parse(share); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SaveResolvedToken marks a token's market as resolved (best effort).
func (s *Store) SaveResolvedToken(ctx context.Context, tokenID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO resolved_tokens (token_id, resolved_at) VALUES (?,?)
ON CONFLICT(token_id) DO UPDATE SET resolved_at=excluded.resolved_at`,
		tokenID, at.UTC())
	return err
}

// LoadResolvedTokens returns tokens resolved after the cutoff.
func (s *Store) LoadResolvedTokens(ctx context.Context, cutoff time.Time) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_id, resolved_at FROM resolved_tokens WHERE resolved_at >= ?`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query resolved tokens: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at
	}
	return out, rows.Err()
}

// UpsertFollowedUsers syncs the configured leader wallets.
func (s *Store) UpsertFollowedUsers(ctx context.Context, users []types.FollowedUser) error {
	for _, u := range users {
		if _, err := s.db.ExecContext(ctx, `
INSERT INTO followed_users (id, address, label) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET address=excluded.address, label=excluded.label`,
			u.ID, u.Address, u.Label); err != nil {
			return fmt.Errorf("upsert followed user %s: %w", u.ID, err)
		}
	}
	return nil
}

// ListFollowedUsers returns all leader wallets.
func (s *Store) ListFollowedUsers(ctx context.Context) ([]types.FollowedUser, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, address, label FROM followed_users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query followed users: %w", err)
	}
	defer rows.Close()

	var out []types.FollowedUser
	for rows.Next() {
		var u types.FollowedUser
		if err := rows.Scan(&u.ID, &u.Address, &u.Label); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SaveConfigValue implements config.KV.
func (s *Store) SaveConfigValue(key, value string) error {
	_, err := s.db.Exec(`
INSERT INTO config_kv (key, value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// LoadConfigValue implements config.KV.
func (s *Store) LoadConfigValue(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM config_kv WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// ConfigKeys implements config.KV.
func (s *Store) ConfigKeys(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM config_kv WHERE key LIKE ?`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, rows.Err()
}

func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
