// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the simulator — leader trade
// events, aggregated groups, order book snapshots, copy attempts, ledger
// entries and WebSocket payloads. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Scope identifies which proxy portfolio a decision is evaluated against.
type Scope string

const (
	// ScopeExecGlobal is the single executable portfolio.
	ScopeExecGlobal Scope = "EXEC_GLOBAL"
	// ScopeExecUser is the per-leader sub-portfolio used for attribution.
	ScopeExecUser Scope = "EXEC_USER"
	// ScopeShadowUser mirrors a leader 1:1 and never executes; its snapshots
	// value leader exposure for budgeted-dynamic sizing.
	ScopeShadowUser Scope = "SHADOW_USER"
)

// SourceType records which path produced a trade group.
type SourceType string

const (
	SourceImmediate  SourceType = "IMMEDIATE"
	SourceBuffer     SourceType = "BUFFER"
	SourceAggregator SourceType = "AGGREGATOR"
)

// Decision is the outcome of one copy attempt.
type Decision string

const (
	DecisionExecute Decision = "EXECUTE"
	DecisionSkip    Decision = "SKIP"
)

// ReasonCode explains why an attempt was skipped. The set is closed and
// append-only.
type ReasonCode string

const (
	ReasonPriceWorseThanTheirFill ReasonCode = "PRICE_WORSE_THAN_THEIR_FILL"
	ReasonPriceTooFarOverMid      ReasonCode = "PRICE_TOO_FAR_OVER_MID"
	ReasonMaxBuyCostExceeded      ReasonCode = "MAX_BUY_COST_EXCEEDED"
	ReasonSpreadTooWide           ReasonCode = "SPREAD_TOO_WIDE"
	ReasonInsufficientDepth       ReasonCode = "INSUFFICIENT_DEPTH"
	ReasonNoLiquidityWithinBounds ReasonCode = "NO_LIQUIDITY_WITHIN_BOUNDS"
	ReasonLeaderTradeBelowMin     ReasonCode = "LEADER_TRADE_BELOW_MIN_NOTIONAL"
	ReasonBelowMinTradeNotional   ReasonCode = "BELOW_MIN_TRADE_NOTIONAL"
	ReasonBelowMinExecNotional    ReasonCode = "BELOW_MIN_EXEC_NOTIONAL"
	ReasonBudgetHardCapExceeded   ReasonCode = "BUDGET_HARD_CAP_EXCEEDED"
	ReasonRiskCapUser             ReasonCode = "RISK_CAP_USER"
	ReasonRiskCapGlobal           ReasonCode = "RISK_CAP_GLOBAL"
	ReasonCircuitBreakerTripped   ReasonCode = "CIRCUIT_BREAKER_TRIPPED"
	ReasonMergeSplitNotApplicable ReasonCode = "MERGE_SPLIT_NOT_APPLICABLE"
)

// EntryType classifies ledger entries.
type EntryType string

const (
	EntryTradeFill EntryType = "TRADE_FILL"
)

// ActivityType classifies non-trade leader activity.
type ActivityType string

const (
	ActivityMerge  ActivityType = "MERGE"
	ActivitySplit  ActivityType = "SPLIT"
	ActivityRedeem ActivityType = "REDEEM"
)

// BookSource records which feed produced a book snapshot.
type BookSource string

const (
	BookSourceWS   BookSource = "WS"
	BookSourceREST BookSource = "REST"
)

// ————————————————————————————————————————————————————————————————————————
// Leader events and groups
// ————————————————————————————————————————————————————————————————————————

// FollowedUser is a leader wallet observed for trades. Managed externally;
// read-only inside the execution pipeline.
type FollowedUser struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Label   string `json:"label"`
}

// PendingTradeEvent is one detected leader fill before aggregation.
// NotionalMicros and ShareMicros are exact quantities from the ingester;
// PriceMicros is the leader's fill price.
type PendingTradeEvent struct {
	ID             string
	FollowedUserID string
	AssetID        string // venue API asset id
	RawTokenID     string // on-chain token id (preferred when present)
	MarketID       string
	Side           Side
	PriceMicros    int64
	ShareMicros    *big.Int
	NotionalMicros *big.Int
	DetectTime     time.Time
	EventTime      time.Time
}

// TokenID returns the on-chain token id, falling back to the API asset id.
func (e PendingTradeEvent) TokenID() string {
	if e.RawTokenID != "" {
		return e.RawTokenID
	}
	return e.AssetID
}

// TradeEventGroup is an aggregated batch of leader fills sharing
// (leader, token, side) within one aggregation window.
type TradeEventGroup struct {
	GroupKey            string
	FollowedUserID      string
	TokenID             string
	AssetID             string
	MarketID            string
	Side                Side
	TotalNotionalMicros *big.Int
	TotalShareMicros    *big.Int
	VWAPPriceMicros     int64
	SourceType          SourceType
	BufferedTradeCount  int
	WindowStart         time.Time
	EventIDs            []string
}

// ActivityEvent is a detected merge/split/redeem by a leader.
type ActivityEvent struct {
	ID             string
	FollowedUserID string
	Type           ActivityType
	AssetIDs       []string
	MarketID       string
	DetectTime     time.Time
}

// ActivityGroup is an aggregated batch of activity events sharing
// (leader, type, sorted asset ids) within one window.
type ActivityGroup struct {
	GroupKey       string
	FollowedUserID string
	Type           ActivityType
	AssetIDs       []string
	MarketID       string
	WindowStart    time.Time
	EventIDs       []string
}

// WindowStart floors t to the start of its aggregation window.
// Windows are half-open intervals [floor(t/w)*w, floor(t/w)*w + w) aligned
// to the epoch.
func WindowStart(t time.Time, w time.Duration) time.Time {
	ms := t.UnixMilli()
	wms := w.Milliseconds()
	if wms <= 0 {
		return t
	}
	floored := ms - (ms%wms+wms)%wms
	return time.UnixMilli(floored).UTC()
}

// windowISO is the group-key timestamp layout (UTC, millisecond precision).
const windowISO = "2006-01-02T15:04:05.000Z"

// FormatWindow renders a window start for embedding in group keys.
func FormatWindow(t time.Time) string { return t.UTC().Format(windowISO) }

// MakeGroupKey builds the canonical trade group key:
// "<followedUserId>:<tokenId>:<side>:<windowStartIso>".
func MakeGroupKey(followedUserID, tokenID string, side Side, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", followedUserID, tokenID, side, FormatWindow(windowStart))
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookLevel is a single normalized bid or ask level.
type BookLevel struct {
	PriceMicros int64
	SizeMicros  *big.Int
}

// Book is a normalized top-of-book snapshot for one outcome token.
// Bids are sorted descending by price, asks ascending. An uninitialized
// book defaults to bestBid=0, bestAsk=1e6, updatedAt=0.
type Book struct {
	TokenID        string
	Bids           []BookLevel
	Asks           []BookLevel
	BestBidMicros  int64
	BestAskMicros  int64
	MidPriceMicros int64
	SpreadMicros   int64
	UpdatedAtMs    int64
	Source         BookSource
}

// Initialized reports whether the book ever received an update.
func (b Book) Initialized() bool { return b.UpdatedAtMs > 0 }

// FreshAt reports whether the book is fresh at nowMs for the given threshold.
func (b Book) FreshAt(nowMs, freshnessMs int64) bool {
	return b.Initialized() && nowMs-b.UpdatedAtMs < freshnessMs
}

// ————————————————————————————————————————————————————————————————————————
// Decisions, fills, ledger
// ————————————————————————————————————————————————————————————————————————

// CopyAttempt is the durable decision record, written once per
// (portfolioScope, groupKey).
type CopyAttempt struct {
	ID                        string
	Scope                     Scope
	FollowedUserID            string // empty for global-scope rows
	GroupKey                  string
	Decision                  Decision
	ReasonCodes               []ReasonCode
	SourceType                SourceType
	BufferedTradeCount        int
	Side                      Side
	AssetID                   string
	MarketID                  string
	TargetNotionalMicros      *big.Int
	FilledNotionalMicros      *big.Int
	FilledShareMicros         *big.Int
	VWAPPriceMicros           int64
	FilledRatioBps            int64
	TheirReferencePriceMicros int64
	MidPriceMicrosAtDecision  int64
	CreatedAt                 time.Time
}

// ExecutableFill is one simulated fill at a single book level.
type ExecutableFill struct {
	CopyAttemptID      string
	FillPriceMicros    int64
	FilledShareMicros  *big.Int
	FillNotionalMicros *big.Int
}

// LedgerEntry is a double-entry-style accounting row. For trade fills,
// cashDelta = -shareDelta * price / 1e6 (BUY: +shares, -cash). Entries are
// idempotent under (scope, refId, entryType).
type LedgerEntry struct {
	ID               int64
	Scope            Scope
	FollowedUserID   string
	MarketID         string
	AssetID          string
	EntryType        EntryType
	ShareDeltaMicros *big.Int
	CashDeltaMicros  *big.Int
	PriceMicros      int64
	RefID            string
	CreatedAt        time.Time
}

// PortfolioSnapshot is a sparsely produced external equity snapshot.
type PortfolioSnapshot struct {
	Scope          Scope
	FollowedUserID string
	BucketTime     time.Time
	EquityMicros   *big.Int
	ExposureMicros *big.Int
	CashMicros     *big.Int
}

// MarketPriceSnapshot marks an asset to value open positions.
type MarketPriceSnapshot struct {
	AssetID             string
	BucketTime          time.Time
	MidpointPriceMicros int64
}

// PortfolioState is the aggregated view the executor reads to evaluate
// risk caps. Derived on each decision from the ledger and latest snapshots.
type PortfolioState struct {
	EquityMicros        *big.Int
	TotalExposureMicros *big.Int
	ExposureByMarket    map[string]*big.Int
	ExposureByLeader    map[string]*big.Int
	DailyPnlMicros      *big.Int
	WeeklyPnlMicros     *big.Int
	PeakEquityMicros    *big.Int
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket payloads
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to JSON frames on the venue's market channel.

// WSSubscribeMsg is the initial subscription frame sent at connect time.
type WSSubscribeMsg struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"` // always "market"
}

// WSUpdateMsg subscribes or unsubscribes incrementally after connect.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// WSBookMsg is an inbound book delta. Bids and asks arrive either as a list
// of {price, size} objects or as a price→size map; LevelSet accepts both.
type WSBookMsg struct {
	EventType string   `json:"event_type"`
	AssetID   string   `json:"asset_id"`
	Market    string   `json:"market"`
	Timestamp string   `json:"timestamp"`
	Bids      LevelSet `json:"bids"`
	Asks      LevelSet `json:"asks"`
}

// RawLevel is one price level as received on the wire (decimal strings).
type RawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// LevelSet is a list of raw levels that unmarshals from either the array
// form [{"price":"0.55","size":"100"}] or the map form {"0.55":"100"}.
type LevelSet []RawLevel

// UnmarshalJSON implements the dual wire format.
func (ls *LevelSet) UnmarshalJSON(data []byte) error {
	*ls = nil
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '[' {
		var arr []RawLevel
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		*ls = arr
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make([]RawLevel, 0, len(m))
	for price, size := range m {
		out = append(out, RawLevel{Price: price, Size: size})
	}
	*ls = out
	return nil
}
