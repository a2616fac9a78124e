package book

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// ErrMarketResolved marks a token whose market has resolved: the venue
// returns 404 for its book and it will never trade again.
var ErrMarketResolved = fmt.Errorf("market resolved")

// ResolvedStore persists resolved tokens across restarts (best effort).
// Implemented by the SQLite store.
type ResolvedStore interface {
	SaveResolvedToken(ctx context.Context, tokenID string, at time.Time) error
	LoadResolvedTokens(ctx context.Context, cutoff time.Time) (map[string]time.Time, error)
}

// ResolvedSet is the process-wide set of resolved tokens. The REST fallback
// adds on 404; the subscription path reads it to short-circuit lookups.
// Entries expire after the TTL in memory and persist longer on disk.
type ResolvedSet struct {
	mu    sync.RWMutex
	ttl   time.Duration
	seen  map[string]time.Time
	store ResolvedStore
}

// NewResolvedSet builds the set, warming it from the store when available.
func NewResolvedSet(ttl time.Duration, store ResolvedStore) *ResolvedSet {
	rs := &ResolvedSet{ttl: ttl, seen: make(map[string]time.Time), store: store}
	if store != nil {
		if persisted, err := store.LoadResolvedTokens(context.Background(), time.Now().Add(-ttl)); err == nil {
			for id, at := range persisted {
				rs.seen[id] = at
			}
		}
	}
	return rs
}

// Contains reports whether the token is known-resolved within the TTL.
func (rs *ResolvedSet) Contains(tokenID string) bool {
	rs.mu.RLock()
	at, ok := rs.seen[tokenID]
	rs.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Since(at) > rs.ttl {
		rs.mu.Lock()
		delete(rs.seen, tokenID)
		rs.mu.Unlock()
		return false
	}
	return true
}

// Add marks a token resolved now.
func (rs *ResolvedSet) Add(ctx context.Context, tokenID string) {
	now := time.Now()
	rs.mu.Lock()
	rs.seen[tokenID] = now
	rs.mu.Unlock()
	if rs.store != nil {
		_ = rs.store.SaveResolvedToken(ctx, tokenID, now)
	}
}

// RESTClient fetches books over HTTP when the WS feed cannot serve them.
// Requests go through the low-priority rate-limit class.
type RESTClient struct {
	http     *resty.Client
	limiter  *PriorityLimiter
	resolved *ResolvedSet
	logger   *slog.Logger
}

// NewRESTClient creates the fallback client with retry on 5xx and
// retry-after-aware handling of 429.
func NewRESTClient(cfg config.VenueConfig, limiter *PriorityLimiter, resolved *ResolvedSet, logger *slog.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(cfg.CLOBBaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetRetryAfter(func(c *resty.Client, r *resty.Response) (time.Duration, error) {
			if r != nil && r.StatusCode() == http.StatusTooManyRequests {
				if s := r.Header().Get("Retry-After"); s != "" {
					if secs, err := strconv.Atoi(s); err == nil {
						return time.Duration(secs) * time.Second, nil
					}
				}
			}
			return 0, nil
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTClient{
		http:     httpClient,
		limiter:  limiter,
		resolved: resolved,
		logger:   logger.With("component", "book_rest"),
	}
}

// bookResponse is the GET /book payload; level sets share the WS wire shape.
type bookResponse struct {
	AssetID string         `json:"asset_id"`
	Bids    types.LevelSet `json:"bids"`
	Asks    types.LevelSet `json:"asks"`
}

// FetchBook retrieves the current book for a token. A 404 means the market
// resolved: the token joins the resolved set and ErrMarketResolved is
// returned so callers short-circuit future lookups.
func (c *RESTClient) FetchBook(ctx context.Context, tokenID string) ([]types.RawLevel, []types.RawLevel, error) {
	if c.resolved.Contains(tokenID) {
		return nil, nil, ErrMarketResolved
	}
	if err := c.limiter.WaitLow(ctx); err != nil {
		return nil, nil, err
	}

	var result bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, nil, fmt.Errorf("get book: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return result.Bids, result.Asks, nil
	case http.StatusNotFound:
		c.logger.Info("market resolved", "token", tokenID)
		c.resolved.Add(ctx, tokenID)
		return nil, nil, ErrMarketResolved
	default:
		return nil, nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
}
