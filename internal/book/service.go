package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// ErrBookUnavailable means no usable book could be obtained before the
// caller's wait budget ran out.
var ErrBookUnavailable = errors.New("book unavailable")

// Service is the one entry point for book lookups. The WS feed is primary;
// when it is down, a rate-limited REST fetch fills in.
type Service struct {
	cfg      config.BookConfig
	cache    *Cache
	feed     *Feed
	rest     *RESTClient
	resolved *ResolvedSet
	logger   *slog.Logger
}

// NewService wires cache, feed, REST fallback and the resolved-token set.
func NewService(venue config.VenueConfig, cfg config.BookConfig, resolvedStore ResolvedStore, logger *slog.Logger) *Service {
	cache := NewCache(cfg, logger)
	resolved := NewResolvedSet(cfg.ResolvedTokenTTL, resolvedStore)
	limiter := NewPriorityLimiter(cfg.HTTPBudgetPerSec, cfg.LowPrioritySpacing)

	return &Service{
		cfg:      cfg,
		cache:    cache,
		feed:     NewFeed(venue.WSMarketURL, cfg, cache, logger),
		rest:     NewRESTClient(venue, limiter, resolved, logger),
		resolved: resolved,
		logger:   logger.With("component", "book_service"),
	}
}

// Cache exposes the underlying cache for metrics and tests.
func (s *Service) Cache() *Cache { return s.cache }

// Connected reports whether the WS feed is live.
func (s *Service) Connected() bool { return s.feed.Connected() }

// Run starts the WS feed and the cache sweeper; blocks until ctx cancels.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.feed.Run(ctx) })
	g.Go(func() error {
		s.cache.RunSweeper(ctx)
		return ctx.Err()
	})
	return g.Wait()
}

// EnsureSubscribed declares interest in a token ahead of need so the WS feed
// starts streaming it before the first decision asks for its book.
func (s *Service) EnsureSubscribed(tokenID string) {
	if s.resolved.Contains(tokenID) {
		return
	}
	s.cache.EnsureSubscribed(tokenID)
}

// GetBook returns the freshest book obtainable for the token within wait.
//
// Known-resolved tokens fail fast with ErrMarketResolved. A cached snapshot
// within freshness returns immediately. Otherwise, with a live WS feed the
// call blocks for an update; with the feed down it falls through to REST.
// When nothing usable arrives in time the cached (stale) book is returned if
// it was ever initialized, else ErrBookUnavailable.
func (s *Service) GetBook(ctx context.Context, tokenID string, freshness, wait time.Duration) (types.Book, error) {
	if s.resolved.Contains(tokenID) {
		return types.Book{}, ErrMarketResolved
	}
	if freshness <= 0 {
		freshness = s.cfg.DefaultFreshness
	}

	if s.feed.Connected() {
		b, found, stale := s.cache.GetFreshOrWait(ctx, tokenID, freshness, wait)
		if found && !stale {
			return b, nil
		}
		// The WS feed never delivered in time; one REST attempt before
		// settling for the stale snapshot.
		if fresh, err := s.fetchViaREST(ctx, tokenID); err == nil {
			return fresh, nil
		} else if errors.Is(err, ErrMarketResolved) {
			return types.Book{}, err
		}
		if found {
			return b, nil
		}
		return types.Book{}, ErrBookUnavailable
	}

	// Feed down: serve from cache when fresh enough, else REST.
	s.cache.EnsureSubscribed(tokenID)
	if b, ok := s.cache.Get(tokenID); ok && b.FreshAt(time.Now().UnixMilli(), freshness.Milliseconds()) {
		return b, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	b, err := s.fetchViaREST(fetchCtx, tokenID)
	if err != nil {
		if errors.Is(err, ErrMarketResolved) {
			return types.Book{}, err
		}
		if cached, ok := s.cache.Get(tokenID); ok {
			s.logger.Warn("rest fetch failed, serving stale book", "token", tokenID, "error", err)
			return cached, nil
		}
		return types.Book{}, fmt.Errorf("%w: %v", ErrBookUnavailable, err)
	}
	return b, nil
}

func (s *Service) fetchViaREST(ctx context.Context, tokenID string) (types.Book, error) {
	bids, asks, err := s.rest.FetchBook(ctx, tokenID)
	if err != nil {
		return types.Book{}, err
	}
	return s.cache.ApplySnapshot(tokenID, bids, asks, types.BookSourceREST), nil
}
