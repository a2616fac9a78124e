package book

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// SubChange tells the WS feed to start or stop a token subscription.
type SubChange struct {
	TokenID   string
	Subscribe bool
}

type waiter struct {
	freshnessMs int64
	ch          chan types.Book
}

type cacheEntry struct {
	levels    *levelBook
	book      types.Book
	lastTouch time.Time
	elem      *list.Element // position in lru; Value is the token id
}

// Cache owns all Book records. A single mutex serializes update, touch and
// eviction; waiters are resolved through buffered channels so the lock is
// never held across a wait.
//
// On first touch of an unknown token the cache inserts a placeholder
// (updatedAt=0) and emits subscribe; eviction (LRU overflow or TTL sweep)
// emits unsubscribe.
type Cache struct {
	cfg    config.BookConfig
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = most recently used
	waiters map[string][]*waiter

	changes chan SubChange

	errorCount int64

	now func() time.Time // test hook
}

// NewCache creates the book cache.
func NewCache(cfg config.BookConfig, logger *slog.Logger) *Cache {
	return &Cache{
		cfg:     cfg,
		logger:  logger.With("component", "book_cache"),
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
		waiters: make(map[string][]*waiter),
		changes: make(chan SubChange, 1024),
		now:     time.Now,
	}
}

// Changes returns the subscription-intent channel the WS feed consumes.
func (c *Cache) Changes() <-chan SubChange { return c.changes }

// SubscribedTokens returns every token the cache currently wants subscribed.
// The WS feed reads this to build the initial subscribe frame on (re)connect,
// which also heals any change notification dropped under burst.
func (c *Cache) SubscribedTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	return out
}

// EnsureSubscribed declares subscription intent for a token without waiting.
func (c *Cache) EnsureSubscribed(tokenID string) {
	c.mu.Lock()
	c.touchLocked(tokenID)
	c.mu.Unlock()
}

// Get returns the cached book and whether it was ever updated, without
// declaring subscription intent.
func (c *Cache) Get(tokenID string) (types.Book, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[tokenID]
	if !ok {
		return types.Book{}, false
	}
	return e.book, e.book.Initialized()
}

// GetFreshOrWait returns the freshest book it can within wait. A cached
// entry fresh w.r.t. freshness returns immediately with stale=false;
// otherwise the caller blocks until an update satisfies the freshness
// threshold or the deadline passes, in which case whatever is cached comes
// back with stale=true (found=false when the book never initialized).
func (c *Cache) GetFreshOrWait(ctx context.Context, tokenID string, freshness, wait time.Duration) (types.Book, bool, bool) {
	c.mu.Lock()
	e := c.touchLocked(tokenID)
	nowMs := c.now().UnixMilli()
	if e.book.FreshAt(nowMs, freshness.Milliseconds()) {
		b := e.book
		c.mu.Unlock()
		return b, true, false
	}

	w := &waiter{freshnessMs: freshness.Milliseconds(), ch: make(chan types.Book, 1)}
	c.waiters[tokenID] = append(c.waiters[tokenID], w)
	c.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case b := <-w.ch:
		return b, true, false
	case <-ctx.Done():
	case <-timer.C:
	}

	c.mu.Lock()
	c.removeWaiterLocked(tokenID, w)
	e, ok := c.entries[tokenID]
	var b types.Book
	if ok {
		b = e.book
	}
	c.mu.Unlock()

	// A racing update may have resolved the waiter as the deadline fired.
	select {
	case fresh := <-w.ch:
		return fresh, true, false
	default:
	}
	return b, ok && b.Initialized(), true
}

// ApplyUpdate merges one book delta, rebuilds the normalized snapshot, and
// resolves every waiter whose freshness threshold the new book satisfies.
func (c *Cache) ApplyUpdate(tokenID string, bids, asks []types.RawLevel, source types.BookSource) types.Book {
	return c.apply(tokenID, bids, asks, source, false)
}

// ApplySnapshot replaces the token's levels wholesale. REST fetches are full
// books, so a level absent from the response is gone, not unchanged.
func (c *Cache) ApplySnapshot(tokenID string, bids, asks []types.RawLevel, source types.BookSource) types.Book {
	return c.apply(tokenID, bids, asks, source, true)
}

func (c *Cache) apply(tokenID string, bids, asks []types.RawLevel, source types.BookSource, replace bool) types.Book {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.touchLocked(tokenID)
	if replace {
		e.levels.reset()
	}
	if n := e.levels.applyDelta(bids, asks); n > 0 {
		c.errorCount += int64(n)
		c.logger.Warn("dropped unparseable book levels", "token", tokenID, "count", n)
	}
	e.book = e.levels.normalize(tokenID, c.now(), source)

	nowMs := e.book.UpdatedAtMs
	pending := c.waiters[tokenID]
	var keep []*waiter
	for _, w := range pending {
		if e.book.FreshAt(nowMs, w.freshnessMs) {
			select {
			case w.ch <- e.book:
			default:
			}
		} else {
			keep = append(keep, w)
		}
	}
	if len(keep) == 0 {
		delete(c.waiters, tokenID)
	} else {
		c.waiters[tokenID] = keep
	}
	return e.book
}

// ErrorCount returns the number of dropped unparseable levels.
func (c *Cache) ErrorCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

// RunSweeper evicts entries idle past the TTL every sweep interval until
// ctx is cancelled, then unsubscribes everything.
func (c *Cache) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.UnsubscribeAll()
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// UnsubscribeAll drops every entry and emits unsubscribe for each.
func (c *Cache) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		c.emitLocked(SubChange{TokenID: id, Subscribe: false})
	}
	c.entries = make(map[string]*cacheEntry)
	c.lru.Init()
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.cfg.BookTTL)
	for id, e := range c.entries {
		if e.lastTouch.Before(cutoff) {
			c.evictLocked(id)
		}
	}
}

// touchLocked bumps (or creates) an entry and enforces the LRU capacity.
func (c *Cache) touchLocked(tokenID string) *cacheEntry {
	e, ok := c.entries[tokenID]
	if ok {
		e.lastTouch = c.now()
		c.lru.MoveToFront(e.elem)
		return e
	}

	e = &cacheEntry{
		levels:    newLevelBook(),
		book:      types.Book{TokenID: tokenID, BestAskMicros: 1_000_000, MidPriceMicros: 500_000, SpreadMicros: 1_000_000},
		lastTouch: c.now(),
	}
	e.elem = c.lru.PushFront(tokenID)
	c.entries[tokenID] = e
	c.emitLocked(SubChange{TokenID: tokenID, Subscribe: true})

	for c.lru.Len() > c.cfg.MaxActiveBooks {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.evictLocked(oldest.Value.(string))
	}
	return e
}

func (c *Cache) evictLocked(tokenID string) {
	e, ok := c.entries[tokenID]
	if !ok {
		return
	}
	c.lru.Remove(e.elem)
	delete(c.entries, tokenID)
	c.emitLocked(SubChange{TokenID: tokenID, Subscribe: false})
}

func (c *Cache) emitLocked(ch SubChange) {
	select {
	case c.changes <- ch:
	default:
		c.logger.Warn("subscription change channel full, dropping",
			"token", ch.TokenID, "subscribe", ch.Subscribe)
	}
}

func (c *Cache) removeWaiterLocked(tokenID string, target *waiter) {
	pending := c.waiters[tokenID]
	for i, w := range pending {
		if w == target {
			c.waiters[tokenID] = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(c.waiters[tokenID]) == 0 {
		delete(c.waiters, tokenID)
	}
}
