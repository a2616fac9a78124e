package pipeline

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"polycopy/pkg/types"
)

// ActivityAggregator batches merge/split/redeem events sharing
// (leader, type, asset set) within one epoch-aligned window, mirroring the
// trade aggregator's timer discipline.
type ActivityAggregator struct {
	window func() time.Duration
	out    chan types.ActivityGroup
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[string]*activityBucket
	closed  bool

	// Counts timer flushes emitting outside the lock so FlushAll closes the
	// output only after every in-flight send has landed.
	emitting sync.WaitGroup

	now func() time.Time // test hook
}

type activityBucket struct {
	group types.ActivityGroup
	timer *time.Timer
}

// NewActivityAggregator creates the activity aggregator.
func NewActivityAggregator(window func() time.Duration, logger *slog.Logger) *ActivityAggregator {
	return &ActivityAggregator{
		window:  window,
		out:     make(chan types.ActivityGroup, 64),
		logger:  logger.With("component", "activity_aggregator"),
		buckets: make(map[string]*activityBucket),
		now:     time.Now,
	}
}

// Out returns the channel emitted activity groups arrive on.
func (a *ActivityAggregator) Out() <-chan types.ActivityGroup { return a.out }

// activityKey builds the bucket key from leader, type and the sorted asset
// set, so the same merge reported with assets in a different order joins the
// same bucket.
func activityKey(e types.ActivityEvent, windowStart time.Time) (string, []string) {
	assets := append([]string(nil), e.AssetIDs...)
	sort.Strings(assets)
	key := e.FollowedUserID + ":" + string(e.Type) + ":" + strings.Join(assets, ",") + ":" + types.FormatWindow(windowStart)
	return key, assets
}

// Add routes one activity event into its window bucket.
func (a *ActivityAggregator) Add(e types.ActivityEvent) {
	w := a.window()
	windowStart := types.WindowStart(e.DetectTime, w)
	key, assets := activityKey(e, windowStart)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	b, ok := a.buckets[key]
	if !ok {
		b = &activityBucket{
			group: types.ActivityGroup{
				GroupKey:       key,
				FollowedUserID: e.FollowedUserID,
				Type:           e.Type,
				AssetIDs:       assets,
				MarketID:       e.MarketID,
				WindowStart:    windowStart,
			},
		}
		b.timer = time.AfterFunc(w, func() { a.flush(key) })
		a.buckets[key] = b
	}
	b.group.EventIDs = append(b.group.EventIDs, e.ID)
}

func (a *ActivityAggregator) flush(key string) {
	a.mu.Lock()
	b, ok := a.buckets[key]
	if ok {
		delete(a.buckets, key)
		a.emitting.Add(1)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	a.logger.Debug("activity group flushed", "group_key", b.group.GroupKey, "events", len(b.group.EventIDs))
	a.out <- b.group
	a.emitting.Done()
}

// FlushAll force-emits every open bucket and closes the output.
func (a *ActivityAggregator) FlushAll() {
	a.mu.Lock()
	a.closed = true
	pending := make([]*activityBucket, 0, len(a.buckets))
	for key, b := range a.buckets {
		b.timer.Stop()
		pending = append(pending, b)
		delete(a.buckets, key)
	}
	a.mu.Unlock()

	for _, b := range pending {
		a.out <- b.group
	}
	a.emitting.Wait()
	close(a.out)
}
