package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"geocountry/internal/config"
	"geocountry/internal/ranges"
	"geocountry/internal/support"
)

const (
	rangeUpdateLockKey       = "geocountry:leader:range_update"
	rangeUpdateFallbackEvery = ranges.UpdateInterval
)

// StalenessReporter reports whether the range files have outlived their
// update interval.
type StalenessReporter interface {
	ShouldUpdate() bool
}

// StartRangeUpdateRoutine blocks until ctx is done, refreshing the range
// database every configured interval. With a Redis client only the instance
// holding the leader lock downloads; the others receive the files through
// distribution.
func StartRangeUpdateRoutine(ctx context.Context, updater ranges.Updater, status StalenessReporter, client *redis.Client) {
	if ctx == nil {
		ctx = context.Background()
	}
	if updater == nil {
		log.Warn("Range update routine not started: no updater")
		return
	}

	var intervalValue atomic.Value
	intervalValue.Store(normalizeRangeInterval(config.GetRangeUpdateInterval()))

	updateSignal := make(chan struct{}, 1)
	updates := config.RangeUpdateIntervalUpdates()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newInterval := <-updates:
				intervalValue.Store(normalizeRangeInterval(newInterval))
				select {
				case updateSignal <- struct{}{}:
				default:
				}
			}
		}
	}()

	loop := func(loopCtx context.Context) {
		runRangeUpdateLoop(loopCtx, updater, status, &intervalValue, updateSignal)
	}

	if client == nil {
		loop(ctx)
		return
	}

	err := support.RunWithLeader(ctx, client, rangeUpdateLockKey, support.DefaultLeadershipTTL, loop)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Range update routine stopped", "error", err)
	}
}

func runRangeUpdateLoop(ctx context.Context, updater ranges.Updater, status StalenessReporter, intervalValue *atomic.Value, updateSignal <-chan struct{}) {
	currentInterval := intervalValue.Load().(time.Duration)

	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	// A new leader catches up on files that went stale while nobody held the lock.
	if status != nil && status.ShouldUpdate() {
		triggerRangeUpdate(ctx, updater, status, "stale", false)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggerRangeUpdate(ctx, updater, status, "scheduled", false)
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
			log.Debug("Range update interval changed", "interval", currentInterval)
		}
	}
}

// RunRangeUpdate runs the updater on demand. When force is false the update
// is only executed if auto updates are enabled.
func RunRangeUpdate(ctx context.Context, updater ranges.Updater, status StalenessReporter, reason string, force bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return triggerRangeUpdate(ctx, updater, status, reason, force)
}

func triggerRangeUpdate(ctx context.Context, updater ranges.Updater, status StalenessReporter, reason string, force bool) error {
	if !force && !config.GetConfig().GeoIP.AutoUpdate {
		log.Debug("Range update skipped: auto update disabled", "reason", reason)
		return nil
	}

	// The interval check is informational; scheduled runs always download.
	if status != nil {
		log.Info("Starting range update", "reason", reason, "should_update", status.ShouldUpdate())
	} else {
		log.Info("Starting range update", "reason", reason)
	}

	started := time.Now()
	if err := updater.UpdateDatabase(ctx); err != nil {
		log.Error("Range update failed", "reason", reason, "error", err)
		return err
	}

	log.Info("Range update finished", "reason", reason, "took", time.Since(started).Round(time.Millisecond))
	return nil
}

func normalizeRangeInterval(interval time.Duration) time.Duration {
	if interval <= 0 {
		return rangeUpdateFallbackEvery
	}
	return interval
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
