package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRangeUpdateInterval = 7 * 24 * time.Hour
	defaultDownloadTimeout     = 5 * time.Minute
	defaultLookupCacheTTL      = time.Hour
)

var (
	rangeUpdateInterval  atomic.Value
	rangeUpdateListeners []chan time.Duration
	listenersMu          sync.Mutex
)

func init() {
	rangeUpdateInterval.Store(defaultRangeUpdateInterval)
}

func SetBetweenTime() {
	setRangeUpdateInterval(calculateRangeUpdateInterval(GetConfig()))
}

// CalculateBetweenTime converts a timer into a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := millisecondsOf(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func millisecondsOf(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func isZeroTimer(timer Timer) bool {
	return timer.Days == 0 && timer.Hours == 0 && timer.Minutes == 0 && timer.Seconds == 0
}

// GetDownloadTimeout bounds a single range file download.
func GetDownloadTimeout() time.Duration {
	timer := GetConfig().GeoIP.DownloadTimeout
	if isZeroTimer(timer) {
		return defaultDownloadTimeout
	}
	return CalculateBetweenTime(timer)
}

func GetLookupCacheTTL() time.Duration {
	timer := GetConfig().Resolver.LookupCacheTTL
	if isZeroTimer(timer) {
		return defaultLookupCacheTTL
	}
	return CalculateBetweenTime(timer)
}

func GetRangeUpdateInterval() time.Duration {
	return rangeUpdateInterval.Load().(time.Duration)
}

// RangeUpdateIntervalUpdates returns a channel that receives the current
// interval immediately and every change after that.
func RangeUpdateIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	rangeUpdateListeners = append(rangeUpdateListeners, ch)
	listenersMu.Unlock()

	ch <- GetRangeUpdateInterval()
	return ch
}

func setRangeUpdateInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultRangeUpdateInterval
	}
	if GetRangeUpdateInterval() == interval {
		return
	}
	rangeUpdateInterval.Store(interval)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range rangeUpdateListeners {
		select {
		case ch <- interval:
		default:
		}
	}
}

func calculateRangeUpdateInterval(cfg Config) time.Duration {
	timer := cfg.GeoIP.UpdateTimer
	if isZeroTimer(timer) {
		return defaultRangeUpdateInterval
	}
	return CalculateBetweenTime(timer)
}
