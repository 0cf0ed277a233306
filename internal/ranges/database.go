package ranges

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	IPv4FileName     = "geo-asn-country-ipv4.csv"
	IPv6FileName     = "geo-asn-country-ipv6.csv"
	MetadataFileName = "update.json"

	// UpdateInterval is the age after which the range files count as stale.
	UpdateInterval = 7 * 24 * time.Hour

	mappedIPv4Prefix = "::ffff:"
)

// Updater refreshes the range files on disk and reloads the database.
type Updater interface {
	UpdateDatabase(ctx context.Context) error
}

type snapshot struct {
	ipv4 []IPv4Range
	ipv6 []IPv6Range
	// ipv6Bounds[i] holds the numeric bounds of ipv6[i].
	ipv6Bounds []ipv6Bounds
	lastUpdate *time.Time
}

// Database holds the IPv4 and IPv6 range collections. Readers always see a
// complete snapshot; Load builds a new one and swaps it in.
type Database struct {
	dir     string
	current atomic.Pointer[snapshot]
	ready   atomic.Bool
	loadMu  sync.Mutex
	now     func() time.Time

	hooksMu sync.Mutex
	hooks   []func()
}

func NewDatabase(dir string) *Database {
	db := &Database{dir: dir, now: time.Now}
	db.current.Store(&snapshot{})
	return db
}

func (db *Database) Dir() string {
	return db.dir
}

func (db *Database) FilePath(filename string) string {
	return filepath.Join(db.dir, filename)
}

func (db *Database) EnsureDataDir() error {
	return os.MkdirAll(db.dir, 0o755)
}

// OnReload registers fn to run after every Load, once the new snapshot is
// visible to readers.
func (db *Database) OnReload(fn func()) {
	if fn == nil {
		return
	}
	db.hooksMu.Lock()
	db.hooks = append(db.hooks, fn)
	db.hooksMu.Unlock()
}

// Initialize prepares the data directory and either downloads the range files
// through updater (when one of them is missing) or loads them from disk. The
// database is marked ready afterwards even if no data could be loaded, so a
// failed bootstrap degrades to empty lookups instead of blocking.
func (db *Database) Initialize(ctx context.Context, updater Updater) error {
	defer db.ready.Store(true)

	if err := db.EnsureDataDir(); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	if !fileExists(db.FilePath(IPv4FileName)) || !fileExists(db.FilePath(IPv6FileName)) {
		if updater == nil {
			return errors.New("ranges: range files missing and no updater configured")
		}
		log.Info("Range files not found, downloading", "dir", db.dir)
		return updater.UpdateDatabase(ctx)
	}

	return db.Load()
}

// Load replaces each collection whose file can be read and refreshes the last
// update timestamp. A collection that fails to load keeps its previous data.
func (db *Database) Load() error {
	db.loadMu.Lock()
	defer db.loadMu.Unlock()

	log.Debug("Loading range database", "dir", db.dir)

	prev := db.current.Load()
	next := &snapshot{ipv4: prev.ipv4, ipv6: prev.ipv6, ipv6Bounds: prev.ipv6Bounds, lastUpdate: prev.lastUpdate}
	var errs []error

	if path := db.FilePath(IPv4FileName); fileExists(path) {
		if data, err := os.ReadFile(path); err != nil {
			errs = append(errs, fmt.Errorf("ipv4: %w", err))
		} else {
			next.ipv4 = ParseIPv4(data)
			log.Info("Loaded IPv4 ranges", "count", len(next.ipv4))
		}
	}

	if path := db.FilePath(IPv6FileName); fileExists(path) {
		if data, err := os.ReadFile(path); err != nil {
			errs = append(errs, fmt.Errorf("ipv6: %w", err))
		} else {
			next.ipv6 = ParseIPv6(data)
			next.ipv6Bounds = boundsOf(next.ipv6)
			log.Info("Loaded IPv6 ranges", "count", len(next.ipv6))
		}
	}

	if path := db.FilePath(MetadataFileName); fileExists(path) {
		if meta, err := readMetadata(path); err != nil {
			errs = append(errs, fmt.Errorf("metadata: %w", err))
		} else {
			ts := meta.LastUpdate
			next.lastUpdate = &ts
		}
	}

	db.current.Store(next)
	db.runReloadHooks()

	if err := errors.Join(errs...); err != nil {
		log.Error("Error loading range database", "error", err)
		return err
	}
	return nil
}

// Ready reports whether Initialize has finished.
func (db *Database) Ready() bool {
	return db.ready.Load()
}

// Counts returns the number of loaded IPv4 and IPv6 ranges.
func (db *Database) Counts() (int, int) {
	s := db.current.Load()
	return len(s.ipv4), len(s.ipv6)
}

// LastUpdate returns the timestamp of the last completed update, if any.
func (db *Database) LastUpdate() (time.Time, bool) {
	s := db.current.Load()
	if s.lastUpdate == nil {
		return time.Time{}, false
	}
	return *s.lastUpdate, true
}

// ShouldUpdate reports whether the range files are missing an update record
// or are at least UpdateInterval old.
func (db *Database) ShouldUpdate() bool {
	return db.ShouldUpdateAt(db.now())
}

func (db *Database) ShouldUpdateAt(now time.Time) bool {
	last, ok := db.LastUpdate()
	if !ok {
		return true
	}
	return now.Sub(last) >= UpdateInterval
}

// LookupIPv4 binary searches the sorted IPv4 ranges. Bounds are inclusive.
func (db *Database) LookupIPv4(ip uint32) (string, bool) {
	ranges := db.current.Load().ipv4

	low, high := 0, len(ranges)-1
	for low <= high {
		mid := int(uint(low+high) >> 1)
		r := ranges[mid]

		switch {
		case ip < r.Start:
			high = mid - 1
		case ip > r.End:
			low = mid + 1
		default:
			return r.Country, true
		}
	}

	return "", false
}

// LookupIPv6 scans the IPv6 ranges in file order and returns the first match.
// Bounds are normalized once per Load, so a lookup only normalizes ip.
func (db *Database) LookupIPv6(ip string) (string, bool) {
	key := ipv6KeyOf(NormalizeIPv6(ip))
	s := db.current.Load()

	for i, b := range s.ipv6Bounds {
		if compareKeys(key, b.start) >= 0 && compareKeys(key, b.end) <= 0 {
			return s.ipv6[i].Country, true
		}
	}

	return "", false
}

// Lookup dispatches on the address family of ip.
func (db *Database) Lookup(ip string) (string, bool) {
	ip = strings.TrimPrefix(strings.TrimSpace(ip), mappedIPv4Prefix)
	if ip == "" || ip == "unknown" {
		return "", false
	}

	if v4, v6 := db.Counts(); v4 == 0 && v6 == 0 {
		log.Warn("Range database not loaded yet")
		return "", false
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()

	if addr.Is4() {
		return db.LookupIPv4(binary.BigEndian.Uint32(addr.AsSlice()))
	}
	return db.LookupIPv6(addr.WithZone("").String())
}

func (db *Database) runReloadHooks() {
	db.hooksMu.Lock()
	hooks := slices.Clone(db.hooks)
	db.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
