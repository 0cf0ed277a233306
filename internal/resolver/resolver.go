// Package resolver decides a request's country, from explicit coordinates
// when the caller sends them and from the client address otherwise.
package resolver

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"geocountry/internal/clientip"
)

// UnknownCountry is reported whenever no country can be determined.
const UnknownCountry = "Unknown"

var privateAddress = regexp.MustCompile(`^(10\.|172\.(1[6-9]|2[0-9]|3[01])\.|192\.168\.|127\.|::1|localhost)`)

// ReverseGeocoder maps a coordinate pair to an ISO 3166-1 alpha-2 code.
type ReverseGeocoder interface {
	CountryAt(lon, lat float64) (string, bool)
}

// RangeLookup is the IP range database as seen by the resolver.
type RangeLookup interface {
	Ready() bool
	Lookup(ip string) (string, bool)
}

// CountryLocator is a secondary IP source consulted when the range database
// has no match.
type CountryLocator interface {
	LookupCountry(ip string) (string, bool)
}

// Result is what callers log and route on. An empty DetectedIP means no
// address was used and encodes as JSON null.
type Result struct {
	Country    string
	DetectedIP string
}

func (r Result) MarshalJSON() ([]byte, error) {
	var ip *string
	if r.DetectedIP != "" {
		ip = &r.DetectedIP
	}
	return json.Marshal(struct {
		Country    string  `json:"country"`
		DetectedIP *string `json:"detectedIP"`
	}{Country: r.Country, DetectedIP: ip})
}

type Resolver struct {
	ranges    RangeLookup
	extractor *clientip.Extractor
	geocoder  ReverseGeocoder
	fallback  CountryLocator
	cache     *expirable.LRU[string, string]
}

type Option func(*Resolver)

func WithReverseGeocoder(g ReverseGeocoder) Option {
	return func(r *Resolver) {
		r.geocoder = g
	}
}

func WithFallback(l CountryLocator) Option {
	return func(r *Resolver) {
		r.fallback = l
	}
}

// WithLookupCache memoizes address lookups, misses included, for ttl.
// A size of zero or less disables the cache.
func WithLookupCache(size int, ttl time.Duration) Option {
	return func(r *Resolver) {
		if size <= 0 {
			r.cache = nil
			return
		}
		r.cache = expirable.NewLRU[string, string](size, nil, ttl)
	}
}

func New(ranges RangeLookup, extractor *clientip.Extractor, opts ...Option) *Resolver {
	if extractor == nil {
		extractor = clientip.New(0)
	}
	r := &Resolver{ranges: ranges, extractor: extractor}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve never fails: coordinates win when both parse as finite numbers,
// private and loopback addresses are never looked up, and any panic along the
// way degrades to UnknownCountry.
func (res *Resolver) Resolve(latitude, longitude string, r *http.Request) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Error resolving country", "error", fmt.Sprint(rec))
			result = Result{Country: UnknownCountry}
		}
	}()

	if lat, lon, ok := parseCoordinates(latitude, longitude); ok {
		return res.fromCoordinates(lat, lon)
	}

	ip := res.extractor.Extract(r)
	if ip == "" || ip == clientip.Unknown {
		return Result{Country: UnknownCountry}
	}

	ip = clientip.Normalize(ip)
	if IsPrivate(ip) {
		return Result{Country: UnknownCountry, DetectedIP: ip}
	}

	if res.ranges == nil || !res.ranges.Ready() {
		return Result{Country: UnknownCountry, DetectedIP: ip}
	}

	if res.cache != nil {
		if country, ok := res.cache.Get(ip); ok {
			return Result{Country: country, DetectedIP: ip}
		}
	}

	country := res.lookupAddress(ip)
	if res.cache != nil {
		res.cache.Add(ip, country)
	}
	return Result{Country: country, DetectedIP: ip}
}

func (res *Resolver) lookupAddress(ip string) string {
	if country, ok := res.ranges.Lookup(ip); ok && country != "" {
		return country
	}

	if res.fallback != nil {
		if country, ok := res.fallback.LookupCountry(ip); ok && country != "" {
			log.Debug("Country resolved by fallback locator", "ip", ip, "country", country)
			return country
		}
	}

	return UnknownCountry
}

// PurgeCache drops memoized lookups, typically after the range database reloads.
func (res *Resolver) PurgeCache() {
	if res.cache != nil {
		res.cache.Purge()
	}
}

func (res *Resolver) fromCoordinates(lat, lon float64) Result {
	if res.geocoder == nil {
		return Result{Country: UnknownCountry}
	}
	if country, ok := res.geocoder.CountryAt(lon, lat); ok && country != "" {
		return Result{Country: country}
	}
	return Result{Country: UnknownCountry}
}

// IsPrivate reports whether ip belongs to a private or loopback block.
func IsPrivate(ip string) bool {
	return privateAddress.MatchString(ip)
}

func parseCoordinates(latitude, longitude string) (float64, float64, bool) {
	latitude, longitude = strings.TrimSpace(latitude), strings.TrimSpace(longitude)
	if latitude == "" || longitude == "" {
		return 0, 0, false
	}

	lat, err := strconv.ParseFloat(latitude, 64)
	if err != nil || math.IsNaN(lat) || math.IsInf(lat, 0) {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(longitude, 64)
	if err != nil || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return 0, 0, false
	}

	return lat, lon, true
}
