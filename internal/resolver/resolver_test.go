package resolver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"geocountry/internal/clientip"
)

type stubGeocoder struct {
	calls int
}

func (s *stubGeocoder) CountryAt(lon, lat float64) (string, bool) {
	s.calls++
	// Oslo area only.
	if lat > 59 && lat < 61 && lon > 10 && lon < 11 {
		return "NO", true
	}
	return "", false
}

type stubRanges struct {
	ready   bool
	entries map[string]string
	lookups int
}

func (s *stubRanges) Ready() bool { return s.ready }

func (s *stubRanges) Lookup(ip string) (string, bool) {
	s.lookups++
	country, ok := s.entries[ip]
	return country, ok
}

type stubLocator map[string]string

func (s stubLocator) LookupCountry(ip string) (string, bool) {
	country, ok := s[ip]
	return country, ok
}

type panickingRanges struct{}

func (panickingRanges) Ready() bool                  { return true }
func (panickingRanges) Lookup(string) (string, bool) { panic("boom") }

func requestFrom(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/geo", nil)
	req.RemoteAddr = ""
	if ip != "" {
		req.Header.Set("X-Real-IP", ip)
	}
	return req
}

func newTestResolver(ranges RangeLookup, opts ...Option) *Resolver {
	return New(ranges, clientip.New(0), opts...)
}

func TestResolveCoordinatesTakePrecedence(t *testing.T) {
	geocoder := &stubGeocoder{}
	ranges := &stubRanges{ready: true, entries: map[string]string{"8.8.8.8": "US"}}
	r := newTestResolver(ranges, WithReverseGeocoder(geocoder))

	got := r.Resolve("59.9", "10.7", requestFrom("8.8.8.8"))
	if got.Country != "NO" || got.DetectedIP != "" {
		t.Fatalf("Resolve(Oslo) = %+v, want NO with no detected IP", got)
	}
	if ranges.lookups != 0 {
		t.Fatalf("range database consulted %d times, want 0", ranges.lookups)
	}
}

func TestResolveCoordinatesWithoutMatch(t *testing.T) {
	r := newTestResolver(&stubRanges{ready: true}, WithReverseGeocoder(&stubGeocoder{}))

	got := r.Resolve("0", "-160", requestFrom("8.8.8.8"))
	if got.Country != UnknownCountry || got.DetectedIP != "" {
		t.Fatalf("Resolve(ocean) = %+v, want Unknown with no detected IP", got)
	}
}

func TestResolveInvalidCoordinatesFallBackToIP(t *testing.T) {
	geocoder := &stubGeocoder{}
	ranges := &stubRanges{ready: true, entries: map[string]string{"8.8.8.8": "US"}}
	r := newTestResolver(ranges, WithReverseGeocoder(geocoder))

	for _, coords := range [][2]string{{"", "10.7"}, {"59.9", ""}, {"north", "10.7"}, {"NaN", "10"}, {"59.9", "Inf"}} {
		got := r.Resolve(coords[0], coords[1], requestFrom("8.8.8.8"))
		if got.Country != "US" || got.DetectedIP != "8.8.8.8" {
			t.Fatalf("Resolve(%q, %q) = %+v, want US from IP", coords[0], coords[1], got)
		}
	}
	if geocoder.calls != 0 {
		t.Fatalf("geocoder called %d times for invalid coordinates", geocoder.calls)
	}
}

func TestResolvePrivateAddresses(t *testing.T) {
	ranges := &stubRanges{ready: true, entries: map[string]string{
		"192.168.1.1": "XX",
		"10.0.0.5":    "XX",
		"127.0.0.1":   "XX",
	}}
	r := newTestResolver(ranges)

	for _, ip := range []string{"192.168.1.1", "10.0.0.5", "127.0.0.1", "172.16.4.4", "172.31.255.1", "::1", "::ffff:10.1.1.1", "::FFFF:10.1.1.1", "::ffff:a00:5"} {
		got := r.Resolve("", "", requestFrom(ip))
		if got.Country != UnknownCountry {
			t.Fatalf("Resolve(%s).Country = %q, want Unknown", ip, got.Country)
		}
		if got.DetectedIP == "" {
			t.Fatalf("Resolve(%s) lost the detected IP", ip)
		}
	}
	if ranges.lookups != 0 {
		t.Fatalf("range database consulted %d times for private addresses", ranges.lookups)
	}

	if IsPrivate("172.32.0.1") || IsPrivate("11.0.0.1") {
		t.Fatal("public address classified as private")
	}
}

func TestResolveNotReady(t *testing.T) {
	ranges := &stubRanges{ready: false, entries: map[string]string{"8.8.8.8": "US"}}
	got := newTestResolver(ranges).Resolve("", "", requestFrom("8.8.8.8"))

	if got.Country != UnknownCountry || got.DetectedIP != "8.8.8.8" {
		t.Fatalf("Resolve before ready = %+v", got)
	}
	if ranges.lookups != 0 {
		t.Fatal("range database consulted before ready")
	}
}

func TestResolveUnknownClient(t *testing.T) {
	got := newTestResolver(&stubRanges{ready: true}).Resolve("", "", requestFrom(""))
	if got.Country != UnknownCountry || got.DetectedIP != "" {
		t.Fatalf("Resolve without address = %+v", got)
	}
}

func TestResolveFallbackLocator(t *testing.T) {
	ranges := &stubRanges{ready: true, entries: map[string]string{"8.8.8.8": "US"}}
	r := newTestResolver(ranges, WithFallback(stubLocator{"9.9.9.9": "CH"}))

	if got := r.Resolve("", "", requestFrom("9.9.9.9")); got.Country != "CH" {
		t.Fatalf("Resolve with fallback = %+v, want CH", got)
	}
	if got := r.Resolve("", "", requestFrom("8.8.8.8")); got.Country != "US" {
		t.Fatalf("Resolve with range match = %+v, want US", got)
	}
	if got := r.Resolve("", "", requestFrom("1.1.1.1")); got.Country != UnknownCountry || got.DetectedIP != "1.1.1.1" {
		t.Fatalf("Resolve with no match = %+v", got)
	}
}

func TestResolveRecoversFromPanic(t *testing.T) {
	got := newTestResolver(panickingRanges{}).Resolve("", "", requestFrom("8.8.8.8"))
	if got.Country != UnknownCountry || got.DetectedIP != "" {
		t.Fatalf("Resolve after panic = %+v, want Unknown with no detected IP", got)
	}
}

func TestResultMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Result{Country: "NO"})
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	if string(data) != `{"country":"NO","detectedIP":null}` {
		t.Fatalf("Marshal = %s", data)
	}

	data, _ = json.Marshal(Result{Country: "US", DetectedIP: "8.8.8.8"})
	if string(data) != `{"country":"US","detectedIP":"8.8.8.8"}` {
		t.Fatalf("Marshal = %s", data)
	}
}

func TestGeobedGeocoderOslo(t *testing.T) {
	if testing.Short() {
		t.Skip("loads the geobed city index")
	}

	geocoder, err := NewGeobedGeocoder()
	if err != nil {
		t.Fatalf("NewGeobedGeocoder returned error: %v", err)
	}

	r := newTestResolver(&stubRanges{ready: true, entries: map[string]string{"8.8.8.8": "US"}}, WithReverseGeocoder(geocoder))
	if got := r.Resolve("59.9", "10.7", requestFrom("8.8.8.8")); got.Country != "NO" || got.DetectedIP != "" {
		t.Fatalf("Resolve(Oslo) = %+v, want NO", got)
	}
}

func TestResolveLookupCache(t *testing.T) {
	ranges := &stubRanges{ready: true, entries: map[string]string{"8.8.8.8": "US"}}
	r := newTestResolver(ranges, WithLookupCache(16, time.Minute))

	for i := 0; i < 3; i++ {
		if got := r.Resolve("", "", requestFrom("8.8.8.8")); got.Country != "US" {
			t.Fatalf("Resolve = %+v, want US", got)
		}
		if got := r.Resolve("", "", requestFrom("1.1.1.1")); got.Country != UnknownCountry {
			t.Fatalf("Resolve = %+v, want Unknown", got)
		}
	}
	if ranges.lookups != 2 {
		t.Fatalf("range database consulted %d times, want 2", ranges.lookups)
	}

	ranges.entries["1.1.1.1"] = "AU"
	r.PurgeCache()
	if got := r.Resolve("", "", requestFrom("1.1.1.1")); got.Country != "AU" {
		t.Fatalf("Resolve after purge = %+v, want AU", got)
	}
}

func TestWithLookupCacheDisabled(t *testing.T) {
	ranges := &stubRanges{ready: true, entries: map[string]string{"8.8.8.8": "US"}}
	r := newTestResolver(ranges, WithLookupCache(0, time.Minute))

	r.Resolve("", "", requestFrom("8.8.8.8"))
	r.Resolve("", "", requestFrom("8.8.8.8"))
	if ranges.lookups != 2 {
		t.Fatalf("range database consulted %d times, want 2", ranges.lookups)
	}
	r.PurgeCache()
}
