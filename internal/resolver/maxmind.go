package resolver

import (
	"net"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindLocator looks countries up in a GeoLite2/GeoIP2 country database.
type MaxMindLocator struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
}

func OpenMaxMindLocator(path string) (*MaxMindLocator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &MaxMindLocator{reader: reader}, nil
}

func (m *MaxMindLocator) LookupCountry(ipAddress string) (string, bool) {
	ip := net.ParseIP(strings.TrimSpace(ipAddress))
	if ip == nil {
		return "", false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.reader == nil {
		return "", false
	}

	record, err := m.reader.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return "", false
	}
	return strings.ToUpper(record.Country.IsoCode), true
}

func (m *MaxMindLocator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader == nil {
		return nil
	}
	err := m.reader.Close()
	m.reader = nil
	return err
}
