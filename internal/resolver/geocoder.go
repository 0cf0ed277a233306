package resolver

import (
	"fmt"
	"strings"

	"github.com/andreiashu/geobed"
)

// GeobedGeocoder answers coordinate lookups from geobed's embedded city data
// by taking the country of the nearest known city.
type GeobedGeocoder struct {
	bed *geobed.GeoBed
}

// NewGeobedGeocoder loads the shared geobed instance. Loading takes a few
// seconds and is done once per process.
func NewGeobedGeocoder() (*GeobedGeocoder, error) {
	bed, err := geobed.GetDefaultGeobed()
	if err != nil {
		return nil, fmt.Errorf("load geobed: %w", err)
	}
	return &GeobedGeocoder{bed: bed}, nil
}

func (g *GeobedGeocoder) CountryAt(lon, lat float64) (string, bool) {
	if g == nil || g.bed == nil {
		return "", false
	}
	country := strings.ToUpper(strings.TrimSpace(g.bed.ReverseGeocode(lat, lon).Country()))
	return country, country != ""
}
