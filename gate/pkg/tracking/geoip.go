package tracking

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// CountryResolver maps a client IP to an ISO country code.
type CountryResolver interface {
	Country(ip net.IP) (string, error)
}

// GeoIPResolver reads a MaxMind country or city database.
type GeoIPResolver struct {
	reader *geoip2.Reader
}

func OpenGeoIP(path string) (*GeoIPResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tracking: open geoip database %s: %w", path, err)
	}
	return &GeoIPResolver{reader: reader}, nil
}

func (g *GeoIPResolver) Country(ip net.IP) (string, error) {
	rec, err := g.reader.Country(ip)
	if err != nil {
		return "", err
	}
	return rec.Country.IsoCode, nil
}

func (g *GeoIPResolver) Close() error {
	return g.reader.Close()
}
