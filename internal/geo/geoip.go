// Package geo resolves proxy IPs to countries using a local MaxMind
// database. Region tags drive regional proxy selection.
package geo

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/August26/stealthfetch-go/internal/model"
)

// MaxMind implements model.IPResolver on top of a GeoLite2/GeoIP2 City or
// Country database file.
type MaxMind struct {
	reader *geoip2.Reader
}

func Open(path string) (*MaxMind, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMind{reader: reader}, nil
}

func (m *MaxMind) Lookup(ip string) (model.GeoInfo, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return model.GeoInfo{}, fmt.Errorf("invalid ip %q", ip)
	}

	record, err := m.reader.City(parsed)
	if err != nil {
		return model.GeoInfo{}, fmt.Errorf("geoip lookup %s: %w", ip, err)
	}

	info := model.GeoInfo{
		Country: record.Country.IsoCode,
		City:    record.City.Names["en"],
	}
	return info, nil
}

func (m *MaxMind) Close() error {
	return m.reader.Close()
}
