// Package geo resolves client IP addresses to locations. Records are cached in
// Redis with stale-while-revalidate semantics and refreshed in the background
// by a bounded worker pool.
package geo

import (
	"net/netip"
	"strings"
)

// Placeholders stored for fields the database could not resolve
const (
	UnknownName = "Unknown"
	UnknownISO  = "UNK"
)

// GeoRecord is the normalized location of an IP address
type GeoRecord struct {
	IP         string  `json:"ip"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	City       string  `json:"city"`
	Country    string  `json:"country"`
	CountryISO string  `json:"country_iso"`
	Timezone   string  `json:"timezone"`
}

// Known reports whether the country was resolved
func (r *GeoRecord) Known() bool {
	return r != nil && r.CountryISO != UnknownISO
}

// RawLocation is what a geolocation database returns before normalization
type RawLocation struct {
	Latitude   float64
	Longitude  float64
	City       string
	Country    string
	CountryISO string
	Timezone   string
}

func normalize(ip string, raw *RawLocation) *GeoRecord {
	return &GeoRecord{
		IP:         ip,
		Latitude:   raw.Latitude,
		Longitude:  raw.Longitude,
		City:       orDefault(raw.City, UnknownName),
		Country:    orDefault(raw.Country, UnknownName),
		CountryISO: strings.ToUpper(orDefault(raw.CountryISO, UnknownISO)),
		Timezone:   orDefault(raw.Timezone, UnknownName),
	}
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}

// PublicAddr parses ip and reports whether it can carry a location. Loopback,
// private, link-local, multicast, unspecified and malformed addresses cannot.
// The returned string is the canonical form used for cache keys.
func PublicAddr(ip string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return "", false
	}
	return addr.String(), true
}
