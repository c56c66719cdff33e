package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/trustcore/trustcore/internal/common/resilience"
)

// ErrNoDatabase is returned by a ChainDatabase with no providers
var ErrNoDatabase = errors.New("no geolocation database configured")

// GeoDatabase is a source of raw IP locations
type GeoDatabase interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*RawLocation, error)
}

// MaxMindDatabase reads a local GeoLite2/GeoIP2 City database
type MaxMindDatabase struct {
	reader *geoip2.Reader
}

// OpenMaxMind opens the .mmdb file at path
func OpenMaxMind(path string) (*MaxMindDatabase, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open maxmind database %s: %w", path, err)
	}
	return &MaxMindDatabase{reader: reader}, nil
}

func (m *MaxMindDatabase) Name() string { return "maxmind" }

// Lookup resolves ip against the local database
func (m *MaxMindDatabase) Lookup(_ context.Context, ip string) (*RawLocation, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip %q", ip)
	}
	record, err := m.reader.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("maxmind lookup: %w", err)
	}
	return &RawLocation{
		Latitude:   record.Location.Latitude,
		Longitude:  record.Location.Longitude,
		City:       record.City.Names["en"],
		Country:    record.Country.Names["en"],
		CountryISO: record.Country.IsoCode,
		Timezone:   record.Location.TimeZone,
	}, nil
}

// Close releases the database file
func (m *MaxMindDatabase) Close() error {
	return m.reader.Close()
}

// IPAPIDatabase queries the ip-api.com JSON endpoint through a circuit breaker
type IPAPIDatabase struct {
	baseURL string
	client  *http.Client
}

// NewIPAPIDatabase creates an ip-api provider. baseURL is the JSON endpoint
// without the trailing IP, e.g. http://ip-api.com/json.
func NewIPAPIDatabase(baseURL string, timeout time.Duration, breaker *resilience.Breaker) *IPAPIDatabase {
	return &IPAPIDatabase{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   timeout,
			Transport: resilience.Transport(breaker, nil),
		},
	}
}

func (d *IPAPIDatabase) Name() string { return "ip-api" }

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
}

// Lookup resolves ip with one HTTP request
func (d *IPAPIDatabase) Lookup(ctx context.Context, ip string) (*RawLocation, error) {
	url := fmt.Sprintf("%s/%s?fields=status,message,country,countryCode,city,lat,lon,timezone", d.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ip-api request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ip-api returned status %d", resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ip-api response: %w", err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("ip-api lookup failed: %s", body.Message)
	}

	return &RawLocation{
		Latitude:   body.Lat,
		Longitude:  body.Lon,
		City:       body.City,
		Country:    body.Country,
		CountryISO: body.CountryCode,
		Timezone:   body.Timezone,
	}, nil
}

// ChainDatabase tries each provider in order and returns the first answer
type ChainDatabase []GeoDatabase

func (c ChainDatabase) Name() string {
	names := make([]string, len(c))
	for i, db := range c {
		names[i] = db.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Lookup returns the first successful provider result
func (c ChainDatabase) Lookup(ctx context.Context, ip string) (*RawLocation, error) {
	if len(c) == 0 {
		return nil, ErrNoDatabase
	}
	var errs []error
	for _, db := range c {
		loc, err := db.Lookup(ctx, ip)
		if err == nil {
			return loc, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", db.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}
