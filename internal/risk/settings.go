package risk

import (
	"math"
	"strings"
	"time"
)

// CountryStatus is the policy applied to requests geolocated to a country
type CountryStatus string

const (
	CountryNormal    CountryStatus = "normal"
	CountryChallenge CountryStatus = "challenge"
	CountryBlocked   CountryStatus = "blocked"
)

// ParseCountryStatus maps a stored policy to a status; unrecognised values are normal
func ParseCountryStatus(s string) CountryStatus {
	switch CountryStatus(strings.ToLower(strings.TrimSpace(s))) {
	case CountryBlocked:
		return CountryBlocked
	case CountryChallenge:
		return CountryChallenge
	default:
		return CountryNormal
	}
}

// Settings is an immutable snapshot of the scorer's thresholds and policy
// tables. Copies are made with Clone before any change.
type Settings struct {
	Version                 int64
	HighAmount              float64
	HighGeoRiskScore        int
	VelocityLimit           int
	ChallengeScoreThreshold int
	BlockScoreThreshold     int
	ImpossibleTravelKm      float64
	AbsoluteHighValue       float64
	PaymentChallengeAmount  float64
	ReferenceCurrency       string

	// Keyed by upper-case ISO 3166-1 alpha-2 code
	CountryPolicies map[string]CountryStatus
	// Reference units per unit of the keyed currency
	CurrencyRates map[string]float64

	// Hardened marks the conservative fallback served when no fresh
	// configuration is available
	Hardened  bool
	FetchedAt time.Time
}

// DefaultSettings returns the built-in thresholds
func DefaultSettings() *Settings {
	return &Settings{
		Version:                 1,
		HighAmount:              1000,
		HighGeoRiskScore:        30,
		VelocityLimit:           10,
		ChallengeScoreThreshold: 30,
		BlockScoreThreshold:     80,
		ImpossibleTravelKm:      500,
		AbsoluteHighValue:       300000,
		PaymentChallengeAmount:  500,
		ReferenceCurrency:       "USD",
		CountryPolicies:         map[string]CountryStatus{},
		CurrencyRates:           map[string]float64{"USD": 1},
	}
}

// HardenedSettings returns thresholds biased toward challenging and blocking.
// Country policies and currency rates are carried over from base when given,
// since dropping a blocked country would loosen policy.
func HardenedSettings(base *Settings) *Settings {
	s := &Settings{
		HighAmount:              500,
		HighGeoRiskScore:        40,
		VelocityLimit:           5,
		ChallengeScoreThreshold: 20,
		BlockScoreThreshold:     60,
		ImpossibleTravelKm:      300,
		AbsoluteHighValue:       100000,
		PaymentChallengeAmount:  250,
		ReferenceCurrency:       "USD",
		CountryPolicies:         map[string]CountryStatus{},
		CurrencyRates:           map[string]float64{"USD": 1},
		Hardened:                true,
	}
	if base != nil {
		b := base.Clone()
		s.Version = b.Version
		s.ReferenceCurrency = b.ReferenceCurrency
		s.CountryPolicies = b.CountryPolicies
		s.CurrencyRates = b.CurrencyRates
	}
	return s
}

// Clone returns a deep copy
func (s *Settings) Clone() *Settings {
	c := *s
	c.CountryPolicies = make(map[string]CountryStatus, len(s.CountryPolicies))
	for k, v := range s.CountryPolicies {
		c.CountryPolicies[k] = v
	}
	c.CurrencyRates = make(map[string]float64, len(s.CurrencyRates))
	for k, v := range s.CurrencyRates {
		c.CurrencyRates[k] = v
	}
	return &c
}

// CountryStatus returns the policy for an ISO country code
func (s *Settings) CountryStatus(iso string) CountryStatus {
	if status, ok := s.CountryPolicies[strings.ToUpper(iso)]; ok {
		return status
	}
	return CountryNormal
}

// ToReference converts amount in currency to reference units. Unknown
// currencies are taken at face value; ok reports whether a rate was found.
func (s *Settings) ToReference(amount float64, currency string) (converted float64, ok bool) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" || currency == s.ReferenceCurrency {
		return amount, true
	}
	rate, found := s.CurrencyRates[currency]
	if !found || rate <= 0 {
		return amount, false
	}
	return amount * rate, true
}

// Override keys accepted by WithOverrides
const (
	OverrideHighAmount              = "high_amount"
	OverrideHighGeoRiskScore        = "high_geo_risk_score"
	OverrideVelocityLimit           = "velocity_limit"
	OverrideChallengeScoreThreshold = "challenge_score_threshold"
	OverrideBlockScoreThreshold     = "block_score_threshold"
	OverrideImpossibleTravelKm      = "impossible_travel_km"
	OverrideAbsoluteHighValue       = "absolute_high_value"
	OverridePaymentChallengeAmount  = "payment_challenge_amount"
)

// WithOverrides returns a copy with per-request threshold overrides applied.
// Unknown keys and values that are not positive and finite are ignored.
// Score thresholds are capped at the maximum score.
func (s *Settings) WithOverrides(overrides map[string]float64) *Settings {
	if len(overrides) == 0 {
		return s
	}
	c := s.Clone()
	for key, v := range overrides {
		if !(v > 0) || math.IsInf(v, 1) {
			continue
		}
		switch key {
		case OverrideHighAmount:
			c.HighAmount = v
		case OverrideHighGeoRiskScore:
			c.HighGeoRiskScore = scoreThreshold(v)
		case OverrideVelocityLimit:
			c.VelocityLimit = int(math.Min(v, math.MaxInt32))
		case OverrideChallengeScoreThreshold:
			c.ChallengeScoreThreshold = scoreThreshold(v)
		case OverrideBlockScoreThreshold:
			c.BlockScoreThreshold = scoreThreshold(v)
		case OverrideImpossibleTravelKm:
			c.ImpossibleTravelKm = v
		case OverrideAbsoluteHighValue:
			c.AbsoluteHighValue = v
		case OverridePaymentChallengeAmount:
			c.PaymentChallengeAmount = v
		}
	}
	return c
}

func scoreThreshold(v float64) int {
	return int(math.Min(v, maxScore))
}
