package risk

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/trustcore/trustcore/internal/geo"
)

// Action is the friction imposed on a request
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"
)

// Level is a coarse label for a score
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Reason codes attached to an assessment
const (
	ReasonInvalidInput     = "invalid_input"
	ReasonHighValue        = "HIGH_VALUE_TRANSACTION"
	ReasonEngineError      = "ENGINE_ERROR"
	ReasonBlockedCountry   = "blocked_country"
	ReasonChallengeCountry = "challenge_country"
	ReasonGeoUnknown       = "geo_unknown"
	ReasonHighAmount       = "high_amount"
	ReasonVelocity         = "velocity_exceeded"
	ReasonImpossibleTravel = "impossible_travel"
	ReasonFastTravel       = "fast_travel"
	ReasonBotUserAgent     = "bot_user_agent"
	ReasonPaymentHighValue = "payment_high_value"
)

// Signal weights
const (
	weightGeoUnknown   = 5
	weightHighAmount   = 40
	weightVelocity     = 30
	weightImpossible   = 50
	weightFastTravel   = 20
	weightBotAgent     = 20
	weightPaymentValue = 20

	maxScore = 100
)

const earthRadiusKm = 6371

// Location is a previously observed position of the subject
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Signals is everything the scoring function looks at
type Signals struct {
	Geo       *geo.GeoRecord
	LastKnown *Location
	UserAgent string

	// Amount in reference units; HasAmount is false when no payment was given
	Amount    float64
	HasAmount bool

	// Post-increment count of the subject's velocity counter
	Velocity int64
}

// Result is the outcome of Evaluate
type Result struct {
	Score       int
	Reasons     []string
	Action      Action
	Level       Level
	EvaluatedAt time.Time
}

var botPatterns = compileBotPatterns([]string{
	`headless`,
	`phantomjs`,
	`selenium`,
	`webdriver`,
	`puppeteer`,
	`playwright`,
	`cypress`,
	`nightwatch`,
	`zombie`,
	`electron`,
	`chromium.*headless`,
	`^curl/`,
	`^wget/`,
	`python-requests`,
	`go-http-client`,
	`scrapy`,
	`bot\b`,
	`crawler`,
	`spider`,
})

func compileBotPatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(`(?i)`+p))
	}
	return compiled
}

// IsBotUserAgent reports whether ua matches a known automation signature.
// An empty user agent is not treated as a bot.
func IsBotUserAgent(ua string) bool {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return false
	}
	for _, re := range botPatterns {
		if re.MatchString(ua) {
			return true
		}
	}
	return false
}

// Evaluate scores signals against s. It is a pure function of its arguments.
// Non-finite numeric inputs are rejected with an error.
func Evaluate(now time.Time, s *Settings, sig Signals) (Result, error) {
	if err := checkFinite(sig); err != nil {
		return Result{}, err
	}

	if IsHighValue(s, sig) {
		return blocked(now, ReasonHighValue), nil
	}

	var (
		score   int
		reasons []string
	)

	if sig.Geo.Known() {
		switch s.CountryStatus(sig.Geo.CountryISO) {
		case CountryBlocked:
			return blocked(now, ReasonBlockedCountry), nil
		case CountryChallenge:
			score += s.HighGeoRiskScore
			reasons = append(reasons, ReasonChallengeCountry)
		}
	} else {
		score += weightGeoUnknown
		reasons = append(reasons, ReasonGeoUnknown)
	}

	if sig.HasAmount && sig.Amount > s.HighAmount {
		score += weightHighAmount
		reasons = append(reasons, ReasonHighAmount)
	}

	if s.VelocityLimit > 0 && sig.Velocity > int64(s.VelocityLimit) {
		score += weightVelocity
		reasons = append(reasons, ReasonVelocity)
	}

	if sig.LastKnown != nil && sig.Geo.Known() {
		distance := Haversine(sig.LastKnown.Latitude, sig.LastKnown.Longitude, sig.Geo.Latitude, sig.Geo.Longitude)
		switch {
		case distance > s.ImpossibleTravelKm:
			score += weightImpossible
			reasons = append(reasons, ReasonImpossibleTravel)
		case distance > s.ImpossibleTravelKm/2:
			score += weightFastTravel
			reasons = append(reasons, ReasonFastTravel)
		}
	}

	if IsBotUserAgent(sig.UserAgent) {
		score += weightBotAgent
		reasons = append(reasons, ReasonBotUserAgent)
	}

	if sig.HasAmount && sig.Amount > s.PaymentChallengeAmount {
		score += weightPaymentValue
		reasons = append(reasons, ReasonPaymentHighValue)
	}

	return finish(now, s, score, reasons), nil
}

// IsHighValue reports whether the amount alone decides the outcome
func IsHighValue(s *Settings, sig Signals) bool {
	return sig.HasAmount && s.AbsoluteHighValue > 0 && sig.Amount >= s.AbsoluteHighValue
}

// CountsVelocity reports whether Evaluate can reach the velocity signal, so
// callers skip incrementing counters for requests that short-circuit.
func CountsVelocity(s *Settings, sig Signals) bool {
	if IsHighValue(s, sig) {
		return false
	}
	if sig.Geo.Known() && s.CountryStatus(sig.Geo.CountryISO) == CountryBlocked {
		return false
	}
	return true
}

// ActionFor maps a clamped score to an action
func ActionFor(s *Settings, score int) Action {
	switch {
	case score >= s.BlockScoreThreshold:
		return ActionBlock
	case score >= s.ChallengeScoreThreshold:
		return ActionChallenge
	default:
		return ActionAllow
	}
}

// LevelForScore labels a score
func LevelForScore(score int) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 30:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Haversine returns the great-circle distance in kilometres
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func finish(now time.Time, s *Settings, score int, reasons []string) Result {
	score = clamp(score)
	if reasons == nil {
		reasons = []string{}
	}
	return Result{
		Score:       score,
		Reasons:     reasons,
		Action:      ActionFor(s, score),
		Level:       LevelForScore(score),
		EvaluatedAt: now,
	}
}

// blocked is a short-circuit result. The action does not depend on the
// configured thresholds.
func blocked(now time.Time, reason string) Result {
	return Result{
		Score:       maxScore,
		Reasons:     []string{reason},
		Action:      ActionBlock,
		Level:       LevelForScore(maxScore),
		EvaluatedAt: now,
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return maxScore
	}
	return score
}

func checkFinite(sig Signals) error {
	values := []float64{sig.Amount}
	if sig.Geo != nil {
		values = append(values, sig.Geo.Latitude, sig.Geo.Longitude)
	}
	if sig.LastKnown != nil {
		values = append(values, sig.LastKnown.Latitude, sig.LastKnown.Longitude)
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite signal value %v", v)
		}
	}
	return nil
}
