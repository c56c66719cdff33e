package ratelimit

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

// Route categories protected by the limiter
const (
	CategoryDefault     = "default"
	CategoryLogin       = "login"
	CategoryCheckout    = "checkout"
	CategoryPaymentInit = "payment-init"
	CategoryStepUp      = "step-up"
	CategoryWebhook     = "webhook"
)

// BlockOnExceed configures the temporary ban written when a category's limit is exceeded
type BlockOnExceed struct {
	Enabled    bool `mapstructure:"enabled" json:"enabled"`
	BanSeconds int  `mapstructure:"ban_seconds" json:"ban_seconds" validate:"required_if=Enabled true,gte=0"`
}

// Rule is the limit applied to one route category
type Rule struct {
	WindowSeconds  int           `mapstructure:"window_seconds" json:"window_seconds" validate:"gt=0"`
	Max            int           `mapstructure:"max" json:"max" validate:"gt=0"`
	BlockOnExceed  BlockOnExceed `mapstructure:"block_on_exceed" json:"block_on_exceed"`
	SoftBanDelayMs int           `mapstructure:"soft_ban_delay_ms" json:"soft_ban_delay_ms" validate:"gte=0,lte=10000"`
}

// Window returns the rule window as a duration
func (r Rule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// BanDuration returns the ban length, zero when bans are disabled
func (r Rule) BanDuration() time.Duration {
	if !r.BlockOnExceed.Enabled {
		return 0
	}
	return time.Duration(r.BlockOnExceed.BanSeconds) * time.Second
}

// SoftBanDelay returns the delay applied before answering a limited request
func (r Rule) SoftBanDelay() time.Duration {
	return time.Duration(r.SoftBanDelayMs) * time.Millisecond
}

// Rules maps a route category to its rule
type Rules map[string]Rule

// DefaultRules returns the built-in rule table used when configuration omits one
func DefaultRules() Rules {
	return Rules{
		CategoryDefault: {WindowSeconds: 60, Max: 100},
		CategoryLogin: {
			WindowSeconds:  900,
			Max:            5,
			BlockOnExceed:  BlockOnExceed{Enabled: true, BanSeconds: 1800},
			SoftBanDelayMs: 500,
		},
		CategoryCheckout: {WindowSeconds: 60, Max: 20},
		CategoryPaymentInit: {
			WindowSeconds: 300,
			Max:           10,
			BlockOnExceed: BlockOnExceed{Enabled: true, BanSeconds: 900},
		},
		CategoryStepUp: {
			WindowSeconds:  300,
			Max:            10,
			BlockOnExceed:  BlockOnExceed{Enabled: true, BanSeconds: 900},
			SoftBanDelayMs: 250,
		},
		CategoryWebhook: {WindowSeconds: 60, Max: 300},
	}
}

var validate = validator.New()

// Validate checks every rule in the table
func (r Rules) Validate() error {
	categories := make([]string, 0, len(r))
	for category := range r {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		if category == "" {
			return fmt.Errorf("rate limit category name cannot be empty")
		}
		if reservedCategory(category) {
			return fmt.Errorf("rate limit category name %q is reserved", category)
		}
		if err := validate.Struct(r[category]); err != nil {
			return fmt.Errorf("rate limit rule %q: %w", category, err)
		}
	}
	return nil
}

// lookup returns the rule for a category, falling back to the default rule
func (r Rules) lookup(category string) (Rule, bool) {
	if rule, ok := r[category]; ok {
		return rule, true
	}
	rule, ok := r[CategoryDefault]
	return rule, ok
}
