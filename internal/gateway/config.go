package gateway

import (
	"time"

	"github.com/davidbz/tollgate/internal/pricing"
)

// Config controls quote lifetimes, dispatch budgets and outcome retention.
type Config struct {
	QuoteTTL       time.Duration `env:"GATEWAY_QUOTE_TTL"       envDefault:"30s"`
	ReservationTTL time.Duration `env:"GATEWAY_RESERVATION_TTL" envDefault:"30s"`
	// SafetyMargin is kept between the end of an upstream call and the
	// reservation expiry so a capture is never attempted on a lapsed hold.
	SafetyMargin time.Duration `env:"GATEWAY_SAFETY_MARGIN"   envDefault:"500ms"`
	OutcomeTTL   time.Duration `env:"GATEWAY_OUTCOME_TTL"     envDefault:"24h"`
	// KeyBucket is the window in which identical calls without an
	// idempotency key are treated as retries of each other.
	KeyBucket     time.Duration       `env:"GATEWAY_KEY_BUCKET"      envDefault:"1m"`
	MinSavingsBps int64               `env:"GATEWAY_MIN_SAVINGS_BPS" envDefault:"0"`
	Fees          pricing.FeeSchedule `envPrefix:"GATEWAY_FEE_"`
}

const (
	defaultQuoteTTL       = 30 * time.Second
	defaultReservationTTL = 30 * time.Second
	defaultOutcomeTTL     = 24 * time.Hour
	defaultKeyBucket      = time.Minute
)

func (c Config) withDefaults() Config {
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = defaultQuoteTTL
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = defaultReservationTTL
	}
	if c.SafetyMargin < 0 {
		c.SafetyMargin = 0
	}
	if c.OutcomeTTL <= 0 {
		c.OutcomeTTL = defaultOutcomeTTL
	}
	if c.KeyBucket <= 0 {
		c.KeyBucket = defaultKeyBucket
	}
	return c
}
