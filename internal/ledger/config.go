package ledger

import (
	"time"

	"github.com/davidbz/tollgate/internal/domain"
)

// Config holds ledger settings loaded from the environment.
type Config struct {
	ReservationTTL time.Duration `env:"LEDGER_RESERVATION_TTL" envDefault:"30s"`
	SweepInterval  time.Duration `env:"LEDGER_SWEEP_INTERVAL"  envDefault:"5s"`
	Retention      time.Duration `env:"LEDGER_RETENTION"       envDefault:"1h"`
	// CreditLimit lets accounts go negative down to -CreditLimit. Zero disables credit.
	CreditLimit domain.Micros `env:"LEDGER_CREDIT_LIMIT" envDefault:"0"`
}

// Options converts the config into ledger options.
func (c Config) Options() []Option {
	opts := []Option{
		WithReservationTTL(c.ReservationTTL),
		WithSweepInterval(c.SweepInterval),
		WithRetention(c.Retention),
	}
	if c.CreditLimit > 0 {
		opts = append(opts, WithCredit(c.CreditLimit))
	}
	return opts
}
