package pricing

import "github.com/davidbz/tollgate/internal/domain"

// FeeSchedule configures the platform fee charged on top of the optimized cost.
//
//	fee = max(MinMicros, FlatMicros + ceil(optimized*CostBps) + ceil(savings*SavingsBps))
type FeeSchedule struct {
	FlatMicros domain.Micros `env:"FLAT"        envDefault:"0.0013" json:"flat"`
	CostBps    int64         `env:"COST_BPS"    envDefault:"0"      json:"cost_bps"`
	SavingsBps int64         `env:"SAVINGS_BPS" envDefault:"0"      json:"savings_bps"`
	MinMicros  domain.Micros `env:"MIN"         envDefault:"0"      json:"min"`
}

// Fee returns the platform fee for a call whose cost went from original to optimized.
func (f FeeSchedule) Fee(original, optimized domain.Micros) domain.Micros {
	savings := original - optimized
	if savings < 0 {
		savings = 0
	}

	fee := f.FlatMicros + optimized.MulBpsCeil(f.CostBps) + savings.MulBpsCeil(f.SavingsBps)
	if fee < f.MinMicros {
		fee = f.MinMicros
	}
	if fee < 0 {
		return 0
	}
	return fee
}

// Total returns optimized cost plus fee.
func (f FeeSchedule) Total(original, optimized domain.Micros) domain.Micros {
	return optimized + f.Fee(original, optimized)
}
