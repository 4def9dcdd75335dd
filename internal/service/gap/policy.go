package gap

import (
	"github.com/shopspring/decimal"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/values"
)

// DefaultThresholdDays is how long an enrolment may go without a
// biometric update before it counts as a gap.
const DefaultThresholdDays = 365

var (
	rateLow    = decimal.RequireFromString("0.30")
	rateMedium = decimal.RequireFromString("0.50")
	rateHigh   = decimal.RequireFromString("0.70")
)

// Policy holds the gap threshold, optionally overridden per district.
type Policy struct {
	ThresholdDays int
	// DistrictOverrides is keyed by "State/District".
	DistrictOverrides map[string]int
}

func (p Policy) ThresholdFor(state, district string) int {
	if days, ok := p.DistrictOverrides[state+"/"+district]; ok {
		return days
	}
	if p.ThresholdDays <= 0 {
		return DefaultThresholdDays
	}
	return p.ThresholdDays
}

// RiskForRate grades a district by its gap rate.
func RiskForRate(rate decimal.Decimal) values.RiskLevel {
	switch {
	case rate.LessThan(rateLow):
		return values.RiskLow
	case rate.LessThan(rateMedium):
		return values.RiskMedium
	case rate.LessThan(rateHigh):
		return values.RiskHigh
	}
	return values.RiskCritical
}
