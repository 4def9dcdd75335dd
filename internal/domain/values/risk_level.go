package values

import (
	"encoding/json"
	"strings"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
)

// RiskLevel is the four step severity scale shared by anomaly risk
// assessments and district gap rankings.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

var riskLevelRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// ParseRiskLevel accepts any casing.
func ParseRiskLevel(s string) (RiskLevel, error) {
	level := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := riskLevelRank[level]; !ok {
		return "", errors.NewValidationError("INVALID_RISK_LEVEL", "unknown risk level: "+s)
	}
	return level, nil
}

// AtLeast reports whether r is as severe as other or more.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskLevelRank[r] >= riskLevelRank[other]
}

func (r RiskLevel) String() string {
	return string(r)
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	// An unscored level encodes as "".
	if s == "" {
		*r = ""
		return nil
	}
	parsed, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
