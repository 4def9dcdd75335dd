package anomaly

import (
	"fmt"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/values"
)

// Assess qualifies a closed window and links it to scheduled events in
// calendar that share its fraud pattern. Only anomalous windows get an
// assessment; everything else returns nil.
func Assess(w cohort.Window, calendar Calendar) *cohort.RiskAssessment {
	if !w.IsAnomalous() {
		return nil
	}

	fraud := ClassifyFraud(w.Key, velocityPct(w))
	score := RiskScore(w.ZScore, w.EventCount, fraud)
	level := LevelForScore(score)
	text, autoFreeze := recommend(w, level)

	return &cohort.RiskAssessment{
		FraudType:          fraud,
		Score:              score,
		Level:              level,
		Recommendation:     text,
		AutoFreezeEligible: autoFreeze,
		CorrelatedEvents:   calendar.Correlate(w.WindowEnd, fraud),
	}
}

// velocityPct is the percent rise of the count over the baseline mean.
func velocityPct(w cohort.Window) float64 {
	if w.MeanBaseline == 0 {
		if w.EventCount > 0 {
			return DefaultSentinel * 100
		}
		return 0
	}
	return (float64(w.EventCount) - w.MeanBaseline) / w.MeanBaseline * 100
}

// ClassifyFraud maps the cohort pattern to a suspected fraud type.
func ClassifyFraud(key cohort.Key, velocityPct float64) cohort.FraudType {
	switch {
	case (key.UpdateType == string(event.FieldDOB) || key.UpdateType == string(event.FieldAge)) &&
		key.AgeBand == cohort.AgeBand18to21 && key.Gender == event.GenderMale:
		return cohort.FraudRecruitment
	case key.UpdateType == string(event.FieldAddress) && velocityPct > benefitVelocityPct:
		return cohort.FraudBenefit
	case key.UpdateType == string(event.FieldAge) && key.AgeBand.Adult():
		return cohort.FraudElectionManipulate
	}
	return cohort.FraudUnknown
}

// RiskScore adds the z, volume and fraud-type contributions.
func RiskScore(z float64, count int64, fraud cohort.FraudType) int {
	score := 0
	switch {
	case z > 5:
		score += scoreZAbove5
	case z > 4:
		score += scoreZAbove4
	case z > 3:
		score += scoreZAbove3
	}
	switch {
	case count > 1000:
		score += scoreCountAbove1000
	case count > 500:
		score += scoreCountAbove500
	case count > 100:
		score += scoreCountAbove100
	}
	switch fraud {
	case cohort.FraudRecruitment:
		score += scoreRecruitment
	case cohort.FraudBenefit:
		score += scoreBenefit
	}
	return score
}

func LevelForScore(score int) values.RiskLevel {
	switch {
	case score >= criticalScore:
		return values.RiskCritical
	case score >= highScore:
		return values.RiskHigh
	case score >= mediumScore:
		return values.RiskMedium
	}
	return values.RiskLow
}

func recommend(w cohort.Window, level values.RiskLevel) (string, bool) {
	k := w.Key
	switch level {
	case values.RiskCritical:
		return fmt.Sprintf("CRITICAL: freeze all %s updates for gender %s aged %s at pincode %s and audit the enrolment centres",
			k.UpdateType, k.Gender, k.AgeBand, k.Pincode), true
	case values.RiskHigh:
		return fmt.Sprintf("HIGH PRIORITY: flag %d %s updates at pincode %s for manual verification",
			w.EventCount, k.UpdateType, k.Pincode), true
	case values.RiskMedium:
		return fmt.Sprintf("ATTENTION: monitor %s update patterns at pincode %s and review within 48 hours",
			k.UpdateType, k.Pincode), false
	}
	return "Continue standard monitoring", false
}
