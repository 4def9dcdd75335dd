package anomaly

// Defaults for window scoring.
const (
	DefaultBaselineWindows = 30
	DefaultMinBaseline     = 7
	DefaultThreshold       = 3.0
	DefaultSentinel        = 999.0
)

// Risk scoring weights.
const (
	benefitVelocityPct = 500.0

	scoreZAbove5 = 40
	scoreZAbove4 = 30
	scoreZAbove3 = 20

	scoreCountAbove1000 = 30
	scoreCountAbove500  = 20
	scoreCountAbove100  = 10

	scoreRecruitment = 20
	scoreBenefit     = 15

	criticalScore = 70
	highScore     = 50
	mediumScore   = 30
)
