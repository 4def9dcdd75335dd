package gap

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/values"
)

// Subject is derived from the log on every scan and never persisted.
type Subject struct {
	ID                  string
	HasEnrolmentEvent   bool
	EnrolledAt          time.Time
	AgeAtEnrolment      int
	State               string
	District            string
	Pincode             string
	LastBiometricUpdate time.Time
}

// BiometricUpdateDone reports whether a biometric update followed enrolment.
func (s Subject) BiometricUpdateDone() bool {
	return !s.LastBiometricUpdate.IsZero() && !s.LastBiometricUpdate.Before(s.EnrolledAt)
}

// Record is the gap status of one enrolled subject at scan time.
type Record struct {
	SubjectID           string `json:"subject_id"`
	District            string `json:"district"`
	State               string `json:"state"`
	DaysSinceEnrolment  int    `json:"days_since_enrolment"`
	BiometricUpdateDone bool   `json:"biometric_update_done"`
	InGap               bool   `json:"in_gap"`
}

// DistrictGap aggregates records for one district.
type DistrictGap struct {
	State         string           `json:"state"`
	District      string           `json:"district"`
	TotalEnrolled int              `json:"total_enrolled"`
	GapCount      int              `json:"gap_count"`
	GapRate       decimal.Decimal  `json:"gap_rate"`
	RiskLevel     values.RiskLevel `json:"risk_level"`

	// CriticalPincodes lists up to five pincodes with the most subjects in
	// gap, most first.
	CriticalPincodes []string `json:"critical_pincodes"`
	Recommendation   string   `json:"recommendation"`
}

// Ranking is an ordered district list. Stale marks a result that hit the
// recompute timeout and is either the last good ranking or a partial scan.
type Ranking struct {
	Rows        []DistrictGap `json:"rows"`
	Stale       bool          `json:"stale"`
	Partial     bool          `json:"partial"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// RecordSet is the in-gap subject list of one district.
type RecordSet struct {
	Records     []Record  `json:"records"`
	Stale       bool      `json:"stale"`
	GeneratedAt time.Time `json:"generated_at"`
}

// VanDeployment assigns one mobile enrolment van to a district.
type VanDeployment struct {
	Priority          int      `json:"priority"`
	State             string   `json:"state"`
	District          string   `json:"district"`
	Pincodes          []string `json:"pincodes"`
	EstimatedChildren int      `json:"estimated_children"`
	RecommendedDays   int      `json:"recommended_days"`
	Equipment         []string `json:"equipment"`
}

// DeploymentPlan orders van deployments for the HIGH and CRITICAL
// districts of one state. Stale carries over from the ranking it was built
// from.
type DeploymentPlan struct {
	State       string          `json:"state"`
	Deployments []VanDeployment `json:"deployments"`
	Stale       bool            `json:"stale"`
	GeneratedAt time.Time       `json:"generated_at"`
}
