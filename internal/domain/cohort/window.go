package cohort

import (
	"time"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/values"
)

// Status of a cohort window.
type Status string

const (
	StatusOpen                 Status = "OPEN"
	StatusInsufficientBaseline Status = "INSUFFICIENT_BASELINE"
	StatusNormal               Status = "NORMAL"
	StatusAnomalous            Status = "ANOMALOUS"
)

// Window is the count of one cohort over one bucket. Once Status leaves
// OPEN the window is final and never modified.
type Window struct {
	Key            Key       `json:"cohort_key"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	EventCount     int64     `json:"event_count"`
	MeanBaseline   float64   `json:"mean_baseline"`
	StdDevBaseline float64   `json:"stddev_baseline"`
	ZScore         float64   `json:"z_score"`
	BaselineSize   int       `json:"baseline_size"`
	Status         Status    `json:"status"`
}

func (w Window) Closed() bool {
	return w.Status != StatusOpen
}

func (w Window) IsAnomalous() bool {
	return w.Status == StatusAnomalous
}

// FraudType is the suspected pattern behind an anomalous window.
type FraudType string

const (
	FraudRecruitment        FraudType = "RECRUITMENT_FRAUD"
	FraudBenefit            FraudType = "BENEFIT_FRAUD"
	FraudElectionManipulate FraudType = "ELECTION_MANIPULATION"
	FraudUnknown            FraudType = "UNKNOWN"
)

// RiskAssessment qualifies an anomalous window for the review desk.
type RiskAssessment struct {
	FraudType          FraudType        `json:"fraud_type"`
	Score              int              `json:"score"`
	Level              values.RiskLevel `json:"level"`
	Recommendation     string           `json:"recommendation"`
	AutoFreezeEligible bool             `json:"auto_freeze_eligible"`
	// CorrelatedEvents names upcoming scheduled events with the same
	// fraud pattern.
	CorrelatedEvents   []string         `json:"correlated_events,omitempty"`
}

// WindowView is what queries return: the window plus the data-quality
// counters that never fold into it.
type WindowView struct {
	Window
	LateEvents int64           `json:"late_events"`
	HeldEvents int64           `json:"held_events"`
	Frozen     bool            `json:"frozen"`
	Risk       *RiskAssessment `json:"risk,omitempty"`
}
