package alert

import (
	"time"

	"github.com/google/uuid"
)

// Kind of alert raised by the detection core.
type Kind string

const (
	KindAnomaly       Kind = "ANOMALY_DETECTED"
	KindCorridorSpike Kind = "CORRIDOR_SPIKE"
	KindCohortFrozen  Kind = "COHORT_FROZEN"
)

// Alert is a notification for downstream reviewers. Subject names what the
// alert is about: a cohort key or a corridor pair.
type Alert struct {
	ID         uuid.UUID   `json:"id"`
	Kind       Kind        `json:"kind"`
	Subject    string      `json:"subject"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

func New(kind Kind, subject string, at time.Time, payload interface{}) Alert {
	return Alert{
		ID:         uuid.New(),
		Kind:       kind,
		Subject:    subject,
		OccurredAt: at,
		Payload:    payload,
	}
}
