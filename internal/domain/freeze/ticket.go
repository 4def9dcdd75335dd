package freeze

import (
	"time"

	"github.com/google/uuid"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
)

// Status of a freeze ticket.
type Status string

const (
	StatusPendingReview Status = "PENDING_REVIEW"
)

// Ticket records an administrative freeze on a cohort. It never touches past
// events; new events for the key are ingested as held while it is active.
type Ticket struct {
	ID           uuid.UUID  `json:"id"`
	Key          cohort.Key `json:"cohort_key"`
	AuthorizedBy string     `json:"authorized_by"`
	Reason       string     `json:"reason"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

// ActiveAt reports whether the ticket holds events ingested at t. A zero
// ExpiresAt never lapses.
func (t *Ticket) ActiveAt(at time.Time) bool {
	if at.Before(t.CreatedAt) {
		return false
	}
	return t.ExpiresAt.IsZero() || at.Before(t.ExpiresAt)
}
