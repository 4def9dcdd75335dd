package freeze

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTicket_ActiveAt(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ticket := &Ticket{CreatedAt: created, ExpiresAt: created.Add(72 * time.Hour)}

	assert.False(t, ticket.ActiveAt(created.Add(-time.Second)))
	assert.True(t, ticket.ActiveAt(created))
	assert.True(t, ticket.ActiveAt(created.Add(71*time.Hour)))
	assert.False(t, ticket.ActiveAt(created.Add(72*time.Hour)))

	ticket.ExpiresAt = time.Time{}
	assert.True(t, ticket.ActiveAt(created.Add(1000*time.Hour)))
}
