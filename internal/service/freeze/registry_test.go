package freeze

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	domain "github.com/aadhaar-prerana/prerana-core/internal/domain/freeze"
	"github.com/aadhaar-prerana/prerana-core/internal/testutil"
	"github.com/aadhaar-prerana/prerana-core/internal/testutil/fixtures"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T, repo Repository, clk clock.Clock) *Registry {
	t.Helper()
	r, err := NewRegistry(testutil.TestContext(t), repo, clk, Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

func TestRegistry_FreezeAndHold(t *testing.T) {
	clk := clock.NewManualClock(now)
	registry := newRegistry(t, NewMemoryRepository(), clk)
	ctx := testutil.TestContext(t)

	e := fixtures.NewEventBuilder().Build()
	key := cohort.KeyFor(e)
	assert.False(t, registry.Holds(e, now))

	ticket, err := registry.Freeze(ctx, key, "district-officer-17", "DOB spike under review")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingReview, ticket.Status)
	assert.Equal(t, now.Add(72*time.Hour), ticket.ExpiresAt)
	assert.Equal(t, key, ticket.Key)

	assert.True(t, registry.Holds(e, now))
	assert.True(t, registry.Holds(e, now.Add(71*time.Hour)))
	assert.False(t, registry.Holds(e, now.Add(72*time.Hour)))
	assert.False(t, registry.Holds(e, now.Add(-time.Minute)), "events ingested before the freeze are untouched")

	other := fixtures.NewEventBuilder().WithPincode("560001").Build()
	assert.False(t, registry.Holds(other, now))
}

func TestRegistry_RejectsDuplicateWhileActive(t *testing.T) {
	clk := clock.NewManualClock(now)
	registry := newRegistry(t, NewMemoryRepository(), clk)
	ctx := testutil.TestContext(t)
	key := cohort.KeyFor(fixtures.NewEventBuilder().Build())

	_, err := registry.Freeze(ctx, key, "officer", "first")
	require.NoError(t, err)

	_, err = registry.Freeze(ctx, key, "officer", "second")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	clk.Advance(73 * time.Hour)
	_, err = registry.Freeze(ctx, key, "officer", "renewed")
	require.NoError(t, err)
	assert.Len(t, registry.Tickets(key), 2)
}

func TestRegistry_Validation(t *testing.T) {
	registry := newRegistry(t, NewMemoryRepository(), clock.NewManualClock(now))
	ctx := testutil.TestContext(t)
	key := cohort.KeyFor(fixtures.NewEventBuilder().Build())

	_, err := registry.Freeze(ctx, key, " ", "reason")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = registry.Freeze(ctx, key, "officer", "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	bad := key
	bad.AgeBand = "unknown"
	_, err = registry.Freeze(ctx, bad, "officer", "reason")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestRegistry_ReloadsTickets(t *testing.T) {
	repo := NewMemoryRepository()
	clk := clock.NewManualClock(now)
	key := cohort.KeyFor(fixtures.NewEventBuilder().Build())

	first := newRegistry(t, repo, clk)
	_, err := first.Freeze(testutil.TestContext(t), key, "officer", "spike")
	require.NoError(t, err)

	second := newRegistry(t, repo, clk)
	assert.NotNil(t, second.Active(key, now.Add(time.Hour)))
	assert.Len(t, second.Tickets(key), 1)
}
