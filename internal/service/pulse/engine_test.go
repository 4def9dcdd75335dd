package pulse

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/alert"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	domaincorridor "github.com/aadhaar-prerana/prerana-core/internal/domain/corridor"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	domainfreeze "github.com/aadhaar-prerana/prerana-core/internal/domain/freeze"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/values"
	"github.com/aadhaar-prerana/prerana-core/internal/service/eventstore"
	"github.com/aadhaar-prerana/prerana-core/internal/service/freeze"
	"github.com/aadhaar-prerana/prerana-core/internal/testutil"
	"github.com/aadhaar-prerana/prerana-core/internal/testutil/fixtures"
)

var day0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingPublisher) Publish(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingPublisher) kinds() map[alert.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[alert.Kind]int)
	for _, a := range r.alerts {
		out[a.Kind]++
	}
	return out
}

type countingRecorder struct {
	nopRecorder
	mu       sync.Mutex
	appended int
	held     int
	rejected []string
	late     int
}

func (c *countingRecorder) EventAppended(_ context.Context, _ event.Type, held bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appended++
	if held {
		c.held++
	}
}

func (c *countingRecorder) EventRejected(_ context.Context, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = append(c.rejected, code)
}

func (c *countingRecorder) LateEvent(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.late++
}

func (c *countingRecorder) lateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.late
}

type harness struct {
	engine   *Engine
	clock    *clock.ManualClock
	alerts   *recordingPublisher
	recorder *countingRecorder
	events   *eventstore.MemoryRepository
	freezes  *freeze.MemoryRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewManualClock(day0),
		alerts:   &recordingPublisher{},
		recorder: &countingRecorder{},
		events:   eventstore.NewMemoryRepository(),
		freezes:  freeze.NewMemoryRepository(),
	}
	engine, err := New(testutil.TestContext(t), Deps{
		Events:   h.events,
		Freezes:  h.freezes,
		Alerts:   h.alerts,
		Recorder: h.recorder,
		Clock:    h.clock,
		Logger:   zaptest.NewLogger(t),
	}, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	h.engine = engine
	return h
}

// appendLive appends e as if it arrived the moment it happened.
func (h *harness) appendLive(t *testing.T, e event.Event) {
	t.Helper()
	h.clock.Set(e.Timestamp)
	_, err := h.engine.AppendEvent(testutil.TestContext(t), e)
	require.NoError(t, err)
}

// appendDay appends n events built by b, spread over day d.
func (h *harness) appendDay(t *testing.T, d, n int, b func() *fixtures.EventBuilder) {
	t.Helper()
	start := testutil.Day(day0, d)
	step := 24 * time.Hour / time.Duration(n+1)
	for i := 0; i < n; i++ {
		h.appendLive(t, b().WithTimestamp(start.Add(time.Duration(i+1)*step)).Build())
	}
}

var spikeCohort = cohort.Key{Gender: "M", AgeBand: cohort.AgeBand18to21, Pincode: "395001", UpdateType: "DOB"}

func dobUpdate() *fixtures.EventBuilder {
	return fixtures.NewEventBuilder()
}

// Thirty quiet days around 45 DOB updates, then 890, 1450 and 1060.
func TestEngine_DayFifteenSpike(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)

	deltas := []int{-7, 3, 0, 5, -2, 7, -5, 1, -3, 6, -6, 2, 4, -1, -4, 7, -7, 0, 3, -3, 5, -5, 1, -1, 6, -6, 2, -2, 4, -4}
	for d, delta := range deltas {
		h.appendDay(t, d, 45+delta, dobUpdate)
		h.clock.Set(testutil.Day(day0, d+1))
		require.NoError(t, h.engine.Tick(ctx))
	}
	for i, n := range []int{890, 1450, 1060} {
		h.appendDay(t, 30+i, n, dobUpdate)
	}
	h.clock.Set(testutil.Day(day0, 33))

	anomalies, err := h.engine.ListAnomalousWindows(ctx, event.TimeRange{}, 3.0)
	require.NoError(t, err)
	require.Len(t, anomalies, 3)

	day15 := anomalies[1]
	assert.Equal(t, spikeCohort, day15.Key)
	assert.Equal(t, testutil.Day(day0, 31), day15.WindowStart)
	assert.Equal(t, int64(1450), day15.EventCount)
	assert.Equal(t, cohort.StatusAnomalous, day15.Status)
	assert.Greater(t, day15.ZScore, 3.0)
	assert.Equal(t, 30, day15.BaselineSize)
	assert.Less(t, day15.MeanBaseline, 50.0, "day 14 spike excluded from the baseline")
	require.NotNil(t, day15.Risk)
	assert.Equal(t, cohort.FraudRecruitment, day15.Risk.FraudType)
	assert.Equal(t, values.RiskCritical, day15.Risk.Level)

	view, err := h.engine.GetCohortWindow(ctx, spikeCohort, testutil.Day(day0, 31).Add(6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, day15.Window, view.Window)

	testutil.AssertEventually(t, func() bool {
		return h.alerts.kinds()[alert.KindAnomaly] == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_GetCohortWindowLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)

	_, err := h.engine.GetCohortWindow(ctx, spikeCohort, day0)
	assert.True(t, errors.IsNotFound(err))

	h.appendDay(t, 0, 4, dobUpdate)

	open, err := h.engine.GetCohortWindow(ctx, spikeCohort, day0)
	require.NoError(t, err)
	assert.Equal(t, cohort.StatusOpen, open.Status)
	assert.Equal(t, int64(4), open.EventCount)

	// Queried after the bucket ends: closed lazily.
	h.clock.Set(testutil.Day(day0, 1).Add(time.Minute))
	closed, err := h.engine.GetCohortWindow(ctx, spikeCohort, day0)
	require.NoError(t, err)
	assert.Equal(t, cohort.StatusInsufficientBaseline, closed.Status)
	assert.Nil(t, closed.Risk)

	again, err := h.engine.GetCohortWindow(ctx, spikeCohort, day0)
	require.NoError(t, err)
	assert.Equal(t, closed, again)

	bad := spikeCohort
	bad.AgeBand = "99-100"
	_, err = h.engine.GetCohortWindow(ctx, bad, day0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestEngine_LateEventsVisible(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)

	h.appendDay(t, 0, 2, dobUpdate)
	h.clock.Set(testutil.Day(day0, 2))
	require.NoError(t, h.engine.Tick(ctx))

	_, err := h.engine.AppendEvent(ctx, dobUpdate().WithTimestamp(day0.Add(time.Hour)).Build())
	require.NoError(t, err)

	view, err := h.engine.GetCohortWindow(ctx, spikeCohort, day0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), view.EventCount)
	assert.Equal(t, int64(1), view.LateEvents)
	assert.Equal(t, 1, h.recorder.lateCount())
}

func TestEngine_RejectsInvalidEvents(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)

	_, err := h.engine.AppendEvent(ctx, dobUpdate().WithTimestamp(day0.Add(time.Hour)).Build())
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Equal(t, []string{"FUTURE_TIMESTAMP"}, h.recorder.rejected)
	assert.Equal(t, 0, h.events.Len())
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, a alert.Alert) error {
	return m.Called(ctx, a).Error(0)
}

func TestEngine_FreezeHoldsFutureEvents(t *testing.T) {
	clk := clock.NewManualClock(day0)
	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(a alert.Alert) bool {
		return a.Kind == alert.KindCohortFrozen && a.Subject == spikeCohort.String()
	})).Return(nil).Once()

	engine, err := New(testutil.TestContext(t), Deps{
		Events:  eventstore.NewMemoryRepository(),
		Freezes: freeze.NewMemoryRepository(),
		Alerts:  publisher,
		Clock:   clk,
		Logger:  zaptest.NewLogger(t),
	}, DefaultConfig())
	require.NoError(t, err)
	defer engine.Close()
	ctx := testutil.TestContext(t)

	clk.Set(day0.Add(time.Hour))
	_, err = engine.AppendEvent(ctx, dobUpdate().WithTimestamp(day0.Add(time.Hour)).Build())
	require.NoError(t, err)

	ticket, err := engine.FreezeCohort(ctx, spikeCohort, "district-officer", "recruitment drive spike")
	require.NoError(t, err)
	assert.Equal(t, domainfreeze.StatusPendingReview, ticket.Status)

	clk.Set(day0.Add(2 * time.Hour))
	_, err = engine.AppendEvent(ctx, dobUpdate().WithTimestamp(day0.Add(2*time.Hour)).Build())
	require.NoError(t, err)
	_, err = engine.AppendEvent(ctx, dobUpdate().WithPincode("560001").WithTimestamp(day0.Add(2*time.Hour)).Build())
	require.NoError(t, err)

	view, err := engine.GetCohortWindow(ctx, spikeCohort, day0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.EventCount)
	assert.Equal(t, int64(1), view.HeldEvents)
	assert.True(t, view.Frozen)

	_, err = engine.FreezeCohort(ctx, spikeCohort, "district-officer", "again")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	assert.Len(t, engine.FreezeTickets(spikeCohort), 1)

	publisher.AssertExpectations(t)
}

func TestEngine_CorridorQueries(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)
	sitamarhi := domaincorridor.Region{State: "Bihar", District: "Sitamarhi"}
	surat := domaincorridor.Region{State: "Gujarat", District: "Surat"}

	_, err := h.engine.GetCorridorFlow(ctx, sitamarhi, surat, day0)
	assert.True(t, errors.IsNotFound(err))

	for i := 0; i < 3; i++ {
		subject := fmt.Sprintf("mover-%d", i)
		h.appendLive(t, fixtures.Enrolment(subject, "Bihar", "Sitamarhi", day0.Add(time.Duration(i+1)*time.Hour)))
		h.appendLive(t, fixtures.AddressChange(subject, "Gujarat", "Surat", day0.Add(time.Duration(i+2)*time.Hour)))
	}
	h.clock.Set(testutil.Day(day0, 1))

	flow, err := h.engine.GetCorridorFlow(ctx, sitamarhi, surat, day0)
	require.NoError(t, err)
	assert.True(t, flow.Closed)
	assert.True(t, flow.NewCorridor)
	assert.True(t, flow.IsSpike)
	assert.Equal(t, int64(3), flow.UpdateCount)

	top, err := h.engine.ListTopCorridors(ctx, event.TimeRange{}, 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, surat, top[0].Destination)

	testutil.AssertEventually(t, func() bool {
		return h.alerts.kinds()[alert.KindCorridorSpike] == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.engine.GetCorridorFlow(ctx, domaincorridor.Region{}, surat, day0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestEngine_GapRanking(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)

	h.appendLive(t, fixtures.Enrolment("child-1", "Bihar", "Sitamarhi", day0.Add(time.Hour)))
	h.appendLive(t, fixtures.Enrolment("child-2", "Bihar", "Sitamarhi", day0.Add(2*time.Hour)))
	h.appendLive(t, fixtures.BiometricUpdate("child-2", "Bihar", "Sitamarhi", day0.Add(30*24*time.Hour)))
	h.clock.Set(day0.AddDate(0, 0, 900).Add(3 * time.Hour))

	ranking, err := h.engine.RankDistrictsByGap(ctx, "Bihar", 10)
	require.NoError(t, err)
	require.Len(t, ranking.Rows, 1)
	assert.Equal(t, 1, ranking.Rows[0].GapCount)
	assert.Equal(t, 2, ranking.Rows[0].TotalEnrolled)

	records, err := h.engine.ListGapRecords(ctx, "Bihar", "Sitamarhi")
	require.NoError(t, err)
	require.Len(t, records.Records, 1)
	assert.Equal(t, "child-1", records.Records[0].SubjectID)
	assert.Equal(t, 900, records.Records[0].DaysSinceEnrolment)

	_, err = h.engine.ListGapRecords(ctx, "Bihar", "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	assert.Equal(t, values.RiskHigh, ranking.Rows[0].RiskLevel)
	assert.Equal(t, []string{"395001"}, ranking.Rows[0].CriticalPincodes)

	plan, err := h.engine.DeploymentPlan(ctx, "Bihar", 0)
	require.NoError(t, err)
	require.Len(t, plan.Deployments, 1)
	assert.Equal(t, "Sitamarhi", plan.Deployments[0].District)
	assert.Equal(t, 3, plan.Deployments[0].RecommendedDays)

	_, err = h.engine.DeploymentPlan(ctx, "", 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

// Live ingestion with scheduled closure and a full replay of the same log
// agree on every window and flow.
func TestEngine_RebuildIsDeterministic(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)

	female := func() *fixtures.EventBuilder {
		return fixtures.NewEventBuilder().WithGender(event.GenderFemale).WithAge(40).WithField(event.FieldAddress)
	}
	for d := 0; d < 12; d++ {
		h.appendDay(t, d, 5+d%3, dobUpdate)
		h.appendDay(t, d, 2+d%2, female)
		subject := fmt.Sprintf("mover-%d", d)
		h.appendLive(t, fixtures.Enrolment(subject, "Bihar", "Sitamarhi", testutil.Day(day0, d).Add(time.Hour)))
		h.appendLive(t, fixtures.AddressChange(subject, "Gujarat", "Surat", testutil.Day(day0, d).Add(20*time.Hour)))
		if d == 6 {
			_, err := h.engine.FreezeCohort(ctx, spikeCohort, "officer", "review")
			require.NoError(t, err)
		}
		h.clock.Set(testutil.Day(day0, d+1))
		require.NoError(t, h.engine.Tick(ctx))
	}
	// A late arrival for day 3.
	_, err := h.engine.AppendEvent(ctx, dobUpdate().WithTimestamp(testutil.Day(day0, 3).Add(time.Hour)).Build())
	require.NoError(t, err)

	liveWindows, liveFlows, err := h.engine.Snapshot(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, liveWindows)
	require.NotEmpty(t, liveFlows)

	alertsBefore := h.alerts.kinds()
	require.NoError(t, h.engine.Rebuild(ctx))

	replayWindows, replayFlows, err := h.engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, liveWindows, replayWindows)
	assert.Equal(t, liveFlows, replayFlows)
	assert.Equal(t, alertsBefore, h.alerts.kinds(), "replay raises no alerts")

	var held, late int64
	for _, w := range replayWindows {
		held += w.HeldEvents
		late += w.LateEvents
	}
	assert.Positive(t, held)
	assert.Equal(t, int64(1), late)

	// The engine keeps working on the rebuilt state; the freeze has lapsed.
	h.appendDay(t, 12, 3, dobUpdate)
	view, err := h.engine.GetCohortWindow(ctx, spikeCohort, testutil.Day(day0, 12))
	require.NoError(t, err)
	assert.Equal(t, cohort.StatusOpen, view.Status)
	assert.Equal(t, int64(3), view.EventCount)
	assert.Zero(t, view.HeldEvents)
	assert.False(t, view.Frozen)
}

// Address changes of one subject that arrive out of timestamp order yield
// the same corridors live as on replay.
func TestEngine_OutOfOrderAddressChangesReplay(t *testing.T) {
	h := newHarness(t)
	ctx := testutil.TestContext(t)

	for d := 0; d < 3; d++ {
		subject := fmt.Sprintf("zigzag-%d", d)
		base := testutil.Day(day0, d)
		h.appendLive(t, fixtures.Enrolment(subject, "Bihar", "Sitamarhi", base.Add(time.Hour)))
		h.appendLive(t, fixtures.AddressChange(subject, "Gujarat", "Surat", base.Add(3*time.Hour)))
		h.appendLive(t, fixtures.AddressChange(subject, "Maharashtra", "Pune", base.Add(2*time.Hour)))
		h.clock.Set(testutil.Day(day0, d+1))
		require.NoError(t, h.engine.Tick(ctx))
	}
	// Arrives after day 1 closed.
	_, err := h.engine.AppendEvent(ctx, fixtures.AddressChange("zigzag-1", "Bihar", "Patna", testutil.Day(day0, 1).Add(150*time.Minute)))
	require.NoError(t, err)

	_, liveFlows, err := h.engine.Snapshot(ctx)
	require.NoError(t, err)

	sitamarhi := domaincorridor.Region{State: "Bihar", District: "Sitamarhi"}
	pune := domaincorridor.Region{State: "Maharashtra", District: "Pune"}
	surat := domaincorridor.Region{State: "Gujarat", District: "Surat"}
	counts := make(map[domaincorridor.Pair]int64)
	for _, f := range liveFlows {
		counts[f.Pair()] += f.UpdateCount
	}
	assert.Equal(t, int64(3), counts[domaincorridor.Pair{Source: sitamarhi, Destination: pune}])
	assert.Equal(t, int64(3), counts[domaincorridor.Pair{Source: pune, Destination: surat}])
	assert.Zero(t, counts[domaincorridor.Pair{Source: sitamarhi, Destination: surat}])

	require.NoError(t, h.engine.Rebuild(ctx))
	_, replayFlows, err := h.engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, liveFlows, replayFlows)
}

// blockingRepository stalls inserts of one subject until released.
type blockingRepository struct {
	*eventstore.MemoryRepository
	subject string
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRepository) Insert(ctx context.Context, e *event.Event) error {
	if e.SubjectID == b.subject {
		close(b.entered)
		<-b.release
	}
	return b.MemoryRepository.Insert(ctx, e)
}

// A tick that lands while an append is still being persisted does not close
// the append's window under it.
func TestEngine_TickWaitsForInFlightAppend(t *testing.T) {
	ctx := testutil.TestContext(t)
	repo := &blockingRepository{
		MemoryRepository: eventstore.NewMemoryRepository(),
		subject:          "slow",
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	clk := clock.NewManualClock(day0)
	engine, err := New(ctx, Deps{
		Events:  repo,
		Freezes: freeze.NewMemoryRepository(),
		Clock:   clk,
		Logger:  zaptest.NewLogger(t),
	}, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	clk.Set(day0.Add(12 * time.Hour))
	_, err = engine.AppendEvent(ctx, dobUpdate().WithTimestamp(clk.Now()).Build())
	require.NoError(t, err)

	lastSecond := testutil.Day(day0, 1).Add(-time.Second)
	clk.Set(lastSecond)
	appended := make(chan error, 1)
	go func() {
		_, err := engine.AppendEvent(ctx, dobUpdate().WithSubject("slow").WithTimestamp(lastSecond).Build())
		appended <- err
	}()
	<-repo.entered

	clk.Set(testutil.Day(day0, 1).Add(30 * time.Second))
	require.NoError(t, engine.Tick(ctx))

	close(repo.release)
	require.NoError(t, <-appended)
	require.NoError(t, engine.Tick(ctx))

	view, err := engine.GetCohortWindow(ctx, spikeCohort, day0)
	require.NoError(t, err)
	assert.NotEqual(t, cohort.StatusOpen, view.Status)
	assert.Equal(t, int64(2), view.EventCount)
	assert.Zero(t, view.LateEvents)

	liveWindows, liveFlows, err := engine.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, engine.Rebuild(ctx))
	replayWindows, replayFlows, err := engine.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, liveWindows, replayWindows)
	assert.Equal(t, liveFlows, replayFlows)
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
