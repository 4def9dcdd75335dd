package eventstore

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
	"github.com/aadhaar-prerana/prerana-core/internal/testutil"
	"github.com/aadhaar-prerana/prerana-core/internal/testutil/fixtures"
)

var baseTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, cfg Config) (*Store, *MemoryRepository, *clock.ManualClock) {
	t.Helper()
	repo := NewMemoryRepository()
	clk := clock.NewManualClock(baseTime)
	store, err := Open(testutil.TestContext(t), repo, clk, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return store, repo, clk
}

func collect(t *testing.T, seq func(func(event.Event, error) bool)) []event.Event {
	t.Helper()
	var out []event.Event
	for e, err := range seq {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestStore_AppendAssignsIdentity(t *testing.T) {
	store, repo, _ := newTestStore(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	e := fixtures.NewEventBuilder().WithTimestamp(baseTime.Add(-time.Hour)).Build()
	stored, err := store.Append(ctx, e)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, stored.ID)
	assert.Equal(t, uint64(1), stored.Sequence)
	assert.False(t, stored.Held)

	_, err = store.Append(ctx, fixtures.NewEventBuilder().WithTimestamp(baseTime.Add(-time.Hour)).Build())
	require.NoError(t, err)

	events := collect(t, store.Query(ctx, event.Filter{}, event.TimeRange{}))
	require.Len(t, events, 2)
	assert.Equal(t, stored, events[0])
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
	assert.Equal(t, baseTime, events[0].IngestedAt)
	assert.Equal(t, 2, repo.Len())
	assert.Equal(t, uint64(2), store.LastSequence())
}

func TestStore_AppendRejectsInvalid(t *testing.T) {
	store, repo, _ := newTestStore(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	future := fixtures.NewEventBuilder().WithTimestamp(baseTime.Add(10 * time.Minute)).Build()
	_, err := store.Append(ctx, future)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	unknown := fixtures.NewEventBuilder().Build()
	unknown.Type = "MERGE"
	_, err = store.Append(ctx, unknown)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	assert.Equal(t, 0, repo.Len())
}

func TestStore_QueryOrderingAndPaging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSize = 2
	store, _, _ := newTestStore(t, cfg)
	ctx := testutil.TestContext(t)

	// Appended out of timestamp order, and two with the same timestamp.
	offsets := []time.Duration{-1 * time.Hour, -5 * time.Hour, -3 * time.Hour, -3 * time.Hour, -2 * time.Hour}
	for _, off := range offsets {
		_, err := store.Append(ctx, fixtures.NewEventBuilder().WithTimestamp(baseTime.Add(off)).Build())
		require.NoError(t, err)
	}

	events := collect(t, store.Query(ctx, event.Filter{}, event.TimeRange{}))
	require.Len(t, events, len(offsets))
	for i := 1; i < len(events); i++ {
		assert.True(t, event.Less(events[i-1], events[i]), "events out of order at %d", i)
	}
	assert.Equal(t, uint64(3), events[1].Sequence)
	assert.Equal(t, uint64(4), events[2].Sequence)

	seq := store.Query(ctx, event.Filter{}, event.TimeRange{From: baseTime.Add(-3 * time.Hour), To: baseTime.Add(-time.Hour)})
	first := collect(t, seq)
	second := collect(t, seq)
	assert.Len(t, first, 3)
	assert.Equal(t, first, second, "query is restartable")
}

func TestStore_QueryFilterAndEarlyStop(t *testing.T) {
	store, _, _ := newTestStore(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	ts := baseTime.Add(-time.Hour)
	_, err := store.Append(ctx, fixtures.Enrolment("a", "Bihar", "Sitamarhi", ts))
	require.NoError(t, err)
	_, err = store.Append(ctx, fixtures.BiometricUpdate("a", "Bihar", "Sitamarhi", ts))
	require.NoError(t, err)
	_, err = store.Append(ctx, fixtures.Enrolment("b", "Gujarat", "Surat", ts))
	require.NoError(t, err)

	enrolments := collect(t, store.Query(ctx, event.Filter{Types: []event.Type{event.TypeEnrolment}}, event.TimeRange{}))
	assert.Len(t, enrolments, 2)

	bihar := collect(t, store.Query(ctx, event.Filter{State: "Bihar"}, event.TimeRange{}))
	assert.Len(t, bihar, 2)

	count := 0
	for range store.Query(ctx, event.Filter{}, event.TimeRange{}) {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestStore_QueryCancelled(t *testing.T) {
	store, _, _ := newTestStore(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range store.Query(ctx, event.Filter{}, event.TimeRange{}) {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, context.Canceled)
}

func TestStore_ListenersSeeHeldFlag(t *testing.T) {
	store, _, _ := newTestStore(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	store.SetHoldPolicy(holdSubject("frozen"))
	var seen []event.Event
	store.Subscribe(ListenerFunc(func(_ context.Context, e event.Event) {
		seen = append(seen, e)
	}))

	ts := baseTime.Add(-time.Minute)
	_, err := store.Append(ctx, fixtures.NewEventBuilder().WithSubject("frozen").WithTimestamp(ts).Build())
	require.NoError(t, err)
	_, err = store.Append(ctx, fixtures.NewEventBuilder().WithSubject("free").WithTimestamp(ts).Build())
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.True(t, seen[0].Held)
	assert.False(t, seen[1].Held)
	assert.NotZero(t, seen[0].Sequence)
}

type holdSubject string

func (h holdSubject) Holds(e event.Event, _ time.Time) bool {
	return e.SubjectID == string(h)
}

func TestStore_SerializesPerSubject(t *testing.T) {
	store, repo, _ := newTestStore(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	var inFlight, maxInFlight atomic.Int32
	store.Subscribe(ListenerFunc(func(_ context.Context, e event.Event) {
		if e.SubjectID != "hot" {
			return
		}
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Append(ctx, fixtures.NewEventBuilder().WithSubject("hot").WithTimestamp(baseTime).Build())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Equal(t, 20, repo.Len())
}

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) Insert(ctx context.Context, e *event.Event) error {
	return m.Called(ctx, e).Error(0)
}

func (m *mockRepository) Page(ctx context.Context, f event.Filter, tr event.TimeRange, after Cursor, limit int) ([]event.Event, error) {
	args := m.Called(ctx, f, tr, after, limit)
	if v := args.Get(0); v != nil {
		return v.([]event.Event), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepository) MaxSequence(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func TestStore_PersistFailureIsCleanAndSilent(t *testing.T) {
	repo := &mockRepository{}
	repo.On("MaxSequence", mock.Anything).Return(uint64(41), nil)
	repo.On("Insert", mock.Anything, mock.Anything).Return(stderrors.New("connection refused")).Once()

	store, err := Open(testutil.TestContext(t), repo, clock.NewManualClock(baseTime), DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	notified := false
	store.Subscribe(ListenerFunc(func(context.Context, event.Event) { notified = true }))

	_, err = store.Append(testutil.TestContext(t), fixtures.NewEventBuilder().WithTimestamp(baseTime).Build())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
	assert.False(t, notified)
	repo.AssertExpectations(t)

	repo.On("Insert", mock.Anything, mock.MatchedBy(func(e *event.Event) bool { return e.Sequence == 43 })).Return(nil).Once()
	_, err = store.Append(testutil.TestContext(t), fixtures.NewEventBuilder().WithTimestamp(baseTime).Build())
	require.NoError(t, err)
	assert.True(t, notified)
}

func TestStore_WatermarkHeldByInFlightAppend(t *testing.T) {
	store, _, clk := newTestStore(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	assert.Equal(t, baseTime.Add(-time.Minute), store.Watermark(time.Minute))

	entered := make(chan struct{})
	release := make(chan struct{})
	store.Subscribe(ListenerFunc(func(_ context.Context, e event.Event) {
		if e.SubjectID == "slow" {
			close(entered)
			<-release
		}
	}))

	appended := make(chan error, 1)
	go func() {
		_, err := store.Append(ctx, fixtures.NewEventBuilder().WithSubject("slow").WithTimestamp(baseTime).Build())
		appended <- err
	}()
	<-entered

	clk.Advance(time.Hour)
	assert.Equal(t, baseTime, store.Watermark(0), "held at the ingestion time of the slow append")

	// Other subjects still append while the slow one is in flight.
	_, err := store.Append(ctx, fixtures.NewEventBuilder().WithTimestamp(baseTime).Build())
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(-time.Minute), store.Watermark(time.Minute))

	close(release)
	require.NoError(t, <-appended)
	assert.Equal(t, baseTime.Add(time.Hour), store.Watermark(0))
}
