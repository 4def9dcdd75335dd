package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/alert"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/clock"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, msg Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockTransport) Protocol() TransportType {
	return TransportLog
}

func (m *mockTransport) Close() error {
	return m.Called().Error(0)
}

type deliveryCounts struct {
	mu    sync.Mutex
	ok    map[string]int
	fail  map[string]int
	depth int
}

func newDeliveryCounts() *deliveryCounts {
	return &deliveryCounts{ok: map[string]int{}, fail: map[string]int{}}
}

func (c *deliveryCounts) AlertDelivered(_ context.Context, kind string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.ok[kind]++
		return
	}
	c.fail[kind]++
}

func (c *deliveryCounts) SetDLQDepth(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth = depth
}

func quickConfig() DispatcherConfig {
	return DispatcherConfig{QueueSize: 8, PublishTimeout: time.Second, MaxAttempts: 2}
}

func newTestDispatcher(t *testing.T, tr Transport, rec DeliveryRecorder, cfg DispatcherConfig) *Dispatcher {
	dlq := NewDeadLetterQueue(10, clock.NewManualClock(t0), zaptest.NewLogger(t))
	return NewDispatcher(tr, dlq, rec, cfg, zaptest.NewLogger(t))
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	tr := &mockTransport{}
	var (
		mu       sync.Mutex
		subjects []string
	)
	tr.On("Send", mock.Anything, mock.AnythingOfType("events.Message")).
		Run(func(args mock.Arguments) {
			mu.Lock()
			defer mu.Unlock()
			subjects = append(subjects, string(args.Get(1).(Message).Key))
		}).Return(nil)
	tr.On("Close").Return(nil).Once()

	rec := newDeliveryCounts()
	d := newTestDispatcher(t, tr, rec, quickConfig())

	require.NoError(t, d.Publish(context.Background(), testAlert(alert.KindAnomaly, "one")))
	require.NoError(t, d.Publish(context.Background(), testAlert(alert.KindCorridorSpike, "two")))
	require.NoError(t, d.Close())

	assert.Equal(t, []string{"one", "two"}, subjects)
	assert.Equal(t, 1, rec.ok[string(alert.KindAnomaly)])
	assert.Equal(t, 1, rec.ok[string(alert.KindCorridorSpike)])
	assert.Zero(t, d.DeadLetters().Len())
	tr.AssertExpectations(t)

	assert.ErrorIs(t, d.Publish(context.Background(), testAlert(alert.KindAnomaly, "late")), ErrDispatcherClosed)
	assert.NoError(t, d.Close(), "second close is a no-op")
}

func TestDispatcher_RetriesThenDeadLetters(t *testing.T) {
	tr := &mockTransport{}
	tr.On("Send", mock.Anything, mock.Anything).Return(errors.New("broker unavailable")).Times(2)
	tr.On("Close").Return(nil)

	rec := newDeliveryCounts()
	d := newTestDispatcher(t, tr, rec, quickConfig())

	a := testAlert(alert.KindAnomaly, "M|18-21|395001|DOB")
	require.NoError(t, d.Publish(context.Background(), a))
	require.NoError(t, d.Close())

	failed := d.DeadLetters().Failed(0)
	require.Len(t, failed, 1)
	assert.Equal(t, a.ID, failed[0].Alert.ID)
	assert.Equal(t, 2, failed[0].Attempts)
	assert.Equal(t, "broker unavailable", failed[0].Reason)
	assert.Equal(t, 2, rec.fail[string(alert.KindAnomaly)])
	assert.Equal(t, 1, rec.depth)
	tr.AssertNumberOfCalls(t, "Send", 2)
}

func TestDispatcher_RetryDeadLetters(t *testing.T) {
	tr := &mockTransport{}
	tr.On("Send", mock.Anything, mock.Anything).Return(errors.New("down")).Once()
	tr.On("Send", mock.Anything, mock.Anything).Return(nil)
	tr.On("Close").Return(nil)

	rec := newDeliveryCounts()
	cfg := quickConfig()
	cfg.MaxAttempts = 1
	d := newTestDispatcher(t, tr, rec, cfg)
	require.NoError(t, d.Publish(context.Background(), testAlert(alert.KindAnomaly, "x")))
	require.NoError(t, d.Close())
	require.Equal(t, 1, d.DeadLetters().Len())

	assert.Equal(t, 1, d.RetryDeadLetters(context.Background()))
	assert.Zero(t, d.DeadLetters().Len())
	assert.Zero(t, rec.depth)
	assert.Equal(t, int64(1), d.DeadLetters().Stats().TotalRetried)
}

// blockingTransport parks every Send until release is closed.
type blockingTransport struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTransport) Send(ctx context.Context, _ Message) error {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingTransport) Protocol() TransportType { return TransportLog }
func (b *blockingTransport) Close() error            { return nil }

func TestDispatcher_FullQueueDeadLetters(t *testing.T) {
	tr := &blockingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	rec := newDeliveryCounts()
	cfg := quickConfig()
	cfg.QueueSize = 1
	d := newTestDispatcher(t, tr, rec, cfg)

	require.NoError(t, d.Publish(context.Background(), testAlert(alert.KindAnomaly, "in-flight")))
	<-tr.entered
	require.NoError(t, d.Publish(context.Background(), testAlert(alert.KindAnomaly, "queued")))

	overflow := testAlert(alert.KindCorridorSpike, "overflow")
	assert.ErrorIs(t, d.Publish(context.Background(), overflow), ErrQueueFull)

	close(tr.release)
	require.NoError(t, d.Close())

	failed := d.DeadLetters().Failed(0)
	require.Len(t, failed, 1)
	assert.Equal(t, overflow.ID, failed[0].Alert.ID)
	assert.Zero(t, failed[0].Attempts)
	assert.Equal(t, 2, rec.ok[string(alert.KindAnomaly)])
	assert.Equal(t, 1, rec.fail[string(alert.KindCorridorSpike)])
}
