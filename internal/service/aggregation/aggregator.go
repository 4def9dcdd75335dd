package aggregation

import (
	"cmp"
	"context"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/errors"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
)

// Config tunes bucketing and sharding.
type Config struct {
	BucketSize time.Duration
	// AllowedLateness delays closure past the bucket end. An event whose
	// ingestion time is at or after end+AllowedLateness is late.
	AllowedLateness time.Duration
	Shards          int
	ShardBuffer     int
	// Retention is how many closed windows each key keeps in memory.
	Retention int
}

func DefaultConfig() Config {
	return Config{
		BucketSize:  24 * time.Hour,
		Shards:      16,
		ShardBuffer: 1024,
		Retention:   400,
	}
}

type cmdKind int

const (
	cmdIngest cmdKind = iota
	cmdClose
	cmdCloseAll
	cmdFlush
)

type command struct {
	kind    cmdKind
	event   event.Event
	key     cohort.Key
	through time.Time
	done    chan struct{}
}

type shard struct {
	id     int
	cmds   chan command
	mu     sync.RWMutex
	series map[cohort.Key]*series
	// anomalies indexes every anomalous closure in closure order.
	anomalies []cohort.Window
}

// Aggregator keeps per-cohort bucket counts. Each key belongs to exactly
// one shard and every mutation of a shard happens on its own goroutine, so
// updates within a key are strictly ordered.
type Aggregator struct {
	cfg      Config
	scorer   Scorer
	observer Observer
	logger   *zap.Logger
	shards   []*shard

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, scorer Scorer, observer Observer, logger *zap.Logger) *Aggregator {
	d := DefaultConfig()
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = d.BucketSize
	}
	if cfg.Shards <= 0 {
		cfg.Shards = d.Shards
	}
	if cfg.ShardBuffer < 0 {
		cfg.ShardBuffer = d.ShardBuffer
	}
	if cfg.AllowedLateness < 0 {
		cfg.AllowedLateness = 0
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Aggregator{
		cfg:      cfg,
		scorer:   scorer,
		observer: observer,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	for i := 0; i < cfg.Shards; i++ {
		a.shards = append(a.shards, &shard{
			id:     i,
			cmds:   make(chan command, cfg.ShardBuffer),
			series: make(map[cohort.Key]*series),
		})
	}
	return a
}

func (a *Aggregator) Config() Config {
	return a.cfg
}

// Start launches one goroutine per shard.
func (a *Aggregator) Start() {
	a.startOnce.Do(func() {
		for _, sh := range a.shards {
			a.wg.Add(1)
			go a.run(sh)
		}
		a.logger.Info("aggregator started",
			zap.Int("shards", len(a.shards)),
			zap.Duration("bucket_size", a.cfg.BucketSize))
	})
}

// Stop drains queued commands and stops the shard goroutines.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.wg.Wait()
		a.logger.Info("aggregator stopped")
	})
}

func (a *Aggregator) run(sh *shard) {
	defer a.wg.Done()
	for {
		select {
		case cmd := <-sh.cmds:
			a.apply(sh, cmd)
		case <-a.stop:
			for {
				select {
				case cmd := <-sh.cmds:
					a.apply(sh, cmd)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) shardFor(key cohort.Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return a.shards[h.Sum32()%uint32(len(a.shards))]
}

// Ingest queues e on its cohort's shard.
func (a *Aggregator) Ingest(e event.Event) {
	key := cohort.KeyFor(e)
	select {
	case a.shardFor(key).cmds <- command{kind: cmdIngest, event: e, key: key}:
	case <-a.stop:
		a.logger.Warn("aggregator stopped, dropping event",
			zap.String("event_id", e.ID.String()))
	}
}

// OnAppend lets the aggregator subscribe to the event store.
func (a *Aggregator) OnAppend(_ context.Context, e event.Event) {
	a.Ingest(e)
}

// Close finalizes, in order, every open bucket of key that ends at or
// before through. Buckets already closed are left alone.
func (a *Aggregator) Close(ctx context.Context, key cohort.Key, through time.Time) error {
	return a.send(ctx, a.shardFor(key), command{kind: cmdClose, key: key, through: through})
}

// CloseAll is Close for every key.
func (a *Aggregator) CloseAll(ctx context.Context, through time.Time) error {
	return a.broadcast(ctx, command{kind: cmdCloseAll, through: through})
}

// Flush returns once every command queued before the call has been applied.
func (a *Aggregator) Flush(ctx context.Context) error {
	return a.broadcast(ctx, command{kind: cmdFlush})
}

func (a *Aggregator) broadcast(ctx context.Context, cmd command) error {
	for _, sh := range a.shards {
		if err := a.send(ctx, sh, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) send(ctx context.Context, sh *shard, cmd command) error {
	cmd.done = make(chan struct{})
	select {
	case sh.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stop:
		return errors.NewInternalError("aggregator stopped")
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) apply(sh *shard, cmd command) {
	var closed []cohort.WindowView
	var late bool

	sh.mu.Lock()
	switch cmd.kind {
	case cmdIngest:
		late = a.ingest(sh, cmd.key, cmd.event)
	case cmdClose:
		if s, ok := sh.series[cmd.key]; ok {
			closed = a.closeSeries(sh, s, cmd.through)
		}
	case cmdCloseAll:
		keys := make([]cohort.Key, 0, len(sh.series))
		for k := range sh.series {
			keys = append(keys, k)
		}
		slices.SortFunc(keys, compareKeys)
		for _, k := range keys {
			closed = append(closed, a.closeSeries(sh, sh.series[k], cmd.through)...)
		}
	}
	sh.mu.Unlock()

	if late {
		a.observer.LateEvent(cmd.key, cohort.BucketStart(cmd.event.Timestamp, a.cfg.BucketSize))
	}
	for _, v := range closed {
		a.observer.WindowClosed(v)
	}
	if cmd.done != nil {
		close(cmd.done)
	}
}

// ingest reports whether the event was late.
func (a *Aggregator) ingest(sh *shard, key cohort.Key, e event.Event) bool {
	size := a.cfg.BucketSize
	start := cohort.BucketStart(e.Timestamp, size)
	end := start.Add(size)
	b := start.UnixNano()

	s, ok := sh.series[key]
	if !ok {
		s = newSeries(key)
		sh.series[key] = s
	}

	if !e.IngestedAt.Before(end.Add(a.cfg.AllowedLateness)) ||
		(s.hasClosed() && start.Before(s.closedThrough(size))) {
		s.markLate(start, size)
		return true
	}

	if !s.started() || start.Before(s.first) {
		s.first = start
	}
	if e.Held {
		s.held[b]++
	} else {
		s.counts[b]++
	}
	return false
}

func (a *Aggregator) closeSeries(sh *shard, s *series, through time.Time) []cohort.WindowView {
	if !s.started() {
		return nil
	}
	size := a.cfg.BucketSize
	var out []cohort.WindowView
	for {
		start := s.closedThrough(size)
		end := start.Add(size)
		if end.After(through) {
			break
		}
		b := start.UnixNano()
		w := a.scorer.Score(cohort.Window{
			Key:         s.key,
			WindowStart: start,
			WindowEnd:   end,
			EventCount:  s.counts[b],
			Status:      cohort.StatusOpen,
		}, s.closed)
		delete(s.counts, b)
		s.closed = append(s.closed, w)
		if w.IsAnomalous() {
			sh.anomalies = append(sh.anomalies, w)
		}
		out = append(out, s.view(w))
	}
	s.trim(a.cfg.Retention, size)
	return out
}

// Window returns the window of key starting at start: closed if already
// final, OPEN if it is still collecting.
func (a *Aggregator) Window(key cohort.Key, start time.Time) (cohort.WindowView, bool) {
	size := a.cfg.BucketSize
	start = cohort.BucketStart(start, size)
	sh := a.shardFor(key)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.series[key]
	if !ok || !s.started() {
		return cohort.WindowView{}, false
	}
	if w, ok := s.closedAt(start, size); ok {
		return s.view(w), true
	}
	if start.Before(s.closedThrough(size)) {
		return cohort.WindowView{}, false
	}
	b := start.UnixNano()
	count, counted := s.counts[b]
	held, heldOK := s.held[b]
	if !counted && !heldOK {
		return cohort.WindowView{}, false
	}
	return cohort.WindowView{
		Window: cohort.Window{
			Key:         key,
			WindowStart: start,
			WindowEnd:   start.Add(size),
			EventCount:  count,
			Status:      cohort.StatusOpen,
		},
		LateEvents: s.late[b],
		HeldEvents: held,
	}, true
}

// LateEvents returns the late counter for a bucket even when no window
// exists for it.
func (a *Aggregator) LateEvents(key cohort.Key, start time.Time) int64 {
	sh := a.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if s, ok := sh.series[key]; ok {
		return s.late[cohort.BucketStart(start, a.cfg.BucketSize).UnixNano()]
	}
	return 0
}

// Anomalies returns anomalous windows overlapping tr with a z-score of at
// least minZ, ordered by start, then z descending, then key.
func (a *Aggregator) Anomalies(tr event.TimeRange, minZ float64) []cohort.WindowView {
	var out []cohort.WindowView
	for _, sh := range a.shards {
		sh.mu.RLock()
		for _, w := range sh.anomalies {
			if w.ZScore < minZ || !tr.Overlaps(w.WindowStart, w.WindowEnd) {
				continue
			}
			if s, ok := sh.series[w.Key]; ok {
				out = append(out, s.view(w))
			}
		}
		sh.mu.RUnlock()
	}
	slices.SortFunc(out, func(x, y cohort.WindowView) int {
		if c := x.WindowStart.Compare(y.WindowStart); c != 0 {
			return c
		}
		if x.ZScore != y.ZScore {
			if x.ZScore > y.ZScore {
				return -1
			}
			return 1
		}
		return compareKeys(x.Key, y.Key)
	})
	return out
}

// Snapshot returns every retained closed window ordered by key and start.
func (a *Aggregator) Snapshot() []cohort.WindowView {
	var out []cohort.WindowView
	for _, sh := range a.shards {
		sh.mu.RLock()
		for _, s := range sh.series {
			for _, w := range s.closed {
				out = append(out, s.view(w))
			}
		}
		sh.mu.RUnlock()
	}
	slices.SortFunc(out, func(x, y cohort.WindowView) int {
		if c := compareKeys(x.Key, y.Key); c != 0 {
			return c
		}
		return x.WindowStart.Compare(y.WindowStart)
	})
	return out
}

// Keys returns the number of cohort keys tracked.
func (a *Aggregator) Keys() int {
	n := 0
	for _, sh := range a.shards {
		sh.mu.RLock()
		n += len(sh.series)
		sh.mu.RUnlock()
	}
	return n
}

func compareKeys(x, y cohort.Key) int {
	return cmp.Compare(x.String(), y.String())
}
