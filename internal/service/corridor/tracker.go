package corridor

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/aadhaar-prerana/prerana-core/internal/domain/cohort"
	domain "github.com/aadhaar-prerana/prerana-core/internal/domain/corridor"
	"github.com/aadhaar-prerana/prerana-core/internal/domain/event"
)

const (
	DefaultBaselineWindows = 30
	DefaultSpikePct        = 200
)

var hundred = decimal.NewFromInt(100)

// Config tunes the tracker. Bucketing must match the cohort aggregator.
type Config struct {
	BucketSize      time.Duration
	AllowedLateness time.Duration
	BaselineWindows int
	// SpikePct is the velocity at which a flow is flagged as a spike.
	SpikePct  float64
	Retention int
}

func DefaultConfig() Config {
	return Config{
		BucketSize:      24 * time.Hour,
		BaselineWindows: DefaultBaselineWindows,
		SpikePct:        DefaultSpikePct,
		Retention:       400,
	}
}

// Observer is told about each closed flow with a non-zero count.
type Observer interface {
	FlowClosed(f domain.Flow)
}

// mark is one region-bearing event of a subject.
type mark struct {
	ts      time.Time
	seq     uint64
	region  domain.Region
	address bool
}

func (m mark) before(o mark) bool {
	if !m.ts.Equal(o.ts) {
		return m.ts.Before(o.ts)
	}
	return m.seq < o.seq
}

// trail is a subject's enrolment and address events in (Timestamp,
// Sequence) order.
type trail []mark

// sourceAt is the region the subject moved from at tr[i]: the latest
// earlier address, else the earliest earlier enrolment.
func (tr trail) sourceAt(i int) (domain.Region, bool) {
	var enrolment domain.Region
	found := false
	for j := i - 1; j >= 0; j-- {
		if tr[j].address {
			return tr[j].region, true
		}
		enrolment, found = tr[j].region, true
	}
	return enrolment, found
}

// nextAddress returns the index of the first address at or after i, or -1.
func (tr trail) nextAddress(i int) int {
	for j := i; j < len(tr); j++ {
		if tr[j].address {
			return j
		}
	}
	return -1
}

type pairSeries struct {
	pair    domain.Pair
	first   time.Time
	dropped int
	closed  []domain.Flow
	counts  map[int64]int64
	late    map[int64]int64
}

func (p *pairSeries) closedThrough(size time.Duration) time.Time {
	return p.first.Add(time.Duration(p.dropped+len(p.closed)) * size)
}

// floor is the start of the oldest retained bucket.
func (p *pairSeries) floor(size time.Duration) time.Time {
	return p.first.Add(time.Duration(p.dropped) * size)
}

// markLate records a late change. Buckets already past retention are not
// tracked.
func (p *pairSeries) markLate(start time.Time, size time.Duration) {
	if p.dropped > 0 && start.Before(p.floor(size)) {
		return
	}
	p.late[start.UnixNano()]++
}

// Tracker derives directed region-to-region flows from address changes.
type Tracker struct {
	cfg      Config
	spike    decimal.Decimal
	observer Observer
	logger   *zap.Logger

	mu     sync.RWMutex
	trails map[string]trail
	pairs  map[domain.Pair]*pairSeries
}

func NewTracker(cfg Config, observer Observer, logger *zap.Logger) *Tracker {
	d := DefaultConfig()
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = d.BucketSize
	}
	if cfg.BaselineWindows <= 0 {
		cfg.BaselineWindows = d.BaselineWindows
	}
	if cfg.SpikePct <= 0 {
		cfg.SpikePct = d.SpikePct
	}
	if cfg.Retention > 0 && cfg.Retention < cfg.BaselineWindows {
		cfg.Retention = cfg.BaselineWindows
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:      cfg,
		spike:    decimal.NewFromFloat(cfg.SpikePct),
		observer: observer,
		logger:   logger,
		trails:   make(map[string]trail),
		pairs:    make(map[domain.Pair]*pairSeries),
	}
}

// OnAppend follows the event store. Held events are ignored.
func (t *Tracker) OnAppend(_ context.Context, e event.Event) {
	t.Observe(e)
}

// Observe applies one event. Events of one subject may arrive out of
// timestamp order: the subject's trail stays sorted and an event landing
// before a later address change moves that change to its corrected source.
// An event ingested after its own bucket stopped taking events stays out of
// the trail; an address change of that kind is counted as late on the
// corridor it would have opened.
func (t *Tracker) Observe(e event.Event) {
	if e.Held {
		return
	}
	address := e.IsAddressChange()
	if e.Type != event.TypeEnrolment && !address {
		return
	}
	m := mark{ts: e.Timestamp, seq: e.Sequence, region: domain.RegionOf(e.Location), address: address}
	size := t.cfg.BucketSize
	start := cohort.BucketStart(m.ts, size)

	t.mu.Lock()
	defer t.mu.Unlock()

	tr := t.trails[e.SubjectID]
	i, _ := slices.BinarySearchFunc(tr, m, func(x, target mark) int {
		if x.before(target) {
			return -1
		}
		return 1
	})

	if !e.IngestedAt.Before(start.Add(size).Add(t.cfg.AllowedLateness)) {
		if !address {
			return
		}
		if source, ok := tr.sourceAt(i); ok && source != m.region {
			t.series(domain.Pair{Source: source, Destination: m.region}).markLate(start, size)
		}
		return
	}

	// Only the first address after the insertion point can change source.
	next := tr.nextAddress(i)
	var oldSource domain.Region
	var hadSource bool
	if next >= 0 {
		oldSource, hadSource = tr.sourceAt(next)
		next++
	}

	tr = slices.Insert(tr, i, m)
	t.trails[e.SubjectID] = tr

	if address {
		if source, ok := tr.sourceAt(i); ok && source != m.region {
			t.count(domain.Pair{Source: source, Destination: m.region}, m.ts, e.IngestedAt)
		}
	}
	if next < 0 {
		return
	}
	moved := tr[next]
	newSource, hasSource := tr.sourceAt(next)
	if hadSource == hasSource && oldSource == newSource {
		return
	}
	if hadSource && oldSource != moved.region {
		t.retract(domain.Pair{Source: oldSource, Destination: moved.region}, moved.ts, e.IngestedAt)
	}
	if hasSource && newSource != moved.region {
		t.count(domain.Pair{Source: newSource, Destination: moved.region}, moved.ts, e.IngestedAt)
	}
}

// accepting reports whether the bucket of p starting at start still takes
// changes seen at time at.
func (t *Tracker) accepting(p *pairSeries, start, at time.Time) bool {
	size := t.cfg.BucketSize
	if !at.Before(start.Add(size).Add(t.cfg.AllowedLateness)) {
		return false
	}
	hasClosed := p.dropped+len(p.closed) > 0
	return !hasClosed || !start.Before(p.closedThrough(size))
}

func (t *Tracker) series(pair domain.Pair) *pairSeries {
	p, ok := t.pairs[pair]
	if !ok {
		p = &pairSeries{pair: pair, counts: make(map[int64]int64), late: make(map[int64]int64)}
		t.pairs[pair] = p
	}
	return p
}

// count adds one flow of pair to the bucket containing ts.
func (t *Tracker) count(pair domain.Pair, ts, at time.Time) {
	start := cohort.BucketStart(ts, t.cfg.BucketSize)
	b := start.UnixNano()
	p := t.series(pair)

	if !t.accepting(p, start, at) {
		p.markLate(start, t.cfg.BucketSize)
		return
	}
	if p.first.IsZero() || start.Before(p.first) {
		p.first = start
	}
	p.counts[b]++
}

// retract takes one flow of pair back out of the bucket containing ts.
func (t *Tracker) retract(pair domain.Pair, ts, at time.Time) {
	start := cohort.BucketStart(ts, t.cfg.BucketSize)
	b := start.UnixNano()
	p := t.series(pair)

	if !t.accepting(p, start, at) || p.counts[b] == 0 {
		p.markLate(start, t.cfg.BucketSize)
		return
	}
	p.counts[b]--
	if p.counts[b] > 0 {
		return
	}
	delete(p.counts, b)
	if p.dropped+len(p.closed) > 0 {
		return
	}
	// Nothing closed yet, so the series starts at its earliest counted bucket.
	p.first = time.Time{}
	for k := range p.counts {
		if s := time.Unix(0, k).UTC(); p.first.IsZero() || s.Before(p.first) {
			p.first = s
		}
	}
}

// Close finalizes every bucket of every corridor ending at or before
// through. Corridors are closed one at a time in a fixed order; if ctx
// expires part way, the closed ones stay closed and the rest wait for the
// next call.
func (t *Tracker) Close(ctx context.Context, through time.Time) error {
	t.mu.Lock()
	pairs := make([]*pairSeries, 0, len(t.pairs))
	for _, p := range t.pairs {
		pairs = append(pairs, p)
	}
	t.mu.Unlock()

	slices.SortFunc(pairs, func(a, b *pairSeries) int { return comparePairs(a.pair, b.pair) })

	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.mu.Lock()
		closed := t.closePair(p, through)
		t.mu.Unlock()

		if t.observer != nil {
			for _, f := range closed {
				if f.UpdateCount > 0 {
					t.observer.FlowClosed(f)
				}
			}
		}
	}
	return nil
}

func (t *Tracker) closePair(p *pairSeries, through time.Time) []domain.Flow {
	if p.first.IsZero() {
		return nil
	}
	size := t.cfg.BucketSize
	var out []domain.Flow
	for {
		start := p.closedThrough(size)
		end := start.Add(size)
		if end.After(through) {
			break
		}
		b := start.UnixNano()
		f := t.finalize(p, start, end, p.counts[b])
		delete(p.counts, b)
		p.closed = append(p.closed, f)
		out = append(out, f)
	}
	if t.cfg.Retention > 0 && len(p.closed) > t.cfg.Retention {
		n := len(p.closed) - t.cfg.Retention
		p.closed = append(p.closed[:0:0], p.closed[n:]...)
		p.dropped += n
		floor := p.floor(size).UnixNano()
		for b := range p.late {
			if b < floor {
				delete(p.late, b)
			}
		}
	}
	return out
}

// finalize computes the baseline over the trailing closed flows of the pair
// and the velocity change against it.
func (t *Tracker) finalize(p *pairSeries, start, end time.Time, count int64) domain.Flow {
	f := domain.Flow{
		Source:      p.pair.Source,
		Destination: p.pair.Destination,
		WindowStart: start,
		WindowEnd:   end,
		UpdateCount: count,
		Closed:      true,
	}

	trailing := p.closed
	if len(trailing) > t.cfg.BaselineWindows {
		trailing = trailing[len(trailing)-t.cfg.BaselineWindows:]
	}
	var sum int64
	for _, prev := range trailing {
		sum += prev.UpdateCount
	}
	n := int64(len(trailing))
	f.BaselineSize = len(trailing)

	if sum == 0 {
		f.BaselineCount = decimal.Zero
		f.NewCorridor = true
		f.IsSpike = count > 0
		return f
	}

	f.BaselineCount = decimal.NewFromInt(sum).DivRound(decimal.NewFromInt(n), 4)
	// (count - sum/n) / (sum/n) * 100 == (count*n - sum) * 100 / sum
	velocity := decimal.NewFromInt(count*n - sum).Mul(hundred).DivRound(decimal.NewFromInt(sum), 2)
	f.VelocityChangePct = &velocity
	f.IsSpike = velocity.GreaterThanOrEqual(t.spike)
	return f
}

// Flow returns the flow of pair in the bucket containing start.
func (t *Tracker) Flow(pair domain.Pair, start time.Time) (domain.FlowView, bool) {
	size := t.cfg.BucketSize
	start = cohort.BucketStart(start, size)
	b := start.UnixNano()

	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.pairs[pair]
	if !ok || p.first.IsZero() || start.Before(p.first) {
		return domain.FlowView{}, false
	}
	idx := int(start.Sub(p.first)/size) - p.dropped
	if idx >= 0 && idx < len(p.closed) {
		return domain.FlowView{Flow: p.closed[idx], LateEvents: p.late[b]}, true
	}
	if start.Before(p.closedThrough(size)) {
		return domain.FlowView{}, false
	}
	count, ok := p.counts[b]
	if !ok {
		return domain.FlowView{}, false
	}
	return domain.FlowView{
		Flow: domain.Flow{
			Source:      pair.Source,
			Destination: pair.Destination,
			WindowStart: start,
			WindowEnd:   start.Add(size),
			UpdateCount: count,
		},
		LateEvents: p.late[b],
	}, true
}

// Top returns closed, non-empty flows overlapping tr ordered by velocity:
// new corridors first, then velocity desc, update count desc, source asc,
// destination asc and window start asc. limit <= 0 means no limit.
func (t *Tracker) Top(tr event.TimeRange, limit int) []domain.FlowView {
	t.mu.RLock()
	var out []domain.FlowView
	for _, p := range t.pairs {
		for _, f := range p.closed {
			if f.UpdateCount == 0 || !tr.Overlaps(f.WindowStart, f.WindowEnd) {
				continue
			}
			out = append(out, domain.FlowView{Flow: f, LateEvents: p.late[f.WindowStart.UnixNano()]})
		}
	}
	t.mu.RUnlock()

	slices.SortFunc(out, compareByVelocity)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Snapshot returns every retained closed flow ordered by pair and start.
func (t *Tracker) Snapshot() []domain.Flow {
	t.mu.RLock()
	var out []domain.Flow
	for _, p := range t.pairs {
		out = append(out, p.closed...)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Flow) int {
		if c := comparePairs(a.Pair(), b.Pair()); c != 0 {
			return c
		}
		return a.WindowStart.Compare(b.WindowStart)
	})
	return out
}

// LastRegion reports the region a subject lives in by timestamp: the latest
// timely address, else the enrolment region.
func (t *Tracker) LastRegion(subjectID string) (domain.Region, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr := t.trails[subjectID]
	return tr.sourceAt(len(tr))
}

func compareByVelocity(a, b domain.FlowView) int {
	if a.NewCorridor != b.NewCorridor {
		if a.NewCorridor {
			return -1
		}
		return 1
	}
	if !a.NewCorridor {
		if c := b.VelocityChangePct.Cmp(*a.VelocityChangePct); c != 0 {
			return c
		}
	}
	switch {
	case a.UpdateCount > b.UpdateCount:
		return -1
	case a.UpdateCount < b.UpdateCount:
		return 1
	}
	if c := comparePairs(a.Pair(), b.Pair()); c != 0 {
		return c
	}
	return a.WindowStart.Compare(b.WindowStart)
}

func comparePairs(a, b domain.Pair) int {
	if c := cmp.Compare(a.Source.String(), b.Source.String()); c != 0 {
		return c
	}
	return cmp.Compare(a.Destination.String(), b.Destination.String())
}
