package mixer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"surface-mixer/internal/log"
	"surface-mixer/pkg/graph"
)

// DefaultSamplePeriod is the stats sampling interval.
const DefaultSamplePeriod = time.Second

// Scheduler runs f once after d. The returned func cancels a pending run.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (cancel func() bool)
}

// StatsSample is the last cumulative counter read from a sink.
type StatsSample struct {
	SinkID              string
	BytesSentCumulative uint64
	Timestamp           time.Time
}

// ThroughputRecord is emitted for every sample with a positive delta.
type ThroughputRecord struct {
	SinkID         string
	BytesPerSecond uint64
	Timestamp      time.Time
}

type monitorEntry struct {
	sink   graph.Sink
	last   StatsSample
	gen    uint64
	cancel func() bool
}

// StatsMonitor samples attached sinks every period on the scheduler.
type StatsMonitor struct {
	mu      sync.Mutex
	sched   Scheduler
	sinkLog StatsLog
	period  time.Duration
	now     func() time.Time
	logger  zerolog.Logger
	metrics *Metrics

	gen      uint64
	entries  map[string]*monitorEntry
	onRecord func(ThroughputRecord)
}

type MonitorOption func(*StatsMonitor)

func WithStatsLog(l StatsLog) MonitorOption {
	return func(s *StatsMonitor) { s.sinkLog = l }
}

func WithSamplePeriod(d time.Duration) MonitorOption {
	return func(s *StatsMonitor) { s.period = d }
}

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(s *StatsMonitor) { s.now = now }
}

func WithMonitorLogger(l zerolog.Logger) MonitorOption {
	return func(s *StatsMonitor) { s.logger = l }
}

func WithMonitorMetrics(m *Metrics) MonitorOption {
	return func(s *StatsMonitor) { s.metrics = m }
}

// WithRecordHandler is called for every emitted record, outside the monitor lock.
func WithRecordHandler(f func(ThroughputRecord)) MonitorOption {
	return func(s *StatsMonitor) { s.onRecord = f }
}

func NewStatsMonitor(sched Scheduler, opts ...MonitorOption) *StatsMonitor {
	s := &StatsMonitor{
		sched:   sched,
		sinkLog: nopStatsLog{},
		period:  DefaultSamplePeriod,
		now:     time.Now,
		logger:  log.With("stats"),
		entries: make(map[string]*monitorEntry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Attach starts sampling sink. Attaching an already attached sink resets its
// baseline.
func (s *StatsMonitor) Attach(sink graph.Sink) {
	id := sink.ID()
	if err := s.sinkLog.Open(id); err != nil {
		s.logger.Warn().Err(err).Str("sink", id).Msg("open stats log")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[id]; ok && old.cancel != nil {
		old.cancel()
	}
	s.gen++
	e := &monitorEntry{
		sink: sink,
		gen:  s.gen,
		last: StatsSample{SinkID: id, BytesSentCumulative: sink.BytesSent(), Timestamp: s.now()},
	}
	s.entries[id] = e
	s.schedule(id, e)
	s.metrics.attached(len(s.entries))
	s.logger.Debug().Str("sink", id).Msg("stats monitor attached")
}

// Detach stops sampling sinkID. Samples already queued for it are dropped.
func (s *StatsMonitor) Detach(sinkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sinkID]
	if !ok {
		return fmt.Errorf("%w: sink %s", ErrNotFound, sinkID)
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(s.entries, sinkID)
	s.metrics.attached(len(s.entries))
	s.metrics.forgetSink(sinkID)
	s.logger.Debug().Str("sink", sinkID).Msg("stats monitor detached")
	return nil
}

// DetachAll detaches every sink.
func (s *StatsMonitor) DetachAll() {
	for _, id := range s.Attached() {
		_ = s.Detach(id)
	}
}

// Attached lists the attached sink ids in order.
func (s *StatsMonitor) Attached() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Last returns the latest sample taken for sinkID.
func (s *StatsMonitor) Last(sinkID string) (StatsSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sinkID]
	if !ok {
		return StatsSample{}, false
	}
	return e.last, true
}

// Sample takes a sample of sinkID immediately. It reports whether a record
// was emitted.
func (s *StatsMonitor) Sample(sinkID string) (ThroughputRecord, bool, error) {
	s.mu.Lock()
	e, ok := s.entries[sinkID]
	if !ok {
		s.mu.Unlock()
		return ThroughputRecord{}, false, fmt.Errorf("%w: sink %s", ErrNotFound, sinkID)
	}
	rec, emit := s.sampleLocked(e)
	s.mu.Unlock()

	if emit {
		s.emit(rec)
	}
	return rec, emit, nil
}

// tick is the scheduled sample. It is a no-op when the entry it was
// scheduled for has been detached or replaced.
func (s *StatsMonitor) tick(sinkID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[sinkID]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	rec, emit := s.sampleLocked(e)
	s.schedule(sinkID, e)
	s.mu.Unlock()

	if emit {
		s.emit(rec)
	}
}

func (s *StatsMonitor) schedule(sinkID string, e *monitorEntry) {
	gen := e.gen
	e.cancel = s.sched.AfterFunc(s.period, func() { s.tick(sinkID, gen) })
}

func (s *StatsMonitor) sampleLocked(e *monitorEntry) (ThroughputRecord, bool) {
	now := s.now()
	cur := e.sink.BytesSent()
	prev := e.last.BytesSentCumulative
	e.last = StatsSample{SinkID: e.last.SinkID, BytesSentCumulative: cur, Timestamp: now}
	if cur <= prev {
		return ThroughputRecord{}, false
	}
	delta := cur - prev
	bps := delta
	if s.period > 0 && s.period != time.Second {
		bps = uint64(float64(delta) * float64(time.Second) / float64(s.period))
	}
	return ThroughputRecord{SinkID: e.last.SinkID, BytesPerSecond: bps, Timestamp: now}, true
}

func (s *StatsMonitor) emit(rec ThroughputRecord) {
	s.logger.Info().
		Str("sink", rec.SinkID).
		Uint64("bytes_per_second", rec.BytesPerSecond).
		Float64("mbit_per_second", float64(rec.BytesPerSecond*8)/1e6).
		Msg("sink throughput")
	s.metrics.sinkThroughput(rec.SinkID, rec.BytesPerSecond)
	if err := s.sinkLog.Append(rec); err != nil {
		s.logger.Warn().Err(err).Str("sink", rec.SinkID).Msg("append stats log")
	}
	if s.onRecord != nil {
		s.onRecord(rec)
	}
}
