// Package profiler implements the GPU Profiler: a paired
// timestamp-query capture with running min/max/avg/count per label, and a
// CPU-time fallback when the device exposes no timestamp queries.
package profiler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/gogpu/doppler/gpucore"
)

// querySetCapacity is the profiler's query-set ring capacity, in pairs.
const querySetCapacity = 256

// sampleRingCapacity bounds how many samples a label's stats retain.
const sampleRingCapacity = 100

// minMaxRecomputeInterval recomputes min/max from the live ring every N
// inserts following an eviction, to stay tight.
const minMaxRecomputeInterval = 20

// spuriousGPUDuration is the threshold beyond which a GPU duration is
// treated as a driver glitch and the CPU timing is substituted instead.
const spuriousGPUDuration = 60 * time.Second

var logger = nopLogger()

// SetLogger overrides the package logger used for slot-overflow warnings.
func SetLogger(l *slog.Logger) { logger = l }

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Stats is a label's running statistics.
type Stats struct {
	Count   int
	Sum     time.Duration
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	// StdDev is computed over the live sample ring via gonum/stat,
	// alongside min/max/avg/sum/count.
	StdDev time.Duration
}

// labelState is one label's internal running state.
type labelState struct {
	samples          []time.Duration // ring, len <= sampleRingCapacity
	next             int             // next write position once full
	sum              time.Duration
	min, max         time.Duration
	insertsSinceWipe int
}

func (s *labelState) insert(d time.Duration) {
	if len(s.samples) < sampleRingCapacity {
		s.samples = append(s.samples, d)
		s.sum += d
	} else {
		evicted := s.samples[s.next]
		s.samples[s.next] = d
		s.next = (s.next + 1) % sampleRingCapacity
		s.sum += d - evicted
		s.insertsSinceWipe++
		if s.insertsSinceWipe >= minMaxRecomputeInterval {
			s.recomputeMinMax()
			s.insertsSinceWipe = 0
			return
		}
	}
	if len(s.samples) == 1 || d < s.min {
		s.min = d
	}
	if len(s.samples) == 1 || d > s.max {
		s.max = d
	}
}

func (s *labelState) recomputeMinMax() {
	if len(s.samples) == 0 {
		return
	}
	s.min, s.max = s.samples[0], s.samples[0]
	for _, d := range s.samples[1:] {
		if d < s.min {
			s.min = d
		}
		if d > s.max {
			s.max = d
		}
	}
}

func (s *labelState) stats() Stats {
	n := len(s.samples)
	if n == 0 {
		return Stats{}
	}
	avg := s.sum / time.Duration(n)

	floatSamples := make([]float64, n)
	for i, d := range s.samples {
		floatSamples[i] = float64(d)
	}
	var sd time.Duration
	if n > 1 {
		sd = time.Duration(stat.StdDev(floatSamples, nil))
	}

	return Stats{Count: n, Sum: s.sum, Min: s.min, Max: s.max, Avg: avg, StdDev: sd}
}

// pendingQuery is one begin/end pair awaiting resolve.
type pendingQuery struct {
	label      string
	beginSlot  uint32
	endSlot    uint32
	cpuBegin   time.Time
	cpuEnd     time.Time
	hasCPUEnd  bool
	usedGPU    bool
}

// Profiler is the GPU Profiler. It is safe for concurrent
// use of Begin/End/WriteTimestamp from the single driving task the rest
// of the core assumes; Resolve must not race with Begin/End.
type Profiler struct {
	adapter gpucore.GPUAdapter
	hasTS   bool

	mu       sync.Mutex
	querySet gpucore.QuerySetID
	nextSlot uint32 // next raw slot index, 0..2*querySetCapacity-1
	open     map[string]*pendingQuery
	pending  []*pendingQuery
	labels   map[string]*labelState
}

// New constructs a Profiler bound to adapter. If the adapter does not
// support timestamp queries, every Begin/End falls back to CPU timing
// silently, never from inside a pass.
func New(adapter gpucore.GPUAdapter) (*Profiler, error) {
	p := &Profiler{
		adapter: adapter,
		open:    make(map[string]*pendingQuery),
		labels:  make(map[string]*labelState),
	}
	if adapter != nil && adapter.SupportsTimestampQuery() {
		set, err := adapter.CreateQuerySet(querySetCapacity)
		if err != nil {
			return nil, fmt.Errorf("profiler: create query set: %w", err)
		}
		p.querySet = set
		p.hasTS = true
	}
	return p, nil
}

// Close releases the underlying query set, if any.
func (p *Profiler) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasTS {
		p.adapter.DestroyQuerySet(p.querySet)
		p.hasTS = false
	}
}

// allocSlotPair reserves the next (begin, end) slot pair, wrapping the
// ring allocator to zero on overflow, dropping any labels in flight
// with a warning.
func (p *Profiler) allocSlotPair() (begin, end uint32) {
	if p.nextSlot+1 >= querySetCapacity*2 {
		if len(p.open) > 0 {
			logger.Warn("profiler: query slot ring overflow, resetting allocator", "labelsInFlight", len(p.open))
		}
		p.nextSlot = 0
	}
	begin, end = p.nextSlot, p.nextSlot+1
	p.nextSlot += 2
	return begin, end
}

// Begin records a CPU timestamp and reserves a pair of query slots for
// label.
func (p *Profiler) Begin(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pq := &pendingQuery{label: label, cpuBegin: time.Now()}
	if p.hasTS {
		pq.beginSlot, pq.endSlot = p.allocSlotPair()
		pq.usedGPU = true
	}
	p.open[label] = pq
}

// WriteTimestamp is the in-pass variant: it writes into the query set at
// the slot Begin/End reserved for label. isEnd selects which of the
// pair. Calling this when the profiler has no timestamp-query support is
// a no-op: the CPU fallback only happens in Begin/End, never from
// inside a pass.
func (p *Profiler) WriteTimestamp(pass gpucore.ComputePassEncoder, label string, isEnd bool) {
	p.mu.Lock()
	pq, ok := p.open[label]
	hasTS := p.hasTS
	set := p.querySet
	p.mu.Unlock()
	if !ok || !hasTS || !pq.usedGPU {
		return
	}
	slot := pq.beginSlot
	if isEnd {
		slot = pq.endSlot
	}
	pass.WriteTimestamp(set, slot)
}

// End records the CPU end and queues label's pending resolve.
func (p *Profiler) End(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pq, ok := p.open[label]
	if !ok {
		return
	}
	delete(p.open, label)
	pq.cpuEnd = time.Now()
	pq.hasCPUEnd = true
	p.pending = append(p.pending, pq)
}

// Resolve materializes all pending timestamps in one encoder: resolve,
// copy to readback, map, compute durations, push into per-label
// statistics, unmap, reset the slot allocator.
func (p *Profiler) Resolve() error {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	hasTS := p.hasTS
	set := p.querySet
	p.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var raw []byte
	if hasTS {
		var err error
		raw, err = p.resolveGPUTimestamps(set, pending)
		if err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pq := range pending {
		d := pq.cpuEnd.Sub(pq.cpuBegin)
		if hasTS && pq.usedGPU && raw != nil {
			gpuBegin := readTimestampNanos(raw, int(pq.beginSlot))
			gpuEnd := readTimestampNanos(raw, int(pq.endSlot))
			gpuDur := time.Duration(gpuEnd - gpuBegin)
			if gpuDur >= 0 && gpuDur <= spuriousGPUDuration {
				d = gpuDur
			}
		}
		st, ok := p.labels[pq.label]
		if !ok {
			st = &labelState{}
			p.labels[pq.label] = st
		}
		st.insert(d)
	}
	p.nextSlot = 0
	return nil
}

// resolveGPUTimestamps resolves every slot touched by pending into a
// readback buffer and returns the raw little-endian uint64 nanosecond
// values, sized for the full query-set capacity so slot indices map
// directly.
func (p *Profiler) resolveGPUTimestamps(set gpucore.QuerySetID, pending []*pendingQuery) ([]byte, error) {
	readback, err := p.adapter.CreateBuffer(querySetCapacity*2*8, gpucore.BufferUsageCopyDst|gpucore.BufferUsageMapRead)
	if err != nil {
		return nil, fmt.Errorf("profiler: create readback buffer: %w", err)
	}
	defer p.adapter.DestroyBuffer(readback)

	p.adapter.ResolveQuerySet(set, 0, querySetCapacity*2, readback, 0)
	p.adapter.Submit()
	p.adapter.WaitIdle()

	data, err := p.adapter.ReadBuffer(readback, 0, uint64(querySetCapacity*2*8))
	if err != nil {
		return nil, fmt.Errorf("profiler: read resolved timestamps: %w", err)
	}
	return data, nil
}

func readTimestampNanos(data []byte, slot int) uint64 {
	off := slot * 8
	if off+8 > len(data) {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(data[off+i]) << (8 * i)
	}
	return v
}

// Label returns the current statistics for label, or the zero Stats if
// nothing has been recorded yet.
func (p *Profiler) Label(label string) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.labels[label]
	if !ok {
		return Stats{}
	}
	return st.stats()
}

// Labels returns every label with recorded statistics.
func (p *Profiler) Labels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.labels))
	for l := range p.labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Reset discards every label's accumulated statistics.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.labels = make(map[string]*labelState)
}

// Report renders a sorted-by-total-time text table of every label's
// statistics.
func (p *Profiler) Report(unit time.Duration) string {
	p.mu.Lock()
	type row struct {
		label string
		stats Stats
	}
	rows := make([]row, 0, len(p.labels))
	var total time.Duration
	for l, st := range p.labels {
		s := st.stats()
		rows = append(rows, row{l, s})
		total += s.Sum
	}
	p.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].stats.Sum > rows[j].stats.Sum })

	us := unitSuffix(unit)
	var out string
	for _, r := range rows {
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(r.stats.Sum) / float64(total)
		}
		out += fmt.Sprintf("%-32s total:%10.2f%s avg:%8.2f%s min:%8.2f%s max:%8.2f%s n:%6d pct:%6.2f\n",
			r.label,
			float64(r.stats.Sum)/float64(unit), us,
			float64(r.stats.Avg)/float64(unit), us,
			float64(r.stats.Min)/float64(unit), us,
			float64(r.stats.Max)/float64(unit), us,
			r.stats.Count, pct)
	}
	return out
}

func unitSuffix(unit time.Duration) string {
	switch unit {
	case time.Second:
		return "s"
	case time.Millisecond:
		return "ms"
	case time.Microsecond:
		return "us"
	default:
		return "ns"
	}
}
