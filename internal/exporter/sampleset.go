package exporter

import (
	"slices"
	"sync"

	"github.com/VladMinzatu/yaca/internal/profiler"
	"github.com/cespare/xxhash/v2"
)

// SampleSet merges samples with identical stacks until they are exported.
// It only ever holds samples of one process: a sample from another pid
// drops whatever was collected before.
type SampleSet struct {
	mu      sync.Mutex
	limit   int
	pid     int
	index   map[uint64]int
	samples []profiler.Sample
	dropped uint64
}

// NewSampleSet returns a set holding at most limit distinct stacks. A limit
// of zero or less means unbounded.
func NewSampleSet(limit int) *SampleSet {
	return &SampleSet{limit: limit, index: make(map[uint64]int)}
}

func stackHash(s profiler.Sample) uint64 {
	d := xxhash.New()
	for _, site := range s.Stack {
		_, _ = d.WriteString(site.MethodKey())
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Add merges s into the set and reports whether it was kept.
func (ss *SampleSet) Add(s profiler.Sample) bool {
	if len(s.Stack) == 0 {
		return false
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if s.PID != ss.pid {
		ss.clearLocked()
		ss.pid = s.PID
	}

	h := stackHash(s)
	if i, ok := ss.index[h]; ok {
		ss.samples[i].Count += s.Count
		if s.Timestamp.After(ss.samples[i].Timestamp) {
			ss.samples[i].Timestamp = s.Timestamp
		}
		return true
	}
	if ss.limit > 0 && len(ss.samples) >= ss.limit {
		ss.dropped++
		return false
	}
	s.Stack = slices.Clone(s.Stack)
	ss.index[h] = len(ss.samples)
	ss.samples = append(ss.samples, s)
	return true
}

// Samples returns a copy of the merged samples in insertion order.
func (ss *SampleSet) Samples() []profiler.Sample {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return slices.Clone(ss.samples)
}

// Drain returns the merged samples and empties the set.
func (ss *SampleSet) Drain() []profiler.Sample {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := ss.samples
	ss.clearLocked()
	return out
}

func (ss *SampleSet) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.samples)
}

// Dropped counts distinct stacks rejected because the set was full.
func (ss *SampleSet) Dropped() uint64 {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.dropped
}

func (ss *SampleSet) clearLocked() {
	ss.samples = nil
	clear(ss.index)
}
