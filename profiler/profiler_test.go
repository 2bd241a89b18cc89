package profiler

import (
	"testing"
	"time"

	"github.com/gogpu/doppler/gpucore"
)

// fakeAdapter is a minimal in-memory gpucore.GPUAdapter double sufficient
// to exercise the profiler's CPU-fallback path without a real GPU.
type fakeAdapter struct {
	timestamps bool
}

func (f *fakeAdapter) SupportsCompute() bool        { return true }
func (f *fakeAdapter) MaxWorkgroupSize() [3]uint32  { return [3]uint32{256, 256, 64} }
func (f *fakeAdapter) MaxBufferSize() uint64        { return 1 << 30 }
func (f *fakeAdapter) SupportsTimestampQuery() bool { return f.timestamps }

func (f *fakeAdapter) CreateShaderModule(spirv []uint32, label string) (gpucore.ShaderModuleID, error) {
	return 1, nil
}
func (f *fakeAdapter) DestroyShaderModule(id gpucore.ShaderModuleID) {}

func (f *fakeAdapter) CreateBuffer(size int, usage gpucore.BufferUsage) (gpucore.BufferID, error) {
	return 1, nil
}
func (f *fakeAdapter) DestroyBuffer(id gpucore.BufferID)                           {}
func (f *fakeAdapter) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) {}
func (f *fakeAdapter) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	return make([]byte, size), nil
}
func (f *fakeAdapter) CopyBufferToBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset uint64, size uint64) {
}

func (f *fakeAdapter) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	return 1, nil
}
func (f *fakeAdapter) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {}
func (f *fakeAdapter) CreatePipelineLayout(layouts []gpucore.BindGroupLayoutID) (gpucore.PipelineLayoutID, error) {
	return 1, nil
}
func (f *fakeAdapter) DestroyPipelineLayout(id gpucore.PipelineLayoutID) {}

func (f *fakeAdapter) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	return 1, nil
}
func (f *fakeAdapter) DestroyComputePipeline(id gpucore.ComputePipelineID) {}
func (f *fakeAdapter) BindGroupLayoutOf(pipeline gpucore.ComputePipelineID) (gpucore.BindGroupLayoutID, error) {
	return 1, nil
}
func (f *fakeAdapter) CreateBindGroup(layout gpucore.BindGroupLayoutID, entries []gpucore.BindGroupEntry) (gpucore.BindGroupID, error) {
	return 1, nil
}
func (f *fakeAdapter) DestroyBindGroup(id gpucore.BindGroupID) {}

func (f *fakeAdapter) CreateQuerySet(capacity uint32) (gpucore.QuerySetID, error) { return 1, nil }
func (f *fakeAdapter) DestroyQuerySet(id gpucore.QuerySetID)                      {}
func (f *fakeAdapter) ResolveQuerySet(set gpucore.QuerySetID, firstQuery, count uint32, dst gpucore.BufferID, dstOffset uint64) {
}

func (f *fakeAdapter) BeginComputePass() gpucore.ComputePassEncoder { return nil }
func (f *fakeAdapter) Submit()                                     {}
func (f *fakeAdapter) WaitIdle()                                   {}

func TestBeginEndAccumulatesCPUFallbackStats(t *testing.T) {
	p, err := New(&fakeAdapter{timestamps: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	p.Begin("matmul")
	time.Sleep(time.Millisecond)
	p.End("matmul")

	if err := p.Resolve(); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	st := p.Label("matmul")
	if st.Count != 1 {
		t.Fatalf("Count = %d, want 1", st.Count)
	}
	if st.Min > st.Avg || st.Avg > st.Max {
		t.Errorf("invariant min<=avg<=max violated: min=%v avg=%v max=%v", st.Min, st.Avg, st.Max)
	}
	if st.Sum != st.Avg*time.Duration(st.Count) {
		t.Errorf("avg = sum/count violated: sum=%v avg=%v count=%d", st.Sum, st.Avg, st.Count)
	}
}

// TestLabelStateEvictsOldestOnOverflow pins the bounded sample ring:
// the 101st insert evicts the oldest sample rather than growing
// unbounded.
func TestLabelStateEvictsOldestOnOverflow(t *testing.T) {
	s := &labelState{}
	for i := 0; i < sampleRingCapacity+1; i++ {
		s.insert(time.Duration(i+1) * time.Millisecond)
	}
	if len(s.samples) != sampleRingCapacity {
		t.Fatalf("len(samples) = %d, want %d", len(s.samples), sampleRingCapacity)
	}
	// The oldest sample (1ms) must have been evicted; the ring now holds
	// 2ms..101ms.
	st := s.stats()
	if st.Count != sampleRingCapacity {
		t.Errorf("Count = %d, want %d", st.Count, sampleRingCapacity)
	}
}

func TestAllocSlotPairResetsOnOverflow(t *testing.T) {
	p, err := New(&fakeAdapter{timestamps: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// The query set holds querySetCapacity pairs, i.e. 2*querySetCapacity
	// raw slots; the allocator must only wrap once those are exhausted.
	p.nextSlot = querySetCapacity*2 - 2
	begin, end := p.allocSlotPair()
	if begin != querySetCapacity*2-2 || end != querySetCapacity*2-1 {
		t.Errorf("allocSlotPair() at last pair = (%d, %d), want (%d, %d)", begin, end, querySetCapacity*2-2, querySetCapacity*2-1)
	}
	begin, end = p.allocSlotPair()
	if begin != 0 || end != 1 {
		t.Errorf("allocSlotPair() after overflow = (%d, %d), want (0, 1)", begin, end)
	}
}

func TestResolveIsNoOpWithNoPendingSamples(t *testing.T) {
	p, err := New(&fakeAdapter{timestamps: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Resolve(); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(p.Labels()) != 0 {
		t.Errorf("Labels() = %v, want empty", p.Labels())
	}
}
