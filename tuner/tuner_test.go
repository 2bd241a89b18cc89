package tuner

import (
	"context"
	"testing"

	"github.com/gogpu/doppler/device"
	"github.com/gogpu/doppler/gpucore"
)

func TestCandidates1DFiltersByLimits(t *testing.T) {
	limits := device.Limits{
		MaxComputeWorkgroupSizeX:         256,
		MaxComputeInvocationsPerWorkgroup: 256,
	}
	got := candidates1D(limits)
	want := []uint32{64, 128, 256}
	if len(got) != len(want) {
		t.Fatalf("candidates1D() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidates1D()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestCandidates2DFiltersByInvocationLimit(t *testing.T) {
	limits := device.Limits{
		MaxComputeWorkgroupSizeX:          32,
		MaxComputeWorkgroupSizeY:          32,
		MaxComputeInvocationsPerWorkgroup: 256,
	}
	got := candidates2D(limits)
	for _, c := range got {
		if c.X*c.Y > limits.MaxComputeInvocationsPerWorkgroup {
			t.Errorf("candidate %+v exceeds invocation limit %d", c, limits.MaxComputeInvocationsPerWorkgroup)
		}
	}
	// 32x32=1024 should be excluded, 16x16=256 and 8x8=64 should remain.
	for _, c := range got {
		if c.X == 32 && c.Y == 32 {
			t.Errorf("candidate 32x32 should have been filtered out (1024 > 256)")
		}
	}
}

// noComputeAdapter reports no compute support, forcing tuneMatmul onto
// the heuristic-default path without touching any GPU resource method.
type noComputeAdapter struct{}

func (noComputeAdapter) SupportsCompute() bool       { return false }
func (noComputeAdapter) MaxWorkgroupSize() [3]uint32 { return [3]uint32{256, 256, 64} }
func (noComputeAdapter) MaxBufferSize() uint64       { return 1 << 30 }
func (noComputeAdapter) SupportsTimestampQuery() bool { return false }
func (noComputeAdapter) CreateShaderModule(spirv []uint32, label string) (gpucore.ShaderModuleID, error) {
	return 0, nil
}
func (noComputeAdapter) DestroyShaderModule(id gpucore.ShaderModuleID) {}
func (noComputeAdapter) CreateBuffer(size int, usage gpucore.BufferUsage) (gpucore.BufferID, error) {
	return 0, nil
}
func (noComputeAdapter) DestroyBuffer(id gpucore.BufferID)                           {}
func (noComputeAdapter) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) {}
func (noComputeAdapter) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	return nil, nil
}
func (noComputeAdapter) CopyBufferToBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset uint64, size uint64) {
}
func (noComputeAdapter) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	return 0, nil
}
func (noComputeAdapter) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {}
func (noComputeAdapter) CreatePipelineLayout(layouts []gpucore.BindGroupLayoutID) (gpucore.PipelineLayoutID, error) {
	return 0, nil
}
func (noComputeAdapter) DestroyPipelineLayout(id gpucore.PipelineLayoutID) {}
func (noComputeAdapter) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	return 0, nil
}
func (noComputeAdapter) DestroyComputePipeline(id gpucore.ComputePipelineID) {}
func (noComputeAdapter) BindGroupLayoutOf(pipeline gpucore.ComputePipelineID) (gpucore.BindGroupLayoutID, error) {
	return 0, nil
}
func (noComputeAdapter) CreateBindGroup(layout gpucore.BindGroupLayoutID, entries []gpucore.BindGroupEntry) (gpucore.BindGroupID, error) {
	return 0, nil
}
func (noComputeAdapter) DestroyBindGroup(id gpucore.BindGroupID)                 {}
func (noComputeAdapter) CreateQuerySet(capacity uint32) (gpucore.QuerySetID, error) { return 0, nil }
func (noComputeAdapter) DestroyQuerySet(id gpucore.QuerySetID)                      {}
func (noComputeAdapter) ResolveQuerySet(set gpucore.QuerySetID, firstQuery, count uint32, dst gpucore.BufferID, dstOffset uint64) {
}
func (noComputeAdapter) BeginComputePass() gpucore.ComputePassEncoder { return nil }
func (noComputeAdapter) Submit()                                     {}
func (noComputeAdapter) WaitIdle()                                   {}

func newTestRegistry() *device.Registry {
	limits := device.Limits{
		MaxComputeWorkgroupSizeX:          256,
		MaxComputeWorkgroupSizeY:          256,
		MaxComputeWorkgroupSizeZ:          64,
		MaxComputeInvocationsPerWorkgroup: 256,
		MaxBufferSize:                     1 << 30,
	}
	info := device.AdapterInfo{Vendor: "Test Vendor", Architecture: "test-arch", Device: "Test Device 1"}
	return device.NewRegistry(noComputeAdapter{}, limits, nil, info)
}

func TestTuneKernelHeuristicPathForNonMatmul(t *testing.T) {
	reg := newTestRegistry()
	tu := New(context.Background(), reg, NewMemoryStore())

	result, err := tu.TuneKernel(context.Background(), "rmsnorm", []uint32{4096}, Options{})
	if err != nil {
		t.Fatalf("TuneKernel() error = %v", err)
	}
	if result.Throughput != 0 || result.TimeMs != 0 {
		t.Errorf("heuristic result should leave Throughput/TimeMs at zero, got %+v", result)
	}
	if result.OptimalWorkgroupSize[0] == 0 {
		t.Errorf("heuristic result should still choose a workgroup size, got %+v", result)
	}
}

func TestTuneKernelNoComputeFallsBackToHeuristicForMatmul(t *testing.T) {
	reg := newTestRegistry()
	tu := New(context.Background(), reg, NewMemoryStore())

	result, err := tu.TuneKernel(context.Background(), "matmul", []uint32{64, 64, 64}, Options{})
	if err != nil {
		t.Fatalf("TuneKernel() error = %v", err)
	}
	if result.Throughput != 0 {
		t.Errorf("no-compute adapter should yield the zero-throughput heuristic result, got %+v", result)
	}
}

// TestTuneKernelCacheHitIsIdempotent pins cache-hit idempotence: a second
// TuneKernel call for the same (operation, shape) without ForceRetune
// must return the identical cached result rather than re-running the
// search.
func TestTuneKernelCacheHitIsIdempotent(t *testing.T) {
	reg := newTestRegistry()
	store := NewMemoryStore()
	tu := New(context.Background(), reg, store)

	first, err := tu.TuneKernel(context.Background(), "rmsnorm", []uint32{1024}, Options{})
	if err != nil {
		t.Fatalf("TuneKernel() error = %v", err)
	}
	second, err := tu.TuneKernel(context.Background(), "rmsnorm", []uint32{1024}, Options{})
	if err != nil {
		t.Fatalf("TuneKernel() error = %v", err)
	}
	if first != second {
		t.Errorf("cached TuneKernel() result changed between calls: %+v != %+v", first, second)
	}

	// A fresh Tuner built against the same store should observe the
	// persisted cache without re-running the search.
	reloaded := New(context.Background(), reg, store)
	if len(reloaded.Keys()) != 1 {
		t.Fatalf("reloaded tuner Keys() = %v, want 1 entry", reloaded.Keys())
	}
}

func TestTuneKernelMatmulRejectsWrongShapeArity(t *testing.T) {
	reg := newTestRegistry()
	tu := New(context.Background(), reg, NewMemoryStore())
	if _, err := tu.TuneKernel(context.Background(), "matmul", []uint32{64, 64}, Options{}); err == nil {
		t.Errorf("TuneKernel() with a 2-element matmul shape should error")
	}
}

func TestForgetClearsCache(t *testing.T) {
	reg := newTestRegistry()
	tu := New(context.Background(), reg, NewMemoryStore())
	if _, err := tu.TuneKernel(context.Background(), "softmax", []uint32{512}, Options{}); err != nil {
		t.Fatalf("TuneKernel() error = %v", err)
	}
	tu.Forget()
	if len(tu.Keys()) != 0 {
		t.Errorf("Keys() after Forget() = %v, want empty", tu.Keys())
	}
}
