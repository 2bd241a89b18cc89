package pipeline

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/gogpu/doppler/device"
	"github.com/gogpu/doppler/gpucore"
)

// fakeAdapter is a minimal in-memory gpucore.GPUAdapter double sufficient
// to exercise pipeline construction without a real GPU.
type fakeAdapter struct {
	nextModule   gpucore.ShaderModuleID
	nextPipeline gpucore.ComputePipelineID
	createErr    error
}

func (f *fakeAdapter) SupportsCompute() bool         { return true }
func (f *fakeAdapter) MaxWorkgroupSize() [3]uint32   { return [3]uint32{256, 256, 64} }
func (f *fakeAdapter) MaxBufferSize() uint64         { return 1 << 30 }
func (f *fakeAdapter) SupportsTimestampQuery() bool  { return false }

func (f *fakeAdapter) CreateShaderModule(spirv []uint32, label string) (gpucore.ShaderModuleID, error) {
	if f.createErr != nil {
		return gpucore.InvalidID, f.createErr
	}
	f.nextModule++
	return f.nextModule, nil
}
func (f *fakeAdapter) DestroyShaderModule(id gpucore.ShaderModuleID) {}

func (f *fakeAdapter) CreateBuffer(size int, usage gpucore.BufferUsage) (gpucore.BufferID, error) {
	return 1, nil
}
func (f *fakeAdapter) DestroyBuffer(id gpucore.BufferID)                            {}
func (f *fakeAdapter) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte)  {}
func (f *fakeAdapter) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	return nil, nil
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
	if f.createErr != nil {
		return gpucore.InvalidID, f.createErr
	}
	f.nextPipeline++
	return f.nextPipeline, nil
}
func (f *fakeAdapter) DestroyComputePipeline(id gpucore.ComputePipelineID) {}
func (f *fakeAdapter) BindGroupLayoutOf(pipeline gpucore.ComputePipelineID) (gpucore.BindGroupLayoutID, error) {
	return 1, nil
}
func (f *fakeAdapter) CreateBindGroup(layout gpucore.BindGroupLayoutID, entries []gpucore.BindGroupEntry) (gpucore.BindGroupID, error) {
	return 1, nil
}
func (f *fakeAdapter) DestroyBindGroup(id gpucore.BindGroupID) {}

func (f *fakeAdapter) CreateQuerySet(capacity uint32) (gpucore.QuerySetID, error) {
	return gpucore.InvalidID, errors.New("timestamp queries unsupported")
}
func (f *fakeAdapter) DestroyQuerySet(id gpucore.QuerySetID) {}
func (f *fakeAdapter) ResolveQuerySet(set gpucore.QuerySetID, firstQuery, count uint32, dst gpucore.BufferID, dstOffset uint64) {
}

func (f *fakeAdapter) BeginComputePass() gpucore.ComputePassEncoder { return nil }
func (f *fakeAdapter) Submit()                                      {}
func (f *fakeAdapter) WaitIdle()                                     {}

const fakeWGSL = `@compute @workgroup_size(256)
fn main() {}
`

func newTestCache(t *testing.T, adapter *fakeAdapter, features []string) *Cache {
	t.Helper()
	fsys := fstest.MapFS{
		"kernels/add.wgsl": {Data: []byte(fakeWGSL)},
	}
	reg := device.NewRegistry(adapter, device.Limits{}, features, device.AdapterInfo{})
	return NewCache(reg, NewFSSource(fsys, "kernels"))
}

func TestCreatePipelineIsIdempotent(t *testing.T) {
	adapter := &fakeAdapter{}
	c := newTestCache(t, adapter, nil)
	c.Register(KernelConfig{Operation: "add", Variant: "f32", ShaderFile: "add.wgsl", EntryPoint: "main"})

	id1, _, err := c.CreatePipeline(context.Background(), "add", "f32")
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	id2, _, err := c.CreatePipeline(context.Background(), "add", "f32")
	if err != nil {
		t.Fatalf("CreatePipeline() second call error = %v", err)
	}
	if id1 != id2 {
		t.Errorf("CreatePipeline() not idempotent: %v != %v", id1, id2)
	}
	if adapter.nextPipeline != 1 {
		t.Errorf("adapter.CreateComputePipeline called %d times, want 1", adapter.nextPipeline)
	}
}

func TestCreatePipelineUnknownVariantReturnsLookupError(t *testing.T) {
	c := newTestCache(t, &fakeAdapter{}, nil)

	_, _, err := c.CreatePipeline(context.Background(), "add", "missing")
	var lookupErr *LookupError
	if !errors.As(err, &lookupErr) {
		t.Fatalf("CreatePipeline() error = %v, want *LookupError", err)
	}
}

func TestCreatePipelineMissingFeatureReturnsCapabilityError(t *testing.T) {
	c := newTestCache(t, &fakeAdapter{}, nil)
	c.Register(KernelConfig{
		Operation:        "add",
		Variant:          "f16",
		ShaderFile:       "add.wgsl",
		EntryPoint:       "main",
		RequiredFeatures: []string{device.FeatureShaderF16},
	})

	_, _, err := c.CreatePipeline(context.Background(), "add", "f16")
	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("CreatePipeline() error = %v, want *CapabilityError", err)
	}
	if capErr.Feature != device.FeatureShaderF16 {
		t.Errorf("CapabilityError.Feature = %q, want %q", capErr.Feature, device.FeatureShaderF16)
	}
}

func TestClearCacheForcesRebuild(t *testing.T) {
	adapter := &fakeAdapter{}
	c := newTestCache(t, adapter, nil)
	c.Register(KernelConfig{Operation: "add", Variant: "f32", ShaderFile: "add.wgsl", EntryPoint: "main"})

	if _, _, err := c.CreatePipeline(context.Background(), "add", "f32"); err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	c.ClearCache()
	if _, _, err := c.CreatePipeline(context.Background(), "add", "f32"); err != nil {
		t.Fatalf("CreatePipeline() after ClearCache error = %v", err)
	}
	if adapter.nextPipeline != 2 {
		t.Errorf("adapter.CreateComputePipeline called %d times after ClearCache, want 2", adapter.nextPipeline)
	}
}

func TestPrewarmSkipsUnsatisfiedFeaturesAndBuildsRest(t *testing.T) {
	adapter := &fakeAdapter{}
	c := newTestCache(t, adapter, nil)
	c.Register(KernelConfig{Operation: "add", Variant: "f32", ShaderFile: "add.wgsl", EntryPoint: "main"})
	c.Register(KernelConfig{
		Operation:        "add",
		Variant:          "f16",
		ShaderFile:       "add.wgsl",
		EntryPoint:       "main",
		RequiredFeatures: []string{device.FeatureShaderF16},
	})

	c.Prewarm(context.Background())

	if adapter.nextPipeline != 1 {
		t.Errorf("adapter.CreateComputePipeline called %d times, want 1 (f16 variant should be skipped)", adapter.nextPipeline)
	}
	if _, _, err := c.CreatePipeline(context.Background(), "add", "f32"); err != nil {
		t.Errorf("f32 variant not prewarmed: %v", err)
	}
}

func TestLoadShaderCachesSourceText(t *testing.T) {
	c := newTestCache(t, &fakeAdapter{}, nil)

	txt1, err := c.LoadShader(context.Background(), "add.wgsl")
	if err != nil {
		t.Fatalf("LoadShader() error = %v", err)
	}
	if txt1 != fakeWGSL {
		t.Errorf("LoadShader() = %q, want %q", txt1, fakeWGSL)
	}

	txt2, err := c.LoadShader(context.Background(), "add.wgsl")
	if err != nil {
		t.Fatalf("LoadShader() second call error = %v", err)
	}
	if txt2 != txt1 {
		t.Errorf("LoadShader() second call = %q, want %q", txt2, txt1)
	}
}
