package dispatch

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/gogpu/doppler/device"
	"github.com/gogpu/doppler/dtype"
	"github.com/gogpu/doppler/gpucore"
	"github.com/gogpu/doppler/pipeline"
)

// fakePass records the dispatch shapes the engine encodes so tests can
// pin workgroup counts without a live GPU.
type fakePass struct {
	adapter *fakeAdapter
}

func (p *fakePass) SetPipeline(pipeline gpucore.ComputePipelineID)        {}
func (p *fakePass) SetBindGroup(index uint32, group gpucore.BindGroupID)  {}
func (p *fakePass) WriteTimestamp(set gpucore.QuerySetID, idx uint32)     {}
func (p *fakePass) Dispatch(x, y, z uint32) {
	p.adapter.dispatches = append(p.adapter.dispatches, [3]uint32{x, y, z})
}
func (p *fakePass) End() {}

// fakeAdapter is an in-memory gpucore.GPUAdapter double for engine tests,
// in the style of the pipeline package's.
type fakeAdapter struct {
	nextID     uint64
	dispatches [][3]uint32
	destroyed  []gpucore.BufferID
	submits    int
	writes     int
}

func (f *fakeAdapter) SupportsCompute() bool        { return true }
func (f *fakeAdapter) MaxWorkgroupSize() [3]uint32  { return [3]uint32{256, 256, 64} }
func (f *fakeAdapter) MaxBufferSize() uint64        { return 1 << 30 }
func (f *fakeAdapter) SupportsTimestampQuery() bool { return false }

func (f *fakeAdapter) alloc() uint64 {
	f.nextID++
	return f.nextID
}

func (f *fakeAdapter) CreateShaderModule(spirv []uint32, label string) (gpucore.ShaderModuleID, error) {
	return gpucore.ShaderModuleID(f.alloc()), nil
}
func (f *fakeAdapter) DestroyShaderModule(id gpucore.ShaderModuleID) {}

func (f *fakeAdapter) CreateBuffer(size int, usage gpucore.BufferUsage) (gpucore.BufferID, error) {
	return gpucore.BufferID(f.alloc()), nil
}
func (f *fakeAdapter) DestroyBuffer(id gpucore.BufferID) {
	f.destroyed = append(f.destroyed, id)
}
func (f *fakeAdapter) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) {
	f.writes++
}
func (f *fakeAdapter) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	return make([]byte, size), nil
}
func (f *fakeAdapter) CopyBufferToBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset uint64, size uint64) {
}

func (f *fakeAdapter) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	return gpucore.BindGroupLayoutID(f.alloc()), nil
}
func (f *fakeAdapter) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {}
func (f *fakeAdapter) CreatePipelineLayout(layouts []gpucore.BindGroupLayoutID) (gpucore.PipelineLayoutID, error) {
	return gpucore.PipelineLayoutID(f.alloc()), nil
}
func (f *fakeAdapter) DestroyPipelineLayout(id gpucore.PipelineLayoutID) {}

func (f *fakeAdapter) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	return gpucore.ComputePipelineID(f.alloc()), nil
}
func (f *fakeAdapter) DestroyComputePipeline(id gpucore.ComputePipelineID) {}
func (f *fakeAdapter) BindGroupLayoutOf(pipeline gpucore.ComputePipelineID) (gpucore.BindGroupLayoutID, error) {
	return gpucore.BindGroupLayoutID(f.alloc()), nil
}
func (f *fakeAdapter) CreateBindGroup(layout gpucore.BindGroupLayoutID, entries []gpucore.BindGroupEntry) (gpucore.BindGroupID, error) {
	return gpucore.BindGroupID(f.alloc()), nil
}
func (f *fakeAdapter) DestroyBindGroup(id gpucore.BindGroupID) {}

func (f *fakeAdapter) CreateQuerySet(capacity uint32) (gpucore.QuerySetID, error) {
	return gpucore.InvalidID, nil
}
func (f *fakeAdapter) DestroyQuerySet(id gpucore.QuerySetID) {}
func (f *fakeAdapter) ResolveQuerySet(set gpucore.QuerySetID, firstQuery, count uint32, dst gpucore.BufferID, dstOffset uint64) {
}

func (f *fakeAdapter) BeginComputePass() gpucore.ComputePassEncoder { return &fakePass{adapter: f} }
func (f *fakeAdapter) Submit()                                      { f.submits++ }
func (f *fakeAdapter) WaitIdle()                                    {}

const trivialWGSL = `@compute @workgroup_size(256)
fn main() {}
`

var testLimits = device.Limits{
	MaxComputeWorkgroupSizeX:          256,
	MaxComputeWorkgroupSizeY:          256,
	MaxComputeWorkgroupSizeZ:          64,
	MaxComputeInvocationsPerWorkgroup: 256,
	MaxComputeWorkgroupsPerDimension:  65535,
	MaxStorageBufferBindingSize:       1 << 30,
	MaxBufferSize:                     1 << 30,
	MaxComputeWorkgroupStorageSize:    32 * 1024,
}

func newTestEngine(t *testing.T, adapter *fakeAdapter, limits device.Limits, features []string) *Engine {
	t.Helper()
	fsys := fstest.MapFS{}
	seen := map[string]bool{}
	for _, cfg := range kernelConfigs {
		if !seen[cfg.ShaderFile] {
			fsys["kernels/"+cfg.ShaderFile] = &fstest.MapFile{Data: []byte(trivialWGSL)}
			seen[cfg.ShaderFile] = true
		}
	}
	reg := device.NewRegistry(adapter, limits, features, device.AdapterInfo{})
	cache := pipeline.NewCache(reg, pipeline.NewFSSource(fsys, "kernels"))
	RegisterKernels(cache)
	return NewEngine(reg, dtype.NewRegistry(), cache)
}

// TestMatmulDecodeHalfWeights pins the decode matmul path: A f32
// 1x4096, B f16 4096x4096 dispatches the naive mixed-precision variant
// as (ceil(4096/256), 1) = (16, 1) and stamps the output f32.
func TestMatmulDecodeHalfWeights(t *testing.T) {
	adapter := &fakeAdapter{}
	e := newTestEngine(t, adapter, testLimits, []string{device.FeatureShaderF16})

	a := Ref{ID: 1001, Size: 1 * 4096 * 4}
	b := Ref{ID: 1002, Size: 4096 * 4096 * 2}
	e.Dtypes.SetDtype(a.ID, dtype.F32)
	e.Dtypes.SetDtype(b.ID, dtype.F16)

	out, err := e.Matmul(context.Background(), a, b, 1, 4096, 4096, MatmulOptions{PreferF16: true})
	if err != nil {
		t.Fatalf("Matmul() error = %v", err)
	}

	if len(adapter.dispatches) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(adapter.dispatches))
	}
	if got := adapter.dispatches[0]; got != [3]uint32{16, 1, 1} {
		t.Errorf("dispatch = %v, want (16, 1, 1)", got)
	}
	if got := e.Dtypes.GetDtype(out); got != dtype.F32 {
		t.Errorf("output dtype = %v, want f32", got)
	}
}

// TestAttentionPrefillSmallShared pins scenario 2: seqLen=128,
// numHeads=32, headDim=96, shared=32KB selects tiled_small and
// dispatches ceil(128/32)*32 = 128 workgroups.
func TestAttentionPrefillSmallShared(t *testing.T) {
	adapter := &fakeAdapter{}
	e := newTestEngine(t, adapter, testLimits, nil)

	q := Ref{ID: 2001, Size: 128 * 32 * 96 * 4}
	k := Ref{ID: 2002, Size: 128 * 8 * 96 * 4}
	v := Ref{ID: 2003, Size: 128 * 8 * 96 * 4}
	e.Dtypes.SetDtype(k.ID, dtype.F32)

	_, err := e.Attention(context.Background(), q, k, v, AttentionOptions{
		NumHeads: 32, NumKVHeads: 8, HeadDim: 96, SeqLen: 128, KVLen: 128,
	})
	if err != nil {
		t.Fatalf("Attention() error = %v", err)
	}
	if got := adapter.dispatches[0]; got != [3]uint32{128, 1, 1} {
		t.Errorf("dispatch = %v, want (128, 1, 1)", got)
	}
}

// TestAttentionDecodeTinyDevice pins scenario 3: seqLen=1, numHeads=16,
// headDim=128, shared=8KB, f16 KV selects streaming_f16kv with 16
// workgroups.
func TestAttentionDecodeTinyDevice(t *testing.T) {
	adapter := &fakeAdapter{}
	limits := testLimits
	limits.MaxComputeWorkgroupStorageSize = 8 * 1024
	e := newTestEngine(t, adapter, limits, []string{device.FeatureShaderF16})

	k := Ref{ID: 3002, Size: 512 * 16 * 128 * 2}
	e.Dtypes.SetDtype(k.ID, dtype.F16)

	plan, err := e.planAttention(k, AttentionOptions{
		NumHeads: 16, NumKVHeads: 16, HeadDim: 128, SeqLen: 1, KVLen: 512,
	})
	if err != nil {
		t.Fatalf("planAttention() error = %v", err)
	}
	if plan.variant != "streaming_f16kv" {
		t.Errorf("variant = %q, want streaming_f16kv", plan.variant)
	}
	if plan.workgroups != 16 {
		t.Errorf("workgroups = %d, want 16", plan.workgroups)
	}
}

func TestAttentionTierSelection(t *testing.T) {
	cases := []struct {
		name     string
		headDim  uint32
		shared   uint32
		seqLen   uint32
		want     string
		wantWarn bool
	}{
		{"large fits", 64, 49152, 128, "tiled_large", false},
		{"small fits", 96, 32768, 128, "tiled_small", false},
		{"decode streaming", 128, 8192, 1, "streaming", false},
		{"prefill forced streaming", 512, 8192, 128, "streaming", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tier, warn := attentionTier(c.headDim, c.shared, c.seqLen)
			if tier != c.want || warn != c.wantWarn {
				t.Errorf("attentionTier(%d, %d, %d) = (%q, %v), want (%q, %v)", c.headDim, c.shared, c.seqLen, tier, warn, c.want, c.wantWarn)
			}
		})
	}
}

// TestAttentionRejectsOversizedDispatch pins the seqLen*numHeads
// pre-validation limit.
func TestAttentionRejectsOversizedDispatch(t *testing.T) {
	adapter := &fakeAdapter{}
	limits := testLimits
	limits.MaxComputeWorkgroupsPerDimension = 1024
	e := newTestEngine(t, adapter, limits, nil)

	_, err := e.planAttention(Ref{ID: 1}, AttentionOptions{
		NumHeads: 32, NumKVHeads: 32, HeadDim: 64, SeqLen: 64, KVLen: 64,
	})
	if _, ok := err.(*LimitError); !ok {
		t.Fatalf("planAttention() error = %v, want *LimitError", err)
	}
	if len(adapter.dispatches) != 0 {
		t.Errorf("dispatches = %d, want 0 (rejection must precede submission)", len(adapter.dispatches))
	}
}

// TestRecorderBatchesAndCleansUp exercises the batched path: uniforms
// created through the recorder survive until Submit,
// and a recorder must not be reused afterward.
func TestRecorderBatchesAndCleansUp(t *testing.T) {
	adapter := &fakeAdapter{}
	e := newTestEngine(t, adapter, testLimits, []string{device.FeatureShaderF16})

	a := Ref{ID: 1, Size: 64 * 64 * 4}
	b := Ref{ID: 2, Size: 64 * 64 * 4}
	x := Ref{ID: 3, Size: 16 * 1024 * 4}
	e.Dtypes.SetDtype(a.ID, dtype.F32)
	e.Dtypes.SetDtype(b.ID, dtype.F32)

	rec := e.NewRecorder()
	if _, err := e.RecordMatmul(rec, a, b, 64, 64, 64, MatmulOptions{}); err != nil {
		t.Fatalf("RecordMatmul() error = %v", err)
	}
	if _, err := e.RecordRMSNorm(rec, x, RMSNormOptions{HiddenSize: 1024, NumTokens: 16, Eps: 1e-5}); err != nil {
		t.Fatalf("RecordRMSNorm() error = %v", err)
	}
	if err := e.RecordResidualAdd(rec, x, x, 16*1024); err != nil {
		t.Fatalf("RecordResidualAdd() error = %v", err)
	}

	if adapter.submits != 0 {
		t.Fatalf("submits before Submit() = %d, want 0", adapter.submits)
	}
	// 3 uniforms + the dummy residual are owned; none may be destroyed
	// before Submit.
	if len(adapter.destroyed) != 0 {
		t.Fatalf("buffers destroyed before Submit() = %d, want 0", len(adapter.destroyed))
	}

	rec.Submit()
	if adapter.submits != 1 {
		t.Errorf("submits = %d, want 1", adapter.submits)
	}
	if len(adapter.destroyed) != 4 {
		t.Errorf("buffers destroyed on Submit() = %d, want 4 (3 uniforms + dummy residual)", len(adapter.destroyed))
	}

	defer func() {
		if recover() == nil {
			t.Errorf("reusing a submitted Recorder did not panic")
		}
	}()
	e.RecordResidualAdd(rec, x, x, 4)
}

// TestMoEGatherWrapsOversizedDispatch pins the gather phase's 2-D wrap:
// when the expert-grouped copy needs more workgroups than one dispatch
// dimension allows, the count is wrapped into (min(n, max), ceil(n/max)).
func TestMoEGatherWrapsOversizedDispatch(t *testing.T) {
	adapter := &fakeAdapter{}
	limits := testLimits
	limits.MaxComputeWorkgroupsPerDimension = 1024
	e := newTestEngine(t, adapter, limits, nil)

	hidden := Ref{ID: 81, Size: 16 * 512 * 4}
	indices := Ref{ID: 82, Size: 16 * 4 * 4}
	e.Dtypes.SetDtype(hidden.ID, dtype.F32)
	e.Dtypes.SetDtype(indices.ID, dtype.U32)

	_, _, _, err := e.MoEGather(context.Background(), hidden, indices, MoEGatherOptions{
		NumTokens: 16, HiddenSize: 512, NumExperts: 32, TopK: 4, MaxTokensPerExpert: 64,
	})
	if err != nil {
		t.Fatalf("MoEGather() error = %v", err)
	}

	if len(adapter.dispatches) != 2 {
		t.Fatalf("dispatches = %d, want 2 (count_and_map + gather)", len(adapter.dispatches))
	}
	if got := adapter.dispatches[0]; got != [3]uint32{1, 1, 1} {
		t.Errorf("count_and_map dispatch = %v, want (1, 1, 1)", got)
	}
	// gather_tokens_vec4: 32*64*512/4 = 262144 elements, /64 = 4096
	// workgroups, wrapped at the 1024 per-dimension cap.
	if got := adapter.dispatches[1]; got != [3]uint32{1024, 4, 1} {
		t.Errorf("gather dispatch = %v, want (1024, 4, 1)", got)
	}
}

// TestImmediatePathDestroysUniformPerOp pins transient uniform
// ownership on the immediate path.
func TestImmediatePathDestroysUniformPerOp(t *testing.T) {
	adapter := &fakeAdapter{}
	e := newTestEngine(t, adapter, testLimits, nil)

	x := Ref{ID: 9, Size: 4096 * 4}
	e.Dtypes.SetDtype(x.ID, dtype.F32)
	if err := e.ResidualAdd(context.Background(), x, x, 4096); err != nil {
		t.Fatalf("ResidualAdd() error = %v", err)
	}
	if adapter.submits != 1 {
		t.Errorf("submits = %d, want 1", adapter.submits)
	}
	if len(adapter.destroyed) != 1 {
		t.Errorf("destroyed = %d, want 1 (the transient uniform)", len(adapter.destroyed))
	}
}
