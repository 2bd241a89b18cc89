// Package tuner implements the Kernel Auto-Tuner: an
// offline/on-demand search over candidate workgroup sizes for a kernel,
// benchmarked against the real device, with results cached per device
// signature so the search need only run once per machine.
package tuner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/gogpu/doppler/device"
	"github.com/gogpu/doppler/gpucore"
	"github.com/gogpu/doppler/internal/native"
)

var logger = slog.New(slog.DiscardHandler)

// SetLogger installs l as the package logger.
func SetLogger(l *slog.Logger) { logger = l }

// cachePrefix namespaces every tuner cache key; the full persistence
// key is "doppler_kernel_tune_<deviceSignature>".
const cachePrefix = "doppler_kernel_tune_"

// candidateWorkgroupSizes1D are the 1-D workgroup sizes probed for
// elementwise-style kernels (rmsnorm, softmax, activation, dequant, ...).
var candidateWorkgroupSizes1D = []uint32{64, 128, 256, 512}

// candidateWorkgroupSizes2D are the per-axis sizes probed for the matmul
// tile search.
var candidateWorkgroupSizes2D = []uint32{8, 16, 32}

// TuneResult is the outcome of tuning one kernel, persisted verbatim.
// For every operation other than matmul the result is a heuristic one:
// Throughput and TimeMs are zero and carry no measurement.
type TuneResult struct {
	OptimalWorkgroupSize [3]uint32 `json:"optimal_workgroup_size"`
	OptimalTileSize      uint32    `json:"optimal_tile_size"`
	Throughput           float32   `json:"throughput_gflops"`
	TimeMs               float32   `json:"time_ms"`
	DeviceInfoSignature  string    `json:"device_info_signature"`

	// StdDevMs is an additive enrichment (not part of the original
	// result triple) capturing run-to-run variance across the timed
	// iterations of the winning candidate.
	StdDevMs float32 `json:"std_dev_ms,omitempty"`
}

// Options controls one TuneKernel call.
type Options struct {
	// ForceRetune bypasses any cached result and re-runs the search.
	ForceRetune bool

	// Warmup and Iterations control the benchmarking loop for kernels
	// that support real on-device timing (currently matmul only).
	// Zero selects the package defaults (3 warmup, 10 timed).
	Warmup     int
	Iterations int
}

// Tuner owns the device-signature-scoped result cache and the Store it
// is persisted through.
type Tuner struct {
	registry *device.Registry
	store    Store
	sig      string

	mu    sync.Mutex
	cache map[string]TuneResult
}

// New constructs a Tuner for the given registry, loading any
// previously-persisted results for this device's signature from store.
// A load miss or load error is not fatal — the tuner simply starts with
// an empty cache and will populate it on first use.
func New(ctx context.Context, registry *device.Registry, store Store) *Tuner {
	sig := device.Signature(registry.Capabilities().Info)
	t := &Tuner{
		registry: registry,
		store:    store,
		sig:      sig,
		cache:    make(map[string]TuneResult),
	}

	raw, ok, err := store.Load(ctx, cachePrefix+sig)
	if err != nil {
		logger.Warn("tuner: cache load failed, starting cold", "signature", sig, "error", err)
		return t
	}
	if !ok {
		return t
	}
	if err := json.Unmarshal([]byte(raw), &t.cache); err != nil {
		logger.Warn("tuner: cache contents unreadable, starting cold", "signature", sig, "error", err)
		t.cache = make(map[string]TuneResult)
	}
	return t
}

// cacheKey identifies one (operation, shape) tuning entry as
// kernelName + "_" + JSON(inputSizes).
func cacheKey(operation string, shape []uint32) string {
	b, _ := json.Marshal(shape)
	return operation + "_" + string(b)
}

// TuneKernel returns the tuned result for operation at the given shape,
// either from cache or by running a fresh search, and persists the
// updated cache on a fresh search.
func (t *Tuner) TuneKernel(ctx context.Context, operation string, shape []uint32, opts Options) (TuneResult, error) {
	key := cacheKey(operation, shape)

	t.mu.Lock()
	if !opts.ForceRetune {
		if cached, ok := t.cache[key]; ok {
			t.mu.Unlock()
			return cached, nil
		}
	}
	t.mu.Unlock()

	result, err := t.search(ctx, operation, shape, opts)
	if err != nil {
		return TuneResult{}, err
	}
	result.DeviceInfoSignature = t.sig

	t.mu.Lock()
	t.cache[key] = result
	snapshot := make(map[string]TuneResult, len(t.cache))
	for k, v := range t.cache {
		snapshot[k] = v
	}
	t.mu.Unlock()

	blob, err := json.Marshal(snapshot)
	if err != nil {
		return result, fmt.Errorf("tuner: marshal cache: %w", err)
	}
	if err := t.store.Save(ctx, cachePrefix+t.sig, string(blob)); err != nil {
		logger.Warn("tuner: cache save failed", "signature", t.sig, "error", err)
	}
	return result, nil
}

// search dispatches to the operation-specific strategy. Only matmul gets
// a real on-device benchmarking loop; every other operation
// family has no meaningful tile/workgroup search space and returns a
// heuristic-only result with Throughput and TimeMs left at zero (see
// DESIGN.md).
func (t *Tuner) search(ctx context.Context, operation string, shape []uint32, opts Options) (TuneResult, error) {
	switch operation {
	case "matmul":
		if len(shape) != 3 {
			return TuneResult{}, fmt.Errorf("tuner: matmul shape must be [M, N, K], got %v", shape)
		}
		return t.tuneMatmul(ctx, shape[0], shape[1], shape[2], opts)
	default:
		return t.heuristicDefault(operation, shape), nil
	}
}

// heuristicDefault returns a 1-D workgroup size of 256, clamped to the
// device's MaxComputeWorkgroupSizeX, without ever touching the GPU, for
// operations whose performance is dominated by memory bandwidth rather
// than tiling strategy. It does not consult the shape, the 1-D candidate
// set, the invocation limit, or subgroup availability.
func (t *Tuner) heuristicDefault(operation string, shape []uint32) TuneResult {
	limits := t.registry.Limits()
	wg := uint32(256)
	if limits.MaxComputeWorkgroupSizeX > 0 && wg > limits.MaxComputeWorkgroupSizeX {
		wg = limits.MaxComputeWorkgroupSizeX
	}
	logger.Debug("tuner: heuristic default", "operation", operation, "shape", shape, "workgroup_size", wg)
	return TuneResult{
		OptimalWorkgroupSize: [3]uint32{wg, 1, 1},
		OptimalTileSize:      0,
		Throughput:           0,
		TimeMs:               0,
	}
}

// candidates1D returns the 1-D workgroup sizes that fit within limits.
func candidates1D(limits device.Limits) []uint32 {
	out := make([]uint32, 0, len(candidateWorkgroupSizes1D))
	for _, wg := range candidateWorkgroupSizes1D {
		if wg > limits.MaxComputeWorkgroupSizeX {
			continue
		}
		if limits.MaxComputeInvocationsPerWorkgroup > 0 && wg > limits.MaxComputeInvocationsPerWorkgroup {
			continue
		}
		out = append(out, wg)
	}
	return out
}

// tileCandidate is one candidate 2-D matmul tile shape.
type tileCandidate struct {
	X, Y uint32
}

// candidates2D returns the 2-D (X, Y) workgroup-size candidates that fit
// within limits, used for the matmul tile search.
func candidates2D(limits device.Limits) []tileCandidate {
	out := make([]tileCandidate, 0, len(candidateWorkgroupSizes2D)*len(candidateWorkgroupSizes2D))
	for _, x := range candidateWorkgroupSizes2D {
		if x > limits.MaxComputeWorkgroupSizeX {
			continue
		}
		for _, y := range candidateWorkgroupSizes2D {
			if y > limits.MaxComputeWorkgroupSizeY {
				continue
			}
			if limits.MaxComputeInvocationsPerWorkgroup > 0 && x*y > limits.MaxComputeInvocationsPerWorkgroup {
				continue
			}
			out = append(out, tileCandidate{X: x, Y: y})
		}
	}
	return out
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

const (
	defaultWarmup     = 3
	defaultIterations = 10
)

// tuneMatmul benchmarks every viable 2-D workgroup-size candidate against
// a scratch f32 matmul of shape (M, N, K) and keeps the fastest. Each
// candidate gets its own specialized shader (the workgroup size is a
// WGSL compile-time constant), its own scratch pipeline and buffers, and
// is torn down before the next candidate is tried.
func (t *Tuner) tuneMatmul(ctx context.Context, m, n, k uint32, opts Options) (TuneResult, error) {
	adapter := t.registry.Device()
	if adapter == nil || !adapter.SupportsCompute() {
		return t.heuristicDefault("matmul", []uint32{m, n, k}), nil
	}

	warmup, iterations := opts.Warmup, opts.Iterations
	if warmup <= 0 {
		warmup = defaultWarmup
	}
	if iterations <= 0 {
		iterations = defaultIterations
	}

	limits := t.registry.Limits()
	candidates := candidates2D(limits)
	if len(candidates) == 0 {
		return TuneResult{}, fmt.Errorf("tuner: no matmul workgroup-size candidate fits device limits")
	}

	best := TuneResult{}
	bestSet := false

	for _, c := range candidates {
		select {
		case <-ctx.Done():
			return TuneResult{}, ctx.Err()
		default:
		}

		result, err := t.benchmarkMatmulCandidate(adapter, m, n, k, c, warmup, iterations)
		if err != nil {
			logger.Debug("tuner: candidate skipped", "workgroup", c, "error", err)
			continue
		}
		if !bestSet || result.Throughput > best.Throughput {
			best = result
			bestSet = true
		}
	}

	if !bestSet {
		return TuneResult{}, fmt.Errorf("tuner: every matmul candidate failed to benchmark")
	}
	return best, nil
}

// matmulShaderTemplate is specialized per candidate by substituting the
// workgroup size, mirroring the real matmul.wgsl kernel's bind-group
// layout (two read-only storage inputs, one read-write storage output,
// one uniform of dimensions).
const matmulShaderTemplate = `
struct Dims {
	m: u32,
	n: u32,
	k: u32,
	_pad: u32,
}

@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> c: array<f32>;
@group(0) @binding(3) var<uniform> dims: Dims;

@compute @workgroup_size(%d, %d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	if (gid.x >= dims.n || gid.y >= dims.m) {
		return;
	}
	var acc: f32 = 0.0;
	for (var i: u32 = 0u; i < dims.k; i = i + 1u) {
		acc = acc + a[gid.y * dims.k + i] * b[i * dims.n + gid.x];
	}
	c[gid.y * dims.n + gid.x] = acc;
}
`

func (t *Tuner) benchmarkMatmulCandidate(adapter gpucore.GPUAdapter, m, n, k uint32, c tileCandidate, warmup, iterations int) (TuneResult, error) {
	wgsl := fmt.Sprintf(matmulShaderTemplate, c.X, c.Y)
	spirv, err := native.CompileShaderToSPIRV(wgsl)
	if err != nil {
		return TuneResult{}, fmt.Errorf("compile probe shader: %w", err)
	}

	module, err := adapter.CreateShaderModule(spirv, "tuner-matmul-probe")
	if err != nil {
		return TuneResult{}, fmt.Errorf("create shader module: %w", err)
	}
	defer adapter.DestroyShaderModule(module)

	pipeline, err := adapter.CreateComputePipeline(&gpucore.ComputePipelineDesc{
		Label:        "tuner-matmul-probe",
		ShaderModule: module,
		EntryPoint:   "main",
	})
	if err != nil {
		return TuneResult{}, fmt.Errorf("create compute pipeline: %w", err)
	}
	defer adapter.DestroyComputePipeline(pipeline)

	layout, err := adapter.BindGroupLayoutOf(pipeline)
	if err != nil {
		return TuneResult{}, fmt.Errorf("resolve bind group layout: %w", err)
	}

	aSize := uint64(m) * uint64(k) * 4
	bSize := uint64(k) * uint64(n) * 4
	cSize := uint64(m) * uint64(n) * 4
	uniformSize := gpucore.AlignStorageOffset(16)

	aBuf, err := adapter.CreateBuffer(int(aSize), gpucore.BufferUsageStorage|gpucore.BufferUsageCopyDst)
	if err != nil {
		return TuneResult{}, fmt.Errorf("create A scratch buffer: %w", err)
	}
	defer adapter.DestroyBuffer(aBuf)

	bBuf, err := adapter.CreateBuffer(int(bSize), gpucore.BufferUsageStorage|gpucore.BufferUsageCopyDst)
	if err != nil {
		return TuneResult{}, fmt.Errorf("create B scratch buffer: %w", err)
	}
	defer adapter.DestroyBuffer(bBuf)

	cBuf, err := adapter.CreateBuffer(int(cSize), gpucore.BufferUsageStorage)
	if err != nil {
		return TuneResult{}, fmt.Errorf("create C scratch buffer: %w", err)
	}
	defer adapter.DestroyBuffer(cBuf)

	uniformBuf, err := adapter.CreateBuffer(int(uniformSize), gpucore.BufferUsageUniform|gpucore.BufferUsageCopyDst)
	if err != nil {
		return TuneResult{}, fmt.Errorf("create uniform buffer: %w", err)
	}
	defer adapter.DestroyBuffer(uniformBuf)

	dims := packDims(m, n, k)
	adapter.WriteBuffer(uniformBuf, 0, dims)

	group, err := adapter.CreateBindGroup(layout, []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: aBuf, Offset: 0, Size: aSize},
		{Binding: 1, Buffer: bBuf, Offset: 0, Size: bSize},
		{Binding: 2, Buffer: cBuf, Offset: 0, Size: cSize},
		{Binding: 3, Buffer: uniformBuf, Offset: 0, Size: uniformSize},
	})
	if err != nil {
		return TuneResult{}, fmt.Errorf("create bind group: %w", err)
	}
	defer adapter.DestroyBindGroup(group)

	dispatchX, dispatchY := ceilDiv(n, c.X), ceilDiv(m, c.Y)
	if limits := adapter.MaxWorkgroupSize(); c.X > limits[0] || c.Y > limits[1] {
		return TuneResult{}, fmt.Errorf("candidate exceeds adapter workgroup limits")
	}

	runOnce := func() {
		pass := adapter.BeginComputePass()
		pass.SetPipeline(pipeline)
		pass.SetBindGroup(0, group)
		pass.Dispatch(dispatchX, dispatchY, 1)
		pass.End()
		adapter.Submit()
		adapter.WaitIdle()
	}

	for i := 0; i < warmup; i++ {
		runOnce()
	}

	samples := make([]float64, iterations)
	for i := 0; i < iterations; i++ {
		start := time.Now()
		runOnce()
		samples[i] = float64(time.Since(start).Microseconds()) / 1000.0
	}

	avgMs := mean(samples)
	var stdDev float64
	if len(samples) > 1 {
		stdDev = stat.StdDev(samples, nil)
	}

	flops := 2.0 * float64(m) * float64(n) * float64(k)
	gflops := 0.0
	if avgMs > 0 {
		gflops = flops / avgMs / 1e6
	}

	return TuneResult{
		OptimalWorkgroupSize: [3]uint32{c.X, c.Y, 1},
		OptimalTileSize:      c.X * c.Y,
		Throughput:           float32(gflops),
		TimeMs:               float32(avgMs),
		StdDevMs:             float32(stdDev),
	}, nil
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// packDims little-endian encodes the Dims uniform (m, n, k, pad).
func packDims(m, n, k uint32) []byte {
	buf := make([]byte, 16)
	putU32(buf[0:4], m)
	putU32(buf[4:8], n)
	putU32(buf[8:12], k)
	return buf
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Forget removes every cached entry for this device signature, without
// touching the backing store until the next successful TuneKernel call
// persists the now-empty cache.
func (t *Tuner) Forget() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = make(map[string]TuneResult)
}

// Keys returns the cached operation keys, sorted, for diagnostics.
func (t *Tuner) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.cache))
	for k := range t.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
