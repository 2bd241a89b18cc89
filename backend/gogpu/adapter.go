//go:build !nogpu

package gogpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/doppler/gpucore"
	"github.com/gogpu/gogpu/gpu"
	"github.com/gogpu/gogpu/gpu/types"
)

// GoGPUAdapter implements gpucore.GPUAdapter using gogpu/gogpu's
// gpu.Backend, which itself supports both the Rust (wgpu-native) and
// pure-Go (gogpu/wgpu) implementations selected at gpu.Backend
// construction time.
//
// Thread Safety: GoGPUAdapter is safe for concurrent use from multiple
// goroutines; all resource operations are protected by a mutex.
type GoGPUAdapter struct {
	mu      sync.RWMutex
	backend gpu.Backend
	device  types.Device
	queue   types.Queue

	maxBufferSz  uint64
	maxWorkgroup [3]uint32

	nextID atomic.Uint64

	buffers          map[gpucore.BufferID]types.Buffer
	bindGroupLayouts map[gpucore.BindGroupLayoutID]types.BindGroupLayout
	pipelineLayouts  map[gpucore.PipelineLayoutID]types.PipelineLayout
	bindGroups       map[gpucore.BindGroupID]types.BindGroup
}

// NewGoGPUAdapter wraps an already-acquired gpu.Backend, device, and
// queue. Compute is reported unsupported: gpu.Backend exposes no
// compute-shader or compute-pipeline surface.
func NewGoGPUAdapter(backend gpu.Backend, device types.Device, queue types.Queue) *GoGPUAdapter {
	a := &GoGPUAdapter{
		backend:          backend,
		device:           device,
		queue:            queue,
		maxBufferSz:      256 * 1024 * 1024,
		maxWorkgroup:     [3]uint32{256, 256, 64},
		buffers:          make(map[gpucore.BufferID]types.Buffer),
		bindGroupLayouts: make(map[gpucore.BindGroupLayoutID]types.BindGroupLayout),
		pipelineLayouts:  make(map[gpucore.PipelineLayoutID]types.PipelineLayout),
		bindGroups:       make(map[gpucore.BindGroupID]types.BindGroup),
	}
	a.nextID.Store(1)
	return a
}

func (a *GoGPUAdapter) newID() uint64 { return a.nextID.Add(1) - 1 }

// === Capabilities ===

// SupportsCompute always reports false: gpu.Backend has no compute
// surface (dispatch operators are therefore unreachable on this
// backend; callers should prefer backend/native).
func (a *GoGPUAdapter) SupportsCompute() bool        { return false }
func (a *GoGPUAdapter) MaxWorkgroupSize() [3]uint32  { return a.maxWorkgroup }
func (a *GoGPUAdapter) MaxBufferSize() uint64        { return a.maxBufferSz }
func (a *GoGPUAdapter) SupportsTimestampQuery() bool { return false }

// === Shader Compilation ===

func (a *GoGPUAdapter) CreateShaderModule(spirv []uint32, label string) (gpucore.ShaderModuleID, error) {
	if len(spirv) == 0 {
		return gpucore.InvalidID, fmt.Errorf("gogpu: empty SPIR-V bytecode")
	}
	return gpucore.InvalidID, fmt.Errorf("%w: SPIR-V shader modules", ErrNotImplemented)
}

func (a *GoGPUAdapter) DestroyShaderModule(id gpucore.ShaderModuleID) {}

// === Buffer Management ===
//
// Buffer creation, write, and destroy map directly onto gpu.Backend.
// Readback (which gpu.Backend does not expose) returns ErrNotImplemented,
// and CopyBufferToBuffer does nothing.

func (a *GoGPUAdapter) CreateBuffer(size int, usage gpucore.BufferUsage) (gpucore.BufferID, error) {
	if size <= 0 {
		return gpucore.InvalidID, fmt.Errorf("gogpu: buffer size must be positive")
	}

	buffer, err := a.backend.CreateBuffer(a.device, &types.BufferDescriptor{
		Size:  uint64(size),
		Usage: convertBufferUsage(usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("gogpu: create buffer: %w", err)
	}

	id := gpucore.BufferID(a.newID())
	a.mu.Lock()
	a.buffers[id] = buffer
	a.mu.Unlock()
	return id, nil
}

func (a *GoGPUAdapter) DestroyBuffer(id gpucore.BufferID) {
	a.mu.Lock()
	buffer, ok := a.buffers[id]
	delete(a.buffers, id)
	a.mu.Unlock()
	if ok {
		a.backend.ReleaseBuffer(buffer)
	}
}

func (a *GoGPUAdapter) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) {
	a.mu.RLock()
	buffer, ok := a.buffers[id]
	a.mu.RUnlock()
	if ok && len(data) > 0 {
		a.backend.WriteBuffer(a.queue, buffer, offset, data)
	}
}

func (a *GoGPUAdapter) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	a.mu.RLock()
	_, ok := a.buffers[id]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("gogpu: buffer %d not found", id)
	}
	return nil, fmt.Errorf("%w: buffer readback", ErrNotImplemented)
}

func (a *GoGPUAdapter) CopyBufferToBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset, size uint64) {
}

// === Pipeline Management ===
//
// Bind group layouts, pipeline layouts, and bind groups map onto
// gpu.Backend's render-pipeline equivalents (it derives layouts the same
// way regardless of render/compute); only CreateComputePipeline itself
// has no backend counterpart.

func (a *GoGPUAdapter) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	if desc == nil {
		return gpucore.InvalidID, fmt.Errorf("gogpu: nil bind group layout descriptor")
	}
	entries := make([]types.BindGroupLayoutEntry, len(desc.Entries))
	for i, e := range desc.Entries {
		entries[i] = convertBindGroupLayoutEntry(e)
	}

	layout, err := a.backend.CreateBindGroupLayout(a.device, &types.BindGroupLayoutDescriptor{Label: desc.Label, Entries: entries})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("gogpu: create bind group layout: %w", err)
	}

	id := gpucore.BindGroupLayoutID(a.newID())
	a.mu.Lock()
	a.bindGroupLayouts[id] = layout
	a.mu.Unlock()
	return id, nil
}

func (a *GoGPUAdapter) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {
	a.mu.Lock()
	layout, ok := a.bindGroupLayouts[id]
	delete(a.bindGroupLayouts, id)
	a.mu.Unlock()
	if ok {
		a.backend.ReleaseBindGroupLayout(layout)
	}
}

func (a *GoGPUAdapter) CreatePipelineLayout(layouts []gpucore.BindGroupLayoutID) (gpucore.PipelineLayoutID, error) {
	a.mu.RLock()
	backendLayouts := make([]types.BindGroupLayout, len(layouts))
	for i, id := range layouts {
		layout, ok := a.bindGroupLayouts[id]
		if !ok {
			a.mu.RUnlock()
			return gpucore.InvalidID, fmt.Errorf("gogpu: bind group layout %d not found", id)
		}
		backendLayouts[i] = layout
	}
	a.mu.RUnlock()

	pl, err := a.backend.CreatePipelineLayout(a.device, &types.PipelineLayoutDescriptor{BindGroupLayouts: backendLayouts})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("gogpu: create pipeline layout: %w", err)
	}

	id := gpucore.PipelineLayoutID(a.newID())
	a.mu.Lock()
	a.pipelineLayouts[id] = pl
	a.mu.Unlock()
	return id, nil
}

func (a *GoGPUAdapter) DestroyPipelineLayout(id gpucore.PipelineLayoutID) {
	a.mu.Lock()
	layout, ok := a.pipelineLayouts[id]
	delete(a.pipelineLayouts, id)
	a.mu.Unlock()
	if ok {
		a.backend.ReleasePipelineLayout(layout)
	}
}

func (a *GoGPUAdapter) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	if desc == nil {
		return gpucore.InvalidID, fmt.Errorf("gogpu: nil compute pipeline descriptor")
	}
	return gpucore.InvalidID, fmt.Errorf("%w: compute pipelines", ErrNotImplemented)
}

func (a *GoGPUAdapter) DestroyComputePipeline(id gpucore.ComputePipelineID) {}

func (a *GoGPUAdapter) BindGroupLayoutOf(pipeline gpucore.ComputePipelineID) (gpucore.BindGroupLayoutID, error) {
	return gpucore.InvalidID, fmt.Errorf("%w: compute pipelines", ErrNotImplemented)
}

func (a *GoGPUAdapter) CreateBindGroup(layout gpucore.BindGroupLayoutID, entries []gpucore.BindGroupEntry) (gpucore.BindGroupID, error) {
	a.mu.RLock()
	backendLayout, ok := a.bindGroupLayouts[layout]
	if !ok {
		a.mu.RUnlock()
		return gpucore.InvalidID, fmt.Errorf("gogpu: bind group layout %d not found", layout)
	}
	backendEntries := make([]types.BindGroupEntry, len(entries))
	for i, e := range entries {
		be, err := a.convertBindGroupEntry(e)
		if err != nil {
			a.mu.RUnlock()
			return gpucore.InvalidID, fmt.Errorf("gogpu: convert bind group entry %d: %w", e.Binding, err)
		}
		backendEntries[i] = be
	}
	a.mu.RUnlock()

	bg, err := a.backend.CreateBindGroup(a.device, &types.BindGroupDescriptor{Layout: backendLayout, Entries: backendEntries})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("gogpu: create bind group: %w", err)
	}

	id := gpucore.BindGroupID(a.newID())
	a.mu.Lock()
	a.bindGroups[id] = bg
	a.mu.Unlock()
	return id, nil
}

func (a *GoGPUAdapter) DestroyBindGroup(id gpucore.BindGroupID) {
	a.mu.Lock()
	group, ok := a.bindGroups[id]
	delete(a.bindGroups, id)
	a.mu.Unlock()
	if ok {
		a.backend.ReleaseBindGroup(group)
	}
}

// === Timestamp Queries ===

func (a *GoGPUAdapter) CreateQuerySet(capacity uint32) (gpucore.QuerySetID, error) {
	return gpucore.InvalidID, fmt.Errorf("%w: timestamp queries", ErrNotImplemented)
}
func (a *GoGPUAdapter) DestroyQuerySet(id gpucore.QuerySetID) {}
func (a *GoGPUAdapter) ResolveQuerySet(set gpucore.QuerySetID, firstQuery, count uint32, dst gpucore.BufferID, dstOffset uint64) {
}

// === Command Recording and Execution ===
//
// gpu.Backend has no compute pass surface; every method here is a no-op
// so a caller who mistakenly picks this backend for compute work gets
// zero dispatches rather than a panic, surfaced instead through
// SupportsCompute() == false at Engine construction time.

func (a *GoGPUAdapter) BeginComputePass() gpucore.ComputePassEncoder {
	return &goGPUComputePassEncoder{}
}
func (a *GoGPUAdapter) Submit()   {}
func (a *GoGPUAdapter) WaitIdle() {}

// === Type Conversion Helpers ===

func convertBufferUsage(usage gpucore.BufferUsage) types.BufferUsage {
	var result types.BufferUsage
	if usage&gpucore.BufferUsageMapRead != 0 {
		result |= types.BufferUsageMapRead
	}
	if usage&gpucore.BufferUsageMapWrite != 0 {
		result |= types.BufferUsageMapWrite
	}
	if usage&gpucore.BufferUsageCopySrc != 0 {
		result |= types.BufferUsageCopySrc
	}
	if usage&gpucore.BufferUsageCopyDst != 0 {
		result |= types.BufferUsageCopyDst
	}
	if usage&gpucore.BufferUsageUniform != 0 {
		result |= types.BufferUsageUniform
	}
	if usage&gpucore.BufferUsageStorage != 0 {
		result |= types.BufferUsageStorage
	}
	if usage&gpucore.BufferUsageIndirect != 0 {
		result |= types.BufferUsageIndirect
	}
	return result
}

func convertBindGroupLayoutEntry(entry gpucore.BindGroupLayoutEntry) types.BindGroupLayoutEntry {
	result := types.BindGroupLayoutEntry{Binding: entry.Binding, Visibility: types.ShaderStageCompute}
	switch entry.Type {
	case gpucore.BindingTypeUniformBuffer:
		result.Buffer = &types.BufferBindingLayout{Type: types.BufferBindingTypeUniform, MinBindingSize: entry.MinBindingSize}
	case gpucore.BindingTypeStorageBuffer:
		result.Buffer = &types.BufferBindingLayout{Type: types.BufferBindingTypeStorage, MinBindingSize: entry.MinBindingSize}
	case gpucore.BindingTypeReadOnlyStorageBuffer:
		result.Buffer = &types.BufferBindingLayout{Type: types.BufferBindingTypeReadOnlyStorage, MinBindingSize: entry.MinBindingSize}
	}
	return result
}

// convertBindGroupEntry must be called with mu held.
func (a *GoGPUAdapter) convertBindGroupEntry(entry gpucore.BindGroupEntry) (types.BindGroupEntry, error) {
	buffer, ok := a.buffers[entry.Buffer]
	if !ok {
		return types.BindGroupEntry{}, fmt.Errorf("gogpu: buffer %d not found", entry.Buffer)
	}
	return types.BindGroupEntry{Binding: entry.Binding, Buffer: buffer, Offset: entry.Offset, Size: entry.Size}, nil
}

// === Compute Pass Encoder ===

// goGPUComputePassEncoder is a no-op gpucore.ComputePassEncoder: this
// backend reports SupportsCompute() == false, so the dispatcher never
// drives one of these for real work.
type goGPUComputePassEncoder struct{}

func (e *goGPUComputePassEncoder) SetPipeline(gpucore.ComputePipelineID)      {}
func (e *goGPUComputePassEncoder) SetBindGroup(uint32, gpucore.BindGroupID)   {}
func (e *goGPUComputePassEncoder) WriteTimestamp(gpucore.QuerySetID, uint32)  {}
func (e *goGPUComputePassEncoder) Dispatch(x, y, z uint32)                   {}
func (e *goGPUComputePassEncoder) End()                                      {}

// Ensure GoGPUAdapter implements gpucore.GPUAdapter.
var _ gpucore.GPUAdapter = (*GoGPUAdapter)(nil)
