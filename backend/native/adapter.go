//go:build !nogpu

// Package native implements gpucore.GPUAdapter directly against the
// gogpu/wgpu HAL. This is doppler's primary GPU execution path.
package native

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/doppler/gpucore"
	types "github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// HALAdapter implements gpucore.GPUAdapter using gogpu/wgpu/hal directly.
//
// Thread Safety: HALAdapter is safe for concurrent use from multiple
// goroutines; all resource operations are protected by a mutex.
type HALAdapter struct {
	mu     sync.RWMutex
	device hal.Device
	queue  hal.Queue

	limits         types.Limits
	hasCompute     bool
	maxBufferSz    uint64
	maxWorkgroup   [3]uint32
	hasTimestamps  bool

	nextID atomic.Uint64

	buffers          map[gpucore.BufferID]hal.Buffer
	shaderModules    map[gpucore.ShaderModuleID]hal.ShaderModule
	computePipelines map[gpucore.ComputePipelineID]hal.ComputePipeline
	bindGroupLayouts map[gpucore.BindGroupLayoutID]hal.BindGroupLayout
	pipelineLayouts  map[gpucore.PipelineLayoutID]hal.PipelineLayout
	bindGroups       map[gpucore.BindGroupID]hal.BindGroup

	// Command encoder for the in-flight batch. Both the immediate path
	// (one BeginComputePass+Submit per operator) and the recorder path
	// (many BeginComputePass calls, one Submit) share this field.
	encoder    hal.CommandEncoder
	hasEncoder bool
}

// NewHALAdapter wraps an already-acquired device and queue. limits may be
// nil, in which case conservative defaults are used.
func NewHALAdapter(device hal.Device, queue hal.Queue, limits *types.Limits) *HALAdapter {
	var lim types.Limits
	if limits != nil {
		lim = *limits
	} else {
		lim = types.DefaultLimits()
	}

	a := &HALAdapter{
		device:           device,
		queue:            queue,
		limits:           lim,
		hasCompute:       true,
		maxBufferSz:      lim.MaxBufferSize,
		maxWorkgroup:     [3]uint32{lim.MaxComputeWorkgroupSizeX, lim.MaxComputeWorkgroupSizeY, lim.MaxComputeWorkgroupSizeZ},
		buffers:          make(map[gpucore.BufferID]hal.Buffer),
		shaderModules:    make(map[gpucore.ShaderModuleID]hal.ShaderModule),
		computePipelines: make(map[gpucore.ComputePipelineID]hal.ComputePipeline),
		bindGroupLayouts: make(map[gpucore.BindGroupLayoutID]hal.BindGroupLayout),
		pipelineLayouts:  make(map[gpucore.PipelineLayoutID]hal.PipelineLayout),
		bindGroups:       make(map[gpucore.BindGroupID]hal.BindGroup),
	}
	a.nextID.Store(1)
	return a
}

func (a *HALAdapter) newID() uint64 { return a.nextID.Add(1) - 1 }

// === Capabilities ===

func (a *HALAdapter) SupportsCompute() bool        { return a.hasCompute }
func (a *HALAdapter) MaxWorkgroupSize() [3]uint32  { return a.maxWorkgroup }
func (a *HALAdapter) MaxBufferSize() uint64        { return a.maxBufferSz }
func (a *HALAdapter) SupportsTimestampQuery() bool { return a.hasTimestamps }

// === Shader Compilation ===

func (a *HALAdapter) CreateShaderModule(spirv []uint32, label string) (gpucore.ShaderModuleID, error) {
	if len(spirv) == 0 {
		return gpucore.InvalidID, fmt.Errorf("native: empty SPIR-V bytecode")
	}

	module, err := a.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create shader module: %w", err)
	}

	id := gpucore.ShaderModuleID(a.newID())
	a.mu.Lock()
	a.shaderModules[id] = module
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyShaderModule(id gpucore.ShaderModuleID) {
	a.mu.Lock()
	module, ok := a.shaderModules[id]
	delete(a.shaderModules, id)
	a.mu.Unlock()
	if ok {
		a.device.DestroyShaderModule(module)
	}
}

// === Buffer Management ===

func (a *HALAdapter) CreateBuffer(size int, usage gpucore.BufferUsage) (gpucore.BufferID, error) {
	if size <= 0 {
		return gpucore.InvalidID, fmt.Errorf("native: buffer size must be positive")
	}

	buffer, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Size:  uint64(size),
		Usage: convertBufferUsage(usage),
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create buffer: %w", err)
	}

	id := gpucore.BufferID(a.newID())
	a.mu.Lock()
	a.buffers[id] = buffer
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyBuffer(id gpucore.BufferID) {
	a.mu.Lock()
	buffer, ok := a.buffers[id]
	delete(a.buffers, id)
	a.mu.Unlock()
	if ok {
		a.device.DestroyBuffer(buffer)
	}
}

func (a *HALAdapter) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) {
	a.mu.RLock()
	buffer, ok := a.buffers[id]
	a.mu.RUnlock()
	if ok && len(data) > 0 {
		a.queue.WriteBuffer(buffer, offset, data)
	}
}

// ReadBuffer reads size bytes starting at offset via a host-visible
// staging buffer, a fence wait, and a map. Used by the profiler's
// resolve step and the BF16 chunked CPU fallback.
func (a *HALAdapter) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	a.mu.RLock()
	buffer, ok := a.buffers[id]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("native: buffer %d not found", id)
	}

	staging, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "doppler-readback",
		Size:  size,
		Usage: types.BufferUsageMapRead | types.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create staging buffer: %w", err)
	}
	defer a.device.DestroyBuffer(staging)

	encoder, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "doppler-readback"})
	if err != nil {
		return nil, fmt.Errorf("native: create readback encoder: %w", err)
	}
	if err := encoder.BeginEncoding("doppler-readback"); err != nil {
		return nil, fmt.Errorf("native: begin readback encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(buffer, staging, []hal.BufferCopy{{SrcOffset: offset, DstOffset: 0, Size: size}})

	cmd, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("native: end readback encoding: %w", err)
	}
	defer cmd.Destroy()

	fence, err := a.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("native: create fence: %w", err)
	}
	defer a.device.DestroyFence(fence)

	if err := a.queue.Submit([]hal.CommandBuffer{cmd}, fence, 1); err != nil {
		return nil, fmt.Errorf("native: submit readback: %w", err)
	}
	if _, err := a.device.Wait(fence, 1, 5_000_000_000); err != nil {
		return nil, fmt.Errorf("native: wait readback: %w", err)
	}

	mapped, err := staging.MapRead()
	if err != nil {
		return nil, fmt.Errorf("native: map readback buffer: %w", err)
	}
	defer staging.Unmap()

	out := make([]byte, size)
	copy(out, mapped)
	return out, nil
}

// CopyBufferToBuffer appends a buffer-to-buffer copy to the in-flight
// encoder, opening one if necessary.
func (a *HALAdapter) CopyBufferToBuffer(src gpucore.BufferID, srcOffset uint64, dst gpucore.BufferID, dstOffset, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	srcBuf, ok := a.buffers[src]
	if !ok {
		return
	}
	dstBuf, ok := a.buffers[dst]
	if !ok {
		return
	}

	if !a.hasEncoder {
		enc, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "doppler-copy"})
		if err != nil {
			return
		}
		if err := enc.BeginEncoding("doppler-copy"); err != nil {
			return
		}
		a.encoder = enc
		a.hasEncoder = true
	}
	a.encoder.CopyBufferToBuffer(srcBuf, dstBuf, []hal.BufferCopy{{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size}})
}

// === Pipeline Management ===

func (a *HALAdapter) CreateBindGroupLayout(desc *gpucore.BindGroupLayoutDesc) (gpucore.BindGroupLayoutID, error) {
	if desc == nil {
		return gpucore.InvalidID, fmt.Errorf("native: nil bind group layout descriptor")
	}

	entries := make([]types.BindGroupLayoutEntry, len(desc.Entries))
	for i, e := range desc.Entries {
		entries[i] = convertBindGroupLayoutEntry(e)
	}

	layout, err := a.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{Label: desc.Label, Entries: entries})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create bind group layout: %w", err)
	}

	id := gpucore.BindGroupLayoutID(a.newID())
	a.mu.Lock()
	a.bindGroupLayouts[id] = layout
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyBindGroupLayout(id gpucore.BindGroupLayoutID) {
	a.mu.Lock()
	layout, ok := a.bindGroupLayouts[id]
	delete(a.bindGroupLayouts, id)
	a.mu.Unlock()
	if ok {
		a.device.DestroyBindGroupLayout(layout)
	}
}

func (a *HALAdapter) CreatePipelineLayout(layouts []gpucore.BindGroupLayoutID) (gpucore.PipelineLayoutID, error) {
	a.mu.RLock()
	halLayouts := make([]hal.BindGroupLayout, len(layouts))
	for i, id := range layouts {
		layout, ok := a.bindGroupLayouts[id]
		if !ok {
			a.mu.RUnlock()
			return gpucore.InvalidID, fmt.Errorf("native: bind group layout %d not found", id)
		}
		halLayouts[i] = layout
	}
	a.mu.RUnlock()

	pl, err := a.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{BindGroupLayouts: halLayouts})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create pipeline layout: %w", err)
	}

	id := gpucore.PipelineLayoutID(a.newID())
	a.mu.Lock()
	a.pipelineLayouts[id] = pl
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyPipelineLayout(id gpucore.PipelineLayoutID) {
	a.mu.Lock()
	layout, ok := a.pipelineLayouts[id]
	delete(a.pipelineLayouts, id)
	a.mu.Unlock()
	if ok {
		a.device.DestroyPipelineLayout(layout)
	}
}

// CreateComputePipeline creates a compute pipeline. A zero desc.Layout
// means "derive automatically"; the HAL's automatic-layout support is
// requested by simply omitting Layout from the descriptor.
func (a *HALAdapter) CreateComputePipeline(desc *gpucore.ComputePipelineDesc) (gpucore.ComputePipelineID, error) {
	if desc == nil {
		return gpucore.InvalidID, fmt.Errorf("native: nil compute pipeline descriptor")
	}

	a.mu.RLock()
	shaderModule, moduleOK := a.shaderModules[desc.ShaderModule]
	var pipelineLayout hal.PipelineLayout
	if desc.Layout != gpucore.InvalidID {
		pipelineLayout = a.pipelineLayouts[desc.Layout]
	}
	a.mu.RUnlock()

	if !moduleOK {
		return gpucore.InvalidID, fmt.Errorf("native: shader module %d not found", desc.ShaderModule)
	}

	pipeline, err := a.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: pipelineLayout,
		Compute: hal.ComputeState{
			Module:     shaderModule,
			EntryPoint: desc.EntryPoint,
		},
	})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create compute pipeline: %w", err)
	}

	id := gpucore.ComputePipelineID(a.newID())
	a.mu.Lock()
	a.computePipelines[id] = pipeline
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyComputePipeline(id gpucore.ComputePipelineID) {
	a.mu.Lock()
	pipeline, ok := a.computePipelines[id]
	delete(a.computePipelines, id)
	a.mu.Unlock()
	if ok {
		a.device.DestroyComputePipeline(pipeline)
	}
}

// BindGroupLayoutOf returns the automatic layout the HAL derived for a
// pipeline created without an explicit PipelineLayoutID. gogpu/wgpu
// exposes this through the pipeline handle itself.
func (a *HALAdapter) BindGroupLayoutOf(pipeline gpucore.ComputePipelineID) (gpucore.BindGroupLayoutID, error) {
	a.mu.RLock()
	pipe, ok := a.computePipelines[pipeline]
	a.mu.RUnlock()
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("native: compute pipeline %d not found", pipeline)
	}

	halLayout, err := pipe.GetBindGroupLayout(0)
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: derive automatic bind group layout: %w", err)
	}

	id := gpucore.BindGroupLayoutID(a.newID())
	a.mu.Lock()
	a.bindGroupLayouts[id] = halLayout
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) CreateBindGroup(layout gpucore.BindGroupLayoutID, entries []gpucore.BindGroupEntry) (gpucore.BindGroupID, error) {
	a.mu.RLock()
	halLayout, ok := a.bindGroupLayouts[layout]
	if !ok {
		a.mu.RUnlock()
		return gpucore.InvalidID, fmt.Errorf("native: bind group layout %d not found", layout)
	}
	halEntries := make([]types.BindGroupEntry, len(entries))
	for i, e := range entries {
		he, err := a.convertBindGroupEntry(e)
		if err != nil {
			a.mu.RUnlock()
			return gpucore.InvalidID, fmt.Errorf("native: convert bind group entry %d: %w", e.Binding, err)
		}
		halEntries[i] = he
	}
	a.mu.RUnlock()

	bg, err := a.device.CreateBindGroup(&hal.BindGroupDescriptor{Layout: halLayout, Entries: halEntries})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("native: create bind group: %w", err)
	}

	id := gpucore.BindGroupID(a.newID())
	a.mu.Lock()
	a.bindGroups[id] = bg
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyBindGroup(id gpucore.BindGroupID) {
	a.mu.Lock()
	group, ok := a.bindGroups[id]
	delete(a.bindGroups, id)
	a.mu.Unlock()
	if ok {
		a.device.DestroyBindGroup(group)
	}
}

// === Timestamp Queries ===
//
// The HAL surface retrieved for this module does not expose a query-set
// API, so doppler's native adapter reports no timestamp support; the GPU
// Profiler falls back to CPU timing entirely for this backend. A HAL
// revision that adds query sets would wire
// CreateQuerySet/ResolveQuerySet here without changing the profiler.

func (a *HALAdapter) CreateQuerySet(capacity uint32) (gpucore.QuerySetID, error) {
	return gpucore.InvalidID, fmt.Errorf("native: timestamp queries not supported by this backend")
}

func (a *HALAdapter) DestroyQuerySet(id gpucore.QuerySetID) {}

func (a *HALAdapter) ResolveQuerySet(set gpucore.QuerySetID, firstQuery, count uint32, dst gpucore.BufferID, dstOffset uint64) {
}

// === Command Recording and Execution ===

func (a *HALAdapter) BeginComputePass() gpucore.ComputePassEncoder {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.hasEncoder {
		encoder, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "doppler-compute"})
		if err != nil {
			return &halComputePassEncoder{adapter: a}
		}
		if err := encoder.BeginEncoding("doppler-compute"); err != nil {
			return &halComputePassEncoder{adapter: a}
		}
		a.encoder = encoder
		a.hasEncoder = true
	}

	pass := a.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "doppler-compute-pass"})
	return &halComputePassEncoder{adapter: a, pass: pass}
}

func (a *HALAdapter) Submit() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.hasEncoder || a.encoder == nil {
		return
	}

	cmd, err := a.encoder.EndEncoding()
	a.encoder = nil
	a.hasEncoder = false
	if err != nil {
		return
	}
	defer cmd.Destroy()
	_ = a.queue.Submit([]hal.CommandBuffer{cmd}, nil, 0)
}

func (a *HALAdapter) WaitIdle() {
	a.Submit()

	fence, err := a.device.CreateFence()
	if err != nil {
		return
	}
	defer a.device.DestroyFence(fence)

	if err := a.queue.Submit(nil, fence, 1); err != nil {
		return
	}
	_, _ = a.device.Wait(fence, 1, 5_000_000_000)
}

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
	result := types.BindGroupLayoutEntry{
		Binding:    entry.Binding,
		Visibility: types.ShaderStageCompute,
	}
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

// convertBindGroupEntry must be called with mu held (read or write).
func (a *HALAdapter) convertBindGroupEntry(entry gpucore.BindGroupEntry) (types.BindGroupEntry, error) {
	buffer, ok := a.buffers[entry.Buffer]
	if !ok {
		return types.BindGroupEntry{}, fmt.Errorf("native: buffer %d not found", entry.Buffer)
	}
	return types.BindGroupEntry{
		Binding:  entry.Binding,
		Resource: types.BufferBinding{Buffer: buffer.NativeHandle(), Offset: entry.Offset, Size: entry.Size},
	}, nil
}

// === Compute Pass Encoder ===

type halComputePassEncoder struct {
	adapter *HALAdapter
	pass    hal.ComputePassEncoder
}

func (e *halComputePassEncoder) SetPipeline(pipeline gpucore.ComputePipelineID) {
	if e.pass == nil {
		return
	}
	e.adapter.mu.RLock()
	p, ok := e.adapter.computePipelines[pipeline]
	e.adapter.mu.RUnlock()
	if ok {
		e.pass.SetPipeline(p)
	}
}

func (e *halComputePassEncoder) SetBindGroup(index uint32, group gpucore.BindGroupID) {
	if e.pass == nil {
		return
	}
	e.adapter.mu.RLock()
	g, ok := e.adapter.bindGroups[group]
	e.adapter.mu.RUnlock()
	if ok {
		e.pass.SetBindGroup(index, g, nil)
	}
}

// WriteTimestamp is a no-op: this backend reports
// SupportsTimestampQuery() == false, so the profiler never calls it from
// inside a pass.
func (e *halComputePassEncoder) WriteTimestamp(set gpucore.QuerySetID, queryIndex uint32) {}

func (e *halComputePassEncoder) Dispatch(x, y, z uint32) {
	if e.pass == nil {
		return
	}
	e.pass.Dispatch(x, y, z)
}

func (e *halComputePassEncoder) End() {
	if e.pass == nil {
		return
	}
	e.pass.End()
}
