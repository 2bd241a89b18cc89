package gpucore

// GPUAdapter abstracts over different GPU backend implementations.
//
// This is the device/queue surface the Kernel Dispatch Engine, Shader &
// Pipeline Cache, and GPU Profiler are built against. Implementations
// bridge it to a concrete backend (gogpu/wgpu's HAL, gogpu/gogpu's
// Backend). Callers acquire the device elsewhere and pass an
// already-initialized GPUAdapter in; this interface never creates the
// underlying instance/adapter/device itself.
//
// Resource lifecycle:
//   - Resources are created via Create* methods.
//   - Resources must be explicitly destroyed via Destroy* methods.
//   - Destroying a resource while in use is undefined behavior.
//   - IDs become invalid after destruction and must not be reused.
//
// Implementations must be safe for concurrent use; the dispatcher itself
// is driven by a single logical task but an implementation may
// be shared across multiple dispatcher instances.
type GPUAdapter interface {
	// === Capabilities ===

	// SupportsCompute returns whether compute shaders are supported at
	// all. If false, every operator must take its CPU fallback.
	SupportsCompute() bool

	// MaxWorkgroupSize returns the maximum workgroup size in each dimension.
	MaxWorkgroupSize() [3]uint32

	// MaxBufferSize returns the maximum buffer size in bytes.
	MaxBufferSize() uint64

	// === Shader Compilation ===

	// CreateShaderModule creates a shader module from SPIR-V bytecode.
	// The SPIR-V is produced by naga.Compile before being passed here.
	CreateShaderModule(spirv []uint32, label string) (ShaderModuleID, error)

	// DestroyShaderModule releases a shader module.
	DestroyShaderModule(id ShaderModuleID)

	// === Buffer Management ===

	// CreateBuffer creates a GPU buffer.
	CreateBuffer(size int, usage BufferUsage) (BufferID, error)

	// DestroyBuffer releases a GPU buffer.
	DestroyBuffer(id BufferID)

	// WriteBuffer writes data to a buffer at the given byte offset.
	WriteBuffer(id BufferID, offset uint64, data []byte)

	// ReadBuffer reads size bytes from a buffer starting at offset. This
	// may cause a GPU-CPU synchronization stall.
	ReadBuffer(id BufferID, offset, size uint64) ([]byte, error)

	// CopyBufferToBuffer appends a buffer-to-buffer copy to the current
	// command stream.
	CopyBufferToBuffer(src BufferID, srcOffset uint64, dst BufferID, dstOffset uint64, size uint64)

	// === Pipeline Management ===

	// CreateBindGroupLayout creates a bind group layout.
	CreateBindGroupLayout(desc *BindGroupLayoutDesc) (BindGroupLayoutID, error)

	// DestroyBindGroupLayout releases a bind group layout.
	DestroyBindGroupLayout(id BindGroupLayoutID)

	// CreatePipelineLayout creates a pipeline layout from bind group layouts.
	CreatePipelineLayout(layouts []BindGroupLayoutID) (PipelineLayoutID, error)

	// DestroyPipelineLayout releases a pipeline layout.
	DestroyPipelineLayout(id PipelineLayoutID)

	// CreateComputePipeline creates a compute pipeline. If desc.Layout is
	// zero, the backend derives an automatic bind group layout from the
	// shader's own reflected bindings.
	CreateComputePipeline(desc *ComputePipelineDesc) (ComputePipelineID, error)

	// DestroyComputePipeline releases a compute pipeline.
	DestroyComputePipeline(id ComputePipelineID)

	// BindGroupLayoutOf returns the automatic bind group layout derived
	// for a pipeline created without an explicit Layout. Used by callers
	// that need to build bind groups against an auto layout.
	BindGroupLayoutOf(pipeline ComputePipelineID) (BindGroupLayoutID, error)

	// CreateBindGroup creates a bind group.
	CreateBindGroup(layout BindGroupLayoutID, entries []BindGroupEntry) (BindGroupID, error)

	// DestroyBindGroup releases a bind group.
	DestroyBindGroup(id BindGroupID)

	// === Timestamp Queries (optional) ===

	// SupportsTimestampQuery reports whether the device exposes
	// timestamp queries. When false the GPU Profiler falls back to CPU
	// timing entirely.
	SupportsTimestampQuery() bool

	// CreateQuerySet allocates a timestamp query set with the given pair
	// capacity (2*capacity slots). Returns an error if timestamp queries
	// are unsupported.
	CreateQuerySet(capacity uint32) (QuerySetID, error)

	// DestroyQuerySet releases a query set.
	DestroyQuerySet(id QuerySetID)

	// ResolveQuerySet resolves count queries starting at firstQuery in
	// the set into dst at dstOffset, as nanosecond uint64 values.
	ResolveQuerySet(set QuerySetID, firstQuery, count uint32, dst BufferID, dstOffset uint64)

	// === Command Recording and Execution ===

	// BeginComputePass begins a compute pass. The returned encoder must
	// be ended with ComputePassEncoder.End() before the adapter's next
	// BeginComputePass or Submit call.
	BeginComputePass() ComputePassEncoder

	// Submit submits all commands recorded since the last Submit.
	Submit()

	// WaitIdle waits for all submitted GPU work to complete. Causes a
	// full GPU-CPU synchronization; used sparingly (tuner benchmarking,
	// profiler resolve, synchronous readback).
	WaitIdle()
}

// ComputePassEncoder records compute commands within one compute pass.
//
// Usage:
//  1. Obtain encoder from GPUAdapter.BeginComputePass().
//  2. Set pipeline and bind groups.
//  3. Optionally write timestamps at the pass boundary.
//  4. Dispatch compute workgroups.
//  5. Call End() to finish recording.
//  6. Call GPUAdapter.Submit() to execute.
//
// The encoder is single-use and cannot be reused after End().
type ComputePassEncoder interface {
	// SetPipeline sets the active compute pipeline.
	SetPipeline(pipeline ComputePipelineID)

	// SetBindGroup sets a bind group at the specified index.
	SetBindGroup(index uint32, group BindGroupID)

	// WriteTimestamp writes a GPU timestamp into set at queryIndex. Only
	// valid between SetPipeline and End(); the caller is responsible for
	// query-slot bookkeeping (the GPU Profiler owns this).
	WriteTimestamp(set QuerySetID, queryIndex uint32)

	// Dispatch dispatches compute workgroups. x, y, z are workgroup
	// counts in each dimension, not thread counts.
	Dispatch(x, y, z uint32)

	// End finishes the compute pass.
	End()
}
