// Package gogpu implements gpucore.GPUAdapter against the pure-Go
// gogpu/gogpu framework's gpu.Backend, giving the dispatcher a second
// execution path distinct from backend/native's wgpu HAL path.
//
// gpu.Backend's current surface is render-oriented; it has no compute
// shader, compute pipeline, or buffer-readback support. Every
// GPUAdapter method with an error result that this adapter cannot honor
// returns ErrNotImplemented. The methods without an error result
// (CopyBufferToBuffer, ResolveQuerySet, Submit, WaitIdle, and the
// compute-pass encoder's methods) do nothing; SupportsCompute reports
// false.
package gogpu

import "errors"

var (
	// ErrNotImplemented is returned by GPUAdapter methods gpu.Backend
	// has no equivalent for yet (compute shaders, compute pipelines,
	// buffer readback).
	ErrNotImplemented = errors.New("gogpu: operation not implemented by gpu.Backend")
)
