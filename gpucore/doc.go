// Package gpucore defines the backend-agnostic GPU device abstraction
// shared by the Kernel Dispatch Engine, the Shader & Pipeline Cache, and
// the GPU Profiler.
//
// It defines the [GPUAdapter] interface, which lets the same dispatch
// logic run against multiple backends:
//   - gogpu/wgpu (Pure Go WebGPU via HAL) — see backend/native
//   - gogpu/gogpu (dual Rust/Go backend)   — see backend/gogpu
//
// # Architecture
//
//	                 +------------------+
//	                 |  dispatch.Engine |
//	                 +--------+---------+
//	                          |
//	                 +--------v---------+
//	                 |  gpucore.GPUAdapter  |
//	                 +--------+---------+
//	         +------------------+------------------+
//	         |                                     |
//	+--------v--------+                   +--------v--------+
//	|  backend/native |                   |  backend/gogpu  |
//	|   (hal.Device)  |                   | (gpu.Backend)   |
//	+--------+--------+                   +--------+--------+
//	         |                                     |
//	+--------v--------+                   +--------v--------+
//	|   gogpu/wgpu    |                   |   gogpu/gogpu   |
//	+-----------------+                   +-----------------+
//
// # Resource management
//
// GPU resources are referenced by opaque IDs ([BufferID], [ShaderModuleID],
// etc). The [GPUAdapter] interface provides creation and destruction
// methods for each resource type; adapters own the mapping between IDs
// and backend-native handles.
package gpucore
