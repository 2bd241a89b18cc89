// Package device implements the Device Capability Registry: a read-only,
// post-init view of the GPU device's limits and feature flags, derived
// once from the raw adapter the host application hands the dispatcher.
package device

import (
	"strings"

	"github.com/gogpu/doppler/gpucore"
)

// Limits mirrors the device/queue limits the underlying GPU API exposes.
// All fields are read-only after Registry construction.
type Limits struct {
	MaxComputeWorkgroupSizeX uint32
	MaxComputeWorkgroupSizeY uint32
	MaxComputeWorkgroupSizeZ uint32

	// MaxComputeInvocationsPerWorkgroup bounds wgX*wgY*wgZ.
	MaxComputeInvocationsPerWorkgroup uint32

	// MaxComputeWorkgroupsPerDimension bounds a single dispatch
	// dimension's workgroup count.
	MaxComputeWorkgroupsPerDimension uint32

	// MaxStorageBufferBindingSize bounds a single storage buffer binding.
	MaxStorageBufferBindingSize uint64

	// MaxBufferSize bounds the total size of any one buffer.
	MaxBufferSize uint64

	// MaxComputeWorkgroupStorageSize bounds shared (workgroup-local)
	// memory used by a single compute shader invocation.
	MaxComputeWorkgroupStorageSize uint32
}

// AdapterInfo identifies the physical device, used solely to form a
// tuner cache key.
type AdapterInfo struct {
	Vendor       string
	Architecture string
	Device       string
}

// Capabilities holds the boolean feature flags the dispatcher consults to
// reject or select variants.
type Capabilities struct {
	HasF16            bool
	HasSubgroups      bool
	HasSubgroupsF16   bool
	HasTimestampQuery bool
	Info              AdapterInfo
}

// Feature names as reported by the underlying adapter's feature list.
// These match the standard WebGPU feature strings.
const (
	FeatureShaderF16  = "shader-f16"
	FeatureSubgroups  = "subgroups"
	FeatureSubgroupF16 = "subgroups-f16"
)

// Registry is the Device Capability Registry. It is
// constructed once, at startup, and never mutated afterward; downstream
// components (Shader & Pipeline Cache, Kernel Dispatch Engine) read it
// concurrently without synchronization.
type Registry struct {
	adapter gpucore.GPUAdapter
	handle  Handle
	limits  Limits
	caps    Capabilities
}

// NewRegistry derives a Registry from an already-initialized adapter, its
// raw limits, its reported feature-name list, and its adapter info
// triple. The device itself — instance, adapter, device, queue — is
// acquired by the host application before this call; the registry never
// creates or destroys it.
func NewRegistry(adapter gpucore.GPUAdapter, limits Limits, features []string, info AdapterInfo) *Registry {
	has := make(map[string]bool, len(features))
	for _, f := range features {
		has[f] = true
	}

	return &Registry{
		adapter: adapter,
		limits:  limits,
		caps: Capabilities{
			HasF16:            has[FeatureShaderF16],
			HasSubgroups:      has[FeatureSubgroups],
			HasSubgroupsF16:   has[FeatureSubgroupF16],
			HasTimestampQuery: adapter != nil && adapter.SupportsTimestampQuery(),
			Info:              info,
		},
	}
}

// NewRegistryWithHandle is NewRegistry plus retention of the host's raw
// device Handle, for hosts that share a gpucontext device with the
// dispatcher and need it back out (e.g. for surface presentation
// alongside compute).
func NewRegistryWithHandle(handle Handle, adapter gpucore.GPUAdapter, limits Limits, features []string, info AdapterInfo) *Registry {
	r := NewRegistry(adapter, limits, features, info)
	r.handle = handle
	return r
}

// Device returns the underlying GPU adapter handle.
func (r *Registry) Device() gpucore.GPUAdapter { return r.adapter }

// Handle returns the host-provided device handle. Registries built
// without one report NullHandle.
func (r *Registry) Handle() Handle {
	if r.handle == nil {
		return NullHandle{}
	}
	return r.handle
}

// Limits returns the device's resolved limits.
func (r *Registry) Limits() Limits { return r.limits }

// Capabilities returns the device's resolved feature flags.
func (r *Registry) Capabilities() Capabilities { return r.caps }

// HasFeatures reports whether every named feature is present, for the
// Shader & Pipeline Cache's pre-compile feature check.
func (r *Registry) HasFeatures(names ...string) (missing string, ok bool) {
	for _, n := range names {
		switch n {
		case FeatureShaderF16:
			if !r.caps.HasF16 {
				return n, false
			}
		case FeatureSubgroups:
			if !r.caps.HasSubgroups {
				return n, false
			}
		case FeatureSubgroupF16:
			if !r.caps.HasSubgroupsF16 {
				return n, false
			}
		}
	}
	return "", true
}

// Signature forms the device signature used as the tuner's persistence
// key: vendor_architecture_device, with non-alphanumerics replaced by
// underscore.
func Signature(info AdapterInfo) string {
	raw := info.Vendor + "_" + info.Architecture + "_" + info.Device
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
