package device

import (
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// Handle provides GPU device access from the host application.
//
// The host (e.g. a gogpu.App) owns the underlying instance, adapter,
// device, and queue, and hands them to the dispatcher through this
// interface; the dispatcher never creates a device itself. Handle is an
// alias for gpucontext.DeviceProvider so any gpucontext-ecosystem host
// satisfies it without adaptation.
type Handle = gpucontext.DeviceProvider

// NullHandle is a Handle that reports no device, for hosts that drive
// the dispatcher purely through a gpucore.GPUAdapter (tests, the
// standalone CLI path).
type NullHandle struct{}

// Device implements Handle.
func (NullHandle) Device() gpucontext.Device { return nil }

// Queue implements Handle.
func (NullHandle) Queue() gpucontext.Queue { return nil }

// Adapter implements Handle.
func (NullHandle) Adapter() gpucontext.Adapter { return nil }

// SurfaceFormat implements Handle.
func (NullHandle) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }

// AdapterInfo implements Handle.
func (NullHandle) AdapterInfo() gpucontext.AdapterInfo {
	return gpucontext.AdapterInfo{Type: gpucontext.AdapterTypeUnknown}
}
