//go:build !nogpu

package native

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/doppler/device"
)

// StandaloneDevice bundles a self-acquired HAL device with its adapter
// wrapper, for tools that run the dispatcher without an external device
// provider (the CLI, standalone benchmarks). Applications embedding the
// dispatcher normally pass their own device via NewHALAdapter instead.
type StandaloneDevice struct {
	Adapter *HALAdapter
	Info    device.AdapterInfo

	instance hal.Instance
	device   hal.Device
}

// OpenStandalone acquires a compute-capable device through the Vulkan
// HAL backend, preferring a discrete or integrated GPU.
func OpenStandalone() (*StandaloneDevice, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("native: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return nil, fmt.Errorf("native: no GPU adapters found")
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("native: open device: %w", err)
	}

	info := device.AdapterInfo{
		Vendor:       "vulkan",
		Architecture: fmt.Sprintf("%v", selected.Info.DeviceType),
		Device:       selected.Info.Name,
	}

	return &StandaloneDevice{
		Adapter:  NewHALAdapter(openDev.Device, openDev.Queue, nil),
		Info:     info,
		instance: instance,
		device:   openDev.Device,
	}, nil
}

// RegistryLimits converts the adapter's HAL limits into the dispatcher's
// device.Limits form for Registry construction.
func (a *HALAdapter) RegistryLimits() device.Limits {
	return device.Limits{
		MaxComputeWorkgroupSizeX:          a.limits.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupSizeY:          a.limits.MaxComputeWorkgroupSizeY,
		MaxComputeWorkgroupSizeZ:          a.limits.MaxComputeWorkgroupSizeZ,
		MaxComputeInvocationsPerWorkgroup: a.limits.MaxComputeInvocationsPerWorkgroup,
		MaxComputeWorkgroupsPerDimension:  a.limits.MaxComputeWorkgroupsPerDimension,
		MaxStorageBufferBindingSize:       uint64(a.limits.MaxStorageBufferBindingSize),
		MaxBufferSize:                     a.limits.MaxBufferSize,
		MaxComputeWorkgroupStorageSize:    a.limits.MaxComputeWorkgroupStorageSize,
	}
}

// Close releases the standalone device and instance. The wrapped
// HALAdapter must not be used afterward.
func (s *StandaloneDevice) Close() {
	if s.device != nil {
		s.device.Destroy()
		s.device = nil
	}
	if s.instance != nil {
		s.instance.Destroy()
		s.instance = nil
	}
}
