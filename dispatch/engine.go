// Package dispatch implements the Kernel Dispatch Engine: the
// operator APIs that select a shader variant, validate arguments, obtain
// a pipeline, build uniforms and bind groups, encode dispatches, and
// stamp output buffer dtypes. Every exported operator function follows
// the same dispatch protocol; the shared steps live here
// and operator files (matmul.go, attention.go, elementwise.go, moe.go,
// convert.go) supply only the variant-selection and uniform-packing
// logic specific to that operator.
package dispatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"strconv"
	"sync"

	"github.com/gogpu/doppler/device"
	"github.com/gogpu/doppler/dtype"
	"github.com/gogpu/doppler/gpucore"
	"github.com/gogpu/doppler/pipeline"
)

// Ref is an operand or output buffer reference: an opaque identity plus
// the byte offset and size the operator will read or write. The engine
// never destroys a Ref's underlying buffer.
type Ref struct {
	ID     gpucore.BufferID
	Offset uint64
	Size   uint64
}

var logger = nopLogger()

// SetLogger overrides the package logger used for the attention
// tier-fallback warning.
func SetLogger(l *slog.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

var loggerMu sync.Mutex

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Engine is the Kernel Dispatch Engine. One Engine binds together the
// Device Capability Registry, the Buffer Dtype Registry, and the Shader &
// Pipeline Cache; every operator method hangs off it.
type Engine struct {
	Registry  *device.Registry
	Dtypes    *dtype.Registry
	Pipelines *pipeline.Cache
}

// NewEngine constructs an Engine from its three collaborators. Each is
// itself process-wide-shared state; the Engine does not copy or own
// them.
func NewEngine(registry *device.Registry, dtypes *dtype.Registry, pipelines *pipeline.Cache) *Engine {
	return &Engine{Registry: registry, Dtypes: dtypes, Pipelines: pipelines}
}

// adapter is a convenience accessor for the underlying GPU adapter.
func (e *Engine) adapter() gpucore.GPUAdapter { return e.Registry.Device() }

// validatePositive rejects non-positive dimensions.
func validatePositive(operation, name string, v uint32) error {
	if v == 0 {
		return &ShapeError{Operation: operation, Argument: name, Value: v, Constraint: "must be > 0"}
	}
	return nil
}

// validateOffset rejects offsets that are not a multiple of the 256-byte
// storage-binding alignment.
func validateOffset(operation, name string, offset uint64) error {
	if offset%gpucore.StorageBindingAlignment != 0 {
		return &ShapeError{Operation: operation, Argument: name, Value: offset, Constraint: "must be a multiple of 256"}
	}
	return nil
}

// requiredSize computes the minimum buffer size an operand needs:
// offset + ceil(elementCount*bytesPerElement/4)*4.
func requiredSize(offset, elementCount uint64, bytesPerElement int) uint64 {
	raw := elementCount * uint64(bytesPerElement)
	rounded := ((raw + 3) / 4) * 4
	return offset + rounded
}

// validateBufferSize checks a Ref is large enough for elementCount
// elements of bytesPerElement size at its declared offset.
func validateBufferSize(operation, name string, ref Ref, elementCount uint64, bytesPerElement int) error {
	if err := validateOffset(operation, name+"Offset", ref.Offset); err != nil {
		return err
	}
	need := requiredSize(ref.Offset, elementCount, bytesPerElement)
	if ref.Size < need {
		return &ShapeError{
			Operation:  operation,
			Argument:   name,
			Value:      ref.Size,
			Constraint: "must be at least " + itoa(need) + " bytes",
		}
	}
	return nil
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// resolveDtype fetches buf's dtype, defaulting and diagnosing through
// the dtype registry itself (GetDtype already implements the one-time
// warning).
func (e *Engine) resolveDtype(buf gpucore.BufferID) dtype.Type {
	return e.Dtypes.GetDtype(buf)
}

// dispatch1D computes the workgroup count for a 1-D dispatch of n
// elements at the given workgroup width, wrapping into a
// (min(n, max), ceil(n/max)) 2-D dispatch if it would exceed the
// device's per-dimension limit.
func dispatch1D(n, wgWidth, maxPerDim uint32) (x, y uint32) {
	count := ceilDiv(n, wgWidth)
	if count <= maxPerDim {
		return count, 1
	}
	return min32(count, maxPerDim), ceilDiv(count, maxPerDim)
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// packUniform little-endian packs fields into a byte slice matching the
// shader's uniform struct layout. Accepted field types: uint32, int32,
// float32.
func packUniform(fields ...any) []byte {
	buf := new(bytes.Buffer)
	for _, f := range fields {
		switch v := f.(type) {
		case uint32:
			binary.Write(buf, binary.LittleEndian, v)
		case int32:
			binary.Write(buf, binary.LittleEndian, v)
		case float32:
			binary.Write(buf, binary.LittleEndian, v)
		default:
			panic("dispatch: packUniform: unsupported field type")
		}
	}
	return buf.Bytes()
}

// createUniformBuffer creates a transient uniform buffer holding data and
// returns its Ref. Immediate-path callers destroy it after submission;
// batched-path callers hand it to the Recorder instead.
func (e *Engine) createUniformBuffer(data []byte, label string) (gpucore.BufferID, error) {
	id, err := e.adapter().CreateBuffer(len(data), gpucore.BufferUsageUniform|gpucore.BufferUsageCopyDst)
	if err != nil {
		return gpucore.InvalidID, err
	}
	e.adapter().WriteBuffer(id, 0, data)
	return id, nil
}

// dispatchOnce runs the common steps 4, 6, 7, 8 for the immediate
// (submit-per-op) path: obtain the pipeline, build the bind group,
// encode one compute pass dispatching (wgX, wgY, 1) workgroups, submit,
// and destroy the transient uniform buffer.
func (e *Engine) dispatchOnce(ctx context.Context, operation, variant string, entries []gpucore.BindGroupEntry, uniform gpucore.BufferID, wgX, wgY uint32, label string) error {
	pipe, _, err := e.Pipelines.CreatePipeline(ctx, operation, variant)
	if err != nil {
		return err
	}

	layout, err := e.adapter().BindGroupLayoutOf(pipe)
	if err != nil {
		return err
	}
	group, err := e.adapter().CreateBindGroup(layout, entries)
	if err != nil {
		return err
	}
	defer e.adapter().DestroyBindGroup(group)

	pass := e.adapter().BeginComputePass()
	pass.SetPipeline(pipe)
	pass.SetBindGroup(0, group)
	pass.Dispatch(wgX, wgY, 1)
	pass.End()
	e.adapter().Submit()

	if uniform != gpucore.InvalidID {
		e.adapter().DestroyBuffer(uniform)
	}
	return nil
}
