package dispatch

import (
	"context"
	"math"

	"github.com/gogpu/doppler/dtype"
	"github.com/gogpu/doppler/gpucore"
)

const (
	opConvertF32ToF16  = "convert_f32_to_f16"
	opConvertBF16ToF32 = "convert_bf16_to_f32"
)

// bf16ToF32CPUChunk bounds the chunked CPU fallback path at 64M
// elements per chunk.
const bf16ToF32CPUChunk = 64 * 1024 * 1024

// ConvertOptions carries the type-conversion operator options.
type ConvertOptions struct {
	InputOffset  uint64
	OutputOffset uint64
	OutputBuffer gpucore.BufferID // zero means allocate
}

// ConvertF32ToF16 converts n f32 elements to f16, one thread per element.
func (e *Engine) ConvertF32ToF16(ctx context.Context, in Ref, n uint32, opts ConvertOptions) (gpucore.BufferID, error) {
	if err := validatePositive(opConvertF32ToF16, "n", n); err != nil {
		return gpucore.InvalidID, err
	}
	if err := validateBufferSize(opConvertF32ToF16, "input", Ref{ID: in.ID, Offset: opts.InputOffset, Size: in.Size}, uint64(n), 4); err != nil {
		return gpucore.InvalidID, err
	}

	outBuf, outOffset, err := e.resolveOutputBuffer(opts.OutputBuffer, opts.OutputOffset, uint64(n), 2)
	if err != nil {
		return gpucore.InvalidID, err
	}

	limits := e.Registry.Limits()
	wgX, wgY := dispatch1D(n, 256, limits.MaxComputeWorkgroupsPerDimension)

	// Uniform: numElements, workgroupsX (u32s) so the shader can
	// linearize a wrapped 2-D dispatch back into a 1-D element index.
	uniformData := packUniform(n, wgX)
	uniform, err := e.createUniformBuffer(uniformData, "convert_f32_to_f16_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: in.ID, Offset: opts.InputOffset, Size: uint64(n) * 4},
		{Binding: 1, Buffer: outBuf, Offset: outOffset, Size: uint64(n) * 2},
		{Binding: 2, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}

	if err := e.dispatchOnce(ctx, opConvertF32ToF16, "default", entries, uniform, wgX, wgY, "convert_f32_to_f16"); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(outBuf, dtype.F16)
	return outBuf, nil
}

// ConvertBF16ToF32 converts n bf16 elements to f32, each thread handling
// a packed pair. When the f32 output is too large to bind in a single
// dispatch, the engine falls back to a chunked CPU conversion: the
// result is streamed into a device buffer when it still fits the
// device's general max buffer size, otherwise the converted values are
// returned directly as the host slice (with buf set to InvalidID).
// Exactly one of buf and host is set on success.
func (e *Engine) ConvertBF16ToF32(ctx context.Context, in Ref, n uint32, opts ConvertOptions) (buf gpucore.BufferID, host []float32, err error) {
	if err := validatePositive(opConvertBF16ToF32, "n", n); err != nil {
		return gpucore.InvalidID, nil, err
	}
	if err := validateBufferSize(opConvertBF16ToF32, "input", Ref{ID: in.ID, Offset: opts.InputOffset, Size: in.Size}, uint64(n), 2); err != nil {
		return gpucore.InvalidID, nil, err
	}

	outputSize := uint64(n) * 4
	limits := e.Registry.Limits()
	if outputSize > limits.MaxStorageBufferBindingSize {
		return e.convertBF16ToF32CPUFallback(ctx, in, n, opts, outputSize, limits.MaxBufferSize)
	}

	outBuf, outOffset, err := e.resolveOutputBuffer(opts.OutputBuffer, opts.OutputOffset, uint64(n), 4)
	if err != nil {
		return gpucore.InvalidID, nil, err
	}

	pairCount := ceilDiv(n, 2)
	wgX, wgY := dispatch1D(pairCount, 256, limits.MaxComputeWorkgroupsPerDimension)

	uniformData := packUniform(n, wgX)
	uniform, err := e.createUniformBuffer(uniformData, "convert_bf16_to_f32_uniform")
	if err != nil {
		return gpucore.InvalidID, nil, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: in.ID, Offset: opts.InputOffset, Size: uint64(n) * 2},
		{Binding: 1, Buffer: outBuf, Offset: outOffset, Size: outputSize},
		{Binding: 2, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}

	if err := e.dispatchOnce(ctx, opConvertBF16ToF32, "default", entries, uniform, wgX, wgY, "convert_bf16_to_f32"); err != nil {
		return gpucore.InvalidID, nil, err
	}

	e.Dtypes.SetDtype(outBuf, dtype.F32)
	return outBuf, nil, nil
}

// convertBF16ToF32CPUFallback reads back the BF16 source once and
// converts it on the CPU in bounded chunks. When the full f32 output
// fits the device's general max buffer size, each chunk is streamed into
// an output buffer via the queue and the buffer is returned; otherwise
// the converted values are returned as a host slice.
func (e *Engine) convertBF16ToF32CPUFallback(_ context.Context, in Ref, n uint32, opts ConvertOptions, outputSize, maxBufferSize uint64) (gpucore.BufferID, []float32, error) {
	raw, err := e.adapter().ReadBuffer(in.ID, opts.InputOffset, uint64(n)*2)
	if err != nil {
		return gpucore.InvalidID, nil, err
	}

	if outputSize > maxBufferSize {
		out := make([]float32, n)
		for start := uint64(0); start < uint64(n); start += bf16ToF32CPUChunk {
			end := min64(start+bf16ToF32CPUChunk, uint64(n))
			for i := start; i < end; i++ {
				out[i] = math.Float32frombits(bf16ToF32(raw[i*2 : i*2+2]))
			}
		}
		return gpucore.InvalidID, out, nil
	}

	outBuf, err := e.adapter().CreateBuffer(int(outputSize), gpucore.BufferUsageStorage|gpucore.BufferUsageCopySrc|gpucore.BufferUsageCopyDst)
	if err != nil {
		return gpucore.InvalidID, nil, err
	}

	chunk := make([]byte, 0, min64(bf16ToF32CPUChunk, uint64(n))*4)
	for start := uint64(0); start < uint64(n); start += bf16ToF32CPUChunk {
		end := min64(start+bf16ToF32CPUChunk, uint64(n))
		chunk = chunk[:0]
		for i := start; i < end; i++ {
			chunk = append(chunk, f32Bytes(bf16ToF32(raw[i*2:i*2+2]))...)
		}
		e.adapter().WriteBuffer(outBuf, start*4, chunk)
	}

	e.Dtypes.SetDtype(outBuf, dtype.F32)
	return outBuf, nil, nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// bf16ToF32 widens a single little-endian bf16 (the top 16 bits of an
// f32) back to a full f32 bit pattern.
func bf16ToF32(pair []byte) uint32 {
	bits := uint32(pair[0]) | uint32(pair[1])<<8
	return bits << 16
}

func f32Bytes(bits uint32) []byte {
	return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}
