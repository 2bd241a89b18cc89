package dispatch

import (
	"context"

	"github.com/gogpu/doppler/dtype"
	"github.com/gogpu/doppler/gpucore"
)

const opMatmul = "matmul"

// MatmulOptions carries the matmul-specific operator options.
type MatmulOptions struct {
	TransposeB   bool
	Alpha        float32
	AOffset      uint64
	BOffset      uint64
	COffset      uint64
	OutputDtype  dtype.Type
	OutputBuffer gpucore.BufferID // zero means allocate
	PreferF16    bool
	UseVec4      bool
}

// matmulVariant selects the matmul shader variant from the operand
// dtypes, output height, and device support.
func matmulVariant(aType, bType dtype.Type, m uint32, outputHalf, halfSupported bool, useVec4 bool) string {
	if outputHalf && aType == dtype.F16 && bType == dtype.F16 && halfSupported {
		if useVec4 {
			return "f16_vec4"
		}
		return "f16"
	}
	if !outputHalf && bType == dtype.F16 && aType == dtype.F32 && halfSupported {
		if m == 1 {
			return "f16w_f32a_naive"
		}
		return "f16w_f32a"
	}
	return "f32"
}

// matmulPlan holds everything steps 1-7 resolve, shared by the immediate
// and recorded paths so neither re-derives the variant or uniform bytes.
type matmulPlan struct {
	variant     string
	outDtype    dtype.Type
	uniformData []byte
	wgX, wgY    uint32
	outBuf      gpucore.BufferID
	cOffset     uint64
}

func (e *Engine) planMatmul(a, b Ref, m, n, k uint32, opts MatmulOptions) (matmulPlan, error) {
	// 1. Validate inputs.
	for _, d := range []struct {
		name string
		v    uint32
	}{{"M", m}, {"N", n}, {"K", k}} {
		if err := validatePositive(opMatmul, d.name, d.v); err != nil {
			return matmulPlan{}, err
		}
	}
	if err := validateBufferSize(opMatmul, "A", Ref{ID: a.ID, Offset: opts.AOffset, Size: a.Size}, uint64(m)*uint64(k), 4); err != nil {
		return matmulPlan{}, err
	}
	bBytesPerElem := 4
	aType := e.resolveDtype(a.ID)
	bType := e.resolveDtype(b.ID)
	if bType == dtype.F16 || bType == dtype.BF16 {
		bBytesPerElem = 2
	}
	if err := validateBufferSize(opMatmul, "B", Ref{ID: b.ID, Offset: opts.BOffset, Size: b.Size}, uint64(k)*uint64(n), bBytesPerElem); err != nil {
		return matmulPlan{}, err
	}

	// 2+3. Resolve dtype, select variant.
	outputHalf := opts.OutputDtype == dtype.F16
	caps := e.Registry.Capabilities()
	variant := matmulVariant(aType, bType, m, outputHalf, caps.HasF16 && opts.PreferF16, opts.UseVec4)

	outDtype := dtype.F32
	if variant == "f16" || variant == "f16_vec4" {
		outDtype = dtype.F16
	}

	outBuf, cOffset, err := e.resolveOutputBuffer(opts.OutputBuffer, opts.COffset, uint64(m)*uint64(n), outDtype.BytesPerElement())
	if err != nil {
		return matmulPlan{}, err
	}

	transposeFlag := uint32(0)
	if opts.TransposeB {
		transposeFlag = 1
	}

	// 5. Encode uniforms: u32 M,N,K, f32 alpha, u32 transposeB (20 bytes).
	uniformData := packUniform(m, n, k, opts.Alpha, transposeFlag)

	// 7. Encode dispatch.
	limits := e.Registry.Limits()
	var wgX, wgY uint32
	if variant == "f16w_f32a_naive" {
		wgX, wgY = dispatch1D(n, 256, limits.MaxComputeWorkgroupsPerDimension)
	} else {
		wgX = ceilDiv(m, 16)
		wgY = ceilDiv(n, 16)
		if wgX > limits.MaxComputeWorkgroupsPerDimension || wgY > limits.MaxComputeWorkgroupsPerDimension {
			return matmulPlan{}, &LimitError{Operation: opMatmul, Detail: "tiled dispatch exceeds max workgroups per dimension", Hint: "reduce M or N, or request the naive variant"}
		}
	}

	return matmulPlan{variant: variant, outDtype: outDtype, uniformData: uniformData, wgX: wgX, wgY: wgY, outBuf: outBuf, cOffset: cOffset}, nil
}

// Matmul computes C[M,N] = alpha * A[M,K] @ B[K,N] (or B^T if
// opts.TransposeB).
func (e *Engine) Matmul(ctx context.Context, a, b Ref, m, n, k uint32, opts MatmulOptions) (gpucore.BufferID, error) {
	plan, err := e.planMatmul(a, b, m, n, k, opts)
	if err != nil {
		return gpucore.InvalidID, err
	}

	uniform, err := e.createUniformBuffer(plan.uniformData, "matmul_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: a.ID, Offset: opts.AOffset, Size: a.Size - opts.AOffset},
		{Binding: 1, Buffer: b.ID, Offset: opts.BOffset, Size: b.Size - opts.BOffset},
		{Binding: 2, Buffer: plan.outBuf, Offset: plan.cOffset, Size: uint64(m) * uint64(n) * 4},
		{Binding: 3, Buffer: uniform, Offset: 0, Size: uint64(len(plan.uniformData))},
	}

	// 8. Submit.
	if err := e.dispatchOnce(ctx, opMatmul, plan.variant, entries, uniform, plan.wgX, plan.wgY, "matmul"); err != nil {
		return gpucore.InvalidID, err
	}

	// 9. Stamp output dtype.
	e.Dtypes.SetDtype(plan.outBuf, plan.outDtype)
	return plan.outBuf, nil
}

// RecordMatmul mirrors Matmul but appends its compute pass to rec instead
// of submitting immediately, and registers its uniform buffer with rec
// for cleanup on Submit.
func (e *Engine) RecordMatmul(rec *Recorder, a, b Ref, m, n, k uint32, opts MatmulOptions) (gpucore.BufferID, error) {
	plan, err := e.planMatmul(a, b, m, n, k, opts)
	if err != nil {
		return gpucore.InvalidID, err
	}

	uniform, err := rec.createUniformBuffer(plan.uniformData, "matmul_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: a.ID, Offset: opts.AOffset, Size: a.Size - opts.AOffset},
		{Binding: 1, Buffer: b.ID, Offset: opts.BOffset, Size: b.Size - opts.BOffset},
		{Binding: 2, Buffer: plan.outBuf, Offset: plan.cOffset, Size: uint64(m) * uint64(n) * 4},
		{Binding: 3, Buffer: uniform, Offset: 0, Size: uint64(len(plan.uniformData))},
	}

	if err := rec.recordDispatch(opMatmul, plan.variant, entries, plan.wgX, plan.wgY); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(plan.outBuf, plan.outDtype)
	return plan.outBuf, nil
}

// resolveOutputBuffer returns an existing output buffer (when the caller
// supplied one) or allocates a new one sized for elementCount elements.
func (e *Engine) resolveOutputBuffer(existing gpucore.BufferID, offset, elementCount uint64, bytesPerElement int) (gpucore.BufferID, uint64, error) {
	if existing != gpucore.InvalidID {
		return existing, offset, nil
	}
	size := int(requiredSize(offset, elementCount, bytesPerElement))
	id, err := e.adapter().CreateBuffer(size, gpucore.BufferUsageStorage|gpucore.BufferUsageCopySrc|gpucore.BufferUsageCopyDst)
	if err != nil {
		return gpucore.InvalidID, 0, err
	}
	return id, offset, nil
}
