package dispatch

import (
	"context"
	"strings"

	"github.com/gogpu/doppler/dtype"
	"github.com/gogpu/doppler/gpucore"
)

const (
	opRMSNorm    = "rmsnorm"
	opSoftmax    = "softmax"
	opRoPE       = "rope"
	opSiLU       = "silu"
	opGeLU       = "gelu"
	opResidual   = "residual_add"
	opBiasAdd    = "bias_add"
	opGeGLU      = "geglu"
	opSwiGLU     = "swiglu"
	opGather     = "gather"
	opDequantQ4K = "dequant_q4k"
	opDequantMX  = "dequant_mxfp4"
)

// dummyStorageBuffer allocates a 4-byte storage buffer to satisfy a
// shader binding that isn't semantically used (RMSNorm without a
// residual input still has the residual slot in its layout). It is
// destroyed after submit.
func (e *Engine) dummyStorageBuffer() (gpucore.BufferID, error) {
	return e.adapter().CreateBuffer(4, gpucore.BufferUsageStorage)
}

// RMSNormOptions carries RMSNorm-specific options.
type RMSNormOptions struct {
	HiddenSize   uint32
	NumTokens    uint32
	Eps          float32
	Residual     gpucore.BufferID // InvalidID means no residual
	OutputBuffer gpucore.BufferID
}

// rmsnormPlan holds what steps 1-7 resolve, shared by the immediate and
// recorded paths.
type rmsnormPlan struct {
	variant     string
	uniformData []byte
	outBuf      gpucore.BufferID
	outSize     uint64
	hasResidual bool
}

func (e *Engine) planRMSNorm(opts RMSNormOptions) (rmsnormPlan, error) {
	if err := validatePositive(opRMSNorm, "hiddenSize", opts.HiddenSize); err != nil {
		return rmsnormPlan{}, err
	}
	if err := validatePositive(opRMSNorm, "numTokens", opts.NumTokens); err != nil {
		return rmsnormPlan{}, err
	}

	hasResidual := opts.Residual != gpucore.InvalidID
	variant := "default"
	if opts.HiddenSize <= 256 {
		variant = "small"
	} else if hasResidual {
		variant = "residual"
	}

	hasResidualFlag := uint32(0)
	if hasResidual {
		hasResidualFlag = 1
	}
	uniformData := packUniform(opts.HiddenSize, opts.NumTokens, opts.Eps, hasResidualFlag)

	outElements := uint64(opts.HiddenSize) * uint64(opts.NumTokens)
	outBuf, _, err := e.resolveOutputBuffer(opts.OutputBuffer, 0, outElements, 4)
	if err != nil {
		return rmsnormPlan{}, err
	}

	return rmsnormPlan{
		variant:     variant,
		uniformData: uniformData,
		outBuf:      outBuf,
		outSize:     outElements * 4,
		hasResidual: hasResidual,
	}, nil
}

func rmsnormEntries(x Ref, residual gpucore.BufferID, plan rmsnormPlan, uniform gpucore.BufferID) []gpucore.BindGroupEntry {
	residualSize := x.Size
	if !plan.hasResidual {
		residualSize = 4
	}
	return []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: x.ID, Offset: 0, Size: x.Size},
		{Binding: 1, Buffer: residual, Offset: 0, Size: residualSize},
		{Binding: 2, Buffer: plan.outBuf, Offset: 0, Size: plan.outSize},
		{Binding: 3, Buffer: uniform, Offset: 0, Size: uint64(len(plan.uniformData))},
	}
}

// RMSNorm applies root-mean-square normalization, one workgroup per row.
func (e *Engine) RMSNorm(ctx context.Context, x Ref, opts RMSNormOptions) (gpucore.BufferID, error) {
	plan, err := e.planRMSNorm(opts)
	if err != nil {
		return gpucore.InvalidID, err
	}

	uniform, err := e.createUniformBuffer(plan.uniformData, "rmsnorm_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	residualBuf := opts.Residual
	destroyDummy := false
	if !plan.hasResidual {
		residualBuf, err = e.dummyStorageBuffer()
		if err != nil {
			return gpucore.InvalidID, err
		}
		destroyDummy = true
	}

	err = e.dispatchOnce(ctx, opRMSNorm, plan.variant, rmsnormEntries(x, residualBuf, plan, uniform), uniform, opts.NumTokens, 1, "rmsnorm")
	if destroyDummy {
		e.adapter().DestroyBuffer(residualBuf)
	}
	if err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(plan.outBuf, dtype.F32)
	return plan.outBuf, nil
}

// RecordRMSNorm mirrors RMSNorm on the batched path; the dummy residual
// buffer (when needed) joins the recorder's owned set and is destroyed
// on Submit rather than immediately.
func (e *Engine) RecordRMSNorm(rec *Recorder, x Ref, opts RMSNormOptions) (gpucore.BufferID, error) {
	plan, err := e.planRMSNorm(opts)
	if err != nil {
		return gpucore.InvalidID, err
	}

	uniform, err := rec.createUniformBuffer(plan.uniformData, "rmsnorm_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	residualBuf := opts.Residual
	if !plan.hasResidual {
		residualBuf, err = e.dummyStorageBuffer()
		if err != nil {
			return gpucore.InvalidID, err
		}
		rec.own(residualBuf)
	}

	if err := rec.recordDispatch(opRMSNorm, plan.variant, rmsnormEntries(x, residualBuf, plan, uniform), opts.NumTokens, 1); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(plan.outBuf, dtype.F32)
	return plan.outBuf, nil
}

// SoftmaxOptions carries softmax-specific options.
type SoftmaxOptions struct {
	InnerSize    uint32
	OuterSize    uint32
	Temperature  float32
	OutputBuffer gpucore.BufferID
}

// Softmax normalizes each row into a probability distribution, one
// workgroup per row.
func (e *Engine) Softmax(ctx context.Context, x Ref, opts SoftmaxOptions) (gpucore.BufferID, error) {
	if err := validatePositive(opSoftmax, "innerSize", opts.InnerSize); err != nil {
		return gpucore.InvalidID, err
	}
	if err := validatePositive(opSoftmax, "outerSize", opts.OuterSize); err != nil {
		return gpucore.InvalidID, err
	}

	variant := "default"
	switch {
	case opts.InnerSize <= 256:
		variant = "small"
	case opts.InnerSize > 1024:
		variant = "online"
	}

	uniformData := packUniform(opts.InnerSize, opts.OuterSize, opts.Temperature, uint32(0))

	outBuf, _, err := e.resolveOutputBuffer(opts.OutputBuffer, 0, uint64(opts.InnerSize)*uint64(opts.OuterSize), 4)
	if err != nil {
		return gpucore.InvalidID, err
	}
	uniform, err := e.createUniformBuffer(uniformData, "softmax_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: x.ID, Offset: 0, Size: x.Size},
		{Binding: 1, Buffer: outBuf, Offset: 0, Size: uint64(opts.InnerSize) * uint64(opts.OuterSize) * 4},
		{Binding: 2, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}

	if err := e.dispatchOnce(ctx, opSoftmax, variant, entries, uniform, opts.OuterSize, 1, "softmax"); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(outBuf, dtype.F32)
	return outBuf, nil
}

// RoPEVariant enumerates the rotary-embedding kernel variants.
type RoPEVariant string

const (
	RoPEDefault      RoPEVariant = "default"
	RoPENTK          RoPEVariant = "ntk"
	RoPEYaRN         RoPEVariant = "yarn"
	RoPEQK           RoPEVariant = "qk"
	RoPEComputeFreqs RoPEVariant = "compute_freqs"
)

// RoPEOptions carries RoPE-specific options.
type RoPEOptions struct {
	SeqLen    uint32
	NumHeads  uint32
	HeadDim   uint32
	StartPos  uint32
	RopeBase  float32
	RopeScale float32
	Variant   RoPEVariant // empty means RoPEDefault
	K         gpucore.BufferID // only used for the qk variant
}

// RoPE applies rotary position embedding in place over
// [seqLen, numHeads, headDim].
func (e *Engine) RoPE(ctx context.Context, q Ref, opts RoPEOptions) error {
	if err := validatePositive(opRoPE, "seqLen", opts.SeqLen); err != nil {
		return err
	}
	if err := validatePositive(opRoPE, "numHeads", opts.NumHeads); err != nil {
		return err
	}
	if err := validatePositive(opRoPE, "headDim", opts.HeadDim); err != nil {
		return err
	}

	variant := opts.Variant
	if variant == "" {
		variant = RoPEDefault
	}

	uniformData := packUniform(opts.SeqLen, opts.NumHeads, opts.HeadDim, opts.StartPos, opts.RopeBase, opts.RopeScale, uint32(0), uint32(0))
	uniform, err := e.createUniformBuffer(uniformData, "rope_uniform")
	if err != nil {
		return err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: q.ID, Offset: 0, Size: q.Size},
		{Binding: 1, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}
	if variant == RoPEQK {
		entries = append(entries, gpucore.BindGroupEntry{Binding: 2, Buffer: opts.K, Offset: 0, Size: q.Size})
	}

	workgroups := opts.SeqLen * opts.NumHeads
	return e.dispatchOnce(ctx, opRoPE, string(variant), entries, uniform, workgroups, 1, "rope")
}

// ActivationOptions carries SiLU/GeLU/GeGLU/SwiGLU options.
type ActivationOptions struct {
	Size         uint32
	Gate         gpucore.BufferID // InvalidID means ungated
	UseVec4      bool
	OutputBuffer gpucore.BufferID
}

// activation applies a per-element activation, optionally gated by a
// second buffer bound at binding 3. The bind group only includes
// binding 3 for the gated entry points because bind layouts are derived
// per entry point.
func (e *Engine) activation(ctx context.Context, operation string, x Ref, opts ActivationOptions) (gpucore.BufferID, error) {
	if err := validatePositive(operation, "size", opts.Size); err != nil {
		return gpucore.InvalidID, err
	}

	gated := opts.Gate != gpucore.InvalidID
	variant := "plain"
	if gated {
		variant = "gated"
		if opts.UseVec4 {
			variant = "gated_vec4"
		}
	} else if opts.UseVec4 {
		variant = "vec4"
	}

	// outputElements equals size with or without a gate; see DESIGN.md
	// for why the gated case is deliberately not size/2.
	outputElements := opts.Size

	uniformData := packUniform(opts.Size, uint32(0))
	outBuf, _, err := e.resolveOutputBuffer(opts.OutputBuffer, 0, uint64(outputElements), 4)
	if err != nil {
		return gpucore.InvalidID, err
	}
	uniform, err := e.createUniformBuffer(uniformData, operation+"_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: x.ID, Offset: 0, Size: x.Size},
		{Binding: 1, Buffer: outBuf, Offset: 0, Size: uint64(outputElements) * 4},
		{Binding: 2, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}
	if gated {
		entries = append(entries, gpucore.BindGroupEntry{Binding: 3, Buffer: opts.Gate, Offset: 0, Size: x.Size})
	}

	limits := e.Registry.Limits()
	wgX, wgY := dispatch1D(opts.Size, 256, limits.MaxComputeWorkgroupsPerDimension)
	if err := e.dispatchOnce(ctx, operation, variant, entries, uniform, wgX, wgY, operation); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(outBuf, dtype.F32)
	return outBuf, nil
}

// SiLU applies the sigmoid-weighted linear unit, optionally gated
// (SwiGLU when gated).
func (e *Engine) SiLU(ctx context.Context, x Ref, opts ActivationOptions) (gpucore.BufferID, error) {
	return e.activation(ctx, opSiLU, x, opts)
}

// GeLU applies the Gaussian error linear unit, optionally gated
// (GeGLU when gated).
func (e *Engine) GeLU(ctx context.Context, x Ref, opts ActivationOptions) (gpucore.BufferID, error) {
	return e.activation(ctx, opGeLU, x, opts)
}

// RowSplitOptions carries the fused row-split gated activations' shape.
// The input holds [numRows, 2*hiddenSize] rows of (value half, gate
// half); the output is [numRows, hiddenSize].
type RowSplitOptions struct {
	NumRows      uint32
	HiddenSize   uint32
	OutputBuffer gpucore.BufferID
}

func (e *Engine) rowSplitActivation(ctx context.Context, operation, variant string, x Ref, bias gpucore.BufferID, opts RowSplitOptions) (gpucore.BufferID, error) {
	if err := validatePositive(operation, "numRows", opts.NumRows); err != nil {
		return gpucore.InvalidID, err
	}
	if err := validatePositive(operation, "hiddenSize", opts.HiddenSize); err != nil {
		return gpucore.InvalidID, err
	}

	outElements := uint64(opts.NumRows) * uint64(opts.HiddenSize)
	uniformData := packUniform(opts.HiddenSize, opts.NumRows)
	outBuf, _, err := e.resolveOutputBuffer(opts.OutputBuffer, 0, outElements, 4)
	if err != nil {
		return gpucore.InvalidID, err
	}
	uniform, err := e.createUniformBuffer(uniformData, operation+"_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: x.ID, Offset: 0, Size: x.Size},
		{Binding: 1, Buffer: outBuf, Offset: 0, Size: outElements * 4},
		{Binding: 2, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}
	if bias != gpucore.InvalidID {
		entries = append(entries, gpucore.BindGroupEntry{Binding: 3, Buffer: bias, Offset: 0, Size: uint64(opts.HiddenSize) * 2 * 4})
	}

	limits := e.Registry.Limits()
	wgX, wgY := dispatch1D(uint32(outElements), 256, limits.MaxComputeWorkgroupsPerDimension)
	if err := e.dispatchOnce(ctx, operation, variant, entries, uniform, wgX, wgY, operation); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(outBuf, dtype.F32)
	return outBuf, nil
}

// GeGLU applies the GeLU-gated linear unit over rows that pack value and
// gate halves side by side.
func (e *Engine) GeGLU(ctx context.Context, x Ref, opts RowSplitOptions) (gpucore.BufferID, error) {
	return e.rowSplitActivation(ctx, opGeGLU, "rowsplit", x, gpucore.InvalidID, opts)
}

// SwiGLU applies the SiLU-gated linear unit with a fused per-row split
// and bias add; bias holds 2*hiddenSize elements covering both halves.
func (e *Engine) SwiGLU(ctx context.Context, x Ref, bias Ref, opts RowSplitOptions) (gpucore.BufferID, error) {
	return e.rowSplitActivation(ctx, opSwiGLU, "rowsplit_bias", x, bias.ID, opts)
}

// ResidualAdd adds b into a per-element.
func (e *Engine) ResidualAdd(ctx context.Context, a, b Ref, size uint32) error {
	if err := validatePositive(opResidual, "size", size); err != nil {
		return err
	}
	uniformData := packUniform(size, uint32(0))
	uniform, err := e.createUniformBuffer(uniformData, "residual_uniform")
	if err != nil {
		return err
	}
	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: a.ID, Offset: 0, Size: a.Size},
		{Binding: 1, Buffer: b.ID, Offset: 0, Size: b.Size},
		{Binding: 2, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}
	limits := e.Registry.Limits()
	wgX, wgY := dispatch1D(size, 256, limits.MaxComputeWorkgroupsPerDimension)
	return e.dispatchOnce(ctx, opResidual, "default", entries, uniform, wgX, wgY, "residual_add")
}

// RecordResidualAdd mirrors ResidualAdd on the batched path.
func (e *Engine) RecordResidualAdd(rec *Recorder, a, b Ref, size uint32) error {
	if err := validatePositive(opResidual, "size", size); err != nil {
		return err
	}
	uniformData := packUniform(size, uint32(0))
	uniform, err := rec.createUniformBuffer(uniformData, "residual_uniform")
	if err != nil {
		return err
	}
	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: a.ID, Offset: 0, Size: a.Size},
		{Binding: 1, Buffer: b.ID, Offset: 0, Size: b.Size},
		{Binding: 2, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}
	limits := e.Registry.Limits()
	wgX, wgY := dispatch1D(size, 256, limits.MaxComputeWorkgroupsPerDimension)
	return rec.recordDispatch(opResidual, "default", entries, wgX, wgY)
}

// BiasAdd adds bias into x in place; x's offset must be 256-aligned.
func (e *Engine) BiasAdd(ctx context.Context, x Ref, bias Ref, size uint32) error {
	if err := validatePositive(opBiasAdd, "size", size); err != nil {
		return err
	}
	if err := validateOffset(opBiasAdd, "xOffset", x.Offset); err != nil {
		return err
	}
	uniformData := packUniform(size, uint32(0))
	uniform, err := e.createUniformBuffer(uniformData, "bias_add_uniform")
	if err != nil {
		return err
	}
	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: x.ID, Offset: x.Offset, Size: x.Size - x.Offset},
		{Binding: 1, Buffer: bias.ID, Offset: 0, Size: bias.Size},
		{Binding: 2, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}
	limits := e.Registry.Limits()
	wgX, wgY := dispatch1D(size, 256, limits.MaxComputeWorkgroupsPerDimension)
	return e.dispatchOnce(ctx, opBiasAdd, "default", entries, uniform, wgX, wgY, "bias_add")
}

// GatherOptions carries embedding-lookup options.
type GatherOptions struct {
	HiddenSize   uint32
	NumTokens    uint32
	OutputBuffer gpucore.BufferID
}

// Gather performs an embedding lookup, vectorized when hiddenSize%4==0.
// It dispatches one workgroup per token, which copies that token's whole
// row; it does not use one thread per (token, hidden position) element.
func (e *Engine) Gather(ctx context.Context, table, indices Ref, opts GatherOptions) (gpucore.BufferID, error) {
	if err := validatePositive(opGather, "hiddenSize", opts.HiddenSize); err != nil {
		return gpucore.InvalidID, err
	}
	if err := validatePositive(opGather, "numTokens", opts.NumTokens); err != nil {
		return gpucore.InvalidID, err
	}

	variant := "default"
	if opts.HiddenSize%4 == 0 {
		variant = "vec4"
	}

	uniformData := packUniform(opts.HiddenSize, opts.NumTokens)
	outBuf, _, err := e.resolveOutputBuffer(opts.OutputBuffer, 0, uint64(opts.HiddenSize)*uint64(opts.NumTokens), 4)
	if err != nil {
		return gpucore.InvalidID, err
	}
	uniform, err := e.createUniformBuffer(uniformData, "gather_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: table.ID, Offset: 0, Size: table.Size},
		{Binding: 1, Buffer: indices.ID, Offset: 0, Size: indices.Size},
		{Binding: 2, Buffer: outBuf, Offset: 0, Size: uint64(opts.HiddenSize) * uint64(opts.NumTokens) * 4},
		{Binding: 3, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}

	if err := e.dispatchOnce(ctx, opGather, variant, entries, uniform, opts.NumTokens, 1, "gather"); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(outBuf, dtype.F32)
	return outBuf, nil
}

// DequantQ4KOptions carries Q4_K block-dequantization options.
type DequantQ4KOptions struct {
	NumBlocks    uint32
	UseVec4      bool
	OutputDtype  dtype.Type
	OutputBuffer gpucore.BufferID
}

// q4kVariant selects the Q4_K dequantization variant: subgroup family
// when subgroups are available, else the shared equivalents, with
// _f16out and _vec4 qualifiers applied in that order.
func q4kVariant(hasSubgroups, outHalf, useVec4 bool) string {
	variant := "shared"
	if hasSubgroups {
		variant = "subgroup"
	}
	if outHalf {
		variant += "_f16out"
	}
	if useVec4 {
		variant += "_vec4"
	}
	return variant
}

// DequantizeQ4K expands Q4_K-quantized blocks into 256 output elements
// per block.
func (e *Engine) DequantizeQ4K(ctx context.Context, packed Ref, opts DequantQ4KOptions) (gpucore.BufferID, error) {
	if err := validatePositive(opDequantQ4K, "numBlocks", opts.NumBlocks); err != nil {
		return gpucore.InvalidID, err
	}

	caps := e.Registry.Capabilities()
	outHalf := opts.OutputDtype == dtype.F16 && caps.HasF16
	variant := q4kVariant(caps.HasSubgroups, outHalf, opts.UseVec4)

	outDtype := dtype.F32
	if outHalf {
		outDtype = dtype.F16
	}

	uniformData := packUniform(opts.NumBlocks, uint32(0))
	outBuf, _, err := e.resolveOutputBuffer(opts.OutputBuffer, 0, uint64(opts.NumBlocks)*256, outDtype.BytesPerElement())
	if err != nil {
		return gpucore.InvalidID, err
	}
	uniform, err := e.createUniformBuffer(uniformData, "dequant_q4k_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: packed.ID, Offset: 0, Size: packed.Size},
		{Binding: 1, Buffer: outBuf, Offset: 0, Size: uint64(opts.NumBlocks) * 256 * uint64(outDtype.BytesPerElement())},
		{Binding: 2, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}

	// Dispatch: one workgroup per block for the shared and vec4 variants;
	// ceil(numBlocks*256/64) for the subgroup non-vec4 variants, which
	// assign one thread per output element.
	var workgroups uint32
	if strings.HasPrefix(variant, "subgroup") && !opts.UseVec4 {
		workgroups = ceilDiv(opts.NumBlocks*256, 64)
	} else {
		workgroups = opts.NumBlocks
	}

	if err := e.dispatchOnce(ctx, opDequantQ4K, variant, entries, uniform, workgroups, 1, "dequant_q4k"); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(outBuf, outDtype)
	return outBuf, nil
}

// DequantMXFP4Options carries MXFP4 dequantization options.
type DequantMXFP4Options struct {
	NumElements  uint32
	UseVec4      bool
	ExpertIndex  int // negative means full-tensor mode
	NumExperts   uint32
	OutDim       uint32
	NumGroups    uint32
	OutputBuffer gpucore.BufferID
}

// DequantizeMXFP4 expands MXFP4-quantized values, either as a full
// tensor or a single expert's slice extracted from a packed
// [num_experts, out_dim, num_groups, 16] tensor.
func (e *Engine) DequantizeMXFP4(ctx context.Context, packed Ref, opts DequantMXFP4Options) (gpucore.BufferID, error) {
	if err := validatePositive(opDequantMX, "numElements", opts.NumElements); err != nil {
		return gpucore.InvalidID, err
	}

	variant := "mxfp4"
	if opts.ExpertIndex >= 0 {
		variant = "mxfp4_expert"
	} else if opts.UseVec4 {
		variant = "mxfp4_vec4"
	}

	var uniformData []byte
	if variant == "mxfp4_expert" {
		uniformData = packUniform(uint32(opts.ExpertIndex), opts.NumExperts, opts.OutDim, opts.NumGroups)
	} else {
		uniformData = packUniform(opts.NumElements, uint32(0))
	}

	outBuf, _, err := e.resolveOutputBuffer(opts.OutputBuffer, 0, uint64(opts.NumElements), 4)
	if err != nil {
		return gpucore.InvalidID, err
	}
	uniform, err := e.createUniformBuffer(uniformData, "dequant_mxfp4_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: packed.ID, Offset: 0, Size: packed.Size},
		{Binding: 1, Buffer: outBuf, Offset: 0, Size: uint64(opts.NumElements) * 4},
		{Binding: 2, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}

	limits := e.Registry.Limits()
	wgX, wgY := dispatch1D(opts.NumElements, 256, limits.MaxComputeWorkgroupsPerDimension)
	if err := e.dispatchOnce(ctx, opDequantMX, variant, entries, uniform, wgX, wgY, "dequant_mxfp4"); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(outBuf, dtype.F32)
	return outBuf, nil
}
