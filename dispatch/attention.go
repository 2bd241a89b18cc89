package dispatch

import (
	"context"
	"math"

	"github.com/gogpu/doppler/dtype"
	"github.com/gogpu/doppler/gpucore"
)

const opAttention = "attention"

// attentionRequiredSmallShared is the shared-memory requirement (bytes)
// the tiled_small tier assumes for tier selection. The canonical shader
// set hardcodes this tile geometry, so it is a contract, not a free
// parameter.
const attentionRequiredSmallShared = 32 * 1024

// attentionLargeShared is the shared-memory threshold for tiled_large.
const attentionLargeShared = 49152

// AttentionOptions carries the attention-specific operator options.
type AttentionOptions struct {
	NumHeads     uint32
	NumKVHeads   uint32
	HeadDim      uint32
	SeqLen       uint32
	KVLen        uint32
	Scale        float32 // zero means default 1/sqrt(headDim)
	Causal       bool
	StartPos     uint32
	OutputBuffer gpucore.BufferID
	OutputDtype  dtype.Type
}

// attentionTier selects the attention tier from the head dimension and
// available shared memory. warn reports whether the caller should be
// warned about a forced fallback.
func attentionTier(headDim uint32, sharedLimit uint32, seqLen uint32) (tier string, warn bool) {
	if headDim <= 64 && sharedLimit >= attentionLargeShared {
		return "tiled_large", false
	}
	if headDim <= 256 && sharedLimit >= attentionRequiredSmallShared {
		return "tiled_small", false
	}
	if seqLen == 1 {
		return "streaming", false
	}
	return "streaming", true
}

// attentionPlan holds everything steps 1-7 resolve, shared by the
// immediate and recorded paths.
type attentionPlan struct {
	variant     string
	uniformData []byte
	workgroups  uint32
	outBuf      gpucore.BufferID
	outDtype    dtype.Type
	outSize     uint64
}

func (e *Engine) planAttention(k Ref, opts AttentionOptions) (attentionPlan, error) {
	// 1. Validate inputs.
	for _, d := range []struct {
		name string
		v    uint32
	}{{"numHeads", opts.NumHeads}, {"numKVHeads", opts.NumKVHeads}, {"headDim", opts.HeadDim}, {"seqLen", opts.SeqLen}, {"kvLen", opts.KVLen}} {
		if err := validatePositive(opAttention, d.name, d.v); err != nil {
			return attentionPlan{}, err
		}
	}

	limits := e.Registry.Limits()

	// Pre-dispatch validation specific to attention.
	if uint64(opts.SeqLen)*uint64(opts.NumHeads) > uint64(limits.MaxComputeWorkgroupsPerDimension) {
		return attentionPlan{}, &LimitError{Operation: opAttention, Detail: "seqLen * numHeads exceeds max workgroups per dimension", Hint: "reduce sequence length or batch size"}
	}
	if uint64(opts.SeqLen)*uint64(opts.NumHeads)*uint64(opts.HeadDim)*4 > limits.MaxStorageBufferBindingSize {
		return attentionPlan{}, &LimitError{Operation: opAttention, Detail: "seqLen * numHeads * headDim * 4 exceeds max storage binding size", Hint: "reduce sequence length or use streaming attention"}
	}

	scale := opts.Scale
	if scale == 0 {
		scale = float32(1.0 / math.Sqrt(float64(opts.HeadDim)))
	}

	// 3. Tier selection. A forced fallback is logged, not fatal; a decode
	// with seqLen==1 always has a viable path (streaming).
	sharedLimit := uint32(limits.MaxComputeWorkgroupStorageSize)
	tier, warn := attentionTier(opts.HeadDim, sharedLimit, opts.SeqLen)
	if warn {
		logger.Warn("attention: forced streaming fallback", "seqLen", opts.SeqLen, "headDim", opts.HeadDim, "sharedLimit", sharedLimit)
	}

	kvType := e.resolveDtype(k.ID)
	variant := tier
	caps := e.Registry.Capabilities()
	if kvType == dtype.F16 && caps.HasF16 {
		variant = tier + "_f16kv"
	}

	causalFlag := uint32(0)
	if opts.Causal {
		causalFlag = 1
	}

	// 5. Encode uniforms (32 bytes): numHeads, numKVHeads, headDim, kvLen,
	// seqLen (u32), scale (f32), causal, startPos (u32).
	uniformData := packUniform(opts.NumHeads, opts.NumKVHeads, opts.HeadDim, opts.KVLen, opts.SeqLen, scale, causalFlag, opts.StartPos)

	// 7. Dispatch counts per tier.
	var workgroups uint32
	switch tier {
	case "tiled_large":
		workgroups = ceilDiv(opts.SeqLen, 64) * opts.NumHeads
	case "tiled_small":
		workgroups = ceilDiv(opts.SeqLen, 32) * opts.NumHeads
	default: // streaming
		workgroups = opts.SeqLen * opts.NumHeads
	}
	if workgroups > limits.MaxComputeWorkgroupsPerDimension {
		return attentionPlan{}, &LimitError{Operation: opAttention, Detail: "attention dispatch exceeds max workgroups per dimension", Hint: "reduce seqLen or numHeads"}
	}

	outDtype := dtype.F32
	if opts.OutputDtype != 0 {
		outDtype = opts.OutputDtype
	}
	outElements := uint64(opts.SeqLen) * uint64(opts.NumHeads) * uint64(opts.HeadDim)
	outBuf, _, err := e.resolveOutputBuffer(opts.OutputBuffer, 0, outElements, outDtype.BytesPerElement())
	if err != nil {
		return attentionPlan{}, err
	}

	return attentionPlan{
		variant:     variant,
		uniformData: uniformData,
		workgroups:  workgroups,
		outBuf:      outBuf,
		outDtype:    outDtype,
		outSize:     outElements * uint64(outDtype.BytesPerElement()),
	}, nil
}

func attentionEntries(q, k, v Ref, plan attentionPlan, uniform gpucore.BufferID) []gpucore.BindGroupEntry {
	return []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: q.ID, Offset: 0, Size: q.Size},
		{Binding: 1, Buffer: k.ID, Offset: 0, Size: k.Size},
		{Binding: 2, Buffer: v.ID, Offset: 0, Size: v.Size},
		{Binding: 3, Buffer: plan.outBuf, Offset: 0, Size: plan.outSize},
		{Binding: 4, Buffer: uniform, Offset: 0, Size: uint64(len(plan.uniformData))},
	}
}

// Attention computes scaled dot-product (multi-head, optionally grouped
// KV, optionally causal) attention following the nine-step dispatch
// protocol.
func (e *Engine) Attention(ctx context.Context, q, k, v Ref, opts AttentionOptions) (gpucore.BufferID, error) {
	plan, err := e.planAttention(k, opts)
	if err != nil {
		return gpucore.InvalidID, err
	}

	uniform, err := e.createUniformBuffer(plan.uniformData, "attention_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	if err := e.dispatchOnce(ctx, opAttention, plan.variant, attentionEntries(q, k, v, plan, uniform), uniform, plan.workgroups, 1, "attention"); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(plan.outBuf, plan.outDtype)
	return plan.outBuf, nil
}

// RecordAttention mirrors Attention but appends its compute pass to rec
// instead of submitting, registering the uniform buffer with rec for
// cleanup on Submit.
func (e *Engine) RecordAttention(rec *Recorder, q, k, v Ref, opts AttentionOptions) (gpucore.BufferID, error) {
	plan, err := e.planAttention(k, opts)
	if err != nil {
		return gpucore.InvalidID, err
	}

	uniform, err := rec.createUniformBuffer(plan.uniformData, "attention_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	if err := rec.recordDispatch(opAttention, plan.variant, attentionEntries(q, k, v, plan, uniform), plan.workgroups, 1); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(plan.outBuf, plan.outDtype)
	return plan.outBuf, nil
}
