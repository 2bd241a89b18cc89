package dispatch

import (
	"context"

	"github.com/gogpu/doppler/dtype"
	"github.com/gogpu/doppler/gpucore"
)

const (
	opTopK        = "topk"
	opSoftmaxTopK = "softmax_topk"
	opMoEGather   = "moe_gather"
	opScatterAdd  = "scatter_add"
)

// TopKOptions carries MoE router top-k options.
type TopKOptions struct {
	NumTokens     uint32
	NumExperts    uint32
	K             uint32
	Normalize     bool
	IndicesBuffer gpucore.BufferID
	WeightsBuffer gpucore.BufferID
}

// TopK selects the top-k experts per token, producing indices[tokens,k]
// and weights[tokens,k].
func (e *Engine) TopK(ctx context.Context, logits Ref, opts TopKOptions) (indices, weights gpucore.BufferID, err error) {
	return e.topKImpl(ctx, opTopK, logits, opts)
}

// SoftmaxTopK fuses the softmax normalization with top-k selection,
// avoiding the materialized probability tensor. It dispatches one thread
// per token, the same as TopK; it does not use one workgroup per token.
func (e *Engine) SoftmaxTopK(ctx context.Context, logits Ref, opts TopKOptions) (indices, weights gpucore.BufferID, err error) {
	return e.topKImpl(ctx, opSoftmaxTopK, logits, opts)
}

func (e *Engine) topKImpl(ctx context.Context, operation string, logits Ref, opts TopKOptions) (gpucore.BufferID, gpucore.BufferID, error) {
	if err := validatePositive(operation, "numTokens", opts.NumTokens); err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, err
	}
	if err := validatePositive(operation, "numExperts", opts.NumExperts); err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, err
	}
	if err := validatePositive(operation, "k", opts.K); err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, err
	}

	variant := "default"
	if opts.K == 2 && opts.NumExperts <= 8 {
		variant = "topk_2_small"
	}

	normalizeFlag := uint32(0)
	if opts.Normalize {
		normalizeFlag = 1
	}
	uniformData := packUniform(opts.NumTokens, opts.NumExperts, opts.K, normalizeFlag)

	indices, _, err := e.resolveOutputBuffer(opts.IndicesBuffer, 0, uint64(opts.NumTokens)*uint64(opts.K), 4)
	if err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, err
	}
	weights, _, err := e.resolveOutputBuffer(opts.WeightsBuffer, 0, uint64(opts.NumTokens)*uint64(opts.K), 4)
	if err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, err
	}

	uniform, err := e.createUniformBuffer(uniformData, operation+"_uniform")
	if err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: logits.ID, Offset: 0, Size: logits.Size},
		{Binding: 1, Buffer: indices, Offset: 0, Size: uint64(opts.NumTokens) * uint64(opts.K) * 4},
		{Binding: 2, Buffer: weights, Offset: 0, Size: uint64(opts.NumTokens) * uint64(opts.K) * 4},
		{Binding: 3, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}

	limits := e.Registry.Limits()
	wgX, wgY := dispatch1D(opts.NumTokens, 256, limits.MaxComputeWorkgroupsPerDimension)
	if err := e.dispatchOnce(ctx, operation, variant, entries, uniform, wgX, wgY, operation); err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(indices, dtype.U32)
	e.Dtypes.SetDtype(weights, dtype.F32)
	return indices, weights, nil
}

// MoEGatherOptions carries the two-phase MoE gather options. This
// engine always takes the two-phase path; see DESIGN.md for why no
// single-pass entry point is wired.
type MoEGatherOptions struct {
	NumTokens      uint32
	HiddenSize     uint32
	NumExperts     uint32
	TopK           uint32
	MaxTokensPerExpert uint32
}

// MoEGather runs the two-phase expert-grouping gather: count_and_map
// builds per-expert token assignments, gather_tokens copies hidden
// states into expert-grouped layout [numExperts, maxPerExpert,
// hiddenSize].
func (e *Engine) MoEGather(ctx context.Context, hidden, indices Ref, opts MoEGatherOptions) (gathered, tokenCounts, tokenMap gpucore.BufferID, err error) {
	if err := validatePositive(opMoEGather, "numTokens", opts.NumTokens); err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID, err
	}
	if err := validatePositive(opMoEGather, "hiddenSize", opts.HiddenSize); err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID, err
	}
	if err := validatePositive(opMoEGather, "numExperts", opts.NumExperts); err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID, err
	}
	maxPerExpert := opts.MaxTokensPerExpert
	if maxPerExpert == 0 {
		maxPerExpert = opts.NumTokens
	}

	uniformData := packUniform(opts.NumTokens, opts.HiddenSize, opts.NumExperts, opts.TopK, maxPerExpert, uint32(0))

	tokenCounts, err = e.adapter().CreateBuffer(int(opts.NumExperts)*4, gpucore.BufferUsageStorage|gpucore.BufferUsageCopySrc|gpucore.BufferUsageCopyDst)
	if err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID, err
	}
	tokenMap, err = e.adapter().CreateBuffer(int(opts.NumExperts)*int(maxPerExpert)*2*4, gpucore.BufferUsageStorage|gpucore.BufferUsageCopySrc|gpucore.BufferUsageCopyDst)
	if err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID, err
	}

	uniform1, err := e.createUniformBuffer(uniformData, "moe_count_and_map_uniform")
	if err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID, err
	}

	// Phase 1: count_and_map — atomically build tokenCounts and tokenMap.
	countEntries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: indices.ID, Offset: 0, Size: indices.Size},
		{Binding: 1, Buffer: tokenCounts, Offset: 0, Size: uint64(opts.NumExperts) * 4},
		{Binding: 2, Buffer: tokenMap, Offset: 0, Size: uint64(opts.NumExperts) * uint64(maxPerExpert) * 2 * 4},
		{Binding: 3, Buffer: uniform1, Offset: 0, Size: uint64(len(uniformData))},
	}
	limits := e.Registry.Limits()
	countX, countY := dispatch1D(opts.NumTokens*opts.TopK, 256, limits.MaxComputeWorkgroupsPerDimension)
	if err := e.dispatchOnce(ctx, opMoEGather, "count_and_map", countEntries, uniform1, countX, countY, "moe_count_and_map"); err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID, err
	}

	// Phase 2: gather_tokens (or _vec4 when hiddenSize%4==0). Inputs and
	// outputs live in the same bind group for both passes, but each pass
	// constructs its own bind group because the pipelines are separate
	// and auto-layouts aren't guaranteed compatible.
	variant := "gather_tokens"
	if opts.HiddenSize%4 == 0 {
		variant = "gather_tokens_vec4"
	}

	gathered, err = e.adapter().CreateBuffer(int(opts.NumExperts)*int(maxPerExpert)*int(opts.HiddenSize)*4, gpucore.BufferUsageStorage|gpucore.BufferUsageCopySrc|gpucore.BufferUsageCopyDst)
	if err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID, err
	}

	uniform2, err := e.createUniformBuffer(uniformData, "moe_gather_tokens_uniform")
	if err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID, err
	}

	gatherEntries := []gpucore.BindGroupEntry{
		{Binding: 4, Buffer: hidden.ID, Offset: 0, Size: hidden.Size},
		{Binding: 5, Buffer: tokenMap, Offset: 0, Size: uint64(opts.NumExperts) * uint64(maxPerExpert) * 2 * 4},
		{Binding: 6, Buffer: gathered, Offset: 0, Size: uint64(opts.NumExperts) * uint64(maxPerExpert) * uint64(opts.HiddenSize) * 4},
		{Binding: 7, Buffer: uniform2, Offset: 0, Size: uint64(len(uniformData))},
	}
	divisor := uint32(1)
	if variant == "gather_tokens_vec4" {
		divisor = 4
	}
	elementWork := opts.NumExperts * maxPerExpert * opts.HiddenSize / divisor
	gatherX, gatherY := dispatch1D(elementWork, 64, limits.MaxComputeWorkgroupsPerDimension)
	if err := e.dispatchOnce(ctx, opMoEGather, variant, gatherEntries, uniform2, gatherX, gatherY, "moe_gather_tokens"); err != nil {
		return gpucore.InvalidID, gpucore.InvalidID, gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(gathered, dtype.F32)
	return gathered, tokenCounts, tokenMap, nil
}

// ScatterAddOptions carries the reverse-of-gather options.
type ScatterAddOptions struct {
	NumTokens          uint32
	HiddenSize         uint32
	NumExperts         uint32
	MaxTokensPerExpert uint32
	Accumulate         bool
	TokenOffsets       gpucore.BufferID // InvalidID unless Dynamic
	OutputBuffer       gpucore.BufferID
}

// ScatterAdd combines expert outputs back into token order, the reverse
// of MoEGather.
func (e *Engine) ScatterAdd(ctx context.Context, expertOut, tokenMap Ref, opts ScatterAddOptions) (gpucore.BufferID, error) {
	if err := validatePositive(opScatterAdd, "numTokens", opts.NumTokens); err != nil {
		return gpucore.InvalidID, err
	}
	if err := validatePositive(opScatterAdd, "hiddenSize", opts.HiddenSize); err != nil {
		return gpucore.InvalidID, err
	}

	dynamic := opts.TokenOffsets != gpucore.InvalidID
	variant := "default"
	switch {
	case dynamic:
		variant = "dynamic"
	case opts.Accumulate:
		variant = "accumulate"
	case opts.HiddenSize%4 == 0:
		variant = "vec4"
	}

	accumulateFlag := uint32(0)
	if opts.Accumulate {
		accumulateFlag = 1
	}
	maxPerExpert := opts.MaxTokensPerExpert
	if maxPerExpert == 0 {
		maxPerExpert = opts.NumTokens
	}
	uniformData := packUniform(opts.NumTokens, opts.HiddenSize, opts.NumExperts, maxPerExpert, accumulateFlag, uint32(0))

	outBuf, _, err := e.resolveOutputBuffer(opts.OutputBuffer, 0, uint64(opts.NumTokens)*uint64(opts.HiddenSize), 4)
	if err != nil {
		return gpucore.InvalidID, err
	}
	uniform, err := e.createUniformBuffer(uniformData, "scatter_add_uniform")
	if err != nil {
		return gpucore.InvalidID, err
	}

	entries := []gpucore.BindGroupEntry{
		{Binding: 0, Buffer: expertOut.ID, Offset: 0, Size: expertOut.Size},
		{Binding: 1, Buffer: tokenMap.ID, Offset: 0, Size: tokenMap.Size},
		{Binding: 2, Buffer: outBuf, Offset: 0, Size: uint64(opts.NumTokens) * uint64(opts.HiddenSize) * 4},
		{Binding: 3, Buffer: uniform, Offset: 0, Size: uint64(len(uniformData))},
	}
	if dynamic {
		entries = append(entries, gpucore.BindGroupEntry{Binding: 4, Buffer: opts.TokenOffsets, Offset: 0, Size: uint64(opts.NumExperts) * 4})
	}

	limits := e.Registry.Limits()
	divisor := uint32(1)
	if variant == "vec4" {
		divisor = 4
	}
	wgX, wgY := dispatch1D(opts.NumExperts*maxPerExpert*opts.HiddenSize/divisor, 256, limits.MaxComputeWorkgroupsPerDimension)
	if err := e.dispatchOnce(ctx, opScatterAdd, variant, entries, uniform, wgX, wgY, "scatter_add"); err != nil {
		return gpucore.InvalidID, err
	}

	e.Dtypes.SetDtype(outBuf, dtype.F32)
	return outBuf, nil
}
