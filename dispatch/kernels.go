package dispatch

import "github.com/gogpu/doppler/pipeline"

// Attention's pre-dispatch validation (rejecting when seqLen * numHeads
// exceeds the per-dimension workgroup limit or seqLen * numHeads *
// headDim * 4 bytes exceeds the storage binding limit) runs inline in
// planAttention against live shape arguments, not through
// KernelConfig.Validate — that hook exists for a validator that only
// needs the opaque args bundle, which attention's device-limit checks
// are not. The attention KernelConfig entries below leave Validate nil.

// RegisterKernels populates cache with every (operation, variant)
// KernelConfig the dispatch package's operators dispatch against. Callers
// invoke this once after constructing the pipeline.Cache and before the
// first operator call (or before Prewarm).
func RegisterKernels(cache *pipeline.Cache) {
	for _, cfg := range kernelConfigs {
		cache.Register(cfg)
	}
}

const (
	wgMatmulTiled = 16
	wgElementwise = 256
)

var kernelConfigs = []pipeline.KernelConfig{
	// --- matmul ---
	{Operation: opMatmul, Variant: "f32", ShaderFile: "matmul.wgsl", EntryPoint: "main_f32", WorkgroupSize: [3]uint32{wgMatmulTiled, wgMatmulTiled, 1}},
	{Operation: opMatmul, Variant: "f16", ShaderFile: "matmul.wgsl", EntryPoint: "main_f16", WorkgroupSize: [3]uint32{wgMatmulTiled, wgMatmulTiled, 1}, RequiredFeatures: []string{"shader-f16"}},
	{Operation: opMatmul, Variant: "f16_vec4", ShaderFile: "matmul.wgsl", EntryPoint: "main_f16_vec4", WorkgroupSize: [3]uint32{wgMatmulTiled, wgMatmulTiled, 1}, RequiredFeatures: []string{"shader-f16"}},
	{Operation: opMatmul, Variant: "f16w_f32a", ShaderFile: "matmul.wgsl", EntryPoint: "main_f16w_f32a", WorkgroupSize: [3]uint32{wgMatmulTiled, wgMatmulTiled, 1}, RequiredFeatures: []string{"shader-f16"}},
	{Operation: opMatmul, Variant: "f16w_f32a_naive", ShaderFile: "matmul.wgsl", EntryPoint: "main_f16w_f32a_naive", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}, RequiredFeatures: []string{"shader-f16"}},

	// --- attention ---
	{Operation: opAttention, Variant: "tiled_large", ShaderFile: "attention.wgsl", EntryPoint: "main_tiled_large", WorkgroupSize: [3]uint32{64, 1, 1}},
	{Operation: opAttention, Variant: "tiled_small", ShaderFile: "attention.wgsl", EntryPoint: "main_tiled_small", WorkgroupSize: [3]uint32{32, 1, 1}},
	{Operation: opAttention, Variant: "streaming", ShaderFile: "attention.wgsl", EntryPoint: "main_streaming", WorkgroupSize: [3]uint32{32, 1, 1}},
	{Operation: opAttention, Variant: "tiled_large_f16kv", ShaderFile: "attention.wgsl", EntryPoint: "main_tiled_large_f16kv", WorkgroupSize: [3]uint32{64, 1, 1}, RequiredFeatures: []string{"shader-f16"}},
	{Operation: opAttention, Variant: "tiled_small_f16kv", ShaderFile: "attention.wgsl", EntryPoint: "main_tiled_small_f16kv", WorkgroupSize: [3]uint32{32, 1, 1}, RequiredFeatures: []string{"shader-f16"}},
	{Operation: opAttention, Variant: "streaming_f16kv", ShaderFile: "attention.wgsl", EntryPoint: "main_streaming_f16kv", WorkgroupSize: [3]uint32{32, 1, 1}, RequiredFeatures: []string{"shader-f16"}},

	// --- rmsnorm ---
	{Operation: opRMSNorm, Variant: "default", ShaderFile: "rmsnorm.wgsl", EntryPoint: "main_default", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opRMSNorm, Variant: "small", ShaderFile: "rmsnorm.wgsl", EntryPoint: "main_small", WorkgroupSize: [3]uint32{64, 1, 1}},
	{Operation: opRMSNorm, Variant: "residual", ShaderFile: "rmsnorm.wgsl", EntryPoint: "main_residual", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},

	// --- softmax ---
	{Operation: opSoftmax, Variant: "default", ShaderFile: "softmax.wgsl", EntryPoint: "main_default", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opSoftmax, Variant: "small", ShaderFile: "softmax.wgsl", EntryPoint: "main_small", WorkgroupSize: [3]uint32{64, 1, 1}},
	{Operation: opSoftmax, Variant: "online", ShaderFile: "softmax.wgsl", EntryPoint: "main_online", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},

	// --- rope ---
	{Operation: opRoPE, Variant: "default", ShaderFile: "rope.wgsl", EntryPoint: "main_default", WorkgroupSize: [3]uint32{64, 1, 1}},
	{Operation: opRoPE, Variant: "ntk", ShaderFile: "rope.wgsl", EntryPoint: "main_ntk", WorkgroupSize: [3]uint32{64, 1, 1}},
	{Operation: opRoPE, Variant: "yarn", ShaderFile: "rope.wgsl", EntryPoint: "main_yarn", WorkgroupSize: [3]uint32{64, 1, 1}},
	{Operation: opRoPE, Variant: "qk", ShaderFile: "rope.wgsl", EntryPoint: "main_qk", WorkgroupSize: [3]uint32{64, 1, 1}},
	{Operation: opRoPE, Variant: "compute_freqs", ShaderFile: "rope.wgsl", EntryPoint: "main_compute_freqs", WorkgroupSize: [3]uint32{64, 1, 1}},

	// --- silu / gelu activation ---
	{Operation: opSiLU, Variant: "plain", ShaderFile: "activation.wgsl", EntryPoint: "silu_plain", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opSiLU, Variant: "gated", ShaderFile: "activation.wgsl", EntryPoint: "silu_gated", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opSiLU, Variant: "gated_vec4", ShaderFile: "activation.wgsl", EntryPoint: "silu_gated_vec4", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opSiLU, Variant: "vec4", ShaderFile: "activation.wgsl", EntryPoint: "silu_vec4", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opGeLU, Variant: "plain", ShaderFile: "activation.wgsl", EntryPoint: "gelu_plain", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opGeLU, Variant: "gated", ShaderFile: "activation.wgsl", EntryPoint: "gelu_gated", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opGeLU, Variant: "gated_vec4", ShaderFile: "activation.wgsl", EntryPoint: "gelu_gated_vec4", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opGeLU, Variant: "vec4", ShaderFile: "activation.wgsl", EntryPoint: "gelu_vec4", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},

	// --- row-split gated activations ---
	{Operation: opGeGLU, Variant: "rowsplit", ShaderFile: "activation.wgsl", EntryPoint: "geglu_rowsplit", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opSwiGLU, Variant: "rowsplit_bias", ShaderFile: "activation.wgsl", EntryPoint: "swiglu_rowsplit_bias", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},

	// --- residual add / bias add ---
	{Operation: opResidual, Variant: "default", ShaderFile: "residual.wgsl", EntryPoint: "main", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opBiasAdd, Variant: "default", ShaderFile: "residual.wgsl", EntryPoint: "bias_add", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},

	// --- gather ---
	{Operation: opGather, Variant: "default", ShaderFile: "gather.wgsl", EntryPoint: "main_default", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opGather, Variant: "vec4", ShaderFile: "gather.wgsl", EntryPoint: "main_vec4", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},

	// --- dequantization ---
	{Operation: opDequantQ4K, Variant: "shared", ShaderFile: "dequant_q4k.wgsl", EntryPoint: "main_shared", WorkgroupSize: [3]uint32{64, 1, 1}},
	{Operation: opDequantQ4K, Variant: "shared_vec4", ShaderFile: "dequant_q4k.wgsl", EntryPoint: "main_shared_vec4", WorkgroupSize: [3]uint32{64, 1, 1}},
	{Operation: opDequantQ4K, Variant: "shared_f16out", ShaderFile: "dequant_q4k.wgsl", EntryPoint: "main_shared_f16out", WorkgroupSize: [3]uint32{64, 1, 1}, RequiredFeatures: []string{"shader-f16"}},
	{Operation: opDequantQ4K, Variant: "shared_f16out_vec4", ShaderFile: "dequant_q4k.wgsl", EntryPoint: "main_shared_f16out_vec4", WorkgroupSize: [3]uint32{64, 1, 1}, RequiredFeatures: []string{"shader-f16"}},
	{Operation: opDequantQ4K, Variant: "subgroup", ShaderFile: "dequant_q4k.wgsl", EntryPoint: "main_subgroup", WorkgroupSize: [3]uint32{64, 1, 1}, RequiredFeatures: []string{"subgroups"}},
	{Operation: opDequantQ4K, Variant: "subgroup_vec4", ShaderFile: "dequant_q4k.wgsl", EntryPoint: "main_subgroup_vec4", WorkgroupSize: [3]uint32{64, 1, 1}, RequiredFeatures: []string{"subgroups"}},
	{Operation: opDequantQ4K, Variant: "subgroup_f16out", ShaderFile: "dequant_q4k.wgsl", EntryPoint: "main_subgroup_f16out", WorkgroupSize: [3]uint32{64, 1, 1}, RequiredFeatures: []string{"subgroups", "subgroups-f16"}},
	{Operation: opDequantQ4K, Variant: "subgroup_f16out_vec4", ShaderFile: "dequant_q4k.wgsl", EntryPoint: "main_subgroup_f16out_vec4", WorkgroupSize: [3]uint32{64, 1, 1}, RequiredFeatures: []string{"subgroups", "subgroups-f16"}},
	{Operation: opDequantMX, Variant: "mxfp4", ShaderFile: "dequant_mxfp4.wgsl", EntryPoint: "main_mxfp4", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opDequantMX, Variant: "mxfp4_expert", ShaderFile: "dequant_mxfp4.wgsl", EntryPoint: "main_mxfp4_expert", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opDequantMX, Variant: "mxfp4_vec4", ShaderFile: "dequant_mxfp4.wgsl", EntryPoint: "main_mxfp4_vec4", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},

	// --- MoE routing ---
	{Operation: opTopK, Variant: "default", ShaderFile: "moe_topk.wgsl", EntryPoint: "topk_default", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opTopK, Variant: "topk_2_small", ShaderFile: "moe_topk.wgsl", EntryPoint: "topk_2_small", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opSoftmaxTopK, Variant: "default", ShaderFile: "moe_topk.wgsl", EntryPoint: "softmax_topk_default", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opSoftmaxTopK, Variant: "topk_2_small", ShaderFile: "moe_topk.wgsl", EntryPoint: "softmax_topk_2_small", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opMoEGather, Variant: "count_and_map", ShaderFile: "moe_gather.wgsl", EntryPoint: "count_and_map", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opMoEGather, Variant: "gather_tokens", ShaderFile: "moe_gather.wgsl", EntryPoint: "gather_tokens", WorkgroupSize: [3]uint32{64, 1, 1}},
	{Operation: opMoEGather, Variant: "gather_tokens_vec4", ShaderFile: "moe_gather.wgsl", EntryPoint: "gather_tokens_vec4", WorkgroupSize: [3]uint32{64, 1, 1}},
	{Operation: opScatterAdd, Variant: "default", ShaderFile: "moe_scatter.wgsl", EntryPoint: "scatter_default", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opScatterAdd, Variant: "dynamic", ShaderFile: "moe_scatter.wgsl", EntryPoint: "scatter_dynamic", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opScatterAdd, Variant: "accumulate", ShaderFile: "moe_scatter.wgsl", EntryPoint: "scatter_accumulate", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opScatterAdd, Variant: "vec4", ShaderFile: "moe_scatter.wgsl", EntryPoint: "scatter_vec4", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},

	// --- type conversion ---
	{Operation: opConvertF32ToF16, Variant: "default", ShaderFile: "convert.wgsl", EntryPoint: "f32_to_f16", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
	{Operation: opConvertBF16ToF32, Variant: "default", ShaderFile: "convert.wgsl", EntryPoint: "bf16_to_f32", WorkgroupSize: [3]uint32{wgElementwise, 1, 1}},
}
