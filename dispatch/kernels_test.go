package dispatch

import (
	"testing"

	"github.com/gogpu/doppler/pipeline"
)

// TestRegisterKernelsCoversEveryDispatchedVariant pins the central
// KernelConfig table against the variant strings the operator files
// actually select, so a new variant added to an operator without a
// matching registration fails loudly here rather than at first dispatch.
func TestRegisterKernelsCoversEveryDispatchedVariant(t *testing.T) {
	cache := pipeline.NewCache(nil, nil)
	RegisterKernels(cache)

	want := []pipeline.Key{
		{Operation: opMatmul, Variant: "f32"},
		{Operation: opMatmul, Variant: "f16"},
		{Operation: opMatmul, Variant: "f16_vec4"},
		{Operation: opMatmul, Variant: "f16w_f32a"},
		{Operation: opMatmul, Variant: "f16w_f32a_naive"},
		{Operation: opAttention, Variant: "tiled_large"},
		{Operation: opAttention, Variant: "tiled_small"},
		{Operation: opAttention, Variant: "streaming"},
		{Operation: opAttention, Variant: "tiled_large_f16kv"},
		{Operation: opAttention, Variant: "tiled_small_f16kv"},
		{Operation: opAttention, Variant: "streaming_f16kv"},
		{Operation: opRMSNorm, Variant: "default"},
		{Operation: opRMSNorm, Variant: "small"},
		{Operation: opRMSNorm, Variant: "residual"},
		{Operation: opSoftmax, Variant: "default"},
		{Operation: opSoftmax, Variant: "small"},
		{Operation: opSoftmax, Variant: "online"},
		{Operation: opRoPE, Variant: "default"},
		{Operation: opRoPE, Variant: "ntk"},
		{Operation: opRoPE, Variant: "yarn"},
		{Operation: opRoPE, Variant: "qk"},
		{Operation: opRoPE, Variant: "compute_freqs"},
		{Operation: opSiLU, Variant: "plain"},
		{Operation: opSiLU, Variant: "gated"},
		{Operation: opSiLU, Variant: "gated_vec4"},
		{Operation: opSiLU, Variant: "vec4"},
		{Operation: opGeLU, Variant: "plain"},
		{Operation: opGeLU, Variant: "gated"},
		{Operation: opGeLU, Variant: "gated_vec4"},
		{Operation: opGeLU, Variant: "vec4"},
		{Operation: opGeGLU, Variant: "rowsplit"},
		{Operation: opSwiGLU, Variant: "rowsplit_bias"},
		{Operation: opResidual, Variant: "default"},
		{Operation: opBiasAdd, Variant: "default"},
		{Operation: opGather, Variant: "default"},
		{Operation: opGather, Variant: "vec4"},
		{Operation: opDequantQ4K, Variant: "shared"},
		{Operation: opDequantQ4K, Variant: "shared_vec4"},
		{Operation: opDequantQ4K, Variant: "shared_f16out"},
		{Operation: opDequantQ4K, Variant: "shared_f16out_vec4"},
		{Operation: opDequantQ4K, Variant: "subgroup"},
		{Operation: opDequantQ4K, Variant: "subgroup_vec4"},
		{Operation: opDequantQ4K, Variant: "subgroup_f16out"},
		{Operation: opDequantQ4K, Variant: "subgroup_f16out_vec4"},
		{Operation: opDequantMX, Variant: "mxfp4"},
		{Operation: opDequantMX, Variant: "mxfp4_expert"},
		{Operation: opDequantMX, Variant: "mxfp4_vec4"},
		{Operation: opTopK, Variant: "default"},
		{Operation: opTopK, Variant: "topk_2_small"},
		{Operation: opSoftmaxTopK, Variant: "default"},
		{Operation: opSoftmaxTopK, Variant: "topk_2_small"},
		{Operation: opMoEGather, Variant: "count_and_map"},
		{Operation: opMoEGather, Variant: "gather_tokens"},
		{Operation: opMoEGather, Variant: "gather_tokens_vec4"},
		{Operation: opScatterAdd, Variant: "default"},
		{Operation: opScatterAdd, Variant: "dynamic"},
		{Operation: opScatterAdd, Variant: "accumulate"},
		{Operation: opScatterAdd, Variant: "vec4"},
		{Operation: opConvertF32ToF16, Variant: "default"},
		{Operation: opConvertBF16ToF32, Variant: "default"},
	}

	for _, k := range want {
		if _, err := cache.Config(k.Operation, k.Variant); err != nil {
			t.Errorf("RegisterKernels() missing (%s, %s): %v", k.Operation, k.Variant, err)
		}
	}
	if len(kernelConfigs) != len(want) {
		t.Errorf("kernelConfigs has %d entries, test expects exactly %d — update whichever list fell behind", len(kernelConfigs), len(want))
	}
}
