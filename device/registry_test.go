package device

import "testing"

func TestSignatureSanitizesNonAlphanumerics(t *testing.T) {
	got := Signature(AdapterInfo{Vendor: "NVIDIA Corp.", Architecture: "Ada Lovelace", Device: "RTX 4090"})
	want := "NVIDIA_Corp__Ada_Lovelace_RTX_4090"
	if got != want {
		t.Errorf("Signature() = %q, want %q", got, want)
	}
}

func TestNewRegistryDerivesCapabilitiesFromFeatureList(t *testing.T) {
	limits := Limits{MaxComputeWorkgroupsPerDimension: 65535}
	info := AdapterInfo{Vendor: "v", Architecture: "a", Device: "d"}

	r := NewRegistry(nil, limits, []string{FeatureShaderF16, FeatureSubgroups}, info)

	caps := r.Capabilities()
	if !caps.HasF16 {
		t.Error("HasF16 = false, want true")
	}
	if !caps.HasSubgroups {
		t.Error("HasSubgroups = false, want true")
	}
	if caps.HasSubgroupsF16 {
		t.Error("HasSubgroupsF16 = true, want false")
	}
	if r.Limits() != limits {
		t.Errorf("Limits() = %+v, want %+v", r.Limits(), limits)
	}
}

func TestHasFeaturesReportsFirstMissing(t *testing.T) {
	r := NewRegistry(nil, Limits{}, []string{FeatureShaderF16}, AdapterInfo{})

	if missing, ok := r.HasFeatures(FeatureShaderF16, FeatureSubgroups); ok || missing != FeatureSubgroups {
		t.Errorf("HasFeatures() = (%q, %v), want (%q, false)", missing, ok, FeatureSubgroups)
	}
	if _, ok := r.HasFeatures(FeatureShaderF16); !ok {
		t.Error("HasFeatures(shader-f16) = false, want true")
	}
}

func TestHandleDefaultsToNullHandle(t *testing.T) {
	r := NewRegistry(nil, Limits{}, nil, AdapterInfo{})
	if _, ok := r.Handle().(NullHandle); !ok {
		t.Errorf("Handle() = %T, want NullHandle", r.Handle())
	}

	h := NullHandle{}
	r = NewRegistryWithHandle(h, nil, Limits{}, nil, AdapterInfo{})
	if r.Handle() != h {
		t.Errorf("Handle() = %v, want the handle passed at construction", r.Handle())
	}
}
