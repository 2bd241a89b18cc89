package dtype

import (
	"testing"

	"github.com/gogpu/doppler/gpucore"
)

func TestSetDtypeGetDtypeRoundTrip(t *testing.T) {
	r := NewRegistry()
	buf := gpucore.BufferID(42)

	r.SetDtype(buf, F16)
	if got := r.GetDtype(buf); got != F16 {
		t.Errorf("GetDtype() = %v, want %v", got, F16)
	}
}

func TestGetDtypeDefaultsToF32(t *testing.T) {
	r := NewRegistry()
	if got := r.GetDtype(gpucore.BufferID(7)); got != F32 {
		t.Errorf("GetDtype(unset) = %v, want %v", got, F32)
	}
}

func TestSetDtypeReclassifies(t *testing.T) {
	r := NewRegistry()
	buf := gpucore.BufferID(1)

	r.SetDtype(buf, F32)
	r.SetDtype(buf, BF16)

	if got := r.GetDtype(buf); got != BF16 {
		t.Errorf("GetDtype() after reclassify = %v, want %v", got, BF16)
	}
}

func TestForgetRemovesEntry(t *testing.T) {
	r := NewRegistry()
	buf := gpucore.BufferID(3)
	r.SetDtype(buf, F16)
	r.Forget(buf)

	if got := r.GetDtype(buf); got != F32 {
		t.Errorf("GetDtype() after Forget = %v, want default %v", got, F32)
	}
}

func TestBytesPerElement(t *testing.T) {
	cases := map[Type]int{F32: 4, U32: 4, F16: 2, BF16: 2}
	for typ, want := range cases {
		if got := typ.BytesPerElement(); got != want {
			t.Errorf("%v.BytesPerElement() = %d, want %d", typ, got, want)
		}
	}
}

func TestBytesPerElementPanicsForQuantized(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for quantized type")
		}
	}()
	Q4K.BytesPerElement()
}
