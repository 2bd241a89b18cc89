// Package dtype implements the Buffer Dtype Registry: a pure
// metadata map from buffer identity to the buffer's current semantic
// element type. No buffer content is ever read or copied here.
package dtype

import (
	"log/slog"
	"sync"

	"github.com/gogpu/doppler/gpucore"
)

// Type is a buffer's semantic element type.
type Type uint8

const (
	// F32 is the default type assumed for any buffer with no recorded entry.
	F32 Type = iota
	F16
	BF16
	U32
	// Q4K is the q4_k block-quantized weight format (256 elements/block).
	Q4K
	// MXFP4 is the mxfp4 block-quantized weight format (32 elements/block).
	MXFP4
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case U32:
		return "u32"
	case Q4K:
		return "u8_quantized_q4k"
	case MXFP4:
		return "u8_quantized_mxfp4"
	default:
		return "unknown"
	}
}

// BytesPerElement returns the size of one element of t, for buffer-size
// validation. Block-quantized types have no fixed
// per-element byte size; callers must use the format's block size
// instead and BytesPerElement panics if called for them.
func (t Type) BytesPerElement() int {
	switch t {
	case F32, U32:
		return 4
	case F16, BF16:
		return 2
	default:
		panic("dtype: BytesPerElement undefined for block-quantized type " + t.String())
	}
}

var logger = newNopLogger()

// SetLogger overrides the package logger used for the one-time
// unknown-dtype diagnostic.
func SetLogger(l *slog.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

var loggerMu sync.Mutex

func newNopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Registry maps buffer identity to its current dtype. The zero value is
// ready to use.
//
// Buffer identity is the gpucore.BufferID the backing adapter assigned;
// the registry never holds a reference to buffer contents.
type Registry struct {
	mu      sync.RWMutex
	entries map[gpucore.BufferID]Type
	warned  map[gpucore.BufferID]bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[gpucore.BufferID]Type),
		warned:  make(map[gpucore.BufferID]bool),
	}
}

// GetDtype returns buf's recorded dtype, or F32 with a one-time
// diagnostic if no entry has been set.
func (r *Registry) GetDtype(buf gpucore.BufferID) Type {
	r.mu.RLock()
	t, ok := r.entries[buf]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	alreadyWarned := r.warned[buf]
	r.warned[buf] = true
	r.mu.Unlock()

	if !alreadyWarned {
		logger.Warn("dtype: unset buffer defaulted to f32", "buffer", uint64(buf))
	}
	return F32
}

// SetDtype records buf's current element type, reclassifying it if an
// entry already exists.
func (r *Registry) SetDtype(buf gpucore.BufferID, t Type) {
	r.mu.Lock()
	r.entries[buf] = t
	r.mu.Unlock()
}

// Forget removes buf's entry, used when a buffer is destroyed by its
// owner so the registry does not grow unbounded over a long-lived
// process.
func (r *Registry) Forget(buf gpucore.BufferID) {
	r.mu.Lock()
	delete(r.entries, buf)
	delete(r.warned, buf)
	r.mu.Unlock()
}
