// Package pipeline implements the Shader & Pipeline Cache:
// idempotent shader-source loading, compilation, and compute pipeline
// construction, cached by (operation, variant).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/doppler/device"
	"github.com/gogpu/doppler/gpucore"
	"github.com/gogpu/doppler/internal/native"
)

// Key identifies a cached shader source text's consumer. A single shader
// file commonly defines several entry points with different bind
// layouts, so the pipeline cache key is (operation, variant), but the
// shader source cache key is just the filename.
type Key struct {
	Operation string
	Variant   string
}

// Validator runs operator-specific pre-dispatch validation against an
// opaque argument bundle the caller supplies; args is asserted to the
// concrete type the registering operator expects. No KernelConfig that
// dispatch.RegisterKernels registers sets it (attention's device-limit
// checks run inline in the dispatch package).
type Validator func(args any) error

// KernelConfig is an immutable per-(operation,variant) record.
type KernelConfig struct {
	Operation        string
	Variant          string
	ShaderFile       string
	EntryPoint       string
	WorkgroupSize    [3]uint32
	RequiredFeatures []string
	Validate         Validator
}

func (k KernelConfig) key() Key { return Key{Operation: k.Operation, Variant: k.Variant} }

var pkgLogger = nopLogger()

// SetLogger overrides the package logger used for prewarm-failure and
// compile-diagnostic messages.
func SetLogger(l *slog.Logger) { pkgLogger = l }

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Cache is the Shader & Pipeline Cache. It is safe for concurrent use.
type Cache struct {
	registry *device.Registry
	source   ShaderSource

	mu        sync.Mutex
	configs   map[Key]KernelConfig
	sourceTxt map[string]string
	pipelines map[Key]gpucore.ComputePipelineID
}

// NewCache constructs a Cache bound to a device registry and a shader
// source. Callers populate it with Register before first use.
func NewCache(registry *device.Registry, source ShaderSource) *Cache {
	return &Cache{
		registry:  registry,
		source:    source,
		configs:   make(map[Key]KernelConfig),
		sourceTxt: make(map[string]string),
		pipelines: make(map[Key]gpucore.ComputePipelineID),
	}
}

// Register adds (or replaces) a KernelConfig. dispatch.RegisterKernels
// calls this for every known (operation, variant); callers run that once
// after NewCache and before the first CreatePipeline call.
func (c *Cache) Register(cfg KernelConfig) {
	c.mu.Lock()
	c.configs[cfg.key()] = cfg
	c.mu.Unlock()
}

// Config returns the registered KernelConfig for (operation, variant).
func (c *Cache) Config(operation, variant string) (KernelConfig, error) {
	c.mu.Lock()
	cfg, ok := c.configs[Key{Operation: operation, Variant: variant}]
	c.mu.Unlock()
	if !ok {
		return KernelConfig{}, &LookupError{Operation: operation, Variant: variant}
	}
	return cfg, nil
}

// LoadShader fetches filename's source text, idempotently. The first
// call fetches and caches it; subsequent calls return the cached copy.
func (c *Cache) LoadShader(ctx context.Context, filename string) (string, error) {
	c.mu.Lock()
	if txt, ok := c.sourceTxt[filename]; ok {
		c.mu.Unlock()
		return txt, nil
	}
	c.mu.Unlock()

	txt, err := c.source.Load(ctx, filename)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sourceTxt[filename] = txt
	c.mu.Unlock()
	return txt, nil
}

// CreatePipeline resolves, compiles, and constructs the compute pipeline
// for (operation, variant), idempotently. Subsequent calls return the
// cached pipeline and config.
func (c *Cache) CreatePipeline(ctx context.Context, operation, variant string) (gpucore.ComputePipelineID, KernelConfig, error) {
	cfg, err := c.Config(operation, variant)
	if err != nil {
		return gpucore.InvalidID, KernelConfig{}, err
	}

	k := cfg.key()
	c.mu.Lock()
	if id, ok := c.pipelines[k]; ok {
		c.mu.Unlock()
		return id, cfg, nil
	}
	c.mu.Unlock()

	if missing, ok := c.registry.HasFeatures(cfg.RequiredFeatures...); !ok {
		return gpucore.InvalidID, cfg, &CapabilityError{Operation: operation, Variant: variant, Feature: missing}
	}

	src, err := c.LoadShader(ctx, cfg.ShaderFile)
	if err != nil {
		return gpucore.InvalidID, cfg, err
	}

	spirv, err := native.CompileShaderToSPIRV(src)
	if err != nil {
		return gpucore.InvalidID, cfg, &CompilationError{Operation: operation, Variant: variant, File: cfg.ShaderFile, EntryPoint: cfg.EntryPoint, Err: err}
	}

	adapter := c.registry.Device()
	module, err := adapter.CreateShaderModule(spirv, cfg.ShaderFile)
	if err != nil {
		return gpucore.InvalidID, cfg, &CompilationError{Operation: operation, Variant: variant, File: cfg.ShaderFile, EntryPoint: cfg.EntryPoint, Err: err}
	}

	pipe, err := adapter.CreateComputePipeline(&gpucore.ComputePipelineDesc{
		Label:        operation + ":" + variant,
		ShaderModule: module,
		EntryPoint:   cfg.EntryPoint,
	})
	if err != nil {
		return gpucore.InvalidID, cfg, fmt.Errorf("pipeline: create compute pipeline %s:%s: %w", operation, variant, err)
	}

	c.mu.Lock()
	c.pipelines[k] = pipe
	c.mu.Unlock()

	return pipe, cfg, nil
}

// ClearCache drops both the source and pipeline caches. Registered
// KernelConfigs survive (they are not cached results, they are the
// static table).
func (c *Cache) ClearCache() {
	c.mu.Lock()
	c.sourceTxt = make(map[string]string)
	c.pipelines = make(map[Key]gpucore.ComputePipelineID)
	c.mu.Unlock()
}

// Prewarm eagerly builds every registered pipeline whose feature
// requirements the device satisfies. Per-variant failures are logged
// and skipped: losing one variant in a warmup batch should not abort
// startup.
func (c *Cache) Prewarm(ctx context.Context) {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.configs))
	for k := range c.configs {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	for _, k := range keys {
		if _, _, err := c.CreatePipeline(ctx, k.Operation, k.Variant); err != nil {
			pkgLogger.Warn("pipeline: prewarm skipped variant", "operation", k.Operation, "variant", k.Variant, "error", err)
		}
	}
}
