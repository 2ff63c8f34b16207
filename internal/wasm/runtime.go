package wasm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// Runtime owns the wazero engine that hosts the merge module, the modules
// compiled on it and the instances still alive. One Runtime serves the
// whole process.
type Runtime struct {
	engine wazero.Runtime
	cache  wazero.CompilationCache

	mu       sync.Mutex
	compiled map[string]*CompiledModule // by source name
	live     map[string]*Instance       // by instance ID
	closed   bool

	config *RuntimeConfig
	logger *zap.Logger
}

// RuntimeConfig holds runtime configuration.
type RuntimeConfig struct {
	// Memory limit for the module (in pages, 64KB each).
	// Backups are uploaded whole into linear memory, so this bounds the
	// combined input size. Default: 16384 pages = 1GB.
	MemoryPages uint32

	// Keep DWARF info so module traps carry source positions.
	DebugEnabled bool

	// Directory for wazero's on-disk compilation cache. Empty disables it.
	CacheDir string
}

// CompiledModule is a compiled merge module together with where it came from.
type CompiledModule struct {
	Module wazero.CompiledModule

	Name        string
	Source      string
	SizeBytes   int64
	CompileTime time.Duration
}

// NewRuntime creates the wazero engine configured for the merge module.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = DefaultRuntimeConfig()
	}

	rc := wazero.NewRuntimeConfig().
		WithDebugInfoEnabled(config.DebugEnabled).
		WithCloseOnContextDone(false)
	if config.MemoryPages > 0 {
		rc = rc.WithMemoryLimitPages(config.MemoryPages)
	}

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", config.CacheDir, err)
		}
		cache = c
		rc = rc.WithCompilationCache(cache)
	}

	r := &Runtime{
		engine:   wazero.NewRuntimeWithConfig(ctx, rc),
		cache:    cache,
		compiled: make(map[string]*CompiledModule),
		live:     make(map[string]*Instance),
		config:   config,
		logger:   logger.With(zap.String("component", "wasm-runtime")),
	}

	r.logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("debug_enabled", config.DebugEnabled),
		zap.String("cache_dir", config.CacheDir),
	)

	return r, nil
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages: 16384, // 1GB
	}
}

// Close closes every live instance, then the engine and the compilation
// cache. Later calls are no-ops.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	live := r.live
	r.live = make(map[string]*Instance)
	r.mu.Unlock()

	r.logger.Info("Shutting down Wasm runtime", zap.Int("live_instances", len(live)))

	for id, inst := range live {
		if err := inst.module.Close(ctx); err != nil {
			r.logger.Warn("Failed to close instance",
				zap.String("instance_id", id),
				zap.Error(err),
			)
		}
	}

	// Closes compiled modules and host modules as well.
	err := r.engine.Close(ctx)

	if r.cache != nil {
		if cacheErr := r.cache.Close(ctx); cacheErr != nil && err == nil {
			err = cacheErr
		}
	}

	r.logger.Info("Wasm runtime shutdown complete")
	return err
}

// Compiled returns the module compiled from the named source, if any.
func (r *Runtime) Compiled(name string) (*CompiledModule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.compiled[name]
	return m, ok
}

// LiveInstances reports how many instances have not been closed yet.
func (r *Runtime) LiveInstances() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func (r *Runtime) remember(m *CompiledModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	r.compiled[m.Name] = m
	return nil
}

func (r *Runtime) track(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	r.live[inst.ID] = inst
	return nil
}

func (r *Runtime) untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

func (r *Runtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
