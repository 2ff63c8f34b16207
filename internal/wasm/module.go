package wasm

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ModuleSource supplies merge module bytecode.
type ModuleSource interface {
	// Bytes returns the Wasm bytecode.
	Bytes() ([]byte, error)

	// Name identifies the module; compilations are cached under it.
	Name() string
}

// FileModuleSource reads the module from a file, by default on the OS
// filesystem.
type FileModuleSource struct {
	Path string
	Fs   afero.Fs
}

func (f *FileModuleSource) Bytes() ([]byte, error) {
	fs := f.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return afero.ReadFile(fs, f.Path)
}

func (f *FileModuleSource) Name() string {
	return f.Path
}

// MemoryModuleSource serves a module already held in memory, e.g. an embedded build.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

func (m *MemoryModuleSource) Bytes() ([]byte, error) {
	return m.Data, nil
}

func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// ModuleLoader compiles merge modules on a Runtime.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// LoadModule compiles the module behind source. A source compiled before on
// the same runtime is not read again.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	name := source.Name()
	if l.runtime.isClosed() {
		return nil, &CompilationError{ModuleName: name, Err: ErrRuntimeClosed}
	}
	if cached, ok := l.runtime.Compiled(name); ok {
		l.logger.Debug("Module already compiled", zap.String("module", name))
		return cached, nil
	}

	wasmBytes, err := source.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", name, err)
	}

	l.logger.Info("Compiling merge module",
		zap.String("module", name),
		zap.Int("size_bytes", len(wasmBytes)),
	)

	started := time.Now()
	compiled, err := l.runtime.engine.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{ModuleName: name, Err: err}
	}

	module := &CompiledModule{
		Module:      compiled,
		Name:        name,
		Source:      name,
		SizeBytes:   int64(len(wasmBytes)),
		CompileTime: time.Since(started),
	}
	if err := l.runtime.remember(module); err != nil {
		_ = compiled.Close(ctx)
		return nil, &CompilationError{ModuleName: name, Err: err}
	}

	l.logger.Info("Merge module compiled",
		zap.String("module", name),
		zap.Int("imports", len(compiled.ImportedFunctions())),
		zap.Int("exports", len(compiled.ExportedFunctions())),
		zap.Duration("duration", module.CompileTime),
	)

	return module, nil
}

// LoadModuleFromMemory compiles data under name.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	return l.LoadModule(ctx, &MemoryModuleSource{ModuleName: name, Data: data})
}
