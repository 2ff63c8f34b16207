package service

import (
	"context"
	"fmt"

	"github.com/abdon-gadgets/merge-jwl/internal/bundle"
	"github.com/abdon-gadgets/merge-jwl/internal/config"
	"github.com/abdon-gadgets/merge-jwl/internal/merge"
	"github.com/abdon-gadgets/merge-jwl/internal/wasm"
	"go.uber.org/zap"
)

type Service struct {
	cfg         *config.Config
	logger      *zap.Logger
	wasmRuntime *wasm.Runtime
	bundle      *bundle.Bundle
	merger      *merge.Merger
}

func NewService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	b, err := bundle.Resolve(cfg.ModulePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve merge module: %w", err)
	}

	// Initialize Wasm runtime.
	wasmConfig := &wasm.RuntimeConfig{
		MemoryPages:  cfg.Wasm.MemoryPages,
		DebugEnabled: cfg.Wasm.Debug,
		CacheDir:     cfg.Wasm.CacheDir,
	}

	wasmRuntime, err := wasm.NewRuntime(ctx, logger, wasmConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	source := &wasm.FileModuleSource{Path: b.WasmPath}

	merger := merge.New(merge.WasmLoader(wasmRuntime, source, logger), merge.Config{
		ModuleName:   b.Name,
		ChunkSize:    cfg.Upload.ChunkSize,
		SelfCheck:    b.SelfCheck,
		ResultLayout: b.ResultLayout,
		DownloadDir:  cfg.DownloadDir,
	}, logger)

	// Compile and boot in the background while inputs are being prepared.
	merger.Start(ctx)

	logger.Info("Merge service initialized",
		zap.String("module", b.Name),
		zap.String("module_version", b.Version),
		zap.Uint32("wasm_memory_pages", cfg.Wasm.MemoryPages),
		zap.String("wasm_cache_dir", cfg.Wasm.CacheDir),
	)

	return &Service{
		cfg:         cfg,
		logger:      logger,
		wasmRuntime: wasmRuntime,
		bundle:      b,
		merger:      merger,
	}, nil
}

// Merge merges the backups at paths. The caller must Release the result.
func (s *Service) Merge(ctx context.Context, paths []string, onProgress merge.ProgressFunc) (*merge.Result, error) {
	sources := make([]merge.Source, 0, len(paths))
	for _, p := range paths {
		src, err := merge.NewFileSource(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open backup: %w", err)
		}
		sources = append(sources, src)
	}
	return s.merger.Merge(ctx, sources, onProgress)
}

// Bundle returns the resolved merge module.
func (s *Service) Bundle() *bundle.Bundle {
	return s.bundle
}

// Close gracefully shuts down the service.
func (s *Service) Close(ctx context.Context) error {
	s.logger.Info("Shutting down merge service")

	if err := s.merger.Close(ctx); err != nil {
		s.logger.Warn("Failed to close merge module", zap.Error(err))
	}

	// Shutdown Wasm runtime.
	if err := s.wasmRuntime.Close(ctx); err != nil {
		s.logger.Error("Failed to shutdown Wasm runtime", zap.Error(err))
		return err
	}

	s.logger.Info("Merge service shutdown complete")
	return nil
}
