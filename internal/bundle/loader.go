package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Defaults for a bare .wasm path or a descriptor that omits its abi section.
const (
	DefaultSelfCheck    uint32 = 1
	DefaultResultLayout uint32 = 1
)

// Bundle is a resolved merge module.
type Bundle struct {
	Name         string
	Version      string
	WasmPath     string
	SelfCheck    uint32
	ResultLayout uint32

	// Descriptor is nil when the bundle was resolved from a bare .wasm file.
	Descriptor *Descriptor
}

// Resolve finds the merge module at path. A directory must contain
// module.yaml; a file is taken as the module binary itself.
func Resolve(path string, logger *zap.Logger) (*Bundle, error) {
	logger = logger.With(zap.String("component", "bundle"))

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &WasmNotFoundError{WasmFile: path}
		}
		return nil, fmt.Errorf("stat module path: %w", err)
	}

	if !info.IsDir() {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		logger.Debug("Using bare module binary", zap.String("path", path))
		return &Bundle{
			Name:         name,
			WasmPath:     path,
			SelfCheck:    DefaultSelfCheck,
			ResultLayout: DefaultResultLayout,
		}, nil
	}

	desc, err := ParseDescriptor(path)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		Name:         desc.Name,
		Version:      desc.Version,
		WasmPath:     desc.WasmPath(),
		SelfCheck:    desc.ABI.SelfCheck,
		ResultLayout: desc.ABI.ResultLayout,
		Descriptor:   desc,
	}
	if b.SelfCheck == 0 {
		b.SelfCheck = DefaultSelfCheck
	}
	if b.ResultLayout == 0 {
		b.ResultLayout = DefaultResultLayout
	}

	logger.Info("Resolved module bundle",
		zap.String("name", b.Name),
		zap.String("version", b.Version),
		zap.String("wasm", b.WasmPath),
		zap.Uint32("result_layout", b.ResultLayout),
	)
	return b, nil
}
