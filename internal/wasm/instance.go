package wasm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// InstanceManager creates and manages module instances.
type InstanceManager struct {
	runtime   *Runtime
	logger    *zap.Logger
	hostFuncs *HostFunctions
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctions, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, a UUID is generated).
	InstanceID string
}

// Instance is an instantiated merge module. It implements Guest.
type Instance struct {
	module api.Module
	memory api.Memory
	owner  *Runtime

	ID        string
	Name      string
	CreatedAt time.Time

	exports map[string]api.Function
}

// Instantiate installs the capability shim for the compiled module and
// instantiates it. The module's start function is not run; see Boot.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	if m.runtime.isClosed() {
		return nil, &InstantiationError{ModuleName: config.ModuleName, Err: ErrRuntimeClosed}
	}
	compiled, ok := m.runtime.Compiled(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	if err := m.hostFuncs.Install(ctx, m.runtime.engine, compiled.Module); err != nil {
		return nil, err
	}

	// No start functions: _start runs explicitly, exactly once, in Boot.
	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions()

	module, err := m.runtime.engine.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	memory := module.Memory()
	if memory == nil {
		_ = module.Close(ctx)
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        fmt.Errorf("module exports no memory"),
		}
	}

	exports, err := m.resolveExports(config.ModuleName, module)
	if err != nil {
		_ = module.Close(ctx)
		return nil, err
	}

	instance := &Instance{
		module:    module,
		memory:    memory,
		owner:     m.runtime,
		ID:        instanceID,
		Name:      config.ModuleName,
		CreatedAt: time.Now(),
		exports:   exports,
	}

	if err := m.runtime.track(instance); err != nil {
		_ = module.Close(ctx)
		return nil, &InstantiationError{ModuleName: config.ModuleName, InstanceID: instanceID, Err: err}
	}

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(exports)),
		zap.Uint32("memory_bytes", memory.Size()),
	)

	return instance, nil
}

// resolveExports looks up every export the bridge relies on.
func (m *InstanceManager) resolveExports(moduleName string, module api.Module) (map[string]api.Function, error) {
	exports := make(map[string]api.Function, len(requiredExports))
	for _, name := range requiredExports {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return nil, &FunctionNotFoundError{ModuleName: moduleName, FunctionName: name}
		}
		exports[name] = fn
	}
	return exports, nil
}

// Call invokes an export by name.
func (i *Instance) Call(ctx context.Context, export string, params ...uint64) ([]uint64, error) {
	fn, ok := i.exports[export]
	if !ok {
		return nil, &FunctionNotFoundError{ModuleName: i.Name, FunctionName: export}
	}
	return fn.Call(ctx, params...)
}

// Read returns a view of linear memory; it is only valid until the next call.
func (i *Instance) Read(offset, byteCount uint32) ([]byte, bool) {
	return i.memory.Read(offset, byteCount)
}

// Write copies data into linear memory.
func (i *Instance) Write(offset uint32, data []byte) bool {
	return i.memory.Write(offset, data)
}

// Boot runs the module's entry point and then its self-check, which must
// answer with sentinel. Call it once per instance.
func Boot(ctx context.Context, g Guest, sentinel uint32) error {
	if _, err := g.Call(ctx, ExportStart); err != nil {
		return &CallError{FunctionName: ExportStart, Err: err}
	}

	results, err := g.Call(ctx, ExportSelfCheck)
	if err != nil {
		return &CallError{FunctionName: ExportSelfCheck, Err: err}
	}
	var got uint32
	if len(results) > 0 {
		got = api.DecodeU32(results[0])
	}
	if got != sentinel {
		return &SelfCheckError{Got: got, Want: sentinel}
	}
	return nil
}

// Close closes the instance and frees its linear memory.
func (i *Instance) Close(ctx context.Context) error {
	i.owner.untrack(i.ID)
	return i.module.Close(ctx)
}
