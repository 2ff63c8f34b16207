package wasm

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when a write or length update would go
	// past a vector's capacity. Memory is never touched in that case.
	ErrCapacityExceeded = errors.New("vector capacity exceeded")

	// ErrVectorReleased is returned for any use of a vector after Release.
	ErrVectorReleased = errors.New("vector already released")

	// ErrVectorTransferred is returned when the host touches a vector whose
	// ownership already moved to the module.
	ErrVectorTransferred = errors.New("vector ownership transferred to module")

	// ErrRuntimeClosed is returned when compiling or instantiating on a
	// runtime that was already closed.
	ErrRuntimeClosed = errors.New("wasm runtime closed")
)

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ModuleNotFoundError occurs when instantiating a module that was never compiled.
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' has not been compiled", e.ModuleName)
}

// FunctionNotFoundError occurs when an exported function is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// UnsupportedCapabilityError occurs when the module imports something the
// host does not provide.
type UnsupportedCapabilityError struct {
	Module string
	Name   string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("unsupported capability '%s.%s' requested by module", e.Module, e.Name)
}

// SelfCheckError occurs when the module answers the self-check with anything
// but the sentinel.
type SelfCheckError struct {
	Got  uint32
	Want uint32
}

func (e *SelfCheckError) Error() string {
	return fmt.Sprintf("module self-check returned %d, want %d", e.Got, e.Want)
}

// MemoryAccessError occurs when memory operations fail
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// CallError occurs when a call into a module export traps or fails.
type CallError struct {
	FunctionName string
	Err          error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call to '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
