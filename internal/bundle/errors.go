package bundle

import (
	"fmt"
)

// DescriptorNotFoundError occurs when module.yaml is not found in a directory.
type DescriptorNotFoundError struct {
	Path string
	Err  error
}

func (e *DescriptorNotFoundError) Error() string {
	return fmt.Sprintf("module descriptor not found at '%s': %v", e.Path, e.Err)
}

func (e *DescriptorNotFoundError) Unwrap() error {
	return e.Err
}

// DescriptorParseError occurs when module.yaml cannot be parsed as valid YAML.
type DescriptorParseError struct {
	Path string
	Err  error
}

func (e *DescriptorParseError) Error() string {
	return fmt.Sprintf("failed to parse module descriptor at '%s': %v", e.Path, e.Err)
}

func (e *DescriptorParseError) Unwrap() error {
	return e.Err
}

// DescriptorValidationError occurs when module.yaml fails validation.
type DescriptorValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *DescriptorValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("module descriptor validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("module descriptor validation failed at '%s': %s", e.Path, e.Message)
}

// WasmNotFoundError occurs when the Wasm file referenced by a bundle doesn't exist.
type WasmNotFoundError struct {
	DescriptorPath string
	WasmFile       string
}

func (e *WasmNotFoundError) Error() string {
	if e.DescriptorPath == "" {
		return fmt.Sprintf("Wasm file '%s' not found", e.WasmFile)
	}
	return fmt.Sprintf("Wasm file '%s' not found (referenced in descriptor '%s')",
		e.WasmFile, e.DescriptorPath)
}
