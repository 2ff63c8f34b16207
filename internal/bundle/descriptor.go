// Package bundle locates the merge module on disk together with the ABI
// expectations it was built against.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DescriptorFile is the descriptor name inside a bundle directory.
const DescriptorFile = "module.yaml"

// Descriptor is the parsed module.yaml.
type Descriptor struct {
	Name    string     `yaml:"name"`
	Version string     `yaml:"version"`
	Wasm    WasmConfig `yaml:"wasm"`
	ABI     ABIConfig  `yaml:"abi"`

	dir string
}

// WasmConfig names the module binary, relative to the descriptor.
type WasmConfig struct {
	File string `yaml:"file"`
}

// ABIConfig declares what the module build expects from the host.
type ABIConfig struct {
	// SelfCheck is the sentinel the self-check export returns.
	SelfCheck uint32 `yaml:"self_check"`
	// ResultLayout is the version of the merge result header.
	ResultLayout uint32 `yaml:"result_layout"`
}

// ParseDescriptor reads and validates module.yaml from dir.
func ParseDescriptor(dir string) (*Descriptor, error) {
	path := filepath.Join(dir, DescriptorFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DescriptorNotFoundError{Path: path, Err: err}
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, &DescriptorParseError{Path: path, Err: err}
	}
	d.dir = dir

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks descriptor fields and that the Wasm file exists.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return &DescriptorValidationError{Path: d.Path(), Field: "name", Message: "name is required"}
	}
	if d.Version == "" {
		return &DescriptorValidationError{Path: d.Path(), Field: "version", Message: "version is required"}
	}
	if d.Wasm.File == "" {
		return &DescriptorValidationError{Path: d.Path(), Field: "wasm.file", Message: "wasm.file is required"}
	}
	if filepath.IsAbs(d.Wasm.File) {
		return &DescriptorValidationError{
			Path:    d.Path(),
			Field:   "wasm.file",
			Message: fmt.Sprintf("must be relative to the bundle: %s", d.Wasm.File),
		}
	}

	if _, err := os.Stat(d.WasmPath()); os.IsNotExist(err) {
		return &WasmNotFoundError{DescriptorPath: d.Path(), WasmFile: d.Wasm.File}
	}
	return nil
}

// Path returns the descriptor file path.
func (d *Descriptor) Path() string {
	return filepath.Join(d.dir, DescriptorFile)
}

// WasmPath returns the path to the Wasm file.
func (d *Descriptor) WasmPath() string {
	return filepath.Join(d.dir, d.Wasm.File)
}

// Dir returns the bundle directory.
func (d *Descriptor) Dir() string {
	return d.dir
}
