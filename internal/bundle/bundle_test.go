package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

func writeBundle(t *testing.T, descriptor string, wasm bool) string {
	t.Helper()
	dir := t.TempDir()
	if descriptor != "" {
		if err := os.WriteFile(filepath.Join(dir, DescriptorFile), []byte(descriptor), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if wasm {
		if err := os.WriteFile(filepath.Join(dir, "merge.wasm"), []byte("\x00asm\x01\x00\x00\x00"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestParseDescriptor(t *testing.T) {
	dir := writeBundle(t, `
name: jwl-merge
version: 0.4.0
wasm:
  file: merge.wasm
abi:
  self_check: 1
  result_layout: 1
`, true)

	d, err := ParseDescriptor(dir)
	if err != nil {
		t.Fatalf("ParseDescriptor failed: %v", err)
	}
	if d.Name != "jwl-merge" {
		t.Errorf("Expected name 'jwl-merge', got '%s'", d.Name)
	}
	if d.Version != "0.4.0" {
		t.Errorf("Expected version '0.4.0', got '%s'", d.Version)
	}
	if d.ABI.SelfCheck != 1 || d.ABI.ResultLayout != 1 {
		t.Errorf("Unexpected abi section: %+v", d.ABI)
	}
	if d.WasmPath() != filepath.Join(dir, "merge.wasm") {
		t.Errorf("Unexpected wasm path '%s'", d.WasmPath())
	}
}

func TestParseDescriptor_Missing(t *testing.T) {
	dir := writeBundle(t, "", true)

	_, err := ParseDescriptor(dir)
	if err == nil {
		t.Fatal("Expected error for missing descriptor")
	}
	if _, ok := err.(*DescriptorNotFoundError); !ok {
		t.Errorf("Expected DescriptorNotFoundError, got %T", err)
	}
}

func TestParseDescriptor_InvalidYAML(t *testing.T) {
	dir := writeBundle(t, "name: [unclosed", true)

	_, err := ParseDescriptor(dir)
	if _, ok := err.(*DescriptorParseError); !ok {
		t.Errorf("Expected DescriptorParseError, got %T (%v)", err, err)
	}
}

func TestParseDescriptor_Validation(t *testing.T) {
	cases := map[string]struct {
		descriptor string
		field      string
	}{
		"missing name": {
			descriptor: "version: 1.0.0\nwasm:\n  file: merge.wasm\n",
			field:      "name",
		},
		"missing version": {
			descriptor: "name: m\nwasm:\n  file: merge.wasm\n",
			field:      "version",
		},
		"missing wasm file": {
			descriptor: "name: m\nversion: 1.0.0\n",
			field:      "wasm.file",
		},
		"absolute wasm file": {
			descriptor: "name: m\nversion: 1.0.0\nwasm:\n  file: /merge.wasm\n",
			field:      "wasm.file",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dir := writeBundle(t, tc.descriptor, true)
			_, err := ParseDescriptor(dir)
			verr, ok := err.(*DescriptorValidationError)
			if !ok {
				t.Fatalf("Expected DescriptorValidationError, got %T (%v)", err, err)
			}
			if verr.Field != tc.field {
				t.Errorf("Expected field '%s', got '%s'", tc.field, verr.Field)
			}
		})
	}
}

func TestParseDescriptor_WasmMissing(t *testing.T) {
	dir := writeBundle(t, "name: m\nversion: 1.0.0\nwasm:\n  file: merge.wasm\n", false)

	_, err := ParseDescriptor(dir)
	if _, ok := err.(*WasmNotFoundError); !ok {
		t.Errorf("Expected WasmNotFoundError, got %T (%v)", err, err)
	}
}

func TestResolve_Directory(t *testing.T) {
	dir := writeBundle(t, "name: m\nversion: 1.0.0\nwasm:\n  file: merge.wasm\n", true)

	b, err := Resolve(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if b.Descriptor == nil {
		t.Error("Expected descriptor to be set")
	}
	if b.SelfCheck != DefaultSelfCheck {
		t.Errorf("Expected default self-check %d, got %d", DefaultSelfCheck, b.SelfCheck)
	}
	if b.ResultLayout != DefaultResultLayout {
		t.Errorf("Expected default result layout %d, got %d", DefaultResultLayout, b.ResultLayout)
	}
}

func TestResolve_BareFile(t *testing.T) {
	dir := writeBundle(t, "", true)
	path := filepath.Join(dir, "merge.wasm")

	b, err := Resolve(path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if b.Name != "merge" {
		t.Errorf("Expected name 'merge', got '%s'", b.Name)
	}
	if b.WasmPath != path {
		t.Errorf("Expected wasm path '%s', got '%s'", path, b.WasmPath)
	}
	if b.Descriptor != nil {
		t.Error("Expected no descriptor for a bare file")
	}
}

func TestResolve_NotFound(t *testing.T) {
	_, err := Resolve(filepath.Join(t.TempDir(), "nope.wasm"), zaptest.NewLogger(t))
	if _, ok := err.(*WasmNotFoundError); !ok {
		t.Errorf("Expected WasmNotFoundError, got %T (%v)", err, err)
	}
}
