package merge

import (
	"bytes"
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/spf13/afero"
)

func TestDecodeResult_SuccessUnset(t *testing.T) {
	for _, withManifest := range []bool{true, false} {
		res, err := decodeResult(resultPayload(false, ResultLayoutVersion, resultDoc(withManifest), pattern(32)))
		if err != nil {
			t.Fatalf("decodeResult failed: %v", err)
		}
		if res.File != nil {
			t.Errorf("manifest=%v: expected no file when success is unset", withManifest)
		}
	}
}

func TestDecodeResult_SuccessWithoutManifest(t *testing.T) {
	res, err := decodeResult(resultPayload(true, ResultLayoutVersion, resultDoc(false), pattern(32)))
	if err != nil {
		t.Fatalf("decodeResult failed: %v", err)
	}
	if res.File != nil {
		t.Error("Expected no file without a result manifest")
	}
	if res.Manifest != nil {
		t.Error("Expected nil manifest")
	}
}

func TestDecodeResult_OutputFile(t *testing.T) {
	for _, n := range []int{0, 1, 4096} {
		tail := pattern(n)
		raw := resultPayload(true, ResultLayoutVersion, resultDoc(true), tail)

		res, err := decodeResult(raw)
		if err != nil {
			t.Fatalf("decodeResult failed: %v", err)
		}
		if res.File == nil {
			t.Fatalf("n=%d: expected a file", n)
		}
		if res.File.Size() != n || !bytes.Equal(res.File.Data, tail) {
			t.Errorf("n=%d: got %d bytes", n, res.File.Size())
		}
		if res.File.Name != "UserDataBackup_2024-03-05_Merge.jwlibrary" {
			t.Errorf("Unexpected name '%s'", res.File.Name)
		}

		// The file must not alias the raw buffer, which the module frees.
		if n > 0 {
			raw[len(raw)-1] ^= 0xff
			if res.File.Data[n-1] != tail[n-1] {
				t.Error("Output file aliases the result buffer")
			}
		}
	}
}

func TestDecodeResult_Manifests(t *testing.T) {
	res, err := decodeResult(resultPayload(true, ResultLayoutVersion, resultDoc(true), nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Inputs) != 2 || res.Inputs[1].UserDataBackup.DeviceName != "tablet" {
		t.Errorf("Unexpected input manifests: %+v", res.Inputs)
	}
	if res.Manifest.UserDataBackup.SchemaVersion != 14 {
		t.Errorf("Expected schema version 14, got %d", res.Manifest.UserDataBackup.SchemaVersion)
	}
	lines := res.Messages[0].ErrorLines()
	if len(lines) != 2 || lines[0] != "Could not merge tag" || lines[1] != "Duplicate name" {
		t.Errorf("Unexpected error lines %q", lines)
	}
}

func TestDecodeResult_Invalid(t *testing.T) {
	long := resultPayload(true, ResultLayoutVersion, "{}", nil)
	long[4] = 200

	cases := map[string][]byte{
		"empty":         nil,
		"short header":  make([]byte, resultHeaderSize-1),
		"layout zero":   resultPayload(true, 0, "{}", nil),
		"json too long": long,
		"not json":      resultPayload(false, ResultLayoutVersion, "nope", nil),
		"unknown tag":   resultPayload(false, ResultLayoutVersion, `{"messages":[{"warning":"x"}]}`, nil),
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeResult(raw)
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Errorf("Expected DecodeError, got %T (%v)", err, err)
			}
		})
	}
}

func TestDecodeResult_RejectsNonLocalFileName(t *testing.T) {
	for _, name := range []string{"../x", "a/b", "../../escaped", "/etc/merged"} {
		t.Run(name, func(t *testing.T) {
			doc := `{"resultManifest": {"name": ` + strconv.Quote(name) + `}, "messages": []}`
			_, err := decodeResult(resultPayload(true, ResultLayoutVersion, doc, pattern(8)))
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Errorf("Expected DecodeError for name %q, got %v", name, err)
			}
		})
	}

	// Without an output file the name is never used.
	doc := `{"resultManifest": {"name": "../x"}, "messages": []}`
	if _, err := decodeResult(resultPayload(false, ResultLayoutVersion, doc, nil)); err != nil {
		t.Errorf("Failed result must decode regardless of the name: %v", err)
	}
}

func TestResult_SaveToStaysInDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	res, err := decodeResult(resultPayload(true, ResultLayoutVersion, resultDoc(true), pattern(16)))
	if err != nil {
		t.Fatal(err)
	}
	res.fs = fs

	path, err := res.SaveTo("/out/dir")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != "/out/dir" {
		t.Errorf("Saved outside the output directory: %s", path)
	}
}

func newFileResult(fs afero.Fs) *Result {
	return &Result{
		File:        &OutputFile{Name: "merged.jwlibrary", Data: []byte("archive")},
		fs:          fs,
		downloadDir: "/tmp",
	}
}

func TestResult_DownloadOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	res := newFileResult(fs)

	path, err := res.Download()
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if filepath.Base(path) != "merged.jwlibrary" {
		t.Errorf("Unexpected download path %s", path)
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil || string(data) != "archive" {
		t.Errorf("Unexpected download content %q (%v)", data, err)
	}

	again, err := res.Download()
	if err != nil || again != path {
		t.Errorf("Expected the same download path, got %s (%v)", again, err)
	}
}

func TestResult_ReleaseRevokesDownload(t *testing.T) {
	fs := afero.NewMemMapFs()
	res := newFileResult(fs)

	path, err := res.Download()
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ok, _ := afero.Exists(fs, path); ok {
		t.Error("Download still exists after Release")
	}
	if res.File != nil {
		t.Error("Expected file data dropped")
	}
	if err := res.Release(); err != nil {
		t.Errorf("Second Release failed: %v", err)
	}
	if _, err := res.Download(); err == nil {
		t.Error("Expected Download to fail after Release")
	}
}

func TestResult_NoFile(t *testing.T) {
	res := &Result{fs: afero.NewMemMapFs()}
	if _, err := res.Download(); err == nil {
		t.Error("Expected Download to fail without a file")
	}
	if _, err := res.SaveTo("/out"); err == nil {
		t.Error("Expected SaveTo to fail without a file")
	}
	if err := res.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
}

func TestResult_SaveTo(t *testing.T) {
	fs := afero.NewMemMapFs()
	res := newFileResult(fs)

	path, err := res.SaveTo("/out/merged")
	if err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}
	if path != filepath.Join("/out/merged", "merged.jwlibrary") {
		t.Errorf("Unexpected path %s", path)
	}
	_ = res.Release()
	if ok, _ := afero.Exists(fs, path); !ok {
		t.Error("Saved copy must survive Release")
	}
}
