package merge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/abdon-gadgets/merge-jwl/internal/wasm"
	"github.com/abdon-gadgets/merge-jwl/pkg/protocol"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Result header: success flag, JSON length, layout version; each u32 LE.
const (
	resultHeaderSize    = 12
	ResultLayoutVersion = 1
)

// OutputFile is the merged archive, copied out of module memory.
type OutputFile struct {
	Name string
	Data []byte
}

// Size returns the archive length in bytes.
func (f *OutputFile) Size() int {
	return len(f.Data)
}

// Result is what a merge hands back to the caller. It owns at most one
// ephemeral download of the output file; call Release when done.
type Result struct {
	// File is nil when the module could not produce an archive.
	File     *OutputFile
	Messages []protocol.Message
	Inputs   []protocol.Manifest
	Manifest *protocol.Manifest

	fs          afero.Fs
	downloadDir string

	mu       sync.Mutex
	download string
	released bool
}

// Download writes the output file to an ephemeral location once and returns
// its path. Later calls return the same path until Release.
func (r *Result) Download() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return "", fmt.Errorf("result already released")
	}
	if r.File == nil {
		return "", fmt.Errorf("merge produced no output file")
	}
	if r.download != "" {
		return r.download, nil
	}

	if err := r.fs.MkdirAll(r.downloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	dir, err := afero.TempDir(r.fs, r.downloadDir, "merge-jwl-")
	if err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	path := filepath.Join(dir, r.File.Name)
	if err := afero.WriteFile(r.fs, path, r.File.Data, 0o644); err != nil {
		_ = r.fs.RemoveAll(dir)
		return "", fmt.Errorf("write download: %w", err)
	}
	r.download = path
	return path, nil
}

// SaveTo persists a copy of the output file into dir and returns its path.
func (r *Result) SaveTo(dir string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return "", fmt.Errorf("result already released")
	}
	if r.File == nil {
		return "", fmt.Errorf("merge produced no output file")
	}
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, r.File.Name)
	if err := afero.WriteFile(r.fs, path, r.File.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Release revokes the download, if any, and drops the file data.
// It is safe to call more than once.
func (r *Result) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return nil
	}
	r.released = true
	r.File = nil

	if r.download == "" {
		return nil
	}
	dir := filepath.Dir(r.download)
	r.download = ""
	if err := r.fs.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("revoke download: %w", err)
	}
	return nil
}

// resultDecoder turns a merge result handle into a Result.
type resultDecoder struct {
	mem         *wasm.Memory
	fs          afero.Fs
	downloadDir string
	logger      *zap.Logger
}

// decode copies everything it needs out of the handle and releases it
// exactly once, whether or not decoding succeeds.
func (d *resultDecoder) decode(ctx context.Context, handle uint32) (res *Result, err error) {
	defer func() {
		if relErr := d.mem.ReleaseResult(ctx, handle); relErr != nil {
			d.logger.Error("Failed to release merge result", zap.Error(relErr))
			if err == nil {
				res, err = nil, relErr
			}
		}
	}()

	raw, err := d.mem.ReadResult(ctx, handle)
	if err != nil {
		return nil, &DecodeError{Reason: "read result", Err: err}
	}

	res, err = decodeResult(raw)
	if err != nil {
		return nil, err
	}
	res.fs = d.fs
	res.downloadDir = d.downloadDir
	return res, nil
}

// decodeResult parses [header][JSON][output bytes]. raw is host-owned.
func decodeResult(raw []byte) (*Result, error) {
	if len(raw) < resultHeaderSize {
		return nil, &DecodeError{Reason: fmt.Sprintf("header truncated: %d bytes", len(raw))}
	}
	success := binary.LittleEndian.Uint32(raw[0:]) != 0
	jsonLen := binary.LittleEndian.Uint32(raw[4:])
	layout := binary.LittleEndian.Uint32(raw[8:])

	if layout != ResultLayoutVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported layout version %d", layout)}
	}
	if uint64(jsonLen) > uint64(len(raw)-resultHeaderSize) {
		return nil, &DecodeError{Reason: fmt.Sprintf("JSON length %d exceeds result of %d bytes", jsonLen, len(raw))}
	}

	jsonEnd := resultHeaderSize + int(jsonLen)
	var doc protocol.ResultDocument
	if err := json.Unmarshal(raw[resultHeaderSize:jsonEnd], &doc); err != nil {
		return nil, &DecodeError{Reason: "parse JSON", Err: err}
	}

	res := &Result{
		Messages: doc.Messages,
		Inputs:   doc.InputManifests,
		Manifest: doc.ResultManifest,
	}
	if success && doc.ResultManifest != nil {
		name := doc.ResultManifest.FileName()
		// The name comes from the module; it must stay inside whatever
		// directory the file is written to.
		if !filepath.IsLocal(name) || filepath.Base(name) != name {
			return nil, &DecodeError{Reason: fmt.Sprintf("result file name %q is not a plain file name", name)}
		}
		data := make([]byte, len(raw)-jsonEnd)
		copy(data, raw[jsonEnd:])
		res.File = &OutputFile{
			Name: name,
			Data: data,
		}
	}
	return res, nil
}
