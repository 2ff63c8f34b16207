package merge

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/abdon-gadgets/merge-jwl/internal/wasm"
	"github.com/abdon-gadgets/merge-jwl/internal/wasm/wasmtest"
	"go.uber.org/zap/zaptest"
)

// resultPayload lays out a merge result the way the module writes it.
func resultPayload(success bool, layout uint32, doc string, tail []byte) []byte {
	out := make([]byte, resultHeaderSize, resultHeaderSize+len(doc)+len(tail))
	if success {
		binary.LittleEndian.PutUint32(out[0:], 1)
	}
	binary.LittleEndian.PutUint32(out[4:], uint32(len(doc)))
	binary.LittleEndian.PutUint32(out[8:], layout)
	out = append(out, doc...)
	return append(out, tail...)
}

const manifestJSON = `{
	"name": "UserDataBackup_2024-03-05_Merge",
	"creationDate": "2024-03-05",
	"version": 1,
	"type": 0,
	"userDataBackup": {
		"lastModifiedDate": "2024-03-05T10:00:00+00:00",
		"deviceName": "merge-jwl",
		"databaseName": "userData.db",
		"hash": "0f1e2d",
		"schemaVersion": 14
	}
}`

const inputManifestsJSON = `[
	{"name": "a", "creationDate": "2024-01-01", "version": 1, "type": 0,
	 "userDataBackup": {"deviceName": "phone", "databaseName": "userData.db", "schemaVersion": 14}},
	{"name": "b", "creationDate": "2024-02-01", "version": 1, "type": 0,
	 "userDataBackup": {"deviceName": "tablet", "databaseName": "userData.db", "schemaVersion": 14}}
]`

const messagesJSON = `[
	{"error": "  Could not merge tag\n\n  Duplicate name  \n"},
	{"noteUpdate": {
		"before": {"title": "Old", "content": "old text", "date": "2024-01-01"},
		"after": {"title": "New", "content": null, "date": "2024-02-01"}}},
	{"bookmarkOverflow": {"key_symbol": "w", "issue_tag_number": 202301, "title": "Slot", "snippet": null}}
]`

func resultDoc(withManifest bool) string {
	manifest := "null"
	if withManifest {
		manifest = manifestJSON
	}
	return `{"inputManifests": ` + inputManifestsJSON +
		`, "resultManifest": ` + manifest +
		`, "messages": ` + messagesJSON + `}`
}

// newMemory returns a marshaler over a fresh fake module.
func newMemory(t *testing.T) (*wasmtest.Module, *wasm.Memory) {
	t.Helper()
	fake := wasmtest.New()
	return fake, wasm.NewMemory(fake, zaptest.NewLogger(t))
}

// readerSource streams data through Opener while declaring its own size.
type readerSource struct {
	name     string
	data     []byte
	declared int64
	openErr  error
	readErr  error
}

func (r *readerSource) Name() string { return r.name }

func (r *readerSource) Size() int64 { return r.declared }

func (r *readerSource) Open() (io.ReadCloser, error) {
	if r.openErr != nil {
		return nil, r.openErr
	}
	var rd io.Reader = bytes.NewReader(r.data)
	if r.readErr != nil {
		rd = io.MultiReader(rd, &failingReader{err: r.readErr})
	}
	return io.NopCloser(rd), nil
}

type failingReader struct {
	err error
}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, f.err
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func fakeLoader(fake *wasmtest.Module, calls *int) GuestLoader {
	return func(ctx context.Context) (wasm.Guest, error) {
		if calls != nil {
			*calls++
		}
		return fake, nil
	}
}
