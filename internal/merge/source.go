package merge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source is one backup archive to merge: a name, a declared byte size, and
// either Opener or ReadAller to get at the content.
type Source interface {
	Name() string
	Size() int64
}

// Opener is implemented by sources that can be read incrementally.
type Opener interface {
	Open() (io.ReadCloser, error)
}

// ReadAller is implemented by sources that can only hand over their whole
// content at once.
type ReadAller interface {
	ReadAll() ([]byte, error)
}

// ChunkReader yields a source's content in order. Next returns io.EOF after
// the last chunk. A returned chunk is only valid until the next call.
type ChunkReader interface {
	Next() ([]byte, error)
	Close() error
}

// DefaultChunkSize is used when no chunk size is configured.
const DefaultChunkSize = 64 << 10

// openChunks picks the chunk reader for src once; the upload loop never
// looks at which kind it got.
func openChunks(src Source, chunkSize int) (ChunkReader, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	switch s := src.(type) {
	case Opener:
		rc, err := s.Open()
		if err != nil {
			return nil, err
		}
		return &streamChunks{r: rc, buf: make([]byte, chunkSize)}, nil
	case ReadAller:
		return &wholeChunks{read: s.ReadAll}, nil
	}
	return nil, fmt.Errorf("source %s is neither an Opener nor a ReadAller", src.Name())
}

// streamChunks reads an io.Reader into a reused buffer.
type streamChunks struct {
	r   io.ReadCloser
	buf []byte
}

// maxEmptyReads bounds consecutive (0, nil) reads, as bufio does.
const maxEmptyReads = 100

func (c *streamChunks) Next() ([]byte, error) {
	for i := 0; i < maxEmptyReads; i++ {
		n, err := c.r.Read(c.buf)
		if n > 0 {
			// Report a trailing error on the following call.
			return c.buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, io.ErrNoProgress
}

func (c *streamChunks) Close() error {
	return c.r.Close()
}

// wholeChunks presents a whole-file read as a one-chunk stream.
type wholeChunks struct {
	read func() ([]byte, error)
	done bool
}

func (c *wholeChunks) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}
	c.done = true
	data, err := c.read()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, io.EOF
	}
	return data, nil
}

func (c *wholeChunks) Close() error {
	return nil
}

// FileSource is a backup on the local filesystem. Its size is declared when
// the source is created.
type FileSource struct {
	path string
	size int64
}

// NewFileSource stats path and declares its current size.
func NewFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &FileSource{path: path, size: info.Size()}, nil
}

func (f *FileSource) Name() string { return filepath.Base(f.path) }

func (f *FileSource) Size() int64 { return f.size }

func (f *FileSource) Open() (io.ReadCloser, error) { return os.Open(f.path) }

// BytesSource is a backup already held in memory. It has no incremental
// reader, so it goes through the whole-content path.
type BytesSource struct {
	SourceName string
	Data       []byte
	// DeclaredSize overrides len(Data) when non-negative.
	DeclaredSize int64
}

// NewBytesSource declares len(data) as the size.
func NewBytesSource(name string, data []byte) *BytesSource {
	return &BytesSource{SourceName: name, Data: data, DeclaredSize: -1}
}

func (b *BytesSource) Name() string { return b.SourceName }

func (b *BytesSource) Size() int64 {
	if b.DeclaredSize >= 0 {
		return b.DeclaredSize
	}
	return int64(len(b.Data))
}

func (b *BytesSource) ReadAll() ([]byte, error) { return b.Data, nil }
