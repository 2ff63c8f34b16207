package wasm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Guest is the part of an instantiated module the marshaler needs: export
// calls and raw access to linear memory. *Instance implements it.
type Guest interface {
	Call(ctx context.Context, export string, params ...uint64) ([]uint64, error)
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, data []byte) bool
}

// handleSize is the width of one vector handle inside a collection.
const handleSize = 4

// Vector is a module-owned byte buffer. Capacity and buffer offset are fixed
// at allocation; the host only ever sees the handle through Memory.
type Vector struct {
	handle   uint32
	capacity uint32
	offset   uint32
	// elem is 1 for byte vectors and handleSize for collections.
	elem uint32

	length      uint32
	released    bool
	transferred bool
}

// Handle returns the module-side handle, for passing to an export.
func (v *Vector) Handle() uint32 {
	return v.handle
}

// Memory marshals byte vectors across the module boundary. It is the only
// code that reads or writes linear memory on behalf of the host; every call
// is serialized because the module instance is not reentrant.
type Memory struct {
	mu     sync.Mutex
	guest  Guest
	logger *zap.Logger
}

// NewMemory creates a marshaler over guest.
func NewMemory(guest Guest, logger *zap.Logger) *Memory {
	return &Memory{
		guest:  guest,
		logger: logger.With(zap.String("component", "wasm-memory")),
	}
}

func (m *Memory) call(ctx context.Context, export string, params ...uint64) (uint32, error) {
	results, err := m.guest.Call(ctx, export, params...)
	if err != nil {
		return 0, &CallError{FunctionName: export, Err: err}
	}
	if len(results) == 0 {
		return 0, nil
	}
	return api.DecodeU32(results[0]), nil
}

// Allocate creates a byte vector with the given capacity and zero length.
func (m *Memory) Allocate(ctx context.Context, capacity uint32) (*Vector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocate(ctx, ExportAllocBytes, capacity, 1)
}

func (m *Memory) allocate(ctx context.Context, export string, capacity, elem uint32) (*Vector, error) {
	handle, err := m.call(ctx, export, api.EncodeU32(capacity))
	if err != nil {
		return nil, err
	}
	if handle == 0 {
		return nil, &MemoryAccessError{
			Operation: "allocate",
			Length:    capacity,
			Err:       fmt.Errorf("%s returned a null handle", export),
		}
	}

	v := &Vector{handle: handle, elem: elem}

	actual, err := m.call(ctx, ExportCapacity, api.EncodeU32(handle))
	if err != nil {
		m.dropLocked(ctx, v)
		return nil, err
	}
	// The module may round up; anything beyond the request is never used.
	if actual < capacity {
		m.dropLocked(ctx, v)
		return nil, &MemoryAccessError{
			Operation: "allocate",
			Address:   handle,
			Length:    capacity,
			Err:       fmt.Errorf("module granted capacity %d", actual),
		}
	}
	v.capacity = capacity

	if v.offset, err = m.call(ctx, ExportBuffer, api.EncodeU32(handle)); err != nil {
		m.dropLocked(ctx, v)
		return nil, err
	}
	return v, nil
}

// Capacity returns the capacity fixed at allocation.
func (m *Memory) Capacity(v *Vector) uint32 {
	return v.capacity
}

// Length asks the module for the vector's current length.
func (m *Memory) Length(ctx context.Context, v *Vector) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := usable(v); err != nil {
		return 0, err
	}
	return m.call(ctx, ExportLength, api.EncodeU32(v.handle))
}

// SetLength marks the first n elements as initialized.
// It fails with ErrCapacityExceeded before reaching the module when
// n > capacity.
func (m *Memory) SetLength(ctx context.Context, v *Vector, n uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLength(ctx, v, n)
}

func (m *Memory) setLength(ctx context.Context, v *Vector, n uint32) error {
	if err := usable(v); err != nil {
		return err
	}
	if n > v.capacity {
		return fmt.Errorf("set length %d on capacity %d: %w", n, v.capacity, ErrCapacityExceeded)
	}
	if _, err := m.call(ctx, ExportSetLength, api.EncodeU32(v.handle), api.EncodeU32(n)); err != nil {
		return err
	}
	v.length = n
	return nil
}

// WriteAt copies data into the vector at byte position pos.
// The whole range must fit within capacity; nothing is written otherwise.
func (m *Memory) WriteAt(v *Vector, pos uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeAt(v, pos, data)
}

func (m *Memory) writeAt(v *Vector, pos uint32, data []byte) error {
	if err := usable(v); err != nil {
		return err
	}
	limit := uint64(v.capacity) * uint64(v.elem)
	if uint64(pos)+uint64(len(data)) > limit {
		return fmt.Errorf("write %d bytes at %d into capacity %d: %w",
			len(data), pos, limit, ErrCapacityExceeded)
	}
	if len(data) == 0 {
		return nil
	}
	if !m.guest.Write(v.offset+pos, data) {
		return &MemoryAccessError{
			Operation: "write",
			Address:   v.offset + pos,
			Length:    uint32(len(data)),
			Err:       fmt.Errorf("outside linear memory"),
		}
	}
	return nil
}

// Bytes returns a host-owned copy of the vector's initialized bytes.
func (m *Memory) Bytes(ctx context.Context, v *Vector) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := usable(v); err != nil {
		return nil, err
	}
	n, err := m.call(ctx, ExportLength, api.EncodeU32(v.handle))
	if err != nil {
		return nil, err
	}
	if n > v.capacity {
		return nil, &MemoryAccessError{
			Operation: "read",
			Address:   v.offset,
			Length:    n,
			Err:       fmt.Errorf("length exceeds capacity %d: %w", v.capacity, ErrCapacityExceeded),
		}
	}
	return m.read(v.offset, n*v.elem)
}

func (m *Memory) read(offset, n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	view, ok := m.guest.Read(offset, n)
	if !ok {
		return nil, &MemoryAccessError{
			Operation: "read",
			Address:   offset,
			Length:    n,
			Err:       fmt.Errorf("outside linear memory"),
		}
	}
	// view aliases linear memory, which the next module call may move.
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// Release frees a byte vector the host still owns.
// A second release returns ErrVectorReleased without calling the module.
func (m *Memory) Release(ctx context.Context, v *Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := usable(v); err != nil {
		return err
	}
	v.released = true
	_, err := m.call(ctx, ExportReleaseBytes, api.EncodeU32(v.handle))
	return err
}

// NewCollection builds a vector of vectors from members, in order.
// Members become owned by the collection; on error nothing is transferred
// and the collection itself is released.
func (m *Memory) NewCollection(ctx context.Context, members []*Vector) (*Vector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, v := range members {
		if err := usable(v); err != nil {
			return nil, fmt.Errorf("collection member %d: %w", i, err)
		}
	}

	coll, err := m.allocate(ctx, ExportAllocCollection, uint32(len(members)), handleSize)
	if err != nil {
		return nil, err
	}

	slots := make([]byte, len(members)*handleSize)
	for i, v := range members {
		binary.LittleEndian.PutUint32(slots[i*handleSize:], v.handle)
	}
	if err := m.writeAt(coll, 0, slots); err != nil {
		m.releaseQuiet(ctx, coll)
		return nil, err
	}
	if err := m.setLength(ctx, coll, uint32(len(members))); err != nil {
		m.releaseQuiet(ctx, coll)
		return nil, err
	}

	for _, v := range members {
		v.transferred = true
	}
	return coll, nil
}

// releaseQuiet frees a collection whose members have not been transferred.
// Members stay owned by the caller.
//
// The module exports no drop for a vector of vectors, so the collection goes
// through the byte-vector drop. With its length zeroed first the module frees
// the backing buffer only, under the byte layout rather than the handle
// layout it was allocated with.
func (m *Memory) releaseQuiet(ctx context.Context, coll *Vector) {
	if _, err := m.call(ctx, ExportSetLength, api.EncodeU32(coll.handle), 0); err != nil {
		m.logger.Error("Failed to empty collection before release; collection leaked",
			zap.Uint32("handle", coll.handle),
			zap.Error(err),
		)
		return
	}
	m.dropLocked(ctx, coll)
}

// EncodeText copies s into a new vector as UTF-8.
func (m *Memory) EncodeText(ctx context.Context, s string) (*Vector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.allocate(ctx, ExportAllocBytes, uint32(len(s)), 1)
	if err != nil {
		return nil, err
	}
	if err := m.writeAt(v, 0, []byte(s)); err != nil {
		m.dropLocked(ctx, v)
		return nil, err
	}
	if err := m.setLength(ctx, v, uint32(len(s))); err != nil {
		m.dropLocked(ctx, v)
		return nil, err
	}
	return v, nil
}

// DecodeText reads the vector as UTF-8 text.
func (m *Memory) DecodeText(ctx context.Context, v *Vector) (string, error) {
	b, err := m.Bytes(ctx, v)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", &MemoryAccessError{
			Operation: "decode",
			Address:   v.offset,
			Length:    uint32(len(b)),
			Err:       fmt.Errorf("invalid UTF-8"),
		}
	}
	return string(b), nil
}

// ReadResult copies the bytes of a result vector returned by the merge
// export. Result vectors are owned by the module until ReleaseResult.
func (m *Memory) ReadResult(ctx context.Context, handle uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	capacity, err := m.call(ctx, ExportCapacity, api.EncodeU32(handle))
	if err != nil {
		return nil, err
	}
	length, err := m.call(ctx, ExportLength, api.EncodeU32(handle))
	if err != nil {
		return nil, err
	}
	if length > capacity {
		return nil, &MemoryAccessError{
			Operation: "read",
			Address:   handle,
			Length:    length,
			Err:       fmt.Errorf("length exceeds capacity %d: %w", capacity, ErrCapacityExceeded),
		}
	}
	offset, err := m.call(ctx, ExportBuffer, api.EncodeU32(handle))
	if err != nil {
		return nil, err
	}
	return m.read(offset, length)
}

// Merge passes the input collection and the date to the merge export and
// returns the result handle, which is 0 when the module gave up. Both
// vectors are owned by the module from here on, even if the call fails.
func (m *Memory) Merge(ctx context.Context, inputs, date *Vector) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := usable(inputs); err != nil {
		return 0, fmt.Errorf("merge inputs: %w", err)
	}
	if err := usable(date); err != nil {
		return 0, fmt.Errorf("merge date: %w", err)
	}
	inputs.transferred = true
	date.transferred = true

	return m.call(ctx, ExportMerge, api.EncodeU32(inputs.handle), api.EncodeU32(date.handle))
}

// ReleaseResult frees a result handle. Callers must call it exactly once.
func (m *Memory) ReleaseResult(ctx context.Context, handle uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.call(ctx, ExportReleaseResult, api.EncodeU32(handle))
	return err
}

func (m *Memory) dropLocked(ctx context.Context, v *Vector) {
	v.released = true
	if _, err := m.call(ctx, ExportReleaseBytes, api.EncodeU32(v.handle)); err != nil {
		m.logger.Error("Failed to release vector",
			zap.Uint32("handle", v.handle),
			zap.Error(err),
		)
	}
}

func usable(v *Vector) error {
	switch {
	case v == nil:
		return fmt.Errorf("nil vector")
	case v.released:
		return ErrVectorReleased
	case v.transferred:
		return ErrVectorTransferred
	}
	return nil
}
