// Package wasmtest provides an in-process stand-in for the merge module.
//
// Module implements wasm.Guest over a Go byte slice and follows the same
// export contract as the compiled module, so marshaling, streaming and
// result handling can be tested without a Wasm binary.
package wasmtest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/abdon-gadgets/merge-jwl/internal/wasm"
	"github.com/tetratelabs/wazero/api"
)

// vector header layout: ptr, capacity, length, element size.
const headerSize = 16

type kind int

const (
	kindBytes kind = iota
	kindCollection
	kindResult
)

// MergeFunc produces the raw result payload for one merge call.
// Returning nil makes the export return a null handle.
type MergeFunc func(ctx context.Context, inputs [][]byte, date string) []byte

// Module is a fake merge module.
type Module struct {
	mu   sync.Mutex
	mem  []byte
	live map[uint32]kind

	// SelfCheck is returned by the self-check export.
	SelfCheck uint32

	// Merge handles the merge export. Nil returns a null handle.
	Merge MergeFunc

	// Started counts calls to the start export.
	Started int

	// Calls records every export called, in order.
	Calls []string
}

// New returns a fake module with an empty heap.
func New() *Module {
	return &Module{
		// Keep offset 0 unused so no handle is ever null.
		mem:       make([]byte, 8),
		live:      make(map[uint32]kind),
		SelfCheck: wasm.SelfCheckSentinel,
	}
}

// Live returns how many vectors and results are still allocated.
func (m *Module) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Called reports whether export was called at least once.
func (m *Module) Called(export string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Calls {
		if c == export {
			return true
		}
	}
	return false
}

// Read implements wasm.Guest.
func (m *Module) Read(offset, byteCount uint32) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(m.mem)) {
		return nil, false
	}
	return m.mem[offset:end], true
}

// Write implements wasm.Guest.
func (m *Module) Write(offset uint32, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(m.mem)) {
		return false
	}
	copy(m.mem[offset:end], data)
	return true
}

// Call implements wasm.Guest.
func (m *Module) Call(ctx context.Context, export string, params ...uint64) ([]uint64, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, export)
	m.mu.Unlock()

	arg := func(i int) uint32 {
		if i >= len(params) {
			return 0
		}
		return api.DecodeU32(params[i])
	}
	ret := func(v uint32) ([]uint64, error) {
		return []uint64{api.EncodeU32(v)}, nil
	}

	switch export {
	case wasm.ExportStart:
		m.mu.Lock()
		m.Started++
		m.mu.Unlock()
		return nil, nil
	case wasm.ExportSelfCheck:
		return ret(m.SelfCheck)
	case wasm.ExportAllocBytes:
		return ret(m.newVector(arg(0), 1, kindBytes))
	case wasm.ExportAllocCollection:
		return ret(m.newVector(arg(0), 4, kindCollection))
	case wasm.ExportCapacity, wasm.ExportLength, wasm.ExportBuffer:
		h, err := m.header(arg(0))
		if err != nil {
			return nil, err
		}
		switch export {
		case wasm.ExportCapacity:
			return ret(h.capacity)
		case wasm.ExportLength:
			return ret(h.length)
		default:
			return ret(h.ptr)
		}
	case wasm.ExportSetLength:
		return nil, m.setLength(arg(0), arg(1))
	case wasm.ExportReleaseBytes:
		return nil, m.drop(arg(0), kindBytes, kindCollection)
	case wasm.ExportReleaseResult:
		return nil, m.drop(arg(0), kindResult)
	case wasm.ExportMerge:
		return m.merge(ctx, arg(0), arg(1))
	}
	return nil, fmt.Errorf("wasmtest: unknown export %q", export)
}

type header struct {
	ptr, capacity, length, elem uint32
}

func (m *Module) header(handle uint32) (header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headerLocked(handle)
}

func (m *Module) headerLocked(handle uint32) (header, error) {
	if _, ok := m.live[handle]; !ok {
		return header{}, fmt.Errorf("wasmtest: use of dead handle %d", handle)
	}
	b := m.mem[handle : handle+headerSize]
	return header{
		ptr:      binary.LittleEndian.Uint32(b[0:]),
		capacity: binary.LittleEndian.Uint32(b[4:]),
		length:   binary.LittleEndian.Uint32(b[8:]),
		elem:     binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

func (m *Module) alloc(n uint32) uint32 {
	// 8-byte alignment, like a real allocator.
	for len(m.mem)%8 != 0 {
		m.mem = append(m.mem, 0)
	}
	off := uint32(len(m.mem))
	m.mem = append(m.mem, make([]byte, n)...)
	return off
}

func (m *Module) newVector(capacity, elem uint32, k kind) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newVectorLocked(capacity, elem, k)
}

func (m *Module) newVectorLocked(capacity, elem uint32, k kind) uint32 {
	handle := m.alloc(headerSize)
	ptr := m.alloc(capacity * elem)
	b := m.mem[handle : handle+headerSize]
	binary.LittleEndian.PutUint32(b[0:], ptr)
	binary.LittleEndian.PutUint32(b[4:], capacity)
	binary.LittleEndian.PutUint32(b[8:], 0)
	binary.LittleEndian.PutUint32(b[12:], elem)
	m.live[handle] = k
	return handle
}

func (m *Module) setLength(handle, n uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.headerLocked(handle)
	if err != nil {
		return err
	}
	if n > h.capacity {
		return fmt.Errorf("wasmtest: set length %d beyond capacity %d", n, h.capacity)
	}
	binary.LittleEndian.PutUint32(m.mem[handle+8:], n)
	return nil
}

func (m *Module) drop(handle uint32, allowed ...kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropLocked(handle, allowed...)
}

func (m *Module) dropLocked(handle uint32, allowed ...kind) error {
	k, ok := m.live[handle]
	if !ok {
		return fmt.Errorf("wasmtest: double free of handle %d", handle)
	}
	permitted := false
	for _, a := range allowed {
		if a == k {
			permitted = true
		}
	}
	if !permitted {
		return fmt.Errorf("wasmtest: handle %d released through the wrong export", handle)
	}
	if k == kindCollection {
		h, _ := m.headerLocked(handle)
		for i := uint32(0); i < h.length; i++ {
			member := binary.LittleEndian.Uint32(m.mem[h.ptr+i*4:])
			if err := m.dropLocked(member, kindBytes); err != nil {
				return err
			}
		}
	}
	delete(m.live, handle)
	return nil
}

func (m *Module) bytesLocked(handle uint32) ([]byte, error) {
	h, err := m.headerLocked(handle)
	if err != nil {
		return nil, err
	}
	out := make([]byte, h.length*h.elem)
	copy(out, m.mem[h.ptr:h.ptr+h.length*h.elem])
	return out, nil
}

// merge consumes the collection and the date, then hands them to Merge.
func (m *Module) merge(ctx context.Context, collHandle, dateHandle uint32) ([]uint64, error) {
	m.mu.Lock()
	coll, err := m.headerLocked(collHandle)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	inputs := make([][]byte, 0, coll.length)
	for i := uint32(0); i < coll.length; i++ {
		member := binary.LittleEndian.Uint32(m.mem[coll.ptr+i*4:])
		b, err := m.bytesLocked(member)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		inputs = append(inputs, b)
	}
	date, err := m.bytesLocked(dateHandle)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.dropLocked(collHandle, kindCollection); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.dropLocked(dateHandle, kindBytes); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	fn := m.Merge
	m.mu.Unlock()

	if fn == nil {
		return []uint64{0}, nil
	}
	payload := fn(ctx, inputs, string(date))
	if payload == nil {
		return []uint64{0}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	handle := m.newVectorLocked(uint32(len(payload)), 1, kindResult)
	h, _ := m.headerLocked(handle)
	copy(m.mem[h.ptr:], payload)
	binary.LittleEndian.PutUint32(m.mem[handle+8:], uint32(len(payload)))
	return []uint64{api.EncodeU32(handle)}, nil
}

// Report delivers module stage codes to the hooks bound to ctx, the way
// the compiled module's progress import does.
func Report(ctx context.Context, codes ...uint32) {
	hooks := wasm.CallHooksFrom(ctx)
	if hooks == nil || hooks.Progress == nil {
		return
	}
	for _, c := range codes {
		hooks.Progress(c)
	}
}

// Panic delivers a panic message to the hooks bound to ctx.
func Panic(ctx context.Context, msg string) {
	if hooks := wasm.CallHooksFrom(ctx); hooks != nil && hooks.Panic != nil {
		hooks.Panic(msg)
	}
}
