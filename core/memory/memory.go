// Package memory implements the flat, byte addressed memory that AOT
// programs and compiled traces operate on.
//
// The address space is laid out as
//
//	[0, Base)                      unmapped, catches null dereferences
//	[Base, globalsEnd)             globals, placed at load time
//	[stackBase, stackBase+size)    frame stack used by alloca
//	[heapBase, ...)                heap, grows on demand
//
// Function addresses live in a separate range starting at FuncBase and are
// never backed by bytes. A Memory is owned by a single mutator.
package memory

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/aot"
)

const (
	// Base is the lowest mapped address.
	Base uint64 = 0x10000

	// FuncBase is the first function pseudo-address.
	FuncBase uint64 = 0x7f0000000000

	funcStride = 16
	align      = 8

	// DefaultStackSize is the size of the alloca stack.
	DefaultStackSize = 1 << 20
)

var (
	ErrOutOfBounds   = errors.New("memory access out of bounds")
	ErrStackOverflow = errors.New("stack overflow")
	ErrSealed        = errors.New("globals must be placed before the stack is used")
	ErrBadFree       = errors.New("free of a pointer that was not allocated")
)

// Memory is the address space of one program run.
type Memory struct {
	store []byte // backs [Base, Base+len(store))

	sealed    bool
	stackSize uint64
	stackBase uint64
	sp        uint64
	heapBase  uint64

	live map[uint64]int // heap allocations by address
}

// New returns an empty memory with the given alloca stack size.
func New(stackSize int) *Memory {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	return &Memory{stackSize: uint64(stackSize), live: make(map[uint64]int)}
}

func roundUp(n uint64) uint64 { return (n + align - 1) &^ (align - 1) }

func (m *Memory) top() uint64 { return Base + uint64(len(m.store)) }

func (m *Memory) grow(n uint64) uint64 {
	addr := m.top()
	m.store = append(m.store, make([]byte, n)...)
	return addr
}

// AllocGlobal reserves size bytes for a global and copies init into them.
func (m *Memory) AllocGlobal(size int, init []byte) (uint64, error) {
	if m.sealed {
		return 0, ErrSealed
	}
	addr := m.grow(roundUp(uint64(max(size, 1))))
	copy(m.store[addr-Base:], init)
	return addr, nil
}

func (m *Memory) seal() {
	if m.sealed {
		return
	}
	m.sealed = true
	m.stackBase = m.grow(m.stackSize)
	m.sp = m.stackBase
	m.heapBase = m.top()
}

// StackMark returns the current stack pointer. Passing it to Release frees
// everything allocated on the stack after the mark was taken.
func (m *Memory) StackMark() uint64 {
	m.seal()
	return m.sp
}

// Release pops the stack back to mark.
func (m *Memory) Release(mark uint64) {
	m.seal()
	if mark >= m.stackBase && mark <= m.sp {
		m.sp = mark
	}
}

// Alloca reserves zeroed stack memory.
func (m *Memory) Alloca(size int) (uint64, error) {
	m.seal()
	n := roundUp(uint64(max(size, 1)))
	if m.sp+n > m.stackBase+m.stackSize {
		return 0, ErrStackOverflow
	}
	addr := m.sp
	m.sp += n
	clear(m.store[addr-Base : m.sp-Base])
	return addr, nil
}

// Malloc reserves zeroed heap memory. A zero sized request returns a unique
// non-null pointer.
func (m *Memory) Malloc(size int) uint64 {
	m.seal()
	addr := m.grow(roundUp(uint64(max(size, 1))))
	m.live[addr] = size
	return addr
}

// Free releases a heap allocation. Freeing null is a no-op.
func (m *Memory) Free(addr uint64) error {
	if addr == 0 {
		return nil
	}
	if _, ok := m.live[addr]; !ok {
		return errors.Wrapf(ErrBadFree, "free(0x%x)", addr)
	}
	delete(m.live, addr)
	return nil
}

// Live returns the number of outstanding heap allocations.
func (m *Memory) Live() int { return len(m.live) }

// Bytes returns a view of n bytes starting at addr.
func (m *Memory) Bytes(addr uint64, n int) ([]byte, error) {
	if n < 0 || addr < Base || addr+uint64(n) > m.top() || addr+uint64(n) < addr {
		return nil, errors.Wrapf(ErrOutOfBounds, "access of %d bytes at 0x%x", n, addr)
	}
	off := addr - Base
	return m.store[off : off+uint64(n)], nil
}

// Load reads a value of type t from addr.
func (m *Memory) Load(addr uint64, t aot.Type) (uint64, error) {
	b, err := m.Bytes(addr, t.Size())
	if err != nil {
		return 0, err
	}
	switch len(b) {
	case 1:
		return t.Trunc(uint64(b[0])), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

// Store writes a value of type t to addr.
func (m *Memory) Store(addr uint64, t aot.Type, v uint64) error {
	b, err := m.Bytes(addr, t.Size())
	if err != nil {
		return err
	}
	switch len(b) {
	case 1:
		b[0] = byte(t.Trunc(v))
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	return nil
}

// CString reads a NUL terminated string starting at addr.
func (m *Memory) CString(addr uint64) (string, error) {
	if addr < Base || addr >= m.top() {
		return "", errors.Wrapf(ErrOutOfBounds, "string at 0x%x", addr)
	}
	tail := m.store[addr-Base:]
	for i, c := range tail {
		if c == 0 {
			return string(tail[:i]), nil
		}
	}
	return "", errors.Wrapf(ErrOutOfBounds, "unterminated string at 0x%x", addr)
}

// Copy implements memcpy; overlapping ranges behave like memmove.
func (m *Memory) Copy(dst, src uint64, n int) error {
	d, err := m.Bytes(dst, n)
	if err != nil {
		return err
	}
	s, err := m.Bytes(src, n)
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

// Set implements memset.
func (m *Memory) Set(dst uint64, c byte, n int) error {
	d, err := m.Bytes(dst, n)
	if err != nil {
		return err
	}
	for i := range d {
		d[i] = c
	}
	return nil
}

// FuncAddr returns the pseudo-address of the function with index idx.
func FuncAddr(idx int) uint64 { return FuncBase + uint64(idx)*funcStride }

// FuncIndex maps a function pseudo-address back to its index.
func FuncIndex(addr uint64) (int, bool) {
	if addr < FuncBase || (addr-FuncBase)%funcStride != 0 {
		return 0, false
	}
	return int((addr - FuncBase) / funcStride), true
}
