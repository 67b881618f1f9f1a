// Package sandboxee is the in-process RPC stub a forkserver helper
// binary serves its children with: a function registry standing in for
// the dynamic linker, and a memory handler exposing real (Go-allocated)
// buffers at real addresses so the supervisor's remote-memory RPCs and
// variable transfers operate on the same bytes a registered function
// sees.
//
// A production helper embedding a native library registers cgo shims
// here; pure-Go helpers and tests register ordinary Go functions.
package sandboxee

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"sandbox2/rpc"
)

// Func is one callable the supervisor may invoke by symbol name: raw
// argument words in, raw return word out, matching the function-call
// payload shape.
type Func func(args []uint64) (uint64, error)

// Stub implements rpc.Dispatcher and rpc.MemHandler over a symbol
// registry and a table of live allocations.
type Stub struct {
	mu     sync.Mutex
	funcs  map[string]Func
	byAddr map[uint64]string
	nextID uint64

	allocs map[uint64][]byte // base address -> backing slice, kept alive here
}

// NewStub returns an empty stub; register functions before serving.
func NewStub() *Stub {
	return &Stub{
		funcs:  make(map[string]Func),
		byAddr: make(map[uint64]string),
		nextID: 0x1000,
		allocs: make(map[uint64][]byte),
	}
}

// Register makes fn callable as name and returns the pseudo-address the
// symbol resolves to (stable for the life of the stub).
func (s *Stub) Register(name string, fn Func) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs[name] = fn
	addr := s.nextID
	s.nextID += 0x10
	s.byAddr[addr] = name
	return addr
}

// Dispatch implements rpc.Dispatcher.
func (s *Stub) Dispatch(call rpc.Call) (uint64, error) {
	s.mu.Lock()
	name := call.Symbol
	if name == "" {
		name = s.byAddr[call.Addr]
	}
	fn, ok := s.funcs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("undefined symbol %q", call.Symbol)
	}
	return fn(call.Args)
}

// Allocate implements rpc.MemHandler: the buffer is real process
// memory, addressed by the pointer to its first byte, so registered
// functions can cast argument words back to slices via Bytes.
func (s *Stub) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	s.mu.Lock()
	s.allocs[addr] = buf
	s.mu.Unlock()
	return addr, nil
}

// Reallocate implements rpc.MemHandler.
func (s *Stub) Reallocate(addr, newSize uint64) (uint64, error) {
	s.mu.Lock()
	old, ok := s.allocs[addr]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("reallocate of unknown address %#x", addr)
	}
	na, err := s.Allocate(newSize)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	copy(s.allocs[na], old)
	delete(s.allocs, addr)
	s.mu.Unlock()
	return na, nil
}

// Free implements rpc.MemHandler.
func (s *Stub) Free(addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.allocs[addr]; !ok {
		return fmt.Errorf("free of unknown address %#x", addr)
	}
	delete(s.allocs, addr)
	return nil
}

// Symbol implements rpc.MemHandler against the registry instead of a
// real dynamic linker.
func (s *Stub) Symbol(name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, n := range s.byAddr {
		if n == name {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("undefined symbol %q", name)
}

// find locates the allocation containing addr. Caller holds s.mu.
func (s *Stub) find(addr uint64) (uint64, []byte, bool) {
	for base, buf := range s.allocs {
		if addr >= base && addr < base+uint64(len(buf)) {
			return base, buf, true
		}
	}
	return 0, nil, false
}

// Bytes returns the live slice window [addr, addr+length) of an
// allocation, for registered functions decoding pointer arguments.
func (s *Stub) Bytes(addr, length uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, buf, ok := s.find(addr)
	if !ok {
		return nil, fmt.Errorf("address %#x outside any allocation", addr)
	}
	off := addr - base
	if off+length > uint64(len(buf)) {
		return nil, fmt.Errorf("range [%#x,+%d) escapes its allocation", addr, length)
	}
	return buf[off : off+length], nil
}

// Strlen implements rpc.MemHandler.
func (s *Stub) Strlen(addr uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base, buf, ok := s.find(addr)
	if !ok {
		return 0, fmt.Errorf("address %#x outside any allocation", addr)
	}
	for i := addr - base; i < uint64(len(buf)); i++ {
		if buf[i] == 0 {
			return i - (addr - base), nil
		}
	}
	return 0, fmt.Errorf("no NUL before end of allocation at %#x", addr)
}

// MarkMemoryInitialized implements rpc.MemHandler; without a memory
// sanitizer in the build it has nothing to do.
func (s *Stub) MarkMemoryInitialized(addr, size uint64) error { return nil }

// ReadMem implements rpc.MemHandler.
func (s *Stub) ReadMem(addr uint64, length int) ([]byte, error) {
	window, err := s.Bytes(addr, uint64(length))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), window...), nil
}

// WriteMem implements rpc.MemHandler.
func (s *Stub) WriteMem(addr uint64, data []byte) (int, error) {
	window, err := s.Bytes(addr, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	copy(window, data)
	return len(data), nil
}

// SendFd implements rpc.MemHandler: the descriptor already arrived in
// this process via SCM_RIGHTS, so its number is the remote fd.
func (s *Stub) SendFd(fd int) (int, error) { return fd, nil }

// RecvFd implements rpc.MemHandler: duplicate so the supervisor's copy
// and ours close independently.
func (s *Stub) RecvFd(remoteFd int) (int, error) {
	return unix.Dup(remoteFd)
}

// CloseFd implements rpc.MemHandler.
func (s *Stub) CloseFd(remoteFd int) error { return unix.Close(remoteFd) }

var errBadArgs = fmt.Errorf("wrong argument count")

var (
	_ rpc.Dispatcher = (*Stub)(nil)
	_ rpc.MemHandler = (*Stub)(nil)
)
