// Memory, symbol and fd-transfer operations beyond
// Call/Return. Each operation is a small gob-encoded request/response pair
// carried over its own reserved comms.Tag, following the same framing
// Invoke/ServeOne already use for calls.
package rpc

import (
	"bytes"
	"encoding/gob"

	"sandbox2/comms"
	serrors "sandbox2/errors"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(payload []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(v)
}

// AllocateRequest asks the sandboxee's RPC stub to reserve size bytes.
type AllocateRequest struct{ Size uint64 }

// AllocateResponse carries the allocated address, or Err if allocation
// failed (e.g. the sandboxee's heap is exhausted).
type AllocateResponse struct {
	Addr uint64
	Err  string
}

// Allocate reserves size bytes in the sandboxee's address space.
func (c *Client) Allocate(size uint64) (uint64, error) {
	var resp AllocateResponse
	if err := c.roundTrip(comms.TagAllocate, AllocateRequest{Size: size}, comms.TagAllocateReturn, &resp, "rpc.Allocate"); err != nil {
		return 0, err
	}
	if resp.Err != "" {
		return 0, serrors.WrapWithDetail(nil, serrors.ErrResourceExhausted, "rpc.Allocate", resp.Err)
	}
	return resp.Addr, nil
}

// ReallocateRequest asks for an existing allocation to be resized,
// possibly moving it.
type ReallocateRequest struct {
	Addr    uint64
	NewSize uint64
}

// ReallocateResponse carries the (possibly new) address.
type ReallocateResponse struct {
	Addr uint64
	Err  string
}

// Reallocate resizes a previously allocated remote buffer.
func (c *Client) Reallocate(addr, newSize uint64) (uint64, error) {
	var resp ReallocateResponse
	if err := c.roundTrip(comms.TagReallocate, ReallocateRequest{Addr: addr, NewSize: newSize}, comms.TagReallocateReturn, &resp, "rpc.Reallocate"); err != nil {
		return 0, err
	}
	if resp.Err != "" {
		return 0, serrors.WrapWithDetail(nil, serrors.ErrResourceExhausted, "rpc.Reallocate", resp.Err)
	}
	return resp.Addr, nil
}

// FreeRequest releases a remote allocation.
type FreeRequest struct{ Addr uint64 }

// FreeResponse reports whether the free succeeded.
type FreeResponse struct{ Err string }

// Free releases a remote buffer previously returned by Allocate.
func (c *Client) Free(addr uint64) error {
	var resp FreeResponse
	if err := c.roundTrip(comms.TagFree, FreeRequest{Addr: addr}, comms.TagFreeReturn, &resp, "rpc.Free"); err != nil {
		return err
	}
	if resp.Err != "" {
		return serrors.WrapWithDetail(nil, serrors.ErrFailedPrecondition, "rpc.Free", resp.Err)
	}
	return nil
}

// SymbolRequest resolves a dynamic symbol name inside the sandboxee.
type SymbolRequest struct{ Name string }

// SymbolResponse carries the resolved address.
type SymbolResponse struct {
	Addr uint64
	Err  string
}

// Symbol resolves name via the sandboxee's dynamic linker.
func (c *Client) Symbol(name string) (uint64, error) {
	var resp SymbolResponse
	if err := c.roundTrip(comms.TagSymbol, SymbolRequest{Name: name}, comms.TagSymbolReturn, &resp, "rpc.Symbol"); err != nil {
		return 0, err
	}
	if resp.Err != "" {
		return 0, serrors.WrapWithDetail(nil, serrors.ErrNotFound, "rpc.Symbol", resp.Err)
	}
	return resp.Addr, nil
}

// StrlenRequest measures a NUL-terminated remote string.
type StrlenRequest struct{ Addr uint64 }

// StrlenResponse carries the measured length.
type StrlenResponse struct {
	Len uint64
	Err string
}

// Strlen returns the length of the NUL-terminated string at addr.
func (c *Client) Strlen(addr uint64) (uint64, error) {
	var resp StrlenResponse
	if err := c.roundTrip(comms.TagStrlen, StrlenRequest{Addr: addr}, comms.TagStrlenReturn, &resp, "rpc.Strlen"); err != nil {
		return 0, err
	}
	if resp.Err != "" {
		return 0, serrors.WrapWithDetail(nil, serrors.ErrInvalidArgument, "rpc.Strlen", resp.Err)
	}
	return resp.Len, nil
}

// MarkInitRequest is a memory-sanitizer hint; it is a no-op at the
// kernel level and exists only so instrumented sandboxee builds can
// suppress false positives on buffers the supervisor filled directly.
type MarkInitRequest struct {
	Addr uint64
	Size uint64
}

// MarkInitResponse acknowledges the hint.
type MarkInitResponse struct{ Err string }

// MarkMemoryInitialized hints to the sandboxee's memory sanitizer (if
// any) that [addr, addr+size) has been initialized by the supervisor.
func (c *Client) MarkMemoryInitialized(addr, size uint64) error {
	var resp MarkInitResponse
	if err := c.roundTrip(comms.TagMarkInit, MarkInitRequest{Addr: addr, Size: size}, comms.TagMarkInitReturn, &resp, "rpc.MarkMemoryInitialized"); err != nil {
		return err
	}
	if resp.Err != "" {
		return serrors.WrapWithDetail(nil, serrors.ErrInvalidArgument, "rpc.MarkMemoryInitialized", resp.Err)
	}
	return nil
}

// SendFdRequest asks the sandboxee to accept a duplicated fd, which
// arrives as ancillary data alongside this frame.
type SendFdRequest struct{}

// SendFdResponse carries the fd number as seen inside the sandboxee.
type SendFdResponse struct {
	RemoteFd int
	Err      string
}

// SendFdToSandboxee duplicates fd into the sandboxee and returns the
// descriptor number it was assigned there.
func (c *Client) SendFdToSandboxee(fd int) (int, error) {
	if c.closed.Load() {
		return 0, serrors.ErrChannelClosed
	}
	if err := c.ch.Send(comms.TagSendFd, nil, fd); err != nil {
		return 0, c.fail(err, "rpc.SendFdToSandboxee")
	}
	var resp SendFdResponse
	frame, err := c.ch.Recv()
	if err != nil {
		return 0, c.fail(err, "rpc.SendFdToSandboxee")
	}
	if frame.Tag != comms.TagSendFdReturn {
		return 0, c.fail(serrors.ErrProtocol, "rpc.SendFdToSandboxee")
	}
	if err := decodeGob(frame.Payload, &resp); err != nil {
		return 0, c.fail(err, "rpc.SendFdToSandboxee")
	}
	if resp.Err != "" {
		return 0, serrors.WrapWithDetail(nil, serrors.ErrInvalidArgument, "rpc.SendFdToSandboxee", resp.Err)
	}
	return resp.RemoteFd, nil
}

// RecvFdRequest asks the sandboxee to duplicate one of its own fds back
// to the supervisor.
type RecvFdRequest struct{ RemoteFd int }

// RecvFdFromSandboxee asks the sandboxee to hand back remoteFd as a
// locally-usable fd, carried via SCM_RIGHTS on the reply frame.
func (c *Client) RecvFdFromSandboxee(remoteFd int) (int, error) {
	if c.closed.Load() {
		return 0, serrors.ErrChannelClosed
	}
	payload, err := encodeGob(RecvFdRequest{RemoteFd: remoteFd})
	if err != nil {
		return 0, serrors.Wrap(err, serrors.ErrInternal, "rpc.RecvFdFromSandboxee")
	}
	if err := c.ch.Send(comms.TagRecvFd, payload); err != nil {
		return 0, c.fail(err, "rpc.RecvFdFromSandboxee")
	}
	frame, err := c.ch.RecvWithFDs(1)
	if err != nil {
		return 0, c.fail(err, "rpc.RecvFdFromSandboxee")
	}
	if frame.Tag != comms.TagRecvFdReturn {
		return 0, c.fail(serrors.ErrProtocol, "rpc.RecvFdFromSandboxee")
	}
	if len(frame.FDs) != 1 {
		return 0, serrors.New(serrors.ErrInternal, "rpc.RecvFdFromSandboxee", "expected exactly one fd")
	}
	return frame.FDs[0], nil
}

// CloseFdRequest closes a remote descriptor without transferring it back.
type CloseFdRequest struct{ RemoteFd int }

// CloseFdInSandboxee closes remoteFd inside the sandboxee.
func (c *Client) CloseFdInSandboxee(remoteFd int) error {
	var resp FreeResponse
	if err := c.roundTrip(comms.TagCloseFd, CloseFdRequest{RemoteFd: remoteFd}, comms.TagCloseFdReturn, &resp, "rpc.CloseFdInSandboxee"); err != nil {
		return err
	}
	if resp.Err != "" {
		return serrors.WrapWithDetail(nil, serrors.ErrInvalidArgument, "rpc.CloseFdInSandboxee", resp.Err)
	}
	return nil
}

// Exit asks the sandboxee's RPC stub to _exit(0) cleanly.
func (c *Client) Exit() error {
	if c.closed.Load() {
		return serrors.ErrChannelClosed
	}
	if err := c.ch.Send(comms.TagExit, nil); err != nil {
		return c.fail(err, "rpc.Exit")
	}
	// The sandboxee exits without replying in the common case; a reply,
	// if one arrives before the channel closes, is consumed but ignored.
	if _, err := c.ch.Recv(); err != nil {
		c.closed.Store(true)
	}
	return nil
}

// MemReadRequest reads length bytes from the sandboxee's address space
// starting at addr, via the chunked-read fallback path
// (the rvar package's TagRVar frames are the fast-path alternative used
// for bulk variable transfers).
type MemReadRequest struct {
	Addr   uint64
	Length int
}

// MemReadResponse carries the bytes read.
type MemReadResponse struct {
	Data []byte
	Err  string
}

// ReadAt implements rpc.MemReader: it reads len(p) bytes from the
// sandboxee's memory at addr.
func (c *Client) ReadAt(addr uint64, p []byte) (int, error) {
	var resp MemReadResponse
	if err := c.roundTrip(comms.TagMemRead, MemReadRequest{Addr: addr, Length: len(p)}, comms.TagMemReadReturn, &resp, "rpc.ReadAt"); err != nil {
		return 0, err
	}
	if resp.Err != "" {
		return 0, serrors.WrapWithDetail(nil, serrors.ErrInvalidArgument, "rpc.ReadAt", resp.Err)
	}
	n := copy(p, resp.Data)
	return n, nil
}

// MemWriteRequest writes Data into the sandboxee's memory at Addr.
type MemWriteRequest struct {
	Addr uint64
	Data []byte
}

// MemWriteResponse reports how many bytes were written.
type MemWriteResponse struct {
	N   int
	Err string
}

// WriteAt implements rpc.MemWriter: it writes p into the sandboxee's
// memory at addr.
func (c *Client) WriteAt(addr uint64, p []byte) (int, error) {
	var resp MemWriteResponse
	if err := c.roundTrip(comms.TagMemWrite, MemWriteRequest{Addr: addr, Data: p}, comms.TagMemWriteReturn, &resp, "rpc.WriteAt"); err != nil {
		return 0, err
	}
	if resp.Err != "" {
		return 0, serrors.WrapWithDetail(nil, serrors.ErrInvalidArgument, "rpc.WriteAt", resp.Err)
	}
	return resp.N, nil
}

// MemReader is the remote-memory read interface *Client implements. It
// has the same method set as syscalltable.MemReader, so a *Client can be
// passed to syscalltable.Describe; reads are neither capped nor escaped
// here.
type MemReader interface {
	ReadAt(addr uint64, p []byte) (int, error)
}

// MemWriter is the remote-memory write counterpart to MemReader.
type MemWriter interface {
	WriteAt(addr uint64, p []byte) (int, error)
}
