package rpc

import (
	"sandbox2/comms"
	serrors "sandbox2/errors"
)

// MemHandler is implemented by the sandboxee-side RPC stub to service
// the non-Call operations: allocation, symbol resolution, fd
// transfer and remote memory access. Dispatcher (Call/Return) and
// MemHandler are separate interfaces because a minimal test stub often
// only needs one of them.
type MemHandler interface {
	Allocate(size uint64) (uint64, error)
	Reallocate(addr, newSize uint64) (uint64, error)
	Free(addr uint64) error
	Symbol(name string) (uint64, error)
	Strlen(addr uint64) (uint64, error)
	MarkMemoryInitialized(addr, size uint64) error
	ReadMem(addr uint64, length int) ([]byte, error)
	WriteMem(addr uint64, data []byte) (int, error)
	SendFd(fd int) (int, error)
	RecvFd(remoteFd int) (int, error)
	CloseFd(remoteFd int) error
}

// WithMemHandler attaches a MemHandler so ServeOne can also answer the
// memory/symbol/fd operations, not just Call.
func (s *Server) WithMemHandler(h MemHandler) *Server {
	s.mem = h
	return s
}

// FrameHandler serves frames whose tags fall outside the core protocol:
// user-reserved tags and the remote-variable fast path. The handler owns
// whatever reply its protocol calls for.
type FrameHandler func(frame comms.Frame, ch *comms.Channel) error

// WithFrameHandler routes frames carrying tag to h instead of the core
// dispatch.
func (s *Server) WithFrameHandler(tag comms.Tag, h FrameHandler) *Server {
	if s.extra == nil {
		s.extra = make(map[comms.Tag]FrameHandler)
	}
	s.extra[tag] = h
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// serveMem handles one non-Call frame using the attached MemHandler. It
// returns ErrProtocol if no MemHandler was attached.
func (s *Server) serveMem(frame comms.Frame) error {
	if s.mem == nil {
		return serrors.ErrProtocol
	}

	switch frame.Tag {
	case comms.TagAllocate:
		var req AllocateRequest
		if err := decodeGob(frame.Payload, &req); err != nil {
			return err
		}
		addr, err := s.mem.Allocate(req.Size)
		return s.replyGob(comms.TagAllocateReturn, AllocateResponse{Addr: addr, Err: errString(err)})

	case comms.TagReallocate:
		var req ReallocateRequest
		if err := decodeGob(frame.Payload, &req); err != nil {
			return err
		}
		addr, err := s.mem.Reallocate(req.Addr, req.NewSize)
		return s.replyGob(comms.TagReallocateReturn, ReallocateResponse{Addr: addr, Err: errString(err)})

	case comms.TagFree:
		var req FreeRequest
		if err := decodeGob(frame.Payload, &req); err != nil {
			return err
		}
		err := s.mem.Free(req.Addr)
		return s.replyGob(comms.TagFreeReturn, FreeResponse{Err: errString(err)})

	case comms.TagSymbol:
		var req SymbolRequest
		if err := decodeGob(frame.Payload, &req); err != nil {
			return err
		}
		addr, err := s.mem.Symbol(req.Name)
		return s.replyGob(comms.TagSymbolReturn, SymbolResponse{Addr: addr, Err: errString(err)})

	case comms.TagStrlen:
		var req StrlenRequest
		if err := decodeGob(frame.Payload, &req); err != nil {
			return err
		}
		n, err := s.mem.Strlen(req.Addr)
		return s.replyGob(comms.TagStrlenReturn, StrlenResponse{Len: n, Err: errString(err)})

	case comms.TagMarkInit:
		var req MarkInitRequest
		if err := decodeGob(frame.Payload, &req); err != nil {
			return err
		}
		err := s.mem.MarkMemoryInitialized(req.Addr, req.Size)
		return s.replyGob(comms.TagMarkInitReturn, MarkInitResponse{Err: errString(err)})

	case comms.TagMemRead:
		var req MemReadRequest
		if err := decodeGob(frame.Payload, &req); err != nil {
			return err
		}
		data, err := s.mem.ReadMem(req.Addr, req.Length)
		return s.replyGob(comms.TagMemReadReturn, MemReadResponse{Data: data, Err: errString(err)})

	case comms.TagMemWrite:
		var req MemWriteRequest
		if err := decodeGob(frame.Payload, &req); err != nil {
			return err
		}
		n, err := s.mem.WriteMem(req.Addr, req.Data)
		return s.replyGob(comms.TagMemWriteReturn, MemWriteResponse{N: n, Err: errString(err)})

	case comms.TagSendFd:
		if len(frame.FDs) != 1 {
			return s.replyGob(comms.TagSendFdReturn, SendFdResponse{Err: "expected exactly one fd"})
		}
		remote, err := s.mem.SendFd(frame.FDs[0])
		return s.replyGob(comms.TagSendFdReturn, SendFdResponse{RemoteFd: remote, Err: errString(err)})

	case comms.TagRecvFd:
		var req RecvFdRequest
		if err := decodeGob(frame.Payload, &req); err != nil {
			return err
		}
		fd, err := s.mem.RecvFd(req.RemoteFd)
		if err != nil {
			return s.replyGob(comms.TagRecvFdReturn, FreeResponse{Err: err.Error()})
		}
		return s.ch.Send(comms.TagRecvFdReturn, nil, fd)

	case comms.TagCloseFd:
		var req CloseFdRequest
		if err := decodeGob(frame.Payload, &req); err != nil {
			return err
		}
		err := s.mem.CloseFd(req.RemoteFd)
		return s.replyGob(comms.TagCloseFdReturn, FreeResponse{Err: errString(err)})

	case comms.TagExit:
		return serrors.ErrChannelClosed

	default:
		return serrors.ErrProtocol
	}
}

func (s *Server) replyGob(tag comms.Tag, v any) error {
	payload, err := encodeGob(v)
	if err != nil {
		return err
	}
	return s.ch.Send(tag, payload)
}
