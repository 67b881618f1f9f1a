package sandboxee

import (
	"sandbox2/comms"
	"sandbox2/rvar"
)

// HandleRVar serves the remote-variable fast-path frames: a write frame
// copies inline data into the addressed allocation and has no reply; a
// read frame answers with a TagRVar frame carrying the requested bytes
// (empty on a bad address, which the supervisor treats as a failed
// sync). Attach with rpc.Server.WithFrameHandler(comms.TagRVar, ...).
func (s *Stub) HandleRVar(frame comms.Frame, ch *comms.Channel) error {
	isWrite, addr, data, length := rvar.DecodeRVarFrame(frame.Payload)
	if isWrite {
		s.WriteMem(addr, data)
		return nil
	}
	out, err := s.ReadMem(addr, int(length))
	if err != nil {
		return ch.Send(comms.TagRVar, nil)
	}
	return ch.Send(comms.TagRVar, out)
}

// RegisterAllocator wires the allocation symbols the remote-variable
// manager calls (sapi_allocate, sapi_free) to this stub's own memory
// table, so Manager-driven allocation and the memory RPCs address the
// same buffers.
func (s *Stub) RegisterAllocator() {
	s.Register("sapi_allocate", func(args []uint64) (uint64, error) {
		if len(args) != 1 {
			return 0, errBadArgs
		}
		return s.Allocate(args[0])
	})
	s.Register("sapi_free", func(args []uint64) (uint64, error) {
		if len(args) != 1 {
			return 0, errBadArgs
		}
		return 0, s.Free(args[0])
	})
}
