// Remote-variable plumbing: the executor-side registry pairing each
// rvar.Variable with the remote buffer (or descriptor) backing it, and
// the transfer operations that synchronize the two.

package executor

import (
	"encoding/binary"
	"fmt"

	serrors "sandbox2/errors"
	"sandbox2/logging"
	"sandbox2/rpc"
	"sandbox2/rvar"
)

// varEntry is what the executor knows about one allocated variable: the
// remote address (or, for Fd variables, the remote descriptor number),
// the generation the allocation belongs to, and whether the executor
// frees it automatically at teardown.
type varEntry struct {
	addr     uint64
	gen      uint64
	autoFree bool
	isFd     bool
}

// lengthValueHeaderLen mirrors the LengthValue wire layout: a uint64
// length header ahead of the payload.
const lengthValueHeaderLen = 8

// liveClient returns the session's client, or the appropriate
// precondition error when no sandboxee is running.
func (e *Executor) liveClient() (*rpc.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning || e.client == nil {
		return nil, serrors.ErrSessionNotRunning
	}
	return e.client, nil
}

// Allocate reserves a remote buffer sized for v and records it in the
// session's registry. For Fd variables allocation means transferring the
// local descriptor and recording the remote number. autoFree asks the
// executor to release the remote side when the session ends.
func (e *Executor) Allocate(v rvar.Variable, autoFree bool) error {
	client, err := e.liveClient()
	if err != nil {
		return err
	}

	e.varMu.Lock()
	if entry, ok := e.vars[v]; ok && entry.gen == e.gen.Load() {
		e.varMu.Unlock()
		return serrors.New(serrors.ErrFailedPrecondition, "executor.Allocate", "variable already allocated")
	}
	e.varMu.Unlock()

	if fd, ok := v.(*rvar.Fd); ok {
		remote, err := client.SendFdToSandboxee(fd.Local)
		if err != nil {
			return err
		}
		fd.Remote = remote
		e.recordVar(v, &varEntry{addr: uint64(remote), gen: e.gen.Load(), autoFree: autoFree, isFd: true})
		return nil
	}

	addr, err := client.Allocate(v.Size())
	if err != nil {
		return err
	}
	e.recordVar(v, &varEntry{addr: addr, gen: e.gen.Load(), autoFree: autoFree})
	return nil
}

func (e *Executor) recordVar(v rvar.Variable, entry *varEntry) {
	e.varMu.Lock()
	e.vars[v] = entry
	e.varMu.Unlock()
}

// lookupVar fetches v's live registry entry, enforcing the generation
// invariant: a handle from before the last restart is permanently stale.
func (e *Executor) lookupVar(v rvar.Variable) (*varEntry, error) {
	e.varMu.Lock()
	entry, ok := e.vars[v]
	e.varMu.Unlock()
	if !ok {
		return nil, serrors.ErrNotAllocated
	}
	if entry.gen != e.gen.Load() {
		return nil, serrors.ErrStaleGeneration
	}
	return entry, nil
}

// Free releases v's remote side. Freeing twice (or freeing something
// never allocated) fails with FailedPrecondition; a handle that predates
// a restart fails with the stale-generation error without touching the
// wire.
func (e *Executor) Free(v rvar.Variable) error {
	entry, err := e.lookupVar(v)
	if err != nil {
		return err
	}
	client, err := e.liveClient()
	if err != nil {
		return err
	}

	if entry.isFd {
		fd := v.(*rvar.Fd)
		if fd.OwnRemote {
			if err := client.CloseFdInSandboxee(fd.Remote); err != nil {
				return err
			}
		}
	} else {
		if err := client.Free(entry.addr); err != nil {
			return err
		}
	}

	e.varMu.Lock()
	delete(e.vars, v)
	e.varMu.Unlock()
	return nil
}

// RemoteAddr returns the remote address (or descriptor number) backing
// an allocated variable, for callers composing raw RPC calls.
func (e *Executor) RemoteAddr(v rvar.Variable) (uint64, error) {
	entry, err := e.lookupVar(v)
	if err != nil {
		return 0, err
	}
	return entry.addr, nil
}

// TransferToSandboxee pushes v's host value into its remote buffer.
func (e *Executor) TransferToSandboxee(v rvar.Variable) error {
	entry, err := e.lookupVar(v)
	if err != nil {
		return err
	}
	if entry.isFd {
		return serrors.New(serrors.ErrInvalidArgument, "executor.TransferToSandboxee",
			"fd variables transfer at allocation time")
	}
	client, err := e.liveClient()
	if err != nil {
		return err
	}

	data, err := v.Marshal()
	if err != nil {
		return err
	}
	if _, err := client.WriteAt(entry.addr, data); err != nil {
		return err
	}
	return nil
}

// TransferFromSandboxee pulls the remote buffer back into v. For
// LengthValue variables the header syncs first and the local payload is
// resized to whatever length the sandboxee wrote before the payload
// itself is read.
func (e *Executor) TransferFromSandboxee(v rvar.Variable) error {
	entry, err := e.lookupVar(v)
	if err != nil {
		return err
	}
	if entry.isFd {
		return serrors.New(serrors.ErrInvalidArgument, "executor.TransferFromSandboxee",
			"fd variables transfer at allocation time")
	}
	client, err := e.liveClient()
	if err != nil {
		return err
	}

	if lv, ok := v.(*rvar.LengthValue); ok {
		header := make([]byte, lengthValueHeaderLen)
		if _, err := client.ReadAt(entry.addr, header); err != nil {
			return err
		}
		if err := lv.SetLengthFromHeader(header); err != nil {
			return err
		}
		if len(lv.Payload) == 0 {
			return nil
		}
		_, err := client.ReadAt(entry.addr+lengthValueHeaderLen, lv.Payload)
		return err
	}

	buf := make([]byte, v.Size())
	if _, err := client.ReadAt(entry.addr, buf); err != nil {
		return err
	}
	return v.Unmarshal(buf)
}

// AllocateAndTransferToSandboxee wraps data in a LengthValue, allocates
// it remotely with auto-free, and pushes it in one step.
func (e *Executor) AllocateAndTransferToSandboxee(data []byte) (*rvar.LengthValue, error) {
	lv := &rvar.LengthValue{Payload: append([]byte(nil), data...)}
	if err := e.Allocate(lv, true); err != nil {
		return nil, err
	}
	if err := e.TransferToSandboxee(lv); err != nil {
		return nil, err
	}
	return lv, nil
}

// Symbol resolves a dynamic symbol inside the sandboxee.
func (e *Executor) Symbol(name string) (uint64, error) {
	client, err := e.liveClient()
	if err != nil {
		return 0, err
	}
	return client.Symbol(name)
}

// dropVariables empties the registry at teardown, auto-freeing where
// requested and the channel still works, and logging a debug line with
// the count of the rest.
func (e *Executor) dropVariables() {
	e.varMu.Lock()
	vars := e.vars
	e.vars = make(map[rvar.Variable]*varEntry)
	e.varMu.Unlock()

	leaked := 0
	for _, entry := range vars {
		if !entry.autoFree {
			leaked++
			continue
		}
		// Best effort: the sandboxee usually died with its whole address
		// space, making the Free moot; only a still-open channel is
		// worth trying.
		e.mu.Lock()
		client := e.client
		e.mu.Unlock()
		if client != nil && !client.Closed() && !entry.isFd {
			client.Free(entry.addr)
		}
	}
	if leaked > 0 {
		logging.Default().Debug(fmt.Sprintf("session ended with %d unreleased remote variables", leaked))
	}
}

// putWord encodes an 8-byte little-endian word, the fixed value cell of
// the function-call payload.
func putWord(val uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, val)
	return buf
}
