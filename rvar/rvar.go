// Package rvar implements sandbox2's remote-variable model: a local
// handle standing in for a buffer or scalar allocated in the sandboxee's
// address space, synchronized across the rpc channel via Allocate/Free/
// Send/Receive calls.
//
// Every handle is stamped with the generation counter of the session that
// allocated it. If the sandboxee is restarted (a fresh forkserver child,
// a fresh address space), the generation counter advances and every
// previously issued handle becomes permanently invalid: a remote pointer
// survives exactly one sandboxee lifetime, without any per-pointer
// liveness tracking.
package rvar

import (
	"sync"
	"sync/atomic"

	"sandbox2/comms"
	serrors "sandbox2/errors"
	"sandbox2/rpc"
)

// Session is the minimal surface rvar needs from an executor session: a
// way to issue allocate/free/call RPCs and to read the session's current
// generation.
type Session interface {
	Generation() uint64
	RPC() *rpc.Client
}

// Handle is a local reference to a remote buffer. The zero Handle is not
// valid; obtain one via Manager.Allocate.
type Handle struct {
	mgr        *Manager
	generation uint64
	addr       uint64
	size       uint64

	mu    sync.Mutex
	freed bool
}

// Manager tracks live remote allocations for one session and enforces the
// generation/double-free invariants independent of the RPC transport.
type Manager struct {
	sess Session
	gen  uint64 // snapshot of sess.Generation() at construction time

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// NewManager binds a Manager to a session at its current generation.
// Callers must construct a new Manager after every session restart.
func NewManager(sess Session) *Manager {
	return &Manager{
		sess:    sess,
		gen:     sess.Generation(),
		handles: make(map[*Handle]struct{}),
	}
}

// Allocate reserves size bytes in the sandboxee and returns a Handle.
func (m *Manager) Allocate(size uint64) (*Handle, error) {
	if err := m.checkGeneration(); err != nil {
		return nil, err
	}

	res, err := m.sess.RPC().Invoke(rpc.Call{
		Symbol: "sapi_allocate",
		Args:   []uint64{size},
		Return: rpc.ReturnPointer,
	})
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrResourceExhausted, "rvar.Allocate")
	}

	h := &Handle{mgr: m, generation: m.gen, addr: res.Value, size: size}
	m.mu.Lock()
	m.handles[h] = struct{}{}
	m.mu.Unlock()
	return h, nil
}

// Free releases a remote buffer. Freeing an already-freed handle, or a
// handle from a stale generation, returns an error instead of silently
// succeeding: a double free in the sandboxee's allocator is exactly the
// kind of bug this model exists to catch before it reaches the wire.
func (m *Manager) Free(h *Handle) error {
	if h.mgr != m {
		return serrors.New(serrors.ErrInvalidArgument, "rvar.Free", "handle belongs to a different manager")
	}
	if h.generation != m.gen {
		return serrors.ErrStaleGeneration
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.freed {
		return serrors.ErrDoubleFree
	}

	if err := m.checkGeneration(); err != nil {
		return err
	}
	_, err := m.sess.RPC().Invoke(rpc.Call{
		Symbol: "sapi_free",
		Args:   []uint64{h.addr},
	})
	if err != nil {
		return serrors.Wrap(err, serrors.ErrInternal, "rvar.Free")
	}

	h.freed = true
	m.mu.Lock()
	delete(m.handles, h)
	m.mu.Unlock()
	return nil
}

// Send copies data from the local process into the handle's remote
// buffer, truncating to the buffer's allocated size.
func (m *Manager) Send(h *Handle, ch *comms.Channel, data []byte) error {
	if err := m.validate(h); err != nil {
		return err
	}
	if uint64(len(data)) > h.size {
		data = data[:h.size]
	}
	return ch.Send(comms.TagRVar, encodeRVarWrite(h.addr, data))
}

// Receive reads n bytes back from the handle's remote buffer. The caller
// drives the actual frame exchange by recv'ing the reply frame from ch;
// Receive only validates the handle and issues the request.
func (m *Manager) Receive(h *Handle, ch *comms.Channel, n uint64) error {
	if err := m.validate(h); err != nil {
		return err
	}
	if n > h.size {
		n = h.size
	}
	return ch.Send(comms.TagRVar, encodeRVarRead(h.addr, n))
}

func (m *Manager) validate(h *Handle) error {
	if h.mgr != m {
		return serrors.New(serrors.ErrInvalidArgument, "rvar", "handle belongs to a different manager")
	}
	if h.generation != m.gen {
		return serrors.ErrStaleGeneration
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.freed {
		return serrors.ErrNotAllocated
	}
	return m.checkGeneration()
}

func (m *Manager) checkGeneration() error {
	if m.sess.Generation() != m.gen {
		return serrors.ErrStaleGeneration
	}
	return nil
}

// Addr returns the remote address of a handle, for use as an argument
// word in an rpc.Call (e.g. passing a buffer pointer to a sandboxed
// function).
func (h *Handle) Addr() uint64 { return h.addr }

// Size returns the allocated size of a handle's remote buffer.
func (h *Handle) Size() uint64 { return h.size }

// outstanding reports how many live handles a Manager still holds.
func (m *Manager) outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Outstanding reports how many allocations this manager has not yet
// freed.
func (m *Manager) Outstanding() int { return m.outstanding() }

// generationCounter is a package-level helper a Session implementation
// can embed to produce monotonically increasing generation values across
// sandboxee restarts.
type generationCounter struct {
	n atomic.Uint64
}

// Next advances and returns the new generation value.
func (g *generationCounter) Next() uint64 { return g.n.Add(1) }

// Current returns the current generation value without advancing it.
func (g *generationCounter) Current() uint64 { return g.n.Load() }
