// Package sapi is the high-level typed facade over a sandboxing session:
// one-shot calls into the sandboxed library that hide the
// allocate/transfer/invoke/sync/free choreography the executor exposes
// piecewise. Most applications only ever touch this package and the
// policy builder.
package sapi

import (
	"errors"
	"time"

	serrors "sandbox2/errors"
	"sandbox2/monitor"
	"sandbox2/rvar"
)

// Executor is the session surface the facade drives; *executor.Executor
// implements it.
type Executor interface {
	IsActive() bool
	Init() error
	Restart(graceful bool) error
	Terminate(graceful bool) error
	Shutdown() error
	Call(name string, ret rvar.Variable, args ...any) error
	Allocate(v rvar.Variable, autoFree bool) error
	Free(v rvar.Variable) error
	RemoteAddr(v rvar.Variable) (uint64, error)
	TransferToSandboxee(v rvar.Variable) error
	TransferFromSandboxee(v rvar.Variable) error
	AllocateAndTransferToSandboxee(data []byte) (*rvar.LengthValue, error)
	Symbol(name string) (uint64, error)
	AwaitResult() monitor.Result
	SetWallTimeLimit(d time.Duration)
}

// Sandbox is a lazily-initialized session handle.
type Sandbox struct {
	exec Executor
}

// New wraps an executor. The session starts on first use.
func New(exec Executor) *Sandbox {
	return &Sandbox{exec: exec}
}

// Ensure brings the session up if it is not already running.
func (s *Sandbox) Ensure() error {
	if s.exec.IsActive() {
		return nil
	}
	return s.exec.Init()
}

// Call invokes the named sandboxed function. Pointer arguments whose
// variables were never allocated are allocated for the duration of this
// call and freed afterwards, so a caller can write
//
//	v := &rvar.LengthValue{Payload: data}
//	sb.Call("digest", ret, &rvar.Ptr{Variable: v, Dir: rvar.PtrBefore})
//
// without managing remote memory at all. Pre-allocated arguments are
// left alone.
func (s *Sandbox) Call(name string, ret rvar.Variable, args ...any) error {
	if err := s.Ensure(); err != nil {
		return err
	}

	var temps []rvar.Variable
	defer func() {
		for _, v := range temps {
			s.exec.Free(v)
		}
	}()

	for _, a := range args {
		p, ok := a.(*rvar.Ptr)
		if !ok {
			continue
		}
		if _, err := s.exec.RemoteAddr(p.Variable); err == nil {
			continue // caller manages this one
		} else if !errors.Is(err, serrors.ErrNotAllocated) {
			return err
		}
		if err := s.exec.Allocate(p.Variable, false); err != nil {
			return err
		}
		temps = append(temps, p.Variable)
	}

	return s.exec.Call(name, ret, args...)
}

// Symbol resolves a symbol in the sandboxee's dynamic linker namespace.
func (s *Sandbox) Symbol(name string) (uint64, error) {
	if err := s.Ensure(); err != nil {
		return 0, err
	}
	return s.exec.Symbol(name)
}

// AllocateAndTransferToSandboxee ships data into a fresh remote buffer
// and returns the handle wrapping it.
func (s *Sandbox) AllocateAndTransferToSandboxee(data []byte) (*rvar.LengthValue, error) {
	if err := s.Ensure(); err != nil {
		return nil, err
	}
	return s.exec.AllocateAndTransferToSandboxee(data)
}

// TransferFromSandboxee refreshes v from the sandboxee's memory.
func (s *Sandbox) TransferFromSandboxee(v rvar.Variable) error {
	return s.exec.TransferFromSandboxee(v)
}

// Restart replaces the sandboxee with a fresh one under the same
// policy; every remote handle issued so far becomes invalid.
func (s *Sandbox) Restart() error {
	return s.exec.Restart(false)
}

// Result blocks for the session's terminal Result.
func (s *Sandbox) Result() monitor.Result {
	return s.exec.AwaitResult()
}

// Close terminates the session and its forkserver.
func (s *Sandbox) Close() error {
	return s.exec.Shutdown()
}
