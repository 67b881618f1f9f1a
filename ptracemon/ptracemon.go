// Package ptracemon implements the ptrace-based session monitor: a
// PtraceSyscall/Wait4/PtraceGetRegs event loop that classifies each stop
// by its WaitStatus plus TrapCause and turns seccomp trace events into
// policy decisions.
package ptracemon

import (
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	serrors "sandbox2/errors"
	"sandbox2/filter"
	"sandbox2/logging"
	"sandbox2/monitor"
	"sandbox2/syscalltable"
)

// ptraceFlags follows every fork/vfork/clone variant and exec, and marks
// syscall-stop traps with the high bit so they're distinguishable from
// signal-delivery stops.
const ptraceFlags = unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACESECCOMP

// Policy is the subset of a compiled policy the monitor needs: which
// syscalls are routed to SECCOMP_RET_TRACE and what to do when one of them
// traps.
type Policy interface {
	// ActionFor returns the configured action for a syscall name, and
	// whether a rule exists for it at all.
	ActionFor(name string) (filter.Action, bool)
}

// ErrnoPolicy is optionally implemented by a Policy whose trapped
// syscalls should be failed with a synthesized errno instead of killing
// the sandboxee: the monitor plants -errno in the return register and
// lets the sandboxee continue instead of recording a violation.
type ErrnoPolicy interface {
	ErrnoFor(name string) (uint16, bool)
}

// processMemReader reads a tracee's memory via process_vm_readv so
// path/string syscall arguments can be rendered for the violation
// record. Failures degrade to "[unreadable]" inside Describe.
type processMemReader struct {
	pid int
}

func (r processMemReader) ReadAt(addr uint64, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	local := []unix.Iovec{{Base: &p[0], Len: uint64(len(p))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(p)}}
	return unix.ProcessVMReadv(r.pid, local, remote, 0)
}

// registerDumpUnwinder implements monitor.Unwinder with a register
// snapshot only — a full DWARF/CFI unwinder is out of scope for this
// project, per the carried-over stack-unwind Non-goal.
type registerDumpUnwinder struct{}

func (registerDumpUnwinder) Unwind(pid int, ip, sp uint64) ([]uint64, error) {
	return []uint64{ip, sp}, nil
}

// Monitor attaches to a forkserver-spawned sandboxee via ptrace and
// classifies every trapped syscall against a Policy.
type Monitor struct {
	pid      int
	arch     syscalltable.Arch
	table    *syscalltable.Table
	policy   Policy
	unwinder monitor.Unwinder

	mu       sync.Mutex
	deadline time.Duration
	timer    *time.Timer

	terminate chan killRequest
	done      chan struct{}

	resultMu  sync.Mutex
	result    monitor.Result
	resultSet bool
	started   time.Time
}

// killRequest names both how to kill the sandboxee and which terminal
// status the kill is recorded as: an external Terminate and a fired
// wall-clock deadline share the kill path but not the Result.
type killRequest struct {
	graceful bool
	status   monitor.Status
}

// New returns a Monitor ready to attach to pid. Run performs the
// actual PTRACE_ATTACH; nothing touches the process before then.
func New(pid int, arch syscalltable.Arch, policy Policy) (*Monitor, error) {
	tbl, err := syscalltable.Load(arch)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		pid:       pid,
		arch:      arch,
		table:     tbl,
		policy:    policy,
		unwinder:  registerDumpUnwinder{},
		terminate: make(chan killRequest, 1),
		done:      make(chan struct{}),
	}, nil
}

// SetUnwinder overrides the default register-dump-only unwinder.
func (m *Monitor) SetUnwinder(u monitor.Unwinder) { m.unwinder = u }

// SetWallTimeLimit implements monitor.Monitor.
func (m *Monitor) SetWallTimeLimit(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = d
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if d > 0 {
		m.timer = time.AfterFunc(d, func() {
			m.requestKill(killRequest{graceful: false, status: monitor.StatusTimedOut})
		})
	}
}

// Terminate implements monitor.Monitor.
func (m *Monitor) Terminate(graceful bool) error {
	m.requestKill(killRequest{graceful: graceful, status: monitor.StatusExternalKill})
	return nil
}

func (m *Monitor) requestKill(req killRequest) {
	select {
	case m.terminate <- req:
	default:
	}
}

// AwaitResult implements monitor.Monitor.
func (m *Monitor) AwaitResult() monitor.Result {
	<-m.done
	m.resultMu.Lock()
	defer m.resultMu.Unlock()
	return m.result
}

// setResult records the terminal Result. First write wins: once a
// deadline or terminate request has fixed the status, the late exit the
// kill provokes must not rewrite it.
func (m *Monitor) setResult(r monitor.Result) {
	m.resultMu.Lock()
	defer m.resultMu.Unlock()
	if m.resultSet {
		return
	}
	m.resultSet = true
	if !m.started.IsZero() {
		r.Duration = time.Since(m.started)
	}
	m.result = r
}

// Run implements monitor.Monitor. It must be called from a goroutine
// locked to its OS thread (runtime.LockOSThread), since all ptrace calls
// for a given tracee must originate from the same thread that attached it.
func (m *Monitor) Run() error {
	defer close(m.done)
	m.started = time.Now()

	// The sandboxee is the forkserver helper's child, not ours, so the
	// monitor attaches explicitly. Attaching makes this thread the
	// tracee's waiter: the Wait4 calls below observe a process that is
	// not our direct child.
	if err := unix.PtraceAttach(m.pid); err != nil {
		m.setResult(monitor.Result{Status: monitor.StatusFinished, ReaperNote: err.Error()})
		return serrors.Wrap(err, serrors.ErrSetup.Kind, "ptracemon.Monitor.Run")
	}
	var attachStatus syscall.WaitStatus
	if _, err := syscall.Wait4(m.pid, &attachStatus, 0, nil); err != nil {
		m.setResult(monitor.Result{Status: monitor.StatusFinished, ReaperNote: err.Error()})
		return serrors.Wrap(err, serrors.ErrSetup.Kind, "ptracemon.Monitor.Run")
	}
	if err := unix.PtraceSetOptions(m.pid, ptraceFlags); err != nil {
		m.setResult(monitor.Result{Status: monitor.StatusFinished, ReaperNote: err.Error()})
		return serrors.Wrap(err, serrors.ErrSetup.Kind, "ptracemon.Monitor.Run")
	}

	go m.watchTerminate()

	var regs syscall.PtraceRegs
	for {
		if err := unix.PtraceSyscall(m.pid, 0); err != nil {
			m.setResult(monitor.Result{Status: monitor.StatusFinished, ReaperNote: err.Error()})
			return nil
		}

		var waitStatus syscall.WaitStatus
		wpid, err := syscall.Wait4(m.pid, &waitStatus, 0, nil)
		if err != nil {
			logging.Default().Error("ptracemon: wait4 failed", "pid", m.pid, "error", err)
			m.setResult(monitor.Result{Status: monitor.StatusFinished, ReaperNote: err.Error()})
			return nil
		}
		_ = wpid

		if waitStatus.Exited() {
			m.setResult(monitor.Result{Status: monitor.StatusExited, ExitCode: waitStatus.ExitStatus()})
			return nil
		}
		if waitStatus.Signaled() {
			m.setResult(monitor.Result{Status: monitor.StatusSignaled, Signal: int(waitStatus.Signal())})
			return nil
		}
		if !waitStatus.Stopped() {
			continue
		}

		sig := waitStatus.StopSignal()
		if sig != syscall.SIGTRAP {
			if sig == syscall.SIGSTOP {
				sig = 0
			}
			if err := unix.PtraceSyscall(m.pid, int(sig)); err == nil {
				continue
			}
		}

		if err := syscall.PtraceGetRegs(m.pid, &regs); err != nil {
			continue
		}

		switch waitStatus.TrapCause() {
		case unix.PTRACE_EVENT_CLONE, unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_EXEC:
			continue
		case unix.PTRACE_EVENT_SECCOMP:
			if m.handleTrap(&regs) {
				return nil
			}
		}
	}
}

func (m *Monitor) watchTerminate() {
	select {
	case req := <-m.terminate:
		m.setResult(monitor.Result{Status: req.status})
		if req.graceful {
			syscall.Kill(m.pid, syscall.SIGTERM)
			time.Sleep(200 * time.Millisecond)
		}
		syscall.Kill(m.pid, syscall.SIGKILL)
	case <-m.done:
	}
}

// handleTrap classifies a SECCOMP_RET_TRACE event. It returns true if the
// event loop should stop (a policy violation was recorded and the
// sandboxee killed).
func (m *Monitor) handleTrap(regs *syscall.PtraceRegs) bool {
	nr := int(getSyscallNr(*regs))
	name, _ := m.table.Name(nr)

	action, ok := m.policy.ActionFor(name)
	if !ok || action != filter.ActionTrap {
		return false
	}

	// AddPolicyOnSyscall side channel: a trapped syscall with a
	// configured errno is failed in place rather than treated as a
	// violation. The return register gets -errno and the sandboxee
	// continues.
	if ep, ok := m.policy.(ErrnoPolicy); ok {
		if errno, ok := ep.ErrnoFor(name); ok {
			setReturnValue(regs, uint64(-int64(errno)))
			if err := syscall.PtraceSetRegs(m.pid, regs); err != nil {
				logging.Default().Warn("ptracemon: failed to rewrite return register", "pid", m.pid, "error", err)
			}
			return false
		}
	}

	args := readArgs(*regs)
	rendered, argv := syscalltable.Describe(m.table, nr, args, processMemReader{pid: m.pid})
	v := &monitor.Violation{
		PID:         m.pid,
		SyscallNr:   nr,
		SyscallName: rendered,
		Args:        args,
		Argv:        argv,
	}
	if trace, err := m.unwinder.Unwind(m.pid, getInstructionPointer(*regs), getStackPointer(*regs)); err == nil {
		v.StackTrace = trace
	}

	syscall.Kill(m.pid, syscall.SIGKILL)
	m.setResult(monitor.Result{Status: monitor.StatusViolation, Violation: v})
	return true
}
