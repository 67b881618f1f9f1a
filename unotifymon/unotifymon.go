// Package unotifymon implements the seccomp user-notification session
// monitor: the alternate to ptracemon for syscalls marked ActionUserNotif,
// receiving notifications on a dedicated fd instead of single-stepping
// the sandboxee via ptrace.
//
// The SECCOMP_IOCTL_NOTIF_RECV/_SEND ioctl numbers are not yet exposed
// as named constants by every supported x/sys/unix release, so they are
// computed with the same _IOWR encoding <linux/ioctl.h> uses, matching
// the kernel's own macro expansion rather than hardcoding a magic hex
// literal. Event classification (exit/signal/deadline/external-kill)
// mirrors ptracemon via the shared monitor package.
package unotifymon

import (
	"encoding/binary"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	serrors "sandbox2/errors"
	"sandbox2/logging"
	"sandbox2/monitor"
)

// ioctl direction/size encoding, mirroring asm-generic/ioctl.h.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocRead  = 2
	iocWrite = 1
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func iowr(typ byte, nr uintptr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, uintptr(typ), nr, size)
}

// seccompIocMagic is the 'SECCOMP_IOC_MAGIC' ('!' in <linux/seccomp.h>)
// used for every seccomp notification ioctl.
const seccompIocMagic = '!'

// Notification ioctl requests: SECCOMP_IOCTL_NOTIF_RECV and
// SECCOMP_IOCTL_NOTIF_SEND, encoded against the kernel's stable
// struct seccomp_notif / struct seccomp_notif_resp sizes.
var (
	ioctlNotifRecv = iowr(seccompIocMagic, 0, sizeofSeccompNotif)
	ioctlNotifSend = iowr(seccompIocMagic, 1, sizeofSeccompNotifResp)
)

// Struct sizes for struct seccomp_notif { __u64 id; __u32 pid; __u32
// flags; struct seccomp_data data; } and struct seccomp_notif_resp
// { __u64 id; __s64 val; __s32 error; __u32 flags; }, per
// <linux/seccomp.h>. struct seccomp_data is { int nr; __u32 arch; __u64
// instruction_pointer; __u64 args[6]; }, 64 bytes, 8-byte aligned.
const (
	sizeofSeccompData      = 4 + 4 + 8 + 8*6
	sizeofSeccompNotif     = 8 + 4 + 4 + sizeofSeccompData
	sizeofSeccompNotifResp = 8 + 8 + 4 + 4
)

// userNotifFlagContinue asks the kernel to let the blocked syscall run
// to completion using its original arguments, as if the filter had
// returned SECCOMP_RET_ALLOW (SECCOMP_USER_NOTIF_FLAG_CONTINUE).
const userNotifFlagContinue = 0x1

// Request is one pending notification: a syscall the sandboxee is
// blocked on until the monitor calls RespondContinue or RespondErrno.
type Request struct {
	ID   uint64
	PID  uint32
	Nr   int32
	Arch uint32
	Args [6]uint64
}

// Monitor receives seccomp user-notifications on a dedicated fd
// (inherited from the forkserver child after SECCOMP_RET_USER_NOTIF is
// installed) and answers them, mirroring ptracemon.Monitor's public
// shape. Sandboxee exit is observed through the forkserver's exit-event
// stream: the helper process is the child's parent and the only process
// that can wait4 it, so it forwards the wait status.
type Monitor struct {
	notifyFd int
	pid      int
	exits    <-chan monitor.ExitEvent

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
// status the kill should be recorded as: an external Terminate and a
// fired wall-clock deadline share the kill path but not the Result.
type killRequest struct {
	graceful bool
	status   monitor.Status
}

// New wraps an already-installed seccomp user-notification fd (handed
// back to the supervisor by the forkserver over SCM_RIGHTS) for the
// sandboxee running as pid. exits is the forkserver's reaped-child
// stream (ForkServer.Exits).
func New(notifyFd int, pid int, exits <-chan monitor.ExitEvent) *Monitor {
	return &Monitor{
		notifyFd:  notifyFd,
		pid:       pid,
		exits:     exits,
		terminate: make(chan killRequest, 1),
		done:      make(chan struct{}),
	}
}

// Receive blocks for the next pending notification on the dedicated fd.
func (m *Monitor) Receive() (*Request, error) {
	buf := make([]byte, sizeofSeccompNotif)
	if err := doIoctl(m.notifyFd, ioctlNotifRecv, unsafe.Pointer(&buf[0])); err != nil {
		return nil, serrors.Wrap(err, serrors.ErrUnavailable, "unotifymon.Receive")
	}
	return decodeNotif(buf), nil
}

// RespondContinue lets the sandboxee's blocked syscall proceed as if the
// filter had returned ActionAllow.
func (m *Monitor) RespondContinue(req *Request) error {
	return m.respond(req, 0, 0, userNotifFlagContinue)
}

// RespondErrno fails the blocked syscall with errno without ever letting
// it execute.
func (m *Monitor) RespondErrno(req *Request, errno int) error {
	return m.respond(req, -1, int32(errno), 0)
}

func (m *Monitor) respond(req *Request, val int64, errno int32, flags uint32) error {
	buf := make([]byte, sizeofSeccompNotifResp)
	binary.LittleEndian.PutUint64(buf[0:8], req.ID)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(val))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(errno))
	binary.LittleEndian.PutUint32(buf[20:24], flags)
	if err := doIoctl(m.notifyFd, ioctlNotifSend, unsafe.Pointer(&buf[0])); err != nil {
		return serrors.Wrap(err, serrors.ErrUnavailable, "unotifymon.respond")
	}
	return nil
}

func decodeNotif(buf []byte) *Request {
	r := &Request{}
	r.ID = binary.LittleEndian.Uint64(buf[0:8])
	r.PID = binary.LittleEndian.Uint32(buf[8:12])
	// buf[12:16] is the kernel's flags field, unused by the monitor.
	dataOff := 16
	r.Nr = int32(binary.LittleEndian.Uint32(buf[dataOff : dataOff+4]))
	r.Arch = binary.LittleEndian.Uint32(buf[dataOff+4 : dataOff+8])
	argsOff := dataOff + 16 // skip nr, arch, instruction_pointer
	for i := 0; i < 6; i++ {
		off := argsOff + i*8
		r.Args[i] = binary.LittleEndian.Uint64(buf[off : off+8])
	}
	return r
}

func doIoctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

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
// deadline or terminate request has fixed the status, the late exit
// event the kill provokes must not rewrite it.
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

// Run implements monitor.Monitor: it waits for the sandboxee's exit
// event from the forkserver's reaper stream while the executor drains
// Receive()/Respond* from the notify fd on its own goroutine. Unlike
// ptracemon, the notify fd and exit tracking are independent, so Run
// only owns the latter; syscall-level classification happens in the
// executor's notify loop.
func (m *Monitor) Run() error {
	defer close(m.done)
	m.started = time.Now()

	go m.watchTerminate()

	for ev := range m.exits {
		if ev.PID != m.pid {
			continue
		}
		ws := syscall.WaitStatus(ev.WaitStatus)
		if ws.Exited() {
			m.setResult(monitor.Result{Status: monitor.StatusExited, ExitCode: ws.ExitStatus()})
		} else if ws.Signaled() {
			m.setResult(monitor.Result{Status: monitor.StatusSignaled, Signal: int(ws.Signal())})
		} else {
			m.setResult(monitor.Result{Status: monitor.StatusFinished, ReaperNote: "unexpected wait status"})
		}
		return nil
	}
	m.setResult(monitor.Result{Status: monitor.StatusFinished, ReaperNote: "exit stream closed"})
	return nil
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

// Close releases the notification fd.
func (m *Monitor) Close() error {
	logging.Default().Debug("unotifymon: closing notify fd", "fd", m.notifyFd)
	return unix.Close(m.notifyFd)
}

var _ monitor.Monitor = (*Monitor)(nil)
