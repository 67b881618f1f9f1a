// Package executor orchestrates one sandboxing session end to end: it
// owns the forkserver-spawned child, the monitor goroutine observing it,
// the comms/RPC channel into it, and the registry of remote variables
// allocated on its behalf. It is the package the rest of sandbox2 (and
// applications) drive sessions through.
package executor

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"sandbox2/comms"
	serrors "sandbox2/errors"
	"sandbox2/filter"
	"sandbox2/forkserver"
	"sandbox2/logging"
	"sandbox2/monitor"
	"sandbox2/policy"
	"sandbox2/ptracemon"
	"sandbox2/rpc"
	"sandbox2/rvar"
	"sandbox2/syscalltable"
	"sandbox2/unotifymon"
)

// Environment knobs: one boolean to opt into the unotify monitor, one
// integer overriding the default grace window. Both have safe defaults.
const (
	EnvUseUnotify  = "SANDBOX2_USE_UNOTIFY"
	EnvGraceWindow = "SANDBOX2_GRACE_WINDOW_SEC"
)

// defaultGraceWindow bounds how long Terminate(graceful) and the
// forkserver shutdown wait for a cooperative exit before killing.
const defaultGraceWindow = 3 * time.Second

// UseUnotify reports whether the environment opted into the
// seccomp-unotify monitor. Defaults to false: the ptrace monitor works
// on every supported kernel.
func UseUnotify() bool {
	switch os.Getenv(EnvUseUnotify) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// GraceWindow returns the configured grace window for cooperative
// termination, defaulting to 3 seconds.
func GraceWindow() time.Duration {
	if v := os.Getenv(EnvGraceWindow); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultGraceWindow
}

// State tracks a session through its lifecycle.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateTerminating
	StateFinished
)

// Config describes everything a session needs before Init: which helper
// binary hosts the forkserver, the compiled policy, and the process
// attributes of the children it will spawn.
type Config struct {
	// Binary is the forkserver helper to launch; empty means re-exec
	// ourselves (/proc/self/exe), the common arrangement where the
	// embedding binary dispatches to forkserver.Serve when BootstrapEnv
	// is set.
	Binary string
	Args   []string

	Policy *policy.Policy

	Env        []string
	Cwd        string
	UID, GID   uint32
	FdMappings []forkserver.FdMapping

	// WallTimeLimit bounds each spawned child's runtime; zero disables.
	WallTimeLimit time.Duration

	// ForkServer reuses an already-started helper instead of launching
	// one, for callers that share a forkserver across executors.
	ForkServer *forkserver.ForkServer
}

// Executor owns one sandboxee session.
type Executor struct {
	cfg   Config
	fs    *forkserver.ForkServer
	ownFs bool

	gen atomic.Uint64

	mu      sync.Mutex
	state   State
	pid     int
	ch      *comms.Channel
	client  *rpc.Client
	mon     monitor.Monitor
	monDone chan struct{}

	wallMu    sync.Mutex
	wallLimit time.Duration

	varMu sync.Mutex
	vars  map[rvar.Variable]*varEntry
}

// New prepares an Executor; no process is started until Init.
func New(cfg Config) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = "/proc/self/exe"
	}
	return &Executor{
		cfg:       cfg,
		fs:        cfg.ForkServer,
		ownFs:     cfg.ForkServer == nil,
		wallLimit: cfg.WallTimeLimit,
		vars:      make(map[rvar.Variable]*varEntry),
	}
}

// Generation implements rvar.Session: the value advances on every
// (re)spawn, invalidating all remote handles issued before it.
func (e *Executor) Generation() uint64 { return e.gen.Load() }

// RPC implements rvar.Session and exposes the session's RPC client for
// callers issuing raw operations.
func (e *Executor) RPC() *rpc.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// IsActive reports whether a sandboxee is currently being supervised.
func (e *Executor) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRunning
}

// Pid returns the current sandboxee's PID, or 0 if none is running.
func (e *Executor) Pid() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

// Init starts the forkserver if this executor owns one, spawns the first
// sandboxee under the configured policy, and brings up the monitor.
func (e *Executor) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRunning {
		return serrors.New(serrors.ErrFailedPrecondition, "executor.Init", "session already running")
	}
	if e.cfg.Policy == nil {
		return serrors.New(serrors.ErrInvalidArgument, "executor.Init", "no policy configured")
	}

	if e.fs == nil {
		fs, err := forkserver.Start(e.cfg.Binary, e.cfg.Args...)
		if err != nil {
			return err
		}
		e.fs = fs
	}

	return e.spawnLocked()
}

// spawnLocked asks the forkserver for a fresh child and wires up channel,
// client and monitor. Caller holds e.mu.
func (e *Executor) spawnLocked() error {
	req, err := forkserver.NewSpawnRequest(e.cfg.Policy, e.cfg.FdMappings, e.cfg.Env, e.cfg.Cwd, e.cfg.UID, e.cfg.GID)
	if err != nil {
		return err
	}

	useUnotify := UseUnotify() && unotifymon.Supported()
	req.WantNotifyFd = useUnotify

	sbx, err := e.fs.Spawn(req)
	if err != nil {
		return err
	}

	e.gen.Add(1)
	e.pid = sbx.PID
	e.ch = sbx.Channel
	e.client = rpc.NewClient(sbx.Channel)
	e.monDone = make(chan struct{})

	if useUnotify && sbx.NotifyFd >= 0 {
		um := unotifymon.New(sbx.NotifyFd, sbx.PID, e.fs.Exits())
		e.mon = um
		go e.notifyLoop(um)
		go func(done chan struct{}) {
			defer close(done)
			um.Run()
		}(e.monDone)
	} else {
		// Transparent fallback: either unotify was never requested or
		// the kernel/child could not produce a listener fd.
		pm, err := ptracemon.New(sbx.PID, e.cfg.Policy.Arch, e.cfg.Policy)
		if err != nil {
			sbx.Channel.Close()
			return err
		}
		e.mon = pm
		go func(done chan struct{}) {
			defer close(done)
			// All ptrace calls for a tracee must come from one thread.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			pm.Run()
		}(e.monDone)
	}

	e.wallMu.Lock()
	if e.wallLimit > 0 {
		e.mon.SetWallTimeLimit(e.wallLimit)
	}
	e.wallMu.Unlock()

	e.state = StateRunning
	logging.Default().Info("sandboxee session started",
		"pid", e.pid, "generation", e.gen.Load(), "unotify", useUnotify && sbx.NotifyFd >= 0)
	return nil
}

// notifyLoop drains seccomp user-notifications for syscalls the policy
// marked ActionUserNotif and answers them: notified syscalls continue
// (Notify behaves as Allow), rules with a configured errno
// fail in place, anything else is denied with EPERM. The loop ends when
// the notify fd dies with the sandboxee.
func (e *Executor) notifyLoop(um *unotifymon.Monitor) {
	tbl, err := syscalltable.Load(e.cfg.Policy.Arch)
	if err != nil {
		return
	}
	const eperm = 1
	for {
		req, err := um.Receive()
		if err != nil {
			return
		}
		name, _ := tbl.Name(int(req.Nr))
		if errno, ok := e.cfg.Policy.ErrnoFor(name); ok {
			um.RespondErrno(req, int(errno))
			continue
		}
		if action, ok := e.cfg.Policy.ActionFor(name); ok && action == filter.ActionUserNotif {
			um.RespondContinue(req)
			continue
		}
		logging.Default().Warn("unexpected user-notification", "syscall", name, "pid", req.PID)
		um.RespondErrno(req, eperm)
	}
}

// SetWallTimeLimit bounds how long the current (and any future)
// sandboxee may run; zero disables the deadline.
func (e *Executor) SetWallTimeLimit(d time.Duration) {
	e.wallMu.Lock()
	e.wallLimit = d
	e.wallMu.Unlock()

	e.mu.Lock()
	mon := e.mon
	e.mu.Unlock()
	if mon != nil {
		mon.SetWallTimeLimit(d)
	}
}

// AwaitResult blocks until the session's monitor publishes its terminal
// Result. Any number of goroutines may wait; all observe the same value.
func (e *Executor) AwaitResult() monitor.Result {
	e.mu.Lock()
	mon := e.mon
	e.mu.Unlock()
	if mon == nil {
		return monitor.Result{Status: monitor.StatusInitializing}
	}
	return mon.AwaitResult()
}

// Terminate ends the session. With graceful set, the sandboxee is first
// asked to exit over the RPC channel and given the grace window; either
// way the channel is closed (unblocking any caller stuck in Recv with
// Unavailable; this is the one sanctioned way to interrupt an in-flight
// call) and the monitor's kill path runs.
func (e *Executor) Terminate(graceful bool) error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = StateTerminating
	client, ch, mon, monDone := e.client, e.ch, e.mon, e.monDone
	e.mu.Unlock()

	if graceful && client != nil && !client.Closed() {
		client.Exit()
		select {
		case <-monDone:
			// Exited on its own; nothing left to kill.
		case <-time.After(GraceWindow()):
		}
	}

	if ch != nil {
		ch.Close()
	}
	if mon != nil {
		mon.Terminate(graceful)
		<-monDone
	}

	e.mu.Lock()
	e.state = StateFinished
	e.pid = 0
	e.mu.Unlock()

	e.dropVariables()
	return nil
}

// Restart tears the current child down and asks the forkserver for a
// fresh one under the same policy. Every outstanding remote handle is
// invalidated (the generation advances). Restarting an idle session just
// spawns.
func (e *Executor) Restart(graceful bool) error {
	if err := e.Terminate(graceful); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fs == nil {
		return serrors.New(serrors.ErrFailedPrecondition, "executor.Restart", "session was never initialized")
	}
	return e.spawnLocked()
}

// Shutdown terminates the session and, when this executor launched the
// forkserver, stops the helper too.
func (e *Executor) Shutdown() error {
	e.Terminate(true)
	if e.ownFs && e.fs != nil {
		return e.fs.Stop(GraceWindow())
	}
	return nil
}
