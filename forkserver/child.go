//go:build linux

package forkserver

import (
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	"sandbox2/comms"
	serrors "sandbox2/errors"
	"sandbox2/filter"
	"sandbox2/logging"
	"sandbox2/policy"
	"sandbox2/rpc"
)

// setupFailureExit is the exit code a child uses when it dies between
// fork and filter install, after reporting a TagSetupError frame.
const setupFailureExit = 125

// Serve is the helper-process side of the forkserver protocol: a loop on
// the inherited bootstrap fd that forks one policy-confined child per
// SpawnRequest. The embedding binary supplies the Dispatcher and
// MemHandler each child's RPC stub serves with (in production, cgo/dlsym
// shims over the preloaded native library; in tests, fakes).
//
// Serve never returns in the children it forks; in the helper it returns
// nil after a shutdown frame, or the first fatal channel error.
//
// A note on fork safety: Go's runtime (GC, signal handling, spare Ms) is
// not fork-safe in general. Serve confines the child-side code between
// clone and the seccomp install to plain setup syscalls, all issued from
// the one goroutine/thread pair that survives the fork.
func Serve(d rpc.Dispatcher, h rpc.MemHandler) error {
	f := os.NewFile(uintptr(BootstrapFd), "forkserver-bootstrap")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return serrors.Wrap(err, serrors.ErrSetup.Kind, "forkserver.Serve")
	}
	ch := comms.NewChannel(conn.(*net.UnixConn))

	go reapChildren(ch)

	for {
		// One session fd plus up to a full mapping table per request.
		frame, err := ch.RecvWithFDs(32)
		if err != nil {
			if serrors.IsKind(err, serrors.ErrUnavailable) {
				return nil // supervisor went away; nothing left to serve
			}
			return err
		}

		switch frame.Tag {
		case TagShutdown:
			ch.Send(TagShutdownAck, nil)
			return nil

		case TagSpawnRequest:
			var req SpawnRequest
			if err := decodeGob(frame.Payload, &req); err != nil {
				closeAll(frame.FDs)
				replyGob(ch, TagSpawnResponse, SpawnResponse{Err: "malformed spawn request: " + err.Error()})
				continue
			}
			if len(frame.FDs) != 1+len(req.FdMappings) {
				closeAll(frame.FDs)
				replyGob(ch, TagSpawnResponse, SpawnResponse{Err: "spawn request fd count does not match its mappings"})
				continue
			}
			sessionFd := frame.FDs[0]
			// Rebind each mapping's LocalFd to the descriptor as received
			// in this process; the number the supervisor held is
			// meaningless here.
			for i := range req.FdMappings {
				req.FdMappings[i].LocalFd = frame.FDs[1+i]
			}

			pid, err := forkChild()
			if err != nil {
				closeAll(frame.FDs)
				replyGob(ch, TagSpawnResponse, SpawnResponse{Err: err.Error()})
				continue
			}
			if pid == 0 {
				childMain(req, sessionFd, d, h) // never returns
			}
			closeAll(frame.FDs)
			replyGob(ch, TagSpawnResponse, SpawnResponse{PID: pid})

		default:
			logging.Default().Warn("forkserver: unexpected frame", "tag", frame.Tag)
			closeAll(frame.FDs)
		}
	}
}

// reapChildren forwards every reaped child's wait status to the
// supervisor. The helper is the parent of every sandboxee it forks; the
// supervisor's unotify monitor depends on these reports to observe exits
// it cannot wait4 itself. Channel sends are mutex-protected, so this
// goroutine may interleave freely with spawn replies.
func reapChildren(ch *comms.Channel) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, unix.SIGCHLD)
	for range sigc {
		for {
			var ws unix.WaitStatus
			pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
			if err != nil || pid <= 0 {
				break
			}
			replyGob(ch, TagChildExit, ChildExit{PID: pid, WaitStatus: uint32(ws)})
		}
	}
}

func replyGob(ch *comms.Channel, tag comms.Tag, v any) {
	if payload, err := encodeGob(v); err == nil {
		ch.Send(tag, payload)
	}
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// forkChild performs a raw fork via clone(SIGCHLD). The calling goroutine
// is locked to its OS thread first: in the child only that one thread
// exists, and all setup syscalls up to the filter install must issue
// from it.
func forkChild() (int, error) {
	runtime.LockOSThread()
	pid, _, errno := unix.RawSyscall(unix.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0)
	if errno != 0 {
		runtime.UnlockOSThread()
		return 0, errno
	}
	if pid != 0 {
		runtime.UnlockOSThread()
	}
	return int(pid), nil
}

// childMain is everything that runs inside a freshly forked sandboxee:
// jail setup, the ready handshake, then the RPC serve loop. It exits the
// process; it never returns.
func childMain(req SpawnRequest, sessionFd int, d rpc.Dispatcher, h rpc.MemHandler) {
	sf := os.NewFile(uintptr(sessionFd), "session")
	conn, err := net.FileConn(sf)
	sf.Close()
	if err != nil {
		unix.Exit(setupFailureExit)
	}
	ch := comms.NewChannel(conn.(*net.UnixConn))

	if err := setupChild(req); err != nil {
		ch.Send(TagSetupError, []byte(err.Error()))
		unix.Exit(setupFailureExit)
	}

	notifyFd, err := installFilter(req)
	if err != nil {
		ch.Send(TagSetupError, []byte(err.Error()))
		unix.Exit(setupFailureExit)
	}

	var readyErr error
	if notifyFd >= 0 {
		readyErr = ch.Send(TagChildReady, nil, notifyFd)
		unix.Close(notifyFd)
	} else {
		readyErr = ch.Send(TagChildReady, nil)
	}
	if readyErr != nil {
		unix.Exit(setupFailureExit)
	}

	srv := rpc.NewServer(ch, d).WithMemHandler(h)
	// A handler that also speaks the remote-variable fast path gets the
	// TagRVar frames routed to it.
	if rh, ok := h.(interface {
		HandleRVar(comms.Frame, *comms.Channel) error
	}); ok {
		srv.WithFrameHandler(comms.TagRVar, rh.HandleRVar)
	}
	for {
		if err := srv.ServeOne(); err != nil {
			break
		}
	}
	unix.Exit(0)
}

// setupChild applies a SpawnRequest's jail configuration: fd remapping,
// namespaces, mount view, resource limits, credentials, working
// directory, environment. The seccomp filter goes on afterwards
// (installFilter) since every step here uses syscalls the filter
// typically forbids.
func setupChild(req SpawnRequest) error {
	for _, m := range req.FdMappings {
		if m.LocalFd == m.RemoteFd {
			continue
		}
		if err := unix.Dup3(m.LocalFd, m.RemoteFd, 0); err != nil {
			return serrors.WrapWithDetail(err, serrors.ErrSetup.Kind, "forkserver.setupChild",
				"dup fd mapping "+m.Name)
		}
		unix.Close(m.LocalFd)
	}

	if len(req.NamespaceKinds) > 0 {
		ns := policy.NewNamespaces(req.NamespaceKinds...)
		if err := policy.Unshare(ns); err != nil {
			return err
		}
	}

	if req.Hostname != "" {
		if err := unix.Sethostname([]byte(req.Hostname)); err != nil {
			return serrors.Wrap(err, serrors.ErrNamespaceSetup.Kind, "forkserver.setupChild")
		}
	}

	if req.Rootfs != "" {
		if err := req.Mounts.Apply(req.Rootfs); err != nil {
			return err
		}
	}

	if req.CgroupPath != "" {
		cg, err := policy.NewCgroup(req.CgroupPath)
		if err != nil {
			return err
		}
		if err := cg.Apply(req.Cgroup); err != nil {
			return err
		}
		if err := cg.AddProcess(os.Getpid()); err != nil {
			return err
		}
	}

	if err := req.Limits.Apply(); err != nil {
		return err
	}

	// Bounding set goes first: dropping it needs CAP_SETPCAP, which the
	// setresuid below would discard. An already-unprivileged helper has
	// nothing to drop (and no permission to try).
	if os.Geteuid() == 0 {
		if err := policy.DropAllCapabilities(); err != nil {
			return err
		}
	}

	if req.GID != 0 {
		if err := unix.Setresgid(int(req.GID), int(req.GID), int(req.GID)); err != nil {
			return serrors.Wrap(err, serrors.ErrSetup.Kind, "forkserver.setupChild")
		}
	}
	if req.UID != 0 {
		if err := unix.Setresuid(int(req.UID), int(req.UID), int(req.UID)); err != nil {
			return serrors.Wrap(err, serrors.ErrSetup.Kind, "forkserver.setupChild")
		}
	}

	if req.Cwd != "" {
		if err := unix.Chdir(req.Cwd); err != nil {
			return serrors.Wrap(err, serrors.ErrSetup.Kind, "forkserver.setupChild")
		}
	}

	// Forkserver children never exec, so the environment is rewritten in
	// place for the preloaded library's getenv callers.
	if len(req.Env) > 0 {
		os.Clearenv()
		for _, kv := range req.Env {
			if k, v, ok := strings.Cut(kv, "="); ok {
				os.Setenv(k, v)
			}
		}
	}

	return nil
}

// installFilter is the last setup step: once the program is loaded the
// child can only issue what the policy (and its bootstrap preamble)
// allows. Returns the notification fd when the request asked for one,
// -1 otherwise.
func installFilter(req SpawnRequest) (int, error) {
	if err := filter.SetNoNewPrivs(); err != nil {
		return -1, err
	}
	prog, err := filter.UnmarshalProgram(req.PolicyBytes)
	if err != nil {
		return -1, err
	}
	if req.WantNotifyFd {
		return prog.InstallWithListener()
	}
	return -1, prog.Install()
}
