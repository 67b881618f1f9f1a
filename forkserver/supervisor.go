package forkserver

import (
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"sandbox2/comms"
	serrors "sandbox2/errors"
	"sandbox2/logging"
	"sandbox2/monitor"
)

// BootstrapFd is the well-known descriptor number the helper process
// inherits its end of the bootstrap channel on: the first entry of
// exec.Cmd.ExtraFiles, i.e. fd 3.
const BootstrapFd = 3

// BootstrapEnv marks the helper process so its main() can tell it was
// started as a forkserver rather than interactively.
const BootstrapEnv = "SANDBOX2_FORKSERVER"

// Sandboxee is one freshly spawned, policy-confined child: its PID, the
// session comms/RPC channel the supervisor owns, and — when the spawn
// requested one — the seccomp user-notification fd for the unotify
// monitor (-1 otherwise).
type Sandboxee struct {
	PID      int
	Channel  *comms.Channel
	NotifyFd int
}

// ForkServer is the supervisor-side handle on one long-lived helper
// process. The helper loads the target native library exactly once; every
// Spawn afterwards forks a fresh, policy-confined child from that
// pre-initialized image instead of paying the load cost again.
type ForkServer struct {
	mu  sync.Mutex // serializes Spawn/Stop
	cmd *exec.Cmd
	ch  *comms.Channel

	recvOnce sync.Once
	resp     chan comms.Frame
	exits    chan monitor.ExitEvent
}

// Start launches the helper binary and establishes the bootstrap channel.
// The binary must call Serve on startup when BootstrapEnv is set (see
// main.go for the canonical entry point).
func Start(binary string, args ...string) (*ForkServer, error) {
	supFile, helperFile, err := socketpairFiles()
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrInternal, "forkserver.Start")
	}

	cmd := exec.Command(binary, args...)
	cmd.ExtraFiles = []*os.File{helperFile}
	cmd.Env = append(os.Environ(), BootstrapEnv+"=1")
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		supFile.Close()
		helperFile.Close()
		return nil, serrors.Wrap(err, serrors.ErrSetup.Kind, "forkserver.Start")
	}
	helperFile.Close()

	conn, err := net.FileConn(supFile)
	supFile.Close()
	if err != nil {
		cmd.Process.Kill()
		return nil, serrors.Wrap(err, serrors.ErrInternal, "forkserver.Start")
	}

	logging.Default().Debug("forkserver started", "pid", cmd.Process.Pid, "binary", binary)
	return &ForkServer{cmd: cmd, ch: comms.NewChannel(conn.(*net.UnixConn))}, nil
}

// Pid returns the helper process's PID.
func (fs *ForkServer) Pid() int {
	if fs.cmd == nil || fs.cmd.Process == nil {
		return 0
	}
	return fs.cmd.Process.Pid
}

// Exits returns the stream of child-exit events the helper reports as it
// reaps spawned sandboxees. The unotify monitor consumes this: unlike the
// ptrace monitor it is not the sandboxee's tracer, so it cannot observe
// the exit with wait4 from the supervisor process.
func (fs *ForkServer) Exits() <-chan monitor.ExitEvent {
	fs.startRecvLoop()
	return fs.exits
}

// startRecvLoop demultiplexes the bootstrap channel: spawn/shutdown
// replies go to the caller blocked in Spawn/Stop, asynchronous child-exit
// reports go to the exits stream.
func (fs *ForkServer) startRecvLoop() {
	fs.recvOnce.Do(func() {
		fs.resp = make(chan comms.Frame, 1)
		fs.exits = make(chan monitor.ExitEvent, 16)
		go func() {
			defer close(fs.resp)
			for {
				frame, err := fs.ch.Recv()
				if err != nil {
					return
				}
				if frame.Tag == TagChildExit {
					var ev ChildExit
					if err := decodeGob(frame.Payload, &ev); err == nil {
						select {
						case fs.exits <- monitor.ExitEvent{PID: ev.PID, WaitStatus: ev.WaitStatus}:
						default:
							logging.Default().Warn("forkserver: dropping child-exit event", "pid", ev.PID)
						}
					}
					continue
				}
				fs.resp <- frame
			}
		}()
	})
}

// recvResponse blocks for the next non-exit frame from the helper.
func (fs *ForkServer) recvResponse() (comms.Frame, error) {
	fs.startRecvLoop()
	frame, ok := <-fs.resp
	if !ok {
		return comms.Frame{}, serrors.ErrChannelClosed
	}
	return frame, nil
}

// Spawn asks the helper for one fresh sandboxee. It creates the session
// socketpair, ships the sandboxee end with the request, and blocks until
// the child has installed its filter and signalled ready. The returned
// Sandboxee's channel is the session's comms/RPC channel; the caller
// owns it, and the notify fd when one was requested.
func (fs *ForkServer) Spawn(req SpawnRequest) (*Sandboxee, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := validateFdMappings(req.FdMappings); err != nil {
		return nil, err
	}

	supFile, sbxFile, err := socketpairFiles()
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrInternal, "forkserver.Spawn")
	}

	payload, err := encodeGob(req)
	if err != nil {
		supFile.Close()
		sbxFile.Close()
		return nil, serrors.Wrap(err, serrors.ErrInternal, "forkserver.Spawn")
	}

	// The session fd travels first, followed by every mapped local fd in
	// mapping order: fd numbers are process-local, so the supervisor's
	// descriptors must cross into the helper as SCM_RIGHTS payload, not
	// as numbers.
	fds := make([]int, 0, 1+len(req.FdMappings))
	fds = append(fds, int(sbxFile.Fd()))
	for _, m := range req.FdMappings {
		fds = append(fds, m.LocalFd)
	}
	if err := fs.ch.Send(TagSpawnRequest, payload, fds...); err != nil {
		supFile.Close()
		sbxFile.Close()
		return nil, serrors.Wrap(err, serrors.ErrUnavailable, "forkserver.Spawn")
	}
	sbxFile.Close()

	frame, err := fs.recvResponse()
	if err != nil {
		supFile.Close()
		return nil, serrors.Wrap(err, serrors.ErrUnavailable, "forkserver.Spawn")
	}
	if frame.Tag != TagSpawnResponse {
		supFile.Close()
		return nil, serrors.ErrProtocol
	}
	var resp SpawnResponse
	if err := decodeGob(frame.Payload, &resp); err != nil {
		supFile.Close()
		return nil, serrors.Wrap(err, serrors.ErrInternal, "forkserver.Spawn")
	}
	if resp.Err != "" {
		supFile.Close()
		return nil, serrors.WrapWithDetail(nil, serrors.ErrSetup.Kind, "forkserver.Spawn", resp.Err)
	}

	conn, err := net.FileConn(supFile)
	supFile.Close()
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrInternal, "forkserver.Spawn")
	}
	sessCh := comms.NewChannel(conn.(*net.UnixConn))

	// The child's first frame is either ready or a setup report; nothing
	// else may arrive before it. Ready frames may carry the notify fd as
	// ancillary data.
	ready, err := sessCh.RecvWithFDs(1)
	if err != nil {
		sessCh.Close()
		return nil, serrors.Wrap(err, serrors.ErrSetup.Kind, "forkserver.Spawn")
	}
	switch ready.Tag {
	case TagChildReady:
		notifyFd := -1
		if len(ready.FDs) == 1 {
			notifyFd = ready.FDs[0]
		}
		logging.Default().Debug("sandboxee ready", "pid", resp.PID, "notify_fd", notifyFd)
		return &Sandboxee{PID: resp.PID, Channel: sessCh, NotifyFd: notifyFd}, nil
	case TagSetupError:
		sessCh.Close()
		return nil, serrors.WrapWithDetail(nil, serrors.ErrSetup.Kind, "forkserver.Spawn", string(ready.Payload))
	default:
		sessCh.Close()
		return nil, serrors.ErrProtocol
	}
}

// Stop shuts the helper down: a shutdown frame first, then a kill if the
// helper does not acknowledge within grace.
func (fs *ForkServer) Stop(grace time.Duration) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	acked := make(chan struct{})
	go func() {
		if err := fs.ch.Send(TagShutdown, nil); err == nil {
			if frame, err := fs.recvResponse(); err == nil && frame.Tag == TagShutdownAck {
				close(acked)
			}
		}
	}()

	select {
	case <-acked:
	case <-time.After(grace):
		logging.Default().Warn("forkserver did not acknowledge shutdown, killing", "pid", fs.Pid())
		fs.cmd.Process.Kill()
	}

	fs.ch.Close()
	err := fs.cmd.Wait()
	if err != nil {
		// A SIGKILL exit after the grace window is the expected fallback,
		// not a reportable failure.
		if ee, ok := err.(*exec.ExitError); ok && ee.Sys().(syscall.WaitStatus).Signal() == syscall.SIGKILL {
			return nil
		}
	}
	return err
}

// socketpairFiles returns both ends of a stream socketpair as *os.File,
// the supervisor end first.
func socketpairFiles() (*os.File, *os.File, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "forkserver-sup"), os.NewFile(uintptr(fds[1]), "forkserver-sbx"), nil
}
