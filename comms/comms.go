// Package comms implements sandbox2's length-tag-prefixed IPC channel: a
// framed message protocol over a Unix domain socket that additionally
// supports passing file descriptors alongside a frame's payload. The
// frame format is a fixed {tag, length} header followed by the payload;
// descriptors travel as SCM_RIGHTS ancillary data
// (syscall.UnixRights/ParseUnixRights layered under
// net.UnixConn.ReadMsgUnix/WriteMsgUnix).
package comms

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"

	serrors "sandbox2/errors"
)

// Tag identifies the kind of frame being sent: sandbox2 multiplexes
// plain byte buffers, protobuf-shaped RPC frames, and remote-variable
// frames over the same channel, distinguished only by this tag. Tags
// 0x1..0x1F are reserved for the core RPC protocol (see the rpc
// package); tags >= UserTagBase are free for application use.
type Tag uint32

const (
	TagBytes Tag = iota
	TagRPCCall
	TagRPCReturn
	TagRVar
	TagFD
	TagProto

	TagAllocate
	TagAllocateReturn
	TagReallocate
	TagReallocateReturn
	TagFree
	TagFreeReturn
	TagSymbol
	TagSymbolReturn
	TagStrlen
	TagStrlenReturn
	TagMarkInit
	TagMarkInitReturn
	TagSendFd
	TagSendFdReturn
	TagRecvFd
	TagRecvFdReturn
	TagCloseFd
	TagCloseFdReturn
	TagMemRead
	TagMemReadReturn
	TagMemWrite
	TagMemWriteReturn
	TagExit
	TagExitReturn
)

// UserTagBase is the first tag value an application may use for its own
// message types, keeping clear of the reserved core-protocol range.
const UserTagBase Tag = 0x100

// IsUserTag reports whether t is in the user-reserved range.
func IsUserTag(t Tag) bool { return t >= UserTagBase }

// maxFrameLen bounds a single frame's payload to guard against a
// corrupted or hostile length header exhausting memory.
const maxFrameLen = 256 << 20 // 256 MiB

// Channel is a bidirectional, length-prefixed, fd-capable message
// channel. It wraps a single *net.UnixConn; the listener/dialer that
// established the connection is the caller's responsibility (sandbox2's
// Executor listens, the forkserver's child dials).
type Channel struct {
	conn *net.UnixConn

	writeMu sync.Mutex
	readMu  sync.Mutex
	r       *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps an already-connected Unix domain socket.
func NewChannel(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn, r: bufio.NewReaderSize(conn, 64<<10)}
}

// Frame is one message read from or written to a Channel.
type Frame struct {
	Tag     Tag
	Payload []byte
	// FDs carries any file descriptors passed alongside this frame via
	// SCM_RIGHTS. The receiver owns these and must close them.
	FDs []int
}

// headerSize is the wire-format {tag, length} prefix length: both fields
// are little-endian uint32s, matching the rest of sandbox2's RPC encoding.
const headerSize = 8

// Send writes a frame to the channel. If fds is non-empty they are sent
// as ancillary SCM_RIGHTS data alongside the header+payload write.
func (c *Channel) Send(tag Tag, payload []byte, fds ...int) error {
	if len(payload) > maxFrameLen {
		return serrors.New(serrors.ErrInvalidArgument, "comms.Send", "frame exceeds maximum length")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(tag))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	buf := append(hdr, payload...)

	var oob []byte
	if len(fds) > 0 {
		oob = unixRights(fds)
	}

	n, oobn, err := c.conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return serrors.Wrap(err, serrors.ErrUnavailable, "comms.Send")
	}
	if n != len(buf) || oobn != len(oob) {
		return serrors.New(serrors.ErrInternal, "comms.Send", "short write")
	}
	return nil
}

// Recv reads the next frame from the channel, blocking until one is
// available. It is not safe to call Recv concurrently from multiple
// goroutines on the same Channel.
func (c *Channel) Recv() (Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		if err == io.EOF {
			return Frame{}, serrors.ErrChannelClosed
		}
		return Frame{}, serrors.Wrap(err, serrors.ErrUnavailable, "comms.Recv")
	}

	tag := Tag(binary.LittleEndian.Uint32(hdr[0:4]))
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length > maxFrameLen {
		// The payload is left unread, so the stream can no longer be
		// framed: an oversized frame is fatal for the channel.
		c.Close()
		return Frame{}, serrors.ErrProtocol
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return Frame{}, serrors.Wrap(err, serrors.ErrUnavailable, "comms.Recv")
		}
	}

	return Frame{Tag: tag, Payload: payload}, nil
}

// RecvWithFDs reads the next frame directly off the socket (not
// through the buffered reader) so that any ancillary SCM_RIGHTS data
// accompanying it is captured. Callers that expect fd-passing frames
// (e.g. the executor receiving a mapped file from the sandboxee) must use
// this instead of Recv, and must not mix the two on a connection that
// still has buffered bytes pending.
func (c *Channel) RecvWithFDs(maxFDs int) (Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.r.Buffered() > 0 {
		return Frame{}, serrors.New(serrors.ErrInternal, "comms.RecvWithFDs",
			"buffered reader has unread bytes; cannot recover ancillary data")
	}

	// Only the header is read together with the ancillary data: on a
	// stream socket the next frame may already be queued behind this one.
	buf := make([]byte, headerSize)
	oob := make([]byte, cmsgSpace(maxFDs))

	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Frame{}, serrors.Wrap(err, serrors.ErrUnavailable, "comms.RecvWithFDs")
	}
	if n < headerSize {
		return Frame{}, serrors.ErrProtocol
	}

	tag := Tag(binary.LittleEndian.Uint32(buf[0:4]))
	length := binary.LittleEndian.Uint32(buf[4:8])
	if length > maxFrameLen {
		c.Close()
		return Frame{}, serrors.ErrProtocol
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return Frame{}, serrors.Wrap(err, serrors.ErrUnavailable, "comms.RecvWithFDs")
	}

	fds, err := parseUnixRights(oob[:oobn])
	if err != nil {
		return Frame{}, serrors.Wrap(err, serrors.ErrProtocol.Kind, "comms.RecvWithFDs")
	}

	return Frame{Tag: tag, Payload: payload, FDs: fds}, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// LocalAddr and RemoteAddr expose the wrapped connection's endpoints, used
// by the executor to log which sandboxee a channel belongs to.
func (c *Channel) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Channel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Fd returns the raw file descriptor of the underlying socket, needed
// when handing the client half to a forkserver child across exec.
func (c *Channel) Fd() (uintptr, error) {
	raw, err := c.conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	ctrlErr := raw.Control(func(f uintptr) { fd = f })
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}
