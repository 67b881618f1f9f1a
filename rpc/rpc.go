// Package rpc implements sandbox2's remote procedure invocation protocol:
// encoding a function-call descriptor (symbol, argument words, return
// type) and the matching call-status/return-value frame, carried over a
// comms.Channel.
//
// The wire encoding follows the same {tag, length-prefixed payload} frame
// sandbox2 uses everywhere, with the payload itself gob-encoded:
// encoding/gob is the standard library's answer to "serialize a Go
// struct across a pipe" and needs no schema file, keeping the protocol
// definition in one place.
package rpc

import (
	"bytes"
	"encoding/gob"
	"sync/atomic"

	"sandbox2/comms"
	serrors "sandbox2/errors"
)

// maxCallArgs bounds how many arguments a single remote call may carry.
// Values beyond what fits in registers spill to pre-allocated remote
// variables rather than registers.
const maxCallArgs = 12

// ReturnKind classifies the type of a call's return value so the caller
// can decode the raw 64-bit result correctly.
type ReturnKind int

const (
	ReturnVoid ReturnKind = iota
	ReturnInt
	ReturnUint
	ReturnPointer
)

// Call describes one remote function invocation: the symbol to call (or
// a remote address, if Symbol is empty and Addr is nonzero) plus its
// argument words. Pointer-valued arguments are remote addresses already
// resolved by the caller (typically via an rvar.Variable's remote handle).
type Call struct {
	Symbol string
	Addr   uint64
	Args   []uint64
	Return ReturnKind
}

// Result is the outcome of a Call: either a return value or an error
// classification from the sandboxee side (e.g. the symbol didn't resolve,
// or the call crashed the sandboxee before it could reply).
type Result struct {
	Value uint64
	Err   string
}

// validate rejects malformed call descriptors before they are ever sent
// over the wire, mirroring sandbox2's ErrMalformedCall/ErrTooManyArgs.
func (c *Call) validate() error {
	if c.Symbol == "" && c.Addr == 0 {
		return serrors.ErrMalformedCall
	}
	if len(c.Args) > maxCallArgs {
		return serrors.ErrTooManyArgs
	}
	return nil
}

// Client issues Call requests over a comms.Channel and awaits Results.
// One Client serves one sandboxee; calls are synchronous from the
// caller's perspective (the executor serializes calls on a session).
type Client struct {
	ch     *comms.Channel
	closed atomic.Bool
}

// NewClient wraps a channel already connected to a running sandboxee's
// RPC stub.
func NewClient(ch *comms.Channel) *Client {
	return &Client{ch: ch}
}

// Closed reports whether a prior I/O or protocol error has made this
// Client permanently unavailable. Any such error is fatal for the
// session: every subsequent call returns Unavailable without attempting
// further I/O.
func (c *Client) Closed() bool { return c.closed.Load() }

// fail marks the client permanently closed and returns an Unavailable
// error wrapping the triggering cause.
func (c *Client) fail(err error, op string) error {
	c.closed.Store(true)
	return serrors.Wrap(err, serrors.ErrUnavailable, op)
}

// roundTrip gob-encodes req, sends it tagged reqTag, and decodes a reply
// tagged respTag into resp. Any I/O or protocol error is channel-fatal.
func (c *Client) roundTrip(reqTag comms.Tag, req any, respTag comms.Tag, resp any, op string) error {
	if c.closed.Load() {
		return serrors.ErrChannelClosed
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return serrors.Wrap(err, serrors.ErrInternal, op)
	}
	if err := c.ch.Send(reqTag, buf.Bytes()); err != nil {
		return c.fail(err, op)
	}

	frame, err := c.ch.Recv()
	if err != nil {
		return c.fail(err, op)
	}
	if frame.Tag != respTag {
		return c.fail(serrors.ErrProtocol, op)
	}
	if err := gob.NewDecoder(bytes.NewReader(frame.Payload)).Decode(resp); err != nil {
		return c.fail(err, op)
	}
	return nil
}

// Invoke sends call over the channel and blocks for its Result. A
// malformed descriptor (validate failure) returns InvalidArgument
// without touching the channel.
func (c *Client) Invoke(call Call) (Result, error) {
	if err := call.validate(); err != nil {
		return Result{}, err
	}
	if c.closed.Load() {
		return Result{}, serrors.ErrChannelClosed
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(call); err != nil {
		return Result{}, serrors.Wrap(err, serrors.ErrInternal, "rpc.Invoke")
	}
	if err := c.ch.Send(comms.TagRPCCall, buf.Bytes()); err != nil {
		return Result{}, c.fail(err, "rpc.Invoke")
	}

	frame, err := c.ch.Recv()
	if err != nil {
		return Result{}, c.fail(err, "rpc.Invoke")
	}
	if frame.Tag != comms.TagRPCReturn {
		return Result{}, c.fail(serrors.ErrProtocol, "rpc.Invoke")
	}

	var res Result
	if err := gob.NewDecoder(bytes.NewReader(frame.Payload)).Decode(&res); err != nil {
		return Result{}, c.fail(err, "rpc.Invoke")
	}
	if res.Err != "" {
		return res, serrors.New(serrors.ErrInvalidArgument, "rpc.Invoke", res.Err)
	}
	return res, nil
}

// Server runs inside the sandboxee (or, in tests, a stand-in process): it
// receives Call frames and dispatches them via a Dispatcher, replying with
// the Result.
type Server struct {
	ch         *comms.Channel
	dispatcher Dispatcher
	mem        MemHandler
	extra      map[comms.Tag]FrameHandler
}

// Dispatcher resolves and invokes the actual remote function. Production
// sandboxees implement this with cgo/dlsym against the loaded library
// under test; tests supply a fake.
type Dispatcher interface {
	Dispatch(call Call) (uint64, error)
}

// NewServer builds an RPC server bound to ch, dispatching calls to d.
func NewServer(ch *comms.Channel, d Dispatcher) *Server {
	return &Server{ch: ch, dispatcher: d}
}

// ServeOne handles exactly one inbound call, replying before returning.
// The forkserver's per-session goroutine loops calling ServeOne until the
// channel closes.
func (s *Server) ServeOne() error {
	// RecvWithFDs is used unconditionally (not just for fd-carrying
	// tags) so the Server never touches the buffered Recv path: mixing
	// the two on one Channel is unsafe (see comms.RecvWithFDs), and the
	// tag that decides whether fds are present isn't known until after
	// the frame is read.
	frame, err := s.ch.RecvWithFDs(1)
	if err != nil {
		return err
	}
	if frame.Tag != comms.TagRPCCall {
		if h, ok := s.extra[frame.Tag]; ok {
			return h(frame, s.ch)
		}
		return s.serveMem(frame)
	}

	var call Call
	if err := gob.NewDecoder(bytes.NewReader(frame.Payload)).Decode(&call); err != nil {
		return serrors.Wrap(err, serrors.ErrInternal, "rpc.ServeOne")
	}

	res := Result{}
	val, dispatchErr := s.dispatcher.Dispatch(call)
	if dispatchErr != nil {
		res.Err = dispatchErr.Error()
	} else {
		res.Value = val
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(res); err != nil {
		return serrors.Wrap(err, serrors.ErrInternal, "rpc.ServeOne")
	}
	return s.ch.Send(comms.TagRPCReturn, buf.Bytes())
}
