// Package logforward drains log records from a sandboxee over a
// dedicated channel into the supervisor's structured logger. The
// sandboxee holds only a file descriptor; record ownership and the
// forwarding goroutine live entirely on the supervisor side, so no
// reference cycle crosses the process boundary.
//
// The channel is separate from the session's comms/RPC channel on
// purpose: log traffic must not interleave with (or stall behind) the
// request/response discipline of the RPC protocol.
package logforward

import (
	"bytes"
	"context"
	"encoding/gob"
	"log/slog"

	"sandbox2/comms"
	serrors "sandbox2/errors"
)

// TagLog carries one gob-encoded Record. It sits in the user tag range,
// well clear of both the core RPC tags and the forkserver's.
const TagLog comms.Tag = comms.UserTagBase + 0x40

// Record is one log event crossing the process boundary.
type Record struct {
	Level   int // slog.Level value
	Message string
	// Attrs are pre-rendered key=value pairs; the sandboxee flattens
	// structure before shipping so the supervisor never interprets
	// sandboxee-controlled nesting.
	Attrs []string
}

// Sink is the sandboxee-side writer: it ships records over the log
// channel. Methods mirror the slog level helpers the rest of the tree
// uses.
type Sink struct {
	ch *comms.Channel
}

// NewSink wraps the sandboxee's end of the log channel.
func NewSink(ch *comms.Channel) *Sink {
	return &Sink{ch: ch}
}

// Log ships one record. Errors are returned but typically ignored by
// callers: a sandboxee must not die because the supervisor stopped
// listening to its logs.
func (s *Sink) Log(level slog.Level, msg string, attrs ...string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(Record{Level: int(level), Message: msg, Attrs: attrs}); err != nil {
		return serrors.Wrap(err, serrors.ErrInternal, "logforward.Log")
	}
	return s.ch.Send(TagLog, buf.Bytes())
}

// Debug, Info, Warn and Error are level-fixed conveniences.
func (s *Sink) Debug(msg string, attrs ...string) error {
	return s.Log(slog.LevelDebug, msg, attrs...)
}

func (s *Sink) Info(msg string, attrs ...string) error {
	return s.Log(slog.LevelInfo, msg, attrs...)
}

func (s *Sink) Warn(msg string, attrs ...string) error {
	return s.Log(slog.LevelWarn, msg, attrs...)
}

func (s *Sink) Error(msg string, attrs ...string) error {
	return s.Log(slog.LevelError, msg, attrs...)
}

// Forwarder is the supervisor-side drain: a loop that replays sandboxee
// records into a *slog.Logger, annotated with the sandboxee's PID.
type Forwarder struct {
	ch     *comms.Channel
	logger *slog.Logger
	pid    int
}

// NewForwarder builds a drain for one sandboxee's log channel.
func NewForwarder(ch *comms.Channel, logger *slog.Logger, pid int) *Forwarder {
	return &Forwarder{ch: ch, logger: logger, pid: pid}
}

// Run drains records until the channel closes (normally when the
// sandboxee exits). It always returns nil on a clean close; the
// forwarding thread's death is not a session error.
func (f *Forwarder) Run() error {
	for {
		frame, err := f.ch.Recv()
		if err != nil {
			return nil
		}
		if frame.Tag != TagLog {
			// Unknown traffic on the log channel is dropped, not fatal:
			// a compromised sandboxee must not be able to kill the
			// supervisor's log thread with garbage.
			continue
		}
		var rec Record
		if err := gob.NewDecoder(bytes.NewReader(frame.Payload)).Decode(&rec); err != nil {
			continue
		}
		f.emit(rec)
	}
}

func (f *Forwarder) emit(rec Record) {
	args := make([]any, 0, len(rec.Attrs)+2)
	args = append(args, "sandboxee_pid", f.pid)
	for _, a := range rec.Attrs {
		args = append(args, "attr", a)
	}
	f.logger.Log(context.Background(), slog.Level(rec.Level), rec.Message, args...)
}
