package forkserver

import (
	"bytes"
	"encoding/gob"

	"sandbox2/comms"
	serrors "sandbox2/errors"
)

// Frame tags for the supervisor <-> forkserver bootstrap channel and the
// pre-RPC phase of each session channel. All sit in the user-reserved tag
// range so they can never collide with the core RPC protocol.
const (
	// TagSpawnRequest carries a gob-encoded SpawnRequest plus, as
	// ancillary data, the sandboxee end of the new session's socketpair.
	TagSpawnRequest comms.Tag = comms.UserTagBase + iota
	// TagSpawnResponse carries a gob-encoded SpawnResponse.
	TagSpawnResponse
	// TagShutdown asks the forkserver helper itself to exit its loop.
	TagShutdown
	// TagShutdownAck confirms the helper is about to exit.
	TagShutdownAck
	// TagChildReady is the first frame a freshly spawned child sends on
	// its session channel, after its filter is installed. Receipt is the
	// supervisor's signal that the jail is fully set up.
	TagChildReady
	// TagSetupError replaces TagChildReady when any step between fork and
	// filter install failed; the payload is the error text.
	TagSetupError
	// TagChildExit is an asynchronous report on the bootstrap channel that
	// the helper reaped one of its spawned children; the payload is a
	// gob-encoded ChildExit.
	TagChildExit
)

// ChildExit carries a reaped child's raw wait status to the supervisor.
type ChildExit struct {
	PID        int
	WaitStatus uint32
}

// SpawnResponse is the forkserver parent's reply to a SpawnRequest: the
// new child's PID, or the reason the fork itself failed. Setup failures
// inside the child arrive separately, as a TagSetupError frame on the
// session channel.
type SpawnResponse struct {
	PID int
	Err string
}

var errDuplicateRemoteFd = serrors.ErrDuplicateRemoteFd

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(payload []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(v)
}
