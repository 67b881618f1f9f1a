package comms

import (
	serrors "sandbox2/errors"
)

// Marshaler is the encoding half of the message contract SendProto
// accepts: anything that can render itself to bytes. Wire-format
// messages (protobuf, json, gob) all satisfy this through thin
// adapters.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Unmarshaler is the decoding half, for RecvProto.
type Unmarshaler interface {
	Unmarshal([]byte) error
}

// SendProto marshals m and sends it as a TagProto frame.
func (c *Channel) SendProto(m Marshaler) error {
	payload, err := m.Marshal()
	if err != nil {
		return serrors.Wrap(err, serrors.ErrInvalidArgument, "comms.SendProto")
	}
	return c.Send(TagProto, payload)
}

// RecvProto receives the next frame, which must be TagProto, and
// unmarshals its payload into out. A frame with any other tag is a
// protocol error: message-typed and raw traffic may not interleave
// unannounced on one channel.
func (c *Channel) RecvProto(out Unmarshaler) error {
	frame, err := c.Recv()
	if err != nil {
		return err
	}
	if frame.Tag != TagProto {
		return serrors.ErrProtocol
	}
	return out.Unmarshal(frame.Payload)
}
