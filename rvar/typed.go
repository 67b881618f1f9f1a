// Typed variable wrappers built on top of Handle/Manager: the concrete
// IntLike/FloatLike/FixedArray/LengthValue/Fd/Ptr types. Each knows its
// own wire size and how to marshal/unmarshal a host value; Handle/Manager
// still own the actual remote allocation and the generation-based
// invalidation invariant.
package rvar

import (
	"encoding/binary"
	"math"

	serrors "sandbox2/errors"
)

// Variable is the common interface every typed remote value satisfies:
// it knows its own wire size and how to marshal/unmarshal a host value.
// Allocation is not part of the contract; Manager owns it independent of
// type.
type Variable interface {
	Size() uint64
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

var errShortBuffer = serrors.New(serrors.ErrInvalidArgument, "rvar", "buffer too short to unmarshal")

// IntLike is a fixed-width signed integer (int8/16/32/64 in the
// sandboxee), represented host-side as an int64.
type IntLike struct {
	Width int // 1, 2, 4, or 8
	Value int64
}

func (v *IntLike) Size() uint64 { return uint64(v.Width) }

func (v *IntLike) Marshal() ([]byte, error) {
	buf := make([]byte, v.Width)
	switch v.Width {
	case 1:
		buf[0] = byte(v.Value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v.Value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v.Value))
	case 8:
		binary.LittleEndian.PutUint64(buf, uint64(v.Value))
	default:
		return nil, serrors.New(serrors.ErrInvalidArgument, "rvar.IntLike.Marshal", "unsupported width")
	}
	return buf, nil
}

func (v *IntLike) Unmarshal(b []byte) error {
	if len(b) < v.Width {
		return errShortBuffer
	}
	switch v.Width {
	case 1:
		v.Value = int64(int8(b[0]))
	case 2:
		v.Value = int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		v.Value = int64(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		v.Value = int64(binary.LittleEndian.Uint64(b))
	default:
		return serrors.New(serrors.ErrInvalidArgument, "rvar.IntLike.Unmarshal", "unsupported width")
	}
	return nil
}

// FloatLike is a float32 or float64 variable.
type FloatLike struct {
	Width int // 4 or 8
	Value float64
}

func (v *FloatLike) Size() uint64 { return uint64(v.Width) }

func (v *FloatLike) Marshal() ([]byte, error) {
	buf := make([]byte, v.Width)
	switch v.Width {
	case 4:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v.Value)))
	case 8:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v.Value))
	default:
		return nil, serrors.New(serrors.ErrInvalidArgument, "rvar.FloatLike.Marshal", "unsupported width")
	}
	return buf, nil
}

func (v *FloatLike) Unmarshal(b []byte) error {
	if len(b) < v.Width {
		return errShortBuffer
	}
	switch v.Width {
	case 4:
		v.Value = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case 8:
		v.Value = math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		return serrors.New(serrors.ErrInvalidArgument, "rvar.FloatLike.Unmarshal", "unsupported width")
	}
	return nil
}

// FixedArray is a fixed-size byte buffer, also used to back struct
// variables: sandbox2 has no reflection-based struct marshaling, so
// callers lay out fields into the buffer themselves.
type FixedArray struct {
	Data []byte
}

func (v *FixedArray) Size() uint64 { return uint64(len(v.Data)) }

func (v *FixedArray) Marshal() ([]byte, error) {
	return append([]byte(nil), v.Data...), nil
}

func (v *FixedArray) Unmarshal(b []byte) error {
	if len(b) < len(v.Data) {
		return errShortBuffer
	}
	copy(v.Data, b)
	return nil
}

// lengthValueHeaderSize is the wire size of a LengthValue's header: a
// single little-endian uint64 giving the payload's length.
const lengthValueHeaderSize = 8

// LengthValue is a variable-length buffer framed as a header (its size)
// followed by a separately-sized payload: the header syncs first, and
// the payload buffer is resized locally to match before the payload
// itself syncs.
type LengthValue struct {
	Payload []byte
}

// Header returns the wire form of the length header alone.
func (v *LengthValue) Header() []byte {
	buf := make([]byte, lengthValueHeaderSize)
	binary.LittleEndian.PutUint64(buf, uint64(len(v.Payload)))
	return buf
}

// SetLengthFromHeader resizes Payload to match a header just read back
// from the sandboxee, ahead of syncing the payload itself.
func (v *LengthValue) SetLengthFromHeader(header []byte) error {
	if len(header) < lengthValueHeaderSize {
		return errShortBuffer
	}
	n := binary.LittleEndian.Uint64(header)
	v.Payload = make([]byte, n)
	return nil
}

func (v *LengthValue) Size() uint64 { return lengthValueHeaderSize + uint64(len(v.Payload)) }

func (v *LengthValue) Marshal() ([]byte, error) {
	return append(v.Header(), v.Payload...), nil
}

func (v *LengthValue) Unmarshal(b []byte) error {
	if err := v.SetLengthFromHeader(b); err != nil {
		return err
	}
	if len(b) < lengthValueHeaderSize+len(v.Payload) {
		return errShortBuffer
	}
	copy(v.Payload, b[lengthValueHeaderSize:lengthValueHeaderSize+len(v.Payload)])
	return nil
}

// protoEnvelopeSize is the small fixed header Proto prepends to identify
// the wrapped message's type before the wire-encoded body.
const protoEnvelopeSize = 4

// Proto wraps a LengthValue whose payload is a small type envelope plus
// a caller-provided wire-encoded message (see comms.Channel.SendProto's
// Marshaler/Unmarshaler pair).
type Proto struct {
	TypeID uint32
	LengthValue
}

func (v *Proto) Marshal() ([]byte, error) {
	body, err := v.LengthValue.Marshal()
	if err != nil {
		return nil, err
	}
	envelope := make([]byte, protoEnvelopeSize)
	binary.LittleEndian.PutUint32(envelope, v.TypeID)
	return append(envelope, body...), nil
}

func (v *Proto) Unmarshal(b []byte) error {
	if len(b) < protoEnvelopeSize {
		return errShortBuffer
	}
	v.TypeID = binary.LittleEndian.Uint32(b[:protoEnvelopeSize])
	return v.LengthValue.Unmarshal(b[protoEnvelopeSize:])
}

func (v *Proto) Size() uint64 { return protoEnvelopeSize + v.LengthValue.Size() }

// Fd is a remote file descriptor: unlike the other types it does not
// serialize through ordinary memory sync. Allocation is equivalent to
// transferring the local fd through comms (see rpc.Client.SendFdToSandboxee);
// destruction closes each side independently per its ownership flag.
type Fd struct {
	Local         int
	Remote        int
	OwnLocal      bool
	OwnRemote     bool
	remoteIsValid bool
}

func (v *Fd) Size() uint64 { return 4 } // wire size of the remote fd number, as an int32

func (v *Fd) Marshal() ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v.Remote))
	return buf, nil
}

func (v *Fd) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return errShortBuffer
	}
	v.Remote = int(int32(binary.LittleEndian.Uint32(b)))
	v.remoteIsValid = true
	return nil
}

// SyncDir controls when a Ptr argument is synced around a remote call:
// PtrBefore copies the host value to the sandboxee before the call,
// PtrAfter copies the sandboxee's value back after, PtrBoth does both,
// and PtrNone leaves the remote buffer untouched (the callee only reads
// or only writes it, by convention of the function being called).
type SyncDir int

const (
	PtrNone SyncDir = iota
	PtrBefore
	PtrAfter
	PtrBoth
)

// Ptr wraps another Variable with the remote address it has been (or
// will be) allocated at, plus the sync direction Executor.Call applies
// around the remote invocation.
type Ptr struct {
	Variable
	Dir SyncDir
}

// SyncsBefore reports whether the pointed-to value should be pushed to
// the sandboxee before the call.
func (p Ptr) SyncsBefore() bool { return p.Dir == PtrBefore || p.Dir == PtrBoth }

// SyncsAfter reports whether the pointed-to value should be pulled back
// from the sandboxee after the call.
func (p Ptr) SyncsAfter() bool { return p.Dir == PtrAfter || p.Dir == PtrBoth }
