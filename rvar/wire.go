package rvar

import "encoding/binary"

// The TagRVar payload is a small fixed header identifying the operation
// (read or write), the remote address, and, for reads, the requested
// length or, for writes, the inline data.
const (
	opWrite byte = iota
	opRead
)

func encodeRVarWrite(addr uint64, data []byte) []byte {
	buf := make([]byte, 1+8+len(data))
	buf[0] = opWrite
	binary.LittleEndian.PutUint64(buf[1:9], addr)
	copy(buf[9:], data)
	return buf
}

func encodeRVarRead(addr uint64, n uint64) []byte {
	buf := make([]byte, 1+8+8)
	buf[0] = opRead
	binary.LittleEndian.PutUint64(buf[1:9], addr)
	binary.LittleEndian.PutUint64(buf[9:17], n)
	return buf
}

// DecodeRVarFrame parses a TagRVar payload back into its operation kind,
// address, and data/length field. It is used by the sandboxee-side stub
// that actually performs the memory copy.
func DecodeRVarFrame(payload []byte) (isWrite bool, addr uint64, data []byte, length uint64) {
	if len(payload) < 9 {
		return false, 0, nil, 0
	}
	isWrite = payload[0] == opWrite
	addr = binary.LittleEndian.Uint64(payload[1:9])
	if isWrite {
		data = payload[9:]
		return
	}
	if len(payload) >= 17 {
		length = binary.LittleEndian.Uint64(payload[9:17])
	}
	return
}
