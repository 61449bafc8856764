package udpio

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// HeaderSize is the fixed header size in bytes, per spec.md §6:
// 16 (session id) + 4 (sequence) + 8 (timestamp) + 2 (payload length).
const HeaderSize = 30

// SessionIDSize is the width of the session id field on the wire.
const SessionIDSize = 16

// Frame is a decoded UDP audio frame: device <-> Bridge wire format,
// little-endian, exactly as spec.md §6 describes.
type Frame struct {
	SessionID [SessionIDSize]byte
	Sequence  uint32
	Timestamp uint64 // milliseconds
	Payload   []byte
}

// Encode serializes f into the wire format. Encode/Decode form a bijection
// on well-formed frames (spec.md §8 round-trip law).
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	copy(buf[0:16], f.SessionID[:])
	binary.LittleEndian.PutUint32(buf[16:20], f.Sequence)
	binary.LittleEndian.PutUint64(buf[20:28], f.Timestamp)
	binary.LittleEndian.PutUint16(buf[28:30], uint16(len(f.Payload)))
	copy(buf[30:], f.Payload)
	return buf
}

// Decode parses a datagram into a Frame. It returns an error — never a
// panic — for anything shorter than HeaderSize or whose declared payload
// length disagrees with the actual datagram size (spec.md §6, §8 boundary
// behavior). The returned Payload aliases buf; callers that retain a Frame
// past the lifetime of the read buffer must copy it.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, fmt.Errorf("udpio: datagram too short: %d bytes, need at least %d", len(buf), HeaderSize)
	}

	var f Frame
	copy(f.SessionID[:], buf[0:16])
	f.Sequence = binary.LittleEndian.Uint32(buf[16:20])
	f.Timestamp = binary.LittleEndian.Uint64(buf[20:28])
	declaredLen := binary.LittleEndian.Uint16(buf[28:30])

	actualLen := len(buf) - HeaderSize
	if int(declaredLen) != actualLen {
		return Frame{}, fmt.Errorf("udpio: payload length mismatch: header declares %d, datagram carries %d", declaredLen, actualLen)
	}

	f.Payload = buf[30:]
	return f, nil
}

// SessionIDString renders a session id as lowercase hex. This is the key
// format the Session Manager uses for its session table, so that an inbound
// wire session id and a locally-minted one (see SessionIDFromString) always
// agree.
func SessionIDString(id [SessionIDSize]byte) string {
	return hex.EncodeToString(id[:])
}

// SessionIDFromString parses the hex form produced by SessionIDString back
// into wire bytes, used when framing outbound egress for a session whose id
// is only held as a string key.
func SessionIDFromString(s string) ([SessionIDSize]byte, error) {
	var id [SessionIDSize]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("udpio: parse session id %q: %w", s, err)
	}
	if len(b) != SessionIDSize {
		return id, fmt.Errorf("udpio: session id %q decodes to %d bytes, want %d", s, len(b), SessionIDSize)
	}
	copy(id[:], b)
	return id, nil
}
