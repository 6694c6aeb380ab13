// Package pgproto implements an incremental, zero-copy-on-read codec for
// the PostgreSQL frontend/backend protocol v3 (spec.md §4.A). It frames and
// unframes messages, tracks enough session state to attribute a DataRow to
// its RowDescription, and re-encodes mutated rows with a correct length
// header.
//
// The same framing applies to both directions of the protocol once the
// opening handshake is complete: [TypeByte(1)][Length(4, big-endian,
// inclusive of itself)][Payload]. The very first client message (Startup or
// SSLRequest) omits the type byte and is handled separately by the
// connection handler (see internal/proxy), since it is pure passthrough and
// never reaches the masking engine.
package pgproto

// Message type bytes relevant to session tracking and masking. Not
// exhaustive — every other type byte passes through Decoder.Next()
// unchanged and is simply not interpreted further.
const (
	MsgRowDescription  byte = 'T'
	MsgDataRow         byte = 'D'
	MsgParse           byte = 'P'
	MsgBind            byte = 'B'
	MsgExecute         byte = 'E'
	MsgParameterStatus byte = 'S'
	MsgReadyForQuery   byte = 'Z'
	MsgErrorResponse   byte = 'E' // backend direction only; shares 'E' with frontend Execute
	MsgCommandComplete byte = 'C'
	MsgCloseComplete   byte = '3'
	MsgTerminate       byte = 'X'
)

// headerLen is the length of the typed frame header: 1 type byte + 4 length
// bytes.
const headerLen = 5

// Frame is one fully-reassembled, typed protocol message. Payload aliases
// the Decoder's internal buffer and is only valid until the next call to
// Decoder.Next or Decoder.Feed — callers that need to retain it across such
// a call must copy it.
type Frame struct {
	Type    byte
	Payload []byte
}

// Encode renders a typed frame back to wire bytes: type + big-endian
// length-including-itself + payload. This is the inverse of Decoder.Next
// and is what the masking engine uses to re-emit a mutated DataRow (or any
// other frame) with a correct length header (spec.md §8 invariant 2).
func Encode(msgType byte, payload []byte) []byte {
	out := make([]byte, headerLen+len(payload))
	out[0] = msgType
	putU32BE(out[1:5], uint32(len(payload)+4))
	copy(out[5:], payload)
	return out
}

func putU32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getU32BE(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
