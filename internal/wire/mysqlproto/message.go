package mysqlproto

import (
	"encoding/binary"
	"fmt"
)

// ColumnDef is one field of a 41-packet column definition, as sent in
// response to COM_QUERY / COM_STMT_EXECUTE before the result rows.
type ColumnDef struct {
	Catalog      string
	Schema       string
	Table        string
	OrgTable     string
	Name         string
	OrgName      string
	CharSet      uint16
	ColumnLength uint32
	Type         byte
	Flags        uint16
	Decimals     byte
}

// nullLenEnc is the length-encoded-integer marker used as a NULL sentinel in
// row payloads, as distinct from the actual integer prefix bytes below.
const nullLenEnc = 0xFB

// ReadLengthEncodedInt decodes a MySQL length-encoded integer starting at
// pos. isNull is true only when the first byte is the 0xFB NULL marker,
// which callers only expect in row-value contexts, not elsewhere.
func ReadLengthEncodedInt(b []byte, pos int) (value uint64, isNull bool, next int, err error) {
	if pos >= len(b) {
		return 0, false, 0, fmt.Errorf("mysqlproto: length-encoded int: out of bounds")
	}
	first := b[pos]
	switch {
	case first < 0xFB:
		return uint64(first), false, pos + 1, nil
	case first == nullLenEnc:
		return 0, true, pos + 1, nil
	case first == 0xFC:
		if pos+3 > len(b) {
			return 0, false, 0, fmt.Errorf("mysqlproto: truncated 2-byte length-encoded int")
		}
		return uint64(binary.LittleEndian.Uint16(b[pos+1 : pos+3])), false, pos + 3, nil
	case first == 0xFD:
		if pos+4 > len(b) {
			return 0, false, 0, fmt.Errorf("mysqlproto: truncated 3-byte length-encoded int")
		}
		v := uint64(b[pos+1]) | uint64(b[pos+2])<<8 | uint64(b[pos+3])<<16
		return v, false, pos + 4, nil
	case first == 0xFE:
		if pos+9 > len(b) {
			return 0, false, 0, fmt.Errorf("mysqlproto: truncated 8-byte length-encoded int")
		}
		return binary.LittleEndian.Uint64(b[pos+1 : pos+9]), false, pos + 9, nil
	default:
		return 0, false, 0, fmt.Errorf("mysqlproto: reserved length-encoded int prefix 0x%02x", first)
	}
}

// PutLengthEncodedInt appends the smallest valid encoding of v to dst.
func PutLengthEncodedInt(dst []byte, v uint64) []byte {
	switch {
	case v < 0xFB:
		return append(dst, byte(v))
	case v <= 0xFFFF:
		dst = append(dst, 0xFC)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		return append(dst, b[:]...)
	case v <= 0xFFFFFF:
		dst = append(dst, 0xFD)
		return append(dst, byte(v), byte(v>>8), byte(v>>16))
	default:
		dst = append(dst, 0xFE)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return append(dst, b[:]...)
	}
}

// ReadLengthEncodedString decodes a length-encoded string: a
// length-encoded integer prefix followed by that many raw bytes. isNull is
// true when the NULL marker was present instead of a length.
func ReadLengthEncodedString(b []byte, pos int) (value []byte, isNull bool, next int, err error) {
	n, isNull, next, err := ReadLengthEncodedInt(b, pos)
	if err != nil {
		return nil, false, 0, err
	}
	if isNull {
		return nil, true, next, nil
	}
	if next+int(n) > len(b) {
		return nil, false, 0, fmt.Errorf("mysqlproto: truncated length-encoded string")
	}
	val := make([]byte, n)
	copy(val, b[next:next+int(n)])
	return val, false, next + int(n), nil
}

// PutLengthEncodedString is the inverse of ReadLengthEncodedString. A nil
// value is encoded as the NULL marker with no trailing bytes.
func PutLengthEncodedString(dst []byte, value []byte) []byte {
	if value == nil {
		return append(dst, nullLenEnc)
	}
	dst = PutLengthEncodedInt(dst, uint64(len(value)))
	return append(dst, value...)
}

// ParseColumnDefinition decodes a 41-packet payload.
func ParseColumnDefinition(payload []byte) (ColumnDef, error) {
	var cd ColumnDef
	pos := 0

	fields := []*string{&cd.Catalog, &cd.Schema, &cd.Table, &cd.OrgTable, &cd.Name, &cd.OrgName}
	for i, dst := range fields {
		v, isNull, next, err := ReadLengthEncodedString(payload, pos)
		if err != nil {
			return cd, fmt.Errorf("mysqlproto: column definition field %d: %w", i, err)
		}
		if isNull {
			v = nil
		}
		*dst = string(v)
		pos = next
	}

	// Length-encoded integer (always 0x0c) announcing the fixed-length
	// fields block, then the fields themselves.
	_, _, pos, err := ReadLengthEncodedInt(payload, pos)
	if err != nil {
		return cd, fmt.Errorf("mysqlproto: column definition fixed-length marker: %w", err)
	}
	if pos+10 > len(payload) {
		return cd, fmt.Errorf("mysqlproto: column definition fixed fields truncated")
	}
	cd.CharSet = binary.LittleEndian.Uint16(payload[pos : pos+2])
	cd.ColumnLength = binary.LittleEndian.Uint32(payload[pos+2 : pos+6])
	cd.Type = payload[pos+6]
	cd.Flags = binary.LittleEndian.Uint16(payload[pos+7 : pos+9])
	cd.Decimals = payload[pos+9]

	return cd, nil
}

// IsEOFPacket reports whether payload looks like an EOF (or, in MySQL
// 5.7.5+'s deprecate-EOF-capable mode, OK-as-EOF) terminator: first byte
// 0xFE and payload length under 9, the conventional heuristic since an EOF
// packet's body is always that short while a real row value starting with
// 0xFE would require a 9-byte length-encoded-integer prefix to be legal.
func IsEOFPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == StatusEOF && len(payload) < 9
}

// IsOKPacket reports whether payload looks like an OK packet.
func IsOKPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == StatusOK
}

// IsErrPacket reports whether payload looks like an ERR packet.
func IsErrPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == StatusErr
}

// EncodeErrPacket builds an ERR packet body: marker, 2-byte LE error code,
// a 6-byte SQLSTATE marker+state ("#" + 5 chars, conventionally fixed at
// "HY000" when no more specific state applies), and a human-readable
// message (spec.md §4.F.1's protocol-appropriate rejection error).
func EncodeErrPacket(code uint16, message string) []byte {
	out := make([]byte, 0, 9+len(message))
	out = append(out, StatusErr)
	out = append(out, byte(code), byte(code>>8))
	out = append(out, '#')
	out = append(out, "HY000"...)
	out = append(out, message...)
	return out
}

// ParseTextResultsetRow decodes a TextResultsetRow payload into n
// length-encoded string fields. A NULL field is represented as a nil slice.
func ParseTextResultsetRow(payload []byte, n int) ([][]byte, error) {
	fields := make([][]byte, 0, n)
	pos := 0
	for i := 0; i < n; i++ {
		v, isNull, next, err := ReadLengthEncodedString(payload, pos)
		if err != nil {
			return nil, fmt.Errorf("mysqlproto: row field %d: %w", i, err)
		}
		if isNull {
			fields = append(fields, nil)
		} else {
			fields = append(fields, v)
		}
		pos = next
	}
	return fields, nil
}

// EncodeTextResultsetRow is the inverse of ParseTextResultsetRow.
func EncodeTextResultsetRow(fields [][]byte) []byte {
	var out []byte
	for _, f := range fields {
		out = PutLengthEncodedString(out, f)
	}
	return out
}
