package pgproto

import (
	"encoding/binary"
	"fmt"
)

// Column is a single field descriptor out of a RowDescription message
// (spec.md §3 "Column descriptor").
type Column struct {
	Name     string
	TableOID uint32
	AttrNum  int16
	TypeOID  uint32
	TypeSize int16
	TypeMod  int32
	Format   int16 // 0 = text, 1 = binary
}

// IsBinary reports whether this column was declared with the binary format
// code.
func (c Column) IsBinary() bool { return c.Format == 1 }

// ParseRowDescription decodes a 'T' message payload into its column list.
func ParseRowDescription(payload []byte) ([]Column, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("pgproto: RowDescription payload too short")
	}
	n := int(int16(binary.BigEndian.Uint16(payload[0:2])))
	pos := 2
	cols := make([]Column, 0, n)

	for i := 0; i < n; i++ {
		name, next, err := readCString(payload, pos)
		if err != nil {
			return nil, fmt.Errorf("pgproto: RowDescription field %d name: %w", i, err)
		}
		pos = next

		if pos+18 > len(payload) {
			return nil, fmt.Errorf("pgproto: RowDescription field %d truncated", i)
		}
		col := Column{
			Name:     name,
			TableOID: binary.BigEndian.Uint32(payload[pos : pos+4]),
			AttrNum:  int16(binary.BigEndian.Uint16(payload[pos+4 : pos+6])),
			TypeOID:  binary.BigEndian.Uint32(payload[pos+6 : pos+10]),
			TypeSize: int16(binary.BigEndian.Uint16(payload[pos+10 : pos+12])),
			TypeMod:  int32(binary.BigEndian.Uint32(payload[pos+12 : pos+16])),
			Format:   int16(binary.BigEndian.Uint16(payload[pos+16 : pos+18])),
		}
		pos += 18
		cols = append(cols, col)
	}
	return cols, nil
}

// EncodeRowDescription is the inverse of ParseRowDescription. It is not
// needed on the hot masking path (RowDescription is always passthrough,
// spec.md §4.A) but is kept for tests that round-trip frames.
func EncodeRowDescription(cols []Column) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(cols)))
	for _, c := range cols {
		out = append(out, []byte(c.Name)...)
		out = append(out, 0)
		var fixed [18]byte
		binary.BigEndian.PutUint32(fixed[0:4], c.TableOID)
		binary.BigEndian.PutUint16(fixed[4:6], uint16(c.AttrNum))
		binary.BigEndian.PutUint32(fixed[6:10], c.TypeOID)
		binary.BigEndian.PutUint16(fixed[10:12], uint16(c.TypeSize))
		binary.BigEndian.PutUint32(fixed[12:16], uint32(c.TypeMod))
		binary.BigEndian.PutUint16(fixed[16:18], uint16(c.Format))
		out = append(out, fixed[:]...)
	}
	return out
}

// NullField is the distinguished value used in a decoded row to represent
// SQL NULL — distinct from a zero-length, non-NULL value.
var NullField []byte = nil

// ParseDataRow decodes a 'D' message payload into its field values. A NULL
// field is represented as a nil slice; a present-but-empty field is a
// non-nil zero-length slice.
func ParseDataRow(payload []byte) ([][]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("pgproto: DataRow payload too short")
	}
	n := int(int16(binary.BigEndian.Uint16(payload[0:2])))
	pos := 2
	fields := make([][]byte, 0, n)

	for i := 0; i < n; i++ {
		if pos+4 > len(payload) {
			return nil, fmt.Errorf("pgproto: DataRow field %d truncated length", i)
		}
		flen := int32(binary.BigEndian.Uint32(payload[pos : pos+4]))
		pos += 4
		if flen < -1 {
			return nil, fmt.Errorf("pgproto: DataRow field %d has invalid length %d", i, flen)
		}
		if flen == -1 {
			fields = append(fields, NullField)
			continue
		}
		if pos+int(flen) > len(payload) {
			return nil, fmt.Errorf("pgproto: DataRow field %d truncated value", i)
		}
		val := make([]byte, flen)
		copy(val, payload[pos:pos+int(flen)])
		fields = append(fields, val)
		pos += int(flen)
	}
	return fields, nil
}

// EncodeDataRow is the inverse of ParseDataRow, used by the masking engine
// to re-emit a row after mutating some of its fields.
func EncodeDataRow(fields [][]byte) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(fields)))
	for _, f := range fields {
		var lenBuf [4]byte
		if f == nil {
			binary.BigEndian.PutUint32(lenBuf[:], 0xFFFFFFFF) // int32 -1 marks NULL
			out = append(out, lenBuf[:]...)
			continue
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		out = append(out, lenBuf[:]...)
		out = append(out, f...)
	}
	return out
}

// ParsePortalFromBind extracts the destination portal name from a 'B'
// (Bind) message payload: portalName\0 statementName\0 ...
func ParsePortalFromBind(payload []byte) (portal, statement string, err error) {
	portal, pos, err := readCString(payload, 0)
	if err != nil {
		return "", "", fmt.Errorf("pgproto: Bind portal name: %w", err)
	}
	statement, _, err = readCString(payload, pos)
	if err != nil {
		return "", "", fmt.Errorf("pgproto: Bind statement name: %w", err)
	}
	return portal, statement, nil
}

// ParseStatementFromParse extracts the statement name a 'P' (Parse) message
// defines: statementName\0 query\0 ...
func ParseStatementFromParse(payload []byte) (statement string, err error) {
	statement, _, err = readCString(payload, 0)
	if err != nil {
		return "", fmt.Errorf("pgproto: Parse statement name: %w", err)
	}
	return statement, nil
}

// ParsePortalFromExecute extracts the portal name targeted by an 'E'
// (Execute) message payload: portalName\0 maxRows(int32).
func ParsePortalFromExecute(payload []byte) (portal string, err error) {
	portal, _, err = readCString(payload, 0)
	if err != nil {
		return "", fmt.Errorf("pgproto: Execute portal name: %w", err)
	}
	return portal, nil
}

// EncodeErrorResponse builds an 'E' ErrorResponse payload carrying a
// severity, a SQLSTATE code, and a human-readable message (spec.md §4.F.1:
// the connection handler rejects excess connections with a
// protocol-appropriate error before closing). Field tags follow the PG
// protocol's ErrorResponse field-type bytes: 'S' severity, 'C' SQLSTATE
// code, 'M' message, terminated by a zero byte.
func EncodeErrorResponse(severity, code, message string) []byte {
	var out []byte
	out = append(out, 'S')
	out = append(out, severity...)
	out = append(out, 0)
	out = append(out, 'C')
	out = append(out, code...)
	out = append(out, 0)
	out = append(out, 'M')
	out = append(out, message...)
	out = append(out, 0)
	out = append(out, 0)
	return out
}

func readCString(b []byte, pos int) (string, int, error) {
	end := pos
	for end < len(b) && b[end] != 0 {
		end++
	}
	if end >= len(b) {
		return "", 0, fmt.Errorf("unterminated C string")
	}
	return string(b[pos:end]), end + 1, nil
}
