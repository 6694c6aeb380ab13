package mysqlproto

import (
	"bytes"
	"testing"
)

func TestDecoderNeedsMoreOnPartialHeader(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{5, 0})
	_, ok, err := d.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected NeedMore")
	}
}

func TestDecoderNeedsMoreOnPartialPayload(t *testing.T) {
	d := NewDecoder()
	full := Encode(0, []byte("select 1"))
	d.Feed(full[:len(full)-3])
	_, ok, err := d.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected NeedMore for truncated payload")
	}
}

func TestDecoderRoundTripsFramingIdentity(t *testing.T) {
	packets := []struct {
		seq     byte
		payload []byte
	}{
		{0, []byte{ComQuery, 's', 'e', 'l', 'e', 'c', 't', ' ', '1'}},
		{1, []byte{0x02, 'i', 'd'}},
		{2, []byte{StatusEOF, 0x00, 0x00, 0x22, 0x00}},
	}
	d := NewDecoder()
	var wire []byte
	for _, p := range packets {
		wire = append(wire, Encode(p.seq, p.payload)...)
	}
	d.Feed(wire)

	for i, want := range packets {
		p, ok, err := d.Next()
		if err != nil {
			t.Fatalf("packet %d: unexpected error: %v", i, err)
		}
		if !ok {
			t.Fatalf("packet %d: expected complete packet", i)
		}
		if p.Sequence != want.seq {
			t.Fatalf("packet %d: sequence = %d, want %d", i, p.Sequence, want.seq)
		}
		if !bytes.Equal(p.Payload, want.payload) {
			t.Fatalf("packet %d: payload = %v, want %v", i, p.Payload, want.payload)
		}
	}

	if _, ok, err := d.Next(); ok || err != nil {
		t.Fatalf("expected NeedMore after draining, got ok=%v err=%v", ok, err)
	}
}

func TestDecoderHandlesByteAtATimeFeed(t *testing.T) {
	full := Encode(7, []byte("a longer payload to split across many feeds"))
	d := NewDecoder()
	for i := 0; i < len(full)-1; i++ {
		d.Feed(full[i : i+1])
		_, ok, err := d.Next()
		if err != nil {
			t.Fatalf("unexpected error at byte %d: %v", i, err)
		}
		if ok {
			t.Fatalf("packet completed early at byte %d", i)
		}
	}
	d.Feed(full[len(full)-1:])
	p, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected complete packet, got ok=%v err=%v", ok, err)
	}
	if p.Sequence != 7 {
		t.Fatalf("sequence = %d, want 7", p.Sequence)
	}
}

func TestLengthEncodedIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 250, 251, 65535, 65536, 16777215, 16777216, 1 << 40}
	for _, v := range cases {
		enc := PutLengthEncodedInt(nil, v)
		got, isNull, next, err := ReadLengthEncodedInt(enc, 0)
		if err != nil {
			t.Fatalf("value %d: %v", v, err)
		}
		if isNull {
			t.Fatalf("value %d: unexpectedly decoded as NULL", v)
		}
		if got != v {
			t.Fatalf("value %d: round-tripped to %d", v, got)
		}
		if next != len(enc) {
			t.Fatalf("value %d: consumed %d of %d bytes", v, next, len(enc))
		}
	}
}

func TestLengthEncodedStringRoundTripAndNull(t *testing.T) {
	enc := PutLengthEncodedString(nil, []byte("hello"))
	got, isNull, _, err := ReadLengthEncodedString(enc, 0)
	if err != nil || isNull || string(got) != "hello" {
		t.Fatalf("got %q isNull=%v err=%v", got, isNull, err)
	}

	nullEnc := PutLengthEncodedString(nil, nil)
	_, isNull, next, err := ReadLengthEncodedString(nullEnc, 0)
	if err != nil || !isNull {
		t.Fatalf("expected NULL, got isNull=%v err=%v", isNull, err)
	}
	if next != 1 {
		t.Fatalf("NULL marker should consume exactly 1 byte, consumed %d", next)
	}
}

func TestColumnDefinitionRoundTrip(t *testing.T) {
	var payload []byte
	payload = PutLengthEncodedString(payload, []byte("def"))
	payload = PutLengthEncodedString(payload, []byte("appdb"))
	payload = PutLengthEncodedString(payload, []byte("users"))
	payload = PutLengthEncodedString(payload, []byte("users"))
	payload = PutLengthEncodedString(payload, []byte("email"))
	payload = PutLengthEncodedString(payload, []byte("email"))
	payload = PutLengthEncodedInt(payload, 0x0c)
	fixed := []byte{0x21, 0x00, 0xF0, 0x00, 0x00, 0x00, 0xFD, 0x00, 0x00, 0x00}
	payload = append(payload, fixed...)

	cd, err := ParseColumnDefinition(payload)
	if err != nil {
		t.Fatalf("ParseColumnDefinition: %v", err)
	}
	if cd.Table != "users" || cd.Name != "email" {
		t.Fatalf("got table=%q name=%q, want users/email", cd.Table, cd.Name)
	}
	if cd.CharSet != 0x21 {
		t.Fatalf("charset = %d, want 33", cd.CharSet)
	}
}

func TestTextResultsetRowRoundTripWithNull(t *testing.T) {
	fields := [][]byte{[]byte("42"), nil, []byte("alice@example.com")}
	encoded := EncodeTextResultsetRow(fields)
	decoded, err := ParseTextResultsetRow(encoded, len(fields))
	if err != nil {
		t.Fatalf("ParseTextResultsetRow: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("got %d fields, want 3 (arity preserved)", len(decoded))
	}
	if string(decoded[0]) != "42" || decoded[1] != nil || string(decoded[2]) != "alice@example.com" {
		t.Fatalf("decoded = %v", decoded)
	}
}

func TestEOFPacketDetection(t *testing.T) {
	eof := []byte{StatusEOF, 0x00, 0x00, 0x22, 0x00}
	if !IsEOFPacket(eof) {
		t.Fatal("expected EOF detection to succeed")
	}
	row := []byte{0x05, 'h', 'e', 'l', 'l', 'o'}
	if IsEOFPacket(row) {
		t.Fatal("short non-EOF row misclassified as EOF")
	}
}

func TestSessionPhaseMachine(t *testing.T) {
	s := NewSession()
	if s.Phase() != PhaseAwaitingHandshake {
		t.Fatalf("initial phase = %v", s.Phase())
	}

	s.ObserveServerFrame(Packet{Payload: []byte{0x0a, 'm', 'y', 's', 'q', 'l', 0}}) // HandshakeV10
	if s.Phase() != PhaseAuthenticating {
		t.Fatalf("phase after handshake = %v, want authenticating", s.Phase())
	}

	s.ObserveServerFrame(Packet{Payload: []byte{StatusOK, 0, 0, 0x02, 0, 0, 0}})
	if s.Phase() != PhaseCommand {
		t.Fatalf("phase after auth OK = %v, want command", s.Phase())
	}

	s.ObserveClientFrame(Packet{Payload: []byte{ComQuery, 's', 'e', 'l', 'e', 'c', 't', ' ', '*'}})

	colCount := PutLengthEncodedInt(nil, 2)
	s.ObserveServerFrame(Packet{Payload: colCount})
	if s.Phase() != PhaseInResultSet {
		t.Fatalf("phase after column count = %v, want in_result_set", s.Phase())
	}

	var col []byte
	col = PutLengthEncodedString(col, []byte("def"))
	col = PutLengthEncodedString(col, []byte("appdb"))
	col = PutLengthEncodedString(col, []byte("users"))
	col = PutLengthEncodedString(col, []byte("users"))
	col = PutLengthEncodedString(col, []byte("id"))
	col = PutLengthEncodedString(col, []byte("id"))
	col = PutLengthEncodedInt(col, 0x0c)
	col = append(col, make([]byte, 10)...)

	s.ObserveServerFrame(Packet{Payload: col})
	if s.Phase() != PhaseInResultSet {
		t.Fatalf("phase after first column def = %v, want still in_result_set", s.Phase())
	}
	s.ObserveServerFrame(Packet{Payload: col})
	if s.Phase() != PhaseColumnsComplete {
		t.Fatalf("phase after second column def = %v, want columns_complete", s.Phase())
	}
	if len(s.Columns()) != 2 {
		t.Fatalf("captured %d columns, want 2", len(s.Columns()))
	}
	if !s.AwaitingRow() {
		t.Fatal("AwaitingRow should be true right after the last column definition")
	}

	// Classic protocol (no CLIENT_DEPRECATE_EOF): an EOF packet marks the
	// boundary between column definitions and the row stream. It must not
	// be mistaken for the terminator that ends the whole resultset.
	s.ObserveServerFrame(Packet{Payload: []byte{StatusEOF, 0, 0, 0x22, 0}})
	if s.Phase() != PhaseInRows {
		t.Fatalf("phase after columns/rows boundary EOF = %v, want in_rows", s.Phase())
	}

	row := EncodeTextResultsetRow([][]byte{[]byte("1"), []byte("alice")})
	s.ObserveServerFrame(Packet{Payload: row})
	if s.Phase() != PhaseInRows {
		t.Fatalf("phase after a row = %v, want still in_rows", s.Phase())
	}

	s.ObserveServerFrame(Packet{Payload: []byte{StatusEOF, 0, 0, 0x22, 0}})
	if s.Phase() != PhaseCommand {
		t.Fatalf("phase after terminating EOF = %v, want command", s.Phase())
	}
}

// TestSessionPhaseMachineDeprecateEOF covers CLIENT_DEPRECATE_EOF-style
// framing, where no boundary packet separates the last column definition
// from the first row: the first post-column frame must itself be treated as
// a row, not swallowed as a boundary terminator.
func TestSessionPhaseMachineDeprecateEOF(t *testing.T) {
	s := NewSession()
	s.ObserveServerFrame(Packet{Payload: []byte{0x0a, 'm', 'y', 's', 'q', 'l', 0}})
	s.ObserveServerFrame(Packet{Payload: []byte{StatusOK, 0, 0, 0x02, 0, 0, 0}})
	s.ObserveClientFrame(Packet{Payload: []byte{ComQuery, 's', 'e', 'l', 'e', 'c', 't', ' ', '*'}})

	s.ObserveServerFrame(Packet{Payload: PutLengthEncodedInt(nil, 1)})

	var col []byte
	col = PutLengthEncodedString(col, []byte("def"))
	col = PutLengthEncodedString(col, []byte("appdb"))
	col = PutLengthEncodedString(col, []byte("users"))
	col = PutLengthEncodedString(col, []byte("users"))
	col = PutLengthEncodedString(col, []byte("email"))
	col = PutLengthEncodedString(col, []byte("email"))
	col = PutLengthEncodedInt(col, 0x0c)
	col = append(col, make([]byte, 10)...)
	s.ObserveServerFrame(Packet{Payload: col})
	if s.Phase() != PhaseColumnsComplete {
		t.Fatalf("phase after only column def = %v, want columns_complete", s.Phase())
	}

	row := EncodeTextResultsetRow([][]byte{[]byte("alice@example.com")})
	wasRow := s.AwaitingRow()
	s.ObserveServerFrame(Packet{Payload: row})
	if !wasRow {
		t.Fatal("first post-column frame should be a masking candidate under CLIENT_DEPRECATE_EOF")
	}
	if s.Phase() != PhaseInRows {
		t.Fatalf("phase after first row with no boundary EOF = %v, want in_rows", s.Phase())
	}

	s.ObserveServerFrame(Packet{Payload: []byte{StatusOK, 0, 0, 0x02, 0, 0, 0}})
	if s.Phase() != PhaseCommand {
		t.Fatalf("phase after terminating OK = %v, want command", s.Phase())
	}
}
