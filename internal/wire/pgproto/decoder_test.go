package pgproto

import (
	"bytes"
	"testing"
)

func TestDecoderNeedsMoreOnPartialHeader(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{'Q', 0, 0})
	_, ok, err := d.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected NeedMore (ok=false), got a complete frame")
	}
}

func TestDecoderNeedsMoreOnPartialPayload(t *testing.T) {
	d := NewDecoder()
	full := Encode('Q', []byte("select 1"))
	d.Feed(full[:len(full)-2])
	_, ok, err := d.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected NeedMore for a truncated payload")
	}
}

func TestDecoderInvalidOnShortLength(t *testing.T) {
	d := NewDecoder()
	// declared length of 3 is invalid: the length field itself is always
	// counted, so the minimum valid value is 4.
	d.Feed([]byte{'Q', 0, 0, 0, 3})
	_, ok, err := d.Next()
	if ok {
		t.Fatal("expected decode failure, got ok=true")
	}
	var invalid ErrInvalidFrame
	if !errorsAs(err, &invalid) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
	if invalid.Length != 3 {
		t.Fatalf("expected reported length 3, got %d", invalid.Length)
	}
}

func TestDecoderRoundTripsFramingIdentity(t *testing.T) {
	// spec.md §8 invariant 1: decode(encode(m)) == m for any message the
	// masking engine does not mutate.
	msgs := []struct {
		typ     byte
		payload []byte
	}{
		{MsgParameterStatus, []byte("server_version\x0016.2\x00")},
		{MsgCommandComplete, []byte("SELECT 3\x00")},
		{MsgReadyForQuery, []byte("I")},
		{'Q', []byte("select * from users")},
	}

	d := NewDecoder()
	var wire []byte
	for _, m := range msgs {
		wire = append(wire, Encode(m.typ, m.payload)...)
	}
	d.Feed(wire)

	for i, want := range msgs {
		f, ok, err := d.Next()
		if err != nil {
			t.Fatalf("message %d: unexpected error: %v", i, err)
		}
		if !ok {
			t.Fatalf("message %d: expected a complete frame", i)
		}
		if f.Type != want.typ {
			t.Fatalf("message %d: type = %q, want %q", i, f.Type, want.typ)
		}
		if !bytes.Equal(f.Payload, want.payload) {
			t.Fatalf("message %d: payload = %q, want %q", i, f.Payload, want.payload)
		}
	}

	if _, ok, err := d.Next(); ok || err != nil {
		t.Fatalf("expected NeedMore after draining all frames, got ok=%v err=%v", ok, err)
	}
}

func TestDecoderHandlesFeedsArrivingInArbitraryChunks(t *testing.T) {
	full := Encode('Q', []byte("select pg_sleep(1)"))
	d := NewDecoder()

	// Feed one byte at a time; Next must never error and must only report a
	// complete frame once every byte has arrived.
	for i := 0; i < len(full)-1; i++ {
		d.Feed(full[i : i+1])
		_, ok, err := d.Next()
		if err != nil {
			t.Fatalf("unexpected error at byte %d: %v", i, err)
		}
		if ok {
			t.Fatalf("frame completed early, at byte %d of %d", i, len(full))
		}
	}
	d.Feed(full[len(full)-1:])
	f, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected complete frame after final byte, got ok=%v err=%v", ok, err)
	}
	if f.Type != 'Q' {
		t.Fatalf("type = %q, want Q", f.Type)
	}
}

func TestRowDescriptionDataRowRoundTrip(t *testing.T) {
	cols := []Column{
		{Name: "id", TableOID: 16420, AttrNum: 1, TypeOID: 23, TypeSize: 4, TypeMod: -1, Format: 0},
		{Name: "email", TableOID: 16420, AttrNum: 2, TypeOID: 25, TypeSize: -1, TypeMod: -1, Format: 0},
	}
	encoded := EncodeRowDescription(cols)
	decoded, err := ParseRowDescription(encoded)
	if err != nil {
		t.Fatalf("ParseRowDescription: %v", err)
	}
	if len(decoded) != len(cols) {
		t.Fatalf("got %d columns, want %d", len(decoded), len(cols))
	}
	for i := range cols {
		if decoded[i] != cols[i] {
			t.Fatalf("column %d = %+v, want %+v", i, decoded[i], cols[i])
		}
	}

	fields := [][]byte{[]byte("42"), nil}
	rowPayload := EncodeDataRow(fields)
	decodedFields, err := ParseDataRow(rowPayload)
	if err != nil {
		t.Fatalf("ParseDataRow: %v", err)
	}
	if len(decodedFields) != 2 {
		t.Fatalf("got %d fields, want 2 (spec.md invariant: arity preserved)", len(decodedFields))
	}
	if !bytes.Equal(decodedFields[0], []byte("42")) {
		t.Fatalf("field 0 = %q, want %q", decodedFields[0], "42")
	}
	if decodedFields[1] != nil {
		t.Fatalf("field 1 = %q, want NULL", decodedFields[1])
	}
}

func TestDataRowLengthHeaderStaysConsistentAfterMutation(t *testing.T) {
	// spec.md §8 invariant 2: after the masking engine rewrites a field, the
	// re-encoded frame's length header reflects the new payload size exactly.
	original := EncodeDataRow([][]byte{[]byte("alice@example.com")})
	fields, err := ParseDataRow(original)
	if err != nil {
		t.Fatalf("ParseDataRow: %v", err)
	}
	fields[0] = []byte("z.q@mailbox.io") // shorter replacement
	mutated := EncodeDataRow(fields)

	frame := Encode(MsgDataRow, mutated)
	d := NewDecoder()
	d.Feed(frame)
	f, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("expected a complete decoded frame, got ok=%v err=%v", ok, err)
	}
	redecoded, err := ParseDataRow(f.Payload)
	if err != nil {
		t.Fatalf("ParseDataRow after round trip: %v", err)
	}
	if len(redecoded) != 1 || string(redecoded[0]) != "z.q@mailbox.io" {
		t.Fatalf("redecoded fields = %v, want [z.q@mailbox.io]", redecoded)
	}
}

func TestSessionAttributesDataRowToMostRecentPortal(t *testing.T) {
	s := NewSession()

	bindPayload := append(append([]byte("fetch1"), 0), append([]byte("stmt1"), 0)...)
	s.ObserveClientFrame(Frame{Type: MsgBind, Payload: bindPayload})

	cols := []Column{{Name: "email", TypeOID: 25}}
	s.ObserveServerFrame(Frame{Type: MsgRowDescription, Payload: EncodeRowDescription(cols)})

	got, ok := s.CurrentColumns()
	if !ok {
		t.Fatal("expected current columns to be set after RowDescription")
	}
	if len(got) != 1 || got[0].Name != "email" {
		t.Fatalf("got %+v, want email column", got)
	}

	byName, ok := s.ColumnsFor("fetch1")
	if !ok || len(byName) != 1 {
		t.Fatalf("expected ColumnsFor(fetch1) to resolve, got %v ok=%v", byName, ok)
	}

	s.ObserveServerFrame(Frame{Type: MsgReadyForQuery, Payload: []byte("I")})
	if s.Phase() != PhaseReadyForQuery {
		t.Fatalf("phase = %v, want ready_for_query", s.Phase())
	}
	if _, ok := s.CurrentColumns(); ok {
		t.Fatal("expected current portal to reset to \"\" after ReadyForQuery")
	}
}

// errorsAs avoids importing "errors" just for As in this file's single use.
func errorsAs(err error, target *ErrInvalidFrame) bool {
	e, ok := err.(ErrInvalidFrame)
	if ok {
		*target = e
	}
	return ok
}
