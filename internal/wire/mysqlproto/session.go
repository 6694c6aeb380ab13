package mysqlproto

// Phase is the coarse session state a MySQL connection moves through
// (spec.md §4.B).
type Phase int

const (
	PhaseAwaitingHandshake Phase = iota
	PhaseAuthenticating
	PhaseCommand
	PhaseInResultSet
	PhaseColumnsComplete
	PhaseInRows
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingHandshake:
		return "awaiting_handshake"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseCommand:
		return "command"
	case PhaseInResultSet:
		return "in_result_set"
	case PhaseColumnsComplete:
		return "columns_complete"
	case PhaseInRows:
		return "in_rows"
	default:
		return "unknown"
	}
}

// Session tracks the MySQL command/resultset phase machine: how many
// column-definition packets remain before the row stream starts, and the
// column definitions seen so far (for table-name-aware rule matching, which
// MySQL's wire format supports directly unlike PostgreSQL's).
//
// Driven by both directions' frames; not safe for concurrent use without an
// external lock, per the same design note as pgproto.Session.
type Session struct {
	phase           Phase
	columnsWant     int
	columnsSeen     []ColumnDef
	pendingResultOf byte // the command byte that triggered the current (or most recent) resultset
}

// NewSession returns a Session in the awaiting-handshake phase.
func NewSession() *Session {
	return &Session{phase: PhaseAwaitingHandshake}
}

// Phase reports the session's current coarse state.
func (s *Session) Phase() Phase { return s.phase }

// Columns returns the column definitions captured for the in-flight or most
// recently completed resultset.
func (s *Session) Columns() []ColumnDef { return s.columnsSeen }

// AwaitingRow reports whether the next server frame is a candidate resultset
// row: either the session is already mid-resultset (PhaseInRows), or the
// last column definition was just consumed and the next frame is either the
// classic-protocol boundary terminator or, under CLIENT_DEPRECATE_EOF, the
// first row itself (PhaseColumnsComplete). Callers use this, not a direct
// Phase() comparison, to decide whether a frame is a masking candidate,
// since the boundary frame itself must still be let through unmasked (see
// ObserveServerFrame's PhaseColumnsComplete case).
func (s *Session) AwaitingRow() bool {
	return s.phase == PhaseInRows || s.phase == PhaseColumnsComplete
}

// ObserveClientFrame inspects a client-to-server packet for a command byte
// that can start a resultset.
func (s *Session) ObserveClientFrame(pkt Packet) {
	if s.phase != PhaseCommand || len(pkt.Payload) == 0 {
		return
	}
	cmd := pkt.Payload[0]
	if cmd == ComQuery || cmd == ComStmtExecute {
		s.pendingResultOf = cmd
	}
}

// ObserveServerFrame advances the phase machine from a server-to-client
// packet, per spec.md §4.B.
func (s *Session) ObserveServerFrame(pkt Packet) {
	switch s.phase {
	case PhaseAwaitingHandshake:
		s.phase = PhaseAuthenticating

	case PhaseAuthenticating:
		if IsOKPacket(pkt.Payload) || IsErrPacket(pkt.Payload) {
			s.phase = PhaseCommand
		}

	case PhaseCommand:
		if s.pendingResultOf == 0 {
			return
		}
		n, isNull, _, err := ReadLengthEncodedInt(pkt.Payload, 0)
		if err != nil || isNull || n == 0 {
			// OK/ERR with no resultset, or malformed; stay in Command.
			s.pendingResultOf = 0
			return
		}
		s.columnsWant = int(n)
		s.columnsSeen = s.columnsSeen[:0]
		s.phase = PhaseInResultSet

	case PhaseInResultSet:
		if cd, err := ParseColumnDefinition(pkt.Payload); err == nil {
			s.columnsSeen = append(s.columnsSeen, cd)
		}
		s.columnsWant--
		if s.columnsWant <= 0 {
			s.phase = PhaseColumnsComplete
		}

	case PhaseColumnsComplete:
		// The frame right after the last column definition is the
		// classic-protocol EOF/status packet marking the start of the row
		// stream (spec.md §4.B), or, under CLIENT_DEPRECATE_EOF, the first
		// row itself, since that mode omits the boundary packet entirely.
		// Either way row streaming starts here: a boundary terminator is
		// consumed without ever being mistaken for the *end*-of-rows
		// terminator, and a non-terminator frame is treated as the first row.
		s.phase = PhaseInRows

	case PhaseInRows:
		if IsEOFPacket(pkt.Payload) || IsOKPacket(pkt.Payload) || IsErrPacket(pkt.Payload) {
			s.phase = PhaseCommand
			s.pendingResultOf = 0
		}
	}
}
