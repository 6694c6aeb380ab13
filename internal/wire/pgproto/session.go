package pgproto

// Phase is the coarse session state a PostgreSQL backend connection moves
// through (spec.md §4.A). It exists mostly for observability and to let the
// proxy layer decide when a connection is at a safe point to drain.
type Phase int

const (
	PhaseAwaitingStartup Phase = iota
	PhaseReadyForQuery
	PhaseInExtendedFlow
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingStartup:
		return "awaiting_startup"
	case PhaseReadyForQuery:
		return "ready_for_query"
	case PhaseInExtendedFlow:
		return "in_extended_flow"
	default:
		return "unknown"
	}
}

// Session tracks the minimum backend-connection state the masking engine
// needs: which column set a DataRow belongs to. Extended-query protocol
// lets a client Parse/Bind several statements before ever fetching a row,
// so a RowDescription must be attributed by portal name rather than by
// simple arrival order (spec.md §4.A, "Store as current column set, keyed
// by the most recently seen portal name (default \"\")").
//
// A Session is driven by two independent frame streams — client-to-upstream
// (Parse/Bind/Execute) and upstream-to-client (RowDescription, ReadyForQuery)
// — and is not safe for concurrent use; callers serialize access with their
// own per-connection lock or by giving each direction its own goroutine that
// only ever touches the fields it owns, per the design note in spec.md §9.
type Session struct {
	phase   Phase
	portal  string // most recently seen portal name, from Bind or Execute
	columns map[string][]Column
}

// NewSession returns a Session in the startup phase with no known portals.
func NewSession() *Session {
	return &Session{
		phase:   PhaseAwaitingStartup,
		columns: make(map[string][]Column),
	}
}

// Phase reports the session's current coarse state.
func (s *Session) Phase() Phase { return s.phase }

// MarkReady transitions the session out of startup, or back to the resting
// state after a ReadyForQuery ('Z') message.
func (s *Session) MarkReady() {
	s.phase = PhaseReadyForQuery
}

// ObserveClientFrame updates portal tracking from a frame flowing from
// client to upstream. Only Bind and Execute move the "most recently seen
// portal" pointer; Parse only defines a statement name and does not target
// a portal.
func (s *Session) ObserveClientFrame(f Frame) {
	switch f.Type {
	case MsgBind:
		if portal, _, err := ParsePortalFromBind(f.Payload); err == nil {
			s.portal = portal
			s.phase = PhaseInExtendedFlow
		}
	case MsgExecute:
		if portal, err := ParsePortalFromExecute(f.Payload); err == nil {
			s.portal = portal
			s.phase = PhaseInExtendedFlow
		}
	case MsgParse:
		s.phase = PhaseInExtendedFlow
	}
}

// ObserveServerFrame updates column-descriptor and phase state from a frame
// flowing from upstream to client. Callers pass every frame through,
// regardless of type, so ReadyForQuery resets extended-flow tracking.
func (s *Session) ObserveServerFrame(f Frame) {
	switch f.Type {
	case MsgRowDescription:
		if cols, err := ParseRowDescription(f.Payload); err == nil {
			s.columns[s.portal] = cols
		}
	case MsgReadyForQuery:
		s.phase = PhaseReadyForQuery
		s.portal = ""
	}
}

// CurrentColumns returns the column descriptors that apply to the next
// DataRow, i.e. those stored against the most recently seen portal name.
func (s *Session) CurrentColumns() ([]Column, bool) {
	cols, ok := s.columns[s.portal]
	return cols, ok
}

// ColumnsFor returns the column descriptors previously recorded for a named
// portal, if any.
func (s *Session) ColumnsFor(portal string) ([]Column, bool) {
	cols, ok := s.columns[portal]
	return cols, ok
}
