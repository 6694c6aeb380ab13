package proxy

import (
	"sync"

	"github.com/dbbouncer/piimask/internal/mask"
	"github.com/dbbouncer/piimask/internal/wire/mysqlproto"
)

// mysqlTypeJSON is the MySQL column-type byte for a JSON column
// (spec.md §4.E step 3, MySQL has no separate JSON-array concept).
const mysqlTypeJSON byte = 0xf5

// mysqlSession guards a mysqlproto.Session with a mutex: the client→upstream
// and upstream→client halves run on separate goroutines but observe frames
// into the same session (column metadata is shared mutable state), and
// mysqlproto.Session itself is documented as not safe for concurrent use.
type mysqlSession struct {
	mu sync.Mutex
	s  *mysqlproto.Session
}

func newMySQLSession() *mysqlSession { return &mysqlSession{s: mysqlproto.NewSession()} }

func (ms *mysqlSession) observeClient(pkt mysqlproto.Packet) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.s.ObserveClientFrame(pkt)
}

// observeServerAndColumns observes a server frame and, if pkt is a candidate
// resultset row, returns the column metadata captured for the current
// resultset. wasInRows reports whether pkt was a candidate row *before* it
// was observed: either the session was already mid-resultset, or pkt is the
// first frame after the last column definition, which is either the
// classic-protocol boundary terminator or, under CLIENT_DEPRECATE_EOF, the
// first row itself (see Session.AwaitingRow). The caller still needs
// isMySQLTerminator to tell a boundary/end terminator apart from an actual
// row within that candidate set. endOfResultSet reports whether pkt was the
// terminator that closed out the whole resultset (session back in
// PhaseCommand), as distinct from the columns/rows boundary terminator,
// which leaves the resultset still open.
func (ms *mysqlSession) observeServerAndColumns(pkt mysqlproto.Packet) (cols []mysqlproto.ColumnDef, wasInRows, endOfResultSet bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	wasInRows = ms.s.AwaitingRow()
	ms.s.ObserveServerFrame(pkt)
	if wasInRows {
		cols = ms.s.Columns()
	}
	endOfResultSet = ms.s.Phase() == mysqlproto.PhaseCommand
	return
}

// mysqlHandler relays a MySQL client connection, masking text resultset
// row fields in the upstream→client direction (spec.md §4.B, §4.E).
//
// MySQL's client-facing TLS upgrade (a capability-flag driven in-band
// switch, not a dedicated request message like PG's SSLRequest) is not
// performed here, and Server.Serve listens on plain TCP: a MySQL session is
// relayed without client-facing TLS even when tls.enabled is set, and
// upstream_tls is not applied to the upstream side either.
type mysqlHandler struct{}

func (h *mysqlHandler) Handle(cc *clientConn) error {
	session := newMySQLSession()
	errCh := make(chan error, 2)

	go func() {
		errCh <- mysqlRelayClientToUpstream(cc, session)
	}()
	go func() {
		errCh <- mysqlRelayUpstreamToClient(cc, session)
	}()

	err := <-errCh
	cc.client.Close()
	cc.upstream.Close()
	<-errCh
	return err
}

func mysqlRelayClientToUpstream(cc *clientConn, session *mysqlSession) error {
	dec := mysqlproto.NewDecoder()
	buf := make([]byte, 32*1024)

	for {
		pkt, ok, err := dec.Next()
		if err != nil {
			return err
		}
		if !ok {
			cc.resetIdleDeadlines()
			n, err := cc.client.Read(buf)
			if n > 0 {
				cc.tracked.AddBytesIn(n)
				dec.Feed(buf[:n])
			}
			if err != nil {
				return err
			}
			continue
		}

		session.observeClient(pkt)

		out := mysqlproto.Encode(pkt.Sequence, pkt.Payload)
		if _, err := cc.upstream.Write(out); err != nil {
			return err
		}
		if cc.metrics != nil {
			cc.metrics.FrameProcessed("mysql")
		}
	}
}

func mysqlRelayUpstreamToClient(cc *clientConn, session *mysqlSession) error {
	dec := mysqlproto.NewDecoder()
	buf := make([]byte, 32*1024)

	for {
		pkt, ok, err := dec.Next()
		if err != nil {
			return err
		}
		if !ok {
			cc.resetIdleDeadlines()
			n, err := cc.upstream.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
			}
			if err != nil {
				return err
			}
			continue
		}

		cols, wasInRows, endOfResultSet := session.observeServerAndColumns(pkt)

		payload := pkt.Payload
		if wasInRows && !isMySQLTerminator(pkt.Payload) {
			payload = maskMySQLRow(cc, cols, pkt.Payload)
		}

		out := mysqlproto.Encode(pkt.Sequence, payload)
		n, err := cc.client.Write(out)
		if n > 0 {
			cc.tracked.AddBytesOut(n)
		}
		if err != nil {
			return err
		}
		if cc.metrics != nil {
			cc.metrics.FrameProcessed("mysql")
		}

		if wasInRows && endOfResultSet && cc.isDraining() {
			return nil
		}
	}
}

func isMySQLTerminator(payload []byte) bool {
	return mysqlproto.IsEOFPacket(payload) || mysqlproto.IsOKPacket(payload) || mysqlproto.IsErrPacket(payload)
}

func maskMySQLRow(cc *clientConn, cols []mysqlproto.ColumnDef, payload []byte) []byte {
	fields, err := mysqlproto.ParseTextResultsetRow(payload, len(cols))
	if err != nil {
		return payload
	}

	for i, field := range fields {
		if field == nil || i >= len(cols) {
			continue
		}
		col := cols[i]
		meta := mask.FieldMeta{
			Table:    col.Table,
			Column:   col.Name,
			JSONType: col.Type == mysqlTypeJSON,
		}
		fields[i] = cc.engine.MaskField(meta, field)
	}
	return mysqlproto.EncodeTextResultsetRow(fields)
}
