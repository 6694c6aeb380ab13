package proxy

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dbbouncer/piimask/internal/mask"
	"github.com/dbbouncer/piimask/internal/wire/pgproto"
)

// pgSession guards a pgproto.Session with a mutex: the client→upstream and
// upstream→client halves run on separate goroutines but observe frames into
// the same session (spec.md §9's portal/column-descriptor side table is
// shared mutable state), and pgproto.Session itself is documented as not
// safe for concurrent use.
type pgSession struct {
	mu sync.Mutex
	s  *pgproto.Session
}

func newPGSession() *pgSession { return &pgSession{s: pgproto.NewSession()} }

func (ps *pgSession) observeClient(f pgproto.Frame) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.s.ObserveClientFrame(f)
}

func (ps *pgSession) observeServerAndColumns(f pgproto.Frame) (cols []pgproto.Column, haveCols bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.s.ObserveServerFrame(f)
	if f.Type == pgproto.MsgDataRow {
		cols, haveCols = ps.s.CurrentColumns()
	}
	return
}

const (
	pgSSLRequestCode    = 80877103
	pgGSSENCRequestCode = 80877104
)

// pgHandler relays a PostgreSQL client connection, masking DataRow fields
// in the upstream→client direction (spec.md §4.A, §4.E).
type pgHandler struct{}

func (h *pgHandler) Handle(cc *clientConn) error {
	if err := negotiatePGStartup(cc); err != nil {
		return fmt.Errorf("pg startup: %w", err)
	}
	return relayPGSession(cc)
}

// negotiatePGStartup handles the untyped opening frame (spec.md §4.A
// "Opening-handshake carve-out"): it terminates client-facing TLS itself
// when configured, optionally re-originates TLS to the upstream, and
// forwards the real Startup message once both sides are on plaintext (or
// newly decrypted) streams so the rest of the session can be decoded.
func negotiatePGStartup(cc *clientConn) error {
	for {
		body, full, err := readPGUntypedFrame(cc.client)
		if err != nil {
			return err
		}

		code := binary.BigEndian.Uint32(body[:4])
		if code == pgGSSENCRequestCode {
			// GSSAPI encryption is not offered: deny and wait for the retry.
			if _, err := cc.client.Write([]byte{'N'}); err != nil {
				return err
			}
			continue
		}
		if code != pgSSLRequestCode {
			return forwardPGStartup(cc, full)
		}

		if cc.clientTLS != nil {
			if _, err := cc.client.Write([]byte{'S'}); err != nil {
				return err
			}
			tlsConn := tls.Server(cc.client, cc.clientTLS)
			if err := tlsConn.Handshake(); err != nil {
				return fmt.Errorf("client TLS handshake: %w", err)
			}
			cc.client = tlsConn
		} else {
			if _, err := cc.client.Write([]byte{'N'}); err != nil {
				return err
			}
		}
		// Client now retries with either a plain Startup or another
		// SSLRequest (GSSENCRequest denial path); loop.
	}
}

func forwardPGStartup(cc *clientConn, full []byte) error {
	if cc.upstreamTLS {
		sslReq := make([]byte, 8)
		binary.BigEndian.PutUint32(sslReq[0:4], 8)
		binary.BigEndian.PutUint32(sslReq[4:8], pgSSLRequestCode)
		if _, err := cc.upstream.Write(sslReq); err != nil {
			return err
		}
		resp := make([]byte, 1)
		if _, err := io.ReadFull(cc.upstream, resp); err != nil {
			return err
		}
		if resp[0] == 'S' {
			tlsConn := tls.Client(cc.upstream, &tls.Config{ServerName: upstreamServerName(cc.upstream)})
			if err := tlsConn.Handshake(); err != nil {
				return fmt.Errorf("upstream TLS handshake: %w", err)
			}
			cc.upstream = tlsConn
		}
	}

	_, err := cc.upstream.Write(full)
	return err
}

func upstreamServerName(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// readPGUntypedFrame reads one untyped opening frame: a 4-byte big-endian
// length (inclusive of itself) followed by that many bytes of body.
func readPGUntypedFrame(conn net.Conn) (body, full []byte, err error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, nil, err
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf))
	if msgLen < 8 || msgLen > 10000 {
		return nil, nil, fmt.Errorf("invalid startup frame length %d", msgLen)
	}
	body = make([]byte, msgLen-4)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, nil, err
	}
	full = make([]byte, msgLen)
	copy(full, lenBuf)
	copy(full[4:], body)
	return body, full, nil
}

// relayPGSession runs the two post-startup halves concurrently: the
// client→upstream half forwards bytes while only inspecting Parse/Bind/
// Execute to track portal names; the upstream→client half decodes every
// frame, masks DataRow fields, and re-encodes.
func relayPGSession(cc *clientConn) error {
	session := newPGSession()
	errCh := make(chan error, 2)

	go func() {
		errCh <- pgRelayClientToUpstream(cc, session)
	}()
	go func() {
		errCh <- pgRelayUpstreamToClient(cc, session)
	}()

	err := <-errCh
	cc.client.Close()
	cc.upstream.Close()
	<-errCh
	return err
}

func pgRelayClientToUpstream(cc *clientConn, session *pgSession) error {
	dec := pgproto.NewDecoder()
	buf := make([]byte, 32*1024)

	for {
		f, ok, err := dec.Next()
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

		session.observeClient(f)

		out := pgproto.Encode(f.Type, f.Payload)
		if _, err := cc.upstream.Write(out); err != nil {
			return err
		}
		if cc.metrics != nil {
			cc.metrics.FrameProcessed("postgres")
		}
	}
}

func pgRelayUpstreamToClient(cc *clientConn, session *pgSession) error {
	dec := pgproto.NewDecoder()
	buf := make([]byte, 32*1024)

	for {
		f, ok, err := dec.Next()
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

		cols, haveCols := session.observeServerAndColumns(f)

		payload := f.Payload
		if f.Type == pgproto.MsgDataRow && haveCols {
			payload = maskPGDataRow(cc, cols, f.Payload)
		}

		out := pgproto.Encode(f.Type, payload)
		n, err := cc.client.Write(out)
		if n > 0 {
			cc.tracked.AddBytesOut(n)
		}
		if err != nil {
			return err
		}
		if cc.metrics != nil {
			cc.metrics.FrameProcessed("postgres")
		}

		if f.Type == pgproto.MsgReadyForQuery && cc.isDraining() {
			return nil
		}
	}
}

func maskPGDataRow(cc *clientConn, cols []pgproto.Column, payload []byte) []byte {
	fields, err := pgproto.ParseDataRow(payload)
	if err != nil {
		return payload
	}

	for i, field := range fields {
		if field == nil || i >= len(cols) {
			continue
		}
		col := cols[i]
		meta := mask.FieldMeta{
			Column:    col.Name,
			Binary:    col.IsBinary(),
			KnownText: mask.IsKnownTextOID(col.TypeOID),
			JSONType:  mask.IsJSONOID(col.TypeOID),
			ArrayType: mask.IsArrayOID(col.TypeOID),
		}
		fields[i] = cc.engine.MaskField(meta, field)
	}
	return pgproto.EncodeDataRow(fields)
}
