// Package connid implements the connection record and connection table
// described in spec.md §3 ("Connection record"). It is adapted from the
// teacher's pooled-connection bookkeeping (internal/pool/conn.go), stripped
// of everything pool-specific (state transitions, idle/lifetime eviction,
// pool back-references) since this proxy holds exactly one upstream
// connection per client for the life of the session — no pooling, no
// reaper, no warm-up.
package connid

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Connection is the bookkeeping record the connection handler registers for
// every accepted client connection, for as long as the session lasts.
type Connection struct {
	id            string
	remoteAddr    string
	upstreamAddr  string
	protocol      string
	establishedAt time.Time

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	healthy  atomic.Bool
	closed   atomic.Bool

	conn net.Conn
}

// New builds a new Connection record for an accepted client conn; adding it
// to a Table is a separate Table.Register call.
// protocol is "postgres" or "mysql".
func New(conn net.Conn, upstreamAddr, protocol string) *Connection {
	c := &Connection{
		id:            uuid.NewString(),
		remoteAddr:    conn.RemoteAddr().String(),
		upstreamAddr:  upstreamAddr,
		protocol:      protocol,
		establishedAt: time.Now(),
		conn:          conn,
	}
	c.healthy.Store(true)
	return c
}

func (c *Connection) ID() string            { return c.id }
func (c *Connection) RemoteAddr() string    { return c.remoteAddr }
func (c *Connection) UpstreamAddr() string  { return c.upstreamAddr }
func (c *Connection) Protocol() string      { return c.protocol }
func (c *Connection) EstablishedAt() time.Time { return c.establishedAt }
func (c *Connection) BytesIn() uint64       { return c.bytesIn.Load() }
func (c *Connection) BytesOut() uint64      { return c.bytesOut.Load() }
func (c *Connection) Healthy() bool         { return c.healthy.Load() }

// AddBytesIn accumulates bytes read from the client.
func (c *Connection) AddBytesIn(n int) { c.bytesIn.Add(uint64(n)) }

// AddBytesOut accumulates bytes written to the client.
func (c *Connection) AddBytesOut(n int) { c.bytesOut.Add(uint64(n)) }

// MarkUnhealthy flags the connection as having hit an I/O error, surfaced
// read-only via the admin connections dump; it does not itself close
// anything.
func (c *Connection) MarkUnhealthy() { c.healthy.Store(false) }

// Close closes the underlying client connection. Safe to call more than
// once.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Snapshot is the read-only view exposed by internal/admin's /connections
// route.
type Snapshot struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remote_addr"`
	UpstreamAddr  string    `json:"upstream_addr"`
	Protocol      string    `json:"protocol"`
	EstablishedAt time.Time `json:"established_at"`
	BytesIn       uint64    `json:"bytes_in"`
	BytesOut      uint64    `json:"bytes_out"`
	Healthy       bool      `json:"healthy"`
}

// Snapshot renders the connection's current state for external reporting.
func (c *Connection) Snapshot() Snapshot {
	return Snapshot{
		ID:            c.id,
		RemoteAddr:    c.remoteAddr,
		UpstreamAddr:  c.upstreamAddr,
		Protocol:      c.protocol,
		EstablishedAt: c.establishedAt,
		BytesIn:       c.BytesIn(),
		BytesOut:      c.BytesOut(),
		Healthy:       c.Healthy(),
	}
}
