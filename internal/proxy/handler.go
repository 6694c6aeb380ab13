package proxy

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/piimask/internal/config"
	"github.com/dbbouncer/piimask/internal/connid"
	"github.com/dbbouncer/piimask/internal/mask"
	"github.com/dbbouncer/piimask/internal/metrics"
	"github.com/dbbouncer/piimask/internal/rules"
)

// ConnectionHandler relays one already-accepted client connection to the
// upstream, masking along the way. Each protocol gets its own
// implementation (internal/proxy's pg.go and mysql.go), mirroring the
// teacher's per-protocol ConnectionHandler split (internal/proxy/handler.go,
// postgres.go, mysql.go).
type ConnectionHandler interface {
	Handle(cc *clientConn) error
}

// clientConn bundles everything a protocol handler needs for one relayed
// connection. client and upstream may be replaced mid-Handle (TLS upgrade
// during the opening handshake), so both are plain mutable fields.
type clientConn struct {
	client   net.Conn
	upstream net.Conn

	tracked *connid.Connection
	engine  *mask.Engine
	metrics *metrics.Collector

	idleTimeout time.Duration
	draining    *atomic.Bool

	clientTLS   *tls.Config // non-nil when client-facing TLS is configured
	upstreamTLS bool
}

// resetIdleDeadlines arms both sides' read deadlines so a silent connection
// is closed after idle_timeout (spec.md §5).
func (cc *clientConn) resetIdleDeadlines() {
	if cc.idleTimeout <= 0 {
		return
	}
	deadline := time.Now().Add(cc.idleTimeout)
	cc.client.SetReadDeadline(deadline)
	cc.upstream.SetReadDeadline(deadline)
}

// isDraining reports whether the server has begun its graceful shutdown
// drain (spec.md §5).
func (cc *clientConn) isDraining() bool {
	return cc.draining != nil && cc.draining.Load()
}

// storeRuleSource adapts a *config.Store to mask.RuleSource, reading
// through the atomically-swapped handle on every call so an in-flight
// connection picks up a config reload on its very next field (spec.md §3,
// "Replaced wholesale on hot reload; readers always see a complete
// snapshot").
type storeRuleSource struct {
	store *config.Store
}

func (s storeRuleSource) Rules() *rules.Table { return s.store.Load().Rules() }

func (s storeRuleSource) MaskingEnabled() bool { return s.store.Load().MaskingEnabled() }
