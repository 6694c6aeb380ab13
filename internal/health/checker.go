// Package health periodically probes the single upstream database this
// proxy relays to, tracking a simple healthy/unhealthy state with
// hysteresis. Adapted from the teacher's per-tenant internal/health.Checker
// (internal/health/checker.go), collapsed from a map-of-tenants down to one
// target, since this proxy has exactly one upstream (spec.md §9).
package health

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/piimask/internal/config"
	"github.com/dbbouncer/piimask/internal/metrics"
)

// Status represents the health status of the upstream database.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// State is a point-in-time snapshot of the upstream's health, exposed to
// the admin HTTP surface's /healthz route.
type State struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks against the configured upstream.
type Checker struct {
	mu    sync.RWMutex
	state State

	protocol          config.Protocol
	addr              string
	interval          time.Duration
	timeout           time.Duration
	unhealthyAfter    int
	healthyAfter      int
	consecutiveOK     int
	metrics           *metrics.Collector

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker builds a Checker for the given upstream, reading its policy
// from cfg (spec.md §5, "Health check: a separate periodic task").
func NewChecker(protocol config.Protocol, upstream config.UpstreamConfig, hc config.HealthCheckCfg, m *metrics.Collector) *Checker {
	return &Checker{
		protocol:       protocol,
		addr:           net.JoinHostPort(upstream.Host, fmt.Sprintf("%d", upstream.Port)),
		interval:       hc.Interval(),
		timeout:        hc.Timeout(),
		unhealthyAfter: hc.UnhealthyThreshold,
		healthyAfter:   hc.HealthyThreshold,
		metrics:        m,
		stopCh:         make(chan struct{}),
	}
}

// Start begins periodic health checking in the background.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "addr", c.addr, "interval", c.interval)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkOnce()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkOnce()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkOnce() {
	start := time.Now()
	healthy, errMsg := c.ping()
	elapsed := time.Since(start)

	if c.metrics != nil {
		c.metrics.HealthCheckCompleted(elapsed)
		if !healthy {
			c.metrics.HealthCheckError(classifyError(errMsg))
		}
	}
	c.updateStatus(healthy, errMsg)
}

func (c *Checker) ping() (bool, string) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return false, err.Error()
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	switch c.protocol {
	case config.ProtocolPostgres:
		return pingPostgres(conn)
	case config.ProtocolMySQL:
		return pingMySQL(conn)
	default:
		return pingTCPRead(conn)
	}
}

// pingPostgres sends a minimal startup message and checks for any response.
// A real auth handshake isn't needed: any protocol-shaped reply means the
// server is alive and processing frames.
func pingPostgres(conn net.Conn) (bool, string) {
	params := []byte("user\x00piimask_healthcheck\x00\x00")
	msgLen := 4 + 4 + len(params)
	msg := make([]byte, msgLen)
	binary.BigEndian.PutUint32(msg[0:4], uint32(msgLen))
	msg[4], msg[5], msg[6], msg[7] = 0, 3, 0, 0
	copy(msg[8:], params)

	if _, err := conn.Write(msg); err != nil {
		return false, fmt.Sprintf("pg write startup: %s", err)
	}

	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		return false, fmt.Sprintf("pg read response: %s", err)
	}
	return true, ""
}

// pingMySQL reads the initial handshake packet MySQL sends on connect.
func pingMySQL(conn net.Conn) (bool, string) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return false, fmt.Sprintf("mysql read handshake header: %s", err)
	}

	payloadLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if payloadLen <= 0 || payloadLen > 65535 {
		return false, fmt.Sprintf("mysql invalid handshake length: %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return false, fmt.Sprintf("mysql read handshake payload: %s", err)
	}

	if len(payload) > 0 && payload[0] == 0xff {
		return false, "mysql server returned error on connect"
	}
	return true, ""
}

// pingTCPRead is the fallback probe: a timeout on read means the connection
// is open and not actively rejecting, which we treat as healthy.
func pingTCPRead(conn net.Conn) (bool, string) {
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return true, ""
		}
		return false, fmt.Sprintf("tcp read: %s", err)
	}
	return true, ""
}

func classifyError(msg string) string {
	switch {
	case msg == "":
		return "unknown"
	default:
		return "probe_failed"
	}
}

func (c *Checker) updateStatus(healthy bool, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.LastCheck = time.Now()

	if healthy {
		c.consecutiveOK++
		c.state.ConsecutiveFailures = 0
		c.state.LastError = ""
		if c.consecutiveOK >= c.healthyAfter && c.state.Status != StatusHealthy {
			slog.Info("upstream recovered", "addr", c.addr)
			c.state.Status = StatusHealthy
		}
		if c.state.Status == StatusUnknown {
			c.state.Status = StatusHealthy
		}
	} else {
		c.consecutiveOK = 0
		c.state.ConsecutiveFailures++
		c.state.LastError = errMsg
		if c.state.ConsecutiveFailures >= c.unhealthyAfter && c.state.Status != StatusUnhealthy {
			slog.Warn("upstream marked unhealthy", "addr", c.addr, "failures", c.state.ConsecutiveFailures, "error", errMsg)
			c.state.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetUpstreamHealth(c.state.Status != StatusUnhealthy)
	}
}

// IsHealthy returns whether the upstream is currently considered usable.
// Unknown (no check has completed yet) is treated as healthy so the proxy
// doesn't refuse connections before its first probe.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Status != StatusUnhealthy
}

// State returns a snapshot of the current health state.
func (c *Checker) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}
