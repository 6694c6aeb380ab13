package connid

import (
	"fmt"
	"sort"
	"sync"
)

// Table is the shared, process-wide connection table (spec.md §3,
// "Connection record... registered in the shared connection table on open
// and removed on close"), adapted from the teacher's pool.Manager
// map-plus-mutex shape. Bounded by maxConnections as a defense-in-depth
// check; the primary enforcement point is the connection handler's
// acceptance semaphore (spec.md §4.F.1).
type Table struct {
	mu          sync.RWMutex
	conns       map[string]*Connection
	maxAllowed  int
}

// NewTable returns an empty Table bounded to max entries. max <= 0 means
// unbounded.
func NewTable(max int) *Table {
	return &Table{
		conns:      make(map[string]*Connection),
		maxAllowed: max,
	}
}

// Register adds a Connection to the table. Returns an error if the table is
// already at its configured capacity.
func (t *Table) Register(c *Connection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxAllowed > 0 && len(t.conns) >= t.maxAllowed {
		return fmt.Errorf("connid: table at capacity (%d)", t.maxAllowed)
	}
	t.conns[c.ID()] = c
	return nil
}

// Remove drops a Connection from the table, typically on connection close.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

// Count returns the number of currently registered connections.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// List returns a stable-ordered snapshot of every registered connection,
// for internal/admin's read-only /connections route.
func (t *Table) List() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
