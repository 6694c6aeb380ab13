package connid

import (
	"net"
	"testing"
)

func TestNewAssignsUniqueIDsAndInitialHealth(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	a := New(c1, "db.internal:5432", "postgres")
	b := New(c1, "db.internal:5432", "postgres")
	if a.ID() == b.ID() {
		t.Fatal("expected distinct connection ids")
	}
	if !a.Healthy() {
		t.Fatal("new connection should start healthy")
	}
}

func TestByteCounters(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	c := New(c1, "db.internal:3306", "mysql")
	c.AddBytesIn(10)
	c.AddBytesIn(5)
	c.AddBytesOut(3)
	if c.BytesIn() != 15 {
		t.Fatalf("BytesIn = %d, want 15", c.BytesIn())
	}
	if c.BytesOut() != 3 {
		t.Fatalf("BytesOut = %d, want 3", c.BytesOut())
	}
}

func TestMarkUnhealthyAndClose(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()

	c := New(c1, "db.internal:5432", "postgres")
	c.MarkUnhealthy()
	if c.Healthy() {
		t.Fatal("expected Healthy() to be false after MarkUnhealthy")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestTableRegisterRemoveAndCapacity(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	tbl := NewTable(1)
	a := New(c1, "db:5432", "postgres")
	if err := tbl.Register(a); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if tbl.Count() != 1 {
		t.Fatalf("Count = %d, want 1", tbl.Count())
	}

	b := New(c1, "db:5432", "postgres")
	if err := tbl.Register(b); err == nil {
		t.Fatal("expected Register to fail once the table is at capacity")
	}

	tbl.Remove(a.ID())
	if tbl.Count() != 0 {
		t.Fatalf("Count after Remove = %d, want 0", tbl.Count())
	}
	if err := tbl.Register(b); err != nil {
		t.Fatalf("Register after freeing capacity: %v", err)
	}
}

func TestTableListIsSortedAndReadOnly(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	tbl := NewTable(0)
	for i := 0; i < 3; i++ {
		tbl.Register(New(c1, "db:5432", "postgres"))
	}
	list := tbl.List()
	if len(list) != 3 {
		t.Fatalf("got %d entries, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID > list[i].ID {
			t.Fatal("List() should return IDs in sorted order")
		}
	}
}
