package rpc

import "testing"

func TestIdgenReusesFreedIDs(t *testing.T) {
	var g idgen
	a := g.next()
	b := g.next()
	if a != 0 || b != 1 {
		t.Fatalf("first two ids = %d, %d, want 0, 1", a, b)
	}
	g.release(a)
	c := g.next()
	if c != a {
		t.Errorf("next() after release(%d) = %d, want %d (freed id reused)", a, c, a)
	}
	d := g.next()
	if d != 2 {
		t.Errorf("next() after exhausting free list = %d, want 2 (fresh id)", d)
	}
}

func TestEmbargoDisembargoMatchesAndFiresOnce(t *testing.T) {
	c := &Conn{mu: newChanMutex()}

	fired := 0
	c.mu.Lock()
	id := c.newEmbargo(func() { fired++ })
	c.mu.Unlock()

	if ok := c.disembargo(id); !ok {
		t.Fatalf("disembargo(%d) = false, want true (matches a live embargo)", id)
	}
	if fired != 1 {
		t.Errorf("onDisembargo called %d times, want 1", fired)
	}

	if ok := c.disembargo(id); ok {
		t.Errorf("disembargo(%d) second call = true, want false (already consumed)", id)
	}
	if fired != 1 {
		t.Errorf("onDisembargo called %d times after second disembargo, want still 1", fired)
	}
}

func TestDisembargoUnmatchedIDReturnsFalse(t *testing.T) {
	c := &Conn{mu: newChanMutex()}

	if ok := c.disembargo(42); ok {
		t.Errorf("disembargo on empty table = true, want false")
	}
}
