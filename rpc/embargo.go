package rpc

type embargoID uint32

// embargo records a callback to run once the peer echoes back the
// matching receiver-loopback Disembargo for a sender-loopback embargo
// this vat issued (spec.md §4.4 "Embargo/Disembargo loopback
// mechanism", teacher rpc.go's `embargoes []chan<- struct{}`
// generalized from a bare channel close to an arbitrary callback so it
// can drive promiseClient's buffered-call flush).
type embargo struct {
	onDisembargo func()
}

// newEmbargo allocates an embargo table entry and returns its id. Must
// be called with c.mu held.
func (c *Conn) newEmbargo(onDisembargo func()) embargoID {
	id := embargoID(c.embargoID.next())
	for int(id) >= len(c.embargoes) {
		c.embargoes = append(c.embargoes, nil)
	}
	c.embargoes[id] = &embargo{onDisembargo: onDisembargo}
	return id
}

// disembargo fires and removes the embargo with the given id, called
// upon receiving a receiver-loopback Disembargo (teacher rpc.go's
// `disembargo`). It reports whether id matched a live embargo.
func (c *Conn) disembargo(id embargoID) bool {
	c.mu.Lock()
	var e *embargo
	if int(id) < len(c.embargoes) {
		e = c.embargoes[id]
		c.embargoes[id] = nil
	}
	if e != nil {
		c.embargoID.release(uint32(id))
	}
	c.mu.Unlock()
	if e == nil {
		return false
	}
	if e.onDisembargo != nil {
		e.onDisembargo()
	}
	return true
}
