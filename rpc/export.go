package rpc

import (
	capnp "github.com/MadBase/go-capnproto2/v2"
)

type exportID uint32

// An export is a capability this vat is exposing to the peer
// (teacher rpc.go's `export`). wireRefs counts the references the
// peer holds, as reported by Release messages; it is distinct from
// client's own Go-level refcount.
type export struct {
	id        exportID
	client    capnp.ClientHook
	wireRefs  uint32
}

// findExport returns the export with the given id, or nil. Must be
// called with c.mu held.
func (c *Conn) findExport(id exportID) *export {
	if int(id) >= len(c.exports) {
		return nil
	}
	return c.exports[id]
}

// exportClient assigns (or reuses) an export entry for client and
// returns its id, incrementing wireRefs by one. Export identity is
// keyed by the hook's Brand so that re-exporting the same capability
// twice reuses the same wire ID (spec.md §4.2 "export-table identity
// reuse"), the same idea as teacher rpc.go's `descriptorForClient`
// generalized to a lookup instead of a linear scan. The second return
// reports whether this call created the entry, as opposed to reusing
// one with an outstanding wireRef: only the creator should start a
// resolution watcher for it.
func (c *Conn) exportClient(client capnp.ClientHook) (exportID, bool) {
	if c.exportsByBrand == nil {
		c.exportsByBrand = make(map[interface{}]exportID)
	}
	if id, ok := c.exportsByBrand[client.Brand()]; ok {
		e := c.exports[id]
		e.wireRefs++
		return id, false
	}
	id := exportID(c.exportID.next())
	e := &export{id: id, client: client.AddRef(), wireRefs: 1}
	for int(id) >= len(c.exports) {
		c.exports = append(c.exports, nil)
	}
	c.exports[id] = e
	c.exportsByBrand[client.Brand()] = id
	return id, true
}

// releaseExport decrements the export's wireRefs by refs, removing
// and releasing it once the count reaches zero (teacher rpc.go's
// releaseExport). Must be called with c.mu held.
func (c *Conn) releaseExport(id exportID, refs int) {
	e := c.findExport(id)
	if e == nil {
		return
	}
	if uint32(refs) >= e.wireRefs {
		c.exports[id] = nil
		delete(c.exportsByBrand, e.client.Brand())
		e.client.Release()
		return
	}
	e.wireRefs -= uint32(refs)
}

// releaseAllExports is called once the connection has fully shut
// down, releasing every capability this vat was still exporting
// (teacher rpc.go: called from the manager's final cleanup task).
func (c *Conn) releaseAllExports() {
	for i, e := range c.exports {
		if e != nil {
			e.client.Release()
			c.exports[i] = nil
		}
	}
	c.exportsByBrand = nil
}

// descriptorForClient fills desc to describe client from this vat's
// perspective: if client is a capability this connection already
// imported from the peer, the descriptor reuses the peer's own
// export id (a round-trip capability, spec.md's three-party-free
// "it's-your-capability-back" shortcut); otherwise client is
// (re-)exported under a fresh or reused local export id. An
// unresolved client is exported as a senderPromise rather than
// senderHosted, and (the first time it is exported) a background task
// is started to send the matching Resolve message once it settles
// (spec.md §4.3 "Export identity reuse").
func (c *Conn) descriptorForClient(desc capDescriptor, client capnp.ClientHook) {
	if imp, ok := client.(*importClient); ok && imp.conn == c {
		desc.SetReceiverHosted(uint32(imp.id))
		return
	}
	if pc, ok := client.(*pipelineClient); ok && pc.conn == c {
		desc.SetReceiverAnswer(uint32(pc.answerID), pc.transform)
		return
	}
	id, isNew := c.exportClient(client)
	if client.Resolved() {
		desc.SetSenderHosted(uint32(id))
		return
	}
	desc.SetSenderPromise(uint32(id))
	if isNew {
		c.tasks.Do(func() { c.awaitExportResolution(id, client) })
	}
}

// awaitExportResolution watches a senderPromise export until client
// settles, then mutates the export's stored capability to the
// resolution and tells the peer about it with a Resolve message,
// reusing the same export id the promise was exported under (spec.md
// §4.3 "Export identity reuse"). If client resolves to an exception,
// the Resolve carries that exception instead and the export entry is
// left as-is: calls against it already fail through client itself.
func (c *Conn) awaitExportResolution(id exportID, client capnp.ClientHook) {
	resolved, rerr := client.Resolve(c.tasks.Context())

	c.mu.Lock()
	if e := c.findExport(id); e != nil && rerr == nil {
		old := e.client
		e.client = resolved.AddRef()
		delete(c.exportsByBrand, old.Brand())
		c.exportsByBrand[resolved.Brand()] = id
		old.Release()
	}
	c.mu.Unlock()

	m, err := newMessage(nil)
	if err != nil {
		return
	}
	r, _ := m.NewResolve()
	r.SetPromiseID(uint32(id))
	if rerr != nil {
		setResolveException(r, rerr)
	} else {
		cd, err := r.NewCap()
		if err != nil {
			return
		}
		cd.SetSenderHosted(uint32(id))
	}
	c.sendMessage(m)
}
