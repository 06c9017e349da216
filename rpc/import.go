package rpc

import (
	"sync"

	"golang.org/x/net/context"

	capnp "github.com/MadBase/go-capnproto2/v2"
)

type importID uint32

// impent is an entry in the connection's import table: the local
// refcount of Go-side references to a peer-hosted capability (teacher
// rpc.go's `impent`). Several incoming CapDescriptors for the same
// senderHosted id share one impent and one *importClient.
type impent struct {
	id     importID
	client *importClient
	refs   int
}

// addImport returns the Client for a peer-hosted capability with the
// given senderHosted id, creating the import table entry if this is
// the first time the connection has seen it. Must be called with
// c.mu held.
func (c *Conn) addImport(id importID) capnp.ClientHook {
	return c.addImportEntry(id, false)
}

// addImportPromise is addImport for a senderPromise id: the returned
// hook reports Resolved() == false and blocks in Resolve() until the
// peer sends a matching Resolve message (spec.md §3.3 Import entity,
// §4.3).
func (c *Conn) addImportPromise(id importID) capnp.ClientHook {
	return c.addImportEntry(id, true)
}

func (c *Conn) addImportEntry(id importID, isPromise bool) capnp.ClientHook {
	if c.imports == nil {
		c.imports = make(map[importID]*impent)
	}
	if e, ok := c.imports[id]; ok {
		e.refs++
		return e.client
	}
	ic := &importClient{conn: c, id: id}
	if isPromise {
		ic.promise = true
		ic.done = make(chan struct{})
	}
	c.imports[id] = &impent{id: id, client: ic, refs: 1}
	return ic
}

// resolveImport settles the import's promise, called once from
// handleResolveMessage when the matching Resolve message arrives. err
// is non-nil if the peer resolved the promise to an exception rather
// than a capability. Calls against id keep targeting id on the wire
// either way: the peer, not this vat, decides where id's calls
// actually go, both before and after it resolves (spec.md §4.3). A
// second Resolve for the same id is ignored rather than clobbering the
// first. Must be called with c.mu held.
func (c *Conn) resolveImport(id importID, err error) {
	e, ok := c.imports[id]
	if !ok {
		return
	}
	e.client.resolve(err)
}

// dropImport decrements the refcount for id, removing the table entry
// and sending a Release message once it reaches zero.
func (c *Conn) dropImport(id importID) {
	c.mu.Lock()
	e, ok := c.imports[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.refs--
	done := e.refs <= 0
	if done {
		delete(c.imports, id)
	}
	c.mu.Unlock()
	if done {
		m, err := newMessage(nil)
		if err != nil {
			return
		}
		rel, _ := m.NewRelease()
		rel.SetID(uint32(id))
		rel.SetReferenceCount(1)
		c.sendMessage(m)
	}
}

// importClient is the ClientHook for a capability the peer exports to
// us: calling it sends a Call message targeting `importedCap: id`
// (teacher rpc.go models this with a bare capnp.Client backed by the
// connection; here it is its own ClientHook so call routing, AddRef
// counting, and Brand identity are all explicit, per spec.md §4.2).
type importClient struct {
	conn *Conn
	id   importID

	mu   sync.Mutex
	refs int

	// promise is set for a senderPromise import: Call still targets
	// the same wire id regardless of settlement (the peer forwards it
	// correctly either way), but Resolved/Resolve must reflect the
	// promise's actual state rather than always reporting settled.
	promise     bool
	settled     bool
	resolvedErr error
	done        chan struct{}
}

func (ic *importClient) Call(ctx context.Context, call *capnp.Call) capnp.Answerer {
	return ic.conn.callImport(ctx, ic.id, call)
}

func (ic *importClient) AddRef() capnp.ClientHook {
	ic.conn.mu.Lock()
	if e, ok := ic.conn.imports[ic.id]; ok {
		e.refs++
	}
	ic.conn.mu.Unlock()
	return ic
}

func (ic *importClient) Release() {
	ic.conn.dropImport(ic.id)
}

func (ic *importClient) Brand() interface{} { return ic }

func (ic *importClient) Resolved() bool {
	if !ic.promise {
		return true
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.settled
}

func (ic *importClient) Resolve(ctx context.Context) (capnp.ClientHook, error) {
	if !ic.promise {
		return ic, nil
	}
	select {
	case <-ic.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	ic.mu.Lock()
	err := ic.resolvedErr
	ic.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ic, nil
}

// resolve settles a promise import exactly once; later calls (a
// duplicate or malformed second Resolve from the peer) are no-ops.
func (ic *importClient) resolve(err error) {
	if !ic.promise {
		return
	}
	ic.mu.Lock()
	if ic.settled {
		ic.mu.Unlock()
		return
	}
	ic.settled = true
	ic.resolvedErr = err
	ic.mu.Unlock()
	close(ic.done)
}
