package rpc

import (
	"testing"

	"golang.org/x/net/context"

	capnp "github.com/MadBase/go-capnproto2/v2"
)

type countingClient struct {
	refs int
}

func (cc *countingClient) Call(ctx context.Context, call *capnp.Call) capnp.Answerer {
	return nil
}
func (cc *countingClient) AddRef() capnp.ClientHook { cc.refs++; return cc }
func (cc *countingClient) Release()                 { cc.refs-- }
func (cc *countingClient) Brand() interface{}       { return cc }
func (cc *countingClient) Resolved() bool           { return true }
func (cc *countingClient) Resolve(ctx context.Context) (capnp.ClientHook, error) {
	return cc, nil
}

// TestExportIdentityReuse covers the export-table half of property 9:
// exporting the same capability twice reuses the same wire id and
// accumulates wireRefs, rather than minting a fresh export each time.
func TestExportIdentityReuse(t *testing.T) {
	c := &Conn{mu: newChanMutex()}
	client := &countingClient{}

	id1, _ := c.exportClient(client)
	id2, _ := c.exportClient(client)
	if id1 != id2 {
		t.Fatalf("exportClient called twice on the same client = %d, %d, want the same id", id1, id2)
	}
	e := c.findExport(id1)
	if e == nil {
		t.Fatal("findExport after exportClient = nil")
	}
	if e.wireRefs != 2 {
		t.Errorf("wireRefs after two exportClient calls = %d, want 2", e.wireRefs)
	}
}

// TestReleaseExportDropsAtZero covers property 9: an export is
// removed and its client released once wireRefs reaches zero, and
// remains reachable (with a reduced count) otherwise.
func TestReleaseExportDropsAtZero(t *testing.T) {
	c := &Conn{mu: newChanMutex()}
	client := &countingClient{}
	id, _ := c.exportClient(client)
	c.exportClient(client) // wireRefs now 2

	c.releaseExport(id, 1)
	if e := c.findExport(id); e == nil {
		t.Fatal("export dropped to nil after releasing only 1 of 2 references")
	} else if e.wireRefs != 1 {
		t.Errorf("wireRefs after releasing 1 of 2 = %d, want 1", e.wireRefs)
	}

	c.releaseExport(id, 1)
	if e := c.findExport(id); e != nil {
		t.Errorf("export still present after releasing the last reference: wireRefs = %d", e.wireRefs)
	}
	if client.refs != 0 {
		t.Errorf("client.refs after export fully released = %d, want 0 (AddRef/Release balanced)", client.refs)
	}
	if _, ok := c.exportsByBrand[client.Brand()]; ok {
		t.Errorf("exportsByBrand still maps the released client's brand")
	}
}
