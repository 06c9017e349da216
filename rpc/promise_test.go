package rpc

import (
	"testing"

	"golang.org/x/net/context"

	"github.com/kylelemons/godebug/pretty"

	capnp "github.com/MadBase/go-capnproto2/v2"
	"github.com/MadBase/go-capnproto2/v2/internal/taskset"
)

// loggingHook is a ClientHook that records the order and parameter of
// every call it receives, standing in for a capability a promise
// resolves to locally.
type loggingHook struct {
	calls []uint64
}

func (h *loggingHook) Call(ctx context.Context, call *capnp.Call) capnp.Answerer {
	h.calls = append(h.calls, call.Params.Uint64(0))
	_, seg, err := capnp.NewMessage(capnp.NewSingleSegmentArena(nil))
	if err != nil {
		return loggingAnswer{err: err}
	}
	result, err := capnp.NewStruct(seg, capnp.ObjectSize{DataSize: 8})
	if err != nil {
		return loggingAnswer{err: err}
	}
	result.SetUint64(0, call.Params.Uint64(0))
	return loggingAnswer{s: result}
}

func (h *loggingHook) AddRef() capnp.ClientHook { return h }
func (h *loggingHook) Release()                 {}
func (h *loggingHook) Brand() interface{}       { return h }
func (h *loggingHook) Resolved() bool           { return true }
func (h *loggingHook) Resolve(ctx context.Context) (capnp.ClientHook, error) {
	return h, nil
}

type loggingAnswer struct {
	s   capnp.Struct
	err error
}

func (a loggingAnswer) Struct() (capnp.Struct, error) { return a.s, a.err }
func (a loggingAnswer) PipelineClient(transform []capnp.PipelineOp) capnp.ClientHook {
	return capnp.NewErrorClient(a.err)
}

func callWithUint64(v uint64) *capnp.Call {
	_, seg, err := capnp.NewMessage(capnp.NewSingleSegmentArena(nil))
	if err != nil {
		panic(err)
	}
	params, err := capnp.NewStruct(seg, capnp.ObjectSize{DataSize: 8})
	if err != nil {
		panic(err)
	}
	params.SetUint64(0, v)
	return &capnp.Call{InterfaceID: 1, MethodID: 0, Params: params}
}

// TestPromiseClientEmbargoesUntilDisembargoed covers property 8 at the
// promiseClient level: once a promise that already had a call sent
// against its wire promisedAnswer resolves to a capability that isn't
// an existing import, a loopback embargo is needed, and calls made
// while embargoed must queue rather than dispatch, and must be
// delivered to the underlying capability in the order they were made
// only once disembargoed fires.
func TestPromiseClientEmbargoesUntilDisembargoed(t *testing.T) {
	c := &Conn{mu: newChanMutex(), out: make(chan message, 8)}
	c.tasks = taskset.New(context.Background())

	q := c.newQuestion(nil)
	pc := newPromiseClient(c, q, nil)

	// A call issued before the promise resolves goes out over the wire
	// against promisedAnswer{q.id, nil}; this is what makes the
	// embargo below necessary (spec.md §4.4 condition (b)) rather than
	// a no-op, since there is now something in flight to reorder
	// against once the promise settles locally.
	pc.Call(context.Background(), callWithUint64(0))

	hook := &loggingHook{}
	_, seg, err := capnp.NewMessage(capnp.NewSingleSegmentArena(nil))
	if err != nil {
		t.Fatal(err)
	}
	capID := seg.Message().AddCap(hook)
	q.fulfill(capnp.NewInterface(seg, capID).ToPtr())

	<-pc.settledCh
	pc.mu.Lock()
	embargoed := pc.embargoed
	pc.mu.Unlock()
	if !embargoed {
		t.Fatal("promiseClient did not engage an embargo resolving to a non-import capability")
	}

	ansA := pc.Call(context.Background(), callWithUint64(1))
	ansB := pc.Call(context.Background(), callWithUint64(2))

	if len(hook.calls) != 0 {
		t.Fatalf("hook received %d calls before disembargo, want 0", len(hook.calls))
	}

	pc.disembargoed()

	if want := []uint64{1, 2}; pretty.Compare(hook.calls, want) != "" {
		t.Errorf("hook.calls after disembargo diff (-got +want):\n%s", pretty.Compare(hook.calls, want))
	}

	resultA, err := ansA.Struct()
	if err != nil {
		t.Fatal(err)
	}
	if got := resultA.Uint64(0); got != 1 {
		t.Errorf("queued call A result = %d, want 1", got)
	}
	resultB, err := ansB.Struct()
	if err != nil {
		t.Fatal(err)
	}
	if got := resultB.Uint64(0); got != 2 {
		t.Errorf("queued call B result = %d, want 2", got)
	}

	pc.mu.Lock()
	stillEmbargoed := pc.embargoed
	pc.mu.Unlock()
	if stillEmbargoed {
		t.Error("promiseClient still reports embargoed after disembargoed() ran")
	}
}
