//go:build cgo && libfabric

package libfabric

import (
	"fmt"
	"net/netip"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	fi "github.com/rocketbitz/fabricbench/fi"
	"github.com/rocketbitz/fabricbench/internal/capi"
)

type fabric struct {
	ptr      *capi.Fabric
	provider string
}

func (f *fabric) OpenDomain(info fi.Info) (fi.DomainHandle, error) {
	native, err := nativeOf(info)
	if err != nil {
		return nil, err
	}
	dom, err := capi.OpenDomain(f.ptr, native.entry())
	if err != nil {
		return nil, nativeErr(err)
	}
	return &domain{ptr: dom}, nil
}

func (f *fabric) OpenEventQueue(attr fi.EventQueueAttr) (fi.EventQueueHandle, error) {
	eq, err := capi.OpenEventQueue(f.ptr, &capi.EQAttr{Size: attr.Size, Flags: attr.Flags, WaitObj: capi.WaitUnspec})
	if err != nil {
		return nil, nativeErr(err)
	}
	return &eventQueue{ptr: eq, provider: f.provider}, nil
}

func (f *fabric) OpenPassiveEndpoint(info fi.Info) (fi.PassiveEndpointHandle, error) {
	native, err := nativeOf(info)
	if err != nil {
		return nil, err
	}
	pep, err := capi.OpenPassiveEndpoint(f.ptr, native.entry())
	if err != nil {
		return nil, nativeErr(err)
	}
	return &passiveEndpoint{ptr: pep, id: fidOf(pep.Pointer())}, nil
}

func (f *fabric) Close() error {
	return nativeErr(f.ptr.Close())
}

type domain struct {
	ptr     *capi.Domain
	nextKey atomic.Uint64
}

func (d *domain) OpenEndpoint(info fi.Info) (fi.EndpointHandle, error) {
	native, err := nativeOf(info)
	if err != nil {
		return nil, err
	}
	ep, err := capi.OpenEndpoint(d.ptr, native.entry())
	if err != nil {
		return nil, nativeErr(err)
	}
	return &endpoint{ptr: ep, id: fidOf(ep.Pointer()), info: native}, nil
}

func (d *domain) OpenCounter() (fi.CounterHandle, error) {
	cntr, err := capi.OpenCounter(d.ptr)
	if err != nil {
		return nil, nativeErr(err)
	}
	return &counter{ptr: cntr}, nil
}

// RegisterMemory pins buf for the lifetime of the registration.
func (d *domain) RegisterMemory(buf []byte, access fi.MRAccess) (fi.MemoryRegionHandle, error) {
	if len(buf) == 0 {
		return nil, fi.ErrInvalid.WithOp("register memory")
	}
	mr := &memoryRegion{}
	mr.pin.Pin(&buf[0])
	region, err := d.ptr.RegisterMemory(unsafe.Pointer(&buf[0]), uintptr(len(buf)), capi.MRAccess(access), d.nextKey.Add(1))
	if err != nil {
		mr.pin.Unpin()
		return nil, nativeErr(err)
	}
	mr.ptr = region
	return mr, nil
}

func (d *domain) Close() error {
	return nativeErr(d.ptr.Close())
}

type eventQueue struct {
	ptr      *capi.EventQueue
	provider string
}

func (q *eventQueue) SRead(timeout time.Duration) (fi.CMEntry, int, error) {
	evt, n, err := q.ptr.ReadCM(timeout)
	if err != nil {
		return fi.CMEntry{}, 0, nativeErr(err)
	}
	entry := fi.CMEntry{Event: eventKind(evt.Event), FID: fidOf(evt.FID)}
	if evt.Info != nil {
		info := describe(q.provider, newNativeInfo(evt.Info))
		entry.Info = &info
	}
	return entry, n, nil
}

func (q *eventQueue) EntrySize() int { return capi.CMEntrySize }

func (q *eventQueue) ReadErr() (fi.EventError, error) {
	e, err := q.ptr.ReadError()
	if err != nil {
		return fi.EventError{}, nativeErr(err)
	}
	return fi.EventError{
		FID:         fidOf(e.FID),
		Data:        e.Data,
		Err:         fi.Errno(e.Err),
		ProviderErr: e.ProviderErr,
		Message:     e.Message,
	}, nil
}

func (q *eventQueue) Close() error {
	return nativeErr(q.ptr.Close())
}

type passiveEndpoint struct {
	ptr *capi.PassiveEndpoint
	id  fi.FID
}

func (p *passiveEndpoint) ID() fi.FID { return p.id }

func (p *passiveEndpoint) BindEventQueue(eq fi.EventQueueHandle) error {
	q, err := nativeQueue(eq)
	if err != nil {
		return err
	}
	return nativeErr(p.ptr.BindEventQueue(q.ptr))
}

func (p *passiveEndpoint) Listen() error {
	return nativeErr(p.ptr.Listen())
}

func (p *passiveEndpoint) Close() error {
	return nativeErr(p.ptr.Close())
}

type endpoint struct {
	ptr  *capi.Endpoint
	id   fi.FID
	info *nativeInfo
}

func (e *endpoint) ID() fi.FID { return e.id }

func (e *endpoint) BindEventQueue(eq fi.EventQueueHandle) error {
	q, err := nativeQueue(eq)
	if err != nil {
		return err
	}
	return nativeErr(e.ptr.BindEventQueue(q.ptr))
}

func (e *endpoint) BindCounter(cntr fi.CounterHandle) error {
	c, ok := cntr.(*counter)
	if !ok {
		return fmt.Errorf("counter %T is not native: %w", cntr, fi.ErrInvalid)
	}
	flags := capi.BindSend | capi.BindRecv | capi.BindRead | capi.BindWrite
	return nativeErr(e.ptr.BindCounter(c.ptr, flags))
}

func (e *endpoint) Enable() error {
	return nativeErr(e.ptr.Enable())
}

// Connect targets the destination the endpoint's descriptor was resolved for.
func (e *endpoint) Connect(dest netip.AddrPort, param []byte) error {
	if want := e.info.entry().DestAddr(); want.IsValid() && want != dest {
		return fmt.Errorf("connect to %s: descriptor resolved for %s: %w", dest, want, fi.ErrInvalid)
	}
	return nativeErr(e.ptr.Connect(param))
}

func (e *endpoint) Accept(param []byte) error {
	return nativeErr(e.ptr.Accept(param))
}

func (e *endpoint) Close() error {
	err := nativeErr(e.ptr.Close())
	runtime.KeepAlive(e.info)
	return err
}

type counter struct {
	ptr *capi.Counter
}

func (c *counter) Read() uint64 { return c.ptr.Read() }

func (c *counter) Close() error {
	return nativeErr(c.ptr.Close())
}

type memoryRegion struct {
	ptr *capi.MemoryRegion
	pin runtime.Pinner
}

func (m *memoryRegion) Key() uint64 { return m.ptr.Key() }

func (m *memoryRegion) Close() error {
	err := nativeErr(m.ptr.Close())
	m.pin.Unpin()
	return err
}

func nativeQueue(eq fi.EventQueueHandle) (*eventQueue, error) {
	q, ok := eq.(*eventQueue)
	if !ok || q == nil {
		return nil, fmt.Errorf("event queue %T is not native: %w", eq, fi.ErrInvalid)
	}
	return q, nil
}

// fidOf maps a fid address to the identity used for event correlation.
func fidOf(ptr unsafe.Pointer) fi.FID {
	return fi.FID(uintptr(ptr))
}

func eventKind(t capi.CMEventType) fi.EventKind {
	switch t {
	case capi.CMEventConnReq:
		return fi.EventConnReq
	case capi.CMEventConnected:
		return fi.EventConnected
	case capi.CMEventShutdown:
		return fi.EventShutdown
	case capi.CMEventNotify:
		return fi.EventNotify
	default:
		return fi.EventKind(t)
	}
}
