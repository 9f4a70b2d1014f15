// Package mock implements an in-process fabric provider. It registers
// "mock-rdma" (message and remote-memory capable) and "mock-msg" (message
// only). Connections are only possible between endpoints of the same
// provider instance, inside one process.
package mock

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	fi "github.com/rocketbitz/fabricbench/fi"
)

const (
	// RDMAName is the name of the remote-memory capable mock provider.
	RDMAName = "mock-rdma"
	// MsgName is the name of the message-only mock provider.
	MsgName = "mock-msg"

	// EntrySize is the size of a connection-management entry.
	EntrySize = 24
)

// RDMACaps and MsgCaps are the capabilities advertised by the registered providers.
const (
	RDMACaps = fi.CapMsg | fi.CapRMA | fi.CapSend | fi.CapRecv | fi.CapRead | fi.CapWrite | fi.CapRemoteRead | fi.CapRemoteWrite
	MsgCaps  = fi.CapMsg | fi.CapSend | fi.CapRecv
)

var (
	// RDMA is the registered "mock-rdma" provider.
	RDMA = New(RDMAName, RDMACaps)
	// Msg is the registered "mock-msg" provider.
	Msg = New(MsgName, MsgCaps)
)

func init() {
	fi.Register(RDMA)
	fi.Register(Msg)
}

// Faults injects failures into a provider. Zero value injects nothing.
type Faults struct {
	FabricOpen     error
	DomainOpen     error
	EventQueueOpen error
	EndpointOpen   error
	BindEventQueue error
	CounterOpen    error
	BindCounter    error
	Enable         error
	Listen         error
	Accept         error

	// MaxRegion rejects registrations larger than this many bytes when non-zero.
	MaxRegion int
	// DenyAccess rejects registrations requesting any of these access bits.
	DenyAccess fi.MRAccess

	// ShortConnReq truncates connection request entries.
	ShortConnReq bool
	// ShortConnected truncates CONNECTED entries delivered to the connecting side.
	ShortConnected bool
	// ForeignConnected addresses CONNECTED entries for the connecting side to another fid.
	ForeignConnected bool
	// ShutdownOnAccept delivers SHUTDOWN instead of CONNECTED to the connecting side.
	ShutdownOnAccept bool
}

// Provider is an in-process fabric provider.
type Provider struct {
	name string
	caps uint64

	nextFID atomic.Uint64
	nextKey atomic.Uint64

	mu        sync.Mutex
	faults    Faults
	listeners map[netip.AddrPort]*passiveEndpoint
	live      map[string]int
	closeLog  []string
}

// New returns an unregistered provider advertising caps.
func New(name string, caps uint64) *Provider {
	return &Provider{
		name:      name,
		caps:      caps,
		listeners: make(map[netip.AddrPort]*passiveEndpoint),
		live:      make(map[string]int),
	}
}

// Name implements fi.Provider.
func (p *Provider) Name() string { return p.name }

// SetFaults replaces the injected faults.
func (p *Provider) SetFaults(f Faults) {
	p.mu.Lock()
	p.faults = f
	p.mu.Unlock()
}

// Reset clears faults and the close log.
func (p *Provider) Reset() {
	p.mu.Lock()
	p.faults = Faults{}
	p.closeLog = nil
	p.mu.Unlock()
}

// Live reports the number of open objects of the given kind ("fabric",
// "domain", "eq", "pep", "ep", "cntr", "mr"), or of all kinds when kind is "".
func (p *Provider) Live(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kind != "" {
		return p.live[kind]
	}
	total := 0
	for _, n := range p.live {
		total += n
	}
	return total
}

// CloseLog returns the kinds of closed objects in closing order.
func (p *Provider) CloseLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.closeLog...)
}

func (p *Provider) fault() Faults {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.faults
}

func (p *Provider) opened(kind string) {
	p.mu.Lock()
	p.live[kind]++
	p.mu.Unlock()
}

func (p *Provider) closed(kind string) {
	p.mu.Lock()
	p.live[kind]--
	p.closeLog = append(p.closeLog, kind)
	p.mu.Unlock()
}

func (p *Provider) fid() fi.FID {
	return fi.FID(p.nextFID.Add(1))
}

// GetInfo implements fi.Provider. The provider offers a single MSG descriptor.
func (p *Provider) GetInfo(hints fi.Hints) ([]fi.Info, error) {
	if hints.Caps&^p.caps != 0 {
		return nil, fi.ErrNoData
	}
	if hints.Endpoint != fi.EndpointTypeMsg && hints.Endpoint != fi.EndpointTypeUnspec {
		return nil, fi.ErrNoData
	}
	info := fi.Info{
		Provider:   p.name,
		Fabric:     p.name,
		Domain:     p.name + "0",
		Caps:       p.caps,
		Endpoint:   fi.EndpointTypeMsg,
		AddrFormat: fi.AddrFormatSockaddrIn,
		MRMode:     fi.MRModeBasic,
	}
	if hints.HasAddr {
		if hints.AddrFormat == fi.AddrFormatSockaddrIn && !hints.Addr.Addr().Is4() {
			return nil, fmt.Errorf("%w: %s is not an IPv4 address", fi.ErrInvalidAddress, hints.Addr.Addr())
		}
		if hints.Source {
			info.SrcAddr = hints.Addr
		} else {
			info.DestAddr = hints.Addr
		}
	}
	return []fi.Info{info}, nil
}

// OpenFabric implements fi.Provider.
func (p *Provider) OpenFabric(info fi.Info) (fi.FabricHandle, error) {
	if err := p.fault().FabricOpen; err != nil {
		return nil, err
	}
	p.opened("fabric")
	return &fabric{p: p}, nil
}

func (p *Provider) listen(pep *passiveEndpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.listeners[pep.addr]; busy {
		return fi.ErrAddrInUse
	}
	p.listeners[pep.addr] = pep
	return nil
}

func (p *Provider) unlisten(pep *passiveEndpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners[pep.addr] == pep {
		delete(p.listeners, pep.addr)
	}
}

// lookup finds the listener for dest, falling back to one bound to the
// unspecified address on the same port.
func (p *Provider) lookup(dest netip.AddrPort) *passiveEndpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pep, ok := p.listeners[dest]; ok {
		return pep
	}
	return p.listeners[netip.AddrPortFrom(netip.IPv4Unspecified(), dest.Port())]
}

type fabric struct {
	p      *Provider
	closed atomic.Bool
}

func (f *fabric) OpenDomain(info fi.Info) (fi.DomainHandle, error) {
	if err := f.p.fault().DomainOpen; err != nil {
		return nil, err
	}
	f.p.opened("domain")
	return &domain{p: f.p}, nil
}

func (f *fabric) OpenEventQueue(attr fi.EventQueueAttr) (fi.EventQueueHandle, error) {
	if err := f.p.fault().EventQueueOpen; err != nil {
		return nil, err
	}
	size := attr.Size
	if size <= 0 {
		size = 64
	}
	f.p.opened("eq")
	return newEventQueue(f.p, size), nil
}

func (f *fabric) OpenPassiveEndpoint(info fi.Info) (fi.PassiveEndpointHandle, error) {
	if err := f.p.fault().EndpointOpen; err != nil {
		return nil, err
	}
	if !info.SrcAddr.IsValid() {
		return nil, fi.ErrAddrNotAvail
	}
	f.p.opened("pep")
	return &passiveEndpoint{p: f.p, id: f.p.fid(), info: info, addr: info.SrcAddr}, nil
}

func (f *fabric) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.p.closed("fabric")
	return nil
}

type domain struct {
	p      *Provider
	closed atomic.Bool
}

func (d *domain) OpenEndpoint(info fi.Info) (fi.EndpointHandle, error) {
	if err := d.p.fault().EndpointOpen; err != nil {
		return nil, err
	}
	ep := &endpoint{p: d.p, id: d.p.fid(), info: info}
	if req, ok := info.Handle.(*connRequest); ok {
		ep.req = req
	}
	d.p.opened("ep")
	return ep, nil
}

func (d *domain) OpenCounter() (fi.CounterHandle, error) {
	if err := d.p.fault().CounterOpen; err != nil {
		return nil, err
	}
	d.p.opened("cntr")
	return &counter{p: d.p}, nil
}

func (d *domain) RegisterMemory(buf []byte, access fi.MRAccess) (fi.MemoryRegionHandle, error) {
	f := d.p.fault()
	if f.MaxRegion > 0 && len(buf) > f.MaxRegion {
		return nil, fi.ErrInvalid
	}
	if access&f.DenyAccess != 0 {
		return nil, fi.ErrAccess
	}
	remote := fi.MRAccessRemoteRead | fi.MRAccessRemoteWrite
	if access&remote != 0 && d.p.caps&fi.CapRMA == 0 {
		return nil, fi.ErrOpNotSupp
	}
	d.p.opened("mr")
	return &memoryRegion{p: d.p, key: d.p.nextKey.Add(1)}, nil
}

func (d *domain) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.p.closed("domain")
	return nil
}

type counter struct {
	p      *Provider
	value  atomic.Uint64
	closed atomic.Bool
}

func (c *counter) Read() uint64 { return c.value.Load() }

func (c *counter) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.p.closed("cntr")
	return nil
}

type memoryRegion struct {
	p      *Provider
	key    uint64
	closed atomic.Bool
}

func (m *memoryRegion) Key() uint64 { return m.key }

func (m *memoryRegion) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.p.closed("mr")
	return nil
}
