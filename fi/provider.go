package fi

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// FID identifies a fabric object within its provider. Connection-management
// events are correlated with endpoints through it.
type FID uint64

// Hints is the resolved form of a query handed to a provider.
type Hints struct {
	Endpoint   EndpointType
	Caps       uint64
	AddrFormat AddrFormat
	MRMode     MRModeFlag
	Addr       netip.AddrPort
	HasAddr    bool
	Source     bool
}

// Provider is a pluggable fabric implementation.
type Provider interface {
	Name() string
	GetInfo(hints Hints) ([]Info, error)
	OpenFabric(info Info) (FabricHandle, error)
}

// FabricHandle is a provider fabric object.
type FabricHandle interface {
	OpenDomain(info Info) (DomainHandle, error)
	OpenEventQueue(attr EventQueueAttr) (EventQueueHandle, error)
	OpenPassiveEndpoint(info Info) (PassiveEndpointHandle, error)
	Close() error
}

// DomainHandle is a provider domain object.
type DomainHandle interface {
	OpenEndpoint(info Info) (EndpointHandle, error)
	OpenCounter() (CounterHandle, error)
	RegisterMemory(buf []byte, access MRAccess) (MemoryRegionHandle, error)
	Close() error
}

// CMEntry is a raw connection-management entry as returned by the provider.
type CMEntry struct {
	Event EventKind
	FID   FID
	Info  *Info
	Data  []byte
}

// EventQueueHandle is a provider event queue. SRead blocks for at most timeout
// and reports the number of bytes the provider wrote for the entry.
type EventQueueHandle interface {
	SRead(timeout time.Duration) (CMEntry, int, error)
	EntrySize() int
	ReadErr() (EventError, error)
	Close() error
}

// PassiveEndpointHandle is a provider listening endpoint.
type PassiveEndpointHandle interface {
	ID() FID
	BindEventQueue(eq EventQueueHandle) error
	Listen() error
	Close() error
}

// EndpointHandle is a provider connection-oriented endpoint.
type EndpointHandle interface {
	ID() FID
	BindEventQueue(eq EventQueueHandle) error
	BindCounter(cntr CounterHandle) error
	Enable() error
	Connect(dest netip.AddrPort, param []byte) error
	Accept(param []byte) error
	Close() error
}

// CounterHandle is a provider completion counter.
type CounterHandle interface {
	Read() uint64
	Close() error
}

// MemoryRegionHandle is a provider memory registration.
type MemoryRegionHandle interface {
	Key() uint64
	Close() error
}

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Provider)
)

// Register makes a provider available to Query. It panics if the name is
// empty or already registered.
func Register(p Provider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if p == nil {
		panic("libfabric: Register provider is nil")
	}
	name := p.Name()
	if name == "" {
		panic("libfabric: Register provider without name")
	}
	if _, dup := providers[name]; dup {
		panic(fmt.Sprintf("libfabric: Register called twice for provider %s", name))
	}
	providers[name] = p
}

// Deregister removes a provider by name. Used by tests that install short-lived providers.
func Deregister(name string) {
	providersMu.Lock()
	defer providersMu.Unlock()
	delete(providers, name)
}

// Providers returns the sorted names of all registered providers.
func Providers() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupProvider(name string) (Provider, bool) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	p, ok := providers[name]
	return p, ok
}
