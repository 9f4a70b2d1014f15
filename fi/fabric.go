package fi

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

// FabricContext owns a fabric and the domain opened from it, plus every
// endpoint and event channel created through it. Children can only be created
// via the context, so Close always releases them before the domain and fabric.
type FabricContext struct {
	mu       sync.Mutex
	info     Info
	provider Provider
	fabric   FabricHandle
	domain   DomainHandle
	active   []*Endpoint
	passive  []*Endpoint
	channels []*EventChannel
	regions  []*MemoryRegion
	closed   bool
}

// Open opens a fabric for the descriptor and a domain scoped to it.
func Open(info Info) (*FabricContext, error) {
	prov, ok := lookupProvider(info.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not registered", ErrNoProviderMatch, info.Provider)
	}
	fabric, err := prov.OpenFabric(info)
	if err != nil {
		return nil, newError(ErrFabricOpenFailed, "open fabric", err)
	}
	domain, err := fabric.OpenDomain(info)
	if err != nil {
		_ = fabric.Close()
		return nil, newError(ErrDomainOpenFailed, "open domain", err)
	}
	return &FabricContext{
		info:     info,
		provider: prov,
		fabric:   fabric,
		domain:   domain,
	}, nil
}

// Info returns the descriptor the context was opened with.
func (fc *FabricContext) Info() Info {
	if fc == nil {
		return Info{}
	}
	return fc.info
}

// Provider returns the provider name backing the context.
func (fc *FabricContext) Provider() string {
	if fc == nil {
		return ""
	}
	return fc.info.Provider
}

func (fc *FabricContext) live() error {
	if fc == nil || fc.fabric == nil || fc.domain == nil {
		return ErrInvalidHandle{"fabric"}
	}
	if fc.closed {
		return ErrInvalidHandle{"fabric"}
	}
	return nil
}

func (fc *FabricContext) track(ep *Endpoint) {
	if ep.role == RolePassive {
		fc.passive = append(fc.passive, ep)
		return
	}
	fc.active = append(fc.active, ep)
}

// Close releases every child in reverse dependency order: active endpoints
// (with their memory regions and counters), passive endpoints, event
// channels, directly registered regions, the domain and finally the fabric.
// Close is idempotent.
func (fc *FabricContext) Close() error {
	if fc == nil {
		return nil
	}
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return nil
	}
	fc.closed = true
	active, passive, channels, regions := fc.active, fc.passive, fc.channels, fc.regions
	fc.active, fc.passive, fc.channels, fc.regions = nil, nil, nil, nil
	domain, fabric := fc.domain, fc.fabric
	fc.domain, fc.fabric = nil, nil
	fc.mu.Unlock()

	var err error
	for i := len(active) - 1; i >= 0; i-- {
		err = multierr.Append(err, active[i].Close())
	}
	for i := len(passive) - 1; i >= 0; i-- {
		err = multierr.Append(err, passive[i].Close())
	}
	for i := len(channels) - 1; i >= 0; i-- {
		err = multierr.Append(err, channels[i].Close())
	}
	for i := len(regions) - 1; i >= 0; i-- {
		err = multierr.Append(err, regions[i].Close())
	}
	if domain != nil {
		err = multierr.Append(err, domain.Close())
	}
	if fabric != nil {
		err = multierr.Append(err, fabric.Close())
	}
	return err
}
