//go:build cgo && libfabric

// Package libfabric registers the native libfabric providers with the fi
// registry. It is only built with the libfabric build tag and links against
// the system libfabric through pkg-config.
package libfabric

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	fi "github.com/rocketbitz/fabricbench/fi"
	"github.com/rocketbitz/fabricbench/internal/capi"
)

// Names lists the native providers registered at init. A provider missing
// from the installed library reports no match at query time.
var Names = []string{"verbs", "tcp", "sockets", "efa", "psm3", "shm"}

func init() {
	for _, name := range Names {
		fi.Register(&Provider{name: name})
	}
}

// runtimeCheck verifies once that the linked library serves the header API
// version.
var runtimeCheck = sync.OnceValue(capi.CheckRuntime)

// Provider exposes one native libfabric provider through fi.Provider.
type Provider struct {
	name string
}

// NewProvider returns an unregistered provider for name.
func NewProvider(name string) *Provider {
	return &Provider{name: name}
}

func (p *Provider) Name() string { return p.name }

// GetInfo runs fi_getinfo restricted to this provider. A linked library
// older than the headers reports no match.
func (p *Provider) GetInfo(h fi.Hints) ([]fi.Info, error) {
	if err := runtimeCheck(); err != nil {
		return nil, fmt.Errorf("%w: %w", fi.ErrNoData, err)
	}
	hints := capi.AllocInfo()
	defer hints.Free()
	hints.SetProvider(p.name)
	hints.SetEndpointType(endpointType(h.Endpoint))
	if h.Caps != 0 {
		hints.SetCaps(h.Caps)
	}
	if h.MRMode != 0 {
		hints.SetMRMode(uint64(h.MRMode))
	}
	if h.AddrFormat != fi.AddrFormatUnspec {
		hints.SetAddrFormat(addrFormat(h.AddrFormat))
	}

	var node, service string
	var flags uint64
	if h.HasAddr {
		if !h.Source || !h.Addr.Addr().IsUnspecified() {
			node = h.Addr.Addr().String()
		}
		service = strconv.Itoa(int(h.Addr.Port()))
	}
	if h.Source {
		flags |= capi.FlagSource
	}

	list, err := capi.GetInfo(capi.BuildVersion(), node, service, flags, hints)
	if err != nil {
		return nil, nativeErr(err)
	}
	defer list.Free()

	var out []fi.Info
	for _, entry := range list.Entries() {
		if info, ok := convertInfo(p.name, entry); ok {
			out = append(out, info)
		}
	}
	return out, nil
}

// OpenFabric opens the fabric named by the descriptor.
func (p *Provider) OpenFabric(info fi.Info) (fi.FabricHandle, error) {
	native, err := nativeOf(info)
	if err != nil {
		return nil, err
	}
	fab, err := capi.OpenFabric(native.entry())
	if err != nil {
		return nil, nativeErr(err)
	}
	return &fabric{ptr: fab, provider: p.name}, nil
}

// nativeInfo owns a duplicated fi_info. Every fi.Info copy shares it, so it
// is released once the last copy becomes unreachable.
type nativeInfo struct {
	info *capi.Info
}

func newNativeInfo(info *capi.Info) *nativeInfo {
	n := &nativeInfo{info: info}
	runtime.SetFinalizer(n, func(n *nativeInfo) { n.info.Free() })
	return n
}

func (n *nativeInfo) entry() capi.InfoEntry {
	return n.info.Entry()
}

func nativeOf(info fi.Info) (*nativeInfo, error) {
	native, ok := info.Handle.(*nativeInfo)
	if !ok || native == nil {
		return nil, fmt.Errorf("descriptor for %s has no native handle: %w", info.Provider, fi.ErrInvalid)
	}
	return native, nil
}

// convertInfo copies entry into an fi.Info backed by its own fi_info.
func convertInfo(provider string, entry capi.InfoEntry) (fi.Info, bool) {
	dup := entry.Dup()
	if dup == nil {
		return fi.Info{}, false
	}
	return describe(provider, newNativeInfo(dup)), true
}

// describe reports the registered provider name rather than the native one,
// which names layered providers such as "tcp;ofi_rxm".
func describe(provider string, native *nativeInfo) fi.Info {
	entry := native.entry()
	return fi.Info{
		Provider:   provider,
		Fabric:     entry.FabricName(),
		Domain:     entry.DomainName(),
		Caps:       entry.Caps(),
		Endpoint:   fromEndpointType(entry.EndpointType()),
		AddrFormat: fromAddrFormat(entry.AddrFormat()),
		MRMode:     fi.MRModeFlag(entry.MRMode()),
		SrcAddr:    entry.SrcAddr(),
		DestAddr:   entry.DestAddr(),
		Handle:     native,
	}
}

func endpointType(t fi.EndpointType) capi.EndpointType {
	switch t {
	case fi.EndpointTypeMsg:
		return capi.EndpointTypeMsg
	case fi.EndpointTypeRDM:
		return capi.EndpointTypeRDM
	case fi.EndpointTypeDgram:
		return capi.EndpointTypeDgram
	default:
		return capi.EndpointTypeUnspec
	}
}

func fromEndpointType(t capi.EndpointType) fi.EndpointType {
	switch t {
	case capi.EndpointTypeMsg:
		return fi.EndpointTypeMsg
	case capi.EndpointTypeRDM:
		return fi.EndpointTypeRDM
	case capi.EndpointTypeDgram:
		return fi.EndpointTypeDgram
	default:
		return fi.EndpointTypeUnspec
	}
}

func addrFormat(f fi.AddrFormat) capi.AddrFormat {
	switch f {
	case fi.AddrFormatSockaddr:
		return capi.AddrFormatSockaddr
	case fi.AddrFormatSockaddrIn:
		return capi.AddrFormatSockaddrIn
	case fi.AddrFormatSockaddrIn6:
		return capi.AddrFormatSockaddrIn6
	default:
		return capi.AddrFormatUnspec
	}
}

func fromAddrFormat(f capi.AddrFormat) fi.AddrFormat {
	switch f {
	case capi.AddrFormatSockaddr:
		return fi.AddrFormatSockaddr
	case capi.AddrFormatSockaddrIn:
		return fi.AddrFormatSockaddrIn
	case capi.AddrFormatSockaddrIn6:
		return fi.AddrFormatSockaddrIn6
	default:
		return fi.AddrFormatUnspec
	}
}

// nativeError keeps the native message while matching the fi.Errno code.
type nativeError struct {
	err  error
	code fi.Errno
}

func (e *nativeError) Error() string { return e.err.Error() }

func (e *nativeError) Unwrap() []error { return []error{e.code, e.err} }

func nativeErr(err error) error {
	if err == nil {
		return nil
	}
	var code capi.Errno
	if errors.As(err, &code) {
		return &nativeError{err: err, code: fi.Errno(code)}
	}
	return err
}
