package fi

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

// EndpointType mirrors enum fi_ep_type.
type EndpointType uint32

const (
	EndpointTypeUnspec EndpointType = iota
	EndpointTypeMsg
	EndpointTypeDgram
	EndpointTypeRDM
)

func (t EndpointType) String() string {
	switch t {
	case EndpointTypeMsg:
		return "msg"
	case EndpointTypeDgram:
		return "dgram"
	case EndpointTypeRDM:
		return "rdm"
	default:
		return "unspec"
	}
}

// ParseEndpointType converts a user-supplied name into an EndpointType.
func ParseEndpointType(name string) (EndpointType, error) {
	switch name {
	case "", "msg", "MSG":
		return EndpointTypeMsg, nil
	case "rdm", "RDM":
		return EndpointTypeRDM, nil
	case "dgram", "DGRAM":
		return EndpointTypeDgram, nil
	default:
		return EndpointTypeUnspec, fmt.Errorf("libfabric: unknown endpoint type %q", name)
	}
}

// ParseTransport converts a user-supplied transport name into an endpoint
// type and the capabilities to request. "rdma" is a connected MSG endpoint
// with remote memory access, not a reliable datagram endpoint. Other names
// are endpoint types and request no extra capabilities.
func ParseTransport(name string) (EndpointType, uint64, error) {
	switch name {
	case "rdma", "RDMA":
		return EndpointTypeMsg, CapMsg | CapRMA, nil
	}
	ep, err := ParseEndpointType(name)
	return ep, 0, err
}

// Capability bits mirrored from <rdma/fabric.h>.
const (
	CapMsg         uint64 = 1 << 1
	CapRMA         uint64 = 1 << 2
	CapTagged      uint64 = 1 << 3
	CapAtomic      uint64 = 1 << 4
	CapRead        uint64 = 1 << 8
	CapWrite       uint64 = 1 << 9
	CapRecv        uint64 = 1 << 10
	CapSend        uint64 = 1 << 11
	CapRemoteRead  uint64 = 1 << 12
	CapRemoteWrite uint64 = 1 << 13
)

// FlagSource marks the query address as the local bind address (FI_SOURCE).
const FlagSource uint64 = 1 << 57

// AddrFormat mirrors the fi_info addr_format values.
type AddrFormat uint32

const (
	AddrFormatUnspec AddrFormat = iota
	AddrFormatSockaddr
	AddrFormatSockaddrIn
	AddrFormatSockaddrIn6
)

func (f AddrFormat) String() string {
	switch f {
	case AddrFormatSockaddr:
		return "sockaddr"
	case AddrFormatSockaddrIn:
		return "sockaddr_in"
	case AddrFormatSockaddrIn6:
		return "sockaddr_in6"
	default:
		return "unspec"
	}
}

// MRModeFlag represents provider memory-registration requirements.
type MRModeFlag uint64

const (
	MRModeBasic     MRModeFlag = 1
	MRModeScalable  MRModeFlag = 2
	MRModeLocal     MRModeFlag = 1 << 2
	MRModeRaw       MRModeFlag = 1 << 3
	MRModeVirtAddr  MRModeFlag = 1 << 4
	MRModeAllocated MRModeFlag = 1 << 5
	MRModeProvKey   MRModeFlag = 1 << 6
)

// Info captures a provider descriptor returned by Query. It is a value: every
// query yields a fresh copy and nothing is shared between queries.
type Info struct {
	Provider   string
	Fabric     string
	Domain     string
	Caps       uint64
	Endpoint   EndpointType
	AddrFormat AddrFormat
	MRMode     MRModeFlag
	SrcAddr    netip.AddrPort
	DestAddr   netip.AddrPort

	// Handle carries provider-private state, such as the native descriptor
	// or a pending connection request.
	Handle any
}

// SupportsCap reports whether the specified capability bit is set.
func (i Info) SupportsCap(flag uint64) bool {
	return i.Caps&flag != 0
}

// SupportsMsg indicates whether standard message operations are available.
func (i Info) SupportsMsg() bool {
	return i.SupportsCap(CapMsg)
}

// SupportsRMA reports whether the provider advertises remote memory access support.
func (i Info) SupportsRMA() bool {
	return i.SupportsCap(CapRMA)
}

// RequiresMRMode reports whether the provider requires the specified MR mode flag.
func (i Info) RequiresMRMode(flag MRModeFlag) bool {
	if flag == 0 {
		return false
	}
	return i.MRMode&flag != 0
}

// SupportsRDM indicates whether the entry describes a reliable datagram endpoint.
func (i Info) SupportsRDM() bool {
	return i.Endpoint == EndpointTypeRDM
}

// DiscoverOption adjusts discovery behavior.
type DiscoverOption func(*discoverConfig)

type discoverConfig struct {
	node         string
	service      string
	flags        uint64
	provider     string
	endpointType EndpointType
	caps         uint64
	addrFormat   AddrFormat
	mrMode       MRModeFlag
}

func defaultDiscoverConfig() discoverConfig {
	return discoverConfig{
		endpointType: EndpointTypeMsg,
		caps:         CapMsg,
		addrFormat:   AddrFormatSockaddrIn,
		mrMode:       MRModeBasic,
	}
}

// WithNode specifies the node (IP literal) for discovery.
func WithNode(node string) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.node = node
	}
}

// WithService specifies the service (port) for discovery.
func WithService(service string) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.service = service
	}
}

// WithPort specifies the service as a port number.
func WithPort(port int) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.service = strconv.Itoa(port)
	}
}

// WithFlags sets the query flags, e.g. FlagSource.
func WithFlags(flags uint64) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.flags = flags
	}
}

// WithSource toggles FlagSource.
func WithSource(source bool) DiscoverOption {
	return func(cfg *discoverConfig) {
		if source {
			cfg.flags |= FlagSource
		} else {
			cfg.flags &^= FlagSource
		}
	}
}

// WithProvider filters discovery by provider name.
func WithProvider(provider string) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.provider = provider
	}
}

// WithEndpointType restricts discovery to a specific endpoint type.
func WithEndpointType(ep EndpointType) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.endpointType = ep
	}
}

// WithCaps sets the capabilities every returned descriptor must provide.
func WithCaps(caps uint64) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.caps = caps
	}
}

// WithAddrFormat sets the requested address format.
func WithAddrFormat(format AddrFormat) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.addrFormat = format
	}
}

// WithMRMode sets the memory registration mode the caller supports.
func WithMRMode(mode MRModeFlag) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.mrMode = mode
	}
}

func (c *discoverConfig) hints() (Hints, error) {
	h := Hints{
		Endpoint:   c.endpointType,
		Caps:       c.caps,
		AddrFormat: c.addrFormat,
		MRMode:     c.mrMode,
		Source:     c.flags&FlagSource != 0,
	}
	if c.node == "" && c.service == "" {
		return h, nil
	}
	addr := netip.IPv4Unspecified()
	if c.node != "" {
		parsed, err := netip.ParseAddr(c.node)
		if err != nil {
			return Hints{}, fmt.Errorf("%w: node %q", ErrInvalidAddress, c.node)
		}
		addr = parsed.Unmap()
	}
	var port uint64
	if c.service != "" {
		p, err := strconv.ParseUint(c.service, 10, 16)
		if err != nil {
			return Hints{}, fmt.Errorf("%w: service %q", ErrInvalidAddress, c.service)
		}
		port = p
	}
	h.Addr = netip.AddrPortFrom(addr, uint16(port))
	h.HasAddr = true
	return h, nil
}

// Discover returns every descriptor the named provider offers for the hints.
// No provider handle is opened.
func Discover(opts ...DiscoverOption) ([]Info, error) {
	cfg := defaultDiscoverConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	hints, err := cfg.hints()
	if err != nil {
		return nil, err
	}
	if cfg.provider == "" {
		return nil, fmt.Errorf("%w: provider name required", ErrNoProviderMatch)
	}
	prov, ok := lookupProvider(cfg.provider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not registered", ErrNoProviderMatch, cfg.provider)
	}
	infos, err := prov.GetInfo(hints)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNoProviderMatch, cfg.provider, err)
		}
		return nil, fmt.Errorf("getinfo %s: %w", cfg.provider, err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoProviderMatch, cfg.provider)
	}
	out := make([]Info, 0, len(infos))
	for _, info := range infos {
		if info.Provider == "" {
			info.Provider = cfg.provider
		}
		out = append(out, info)
	}
	return out, nil
}

// Query resolves the hints to the first matching descriptor.
func Query(opts ...DiscoverOption) (Info, error) {
	infos, err := Discover(opts...)
	if err != nil {
		return Info{}, err
	}
	return infos[0], nil
}

// QueryAddress queries provider for an endpoint of type ep at ip:port. When
// source is set the address is the local bind address, otherwise it is the
// destination to connect to.
func QueryAddress(provider string, ep EndpointType, ip string, port int, source bool) (Info, error) {
	if port < 0 || port > 65535 {
		return Info{}, fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}
	return Query(
		WithProvider(provider),
		WithEndpointType(ep),
		WithNode(ip),
		WithPort(port),
		WithSource(source),
	)
}
