//go:build cgo && libfabric

package capi

import (
	"net/netip"
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <string.h>
#include <arpa/inet.h>
#include <netinet/in.h>
#include <sys/socket.h>
#include <rdma/fabric.h>

static inline int go_sockaddr_decode(const void *addr, size_t len, unsigned char *ip, uint16_t *port) {
    const struct sockaddr *sa = addr;
    if (addr == NULL || len < sizeof(struct sockaddr)) {
        return 0;
    }
    if (sa->sa_family == AF_INET && len >= sizeof(struct sockaddr_in)) {
        const struct sockaddr_in *in = addr;
        memcpy(ip, &in->sin_addr, 4);
        *port = ntohs(in->sin_port);
        return 4;
    }
    if (sa->sa_family == AF_INET6 && len >= sizeof(struct sockaddr_in6)) {
        const struct sockaddr_in6 *in6 = addr;
        memcpy(ip, &in6->sin6_addr, 16);
        *port = ntohs(in6->sin6_port);
        return 16;
    }
    return 0;
}

static inline uint32_t go_fi_version(unsigned int major, unsigned int minor) {
    return FI_VERSION(major, minor);
}

static inline struct fi_fabric_attr* go_alloc_fabric_attr(void) {
    return calloc(1, sizeof(struct fi_fabric_attr));
}

static inline struct fi_domain_attr* go_alloc_domain_attr(void) {
    return calloc(1, sizeof(struct fi_domain_attr));
}

static inline struct fi_ep_attr* go_alloc_ep_attr(void) {
    return calloc(1, sizeof(struct fi_ep_attr));
}
*/
import "C"

// Info represents an fi_info descriptor list returned by fi_getinfo. The head
// of the list owns the underlying C allocation and must be freed with Free.
type Info struct {
	ptr  *C.struct_fi_info
	owns bool
}

func (i *Info) ensureFabricAttr() *C.struct_fi_fabric_attr {
	if i == nil || i.ptr == nil {
		return nil
	}
	if i.ptr.fabric_attr == nil {
		i.ptr.fabric_attr = C.go_alloc_fabric_attr()
	}
	return i.ptr.fabric_attr
}

func (i *Info) ensureDomainAttr() *C.struct_fi_domain_attr {
	if i == nil || i.ptr == nil {
		return nil
	}
	if i.ptr.domain_attr == nil {
		i.ptr.domain_attr = C.go_alloc_domain_attr()
	}
	return i.ptr.domain_attr
}

func (i *Info) ensureEPAttr() *C.struct_fi_ep_attr {
	if i == nil || i.ptr == nil {
		return nil
	}
	if i.ptr.ep_attr == nil {
		i.ptr.ep_attr = C.go_alloc_ep_attr()
	}
	return i.ptr.ep_attr
}

// EndpointType mirrors enum fi_ep_type from libfabric headers.
type EndpointType int

const (
	EndpointTypeUnspec EndpointType = EndpointType(C.FI_EP_UNSPEC)
	EndpointTypeMsg    EndpointType = EndpointType(C.FI_EP_MSG)
	EndpointTypeDgram  EndpointType = EndpointType(C.FI_EP_DGRAM)
	EndpointTypeRDM    EndpointType = EndpointType(C.FI_EP_RDM)
)

func (e EndpointType) String() string {
	switch e {
	case EndpointTypeUnspec:
		return "unspec"
	case EndpointTypeMsg:
		return "msg"
	case EndpointTypeDgram:
		return "dgram"
	case EndpointTypeRDM:
		return "rdm"
	default:
		return "unknown"
	}
}

// GetInfo wraps fi_getinfo and returns the resulting descriptor list. Callers
// must free the returned Info via Free to release native resources.
func GetInfo(ver Version, node, service string, flags uint64, hints *Info) (*Info, error) {
	var cNode, cService *C.char
	if node != "" {
		cNode = C.CString(node)
		defer C.free(unsafe.Pointer(cNode))
	}
	if service != "" {
		cService = C.CString(service)
		defer C.free(unsafe.Pointer(cService))
	}

	var hintPtr *C.struct_fi_info
	if hints != nil {
		hintPtr = hints.ptr
	}

	var out *C.struct_fi_info
	status := C.fi_getinfo(
		C.uint(C.go_fi_version(C.uint(ver.Major), C.uint(ver.Minor))),
		cNode,
		cService,
		C.uint64_t(flags),
		hintPtr,
		&out,
	)
	if err := ErrorFromStatus(int(status), "fi_getinfo"); err != nil {
		return nil, err
	}
	return &Info{ptr: out, owns: true}, nil
}

// AllocInfo allocates an empty fi_info structure suitable for use as hints.
func AllocInfo() *Info {
	return &Info{ptr: C.fi_allocinfo(), owns: true}
}

// SetProvider restricts discovery to the specified provider name.
func (i *Info) SetProvider(provider string) {
	attr := i.ensureFabricAttr()
	if attr == nil {
		return
	}
	if attr.prov_name != nil {
		C.free(unsafe.Pointer(attr.prov_name))
		attr.prov_name = nil
	}
	if provider == "" {
		return
	}
	attr.prov_name = C.CString(provider)
}

// SetCaps assigns the requested capabilities mask.
func (i *Info) SetCaps(caps uint64) {
	if i == nil || i.ptr == nil {
		return
	}
	i.ptr.caps = C.uint64_t(caps)
}

// SetEndpointType sets the endpoint type hint.
func (i *Info) SetEndpointType(ep EndpointType) {
	attr := i.ensureEPAttr()
	if attr == nil {
		return
	}
	attr._type = C.enum_fi_ep_type(ep)
}

// SetMRMode sets the memory registration modes the caller supports.
func (i *Info) SetMRMode(mode uint64) {
	attr := i.ensureDomainAttr()
	if attr == nil {
		return
	}
	attr.mr_mode = C.int(mode)
}

// SetAddrFormat sets the address format hint.
func (i *Info) SetAddrFormat(format AddrFormat) {
	if i == nil || i.ptr == nil {
		return
	}
	i.ptr.addr_format = C.uint32_t(format)
}

// Free releases the fi_info list if this Info owns the pointer.
func (i *Info) Free() {
	if i == nil || i.ptr == nil || !i.owns {
		return
	}
	C.fi_freeinfo(i.ptr)
	i.ptr = nil
	i.owns = false
}

// Entries returns a snapshot of the descriptor list for inspection.
func (i *Info) Entries() []InfoEntry {
	if i == nil || i.ptr == nil {
		return nil
	}
	var entries []InfoEntry
	for cur := i.ptr; cur != nil; cur = cur.next {
		entries = append(entries, InfoEntry{ptr: cur})
	}
	return entries
}

// InfoEntry provides read-only accessors for a single fi_info node.
type InfoEntry struct {
	ptr *C.struct_fi_info
}

// ProviderName returns the provider string, if available.
func (e InfoEntry) ProviderName() string {
	if e.ptr == nil || e.ptr.fabric_attr == nil || e.ptr.fabric_attr.prov_name == nil {
		return ""
	}
	return C.GoString(e.ptr.fabric_attr.prov_name)
}

// FabricName returns the fabric name, if available.
func (e InfoEntry) FabricName() string {
	if e.ptr == nil || e.ptr.fabric_attr == nil || e.ptr.fabric_attr.name == nil {
		return ""
	}
	return C.GoString(e.ptr.fabric_attr.name)
}

// DomainName returns the domain name, if available.
func (e InfoEntry) DomainName() string {
	if e.ptr == nil || e.ptr.domain_attr == nil || e.ptr.domain_attr.name == nil {
		return ""
	}
	return C.GoString(e.ptr.domain_attr.name)
}

// Caps returns the capabilities bitmask.
func (e InfoEntry) Caps() uint64 {
	if e.ptr == nil {
		return 0
	}
	return uint64(e.ptr.caps)
}

// EndpointType reports the endpoint type requested by the descriptor.
func (e InfoEntry) EndpointType() EndpointType {
	if e.ptr == nil || e.ptr.ep_attr == nil {
		return EndpointTypeUnspec
	}
	return EndpointType(e.ptr.ep_attr._type)
}

func (e InfoEntry) domainAttr() *C.struct_fi_domain_attr {
	if e.ptr == nil {
		return nil
	}
	return e.ptr.domain_attr
}

// MRMode reports the domain's required memory registration mode bits.
func (e InfoEntry) MRMode() uint64 {
	attr := e.domainAttr()
	if attr == nil {
		return 0
	}
	return uint64(attr.mr_mode)
}

// AddrFormat reports the address format of the descriptor.
func (e InfoEntry) AddrFormat() AddrFormat {
	if e.ptr == nil {
		return AddrFormatUnspec
	}
	return AddrFormat(e.ptr.addr_format)
}

// SrcAddr decodes the source address when it is an IPv4 or IPv6 sockaddr.
func (e InfoEntry) SrcAddr() netip.AddrPort {
	if e.ptr == nil {
		return netip.AddrPort{}
	}
	return decodeSockaddr(e.ptr.src_addr, e.ptr.src_addrlen)
}

// DestAddr decodes the destination address when it is an IPv4 or IPv6 sockaddr.
func (e InfoEntry) DestAddr() netip.AddrPort {
	if e.ptr == nil {
		return netip.AddrPort{}
	}
	return decodeSockaddr(e.ptr.dest_addr, e.ptr.dest_addrlen)
}

func decodeSockaddr(addr unsafe.Pointer, length C.size_t) netip.AddrPort {
	var ip [16]C.uchar
	var port C.uint16_t
	n := C.go_sockaddr_decode(addr, length, &ip[0], &port)
	if n == 0 {
		return netip.AddrPort{}
	}
	parsed, ok := netip.AddrFromSlice(C.GoBytes(unsafe.Pointer(&ip[0]), n))
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(parsed.Unmap(), uint16(port))
}

// Dup copies the entry into a standalone descriptor owned by the caller.
func (e InfoEntry) Dup() *Info {
	if e.ptr == nil {
		return nil
	}
	dup := C.fi_dupinfo(e.ptr)
	if dup == nil {
		return nil
	}
	return &Info{ptr: dup, owns: true}
}

// Entry returns the head of the descriptor list.
func (i *Info) Entry() InfoEntry {
	if i == nil {
		return InfoEntry{}
	}
	return InfoEntry{ptr: i.ptr}
}
