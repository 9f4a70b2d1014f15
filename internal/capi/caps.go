//go:build cgo && libfabric

package capi

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
*/
import "C"

const (
	CapMsg         = uint64(C.FI_MSG)
	CapRMA         = uint64(C.FI_RMA)
	CapTagged      = uint64(C.FI_TAGGED)
	CapAtomic      = uint64(C.FI_ATOMIC)
	CapRead        = uint64(C.FI_READ)
	CapWrite       = uint64(C.FI_WRITE)
	CapRecv        = uint64(C.FI_RECV)
	CapSend        = uint64(C.FI_SEND)
	CapRemoteRead  = uint64(C.FI_REMOTE_READ)
	CapRemoteWrite = uint64(C.FI_REMOTE_WRITE)
)

// FlagSource tells fi_getinfo that node and service name the local address.
const FlagSource = uint64(C.FI_SOURCE)

// AddrFormat mirrors the fi_info addr_format values used for IP fabrics.
type AddrFormat uint32

const (
	AddrFormatUnspec      AddrFormat = AddrFormat(C.FI_FORMAT_UNSPEC)
	AddrFormatSockaddr    AddrFormat = AddrFormat(C.FI_SOCKADDR)
	AddrFormatSockaddrIn  AddrFormat = AddrFormat(C.FI_SOCKADDR_IN)
	AddrFormatSockaddrIn6 AddrFormat = AddrFormat(C.FI_SOCKADDR_IN6)
)
