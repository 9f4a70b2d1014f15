//go:build cgo && libfabric

package capi

import (
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_cm.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_endpoint.h>
#include <rdma/fi_eq.h>
*/
import "C"

// Endpoint wraps a libfabric fid_ep handle.
type Endpoint struct {
	ptr *C.struct_fid_ep
}

// PassiveEndpoint wraps a libfabric fid_pep handle.
type PassiveEndpoint struct {
	ptr *C.struct_fid_pep
}

// Bind flags for fi_ep_bind.
const (
	BindSend  = uint64(C.FI_SEND)
	BindRecv  = uint64(C.FI_RECV)
	BindRead  = uint64(C.FI_READ)
	BindWrite = uint64(C.FI_WRITE)
)

// OpenEndpoint creates an active endpoint from the supplied domain and
// fi_info descriptor. A descriptor taken from a connection request binds the
// endpoint to the requesting peer.
func OpenEndpoint(domain *Domain, entry InfoEntry) (*Endpoint, error) {
	if domain == nil || domain.ptr == nil {
		return nil, ErrUnavailable.WithOp("fi_endpoint")
	}
	if entry.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_endpoint")
	}

	var ep *C.struct_fid_ep
	status := C.fi_endpoint(domain.ptr, entry.ptr, &ep, nil)
	if err := ErrorFromStatus(int(status), "fi_endpoint"); err != nil {
		return nil, err
	}
	return &Endpoint{ptr: ep}, nil
}

// Close releases the endpoint.
func (e *Endpoint) Close() error {
	if e == nil || e.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(e.ptr)))
	if err := ErrorFromStatus(int(status), "fi_close(endpoint)"); err != nil {
		return err
	}
	e.ptr = nil
	return nil
}

// Pointer exposes the fid address, which is also the fid reported in events.
func (e *Endpoint) Pointer() unsafe.Pointer {
	if e == nil || e.ptr == nil {
		return nil
	}
	return unsafe.Pointer(e.ptr)
}

// BindEventQueue binds the endpoint to an event queue.
func (e *Endpoint) BindEventQueue(eq *EventQueue) error {
	if e == nil || e.ptr == nil || eq == nil || eq.ptr == nil {
		return ErrUnavailable.WithOp("fi_ep_bind(eq)")
	}
	status := C.fi_ep_bind(e.ptr, (*C.struct_fid)(unsafe.Pointer(eq.ptr)), 0)
	return ErrorFromStatus(int(status), "fi_ep_bind(eq)")
}

// BindCounter binds the endpoint to a counter for the operations in flags.
func (e *Endpoint) BindCounter(cntr *Counter, flags uint64) error {
	if e == nil || e.ptr == nil || cntr == nil || cntr.ptr == nil {
		return ErrUnavailable.WithOp("fi_ep_bind(cntr)")
	}
	status := C.fi_ep_bind(e.ptr, (*C.struct_fid)(unsafe.Pointer(cntr.ptr)), C.uint64_t(flags))
	return ErrorFromStatus(int(status), "fi_ep_bind(cntr)")
}

// Enable transitions the endpoint into an active state.
func (e *Endpoint) Enable() error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_enable")
	}
	status := C.fi_enable(e.ptr)
	return ErrorFromStatus(int(status), "fi_enable")
}

// Connect issues a connection request to the destination recorded in the
// descriptor the endpoint was opened with.
func (e *Endpoint) Connect(param []byte) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_connect")
	}
	cparam, n := cBytes(param)
	defer C.free(cparam)
	status := C.fi_connect(e.ptr, nil, cparam, n)
	return ErrorFromStatus(int(status), "fi_connect")
}

// Accept acknowledges the connection request the endpoint was opened from.
func (e *Endpoint) Accept(param []byte) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_accept")
	}
	cparam, n := cBytes(param)
	defer C.free(cparam)
	status := C.fi_accept(e.ptr, cparam, n)
	return ErrorFromStatus(int(status), "fi_accept")
}

// cBytes copies param into C memory; a nil pointer is returned for an empty param.
func cBytes(param []byte) (unsafe.Pointer, C.size_t) {
	if len(param) == 0 {
		return nil, 0
	}
	return C.CBytes(param), C.size_t(len(param))
}

// OpenPassiveEndpoint creates a passive endpoint from the supplied descriptor info.
func OpenPassiveEndpoint(fabric *Fabric, entry InfoEntry) (*PassiveEndpoint, error) {
	if fabric == nil || fabric.ptr == nil {
		return nil, ErrUnavailable.WithOp("fi_passive_ep")
	}
	if entry.ptr == nil {
		return nil, ErrInvalid.WithOp("fi_passive_ep")
	}
	var pep *C.struct_fid_pep
	status := C.fi_passive_ep(fabric.ptr, entry.ptr, &pep, nil)
	if err := ErrorFromStatus(int(status), "fi_passive_ep"); err != nil {
		return nil, err
	}
	return &PassiveEndpoint{ptr: pep}, nil
}

// Close releases the passive endpoint.
func (p *PassiveEndpoint) Close() error {
	if p == nil || p.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(p.ptr)))
	if err := ErrorFromStatus(int(status), "fi_close(pep)"); err != nil {
		return err
	}
	p.ptr = nil
	return nil
}

// Pointer exposes the fid address, which is also the fid reported in events.
func (p *PassiveEndpoint) Pointer() unsafe.Pointer {
	if p == nil || p.ptr == nil {
		return nil
	}
	return unsafe.Pointer(p.ptr)
}

// BindEventQueue binds an event queue to the passive endpoint.
func (p *PassiveEndpoint) BindEventQueue(eq *EventQueue) error {
	if p == nil || p.ptr == nil || eq == nil || eq.ptr == nil {
		return ErrUnavailable.WithOp("fi_pep_bind")
	}
	status := C.fi_pep_bind(p.ptr, (*C.struct_fid)(unsafe.Pointer(eq.ptr)), 0)
	return ErrorFromStatus(int(status), "fi_pep_bind")
}

// Listen transitions the passive endpoint into a listening state.
func (p *PassiveEndpoint) Listen() error {
	if p == nil || p.ptr == nil {
		return ErrUnavailable.WithOp("fi_listen")
	}
	status := C.fi_listen(p.ptr)
	return ErrorFromStatus(int(status), "fi_listen")
}
