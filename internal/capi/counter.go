//go:build cgo && libfabric

package capi

import "unsafe"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_eq.h>
*/
import "C"

// Counter wraps a libfabric fid_cntr handle.
type Counter struct {
	ptr *C.struct_fid_cntr
}

// OpenCounter opens a completion counter on the domain.
func OpenCounter(domain *Domain) (*Counter, error) {
	if domain == nil || domain.ptr == nil {
		return nil, ErrUnavailable.WithOp("fi_cntr_open")
	}
	var attr C.struct_fi_cntr_attr
	attr.events = C.FI_CNTR_EVENTS_COMP
	attr.wait_obj = C.FI_WAIT_UNSPEC

	var cntr *C.struct_fid_cntr
	status := C.fi_cntr_open(domain.ptr, &attr, &cntr, nil)
	if err := ErrorFromStatus(int(status), "fi_cntr_open"); err != nil {
		return nil, err
	}
	return &Counter{ptr: cntr}, nil
}

// Read returns the number of completions counted so far.
func (c *Counter) Read() uint64 {
	if c == nil || c.ptr == nil {
		return 0
	}
	return uint64(C.fi_cntr_read(c.ptr))
}

// Close releases the counter.
func (c *Counter) Close() error {
	if c == nil || c.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(c.ptr)))
	if err := ErrorFromStatus(int(status), "fi_close(cntr)"); err != nil {
		return err
	}
	c.ptr = nil
	return nil
}
