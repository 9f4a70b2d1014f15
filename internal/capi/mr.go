//go:build cgo && libfabric

package capi

import (
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
*/
import "C"

// MRAccess represents libfabric memory registration access flags.
type MRAccess uint64

const (
	MRAccessRead        MRAccess = MRAccess(C.FI_READ)
	MRAccessWrite       MRAccess = MRAccess(C.FI_WRITE)
	MRAccessRemoteRead  MRAccess = MRAccess(C.FI_REMOTE_READ)
	MRAccessRemoteWrite MRAccess = MRAccess(C.FI_REMOTE_WRITE)
)

const (
	MRModeLocal     = uint64(C.FI_MR_LOCAL)
	MRModeRaw       = uint64(C.FI_MR_RAW)
	MRModeVirtAddr  = uint64(C.FI_MR_VIRT_ADDR)
	MRModeAllocated = uint64(C.FI_MR_ALLOCATED)
	MRModeProvKey   = uint64(C.FI_MR_PROV_KEY)
	MRModeEndpoint  = uint64(C.FI_MR_ENDPOINT)
)

// MemoryRegion wraps a libfabric fid_mr handle.
type MemoryRegion struct {
	ptr *C.struct_fid_mr
}

// RegisterMemory registers the supplied buffer with the given access flags.
// The caller keeps buf pinned until the region is closed.
func (d *Domain) RegisterMemory(buf unsafe.Pointer, length uintptr, access MRAccess, requestedKey uint64) (*MemoryRegion, error) {
	if d == nil || d.ptr == nil {
		return nil, ErrUnavailable.WithOp("fi_mr_reg")
	}
	if buf == nil || length == 0 {
		return nil, ErrInvalid.WithOp("fi_mr_reg")
	}

	var mr *C.struct_fid_mr
	status := C.fi_mr_reg(d.ptr, buf, C.size_t(length), C.uint64_t(access), 0, C.uint64_t(requestedKey), 0, &mr, nil)
	if err := ErrorFromStatus(int(status), "fi_mr_reg"); err != nil {
		return nil, err
	}
	return &MemoryRegion{ptr: mr}, nil
}

// Close releases the memory region.
func (m *MemoryRegion) Close() error {
	if m == nil || m.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(m.ptr)))
	if err := ErrorFromStatus(int(status), "fi_close(mr)"); err != nil {
		return err
	}
	m.ptr = nil
	return nil
}

// Key returns the registration key for the memory region.
func (m *MemoryRegion) Key() uint64 {
	if m == nil || m.ptr == nil {
		return 0
	}
	return uint64(C.fi_mr_key(m.ptr))
}
