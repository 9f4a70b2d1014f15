//go:build cgo && libfabric

package capi

import (
	"time"
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_eq.h>
#include <rdma/fi_cm.h>
*/
import "C"

// EventQueue wraps a libfabric fid_eq handle.
type EventQueue struct {
	ptr *C.struct_fid_eq
}

// WaitObj mirrors enum fi_wait_obj.
type WaitObj int

const (
	WaitNone   WaitObj = WaitObj(C.FI_WAIT_NONE)
	WaitUnspec WaitObj = WaitObj(C.FI_WAIT_UNSPEC)
	WaitFD     WaitObj = WaitObj(C.FI_WAIT_FD)
)

// EQAttr configures fi_eq_open.
type EQAttr struct {
	Size    int
	Flags   uint64
	WaitObj WaitObj
}

// CMEventType represents connection management events reported on event queues.
type CMEventType uint32

const (
	CMEventNotify    CMEventType = CMEventType(C.FI_NOTIFY)
	CMEventConnReq   CMEventType = CMEventType(C.FI_CONNREQ)
	CMEventConnected CMEventType = CMEventType(C.FI_CONNECTED)
	CMEventShutdown  CMEventType = CMEventType(C.FI_SHUTDOWN)
)

// CMEntrySize is the size of struct fi_eq_cm_entry. A read returning fewer
// bytes did not deliver a complete connection-management entry.
const CMEntrySize = int(C.sizeof_struct_fi_eq_cm_entry)

// CMEvent captures fi_eq_cm_entry data. Info is only set on connection
// requests and is owned by the caller.
type CMEvent struct {
	Event CMEventType
	FID   unsafe.Pointer
	Info  *Info
}

// EQError captures error details from fi_eq_readerr.
type EQError struct {
	FID         unsafe.Pointer
	Data        uint64
	Err         Errno
	ProviderErr int
	Message     string
}

// OpenEventQueue opens an event queue on the provided fabric.
func OpenEventQueue(fabric *Fabric, attr *EQAttr) (*EventQueue, error) {
	if fabric == nil || fabric.ptr == nil {
		return nil, ErrUnavailable.WithOp("fi_eq_open")
	}

	var tmp C.struct_fi_eq_attr
	tmp.wait_obj = C.enum_fi_wait_obj(WaitUnspec)
	if attr != nil {
		tmp.size = C.size_t(attr.Size)
		tmp.flags = C.uint64_t(attr.Flags)
		tmp.wait_obj = C.enum_fi_wait_obj(attr.WaitObj)
	}

	var eq *C.struct_fid_eq
	status := C.fi_eq_open(fabric.ptr, &tmp, &eq, nil)
	if err := ErrorFromStatus(int(status), "fi_eq_open"); err != nil {
		return nil, err
	}
	return &EventQueue{ptr: eq}, nil
}

// Close releases the event queue.
func (e *EventQueue) Close() error {
	if e == nil || e.ptr == nil {
		return nil
	}
	status := C.fi_close((*C.struct_fid)(unsafe.Pointer(e.ptr)))
	if err := ErrorFromStatus(int(status), "fi_close(eq)"); err != nil {
		return err
	}
	e.ptr = nil
	return nil
}

// ReadCM blocks in fi_eq_sread for at most timeout (negative waits forever)
// and returns the entry together with the number of bytes the provider wrote.
// FI_EAGAIN is returned when nothing arrived and FI_EAVAIL when an error entry
// is pending.
func (e *EventQueue) ReadCM(timeout time.Duration) (*CMEvent, int, error) {
	if e == nil || e.ptr == nil {
		return nil, 0, ErrUnavailable.WithOp("fi_eq_sread")
	}
	var code C.uint32_t
	var entry C.struct_fi_eq_cm_entry
	timeoutMs := C.int(-1)
	if timeout >= 0 {
		timeoutMs = C.int(timeout / time.Millisecond)
	}
	ret := C.fi_eq_sread(e.ptr, &code, unsafe.Pointer(&entry), C.size_t(unsafe.Sizeof(entry)), timeoutMs, 0)
	if ret < 0 {
		return nil, 0, ErrorFromStatus(int(ret), "fi_eq_sread")
	}
	evt := &CMEvent{
		Event: CMEventType(code),
		FID:   unsafe.Pointer(entry.fid),
	}
	if entry.info != nil {
		evt.Info = &Info{ptr: entry.info, owns: true}
	}
	return evt, int(ret), nil
}

// ReadError retrieves the pending error entry, or FI_EAGAIN when none is
// queued. The provider keeps ownership of err_data.
func (e *EventQueue) ReadError() (*EQError, error) {
	if e == nil || e.ptr == nil {
		return nil, ErrUnavailable.WithOp("fi_eq_readerr")
	}
	var entry C.struct_fi_eq_err_entry
	ret := C.fi_eq_readerr(e.ptr, &entry, 0)
	if ret < 0 {
		return nil, ErrorFromStatus(int(ret), "fi_eq_readerr")
	}
	if ret == 0 {
		return nil, ErrAgain.WithOp("fi_eq_readerr")
	}
	out := &EQError{
		FID:         unsafe.Pointer(entry.fid),
		Data:        uint64(entry.data),
		Err:         Errno(entry.err),
		ProviderErr: int(entry.prov_errno),
	}
	if msg := C.fi_eq_strerror(e.ptr, entry.prov_errno, entry.err_data, nil, 0); msg != nil {
		out.Message = C.GoString(msg)
	}
	return out, nil
}
