package fi

import "fmt"

// MRAccess represents allowed operations on a registered memory region.
type MRAccess uint64

const (
	// MRAccessRead allows local read operations from the region.
	MRAccessRead MRAccess = MRAccess(CapRead)
	// MRAccessWrite allows local write operations into the region.
	MRAccessWrite MRAccess = MRAccess(CapWrite)
	// MRAccessRemoteRead allows remote peers to issue read operations.
	MRAccessRemoteRead MRAccess = MRAccess(CapRemoteRead)
	// MRAccessRemoteWrite allows remote peers to issue write operations.
	MRAccessRemoteWrite MRAccess = MRAccess(CapRemoteWrite)

	// MRAccessAll grants local and remote read and write access.
	MRAccessAll = MRAccessRead | MRAccessWrite | MRAccessRemoteRead | MRAccessRemoteWrite
)

// DefaultRegionSize is the buffer size registered for RMA-capable endpoints.
const DefaultRegionSize = 64 << 10

// MemoryRegion wraps a registered memory buffer.
type MemoryRegion struct {
	handle MemoryRegionHandle
	buf    []byte
	access MRAccess
}

// RegisterMemory registers buf with the context's domain. The region is owned
// by the context and released with it unless closed earlier.
func RegisterMemory(fc *FabricContext, buf []byte, access MRAccess) (*MemoryRegion, error) {
	if fc == nil {
		return nil, ErrInvalidHandle{"domain"}
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if err := fc.live(); err != nil {
		return nil, err
	}
	mr, err := registerMemory(fc.domain, buf, access)
	if err != nil {
		return nil, err
	}
	fc.regions = append(fc.regions, mr)
	return mr, nil
}

func registerMemory(domain DomainHandle, buf []byte, access MRAccess) (*MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, &Error{Kind: ErrRegistrationFailed, Op: "register memory", Errno: ErrInvalid, Err: ErrInvalid, Detail: "empty buffer"}
	}
	if access == 0 {
		return nil, &Error{Kind: ErrRegistrationFailed, Op: "register memory", Errno: ErrInvalid, Err: ErrInvalid, Detail: "no access flags"}
	}
	handle, err := domain.RegisterMemory(buf, access)
	if err != nil {
		e := newError(ErrRegistrationFailed, "register memory", err)
		e.Detail = fmt.Sprintf("size=%d access=%#x", len(buf), uint64(access))
		return nil, e
	}
	return &MemoryRegion{handle: handle, buf: buf, access: access}, nil
}

// Bytes returns the registered buffer.
func (m *MemoryRegion) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.buf
}

// Size returns the registered length in bytes.
func (m *MemoryRegion) Size() int {
	if m == nil {
		return 0
	}
	return len(m.buf)
}

// Key returns the registration key for the memory region.
func (m *MemoryRegion) Key() uint64 {
	if m == nil || m.handle == nil {
		return 0
	}
	return m.handle.Key()
}

// Access reports the access flags the region was registered with.
func (m *MemoryRegion) Access() MRAccess {
	if m == nil {
		return 0
	}
	return m.access
}

// Close deregisters the memory region.
func (m *MemoryRegion) Close() error {
	if m == nil || m.handle == nil {
		return nil
	}
	err := m.handle.Close()
	m.handle = nil
	m.buf = nil
	return err
}
