//go:build cgo && libfabric

package capi

import "fmt"

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>

static inline unsigned int go_fi_header_version(void) {
    return FI_VERSION(FI_MAJOR_VERSION, FI_MINOR_VERSION);
}
*/
import "C"

// Version is a libfabric release as major.minor.
type Version struct {
	Major uint
	Minor uint
}

// unpack splits the FI_VERSION encoding: major in the high 16 bits.
func unpack(v C.uint) Version {
	return Version{Major: uint(v >> 16), Minor: uint(v & 0xffff)}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// BuildVersion is the version of the headers this package was compiled
// against. It is the API version requested from fi_getinfo.
func BuildVersion() Version {
	return unpack(C.go_fi_header_version())
}

// RuntimeVersion is the version reported by the linked library.
func RuntimeVersion() Version {
	return unpack(C.fi_version())
}

// CheckRuntime fails when the linked library cannot serve the API version
// the headers request: a different major release, or an older minor one.
func CheckRuntime() error {
	return checkVersions(BuildVersion(), RuntimeVersion())
}

func checkVersions(build, runtime Version) error {
	if runtime.Major != build.Major {
		return fmt.Errorf("libfabric runtime %s does not match headers %s", runtime, build)
	}
	if runtime.Minor < build.Minor {
		return fmt.Errorf("libfabric runtime %s is older than headers %s", runtime, build)
	}
	return nil
}
