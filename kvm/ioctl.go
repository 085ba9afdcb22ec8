// Package kvm wraps the /dev/kvm ioctl surface used by the vcpu and vmm
// packages. It stays a thin, allocation-free layer over golang.org/x/sys/unix
// so that callers can reason about the exact syscalls being issued.
package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request-code construction, following the Linux _IOR/_IOW/_IOWR
// convention used throughout the kernel's kvm.h.
const (
	iocNRBits    = 8
	iocTypeBits  = 8
	iocSizeBits  = 14
	iocDirBits   = 2
	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2

	kvmIOCType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (kvmIOCType << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// iio builds a request code for an ioctl with no associated data structure.
func iio(nr uintptr) uintptr { return ioc(0, nr, 0) }

// iiow builds a request code for an ioctl that writes size bytes to the kernel.
func iiow(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// iior builds a request code for an ioctl that reads size bytes from the kernel.
func iior(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

// iiowr builds a request code for an ioctl that both reads and writes.
func iiowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

func ioctl(fd, req, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

func ioctlPtr(fd, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	return ioctl(fd, req, uintptr(arg))
}
