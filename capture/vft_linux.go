//go:build linux

package capture

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// _IOWR('u', 0x21, struct uvc_xu_control_query)
const uvcIOCCtrlQuery = 0xC0107521

// uvcXUControlQuery mirrors struct uvc_xu_control_query from linux/uvcvideo.h.
type uvcXUControlQuery struct {
	unit     uint8
	selector uint8
	query    uint8
	_        uint8
	size     uint16
	_        [2]byte
	data     uintptr
}

type uvcExtensionUnit struct {
	fd int
}

func openExtensionUnit(path string) (extensionUnit, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &uvcExtensionUnit{fd: fd}, nil
}

func (x *uvcExtensionUnit) set(unit, selector uint8, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("uvc xu: empty payload")
	}
	q := uvcXUControlQuery{
		unit:     unit,
		selector: selector,
		query:    uvcSetCur,
		size:     uint16(len(data)),
		data:     uintptr(unsafe.Pointer(&data[0])),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(x.fd), uvcIOCCtrlQuery, uintptr(unsafe.Pointer(&q)))
	runtime.KeepAlive(data)
	if errno != 0 {
		return fmt.Errorf("uvc xu set unit %d selector %d: %w", unit, selector, errno)
	}
	return nil
}

func (x *uvcExtensionUnit) close() error {
	return unix.Close(x.fd)
}
