package network

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// queuedBytes returns how many bytes the kernel has buffered for reading
// on conn (SIOCINQ, the Linux name for FIONREAD on sockets), or 0 if that
// cannot be determined.
func queuedBytes(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0
	}

	var n int
	err = raw.Control(func(fd uintptr) {
		v, ioErr := unix.IoctlGetInt(int(fd), unix.SIOCINQ)
		if ioErr == nil {
			n = v
		}
	})
	if err != nil {
		return 0
	}
	return n
}
