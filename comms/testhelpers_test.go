package comms

import (
	"net"
	"os"
	"syscall"
)

// unixSocketpair returns a connected pair of *net.UnixConn backed by
// socketpair(2), used so tests can exercise Send/Recv without binding a
// named socket on disk.
func unixSocketpair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}

	fa := os.NewFile(uintptr(fds[0]), "socketpair-a")
	fb := os.NewFile(uintptr(fds[1]), "socketpair-b")
	defer fa.Close()
	defer fb.Close()

	ca, err := net.FileConn(fa)
	if err != nil {
		return nil, nil, err
	}
	cb, err := net.FileConn(fb)
	if err != nil {
		ca.Close()
		return nil, nil, err
	}

	return ca.(*net.UnixConn), cb.(*net.UnixConn), nil
}
