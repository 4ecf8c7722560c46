//go:build unix

package server

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig sets SO_REUSEADDR (and SO_REUSEPORT where supported) on the
// listening socket before bind, grounded on the teacher's raw-socket setup
// in internal/socketcan (golang.org/x/sys/unix SetsockoptInt calls), here
// repurposed from a CAN_RAW socket to a TCP listener so a restarted process
// can rebind its port immediately instead of waiting out TIME_WAIT.
var listenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if sockErr != nil {
				return
			}
			if rpErr := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); rpErr != nil && rpErr != unix.ENOPROTOOPT {
				sockErr = rpErr
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	},
}

func listenTCP(ctx context.Context, addr string) (net.Listener, error) {
	return listenConfig.Listen(ctx, "tcp", addr)
}
