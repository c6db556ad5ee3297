//go:build !linux

package protocol

import (
	"context"
	"errors"
	"net"
)

var errUnixUnsupported = errors.New("unixpacket transport requires linux")

func DialUnix(ctx context.Context, path string) (Conn, error) {
	return nil, errUnixUnsupported
}

func ListenUnix(path string) (*net.UnixListener, error) {
	return nil, errUnixUnsupported
}

func NewUnixConn(conn *net.UnixConn) Conn {
	return nil
}
