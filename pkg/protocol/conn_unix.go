//go:build linux

package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const MaxPacketSize = 256 * 1024

type unixConn struct {
	conn    *net.UnixConn
	writeMu sync.Mutex
	buf     []byte
	oob     []byte
}

func DialUnix(ctx context.Context, path string) (Conn, error) {
	var d net.Dialer

	c, err := d.DialContext(ctx, "unixpacket", path)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("dial failed: unexpected conn type %T", c)
	}

	return NewUnixConn(uc), nil
}

func ListenUnix(path string) (*net.UnixListener, error) {
	return net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
}

// NewUnixConn оборачивает unixpacket соединение. Один кадр - один пакет,
// Stream передаётся собеседнику файловым дескриптором.
func NewUnixConn(conn *net.UnixConn) Conn {
	return &unixConn{
		conn: conn,
		buf:  make([]byte, MaxPacketSize),
		oob:  make([]byte, unix.CmsgSpace(4)),
	}
}

func (c *unixConn) ReadFrame() (*Frame, error) {
	n, oobn, flags, _, err := c.conn.ReadMsgUnix(c.buf, c.oob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	fds := parseRights(c.oob[:oobn])

	if n == 0 {
		closeFDs(fds)
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, io.EOF)
	}

	if flags&unix.MSG_TRUNC != 0 {
		closeFDs(fds)
		return nil, ErrFrameTooLarge
	}

	wf, err := decodeWireMessage(bytes.Clone(c.buf[:n]))
	if err != nil {
		closeFDs(fds)

		if errors.Is(err, ErrInvalidWireMessage) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %v", ErrInvalidWireMessage, err)
	}

	if wf.flags&flagStream != 0 && len(fds) > 0 {
		wf.Stream = os.NewFile(uintptr(fds[0]), fmt.Sprintf("stream-%d", wf.ID))
		fds = fds[1:]
	}

	closeFDs(fds)

	return wf.Frame, nil
}

func parseRights(oob []byte) []int {
	if len(oob) == 0 {
		return nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}

	var fds []int

	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}

		fds = append(fds, rights...)
	}

	return fds
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

func (c *unixConn) WriteFrame(f *Frame) error {
	wf := wireFrame{Frame: f}

	var file *os.File

	if f.Stream != nil {
		var err error

		file, err = streamFile(f.Stream)
		if err != nil {
			return err
		}

		wf.flags = flagStream
	}

	data, err := encodeWireMessage(wf)
	if err == nil && len(data) > MaxPacketSize {
		err = ErrFrameTooLarge
	}

	if err != nil {
		if file != nil {
			file.Close()
		}

		return err
	}

	var oob []byte
	if file != nil {
		oob = unix.UnixRights(int(file.Fd()))
	}

	c.writeMu.Lock()
	_, _, err = c.conn.WriteMsgUnix(data, oob, nil)
	c.writeMu.Unlock()

	// После постановки пакета в очередь у собеседника своя копия дескриптора
	if file != nil {
		file.Close()
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EMSGSIZE):
		// Пакет больше буфера отправки сокета, соединение живо
		return fmt.Errorf("%w: %v", ErrFrameTooLarge, err)
	default:
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
}

// Если r не файл, данные перекачиваются через os.Pipe
func streamFile(r io.ReadCloser) (*os.File, error) {
	if f, ok := r.(*os.File); ok {
		return f, nil
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("stream pipe: %w", err)
	}

	go func() {
		_, _ = io.Copy(pw, r)
		r.Close()
		pw.Close()
	}()

	return pr, nil
}

func (c *unixConn) Close() error {
	return c.conn.Close()
}
