package protocol

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// Conn - надёжный упорядоченный двунаправленный канал кадров между клиентом
// и сервисом запросов.
//
// ReadFrame вызывается из одной горутины. WriteFrame можно вызывать
// конкурентно, f.Stream переходит во владение транспорта.
type Conn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
}

// Dial открывает Conn к сервису по rawURL. Поддерживаются схемы ws, wss и unix.
func Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return DialWebSocket(ctx, u.String())
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}

		return DialUnix(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

type pipeConn struct {
	in        <-chan *Frame
	out       chan<- *Frame
	done      chan struct{}
	peerDone  chan struct{}
	closeOnce sync.Once
}

// Pipe возвращает пару связанных Conn в памяти. Потоки передаются по ссылке.
func Pipe() (Conn, Conn) {
	ab := make(chan *Frame, 64)
	ba := make(chan *Frame, 64)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &pipeConn{in: ba, out: ab, done: aDone, peerDone: bDone}
	b := &pipeConn{in: ab, out: ba, done: bDone, peerDone: aDone}

	return a, b
}

func (p *pipeConn) ReadFrame() (*Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	default:
	}

	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		return nil, ErrConnectionClosed
	case <-p.peerDone:
		// Дочитываем то, что собеседник успел записать
		select {
		case f := <-p.in:
			return f, nil
		default:
			return nil, ErrConnectionClosed
		}
	}
}

func (p *pipeConn) WriteFrame(f *Frame) error {
	select {
	case <-p.done:
		closeStream(f)
		return ErrConnectionClosed
	case <-p.peerDone:
		closeStream(f)
		return ErrConnectionClosed
	default:
	}

	select {
	case p.out <- f:
		return nil
	case <-p.done:
		closeStream(f)
		return ErrConnectionClosed
	case <-p.peerDone:
		closeStream(f)
		return ErrConnectionClosed
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

func closeStream(f *Frame) {
	if f != nil && f.Stream != nil {
		_ = f.Stream.Close()
	}
}
