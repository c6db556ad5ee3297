package protocol

import (
	"bytes"
	"io"
	"sync"
)

// bodyBuffer - неограниченный канал в памяти. Write никогда не блокирует
// горутину чтения транспорта.
type bodyBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	err    error
	closed bool
}

func newBodyBuffer() *bodyBuffer {
	b := &bodyBuffer{}
	b.cond = sync.NewCond(&b.mu)

	return b
}

func (b *bodyBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.err != nil {
		return 0, io.ErrClosedPipe
	}

	n, _ := b.buf.Write(p)
	b.cond.Broadcast()

	return n, nil
}

// После буферизованных данных читатель получит err, или io.EOF при nil
func (b *bodyBuffer) CloseWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return
	}

	if err == nil {
		err = io.EOF
	}

	b.err = err
	b.cond.Broadcast()
}

func (b *bodyBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.buf.Len() == 0 && b.err == nil && !b.closed {
		b.cond.Wait()
	}

	if b.closed {
		return 0, io.ErrClosedPipe
	}

	if b.buf.Len() > 0 {
		return b.buf.Read(p)
	}

	return 0, b.err
}

func (b *bodyBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.buf.Reset()
	b.cond.Broadcast()

	return nil
}
