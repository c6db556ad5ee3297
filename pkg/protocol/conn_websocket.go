package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const streamChunkSize = 32 * 1024

// noProxyDialer игнорирует HTTP_PROXY
var noProxyDialer = websocket.Dialer{
	Proxy:            nil,
	HandshakeTimeout: 45 * time.Second,
}

type webSocketConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	nextToken atomic.Uint32

	streamsMu sync.Mutex
	streams   map[uint32]*bodyBuffer

	closeOnce sync.Once
}

func DialWebSocket(ctx context.Context, wsURL string) (Conn, error) {
	conn, _, err := noProxyDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	return NewWebSocketConn(conn), nil
}

// NewWebSocketConn оборачивает установленное websocket соединение. Один кадр -
// одно бинарное сообщение, потоки передаются кадрами stream_data.
func NewWebSocketConn(conn *websocket.Conn) Conn {
	return &webSocketConn{
		conn:    conn,
		streams: make(map[uint32]*bodyBuffer),
	}
}

func (c *webSocketConn) ReadFrame() (*Frame, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failStreams(ErrConnectionClosed)
			return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}

		wf, err := decodeWireMessage(data)
		if err != nil {
			if errors.Is(err, ErrInvalidWireMessage) {
				return nil, err
			}

			return nil, fmt.Errorf("%w: %v", ErrInvalidWireMessage, err)
		}

		if wf.Type == FrameStreamData {
			c.feedStream(wf)
			continue
		}

		if wf.flags&flagStream != 0 {
			b := newBodyBuffer()

			c.streamsMu.Lock()
			c.streams[wf.token] = b
			c.streamsMu.Unlock()

			wf.Stream = b
		}

		return wf.Frame, nil
	}
}

func (c *webSocketConn) feedStream(wf wireFrame) {
	c.streamsMu.Lock()
	b, ok := c.streams[wf.token]
	if ok && wf.flags&flagStreamEnd != 0 {
		delete(c.streams, wf.token)
	}
	c.streamsMu.Unlock()

	if !ok {
		return
	}

	if len(wf.Payload) > 0 {
		_, _ = b.Write(wf.Payload)
	}

	if wf.flags&flagStreamEnd != 0 {
		if wf.Error != "" {
			b.CloseWithError(errors.New(wf.Error))
		} else {
			b.CloseWithError(nil)
		}
	}
}

func (c *webSocketConn) failStreams(err error) {
	c.streamsMu.Lock()
	streams := c.streams
	c.streams = make(map[uint32]*bodyBuffer)
	c.streamsMu.Unlock()

	for _, b := range streams {
		b.CloseWithError(err)
	}
}

func (c *webSocketConn) WriteFrame(f *Frame) error {
	wf := wireFrame{Frame: f}
	if f.Stream != nil {
		wf.token = c.nextToken.Add(1)
		wf.flags = flagStream
	}

	data, err := encodeWireMessage(wf)
	if err != nil {
		closeStream(f)
		return err
	}

	if err := c.write(data); err != nil {
		closeStream(f)
		return err
	}

	if f.Stream != nil {
		go c.relay(f.ID, wf.token, f.Stream)
	}

	return nil
}

func (c *webSocketConn) relay(id OperationID, token uint32, r io.ReadCloser) {
	defer r.Close()

	buf := make([]byte, streamChunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := wireFrame{
				Frame: &Frame{Type: FrameStreamData, ID: id, Payload: buf[:n]},
				token: token,
			}

			data, encErr := encodeWireMessage(chunk)
			if encErr != nil {
				return
			}

			if c.write(data) != nil {
				return
			}
		}

		if err != nil {
			end := wireFrame{
				Frame: &Frame{Type: FrameStreamData, ID: id},
				token: token,
				flags: flagStreamEnd,
			}

			if !errors.Is(err, io.EOF) {
				end.Error = err.Error()
			}

			if data, encErr := encodeWireMessage(end); encErr == nil {
				_ = c.write(data)
			}

			return
		}
	}
}

func (c *webSocketConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	return nil
}

func (c *webSocketConn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
		_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))

		err = c.conn.Close()
		c.failStreams(ErrConnectionClosed)
	})

	return err
}
