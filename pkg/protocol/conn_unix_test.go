//go:build linux

package protocol_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

func serveUnix(t *testing.T, endpoint *protocol.Endpoint) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "requests.sock")

	ln, err := protocol.ListenUnix(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = endpoint.ServeListener(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return path
}

func TestUnixTransport_PassesStreamAsFile(t *testing.T) {
	payload := strings.Repeat("unix-", 20000)

	path := serveUnix(t, streamingEndpoint(func() io.ReadCloser {
		return io.NopCloser(strings.NewReader(payload))
	}))

	client := protocol.NewClient(protocol.DefaultClientConfig("unix://" + path))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	r, err := client.StartRequest(context.Background(), "GET", mustURL(t, "http://origin/"), nil, nil, protocol.ProxyData{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	body, err := r.WaitBody(ctx)
	require.NoError(t, err)

	_, isFile := body.(*os.File)
	assert.True(t, isFile, "body is %T", body)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	require.NoError(t, body.Close())

	result, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestUnixTransport_FrameTooLarge(t *testing.T) {
	client, server := unixPair(t)

	f, err := protocol.NewNotification(1, protocol.MethodWebSocketReceived, protocol.WebSocketReceivedPayload{
		Data: make([]byte, protocol.MaxPacketSize),
	})
	require.NoError(t, err)

	require.ErrorIs(t, server.WriteFrame(f), protocol.ErrFrameTooLarge)

	f, err = protocol.NewNotification(1, protocol.MethodWebSocketConnected, nil)
	require.NoError(t, err)
	require.NoError(t, server.WriteFrame(f))

	got, err := client.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodWebSocketConnected, got.Method)
}

func TestUnixTransport_OversizedBodyFailsSetup(t *testing.T) {
	path := serveUnix(t, streamingEndpoint(func() io.ReadCloser {
		return io.NopCloser(strings.NewReader("ok"))
	}))

	client := protocol.NewClient(protocol.DefaultClientConfig("unix://" + path))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	body := bytes.Repeat([]byte("b"), 300<<10)

	_, err := client.StartRequest(context.Background(), "POST", mustURL(t, "http://origin/"), nil,
		bytes.NewReader(body), protocol.ProxyData{})
	require.ErrorIs(t, err, protocol.ErrSetupFailed)
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	assert.Zero(t, client.Stats().LiveRequests)

	r, err := client.StartRequest(context.Background(), "GET", mustURL(t, "http://origin/"), nil, nil, protocol.ProxyData{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	result, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestUnixTransport_SocketBufferOverflowKeepsConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.sock")

	ln, err := protocol.ListenUnix(path)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *net.UnixConn, 1)

	go func() {
		c, err := ln.AcceptUnix()
		if err != nil {
			accepted <- nil
			return
		}

		accepted <- c
	}()

	raw, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	require.NoError(t, err)

	peer := <-accepted
	require.NotNil(t, peer)

	// Ядро округлит буфер до минимума, заметно меньше MaxPacketSize
	require.NoError(t, raw.SetWriteBuffer(4096))

	client := protocol.NewUnixConn(raw)
	server := protocol.NewUnixConn(peer)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	f, err := protocol.NewNotification(1, protocol.MethodWebSocketReceived, protocol.WebSocketReceivedPayload{
		Data: make([]byte, 64<<10),
	})
	require.NoError(t, err)

	err = client.WriteFrame(f)
	require.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	require.NotErrorIs(t, err, protocol.ErrConnectionClosed)

	f, err = protocol.NewNotification(1, protocol.MethodWebSocketConnected, nil)
	require.NoError(t, err)
	require.NoError(t, client.WriteFrame(f))

	got, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodWebSocketConnected, got.Method)
}

func TestUnixTransport_PeerClose(t *testing.T) {
	client, server := unixPair(t)

	require.NoError(t, server.Close())

	_, err := client.ReadFrame()
	require.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func unixPair(t *testing.T) (protocol.Conn, protocol.Conn) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pair.sock")

	ln, err := protocol.ListenUnix(path)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan protocol.Conn, 1)

	go func() {
		c, err := ln.AcceptUnix()
		if err != nil {
			accepted <- nil
			return
		}

		accepted <- protocol.NewUnixConn(c)
	}()

	client, err := protocol.DialUnix(context.Background(), path)
	require.NoError(t, err)

	server := <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return client, server
}
