package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

// fakeService отвечает на start_request фиксированным телом и эхом на
// websocket_send.
func fakeService(t *testing.T, success bool) *protocol.Client {
	t.Helper()

	endpoint := protocol.NewEndpoint(protocol.DefaultEndpointConfig())

	endpoint.Handle(protocol.MethodStartRequest, func(_ context.Context, cmd *protocol.Command) (any, error) {
		var p protocol.StartRequestPayload
		if err := cmd.UnmarshalPayload(&p); err != nil {
			return nil, err
		}

		peer := cmd.Peer()
		body := p.Method + " " + p.URL + " " + string(p.Body)

		cmd.AfterReply(func() {
			status := uint32(http.StatusCreated)

			_ = peer.NotifyStream(cmd.ID, protocol.MethodRequestStarted, nil, io.NopCloser(strings.NewReader(body)))
			_ = peer.Notify(cmd.ID, protocol.MethodHeadersBecameAvailable, protocol.HeadersPayload{
				Headers:    http.Header{"X-Echo": {p.Headers.Get("X-Echo")}},
				StatusCode: &status,
			})
			_ = peer.Notify(cmd.ID, protocol.MethodRequestFinished, protocol.RequestFinishedPayload{
				Success:   success,
				TotalSize: uint64(len(body)),
			})
		})

		return nil, nil
	})

	endpoint.Handle(protocol.MethodWebSocketConnect, func(_ context.Context, cmd *protocol.Command) (any, error) {
		peer := cmd.Peer()

		cmd.AfterReply(func() {
			_ = peer.Notify(7, protocol.MethodWebSocketConnected, nil)
		})

		return protocol.WebSocketConnectReply{ConnectionID: 7}, nil
	})

	endpoint.Handle(protocol.MethodWebSocketSend, func(_ context.Context, cmd *protocol.Command) (any, error) {
		var p protocol.WebSocketSendPayload
		if err := cmd.UnmarshalPayload(&p); err != nil {
			return nil, err
		}

		return nil, cmd.Peer().Notify(cmd.ID, protocol.MethodWebSocketReceived, protocol.WebSocketReceivedPayload{
			IsText: true,
			Data:   append([]byte("echo "), p.Data...),
		})
	})

	endpoint.Handle(protocol.MethodWebSocketClose, func(_ context.Context, cmd *protocol.Command) (any, error) {
		var p protocol.WebSocketClosePayload
		if err := cmd.UnmarshalPayload(&p); err != nil {
			return nil, err
		}

		return nil, cmd.Peer().Notify(cmd.ID, protocol.MethodWebSocketClosed, protocol.WebSocketClosedPayload{
			Code:  p.Code,
			Clean: true,
		})
	})

	clientConn, serverConn := protocol.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = endpoint.Serve(ctx, serverConn) }()

	client := protocol.NewClient(protocol.DefaultClientConfig(""))
	require.NoError(t, client.Attach(clientConn))

	t.Cleanup(func() {
		client.Close()
		cancel()
	})

	return client
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

func TestFetch(t *testing.T) {
	client := fakeService(t, true)

	target, err := url.Parse("http://example.com/items")
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer

	err = fetch(testContext(t), client, fetchOptions{
		method:  http.MethodPut,
		target:  target,
		headers: http.Header{"X-Echo": {"yes"}},
		body:    strings.NewReader("data"),
	}, &stdout, &stderr)
	require.NoError(t, err)

	assert.Equal(t, "PUT http://example.com/items data", stdout.String())
	assert.Equal(t, "201 Created\nX-Echo: yes\n", stderr.String())
}

func TestFetch_Failure(t *testing.T) {
	client := fakeService(t, false)

	target, err := url.Parse("http://example.com/")
	require.NoError(t, err)

	err = fetch(testContext(t), client, fetchOptions{method: http.MethodGet, target: target}, io.Discard, io.Discard)
	require.ErrorContains(t, err, "request failed")
}

func TestRelay(t *testing.T) {
	client := fakeService(t, true)

	target, err := url.Parse("ws://example.com/chat")
	require.NoError(t, err)

	var stdout bytes.Buffer

	err = relay(testContext(t), client, relayOptions{target: target}, strings.NewReader("one\ntwo\n"), &stdout)
	require.NoError(t, err)

	assert.Equal(t, "echo one\necho two\n", stdout.String())
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-X", "POST", "-H", "X-A: 1", "-H", "X-A: 2", "-d", "body", "fetch", "http://example.com"})
	require.NoError(t, err)

	assert.Equal(t, "fetch", opts.command)
	assert.Equal(t, http.MethodPost, opts.method)
	assert.Equal(t, []string{"1", "2"}, opts.headers.Values("X-A"))
	assert.Equal(t, "body", opts.data)
	assert.Equal(t, "example.com", opts.target.Host)
}

func TestParseFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing url", []string{"fetch"}},
		{"unknown command", []string{"get", "http://example.com"}},
		{"bad header", []string{"-H", "novalue", "fetch", "http://example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFlags(tt.args)
			require.Error(t, err)
		})
	}
}
