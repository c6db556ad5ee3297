package protocol_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

// streamingEndpoint отвечает на start_request телом из newBody.
func streamingEndpoint(newBody func() io.ReadCloser) *protocol.Endpoint {
	endpoint := protocol.NewEndpoint(protocol.DefaultEndpointConfig())

	endpoint.Handle(protocol.MethodStartRequest, func(_ context.Context, cmd *protocol.Command) (any, error) {
		peer := cmd.Peer()
		id := cmd.ID

		cmd.AfterReply(func() {
			status := uint32(http.StatusOK)

			_ = peer.NotifyStream(id, protocol.MethodRequestStarted, nil, newBody())
			_ = peer.Notify(id, protocol.MethodHeadersBecameAvailable, protocol.HeadersPayload{
				Headers:    http.Header{"Content-Type": {"application/octet-stream"}},
				StatusCode: &status,
			})
			_ = peer.Notify(id, protocol.MethodRequestFinished, protocol.RequestFinishedPayload{Success: true})
		})

		return nil, nil
	})

	endpoint.Handle(protocol.MethodStopRequest, func(context.Context, *protocol.Command) (any, error) {
		return protocol.AckReply{OK: true}, nil
	})

	return endpoint
}

func connectWebSocketClient(t *testing.T, endpoint *protocol.Endpoint) *protocol.Client {
	t.Helper()

	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/requests"

	client := protocol.NewClient(protocol.DefaultClientConfig(wsURL))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Close() })

	return client
}

func TestWebSocketTransport_StreamsBody(t *testing.T) {
	payload := strings.Repeat("0123456789abcdef", 8*1024)

	client := connectWebSocketClient(t, streamingEndpoint(func() io.ReadCloser {
		return io.NopCloser(strings.NewReader(payload))
	}))

	r, err := client.StartRequest(context.Background(), "GET", mustURL(t, "http://origin/large"), nil, nil, protocol.ProxyData{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	body, err := r.WaitBody(ctx)
	require.NoError(t, err)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, len(payload), len(data))
	assert.Equal(t, payload, string(data))

	result, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "application/octet-stream", r.Headers().Get("Content-Type"))
}

func TestWebSocketTransport_StreamErrorReachesReader(t *testing.T) {
	client := connectWebSocketClient(t, streamingEndpoint(func() io.ReadCloser {
		return io.NopCloser(io.MultiReader(
			strings.NewReader("abc"),
			iotest.ErrReader(errors.New("upstream reset")),
		))
	}))

	r, err := client.StartRequest(context.Background(), "GET", mustURL(t, "http://origin/"), nil, nil, protocol.ProxyData{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	body, err := r.WaitBody(ctx)
	require.NoError(t, err)

	data, err := io.ReadAll(body)
	require.ErrorContains(t, err, "upstream reset")
	assert.Equal(t, "abc", string(data))
}

func TestWebSocketTransport_CallRoundTrip(t *testing.T) {
	endpoint := protocol.NewEndpoint(protocol.DefaultEndpointConfig())
	endpoint.Handle(protocol.MethodStartRequest, func(context.Context, *protocol.Command) (any, error) {
		return nil, nil
	})
	endpoint.Handle(protocol.MethodStopRequest, func(_ context.Context, cmd *protocol.Command) (any, error) {
		peer := cmd.Peer()
		id := cmd.ID

		cmd.AfterReply(func() {
			_ = peer.Notify(id, protocol.MethodRequestFinished, protocol.RequestFinishedPayload{})
		})

		return protocol.AckReply{OK: true}, nil
	})

	client := connectWebSocketClient(t, endpoint)

	r, err := client.StartRequest(context.Background(), "GET", mustURL(t, "http://origin/"), nil, nil, protocol.ProxyData{})
	require.NoError(t, err)

	ok, err := r.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	waitDone(t, r.Done())
	assert.False(t, r.Result().Success)
}

func TestWebSocketTransport_UnknownCommand(t *testing.T) {
	client := connectWebSocketClient(t, protocol.NewEndpoint(protocol.DefaultEndpointConfig()))

	_, err := client.WebSocketConnect(context.Background(), mustURL(t, "ws://origin/"), "", nil, nil, nil)
	require.ErrorIs(t, err, protocol.ErrServiceError)
	assert.Contains(t, err.Error(), protocol.ErrCommandNotFound.Error())
}

func TestWebSocketTransport_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := protocol.NewClient(protocol.DefaultClientConfig("ws" + strings.TrimPrefix(srv.URL, "http")))
	require.Error(t, client.Connect(context.Background()))
}

func TestDial_UnsupportedScheme(t *testing.T) {
	_, err := protocol.Dial(context.Background(), "tcp://localhost:1")
	require.Error(t, err)
}
