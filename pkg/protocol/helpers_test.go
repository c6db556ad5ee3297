package protocol_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

const waitTimeout = 2 * time.Second

// harness соединяет Client и Endpoint через Pipe. Все команды, полученные
// сервером, попадают в commands.
type harness struct {
	client   *protocol.Client
	endpoint *protocol.Endpoint
	server   protocol.Conn
	commands chan *protocol.Command

	wsID atomic.Int32
	ack  atomic.Bool
}

func newHarness(t *testing.T, opts ...func(*protocol.ClientConfig)) *harness {
	t.Helper()

	clientConn, serverConn := protocol.Pipe()

	h := &harness{
		endpoint: protocol.NewEndpoint(protocol.DefaultEndpointConfig()),
		server:   serverConn,
		commands: make(chan *protocol.Command, 128),
	}
	h.ack.Store(true)

	record := func(_ context.Context, cmd *protocol.Command) (any, error) {
		h.commands <- cmd
		return nil, nil
	}

	ack := func(_ context.Context, cmd *protocol.Command) (any, error) {
		h.commands <- cmd
		return protocol.AckReply{OK: h.ack.Load()}, nil
	}

	h.endpoint.Handle(protocol.MethodStartRequest, record)
	h.endpoint.Handle(protocol.MethodEnsureConnection, record)
	h.endpoint.Handle(protocol.MethodWebSocketSend, record)
	h.endpoint.Handle(protocol.MethodWebSocketClose, record)
	h.endpoint.Handle(protocol.MethodStopRequest, ack)
	h.endpoint.Handle(protocol.MethodSetCertificate, ack)
	h.endpoint.Handle(protocol.MethodWebSocketSetCertificate, ack)
	h.endpoint.Handle(protocol.MethodWebSocketConnect, func(_ context.Context, cmd *protocol.Command) (any, error) {
		h.commands <- cmd
		return protocol.WebSocketConnectReply{ConnectionID: protocol.OperationID(h.wsID.Load())}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.endpoint.Serve(ctx, serverConn) }()

	cfg := protocol.DefaultClientConfig("")
	for _, opt := range opts {
		opt(&cfg)
	}

	h.client = protocol.NewClient(cfg)
	require.NoError(t, h.client.Attach(clientConn))

	t.Cleanup(func() {
		h.client.Close()
		cancel()
	})

	return h
}

func (h *harness) nextCommand(t *testing.T) *protocol.Command {
	t.Helper()

	select {
	case cmd := <-h.commands:
		return cmd
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for command")
		return nil
	}
}

func (h *harness) notify(t *testing.T, id protocol.OperationID, method string, payload any) {
	t.Helper()
	h.notifyStream(t, id, method, payload, nil)
}

func (h *harness) notifyStream(
	t *testing.T,
	id protocol.OperationID,
	method string,
	payload any,
	stream io.ReadCloser,
) {
	t.Helper()

	f, err := protocol.NewNotification(id, method, payload)
	require.NoError(t, err)

	f.Stream = stream
	require.NoError(t, h.server.WriteFrame(f))
}

// barrier отправляет ensure_connection и ждёт его на сервере: все команды,
// отправленные раньше, к этому моменту уже записаны.
func (h *harness) barrier(t *testing.T) {
	t.Helper()

	require.NoError(t, h.client.EnsureConnection(context.Background(), mustURL(t, "http://barrier"), protocol.ResolveOnly))

	for {
		cmd := h.nextCommand(t)
		if cmd.Method == protocol.MethodEnsureConnection {
			return
		}
	}
}

func (h *harness) startRequest(t *testing.T) *protocol.Request {
	t.Helper()

	r, err := h.client.StartRequest(
		context.Background(),
		"GET",
		mustURL(t, "http://example.com/"),
		nil,
		nil,
		protocol.ProxyData{},
	)
	require.NoError(t, err)

	cmd := h.nextCommand(t)
	require.Equal(t, protocol.MethodStartRequest, cmd.Method)
	require.Equal(t, r.ID(), cmd.ID)

	return r
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()

	u, err := url.Parse(raw)
	require.NoError(t, err)

	return u
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for completion")
	}
}

func generateCertificate(t *testing.T, cn string) protocol.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	return protocol.Certificate{
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}
}
