package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

const certificateWaitTimeout = 30 * time.Second

type serviceConfig struct {
	UpstreamTimeout time.Duration
	RootCAs         *x509.CertPool // nil - системные корневые сертификаты
	Logger          *slog.Logger
}

// service выполняет команды клиентов. Состояние каждого клиента хранится в
// своей сессии: id запросов выдаёт клиент, id websocket - сервис.
type service struct {
	cfg    serviceConfig
	logger *slog.Logger

	mu         sync.Mutex
	sessions   map[*protocol.Peer]*session
	transports map[string]*http.Transport
}

type session struct {
	peer *protocol.Peer

	mu       sync.Mutex
	requests map[protocol.OperationID]*upstreamRequest
	sockets  map[protocol.OperationID]*upstreamSocket
	nextID   protocol.OperationID
}

func newService(cfg serviceConfig) *service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &service{
		cfg:        cfg,
		logger:     cfg.Logger,
		sessions:   make(map[*protocol.Peer]*session),
		transports: make(map[string]*http.Transport),
	}
}

func (s *service) register(e *protocol.Endpoint) {
	e.Handle(protocol.MethodStartRequest, s.startRequest)
	e.Handle(protocol.MethodStopRequest, s.stopRequest)
	e.Handle(protocol.MethodSetCertificate, s.setCertificate)
	e.Handle(protocol.MethodEnsureConnection, s.ensureConnection)
	e.Handle(protocol.MethodWebSocketConnect, s.websocketConnect)
	e.Handle(protocol.MethodWebSocketSend, s.websocketSend)
	e.Handle(protocol.MethodWebSocketClose, s.websocketClose)
	e.Handle(protocol.MethodWebSocketSetCertificate, s.websocketSetCertificate)
}

func (s *service) session(peer *protocol.Peer) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[peer]; ok {
		return sess
	}

	sess := &session{
		peer:     peer,
		requests: make(map[protocol.OperationID]*upstreamRequest),
		sockets:  make(map[protocol.OperationID]*upstreamSocket),
	}
	s.sessions[peer] = sess

	go func() {
		<-peer.Done()
		s.dropSession(peer)
	}()

	return sess
}

// При отключении клиента всё, что он запустил, останавливается
func (s *service) dropSession(peer *protocol.Peer) {
	s.mu.Lock()
	sess, ok := s.sessions[peer]
	delete(s.sessions, peer)
	s.mu.Unlock()

	if !ok {
		return
	}

	sess.mu.Lock()
	requests := sess.requests
	sockets := sess.sockets
	sess.requests = make(map[protocol.OperationID]*upstreamRequest)
	sess.sockets = make(map[protocol.OperationID]*upstreamSocket)
	sess.mu.Unlock()

	if len(requests) > 0 || len(sockets) > 0 {
		s.logger.Info("client gone, stopping operations",
			"requests", len(requests),
			"websockets", len(sockets),
		)
	}

	for _, r := range requests {
		r.cancel()
	}

	for _, ws := range sockets {
		ws.shutdown()
	}
}

func (s *session) request(id protocol.OperationID) (*upstreamRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	return r, ok
}

func (s *session) socket(id protocol.OperationID) (*upstreamSocket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.sockets[id]
	return ws, ok
}

func (s *session) allocateSocketID() protocol.OperationID {
	for {
		id := s.nextID
		if s.nextID == math.MaxInt32 {
			s.nextID = 0
		} else {
			s.nextID++
		}

		if _, ok := s.sockets[id]; !ok {
			return id
		}
	}
}

// transport возвращает общий транспорт для прокси. Клиентский сертификат
// берётся из контекста рукопожатия.
func (s *service) transport(p protocol.ProxyData) (*http.Transport, error) {
	key := string(protocol.ProxyDirect)
	if p.Type == protocol.ProxySOCKS5 {
		key = "socks5://" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.transports[key]; ok {
		return t, nil
	}

	t := &http.Transport{
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       s.tlsConfig(),
	}

	if p.Type == protocol.ProxySOCKS5 {
		d, err := proxy.SOCKS5("tcp", net.JoinHostPort(p.Host, strconv.Itoa(p.Port)), nil, proxy.Direct)
		if err != nil {
			return nil, err
		}

		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errUnsupportedProxy
		}

		t.DialContext = cd.DialContext
	} else {
		t.Proxy = nil
		t.DialContext = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	}

	s.transports[key] = t

	return t, nil
}

func (s *service) tlsConfig() *tls.Config {
	return &tls.Config{
		RootCAs:              s.cfg.RootCAs,
		GetClientCertificate: getClientCertificate,
	}
}

func (s *service) close() {
	s.mu.Lock()
	peers := make([]*protocol.Peer, 0, len(s.sessions))
	for p := range s.sessions {
		peers = append(peers, p)
	}
	transports := s.transports
	s.transports = make(map[string]*http.Transport)
	s.mu.Unlock()

	for _, p := range peers {
		s.dropSession(p)
	}

	for _, t := range transports {
		t.CloseIdleConnections()
	}
}

func (s *service) ensureConnection(ctx context.Context, cmd *protocol.Command) (any, error) {
	var p protocol.EnsureConnectionPayload
	if err := cmd.UnmarshalPayload(&p); err != nil {
		return nil, err
	}

	cmd.AfterReply(func() {
		s.warmUp(p)
	})

	return nil, nil
}

func (s *service) warmUp(p protocol.EnsureConnectionPayload) {
	u, err := parseHTTPURL(p.URL)
	if err != nil {
		s.logger.Debug("ignoring connection hint", "url", p.URL, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if p.CacheLevel == protocol.ResolveOnly {
		if _, err := net.DefaultResolver.LookupHost(ctx, u.Hostname()); err != nil {
			s.logger.Debug("resolve failed", "host", u.Hostname(), "error", err)
		}

		return
	}

	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", hostPort(u))
	if err != nil {
		s.logger.Debug("preconnect failed", "host", u.Host, "error", err)
		return
	}

	conn.Close()
}
