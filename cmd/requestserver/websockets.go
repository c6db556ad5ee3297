package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

const closeGracePeriod = 5 * time.Second

type upstreamSocket struct {
	id     protocol.OperationID
	cancel context.CancelFunc
	certs  *certSlot

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	writeMu sync.Mutex
}

func (ws *upstreamSocket) current() *websocket.Conn {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn
}

func (ws *upstreamSocket) shutdown() {
	ws.cancel()

	ws.mu.Lock()
	ws.closing = true
	conn := ws.conn
	ws.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (ws *upstreamSocket) isClosing() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closing
}

func (s *service) websocketConnect(ctx context.Context, cmd *protocol.Command) (any, error) {
	var p protocol.WebSocketConnectPayload
	if err := cmd.UnmarshalPayload(&p); err != nil {
		return nil, err
	}

	u, err := parseHTTPURL(p.URL)
	if err != nil {
		s.logger.Warn("rejecting websocket", "url", p.URL, "error", err)
		return protocol.WebSocketConnectReply{ConnectionID: -1}, nil
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	peer := cmd.Peer()
	sess := s.session(peer)

	dialCtx, cancel := context.WithCancel(context.Background())
	ws := &upstreamSocket{cancel: cancel, certs: newCertSlot()}

	sess.mu.Lock()
	ws.id = sess.allocateSocketID()
	sess.sockets[ws.id] = ws
	sess.mu.Unlock()

	dialCtx = withCertRequest(dialCtx, &certRequest{
		peer:    peer,
		id:      ws.id,
		method:  protocol.MethodWebSocketCertificateRequested,
		slot:    ws.certs,
		timeout: certificateWaitTimeout,
	})

	header := http.Header{}
	for name, values := range p.Headers {
		for _, v := range values {
			header.Add(name, v)
		}
	}

	if p.Origin != "" {
		header.Set("Origin", p.Origin)
	}

	dialer := &websocket.Dialer{
		Proxy:             nil,
		HandshakeTimeout:  30 * time.Second,
		Subprotocols:      p.Protocols,
		EnableCompression: slices.Contains(p.Extensions, "permessage-deflate"),
		TLSClientConfig:   s.tlsConfig(),
	}

	cmd.AfterReply(func() {
		s.runSocket(dialCtx, sess, ws, dialer, u.String(), header)
	})

	return protocol.WebSocketConnectReply{ConnectionID: ws.id}, nil
}

// runSocket открывает upstream соединение и пересылает входящие сообщения,
// пока одна из сторон его не закроет.
func (s *service) runSocket(
	ctx context.Context,
	sess *session,
	ws *upstreamSocket,
	dialer *websocket.Dialer,
	target string,
	header http.Header,
) {
	peer := sess.peer
	logger := s.logger.With("websocket", ws.id, "url", target)

	defer func() {
		ws.shutdown()

		sess.mu.Lock()
		if sess.sockets[ws.id] == ws {
			delete(sess.sockets, ws.id)
		}
		sess.mu.Unlock()
	}()

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil && ws.isClosing() {
		if resp != nil {
			resp.Body.Close()
		}

		_ = peer.Notify(ws.id, protocol.MethodWebSocketClosed, protocol.WebSocketClosedPayload{
			Code: websocket.CloseAbnormalClosure,
		})

		return
	}

	if err != nil {
		code := protocol.CouldNotEstablishConnection
		if resp != nil {
			code = protocol.ConnectionUpgradeFailed
			resp.Body.Close()
		}

		logger.Info("websocket dial failed", "code", code.String(), "error", err)
		_ = peer.Notify(ws.id, protocol.MethodWebSocketErrored, protocol.WebSocketErroredPayload{Code: code})

		return
	}

	ws.mu.Lock()
	if ws.closing {
		ws.mu.Unlock()
		conn.Close()

		_ = peer.Notify(ws.id, protocol.MethodWebSocketClosed, protocol.WebSocketClosedPayload{
			Code: websocket.CloseAbnormalClosure,
		})

		return
	}
	ws.conn = conn
	ws.mu.Unlock()

	if err := peer.Notify(ws.id, protocol.MethodWebSocketConnected, nil); err != nil {
		s.notifyFailed(peer, ws, err, logger)
		return
	}

	logger.Debug("websocket connected", "subprotocol", conn.Subprotocol())

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.socketEnded(peer, ws, err, logger)
			return
		}

		if err := peer.Notify(ws.id, protocol.MethodWebSocketReceived, protocol.WebSocketReceivedPayload{
			IsText: mt == websocket.TextMessage,
			Data:   data,
		}); err != nil {
			s.notifyFailed(peer, ws, err, logger)
			return
		}
	}
}

// Уведомление не прошло транспорт, но канал жив: клиент должен получить
// завершение сокета. Upstream закрывается отложенным shutdown.
func (s *service) notifyFailed(peer *protocol.Peer, ws *upstreamSocket, err error, logger *slog.Logger) {
	if errors.Is(err, protocol.ErrConnectionClosed) {
		return
	}

	logger.Warn("failed to deliver websocket notification", "error", err)

	_ = peer.Notify(ws.id, protocol.MethodWebSocketErrored, protocol.WebSocketErroredPayload{
		Code: protocol.ServerClosedSocket,
	})
}

func (s *service) socketEnded(peer *protocol.Peer, ws *upstreamSocket, err error, logger *slog.Logger) {
	var ce *websocket.CloseError

	switch {
	case errors.As(err, &ce):
		logger.Debug("websocket closed", "code", ce.Code, "reason", ce.Text)
		_ = peer.Notify(ws.id, protocol.MethodWebSocketClosed, protocol.WebSocketClosedPayload{
			Code:   uint16(ce.Code),
			Reason: ce.Text,
			Clean:  ce.Code != websocket.CloseAbnormalClosure,
		})
	case ws.isClosing():
		_ = peer.Notify(ws.id, protocol.MethodWebSocketClosed, protocol.WebSocketClosedPayload{
			Code:  websocket.CloseAbnormalClosure,
			Clean: false,
		})
	default:
		logger.Debug("websocket dropped", "error", err)
		_ = peer.Notify(ws.id, protocol.MethodWebSocketErrored, protocol.WebSocketErroredPayload{
			Code: protocol.ServerClosedSocket,
		})
	}
}

func (s *service) websocketSend(ctx context.Context, cmd *protocol.Command) (any, error) {
	var p protocol.WebSocketSendPayload
	if err := cmd.UnmarshalPayload(&p); err != nil {
		return nil, err
	}

	ws, ok := s.session(cmd.Peer()).socket(cmd.ID)
	if !ok {
		return nil, fmt.Errorf("websocket %d not found", cmd.ID)
	}

	conn := ws.current()
	if conn == nil {
		return nil, fmt.Errorf("websocket %d not open", cmd.ID)
	}

	mt := websocket.BinaryMessage
	if p.IsText {
		mt = websocket.TextMessage
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	return nil, conn.WriteMessage(mt, p.Data)
}

func (s *service) websocketClose(ctx context.Context, cmd *protocol.Command) (any, error) {
	var p protocol.WebSocketClosePayload
	if err := cmd.UnmarshalPayload(&p); err != nil {
		return nil, err
	}

	ws, ok := s.session(cmd.Peer()).socket(cmd.ID)
	if !ok {
		return nil, fmt.Errorf("websocket %d not found", cmd.ID)
	}

	ws.mu.Lock()
	ws.closing = true
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		// Ещё подключается: отменяем набор, клиент получит closed из runSocket
		ws.cancel()
		return nil, nil
	}

	code := int(p.Code)
	if code == 0 {
		code = websocket.CloseNormalClosure
	}

	ws.writeMu.Lock()
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, p.Reason),
		time.Now().Add(time.Second),
	)
	ws.writeMu.Unlock()

	// Если сервер не ответит на close, чтение завершится по дедлайну
	_ = conn.SetReadDeadline(time.Now().Add(closeGracePeriod))

	return nil, err
}

func (s *service) websocketSetCertificate(ctx context.Context, cmd *protocol.Command) (any, error) {
	cert, err := parseCertificate(cmd)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate: %w", err)
	}

	ws, ok := s.session(cmd.Peer()).socket(cmd.ID)
	if !ok {
		return protocol.AckReply{OK: false}, nil
	}

	ws.certs.offer(cert)

	return protocol.AckReply{OK: true}, nil
}
