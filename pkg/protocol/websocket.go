package protocol

import (
	"context"
	"net/url"
	"sync"
)

type WebSocketState int

const (
	WebSocketConnecting WebSocketState = iota
	WebSocketOpen
	WebSocketClosed
	WebSocketErrored
)

func (s WebSocketState) String() string {
	switch s {
	case WebSocketConnecting:
		return "connecting"
	case WebSocketOpen:
		return "open"
	case WebSocketClosed:
		return "closed"
	case WebSocketErrored:
		return "errored"
	default:
		return "unknown"
	}
}

func (s WebSocketState) terminal() bool {
	return s == WebSocketClosed || s == WebSocketErrored
}

type WebSocketError int32

const (
	CouldNotEstablishConnection WebSocketError = iota
	ConnectionUpgradeFailed
	ServerClosedSocket
	// Выставляется локально при потере соединения с сервисом
	ChannelLost
)

func (e WebSocketError) String() string {
	switch e {
	case CouldNotEstablishConnection:
		return "could not establish connection"
	case ConnectionUpgradeFailed:
		return "connection upgrade failed"
	case ServerClosedSocket:
		return "server closed socket"
	case ChannelLost:
		return "channel to request service lost"
	default:
		return "unknown websocket error"
	}
}

type Message struct {
	Data   []byte
	IsText bool
}

type CloseInfo struct {
	Code   uint16
	Reason string
	Clean  bool
}

// WebSocketObserver подключается в WebSocketConnect до регистрации id, так
// что websocket_connected и первые сообщения не теряются.
type WebSocketObserver struct {
	OnOpen                 func()
	OnMessage              func(Message)
	OnError                func(WebSocketError)
	OnClose                func(CloseInfo)
	OnCertificateRequested func() *Certificate
}

// WebSocket - клиентский обработчик websocket соединения, которое держит
// сервис.
type WebSocket struct {
	client *Client
	id     OperationID
	url    *url.URL

	mu        sync.Mutex
	state     WebSocketState
	closeInfo CloseInfo
	errCode   WebSocketError

	onOpen                 func()
	onMessage              func(Message)
	onError                func(WebSocketError)
	onClose                func(CloseInfo)
	onCertificateRequested func() *Certificate

	done chan struct{}
}

func newWebSocket(c *Client, id OperationID, u *url.URL) *WebSocket {
	return &WebSocket{
		client: c,
		id:     id,
		url:    u,
		state:  WebSocketConnecting,
		done:   make(chan struct{}),
	}
}

func (ws *WebSocket) ID() OperationID {
	return ws.id
}

func (ws *WebSocket) URL() *url.URL {
	return ws.url
}

func (ws *WebSocket) State() WebSocketState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WebSocket) CloseInfo() CloseInfo {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closeInfo
}

func (ws *WebSocket) ErrorCode() WebSocketError {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.errCode
}

func (ws *WebSocket) observe(o WebSocketObserver) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if o.OnOpen != nil {
		ws.onOpen = o.OnOpen
	}

	if o.OnMessage != nil {
		ws.onMessage = o.OnMessage
	}

	if o.OnError != nil {
		ws.onError = o.OnError
	}

	if o.OnClose != nil {
		ws.onClose = o.OnClose
	}

	if o.OnCertificateRequested != nil {
		ws.onCertificateRequested = o.OnCertificateRequested
	}
}

// On* заменяют наблюдателя на ходу и не видят уже обработанных уведомлений.
func (ws *WebSocket) OnOpen(fn func()) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.onOpen = fn
}

func (ws *WebSocket) OnMessage(fn func(Message)) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.onMessage = fn
}

func (ws *WebSocket) OnError(fn func(WebSocketError)) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.onError = fn
}

func (ws *WebSocket) OnClose(fn func(CloseInfo)) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.onClose = fn
}

func (ws *WebSocket) OnCertificateRequested(fn func() *Certificate) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.onCertificateRequested = fn
}

func (ws *WebSocket) Send(data []byte) error {
	if ws.State() != WebSocketOpen {
		return ErrWebSocketNotOpen
	}

	return ws.client.sendWebSocket(ws, false, data)
}

func (ws *WebSocket) SendText(text string) error {
	if ws.State() != WebSocketOpen {
		return ErrWebSocketNotOpen
	}

	return ws.client.sendWebSocket(ws, true, []byte(text))
}

// Close просит сервис закрыть соединение. Состояние станет WebSocketClosed
// после websocket_closed.
func (ws *WebSocket) Close(code uint16, reason string) error {
	return ws.client.closeWebSocket(ws, code, reason)
}

func (ws *WebSocket) SetCertificate(ctx context.Context, cert Certificate) (bool, error) {
	return ws.client.setWebSocketCertificate(ctx, ws, cert)
}

func (ws *WebSocket) Done() <-chan struct{} {
	return ws.done
}

func (ws *WebSocket) Wait(ctx context.Context) (WebSocketState, error) {
	select {
	case <-ws.done:
		return ws.State(), nil
	case <-ctx.Done():
		return ws.State(), ctx.Err()
	}
}

func (ws *WebSocket) didOpen() {
	ws.mu.Lock()
	if ws.state != WebSocketConnecting {
		ws.mu.Unlock()
		return
	}

	ws.state = WebSocketOpen
	fn := ws.onOpen
	ws.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (ws *WebSocket) didReceive(msg Message) {
	ws.mu.Lock()
	if ws.state != WebSocketOpen {
		ws.mu.Unlock()
		return
	}

	fn := ws.onMessage
	ws.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

func (ws *WebSocket) didError(code WebSocketError) {
	ws.mu.Lock()
	if ws.state.terminal() {
		ws.mu.Unlock()
		return
	}

	ws.state = WebSocketErrored
	ws.errCode = code
	fn := ws.onError
	ws.mu.Unlock()

	close(ws.done)

	if fn != nil {
		fn(code)
	}
}

func (ws *WebSocket) didClose(info CloseInfo) {
	ws.mu.Lock()
	if ws.state.terminal() {
		ws.mu.Unlock()
		return
	}

	ws.state = WebSocketClosed
	ws.closeInfo = info
	fn := ws.onClose
	ws.mu.Unlock()

	close(ws.done)

	if fn != nil {
		fn(info)
	}
}

func (ws *WebSocket) didRequestCertificate() {
	ws.mu.Lock()
	if ws.state.terminal() {
		ws.mu.Unlock()
		return
	}

	fn := ws.onCertificateRequested
	ws.mu.Unlock()

	if fn == nil {
		return
	}

	cert := fn()
	if cert == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.client.cfg.CallTimeout)
	defer cancel()

	ok, err := ws.client.setWebSocketCertificate(ctx, ws, *cert)
	if err != nil || !ok {
		ws.client.logger.Warn("failed to answer websocket certificate request",
			"id", ws.id,
			"accepted", ok,
			"error", err,
		)
	}
}
