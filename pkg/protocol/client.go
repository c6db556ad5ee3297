package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/time/rate"
)

type ClientConfig struct {
	URL             string
	CallTimeout     time.Duration
	MaxBodySize     int64
	PreconnectRate  rate.Limit
	PreconnectBurst int
	Logger          *slog.Logger
}

func DefaultClientConfig(serviceURL string) ClientConfig {
	return ClientConfig{
		URL:             serviceURL,
		CallTimeout:     30 * time.Second,
		MaxBodySize:     64 << 20,
		PreconnectRate:  10,
		PreconnectBurst: 20,
		Logger:          slog.Default(),
	}
}

type callResult struct {
	frame *Frame
	err   error
}

type pendingCall struct {
	resultCh chan callResult
	// Вызывается в горутине чтения до чтения следующего кадра
	onReply func(*Frame)
}

type event struct {
	frame *Frame
	lost  error
}

type Stats struct {
	LiveRequests         int
	LiveWebSockets       int
	RequestsStarted      uint64
	WebSocketsOpened     uint64
	Notifications        uint64
	UnknownNotifications uint64
}

// Client мультиплексирует запросы и websocket соединения поверх одного Conn.
//
// Ответы на синхронные вызовы разбирает горутина чтения, уведомления по
// порядку обрабатывает отдельная горутина, и только в ней вызываются
// наблюдатели. Из наблюдателей можно вызывать методы Client.
type Client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	session string

	conn   Conn
	connMu sync.RWMutex

	idMu          sync.Mutex
	nextRequestID OperationID
	nextSeq       atomic.Uint64

	pending map[uint64]*pendingCall
	pendMu  sync.Mutex

	requests   *registry[*Request]
	websockets *registry[*WebSocket]

	events  *queue[event]
	limiter *rate.Limiter

	done      chan struct{}
	doneOnce  sync.Once
	closed    bool
	closedMu  sync.RWMutex
	closeOnce sync.Once

	requestsStarted  atomic.Uint64
	websocketsOpened atomic.Uint64
	notifications    atomic.Uint64
	unknown          atomic.Uint64
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	if cfg.PreconnectRate == 0 {
		cfg.PreconnectRate = rate.Inf
	}

	session := uuid.NewString()

	return &Client{
		cfg:        cfg,
		logger:     cfg.Logger.With("session", session),
		session:    session,
		pending:    make(map[uint64]*pendingCall),
		requests:   newRegistry[*Request](),
		websockets: newRegistry[*WebSocket](),
		events:     newQueue[event](),
		limiter:    rate.NewLimiter(cfg.PreconnectRate, cfg.PreconnectBurst),
		done:       make(chan struct{}),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("connecting to request service", slog.String("url", c.cfg.URL))

	conn, err := Dial(ctx, c.cfg.URL)
	if err != nil {
		return err
	}

	if err := c.Attach(conn); err != nil {
		conn.Close()
		return err
	}

	c.logger.Info("connected to request service", "url", c.cfg.URL)

	return nil
}

// Attach начинает обслуживать готовый Conn. Клиент обслуживает не больше
// одного Conn за жизнь.
func (c *Client) Attach(conn Conn) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}

	c.connMu.Lock()
	if c.conn != nil {
		c.connMu.Unlock()
		return errors.New("client already attached")
	}
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn)
	go c.dispatchLoop()

	return nil
}

func (c *Client) Session() string {
	return c.session
}

func (c *Client) readLoop(conn Conn) {
	defer func() {
		c.closedMu.Lock()
		c.closed = true
		c.closedMu.Unlock()

		c.pendMu.Lock()
		for _, pc := range c.pending {
			pc.resultCh <- callResult{err: ErrConnectionClosed}
		}

		c.pending = make(map[uint64]*pendingCall)
		c.pendMu.Unlock()

		c.events.push(event{lost: ErrConnectionClosed})
		c.events.close()
	}()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrInvalidWireMessage) {
				c.logger.Error("failed to decode frame", "error", err)
				continue
			}

			if !c.IsClosed() {
				c.logger.Error("read error", "error", err)
			}

			return
		}

		switch f.Type {
		case FrameReply:
			c.deliverReply(f)
		case FrameNotification:
			c.events.push(event{frame: f})
		default:
			c.logger.Warn("unexpected frame", "type", f.Type.String(), "method", f.Method)
			closeStream(f)
		}
	}
}

func (c *Client) deliverReply(f *Frame) {
	c.pendMu.Lock()
	pc, ok := c.pending[f.Seq]
	if ok {
		delete(c.pending, f.Seq)
	}
	c.pendMu.Unlock()

	if !ok {
		c.logger.Warn("received reply for unknown call", "seq", f.Seq, "method", f.Method)
		c.abandonReply(f)

		return
	}

	if pc.onReply != nil {
		pc.onReply(f)
	}

	pc.resultCh <- callResult{frame: f}
}

// Закрываем websocket, который сервис открыл для уже не ждущего вызова
func (c *Client) abandonReply(f *Frame) {
	if f.Method != MethodWebSocketConnect || f.Error != "" {
		return
	}

	var reply WebSocketConnectReply
	if err := f.UnmarshalPayload(&reply); err != nil || reply.ConnectionID < 0 {
		return
	}

	cmd, err := NewCommand(reply.ConnectionID, MethodWebSocketClose, WebSocketClosePayload{
		Code:   1000,
		Reason: "abandoned",
	})
	if err != nil {
		return
	}

	if err := c.send(cmd); err != nil {
		c.logger.Debug("failed to close abandoned websocket", "id", reply.ConnectionID, "error", err)
	}
}

func (c *Client) dispatchLoop() {
	defer c.doneOnce.Do(func() { close(c.done) })

	for {
		ev, ok := c.events.pop()
		if !ok {
			return
		}

		if ev.lost != nil {
			c.failAll(ev.lost)
			continue
		}

		c.dispatch(ev.frame)
	}
}

func (c *Client) dispatch(f *Frame) {
	c.notifications.Add(1)

	switch f.Method {
	case MethodRequestStarted:
		c.requestStarted(f)
	case MethodRequestProgress:
		c.requestProgress(f)
	case MethodHeadersBecameAvailable:
		c.headersBecameAvailable(f)
	case MethodCertificateRequested:
		c.certificateRequested(f)
	case MethodRequestFinished:
		c.requestFinished(f)
	case MethodWebSocketConnected:
		c.websocketConnected(f)
	case MethodWebSocketReceived:
		c.websocketReceived(f)
	case MethodWebSocketErrored:
		c.websocketErrored(f)
	case MethodWebSocketClosed:
		c.websocketClosed(f)
	case MethodWebSocketCertificateRequested:
		c.websocketCertificateRequested(f)
	default:
		c.logger.Warn("unknown notification", "method", f.Method, "id", f.ID)
		closeStream(f)
	}
}

func (c *Client) unknownOperation(f *Frame) {
	c.unknown.Add(1)
	c.logger.Warn("notification for unknown operation", "method", f.Method, "id", f.ID)
}

func (c *Client) malformed(f *Frame, err error) {
	c.logger.Warn("malformed notification", "method", f.Method, "id", f.ID, "error", err)
}

func (c *Client) requestStarted(f *Frame) {
	r, ok := c.requests.get(f.ID)
	if !ok {
		c.unknownOperation(f)
		closeStream(f)

		return
	}

	r.didStart(f.Stream)
}

func (c *Client) requestProgress(f *Frame) {
	r, ok := c.requests.get(f.ID)
	if !ok {
		c.unknownOperation(f)
		return
	}

	var p RequestProgressPayload
	if err := f.UnmarshalPayload(&p); err != nil {
		c.malformed(f, err)
		return
	}

	r.didProgress(p.TotalSize, p.DownloadedSize)
}

func (c *Client) headersBecameAvailable(f *Frame) {
	r, ok := c.requests.get(f.ID)
	if !ok {
		c.unknownOperation(f)
		return
	}

	var p HeadersPayload
	if err := f.UnmarshalPayload(&p); err != nil {
		c.logger.Warn("error while receiving headers", "id", f.ID, "error", err)
		return
	}

	headers, err := cloneHeaders(p.Headers)
	if err != nil {
		c.logger.Warn("error while receiving headers", "id", f.ID, "error", err)
		return
	}

	r.didReceiveHeaders(headers, p.StatusCode)
}

func (c *Client) certificateRequested(f *Frame) {
	r, ok := c.requests.get(f.ID)
	if !ok {
		c.unknownOperation(f)
		return
	}

	r.didRequestCertificate()
}

// id удаляется независимо от того, найден ли обработчик
func (c *Client) requestFinished(f *Frame) {
	r, ok := c.requests.remove(f.ID)

	var p RequestFinishedPayload
	if err := f.UnmarshalPayload(&p); err != nil {
		c.malformed(f, err)
	}

	if !ok {
		c.unknownOperation(f)
		return
	}

	r.didFinish(p.Success, p.TotalSize)
}

func (c *Client) websocketConnected(f *Frame) {
	ws, ok := c.websockets.get(f.ID)
	if !ok {
		c.unknownOperation(f)
		return
	}

	ws.didOpen()
}

func (c *Client) websocketReceived(f *Frame) {
	ws, ok := c.websockets.get(f.ID)
	if !ok {
		c.unknownOperation(f)
		return
	}

	var p WebSocketReceivedPayload
	if err := f.UnmarshalPayload(&p); err != nil {
		c.malformed(f, err)
		return
	}

	ws.didReceive(Message{Data: p.Data, IsText: p.IsText})
}

func (c *Client) websocketErrored(f *Frame) {
	ws, ok := c.websockets.remove(f.ID)
	if !ok {
		c.unknownOperation(f)
		return
	}

	var p WebSocketErroredPayload
	if err := f.UnmarshalPayload(&p); err != nil {
		c.malformed(f, err)
	}

	ws.didError(p.Code)
}

func (c *Client) websocketClosed(f *Frame) {
	ws, ok := c.websockets.remove(f.ID)
	if !ok {
		c.unknownOperation(f)
		return
	}

	var p WebSocketClosedPayload
	if err := f.UnmarshalPayload(&p); err != nil {
		c.malformed(f, err)
	}

	ws.didClose(CloseInfo{Code: p.Code, Reason: p.Reason, Clean: p.Clean})
}

func (c *Client) websocketCertificateRequested(f *Frame) {
	ws, ok := c.websockets.get(f.ID)
	if !ok {
		c.unknownOperation(f)
		return
	}

	ws.didRequestCertificate()
}

func (c *Client) failAll(err error) {
	requests := c.requests.drain()
	websockets := c.websockets.drain()

	if len(requests) > 0 || len(websockets) > 0 {
		c.logger.Warn("connection lost, failing live operations",
			"requests", len(requests),
			"websockets", len(websockets),
		)
	}

	for _, r := range requests {
		r.didFail(err)
	}

	for _, ws := range websockets {
		ws.didError(ChannelLost)
	}
}

// StartRequest запускает запрос в сервисе. Заголовки и тело копируются до
// отправки; при ошибке копирования или слишком большом для транспорта кадре
// возвращается ErrSetupFailed, и ничего не регистрируется и не отправляется.
// Наблюдатели из observers подключаются до отправки.
func (c *Client) StartRequest(
	ctx context.Context,
	method string,
	u *url.URL,
	headers http.Header,
	body io.Reader,
	proxy ProxyData,
	observers ...RequestObserver,
) (*Request, error) {
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}

	if u == nil {
		return nil, fmt.Errorf("%w: missing url", ErrSetupFailed)
	}

	hdrs, err := cloneHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	data, err := c.readBody(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	if proxy.Type == "" {
		proxy.Type = ProxyDirect
	}

	f, err := NewCommand(0, MethodStartRequest, StartRequestPayload{
		Method:  method,
		URL:     u.String(),
		Headers: hdrs,
		Body:    data,
		Proxy:   proxy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	id := c.allocateRequestID()
	r := newRequest(c, id)

	for _, o := range observers {
		r.observe(o)
	}

	// Регистрируем до отправки, иначе быстрый request_started не найдёт запрос
	c.requests.add(id, r)
	f.ID = id

	if err := c.send(f); err != nil {
		c.requests.remove(id)

		if errors.Is(err, ErrFrameTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
		}

		return nil, fmt.Errorf("failed to start request: %w", err)
	}

	c.requestsStarted.Add(1)
	c.logger.Debug("request started", "id", id, "method", method, "url", u.Redacted())

	return r, nil
}

func (c *Client) allocateRequestID() OperationID {
	c.idMu.Lock()
	defer c.idMu.Unlock()

	for {
		id := c.nextRequestID
		if c.nextRequestID == math.MaxInt32 {
			c.nextRequestID = 0
		} else {
			c.nextRequestID++
		}

		if !c.requests.contains(id) {
			return id
		}
	}
}

func (c *Client) readBody(ctx context.Context, body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := body
	if c.cfg.MaxBodySize > 0 {
		r = io.LimitReader(body, c.cfg.MaxBodySize+1)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if c.cfg.MaxBodySize > 0 && int64(len(data)) > c.cfg.MaxBodySize {
		return nil, fmt.Errorf("body exceeds %d bytes", c.cfg.MaxBodySize)
	}

	return data, nil
}

func cloneHeaders(h http.Header) (http.Header, error) {
	if h == nil {
		return nil, nil
	}

	out := make(http.Header, len(h))

	for name, values := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("invalid header name %q", name)
		}

		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, fmt.Errorf("invalid value for header %q", name)
			}
		}

		key := http.CanonicalHeaderKey(name)
		out[key] = append(out[key], slices.Clone(values)...)
	}

	return out, nil
}

// StopRequest просит сервис остановить r. Если r уже завершён, ничего не
// отправляется и возвращается false. r остаётся зарегистрированным до
// request_finished.
func (c *Client) StopRequest(ctx context.Context, r *Request) (bool, error) {
	if !c.isLiveRequest(r) {
		return false, nil
	}

	f, err := NewCommand(r.id, MethodStopRequest, nil)
	if err != nil {
		return false, err
	}

	return c.ack(ctx, f)
}

func (c *Client) SetCertificate(ctx context.Context, r *Request, cert Certificate) (bool, error) {
	if !c.isLiveRequest(r) {
		return false, nil
	}

	if err := cert.Validate(); err != nil {
		return false, err
	}

	f, err := NewCommand(r.id, MethodSetCertificate, cert.payload())
	if err != nil {
		return false, err
	}

	return c.ack(ctx, f)
}

func (c *Client) isLiveRequest(r *Request) bool {
	if r == nil || r.client != c {
		return false
	}

	h, ok := c.requests.get(r.id)

	return ok && h == r
}

// WebSocketConnect просит сервис открыть websocket. Отрицательный id от
// сервиса означает ErrConnectFailed. Наблюдатели из observers подключаются
// до регистрации id.
func (c *Client) WebSocketConnect(
	ctx context.Context,
	u *url.URL,
	origin string,
	protocols []string,
	extensions []string,
	headers http.Header,
	observers ...WebSocketObserver,
) (*WebSocket, error) {
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}

	if u == nil {
		return nil, fmt.Errorf("%w: missing url", ErrSetupFailed)
	}

	hdrs, err := cloneHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	f, err := NewCommand(0, MethodWebSocketConnect, WebSocketConnectPayload{
		URL:        u.String(),
		Origin:     origin,
		Protocols:  slices.Clone(protocols),
		Extensions: slices.Clone(extensions),
		Headers:    hdrs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	var (
		ws       *WebSocket
		returned OperationID = -1
	)

	// Регистрация в горутине чтения: websocket_connected сразу за ответом
	// должен найти обработчик
	register := func(reply *Frame) {
		if reply.Error != "" {
			return
		}

		var p WebSocketConnectReply
		if err := reply.UnmarshalPayload(&p); err != nil {
			return
		}

		returned = p.ConnectionID
		if p.ConnectionID < 0 {
			return
		}

		if c.websockets.contains(p.ConnectionID) {
			c.logger.Error("service reused a live websocket id", "id", p.ConnectionID)
			c.abandonReply(reply)

			return
		}

		ws = newWebSocket(c, p.ConnectionID, u)
		for _, o := range observers {
			ws.observe(o)
		}

		c.websockets.add(p.ConnectionID, ws)
	}

	if _, err := c.call(ctx, f, register); err != nil {
		return nil, err
	}

	if ws == nil {
		return nil, fmt.Errorf("%w: connection id %d", ErrConnectFailed, returned)
	}

	c.websocketsOpened.Add(1)
	c.logger.Debug("websocket connecting", "id", ws.id, "url", u.Redacted())

	return ws, nil
}

func (c *Client) isLiveWebSocket(ws *WebSocket) bool {
	if ws == nil || ws.client != c {
		return false
	}

	h, ok := c.websockets.get(ws.id)

	return ok && h == ws
}

func (c *Client) sendWebSocket(ws *WebSocket, isText bool, data []byte) error {
	if !c.isLiveWebSocket(ws) {
		return ErrWebSocketNotOpen
	}

	f, err := NewCommand(ws.id, MethodWebSocketSend, WebSocketSendPayload{
		IsText: isText,
		Data:   data,
	})
	if err != nil {
		return err
	}

	return c.send(f)
}

func (c *Client) closeWebSocket(ws *WebSocket, code uint16, reason string) error {
	if !c.isLiveWebSocket(ws) {
		return ErrWebSocketNotOpen
	}

	f, err := NewCommand(ws.id, MethodWebSocketClose, WebSocketClosePayload{
		Code:   code,
		Reason: reason,
	})
	if err != nil {
		return err
	}

	return c.send(f)
}

func (c *Client) setWebSocketCertificate(ctx context.Context, ws *WebSocket, cert Certificate) (bool, error) {
	if !c.isLiveWebSocket(ws) {
		return false, nil
	}

	if err := cert.Validate(); err != nil {
		return false, err
	}

	f, err := NewCommand(ws.id, MethodWebSocketSetCertificate, cert.payload())
	if err != nil {
		return false, err
	}

	return c.ack(ctx, f)
}

// EnsureConnection - подсказка сервису заранее подготовить соединение с u.
// Сверх лимита подсказки отбрасываются с ErrThrottled.
func (c *Client) EnsureConnection(ctx context.Context, u *url.URL, level CacheLevel) error {
	if u == nil {
		return fmt.Errorf("%w: missing url", ErrSetupFailed)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if !c.limiter.Allow() {
		return ErrThrottled
	}

	f, err := NewCommand(0, MethodEnsureConnection, EnsureConnectionPayload{
		URL:        u.String(),
		CacheLevel: level,
	})
	if err != nil {
		return err
	}

	return c.send(f)
}

func (c *Client) currentConn() (Conn, error) {
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	return conn, nil
}

func (c *Client) send(f *Frame) error {
	conn, err := c.currentConn()
	if err != nil {
		return err
	}

	return conn.WriteFrame(f)
}

func (c *Client) ack(ctx context.Context, f *Frame) (bool, error) {
	reply, err := c.call(ctx, f, nil)
	if err != nil {
		return false, err
	}

	var ack AckReply
	if err := reply.UnmarshalPayload(&ack); err != nil {
		return false, fmt.Errorf("decode %s reply: %w", f.Method, err)
	}

	return ack.OK, nil
}

func (c *Client) call(ctx context.Context, f *Frame, onReply func(*Frame)) (*Frame, error) {
	conn, err := c.currentConn()
	if err != nil {
		return nil, err
	}

	f.Seq = c.nextSeq.Add(1)

	pc := &pendingCall{
		resultCh: make(chan callResult, 1),
		onReply:  onReply,
	}

	c.pendMu.Lock()
	if c.IsClosed() {
		c.pendMu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[f.Seq] = pc
	c.pendMu.Unlock()

	if err := conn.WriteFrame(f); err != nil {
		c.forget(f.Seq)
		return nil, fmt.Errorf("failed to send %s: %w", f.Method, err)
	}

	timeout := c.cfg.CallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res callResult

	select {
	case res = <-pc.resultCh:
	case <-timer.C:
		if c.forget(f.Seq) {
			return nil, ErrCallTimeout
		}

		res = <-pc.resultCh
	case <-ctx.Done():
		if c.forget(f.Seq) {
			return nil, ctx.Err()
		}

		res = <-pc.resultCh
	}

	if res.err != nil {
		return nil, res.err
	}

	if res.frame.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrServiceError, res.frame.Error)
	}

	return res.frame, nil
}

// false - ответ уже забран горутиной чтения и результат вот-вот придёт
func (c *Client) forget(seq uint64) bool {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()

	if _, ok := c.pending[seq]; !ok {
		return false
	}

	delete(c.pending, seq)

	return true
}

func (c *Client) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.closedMu.Lock()
		c.closed = true
		c.closedMu.Unlock()

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn == nil {
			c.doneOnce.Do(func() { close(c.done) })
			return
		}

		err = conn.Close()
	})

	return err
}

// Done закрывается, когда соединение потеряно и все активные операции
// завершены с ошибкой.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

func (c *Client) Stats() Stats {
	return Stats{
		LiveRequests:         c.requests.len(),
		LiveWebSockets:       c.websockets.len(),
		RequestsStarted:      c.requestsStarted.Load(),
		WebSocketsOpened:     c.websocketsOpened.Load(),
		Notifications:        c.notifications.Load(),
		UnknownNotifications: c.unknown.Load(),
	}
}
