package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// CommandHandler обрабатывает одну команду. Для вызовов результат становится
// payload ответа, ошибка - полем error.
type CommandHandler func(ctx context.Context, cmd *Command) (any, error)

type Command struct {
	*Frame
	peer  *Peer
	after []func()
}

func (c *Command) Peer() *Peer {
	return c.peer
}

// AfterReply запускает fn в отдельной горутине после записи ответа. Уведомления
// для id, который сообщается в ответе, нужно отправлять отсюда.
func (c *Command) AfterReply(fn func()) {
	c.after = append(c.after, fn)
}

type Peer struct {
	conn Conn
	done chan struct{}
}

func (p *Peer) Notify(id OperationID, method string, payload any) error {
	return p.NotifyStream(id, method, payload, nil)
}

// NotifyStream отправляет уведомление с потоком вне payload. Поток переходит
// во владение транспорта.
func (p *Peer) NotifyStream(id OperationID, method string, payload any, stream io.ReadCloser) error {
	f, err := NewNotification(id, method, payload)
	if err != nil {
		if stream != nil {
			stream.Close()
		}

		return err
	}

	f.Stream = stream

	return p.conn.WriteFrame(f)
}

func (p *Peer) Done() <-chan struct{} {
	return p.done
}

type EndpointConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Logger          *slog.Logger
}

func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
		Logger:          slog.Default(),
	}
}

// Endpoint - сторона сервиса. Команды одного соединения обрабатываются по
// порядку поступления.
type Endpoint struct {
	upgrader websocket.Upgrader
	handlers map[string]CommandHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

func NewEndpoint(cfg EndpointConfig) *Endpoint {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Endpoint{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		handlers: make(map[string]CommandHandler),
		logger:   cfg.Logger,
	}
}

func (e *Endpoint) Handle(method string, handler CommandHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[method] = handler
}

func (e *Endpoint) getHandler(method string) (CommandHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[method]
	return h, ok
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	e.logger.Info("client connected", "remote_addr", ws.RemoteAddr())
	defer e.logger.Info("client disconnected", "remote_addr", ws.RemoteAddr())

	_ = e.Serve(r.Context(), NewWebSocketConn(ws))
}

func (e *Endpoint) ServeListener(ctx context.Context, ln *net.UnixListener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("accept: %w", err)
		}

		e.logger.Info("client connected", "remote_addr", c.RemoteAddr())

		go func() {
			_ = e.Serve(ctx, NewUnixConn(c))
			e.logger.Info("client disconnected", "remote_addr", c.RemoteAddr())
		}()
	}
}

// Serve обрабатывает команды из conn, пока он не закроется или не отменится
// ctx. При выходе conn закрывается.
func (e *Endpoint) Serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peer := &Peer{conn: conn, done: make(chan struct{})}
	defer close(peer.done)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrInvalidWireMessage) {
				e.logger.Error("failed to decode frame", "error", err)
				continue
			}

			if errors.Is(err, ErrConnectionClosed) {
				return nil
			}

			return err
		}

		if f.Type != FrameCommand {
			e.logger.Warn("unexpected frame", "type", f.Type.String(), "method", f.Method)
			closeStream(f)

			continue
		}

		e.processCommand(ctx, peer, f)
	}
}

func (e *Endpoint) processCommand(ctx context.Context, peer *Peer, f *Frame) {
	handler, ok := e.getHandler(f.Method)
	if !ok {
		closeStream(f)
		e.reply(peer, f, nil, fmt.Errorf("%w: %s", ErrCommandNotFound, f.Method))

		return
	}

	cmd := &Command{Frame: f, peer: peer}

	result, err := handler(ctx, cmd)
	e.reply(peer, f, result, err)

	for _, fn := range cmd.after {
		go fn()
	}
}

func (e *Endpoint) reply(peer *Peer, f *Frame, result any, err error) {
	if f.Seq == 0 {
		if err != nil {
			e.logger.Warn("command failed", "method", f.Method, "id", f.ID, "error", err)
		}

		return
	}

	var resp *Frame

	if err != nil {
		resp = NewErrorReply(f, err)
	} else {
		resp, err = NewReply(f, result)
		if err != nil {
			resp = NewErrorReply(f, err)
		}
	}

	if err := peer.conn.WriteFrame(resp); err != nil {
		e.logger.Error("failed to write reply", "method", f.Method, "error", err)
	}
}
