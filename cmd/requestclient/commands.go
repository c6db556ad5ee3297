package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

const stopTimeout = 5 * time.Second

type fetchOptions struct {
	method  string
	target  *url.URL
	headers http.Header
	body    io.Reader
	answer  func() *protocol.Certificate
}

// fetch выполняет запрос: тело в stdout, статус и заголовки в stderr после
// завершения. При отмене ctx запрос останавливается в сервисе.
func fetch(ctx context.Context, client *protocol.Client, opts fetchOptions, stdout, stderr io.Writer) error {
	req, err := client.StartRequest(ctx, opts.method, opts.target, opts.headers, opts.body, protocol.ProxyData{},
		protocol.RequestObserver{OnCertificateRequested: opts.answer})
	if err != nil {
		return err
	}

	body, err := req.WaitBody(ctx)
	if err != nil {
		return stopOnCancel(ctx, req, err)
	}
	defer body.Close()

	if _, err := io.Copy(stdout, body); err != nil {
		return stopOnCancel(ctx, req, fmt.Errorf("read body: %w", err))
	}

	result, err := req.Wait(ctx)
	if err != nil {
		return stopOnCancel(ctx, req, err)
	}

	// headers_became_available приходит раньше finished
	if code, ok := req.StatusCode(); ok {
		writeHeaders(stderr, code, req.Headers())
	}

	if !result.Success {
		return fmt.Errorf("request failed after %d bytes", result.TotalSize)
	}

	return nil
}

func stopOnCancel(ctx context.Context, req *protocol.Request, err error) error {
	if ctx.Err() == nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if _, stopErr := req.Stop(stopCtx); stopErr != nil {
		return multierror.Append(err, stopErr)
	}

	return err
}

func writeHeaders(w io.Writer, statusCode int, headers http.Header) {
	fmt.Fprintf(w, "%d %s\n", statusCode, http.StatusText(statusCode))

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		for _, v := range headers[name] {
			fmt.Fprintf(w, "%s: %s\n", name, v)
		}
	}
}

type relayOptions struct {
	target    *url.URL
	headers   http.Header
	protocols []string
	answer    func() *protocol.Certificate
}

// relay пересылает строки stdin как текстовые сообщения и печатает входящие.
// Конец stdin закрывает соединение с кодом 1000.
func relay(ctx context.Context, client *protocol.Client, opts relayOptions, stdin io.Reader, stdout io.Writer) error {
	opened := make(chan struct{})

	ws, err := client.WebSocketConnect(ctx, opts.target, "", opts.protocols, nil, opts.headers,
		protocol.WebSocketObserver{
			OnOpen: func() { close(opened) },
			OnMessage: func(m protocol.Message) {
				if m.IsText {
					fmt.Fprintln(stdout, string(m.Data))
					return
				}

				fmt.Fprintf(stdout, "<binary %d bytes>\n", len(m.Data))
			},
			OnCertificateRequested: opts.answer,
		})
	if err != nil {
		return err
	}

	select {
	case <-opened:
	case <-ws.Done():
		return wsResult(ws)
	case <-ctx.Done():
		_ = ws.Close(1000, "")
		return ctx.Err()
	}

	lines := make(chan string)

	go func() {
		defer close(lines)

		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ws.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if err := ws.Close(1000, ""); err != nil {
					return wsResult(ws)
				}

				if _, err := ws.Wait(ctx); err != nil {
					return err
				}

				return wsResult(ws)
			}

			if err := ws.SendText(line); err != nil {
				return err
			}
		case <-ws.Done():
			return wsResult(ws)
		case <-ctx.Done():
			_ = ws.Close(1000, "")
			return ctx.Err()
		}
	}
}

func wsResult(ws *protocol.WebSocket) error {
	switch ws.State() {
	case protocol.WebSocketErrored:
		return fmt.Errorf("websocket error: %s", ws.ErrorCode())
	case protocol.WebSocketClosed:
		info := ws.CloseInfo()
		if !info.Clean {
			return fmt.Errorf("websocket closed abnormally: %d %s", info.Code, info.Reason)
		}
	}

	return nil
}
