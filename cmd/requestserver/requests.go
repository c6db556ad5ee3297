package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

var (
	errUnsupportedProxy  = errors.New("unsupported proxy")
	errUnsupportedScheme = errors.New("unsupported scheme")
)

// Прогресс отправляется не чаще, чем раз на progressStep байт
const progressStep = 64 << 10

type upstreamRequest struct {
	id     protocol.OperationID
	cancel context.CancelFunc
	certs  *certSlot
}

func (s *service) startRequest(ctx context.Context, cmd *protocol.Command) (any, error) {
	var p protocol.StartRequestPayload
	if err := cmd.UnmarshalPayload(&p); err != nil {
		return nil, err
	}

	peer := cmd.Peer()
	sess := s.session(peer)

	if _, ok := sess.request(cmd.ID); ok {
		return nil, fmt.Errorf("request %d already running", cmd.ID)
	}

	req, r, err := s.newUpstreamRequest(peer, cmd.ID, p)
	if err != nil {
		s.logger.Warn("rejecting request", "id", cmd.ID, "url", p.URL, "error", err)

		cmd.AfterReply(func() {
			_ = peer.Notify(cmd.ID, protocol.MethodRequestFinished, protocol.RequestFinishedPayload{})
		})

		return nil, nil
	}

	sess.mu.Lock()
	sess.requests[cmd.ID] = r
	sess.mu.Unlock()

	cmd.AfterReply(func() {
		s.runRequest(sess, r, req, p.Proxy)
	})

	return nil, nil
}

func (s *service) newUpstreamRequest(
	peer *protocol.Peer,
	id protocol.OperationID,
	p protocol.StartRequestPayload,
) (*http.Request, *upstreamRequest, error) {
	u, err := parseHTTPURL(p.URL)
	if err != nil {
		return nil, nil, err
	}

	method := p.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if s.cfg.UpstreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.cfg.UpstreamTimeout)
	}

	ctx, stop := context.WithCancel(ctx)
	cancelAll := func() {
		stop()
		cancel()
	}

	r := &upstreamRequest{id: id, cancel: cancelAll, certs: newCertSlot()}

	ctx = withCertRequest(ctx, &certRequest{
		peer:    peer,
		id:      id,
		method:  protocol.MethodCertificateRequested,
		slot:    r.certs,
		timeout: certificateWaitTimeout,
	})

	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		cancelAll()
		return nil, nil, err
	}

	for name, values := range p.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	return req, r, nil
}

// runRequest выполняет запрос и отдаёт клиенту тело через pipe:
// started, headers, progress, finished.
func (s *service) runRequest(sess *session, r *upstreamRequest, req *http.Request, p protocol.ProxyData) {
	defer func() {
		r.cancel()

		sess.mu.Lock()
		if sess.requests[r.id] == r {
			delete(sess.requests, r.id)
		}
		sess.mu.Unlock()
	}()

	peer := sess.peer
	logger := s.logger.With("id", r.id, "url", req.URL.Redacted())

	finish := func(success bool, total uint64) {
		if err := peer.Notify(r.id, protocol.MethodRequestFinished, protocol.RequestFinishedPayload{
			Success:   success,
			TotalSize: total,
		}); err != nil {
			logger.Debug("failed to notify finish", "error", err)
		}
	}

	t, err := s.transport(p)
	if err != nil {
		logger.Warn("bad proxy", "error", err)
		finish(false, 0)

		return
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		logger.Error("failed to create pipe", "error", err)
		finish(false, 0)

		return
	}

	if err := peer.NotifyStream(r.id, protocol.MethodRequestStarted, nil, pr); err != nil {
		pw.Close()

		if !errors.Is(err, protocol.ErrConnectionClosed) {
			logger.Warn("failed to deliver response stream", "error", err)
			finish(false, 0)
		}

		return
	}

	// Запись в pipe блокируется, пока клиент не читает тело; отмена её снимает
	go func() {
		<-req.Context().Done()
		pw.Close()
	}()

	resp, err := (&http.Client{Transport: t}).Do(req)
	if err != nil {
		logger.Info("request failed", "error", err)
		pw.Close()
		finish(false, 0)

		return
	}
	defer resp.Body.Close()

	status := uint32(resp.StatusCode)
	_ = peer.Notify(r.id, protocol.MethodHeadersBecameAvailable, protocol.HeadersPayload{
		Headers:    resp.Header,
		StatusCode: &status,
	})

	var total *uint64
	if resp.ContentLength >= 0 {
		n := uint64(resp.ContentLength)
		total = &n
	}

	downloaded, err := s.copyBody(peer, r.id, pw, resp.Body, total)
	pw.Close()

	if err != nil {
		logger.Info("response body interrupted", "downloaded", downloaded, "error", err)
		finish(false, downloaded)

		return
	}

	logger.Debug("request finished", "status", resp.StatusCode, "size", downloaded)
	finish(true, downloaded)
}

func (s *service) copyBody(
	peer *protocol.Peer,
	id protocol.OperationID,
	dst io.Writer,
	src io.Reader,
	total *uint64,
) (uint64, error) {
	buf := make([]byte, 32<<10)

	var downloaded, reported uint64

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return downloaded, werr
			}

			downloaded += uint64(n)

			if downloaded-reported >= progressStep {
				reported = downloaded
				_ = peer.Notify(id, protocol.MethodRequestProgress, protocol.RequestProgressPayload{
					TotalSize:      total,
					DownloadedSize: downloaded,
				})
			}
		}

		if errors.Is(err, io.EOF) {
			if downloaded != reported || downloaded == 0 {
				_ = peer.Notify(id, protocol.MethodRequestProgress, protocol.RequestProgressPayload{
					TotalSize:      total,
					DownloadedSize: downloaded,
				})
			}

			return downloaded, nil
		}

		if err != nil {
			return downloaded, err
		}
	}
}

func (s *service) stopRequest(ctx context.Context, cmd *protocol.Command) (any, error) {
	r, ok := s.session(cmd.Peer()).request(cmd.ID)
	if !ok {
		return protocol.AckReply{OK: false}, nil
	}

	s.logger.Debug("stopping request", "id", cmd.ID)
	r.cancel()

	return protocol.AckReply{OK: true}, nil
}

func (s *service) setCertificate(ctx context.Context, cmd *protocol.Command) (any, error) {
	cert, err := parseCertificate(cmd)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate: %w", err)
	}

	r, ok := s.session(cmd.Peer()).request(cmd.ID)
	if !ok {
		return protocol.AckReply{OK: false}, nil
	}

	r.certs.offer(cert)

	return protocol.AckReply{OK: true}, nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedScheme, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}

	return u, nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}

	switch u.Scheme {
	case "https", "wss":
		return net.JoinHostPort(u.Hostname(), "443")
	default:
		return net.JoinHostPort(u.Hostname(), "80")
	}
}
