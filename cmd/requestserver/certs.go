package main

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

type certKey struct{}

// certSlot хранит последний сертификат, присланный клиентом для операции
type certSlot struct {
	ch chan tls.Certificate
}

func newCertSlot() *certSlot {
	return &certSlot{ch: make(chan tls.Certificate, 1)}
}

func (s *certSlot) offer(cert tls.Certificate) {
	select {
	case <-s.ch:
	default:
	}

	select {
	case s.ch <- cert:
	default:
	}
}

// certRequest кладётся в контекст запроса и достаётся при TLS рукопожатии
type certRequest struct {
	peer    *protocol.Peer
	id      protocol.OperationID
	method  string
	slot    *certSlot
	timeout time.Duration
}

func withCertRequest(ctx context.Context, cr *certRequest) context.Context {
	return context.WithValue(ctx, certKey{}, cr)
}

// getClientCertificate спрашивает сертификат у клиента и ждёт set_certificate.
// Пустой сертификат означает продолжение без него.
func getClientCertificate(info *tls.CertificateRequestInfo) (*tls.Certificate, error) {
	ctx := info.Context()

	cr, ok := ctx.Value(certKey{}).(*certRequest)
	if !ok {
		return &tls.Certificate{}, nil
	}

	select {
	case cert := <-cr.slot.ch:
		return &cert, nil
	default:
	}

	if err := cr.peer.Notify(cr.id, cr.method, nil); err != nil {
		return &tls.Certificate{}, nil
	}

	timer := time.NewTimer(cr.timeout)
	defer timer.Stop()

	select {
	case cert := <-cr.slot.ch:
		return &cert, nil
	case <-timer.C:
		return &tls.Certificate{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func parseCertificate(cmd *protocol.Command) (tls.Certificate, error) {
	var p protocol.CertificatePayload
	if err := cmd.UnmarshalPayload(&p); err != nil {
		return tls.Certificate{}, err
	}

	return tls.X509KeyPair([]byte(p.Certificate), []byte(p.Key))
}
