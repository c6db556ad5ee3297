package client

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

// CertificateFromEnv загружает клиентский сертификат из переменных окружения
// TLS_CERT - сертификат в base64
// TLS_KEY - приватный ключ в base64
func CertificateFromEnv() (protocol.Certificate, error) {
	certB64 := os.Getenv("TLS_CERT")
	keyB64 := os.Getenv("TLS_KEY")

	if certB64 == "" || keyB64 == "" {
		return protocol.Certificate{}, fmt.Errorf("TLS_CERT and TLS_KEY environment variables are required")
	}

	certPEM, err := base64.StdEncoding.DecodeString(certB64)
	if err != nil {
		return protocol.Certificate{}, fmt.Errorf("failed to decode TLS_CERT: %w", err)
	}

	keyPEM, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return protocol.Certificate{}, fmt.Errorf("failed to decode TLS_KEY: %w", err)
	}

	cert := protocol.Certificate{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
	}

	if err := cert.Validate(); err != nil {
		return protocol.Certificate{}, err
	}

	return cert, nil
}

// CertificateFromFiles читает PEM пару с диска.
func CertificateFromFiles(certFile, keyFile string) (protocol.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return protocol.Certificate{}, fmt.Errorf("failed to read certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return protocol.Certificate{}, fmt.Errorf("failed to read key: %w", err)
	}

	cert := protocol.Certificate{
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
	}

	if err := cert.Validate(); err != nil {
		return protocol.Certificate{}, err
	}

	return cert, nil
}
