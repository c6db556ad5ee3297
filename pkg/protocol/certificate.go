package protocol

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
)

var (
	ErrInvalidCert = errors.New("invalid certificate")
	ErrInvalidKey  = errors.New("invalid private key")
	ErrKeyMismatch = errors.New("private key does not match certificate")
)

// Certificate - клиентский сертификат для ответа на запрос сертификата во
// время TLS рукопожатия.
type Certificate struct {
	CertificatePEM []byte // Цепочка X.509 в PEM, листовой первым
	PrivateKeyPEM  []byte // Приватный ключ PKCS#8, PKCS#1 или SEC 1
}

// Validate проверяет, что оба PEM блока разбираются и ключ соответствует
// листовому сертификату.
func (c Certificate) Validate() error {
	certBlock, _ := pem.Decode(c.CertificatePEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return ErrInvalidCert
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return errors.Join(ErrInvalidCert, err)
	}

	keyBlock, _ := pem.Decode(c.PrivateKeyPEM)
	if keyBlock == nil {
		return ErrInvalidKey
	}

	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return errors.Join(ErrInvalidKey, err)
	}

	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return ErrKeyMismatch
	}

	return nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, ErrInvalidKey
		}

		return signer, nil
	}

	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}

	return x509.ParsePKCS1PrivateKey(der)
}

func (c Certificate) payload() CertificatePayload {
	return CertificatePayload{
		Certificate: string(c.CertificatePEM),
		Key:         string(c.PrivateKeyPEM),
	}
}
